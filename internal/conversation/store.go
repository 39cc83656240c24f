// ABOUTME: In-memory conversation store with copy-on-write message lists
// ABOUTME: Publishes change events and writes committed changes through to a Persister

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-council/internal/store"
)

var (
	// ErrDuplicateMessage is returned when appending a message whose id already exists.
	ErrDuplicateMessage = errors.New("message id already exists")

	// ErrNotStreaming is returned when appending a chunk to a finalized message.
	ErrNotStreaming = errors.New("message is not streaming")

	// ErrInvalidAlternative is returned when selecting an alternative that does not exist.
	ErrInvalidAlternative = errors.New("alternative index out of range")

	// ErrInvalidMode is returned for settings with an unknown mode.
	ErrInvalidMode = errors.New("invalid conversation mode")
)

// persistTimeout bounds each write-through to the Persister.
const persistTimeout = 5 * time.Second

// Source loads previously persisted conversations.
type Source interface {
	ListConversations(ctx context.Context) ([]*store.Conversation, error)
}

// Persister receives every committed conversation change.
type Persister interface {
	SaveConversation(ctx context.Context, conv *store.Conversation) error
	DeleteConversation(ctx context.Context, id string) error
}

// EventKind identifies a conversation change.
type EventKind string

const (
	EventMessageAppended     EventKind = "message_appended"
	EventMessageChunk        EventKind = "message_chunk"
	EventMessageFinalized    EventKind = "message_finalized"
	EventMessageUpdated      EventKind = "message_updated"
	EventMessageDeleted      EventKind = "message_deleted"
	EventMessagesReplaced    EventKind = "messages_replaced"
	EventConversationUpdated EventKind = "conversation_updated"
)

// Event describes one change to a conversation.
type Event struct {
	Kind           EventKind       `json:"kind"`
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id,omitempty"`
	Chunk          string          `json:"chunk,omitempty"`
	Message        *store.Message  `json:"message,omitempty"`
	Messages       []store.Message `json:"messages,omitempty"`
	Title          string          `json:"title,omitempty"`
	Settings       *store.Settings `json:"settings,omitempty"`
}

// Patch is applied to a streaming message when it is finalized.
// Nil fields are left unchanged. The message id never changes.
type Patch struct {
	Text         *string
	Summary      *string
	Pipeline     []store.PipelineStep
	Plan         []store.PlanStep
	ResponseTime *time.Duration

	// Alternatives, when non-nil, replaces the message's alternative list
	// and ActiveAlternative selects the active entry.
	Alternatives      []store.Alternative
	ActiveAlternative int
}

// Store holds all conversations and the active one.
//
// Message lists are never mutated in place: every change builds a new slice
// and swaps it in, so snapshots handed out by Get stay stable.
type Store struct {
	mu       sync.RWMutex
	convs    map[string]*store.Conversation
	order    []string
	activeID string

	// saveMu is acquired before mu is released so write-throughs land in
	// mutation order.
	saveMu  sync.Mutex
	persist Persister

	events *Broadcaster[Event]
	logger *slog.Logger
}

// New creates an empty store. persist may be nil for a purely in-memory store.
func New(persist Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		convs:   make(map[string]*store.Conversation),
		persist: persist,
		events:  NewBroadcaster[Event](logger),
		logger:  logger.With("component", "conversation"),
	}
}

// Load replaces the store's contents with the conversations from source.
// The most recently created conversation becomes active.
func (s *Store) Load(ctx context.Context, source Source) error {
	convs, err := source.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.convs = make(map[string]*store.Conversation, len(convs))
	s.order = s.order[:0]
	s.activeID = ""
	for _, conv := range convs {
		// a process restart ends any in-flight turn
		for i := range conv.Messages {
			conv.Messages[i].IsStreaming = false
		}
		s.convs[conv.ID] = conv
		s.order = append(s.order, conv.ID)
		s.activeID = conv.ID
	}

	s.logger.Info("conversations loaded", "count", len(convs))
	return nil
}

// Create adds a new conversation and makes it active if none is.
func (s *Store) Create(ctx context.Context, title string, settings store.Settings) (*store.Conversation, error) {
	if settings.Mode == "" {
		settings.Mode = store.ModeDynamic
	}
	if !settings.Mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, settings.Mode)
	}
	if title == "" {
		title = "New conversation"
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		Messages:  []store.Message{},
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.convs[conv.ID] = conv
	s.order = append(s.order, conv.ID)
	if s.activeID == "" {
		s.activeID = conv.ID
	}
	s.commitLocked(conv)

	s.logger.Debug("conversation created", "conversation_id", conv.ID, "mode", settings.Mode)
	return conv.Clone(), nil
}

// Get returns a snapshot of the conversation.
func (s *Store) Get(id string) (*store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return conv.Clone(), nil
}

// List returns snapshots of all conversations in creation order.
func (s *Store) List() []*store.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*store.Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.convs[id].Clone())
	}
	return out
}

// GetActive returns a snapshot of the active conversation, or nil.
func (s *Store) GetActive() *store.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[s.activeID]
	if !ok {
		return nil
	}
	return conv.Clone()
}

// ActiveID returns the id of the active conversation, or "".
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// SetActive makes id the active conversation.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[id]; !ok {
		return store.ErrNotFound
	}
	s.activeID = id
	return nil
}

// Delete removes a conversation. If it was active, the newest remaining
// conversation becomes active.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.convs[id]; !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	delete(s.convs, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	if s.activeID == id {
		s.activeID = ""
		if n := len(s.order); n > 0 {
			s.activeID = s.order[n-1]
		}
	}
	s.saveMu.Lock()
	s.mu.Unlock()
	defer s.saveMu.Unlock()

	if s.persist != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := s.persist.DeleteConversation(saveCtx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("failed to delete persisted conversation", "error", err, "conversation_id", id)
		}
	}
	return nil
}

// Rename changes a conversation's title.
func (s *Store) Rename(ctx context.Context, id, title string) error {
	return s.update(id, func(conv *store.Conversation) (*Event, error) {
		conv.Title = title
		return &Event{Kind: EventConversationUpdated, Title: title}, nil
	})
}

// UpdateSettings replaces a conversation's settings.
func (s *Store) UpdateSettings(ctx context.Context, id string, settings store.Settings) error {
	if !settings.Mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, settings.Mode)
	}
	return s.update(id, func(conv *store.Conversation) (*Event, error) {
		settings.AgentIDs = slices.Clone(settings.AgentIDs)
		conv.Settings = settings
		return &Event{Kind: EventConversationUpdated, Title: conv.Title, Settings: &settings}, nil
	})
}

// AppendMessage appends msg to the conversation. An empty ID or timestamp is
// filled in. Returns the message id.
func (s *Store) AppendMessage(ctx context.Context, convID string, msg store.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg = msg.Clone()

	err := s.update(convID, func(conv *store.Conversation) (*Event, error) {
		if conv.MessageIndex(msg.ID) >= 0 {
			return nil, ErrDuplicateMessage
		}
		msgs := make([]store.Message, len(conv.Messages), len(conv.Messages)+1)
		copy(msgs, conv.Messages)
		conv.Messages = append(msgs, msg)

		evMsg := msg.Clone()
		return &Event{Kind: EventMessageAppended, MessageID: msg.ID, Message: &evMsg}, nil
	})
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// AppendChunk appends streamed text to a streaming message. Chunks are
// published but not persisted; Finalize persists the complete text.
func (s *Store) AppendChunk(convID, msgID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[convID]
	if !ok {
		return store.ErrNotFound
	}
	idx := conv.MessageIndex(msgID)
	if idx < 0 {
		return fmt.Errorf("message %s: %w", msgID, store.ErrNotFound)
	}
	if !conv.Messages[idx].IsStreaming {
		return ErrNotStreaming
	}

	next := *conv
	next.Messages = slices.Clone(conv.Messages)
	next.Messages[idx].Text += text
	s.convs[convID] = &next

	s.events.Publish(convID, Event{
		Kind:           EventMessageChunk,
		ConversationID: convID,
		MessageID:      msgID,
		Chunk:          text,
	}, "")
	return nil
}

// Finalize applies patch to a message and marks it permanently non-streaming.
func (s *Store) Finalize(ctx context.Context, convID, msgID string, patch Patch) error {
	return s.update(convID, func(conv *store.Conversation) (*Event, error) {
		idx := conv.MessageIndex(msgID)
		if idx < 0 {
			return nil, fmt.Errorf("message %s: %w", msgID, store.ErrNotFound)
		}
		msgs := slices.Clone(conv.Messages)
		m := msgs[idx].Clone()

		if patch.Text != nil {
			m.Text = *patch.Text
		}
		if patch.Summary != nil {
			m.Summary = *patch.Summary
		}
		if patch.Pipeline != nil {
			m.Pipeline = slices.Clone(patch.Pipeline)
		}
		if patch.Plan != nil {
			m.Plan = slices.Clone(patch.Plan)
		}
		if patch.ResponseTime != nil {
			m.ResponseTime = *patch.ResponseTime
		}
		if patch.Alternatives != nil {
			m.Alternatives = store.Message{Alternatives: patch.Alternatives}.Clone().Alternatives
			m.ActiveAlternative = patch.ActiveAlternative
		}
		m.ID = msgID
		m.IsStreaming = false

		msgs[idx] = m
		conv.Messages = msgs

		evMsg := m.Clone()
		return &Event{Kind: EventMessageFinalized, MessageID: msgID, Message: &evMsg}, nil
	})
}

// ReplaceMessages swaps the whole message list.
func (s *Store) ReplaceMessages(ctx context.Context, convID string, msgs []store.Message) error {
	next := make([]store.Message, len(msgs))
	for i, m := range msgs {
		next[i] = m.Clone()
	}
	return s.update(convID, func(conv *store.Conversation) (*Event, error) {
		conv.Messages = next
		evMsgs := make([]store.Message, len(next))
		for i, m := range next {
			evMsgs[i] = m.Clone()
		}
		return &Event{Kind: EventMessagesReplaced, Messages: evMsgs}, nil
	})
}

// DeleteMessage removes one message. Only user actions delete messages.
func (s *Store) DeleteMessage(ctx context.Context, convID, msgID string) error {
	return s.update(convID, func(conv *store.Conversation) (*Event, error) {
		idx := conv.MessageIndex(msgID)
		if idx < 0 {
			return nil, fmt.Errorf("message %s: %w", msgID, store.ErrNotFound)
		}
		conv.Messages = slices.Delete(slices.Clone(conv.Messages), idx, idx+1)
		return &Event{Kind: EventMessageDeleted, MessageID: msgID}, nil
	})
}

// SelectAlternative makes alternative index the active completion of a message.
func (s *Store) SelectAlternative(ctx context.Context, convID, msgID string, index int) error {
	return s.update(convID, func(conv *store.Conversation) (*Event, error) {
		idx := conv.MessageIndex(msgID)
		if idx < 0 {
			return nil, fmt.Errorf("message %s: %w", msgID, store.ErrNotFound)
		}
		msgs := slices.Clone(conv.Messages)
		m := msgs[idx].Clone()
		if index < 0 || index >= len(m.Alternatives) {
			return nil, ErrInvalidAlternative
		}
		alt := m.Alternatives[index]
		m.Text = alt.Text
		m.Summary = alt.Summary
		m.Pipeline = slices.Clone(alt.Pipeline)
		m.ActiveAlternative = index

		msgs[idx] = m
		conv.Messages = msgs

		evMsg := m.Clone()
		return &Event{Kind: EventMessageUpdated, MessageID: msgID, Message: &evMsg}, nil
	})
}

// Subscribe returns a channel of change events for one conversation.
func (s *Store) Subscribe(ctx context.Context, convID string) (<-chan Event, string) {
	return s.events.Subscribe(ctx, convID)
}

// Unsubscribe ends a subscription created by Subscribe.
func (s *Store) Unsubscribe(convID, subID string) {
	s.events.Unsubscribe(convID, subID)
}

// Close closes all event subscriptions.
func (s *Store) Close() {
	s.events.Close()
}

// update runs fn against a shallow copy of the conversation, swaps the copy
// in, publishes the returned event and writes the result through.
func (s *Store) update(convID string, fn func(conv *store.Conversation) (*Event, error)) error {
	s.mu.Lock()

	cur, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	next := *cur
	ev, err := fn(&next)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	next.UpdatedAt = time.Now().UTC()
	s.convs[convID] = &next

	if ev != nil {
		ev.ConversationID = convID
		s.events.Publish(convID, *ev, "")
	}
	s.commitLocked(&next)
	return nil
}

// commitLocked writes conv through to the persister. Must be called with mu
// held; it releases mu.
func (s *Store) commitLocked(conv *store.Conversation) {
	if s.persist == nil {
		s.mu.Unlock()
		return
	}
	snapshot := conv.Clone()
	s.saveMu.Lock()
	s.mu.Unlock()
	defer s.saveMu.Unlock()

	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.persist.SaveConversation(saveCtx, snapshot); err != nil {
		s.logger.Error("failed to persist conversation",
			"error", err,
			"conversation_id", conv.ID)
	}
}
