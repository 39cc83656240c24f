// ABOUTME: TurnOrchestrator drives one turn per user message under the conversation's mode
// ABOUTME: Serializes turns per conversation, tracks stages and keeps cancel funcs for in-flight turns

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-council/internal/agent"
	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/moderator"
	"github.com/2389/coven-council/internal/store"
)

// DefaultMaxDiscussionTurns bounds the moderated discussion loop.
const DefaultMaxDiscussionTurns = 5

// Conversations is what the orchestrator needs from the conversation store.
type Conversations interface {
	Get(id string) (*store.Conversation, error)
	GetActive() *store.Conversation
	AppendMessage(ctx context.Context, convID string, msg store.Message) (string, error)
	AppendChunk(convID, msgID, text string) error
	Finalize(ctx context.Context, convID, msgID string, patch conversation.Patch) error
}

// Moderator is the moderator role. *moderator.Service satisfies it.
type Moderator interface {
	DecideNextSpeaker(ctx context.Context, req *moderator.Request) (*moderator.SpeakerDecision, []store.PipelineStep, error)
	GenerateSuggestions(ctx context.Context, req *moderator.Request) ([]moderator.Suggestion, []store.PipelineStep, error)
	GeneratePlan(ctx context.Context, req *moderator.Request) (*moderator.Plan, []store.PipelineStep, error)
	ModerateTurn(ctx context.Context, req *moderator.Request) (*moderator.Moderation, []store.PipelineStep, error)
}

// Generator produces agent replies. *agent.Service satisfies it.
type Generator interface {
	// Ready reports configuration problems, such as a missing credential,
	// before any message is written.
	Ready(p *agent.Profile) error
	Generate(ctx context.Context, req *agent.Request) <-chan *agent.Response
}

// UsageSink accumulates token and request counts.
type UsageSink interface {
	Record(tokens int, agentID string, requests int)
}

// NoteSource provides an agent's long-term memory.
type NoteSource interface {
	ListNotes(ctx context.Context, agentID string) ([]*store.Note, error)
}

// Config tunes an Orchestrator.
type Config struct {
	// MaxDiscussionTurns bounds the moderated discussion loop. Zero means
	// DefaultMaxDiscussionTurns.
	MaxDiscussionTurns int

	// TurnTimeout bounds a whole turn. Zero disables the timeout.
	TurnTimeout time.Duration
}

// Deps are the orchestrator's collaborators. Usage, Notes, Notifier and
// Pacing are optional.
type Deps struct {
	Conversations Conversations
	Moderator     Moderator
	Agents        Generator
	Roster        *agent.Roster
	Usage         UsageSink
	Notes         NoteSource
	Notifier      Notifier

	// Pacing returns the pacer for one turn. It is called once per turn,
	// so pacing never carries over between turns or conversations.
	Pacing func() Pacer
}

// SendRequest is a user message for a conversation. An empty ConversationID
// targets the active conversation.
type SendRequest struct {
	ConversationID string
	Text           string
	Attachment     *store.Attachment
}

// TurnResult describes what one turn did.
type TurnResult struct {
	ConversationID string
	UserMessageID  string

	// Speakers and MessageIDs list the agents that replied and their
	// message ids, in order.
	Speakers   []string
	MessageIDs []string

	Suggestions []moderator.Suggestion
	Pipeline    []store.PipelineStep

	// Err is the failure that ended the turn early, if any. It has already
	// been reported to the conversation as a system message.
	Err error
}

// Orchestrator runs turns.
type Orchestrator struct {
	convs     Conversations
	moderator Moderator
	agents    Generator
	roster    *agent.Roster
	usage     UsageSink
	notes     NoteSource
	notifier  Notifier
	pacing    func() Pacer
	cfg       Config
	logger    *slog.Logger

	mu          sync.Mutex
	inflight    map[string]context.CancelFunc
	stages      map[string]Stage
	suggestions map[string][]moderator.Suggestion
	closed      bool

	stageEvents *conversation.Broadcaster[Stage]
	turns       sync.WaitGroup
	bg          sync.WaitGroup
}

// New creates an orchestrator.
func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxDiscussionTurns <= 0 {
		cfg.MaxDiscussionTurns = DefaultMaxDiscussionTurns
	}
	if deps.Pacing == nil {
		deps.Pacing = func() Pacer { return nopPacer{} }
	}
	if deps.Roster == nil {
		deps.Roster = agent.NewRoster(nil)
	}
	return &Orchestrator{
		convs:       deps.Conversations,
		moderator:   deps.Moderator,
		agents:      deps.Agents,
		roster:      deps.Roster,
		usage:       deps.Usage,
		notes:       deps.Notes,
		notifier:    deps.Notifier,
		pacing:      deps.Pacing,
		cfg:         cfg,
		logger:      logger.With("component", "orchestrator"),
		inflight:    make(map[string]context.CancelFunc),
		stages:      make(map[string]Stage),
		suggestions: make(map[string][]moderator.Suggestion),
		stageEvents: conversation.NewBroadcaster[Stage](logger),
	}
}

// Send records the user message and runs a turn, returning when the turn
// ends. Cancelling ctx cancels the turn.
func (o *Orchestrator) Send(ctx context.Context, req SendRequest) (*TurnResult, error) {
	p, err := o.start(ctx, req)
	if err != nil {
		return nil, err
	}
	return <-p.Done, nil
}

// Pending is a turn accepted by SendAsync.
type Pending struct {
	ConversationID string
	UserMessageID  string

	// Done receives the turn's result and is then closed.
	Done <-chan *TurnResult
}

// SendAsync records the user message and runs the turn in the background.
// The turn outlives ctx; use Cancel to stop it.
func (o *Orchestrator) SendAsync(ctx context.Context, req SendRequest) (*Pending, error) {
	return o.start(context.WithoutCancel(ctx), req)
}

func (o *Orchestrator) start(parent context.Context, req SendRequest) (*Pending, error) {
	if strings.TrimSpace(req.Text) == "" && req.Attachment == nil {
		return nil, ErrEmptyMessage
	}
	conv, err := o.conversation(req.ConversationID)
	if err != nil {
		return nil, err
	}

	ctx, finish, err := o.begin(parent, conv.ID)
	if err != nil {
		return nil, err
	}

	userID, err := o.convs.AppendMessage(context.WithoutCancel(ctx), conv.ID, store.Message{
		Sender:     store.SenderUser,
		Text:       req.Text,
		Attachment: req.Attachment,
	})
	if err != nil {
		finish()
		return nil, fmt.Errorf("recording user message: %w", err)
	}
	o.notify(Notification{Kind: NotifySend, ConversationID: conv.ID, MessageID: userID})

	o.mu.Lock()
	delete(o.suggestions, conv.ID)
	o.mu.Unlock()

	t := o.newTurn(ctx, conv.ID, req.Text, req.Attachment)
	t.result.UserMessageID = userID

	out := make(chan *TurnResult, 1)
	go func() {
		defer close(out)
		o.run(t, conv.Settings.Mode)
		finish()
		out <- t.result
	}()
	return &Pending{ConversationID: conv.ID, UserMessageID: userID, Done: out}, nil
}

// SelectSpeaker runs a turn in which agentID answers the latest user
// message. No moderator call precedes the generation.
func (o *Orchestrator) SelectSpeaker(ctx context.Context, convID, agentID string) (*TurnResult, error) {
	conv, err := o.conversation(convID)
	if err != nil {
		return nil, err
	}
	p, ok := o.participants(conv).Get(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	ctx, finish, err := o.begin(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	defer finish()

	o.mu.Lock()
	delete(o.suggestions, conv.ID)
	o.mu.Unlock()

	latest, attachment := latestUserInput(conv.Messages)
	t := o.newTurn(ctx, conv.ID, latest, attachment)

	o.setStage(conv.ID, Stage{Kind: StageGenerating, AgentID: p.ID})
	_ = t.generate(p, "", nil)
	return t.result, nil
}

// Cancel aborts the conversation's in-flight turn. It reports whether a turn
// was running.
func (o *Orchestrator) Cancel(convID string) bool {
	o.mu.Lock()
	cancel, ok := o.inflight[convID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Busy reports whether convID has a turn in flight.
func (o *Orchestrator) Busy(convID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[convID]
	return ok
}

// Stage returns the conversation's current stage.
func (o *Orchestrator) Stage(convID string) Stage {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.stages[convID]; ok {
		return s
	}
	return Stage{Kind: StageIdle, ConversationID: convID}
}

// Subscribe returns a channel of stage changes for one conversation.
func (o *Orchestrator) Subscribe(ctx context.Context, convID string) (<-chan Stage, string) {
	return o.stageEvents.Subscribe(ctx, convID)
}

// Unsubscribe ends a subscription created by Subscribe.
func (o *Orchestrator) Unsubscribe(convID, subID string) {
	o.stageEvents.Unsubscribe(convID, subID)
}

// Suggestions returns the candidate speakers from the conversation's last
// manual-mode turn. They are cleared by the next send or selection.
func (o *Orchestrator) Suggestions(convID string) []moderator.Suggestion {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]moderator.Suggestion(nil), o.suggestions[convID]...)
}

// ReplaceRoster swaps the agent roster used by future turns.
func (o *Orchestrator) ReplaceRoster(profiles []*agent.Profile) {
	o.roster.Replace(profiles)
}

// Roster returns the orchestrator's agent roster.
func (o *Orchestrator) Roster() *agent.Roster {
	return o.roster
}

// Close cancels in-flight turns, waits for them and closes stage
// subscriptions.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	for _, cancel := range o.inflight {
		cancel()
	}
	o.mu.Unlock()

	o.turns.Wait()
	o.bg.Wait()
	o.stageEvents.Close()
}

// begin admits a turn for convID. The returned finish func must be called
// when the turn ends; it releases the conversation and publishes idle.
func (o *Orchestrator) begin(parent context.Context, convID string) (context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, nil, fmt.Errorf("orchestrator closed")
	}
	if _, busy := o.inflight[convID]; busy {
		return nil, nil, ErrTurnInProgress
	}

	ctx, cancel := context.WithCancel(parent)
	if o.cfg.TurnTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, o.cfg.TurnTimeout)
		base := cancel
		cancel = func() {
			cancelTimeout()
			base()
		}
	}
	o.inflight[convID] = cancel
	o.turns.Add(1)

	var once sync.Once
	finish := func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.inflight, convID)
			delete(o.stages, convID)
			o.stageEvents.Publish(convID, Stage{Kind: StageIdle, ConversationID: convID}, "")
			o.mu.Unlock()
			cancel()
			o.turns.Done()
		})
	}
	return ctx, finish, nil
}

func (o *Orchestrator) conversation(id string) (*store.Conversation, error) {
	if id == "" {
		conv := o.convs.GetActive()
		if conv == nil {
			return nil, ErrConversationNotFound
		}
		return conv, nil
	}
	conv, err := o.convs.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return conv, nil
}

// participants is the roster restricted to the conversation's agents.
func (o *Orchestrator) participants(conv *store.Conversation) *agent.Roster {
	return agent.NewRoster(o.roster.Filter(conv.Settings.AgentIDs))
}

// setStage records and publishes a stage. Publishing under mu keeps stage
// events in the order they were set.
func (o *Orchestrator) setStage(convID string, s Stage) {
	s.ConversationID = convID
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages[convID] = s
	o.stageEvents.Publish(convID, s, "")
}

func (o *Orchestrator) recordUsage(tokens int, agentID string, requests int) {
	if o.usage != nil {
		o.usage.Record(tokens, agentID, requests)
	}
}

// latestUserInput returns the text and attachment of the last user message.
func latestUserInput(msgs []store.Message) (string, *store.Attachment) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender == store.SenderUser {
			return msgs[i].Text, msgs[i].Attachment
		}
	}
	return "", nil
}
