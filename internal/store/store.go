// ABOUTME: Data types for council conversations, messages, plans and audit pipelines
// ABOUTME: Shared by the in-memory conversation store, the orchestrator and SQLite persistence

package store

import (
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Well-known message senders. Any other sender value is an agent ID.
const (
	SenderUser   = "user"
	SenderSystem = "system"
)

// MessageType tags messages that are not plain replies.
type MessageType string

const (
	MessageTypeReply        MessageType = ""
	MessageTypeInsight      MessageType = "insight"
	MessageTypeTopicDivider MessageType = "topic_divider"
	MessageTypePlan         MessageType = "plan"
	MessageTypeCritique     MessageType = "critique"
	MessageTypeNotice       MessageType = "notice"
)

// Mode selects the turn-taking state machine used for a conversation.
type Mode string

const (
	ModeDynamic    Mode = "dynamic"
	ModeContinuous Mode = "continuous"
	ModeManual     Mode = "manual"
	ModeModerated  Mode = "moderated"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeDynamic, ModeContinuous, ModeManual, ModeModerated:
		return true
	}
	return false
}

// Attachment is a file the user attached to a message.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data,omitempty"`
}

// PlanStep is one task of a dynamic-mode plan.
type PlanStep struct {
	AgentID   string `json:"agent_id"`
	Task      string `json:"task"`
	Rationale string `json:"rationale,omitempty"`
}

// PipelineStep is one immutable entry in a turn's audit trail.
type PipelineStep struct {
	Stage    string        `json:"stage"`
	Input    string        `json:"input,omitempty"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Alternative is a superseded completion kept alongside the active one.
type Alternative struct {
	Text     string         `json:"text"`
	Summary  string         `json:"summary,omitempty"`
	Pipeline []PipelineStep `json:"pipeline,omitempty"`
}

// Message is a single entry in a conversation.
type Message struct {
	ID           string         `json:"id"`
	Text         string         `json:"text"`
	Sender       string         `json:"sender"`
	Attachment   *Attachment    `json:"attachment,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	IsStreaming  bool           `json:"is_streaming,omitempty"`
	Type         MessageType    `json:"type,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	ResponseTime time.Duration  `json:"response_time,omitempty"`
	Plan         []PlanStep     `json:"plan,omitempty"`
	Pipeline     []PipelineStep `json:"pipeline,omitempty"`

	// Alternatives holds every completion generated for this message,
	// including the active one at ActiveAlternative. Empty until the
	// message is regenerated for the first time.
	Alternatives      []Alternative `json:"alternatives,omitempty"`
	ActiveAlternative int           `json:"active_alternative,omitempty"`
}

// FromAgent reports whether the message was written by an agent.
func (m *Message) FromAgent() bool {
	return m.Sender != SenderUser && m.Sender != SenderSystem
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m.Attachment != nil {
		att := *m.Attachment
		att.Data = slices.Clone(att.Data)
		m.Attachment = &att
	}
	m.Plan = slices.Clone(m.Plan)
	m.Pipeline = slices.Clone(m.Pipeline)
	if m.Alternatives != nil {
		alts := make([]Alternative, len(m.Alternatives))
		for i, a := range m.Alternatives {
			a.Pipeline = slices.Clone(a.Pipeline)
			alts[i] = a
		}
		m.Alternatives = alts
	}
	return m
}

// Settings are the mode-scoped options of a conversation.
type Settings struct {
	Mode                Mode     `json:"mode"`
	DiscussionEnabled   bool     `json:"discussion_enabled"`
	DiscussionRules     string   `json:"discussion_rules,omitempty"`
	ShowManagerInsights bool     `json:"show_manager_insights"`
	SystemInstruction   string   `json:"system_instruction,omitempty"`
	AgentIDs            []string `json:"agent_ids,omitempty"`
}

// Conversation is an ordered list of messages plus its settings.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	Settings  Settings  `json:"settings"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Settings.AgentIDs = slices.Clone(c.Settings.AgentIDs)
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	return &out
}

// MessageIndex returns the position of the message with the given id, or -1.
func (c *Conversation) MessageIndex(id string) int {
	return slices.IndexFunc(c.Messages, func(m Message) bool { return m.ID == id })
}

// Note is a long-term memory entry owned by an agent.
type Note struct {
	AgentID   string
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TokenUsage records tokens and requests consumed by one backend exchange.
type TokenUsage struct {
	ID        string
	AgentID   string
	Tokens    int
	Requests  int
	CreatedAt time.Time
}

// UsageFilter narrows usage aggregation.
type UsageFilter struct {
	AgentID *string
	Since   *time.Time
	Until   *time.Time
}

// UsageStats is aggregated usage.
type UsageStats struct {
	TotalTokens  int64
	RequestCount int64
}
