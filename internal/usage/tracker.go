// ABOUTME: UsageTracker accumulates token and request counters per agent
// ABOUTME: Optionally writes every record through to a persistent sink

package usage

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-council/internal/store"
)

// sinkTimeout bounds a single write to the sink.
const sinkTimeout = 5 * time.Second

// Sink persists usage records.
type Sink interface {
	SaveUsage(ctx context.Context, usage *store.TokenUsage) error
}

// Counts is a token and request tally.
type Counts struct {
	Tokens   int64 `json:"tokens"`
	Requests int64 `json:"requests"`
}

// Snapshot is a point-in-time copy of the tracker's counters.
type Snapshot struct {
	Total    Counts            `json:"total"`
	PerAgent map[string]Counts `json:"per_agent"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	total    Counts
	perAgent map[string]Counts

	sink   Sink
	logger *slog.Logger
}

// NewTracker creates a tracker. sink may be nil.
func NewTracker(sink Sink, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		perAgent: make(map[string]Counts),
		sink:     sink,
		logger:   logger.With("component", "usage"),
	}
}

// Record adds tokens and requests to the totals. An empty agentID counts
// towards the totals only. Sink failures are logged, never returned.
func (t *Tracker) Record(tokens int, agentID string, requests int) {
	if tokens < 0 {
		tokens = 0
	}
	if requests < 0 {
		requests = 0
	}

	t.mu.Lock()
	t.total.Tokens += int64(tokens)
	t.total.Requests += int64(requests)
	if agentID != "" {
		c := t.perAgent[agentID]
		c.Tokens += int64(tokens)
		c.Requests += int64(requests)
		t.perAgent[agentID] = c
	}
	t.mu.Unlock()

	if t.sink == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	rec := &store.TokenUsage{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Tokens:    tokens,
		Requests:  requests,
		CreatedAt: time.Now(),
	}
	if err := t.sink.SaveUsage(ctx, rec); err != nil {
		t.logger.Warn("failed to persist usage", "agent_id", agentID, "error", err)
	}
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Total:    t.total,
		PerAgent: maps.Clone(t.perAgent),
	}
}

// Reset zeroes the in-memory counters. Persisted records are untouched.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = Counts{}
	t.perAgent = make(map[string]Counts)
}
