// ABOUTME: Test doubles for the orchestrator: a scripted moderator and agent generator
// ABOUTME: Plus a harness wiring them to a real conversation store and usage tracker

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-council/internal/agent"
	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/llm"
	"github.com/2389/coven-council/internal/moderator"
	"github.com/2389/coven-council/internal/store"
	"github.com/2389/coven-council/internal/usage"
)

var errUnscripted = errors.New("unscripted moderator call")

// fakeModerator answers moderator calls from per-operation funcs.
type fakeModerator struct {
	mu    sync.Mutex
	calls []string

	decide   func(req *moderator.Request) (*moderator.SpeakerDecision, error)
	suggest  func(req *moderator.Request) ([]moderator.Suggestion, error)
	plan     func(req *moderator.Request) (*moderator.Plan, error)
	moderate func(req *moderator.Request) (*moderator.Moderation, error)
}

func (f *fakeModerator) record(op string, err error) []store.PipelineStep {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
	if errors.Is(err, llm.ErrMissingCredential) {
		return nil
	}
	return []store.PipelineStep{{Stage: op, Input: "prompt", Output: "raw"}}
}

func (f *fakeModerator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeModerator) DecideNextSpeaker(_ context.Context, req *moderator.Request) (*moderator.SpeakerDecision, []store.PipelineStep, error) {
	if f.decide == nil {
		return nil, f.record(moderator.OpDecideNextSpeaker, errUnscripted), errUnscripted
	}
	d, err := f.decide(req)
	return d, f.record(moderator.OpDecideNextSpeaker, err), err
}

func (f *fakeModerator) GenerateSuggestions(_ context.Context, req *moderator.Request) ([]moderator.Suggestion, []store.PipelineStep, error) {
	if f.suggest == nil {
		return nil, f.record(moderator.OpSuggestions, errUnscripted), errUnscripted
	}
	s, err := f.suggest(req)
	return s, f.record(moderator.OpSuggestions, err), err
}

func (f *fakeModerator) GeneratePlan(_ context.Context, req *moderator.Request) (*moderator.Plan, []store.PipelineStep, error) {
	if f.plan == nil {
		return nil, f.record(moderator.OpPlan, errUnscripted), errUnscripted
	}
	p, err := f.plan(req)
	return p, f.record(moderator.OpPlan, err), err
}

func (f *fakeModerator) ModerateTurn(_ context.Context, req *moderator.Request) (*moderator.Moderation, []store.PipelineStep, error) {
	if f.moderate == nil {
		return nil, f.record(moderator.OpModerateTurn, errUnscripted), errUnscripted
	}
	m, err := f.moderate(req)
	return m, f.record(moderator.OpModerateTurn, err), err
}

// scriptedGenerator streams fixed chunks per agent.
type scriptedGenerator struct {
	mu       sync.Mutex
	requests []*agent.Request

	chunks map[string][]string
	errs   map[string]error

	// hang makes the agent stream its chunks and then wait for cancellation.
	hang map[string]bool

	// unready fails Ready for an agent.
	unready map[string]error
}

func newScriptedGenerator() *scriptedGenerator {
	return &scriptedGenerator{
		chunks:  map[string][]string{},
		errs:    map[string]error{},
		hang:    map[string]bool{},
		unready: map[string]error{},
	}
}

func (g *scriptedGenerator) Ready(p *agent.Profile) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unready[p.ID]
}

func (g *scriptedGenerator) Generate(ctx context.Context, req *agent.Request) <-chan *agent.Response {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	chunks, ok := g.chunks[req.Profile.ID]
	if !ok {
		chunks = []string{"Reply from ", req.Profile.ID}
	}
	err := g.errs[req.Profile.ID]
	hang := g.hang[req.Profile.ID]
	g.mu.Unlock()

	out := make(chan *agent.Response)
	go func() {
		defer close(out)
		send := func(r *agent.Response) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, c := range chunks {
			if !send(&agent.Response{Event: agent.EventText, Text: c}) {
				return
			}
		}
		if hang {
			<-ctx.Done()
			return
		}
		if err != nil {
			send(&agent.Response{Event: agent.EventError, Err: err})
			return
		}
		text := strings.Join(chunks, "")
		send(&agent.Response{Event: agent.EventDone, Result: &agent.Result{
			Text:         text,
			Summary:      text,
			Pipeline:     []store.PipelineStep{{Stage: agent.StageResponse, Output: text}},
			Tokens:       10,
			Requests:     1,
			ResponseTime: time.Millisecond,
		}})
	}()
	return out
}

func (g *scriptedGenerator) Requests() []*agent.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*agent.Request(nil), g.requests...)
}

func (g *scriptedGenerator) Speakers() []string {
	var ids []string
	for _, r := range g.Requests() {
		ids = append(ids, r.Profile.ID)
	}
	return ids
}

// countingPacer counts admissions.
type countingPacer struct {
	mu sync.Mutex
	n  int
}

func (p *countingPacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	p.n++
	p.mu.Unlock()
	return ctx.Err()
}

func (p *countingPacer) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

type harness struct {
	t      *testing.T
	convs  *conversation.Store
	mod    *fakeModerator
	gen    *scriptedGenerator
	usage  *usage.Tracker
	pacer  *countingPacer
	orch   *Orchestrator
	convID string
}

func testRoster() *agent.Roster {
	return agent.NewRoster([]*agent.Profile{
		{ID: "alpha", Name: "Alpha"},
		{ID: "beta", Name: "Beta"},
	})
}

func newHarness(t *testing.T, settings store.Settings, opts ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		convs: conversation.New(nil, nil),
		mod:   &fakeModerator{},
		gen:   newScriptedGenerator(),
		usage: usage.NewTracker(nil, nil),
		pacer: &countingPacer{},
	}
	deps := Deps{
		Conversations: h.convs,
		Moderator:     h.mod,
		Agents:        h.gen,
		Roster:        testRoster(),
		Usage:         h.usage,
		Pacing:        func() Pacer { return h.pacer },
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.orch = New(deps, Config{}, nil)

	conv, err := h.convs.Create(context.Background(), "test", settings)
	require.NoError(t, err)
	h.convID = conv.ID

	t.Cleanup(func() {
		h.orch.Close()
		h.convs.Close()
	})
	return h
}

func (h *harness) send(text string) *TurnResult {
	h.t.Helper()
	res, err := h.orch.Send(context.Background(), SendRequest{ConversationID: h.convID, Text: text})
	require.NoError(h.t, err)
	return res
}

func (h *harness) messages() []store.Message {
	h.t.Helper()
	conv, err := h.convs.Get(h.convID)
	require.NoError(h.t, err)
	return conv.Messages
}

// agentMessages returns the messages written by agents.
func (h *harness) agentMessages() []store.Message {
	var out []store.Message
	for _, m := range h.messages() {
		if m.FromAgent() {
			out = append(out, m)
		}
	}
	return out
}

// systemMessages returns system messages of the given type.
func (h *harness) systemMessages(typ store.MessageType) []store.Message {
	var out []store.Message
	for _, m := range h.messages() {
		if m.Sender == store.SenderSystem && m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// drainStages reads every stage already published on ch.
func drainStages(ch <-chan Stage) []Stage {
	var out []Stage
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, s)
		default:
			return out
		}
	}
}
