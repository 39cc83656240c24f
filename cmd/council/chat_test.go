// ABOUTME: Tests for the chat REPL: command parsing, rendering and settings commands
// ABOUTME: Commands that do not call the model run against a real app with SQLite

package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-council/internal/agent"
	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/orchestrator"
	"github.com/2389/coven-council/internal/store"
)

// syncBuffer is a bytes.Buffer safe for the session's watcher goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestSession(t *testing.T) (*chatSession, *syncBuffer) {
	t.Helper()
	a := newTestApp(t)
	out := &syncBuffer{}
	s := newChatSession(a, out)
	s.switchTo(context.Background(), a.convs.ActiveID())
	t.Cleanup(s.stop)
	return s, out
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		arg   string
		isCmd bool
	}{
		{"hello there", "", "", false},
		{"/", "", "", false},
		{"/help", "help", "", true},
		{"/MODE Manual", "mode", "Manual", true},
		{"/rules  keep it short ", "rules", "keep it short", true},
		{"/new Pricing review", "new", "Pricing review", true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, arg, ok := parseCommand(tt.line)
			assert.Equal(t, tt.isCmd, ok)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.arg, arg)
		})
	}
}

func TestFormatSystemMessage(t *testing.T) {
	roster := agent.NewRoster([]*agent.Profile{{ID: "alpha", Name: "Alpha"}})

	tests := []struct {
		name string
		msg  store.Message
		want string
	}{
		{"notice", store.Message{Type: store.MessageTypeNotice, Text: "quota hit"}, "! quota hit"},
		{"insight", store.Message{Type: store.MessageTypeInsight, Text: "Alpha knows"}, "moderator: Alpha knows"},
		{"critique", store.Message{Type: store.MessageTypeCritique, Text: "too vague"}, "critique: too vague"},
		{"divider", store.Message{Type: store.MessageTypeTopicDivider, Text: "Pricing"}, "── Pricing ──"},
		{"plain", store.Message{Text: "hi"}, "hi"},
		{
			"plan",
			store.Message{Type: store.MessageTypePlan, Plan: []store.PlanStep{
				{AgentID: "alpha", Task: "size the market"},
				{AgentID: "ghost", Task: "haunt"},
			}},
			"plan:\n  1. Alpha: size the market\n  2. ghost: haunt",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSystemMessage(&tt.msg, roster))
		})
	}
}

func TestStageLine(t *testing.T) {
	roster := agent.NewRoster([]*agent.Profile{{ID: "alpha", Name: "Alpha"}})

	assert.Equal(t, "· step 2/3: Alpha", stageLine(orchestrator.Stage{
		Kind: orchestrator.StageExecutingPlan, AgentID: "alpha", Current: 2, Total: 3,
	}, roster))
	assert.NotEmpty(t, stageLine(orchestrator.Stage{Kind: orchestrator.StageDeciding}, roster))
	assert.Empty(t, stageLine(orchestrator.Stage{Kind: orchestrator.StageGenerating, AgentID: "alpha"}, roster))
	assert.Empty(t, stageLine(orchestrator.Stage{Kind: orchestrator.StageIdle}, roster))
}

func TestChatSession_SettingsCommands(t *testing.T) {
	s, out := newTestSession(t)
	ctx := context.Background()

	settings := func() store.Settings {
		conv, err := s.app.convs.Get(s.convID)
		require.NoError(t, err)
		return conv.Settings
	}

	assert.False(t, s.handleLine(ctx, "/mode manual"))
	assert.Equal(t, store.ModeManual, settings().Mode)

	s.handleLine(ctx, "/mode chaos")
	assert.Equal(t, store.ModeManual, settings().Mode)
	assert.Contains(t, out.String(), "usage: /mode")

	s.handleLine(ctx, "/rules one point per reply")
	assert.True(t, settings().DiscussionEnabled)
	assert.Equal(t, "one point per reply", settings().DiscussionRules)

	s.handleLine(ctx, "/rules")
	assert.False(t, settings().DiscussionEnabled)
	assert.Empty(t, settings().DiscussionRules)
	assert.Contains(t, out.String(), "Discussion rules cleared.")

	s.handleLine(ctx, "/insights on")
	assert.True(t, settings().ShowManagerInsights)
	s.handleLine(ctx, "/insights maybe")
	assert.True(t, settings().ShowManagerInsights)
	assert.Contains(t, out.String(), "usage: /insights")
}

func TestChatSession_InformationalCommands(t *testing.T) {
	s, out := newTestSession(t)
	ctx := context.Background()

	s.handleLine(ctx, "/help")
	assert.Contains(t, out.String(), "/pick <agent>")

	s.handleLine(ctx, "/agents")
	assert.Contains(t, out.String(), "Alpha Numbers")
	assert.Contains(t, out.String(), "Beta Pricing")

	s.app.tracker.Record(12, "alpha", 1)
	s.handleLine(ctx, "/usage")
	assert.Contains(t, out.String(), "Total: 12 tokens, 1 requests")
	assert.Contains(t, out.String(), "Alpha")

	s.handleLine(ctx, "/frobnicate")
	assert.Contains(t, out.String(), "unknown command /frobnicate")

	s.handleLine(ctx, "/pick")
	assert.Contains(t, out.String(), "usage: /pick <agent>")

	assert.True(t, s.handleLine(ctx, "/quit"))
	assert.True(t, s.handleLine(ctx, "/exit"))
}

func TestChatSession_NewConversation(t *testing.T) {
	s, out := newTestSession(t)
	ctx := context.Background()
	first := s.convID

	s.handleLine(ctx, "/rules be brief")
	s.handleLine(ctx, "/mode moderated")
	s.handleLine(ctx, "/new Pricing review")

	require.NotEqual(t, first, s.convID)
	assert.Equal(t, s.convID, s.app.convs.ActiveID())

	conv, err := s.app.convs.Get(s.convID)
	require.NoError(t, err)
	assert.Equal(t, "Pricing review", conv.Title)
	assert.Equal(t, store.ModeModerated, conv.Settings.Mode, "mode carries over")
	assert.False(t, conv.Settings.DiscussionEnabled, "rules do not carry over")
	assert.Contains(t, out.String(), "Pricing review (moderated mode)")
}

func TestChatSession_PrintsStreamedReplies(t *testing.T) {
	s, out := newTestSession(t)
	ctx := context.Background()

	id, err := s.app.convs.AppendMessage(ctx, s.convID, store.Message{Sender: "alpha", IsStreaming: true})
	require.NoError(t, err)
	require.NoError(t, s.app.convs.AppendChunk(s.convID, id, "Margins "))
	require.NoError(t, s.app.convs.AppendChunk(s.convID, id, "look thin."))
	require.NoError(t, s.app.convs.Finalize(ctx, s.convID, id, conversation.Patch{}))

	_, err = s.app.convs.AppendMessage(ctx, s.convID, store.Message{
		Sender: store.SenderSystem, Type: store.MessageTypeNotice, Text: "Beta failed",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "! Beta failed")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, out.String(), "Alpha: Margins look thin.\n")
}

func TestChatSession_UserMessagesAreNotEchoed(t *testing.T) {
	s, out := newTestSession(t)
	ctx := context.Background()

	_, err := s.app.convs.AppendMessage(ctx, s.convID, store.Message{Sender: store.SenderUser, Text: "secret question"})
	require.NoError(t, err)
	_, err = s.app.convs.AppendMessage(ctx, s.convID, store.Message{Sender: "beta", Text: "answer"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Beta: answer")
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotContains(t, out.String(), "secret question")
}

func TestChatSession_RunUntilEOF(t *testing.T) {
	a := newTestApp(t)
	out := &syncBuffer{}
	s := newChatSession(a, out)
	defer s.stop()

	err := s.run(context.Background(), strings.NewReader("/mode continuous\n\n/agents\n"))
	require.NoError(t, err)

	conv := a.convs.GetActive()
	require.NotNil(t, conv)
	assert.Equal(t, store.ModeContinuous, conv.Settings.Mode)
	assert.Contains(t, out.String(), "Agents: Alpha, Beta")
	assert.Contains(t, out.String(), "Mode: continuous")
}

func TestChatSession_RunStopsOnQuit(t *testing.T) {
	a := newTestApp(t)
	s := newChatSession(a, &syncBuffer{})
	defer s.stop()

	done := make(chan error, 1)
	go func() { done <- s.run(context.Background(), strings.NewReader("/quit\n/mode manual\n")) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after /quit")
	}
	assert.Equal(t, store.ModeDynamic, a.convs.GetActive().Settings.Mode)
}
