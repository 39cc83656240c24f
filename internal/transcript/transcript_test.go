// ABOUTME: Tests for Markdown and HTML transcript rendering
// ABOUTME: Covers every message type and sender name resolution

package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-council/internal/agent"
	"github.com/2389/coven-council/internal/store"
)

func fixture() (*store.Conversation, *agent.Roster) {
	roster := agent.NewRoster([]*agent.Profile{
		{ID: "alpha", Name: "Alpha"},
		{ID: "beta", Name: "Beta"},
	})
	conv := &store.Conversation{
		ID:        "c1",
		Title:     "Launch review",
		Settings:  store.Settings{Mode: store.ModeDynamic},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Messages: []store.Message{
			{ID: "m1", Sender: store.SenderUser, Text: "Should we ship?"},
			{ID: "m2", Sender: store.SenderSystem, Type: store.MessageTypeInsight, Text: "Alpha knows\nthe numbers."},
			{ID: "m3", Sender: store.SenderSystem, Type: store.MessageTypePlan, Plan: []store.PlanStep{
				{AgentID: "alpha", Task: "Check metrics"},
				{AgentID: "gamma", Task: "Review risks"},
			}},
			{ID: "m4", Sender: "alpha", Text: "Metrics look **good**."},
			{ID: "m5", Sender: store.SenderSystem, Type: store.MessageTypeCritique, Text: "Stay on topic."},
			{ID: "m6", Sender: store.SenderSystem, Type: store.MessageTypeTopicDivider, Text: "New topic: pricing"},
			{ID: "m7", Sender: store.SenderSystem, Type: store.MessageTypeNotice, Text: "Beta: Turn cancelled."},
			{ID: "m8", Sender: "beta", Text: "Partial", IsStreaming: true},
		},
	}
	return conv, roster
}

func TestMarkdown(t *testing.T) {
	conv, roster := fixture()
	md := Markdown(conv, roster)

	assert.Contains(t, md, "# Launch review\n")
	assert.Contains(t, md, "_Mode: dynamic · started 2026-01-02T03:04:05Z_")
	assert.Contains(t, md, "### You\n\nShould we ship?")
	assert.Contains(t, md, "> **Moderator insight:** Alpha knows the numbers.")
	assert.Contains(t, md, "### Plan\n\n1. **Alpha**: Check metrics\n2. **gamma**: Review risks\n")
	assert.Contains(t, md, "### Alpha\n\nMetrics look **good**.")
	assert.Contains(t, md, "> **Moderator critique:** Stay on topic.")
	assert.Contains(t, md, "---\n\n_New topic: pricing_")
	assert.Contains(t, md, "> **Notice:** Beta: Turn cancelled.")
	assert.Contains(t, md, "### Beta\n\nPartial …")
}

func TestMarkdown_UntitledNilRoster(t *testing.T) {
	conv := &store.Conversation{Messages: []store.Message{{Sender: "alpha", Text: "hi"}}}
	md := Markdown(conv, nil)

	assert.Contains(t, md, "# Untitled conversation")
	assert.Contains(t, md, "### alpha\n\nhi")
	assert.NotContains(t, md, "started")
}

func TestHTML(t *testing.T) {
	conv, roster := fixture()
	out, err := HTML(conv, roster)
	require.NoError(t, err)

	html := string(out)
	assert.Contains(t, html, "<h1>Launch review</h1>")
	assert.Contains(t, html, "<strong>good</strong>")
	assert.Contains(t, html, "<blockquote>")
	assert.Contains(t, html, "<ol>")
	assert.Contains(t, html, "<hr>")
}

func TestHTML_RawHTMLNotPassedThrough(t *testing.T) {
	conv := &store.Conversation{Title: "x", Messages: []store.Message{
		{Sender: store.SenderUser, Text: "<script>alert(1)</script>"},
	}}
	out, err := HTML(conv, nil)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "<script>")
}
