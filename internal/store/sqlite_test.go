// ABOUTME: Tests for the SQLite conversation and note persistence
// ABOUTME: Covers round-tripping conversations, message ordering, deletion and notes

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testConversation(id string) *Conversation {
	now := time.Now().UTC().Truncate(time.Second)
	return &Conversation{
		ID:    id,
		Title: "Launch planning",
		Settings: Settings{
			Mode:                ModeModerated,
			DiscussionEnabled:   true,
			DiscussionRules:     "Stay on topic.",
			ShowManagerInsights: true,
			AgentIDs:            []string{"writer", "critic"},
		},
		Messages: []Message{
			{ID: "m1", Sender: SenderUser, Text: "Plan the launch", Timestamp: now},
			{
				ID:        "m2",
				Sender:    SenderSystem,
				Type:      MessageTypePlan,
				Text:      "Plan",
				Timestamp: now,
				Plan:      []PlanStep{{AgentID: "writer", Task: "draft"}},
				Pipeline:  []PipelineStep{{Stage: "plan", Input: "prompt", Output: "{}", Duration: time.Second}},
			},
			{ID: "m3", Sender: "writer", Text: "Draft", Summary: "A draft", Timestamp: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSQLiteStore_SaveAndGetConversation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-1")
	require.NoError(t, s.SaveConversation(ctx, conv))

	got, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)

	assert.Equal(t, conv.Title, got.Title)
	assert.Equal(t, conv.Settings, got.Settings)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{got.Messages[0].ID, got.Messages[1].ID, got.Messages[2].ID})
	assert.Equal(t, conv.Messages[1].Plan, got.Messages[1].Plan)
	assert.Equal(t, conv.Messages[1].Pipeline, got.Messages[1].Pipeline)
	assert.Equal(t, "A draft", got.Messages[2].Summary)
}

func TestSQLiteStore_SaveConversationReplacesMessages(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-1")
	require.NoError(t, s.SaveConversation(ctx, conv))

	conv.Title = "Renamed"
	conv.Messages = conv.Messages[:1]
	require.NoError(t, s.SaveConversation(ctx, conv))

	got, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.Len(t, got.Messages, 1)
}

func TestSQLiteStore_GetConversationNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListAndDeleteConversations(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := testConversation("conv-1")
	second := testConversation("conv-2")
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	require.NoError(t, s.SaveConversation(ctx, first))
	require.NoError(t, s.SaveConversation(ctx, second))

	convs, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "conv-1", convs[0].ID)
	assert.Len(t, convs[1].Messages, 3)

	require.NoError(t, s.DeleteConversation(ctx, "conv-1"))
	assert.ErrorIs(t, s.DeleteConversation(ctx, "conv-1"), ErrNotFound)

	convs, err = s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "conv-2", convs[0].ID)
}

func TestSQLiteStore_Notes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetNote(ctx, &Note{AgentID: "writer", Key: "tone", Value: "formal"}))
	require.NoError(t, s.SetNote(ctx, &Note{AgentID: "writer", Key: "audience", Value: "engineers"}))
	require.NoError(t, s.SetNote(ctx, &Note{AgentID: "writer", Key: "tone", Value: "casual"}))
	require.NoError(t, s.SetNote(ctx, &Note{AgentID: "critic", Key: "tone", Value: "blunt"}))

	notes, err := s.ListNotes(ctx, "writer")
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "audience", notes[0].Key)
	assert.Equal(t, "casual", notes[1].Value)

	require.NoError(t, s.DeleteNote(ctx, "writer", "tone"))
	assert.ErrorIs(t, s.DeleteNote(ctx, "writer", "tone"), ErrNotFound)
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.SaveConversation(ctx, testConversation("conv-1")))

	got, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 3)
}

func TestMessage_CloneIsDeep(t *testing.T) {
	orig := Message{
		ID:           "m1",
		Attachment:   &Attachment{Name: "a.txt", Data: []byte("abc")},
		Plan:         []PlanStep{{AgentID: "a", Task: "t"}},
		Alternatives: []Alternative{{Text: "old", Pipeline: []PipelineStep{{Stage: "s"}}}},
	}

	clone := orig.Clone()
	clone.Attachment.Data[0] = 'z'
	clone.Plan[0].Task = "changed"
	clone.Alternatives[0].Pipeline[0].Stage = "changed"

	assert.Equal(t, byte('a'), orig.Attachment.Data[0])
	assert.Equal(t, "t", orig.Plan[0].Task)
	assert.Equal(t, "s", orig.Alternatives[0].Pipeline[0].Stage)
}
