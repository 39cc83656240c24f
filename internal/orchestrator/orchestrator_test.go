// ABOUTME: Tests for the turn state machines, stage sequence, serialization and cancellation
// ABOUTME: Uses a scripted moderator and generator over a real conversation store

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/llm"
	"github.com/2389/coven-council/internal/moderator"
	"github.com/2389/coven-council/internal/store"
	"github.com/2389/coven-council/internal/usage"
)

func stageKinds(stages []Stage) []StageKind {
	kinds := make([]StageKind, len(stages))
	for i, s := range stages {
		kinds[i] = s.Kind
	}
	return kinds
}

func TestDynamic_TwoStepPlan(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeDynamic})
	h.mod.plan = func(*moderator.Request) (*moderator.Plan, error) {
		return &moderator.Plan{
			Steps: []store.PlanStep{
				{AgentID: "alpha", Task: "t1"},
				{AgentID: "beta", Task: "t2"},
			},
			Rationale: "two parts",
		}, nil
	}
	stages, subID := h.orch.Subscribe(context.Background(), h.convID)
	defer h.orch.Unsubscribe(h.convID, subID)

	res := h.send("Plan a 2-step task")

	require.NoError(t, res.Err)
	got := drainStages(stages)
	assert.Equal(t, []StageKind{StagePlanning, StageExecutingPlan, StageExecutingPlan, StageIdle}, stageKinds(got))
	assert.Equal(t, Stage{Kind: StageExecutingPlan, ConversationID: h.convID, AgentID: "alpha", Task: "t1", Current: 1, Total: 2}, got[1])
	assert.Equal(t, Stage{Kind: StageExecutingPlan, ConversationID: h.convID, AgentID: "beta", Task: "t2", Current: 2, Total: 2}, got[2])

	plans := h.systemMessages(store.MessageTypePlan)
	require.Len(t, plans, 1)
	assert.Len(t, plans[0].Plan, 2)
	assert.Contains(t, plans[0].Text, "1. Alpha: t1")
	assert.Len(t, h.agentMessages(), 2)
	assert.Len(t, h.messages(), 4, "user + plan + 2 replies")
	assert.Empty(t, h.systemMessages(store.MessageTypeInsight), "insights are off")

	assert.Equal(t, []string{"alpha", "beta"}, res.Speakers)
	assert.Equal(t, []string{"alpha", "beta"}, h.gen.Speakers())
	reqs := h.gen.Requests()
	assert.Equal(t, "t1", reqs[0].Task)
	assert.Equal(t, "t2", reqs[1].Task)
	assert.Equal(t, "Plan a 2-step task", reqs[1].LatestText)
	assert.Equal(t, 2, h.pacer.Count())
	assert.Equal(t, StageIdle, h.orch.Stage(h.convID).Kind)
}

func TestDynamic_SkipsUnresolvedSteps(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeDynamic, ShowManagerInsights: true})
	h.mod.plan = func(*moderator.Request) (*moderator.Plan, error) {
		return &moderator.Plan{
			Steps: []store.PlanStep{
				{AgentID: "alpha", Task: "t1"},
				{AgentID: "ghost", Task: "t2"},
				{AgentID: "Beta", Task: "t3"},
			},
			Rationale: "why",
		}, nil
	}
	stages, subID := h.orch.Subscribe(context.Background(), h.convID)
	defer h.orch.Unsubscribe(h.convID, subID)

	res := h.send("go")

	require.NoError(t, res.Err)
	assert.Equal(t, []string{"alpha", "beta"}, h.gen.Speakers())

	var currents []int
	for _, s := range drainStages(stages) {
		if s.Kind == StageExecutingPlan {
			currents = append(currents, s.Current)
			assert.Equal(t, 3, s.Total)
		}
	}
	assert.Equal(t, []int{1, 3}, currents)

	insights := h.systemMessages(store.MessageTypeInsight)
	require.Len(t, insights, 1)
	assert.Equal(t, "why", insights[0].Text)
}

func TestDynamic_EmptyPlan(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeDynamic})
	h.mod.plan = func(*moderator.Request) (*moderator.Plan, error) {
		return &moderator.Plan{}, nil
	}
	stages, subID := h.orch.Subscribe(context.Background(), h.convID)
	defer h.orch.Unsubscribe(h.convID, subID)

	res := h.send("do nothing")

	require.NoError(t, res.Err)
	notices := h.systemMessages(store.MessageTypeNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, msgNoPlan, notices[0].Text)
	assert.Empty(t, h.gen.Requests())
	assert.Equal(t, []StageKind{StagePlanning, StageIdle}, stageKinds(drainStages(stages)))
}

func TestContinuous_NoSpeaker(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeContinuous})
	h.mod.decide = func(*moderator.Request) (*moderator.SpeakerDecision, error) {
		return &moderator.SpeakerDecision{}, nil
	}

	res := h.send("hello?")

	require.NoError(t, res.Err)
	notices := h.systemMessages(store.MessageTypeNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, msgCouldNotDecide, notices[0].Text)
	assert.Empty(t, h.agentMessages())
	assert.Empty(t, h.gen.Requests())
}

func TestContinuous_SpeakerReplies(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeContinuous})
	h.mod.decide = func(req *moderator.Request) (*moderator.SpeakerDecision, error) {
		assert.Equal(t, "Tell me about Go", req.LatestText)
		assert.Len(t, req.Agents, 2)
		return &moderator.SpeakerDecision{NextSpeaker: "alpha", NewTopic: "Go"}, nil
	}
	h.gen.chunks["alpha"] = []string{"Go ", "is ", "fun."}

	res := h.send("Tell me about Go")

	require.NoError(t, res.Err)
	msgs := h.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, store.MessageTypeTopicDivider, msgs[1].Type)
	assert.Equal(t, "Go", msgs[1].Text)

	reply := msgs[2]
	assert.Equal(t, "alpha", reply.Sender)
	assert.Equal(t, "Go is fun.", reply.Text)
	assert.False(t, reply.IsStreaming)
	require.Len(t, reply.Pipeline, 2)
	assert.Equal(t, moderator.OpDecideNextSpeaker, reply.Pipeline[0].Stage)
	assert.Equal(t, res.MessageIDs, []string{reply.ID})

	assert.Equal(t, usage.Counts{Tokens: 10, Requests: 2}, h.usage.Snapshot().Total)
	assert.Equal(t, usage.Counts{Tokens: 10, Requests: 1}, h.usage.Snapshot().PerAgent["alpha"])
}

func TestContinuous_ChunksConcatenateInOrder(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeContinuous})
	h.mod.decide = func(*moderator.Request) (*moderator.SpeakerDecision, error) {
		return &moderator.SpeakerDecision{NextSpeaker: "beta"}, nil
	}
	var chunks []string
	for i := range 50 {
		chunks = append(chunks, string(rune('a'+i%26)))
	}
	h.gen.chunks["beta"] = chunks

	events, subID := h.convs.Subscribe(context.Background(), h.convID)
	defer h.convs.Unsubscribe(h.convID, subID)

	h.send("stream please")

	var streamed strings.Builder
	for {
		select {
		case ev := <-events:
			if ev.Chunk != "" {
				streamed.WriteString(ev.Chunk)
			}
			continue
		default:
		}
		break
	}
	want := strings.Join(chunks, "")
	assert.Equal(t, want, streamed.String())
	assert.Equal(t, want, h.agentMessages()[0].Text)
}

func TestModerated_WaitForUserRunsOnce(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeModerated})
	h.mod.moderate = func(*moderator.Request) (*moderator.Moderation, error) {
		return &moderator.Moderation{Decision: moderator.DecisionWaitForUser, Rationale: "done"}, nil
	}

	res := h.send("thoughts?")

	require.NoError(t, res.Err)
	assert.Equal(t, []string{moderator.OpModerateTurn}, h.mod.Calls())
	assert.Empty(t, h.agentMessages())
	assert.Len(t, res.Pipeline, 1)
}

func TestModerated_LoopIsBounded(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeModerated})
	h.mod.moderate = func(*moderator.Request) (*moderator.Moderation, error) {
		return &moderator.Moderation{Decision: moderator.DecisionSpeak, NextSpeakerAgentID: "alpha", TaskForNextSpeaker: "keep going"}, nil
	}

	res := h.send("debate forever")

	require.NoError(t, res.Err)
	assert.Len(t, h.mod.Calls(), DefaultMaxDiscussionTurns)
	assert.Len(t, h.agentMessages(), DefaultMaxDiscussionTurns)
	msgs := h.messages()
	assert.Equal(t, msgTurnLimit, msgs[len(msgs)-1].Text)
	assert.Equal(t, "keep going", h.gen.Requests()[0].Task)
}

func TestModerated_CritiqueOnlyWhenRulesEnabled(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		h := newHarness(t, store.Settings{
			Mode:              store.ModeModerated,
			DiscussionEnabled: enabled,
			DiscussionRules:   "Be brief.",
		})
		h.mod.moderate = func(req *moderator.Request) (*moderator.Moderation, error) {
			if enabled {
				assert.Equal(t, "Be brief.", req.Rules)
			} else {
				assert.Empty(t, req.Rules)
			}
			return &moderator.Moderation{Critique: "Too long.", Decision: moderator.DecisionWaitForUser}, nil
		}

		h.send("hi")

		if enabled {
			assert.Len(t, h.systemMessages(store.MessageTypeCritique), 1)
		} else {
			assert.Empty(t, h.systemMessages(store.MessageTypeCritique))
		}
	}
}

func TestModerated_FailureEndsLoop(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeModerated})
	calls := 0
	h.mod.moderate = func(*moderator.Request) (*moderator.Moderation, error) {
		calls++
		if calls == 2 {
			return nil, &moderator.ResponseError{Op: moderator.OpModerateTurn, Err: errors.New("bad json")}
		}
		return &moderator.Moderation{Decision: moderator.DecisionSpeak, NextSpeakerAgentID: "beta"}, nil
	}

	res := h.send("go")

	require.Error(t, res.Err)
	assert.True(t, moderator.IsResponseError(res.Err))
	assert.Len(t, h.agentMessages(), 1, "progress before the failure is kept")
	notices := h.systemMessages(store.MessageTypeNotice)
	require.Len(t, notices, 1)
	assert.True(t, strings.HasPrefix(notices[0].Text, "Moderation failed."))
}

func TestModerated_UnknownSpeakerEndsLoop(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeModerated})
	h.mod.moderate = func(*moderator.Request) (*moderator.Moderation, error) {
		return &moderator.Moderation{Decision: moderator.DecisionSpeak, NextSpeakerAgentID: "nobody"}, nil
	}

	res := h.send("go")

	require.NoError(t, res.Err)
	assert.Len(t, h.mod.Calls(), 1)
	assert.Empty(t, h.agentMessages())
	assert.Empty(t, h.systemMessages(store.MessageTypeNotice))
}

func TestManual_SuggestThenSelect(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeManual})
	h.mod.suggest = func(*moderator.Request) ([]moderator.Suggestion, error) {
		return []moderator.Suggestion{
			{AgentID: "beta", Reason: "expert"},
			{AgentID: "ghost", Reason: "?"},
			{AgentID: "Beta", Reason: "again"},
			{AgentID: "alpha", Reason: "generalist"},
		}, nil
	}

	res := h.send("who knows?")

	require.NoError(t, res.Err)
	want := []moderator.Suggestion{
		{AgentID: "beta", Reason: "expert"},
		{AgentID: "alpha", Reason: "generalist"},
	}
	assert.Equal(t, want, res.Suggestions)
	assert.Equal(t, want, h.orch.Suggestions(h.convID))
	assert.Empty(t, h.gen.Requests(), "manual mode never generates on send")

	sel, err := h.orch.SelectSpeaker(context.Background(), h.convID, "beta")
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, sel.Speakers)
	assert.Equal(t, []string{moderator.OpSuggestions}, h.mod.Calls(), "no moderator call before selection")
	assert.Equal(t, "who knows?", h.gen.Requests()[0].LatestText)
	assert.Empty(t, h.orch.Suggestions(h.convID))
}

func TestSelectSpeaker_UnknownAgent(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeManual})
	_, err := h.orch.SelectSpeaker(context.Background(), h.convID, "ghost")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestSelectSpeaker_RespectsParticipants(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeManual, AgentIDs: []string{"alpha"}})
	_, err := h.orch.SelectSpeaker(context.Background(), h.convID, "beta")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestSend_MissingModeratorCredential(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeContinuous})
	h.mod.decide = func(*moderator.Request) (*moderator.SpeakerDecision, error) {
		return nil, llm.ErrMissingCredential
	}

	res := h.send("hi")

	assert.ErrorIs(t, res.Err, llm.ErrMissingCredential)
	assert.Empty(t, res.Pipeline)
	assert.Equal(t, usage.Counts{}, h.usage.Snapshot().Total, "no backend call, no usage")
	notices := h.systemMessages(store.MessageTypeNotice)
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0].Text, "No API key")
}

func TestSend_AgentErrorKeepsPartialText(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeContinuous})
	h.mod.decide = func(*moderator.Request) (*moderator.SpeakerDecision, error) {
		return &moderator.SpeakerDecision{NextSpeaker: "alpha"}, nil
	}
	h.gen.chunks["alpha"] = []string{"half an "}
	h.gen.errs["alpha"] = llm.NewError(llm.CodeRateLimited, errors.New("429"))

	res := h.send("hi")

	assert.Equal(t, llm.CodeRateLimited, llm.CodeOf(res.Err))
	replies := h.agentMessages()
	require.Len(t, replies, 1)
	assert.Equal(t, "half an ", replies[0].Text)
	assert.False(t, replies[0].IsStreaming)
	notices := h.systemMessages(store.MessageTypeNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, "Alpha: The model is rate limited. Wait a moment and try again.", notices[0].Text)
	assert.Equal(t, int64(0), h.usage.Snapshot().PerAgent["alpha"].Requests, "failed turns record no agent usage")
}

func TestSend_NoParticipants(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeContinuous, AgentIDs: []string{"nobody"}})

	res := h.send("hi")

	assert.ErrorIs(t, res.Err, ErrNoAgents)
	assert.Empty(t, h.mod.Calls())
}

func TestSend_Validation(t *testing.T) {
	h := newHarness(t, store.Settings{})

	_, err := h.orch.Send(context.Background(), SendRequest{ConversationID: h.convID, Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = h.orch.Send(context.Background(), SendRequest{ConversationID: "missing", Text: "hi"})
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestSend_TargetsActiveConversation(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeContinuous})
	h.mod.decide = func(*moderator.Request) (*moderator.SpeakerDecision, error) {
		return &moderator.SpeakerDecision{NextSpeaker: "alpha"}, nil
	}

	res, err := h.orch.Send(context.Background(), SendRequest{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, h.convID, res.ConversationID)
}

func TestSend_RejectsConcurrentTurnAndCancels(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeContinuous})
	h.mod.decide = func(*moderator.Request) (*moderator.SpeakerDecision, error) {
		return &moderator.SpeakerDecision{NextSpeaker: "alpha"}, nil
	}
	h.gen.chunks["alpha"] = []string{"partial "}
	h.gen.hang["alpha"] = true

	pending, err := h.orch.SendAsync(context.Background(), SendRequest{ConversationID: h.convID, Text: "first"})
	require.NoError(t, err)
	assert.Equal(t, h.convID, pending.ConversationID)
	assert.NotEmpty(t, pending.UserMessageID)

	require.Eventually(t, func() bool {
		replies := h.agentMessages()
		return len(replies) == 1 && replies[0].Text == "partial "
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.orch.Stage(h.convID).Busy())

	_, err = h.orch.Send(context.Background(), SendRequest{ConversationID: h.convID, Text: "second"})
	assert.ErrorIs(t, err, ErrTurnInProgress)
	_, err = h.orch.SelectSpeaker(context.Background(), h.convID, "beta")
	assert.ErrorIs(t, err, ErrTurnInProgress)

	other, err := h.convs.Create(context.Background(), "other", store.Settings{Mode: store.ModeManual})
	require.NoError(t, err)
	h.mod.suggest = func(*moderator.Request) ([]moderator.Suggestion, error) { return nil, nil }
	_, err = h.orch.Send(context.Background(), SendRequest{ConversationID: other.ID, Text: "parallel"})
	require.NoError(t, err, "other conversations are not blocked")

	require.True(t, h.orch.Cancel(h.convID))
	res := <-pending.Done

	assert.ErrorIs(t, res.Err, context.Canceled)
	replies := h.agentMessages()
	require.Len(t, replies, 1)
	assert.Equal(t, "partial ", replies[0].Text)
	assert.False(t, replies[0].IsStreaming)
	msgs := h.messages()
	assert.Equal(t, "Alpha: Turn cancelled.", msgs[len(msgs)-1].Text)

	assert.False(t, h.orch.Busy(h.convID))
	assert.False(t, h.orch.Cancel(h.convID))
	assert.Len(t, h.messages(), 3, "the rejected sends left no trace")
}

func TestSend_CallerCancellationStopsTurn(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeContinuous})
	h.mod.decide = func(*moderator.Request) (*moderator.SpeakerDecision, error) {
		return &moderator.SpeakerDecision{NextSpeaker: "alpha"}, nil
	}
	h.gen.hang["alpha"] = true
	h.gen.chunks["alpha"] = nil

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := h.orch.Send(ctx, SendRequest{ConversationID: h.convID, Text: "slow"})

	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.False(t, h.orch.Busy(h.convID))
}

func TestRegenerate_KeepsAlternatives(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeContinuous})
	h.mod.decide = func(*moderator.Request) (*moderator.SpeakerDecision, error) {
		return &moderator.SpeakerDecision{NextSpeaker: "alpha"}, nil
	}
	h.gen.chunks["alpha"] = []string{"first"}
	first := h.send("hi")
	msgID := first.MessageIDs[0]

	h.gen.mu.Lock()
	h.gen.chunks["alpha"] = []string{"second"}
	h.gen.mu.Unlock()

	res, err := h.orch.Regenerate(context.Background(), h.convID, msgID)
	require.NoError(t, err)
	require.NoError(t, res.Err)

	reply := h.agentMessages()[0]
	assert.Equal(t, msgID, reply.ID)
	assert.Equal(t, "second", reply.Text)
	require.Len(t, reply.Alternatives, 2)
	assert.Equal(t, "first", reply.Alternatives[0].Text)
	assert.Equal(t, 1, reply.ActiveAlternative)

	reqs := h.gen.Requests()
	last := reqs[len(reqs)-1]
	assert.Len(t, last.History, 1, "regeneration sees only the history before the reply")
	assert.Equal(t, "hi", last.LatestText)
}

func TestRegenerate_RejectsNonAgentMessages(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeManual})
	h.mod.suggest = func(*moderator.Request) ([]moderator.Suggestion, error) { return nil, nil }
	res := h.send("hi")

	_, err := h.orch.Regenerate(context.Background(), h.convID, res.UserMessageID)
	assert.ErrorIs(t, err, ErrNotRegenerable)

	_, err = h.orch.Regenerate(context.Background(), h.convID, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNotifier_ReceivesSendAndReceive(t *testing.T) {
	convs := conversation.New(nil, nil)
	defer convs.Close()
	_, err := convs.Create(context.Background(), "notify", store.Settings{Mode: store.ModeContinuous})
	require.NoError(t, err)

	got := make(chan Notification, 8)
	mod := &fakeModerator{decide: func(*moderator.Request) (*moderator.SpeakerDecision, error) {
		return &moderator.SpeakerDecision{NextSpeaker: "alpha"}, nil
	}}
	orch := New(Deps{
		Conversations: convs,
		Moderator:     mod,
		Agents:        newScriptedGenerator(),
		Roster:        testRoster(),
		Notifier:      NotifierFunc(func(n Notification) { got <- n }),
	}, Config{}, nil)

	_, err = orch.Send(context.Background(), SendRequest{Text: "hi"})
	require.NoError(t, err)
	orch.Close()
	close(got)

	var kinds []NotifyKind
	for n := range got {
		kinds = append(kinds, n.Kind)
	}
	assert.ElementsMatch(t, []NotifyKind{NotifySend, NotifyReceive}, kinds)
}

func TestClose_RejectsNewTurns(t *testing.T) {
	h := newHarness(t, store.Settings{})
	h.orch.Close()

	_, err := h.orch.Send(context.Background(), SendRequest{ConversationID: h.convID, Text: "hi"})
	assert.Error(t, err)
}

func TestSend_MissingAgentCredentialWritesOnlyNotice(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeContinuous})
	h.mod.decide = func(*moderator.Request) (*moderator.SpeakerDecision, error) {
		return &moderator.SpeakerDecision{NextSpeaker: "alpha"}, nil
	}
	h.gen.unready["alpha"] = fmt.Errorf("agent alpha: %w", llm.ErrMissingCredential)

	res := h.send("hi")

	assert.ErrorIs(t, res.Err, llm.ErrMissingCredential)
	assert.Empty(t, res.Speakers)
	assert.Empty(t, h.agentMessages(), "no placeholder is written")
	assert.Empty(t, h.gen.Requests())
	assert.Zero(t, h.pacer.Count())
	notices := h.systemMessages(store.MessageTypeNotice)
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0].Text, "Alpha:")
	assert.Contains(t, notices[0].Text, "No API key")
	assert.Len(t, h.messages(), 2, "user + notice")
}

func TestPacing_FreshPacerPerTurn(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeContinuous}, func(d *Deps) {
		d.Pacing = PaceEvery(time.Hour)
	})
	h.mod.decide = func(*moderator.Request) (*moderator.SpeakerDecision, error) {
		return &moderator.SpeakerDecision{NextSpeaker: "alpha"}, nil
	}
	other, err := h.convs.Create(context.Background(), "other", store.Settings{Mode: store.ModeContinuous})
	require.NoError(t, err)

	for _, convID := range []string{h.convID, other.ID, h.convID} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		res, err := h.orch.Send(ctx, SendRequest{ConversationID: convID, Text: "hi"})
		cancel()
		require.NoError(t, err)
		require.NoError(t, res.Err, "the first generation of a turn is never delayed")
		assert.Equal(t, []string{"alpha"}, res.Speakers)
	}
}

func TestPacing_SpacesStepsWithinTurn(t *testing.T) {
	h := newHarness(t, store.Settings{Mode: store.ModeDynamic}, func(d *Deps) {
		d.Pacing = PaceEvery(time.Hour)
	})
	h.mod.plan = func(*moderator.Request) (*moderator.Plan, error) {
		return &moderator.Plan{Steps: []store.PlanStep{
			{AgentID: "alpha", Task: "t1"},
			{AgentID: "beta", Task: "t2"},
		}}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res, err := h.orch.Send(ctx, SendRequest{ConversationID: h.convID, Text: "plan"})
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha"}, res.Speakers, "second step waits for the interval")
	assert.Error(t, res.Err)
}
