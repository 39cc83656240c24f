// ABOUTME: Regenerate re-runs the agent that wrote a reply and keeps the old one as an alternative
// ABOUTME: The new completion becomes active; earlier ones stay selectable

package orchestrator

import (
	"context"
	"fmt"

	"github.com/2389/coven-council/internal/agent"
	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/store"
)

// Regenerate asks the author of msgID for a fresh reply to the history that
// preceded it. The reply is not streamed; the message is updated in place
// once the new completion is ready.
func (o *Orchestrator) Regenerate(ctx context.Context, convID, msgID string) (*TurnResult, error) {
	conv, err := o.conversation(convID)
	if err != nil {
		return nil, err
	}
	idx := conv.MessageIndex(msgID)
	if idx < 0 {
		return nil, fmt.Errorf("message %s: %w", msgID, store.ErrNotFound)
	}
	target := conv.Messages[idx]
	if !target.FromAgent() || target.IsStreaming {
		return nil, ErrNotRegenerable
	}
	p, ok := o.roster.Get(target.Sender)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, target.Sender)
	}

	ctx, finish, err := o.begin(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	defer finish()

	history := conv.Messages[:idx]
	latest, attachment := latestUserInput(history)
	t := o.newTurn(ctx, conv.ID, latest, attachment)
	o.setStage(conv.ID, Stage{Kind: StageGenerating, AgentID: p.ID})

	if err := t.pacer.Wait(ctx); err != nil {
		t.fail("", err)
		return t.result, nil
	}

	req := &agent.Request{
		Profile:        p,
		LatestText:     latest,
		History:        history,
		Attachment:     attachment,
		SystemOverride: conv.Settings.SystemInstruction,
		Memory:         t.memory(p.ID),
		Roster:         o.roster,
		ConversationID: conv.ID,
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var result *agent.Result
	for ev := range o.agents.Generate(genCtx, req) {
		switch ev.Event {
		case agent.EventDone:
			result = ev.Result
		case agent.EventError:
			err = ev.Err
		}
	}
	if result == nil && err == nil {
		if err = ctx.Err(); err == nil {
			err = errStreamEnded
		}
	}
	if err != nil {
		t.fail(p.DisplayName()+":", err)
		return t.result, nil
	}

	alts := target.Alternatives
	if len(alts) == 0 {
		alts = []store.Alternative{{Text: target.Text, Summary: target.Summary, Pipeline: target.Pipeline}}
	}
	alts = append(alts, store.Alternative{Text: result.Text, Summary: result.Summary, Pipeline: result.Pipeline})
	responseTime := result.ResponseTime

	err = o.convs.Finalize(t.writeCtx(), conv.ID, msgID, conversation.Patch{
		Text:              &result.Text,
		Summary:           &result.Summary,
		Pipeline:          result.Pipeline,
		ResponseTime:      &responseTime,
		Alternatives:      alts,
		ActiveAlternative: len(alts) - 1,
	})
	if err != nil {
		t.fail("", err)
		return t.result, nil
	}

	o.recordUsage(result.Tokens, p.ID, result.Requests)
	t.result.Speakers = append(t.result.Speakers, p.ID)
	t.result.MessageIDs = append(t.result.MessageIDs, msgID)
	o.notify(Notification{Kind: NotifyReceive, ConversationID: conv.ID, AgentID: p.ID, MessageID: msgID})
	return t.result, nil
}
