// ABOUTME: Per-turn state and the shared GENERATING procedure
// ABOUTME: Placeholder first, chunks streamed into it, then finalize with the full result

package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/2389/coven-council/internal/agent"
	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/moderator"
	"github.com/2389/coven-council/internal/store"
)

// errStreamEnded is reported when an agent stream closes without a result.
var errStreamEnded = errors.New("agent stream ended without a result")

// turn is the state of one orchestrator run.
type turn struct {
	o      *Orchestrator
	ctx    context.Context
	convID string

	latestText string
	attachment *store.Attachment

	pacer  Pacer
	result *TurnResult
	logger *slog.Logger
}

func (o *Orchestrator) newTurn(ctx context.Context, convID, latestText string, attachment *store.Attachment) *turn {
	return &turn{
		o:          o,
		ctx:        ctx,
		convID:     convID,
		latestText: latestText,
		attachment: attachment,
		pacer:      o.pacing(),
		result:     &TurnResult{ConversationID: convID},
		logger:     o.logger.With("conversation_id", convID),
	}
}

// writeCtx is used for store writes, which must land even after the turn
// is cancelled.
func (t *turn) writeCtx() context.Context {
	return context.WithoutCancel(t.ctx)
}

// snapshot returns the conversation as it is now.
func (t *turn) snapshot() (*store.Conversation, error) {
	conv, err := t.o.convs.Get(t.convID)
	if err != nil {
		return nil, errors.Join(ErrConversationNotFound, err)
	}
	return conv, nil
}

// moderatorRequest builds the moderator's view of the conversation.
func (t *turn) moderatorRequest(conv *store.Conversation, participants *agent.Roster) *moderator.Request {
	return &moderator.Request{
		LatestText: t.latestText,
		Agents:     participants.All(),
		History:    conv.Messages,
		Roster:     t.o.roster,
	}
}

// moderatorCalled records usage and pipeline for a moderator call that
// reached the backend. By convention moderator calls count one request and
// no tokens.
func (t *turn) moderatorCalled(pipeline []store.PipelineStep) {
	if len(pipeline) == 0 {
		return
	}
	t.o.recordUsage(0, "", 1)
	t.result.Pipeline = append(t.result.Pipeline, pipeline...)
}

// system commits a system message of the given type.
func (t *turn) system(typ store.MessageType, text string, mutate func(m *store.Message)) {
	msg := store.Message{Sender: store.SenderSystem, Type: typ, Text: text}
	if mutate != nil {
		mutate(&msg)
	}
	if _, err := t.o.convs.AppendMessage(t.writeCtx(), t.convID, msg); err != nil {
		t.logger.Error("failed to commit system message", "type", typ, "error", err)
	}
}

// fail reports err as a system message and marks the turn failed.
func (t *turn) fail(prefix string, err error) {
	t.result.Err = err
	text := describeError(err)
	if prefix != "" {
		text = prefix + " " + text
	}
	t.logger.Warn("turn failed", "error", err)
	t.system(store.MessageTypeNotice, text, nil)
	t.o.notify(Notification{Kind: NotifyError, ConversationID: t.convID})
}

// generate is the GENERATING procedure for one agent. lead is prepended to
// the agent's pipeline, linking the moderator decision that chose it.
// Failures are reported to the conversation before being returned.
func (t *turn) generate(p *agent.Profile, task string, lead []store.PipelineStep) error {
	if err := t.o.agents.Ready(p); err != nil {
		t.fail(p.DisplayName()+":", err)
		return err
	}
	if err := t.pacer.Wait(t.ctx); err != nil {
		t.fail("", err)
		return err
	}

	conv, err := t.snapshot()
	if err != nil {
		t.fail("", err)
		return err
	}
	history := conv.Messages

	msgID, err := t.o.convs.AppendMessage(t.writeCtx(), t.convID, store.Message{
		Sender:      p.ID,
		IsStreaming: true,
	})
	if err != nil {
		t.fail("", err)
		return err
	}

	req := &agent.Request{
		Profile:        p,
		LatestText:     t.latestText,
		History:        history,
		Attachment:     t.attachment,
		SystemOverride: conv.Settings.SystemInstruction,
		Memory:         t.memory(p.ID),
		Task:           task,
		Roster:         t.o.roster,
		ConversationID: t.convID,
	}

	genCtx, cancel := context.WithCancel(t.ctx)
	result, err := t.consume(msgID, t.o.agents.Generate(genCtx, req))
	cancel()
	if err != nil {
		// Keep whatever streamed text arrived; only end the stream.
		if ferr := t.o.convs.Finalize(t.writeCtx(), t.convID, msgID, conversation.Patch{Pipeline: lead}); ferr != nil {
			t.logger.Error("failed to close placeholder", "message_id", msgID, "error", ferr)
		}
		t.fail(p.DisplayName()+":", err)
		return err
	}

	pipeline := make([]store.PipelineStep, 0, len(lead)+len(result.Pipeline))
	pipeline = append(pipeline, lead...)
	pipeline = append(pipeline, result.Pipeline...)
	responseTime := result.ResponseTime

	err = t.o.convs.Finalize(t.writeCtx(), t.convID, msgID, conversation.Patch{
		Text:         &result.Text,
		Summary:      &result.Summary,
		Pipeline:     pipeline,
		ResponseTime: &responseTime,
	})
	if err != nil {
		t.fail("", err)
		return err
	}

	t.o.recordUsage(result.Tokens, p.ID, result.Requests)
	t.result.Speakers = append(t.result.Speakers, p.ID)
	t.result.MessageIDs = append(t.result.MessageIDs, msgID)
	t.o.notify(Notification{Kind: NotifyReceive, ConversationID: t.convID, AgentID: p.ID, MessageID: msgID})
	t.logger.Info("agent replied",
		"agent_id", p.ID,
		"message_id", msgID,
		"tokens", result.Tokens,
		"response_time", result.ResponseTime,
	)
	return nil
}

// consume streams text events into the placeholder and returns the final
// result.
func (t *turn) consume(msgID string, events <-chan *agent.Response) (*agent.Result, error) {
	for ev := range events {
		switch ev.Event {
		case agent.EventText:
			if err := t.o.convs.AppendChunk(t.convID, msgID, ev.Text); err != nil {
				return nil, err
			}
		case agent.EventToolUse:
			t.logger.Debug("agent tool use", "message_id", msgID, "tool", ev.ToolUse.Name)
		case agent.EventToolResult:
			t.logger.Debug("agent tool result", "message_id", msgID, "tool", ev.ToolResult.Name, "is_error", ev.ToolResult.IsError)
		case agent.EventDone:
			return ev.Result, nil
		case agent.EventError:
			return nil, ev.Err
		}
	}
	if err := t.ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errStreamEnded
}

// memory loads an agent's notes. Failures degrade to no memory.
func (t *turn) memory(agentID string) []*store.Note {
	if t.o.notes == nil {
		return nil
	}
	notes, err := t.o.notes.ListNotes(t.ctx, agentID)
	if err != nil {
		t.logger.Warn("failed to load agent memory", "agent_id", agentID, "error", err)
		return nil
	}
	return notes
}
