// ABOUTME: The four turn-taking state machines: continuous, dynamic, manual and moderated
// ABOUTME: Every failure inside a turn becomes one system message; committed progress is kept

package orchestrator

import (
	"fmt"
	"strings"

	"github.com/2389/coven-council/internal/agent"
	"github.com/2389/coven-council/internal/moderator"
	"github.com/2389/coven-council/internal/store"
)

// System message texts.
const (
	msgCouldNotDecide = "Could not decide who should respond."
	msgNoPlan         = "Could not formulate a plan for this request."
	msgTurnLimit      = "Discussion turn limit reached. Waiting for your input."
)

// run dispatches a turn to the mode's state machine.
func (o *Orchestrator) run(t *turn, mode store.Mode) {
	conv, err := t.snapshot()
	if err != nil {
		t.fail("", err)
		return
	}
	participants := o.participants(conv)
	if participants.Len() == 0 {
		t.fail("", ErrNoAgents)
		return
	}

	t.logger.Debug("turn started", "mode", mode, "agents", participants.Len())
	switch mode {
	case store.ModeDynamic:
		t.runDynamic(conv, participants)
	case store.ModeManual:
		t.runManual(conv, participants)
	case store.ModeModerated:
		t.runModerated(participants)
	default:
		t.runContinuous(conv, participants)
	}
}

// runContinuous lets the moderator pick one speaker.
func (t *turn) runContinuous(conv *store.Conversation, participants *agent.Roster) {
	t.o.setStage(t.convID, Stage{Kind: StageDeciding})

	decision, pipeline, err := t.o.moderator.DecideNextSpeaker(t.ctx, t.moderatorRequest(conv, participants))
	t.moderatorCalled(pipeline)
	if err != nil {
		t.fail("", err)
		return
	}

	if decision.NewTopic != "" {
		t.system(store.MessageTypeTopicDivider, decision.NewTopic, nil)
	}

	speaker, ok := participants.Get(decision.NextSpeaker)
	if decision.NextSpeaker == "" || !ok {
		t.logger.Info("no speaker chosen", "next_speaker", decision.NextSpeaker)
		t.system(store.MessageTypeNotice, msgCouldNotDecide, func(m *store.Message) {
			m.Pipeline = pipeline
		})
		return
	}

	t.o.setStage(t.convID, Stage{Kind: StageGenerating, AgentID: speaker.ID})
	_ = t.generate(speaker, "", pipeline)
}

// runDynamic asks the moderator for a plan and runs its steps in order.
// Steps naming an unknown agent are skipped.
func (t *turn) runDynamic(conv *store.Conversation, participants *agent.Roster) {
	t.o.setStage(t.convID, Stage{Kind: StagePlanning})

	plan, pipeline, err := t.o.moderator.GeneratePlan(t.ctx, t.moderatorRequest(conv, participants))
	t.moderatorCalled(pipeline)
	if err != nil {
		t.fail("", err)
		return
	}
	if len(plan.Steps) == 0 {
		t.system(store.MessageTypeNotice, msgNoPlan, func(m *store.Message) {
			m.Pipeline = pipeline
		})
		return
	}

	if conv.Settings.ShowManagerInsights && plan.Rationale != "" {
		t.system(store.MessageTypeInsight, plan.Rationale, nil)
	}
	t.system(store.MessageTypePlan, formatPlan(plan.Steps, participants), func(m *store.Message) {
		m.Plan = plan.Steps
		m.Pipeline = pipeline
	})

	total := len(plan.Steps)
	for i, step := range plan.Steps {
		if err := t.ctx.Err(); err != nil {
			t.fail("", err)
			return
		}
		p, ok := participants.Get(step.AgentID)
		if !ok {
			t.logger.Warn("skipping plan step with unknown agent", "step", i+1, "agent_id", step.AgentID)
			continue
		}

		t.o.setStage(t.convID, Stage{
			Kind:    StageExecutingPlan,
			AgentID: p.ID,
			Task:    step.Task,
			Current: i + 1,
			Total:   total,
		})
		if err := t.generate(p, step.Task, nil); err != nil {
			return
		}
	}
}

// runManual collects speaker suggestions for the user. No agent speaks
// until SelectSpeaker is called.
func (t *turn) runManual(conv *store.Conversation, participants *agent.Roster) {
	t.o.setStage(t.convID, Stage{Kind: StageSuggesting})

	suggestions, pipeline, err := t.o.moderator.GenerateSuggestions(t.ctx, t.moderatorRequest(conv, participants))
	t.moderatorCalled(pipeline)
	if err != nil {
		t.fail("", err)
		return
	}

	seen := make(map[string]bool)
	var valid []moderator.Suggestion
	for _, sg := range suggestions {
		p, ok := participants.Get(sg.AgentID)
		if !ok || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		valid = append(valid, moderator.Suggestion{AgentID: p.ID, Reason: sg.Reason})
	}

	t.result.Suggestions = valid
	t.o.mu.Lock()
	t.o.suggestions[t.convID] = valid
	t.o.mu.Unlock()
}

// runModerated alternates moderation and generation until the moderator
// hands the floor back, or the loop bound is reached.
func (t *turn) runModerated(participants *agent.Roster) {
	for range t.o.cfg.MaxDiscussionTurns {
		t.o.setStage(t.convID, Stage{Kind: StageModerating})

		conv, err := t.snapshot()
		if err != nil {
			t.fail("", err)
			return
		}
		req := t.moderatorRequest(conv, participants)
		if conv.Settings.DiscussionEnabled {
			req.Rules = conv.Settings.DiscussionRules
		}

		m, pipeline, err := t.o.moderator.ModerateTurn(t.ctx, req)
		t.moderatorCalled(pipeline)
		if err != nil {
			t.fail("Moderation failed.", err)
			return
		}

		if conv.Settings.ShowManagerInsights && m.Rationale != "" {
			t.system(store.MessageTypeInsight, m.Rationale, nil)
		}
		if m.Critique != "" && conv.Settings.DiscussionEnabled {
			t.system(store.MessageTypeCritique, m.Critique, func(msg *store.Message) {
				msg.Pipeline = pipeline
			})
		}

		if m.Decision == moderator.DecisionWaitForUser {
			return
		}
		p, ok := participants.Get(m.NextSpeakerAgentID)
		if m.NextSpeakerAgentID == "" || !ok {
			t.logger.Info("moderator named no valid speaker", "next_speaker", m.NextSpeakerAgentID)
			return
		}

		t.o.setStage(t.convID, Stage{Kind: StageGenerating, AgentID: p.ID})
		if err := t.generate(p, m.TaskForNextSpeaker, pipeline); err != nil {
			return
		}
	}

	t.system(store.MessageTypeNotice, msgTurnLimit, nil)
}

// formatPlan renders the plan announcement.
func formatPlan(steps []store.PlanStep, participants *agent.Roster) string {
	var b strings.Builder
	b.WriteString("Plan:")
	for i, s := range steps {
		name := s.AgentID
		if p, ok := participants.Get(s.AgentID); ok {
			name = p.DisplayName()
		}
		fmt.Fprintf(&b, "\n%d. %s: %s", i+1, name, s.Task)
	}
	return b.String()
}
