// ABOUTME: ModeratorService decides turn-taking, plans and discussion moderation
// ABOUTME: Each operation is one structured model call recorded as a pipeline step

package moderator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-council/internal/agent"
	"github.com/2389/coven-council/internal/llm"
	"github.com/2389/coven-council/internal/store"
)

// Operation names, also used as pipeline stage labels.
const (
	OpDecideNextSpeaker = "moderator_decide_next_speaker"
	OpSuggestions       = "moderator_suggestions"
	OpPlan              = "moderator_plan"
	OpModerateTurn      = "moderator_moderate_turn"
)

// Config identifies the moderator's backend and persona.
type Config struct {
	Credential  string
	Model       string
	Instruction string
}

// Request is the context shared by every moderator operation.
type Request struct {
	LatestText string
	Agents     []*agent.Profile
	History    []store.Message
	Rules      string
	Roster     *agent.Roster
}

// SpeakerDecision is the result of DecideNextSpeaker. An empty NextSpeaker
// means no agent should respond.
type SpeakerDecision struct {
	NextSpeaker string
	NewTopic    string
}

// Suggestion is a candidate speaker offered to the user in manual mode.
type Suggestion struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// Plan is an ordered task list for dynamic mode.
type Plan struct {
	Steps     []store.PlanStep
	Rationale string
}

// Decision is the moderated-discussion verdict.
type Decision string

const (
	DecisionSpeak       Decision = "speak"
	DecisionWaitForUser Decision = "wait_for_user"
)

// Moderation is the result of ModerateTurn. Critique is empty unless the
// previous agent turn broke the rules.
type Moderation struct {
	Critique           string
	Decision           Decision
	NextSpeakerAgentID string
	TaskForNextSpeaker string
	Rationale          string
}

// Service implements the moderator operations on top of an llm.Client.
type Service struct {
	client llm.Client
	cfg    Config
	logger *slog.Logger
}

// NewService creates a moderator.
func NewService(client llm.Client, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "moderator"),
	}
}

// call issues one structured request, decodes it into out and runs validate.
// The returned pipeline always holds exactly the prompt and raw response,
// even when the call fails after reaching the backend.
func (s *Service) call(ctx context.Context, op, prompt string, schema *llm.Schema, out any, validate func() error) ([]store.PipelineStep, error) {
	if s.cfg.Credential == "" {
		return nil, fmt.Errorf("moderator: %w", llm.ErrMissingCredential)
	}

	req := &llm.Request{
		Credential: s.cfg.Credential,
		Model:      s.cfg.Model,
		System:     s.system(),
		Contents:   []llm.Content{llm.TextContent(llm.RoleUser, prompt)},
	}

	start := time.Now()
	raw, err := s.client.GenerateStructured(ctx, req, schema)
	pipeline := []store.PipelineStep{{
		Stage:    op,
		Input:    prompt,
		Output:   string(raw),
		Duration: time.Since(start),
	}}

	if err != nil {
		if llm.CodeOf(err) == llm.CodeMalformed {
			return pipeline, &ResponseError{Op: op, Prompt: prompt, Raw: string(raw), Err: err}
		}
		return pipeline, fmt.Errorf("moderator %s: %w", op, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return pipeline, &ResponseError{Op: op, Prompt: prompt, Raw: string(raw), Err: err}
	}
	if err := checkRequired(raw, schema); err != nil {
		return pipeline, &ResponseError{Op: op, Prompt: prompt, Raw: string(raw), Err: err}
	}
	if validate != nil {
		if err := validate(); err != nil {
			return pipeline, &ResponseError{Op: op, Prompt: prompt, Raw: string(raw), Err: err}
		}
	}

	s.logger.Debug("moderator call complete", "op", op, "duration", pipeline[0].Duration)
	return pipeline, nil
}

// checkRequired verifies raw is a JSON object carrying every key schema
// requires. A required key may be null only when its property is nullable.
func checkRequired(raw json.RawMessage, schema *llm.Schema) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("response is not a JSON object: %w", err)
	}
	if fields == nil {
		return errors.New("response is null")
	}
	if schema == nil {
		return nil
	}
	for _, key := range schema.Required {
		v, ok := fields[key]
		if !ok {
			return fmt.Errorf("%s is required", key)
		}
		if prop := schema.Properties[key]; string(v) == "null" && (prop == nil || !prop.Nullable) {
			return fmt.Errorf("%s must not be null", key)
		}
	}
	return nil
}

func (s *Service) system() string {
	base := "You are the moderator of a group conversation between a user and several AI agents. " +
		"You never speak as an agent. You decide who speaks, plan work and keep the discussion on track. " +
		"Always answer with JSON matching the requested schema."
	if s.cfg.Instruction == "" {
		return base
	}
	return base + "\n\n" + s.cfg.Instruction
}

type speakerResponse struct {
	NextSpeaker *string `json:"nextSpeaker"`
	NewTopic    *string `json:"newTopic"`
}

// DecideNextSpeaker picks the agent that should answer the latest message.
func (s *Service) DecideNextSpeaker(ctx context.Context, req *Request) (*SpeakerDecision, []store.PipelineStep, error) {
	var resp speakerResponse
	pipeline, err := s.call(ctx, OpDecideNextSpeaker, decideNextSpeakerPrompt(req), speakerSchema, &resp, nil)
	if err != nil {
		return nil, pipeline, err
	}

	d := &SpeakerDecision{}
	if resp.NextSpeaker != nil {
		d.NextSpeaker = strings.TrimSpace(*resp.NextSpeaker)
	}
	if resp.NewTopic != nil {
		d.NewTopic = strings.TrimSpace(*resp.NewTopic)
	}
	return d, pipeline, nil
}

type suggestionsResponse struct {
	Suggestions []struct {
		AgentID string `json:"agentId"`
		Reason  string `json:"reason"`
	} `json:"suggestions"`
}

// GenerateSuggestions proposes candidate speakers for manual mode.
func (s *Service) GenerateSuggestions(ctx context.Context, req *Request) ([]Suggestion, []store.PipelineStep, error) {
	var resp suggestionsResponse
	validate := func() error {
		for i, sg := range resp.Suggestions {
			if strings.TrimSpace(sg.AgentID) == "" {
				return fmt.Errorf("suggestion %d: agentId is required", i)
			}
		}
		return nil
	}
	pipeline, err := s.call(ctx, OpSuggestions, suggestionsPrompt(req), suggestionsSchema, &resp, validate)
	if err != nil {
		return nil, pipeline, err
	}

	out := make([]Suggestion, 0, len(resp.Suggestions))
	for _, sg := range resp.Suggestions {
		out = append(out, Suggestion{AgentID: strings.TrimSpace(sg.AgentID), Reason: sg.Reason})
	}
	return out, pipeline, nil
}

type planResponse struct {
	Plan []struct {
		AgentID   string `json:"agentId"`
		Task      string `json:"task"`
		Rationale string `json:"rationale"`
	} `json:"plan"`
	Rationale string `json:"rationale"`
}

// GeneratePlan produces an ordered list of agent tasks. An empty plan is
// returned as-is; callers treat it as a planning failure.
func (s *Service) GeneratePlan(ctx context.Context, req *Request) (*Plan, []store.PipelineStep, error) {
	var resp planResponse
	validate := func() error {
		for i, step := range resp.Plan {
			if strings.TrimSpace(step.AgentID) == "" {
				return fmt.Errorf("plan step %d: agentId is required", i)
			}
			if strings.TrimSpace(step.Task) == "" {
				return fmt.Errorf("plan step %d: task is required", i)
			}
		}
		return nil
	}
	pipeline, err := s.call(ctx, OpPlan, planPrompt(req), planSchema, &resp, validate)
	if err != nil {
		return nil, pipeline, err
	}

	plan := &Plan{Rationale: resp.Rationale}
	for _, step := range resp.Plan {
		plan.Steps = append(plan.Steps, store.PlanStep{
			AgentID:   strings.TrimSpace(step.AgentID),
			Task:      strings.TrimSpace(step.Task),
			Rationale: step.Rationale,
		})
	}
	return plan, pipeline, nil
}

type moderationResponse struct {
	Critique           *string `json:"critique"`
	Decision           string  `json:"decision"`
	NextSpeakerAgentID *string `json:"nextSpeakerAgentId"`
	TaskForNextSpeaker *string `json:"taskForNextSpeaker"`
	Rationale          string  `json:"rationale"`
}

// ModerateTurn reviews the discussion and decides whether another agent
// should speak or the floor returns to the user.
func (s *Service) ModerateTurn(ctx context.Context, req *Request) (*Moderation, []store.PipelineStep, error) {
	var resp moderationResponse
	validate := func() error {
		switch Decision(resp.Decision) {
		case DecisionSpeak, DecisionWaitForUser:
			return nil
		}
		return fmt.Errorf("decision must be %q or %q, got %q", DecisionSpeak, DecisionWaitForUser, resp.Decision)
	}
	pipeline, err := s.call(ctx, OpModerateTurn, moderateTurnPrompt(req), moderationSchema, &resp, validate)
	if err != nil {
		return nil, pipeline, err
	}

	m := &Moderation{
		Decision:  Decision(resp.Decision),
		Rationale: resp.Rationale,
	}
	if resp.Critique != nil && lastTurnFromAgent(req.History) {
		m.Critique = strings.TrimSpace(*resp.Critique)
	}
	if resp.NextSpeakerAgentID != nil {
		m.NextSpeakerAgentID = strings.TrimSpace(*resp.NextSpeakerAgentID)
	}
	if resp.TaskForNextSpeaker != nil {
		m.TaskForNextSpeaker = strings.TrimSpace(*resp.TaskForNextSpeaker)
	}
	return m, pipeline, nil
}

// lastTurnFromAgent reports whether the latest non-system message was written
// by an agent.
func lastTurnFromAgent(history []store.Message) bool {
	for i := len(history) - 1; i >= 0; i-- {
		m := &history[i]
		if m.Sender == store.SenderSystem || m.IsStreaming {
			continue
		}
		return m.FromAgent()
	}
	return false
}

// IsResponseError reports whether err is a malformed moderator response.
func IsResponseError(err error) bool {
	var re *ResponseError
	return errors.As(err, &re)
}
