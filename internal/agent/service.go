// ABOUTME: AgentService generates one agent's reply with at most one tool call
// ABOUTME: Streams text as Response events and self-summarizes long replies

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-council/internal/llm"
	"github.com/2389/coven-council/internal/store"
)

const (
	// DefaultSummaryThreshold is the reply length, in characters, above which
	// a self-summary is requested.
	DefaultSummaryThreshold = 250

	// summaryMaxWords bounds self-summaries.
	summaryMaxWords = 15

	responseBufferSize = 16
)

// Pipeline stage labels recorded by the agent service.
const (
	StageToolDetection = "agent_tool_detection"
	StageToolCall      = "agent_tool_call"
	StageResponse      = "agent_response"
	StageSummary       = "agent_summary"
)

// Request describes one agent turn.
type Request struct {
	Profile        *Profile
	LatestText     string
	History        []store.Message
	Attachment     *store.Attachment
	SystemOverride string
	Memory         []*store.Note
	Task           string
	Roster         *Roster
	ConversationID string
}

// Config tunes a Service.
type Config struct {
	// DefaultCredential is used for agents without their own API key.
	DefaultCredential string
	SummaryThreshold  int
}

// Service generates agent replies.
type Service struct {
	client llm.Client
	tools  *Toolbox
	cfg    Config
	logger *slog.Logger
}

// NewService creates an agent service. tools may be nil.
func NewService(client llm.Client, tools *Toolbox, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SummaryThreshold <= 0 {
		cfg.SummaryThreshold = DefaultSummaryThreshold
	}
	return &Service{
		client: client,
		tools:  tools,
		cfg:    cfg,
		logger: logger.With("component", "agent"),
	}
}

// Ready reports whether p can generate, without calling the backend.
func (s *Service) Ready(p *Profile) error {
	if p == nil {
		return fmt.Errorf("agent profile is required")
	}
	if s.credentialFor(p) == "" {
		return fmt.Errorf("agent %s: %w", p.ID, llm.ErrMissingCredential)
	}
	return nil
}

func (s *Service) credentialFor(p *Profile) string {
	if p.Credential != "" {
		return p.Credential
	}
	return s.cfg.DefaultCredential
}

// Generate starts a reply and returns its event stream. The channel ends with
// exactly one EventDone or EventError, unless ctx is cancelled first.
func (s *Service) Generate(ctx context.Context, req *Request) <-chan *Response {
	out := make(chan *Response, responseBufferSize)
	go func() {
		defer close(out)
		t := &turn{svc: s, req: req, out: out, ctx: ctx, start: time.Now()}
		result, err := t.run()
		if err != nil {
			t.emit(&Response{Event: EventError, Err: err})
			return
		}
		t.emit(&Response{Event: EventDone, Result: result})
	}()
	return out
}

// turn is the state of one Generate call.
type turn struct {
	svc   *Service
	req   *Request
	ctx   context.Context
	out   chan<- *Response
	start time.Time

	text     strings.Builder
	pipeline []store.PipelineStep
	tokens   int
	requests int
}

func (t *turn) emit(r *Response) bool {
	select {
	case t.out <- r:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *turn) emitText(text string) error {
	if text == "" {
		return nil
	}
	t.text.WriteString(text)
	if !t.emit(&Response{Event: EventText, Text: text}) {
		return t.ctx.Err()
	}
	return nil
}

func (t *turn) addUsage(req *llm.Request, output string, usage llm.Usage) {
	t.requests++
	if usage.TotalTokens > 0 {
		t.tokens += usage.TotalTokens
		return
	}
	t.tokens += llm.EstimateRequestTokens(req) + llm.EstimateTokens(output)
}

func (t *turn) record(stage, input, output string, started time.Time) {
	t.pipeline = append(t.pipeline, store.PipelineStep{
		Stage:    stage,
		Input:    input,
		Output:   output,
		Duration: time.Since(started),
	})
}

func (t *turn) credential() string {
	return t.svc.credentialFor(t.req.Profile)
}

func (t *turn) run() (*Result, error) {
	p := t.req.Profile
	if p == nil {
		return nil, fmt.Errorf("agent profile is required")
	}
	cred := t.credential()
	if cred == "" {
		return nil, fmt.Errorf("agent %s: %w", p.ID, llm.ErrMissingCredential)
	}

	tools := t.svc.tools.Declarations(p.Tools)
	base := &llm.Request{
		Credential: cred,
		Model:      p.Model,
		System:     buildSystem(t.req, tools),
		Contents:   buildContents(t.req),
		Tools:      tools,
	}

	started := time.Now()
	first, err := t.svc.client.Generate(t.ctx, base)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", p.ID, err)
	}
	t.addUsage(base, first.Text, first.Usage)

	if len(first.FunctionCalls) == 0 {
		t.record(StageResponse, renderRequest(base), first.Text, started)
		if err := t.emitText(first.Text); err != nil {
			return nil, err
		}
	} else {
		t.record(StageToolDetection, renderRequest(base), describeCall(first.FunctionCalls[0]), started)
		if err := t.useTool(base, first.FunctionCalls[0]); err != nil {
			return nil, err
		}
	}

	final := t.text.String()
	summary := t.summarize(cred, final)

	return &Result{
		Text:         final,
		Summary:      summary,
		Pipeline:     t.pipeline,
		Tokens:       t.tokens,
		Requests:     t.requests,
		ResponseTime: time.Since(t.start),
	}, nil
}

func describeCall(call llm.FunctionCall) string {
	args, err := json.Marshal(call.Args)
	if err != nil || call.Args == nil {
		args = []byte("{}")
	}
	return fmt.Sprintf("%s %s", call.Name, args)
}

// useTool executes the requested tool, then streams the follow-up reply.
// Further tool calls in the follow-up are ignored.
func (t *turn) useTool(base *llm.Request, call llm.FunctionCall) error {
	p := t.req.Profile

	if err := t.emitText(fmt.Sprintf("_Using tool %s_\n\n", describeCall(call))); err != nil {
		return err
	}
	t.emit(&Response{Event: EventToolUse, ToolUse: &ToolUseEvent{Name: call.Name, Args: call.Args}})

	started := time.Now()
	tc := ToolContext{AgentID: p.ID, ConversationID: t.req.ConversationID, History: t.req.History}
	result, err := t.svc.tools.Execute(t.ctx, tc, p.Tools, call)
	isError := err != nil
	if isError {
		t.svc.logger.Warn("tool call failed", "agent_id", p.ID, "tool", call.Name, "error", err)
		result = map[string]any{"error": err.Error()}
	}
	output, _ := json.Marshal(result)
	t.record(StageToolCall, describeCall(call), string(output), started)
	t.emit(&Response{Event: EventToolResult, ToolResult: &ToolResultEvent{Name: call.Name, Output: string(output), IsError: isError}})

	follow := *base
	follow.Tools = nil
	follow.Contents = append(append([]llm.Content(nil), base.Contents...),
		llm.Content{Role: llm.RoleModel, Parts: []llm.Part{{FunctionCall: &call}}},
		llm.Content{Role: llm.RoleUser, Parts: []llm.Part{{FunctionResponse: &llm.FunctionResponse{Name: call.Name, Response: result}}}},
	)

	started = time.Now()
	stream, err := t.svc.client.GenerateStream(t.ctx, &follow)
	if err != nil {
		return fmt.Errorf("agent %s: %w", p.ID, err)
	}

	var streamed strings.Builder
	var usage llm.Usage
	for chunk := range stream {
		switch {
		case chunk.Err != nil:
			t.addUsage(&follow, streamed.String(), usage)
			t.record(StageResponse, renderRequest(&follow), streamed.String(), started)
			return fmt.Errorf("agent %s: %w", p.ID, chunk.Err)
		case chunk.FunctionCall != nil:
			t.svc.logger.Debug("ignoring second tool call", "agent_id", p.ID, "tool", chunk.FunctionCall.Name)
		case chunk.Usage != nil:
			usage = *chunk.Usage
		default:
			streamed.WriteString(chunk.Text)
			if err := t.emitText(chunk.Text); err != nil {
				return err
			}
		}
	}
	if err := t.ctx.Err(); err != nil {
		return err
	}

	t.addUsage(&follow, streamed.String(), usage)
	t.record(StageResponse, renderRequest(&follow), streamed.String(), started)
	return nil
}

// summarize returns a short self-summary for long replies. Any failure falls
// back to the full text.
func (t *turn) summarize(cred, text string) string {
	if utf8.RuneCountInString(text) <= t.svc.cfg.SummaryThreshold {
		return text
	}

	p := t.req.Profile
	req := &llm.Request{
		Credential: cred,
		Model:      p.Model,
		System:     fmt.Sprintf("You are %s. Summarize your own replies tersely.", p.DisplayName()),
		Contents: []llm.Content{llm.TextContent(llm.RoleUser, fmt.Sprintf(
			"Summarize the following reply you wrote in %d words or fewer. Reply with the summary only.\n\n%s",
			summaryMaxWords, text))},
	}

	started := time.Now()
	resp, err := t.svc.client.Generate(t.ctx, req)
	if err != nil {
		t.svc.logger.Warn("self-summary failed, using full text", "agent_id", p.ID, "error", err)
		return text
	}
	t.addUsage(req, resp.Text, resp.Usage)

	summary := limitWords(strings.TrimSpace(resp.Text), summaryMaxWords)
	if summary == "" {
		return text
	}
	t.record(StageSummary, renderRequest(req), summary, started)
	return summary
}

func limitWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:n], " ")
}
