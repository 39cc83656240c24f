// ABOUTME: Gemini implementation of Client using google.golang.org/genai
// ABOUTME: Caches one SDK client per API key and maps API failures onto error codes

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"google.golang.org/genai"
)

// DefaultModel is used when neither the request nor the client names a model.
const DefaultModel = "gemini-2.5-flash"

// Gemini talks to the Gemini API. Agents may carry their own API keys, so an
// SDK client is created lazily for each distinct key.
type Gemini struct {
	apiKey string
	model  string

	mu      sync.Mutex
	clients map[string]*genai.Client

	logger *slog.Logger
}

// NewGemini creates a Gemini client with a default API key and model. Either
// may be empty; requests then need their own.
func NewGemini(apiKey, model string, logger *slog.Logger) *Gemini {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = DefaultModel
	}
	return &Gemini{
		apiKey:  apiKey,
		model:   model,
		clients: make(map[string]*genai.Client),
		logger:  logger.With("component", "gemini"),
	}
}

func (g *Gemini) client(ctx context.Context, req *Request) (*genai.Client, string, error) {
	key := req.Credential
	if key == "" {
		key = g.apiKey
	}
	if key == "" {
		return nil, "", ErrMissingCredential
	}
	model := req.Model
	if model == "" {
		model = g.model
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[key]; ok {
		return c, model, nil
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, "", fmt.Errorf("creating genai client: %w", err)
	}
	g.clients[key] = c
	g.logger.Debug("created genai client", "clients", len(g.clients))
	return c, model, nil
}

// GenerateStructured asks for a JSON response matching schema.
func (g *Gemini) GenerateStructured(ctx context.Context, req *Request, schema *Schema) (json.RawMessage, error) {
	c, model, err := g.client(ctx, req)
	if err != nil {
		return nil, err
	}

	cfg := buildConfig(req)
	cfg.ResponseMIMEType = "application/json"
	cfg.ResponseSchema = toGenaiSchema(schema)

	resp, err := c.Models.GenerateContent(ctx, model, toGenaiContents(req.Contents), cfg)
	if err != nil {
		return nil, classify(err)
	}
	if err := blocked(resp); err != nil {
		return nil, err
	}

	text := resp.Text()
	if !json.Valid([]byte(text)) {
		return json.RawMessage(text), NewError(CodeMalformed, fmt.Errorf("response is not valid JSON"))
	}
	return json.RawMessage(text), nil
}

// Generate makes one non-streaming call.
func (g *Gemini) Generate(ctx context.Context, req *Request) (*Response, error) {
	c, model, err := g.client(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.Models.GenerateContent(ctx, model, toGenaiContents(req.Contents), buildConfig(req))
	if err != nil {
		return nil, classify(err)
	}
	if err := blocked(resp); err != nil {
		return nil, err
	}

	out := &Response{
		Text:  resp.Text(),
		Usage: usageOf(resp),
	}
	for _, fc := range resp.FunctionCalls() {
		out.FunctionCalls = append(out.FunctionCalls, FunctionCall{Name: fc.Name, Args: fc.Args})
	}
	return out, nil
}

// GenerateStream streams a response. The returned channel is closed when the
// stream ends or ctx is cancelled.
func (g *Gemini) GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	c, model, err := g.client(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)

		send := func(chunk StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var usage Usage
		for resp, err := range c.Models.GenerateContentStream(ctx, model, toGenaiContents(req.Contents), buildConfig(req)) {
			if err != nil {
				send(StreamChunk{Err: classify(err)})
				return
			}
			if err := blocked(resp); err != nil {
				send(StreamChunk{Err: err})
				return
			}
			if u := usageOf(resp); u.TotalTokens > 0 {
				usage = u
			}
			for _, fc := range resp.FunctionCalls() {
				if !send(StreamChunk{FunctionCall: &FunctionCall{Name: fc.Name, Args: fc.Args}}) {
					return
				}
			}
			if text := resp.Text(); text != "" {
				if !send(StreamChunk{Text: text}) {
					return
				}
			}
		}
		send(StreamChunk{Usage: &usage})
	}()

	return out, nil
}

func buildConfig(req *Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: req.Temperature,
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGenaiSchema(t.Parameters),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

func toGenaiContents(contents []Content) []*genai.Content {
	out := make([]*genai.Content, 0, len(contents))
	for _, c := range contents {
		parts := make([]*genai.Part, 0, len(c.Parts))
		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				parts = append(parts, genai.NewPartFromFunctionCall(p.FunctionCall.Name, p.FunctionCall.Args))
			case p.FunctionResponse != nil:
				parts = append(parts, genai.NewPartFromFunctionResponse(p.FunctionResponse.Name, p.FunctionResponse.Response))
			case len(p.InlineData) > 0:
				parts = append(parts, genai.NewPartFromBytes(p.InlineData, p.MimeType))
			default:
				parts = append(parts, genai.NewPartFromText(p.Text))
			}
		}
		var role genai.Role = genai.RoleUser
		if c.Role == RoleModel {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromParts(parts, role))
	}
	return out
}

var schemaTypes = map[Type]genai.Type{
	TypeObject:  genai.TypeObject,
	TypeArray:   genai.TypeArray,
	TypeString:  genai.TypeString,
	TypeInteger: genai.TypeInteger,
	TypeNumber:  genai.TypeNumber,
	TypeBoolean: genai.TypeBoolean,
}

func toGenaiSchema(s *Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        schemaTypes[s.Type],
		Description: s.Description,
		Required:    s.Required,
		Enum:        s.Enum,
		Items:       toGenaiSchema(s.Items),
	}
	if s.Nullable {
		nullable := true
		out.Nullable = &nullable
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = toGenaiSchema(prop)
		}
	}
	return out
}

func usageOf(resp *genai.GenerateContentResponse) Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return Usage{}
	}
	return Usage{TotalTokens: int(resp.UsageMetadata.TotalTokenCount)}
}

// blocked reports a safety block on the prompt or on every candidate.
func blocked(resp *genai.GenerateContentResponse) error {
	if resp == nil {
		return NewError(CodeMalformed, errors.New("empty response"))
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" && fb.BlockReason != genai.BlockedReasonUnspecified {
		return NewError(CodeSafetyBlocked, fmt.Errorf("prompt blocked: %s", fb.BlockReason))
	}
	if len(resp.Candidates) == 0 {
		return nil
	}
	for _, c := range resp.Candidates {
		switch c.FinishReason {
		case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent,
			genai.FinishReasonBlocklist, genai.FinishReasonSPII:
		default:
			return nil
		}
	}
	return NewError(CodeSafetyBlocked, fmt.Errorf("response blocked: %s", resp.Candidates[0].FinishReason))
}

// classify maps SDK errors onto codes. Context errors pass through unwrapped
// so callers can detect cancellation.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var apiErrPtr *genai.APIError
		if !errors.As(err, &apiErrPtr) || apiErrPtr == nil {
			return NewError(CodeUnknown, err)
		}
		apiErr = *apiErrPtr
	}
	return NewError(codeForAPIError(apiErr), err)
}

func codeForAPIError(apiErr genai.APIError) Code {
	switch apiErr.Code {
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return CodeInvalidCredential
	case http.StatusBadRequest:
		for _, d := range apiErr.Details {
			if reason, _ := d["reason"].(string); reason == "API_KEY_INVALID" {
				return CodeInvalidCredential
			}
		}
		return CodeMalformed
	}
	switch apiErr.Status {
	case "RESOURCE_EXHAUSTED":
		return CodeRateLimited
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return CodeInvalidCredential
	}
	return CodeUnknown
}
