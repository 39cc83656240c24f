// ABOUTME: Backend-neutral language model client interface and request/response types
// ABOUTME: Three call shapes: structured JSON, plain generation and streaming

package llm

import (
	"context"
	"encoding/json"
)

// Role of a content entry in a request history.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Part is one piece of a content entry. Exactly one field is set.
type Part struct {
	Text             string
	InlineData       []byte
	MimeType         string
	FunctionCall     *FunctionCall
	FunctionResponse *FunctionResponse
}

// Content is one turn of history.
type Content struct {
	Role  Role
	Parts []Part
}

// TextContent builds a single-part text content entry.
func TextContent(role Role, text string) Content {
	return Content{Role: role, Parts: []Part{{Text: text}}}
}

// Type is a JSON schema type.
type Type string

const (
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
)

// Schema describes the JSON shape of a structured response or tool arguments.
type Schema struct {
	Type        Type
	Description string
	Properties  map[string]*Schema
	Items       *Schema
	Required    []string
	Enum        []string
	Nullable    bool
}

// ToolDecl declares a tool the model may call.
type ToolDecl struct {
	Name        string
	Description string
	Parameters  *Schema
}

// Request is a single model call.
type Request struct {
	// Credential is the API key used for this call. Empty means the
	// client's default credential.
	Credential  string
	Model       string
	System      string
	Contents    []Content
	Tools       []ToolDecl
	Temperature *float32
}

// Usage reports tokens consumed by a call.
type Usage struct {
	TotalTokens int
}

// Response is the result of a non-streaming call.
type Response struct {
	Text          string
	FunctionCalls []FunctionCall
	Usage         Usage
}

// StreamChunk is one element of a streaming response. A chunk carries text,
// a function call, final usage, or a terminal error.
type StreamChunk struct {
	Text         string
	FunctionCall *FunctionCall
	Usage        *Usage
	Err          error
}

// Client is the model backend.
//
// GenerateStream returns a channel that is closed when the response ends.
// A failure after the stream starts is delivered as a chunk with Err set.
// Cancelling ctx stops the stream.
type Client interface {
	GenerateStructured(ctx context.Context, req *Request, schema *Schema) (json.RawMessage, error)
	Generate(ctx context.Context, req *Request) (*Response, error)
	GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error)
}
