// ABOUTME: Scriptable Client implementation for tests
// ABOUTME: Records every request and delegates to optional per-call-shape funcs

package llm

import (
	"context"
	"encoding/json"
	"sync"
)

// MockClient is a Client whose behaviour is set by func fields. Unset funcs
// return empty results. Every request is recorded.
type MockClient struct {
	StructuredFunc func(ctx context.Context, req *Request, schema *Schema) (json.RawMessage, error)
	GenerateFunc   func(ctx context.Context, req *Request) (*Response, error)
	StreamFunc     func(ctx context.Context, req *Request) (<-chan StreamChunk, error)

	mu              sync.Mutex
	structuredCalls []*Request
	generateCalls   []*Request
	streamCalls     []*Request
}

// NewMockClient creates a MockClient with no scripted behaviour.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) GenerateStructured(ctx context.Context, req *Request, schema *Schema) (json.RawMessage, error) {
	m.mu.Lock()
	m.structuredCalls = append(m.structuredCalls, req)
	m.mu.Unlock()

	if m.StructuredFunc != nil {
		return m.StructuredFunc(ctx, req, schema)
	}
	return json.RawMessage(`{}`), nil
}

func (m *MockClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	m.generateCalls = append(m.generateCalls, req)
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return &Response{}, nil
}

func (m *MockClient) GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	m.mu.Lock()
	m.streamCalls = append(m.streamCalls, req)
	m.mu.Unlock()

	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}
	return StreamOf(), nil
}

// StructuredCalls returns the requests passed to GenerateStructured.
func (m *MockClient) StructuredCalls() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Request(nil), m.structuredCalls...)
}

// GenerateCalls returns the requests passed to Generate.
func (m *MockClient) GenerateCalls() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Request(nil), m.generateCalls...)
}

// StreamCalls returns the requests passed to GenerateStream.
func (m *MockClient) StreamCalls() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Request(nil), m.streamCalls...)
}

// StreamOf returns a closed, pre-filled stream of chunks.
func StreamOf(chunks ...StreamChunk) <-chan StreamChunk {
	ch := make(chan StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

// TextStream returns a closed stream of text chunks followed by usage.
func TextStream(tokens int, texts ...string) <-chan StreamChunk {
	chunks := make([]StreamChunk, 0, len(texts)+1)
	for _, t := range texts {
		chunks = append(chunks, StreamChunk{Text: t})
	}
	chunks = append(chunks, StreamChunk{Usage: &Usage{TotalTokens: tokens}})
	return StreamOf(chunks...)
}
