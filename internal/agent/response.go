// ABOUTME: Response events streamed from an agent generation
// ABOUTME: Text chunks, tool activity, a final result or a terminal error

package agent

import (
	"time"

	"github.com/2389/coven-council/internal/store"
)

// ResponseEvent indicates the type of response event.
type ResponseEvent int

const (
	EventText ResponseEvent = iota
	EventToolUse
	EventToolResult
	EventDone
	EventError
)

func (e ResponseEvent) String() string {
	switch e {
	case EventText:
		return "text"
	case EventToolUse:
		return "tool_use"
	case EventToolResult:
		return "tool_result"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Response represents one event of an agent generation. EventDone and
// EventError are terminal; the channel is closed after either.
type Response struct {
	Event      ResponseEvent
	Text       string
	ToolUse    *ToolUseEvent
	ToolResult *ToolResultEvent
	Result     *Result
	Err        error
}

// ToolUseEvent represents a tool invocation by the agent.
type ToolUseEvent struct {
	Name string
	Args map[string]any
}

// ToolResultEvent represents the result of a tool invocation.
type ToolResultEvent struct {
	Name    string
	Output  string
	IsError bool
}

// Result is the outcome of a completed generation.
type Result struct {
	// Text is the concatenation of every EventText chunk.
	Text         string
	Summary      string
	Pipeline     []store.PipelineStep
	Tokens       int
	Requests     int
	ResponseTime time.Duration
}
