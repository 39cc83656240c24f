// ABOUTME: In-process tools agents may call during a turn
// ABOUTME: Built-ins expose full message text and per-agent long-term notes

package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/2389/coven-council/internal/llm"
	"github.com/2389/coven-council/internal/store"
)

// Built-in tool names.
const (
	ToolGetMessageContent = "get_message_content"
	ToolRemember          = "remember"
	ToolRecall            = "recall"
)

var (
	// ErrToolNotFound is returned for calls to unregistered tools.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolNotAllowed is returned when an agent calls a tool it was not granted.
	ErrToolNotAllowed = errors.New("tool not allowed for agent")

	// ErrDuplicateTool is returned when registering a tool name twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// ToolContext is what a tool handler knows about the calling turn.
type ToolContext struct {
	AgentID        string
	ConversationID string
	History        []store.Message
}

// ToolHandler executes a tool call and returns a JSON-serialisable result.
type ToolHandler func(ctx context.Context, tc ToolContext, args map[string]any) (map[string]any, error)

// Tool is a declaration plus its handler.
type Tool struct {
	Decl    llm.ToolDecl
	Handler ToolHandler
}

// NoteStore is the long-term memory backing remember and recall.
type NoteStore interface {
	SetNote(ctx context.Context, note *store.Note) error
	ListNotes(ctx context.Context, agentID string) ([]*store.Note, error)
}

// Toolbox is a registry of tools.
type Toolbox struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewToolbox creates an empty toolbox.
func NewToolbox() *Toolbox {
	return &Toolbox{tools: make(map[string]*Tool)}
}

// NewBuiltinToolbox returns a toolbox with the built-in tools registered.
// remember and recall are only registered when notes is non-nil.
func NewBuiltinToolbox(notes NoteStore) *Toolbox {
	tb := NewToolbox()
	_ = tb.Register(messageContentTool())
	if notes != nil {
		n := &notesHandlers{store: notes}
		_ = tb.Register(n.rememberTool())
		_ = tb.Register(n.recallTool())
	}
	return tb
}

// Register adds a tool.
func (t *Toolbox) Register(tool *Tool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.tools[tool.Decl.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Decl.Name)
	}
	t.tools[tool.Decl.Name] = tool
	t.order = append(t.order, tool.Decl.Name)
	return nil
}

// Declarations returns the declarations of the registered tools in allowed,
// in registration order.
func (t *Toolbox) Declarations(allowed []string) []llm.ToolDecl {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var decls []llm.ToolDecl
	for _, name := range t.order {
		if slices.Contains(allowed, name) {
			decls = append(decls, t.tools[name].Decl)
		}
	}
	return decls
}

// Execute runs a tool call on behalf of an agent granted allowed tools.
func (t *Toolbox) Execute(ctx context.Context, tc ToolContext, allowed []string, call llm.FunctionCall) (map[string]any, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
	}
	if !slices.Contains(allowed, call.Name) {
		return nil, fmt.Errorf("%w: %s", ErrToolNotAllowed, call.Name)
	}

	t.mu.RLock()
	tool, ok := t.tools[call.Name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
	}
	return tool.Handler(ctx, tc, call.Args)
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return v, nil
}

func messageContentTool() *Tool {
	return &Tool{
		Decl: llm.ToolDecl{
			Name:        ToolGetMessageContent,
			Description: "Fetch the full text of an earlier message that is shown only as a summary.",
			Parameters: &llm.Schema{
				Type: llm.TypeObject,
				Properties: map[string]*llm.Schema{
					"message_id": {Type: llm.TypeString, Description: "The id shown next to the summary."},
				},
				Required: []string{"message_id"},
			},
		},
		Handler: func(ctx context.Context, tc ToolContext, args map[string]any) (map[string]any, error) {
			id, err := stringArg(args, "message_id")
			if err != nil {
				return nil, err
			}
			for _, m := range tc.History {
				if m.ID == id {
					return map[string]any{"message_id": m.ID, "sender": m.Sender, "text": m.Text}, nil
				}
			}
			return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
		},
	}
}

type notesHandlers struct {
	store NoteStore
}

func (n *notesHandlers) rememberTool() *Tool {
	return &Tool{
		Decl: llm.ToolDecl{
			Name:        ToolRemember,
			Description: "Store a fact in your long-term memory. It will be shown to you in future turns.",
			Parameters: &llm.Schema{
				Type: llm.TypeObject,
				Properties: map[string]*llm.Schema{
					"key":   {Type: llm.TypeString, Description: "Short name for the fact."},
					"value": {Type: llm.TypeString, Description: "The fact to remember."},
				},
				Required: []string{"key", "value"},
			},
		},
		Handler: n.remember,
	}
}

func (n *notesHandlers) recallTool() *Tool {
	return &Tool{
		Decl: llm.ToolDecl{
			Name:        ToolRecall,
			Description: "List everything in your long-term memory.",
			Parameters:  &llm.Schema{Type: llm.TypeObject, Properties: map[string]*llm.Schema{}},
		},
		Handler: n.recall,
	}
}

func (n *notesHandlers) remember(ctx context.Context, tc ToolContext, args map[string]any) (map[string]any, error) {
	key, err := stringArg(args, "key")
	if err != nil {
		return nil, err
	}
	value, err := stringArg(args, "value")
	if err != nil {
		return nil, err
	}

	if err := n.store.SetNote(ctx, &store.Note{AgentID: tc.AgentID, Key: key, Value: value}); err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "status": "saved"}, nil
}

func (n *notesHandlers) recall(ctx context.Context, tc ToolContext, _ map[string]any) (map[string]any, error) {
	notes, err := n.store.ListNotes(ctx, tc.AgentID)
	if err != nil {
		return nil, err
	}

	values := make(map[string]any, len(notes))
	for _, note := range notes {
		values[note.Key] = note.Value
	}
	return map[string]any{"notes": values, "count": len(notes)}, nil
}
