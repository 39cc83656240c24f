// ABOUTME: Orchestrator sentinel errors and user-facing error text
// ABOUTME: Backend codes are mapped exhaustively, never by matching error strings

package orchestrator

import (
	"context"
	"errors"

	"github.com/2389/coven-council/internal/llm"
	"github.com/2389/coven-council/internal/moderator"
)

var (
	// ErrTurnInProgress is returned when a conversation already has a turn in flight.
	ErrTurnInProgress = errors.New("a turn is already in progress for this conversation")

	// ErrConversationNotFound is returned for unknown conversation ids, or
	// when no conversation is active.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrUnknownAgent is returned when an agent reference does not resolve.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrNoAgents is returned when a conversation has no participating agents.
	ErrNoAgents = errors.New("no agents available")

	// ErrEmptyMessage is returned for a send with neither text nor attachment.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrNotRegenerable is returned when regenerating a message that is not a
	// finished agent reply.
	ErrNotRegenerable = errors.New("message cannot be regenerated")
)

// describeError converts a turn failure into the text of a system message.
func describeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "Turn cancelled."
	case errors.Is(err, context.DeadlineExceeded):
		return "The turn took too long and was stopped."
	case errors.Is(err, llm.ErrMissingCredential):
		return "No API key is configured. Add one to the config file or to the agent's profile."
	case errors.Is(err, ErrNoAgents):
		return "No agents are taking part in this conversation."
	case errors.Is(err, ErrUnknownAgent):
		return "That agent is not part of this conversation."
	case moderator.IsResponseError(err) && llm.CodeOf(err) == llm.CodeUnknown:
		return "The moderator returned a response that could not be understood."
	}

	switch llm.CodeOf(err) {
	case llm.CodeRateLimited:
		return "The model is rate limited. Wait a moment and try again."
	case llm.CodeInvalidCredential:
		return "The API key was rejected. Check the configured key."
	case llm.CodeSafetyBlocked:
		return "The response was blocked by the model's safety filters."
	case llm.CodeMalformed:
		return "The model returned a malformed response."
	case llm.CodeUnknown:
		return "Something went wrong while talking to the model."
	}
	return "Something went wrong while talking to the model."
}
