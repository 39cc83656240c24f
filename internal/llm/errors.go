// ABOUTME: Tagged backend error codes replacing message-text classification
// ABOUTME: Callers switch on Code instead of matching error strings

package llm

import (
	"errors"
	"fmt"
)

// ErrMissingCredential is returned before any network call when neither the
// request nor the client has an API key.
var ErrMissingCredential = errors.New("no API key configured")

// Code classifies a backend failure.
type Code int

const (
	CodeUnknown Code = iota
	CodeRateLimited
	CodeInvalidCredential
	CodeSafetyBlocked
	CodeMalformed
)

func (c Code) String() string {
	switch c {
	case CodeRateLimited:
		return "rate_limited"
	case CodeInvalidCredential:
		return "invalid_credential"
	case CodeSafetyBlocked:
		return "safety_blocked"
	case CodeMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Error is a classified backend failure.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a code.
func NewError(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
