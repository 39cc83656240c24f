// ABOUTME: Structured response errors for moderator calls
// ABOUTME: Carry the offending prompt and raw response for inspection

package moderator

import "fmt"

// ResponseError is returned when the backend's answer is not valid JSON or
// fails the operation's required-field checks.
type ResponseError struct {
	Op     string
	Prompt string
	Raw    string
	Err    error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("moderator %s: invalid response: %v", e.Op, e.Err)
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}
