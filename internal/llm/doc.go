// Package llm abstracts the language model backend.
//
// # Client
//
// Client exposes the three call shapes the council needs:
//
//   - GenerateStructured(ctx, req, schema): JSON constrained by a Schema
//   - Generate(ctx, req): one non-streaming call (text and function calls)
//   - GenerateStream(ctx, req): a channel of StreamChunk values
//
// Gemini implements Client on google.golang.org/genai. A request may carry
// its own Credential; when both it and the client default are empty the call
// fails with ErrMissingCredential before touching the network.
//
// # Errors
//
// Backend failures are returned as *Error with a Code:
//
//	switch llm.CodeOf(err) {
//	case llm.CodeRateLimited:
//	case llm.CodeInvalidCredential:
//	case llm.CodeSafetyBlocked:
//	case llm.CodeMalformed:
//	case llm.CodeUnknown:
//	}
//
// Context cancellation is passed through unwrapped.
//
// # Admission Control
//
// WithRateLimit wraps any Client with a golang.org/x/time/rate token bucket
// consulted before every call.
//
// # Testing
//
// MockClient records requests and delegates to optional funcs:
//
//	mock := llm.NewMockClient()
//	mock.StreamFunc = func(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
//		return llm.TextStream(12, "Hello, ", "world"), nil
//	}
package llm
