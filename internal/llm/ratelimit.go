// ABOUTME: Token-bucket admission control wrapper for any Client
// ABOUTME: Every backend call waits for a token from a shared x/time/rate limiter

package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/time/rate"
)

type rateLimited struct {
	next    Client
	limiter *rate.Limiter
}

// WithRateLimit returns a Client that waits on limiter before every call.
// A nil limiter returns next unchanged.
func WithRateLimit(next Client, limiter *rate.Limiter) Client {
	if limiter == nil {
		return next
	}
	return &rateLimited{next: next, limiter: limiter}
}

// NewLimiter builds a limiter allowing requestsPerMinute with the given burst.
// A non-positive rate disables limiting and returns nil.
func NewLimiter(requestsPerMinute, burst int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60), burst)
}

func (r *rateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return nil
}

func (r *rateLimited) GenerateStructured(ctx context.Context, req *Request, schema *Schema) (json.RawMessage, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.GenerateStructured(ctx, req, schema)
}

func (r *rateLimited) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Generate(ctx, req)
}

func (r *rateLimited) GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.GenerateStream(ctx, req)
}
