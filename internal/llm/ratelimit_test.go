// ABOUTME: Tests for the rate-limited Client wrapper
// ABOUTME: Verifies delegation and that a cancelled wait never reaches the backend

package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestWithRateLimit_Delegates(t *testing.T) {
	mock := NewMockClient()
	mock.GenerateFunc = func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{Text: "ok"}, nil
	}
	client := WithRateLimit(mock, rate.NewLimiter(rate.Inf, 1))

	resp, err := client.Generate(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)

	_, err = client.GenerateStructured(context.Background(), &Request{}, &Schema{Type: TypeObject})
	require.NoError(t, err)

	stream, err := client.GenerateStream(context.Background(), &Request{})
	require.NoError(t, err)
	for range stream {
	}

	assert.Len(t, mock.GenerateCalls(), 1)
	assert.Len(t, mock.StructuredCalls(), 1)
	assert.Len(t, mock.StreamCalls(), 1)
}

func TestWithRateLimit_CancelledWaitSkipsBackend(t *testing.T) {
	mock := NewMockClient()
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, limiter.Allow(), "drain the only token")

	client := WithRateLimit(mock, limiter)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Generate(ctx, &Request{})
	assert.Error(t, err)
	assert.Empty(t, mock.GenerateCalls())
}

func TestWithRateLimit_NilLimiter(t *testing.T) {
	mock := NewMockClient()
	assert.Same(t, mock, WithRateLimit(mock, nil))
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, NewLimiter(0, 5))

	l := NewLimiter(120, 0)
	require.NotNil(t, l)
	assert.Equal(t, rate.Limit(2), l.Limit())
	assert.Equal(t, 1, l.Burst())
}
