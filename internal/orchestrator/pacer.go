// ABOUTME: Admission control consulted before every agent generation
// ABOUTME: A token bucket replaces the fixed inter-step sleep

package orchestrator

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer gates agent generations. *rate.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

// NewPacer returns a limiter admitting one generation per interval with a
// burst of one, so the first generation of a turn starts at once.
// A non-positive interval disables pacing.
func NewPacer(interval time.Duration) Pacer {
	if interval <= 0 {
		return nopPacer{}
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// PaceEvery returns a Deps.Pacing func handing each turn its own
// NewPacer(interval).
func PaceEvery(interval time.Duration) func() Pacer {
	return func() Pacer { return NewPacer(interval) }
}

type nopPacer struct{}

func (nopPacer) Wait(ctx context.Context) error {
	return ctx.Err()
}
