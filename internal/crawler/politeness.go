package crawler

import (
	"context"
	"fmt"
	"time"
)

// DelayPolicy spaces out page fetches within one job.
type DelayPolicy struct {
	Min time.Duration
	Max time.Duration
}

// Next returns a random delay in [Min, Max].
func (p DelayPolicy) Next() time.Duration {
	lo, hi := p.Min, p.Max
	if hi < lo {
		lo, hi = hi, lo
	}
	if hi <= 0 {
		return 0
	}
	return lo + randomDuration(hi-lo)
}

// Pauser abstracts how a job waits between attempts and pages.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration) error
}

// TimerPauser sleeps on a timer and gives up when ctx finishes.
type TimerPauser struct{}

// Pause blocks for delay or until ctx is done.
func (TimerPauser) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// NoPause never waits; used in tests and for zero-delay sources.
type NoPause struct{}

// Pause returns immediately unless ctx is already done.
func (NoPause) Pause(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pause interrupted: %w", err)
	}
	return nil
}
