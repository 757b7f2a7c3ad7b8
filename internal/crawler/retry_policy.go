package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Retry policy kinds selectable per source.
const (
	BackoffExponential = "exponential"
	BackoffRandom      = "random"
)

const defaultMaxAttempts = 3

// ExponentialRetryPolicy implements RetryPolicy with jittered backoff.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy with sane defaults.
func NewExponentialRetryPolicy() *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{
		maxAttempts: defaultMaxAttempts,
		baseDelay:   time.Second,
		maxDelay:    30 * time.Second,
	}
}

// NewExponentialRetryPolicyWith overrides the defaults; zero values keep them.
func NewExponentialRetryPolicyWith(maxAttempts int, base, limit time.Duration) *ExponentialRetryPolicy {
	p := NewExponentialRetryPolicy()
	if maxAttempts > 0 {
		p.maxAttempts = maxAttempts
	}
	if base > 0 {
		p.baseDelay = base
	}
	if limit > 0 {
		p.maxDelay = limit
	}
	return p
}

// MaxAttempts returns the total number of attempts allowed.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Backoff returns the wait before the attempt after the given one:
// base*2^attempt capped at maxDelay, with the upper half jittered.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomDuration(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// RandomDelayPolicy waits a uniformly random flat delay between attempts.
type RandomDelayPolicy struct {
	maxAttempts int
	minDelay    time.Duration
	maxDelay    time.Duration
}

// NewRandomDelayPolicy builds a flat randomized policy.
func NewRandomDelayPolicy(maxAttempts int, minDelay, maxDelay time.Duration) *RandomDelayPolicy {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if maxDelay < minDelay {
		minDelay, maxDelay = maxDelay, minDelay
	}
	return &RandomDelayPolicy{
		maxAttempts: maxAttempts,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
	}
}

// MaxAttempts returns the total number of attempts allowed.
func (p *RandomDelayPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Backoff ignores the attempt number and picks a delay in [min, max].
func (p *RandomDelayPolicy) Backoff(_ int) time.Duration {
	return p.minDelay + randomDuration(p.maxDelay-p.minDelay)
}

// NewRetryPolicy picks a policy by kind, defaulting to exponential.
func NewRetryPolicy(kind string, maxAttempts int, minDelay, maxDelay time.Duration) RetryPolicy {
	if kind == BackoffRandom {
		return NewRandomDelayPolicy(maxAttempts, minDelay, maxDelay)
	}
	return NewExponentialRetryPolicyWith(maxAttempts, minDelay, maxDelay)
}

func randomDuration(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
