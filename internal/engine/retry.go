package engine

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	defaultMaxRetries        = 3
	defaultBaseDelay         = 1 * time.Second
	defaultMaxDelay          = 60 * time.Second
	defaultBackoffMultiplier = 2.0
	defaultJitterFactor      = 0.1

	// minRetryDelay floors every computed backoff so a tiny base delay or
	// negative jitter never produces an immediate hot retry loop.
	minRetryDelay = 100 * time.Millisecond
)

// DefaultRetryConfig returns the stock retry schedule: 3 attempts, 1s base,
// 60s cap, doubling backoff, 10% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        defaultMaxRetries,
		BaseDelay:         defaultBaseDelay,
		MaxDelay:          defaultMaxDelay,
		BackoffMultiplier: defaultBackoffMultiplier,
		JitterFactor:      defaultJitterFactor,
	}
}

// RetryPolicy decides retry versus abort for failed attempts and computes
// backoff delays. Attempt counters are scoped per chunk, so one misbehaving
// chunk retries independently of its siblings.
type RetryPolicy struct {
	cfg RetryConfig
}

// NewRetryPolicy builds a policy, substituting defaults for unset fields.
// A JitterFactor of exactly zero is honored (deterministic delays).
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = defaultBackoffMultiplier
	}
	if cfg.JitterFactor < 0 || cfg.JitterFactor >= 1 {
		cfg.JitterFactor = defaultJitterFactor
	}
	return &RetryPolicy{cfg: cfg}
}

// Next reports whether a failed attempt may be retried and, if so, how long
// to wait first. attempt is the number of retries the chunk has already
// consumed, so the first failure asks with zero. Fatal errors and exhausted
// budgets abort.
func (p *RetryPolicy) Next(err error, attempt int) (time.Duration, bool) {
	if !IsRetryable(err) {
		return 0, false
	}
	if attempt >= p.cfg.MaxRetries {
		return 0, false
	}
	return p.Delay(attempt), true
}

// Delay computes the backoff for a given attempt: exponential growth capped
// at MaxDelay, perturbed by a uniform ±JitterFactor fraction, floored at
// 100ms.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.BackoffMultiplier, float64(attempt))
	if limit := float64(p.cfg.MaxDelay); d > limit {
		d = limit
	}
	if j := p.cfg.JitterFactor; j > 0 {
		d *= 1 + j*(2*rand.Float64()-1)
	}
	if d < float64(minRetryDelay) {
		d = float64(minRetryDelay)
	}
	return time.Duration(d)
}

// MaxRetries exposes the effective attempt budget.
func (p *RetryPolicy) MaxRetries() int {
	return p.cfg.MaxRetries
}
