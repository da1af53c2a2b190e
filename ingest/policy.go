package ingest

import (
	"fmt"
	"math/rand"
	"time"
)

// RetryPolicy defines the retry budget and backoff curve for one failure
// category.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first. 1
	// means fail immediately.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff. Zero means retry without
	// waiting.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth. Zero means uncapped.
	MaxDelay time.Duration
	// Jitter is the fraction of the computed delay added as random noise,
	// spreading simultaneous retries apart. 0.2 adds up to 20%.
	Jitter float64
}

// Validate reports whether the policy is usable, wrapping
// ErrInvalidRetryPolicy so callers can detect the class of failure.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts %d, need at least 1", ErrInvalidRetryPolicy, p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("%w: negative base delay %v", ErrInvalidRetryPolicy, p.BaseDelay)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("%w: negative max delay %v", ErrInvalidRetryPolicy, p.MaxDelay)
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("%w: max delay %v below base delay %v", ErrInvalidRetryPolicy, p.MaxDelay, p.BaseDelay)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("%w: jitter %v outside [0, 1]", ErrInvalidRetryPolicy, p.Jitter)
	}
	return nil
}

// Backoff returns how long to wait before retry number attempt (zero-based:
// the wait after the first failure is Backoff(0)). The delay doubles each
// attempt, capped at MaxDelay, with up to Jitter of random noise on top.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}

	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		if span := int64(float64(delay) * p.Jitter); span > 0 {
			// #nosec G404 -- jitter spreads retries, it is not security sensitive
			delay += time.Duration(rand.Int63n(span + 1))
		}
	}
	return delay
}

// Policies maps failure categories to retry behavior. Categories without an
// entry get a single attempt.
type Policies map[Category]RetryPolicy

// DefaultPolicies returns the standard retry table: transient downstream
// failures back off and retry, data errors fail fast, and memory pressure
// is handled by escalation rather than retries.
func DefaultPolicies() Policies {
	return Policies{
		CategoryNetwork:     {MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Jitter: 0.2},
		CategoryTimeout:     {MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2},
		CategoryRateLimit:   {MaxAttempts: 6, BaseDelay: 2 * time.Second, MaxDelay: time.Minute, Jitter: 0.5},
		CategoryVectorStore: {MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Jitter: 0.2},
		CategoryFilesystem:  {MaxAttempts: 1},
		CategoryEncoding:    {MaxAttempts: 1},
		CategoryValidation:  {MaxAttempts: 1},
		CategoryMemory:      {MaxAttempts: 1},
		CategoryUnknown:     {MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Jitter: 0.2},
	}
}

// For returns the policy for cat, or a single-attempt policy when cat has
// no entry.
func (ps Policies) For(cat Category) RetryPolicy {
	if p, ok := ps[cat]; ok {
		return p
	}
	return RetryPolicy{MaxAttempts: 1}
}

// Validate checks every entry in the table.
func (ps Policies) Validate() error {
	for cat, p := range ps {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy for %s: %w", cat, err)
		}
	}
	return nil
}
