package ingest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the per-surface circuit breakers.
type BreakerConfig struct {
	// Window is the rolling interval over which failure counts accumulate
	// while a circuit is closed.
	Window time.Duration
	// CoolDown is how long an open circuit short-circuits calls before
	// letting probe calls through.
	CoolDown time.Duration
	// MinRequests is the minimum number of calls in the window before the
	// failure ratio can trip the circuit.
	MinRequests uint32
	// FailureRatio trips the circuit once MinRequests calls have been seen
	// and this fraction of them failed.
	FailureRatio float64
	// HalfOpenMax is how many probe calls may pass while half-open.
	HalfOpenMax uint32
	// FatalTrips escalates to a run abort once one surface has re-opened
	// this many consecutive times without closing in between. Zero
	// disables the escalation.
	FatalTrips int
}

// DefaultBreakerConfig returns the standard thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:       30 * time.Second,
		CoolDown:     15 * time.Second,
		MinRequests:  10,
		FailureRatio: 0.6,
		HalfOpenMax:  3,
		FatalTrips:   5,
	}
}

// Validate reports whether the thresholds make sense, wrapping
// ErrInvalidConfig.
func (c BreakerConfig) Validate() error {
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		return fmt.Errorf("%w: breaker failure ratio %v outside (0, 1]", ErrInvalidConfig, c.FailureRatio)
	}
	if c.MinRequests < 1 {
		return fmt.Errorf("%w: breaker min requests must be at least 1", ErrInvalidConfig)
	}
	if c.CoolDown <= 0 {
		return fmt.Errorf("%w: breaker cool-down must be positive", ErrInvalidConfig)
	}
	if c.FatalTrips < 0 {
		return fmt.Errorf("%w: breaker fatal trips cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// BreakerSet guards each downstream surface with its own circuit breaker,
// keyed by the failure category that surface produces: vector-store calls
// trip independently from embedder calls and filesystem reads, so a dead
// vector store does not stop content resolution from failing fast on its
// own merits.
//
// Breakers are created lazily on first use. The zero-value pointer (nil)
// disables breaking entirely, which dry runs and tests use.
type BreakerSet struct {
	cfg      BreakerConfig
	onChange func(surface string, from, to gobreaker.State)

	mu       sync.Mutex
	breakers map[Category]*gobreaker.CircuitBreaker
	trips    map[Category]int
}

// NewBreakerSet builds a breaker set. onChange, if non-nil, observes every
// state transition; it must not call back into the set.
func NewBreakerSet(cfg BreakerConfig, onChange func(surface string, from, to gobreaker.State)) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		onChange: onChange,
		breakers: make(map[Category]*gobreaker.CircuitBreaker),
		trips:    make(map[Category]int),
	}
}

// BreakerOpenError marks a call rejected by an open circuit without
// touching the downstream. It classifies to the guarded surface and keeps
// the gobreaker sentinel reachable through Unwrap.
type BreakerOpenError struct {
	Surface Category
	Err     error
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("%s circuit open: %v", e.Surface, e.Err)
}

func (e *BreakerOpenError) Unwrap() error { return e.Err }

// Do runs fn under the breaker for the surface identified by cat. While the
// circuit is open, calls fail fast with a BreakerOpenError instead of
// touching the downstream. Once the surface has re-opened FatalTrips times
// in a row the error additionally wraps ErrBreakerExhausted, which workers
// escalate to a run abort.
func (s *BreakerSet) Do(cat Category, fn func() error) error {
	if s == nil {
		return fn()
	}

	cb := s.breaker(cat)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &BreakerOpenError{Surface: cat, Err: err}
	}
	if err != nil && s.cfg.FatalTrips > 0 && s.Trips(cat) >= s.cfg.FatalTrips {
		return fmt.Errorf("%s surface gone after %d consecutive trips: %w: %w",
			cat, s.Trips(cat), err, ErrBreakerExhausted)
	}
	return err
}

// State returns the current state of the surface's breaker. Surfaces that
// have never been used report closed.
func (s *BreakerSet) State(cat Category) gobreaker.State {
	if s == nil {
		return gobreaker.StateClosed
	}
	s.mu.Lock()
	cb, ok := s.breakers[cat]
	s.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Trips returns how many times the surface has re-opened without an
// intervening close.
func (s *BreakerSet) Trips(cat Category) int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trips[cat]
}

func (s *BreakerSet) breaker(cat Category) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[cat]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(cat),
		MaxRequests: s.cfg.HalfOpenMax,
		Interval:    s.cfg.Window,
		Timeout:     s.cfg.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			s.recordTransition(cat, from, to)
		},
	})
	s.breakers[cat] = cb
	return cb
}

// recordTransition runs inside gobreaker's state lock, so it must not call
// any breaker method.
func (s *BreakerSet) recordTransition(cat Category, from, to gobreaker.State) {
	s.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		s.trips[cat]++
	case gobreaker.StateClosed:
		s.trips[cat] = 0
	}
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(string(cat), from, to)
	}
}
