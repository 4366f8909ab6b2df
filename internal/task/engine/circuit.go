package engine

import (
	"strings"
	"sync"
	"time"
)

// Consecutive-failure circuit breaker, keyed by task name. A task that
// keeps failing is skipped for an exponentially growing cooldown instead
// of hammering whatever is broken downstream. Success closes the breaker
// and clears the failure count.

type breakerState struct {
	fails     int
	openUntil time.Time
	lastFail  time.Time
}

// maybeReset clears stale failure state once the last failure is older
// than the reset window. Caller holds the breaker lock.
func (st *breakerState) maybeReset(now time.Time, after time.Duration) {
	if after <= 0 || st.lastFail.IsZero() {
		return
	}
	if now.Sub(st.lastFail) > after {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

type breakerMap struct {
	mu sync.Mutex
	m  map[string]*breakerState
}

func (b *breakerMap) state(key string) *breakerState {
	k := strings.TrimSpace(key)
	if k == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.m == nil {
		b.m = make(map[string]*breakerState)
	}
	st := b.m[k]
	if st == nil {
		st = &breakerState{}
		b.m[k] = st
	}
	return st
}

// breakerCfg holds effective settings after defaults and the per-task
// override are applied.
type breakerCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

func breakerSettings(cfg Config, opt TaskOptions) breakerCfg {
	cfg = cfg.normalized()
	if cfg.CircuitTripFailures < 0 {
		return breakerCfg{}
	}
	// The availability check disables its breaker entirely so an API
	// outage surfaces through the health monitor instead of being
	// silently skipped.
	if opt.CircuitTripFailures < 0 {
		return breakerCfg{}
	}
	trip := cfg.CircuitTripFailures
	if opt.CircuitTripFailures > 0 {
		trip = opt.CircuitTripFailures
	}
	return breakerCfg{
		trip:       trip,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
		enabled:    true,
	}
}

// cooldown grows the open window exponentially with every failure past
// the trip threshold.
func (c breakerCfg) cooldown(failsPastTrip int) time.Duration {
	d := c.baseDelay
	for i := 0; i < failsPastTrip; i++ {
		d *= 2
		if d >= c.maxDelay {
			return c.maxDelay
		}
	}
	if d > c.maxDelay {
		return c.maxDelay
	}
	return d
}

func (s *Service) breakerOpen(now time.Time, key string, cfg Config, opt TaskOptions) (bool, time.Time) {
	bc := breakerSettings(cfg, opt)
	if !bc.enabled {
		return false, time.Time{}
	}
	st := s.breakers.state(key)
	if st == nil {
		return false, time.Time{}
	}

	s.breakers.mu.Lock()
	defer s.breakers.mu.Unlock()
	st.maybeReset(now, bc.resetAfter)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// breakerNote records the final task result, after retries.
func (s *Service) breakerNote(now time.Time, key string, cfg Config, opt TaskOptions, err error) {
	bc := breakerSettings(cfg, opt)
	if !bc.enabled {
		return
	}
	st := s.breakers.state(key)
	if st == nil {
		return
	}

	s.breakers.mu.Lock()
	defer s.breakers.mu.Unlock()
	st.maybeReset(now, bc.resetAfter)

	if err == nil {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFail = time.Time{}
		return
	}

	st.fails++
	st.lastFail = now
	if st.fails >= bc.trip {
		st.openUntil = now.Add(bc.cooldown(st.fails - bc.trip))
	}
}

func (s *Service) breakerStats(now time.Time, cfg Config) (total, open int) {
	if !breakerSettings(cfg, TaskOptions{}).enabled {
		return 0, 0
	}

	s.breakers.mu.Lock()
	defer s.breakers.mu.Unlock()
	for _, st := range s.breakers.m {
		if st == nil {
			continue
		}
		total++
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
