// Package health turns a stream of per-cycle success/failure results
// into operator alerts: one alert when failures pile up past a
// threshold, one all-clear when the system recovers. In between it
// stays quiet, so a flapping API does not page anybody twice.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "terminbot/pkg/logx"
)

// DefaultFailureThreshold is how many consecutive failures trip the
// alert.
const DefaultFailureThreshold = 3

// AlertFunc delivers an operator-facing message. Implementations must
// tolerate being called from the recording goroutine.
type AlertFunc func(ctx context.Context, text string)

// State is a point-in-time view for diagnostics.
type State struct {
	Consecutive   int       `json:"consecutive_failures"`
	Latched       bool      `json:"latched"`
	LastError     string    `json:"last_error,omitempty"`
	LastOKAt      time.Time `json:"last_ok_at,omitempty"`
	LatchedAt     time.Time `json:"latched_at,omitempty"`
	TotalFailures uint64    `json:"total_failures"`
}

// Monitor is the consecutive-failure latch. Safe for concurrent use.
type Monitor struct {
	threshold int
	alert     AlertFunc
	log       logx.Logger
	now       func() time.Time

	mu            sync.Mutex
	consecutive   int
	latched       bool
	lastErr       string
	lastOKAt      time.Time
	latchedAt     time.Time
	totalFailures uint64
}

func New(threshold int, alert AlertFunc, log logx.Logger) *Monitor {
	if threshold < 1 {
		threshold = DefaultFailureThreshold
	}
	if alert == nil {
		alert = func(context.Context, string) {}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{threshold: threshold, alert: alert, log: log, now: time.Now}
}

// Record feeds one cycle result in. detail is kept only for failures.
func (m *Monitor) Record(ctx context.Context, ok bool, detail string) {
	var msg string

	m.mu.Lock()
	if ok {
		if m.latched {
			msg = fmt.Sprintf("✅ Check cycle recovered after %d consecutive failures (down %s).",
				m.consecutive, m.now().Sub(m.latchedAt).Round(time.Second))
		}
		m.consecutive = 0
		m.latched = false
		m.lastErr = ""
		m.lastOKAt = m.now()
	} else {
		m.consecutive++
		m.totalFailures++
		m.lastErr = detail
		if !m.latched && m.consecutive >= m.threshold {
			m.latched = true
			m.latchedAt = m.now()
			msg = fmt.Sprintf("🚨 Check cycle has failed %d times in a row.\nLast error: %s", m.consecutive, detail)
		}
	}
	m.mu.Unlock()

	// Alert delivery can block; never do it under the mutex.
	if msg != "" {
		m.log.Warn("health state change", logx.String("msg", msg))
		m.alert(ctx, msg)
	}
}

func (m *Monitor) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Consecutive:   m.consecutive,
		Latched:       m.latched,
		LastError:     m.lastErr,
		LastOKAt:      m.lastOKAt,
		LatchedAt:     m.latchedAt,
		TotalFailures: m.totalFailures,
	}
}
