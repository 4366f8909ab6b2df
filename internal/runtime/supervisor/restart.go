package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "terminbot/pkg/logx"
)

// backoffResetAfter is how long an attempt must survive for the next
// failure to start from the minimum backoff again.
const backoffResetAfter = 30 * time.Second

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	floor        time.Duration
	ceil         time.Duration
	limit        int // restarts before giving up; <=0 means unlimited
	stopOnClean  bool
	fatalAtLimit bool
	publishFirst bool
}

func defaultRestartCfg() restartCfg {
	return restartCfg{
		floor:       250 * time.Millisecond,
		ceil:        30 * time.Second,
		stopOnClean: true,
	}
}

func (c *restartCfg) clamp() {
	if c.floor <= 0 {
		c.floor = 250 * time.Millisecond
	}
	if c.ceil < c.floor {
		c.ceil = c.floor
	}
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.floor = min
		}
		if max > 0 {
			c.ceil = max
		}
	}
}

// WithMaxRestarts limits how many restarts (errors/panics) are attempted
// before giving up. The initial run does not count.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.limit = n } }

// WithFatalOnFinalError publishes the final error to the supervisor (and
// cancels it under WithCancelOnError) when restarts are exhausted.
func WithFatalOnFinalError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.fatalAtLimit = enabled }
}

// WithPublishFirstError records the first observed error/panic as the
// supervisor error while still restarting. Failures then surface in
// /health without taking the loop down.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirst = enabled }
}

// WithStopOnCleanExit stops (instead of restarting) when fn returns nil.
// Default is true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnClean = enabled }
}

// GoRestart runs fn and restarts it on error/panic with jittered
// exponential backoff until ctx is canceled.
//
// Intended for long-running loops (pollers, watchers, workers) where
// transient failures should self-heal without taking the process down.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := defaultRestartCfg()
	for _, o := range opts {
		o(&cfg)
	}
	cfg.clamp()

	l := &restartLoop{sup: s, name: name, fn: fn, cfg: cfg, backoff: cfg.floor}
	// The hosting goroutine gets a name of its own so per-attempt stats
	// stay keyed to the logical name.
	s.Go0(name+".restart", l.run)
}

// GoRestart0 is GoRestart for functions that don't return an error.
func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}

// restartLoop carries the mutable state of one GoRestart loop across
// attempts.
type restartLoop struct {
	sup  *Supervisor
	name string
	fn   func(ctx context.Context) error
	cfg  restartCfg

	backoff  time.Duration
	restarts int
}

func (l *restartLoop) run(ctx context.Context) {
	for ctx.Err() == nil {
		failure := l.attempt(ctx)
		if failure == nil {
			return
		}
		if !l.pause(ctx, failure) {
			return
		}
	}
}

// attempt runs fn once. A nil return means the loop is finished; a
// non-nil return is the failure to back off and restart after.
func (l *restartLoop) attempt(ctx context.Context) error {
	s := l.sup
	beganAt := s.noteStart(l.name, l.restarts > 0)

	err, pan, stack := runRecovered(ctx, l.fn)
	if pan != nil {
		s.notePanic(l.name)
		s.log.Error("goroutine panicked (restart)",
			logx.String("name", l.name), logx.Any("panic", pan), logx.String("stack", stack))
		err = fmt.Errorf("panic: %v", pan)
	}

	// Returning during shutdown is a clean stop even with an error in
	// hand; the loop's dependencies may already be gone.
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		s.noteStop(l.name, beganAt, nil)
		return nil
	}
	if err == nil {
		if l.cfg.stopOnClean {
			s.noteStop(l.name, beganAt, nil)
			return nil
		}
		err = errors.New("exited")
	}

	named := fmt.Errorf("%s: %w", l.name, err)
	s.noteStop(l.name, beganAt, named)
	if l.cfg.publishFirst {
		s.setErr(named)
	}

	// A long healthy run earns a fresh backoff window, so a rare failure
	// in a stable loop restarts quickly.
	if time.Since(beganAt) >= backoffResetAfter {
		l.backoff = l.cfg.floor
	}
	return named
}

// pause sleeps out the backoff before the next attempt, returning false
// when the loop should give up or shut down instead.
func (l *restartLoop) pause(ctx context.Context, cause error) bool {
	s := l.sup
	l.restarts++
	if l.cfg.limit > 0 && l.restarts > l.cfg.limit {
		s.log.Error("goroutine gave up after restarts",
			logx.String("name", l.name), logx.Int("restarts", l.restarts), logx.Err(cause))
		if l.cfg.fatalAtLimit {
			s.setErr(cause)
			if s.cancelOnErr {
				s.cancel()
			}
		}
		return false
	}

	wait := jittered(l.backoff, l.cfg.floor, l.cfg.ceil)
	s.log.Warn("goroutine restarting",
		logx.String("name", l.name), logx.Duration("backoff", wait), logx.Err(cause))

	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
	}

	l.backoff *= 2
	if l.backoff > l.cfg.ceil {
		l.backoff = l.cfg.ceil
	}
	return true
}

func runRecovered(ctx context.Context, fn func(ctx context.Context) error) (err error, pan any, stack string) {
	defer func() {
		if r := recover(); r != nil {
			pan = r
			stack = string(debug.Stack())
		}
	}()
	err = fn(ctx)
	return
}

// jittered clamps d into [floor, ceil] and adds up to 20% random skew so
// loops that fail together do not restart in lockstep.
func jittered(d, floor, ceil time.Duration) time.Duration {
	switch {
	case d < floor:
		d = floor
	case d > ceil:
		d = ceil
	}
	if fifth := int64(d) / 5; fifth > 0 {
		d += time.Duration(time.Now().UnixNano() % (fifth + 1))
	}
	return d
}
