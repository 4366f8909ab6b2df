package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"terminbot/internal/task/engine"
	logx "terminbot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func New(cfg Config, eng *engine.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		engine: eng,
		// SecondOptional accepts both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		warnAt: map[string]time.Time{},
	}
}

// Apply updates the config. A timezone change restarts the cron runner
// and re-registers all triggers in the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && strings.TrimSpace(cfg.Timezone) != prevTZ {
		s.restartLocked()
	}
}

// Start begins triggering. Triggers registered before Start are
// activated here; later registrations activate immediately.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		s.runCronLocked("service started")
	}
}

// Stop halts triggering. Triggers are kept so a later Start resumes
// them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// restartLocked bounces the cron runner, picking up the current
// timezone. Call with s.mu held.
func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.runCronLocked("service restarted")
}

// runCronLocked builds the cron runner in the configured timezone and
// activates every registered trigger. Call with s.mu held.
func (s *Service) runCronLocked(msg string) {
	loc := s.locationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.triggers {
		_ = s.activateLocked(&s.triggers[i])
	}
	s.c.Start()
	s.log.Info(msg, logx.String("tz", loc.String()), logx.Int("schedules", len(s.triggers)))
}

func (s *Service) locationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Any("err", err))
		return time.Local
	}
	return loc
}

func (s *Service) reportEnqueueError(name string, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, engine.ErrOverlapSkip):
		// Overlap skips are normal when a cycle outlives its interval.
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Any("err", err))
		return
	case errors.Is(err, engine.ErrCircuitOpen):
		s.log.Debug("schedule trigger skipped: circuit open", logx.String("schedule", name))
		return
	}
	if s.shouldWarn(name) {
		s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Any("err", err))
	}
}

// shouldWarn throttles enqueue warnings per schedule so a full queue
// doesn't flood the log.
func (s *Service) shouldWarn(name string) bool {
	now := time.Now()
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	if last, ok := s.warnAt[name]; ok && now.Sub(last) < enqueueWarnThrottle {
		return false
	}
	s.warnAt[name] = now
	return true
}
