package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"terminbot/internal/task/engine"
	logx "terminbot/pkg/logx"
)

// AddInterval registers a job that fires every d. Scheduled jobs default
// to skip-if-running so a slow run never piles up behind itself.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) error {
	return s.AddIntervalOpt(name, every, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddIntervalOpt(name string, every time.Duration, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	if every <= 0 {
		return fmt.Errorf("interval must be > 0")
	}
	return s.add(name, fmt.Sprintf("@every %s", every.String()), timeout, opt, job)
}

// AddCron registers a job on a cron spec ("15 4 * * *", "@hourly", ...)
// evaluated in the scheduler timezone.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	return s.AddCronOpt(name, spec, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	// Validate eagerly so a bad spec surfaces at registration, not at the
	// first missed trigger.
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return s.add(name, spec, timeout, opt, job)
}

// add upserts a trigger by name. Re-registering (config reload changed
// the check interval, say) replaces the previous trigger in place.
func (s *Service) add(name, spec string, timeout time.Duration, opt TaskOptions, run func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return errors.New("name required")
	case run == nil:
		return errors.New("job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.removeLocked(name)
	s.triggers = append(s.triggers, trigger{
		id:      fmt.Sprintf("sch-%d", time.Now().UnixNano()),
		name:    name,
		spec:    spec,
		timeout: timeout,
		run:     run,
		opt:     opt,
		gate:    &engine.RunState{},
	})
	if s.c == nil {
		// Not started yet: Start() activates pending triggers.
		return nil
	}

	tr := &s.triggers[len(s.triggers)-1]
	if err := s.activateLocked(tr); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Any("err", err))
		return err
	}
	s.logRegisteredLocked(tr)
	return nil
}

func (s *Service) logRegisteredLocked(tr *trigger) {
	args := []logx.Field{
		logx.String("name", tr.name), logx.String("id", tr.id),
		logx.String("spec", tr.spec), logx.Duration("timeout", tr.timeout),
	}
	if next := s.previewLocked(tr.spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
}

// Remove unschedules the named trigger. Safe before Start and for names
// that were never registered.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// removeLocked drops every trigger matching name, unregistering it from
// the running cron. Call with s.mu held.
func (s *Service) removeLocked(name string) bool {
	kept := s.triggers[:0]
	removed := false
	for _, tr := range s.triggers {
		if tr.name != name {
			kept = append(kept, tr)
			continue
		}
		removed = true
		if s.c != nil && tr.entryID != 0 {
			s.c.Remove(tr.entryID)
		}
	}
	s.triggers = kept
	return removed
}

// activateLocked attaches a trigger to the running cron. Interval specs
// get a random startup spread so a restart doesn't fire every @every job
// at once. Call with s.mu held.
func (s *Service) activateLocked(tr *trigger) error {
	fire := s.fireFunc(tr)
	spec := strings.TrimSpace(tr.spec)

	if rest, ok := strings.CutPrefix(spec, "@every"); ok {
		if every, err := time.ParseDuration(strings.TrimSpace(rest)); err == nil && every > 0 {
			loc := s.loc
			if loc == nil {
				loc = time.Local
			}
			sched, jitter := intervalWithSpread(every, time.Now().In(loc), tr.name)
			tr.spread = jitter
			tr.entryID = s.c.Schedule(sched, fire)
			return nil
		}
	}

	tr.spread = 0
	eid, err := s.c.AddJob(spec, fire)
	if err == nil {
		tr.entryID = eid
	}
	return err
}

// fireFunc builds the cron callback: hand the job to the engine and
// report anything it refuses. Captures by value so a later re-register
// cannot reach into a stale slice element.
func (s *Service) fireFunc(tr *trigger) cron.Job {
	name, timeout, run := tr.name, tr.timeout, tr.run
	opt, gate := tr.opt, tr.gate
	return cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		err := s.engine.Enqueue(engine.Task{
			Name:    name,
			Timeout: timeout,
			Run:     run,
			Opt:     opt,
			State:   gate,
		})
		if err != nil {
			s.reportEnqueueError(name, err)
		}
	})
}

// previewLocked renders the next n fire times for debug logs. Call with
// s.mu held.
func (s *Service) previewLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.locationLocked()
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}

	times := make([]string, 0, n)
	t := time.Now().In(loc)
	for i := 0; i < n; i++ {
		if t = sched.Next(t); t.IsZero() {
			break
		}
		times = append(times, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(times, ", ")
}
