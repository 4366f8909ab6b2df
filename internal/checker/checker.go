package checker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"terminbot/internal/eventbus"
	"terminbot/internal/muenchen"
	"terminbot/internal/storage"
	kit "terminbot/internal/transport"
	logx "terminbot/pkg/logx"
)

// Service drives the availability check cycle. Safe for concurrent use;
// overlap between cycles is prevented by the scheduler, not here.
type Service struct {
	log  logx.Logger
	deps Deps
	now  func() time.Time

	mu    sync.Mutex
	cfg   Config
	stats Stats
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, deps: deps, now: time.Now}
	s.stats.StartedAt = s.now()
	s.Apply(cfg)
	return s
}

// Apply installs a new configuration. The caller re-registers the cycle
// schedule when the interval changed.
func (s *Service) Apply(cfg Config) {
	cfg.Interval = normalizeInterval(cfg.Interval)
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Interval returns the normalized cycle period.
func (s *Service) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Interval
}

// Stats returns a copy of the lifetime counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// RunCycle performs one full availability pass and reports its aggregate
// outcome to the health monitor. The returned error marks the cycle
// failed as a whole; partial group failures are logged and swallowed.
func (s *Service) RunCycle(ctx context.Context) error {
	started := s.now()
	s.mu.Lock()
	s.stats.TotalChecks++
	s.stats.LastCheckAt = started
	s.mu.Unlock()

	out, err := s.runCycle(ctx)

	detail := ""
	if err != nil {
		detail = err.Error()
	}
	s.mu.Lock()
	if err == nil {
		s.stats.SuccessfulChecks++
		s.stats.LastSuccessAt = s.now()
	} else {
		s.stats.FailedChecks++
	}
	s.mu.Unlock()

	if s.deps.Health != nil {
		s.deps.Health.Record(ctx, err == nil, detail)
	}
	dur := s.now().Sub(started)
	s.publish("checker.cycle", CycleEvent{
		At:       started,
		Duration: dur.Round(time.Millisecond).String(),
		Groups:   out.groups,
		Failed:   out.failedGroups,
		Hits:     out.hits,
		Notified: out.notified,
		Error:    detail,
	})
	s.log.Debug("check cycle finished",
		logx.Duration("took", dur),
		logx.Int("groups", out.groups),
		logx.Int("failed_groups", out.failedGroups),
		logx.Int("hits", out.hits),
		logx.Int("notified", out.notified),
		logx.Int("suppressed", out.suppressed))
	return err
}

// cycleOutcome aggregates what one pass did, for logs and events.
type cycleOutcome struct {
	groups       int
	failedGroups int
	hits         int
	notified     int
	suppressed   int
}

func (s *Service) runCycle(ctx context.Context) (cycleOutcome, error) {
	var out cycleOutcome

	subs, err := s.deps.Store.ListActiveSubscriptions(ctx)
	if err != nil {
		return out, fmt.Errorf("load subscriptions: %w", err)
	}
	if len(subs) == 0 {
		s.log.Debug("no active subscriptions; cycle idle")
		return out, nil
	}

	// Token first: every group query this cycle rides on it.
	token, err := s.deps.Tokens.EnsureFresh(ctx)
	if err != nil {
		return out, fmt.Errorf("token: %w", err)
	}

	groups := groupSubscriptions(subs, s.now().In(muenchen.Berlin()))
	out.groups = len(groups)

	var lastErr error
	for _, g := range groups {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		res, err := s.checkGroup(ctx, g, token)
		out.hits += res.hits
		out.notified += res.notified
		out.suppressed += res.suppressed
		switch {
		case err == nil:
		case errors.Is(err, muenchen.ErrTokenRejected):
			// The token is shared; once rejected, every remaining group
			// would fail identically. Abort and refresh next cycle.
			s.deps.Tokens.Invalidate()
			out.failedGroups++
			return out, fmt.Errorf("service %d office %d: %w", g.serviceID, g.officeID, err)
		default:
			out.failedGroups++
			lastErr = err
			s.log.Warn("group check failed",
				logx.Int64("service_id", g.serviceID),
				logx.Int64("office_id", g.officeID),
				logx.Err(err))
		}
	}

	if out.failedGroups == out.groups {
		return out, fmt.Errorf("all %d groups failed, last: %w", out.groups, lastErr)
	}
	if out.failedGroups > 0 {
		s.log.Warn("cycle finished with partial failures",
			logx.Int("failed", out.failedGroups), logx.Int("groups", out.groups))
	}
	return out, nil
}

// group is the per-cycle ephemeral aggregate: one (service, office)
// pair, everyone watching it, and the union of their date ranges so a
// single query serves the whole group.
type group struct {
	serviceID int64
	officeID  int64
	members   []member

	startDate string
	endDate   string
}

type member struct {
	userID    int64
	startDate string
	endDate   string
}

// groupSubscriptions buckets subscriptions by (service, office) in
// first-seen order. Missing member ranges get the default window
// starting today.
func groupSubscriptions(subs []storage.ActiveSubscription, today time.Time) []group {
	defStart := today.Format("2006-01-02")
	defEnd := today.AddDate(0, 0, DefaultRangeDays).Format("2006-01-02")

	type key struct{ serviceID, officeID int64 }
	idx := make(map[key]int)
	var out []group
	for _, sub := range subs {
		start, end := sub.StartDate, sub.EndDate
		if start == "" {
			start = defStart
		}
		if end == "" {
			end = defEnd
		}

		k := key{sub.ServiceID, sub.OfficeID}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, group{
				serviceID: k.serviceID,
				officeID:  k.officeID,
				startDate: start,
				endDate:   end,
			})
		}
		g := &out[i]
		g.members = append(g.members, member{userID: sub.UserID, startDate: start, endDate: end})
		// ISO dates compare correctly as strings.
		if start < g.startDate {
			g.startDate = start
		}
		if end > g.endDate {
			g.endDate = end
		}
	}
	return out
}

type groupOutcome struct {
	hits       int
	notified   int
	suppressed int
}

func (s *Service) checkGroup(ctx context.Context, g group, token string) (groupOutcome, error) {
	var res groupOutcome

	days, err := s.deps.API.Query(ctx, muenchen.AvailabilityQuery{
		StartDate: g.startDate,
		EndDate:   g.endDate,
		OfficeID:  g.officeID,
		ServiceID: g.serviceID,
		Token:     token,
	})
	if err != nil {
		return res, err
	}
	if len(days) == 0 {
		return res, nil
	}

	res.hits = 1
	s.mu.Lock()
	s.stats.AppointmentsFound++
	s.mu.Unlock()

	serviceName := s.serviceName(g.serviceID)
	s.log.Info("appointments found",
		logx.String("service", serviceName),
		logx.Int64("service_id", g.serviceID),
		logx.Int64("office_id", g.officeID),
		logx.Int("days", len(days)),
		logx.Int("watchers", len(g.members)))
	s.logAvailability(ctx, g, days)

	for _, m := range g.members {
		matched := matchDays(days, m.startDate, m.endDate)
		if len(matched) == 0 {
			continue
		}
		if s.deps.Queue.IsActive(m.userID) {
			res.suppressed++
			s.log.Debug("notification suppressed; booking in progress",
				logx.Int64("user_id", m.userID))
			continue
		}

		msg := buildAvailabilityMessage(serviceName, g.serviceID, g.officeID, matched)
		err := s.deps.Notify.Notify(ctx, kit.Notification{
			Kind:    kit.NoticeAvailability,
			Target:  kit.ChatTarget{ChatID: m.userID},
			Text:    msg.Text,
			Options: msg.Opt,
		})
		if err != nil {
			s.log.Warn("notification enqueue failed",
				logx.Int64("user_id", m.userID), logx.Err(err))
			continue
		}
		res.notified++
		s.mu.Lock()
		s.stats.NotificationsSent++
		s.mu.Unlock()
	}
	return res, nil
}

// matchDays keeps the days inside [start, end].
func matchDays(days []muenchen.DayAvailability, start, end string) []muenchen.DayAvailability {
	var out []muenchen.DayAvailability
	for _, d := range days {
		if d.Date >= start && d.Date <= end {
			out = append(out, d)
		}
	}
	return out
}

// logAvailability appends the found days to the appointment log. Log
// write failures never fail the group.
func (s *Service) logAvailability(ctx context.Context, g group, days []muenchen.DayAvailability) {
	raw, err := json.Marshal(days)
	if err != nil {
		return
	}
	if err := s.deps.Store.LogAppointments(ctx, g.serviceID, g.officeID, string(raw)); err != nil {
		s.log.Warn("appointment log write failed", logx.Err(err))
	}
}

func (s *Service) serviceName(id int64) string {
	if s.deps.Names != nil {
		return s.deps.Names.ServiceName(id)
	}
	return fmt.Sprintf("Service %d", id)
}

func (s *Service) publish(typ string, data any) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
