package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"terminbot/internal/eventbus"
	rtsup "terminbot/internal/runtime/supervisor"
	kit "terminbot/internal/transport"
	logx "terminbot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	sendTimeout     = 10 * time.Second
	persistTimeout  = 250 * time.Millisecond
	dedupReadBudget = 25 * time.Millisecond
	historyCap      = 300
)

type job struct {
	n kit.Notification
	// dedupKey is computed at enqueue time; empty for non-alert kinds.
	dedupKey string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// pipeline is the per-run state: created by Start, torn down by Stop.
type pipeline struct {
	queue   chan job
	persist chan dedupWrite // nil without a store
	sup     *rtsup.Supervisor
}

// Service is the async notification pipeline. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   DedupStore

	// onRecipientGone runs once per permanently failed delivery; the app
	// wires it to subscription cleanup. Set before Start.
	onRecipientGone func(ctx context.Context, chatID int64)

	cfg     Config
	limiter *rate.Limiter

	run      *pipeline     // nil while stopped
	stopDone chan struct{} // non-nil while a Stop is draining
	sendWG   sync.WaitGroup

	// Alert dedup cache: key -> suppress until.
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log,
		bus:     bus,
		store:   store,
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// OnRecipientGone registers the cleanup callback for permanent delivery
// failures. Call before Start.
func (s *Service) OnRecipientGone(fn func(ctx context.Context, chatID int64)) {
	s.mu.Lock()
	s.onRecipientGone = fn
	s.mu.Unlock()
}

// Report exposes the delivery loops' supervisor stats; the app folds them
// into the /health screen. Empty while the pipeline is down.
func (s *Service) Report() rtsup.Report {
	s.mu.Lock()
	var sup *rtsup.Supervisor
	if s.run != nil {
		sup = s.run.sup
	}
	s.mu.Unlock()
	return sup.Report()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = cfg.withDefaults()
	// Burst = rate per sec, so a burst of fresh availability across many
	// subscribers drains quickly without tripping Telegram limits.
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	// A previous Stop may still be draining; wait for it.
	if !s.awaitIdle(ctx) {
		return
	}

	s.mu.Lock()
	if s.run != nil {
		s.mu.Unlock()
		return
	}
	p := &pipeline{queue: make(chan job, s.cfg.QueueSize)}
	if s.store != nil {
		p.persist = make(chan dedupWrite, 256)
	}
	p.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// Delivery is best-effort; a worker crash must not take down the app.
		rtsup.WithCancelOnError(false),
	)
	workers := s.cfg.Workers
	s.run = p
	s.mu.Unlock()

	s.spawn(p, workers)
}

// awaitIdle blocks while an earlier Stop drains. Reports false when ctx
// expired first.
func (s *Service) awaitIdle(ctx context.Context) bool {
	s.mu.Lock()
	done := s.stopDone
	s.mu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Service) spawn(p *pipeline, workers int) {
	if p.persist != nil {
		p.sup.GoRestart("notifier.dedup", func(c context.Context) error {
			s.persistLoop(c, p.persist)
			return s.loopExitErr(c)
		}, rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("notifier.worker.%d", i)
		p.sup.GoRestart(name, func(c context.Context) error {
			s.drainQueue(c, p.queue)
			return s.loopExitErr(c)
		}, rtsup.WithPublishFirstError(true))
	}
}

// loopExitErr distinguishes a shutdown exit (channel closed during Stop)
// from a loop that died unexpectedly and should restart.
func (s *Service) loopExitErr(ctx context.Context) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("notifier loop exited unexpectedly")
}

// Stop blocks new intake and drains queued sends best-effort until ctx
// expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	p := s.run
	if p == nil {
		s.mu.Unlock()
		return
	}
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.mu.Unlock()

	// Drain asynchronously so callers can time out without leaking state.
	go s.teardown(p, done)

	select {
	case <-done:
	case <-ctx.Done():
		p.sup.Cancel()
	}
}

func (s *Service) teardown(p *pipeline, done chan struct{}) {
	defer close(done)
	s.sendWG.Wait()
	if p.persist != nil {
		close(p.persist)
	}
	close(p.queue)
	_ = p.sup.Wait(context.Background())

	s.mu.Lock()
	s.run = nil
	s.stopDone = nil
	s.mu.Unlock()
}

// Notify queues one message. It never blocks on a full queue: fresh
// availability beats stale, so the caller is told to drop instead.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	p := s.run
	if p == nil || s.stopDone != nil {
		s.mu.Unlock()
		return ErrStopped
	}
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	var key string
	if n.Kind == kit.NoticeAlert && window > 0 {
		key = dedupKey(n)
		if !s.dedupAllow(ctx, key, window, maxEntries, p.persist) {
			s.publish("notifier.deduped", n, key, "", false)
			return nil
		}
	}

	select {
	case p.queue <- job{n: n, dedupKey: key}:
		s.publish("notifier.queued", n, key, "", false)
		return nil
	default:
		s.publish("notifier.dropped", n, key, ErrQueueFull.Error(), false)
		return ErrQueueFull
	}
}

// Snapshot returns recent deliveries, newest last.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) publish(typ string, n kit.Notification, key, errText string, permanent bool) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: NotificationEvent{
		Kind: n.Kind, ChatID: n.Target.ChatID, Key: key, At: now, Error: errText, Permanent: permanent,
	}})
}

func (s *Service) recordSent(n kit.Notification) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Kind: n.Kind, Text: n.Text})
	if over := len(s.history) - historyCap; over > 0 {
		s.history = s.history[over:]
	}
	s.hmu.Unlock()
}

// persistLoop writes suppression windows to the store. Writes use a
// detached context so pending entries still land during shutdown.
func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			_ = s.store.PutDedup(cctx, w.key, w.until)
			cancel()
		}
	}
}

func (s *Service) drainQueue(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

// deliver makes the single send attempt for a job.
func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	lim, ad := s.limiter, s.adapter
	log, gone := s.log, s.onRecipientGone
	s.mu.Unlock()

	if ad == nil || j.n.Text == "" {
		return
	}
	if err := lim.Wait(ctx); err != nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	_, err := ad.SendText(callCtx, j.n.Target, j.n.Text, j.n.Options)
	cancel()

	switch {
	case err == nil:
		s.recordSent(j.n)
		s.publish("notifier.sent", j.n, j.dedupKey, "", false)
	case errors.Is(err, kit.ErrRecipientGone):
		log.Info("recipient gone; flagging for cleanup",
			logx.Int64("chat_id", j.n.Target.ChatID), logx.Any("err", err))
		s.publish("notifier.failed", j.n, j.dedupKey, err.Error(), true)
		if gone != nil {
			gone(ctx, j.n.Target.ChatID)
		}
	default:
		// Transient: drop. The next cycle re-notifies if slots are still open.
		log.Debug("notification dropped after transient failure",
			logx.Int64("chat_id", j.n.Target.ChatID), logx.Any("err", err))
		s.publish("notifier.failed", j.n, j.dedupKey, err.Error(), false)
	}
}

func dedupKey(n kit.Notification) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d|", n.Kind, n.Target.ChatID, n.Target.ThreadID)
	h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow reports whether an alert with this key may go out, and if so
// opens a new suppression window.
func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, maxEntries int, persist chan dedupWrite) bool {
	now := time.Now()
	if s.suppressed(key, now) {
		return false
	}
	if until, ok := s.storedSuppression(ctx, key); ok && now.Before(until) {
		s.remember(key, until, maxEntries, now)
		return false
	}

	until := now.Add(window)
	s.remember(key, until, maxEntries, now)
	if persist != nil {
		select {
		case persist <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func (s *Service) suppressed(key string, now time.Time) bool {
	s.dmu.Lock()
	until, ok := s.dedup[key]
	s.dmu.Unlock()
	return ok && now.Before(until)
}

// storedSuppression consults the cross-restart store, tightly bounded so
// a slow disk cannot stall enqueues.
func (s *Service) storedSuppression(ctx context.Context, key string) (time.Time, bool) {
	if s.store == nil {
		return time.Time{}, false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(ctx, dedupReadBudget)
	defer cancel()
	until, ok, err := s.store.GetDedup(cctx, key)
	if err != nil || !ok {
		return time.Time{}, false
	}
	return until, true
}

// remember records a suppression window and prunes the cache: expired
// entries first, then earliest-expiring while over maxEntries.
func (s *Service) remember(key string, until time.Time, maxEntries int, now time.Time) {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for maxEntries > 0 && len(s.dedup) > maxEntries {
		var (
			victim string
			at     time.Time
			found  bool
		)
		for k, u := range s.dedup {
			if !found || u.Before(at) {
				victim, at, found = k, u, true
			}
		}
		if !found {
			return
		}
		delete(s.dedup, victim)
	}
}
