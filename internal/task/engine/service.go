package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"terminbot/internal/eventbus"
	rtsup "terminbot/internal/runtime/supervisor"
	logx "terminbot/pkg/logx"
)

// Repeated drop warnings collapse to one line per window.
const dropWarnEvery = 5 * time.Second

// Service executes queued tasks on a fixed worker pool. Overlap gating
// keeps a slow check cycle from stacking up behind itself, bounded
// retries absorb transient API hiccups, and the circuit breaker cools
// persistently failing tasks down. The availability check, catalog
// refresh, booking sweep and nightly maintenance all run through it.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	pool     *pool         // nil while stopped
	stopDone chan struct{} // non-nil while a Stop is draining

	inFlight int32

	gateMu sync.Mutex
	gates  map[string]*RunState

	breakers breakerMap

	histMu sync.Mutex
	hist   []HistoryItem

	idSeq uint64

	dropped      uint64
	droppedFull  uint64
	droppedStale uint64

	fullWarnAt  int64
	staleWarnAt int64
}

// pool is the per-run state: the queue, the quit signal workers watch,
// and the supervisor that restarts them.
type pool struct {
	jobs chan job
	quit chan struct{}
	sup  *rtsup.Supervisor
}

// job is a task accepted into the queue, with its effective settings
// resolved at enqueue time.
type job struct {
	task Task

	acceptedAt time.Time
	timeout    time.Duration
	opt        TaskOptions

	gate  *RunState
	gated bool
}

// abandon releases the overlap claim of a job that never reached a worker.
func (j job) abandon() {
	if j.gated {
		j.gate.release()
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:   cfg.normalized(),
		log:   log,
		bus:   bus,
		gates: make(map[string]*RunState),
	}
}

// Report exposes the worker pool's supervisor stats; the app folds them
// into the /health screen. Empty while the pool is down.
func (s *Service) Report() rtsup.Report {
	s.mu.Lock()
	var sup *rtsup.Supervisor
	if s.pool != nil {
		sup = s.pool.sup
	}
	s.mu.Unlock()
	return sup.Report()
}

// Apply swaps the config. Worker count and queue size only take effect
// through a restart, so the pool is bounced when they change.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	bounce := s.pool != nil && s.stopDone == nil &&
		(s.cfg.Workers != cfg.Workers || s.cfg.QueueSize != cfg.QueueSize)
	s.cfg = cfg
	s.mu.Unlock()

	if bounce {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent; calling it while a Stop is in flight waits for
// the stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	for s.pool != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return // already running
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}

	cfg := s.cfg.normalized()
	p := &pool{
		jobs: make(chan job, cfg.QueueSize),
		quit: make(chan struct{}),
		sup: rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
			// A worker failure must not take the whole app down.
			rtsup.WithCancelOnError(false),
		),
	}
	s.pool = p
	atomic.StoreInt32(&s.inFlight, 0)
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("engine.worker.%d", i)
		p.sup.GoRestart(name, s.workerMain(p, i), rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(p.jobs)))
}

// workerMain wraps runWorker for the supervisor: returns during shutdown
// count as clean exits, anything else restarts the worker.
func (s *Service) workerMain(p *pool, idx int) func(context.Context) error {
	return func(ctx context.Context) error {
		s.runWorker(ctx, p.quit, p.jobs, idx)
		select {
		case <-p.quit:
			return context.Canceled
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("worker exited unexpectedly")
	}
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.pool
	if p == nil {
		s.mu.Unlock()
		return
	}
	// Second caller joins the stop already in flight.
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
	close(p.quit)
	s.mu.Unlock()

	p.sup.Cancel()

	// Finalize in the background; the caller's ctx only bounds how long
	// we wait to report, not the teardown itself.
	go s.finalize(p, done)

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Any("err", ctx.Err()))
	}
}

func (s *Service) finalize(p *pool, done chan struct{}) {
	defer close(done)
	_ = p.sup.Wait(context.Background())

	s.mu.Lock()
	s.pool = nil
	s.stopDone = nil
	atomic.StoreInt32(&s.inFlight, 0)
	s.mu.Unlock()
}

// Enqueue accepts a task without blocking; a full queue drops it.
// Use Submit for backpressure instead of dropping.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit enqueues a task, blocking until it is accepted, ctx is
// canceled, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, wait bool) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.nextID(now)
	}

	s.mu.Lock()
	cfg := s.cfg
	p := s.pool
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if p == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	j, err := s.admit(now, t, cfg)
	if err != nil {
		return err
	}

	if !wait {
		select {
		case p.jobs <- j:
			return nil
		default:
			j.abandon()
			s.noteFullDrop(now, t, len(p.jobs), cap(p.jobs))
			return ErrQueueFull
		}
	}

	select {
	case p.jobs <- j:
		return nil
	case <-ctx.Done():
		j.abandon()
		return ctx.Err()
	case <-p.quit:
		j.abandon()
		return ErrStopping
	}
}

// admit resolves the job's effective settings and takes the breaker and
// overlap gates. A non-nil error means the task was rejected.
func (s *Service) admit(now time.Time, t Task, cfg Config) (job, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	opt := t.Opt.withDefaults(cfg)

	if open, until := s.breakerOpen(now, t.Name, cfg, opt); open {
		s.publish("task.skipped", now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"})
		s.log.Debug("task skipped: circuit open",
			logx.String("task", t.Name), logx.String("id", t.ID),
			logx.String("until", until.Format(time.RFC3339)))
		s.pushHistory(cfg, HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"})
		return job{}, ErrCircuitOpen
	}

	gate := t.State
	if gate == nil {
		gate = s.gateFor(t.Name)
	}
	gated := opt.Overlap == OverlapSkipIfRunning
	if gated && !gate.claim() {
		s.publish("task.skipped", now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
		return job{}, ErrOverlapSkip
	}

	return job{task: t, acceptedAt: now, timeout: timeout, opt: opt, gate: gate, gated: gated}, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	p := s.pool
	s.mu.Unlock()

	snap := Snapshot{
		Workers:          cfg.Workers,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		Dropped:          atomic.LoadUint64(&s.dropped),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedFull),
		DroppedStale:     atomic.LoadUint64(&s.droppedStale),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
	}
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.jobs), cap(p.jobs)
	}

	s.histMu.Lock()
	snap.History = append([]HistoryItem(nil), s.hist...)
	s.histMu.Unlock()

	snap.CircuitTotal, snap.CircuitOpen = s.breakerStats(time.Now(), cfg)
	return snap
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

func (s *Service) pushHistory(cfg Config, item HistoryItem) {
	size := cfg.HistorySize
	if size <= 0 {
		size = 200
	}
	s.histMu.Lock()
	s.hist = append(s.hist, item)
	if over := len(s.hist) - size; over > 0 {
		s.hist = s.hist[over:]
	}
	s.histMu.Unlock()
}

func (s *Service) gateFor(name string) *RunState {
	key := strings.TrimSpace(name)
	if key == "" {
		key = "default"
	}

	s.gateMu.Lock()
	gate := s.gates[key]
	if gate == nil {
		gate = &RunState{}
		s.gates[key] = gate
	}
	s.gateMu.Unlock()
	return gate
}

func (s *Service) nextID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	// Short but unique enough across restarts.
	return fmt.Sprintf("job-%x-%x", now.UnixNano(), seq)
}

// throttleOK rate-limits one warning site via CAS on a unix-nano stamp.
func throttleOK(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(dropWarnEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) noteFullDrop(now time.Time, t Task, qLen, qCap int) {
	atomic.AddUint64(&s.dropped, 1)
	n := atomic.AddUint64(&s.droppedFull, 1)

	s.publish("task.dropped", now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})

	if throttleOK(&s.fullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", qLen),
			logx.Int("queue_cap", qCap),
			logx.Uint64("dropped_queue_full", n),
		)
	}
}

func (s *Service) noteStaleDrop(now time.Time, t Task, queueDelay time.Duration) {
	atomic.AddUint64(&s.dropped, 1)
	n := atomic.AddUint64(&s.droppedStale, 1)

	s.publish("task.dropped", now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})

	if throttleOK(&s.staleWarnAt, now) {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", n),
		)
	}
}
