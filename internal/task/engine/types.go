package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the worker pool that executes enqueued tasks. The cron
// layer only decides when something fires; everything about how it runs
// (parallelism, timeouts, retries, breaker cooldowns) belongs here. The
// app layer fills this from config.engine.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout applies when a Task carries no timeout of its own.
	DefaultTimeout time.Duration

	// MaxQueueDelay discards work that waited in the queue longer than
	// this before a worker picked it up. Zero keeps stale work.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int

	// Consecutive-failure circuit breaker. A negative trip threshold
	// disables the breaker, zero selects the default.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

// TaskOptions tunes retry and breaker behavior for a single task.
type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // fraction, 0.2 = ±20%

	// CircuitTripFailures overrides the engine-wide threshold for this
	// task. Negative turns the breaker off for this task only, zero
	// inherits the engine setting.
	CircuitTripFailures int
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch o.Overlap {
	case OverlapAllow, OverlapSkipIfRunning:
	default:
		o.Overlap = OverlapSkipIfRunning
	}
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// RunState is the overlap gate for one task key. Claimed at enqueue
// time, not at run time, so "skip if running" really means "skip if
// running or already queued" and a schedule firing faster than its job
// executes cannot pile the queue up with copies of itself.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) claim() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	free := s.inflight == 0
	if free {
		s.inflight++
	}
	s.mu.Unlock()
	return free
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Task is one unit of work. When State is nil the engine gates overlap
// on a shared per-Name state instead.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	State   *RunState
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is the bus payload for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time diagnostics view.
type Snapshot struct {
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration
	RetryMax       int

	CircuitTotal int
	CircuitOpen  int

	History []HistoryItem
}
