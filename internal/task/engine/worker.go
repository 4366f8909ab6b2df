package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "terminbot/pkg/logx"
)

// Completions slower than this log at INFO, faster ones at DEBUG.
const slowTaskInfo = 750 * time.Millisecond

func (s *Service) runWorker(ctx context.Context, stopCh <-chan struct{}, queue chan job, idx int) {
	// Worker-local RNG so retry jitter never serializes workers on the
	// global rand lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(idx)<<32))

	for !stopRequested(ctx, stopCh) {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.runJob(ctx, stopCh, j, rng)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

// stopRequested gives shutdown priority over queued work.
func stopRequested(ctx context.Context, stopCh <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stopCh:
		return true
	default:
		return false
	}
}

func (s *Service) runJob(ctx context.Context, stopCh <-chan struct{}, j job, rng *rand.Rand) {
	start := time.Now()
	wait := queueDelay(start, j.acceptedAt)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && wait > cfg.MaxQueueDelay {
		if j.gated {
			j.gate.release()
		}
		s.noteStaleDrop(start, j.task, wait)
		s.pushHistory(cfg, HistoryItem{ID: j.task.ID, Name: j.task.Name, Started: start, QueueDelay: wait, Error: "stale_queue_delay"})
		return
	}

	s.log.Debug("task.started", logx.String("task", j.task.Name), logx.Duration("queue_delay", wait))
	s.publish("task.started", start, TaskEvent{ID: j.task.ID, Name: j.task.Name, Started: start, QueueDelay: wait})
	if j.gated {
		defer j.gate.release()
	}

	attempts, err := s.attempt(ctx, stopCh, j, rng)

	dur := time.Since(start)
	item := HistoryItem{ID: j.task.ID, Name: j.task.Name, Started: start, Duration: dur, QueueDelay: wait}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task.failed",
			logx.String("task", j.task.Name), logx.Any("err", err),
			logx.Duration("queue_delay", wait), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish("task.failed", time.Now(), TaskEvent{ID: j.task.ID, Name: j.task.Name, Started: start, QueueDelay: wait, Duration: dur, Attempts: attempts, Error: item.Error})
	} else {
		level := s.log.Debug
		if dur >= slowTaskInfo {
			level = s.log.Info
		}
		level("task.completed",
			logx.String("task", j.task.Name),
			logx.Duration("queue_delay", wait), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish("task.finished", time.Now(), TaskEvent{ID: j.task.ID, Name: j.task.Name, Started: start, QueueDelay: wait, Duration: dur, Attempts: attempts})
	}

	// The breaker sees only the final result, after retries.
	s.breakerNote(time.Now(), j.task.Name, cfg, j.opt, err)

	s.pushHistory(cfg, item)
}

// attempt runs the job with bounded retries and returns how many
// attempts actually ran alongside the final error.
func (s *Service) attempt(ctx context.Context, stopCh <-chan struct{}, j job, rng *rand.Rand) (int, error) {
	retries := j.opt.RetryMax
	if retries < 0 {
		retries = 0
	}

	for attempt := 1; ; attempt++ {
		err := s.runOnce(ctx, j)
		if err == nil {
			return attempt, nil
		}
		// NoRetry failures report the wrapped cause immediately.
		var perm terminalError
		if errors.As(err, &perm) {
			return attempt, perm.cause
		}
		if attempt > retries {
			return attempt, err
		}

		if delay := backoffDelayWithHint(j.opt, attempt, err, rng); delay > 0 {
			s.log.Debug("task retry scheduled",
				logx.String("task", j.task.Name), logx.Int("attempt", attempt+1),
				logx.Duration("delay", delay), logx.Any("err", err))
			if stopErr := sleepOrStop(ctx, stopCh, delay); stopErr != nil {
				return attempt, stopErr
			}
		}
	}
}

// runOnce executes a single attempt, converting panics into errors so a
// bad task cannot take its worker down with it.
func (s *Service) runOnce(ctx context.Context, j job) (err error) {
	runCtx := ctx
	if j.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic",
				logx.String("task", j.task.Name), logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	return j.task.Run(runCtx)
}

func sleepOrStop(ctx context.Context, stopCh <-chan struct{}, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopped
	case <-t.C:
		return nil
	}
}

func queueDelay(now, accepted time.Time) time.Duration {
	if accepted.IsZero() {
		return 0
	}
	if d := now.Sub(accepted); d > 0 {
		return d
	}
	return 0
}

// backoffDelayWithHint picks the retry delay, honoring an explicit
// Retry-After hint when the error carries one.
func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err == nil || !errors.As(err, &ra) {
		return backoffDelay(opt, retry, rng)
	}

	limit := opt.RetryMaxDelay
	if limit <= 0 {
		limit = 15 * time.Second
	}
	d := ra.RetryAfter()
	if d < 0 {
		d = 0
	}
	if d > limit {
		d = limit
	}
	// Jitter applies on top of the hint too; identical delays across
	// callers would synchronize the retry wave.
	return clampDelay(jitterDelay(d, opt.RetryJitter, rng), limit)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	limit := opt.RetryMaxDelay
	if limit <= 0 {
		limit = 15 * time.Second
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > limit {
			d = limit
			break
		}
	}
	return clampDelay(jitterDelay(d, opt.RetryJitter, rng), limit)
}

// jitterDelay spreads d by ±frac (default 20%).
func jitterDelay(d time.Duration, frac float64, rng *rand.Rand) time.Duration {
	if frac <= 0 {
		frac = 0.2
	}
	if d <= 0 || rng == nil {
		return d
	}
	j := time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*frac))
	if j < 0 {
		return 0
	}
	return j
}

func clampDelay(d, limit time.Duration) time.Duration {
	if d > limit {
		return limit
	}
	return d
}
