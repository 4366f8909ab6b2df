package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped     = errors.New("engine stopped")
	ErrStopping    = errors.New("engine shutting down")
	ErrQueueFull   = errors.New("run queue full")
	ErrOverlapSkip = errors.New("skipped: previous run still active")
	ErrCircuitOpen = errors.New("skipped: circuit open")
)

// NoRetry marks a failure as permanent so the engine reports it without
// burning retry attempts. Use it for validation errors and anything else
// another attempt cannot fix:
//
//	return engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return terminalError{cause: err}
}

type terminalError struct{ cause error }

func (e terminalError) Error() string { return "not retryable: " + e.cause.Error() }
func (e terminalError) Unwrap() error { return e.cause }

// RetryAfter attaches a suggested delay to a failure, typically from an
// HTTP 429 Retry-After header. The engine honors the hint instead of its
// exponential backoff, bounded by RetryMaxDelay and still jittered.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return pacedRetryError{cause: err, delay: after}
}

// RetryAfterError is implemented by errors carrying an explicit retry
// delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type pacedRetryError struct {
	cause error
	delay time.Duration
}

func (e pacedRetryError) Error() string             { return fmt.Sprintf("retry in %s: %v", e.delay, e.cause) }
func (e pacedRetryError) Unwrap() error             { return e.cause }
func (e pacedRetryError) RetryAfter() time.Duration { return e.delay }
