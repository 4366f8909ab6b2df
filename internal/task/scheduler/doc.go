// Package scheduler registers cron and interval triggers and enqueues the
// resulting work into the task engine. It never executes jobs itself:
// timeouts, retries, overlap gating and the circuit breaker all live in
// internal/task/engine.
package scheduler
