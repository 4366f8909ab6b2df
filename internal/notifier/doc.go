// Package notifier delivers outbound messages asynchronously: a bounded
// queue feeding a small worker pool behind a shared token-bucket rate
// limit.
//
// # Delivery contract
//
// Every message gets exactly one attempt. A permanent failure (the
// recipient can no longer be messaged) is reported through the
// recipient-gone callback so subscriptions can be cleaned up; a
// transient failure is dropped, because the next check cycle re-notifies
// if the slots are still open. Retrying here would only delay fresher
// information.
//
// # Dedup
//
// Operator alerts are deduplicated within a configurable window,
// optionally persisted so a restart doesn't re-alert. User-facing
// notifications are never deduplicated; suppression for users who are
// busy booking happens upstream in the checker.
package notifier
