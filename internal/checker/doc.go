// Package checker runs the periodic availability cycle: load active
// subscriptions, group them by (service, office) so one API query serves
// every watcher of that pair, intersect returned days with each
// subscriber's date range, and hand surviving matches to the notifier.
//
// Cycles are registered with the scheduler under skip-if-running, so at
// most one cycle touches the external API at a time. Per-group failures
// are contained: one office erroring does not stop the others, and only
// a cycle where nothing succeeded (or the token could not be derived)
// counts as a failure toward the health monitor.
package checker
