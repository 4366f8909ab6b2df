// Package storage is the SQLite persistence layer.
//
// It holds:
//   - Users and their monitoring state (date range, active flag)
//   - Service subscriptions (unique per user/service/office)
//   - Appointment availability log (raw API payloads, pruned nightly)
//   - Booking audit trail (terminal outcomes of booking sessions)
//   - Notifier dedup state (to survive restarts)
package storage
