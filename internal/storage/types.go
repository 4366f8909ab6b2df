package storage

import "time"

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// User is a Telegram user known to the bot.
//
// StartDate/EndDate are "YYYY-MM-DD" strings; empty means the user has
// not set a search window and the check cycle substitutes its default.
type User struct {
	ID        int64
	Username  string
	Language  string
	StartDate string
	EndDate   string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subscription is one (user, service, office) watch.
type Subscription struct {
	UserID       int64
	ServiceID    int64
	OfficeID     int64
	SubscribedAt time.Time
}

// ActiveSubscription is a subscription joined with the owning user's
// search window, restricted to active users. This is the row shape the
// check cycle consumes.
type ActiveSubscription struct {
	UserID    int64
	ServiceID int64
	OfficeID  int64
	StartDate string
	EndDate   string
}

// BookingAuditEntry records the terminal outcome of a booking stage.
// Keep it compact and schema-stable.
type BookingAuditEntry struct {
	At        time.Time
	UserID    int64
	ServiceID int64
	OfficeID  int64
	SlotAt    time.Time // zero if the session never picked a slot
	Stage     string    // "reserve" | "update" | "preconfirm" | "session"
	Outcome   string    // "ok" | "conflict" | "error" | "cancelled" | "timeout"
	Detail    string
}

// Counts is a small aggregate for /stats.
type Counts struct {
	Users         int64
	ActiveUsers   int64
	Subscriptions int64
}
