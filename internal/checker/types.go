package checker

import (
	"context"
	"time"

	"terminbot/internal/eventbus"
	"terminbot/internal/muenchen"
	"terminbot/internal/storage"
	kit "terminbot/internal/transport"
)

// DefaultInterval is the cycle period when none is configured.
const DefaultInterval = 2 * time.Minute

const (
	minInterval = 5 * time.Second
	maxInterval = 10 * time.Minute

	// DefaultRangeDays is the search window substituted for subscribers
	// who never ran /setdates.
	DefaultRangeDays = 60

	// maxNotifyDays bounds how many days one notification lists;
	// maxNotifyTimes bounds the slot times shown per day.
	maxNotifyDays  = 5
	maxNotifyTimes = 5
)

// Config controls the check cycle.
type Config struct {
	// Interval is the cycle period, clamped to [5s, 10m].
	Interval time.Duration
}

func normalizeInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultInterval
	case d < minInterval:
		return minInterval
	case d > maxInterval:
		return maxInterval
	}
	return d
}

// Store is the persistence surface one cycle reads and writes.
// *storage.Store satisfies it.
type Store interface {
	ListActiveSubscriptions(ctx context.Context) ([]storage.ActiveSubscription, error)
	LogAppointments(ctx context.Context, serviceID, officeID int64, dataJSON string) error
}

// Availability is the slice of the API client the cycle needs.
type Availability interface {
	Query(ctx context.Context, q muenchen.AvailabilityQuery) ([]muenchen.DayAvailability, error)
}

// TokenSource mirrors token.Provider.
type TokenSource interface {
	EnsureFresh(ctx context.Context) (string, error)
	Invalidate()
}

// Suppression mirrors queue.Manager: it answers whether a user is in the
// middle of a booking flow and must not be pinged.
type Suppression interface {
	IsActive(userID int64) bool
}

// Sender is the outbound notification pipeline.
type Sender interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// HealthSink receives the aggregate result of each cycle.
type HealthSink interface {
	Record(ctx context.Context, ok bool, detail string)
}

// NameResolver turns ids into display names. *muenchen.CatalogCache
// satisfies it.
type NameResolver interface {
	ServiceName(id int64) string
	OfficeName(id int64) string
}

// Deps are the collaborators a cycle touches. Names and Bus are
// optional; everything else must be set.
type Deps struct {
	Store  Store
	API    Availability
	Tokens TokenSource
	Queue  Suppression
	Notify Sender
	Health HealthSink
	Names  NameResolver
	Bus    eventbus.Bus
}

// Stats are the lifetime cycle counters behind /stats.
type Stats struct {
	StartedAt         time.Time `json:"started_at"`
	TotalChecks       uint64    `json:"total_checks"`
	SuccessfulChecks  uint64    `json:"successful_checks"`
	FailedChecks      uint64    `json:"failed_checks"`
	AppointmentsFound uint64    `json:"appointments_found"`
	NotificationsSent uint64    `json:"notifications_sent"`
	LastCheckAt       time.Time `json:"last_check_at,omitempty"`
	LastSuccessAt     time.Time `json:"last_success_at,omitempty"`
}

// CycleEvent is published on the event bus after every cycle.
type CycleEvent struct {
	At       time.Time `json:"at"`
	Duration string    `json:"duration"`
	Groups   int       `json:"groups"`
	Failed   int       `json:"failed_groups"`
	Hits     int       `json:"availability_hits"`
	Notified int       `json:"notified"`
	Error    string    `json:"error,omitempty"`
}
