package booking

import (
	"context"
	"fmt"
	"time"

	"terminbot/internal/eventbus"
	"terminbot/internal/muenchen"
	"terminbot/internal/storage"
	kit "terminbot/internal/transport"
)

// State names a stage of the booking conversation.
type State string

const (
	StateSelectingTime State = "selecting_time"
	StateAskingName    State = "asking_name"
	StateAskingEmail   State = "asking_email"
	StateConfirming    State = "confirming"

	// Terminal states. A session in one of these no longer exists in
	// the session map; they appear only in audit rows and events.
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// transitions is the authoritative table of legal state changes. Every
// state mutation goes through session.transition, so an impossible hop
// (confirming a booking twice, entering an email before a name) is
// structurally unreachable rather than guarded ad hoc. Terminal states
// have no outgoing edges.
var transitions = map[State][]State{
	StateSelectingTime: {StateAskingName, StateCancelled, StateFailed},
	StateAskingName:    {StateAskingEmail, StateCancelled, StateFailed},
	StateAskingEmail:   {StateConfirming, StateCancelled, StateFailed},
	// Confirming may fall back to slot selection when the conflict
	// policy is "reselect" and the chosen slot was taken.
	StateConfirming: {StateCompleted, StateSelectingTime, StateCancelled, StateFailed},
}

func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Conflict policies for a reserve call losing the race for a slot.
const (
	ConflictTerminate = "terminate"
	ConflictReselect  = "reselect"
)

// Audit stages and outcomes, matching what the audit log stores.
const (
	StageSession    = "session"
	StageReserve    = "reserve"
	StageUpdate     = "update"
	StagePreconfirm = "preconfirm"
)

const (
	OutcomeOK        = "ok"
	OutcomeConflict  = "conflict"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeTimeout   = "timeout"
)

const (
	// DefaultSessionTimeout ends sessions idle for this long.
	DefaultSessionTimeout = 10 * time.Minute

	// SweepInterval is how often expired sessions are collected.
	SweepInterval = 30 * time.Second

	// maxSlotButtons caps the keyboard offered for a day.
	maxSlotButtons = 10
)

// Config tunes the booking service. The zero value gets defaults.
type Config struct {
	SessionTimeout time.Duration
	ConflictPolicy string
}

func (c Config) normalized() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.ConflictPolicy != ConflictReselect {
		c.ConflictPolicy = ConflictTerminate
	}
	return c
}

// API is the slice of the appointment client the transaction needs.
type API interface {
	AvailableSlots(ctx context.Context, date string, officeID, serviceID int64, token string) ([]time.Time, error)
	Reserve(ctx context.Context, req muenchen.ReserveRequest) (muenchen.Reservation, error)
	Update(ctx context.Context, appt muenchen.Appointment) error
	Preconfirm(ctx context.Context, appt muenchen.Appointment) error
}

// TokenSource supplies a fresh captcha token on demand.
type TokenSource interface {
	EnsureFresh(ctx context.Context) (string, error)
	Invalidate()
}

// Gate suppresses availability notifications for users mid-booking.
type Gate interface {
	Add(userID int64)
	Remove(userID int64)
}

// AuditStore records one row per terminal session outcome.
type AuditStore interface {
	AppendBookingAudit(ctx context.Context, e storage.BookingAuditEntry) error
}

// Sender delivers out-of-band notices, such as timeout expiries. The
// interactive replies themselves travel back through return values.
type Sender interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// NameResolver turns service and office ids into display names.
type NameResolver interface {
	ServiceName(id int64) string
	OfficeName(id int64) string
}

// SessionEvent is the payload published when a session starts or ends.
type SessionEvent struct {
	UserID    int64  `json:"user_id"`
	ServiceID int64  `json:"service_id"`
	OfficeID  int64  `json:"office_id"`
	Date      string `json:"date"`
	State     string `json:"state"`
	Stage     string `json:"stage,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Deps collects the collaborators. API, Tokens and Queue are required;
// the rest degrade gracefully when nil.
type Deps struct {
	API    API
	Tokens TokenSource
	Queue  Gate
	Store  AuditStore
	Notify Sender
	Names  NameResolver
	Bus    eventbus.Bus
}

// session is one user's conversation. Mutable fields are guarded by
// the service mutex; identity fields are fixed at creation.
type session struct {
	userID    int64
	chatID    int64
	serviceID int64
	officeID  int64
	date      string

	state        State
	slots        []time.Time
	slot         time.Time
	name         string
	email        string
	startedAt    time.Time
	lastActiveAt time.Time

	// reservation holds the process credentials between reserve and
	// preconfirm. Cleared on finalize; it never outlives the session.
	reservation *muenchen.Reservation

	// inFlight marks the external transaction as running; sweeps and
	// cancels keep their hands off such a session.
	inFlight  bool
	finalized bool
}

func (s *session) transition(to State) error {
	if !canTransition(s.state, to) {
		return fmt.Errorf("booking: illegal transition %s -> %s", s.state, to)
	}
	s.state = to
	return nil
}

// sessionData is an immutable copy handed to the transaction goroutine
// so it can work without holding the service mutex.
type sessionData struct {
	userID    int64
	chatID    int64
	serviceID int64
	officeID  int64
	date      string
	slot      time.Time
	name      string
	email     string
}

func (s *session) data() sessionData {
	return sessionData{
		userID:    s.userID,
		chatID:    s.chatID,
		serviceID: s.serviceID,
		officeID:  s.officeID,
		date:      s.date,
		slot:      s.slot,
		name:      s.name,
		email:     s.email,
	}
}
