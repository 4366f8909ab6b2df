package bot

import (
	"context"
	"time"

	"terminbot/internal/checker"
	"terminbot/internal/health"
	"terminbot/internal/muenchen"
	"terminbot/internal/runtime/supervisor"
	"terminbot/internal/storage"
	"terminbot/internal/task/scheduler"
	kit "terminbot/internal/transport"
	logx "terminbot/pkg/logx"
	"terminbot/pkg/tgui"
)

// Access controls who may invoke a command.
type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

// Command is one registered slash command.
type Command struct {
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackAccess controls who can trigger an inline-button callback.
// The default is everyone: this bot's buttons act on the tapping
// user's own data, never on shared state.
type CallbackAccess int

const (
	CallbackAccessEveryone CallbackAccess = iota
	CallbackAccessOwnerOnly
)

// CallbackRoute dispatches "scope:action:payload" callback data.
type CallbackRoute struct {
	Scope       string
	Action      string
	Description string
	Access      CallbackAccess
	Timeout     time.Duration
	Handle      CallbackHandlerFunc
}

// Request is the per-dispatch context handed to handlers.
type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	Payload      string
	ReqID        string

	Adapter  kit.Adapter
	Logger   logx.Logger
	Services *Services
	Owners   []int64
}

// StorePort is the slice of persistence the command handlers touch.
type StorePort interface {
	UpsertUser(ctx context.Context, id int64, username string) error
	GetUser(ctx context.Context, id int64) (storage.User, bool, error)
	SetUserActive(ctx context.Context, id int64, active bool) error
	SetUserDateRange(ctx context.Context, id int64, start, end string) error
	AddSubscription(ctx context.Context, userID, serviceID, officeID int64) (bool, error)
	RemoveSubscription(ctx context.Context, userID, serviceID, officeID int64) (bool, error)
	ClearSubscriptions(ctx context.Context, userID int64) (int64, error)
	ListUserSubscriptions(ctx context.Context, userID int64) ([]storage.Subscription, error)
	Counts(ctx context.Context) (storage.Counts, error)
}

// CheckerPort exposes the availability cycle to /status, /stats and
// the owner's /checknow.
type CheckerPort interface {
	RunCycle(ctx context.Context) error
	Stats() checker.Stats
	Interval() time.Duration
}

// BookingPort is the interactive reservation conversation.
type BookingPort interface {
	Active(userID int64) bool
	ActiveCount() int
	StartFromDay(ctx context.Context, userID, chatID int64, date string, officeID, serviceID int64) tgui.Message
	ChooseSlot(ctx context.Context, userID, slotUnix int64) tgui.Message
	Input(ctx context.Context, userID int64, text string) (tgui.Message, bool)
	Confirm(ctx context.Context, userID int64) tgui.Message
	Cancel(ctx context.Context, userID int64) (tgui.Message, bool)
	Interrupt(ctx context.Context, userID int64) bool
}

// CatalogPort serves the service/office picker.
type CatalogPort interface {
	Get() (*muenchen.Catalog, bool)
	FetchedAt() time.Time
	Refresh(ctx context.Context) error
}

// HealthPort feeds the owner /health view.
type HealthPort interface {
	Snapshot() health.State
}

// SchedulerPort feeds the owner /health view with trigger diagnostics.
type SchedulerPort interface {
	Snapshot() scheduler.Snapshot
}

// QueuePort reports booking suppression for diagnostics.
type QueuePort interface {
	Len() int
}

// TokenPort reports captcha token freshness for diagnostics.
type TokenPort interface {
	Age() (time.Duration, bool)
}

// SupervisorPort feeds the owner /health view with supervised-loop
// stats (restarts, panics, last failures).
type SupervisorPort interface {
	Report() supervisor.Report
}

// Services bundles the collaborators handlers reach through Request.
// Fields may be nil in minimal setups; handlers that need one check.
type Services struct {
	Store      StorePort
	Checker    CheckerPort
	Booking    BookingPort
	Catalog    CatalogPort
	Health     HealthPort
	Scheduler  SchedulerPort
	Queue      QueuePort
	Tokens     TokenPort
	Supervisor SupervisorPort
}
