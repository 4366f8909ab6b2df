package config

// Config is the whole bot configuration, decoded strictly
// (DisallowUnknownFields) from one JSON or YAML file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "2m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// API points the client at the appointment service.
	API APIConfig `json:"api"`

	Token   TokenConfig   `json:"token"`
	Checker CheckerConfig `json:"checker"`
	Queue   QueueConfig   `json:"queue"`
	Booking BookingConfig `json:"booking"`
	Health  HealthConfig  `json:"health"`

	// Scheduler controls trigger behavior (cron/interval timezone).
	Scheduler SchedulerConfig `json:"scheduler"`

	// Engine controls execution settings for scheduled tasks.
	Engine *EngineConfig `json:"engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Storage StorageConfig `json:"storage"`

	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// AdminChat receives operator alerts and forwarded log lines.
	// String because chat ids can be negative ("-100...") and YAML users
	// tend to quote them inconsistently.
	AdminChat string `json:"admin_chat"`
	// PollTimeout is the long-poll timeout (Go duration string).
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// APIConfig configures the appointment-service HTTP client.
//
// Defaults (when fields are omitted/zero):
//   - base_url: the public Munich citizen API
//   - rate_per_sec: 2
//   - request_timeout: "30s"
type APIConfig struct {
	BaseURL        string `json:"base_url,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
}

// TokenConfig controls the proof-of-work token lifecycle.
//
// Defaults:
//   - refresh_margin: "4m30s" (tokens are valid for ~5m)
//   - solve_budget: "10s"
//   - solver_workers: 2
type TokenConfig struct {
	RefreshMargin string `json:"refresh_margin,omitempty"`
	SolveBudget   string `json:"solve_budget,omitempty"`
	SolverWorkers int    `json:"solver_workers,omitempty"`
}

// CheckerConfig controls the availability check cycle.
//
// Interval defaults to "2m" and is clamped to [5s, 10m].
type CheckerConfig struct {
	Interval string `json:"interval,omitempty"`
}

// QueueConfig controls notification suppression for users who are busy
// booking. Timeout defaults to "10m".
type QueueConfig struct {
	Timeout string `json:"timeout,omitempty"`
}

// BookingConfig controls interactive booking sessions.
//
// ConflictPolicy decides what happens when the reserve step reports the
// slot already taken: "terminate" (default) fails the session,
// "reselect" returns the user to slot selection with refreshed data.
type BookingConfig struct {
	SessionTimeout string `json:"session_timeout,omitempty"`
	ConflictPolicy string `json:"conflict_policy,omitempty"`
}

// HealthConfig controls operator alerting on consecutive check failures.
type HealthConfig struct {
	FailureThreshold int `json:"failure_threshold,omitempty"`
}

// SchedulerConfig controls trigger timing. Timezone matters for the
// nightly cron jobs; default is the host timezone.
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// EngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type EngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout bounds task runtime. "0s" disables the global default.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks queued longer than this. "0s" disables.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// NotifierConfig controls the async notification pipeline. If the whole
// section is omitted the notifier runs with defaults.
type NotifierConfig struct {
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// StorageConfig controls the persistence layer (subscriptions, users,
// appointment log, booking audit).
//
// Example:
//
//	"storage": { "path": "./terminbot.db" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// MaintenanceConfig controls the nightly cleanup job.
//
// Defaults:
//   - prune_cron: "15 4 * * *"
//   - log_retention: "720h" (30 days)
type MaintenanceConfig struct {
	PruneCron    string `json:"prune_cron,omitempty"`
	LogRetention string `json:"log_retention,omitempty"`
}
