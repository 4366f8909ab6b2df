package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"terminbot/internal/booking"
	"terminbot/internal/checker"
	"terminbot/internal/config"
	"terminbot/internal/muenchen"
	"terminbot/internal/notifier"
	"terminbot/internal/queue"
	"terminbot/internal/storage"
	"terminbot/internal/task/engine"
	"terminbot/internal/token"
	tgadapter "terminbot/internal/transport/telegram/adapter"
	logx "terminbot/pkg/logx"
)

// Defaults for sections the config file may omit entirely.
const (
	defaultStoragePath  = "terminbot.db"
	defaultPruneCron    = "15 4 * * *"
	defaultLogRetention = 30 * 24 * time.Hour
)

// The map* functions translate raw config sections into component configs.
// They double as the reload validator: any error here rejects the whole
// config file before a single component sees it.

func mapTelegramConfig(cfg *config.Config) (tgadapter.Config, error) {
	poll, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		return tgadapter.Config{}, err
	}
	return tgadapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
	}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapAPIConfig(cfg *config.Config) (muenchen.Config, error) {
	if cfg.API.RatePerSec < 0 {
		return muenchen.Config{}, fmt.Errorf("api.rate_per_sec: must be >= 0")
	}
	timeout, err := config.ParseDurationField("api.request_timeout", cfg.API.RequestTimeout)
	if err != nil {
		return muenchen.Config{}, err
	}
	return muenchen.Config{
		BaseURL:        cfg.API.BaseURL,
		RatePerSec:     float64(cfg.API.RatePerSec),
		RequestTimeout: timeout,
	}, nil
}

func mapTokenConfig(cfg *config.Config) (token.Config, error) {
	margin, err := config.ParseDurationField("token.refresh_margin", cfg.Token.RefreshMargin)
	if err != nil {
		return token.Config{}, err
	}
	budget, err := config.ParseDurationField("token.solve_budget", cfg.Token.SolveBudget)
	if err != nil {
		return token.Config{}, err
	}
	if cfg.Token.SolverWorkers < 0 {
		return token.Config{}, fmt.Errorf("token.solver_workers: must be >= 0")
	}
	return token.Config{
		RefreshMargin: margin,
		SolveBudget:   budget,
		SolverWorkers: cfg.Token.SolverWorkers,
	}, nil
}

func mapCheckerConfig(cfg *config.Config) (checker.Config, error) {
	interval, err := config.ParseDurationField("checker.interval", cfg.Checker.Interval)
	if err != nil {
		return checker.Config{}, err
	}
	return checker.Config{Interval: interval}, nil
}

func mapQueueTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("queue.timeout", cfg.Queue.Timeout, queue.DefaultTimeout)
}

func mapBookingConfig(cfg *config.Config) (booking.Config, error) {
	timeout, err := config.ParseDurationField("booking.session_timeout", cfg.Booking.SessionTimeout)
	if err != nil {
		return booking.Config{}, err
	}
	switch cfg.Booking.ConflictPolicy {
	case "", booking.ConflictTerminate, booking.ConflictReselect:
	default:
		return booking.Config{}, fmt.Errorf("booking.conflict_policy: unknown policy %q", cfg.Booking.ConflictPolicy)
	}
	return booking.Config{
		SessionTimeout: timeout,
		ConflictPolicy: cfg.Booking.ConflictPolicy,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	e := cfg.Engine
	if e == nil {
		return engine.Config{}, nil
	}
	if e.Workers < 0 {
		return engine.Config{}, fmt.Errorf("engine.workers: must be >= 0")
	}
	if e.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("engine.queue_size: must be >= 0")
	}
	if e.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("engine.history_size: must be >= 0")
	}
	if e.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("engine.retry_max: must be >= 0")
	}
	defTimeout, err := config.ParseDurationField("engine.default_timeout", e.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("engine.max_queue_delay", e.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        e.Workers,
		QueueSize:      e.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    e.HistorySize,
		RetryMax:       e.RetryMax,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	if n.Workers < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.workers: must be >= 0")
	}
	if n.QueueSize < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.queue_size: must be >= 0")
	}
	if n.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec: must be >= 0")
	}
	if n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.dedup_max_entries: must be >= 0")
	}
	window, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = defaultStoragePath
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

// maintenanceSettings is the resolved maintenance section: both fields
// always carry a usable value.
type maintenanceSettings struct {
	PruneCron    string
	LogRetention time.Duration
}

func mapMaintenanceConfig(cfg *config.Config) (maintenanceSettings, error) {
	s := maintenanceSettings{
		PruneCron:    defaultPruneCron,
		LogRetention: defaultLogRetention,
	}
	m := cfg.Maintenance
	if m == nil {
		return s, nil
	}
	if spec := strings.TrimSpace(m.PruneCron); spec != "" {
		s.PruneCron = spec
	}
	ret, err := config.ParseDurationField("maintenance.log_retention", m.LogRetention)
	if err != nil {
		return maintenanceSettings{}, err
	}
	if ret > 0 {
		s.LogRetention = ret
	}
	return s, nil
}

// parseChatID parses a Telegram chat id from config. Group and channel ids
// are negative, so a plain signed parse covers every form we accept.
func parseChatID(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
