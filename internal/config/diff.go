package config

import (
	"reflect"
	"sort"
	"strings"

	logx "terminbot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (telegram token) are never
// included, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.AdminChat) != strings.TrimSpace(newCfg.Telegram.AdminChat) ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.admin_chat_set", strings.TrimSpace(newCfg.Telegram.AdminChat) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.String("api.base_url", strings.TrimSpace(newCfg.API.BaseURL)),
			logx.Int("api.rate_per_sec", newCfg.API.RatePerSec),
			logx.String("api.request_timeout", strings.TrimSpace(newCfg.API.RequestTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Token, newCfg.Token) {
		changed = append(changed, "token")
		attrs = append(attrs,
			logx.String("token.refresh_margin", strings.TrimSpace(newCfg.Token.RefreshMargin)),
			logx.String("token.solve_budget", strings.TrimSpace(newCfg.Token.SolveBudget)),
			logx.Int("token.solver_workers", newCfg.Token.SolverWorkers),
		)
	}

	if oldCfg.Checker != newCfg.Checker {
		changed = append(changed, "checker")
		attrs = append(attrs, logx.String("checker.interval", strings.TrimSpace(newCfg.Checker.Interval)))
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs, logx.String("queue.timeout", strings.TrimSpace(newCfg.Queue.Timeout)))
	}

	if oldCfg.Booking != newCfg.Booking {
		changed = append(changed, "booking")
		attrs = append(attrs,
			logx.String("booking.session_timeout", strings.TrimSpace(newCfg.Booking.SessionTimeout)),
			logx.String("booking.conflict_policy", strings.TrimSpace(newCfg.Booking.ConflictPolicy)),
		)
	}

	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs = append(attrs, logx.Int("health.failure_threshold", newCfg.Health.FailureThreshold))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	oEng := derefEngine(oldCfg.Engine)
	nEng := derefEngine(newCfg.Engine)
	if (oldCfg.Engine != nil) != (newCfg.Engine != nil) || oEng != nEng {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", nEng.Workers),
			logx.Int("engine.queue_size", nEng.QueueSize),
			logx.String("engine.default_timeout", strings.TrimSpace(nEng.DefaultTimeout)),
			logx.Int("engine.retry_max", nEng.RetryMax),
		)
	}

	oNot := derefNotifier(oldCfg.Notifier)
	nNot := derefNotifier(newCfg.Notifier)
	if (oldCfg.Notifier != nil) != (newCfg.Notifier != nil) || oNot != nNot {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.workers", nNot.Workers),
			logx.Int("notifier.queue_size", nNot.QueueSize),
			logx.Int("notifier.rate_per_sec", nNot.RatePerSec),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	oMnt := derefMaintenance(oldCfg.Maintenance)
	nMnt := derefMaintenance(newCfg.Maintenance)
	if (oldCfg.Maintenance != nil) != (newCfg.Maintenance != nil) || oMnt != nMnt {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.prune_cron", strings.TrimSpace(nMnt.PruneCron)),
			logx.String("maintenance.log_retention", strings.TrimSpace(nMnt.LogRetention)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefEngine(e *EngineConfig) EngineConfig {
	if e == nil {
		return EngineConfig{}
	}
	return *e
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func derefMaintenance(m *MaintenanceConfig) MaintenanceConfig {
	if m == nil {
		return MaintenanceConfig{}
	}
	return *m
}
