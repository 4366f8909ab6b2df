package app

import (
	"context"
	"time"

	"terminbot/internal/config"
	"terminbot/internal/task/engine"
	"terminbot/internal/task/scheduler"
	logx "terminbot/pkg/logx"
)

// Scheduler entry names. Renaming one breaks the Remove call on reload,
// so they live here rather than inline.
const (
	schedCheckCycle   = "check.cycle"
	schedBookingSweep = "booking.sweep"
	schedCatalogSync  = "catalog.refresh"
	schedStoragePrune = "storage.prune"
)

const (
	bookingSweepEvery   = 30 * time.Second
	bookingSweepTimeout = 15 * time.Second
	catalogRefreshCron  = "30 3 * * *"
	catalogSyncTimeout  = 2 * time.Minute
	storagePruneTimeout = time.Minute
)

// registerSchedules installs all periodic work. Called once at startup;
// check.cycle and storage.prune are re-registered on config reload.
func (a *App) registerSchedules(cfg *config.Config) error {
	if err := a.registerCheckCycle(a.checker.Interval()); err != nil {
		return err
	}

	if err := a.sched.AddIntervalOpt(schedBookingSweep, bookingSweepEvery, bookingSweepTimeout,
		scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning, CircuitTripFailures: -1},
		func(ctx context.Context) error {
			if n := a.booking.SweepExpired(ctx); n > 0 {
				a.log.Debug("expired booking sessions swept", logx.Int("count", n))
			}
			return nil
		}); err != nil {
		return err
	}

	if err := a.sched.AddCronOpt(schedCatalogSync, catalogRefreshCron, catalogSyncTimeout,
		scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning},
		func(ctx context.Context) error {
			return a.catalog.Refresh(ctx)
		}); err != nil {
		return err
	}

	maint, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return err
	}
	return a.registerStoragePrune(maint)
}

// registerCheckCycle (re)installs the availability check at the given
// interval. Cycle failures are accounted by the health monitor, so the
// task runs with retries and the circuit breaker disabled: a broken API
// must keep producing Record(false) calls instead of going quiet.
func (a *App) registerCheckCycle(interval time.Duration) error {
	a.sched.Remove(schedCheckCycle)

	timeout := 2 * interval
	if timeout < 2*time.Minute {
		timeout = 2 * time.Minute
	}
	return a.sched.AddIntervalOpt(schedCheckCycle, interval, timeout,
		scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning, CircuitTripFailures: -1},
		func(ctx context.Context) error {
			if err := a.checker.RunCycle(ctx); err != nil {
				return engine.NoRetry(err)
			}
			return nil
		})
}

func (a *App) registerStoragePrune(set maintenanceSettings) error {
	a.sched.Remove(schedStoragePrune)

	retention := set.LogRetention
	return a.sched.AddCronOpt(schedStoragePrune, set.PruneCron, storagePruneTimeout,
		scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning},
		func(ctx context.Context) error {
			cutoff := time.Now().Add(-retention)
			n, err := a.store.PruneAppointmentLog(ctx, cutoff)
			if err != nil {
				return err
			}
			if n > 0 {
				a.log.Info("appointment log pruned",
					logx.Int64("rows", n),
					logx.Time("cutoff", cutoff))
			}
			if dn, err := a.store.PruneExpiredDedup(ctx); err != nil {
				a.log.Warn("dedup prune failed", logx.Err(err))
			} else if dn > 0 {
				a.log.Debug("dedup windows pruned", logx.Int64("rows", dn))
			}
			return nil
		})
}
