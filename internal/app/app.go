// Package app wires the subsystems together and owns the process
// lifecycle: construction order, startup, config reload fan-out, and
// bounded shutdown.
package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"terminbot/internal/booking"
	"terminbot/internal/bot"
	"terminbot/internal/checker"
	"terminbot/internal/config"
	"terminbot/internal/eventbus"
	"terminbot/internal/health"
	"terminbot/internal/muenchen"
	"terminbot/internal/notifier"
	"terminbot/internal/queue"
	rtsup "terminbot/internal/runtime/supervisor"
	"terminbot/internal/storage"
	"terminbot/internal/task/engine"
	"terminbot/internal/task/scheduler"
	"terminbot/internal/token"
	kit "terminbot/internal/transport"
	tgadapter "terminbot/internal/transport/telegram/adapter"
	logx "terminbot/pkg/logx"
)

const updateBuffer = 256

// App owns every long-lived component. Fields are assigned once in
// NewApp and never reassigned afterwards, so they can be read without
// locks; sup is the one exception and is set in Start.
type App struct {
	cfgm *config.Manager

	sup  *rtsup.Supervisor
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.Store
	adapter *tgadapter.Adapter
	client  *muenchen.Client
	catalog *muenchen.CatalogCache
	tokens  *token.Provider
	gate    *queue.Manager
	monitor *health.Monitor

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service

	checker *checker.Service
	booking *booking.Service
	router  *bot.Router

	updates chan kit.Update
}

// NewApp loads the config file and builds the full component graph.
// Nothing runs yet; Start launches the goroutines.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Mapping is pure, so every section is resolved before any network
	// or filesystem resource comes up. Reloads rerun the same checks
	// through the validator.
	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	tokCfg, err := mapTokenConfig(cfg)
	if err != nil {
		return nil, err
	}
	queueTimeout, err := mapQueueTimeout(cfg)
	if err != nil {
		return nil, err
	}
	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifCfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	chkCfg, err := mapCheckerConfig(cfg)
	if err != nil {
		return nil, err
	}
	bookCfg, err := mapBookingConfig(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		return nil, err
	}

	// The Telegram adapter doubles as the log sink for the operator
	// chat, so it is built first, with a plain console logger.
	bootLog := logx.NewConsole(cfg.Logging.Level)
	adapter, err := tgadapter.New(tgCfg, bootLog.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	// Chat forwarding stays masked until the operator chat is known,
	// otherwise the first Apply warns about a missing target.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logs, log := logx.New(bootCfg, adapter)
	if chatID, ok := parseChatID(cfg.Telegram.AdminChat); ok {
		logs.SetOperatorChat(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logs.Apply(logCfg)

	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	client := muenchen.New(apiCfg, log.With(logx.String("comp", "api")))
	catalog := muenchen.NewCatalogCache(client, log.With(logx.String("comp", "catalog")))
	tokens := token.NewProvider(client, tokCfg, log.With(logx.String("comp", "token")))
	gate := queue.New(queueTimeout)

	eng := engine.New(engCfg, log.With(logx.String("comp", "engine")), bus)
	sched := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone},
		eng, log.With(logx.String("comp", "scheduler")))
	notif := notifier.New(notifCfg, adapter, log.With(logx.String("comp", "notifier")), bus, store)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		adapter: adapter,
		client:  client,
		catalog: catalog,
		tokens:  tokens,
		gate:    gate,
		engine:  eng,
		sched:   sched,
		notif:   notif,
		updates: make(chan kit.Update, updateBuffer),
	}

	a.monitor = health.New(cfg.Health.FailureThreshold, a.healthAlert,
		log.With(logx.String("comp", "health")))

	a.checker = checker.New(chkCfg, checker.Deps{
		Store:  store,
		API:    client,
		Tokens: tokens,
		Queue:  gate,
		Notify: notif,
		Health: a.monitor,
		Names:  catalog,
		Bus:    bus,
	}, log.With(logx.String("comp", "checker")))

	a.booking = booking.New(bookCfg, booking.Deps{
		API:    client,
		Tokens: tokens,
		Queue:  gate,
		Store:  store,
		Notify: notif,
		Names:  catalog,
		Bus:    bus,
	}, log.With(logx.String("comp", "booking")))

	serv := &bot.Services{
		Store:      store,
		Checker:    a.checker,
		Booking:    a.booking,
		Catalog:    catalog,
		Health:     a.monitor,
		Scheduler:  sched,
		Queue:      gate,
		Tokens:     tokens,
		Supervisor: a,
	}
	a.router = bot.NewRouter(log.With(logx.String("comp", "bot")), adapter, serv,
		cfg.Telegram.OwnerUserIDs)

	return a, nil
}

// Start launches every component under one supervisor. The returned
// error only covers startup; runtime failures cancel the supervisor
// context, which Done exposes to the caller.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	a.cfgm.SetValidator(a.validateConfig)

	// Must be registered before the notifier workers start consuming.
	a.notif.OnRecipientGone(a.retireRecipient)

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return fmt.Errorf("start telegram adapter: %w", err)
	}
	a.notif.Start(runCtx)
	a.engine.Start(runCtx)
	a.sched.Start(runCtx)

	cmds, cbs := bot.Registry()
	a.router.SetRegistry(cmds, cbs)

	if err := a.registerSchedules(a.cfgm.Get()); err != nil {
		return fmt.Errorf("register schedules: %w", err)
	}

	// Warm the catalog so the first /subscribe does not block on the
	// API; the cron refresh takes over from here.
	a.sup.Go0("catalog.warmup", func(ctx context.Context) {
		warmCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := a.catalog.Refresh(warmCtx); err != nil {
			a.log.Warn("catalog warmup failed, next refresh is scheduled", logx.Err(err))
		}
	})

	a.startEventLog()
	a.startConfigReload()

	a.sup.Go("bot.dispatch", func(ctx context.Context) error {
		return a.router.DispatchLoop(ctx, a.updates)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// Done closes when a supervised goroutine fails and takes the app down.
// Before Start it returns nil, which never fires in a select.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first supervised goroutine failure, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Report exposes supervised-loop stats for the /health screen, folding
// the engine and notifier worker pools into one view. Empty before
// Start.
func (a *App) Report() rtsup.Report {
	rep := a.sup.Report()
	for _, r := range []rtsup.Report{a.engine.Report(), a.notif.Report()} {
		rep.Active += r.Active
		rep.Started += r.Started
		if rep.FirstErr == "" {
			rep.FirstErr = r.FirstErr
		}
		rep.Loops = append(rep.Loops, r.Loops...)
	}
	sort.Slice(rep.Loops, func(i, j int) bool { return rep.Loops[i].Name < rep.Loops[j].Name })
	return rep
}

// retireRecipient handles a chat that blocked the bot: drop its
// subscriptions and pause the user so cycles stop notifying it.
func (a *App) retireRecipient(ctx context.Context, chatID int64) {
	n, err := a.store.ClearSubscriptions(ctx, chatID)
	if err != nil {
		a.log.Error("recipient cleanup failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return
	}
	if err := a.store.SetUserActive(ctx, chatID, false); err != nil {
		a.log.Error("recipient deactivation failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return
	}
	a.log.Info("blocked recipient retired",
		logx.Int64("chat_id", chatID),
		logx.Int64("subscriptions_removed", n))
}

// healthAlert delivers monitor alerts to the operator chat, falling
// back to the first owner when no admin chat is configured.
func (a *App) healthAlert(ctx context.Context, text string) {
	target, ok := a.alertTarget()
	if !ok {
		a.log.Warn("health alert has no target", logx.String("text", text))
		return
	}
	err := a.notif.Notify(ctx, kit.Notification{
		Kind:   kit.NoticeAlert,
		Target: target,
		Text:   text,
	})
	if err != nil {
		a.log.Error("health alert delivery failed", logx.Err(err))
	}
}

func (a *App) alertTarget() (kit.ChatTarget, bool) {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return kit.ChatTarget{}, false
	}
	if id, ok := parseChatID(cfg.Telegram.AdminChat); ok {
		return kit.ChatTarget{ChatID: id}, true
	}
	if len(cfg.Telegram.OwnerUserIDs) > 0 {
		return kit.ChatTarget{ChatID: cfg.Telegram.OwnerUserIDs[0]}, true
	}
	return kit.ChatTarget{}, false
}

// validateConfig gate-keeps reloads: every mapping must succeed before
// the new config is committed and fanned out.
func (a *App) validateConfig(_ context.Context, cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token: must not be empty")
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTokenConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCheckerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapQueueTimeout(cfg); err != nil {
		return err
	}
	if _, err := mapBookingConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		return err
	}
	if cfg.Health.FailureThreshold < 0 {
		return fmt.Errorf("health.failure_threshold: must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	return nil
}

// startEventLog mirrors bus traffic into the debug log.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event",
					logx.String("type", ev.Type),
					logx.Any("data", ev.Data))
			}
		}
	})
}

// startConfigReload fans validated reloads out to the components. Bursts
// (editors tend to fire several writes per save) are coalesced so only
// the final config is applied.
func (a *App) startConfigReload() {
	ch := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(ch)
		prev := a.cfgm.Get()
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-ch:
				if !ok {
					return
				}
			DRAIN:
				select {
				case next, more := <-ch:
					if more {
						cfg = next
						goto DRAIN
					}
				default:
				}
				a.applyConfig(ctx, prev, cfg)
				prev = cfg
			}
		}
	})
}

// Sections owned by components that cannot re-dial at runtime; a change
// is honored on the next restart.
var restartSections = []string{"api", "health", "queue", "storage", "token"}

// applyConfig pushes a validated config into the components. The
// validator already ran every map function on this config, so mapping
// cannot fail here.
func (a *App) applyConfig(ctx context.Context, old, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(old, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload produced no changes")
		return
	}

	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}

	for _, s := range restartSections {
		if changed[s] {
			a.log.Warn("config section takes effect after restart", logx.String("section", s))
		}
	}

	if changed["telegram"] {
		a.router.SetOwners(cfg.Telegram.OwnerUserIDs)
		if chatID, ok := parseChatID(cfg.Telegram.AdminChat); ok {
			a.logs.SetOperatorChat(chatID, cfg.Logging.Telegram.ThreadID)
		} else {
			a.logs.SetOperatorChat(0, 0)
		}
	}
	if changed["logging"] {
		a.logs.Apply(mapLoggingConfig(cfg))
	}
	if changed["checker"] {
		chk, _ := mapCheckerConfig(cfg)
		a.checker.Apply(chk)
		if err := a.registerCheckCycle(a.checker.Interval()); err != nil {
			a.log.Error("re-register check cycle", logx.Err(err))
		}
	}
	if changed["booking"] {
		bk, _ := mapBookingConfig(cfg)
		a.booking.Apply(bk)
	}
	if changed["engine"] {
		eng, _ := mapEngineConfig(cfg)
		a.engine.Apply(ctx, eng)
	}
	if changed["scheduler"] {
		a.sched.Apply(scheduler.Config{Timezone: cfg.Scheduler.Timezone})
	}
	if changed["notifier"] {
		nc, _ := mapNotifierConfig(cfg)
		a.notif.Apply(nc)
	}
	if changed["maintenance"] {
		maint, _ := mapMaintenanceConfig(cfg)
		if err := a.registerStoragePrune(maint); err != nil {
			a.log.Error("re-register storage prune", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", attrs...)
}

// Stop shuts the components down in dependency order. Each step gets a
// slice of the remaining deadline; a hung step is abandoned and logged
// instead of blocking the rest of shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) {
	a.log.Info("app stopping", logx.String("reason", reason.String()))

	if a.sup != nil {
		a.sup.Cancel()
	}

	a.step(ctx, "scheduler", 2*time.Second, func(ctx context.Context) error {
		a.sched.Stop(ctx)
		return nil
	})
	a.step(ctx, "engine", 2*time.Second, func(ctx context.Context) error {
		a.engine.Stop(ctx)
		return nil
	})
	a.step(ctx, "notifier", 2*time.Second, func(ctx context.Context) error {
		a.notif.Stop(ctx)
		return nil
	})
	a.step(ctx, "telegram", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		return a.store.Close()
	})
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	}

	a.log.Info("app stopped")
	_ = a.logs.Close()
}

// step runs one shutdown action under its own budget, clipped to the
// outer deadline. A step that overruns is left to finish in the
// background; its completion is still logged.
func (a *App) step(ctx context.Context, name string, budget time.Duration, fn func(context.Context) error) {
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < budget {
			budget = rem
		}
	}
	if budget <= 0 {
		a.log.Warn("shutdown step skipped, deadline exhausted", logx.String("step", name))
		return
	}

	stepCtx, cancel := context.WithTimeout(ctx, budget)

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		cancel()
		if err != nil {
			a.log.Error("shutdown step failed", logx.String("step", name), logx.Err(err))
			return
		}
		a.log.Debug("shutdown step done",
			logx.String("step", name),
			logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("shutdown step timed out",
			logx.String("step", name),
			logx.Duration("budget", budget))
		go func() {
			err := <-done
			cancel()
			a.log.Warn("late shutdown step finished",
				logx.String("step", name),
				logx.Duration("took", time.Since(start)),
				logx.Err(err))
		}()
	}
}
