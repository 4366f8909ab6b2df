package bot

import (
	"context"
	"fmt"
	"time"

	"terminbot/internal/checker"
	"terminbot/internal/muenchen"
	"terminbot/internal/storage"
	kit "terminbot/internal/transport"
	logx "terminbot/pkg/logx"
	"terminbot/pkg/tgui"
)

// Registry returns every command and callback route the bot serves.
func Registry() ([]Command, []CallbackRoute) {
	cmds := []Command{
		{
			Route:       "start",
			Description: "register and start receiving notifications",
			Usage:       "/start",
			Access:      AccessEveryone,
			Timeout:     15 * time.Second,
			Handle:      handleStart,
		},
		{
			Route:       "stop",
			Description: "remove all subscriptions and pause notifications",
			Usage:       "/stop",
			Access:      AccessEveryone,
			Timeout:     15 * time.Second,
			Handle:      handleStop,
		},
		{
			Route:       "menu",
			Description: "show the main menu",
			Usage:       "/menu",
			Access:      AccessEveryone,
			Timeout:     15 * time.Second,
			Handle:      handleMenu,
		},
		{
			Route:       "subscribe",
			Description: "subscribe to appointment services",
			Usage:       "/subscribe",
			Access:      AccessEveryone,
			Timeout:     30 * time.Second,
			Handle:      handleSubscribe,
		},
		{
			Route:       "myservices",
			Aliases:     []string{"services"},
			Description: "view and manage your subscriptions",
			Usage:       "/myservices",
			Access:      AccessEveryone,
			Timeout:     15 * time.Second,
			Handle:      handleMyServices,
		},
		{
			Route:       "setdates",
			Description: "set your preferred appointment date range",
			Usage:       "/setdates [YYYY-MM-DD YYYY-MM-DD]",
			Access:      AccessEveryone,
			Timeout:     15 * time.Second,
			Handle:      handleSetDates,
		},
		{
			Route:       "status",
			Description: "check your subscriptions and monitoring status",
			Usage:       "/status",
			Access:      AccessEveryone,
			Timeout:     15 * time.Second,
			Handle:      handleStatus,
		},
		{
			Route:       "stats",
			Description: "show bot statistics",
			Usage:       "/stats",
			Access:      AccessEveryone,
			Timeout:     15 * time.Second,
			Handle:      handleStats,
		},
		{
			Route:       "cancel",
			Description: "cancel an in-progress booking",
			Usage:       "/cancel",
			Access:      AccessEveryone,
			Timeout:     15 * time.Second,
			Handle:      handleCancel,
		},
		{
			Route:       "help",
			Description: "help and documentation",
			Usage:       "/help",
			Access:      AccessEveryone,
			Timeout:     15 * time.Second,
			Handle:      handleHelp,
		},
		{
			Route:       "checknow",
			Description: "run an availability check cycle immediately",
			Usage:       "/checknow",
			Access:      AccessOwnerOnly,
			Timeout:     2 * time.Minute,
			Handle:      handleCheckNow,
		},
		{
			Route:       "health",
			Description: "system health diagnostics",
			Usage:       "/health",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      handleHealth,
		},
	}
	return cmds, callbackRoutes()
}

func send(ctx context.Context, req *Request, msg tgui.Message) error {
	_, err := msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

// editTapped rewrites the message whose button was tapped. Falls back
// to a fresh send when the update is not a callback.
func editTapped(ctx context.Context, req *Request, msg tgui.Message) error {
	cb := req.Update.Callback
	if cb == nil {
		return send(ctx, req, msg)
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	return msg.Edit(ctx, req.Adapter, ref, req.Chat)
}

// peekCatalog returns whatever catalog is cached, or nil. Name lookups
// on a nil catalog fall back to "Service N" / "Office N".
func peekCatalog(req *Request) *muenchen.Catalog {
	if req.Services == nil || req.Services.Catalog == nil {
		return nil
	}
	cat, _ := req.Services.Catalog.Get()
	return cat
}

// requireCatalog fetches the catalog on demand when the cache is cold.
func requireCatalog(ctx context.Context, req *Request) (*muenchen.Catalog, bool) {
	c := req.Services.Catalog
	if c == nil {
		return nil, false
	}
	if cat, ok := c.Get(); ok {
		return cat, true
	}
	if err := c.Refresh(ctx); err != nil {
		req.Logger.Warn("on-demand catalog refresh failed", logx.Err(err))
		return nil, false
	}
	return c.Get()
}

// effectiveRange resolves a user's search window, falling back to the
// checker's default when none is stored.
func effectiveRange(u storage.User, now time.Time) (start, end string, defaulted bool) {
	if u.StartDate != "" && u.EndDate != "" {
		return u.StartDate, u.EndDate, false
	}
	today := now.In(muenchen.Berlin())
	return today.Format(dateFormat), today.AddDate(0, 0, checker.DefaultRangeDays).Format(dateFormat), true
}

func handleStart(ctx context.Context, req *Request) error {
	st := req.Services.Store
	if err := st.UpsertUser(ctx, req.FromID, req.FromUsername); err != nil {
		return err
	}
	if err := st.SetUserActive(ctx, req.FromID, true); err != nil {
		return err
	}
	req.Logger.Info("user registered")
	return send(ctx, req, renderWelcome())
}

func handleStop(ctx context.Context, req *Request) error {
	st := req.Services.Store
	_, found, err := st.GetUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	if !found {
		return send(ctx, req, renderNotRegistered())
	}
	removed, err := st.ClearSubscriptions(ctx, req.FromID)
	if err != nil {
		return err
	}
	if err := st.SetUserActive(ctx, req.FromID, false); err != nil {
		return err
	}
	req.Logger.Info("user stopped", logx.Int64("removed_subscriptions", removed))
	return send(ctx, req, renderStopped(removed))
}

func handleMenu(ctx context.Context, req *Request) error {
	_, found, err := req.Services.Store.GetUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	if !found {
		return send(ctx, req, renderNotRegistered())
	}
	return send(ctx, req, renderMainMenu())
}

func handleSubscribe(ctx context.Context, req *Request) error {
	cat, ok := requireCatalog(ctx, req)
	if !ok {
		return send(ctx, req, renderCatalogUnavailable())
	}
	return send(ctx, req, renderCategories(cat))
}

func handleMyServices(ctx context.Context, req *Request) error {
	subs, err := req.Services.Store.ListUserSubscriptions(ctx, req.FromID)
	if err != nil {
		return err
	}
	return send(ctx, req, renderMyServices(peekCatalog(req), subs))
}

func handleSetDates(ctx context.Context, req *Request) error {
	st := req.Services.Store
	u, found, err := st.GetUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	if !found {
		return send(ctx, req, renderNotRegistered())
	}

	if len(req.Args) != 2 {
		start, end, defaulted := effectiveRange(u, time.Now())
		return send(ctx, req, renderSetDates(start, end, defaulted, time.Now()))
	}

	start, end := req.Args[0], req.Args[1]
	from, err1 := time.Parse(dateFormat, start)
	to, err2 := time.Parse(dateFormat, end)
	if err1 != nil || err2 != nil {
		return send(ctx, req, renderDatesInvalid())
	}
	if to.Before(from) {
		return send(ctx, req, tgui.New().
			Line("❌ The end date must not be before the start date.").
			Build())
	}
	if err := st.SetUserDateRange(ctx, req.FromID, start, end); err != nil {
		return err
	}
	req.Logger.Info("date range set", logx.String("start", start), logx.String("end", end))
	return send(ctx, req, renderDatesUpdated(start, end))
}

func buildStatusView(ctx context.Context, req *Request, u storage.User) (statusView, error) {
	subs, err := req.Services.Store.ListUserSubscriptions(ctx, req.FromID)
	if err != nil {
		return statusView{}, err
	}
	now := time.Now()
	start, end, defaulted := effectiveRange(u, now)
	v := statusView{
		User:         u,
		Subs:         len(subs),
		Start:        start,
		End:          end,
		DefaultRange: defaulted,
		Now:          now,
	}
	if c := req.Services.Checker; c != nil {
		v.Stats = c.Stats()
		v.Interval = c.Interval()
	}
	return v, nil
}

func handleStatus(ctx context.Context, req *Request) error {
	u, found, err := req.Services.Store.GetUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	if !found {
		return send(ctx, req, tgui.New().
			Line("❌ You are not registered.").
			Blank().
			Line("Use /start to register.").
			Build())
	}
	v, err := buildStatusView(ctx, req, u)
	if err != nil {
		return err
	}
	return send(ctx, req, renderStatus(v))
}

func handleStats(ctx context.Context, req *Request) error {
	counts, err := req.Services.Store.Counts(ctx)
	if err != nil {
		return err
	}
	v := statsView{Counts: counts, Now: time.Now()}
	if c := req.Services.Checker; c != nil {
		v.Stats = c.Stats()
	}
	return send(ctx, req, renderStats(v))
}

func handleCancel(ctx context.Context, req *Request) error {
	if req.Services.Booking == nil {
		return nil
	}
	msg, _ := req.Services.Booking.Cancel(ctx, req.FromID)
	return send(ctx, req, msg)
}

func handleHelp(ctx context.Context, req *Request) error {
	return send(ctx, req, helpGuide())
}

func handleCheckNow(ctx context.Context, req *Request) error {
	c := req.Services.Checker
	if c == nil {
		return send(ctx, req, tgui.New().Line("Checker is not running.").Build())
	}
	if err := send(ctx, req, tgui.New().Line("🔄 Running a check cycle now...").Build()); err != nil {
		return err
	}
	started := time.Now()
	if err := c.RunCycle(ctx); err != nil {
		return send(ctx, req, tgui.New().Line("❌ Check failed: "+err.Error()).Build())
	}
	return send(ctx, req, tgui.New().
		Line(fmt.Sprintf("✅ Check cycle completed in %s.", time.Since(started).Round(time.Millisecond))).
		Build())
}

func handleHealth(ctx context.Context, req *Request) error {
	v := healthView{Now: time.Now()}
	if h := req.Services.Health; h != nil {
		v.Health = h.Snapshot()
	}
	if tk := req.Services.Tokens; tk != nil {
		v.TokenAge, v.TokenOK = tk.Age()
	}
	if q := req.Services.Queue; q != nil {
		v.QueueLen = q.Len()
	}
	if bk := req.Services.Booking; bk != nil {
		v.Bookings = bk.ActiveCount()
	}
	if c := req.Services.Catalog; c != nil {
		v.CatalogAt = c.FetchedAt()
	}
	if s := req.Services.Scheduler; s != nil {
		v.Sched = s.Snapshot()
	}
	if sp := req.Services.Supervisor; sp != nil {
		v.Loops = sp.Report()
	}
	return send(ctx, req, renderHealth(v))
}

const helpSep = "━━━━━━━━━━━━━━━━━━━━"

// helpGuide is the long-form user guide, in contrast to the terse
// per-command /help <cmd> output.
func helpGuide() tgui.Message {
	kb := tgui.NewInline().Row(tgui.Btn("🏠 Main Menu", tgui.Data(scopeMenu, actHome, "")))
	return tgui.New().
		Title("📚", "Help & Documentation").
		Blank().
		Line(helpSep).
		RawLine(tgui.B("🚀 GETTING STARTED").String()).
		Line(helpSep).
		Blank().
		RawLine("1️⃣ " + tgui.B("Register:").String() + " Use /start to create your account").
		RawLine("2️⃣ " + tgui.B("Set Date Range:").String() + " Use /setdates to choose when you're available").
		RawLine("3️⃣ " + tgui.B("Subscribe:").String() + " Use /subscribe to select services to monitor").
		RawLine("4️⃣ " + tgui.B("Wait:").String() + " You'll get instant notifications when appointments open up!").
		Blank().
		Line(helpSep).
		RawLine(tgui.B("📝 COMMANDS").String()).
		Line(helpSep).
		Blank().
		RawLine(tgui.B("/start").String() + " - Register and see welcome message").
		RawLine(tgui.B("/menu").String() + " - Show main menu with quick actions").
		RawLine(tgui.B("/subscribe").String() + " - Subscribe to appointment services").
		RawLine(tgui.B("/myservices").String() + " - View and manage your subscriptions").
		RawLine(tgui.B("/setdates").String() + " - Set your preferred date range").
		RawLine(tgui.B("/status").String() + " - Check your account status").
		RawLine(tgui.B("/stats").String() + " - Show bot statistics").
		RawLine(tgui.B("/cancel").String() + " - Cancel an in-progress booking").
		RawLine(tgui.B("/stop").String() + " - Remove all subscriptions and pause notifications").
		RawLine(tgui.B("/help").String() + " - Show this help message").
		Blank().
		Line(helpSep).
		RawLine(tgui.B("💡 KEY CONCEPTS").String()).
		Line(helpSep).
		Blank().
		RawLine(tgui.B("Subscribe vs Book:").String()).
		RawLine("• " + tgui.B("Subscribe").String() + " = Monitor a service for availability").
		RawLine("• " + tgui.B("Book").String() + " = Reserve a specific appointment slot").
		Blank().
		RawLine(tgui.B("Date Range:").String()).
		Line("Set the time period when you're available for appointments. The bot only searches within your date range.").
		Blank().
		RawLine(tgui.B("Multiple Subscriptions:").String()).
		Line("You can subscribe to multiple services and offices. The bot monitors all of them simultaneously.").
		Blank().
		Line(helpSep).
		RawLine(tgui.B("🔧 TROUBLESHOOTING").String()).
		Line(helpSep).
		Blank().
		RawLine(tgui.B("Not getting notifications?").String()).
		Line("• Check your subscriptions with /myservices").
		Line("• Verify your date range with /status").
		Line("• Ensure your Telegram notifications are enabled").
		Blank().
		RawLine(tgui.B("Booking fails?").String()).
		Line("• Appointments fill up fast - try booking immediately").
		Line("• Your session may have timed out (10 min limit)").
		Line("• Try booking another available slot").
		Blank().
		RawLine(tgui.B("Can't find my service?").String()).
		Line("• Browse by category in /subscribe").
		Line("• Check if the service name has changed").
		Line("• Some services may not be available for online booking").
		Blank().
		Line(helpSep).
		RawLine(tgui.B("❓ TIPS & BEST PRACTICES").String()).
		Line(helpSep).
		Blank().
		Line("✅ Set a realistic date range (e.g., next 3 months)").
		Line("✅ Subscribe to multiple offices for better availability").
		Line("✅ Book immediately when you receive a notification").
		Line("✅ Check your email and confirm the booking link").
		Line("✅ Use /status regularly to monitor bot activity").
		Inline(kb).
		Build()
}
