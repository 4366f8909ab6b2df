package bot

import (
	"fmt"
	"strconv"
	"time"

	"terminbot/internal/checker"
	"terminbot/internal/health"
	"terminbot/internal/muenchen"
	"terminbot/internal/runtime/supervisor"
	"terminbot/internal/storage"
	"terminbot/internal/task/scheduler"
	"terminbot/pkg/tgui"
)

// Callback scopes and actions owned by this package. Booking buttons
// carry the "book" scope and route to the booking service instead.
const (
	scopeMenu  = "menu"
	scopeSub   = "sub"
	scopeDates = "dates"
	scopeBook  = "book"
)

const (
	actHome     = "home"
	actServices = "services"
	actStatus   = "status"
	actDates    = "dates"
	actStats    = "stats"

	actCats    = "cats"
	actCat     = "cat"
	actCatPage = "catpage"
	actSvc     = "svc"
	actOffices = "offices"
	actAdd     = "add"
	actDel     = "del"
	actClear   = "clear"
	actClearGo = "clear_go"

	actPreset = "preset"
)

const (
	servicesPerPage  = 10
	maxOfficeButtons = 20
	maxUnsubButtons  = 10
	dateFormat       = "2006-01-02"
)

// datePresets are the one-tap ranges offered by the date picker.
var datePresets = []struct {
	days  int
	label string
}{
	{2, "Next 2 days"},
	{7, "Next week"},
	{30, "Next 30 days"},
	{90, "Next 3 months"},
	{180, "Next 6 months"},
}

func i64s(v int64) string { return strconv.FormatInt(v, 10) }

func pairPayload(a, b int64) string { return i64s(a) + "|" + i64s(b) }

func renderWelcome() tgui.Message {
	kb := tgui.NewInline().Row(tgui.Btn("🏠 Main Menu", tgui.Data(scopeMenu, actHome, "")))
	return tgui.New().
		RawLine("👋 " + tgui.B("Welcome to Munich Appointment Bot!").String()).
		Blank().
		Line("I'll help you find available appointments at Munich city offices.").
		Blank().
		RawLine(tgui.B("Quick Start:").String()).
		Line("• Use /subscribe to choose services").
		Line("• Use /menu to access all features").
		Line("• Use /setdates to set your preferred date range").
		Blank().
		Line("I'll notify you immediately when appointments become available!").
		Inline(kb).
		Build()
}

func renderMainMenu() tgui.Message {
	kb := tgui.NewInline().
		Row(tgui.Btn("📋 Subscribe to Services", tgui.Data(scopeSub, actCats, ""))).
		Row(tgui.Btn("📊 My Subscriptions", tgui.Data(scopeMenu, actServices, ""))).
		Row(tgui.Btn("📅 Set Date Range", tgui.Data(scopeMenu, actDates, ""))).
		Row(tgui.Btn("ℹ️ Subscription Status", tgui.Data(scopeMenu, actStatus, ""))).
		Row(tgui.Btn("📈 Statistics", tgui.Data(scopeMenu, actStats, "")))
	return tgui.New().
		Title("🏠", "Main Menu").
		Blank().
		Line("Choose an action:").
		Inline(kb).
		Build()
}

func renderNotRegistered() tgui.Message {
	return tgui.New().
		Line("👋 Welcome! Please use /start to register first.").
		Build()
}

func renderStopped(removed int64) tgui.Message {
	return tgui.New().
		Line(fmt.Sprintf("👋 You have been unsubscribed and %d subscription(s) were removed.", removed)).
		Blank().
		Line("Notifications are paused. Use /start to subscribe again.").
		Build()
}

func renderCatalogUnavailable() tgui.Message {
	return tgui.New().
		Line("⏳ The service catalog is not loaded yet. Please try again in a minute.").
		Build()
}

// renderCategories shows the top-level category grid, two per row.
func renderCategories(cat *muenchen.Catalog) tgui.Message {
	cats := cat.Categories()
	kb := tgui.NewInline()
	for i := 0; i < len(cats); i += 2 {
		b1 := tgui.Btn(
			fmt.Sprintf("%s (%d)", cats[i].Label, len(cats[i].Services)),
			tgui.Data(scopeSub, actCat, strconv.Itoa(i)),
		)
		if i+1 < len(cats) {
			b2 := tgui.Btn(
				fmt.Sprintf("%s (%d)", cats[i+1].Label, len(cats[i+1].Services)),
				tgui.Data(scopeSub, actCat, strconv.Itoa(i+1)),
			)
			kb.Row(b1, b2)
		} else {
			kb.Row(b1)
		}
	}
	kb.Row(tgui.Btn("🏠 Main Menu", tgui.Data(scopeMenu, actHome, "")))
	return tgui.New().
		Title("📋", "Select a Category:").
		Blank().
		Line("Choose a service category to see available services.").
		Inline(kb).
		Build()
}

// renderCategoryPage lists one page of a category's services.
func renderCategoryPage(cat *muenchen.Catalog, catIdx, page int) tgui.Message {
	cats := cat.Categories()
	if catIdx < 0 || catIdx >= len(cats) {
		return renderCategories(cat)
	}
	c := cats[catIdx]
	if maxPage := (len(c.Services) - 1) / servicesPerPage; page > maxPage {
		page = maxPage
	}
	sub, page, _, from, to, hasPrev, hasNext := tgui.PaginateSlice(c.Services, page, servicesPerPage)

	kb := tgui.NewInline()
	for _, svc := range sub {
		kb.Row(tgui.Btn(tgui.TruncRunes(svc.Name, 60), tgui.Data(scopeSub, actSvc, i64s(svc.ID))))
	}
	idx := strconv.Itoa(catIdx)
	switch {
	case hasPrev && hasNext:
		kb.Row(
			tgui.Btn("◀️ Previous", tgui.Data(scopeSub, actCatPage, idx+"|"+strconv.Itoa(page-1))),
			tgui.Btn("Next ▶️", tgui.Data(scopeSub, actCatPage, idx+"|"+strconv.Itoa(page+1))),
		)
	case hasPrev:
		kb.Row(tgui.Btn("◀️ Previous", tgui.Data(scopeSub, actCatPage, idx+"|"+strconv.Itoa(page-1))))
	case hasNext:
		kb.Row(tgui.Btn("Next ▶️", tgui.Data(scopeSub, actCatPage, idx+"|"+strconv.Itoa(page+1))))
	}
	kb.Row(tgui.Btn("◀️ Back to Categories", tgui.Data(scopeSub, actCats, "")))

	return tgui.New().
		RawLine(tgui.B(c.Label).String()).
		Blank().
		Line(fmt.Sprintf("Showing %d-%d of %d services", from+1, to, len(c.Services))).
		Inline(kb).
		Build()
}

// renderServiceDetails shows one service with its subscription state.
// subscribedOffices are the offices this user already watches for it.
func renderServiceDetails(cat *muenchen.Catalog, serviceID int64, subscribedOffices []int64) tgui.Message {
	svc, ok := cat.ServiceByID(serviceID)
	if !ok {
		return tgui.New().Line("❌ Service not found.").Build()
	}

	b := tgui.New().
		RawLine(tgui.B(svc.Name).String()).
		Blank().
		RawLine("Service ID: " + tgui.Code(i64s(svc.ID)).String())
	if svc.MaxQuantity > 1 {
		b.Line(fmt.Sprintf("Max. Quantity: %d", svc.MaxQuantity))
	}
	b.Blank()
	if len(subscribedOffices) > 0 {
		b.Line(fmt.Sprintf("Status: ✅ Subscribed at %d office(s)", len(subscribedOffices)))
	} else {
		b.Line("Status: ⭕ Not subscribed")
	}

	kb := tgui.NewInline()
	kb.Row(tgui.Btn("✅ Subscribe", tgui.Data(scopeSub, actOffices, i64s(serviceID))))
	shown := subscribedOffices
	if len(shown) > 5 {
		shown = shown[:5]
	}
	for _, officeID := range shown {
		kb.Row(tgui.Btn(
			"🗑 "+tgui.TruncRunes(cat.OfficeName(officeID), 40),
			tgui.Data(scopeSub, actDel, pairPayload(serviceID, officeID)),
		))
	}
	kb.Row(tgui.Btn("◀️ Back", tgui.Data(scopeSub, actCats, "")))

	return b.Inline(kb).Build()
}

// renderOfficePicker lists the bookable offices for a service.
func renderOfficePicker(cat *muenchen.Catalog, serviceID int64) tgui.Message {
	svc, ok := cat.ServiceByID(serviceID)
	if !ok {
		return tgui.New().Line("❌ Service not found.").Build()
	}
	offices := cat.OfficesForService(serviceID)
	if len(offices) == 0 {
		return tgui.New().
			Line(fmt.Sprintf("❌ No offices found for '%s'.", svc.Name)).
			Inline(tgui.NewInline().Row(tgui.Btn("◀️ Back", tgui.Data(scopeSub, actSvc, i64s(serviceID))))).
			Build()
	}

	b := tgui.New().
		RawLine(tgui.B(svc.Name).String()).
		Blank().
		Line("📍 Please select an office:").
		Line(fmt.Sprintf("(%d available)", len(offices)))

	kb := tgui.NewInline()
	shown := offices
	if len(shown) > maxOfficeButtons {
		shown = shown[:maxOfficeButtons]
	}
	for _, office := range shown {
		kb.Row(tgui.Btn(
			"📍 "+tgui.TruncRunes(office.Name, 48),
			tgui.Data(scopeSub, actAdd, pairPayload(serviceID, office.ID)),
		))
	}
	if len(offices) > maxOfficeButtons {
		b.Blank().Line(fmt.Sprintf("⚠️ Only the first %d of %d offices are shown.", maxOfficeButtons, len(offices)))
	}
	kb.Row(tgui.Btn("◀️ Back", tgui.Data(scopeSub, actSvc, i64s(serviceID))))

	return b.Inline(kb).Build()
}

// renderSubscribed confirms a new (service, office) watch.
func renderSubscribed(serviceName, officeName, start, end string) tgui.Message {
	kb := tgui.NewInline().
		Row(tgui.Btn("📊 My Subscriptions", tgui.Data(scopeMenu, actServices, ""))).
		Row(tgui.Btn("🏠 Main Menu", tgui.Data(scopeMenu, actHome, "")))
	return tgui.New().
		Title("🎉", "Subscription Successful!").
		Blank().
		RawLine(tgui.B(serviceName).String()).
		Line("📍 Office: " + officeName).
		Blank().
		RawLine(tgui.Esc("📅 You will receive notifications when appointments become available between ").String() +
			tgui.B(start).String() + " and " + tgui.B(end).String() + ".").
		Blank().
		Line("💡 Tip: Use /setdates to change your date range anytime!").
		Inline(kb).
		Build()
}

// renderMyServices lists all watches with per-entry remove buttons.
func renderMyServices(cat *muenchen.Catalog, subs []storage.Subscription) tgui.Message {
	if len(subs) == 0 {
		kb := tgui.NewInline().
			Row(tgui.Btn("📋 Subscribe to Services", tgui.Data(scopeSub, actCats, ""))).
			Row(tgui.Btn("🏠 Main Menu", tgui.Data(scopeMenu, actHome, "")))
		return tgui.New().
			Title("📋", "No Subscriptions").
			Blank().
			Line("You haven't subscribed to any services yet.").
			Line("Use /subscribe to start monitoring appointment availability!").
			Inline(kb).
			Build()
	}

	b := tgui.New().
		Title("📋", "Your Subscriptions").
		Blank().
		Line("You are monitoring these services:").
		Blank()
	for _, sub := range subs {
		b.RawLine("• " + tgui.B(cat.ServiceName(sub.ServiceID)).String())
		b.Line("   📍 " + cat.OfficeName(sub.OfficeID))
		if !sub.SubscribedAt.IsZero() {
			b.Line("   📅 Subscribed: " + sub.SubscribedAt.Format(dateFormat))
		}
		b.Blank()
	}
	b.RawLine(tgui.B("Total:").String() + fmt.Sprintf(" %d subscription(s)", len(subs)))

	kb := tgui.NewInline()
	if len(subs) <= maxUnsubButtons {
		for _, sub := range subs {
			label := "🗑 " + tgui.TruncRunes(cat.ServiceName(sub.ServiceID), 24) +
				" · " + tgui.TruncRunes(cat.OfficeName(sub.OfficeID), 18)
			kb.Row(tgui.Btn(label, tgui.Data(scopeSub, actDel, pairPayload(sub.ServiceID, sub.OfficeID))))
		}
	}
	kb.Row(tgui.Btn("📋 Subscribe to More", tgui.Data(scopeSub, actCats, "")))
	if len(subs) > 1 {
		kb.Row(tgui.Btn("🗑 Remove All", tgui.Data(scopeSub, actClear, "")))
	}
	kb.Row(tgui.Btn("🏠 Main Menu", tgui.Data(scopeMenu, actHome, "")))

	return b.Inline(kb).Build()
}

func renderClearConfirm() tgui.Message {
	kb := tgui.ConfirmInline(
		tgui.Btn("✅ Yes, Remove All", tgui.Data(scopeSub, actClearGo, "")),
		tgui.Btn("❌ Cancel", tgui.Data(scopeMenu, actServices, "")),
	)
	return tgui.New().
		Title("⚠️", "Unsubscribe from All Services?").
		Blank().
		Line("This will remove ALL your subscriptions. You can always subscribe again later.").
		Blank().
		Line("Are you sure?").
		Inline(kb).
		Build()
}

// statusView is everything the per-user status screen shows.
type statusView struct {
	User         storage.User
	Subs         int
	Start, End   string
	DefaultRange bool
	Stats        checker.Stats
	Interval     time.Duration
	Now          time.Time
}

func renderStatus(v statusView) tgui.Message {
	monitoring := "✅ active"
	if !v.User.Active {
		monitoring = "⏸ paused (use /start to resume)"
	}
	rangeLine := v.Start + " to " + v.End
	if v.DefaultRange {
		rangeLine += fmt.Sprintf(" (default: next %d days)", checker.DefaultRangeDays)
	}

	b := tgui.New().
		Title("📊", "Your Status").
		Blank().
		RawLine("👤 User ID: " + tgui.Code(i64s(v.User.ID)).String()).
		RawLine("📋 Subscriptions: " + tgui.B(strconv.Itoa(v.Subs)).String()).
		Line("📅 Date Range: " + rangeLine).
		Line("🔔 Monitoring: " + monitoring).
		Blank().
		Line("🔍 Last checked: " + agoStr(v.Now, v.Stats.LastCheckAt)).
		Line("⏱ Next check in: " + nextCheckStr(v.Now, v.Stats.LastCheckAt, v.Interval)).
		Line(fmt.Sprintf("⚙️ Check interval: %d seconds", int(v.Interval.Seconds()))).
		Line(fmt.Sprintf("🎯 Appointments found (all users): %d", v.Stats.AppointmentsFound))

	kb := tgui.NewInline().Row(tgui.Btn("🏠 Main Menu", tgui.Data(scopeMenu, actHome, "")))
	return b.Inline(kb).Build()
}

// statsView backs the global statistics screen.
type statsView struct {
	Counts storage.Counts
	Stats  checker.Stats
	Now    time.Time
}

func renderStats(v statsView) tgui.Message {
	uptime := "N/A"
	if !v.Stats.StartedAt.IsZero() {
		d := v.Now.Sub(v.Stats.StartedAt)
		uptime = fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	successRate := 0.0
	if v.Stats.TotalChecks > 0 {
		successRate = float64(v.Stats.SuccessfulChecks) / float64(v.Stats.TotalChecks) * 100
	}

	b := tgui.New().
		Title("📈", "Bot Statistics").
		Blank().
		Line("⏱ Uptime: " + uptime).
		Line(fmt.Sprintf("👥 Users: %d (%d active)", v.Counts.Users, v.Counts.ActiveUsers)).
		Line(fmt.Sprintf("📋 Subscriptions: %d", v.Counts.Subscriptions)).
		Blank().
		Line(fmt.Sprintf("🔍 Total checks: %d", v.Stats.TotalChecks)).
		Line(fmt.Sprintf("✅ Successful: %d", v.Stats.SuccessfulChecks)).
		Line(fmt.Sprintf("❌ Failed: %d", v.Stats.FailedChecks)).
		Line(fmt.Sprintf("📊 Success rate: %.1f%%", successRate)).
		Blank().
		Line(fmt.Sprintf("🎯 Appointments found: %d", v.Stats.AppointmentsFound)).
		Line(fmt.Sprintf("📨 Notifications sent: %d", v.Stats.NotificationsSent))
	if !v.Stats.LastCheckAt.IsZero() {
		b.Blank().Line("⏰ Last check: " + v.Stats.LastCheckAt.In(muenchen.Berlin()).Format("15:04:05"))
	}
	if !v.Stats.LastSuccessAt.IsZero() {
		b.Line("✅ Last success: " + v.Stats.LastSuccessAt.In(muenchen.Berlin()).Format("15:04:05"))
	}

	kb := tgui.NewInline().Row(tgui.Btn("🏠 Main Menu", tgui.Data(scopeMenu, actHome, "")))
	return b.Inline(kb).Build()
}

// renderSetDates shows the current range plus one-tap presets.
func renderSetDates(start, end string, defaulted bool, now time.Time) tgui.Message {
	rangeLine := tgui.B(start).String() + " to " + tgui.B(end).String()
	if defaulted {
		rangeLine += " " + tgui.I("(default)").String()
	}

	today := now.In(muenchen.Berlin())
	todayStr := today.Format(dateFormat)
	kb := tgui.NewInline()
	for _, p := range datePresets {
		until := today.AddDate(0, 0, p.days).Format(dateFormat)
		kb.Row(tgui.Btn(
			fmt.Sprintf("📅 %s (%s to %s)", p.label, todayStr, until),
			tgui.Data(scopeDates, actPreset, strconv.Itoa(p.days)),
		))
	}
	kb.Row(tgui.Btn("🏠 Main Menu", tgui.Data(scopeMenu, actHome, "")))

	return tgui.New().
		Title("📅", "Set Date Range").
		Blank().
		RawLine("Current range: " + rangeLine).
		Blank().
		Line("Pick a preset below, or set a custom range:").
		RawLine(tgui.Code("/setdates YYYY-MM-DD YYYY-MM-DD").String()).
		Inline(kb).
		Build()
}

func renderDatesUpdated(start, end string) tgui.Message {
	return tgui.New().
		Line("✅ Date range updated!").
		Blank().
		RawLine("From: " + tgui.B(start).String()).
		RawLine("To: " + tgui.B(end).String()).
		Blank().
		Line("The bot will now search for appointments in this date range.").
		Build()
}

func renderDatesInvalid() tgui.Message {
	return tgui.New().
		Line("❌ Invalid date format. Please use YYYY-MM-DD").
		Blank().
		RawLine("Example: " + tgui.Code("/setdates 2025-10-01 2025-10-31").String()).
		Build()
}

// healthView backs the owner-only diagnostics screen.
type healthView struct {
	Health    health.State
	TokenAge  time.Duration
	TokenOK   bool
	QueueLen  int
	Bookings  int
	CatalogAt time.Time
	Sched     scheduler.Snapshot
	Loops     supervisor.Report
	Now       time.Time
}

func renderHealth(v healthView) tgui.Message {
	apiState := "✅ healthy"
	if v.Health.Latched {
		apiState = "🚨 failing (alert latched)"
	} else if v.Health.Consecutive > 0 {
		apiState = fmt.Sprintf("⚠️ %d consecutive failure(s)", v.Health.Consecutive)
	}

	token := "none yet"
	if v.TokenOK {
		token = fmt.Sprintf("fresh, derived %s", agoStr(v.Now, v.Now.Add(-v.TokenAge)))
	}

	catalog := "not loaded"
	if !v.CatalogAt.IsZero() {
		catalog = "fetched " + agoStr(v.Now, v.CatalogAt)
	}

	b := tgui.New().
		Title("🩺", "System Health").
		Blank().
		Section("API").
		KV("State", apiState).
		KV("Total failures", strconv.FormatUint(v.Health.TotalFailures, 10))
	if v.Health.LastError != "" {
		b.KV("Last error", tgui.TruncRunes(v.Health.LastError, 120))
	}
	if !v.Health.LastOKAt.IsZero() {
		b.KV("Last OK", agoStr(v.Now, v.Health.LastOKAt))
	}

	b.Blank().
		Section("Sessions").
		KV("Captcha token", token).
		KV("Suppressed users", strconv.Itoa(v.QueueLen)).
		KV("Active bookings", strconv.Itoa(v.Bookings)).
		KV("Catalog", catalog)

	b.Blank().
		Section("Scheduler").
		KV("Workers", fmt.Sprintf("%d (%d in flight)", v.Sched.Workers, v.Sched.InFlight)).
		KV("Queue", fmt.Sprintf("%d/%d (dropped %d)", v.Sched.QueueLen, v.Sched.QueueCap, v.Sched.Dropped))
	for _, s := range v.Sched.Schedules {
		next := "-"
		if !s.Next.IsZero() {
			next = s.Next.In(muenchen.Berlin()).Format("15:04:05")
		}
		b.KV(s.Name, s.Spec+", next "+next)
	}

	// Healthy loops are skipped; the operator only needs the ones that
	// restarted, panicked or carry a failure.
	if len(v.Loops.Loops) > 0 {
		b.Blank().
			Section("Goroutines").
			KV("Running", fmt.Sprintf("%d (%d started)", v.Loops.Active, v.Loops.Started))
		if v.Loops.FirstErr != "" {
			b.KV("First failure", tgui.TruncRunes(v.Loops.FirstErr, 120))
		}
		for _, l := range v.Loops.Loops {
			if l.Restarts == 0 && l.Panics == 0 && l.LastErr == "" {
				continue
			}
			d := fmt.Sprintf("%d restart(s)", l.Restarts)
			if l.Panics > 0 {
				d += fmt.Sprintf(", %d panic(s)", l.Panics)
			}
			if l.LastErr != "" {
				d += ", " + tgui.TruncRunes(l.LastErr, 80)
			}
			b.KV(l.Name, d)
		}
	}

	return b.Build()
}

func agoStr(now, t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%d seconds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%d hours ago", int(d.Hours()))
	}
}

func nextCheckStr(now, last time.Time, interval time.Duration) string {
	if last.IsZero() {
		return "Soon"
	}
	rem := interval - now.Sub(last)
	if rem < 0 {
		rem = 0
	}
	if rem < time.Minute {
		return fmt.Sprintf("~%d seconds", int(rem.Seconds()))
	}
	return fmt.Sprintf("~%d minutes", int(rem.Minutes()))
}
