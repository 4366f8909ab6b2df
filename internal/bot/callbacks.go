package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"terminbot/internal/booking"
	"terminbot/internal/muenchen"
	logx "terminbot/pkg/logx"
	"terminbot/pkg/tgui"
)

// callbackRoutes wires every inline button the bot renders. Stale or
// malformed payloads are acknowledged and dropped, never answered with
// an error.
func callbackRoutes() []CallbackRoute {
	return []CallbackRoute{
		{Scope: scopeMenu, Action: actHome, Description: "main menu", Timeout: 15 * time.Second, Handle: cbMenuHome},
		{Scope: scopeMenu, Action: actServices, Description: "subscription list", Timeout: 15 * time.Second, Handle: cbMenuServices},
		{Scope: scopeMenu, Action: actStatus, Description: "per-user status", Timeout: 15 * time.Second, Handle: cbMenuStatus},
		{Scope: scopeMenu, Action: actDates, Description: "date range picker", Timeout: 15 * time.Second, Handle: cbMenuDates},
		{Scope: scopeMenu, Action: actStats, Description: "bot statistics", Timeout: 15 * time.Second, Handle: cbMenuStats},

		{Scope: scopeDates, Action: actPreset, Description: "apply a preset date range", Timeout: 15 * time.Second, Handle: cbDatesPreset},

		{Scope: scopeSub, Action: actCats, Description: "category grid", Timeout: 30 * time.Second, Handle: cbSubCats},
		{Scope: scopeSub, Action: actCat, Description: "services in a category", Timeout: 15 * time.Second, Handle: cbSubCat},
		{Scope: scopeSub, Action: actCatPage, Description: "category page turn", Timeout: 15 * time.Second, Handle: cbSubCatPage},
		{Scope: scopeSub, Action: actSvc, Description: "service details", Timeout: 15 * time.Second, Handle: cbSubSvc},
		{Scope: scopeSub, Action: actOffices, Description: "office picker", Timeout: 15 * time.Second, Handle: cbSubOffices},
		{Scope: scopeSub, Action: actAdd, Description: "add a subscription", Timeout: 15 * time.Second, Handle: cbSubAdd},
		{Scope: scopeSub, Action: actDel, Description: "remove a subscription", Timeout: 15 * time.Second, Handle: cbSubDel},
		{Scope: scopeSub, Action: actClear, Description: "confirm removing all subscriptions", Timeout: 15 * time.Second, Handle: cbSubClear},
		{Scope: scopeSub, Action: actClearGo, Description: "remove all subscriptions", Timeout: 15 * time.Second, Handle: cbSubClearGo},

		{Scope: scopeBook, Action: "day", Description: "start booking for a day", Timeout: 30 * time.Second, Handle: cbBookDay},
		{Scope: scopeBook, Action: "slot", Description: "choose a time slot", Timeout: 15 * time.Second, Handle: cbBookSlot},
		{Scope: scopeBook, Action: "confirm", Description: "confirm the booking", Timeout: 60 * time.Second, Handle: cbBookConfirm},
		{Scope: scopeBook, Action: "cancel", Description: "cancel the booking", Timeout: 15 * time.Second, Handle: cbBookCancel},
	}
}

func parsePair(payload string) (int64, int64, bool) {
	left, right, ok := strings.Cut(payload, "|")
	if !ok {
		return 0, 0, false
	}
	a, err1 := strconv.ParseInt(left, 10, 64)
	b, err2 := strconv.ParseInt(right, 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return a, b, true
}

func answer(ctx context.Context, req *Request, text string) {
	if cb := req.Update.Callback; cb != nil {
		_ = req.Adapter.AnswerCallback(ctx, cb.ID, text)
	}
}

func myServicesScreen(ctx context.Context, req *Request) (tgui.Message, error) {
	subs, err := req.Services.Store.ListUserSubscriptions(ctx, req.FromID)
	if err != nil {
		return tgui.Message{}, err
	}
	return renderMyServices(peekCatalog(req), subs), nil
}

func statusScreen(ctx context.Context, req *Request) (tgui.Message, error) {
	u, found, err := req.Services.Store.GetUser(ctx, req.FromID)
	if err != nil {
		return tgui.Message{}, err
	}
	if !found {
		return renderNotRegistered(), nil
	}
	v, err := buildStatusView(ctx, req, u)
	if err != nil {
		return tgui.Message{}, err
	}
	return renderStatus(v), nil
}

func cbMenuHome(ctx context.Context, req *Request, _ string) error {
	return editTapped(ctx, req, renderMainMenu())
}

func cbMenuServices(ctx context.Context, req *Request, _ string) error {
	msg, err := myServicesScreen(ctx, req)
	if err != nil {
		return err
	}
	return editTapped(ctx, req, msg)
}

func cbMenuStatus(ctx context.Context, req *Request, _ string) error {
	msg, err := statusScreen(ctx, req)
	if err != nil {
		return err
	}
	return editTapped(ctx, req, msg)
}

func cbMenuDates(ctx context.Context, req *Request, _ string) error {
	u, found, err := req.Services.Store.GetUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	if !found {
		return editTapped(ctx, req, renderNotRegistered())
	}
	start, end, defaulted := effectiveRange(u, time.Now())
	return editTapped(ctx, req, renderSetDates(start, end, defaulted, time.Now()))
}

func cbMenuStats(ctx context.Context, req *Request, _ string) error {
	counts, err := req.Services.Store.Counts(ctx)
	if err != nil {
		return err
	}
	v := statsView{Counts: counts, Now: time.Now()}
	if c := req.Services.Checker; c != nil {
		v.Stats = c.Stats()
	}
	return editTapped(ctx, req, renderStats(v))
}

func cbDatesPreset(ctx context.Context, req *Request, payload string) error {
	days, err := strconv.Atoi(payload)
	if err != nil || days <= 0 || days > 365 {
		return nil
	}
	today := time.Now().In(muenchen.Berlin())
	start := today.Format(dateFormat)
	end := today.AddDate(0, 0, days).Format(dateFormat)
	if err := req.Services.Store.SetUserDateRange(ctx, req.FromID, start, end); err != nil {
		return err
	}
	req.Logger.Info("date range preset applied", logx.Int("days", days))
	answer(ctx, req, fmt.Sprintf("✅ Date range set: next %d days", days))

	msg, err := statusScreen(ctx, req)
	if err != nil {
		return err
	}
	return editTapped(ctx, req, msg)
}

func cbSubCats(ctx context.Context, req *Request, _ string) error {
	cat, ok := requireCatalog(ctx, req)
	if !ok {
		return editTapped(ctx, req, renderCatalogUnavailable())
	}
	return editTapped(ctx, req, renderCategories(cat))
}

func cbSubCat(ctx context.Context, req *Request, payload string) error {
	idx, err := strconv.Atoi(payload)
	if err != nil {
		return nil
	}
	cat, ok := requireCatalog(ctx, req)
	if !ok {
		return editTapped(ctx, req, renderCatalogUnavailable())
	}
	return editTapped(ctx, req, renderCategoryPage(cat, idx, 0))
}

func cbSubCatPage(ctx context.Context, req *Request, payload string) error {
	idx64, page64, ok := parsePair(payload)
	if !ok {
		return nil
	}
	cat, ok := requireCatalog(ctx, req)
	if !ok {
		return editTapped(ctx, req, renderCatalogUnavailable())
	}
	return editTapped(ctx, req, renderCategoryPage(cat, int(idx64), int(page64)))
}

func cbSubSvc(ctx context.Context, req *Request, payload string) error {
	serviceID, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return nil
	}
	cat, ok := requireCatalog(ctx, req)
	if !ok {
		return editTapped(ctx, req, renderCatalogUnavailable())
	}
	subs, err := req.Services.Store.ListUserSubscriptions(ctx, req.FromID)
	if err != nil {
		return err
	}
	var offices []int64
	for _, sub := range subs {
		if sub.ServiceID == serviceID {
			offices = append(offices, sub.OfficeID)
		}
	}
	return editTapped(ctx, req, renderServiceDetails(cat, serviceID, offices))
}

func cbSubOffices(ctx context.Context, req *Request, payload string) error {
	serviceID, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return nil
	}
	cat, ok := requireCatalog(ctx, req)
	if !ok {
		return editTapped(ctx, req, renderCatalogUnavailable())
	}
	return editTapped(ctx, req, renderOfficePicker(cat, serviceID))
}

func cbSubAdd(ctx context.Context, req *Request, payload string) error {
	serviceID, officeID, ok := parsePair(payload)
	if !ok {
		return nil
	}
	st := req.Services.Store

	// Buttons can arrive from users who never ran /start (forwarded
	// messages); register them on the fly so the insert has a parent row.
	if err := st.UpsertUser(ctx, req.FromID, req.FromUsername); err != nil {
		return err
	}
	added, err := st.AddSubscription(ctx, req.FromID, serviceID, officeID)
	if err != nil {
		return err
	}
	if !added {
		answer(ctx, req, "You are already subscribed to this service at this office.")
		return nil
	}

	u, _, err := st.GetUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	start, end, _ := effectiveRange(u, time.Now())
	cat := peekCatalog(req)
	req.Logger.Info("subscription added",
		logx.Int64("service_id", serviceID), logx.Int64("office_id", officeID))
	return editTapped(ctx, req, renderSubscribed(cat.ServiceName(serviceID), cat.OfficeName(officeID), start, end))
}

func cbSubDel(ctx context.Context, req *Request, payload string) error {
	serviceID, officeID, ok := parsePair(payload)
	if !ok {
		return nil
	}
	removed, err := req.Services.Store.RemoveSubscription(ctx, req.FromID, serviceID, officeID)
	if err != nil {
		return err
	}
	if removed {
		answer(ctx, req, "🗑 Unsubscribed")
		req.Logger.Info("subscription removed",
			logx.Int64("service_id", serviceID), logx.Int64("office_id", officeID))
	}
	msg, err := myServicesScreen(ctx, req)
	if err != nil {
		return err
	}
	return editTapped(ctx, req, msg)
}

func cbSubClear(ctx context.Context, req *Request, _ string) error {
	return editTapped(ctx, req, renderClearConfirm())
}

func cbSubClearGo(ctx context.Context, req *Request, _ string) error {
	n, err := req.Services.Store.ClearSubscriptions(ctx, req.FromID)
	if err != nil {
		return err
	}
	answer(ctx, req, fmt.Sprintf("🗑 Removed %d subscription(s)", n))
	req.Logger.Info("subscriptions cleared", logx.Int64("removed", n))
	msg, err := myServicesScreen(ctx, req)
	if err != nil {
		return err
	}
	return editTapped(ctx, req, msg)
}

// cbBookDay enters the booking flow from an availability notification.
// The result goes out as a new message so the notification stays intact.
func cbBookDay(ctx context.Context, req *Request, payload string) error {
	if req.Services.Booking == nil {
		return nil
	}
	parts := strings.SplitN(payload, "|", 3)
	if len(parts) != 3 {
		return nil
	}
	date := parts[0]
	officeID, err1 := strconv.ParseInt(parts[1], 10, 64)
	serviceID, err2 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	msg := req.Services.Booking.StartFromDay(ctx, req.FromID, req.Chat.ChatID, date, officeID, serviceID)
	return send(ctx, req, msg)
}

func cbBookSlot(ctx context.Context, req *Request, payload string) error {
	if req.Services.Booking == nil {
		return nil
	}
	unix, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return nil
	}
	return editTapped(ctx, req, req.Services.Booking.ChooseSlot(ctx, req.FromID, unix))
}

// cbBookConfirm flips the summary into a progress note, then runs the
// reserve/update/preconfirm sequence and rewrites it with the outcome.
func cbBookConfirm(ctx context.Context, req *Request, _ string) error {
	if req.Services.Booking == nil {
		return nil
	}
	if err := editTapped(ctx, req, booking.ProcessingMessage()); err != nil {
		req.Logger.Debug("progress edit failed", logx.Err(err))
	}
	return editTapped(ctx, req, req.Services.Booking.Confirm(ctx, req.FromID))
}

func cbBookCancel(ctx context.Context, req *Request, _ string) error {
	if req.Services.Booking == nil {
		return nil
	}
	msg, _ := req.Services.Booking.Cancel(ctx, req.FromID)
	return editTapped(ctx, req, msg)
}
