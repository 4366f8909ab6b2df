package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

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

const handlerUser int64 = 7

type fakeStore struct {
	mu     sync.Mutex
	users  map[int64]storage.User
	subs   []storage.Subscription
	counts storage.Counts
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[int64]storage.User{}}
}

func (s *fakeStore) seedUser(id int64, start, end string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = storage.User{ID: id, Username: "tester", StartDate: start, EndDate: end, Active: active}
}

func (s *fakeStore) seedSub(userID, serviceID, officeID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, storage.Subscription{
		UserID: userID, ServiceID: serviceID, OfficeID: officeID,
		SubscribedAt: time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC),
	})
}

func (s *fakeStore) user(id int64) (storage.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *fakeStore) subCount(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if sub.UserID == userID {
			n++
		}
	}
	return n
}

func (s *fakeStore) UpsertUser(ctx context.Context, id int64, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		u = storage.User{ID: id}
	}
	u.Username = username
	s.users[id] = u
	return nil
}

func (s *fakeStore) GetUser(ctx context.Context, id int64) (storage.User, bool, error) {
	u, ok := s.user(id)
	return u, ok, nil
}

func (s *fakeStore) SetUserActive(ctx context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[id]
	u.ID = id
	u.Active = active
	s.users[id] = u
	return nil
}

func (s *fakeStore) SetUserDateRange(ctx context.Context, id int64, start, end string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[id]
	u.ID = id
	u.StartDate = start
	u.EndDate = end
	s.users[id] = u
	return nil
}

func (s *fakeStore) AddSubscription(ctx context.Context, userID, serviceID, officeID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.ServiceID == serviceID && sub.OfficeID == officeID {
			return false, nil
		}
	}
	s.subs = append(s.subs, storage.Subscription{
		UserID: userID, ServiceID: serviceID, OfficeID: officeID, SubscribedAt: time.Now(),
	})
	return true, nil
}

func (s *fakeStore) RemoveSubscription(ctx context.Context, userID, serviceID, officeID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.subs[:0]
	removed := false
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.ServiceID == serviceID && sub.OfficeID == officeID {
			removed = true
			continue
		}
		kept = append(kept, sub)
	}
	s.subs = kept
	return removed, nil
}

func (s *fakeStore) ClearSubscriptions(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.subs[:0]
	var n int64
	for _, sub := range s.subs {
		if sub.UserID == userID {
			n++
			continue
		}
		kept = append(kept, sub)
	}
	s.subs = kept
	return n, nil
}

func (s *fakeStore) ListUserSubscriptions(ctx context.Context, userID int64) ([]storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Subscription
	for _, sub := range s.subs {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *fakeStore) Counts(ctx context.Context) (storage.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts, nil
}

type fakeCheckerPort struct {
	mu       sync.Mutex
	stats    checker.Stats
	interval time.Duration
	runErr   error
	runs     int
}

func (c *fakeCheckerPort) RunCycle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
	return c.runErr
}

func (c *fakeCheckerPort) Stats() checker.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *fakeCheckerPort) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interval == 0 {
		return 2 * time.Minute
	}
	return c.interval
}

// recBooking records which booking operations handlers invoke.
type recBooking struct {
	mu    sync.Mutex
	calls []string
}

func (b *recBooking) record(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, s)
}

func (b *recBooking) recorded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *recBooking) Active(userID int64) bool { return false }
func (b *recBooking) ActiveCount() int         { return 0 }

func (b *recBooking) StartFromDay(ctx context.Context, userID, chatID int64, date string, officeID, serviceID int64) tgui.Message {
	b.record(fmt.Sprintf("start:%d:%s:%d:%d", userID, date, officeID, serviceID))
	return tgui.New().Line("BOOK START").Build()
}

func (b *recBooking) ChooseSlot(ctx context.Context, userID, slotUnix int64) tgui.Message {
	b.record(fmt.Sprintf("slot:%d:%d", userID, slotUnix))
	return tgui.New().Line("BOOK SLOT").Build()
}

func (b *recBooking) Input(ctx context.Context, userID int64, text string) (tgui.Message, bool) {
	return tgui.Message{}, false
}

func (b *recBooking) Confirm(ctx context.Context, userID int64) tgui.Message {
	b.record(fmt.Sprintf("confirm:%d", userID))
	return tgui.New().Line("BOOK RESULT").Build()
}

func (b *recBooking) Cancel(ctx context.Context, userID int64) (tgui.Message, bool) {
	b.record(fmt.Sprintf("cancel:%d", userID))
	return tgui.New().Line("BOOK CANCELLED").Build(), true
}

func (b *recBooking) Interrupt(ctx context.Context, userID int64) bool { return false }

type fakeCatalogPort struct {
	mu        sync.Mutex
	cat       *muenchen.Catalog
	pending   *muenchen.Catalog // installed by Refresh
	fetched   time.Time
	refreshes int
	failWith  error
}

func (c *fakeCatalogPort) Get() (*muenchen.Catalog, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cat, c.cat != nil
}

func (c *fakeCatalogPort) FetchedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetched
}

func (c *fakeCatalogPort) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	if c.failWith != nil {
		return c.failWith
	}
	if c.pending != nil {
		c.cat = c.pending
		c.fetched = time.Now()
	}
	return nil
}

type fakeHealthPort struct{ st health.State }

func (h *fakeHealthPort) Snapshot() health.State { return h.st }

type fakeSchedPort struct{ snap scheduler.Snapshot }

func (s *fakeSchedPort) Snapshot() scheduler.Snapshot { return s.snap }

type fakeQueuePort struct{ n int }

func (q *fakeQueuePort) Len() int { return q.n }

type fakeSupPort struct{ rep supervisor.Report }

func (s *fakeSupPort) Report() supervisor.Report { return s.rep }

type fakeTokensPort struct {
	age time.Duration
	ok  bool
}

func (tk *fakeTokensPort) Age() (time.Duration, bool) { return tk.age, tk.ok }

func testCatalog() *muenchen.Catalog {
	return muenchen.NewCatalog(
		[]muenchen.CatalogService{
			{ID: 500, Name: "Reisepass beantragen", MaxQuantity: 1},
			{ID: 501, Name: "Personalausweis beantragen", MaxQuantity: 2},
		},
		[]muenchen.CatalogOffice{
			{ID: 10, Name: "Bürgerbüro Leonrodstraße"},
			{ID: 11, Name: "Bürgerbüro Riesenfeldstraße"},
		},
		[]muenchen.CatalogRelation{
			{OfficeID: 10, ServiceID: 500},
			{OfficeID: 11, ServiceID: 500},
			{OfficeID: 10, ServiceID: 501},
		},
	)
}

type henv struct {
	ad    *fakeAdapter
	store *fakeStore
	chk   *fakeCheckerPort
	book  *recBooking
	cat   *fakeCatalogPort
	serv  *Services
}

func newHandlerEnv() *henv {
	e := &henv{
		ad:    &fakeAdapter{},
		store: newFakeStore(),
		chk:   &fakeCheckerPort{},
		book:  &recBooking{},
		cat:   &fakeCatalogPort{cat: testCatalog(), fetched: time.Now()},
	}
	e.serv = &Services{
		Store:   e.store,
		Checker: e.chk,
		Booking: e.book,
		Catalog: e.cat,
	}
	return e
}

func (e *henv) req(fromID int64) *Request {
	return &Request{
		Update: kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
			ID: 1, ChatID: fromID, FromID: fromID, FromUsername: "tester",
		}},
		Chat:         kit.ChatTarget{ChatID: fromID},
		FromID:       fromID,
		FromUsername: "tester",
		Adapter:      e.ad,
		Logger:       logx.Nop(),
		Services:     e.serv,
	}
}

func (e *henv) cbReq(fromID int64, messageID int) *Request {
	r := e.req(fromID)
	r.Update = kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb1", FromID: fromID, ChatID: fromID, MessageID: messageID,
	}}
	return r
}

func markupOf(t *testing.T, opt *kit.SendOptions) [][]tele.InlineButton {
	t.Helper()
	if opt == nil || opt.ReplyMarkupAdapter == nil {
		t.Fatalf("message has no reply markup")
	}
	rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	if !ok {
		t.Fatalf("markup type = %T", opt.ReplyMarkupAdapter)
	}
	return rm.InlineKeyboard
}

func buttonData(rows [][]tele.InlineButton) []string {
	var out []string
	for _, row := range rows {
		for _, btn := range row {
			out = append(out, btn.Data)
		}
	}
	return out
}

func TestStartRegistersUser(t *testing.T) {
	e := newHandlerEnv()
	if err := handleStart(context.Background(), e.req(handlerUser)); err != nil {
		t.Fatalf("handleStart: %v", err)
	}

	u, ok := e.store.user(handlerUser)
	if !ok || !u.Active {
		t.Fatalf("user after /start = %+v (present=%v), want active", u, ok)
	}
	sent := e.ad.sentTexts()
	if len(sent) != 1 || !strings.Contains(sent[0], "Welcome to Munich Appointment Bot") {
		t.Fatalf("welcome = %v", sent)
	}
}

func TestStopRemovesSubscriptionsAndPauses(t *testing.T) {
	e := newHandlerEnv()
	e.store.seedUser(handlerUser, "", "", true)
	e.store.seedSub(handlerUser, 500, 10)
	e.store.seedSub(handlerUser, 501, 10)

	if err := handleStop(context.Background(), e.req(handlerUser)); err != nil {
		t.Fatalf("handleStop: %v", err)
	}
	if n := e.store.subCount(handlerUser); n != 0 {
		t.Fatalf("subscriptions left = %d", n)
	}
	if u, _ := e.store.user(handlerUser); u.Active {
		t.Fatalf("user still active after /stop")
	}
	sent := e.ad.sentTexts()
	if len(sent) != 1 || !strings.Contains(sent[0], "2 subscription(s) were removed") {
		t.Fatalf("stop reply = %v", sent)
	}
}

func TestStopWithoutRegistration(t *testing.T) {
	e := newHandlerEnv()
	if err := handleStop(context.Background(), e.req(handlerUser)); err != nil {
		t.Fatalf("handleStop: %v", err)
	}
	sent := e.ad.sentTexts()
	if len(sent) != 1 || !strings.Contains(sent[0], "/start") {
		t.Fatalf("reply = %v, want /start hint", sent)
	}
}

func TestSetDates(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantText   string
		wantStored bool
	}{
		{"valid range", []string{"2025-10-01", "2025-10-31"}, "Date range updated", true},
		{"bad format", []string{"01.10.2025", "2025-10-31"}, "Invalid date format", false},
		{"reversed", []string{"2025-10-31", "2025-10-01"}, "end date", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			e := newHandlerEnv()
			e.store.seedUser(handlerUser, "", "", true)
			req := e.req(handlerUser)
			req.Args = tt.args

			if err := handleSetDates(context.Background(), req); err != nil {
				t.Fatalf("handleSetDates: %v", err)
			}
			sent := e.ad.sentTexts()
			if len(sent) != 1 || !strings.Contains(sent[0], tt.wantText) {
				t.Fatalf("reply = %v, want substring %q", sent, tt.wantText)
			}
			u, _ := e.store.user(handlerUser)
			stored := u.StartDate != ""
			if stored != tt.wantStored {
				t.Fatalf("range stored = %v, want %v (user %+v)", stored, tt.wantStored, u)
			}
		})
	}
}

func TestSetDatesPicker(t *testing.T) {
	e := newHandlerEnv()
	e.store.seedUser(handlerUser, "2025-10-01", "2025-12-01", true)

	if err := handleSetDates(context.Background(), e.req(handlerUser)); err != nil {
		t.Fatalf("handleSetDates: %v", err)
	}
	e.ad.mu.Lock()
	msg := e.ad.sent[0]
	e.ad.mu.Unlock()

	if !strings.Contains(msg.Text, "Set Date Range") || !strings.Contains(msg.Text, "2025-10-01") {
		t.Fatalf("picker text = %q", msg.Text)
	}
	rows := markupOf(t, msg.Opt)
	if len(rows) != len(datePresets)+1 {
		t.Fatalf("picker rows = %d, want %d presets plus menu", len(rows), len(datePresets))
	}
	if got := rows[0][0].Data; got != "dates:preset:2" {
		t.Fatalf("first preset data = %q", got)
	}
}

func TestStatusScreens(t *testing.T) {
	t.Run("stored range", func(t *testing.T) {
		e := newHandlerEnv()
		e.store.seedUser(handlerUser, "2025-10-01", "2025-12-01", true)
		e.store.seedSub(handlerUser, 500, 10)
		e.chk.stats = checker.Stats{LastCheckAt: time.Now().Add(-30 * time.Second), AppointmentsFound: 3}

		if err := handleStatus(context.Background(), e.req(handlerUser)); err != nil {
			t.Fatalf("handleStatus: %v", err)
		}
		got := e.ad.sentTexts()[0]
		for _, want := range []string{"2025-10-01 to 2025-12-01", "seconds ago", "✅ active", "Subscriptions: <b>1</b>"} {
			if !strings.Contains(got, want) {
				t.Fatalf("status missing %q:\n%s", want, got)
			}
		}
		if strings.Contains(got, "default") {
			t.Fatalf("stored range should not be marked default:\n%s", got)
		}
	})

	t.Run("default range", func(t *testing.T) {
		e := newHandlerEnv()
		e.store.seedUser(handlerUser, "", "", true)

		if err := handleStatus(context.Background(), e.req(handlerUser)); err != nil {
			t.Fatalf("handleStatus: %v", err)
		}
		got := e.ad.sentTexts()[0]
		if !strings.Contains(got, fmt.Sprintf("default: next %d days", checker.DefaultRangeDays)) {
			t.Fatalf("status missing default-range note:\n%s", got)
		}
	})

	t.Run("paused", func(t *testing.T) {
		e := newHandlerEnv()
		e.store.seedUser(handlerUser, "", "", false)

		if err := handleStatus(context.Background(), e.req(handlerUser)); err != nil {
			t.Fatalf("handleStatus: %v", err)
		}
		if got := e.ad.sentTexts()[0]; !strings.Contains(got, "paused") {
			t.Fatalf("status should report paused monitoring:\n%s", got)
		}
	})

	t.Run("unregistered", func(t *testing.T) {
		e := newHandlerEnv()
		if err := handleStatus(context.Background(), e.req(handlerUser)); err != nil {
			t.Fatalf("handleStatus: %v", err)
		}
		if got := e.ad.sentTexts()[0]; !strings.Contains(got, "not registered") {
			t.Fatalf("reply = %q", got)
		}
	})
}

func TestStatsScreen(t *testing.T) {
	e := newHandlerEnv()
	e.store.counts = storage.Counts{Users: 10, ActiveUsers: 8, Subscriptions: 25}
	e.chk.stats = checker.Stats{
		StartedAt:         time.Now().Add(-(2*time.Hour + 30*time.Minute)),
		TotalChecks:       100,
		SuccessfulChecks:  95,
		FailedChecks:      5,
		AppointmentsFound: 12,
		NotificationsSent: 7,
	}

	if err := handleStats(context.Background(), e.req(handlerUser)); err != nil {
		t.Fatalf("handleStats: %v", err)
	}
	got := e.ad.sentTexts()[0]
	for _, want := range []string{
		"Uptime: 2h 30m",
		"Users: 10 (8 active)",
		"Subscriptions: 25",
		"Total checks: 100",
		"Success rate: 95.0%",
		"Appointments found: 12",
		"Notifications sent: 7",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("stats missing %q:\n%s", want, got)
		}
	}
}

func TestSubscribeShowsCategories(t *testing.T) {
	e := newHandlerEnv()
	if err := handleSubscribe(context.Background(), e.req(handlerUser)); err != nil {
		t.Fatalf("handleSubscribe: %v", err)
	}
	e.ad.mu.Lock()
	msg := e.ad.sent[0]
	e.ad.mu.Unlock()

	if !strings.Contains(msg.Text, "Select a Category") {
		t.Fatalf("text = %q", msg.Text)
	}
	rows := markupOf(t, msg.Opt)
	found := false
	for _, row := range rows {
		for _, btn := range row {
			if strings.Contains(btn.Text, "(2)") && strings.HasPrefix(btn.Data, "sub:cat:") {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("no category button with service count, rows = %+v", rows)
	}
}

func TestSubscribeColdCatalog(t *testing.T) {
	t.Run("refresh fills cache", func(t *testing.T) {
		e := newHandlerEnv()
		e.cat.pending = e.cat.cat
		e.cat.cat = nil

		if err := handleSubscribe(context.Background(), e.req(handlerUser)); err != nil {
			t.Fatalf("handleSubscribe: %v", err)
		}
		if e.cat.refreshes != 1 {
			t.Fatalf("refreshes = %d, want 1", e.cat.refreshes)
		}
		if got := e.ad.sentTexts()[0]; !strings.Contains(got, "Select a Category") {
			t.Fatalf("reply = %q", got)
		}
	})

	t.Run("refresh fails", func(t *testing.T) {
		e := newHandlerEnv()
		e.cat.cat = nil
		e.cat.failWith = fmt.Errorf("backend down")

		if err := handleSubscribe(context.Background(), e.req(handlerUser)); err != nil {
			t.Fatalf("handleSubscribe: %v", err)
		}
		if got := e.ad.sentTexts()[0]; !strings.Contains(got, "catalog is not loaded") {
			t.Fatalf("reply = %q", got)
		}
	})
}

func TestCategoryPageCallback(t *testing.T) {
	e := newHandlerEnv()
	if err := cbSubCat(context.Background(), e.cbReq(handlerUser, 50), "0"); err != nil {
		t.Fatalf("cbSubCat: %v", err)
	}
	e.ad.mu.Lock()
	msg := e.ad.edited[0]
	e.ad.mu.Unlock()

	if !strings.Contains(msg.Text, "Showing 1-2 of 2 services") {
		t.Fatalf("page text = %q", msg.Text)
	}
	// Services sort by name: Personalausweis (501) before Reisepass (500).
	rows := markupOf(t, msg.Opt)
	if got := rows[0][0].Data; got != "sub:svc:501" {
		t.Fatalf("first service button = %q, want sub:svc:501", got)
	}
}

func TestServiceDetailsCallback(t *testing.T) {
	t.Run("not subscribed", func(t *testing.T) {
		e := newHandlerEnv()
		if err := cbSubSvc(context.Background(), e.cbReq(handlerUser, 50), "500"); err != nil {
			t.Fatalf("cbSubSvc: %v", err)
		}
		e.ad.mu.Lock()
		msg := e.ad.edited[0]
		e.ad.mu.Unlock()

		if !strings.Contains(msg.Text, "Reisepass beantragen") || !strings.Contains(msg.Text, "Not subscribed") {
			t.Fatalf("details = %q", msg.Text)
		}
		data := buttonData(markupOf(t, msg.Opt))
		if data[0] != "sub:offices:500" {
			t.Fatalf("subscribe button = %q", data[0])
		}
	})

	t.Run("subscribed", func(t *testing.T) {
		e := newHandlerEnv()
		e.store.seedSub(handlerUser, 500, 10)
		if err := cbSubSvc(context.Background(), e.cbReq(handlerUser, 50), "500"); err != nil {
			t.Fatalf("cbSubSvc: %v", err)
		}
		e.ad.mu.Lock()
		msg := e.ad.edited[0]
		e.ad.mu.Unlock()

		if !strings.Contains(msg.Text, "Subscribed at 1 office(s)") {
			t.Fatalf("details = %q", msg.Text)
		}
		data := buttonData(markupOf(t, msg.Opt))
		foundDel := false
		for _, d := range data {
			if d == "sub:del:500|10" {
				foundDel = true
			}
		}
		if !foundDel {
			t.Fatalf("no per-office unsubscribe button in %v", data)
		}
	})
}

func TestOfficePickerCallback(t *testing.T) {
	e := newHandlerEnv()
	if err := cbSubOffices(context.Background(), e.cbReq(handlerUser, 50), "500"); err != nil {
		t.Fatalf("cbSubOffices: %v", err)
	}
	e.ad.mu.Lock()
	msg := e.ad.edited[0]
	e.ad.mu.Unlock()

	if !strings.Contains(msg.Text, "(2 available)") {
		t.Fatalf("picker text = %q", msg.Text)
	}
	data := buttonData(markupOf(t, msg.Opt))
	if data[0] != "sub:add:500|10" || data[1] != "sub:add:500|11" {
		t.Fatalf("office buttons = %v", data[:2])
	}
}

func TestAddSubscriptionCallback(t *testing.T) {
	e := newHandlerEnv()
	e.store.seedUser(handlerUser, "2025-10-01", "2025-12-01", true)

	if err := cbSubAdd(context.Background(), e.cbReq(handlerUser, 50), "500|10"); err != nil {
		t.Fatalf("cbSubAdd: %v", err)
	}
	if n := e.store.subCount(handlerUser); n != 1 {
		t.Fatalf("subscriptions = %d, want 1", n)
	}
	got := e.ad.editedTexts()[0]
	for _, want := range []string{"Subscription Successful", "Reisepass beantragen", "Bürgerbüro Leonrodstraße", "2025-10-01"} {
		if !strings.Contains(got, want) {
			t.Fatalf("success message missing %q:\n%s", want, got)
		}
	}

	// Second tap on the same button must not duplicate.
	if err := cbSubAdd(context.Background(), e.cbReq(handlerUser, 50), "500|10"); err != nil {
		t.Fatalf("cbSubAdd repeat: %v", err)
	}
	if n := e.store.subCount(handlerUser); n != 1 {
		t.Fatalf("subscriptions after repeat = %d, want 1", n)
	}
	answers := e.ad.answerTexts()
	if len(answers) == 0 || !strings.Contains(answers[len(answers)-1], "already subscribed") {
		t.Fatalf("answers = %v, want already-subscribed alert", answers)
	}
}

func TestRemoveSubscriptionCallback(t *testing.T) {
	e := newHandlerEnv()
	e.store.seedUser(handlerUser, "", "", true)
	e.store.seedSub(handlerUser, 500, 10)

	if err := cbSubDel(context.Background(), e.cbReq(handlerUser, 50), "500|10"); err != nil {
		t.Fatalf("cbSubDel: %v", err)
	}
	if n := e.store.subCount(handlerUser); n != 0 {
		t.Fatalf("subscriptions = %d, want 0", n)
	}
	if got := e.ad.editedTexts()[0]; !strings.Contains(got, "No Subscriptions") {
		t.Fatalf("list after removal = %q", got)
	}
}

func TestClearAllCallbacks(t *testing.T) {
	e := newHandlerEnv()
	e.store.seedUser(handlerUser, "", "", true)
	e.store.seedSub(handlerUser, 500, 10)
	e.store.seedSub(handlerUser, 501, 10)

	if err := cbSubClear(context.Background(), e.cbReq(handlerUser, 50), ""); err != nil {
		t.Fatalf("cbSubClear: %v", err)
	}
	if got := e.ad.editedTexts()[0]; !strings.Contains(got, "Are you sure?") {
		t.Fatalf("confirm prompt = %q", got)
	}

	if err := cbSubClearGo(context.Background(), e.cbReq(handlerUser, 50), ""); err != nil {
		t.Fatalf("cbSubClearGo: %v", err)
	}
	if n := e.store.subCount(handlerUser); n != 0 {
		t.Fatalf("subscriptions = %d, want 0", n)
	}
	answers := e.ad.answerTexts()
	if len(answers) == 0 || !strings.Contains(answers[len(answers)-1], "Removed 2 subscription(s)") {
		t.Fatalf("answers = %v", answers)
	}
}

func TestDatePresetCallback(t *testing.T) {
	e := newHandlerEnv()
	e.store.seedUser(handlerUser, "", "", true)

	if err := cbDatesPreset(context.Background(), e.cbReq(handlerUser, 50), "30"); err != nil {
		t.Fatalf("cbDatesPreset: %v", err)
	}

	today := time.Now().In(muenchen.Berlin())
	u, _ := e.store.user(handlerUser)
	if u.StartDate != today.Format(dateFormat) {
		t.Fatalf("start = %q, want today %q", u.StartDate, today.Format(dateFormat))
	}
	if u.EndDate != today.AddDate(0, 0, 30).Format(dateFormat) {
		t.Fatalf("end = %q, want +30d", u.EndDate)
	}
	answers := e.ad.answerTexts()
	if len(answers) == 0 || !strings.Contains(answers[0], "next 30 days") {
		t.Fatalf("answers = %v", answers)
	}
	if got := e.ad.editedTexts()[0]; !strings.Contains(got, "Your Status") {
		t.Fatalf("follow-up screen = %q", got)
	}
}

func TestBookingCallbacks(t *testing.T) {
	t.Run("day starts flow as new message", func(t *testing.T) {
		e := newHandlerEnv()
		if err := cbBookDay(context.Background(), e.cbReq(handlerUser, 50), "2025-11-05|10|500"); err != nil {
			t.Fatalf("cbBookDay: %v", err)
		}
		if got := e.book.recorded(); len(got) != 1 || got[0] != "start:7:2025-11-05:10:500" {
			t.Fatalf("booking calls = %v", got)
		}
		if sent := e.ad.sentTexts(); len(sent) != 1 || sent[0] != "BOOK START" {
			t.Fatalf("sent = %v", sent)
		}
		if edited := e.ad.editedTexts(); len(edited) != 0 {
			t.Fatalf("availability notification must not be edited, got %v", edited)
		}
	})

	t.Run("slot edits tapped message", func(t *testing.T) {
		e := newHandlerEnv()
		if err := cbBookSlot(context.Background(), e.cbReq(handlerUser, 50), "1762329600"); err != nil {
			t.Fatalf("cbBookSlot: %v", err)
		}
		if got := e.book.recorded(); len(got) != 1 || got[0] != "slot:7:1762329600" {
			t.Fatalf("booking calls = %v", got)
		}
		if edited := e.ad.editedTexts(); len(edited) != 1 || edited[0] != "BOOK SLOT" {
			t.Fatalf("edited = %v", edited)
		}
	})

	t.Run("confirm shows progress then result", func(t *testing.T) {
		e := newHandlerEnv()
		if err := cbBookConfirm(context.Background(), e.cbReq(handlerUser, 50), ""); err != nil {
			t.Fatalf("cbBookConfirm: %v", err)
		}
		edited := e.ad.editedTexts()
		if len(edited) != 2 {
			t.Fatalf("edits = %v, want progress then result", edited)
		}
		if !strings.Contains(edited[0], "Processing your booking") {
			t.Fatalf("first edit = %q", edited[0])
		}
		if edited[1] != "BOOK RESULT" {
			t.Fatalf("second edit = %q", edited[1])
		}
	})

	t.Run("cancel", func(t *testing.T) {
		e := newHandlerEnv()
		if err := cbBookCancel(context.Background(), e.cbReq(handlerUser, 50), ""); err != nil {
			t.Fatalf("cbBookCancel: %v", err)
		}
		if got := e.book.recorded(); len(got) != 1 || got[0] != "cancel:7" {
			t.Fatalf("booking calls = %v", got)
		}
	})

	t.Run("malformed payloads are dropped", func(t *testing.T) {
		e := newHandlerEnv()
		if err := cbBookDay(context.Background(), e.cbReq(handlerUser, 50), "2025-11-05|oops"); err != nil {
			t.Fatalf("cbBookDay: %v", err)
		}
		if err := cbBookSlot(context.Background(), e.cbReq(handlerUser, 50), "not-a-unix"); err != nil {
			t.Fatalf("cbBookSlot: %v", err)
		}
		if got := e.book.recorded(); len(got) != 0 {
			t.Fatalf("booking calls = %v, want none", got)
		}
	})
}

func TestCheckNowCommand(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		e := newHandlerEnv()
		if err := handleCheckNow(context.Background(), e.req(handlerUser)); err != nil {
			t.Fatalf("handleCheckNow: %v", err)
		}
		sent := e.ad.sentTexts()
		if len(sent) != 2 || !strings.Contains(sent[0], "Running a check cycle") || !strings.Contains(sent[1], "completed") {
			t.Fatalf("sends = %v", sent)
		}
		if e.chk.runs != 1 {
			t.Fatalf("runs = %d", e.chk.runs)
		}
	})

	t.Run("failure", func(t *testing.T) {
		e := newHandlerEnv()
		e.chk.runErr = fmt.Errorf("token rejected")
		if err := handleCheckNow(context.Background(), e.req(handlerUser)); err != nil {
			t.Fatalf("handleCheckNow: %v", err)
		}
		sent := e.ad.sentTexts()
		if len(sent) != 2 || !strings.Contains(sent[1], "Check failed") {
			t.Fatalf("sends = %v", sent)
		}
	})
}

func TestHealthScreen(t *testing.T) {
	e := newHandlerEnv()
	e.serv.Health = &fakeHealthPort{st: health.State{Consecutive: 1, TotalFailures: 4, LastError: "status 500"}}
	e.serv.Tokens = &fakeTokensPort{age: 3 * time.Minute, ok: true}
	e.serv.Queue = &fakeQueuePort{n: 2}
	e.serv.Scheduler = &fakeSchedPort{snap: scheduler.Snapshot{
		Workers: 4, QueueCap: 64,
		Schedules: []scheduler.ScheduleInfo{{Name: "availability-check", Spec: "@every 2m0s", Next: time.Now().Add(time.Minute)}},
	}}
	e.serv.Supervisor = &fakeSupPort{rep: supervisor.Report{
		Active: 5, Started: 9,
		Loops: []supervisor.LoopStats{
			{Name: "bot.dispatch", Active: 1, Starts: 1},
			{Name: "telebot.poll", Active: 1, Starts: 3, Restarts: 2, LastErr: "telebot.poll: connection reset"},
		},
	}}

	if err := handleHealth(context.Background(), e.req(handlerUser)); err != nil {
		t.Fatalf("handleHealth: %v", err)
	}
	got := e.ad.sentTexts()[0]
	for _, want := range []string{"System Health", "1 consecutive failure(s)", "status 500", "Suppressed users", "availability-check",
		"Goroutines", "5 (9 started)", "telebot.poll", "2 restart(s)", "connection reset"} {
		if !strings.Contains(got, want) {
			t.Fatalf("health screen missing %q:\n%s", want, got)
		}
	}
	// A loop with no restarts, panics or errors stays off the screen.
	if strings.Contains(got, "bot.dispatch") {
		t.Fatalf("healthy loop should be omitted:\n%s", got)
	}
}

func TestMyServicesList(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		e := newHandlerEnv()
		if err := handleMyServices(context.Background(), e.req(handlerUser)); err != nil {
			t.Fatalf("handleMyServices: %v", err)
		}
		if got := e.ad.sentTexts()[0]; !strings.Contains(got, "No Subscriptions") {
			t.Fatalf("reply = %q", got)
		}
	})

	t.Run("list with remove buttons", func(t *testing.T) {
		e := newHandlerEnv()
		e.store.seedSub(handlerUser, 500, 10)
		e.store.seedSub(handlerUser, 501, 11)

		if err := handleMyServices(context.Background(), e.req(handlerUser)); err != nil {
			t.Fatalf("handleMyServices: %v", err)
		}
		e.ad.mu.Lock()
		msg := e.ad.sent[0]
		e.ad.mu.Unlock()

		for _, want := range []string{"Reisepass beantragen", "Personalausweis beantragen", "<b>Total:</b> 2 subscription(s)"} {
			if !strings.Contains(msg.Text, want) {
				t.Fatalf("list missing %q:\n%s", want, msg.Text)
			}
		}
		data := buttonData(markupOf(t, msg.Opt))
		wantDel := map[string]bool{"sub:del:500|10": false, "sub:del:501|11": false}
		clearSeen := false
		for _, d := range data {
			if _, ok := wantDel[d]; ok {
				wantDel[d] = true
			}
			if d == "sub:clear" {
				clearSeen = true
			}
		}
		for d, seen := range wantDel {
			if !seen {
				t.Fatalf("missing remove button %q in %v", d, data)
			}
		}
		if !clearSeen {
			t.Fatalf("missing remove-all button in %v", data)
		}
	})
}
