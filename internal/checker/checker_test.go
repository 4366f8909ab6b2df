package checker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"terminbot/internal/muenchen"
	"terminbot/internal/storage"
	kit "terminbot/internal/transport"
	logx "terminbot/pkg/logx"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(s string) {
	c.mu.Lock()
	c.calls = append(c.calls, s)
	c.mu.Unlock()
}

func (c *callLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakeStore struct {
	mu      sync.Mutex
	subs    []storage.ActiveSubscription
	listErr error
	logged  []string
}

func (f *fakeStore) ListActiveSubscriptions(ctx context.Context) ([]storage.ActiveSubscription, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]storage.ActiveSubscription(nil), f.subs...), nil
}

func (f *fakeStore) LogAppointments(ctx context.Context, serviceID, officeID int64, dataJSON string) error {
	f.mu.Lock()
	f.logged = append(f.logged, dataJSON)
	f.mu.Unlock()
	return nil
}

type groupKey struct{ serviceID, officeID int64 }

type fakeAPI struct {
	calls *callLog

	mu      sync.Mutex
	days    map[groupKey][]muenchen.DayAvailability
	errBy   map[groupKey]error
	queries []muenchen.AvailabilityQuery
}

func (f *fakeAPI) Query(ctx context.Context, q muenchen.AvailabilityQuery) ([]muenchen.DayAvailability, error) {
	f.calls.add("query")
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	k := groupKey{q.ServiceID, q.OfficeID}
	if err := f.errBy[k]; err != nil {
		return nil, err
	}
	return f.days[k], nil
}

type fakeTokens struct {
	calls *callLog

	token       string
	err         error
	invalidated int
}

func (f *fakeTokens) EnsureFresh(ctx context.Context) (string, error) {
	f.calls.add("ensure_fresh")
	return f.token, f.err
}

func (f *fakeTokens) Invalidate() { f.invalidated++ }

type fakeQueue struct{ active map[int64]bool }

func (f *fakeQueue) IsActive(userID int64) bool { return f.active[userID] }

type fakeNotify struct {
	mu   sync.Mutex
	sent []kit.Notification
	err  error
}

func (f *fakeNotify) Notify(ctx context.Context, n kit.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

type healthRec struct {
	ok     bool
	detail string
}

type fakeHealth struct {
	mu   sync.Mutex
	recs []healthRec
}

func (f *fakeHealth) Record(ctx context.Context, ok bool, detail string) {
	f.mu.Lock()
	f.recs = append(f.recs, healthRec{ok, detail})
	f.mu.Unlock()
}

type namesMap map[int64]string

func (n namesMap) ServiceName(id int64) string {
	if s, ok := n[id]; ok {
		return s
	}
	return fmt.Sprintf("Service %d", id)
}

func (n namesMap) OfficeName(id int64) string { return fmt.Sprintf("Office %d", id) }

type env struct {
	store  *fakeStore
	api    *fakeAPI
	tokens *fakeTokens
	queue  *fakeQueue
	notify *fakeNotify
	health *fakeHealth
	calls  *callLog
	svc    *Service
}

func newEnv() *env {
	calls := &callLog{}
	e := &env{
		store:  &fakeStore{},
		api:    &fakeAPI{calls: calls, days: map[groupKey][]muenchen.DayAvailability{}, errBy: map[groupKey]error{}},
		tokens: &fakeTokens{calls: calls, token: "tok-1"},
		queue:  &fakeQueue{active: map[int64]bool{}},
		notify: &fakeNotify{},
		health: &fakeHealth{},
		calls:  calls,
	}
	e.svc = New(Config{}, Deps{
		Store:  e.store,
		API:    e.api,
		Tokens: e.tokens,
		Queue:  e.queue,
		Notify: e.notify,
		Health: e.health,
		Names:  namesMap{500: "Anmeldung eines Wohnsitzes"},
	}, logx.Nop())
	e.svc.now = func() time.Time { return time.Date(2025, 10, 20, 12, 0, 0, 0, time.UTC) }
	return e
}

func berlinSlot(date string, hour, min int) time.Time {
	t, _ := time.ParseInLocation("2006-01-02", date, muenchen.Berlin())
	return time.Date(t.Year(), t.Month(), t.Day(), hour, min, 0, 0, muenchen.Berlin())
}

func TestCycleNotifiesMatchingSubscriber(t *testing.T) {
	e := newEnv()
	e.store.subs = []storage.ActiveSubscription{
		{UserID: 1, ServiceID: 500, OfficeID: 10, StartDate: "2025-11-01", EndDate: "2025-11-10"},
	}
	e.api.days[groupKey{500, 10}] = []muenchen.DayAvailability{
		{Date: "2025-11-05", Slots: []time.Time{berlinSlot("2025-11-05", 9, 0), berlinSlot("2025-11-05", 9, 30)}},
	}

	if err := e.svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(e.notify.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(e.notify.sent))
	}
	n := e.notify.sent[0]
	if n.Target.ChatID != 1 || n.Kind != kit.NoticeAvailability {
		t.Fatalf("notification routing = %+v", n)
	}
	for _, want := range []string{"2025-11-05", "09:00", "09:30", "Anmeldung eines Wohnsitzes"} {
		if !strings.Contains(n.Text, want) {
			t.Fatalf("text missing %q:\n%s", want, n.Text)
		}
	}
	if n.Options == nil || n.Options.ParseMode != "HTML" || n.Options.ReplyMarkupAdapter == nil {
		t.Fatalf("send options = %+v", n.Options)
	}
	if len(e.store.logged) != 1 {
		t.Fatalf("appointment log rows = %d, want 1", len(e.store.logged))
	}
	if len(e.health.recs) != 1 || !e.health.recs[0].ok {
		t.Fatalf("health = %+v", e.health.recs)
	}
}

func TestSuppressedUserGetsNoNotification(t *testing.T) {
	e := newEnv()
	e.store.subs = []storage.ActiveSubscription{
		{UserID: 1, ServiceID: 500, OfficeID: 10, StartDate: "2025-11-01", EndDate: "2025-11-10"},
	}
	e.api.days[groupKey{500, 10}] = []muenchen.DayAvailability{{Date: "2025-11-05"}}
	e.queue.active[1] = true

	if err := e.svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(e.notify.sent) != 0 {
		t.Fatalf("want zero notifications for a user mid-booking, got %d", len(e.notify.sent))
	}
	if len(e.health.recs) != 1 || !e.health.recs[0].ok {
		t.Fatalf("suppression must not fail the cycle: %+v", e.health.recs)
	}
}

func TestTokenFreshnessPrecedesQueries(t *testing.T) {
	e := newEnv()
	e.store.subs = []storage.ActiveSubscription{
		{UserID: 1, ServiceID: 500, OfficeID: 10, StartDate: "2025-11-01", EndDate: "2025-11-10"},
		{UserID: 2, ServiceID: 501, OfficeID: 11, StartDate: "2025-11-01", EndDate: "2025-11-10"},
	}

	if err := e.svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	calls := e.calls.list()
	if len(calls) == 0 || calls[0] != "ensure_fresh" {
		t.Fatalf("first external call = %v, want ensure_fresh", calls)
	}
	ensures, queries := 0, 0
	for _, c := range calls {
		switch c {
		case "ensure_fresh":
			ensures++
		case "query":
			queries++
		}
	}
	if ensures != 1 || queries != 2 {
		t.Fatalf("ensure_fresh=%d queries=%d, want 1 and 2", ensures, queries)
	}
}

func TestGroupFailureIsIsolated(t *testing.T) {
	e := newEnv()
	e.store.subs = []storage.ActiveSubscription{
		{UserID: 1, ServiceID: 500, OfficeID: 10, StartDate: "2025-11-01", EndDate: "2025-11-10"},
		{UserID: 2, ServiceID: 501, OfficeID: 11, StartDate: "2025-11-01", EndDate: "2025-11-10"},
	}
	e.api.errBy[groupKey{500, 10}] = errors.New("502 bad gateway")
	e.api.days[groupKey{501, 11}] = []muenchen.DayAvailability{{Date: "2025-11-03"}}

	if err := e.svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("partial failure must not fail the cycle: %v", err)
	}
	if len(e.notify.sent) != 1 || e.notify.sent[0].Target.ChatID != 2 {
		t.Fatalf("sent = %+v, want one notification to user 2", e.notify.sent)
	}
	if len(e.health.recs) != 1 || !e.health.recs[0].ok {
		t.Fatalf("health = %+v", e.health.recs)
	}
}

func TestAllGroupsFailingFailsCycle(t *testing.T) {
	e := newEnv()
	e.store.subs = []storage.ActiveSubscription{
		{UserID: 1, ServiceID: 500, OfficeID: 10, StartDate: "2025-11-01", EndDate: "2025-11-10"},
		{UserID: 2, ServiceID: 501, OfficeID: 11, StartDate: "2025-11-01", EndDate: "2025-11-10"},
	}
	e.api.errBy[groupKey{500, 10}] = errors.New("timeout")
	e.api.errBy[groupKey{501, 11}] = errors.New("timeout")

	err := e.svc.RunCycle(context.Background())
	if err == nil {
		t.Fatalf("want cycle failure when every group fails")
	}
	if len(e.health.recs) != 1 || e.health.recs[0].ok {
		t.Fatalf("health = %+v, want one failure record", e.health.recs)
	}
	if got := e.svc.Stats().FailedChecks; got != 1 {
		t.Fatalf("FailedChecks = %d, want 1", got)
	}
}

func TestTokenRejectionAbortsCycle(t *testing.T) {
	e := newEnv()
	e.store.subs = []storage.ActiveSubscription{
		{UserID: 1, ServiceID: 500, OfficeID: 10, StartDate: "2025-11-01", EndDate: "2025-11-10"},
		{UserID: 2, ServiceID: 501, OfficeID: 11, StartDate: "2025-11-01", EndDate: "2025-11-10"},
	}
	e.api.errBy[groupKey{500, 10}] = fmt.Errorf("auth: %w", muenchen.ErrTokenRejected)

	err := e.svc.RunCycle(context.Background())
	if !errors.Is(err, muenchen.ErrTokenRejected) {
		t.Fatalf("err = %v, want ErrTokenRejected", err)
	}
	if e.tokens.invalidated != 1 {
		t.Fatalf("invalidated = %d, want 1", e.tokens.invalidated)
	}
	// The second group is never queried with a known-bad token.
	e.api.mu.Lock()
	queries := len(e.api.queries)
	e.api.mu.Unlock()
	if queries != 1 {
		t.Fatalf("queries = %d, want 1 (abort after rejection)", queries)
	}
}

func TestTokenDerivationFailureFailsCycle(t *testing.T) {
	e := newEnv()
	e.store.subs = []storage.ActiveSubscription{
		{UserID: 1, ServiceID: 500, OfficeID: 10, StartDate: "2025-11-01", EndDate: "2025-11-10"},
	}
	e.tokens.err = errors.New("solver budget exhausted")

	err := e.svc.RunCycle(context.Background())
	if err == nil || !strings.Contains(err.Error(), "token") {
		t.Fatalf("err = %v, want token failure", err)
	}
	if len(e.api.queries) != 0 {
		t.Fatalf("no availability queries expected without a token")
	}
	if len(e.health.recs) != 1 || e.health.recs[0].ok {
		t.Fatalf("health = %+v", e.health.recs)
	}
}

func TestPerUserRangeIntersection(t *testing.T) {
	e := newEnv()
	e.store.subs = []storage.ActiveSubscription{
		{UserID: 1, ServiceID: 500, OfficeID: 10, StartDate: "2025-11-01", EndDate: "2025-11-04"},
		{UserID: 2, ServiceID: 500, OfficeID: 10, StartDate: "2025-11-03", EndDate: "2025-11-10"},
	}
	e.api.days[groupKey{500, 10}] = []muenchen.DayAvailability{{Date: "2025-11-05"}}

	if err := e.svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// One query covering the union of both ranges.
	if len(e.api.queries) != 1 {
		t.Fatalf("queries = %d, want 1", len(e.api.queries))
	}
	q := e.api.queries[0]
	if q.StartDate != "2025-11-01" || q.EndDate != "2025-11-10" {
		t.Fatalf("union range = %s..%s", q.StartDate, q.EndDate)
	}
	// 2025-11-05 is outside user 1's window.
	if len(e.notify.sent) != 1 || e.notify.sent[0].Target.ChatID != 2 {
		t.Fatalf("sent = %+v, want only user 2", e.notify.sent)
	}
}

func TestDefaultRangeApplied(t *testing.T) {
	e := newEnv()
	e.store.subs = []storage.ActiveSubscription{
		{UserID: 1, ServiceID: 500, OfficeID: 10},
	}

	if err := e.svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(e.api.queries) != 1 {
		t.Fatalf("queries = %d, want 1", len(e.api.queries))
	}
	q := e.api.queries[0]
	if q.StartDate != "2025-10-20" || q.EndDate != "2025-12-19" {
		t.Fatalf("default range = %s..%s, want 2025-10-20..2025-12-19", q.StartDate, q.EndDate)
	}
}

func TestStatsAccumulate(t *testing.T) {
	e := newEnv()
	e.store.subs = []storage.ActiveSubscription{
		{UserID: 1, ServiceID: 500, OfficeID: 10, StartDate: "2025-11-01", EndDate: "2025-11-10"},
	}
	e.api.days[groupKey{500, 10}] = []muenchen.DayAvailability{{Date: "2025-11-05"}}

	if err := e.svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	delete(e.api.days, groupKey{500, 10})
	if err := e.svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle 2: %v", err)
	}

	st := e.svc.Stats()
	if st.TotalChecks != 2 || st.SuccessfulChecks != 2 || st.FailedChecks != 0 {
		t.Fatalf("counts = %+v", st)
	}
	if st.AppointmentsFound != 1 || st.NotificationsSent != 1 {
		t.Fatalf("found=%d sent=%d, want 1 and 1", st.AppointmentsFound, st.NotificationsSent)
	}
	if st.LastCheckAt.IsZero() || st.LastSuccessAt.IsZero() || st.StartedAt.IsZero() {
		t.Fatalf("timestamps = %+v", st)
	}
}

func TestSubscriptionLoadFailureFailsCycle(t *testing.T) {
	e := newEnv()
	e.store.listErr = errors.New("database is locked")

	err := e.svc.RunCycle(context.Background())
	if err == nil || !strings.Contains(err.Error(), "load subscriptions") {
		t.Fatalf("err = %v, want wrapped load failure", err)
	}
	if len(e.health.recs) != 1 || e.health.recs[0].ok {
		t.Fatalf("health = %+v", e.health.recs)
	}
}

func TestIdleCycleWithoutSubscriptions(t *testing.T) {
	e := newEnv()

	if err := e.svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if calls := e.calls.list(); len(calls) != 0 {
		t.Fatalf("no external calls expected on an idle cycle, got %v", calls)
	}
	if len(e.health.recs) != 1 || !e.health.recs[0].ok {
		t.Fatalf("health = %+v", e.health.recs)
	}
}

func TestNormalizeInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"zero uses default", 0, DefaultInterval},
		{"below floor clamps up", time.Second, 5 * time.Second},
		{"above ceiling clamps down", time.Hour, 10 * time.Minute},
		{"in range passes through", 90 * time.Second, 90 * time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := normalizeInterval(tt.in); got != tt.want {
				t.Fatalf("normalizeInterval(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
