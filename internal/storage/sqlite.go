package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	logx "terminbot/pkg/logx"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

// Store is the SQLite-backed persistence layer. Safe for concurrent use.
type Store struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

// Open opens (or creates) the database at cfg.Path and applies the schema.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &Store{db: db, log: log, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertUser registers id (or refreshes its username) and marks it active.
func (s *Store) UpsertUser(ctx context.Context, id int64, username string) error {
	now := time.Now().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, username, language, active, created_at, updated_at)
		 VALUES(?,?,?,1,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		     username = excluded.username,
		     active = 1,
		     updated_at = excluded.updated_at`,
		id, nullStr(username), "en", now, now,
	)
	return err
}

func (s *Store) GetUser(ctx context.Context, id int64) (User, bool, error) {
	var (
		u                  User
		username           sql.NullString
		startDate, endDate sql.NullString
		active             int
		createdAt, updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, language, start_date, end_date, active, created_at, updated_at
		 FROM users WHERE user_id = ?`, id,
	).Scan(&u.ID, &username, &u.Language, &startDate, &endDate, &active, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	u.Username = username.String
	u.StartDate = startDate.String
	u.EndDate = endDate.String
	u.Active = active != 0
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updated)
	return u, true, nil
}

// SetUserActive flips the monitoring flag. Inactive users keep their
// subscriptions but are excluded from the check cycle.
func (s *Store) SetUserActive(ctx context.Context, id int64, active bool) error {
	v := 0
	if active {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET active = ?, updated_at = ? WHERE user_id = ?`,
		v, time.Now().Format(time.RFC3339Nano), id,
	)
	return err
}

// SetUserDateRange stores the search window ("YYYY-MM-DD" strings).
func (s *Store) SetUserDateRange(ctx context.Context, id int64, start, end string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET start_date = ?, end_date = ?, updated_at = ? WHERE user_id = ?`,
		nullStr(start), nullStr(end), time.Now().Format(time.RFC3339Nano), id,
	)
	return err
}

// AddSubscription inserts a watch; reports false if it already existed.
func (s *Store) AddSubscription(ctx context.Context, userID, serviceID, officeID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscriptions(user_id, service_id, office_id, subscribed_at)
		 VALUES(?,?,?,?)`,
		userID, serviceID, officeID, time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveSubscription deletes a watch; reports false if it did not exist.
func (s *Store) RemoveSubscription(ctx context.Context, userID, serviceID, officeID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE user_id = ? AND service_id = ? AND office_id = ?`,
		userID, serviceID, officeID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) ClearSubscriptions(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ListUserSubscriptions(ctx context.Context, userID int64) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, service_id, office_id, subscribed_at
		 FROM subscriptions WHERE user_id = ?
		 ORDER BY service_id, office_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var (
			sub Subscription
			at  string
		)
		if err := rows.Scan(&sub.UserID, &sub.ServiceID, &sub.OfficeID, &at); err != nil {
			return nil, err
		}
		sub.SubscribedAt = parseTime(at)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ListActiveSubscriptions returns every watch owned by an active user,
// joined with that user's search window. Ordering is stable so the check
// cycle groups deterministically.
func (s *Store) ListActiveSubscriptions(ctx context.Context) ([]ActiveSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.user_id, s.service_id, s.office_id,
		        COALESCE(u.start_date, ''), COALESCE(u.end_date, '')
		 FROM subscriptions s
		 JOIN users u ON u.user_id = s.user_id
		 WHERE u.active = 1
		 ORDER BY s.service_id, s.office_id, s.user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActiveSubscription
	for rows.Next() {
		var sub ActiveSubscription
		if err := rows.Scan(&sub.UserID, &sub.ServiceID, &sub.OfficeID, &sub.StartDate, &sub.EndDate); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM users),
		   (SELECT COUNT(*) FROM users WHERE active = 1),
		   (SELECT COUNT(*) FROM subscriptions)`,
	).Scan(&c.Users, &c.ActiveUsers, &c.Subscriptions)
	return c, err
}

// LogAppointments records a raw availability payload for later analysis.
func (s *Store) LogAppointments(ctx context.Context, serviceID, officeID int64, dataJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO appointment_log(found_at, service_id, office_id, data) VALUES(?,?,?,?)`,
		time.Now().Format(time.RFC3339Nano), serviceID, officeID, dataJSON,
	)
	return err
}

// PruneAppointmentLog deletes log rows older than cutoff and reports how
// many were removed. Called by the nightly maintenance job.
func (s *Store) PruneAppointmentLog(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM appointment_log WHERE found_at < ?`,
		cutoff.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) AppendBookingAudit(ctx context.Context, e BookingAuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var slotAt any
	if !e.SlotAt.IsZero() {
		slotAt = e.SlotAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO booking_audit(at, user_id, service_id, office_id, slot_at, stage, outcome, detail)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.UserID, e.ServiceID, e.OfficeID,
		slotAt, e.Stage, e.Outcome, nullStr(e.Detail),
	)
	return err
}

// PutDedup records an alert suppression window. Every Nth write also
// sweeps expired rows so the table stays small between maintenance runs.
func (s *Store) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err != nil {
		return err
	}
	if s.opCount.Add(1)%s.pruneEvery == 0 {
		sctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.PruneExpiredDedup(sctx)
		cancel()
	}
	return nil
}

func (s *Store) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	switch err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms); {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// PruneExpiredDedup drops suppression rows whose window has passed and
// reports how many went. The nightly maintenance job calls it.
func (s *Store) PruneExpiredDedup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
