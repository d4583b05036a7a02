package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tickrelay/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ CacheStore = (*SQLiteStore)(nil)
var _ AlertStore = (*SQLiteStore)(nil)
var _ CostStore = (*SQLiteStore)(nil)
var _ NotificationStore = (*SQLiteStore)(nil)
var _ HistoryStore = (*SQLiteStore)(nil)

// SQLiteStore implements every store interface backed by a single SQLite
// database.
type SQLiteStore struct {
	db *sql.DB
}

// schema is applied on open; all statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS cache (
		ns          TEXT NOT NULL,
		key         TEXT NOT NULL,
		value       BLOB NOT NULL,
		written_at  INTEGER NOT NULL,
		ttl_seconds INTEGER NOT NULL,
		PRIMARY KEY (ns, key)
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id                  TEXT PRIMARY KEY,
		owner_id            TEXT NOT NULL,
		instrument          TEXT NOT NULL,
		target_price        REAL NOT NULL,
		condition           TEXT NOT NULL,
		status              TEXT NOT NULL,
		repeat_policy       TEXT NOT NULL,
		priority            INTEGER NOT NULL,
		cooldown_seconds    INTEGER NOT NULL,
		last_observed_price REAL,
		last_notified_at    INTEGER,
		created_at          INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status)`,
	`CREATE TABLE IF NOT EXISTS cost_entries (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		service   TEXT NOT NULL,
		operation TEXT NOT NULL,
		requests  INTEGER NOT NULL,
		cost      REAL NOT NULL,
		ts        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cost_entries_ts ON cost_entries(ts)`,
	`CREATE TABLE IF NOT EXISTS notification_queue (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_id  TEXT NOT NULL,
		owner_id  TEXT NOT NULL,
		priority  INTEGER NOT NULL,
		payload   TEXT NOT NULL,
		queued_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS alert_history (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_id       TEXT NOT NULL,
		owner_id       TEXT NOT NULL,
		instrument     TEXT NOT NULL,
		observed_price REAL NOT NULL,
		triggered_at   INTEGER NOT NULL,
		payload        TEXT NOT NULL
	)`,
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// modernc.org/sqlite serializes writes; one connection avoids
	// SQLITE_BUSY churn under concurrent component writes.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// CacheStore implementation
// ---------------------------------------------------------------------------

// GetCache returns the row for (ns, key), or ok=false if absent.
func (s *SQLiteStore) GetCache(ctx context.Context, ns CacheNamespace, key string) (CacheRow, bool, error) {
	var (
		value      []byte
		writtenAt  int64
		ttlSeconds int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, written_at, ttl_seconds FROM cache WHERE ns = ? AND key = ?`,
		string(ns), key,
	).Scan(&value, &writtenAt, &ttlSeconds)
	if err == sql.ErrNoRows {
		return CacheRow{}, false, nil
	}
	if err != nil {
		return CacheRow{}, false, fmt.Errorf("reading cache %s/%s: %w", ns, key, err)
	}

	return CacheRow{
		Key:        key,
		Value:      value,
		WrittenAt:  time.Unix(writtenAt, 0).UTC(),
		TTLSeconds: ttlSeconds,
	}, true, nil
}

// PutCache inserts or replaces the row for (ns, key).
func (s *SQLiteStore) PutCache(ctx context.Context, ns CacheNamespace, row CacheRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache (ns, key, value, written_at, ttl_seconds) VALUES (?, ?, ?, ?, ?)`,
		string(ns), row.Key, row.Value, row.WrittenAt.Unix(), row.TTLSeconds,
	)
	if err != nil {
		return fmt.Errorf("writing cache %s/%s: %w", ns, row.Key, err)
	}
	return nil
}

// PurgeExpiredCache deletes all rows expired at the given time.
func (s *SQLiteStore) PurgeExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache WHERE written_at + ttl_seconds <= ?`, now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("purging cache: %w", err)
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// AlertStore implementation
// ---------------------------------------------------------------------------

// SaveAlert inserts or replaces an alert rule.
func (s *SQLiteStore) SaveAlert(ctx context.Context, a *domain.Alert) error {
	var lastObserved any
	if a.LastObservedPrice != nil {
		lastObserved = *a.LastObservedPrice
	}
	var lastNotified any
	if a.LastNotifiedAt != nil {
		lastNotified = a.LastNotifiedAt.Unix()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO alerts
		 (id, owner_id, instrument, target_price, condition, status, repeat_policy,
		  priority, cooldown_seconds, last_observed_price, last_notified_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.Instrument, a.TargetPrice, string(a.Condition),
		string(a.Status), string(a.Repeat), int(a.Priority), a.CooldownSeconds,
		lastObserved, lastNotified, a.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("saving alert %s: %w", a.ID, err)
	}
	return nil
}

// GetAlert retrieves a single alert by ID.
func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*domain.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, instrument, target_price, condition, status, repeat_policy,
		        priority, cooldown_seconds, last_observed_price, last_notified_at, created_at
		 FROM alerts WHERE id = ?`, id)

	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("alert %s: not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading alert %s: %w", id, err)
	}
	return a, nil
}

// ListActiveAlerts returns all alerts with status = active.
func (s *SQLiteStore) ListActiveAlerts(ctx context.Context) ([]domain.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, instrument, target_price, condition, status, repeat_policy,
		        priority, cooldown_seconds, last_observed_price, last_notified_at, created_at
		 FROM alerts WHERE status = ? ORDER BY instrument, id`,
		string(domain.AlertActive))
	if err != nil {
		return nil, fmt.Errorf("listing active alerts: %w", err)
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// UpdateAlertState persists the sweep-owned fields of an alert.
func (s *SQLiteStore) UpdateAlertState(ctx context.Context, a *domain.Alert) error {
	var lastObserved any
	if a.LastObservedPrice != nil {
		lastObserved = *a.LastObservedPrice
	}
	var lastNotified any
	if a.LastNotifiedAt != nil {
		lastNotified = a.LastNotifiedAt.Unix()
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = ?, last_observed_price = ?, last_notified_at = ? WHERE id = ?`,
		string(a.Status), lastObserved, lastNotified, a.ID,
	)
	if err != nil {
		return fmt.Errorf("updating alert state %s: %w", a.ID, err)
	}
	return nil
}

// ReactivateAlert flips a triggered alert back to active.
func (s *SQLiteStore) ReactivateAlert(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = ? WHERE id = ? AND status = ?`,
		string(domain.AlertActive), id, string(domain.AlertTriggered),
	)
	if err != nil {
		return fmt.Errorf("reactivating alert %s: %w", id, err)
	}
	return nil
}

// DeleteAlert removes an alert rule.
func (s *SQLiteStore) DeleteAlert(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting alert %s: %w", id, err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(sc scanner) (*domain.Alert, error) {
	var (
		a            domain.Alert
		condition    string
		status       string
		repeat       string
		priority     int
		lastObserved sql.NullFloat64
		lastNotified sql.NullInt64
		createdAt    int64
	)
	err := sc.Scan(&a.ID, &a.OwnerID, &a.Instrument, &a.TargetPrice, &condition,
		&status, &repeat, &priority, &a.CooldownSeconds, &lastObserved,
		&lastNotified, &createdAt)
	if err != nil {
		return nil, err
	}

	a.Condition = domain.Condition(condition)
	a.Status = domain.AlertStatus(status)
	a.Repeat = domain.RepeatPolicy(repeat)
	a.Priority = domain.Priority(priority)
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	if lastObserved.Valid {
		v := lastObserved.Float64
		a.LastObservedPrice = &v
	}
	if lastNotified.Valid {
		t := time.Unix(lastNotified.Int64, 0).UTC()
		a.LastNotifiedAt = &t
	}
	return &a, nil
}

// ---------------------------------------------------------------------------
// CostStore implementation
// ---------------------------------------------------------------------------

// AppendCost records one append-only cost entry.
func (s *SQLiteStore) AppendCost(ctx context.Context, e domain.CostEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_entries (service, operation, requests, cost, ts) VALUES (?, ?, ?, ?, ?)`,
		e.Service, e.Operation, e.Requests, e.Cost, e.Timestamp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("appending cost entry: %w", err)
	}
	return nil
}

// DailySummaries aggregates cost entries for the given UTC day.
func (s *SQLiteStore) DailySummaries(ctx context.Context, day string) ([]domain.DailyCostSummary, error) {
	start, err := time.Parse("2006-01-02", day)
	if err != nil {
		return nil, fmt.Errorf("parsing day %q: %w", day, err)
	}
	end := start.Add(24 * time.Hour)

	rows, err := s.db.QueryContext(ctx,
		`SELECT service, operation, SUM(requests), SUM(cost)
		 FROM cost_entries WHERE ts >= ? AND ts < ?
		 GROUP BY service, operation ORDER BY service, operation`,
		start.Unix(), end.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("aggregating costs for %s: %w", day, err)
	}
	defer rows.Close()

	var out []domain.DailyCostSummary
	for rows.Next() {
		sum := domain.DailyCostSummary{Day: day}
		if err := rows.Scan(&sum.Service, &sum.Operation, &sum.Requests, &sum.Cost); err != nil {
			return nil, fmt.Errorf("scanning cost summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// NotificationStore / HistoryStore implementation
// ---------------------------------------------------------------------------

// EnqueueNotifications appends a batch of notifications in one transaction.
func (s *SQLiteStore) EnqueueNotifications(ctx context.Context, batch []domain.Notification) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting notification tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO notification_queue (alert_id, owner_id, priority, payload, queued_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing notification insert: %w", err)
	}
	defer stmt.Close()

	for _, n := range batch {
		if _, err := stmt.ExecContext(ctx, n.AlertID, n.OwnerID, int(n.Priority), n.Payload, n.QueuedAt.Unix()); err != nil {
			return fmt.Errorf("inserting notification for alert %s: %w", n.AlertID, err)
		}
	}
	return tx.Commit()
}

// AppendAlertHistory records one triggered-alert event.
func (s *SQLiteStore) AppendAlertHistory(ctx context.Context, t domain.TriggeredAlert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_history (alert_id, owner_id, instrument, observed_price, triggered_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.Alert.ID, t.Alert.OwnerID, t.Alert.Instrument, t.ObservedPrice, t.TriggeredAt.Unix(), t.Payload,
	)
	if err != nil {
		return fmt.Errorf("appending alert history for %s: %w", t.Alert.ID, err)
	}
	return nil
}
