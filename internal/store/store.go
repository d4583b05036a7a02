// Package store defines storage interfaces for the persistent cache tier,
// alert rules, cost tracking, the notification queue, and alert history.
package store

import (
	"context"
	"time"

	"tickrelay/internal/domain"
)

// CacheNamespace separates cache rows for different value kinds.
type CacheNamespace string

const (
	NSQuotes    CacheNamespace = "quotes"
	NSSummaries CacheNamespace = "summaries"
)

// CacheRow is one persistent cache entry. The entry is usable only while
// now - WrittenAt < TTLSeconds; expired rows are treated as absent.
type CacheRow struct {
	Key        string
	Value      []byte
	WrittenAt  time.Time
	TTLSeconds int64
}

// Expired reports whether the row is past its TTL at the given time.
func (r CacheRow) Expired(now time.Time) bool {
	return !now.Before(r.WrittenAt.Add(time.Duration(r.TTLSeconds) * time.Second))
}

// CacheStore is the slow persistent cache tier behind the in-process cache.
type CacheStore interface {
	// GetCache returns the row for (ns, key), or ok=false if absent.
	// Expired rows are returned with ok=true; the caller applies the TTL.
	GetCache(ctx context.Context, ns CacheNamespace, key string) (CacheRow, bool, error)

	// PutCache inserts or replaces the row for (ns, key).
	PutCache(ctx context.Context, ns CacheNamespace, row CacheRow) error

	// PurgeExpiredCache deletes all rows expired at the given time and
	// returns the number removed.
	PurgeExpiredCache(ctx context.Context, now time.Time) (int64, error)
}

// AlertStore persists tenant alert rules and their evaluation state.
type AlertStore interface {
	// SaveAlert inserts or replaces an alert rule.
	SaveAlert(ctx context.Context, a *domain.Alert) error

	// GetAlert retrieves a single alert by ID.
	GetAlert(ctx context.Context, id string) (*domain.Alert, error)

	// ListActiveAlerts returns all alerts with status = active.
	ListActiveAlerts(ctx context.Context) ([]domain.Alert, error)

	// UpdateAlertState persists the sweep-owned fields of an alert:
	// status, last observed price, and last notified timestamp.
	UpdateAlertState(ctx context.Context, a *domain.Alert) error

	// ReactivateAlert flips a triggered alert back to active. Called by
	// external reactivation logic, never by the sweep itself.
	ReactivateAlert(ctx context.Context, id string) error

	// DeleteAlert removes an alert rule.
	DeleteAlert(ctx context.Context, id string) error
}

// CostStore appends cost entries and aggregates them into daily summaries.
type CostStore interface {
	// AppendCost records one append-only cost entry.
	AppendCost(ctx context.Context, e domain.CostEntry) error

	// DailySummaries aggregates cost entries for the given UTC day
	// (YYYY-MM-DD), grouped by service and operation.
	DailySummaries(ctx context.Context, day string) ([]domain.DailyCostSummary, error)
}

// NotificationStore appends rows to the notification delivery queue.
type NotificationStore interface {
	// EnqueueNotifications appends a batch of notifications.
	EnqueueNotifications(ctx context.Context, batch []domain.Notification) error
}

// HistoryStore appends alert trigger history rows.
type HistoryStore interface {
	// AppendAlertHistory records one triggered-alert event.
	AppendAlertHistory(ctx context.Context, t domain.TriggeredAlert) error
}
