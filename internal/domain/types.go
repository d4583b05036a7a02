// Package domain defines the core value types shared across tickrelay:
// quotes, alerts, summaries, stream updates, and cost entries.
package domain

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Quotes
// ---------------------------------------------------------------------------

// Quote is an immutable snapshot of an instrument's latest market state.
// A newer Quote replaces the previous one in cache; it is never mutated.
type Quote struct {
	Ticker        string    `json:"ticker"`
	Price         float64   `json:"price"`
	ChangePercent float64   `json:"changePercent"`
	Volume        uint64    `json:"volume"`
	MarketCap     float64   `json:"marketCap,omitempty"`
	LastUpdated   time.Time `json:"lastUpdated"`
	Source        string    `json:"source"`
}

// ---------------------------------------------------------------------------
// Alerts
// ---------------------------------------------------------------------------

// Condition is the comparison an alert applies to the current price.
type Condition string

const (
	CondAbove        Condition = "above"
	CondBelow        Condition = "below"
	CondCrossesAbove Condition = "crosses_above"
	CondCrossesBelow Condition = "crosses_below"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive    AlertStatus = "active"
	AlertTriggered AlertStatus = "triggered"
	AlertPaused    AlertStatus = "paused"
	AlertExpired   AlertStatus = "expired"
)

// RepeatPolicy controls whether an alert stays active after triggering.
type RepeatPolicy string

const (
	RepeatUnlimited     RepeatPolicy = "unlimited"
	RepeatOncePerPeriod RepeatPolicy = "once_per_period"
)

// Priority orders triggered-alert dispatch. Lower value dispatches first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Alert is a tenant-owned price alert rule. Evaluation state
// (Status, LastObservedPrice, LastNotifiedAt) is mutated only by the
// evaluation sweep; everything else is owned by the external author.
type Alert struct {
	ID                string
	OwnerID           string
	Instrument        string
	TargetPrice       float64
	Condition         Condition
	Status            AlertStatus
	Repeat            RepeatPolicy
	Priority          Priority
	CooldownSeconds   int64
	LastObservedPrice *float64 // nil until first sweep observation
	LastNotifiedAt    *time.Time
	CreatedAt         time.Time
}

// InCooldown reports whether the alert notified too recently to notify again.
func (a *Alert) InCooldown(now time.Time) bool {
	if a.LastNotifiedAt == nil || a.CooldownSeconds <= 0 {
		return false
	}
	return now.Before(a.LastNotifiedAt.Add(time.Duration(a.CooldownSeconds) * time.Second))
}

// ShouldTrigger evaluates the alert's condition against the current price
// and the price observed on the previous sweep. Crossing conditions require
// a prior observation and never trigger without one.
func (a *Alert) ShouldTrigger(current float64) bool {
	switch a.Condition {
	case CondAbove:
		return current > a.TargetPrice
	case CondBelow:
		return current < a.TargetPrice
	case CondCrossesAbove:
		return a.LastObservedPrice != nil &&
			*a.LastObservedPrice <= a.TargetPrice && current > a.TargetPrice
	case CondCrossesBelow:
		return a.LastObservedPrice != nil &&
			*a.LastObservedPrice >= a.TargetPrice && current < a.TargetPrice
	}
	return false
}

// TriggeredAlert is the transient record built when an alert fires during a
// sweep. It exists only long enough to produce a notification and a history
// row.
type TriggeredAlert struct {
	Alert         Alert
	ObservedPrice float64
	TriggeredAt   time.Time
	Payload       string
}

// Notification is one deliverable alert event handed to the sink.
type Notification struct {
	AlertID  string
	OwnerID  string
	Priority Priority
	Payload  string
	QueuedAt time.Time
}

// ---------------------------------------------------------------------------
// Summarization
// ---------------------------------------------------------------------------

// ContentType selects the cache TTL class for summarized content.
type ContentType string

const (
	ContentNews   ContentType = "news"   // short-lived
	ContentReport ContentType = "report" // long-lived structured documents
)

// ContentItem is a unit of content submitted for summarization. ID is the
// content identity used as the cache key.
type ContentItem struct {
	ID      string      `json:"id"`
	Type    ContentType `json:"type"`
	Title   string      `json:"title"`
	Body    string      `json:"body"`
	Symbols []string    `json:"symbols,omitempty"`
}

// Summary is the structured result for one content item.
type Summary struct {
	ContentID string    `json:"contentId"`
	Text      string    `json:"text"`
	Sentiment string    `json:"sentiment,omitempty"`
	Degraded  bool      `json:"degraded,omitempty"` // fallback result, not from a clean batch response
	CreatedAt time.Time `json:"createdAt"`
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

// UpdateKind discriminates typed stream updates.
type UpdateKind string

const (
	UpdateQuote  UpdateKind = "quote"
	UpdateTrade  UpdateKind = "trade"
	UpdateStatus UpdateKind = "status"
)

// StreamUpdate is one typed message fanned out to subscribers of a topic.
type StreamUpdate struct {
	Kind      UpdateKind `json:"kind"`
	Topic     string     `json:"topic"`
	Price     float64    `json:"price,omitempty"`
	Size      uint64     `json:"size,omitempty"`
	BidPrice  float64    `json:"bidPrice,omitempty"`
	AskPrice  float64    `json:"askPrice,omitempty"`
	Status    string     `json:"status,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Cost tracking
// ---------------------------------------------------------------------------

// CostEntry is one append-only record of upstream spend. Entries are never
// mutated after creation; telemetry aggregates them into daily summaries.
type CostEntry struct {
	Service   string
	Operation string
	Requests  int
	Cost      float64
	Timestamp time.Time
}

// DailyCostSummary is the aggregate of all cost entries for one service and
// operation on one calendar day.
type DailyCostSummary struct {
	Day       string // YYYY-MM-DD, UTC
	Service   string
	Operation string
	Requests  int
	Cost      float64
}

// Key returns a stable identity for the summary's grouping.
func (s DailyCostSummary) Key() string {
	return fmt.Sprintf("%s/%s/%s", s.Day, s.Service, s.Operation)
}
