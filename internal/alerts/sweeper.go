// Package alerts implements the shared alert evaluation cycle: one periodic
// sweep evaluates every tenant's active rules against a single price
// snapshot per instrument, fetched through the quote coalescer.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tickrelay/internal/domain"
	"tickrelay/internal/store"
	"tickrelay/internal/telemetry"
)

const service = "alerts"

// PriceSource provides one consistent price snapshot per instrument for a
// sweep. Implemented by the quote Fetcher.
type PriceSource interface {
	FetchMany(ctx context.Context, keys []string) (map[string]domain.Quote, map[string]error)
}

// Sink receives batches of triggered-alert notifications for asynchronous
// delivery. Delivery mechanics are out of scope here.
type Sink interface {
	Deliver(ctx context.Context, batch []domain.Notification) error
}

// SweepStats summarizes one completed sweep.
type SweepStats struct {
	Evaluated          int
	Triggered          int
	InstrumentsFetched int
	InstrumentsSkipped int
	Errors             int
	Duration           time.Duration
}

// Sweeper runs the evaluation cycle. Sweeps are strictly serialized: a new
// sweep never starts while the previous one is in progress.
type Sweeper struct {
	alerts  store.AlertStore
	history store.HistoryStore
	queue   store.NotificationStore
	prices  PriceSource
	sink    Sink
	reg     *telemetry.Registry

	interval  time.Duration
	batchSize int
	log       *slog.Logger

	mu   sync.Mutex
	last SweepStats
}

// NewSweeper creates a Sweeper. history, queue, and sink may be nil in
// tests; the corresponding side effects are skipped.
func NewSweeper(alerts store.AlertStore, history store.HistoryStore, queue store.NotificationStore,
	prices PriceSource, sink Sink, reg *telemetry.Registry,
	interval time.Duration, batchSize int, log *slog.Logger) *Sweeper {

	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	return &Sweeper{
		alerts:    alerts,
		history:   history,
		queue:     queue,
		prices:    prices,
		sink:      sink,
		reg:       reg,
		interval:  interval,
		batchSize: batchSize,
		log:       log.With("component", "alerts"),
	}
}

// Run sweeps on the configured interval until ctx is cancelled. Sweeps run
// inline in this loop, which is what serializes them.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one full evaluation cycle.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	start := time.Now()
	now := start.UTC()
	stats := SweepStats{}

	// 1. Load active alerts, excluding those in cooldown.
	active, err := s.alerts.ListActiveAlerts(ctx)
	if err != nil {
		s.reg.Add(service, "errors", 1)
		return stats, fmt.Errorf("loading active alerts: %w", err)
	}

	eligible := active[:0:0]
	for _, a := range active {
		if a.InCooldown(now) {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		s.finish(&stats, start)
		return stats, nil
	}

	// 2. Group by instrument.
	byInstrument := make(map[string][]domain.Alert)
	for _, a := range eligible {
		byInstrument[a.Instrument] = append(byInstrument[a.Instrument], a)
	}
	instruments := make([]string, 0, len(byInstrument))
	for instrument := range byInstrument {
		instruments = append(instruments, instrument)
	}

	// 3. One coalesced fetch covers every distinct instrument: N alerts
	// cost at most len(instruments) upstream price reads.
	prices, failed := s.prices.FetchMany(ctx, instruments)
	stats.InstrumentsFetched = len(prices)
	stats.InstrumentsSkipped = len(failed)
	for instrument, err := range failed {
		// Alerts on this instrument sit out this sweep only.
		s.reg.Add(service, "skipped_instruments", 1)
		s.log.Warn("price unavailable, skipping instrument", "instrument", instrument, "error", err)
	}

	// 4-6. Evaluate each alert against its instrument's snapshot.
	var triggered []domain.TriggeredAlert
	for instrument, group := range byInstrument {
		quote, ok := prices[instrument]
		if !ok {
			continue
		}
		for i := range group {
			stats.Evaluated++
			t, err := s.evaluate(ctx, &group[i], quote.Price, now)
			if err != nil {
				stats.Errors++
				s.reg.Add(service, "errors", 1)
				s.log.Warn("evaluating alert", "alert", group[i].ID, "error", err)
				continue
			}
			if t != nil {
				triggered = append(triggered, *t)
			}
		}
	}
	stats.Triggered = len(triggered)
	s.reg.Add(service, "evaluated", int64(stats.Evaluated))
	s.reg.Add(service, "triggered", int64(stats.Triggered))

	// 7. Dispatch triggered alerts by priority in bounded batches.
	if err := s.dispatch(ctx, triggered, &stats); err != nil {
		s.log.Warn("dispatching notifications", "error", err)
	}

	s.finish(&stats, start)
	return stats, nil
}

// evaluate applies one alert's condition to the sweep's price snapshot and
// persists the resulting state. Returns a TriggeredAlert when it fired.
func (s *Sweeper) evaluate(ctx context.Context, a *domain.Alert, current float64, now time.Time) (*domain.TriggeredAlert, error) {
	fired := a.ShouldTrigger(current)

	var result *domain.TriggeredAlert
	if fired {
		payload := fmt.Sprintf(`{"instrument":%q,"condition":%q,"target":%g,"price":%g}`,
			a.Instrument, a.Condition, a.TargetPrice, current)
		result = &domain.TriggeredAlert{
			Alert:         *a,
			ObservedPrice: current,
			TriggeredAt:   now,
			Payload:       payload,
		}

		notified := now
		a.LastNotifiedAt = &notified
		if a.Repeat == domain.RepeatOncePerPeriod {
			// External reactivation flips this back to active later.
			a.Status = domain.AlertTriggered
		}
	}

	// The current price is always recorded so the next sweep's crossing
	// checks compare against this observation.
	observed := current
	a.LastObservedPrice = &observed

	if err := s.alerts.UpdateAlertState(ctx, a); err != nil {
		return nil, fmt.Errorf("persisting state: %w", err)
	}

	if fired && s.history != nil {
		if err := s.history.AppendAlertHistory(ctx, *result); err != nil {
			// History is best-effort; the trigger still dispatches.
			s.reg.Add(service, "errors", 1)
			s.log.Warn("appending alert history", "alert", a.ID, "error", err)
		}
	}

	return result, nil
}

// dispatch groups triggered alerts by priority and hands them to the sink
// in priority order, in size-bounded batches, mirroring each batch into the
// persistent notification queue.
func (s *Sweeper) dispatch(ctx context.Context, triggered []domain.TriggeredAlert, stats *SweepStats) error {
	if len(triggered) == 0 {
		return nil
	}

	byPriority := make(map[domain.Priority][]domain.Notification)
	for _, t := range triggered {
		n := domain.Notification{
			AlertID:  t.Alert.ID,
			OwnerID:  t.Alert.OwnerID,
			Priority: t.Alert.Priority,
			Payload:  t.Payload,
			QueuedAt: t.TriggeredAt,
		}
		byPriority[t.Alert.Priority] = append(byPriority[t.Alert.Priority], n)
	}

	var firstErr error
	for _, p := range []domain.Priority{domain.PriorityCritical, domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow} {
		pending := byPriority[p]
		for len(pending) > 0 {
			n := min(len(pending), s.batchSize)
			batch := pending[:n]
			pending = pending[n:]

			if s.queue != nil {
				if err := s.queue.EnqueueNotifications(ctx, batch); err != nil {
					stats.Errors++
					s.reg.Add(service, "errors", 1)
					if firstErr == nil {
						firstErr = err
					}
				}
			}
			if s.sink != nil {
				if err := s.sink.Deliver(ctx, batch); err != nil {
					stats.Errors++
					s.reg.Add(service, "errors", 1)
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
			}
			s.reg.Add(service, "notifications_sent", int64(len(batch)))
		}
	}
	return firstErr
}

func (s *Sweeper) finish(stats *SweepStats, start time.Time) {
	stats.Duration = time.Since(start)
	s.reg.ObserveLatency(service, stats.Duration)

	s.mu.Lock()
	s.last = *stats
	s.mu.Unlock()
}

// LastSweep returns the stats of the most recent sweep.
func (s *Sweeper) LastSweep() SweepStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// ---------------------------------------------------------------------------
// Health probe
// ---------------------------------------------------------------------------

// Compile-time probe check.
var _ telemetry.Probe = (*Sweeper)(nil)

// ProbeName identifies this component in health reports.
func (s *Sweeper) ProbeName() string { return service }

// Signals reports sweep latency, skipped-instrument backlog, and errors.
func (s *Sweeper) Signals() telemetry.Signals {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()

	return telemetry.Signals{
		Online:     true,
		HitRate:    -1,
		AvgLatency: s.reg.AvgLatency(service),
		Backlog:    last.InstrumentsSkipped,
		Errors:     s.reg.Get(service, "errors"),
	}
}
