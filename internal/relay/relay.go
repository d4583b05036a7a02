// Package relay wires the system together and exposes its public façade:
// quote reads, stream subscriptions, summarization, and system telemetry.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tickrelay/internal/alerts"
	"tickrelay/internal/config"
	"tickrelay/internal/domain"
	"tickrelay/internal/quotes"
	"tickrelay/internal/store"
	"tickrelay/internal/stream"
	"tickrelay/internal/summarize"
	"tickrelay/internal/telemetry"
	"tickrelay/internal/upstream"
	"tickrelay/internal/util"
)

// ErrNotInitialized is returned by every façade call made before
// Initialize completes.
var ErrNotInitialized = errors.New("relay: not initialized")

// NewsSource provides recent articles for an instrument as summarization
// content. Implemented by news.Fetcher.
type NewsSource interface {
	Recent(symbol string, lookback time.Duration) ([]domain.ContentItem, error)
}

// Deps are the external collaborators injected into the service. Tests
// substitute fakes; production wiring uses the Alpaca and HTTP adapters.
type Deps struct {
	Quotes     upstream.QuoteProvider
	Stream     upstream.Conn
	Summarizer upstream.SummaryBackend
	Sink       alerts.Sink
	News       NewsSource // optional
}

// Service owns every component's lifecycle and serves the public façade.
type Service struct {
	cfg  *config.Config
	deps Deps
	log  *slog.Logger

	db      *store.SQLiteStore
	reg     *telemetry.Registry
	fetcher *quotes.Fetcher
	mux     *stream.Mux
	batcher *summarize.Batcher
	sweeper *alerts.Sweeper
	health  *telemetry.HealthChecker
	costs   *telemetry.CostTracker

	initialized atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	ownersMu sync.Mutex
	owners   map[string]*ownerFeed
}

// ownerFeed aggregates all of one owner's topic channels into a single
// delivery channel.
type ownerFeed struct {
	out  chan domain.StreamUpdate
	wg   sync.WaitGroup
	done chan struct{}
}

// New creates an unstarted Service.
func New(cfg *config.Config, deps Deps, log *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		deps:   deps,
		log:    log.With("component", "relay"),
		owners: make(map[string]*ownerFeed),
	}
}

// Initialize opens storage, builds every component, and starts the
// background loops in dependency order: store, telemetry, fetcher, mux,
// batcher, sweeper, health. It must complete before any façade call.
func (s *Service) Initialize(ctx context.Context) error {
	if s.initialized.Load() {
		return nil
	}

	db, err := store.NewSQLiteStore(s.cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	s.db = db

	s.reg = telemetry.NewRegistry(telemetry.RateTableModel(s.cfg.Telemetry.Rates), db, s.log)
	s.costs = telemetry.NewCostTracker(db, s.cfg.Telemetry.DailyCostCeiling, s.cfg.Storage.ArchiveDir, s.log)

	ttl := func(now time.Time) time.Duration {
		if util.ActiveWindow(now) {
			return time.Duration(s.cfg.Quotes.ActiveTTLSeconds) * time.Second
		}
		return time.Duration(s.cfg.Quotes.InactiveTTLSeconds) * time.Second
	}
	s.fetcher = quotes.NewFetcher(s.deps.Quotes, db, s.reg, quotes.Options{
		Window:       s.cfg.Quotes.BatchWindow(),
		MaxBatchSize: s.cfg.Quotes.MaxBatchSize,
		FetchTimeout: s.cfg.Quotes.FetchTimeout(),
		TTL:          ttl,
	}, s.log)

	s.mux = stream.NewMux(s.deps.Stream, s.reg, stream.Options{
		Heartbeat:     time.Duration(s.cfg.Stream.HeartbeatSeconds) * time.Second,
		MaxReconnects: s.cfg.Stream.ReconnectAttempts,
		Backoff: stream.Backoff{
			Min:    time.Duration(s.cfg.Stream.BackoffMinMillis) * time.Millisecond,
			Max:    time.Duration(s.cfg.Stream.BackoffMaxMillis) * time.Millisecond,
			Factor: 2.0,
			Jitter: 0.2,
		},
		ReplayBufferSize: s.cfg.Stream.ReplayBufferSize,
		SubscriberBuffer: s.cfg.Stream.SubscriberBuffer,
	}, s.log)

	s.batcher = summarize.NewBatcher(s.deps.Summarizer, db, s.reg, summarize.Options{
		Window:        s.cfg.Summarizer.BatchWindow(),
		MaxBatchSize:  s.cfg.Summarizer.MaxBatchSize,
		QueueCapacity: s.cfg.Summarizer.QueueCapacity,
		FlushTimeout:  s.cfg.Summarizer.FlushTimeout(),
	}, s.log)

	sink := s.deps.Sink
	if sink == nil {
		sink = alerts.NewLogSink(s.log)
	}
	s.sweeper = alerts.NewSweeper(db, db, db, s.fetcher, sink, s.reg,
		time.Duration(s.cfg.Alerts.SweepIntervalSeconds)*time.Second,
		s.cfg.Alerts.DispatchBatchSize, s.log)

	s.health = telemetry.NewHealthChecker(
		[]telemetry.Probe{s.fetcher, s.mux, s.sweeper, s.batcher},
		time.Duration(s.cfg.Telemetry.HealthIntervalSeconds)*time.Second,
		s.log)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.spawn(func() {
		if err := s.mux.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("stream mux stopped", "error", err)
		}
	})
	s.spawn(func() { s.sweeper.Run(runCtx) })
	s.spawn(func() { s.health.Run(runCtx) })
	s.spawn(func() { s.maintenanceLoop(runCtx) })

	s.initialized.Store(true)
	s.log.Info("initialized",
		"sqlite", s.cfg.Storage.SQLitePath,
		"sweep_interval", s.cfg.Alerts.SweepIntervalSeconds,
		"batch_window_ms", s.cfg.Quotes.BatchWindowMillis)
	return nil
}

func (s *Service) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// maintenanceLoop runs periodic cache cleanup and, once a day, archives the
// previous day's cost summaries.
func (s *Service) maintenanceLoop(ctx context.Context) {
	cleanup := time.NewTicker(time.Minute)
	defer cleanup.Stop()
	archive := time.NewTicker(24 * time.Hour)
	defer archive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			s.fetcher.PurgeExpired(ctx)
		case <-archive.C:
			day := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
			if err := s.costs.Archive(ctx, day); err != nil {
				s.log.Warn("archiving costs", "day", day, "error", err)
			}
		}
	}
}

// Shutdown stops background loops and closes storage in reverse order of
// Initialize. Safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.initialized.Swap(false) {
		return nil
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("shutdown timed out waiting for workers")
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	s.log.Info("shutdown complete")
	return nil
}

func (s *Service) ready() error {
	if !s.initialized.Load() {
		return ErrNotInitialized
	}
	return nil
}

// ---------------------------------------------------------------------------
// Façade: quotes
// ---------------------------------------------------------------------------

// GetQuote returns the current quote for one instrument.
func (s *Service) GetQuote(ctx context.Context, instrument string) (domain.Quote, error) {
	if err := s.ready(); err != nil {
		return domain.Quote{}, err
	}
	return s.fetcher.Fetch(ctx, instrument)
}

// GetQuotes returns current quotes for many instruments through one
// coalescing window, plus per-instrument errors for those that failed.
func (s *Service) GetQuotes(ctx context.Context, instruments []string) (map[string]domain.Quote, map[string]error, error) {
	if err := s.ready(); err != nil {
		return nil, nil, err
	}
	found, failed := s.fetcher.FetchMany(ctx, instruments)
	return found, failed, nil
}

// ---------------------------------------------------------------------------
// Façade: streaming
// ---------------------------------------------------------------------------

// Subscribe registers ownerID on every instrument's topic and returns one
// merged update channel for the owner. The channel closes after
// Unsubscribe.
func (s *Service) Subscribe(ctx context.Context, ownerID string, instruments []string) (<-chan domain.StreamUpdate, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	s.ownersMu.Lock()
	feed, ok := s.owners[ownerID]
	if !ok {
		feed = &ownerFeed{
			out:  make(chan domain.StreamUpdate, s.cfg.Stream.SubscriberBuffer),
			done: make(chan struct{}),
		}
		s.owners[ownerID] = feed
	}
	s.ownersMu.Unlock()

	for _, instrument := range instruments {
		ch, err := s.mux.Subscribe(ctx, instrument, ownerID)
		if err != nil {
			return nil, fmt.Errorf("subscribing %s to %s: %w", ownerID, instrument, err)
		}
		feed.wg.Add(1)
		go func(ch <-chan domain.StreamUpdate) {
			defer feed.wg.Done()
			for u := range ch {
				select {
				case feed.out <- u:
				case <-feed.done:
					return
				default:
					// Owner not draining; the topic channel already
					// applied drop-oldest, so drop here too.
				}
			}
		}(ch)
	}

	return feed.out, nil
}

// Unsubscribe drops every topic held by ownerID and closes the owner's
// merged channel.
func (s *Service) Unsubscribe(ctx context.Context, ownerID string) error {
	if err := s.ready(); err != nil {
		return err
	}

	err := s.mux.UnsubscribeAll(ctx, ownerID)

	s.ownersMu.Lock()
	feed, ok := s.owners[ownerID]
	if ok {
		delete(s.owners, ownerID)
	}
	s.ownersMu.Unlock()

	if ok {
		close(feed.done)
		go func() {
			feed.wg.Wait()
			close(feed.out)
		}()
	}
	return err
}

// Updates returns the merged update channel for an owner with at least one
// active subscription.
func (s *Service) Updates(ownerID string) (<-chan domain.StreamUpdate, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	s.ownersMu.Lock()
	feed, ok := s.owners[ownerID]
	s.ownersMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("owner %s has no active subscription", ownerID)
	}
	return feed.out, nil
}

// ---------------------------------------------------------------------------
// Façade: summarization
// ---------------------------------------------------------------------------

// Summarize returns the summary for one content item.
func (s *Service) Summarize(ctx context.Context, item domain.ContentItem) (domain.Summary, error) {
	if err := s.ready(); err != nil {
		return domain.Summary{}, err
	}
	return s.batcher.Summarize(ctx, item)
}

// SummarizeMany summarizes a batch of content items in input order.
func (s *Service) SummarizeMany(ctx context.Context, items []domain.ContentItem) ([]domain.Summary, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.batcher.SummarizeMany(ctx, items)
}

// SummarizeNews fetches recent articles for an instrument and summarizes
// them as one batch.
func (s *Service) SummarizeNews(ctx context.Context, instrument string, lookback time.Duration) ([]domain.Summary, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if s.deps.News == nil {
		return nil, fmt.Errorf("news source not configured")
	}

	items, err := s.deps.News.Recent(instrument, lookback)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return s.batcher.SummarizeMany(ctx, items)
}

// ---------------------------------------------------------------------------
// Façade: telemetry
// ---------------------------------------------------------------------------

// SystemSummary is the aggregated health and cost view served to dashboards.
type SystemSummary struct {
	Health      telemetry.SystemHealth `json:"health"`
	Costs       telemetry.CostReport   `json:"costs"`
	Counters    map[string]int64       `json:"counters"`
	CostAvoided map[string]float64     `json:"costAvoided"`
}

// GetSystemSummary returns current health, today's costs, and raw counters.
func (s *Service) GetSystemSummary(ctx context.Context) (SystemSummary, error) {
	if err := s.ready(); err != nil {
		return SystemSummary{}, err
	}

	report, err := s.costs.Today(ctx)
	if err != nil {
		return SystemSummary{}, err
	}

	return SystemSummary{
		Health:   s.health.Latest(),
		Costs:    report,
		Counters: s.reg.Snapshot(),
		CostAvoided: map[string]float64{
			"quotes":    s.reg.CostAvoided("quotes"),
			"summarize": s.reg.CostAvoided("summarize"),
		},
	}, nil
}

// GetRecommendations returns rule-based optimization suggestions from the
// current metrics.
func (s *Service) GetRecommendations() ([]telemetry.Recommendation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return telemetry.Recommend(s.reg, s.health.Latest()), nil
}

// ---------------------------------------------------------------------------
// Façade: alert administration
// ---------------------------------------------------------------------------

// SaveAlert creates or replaces an alert rule. Rule authoring itself is
// external; this only persists what the author built.
func (s *Service) SaveAlert(ctx context.Context, a *domain.Alert) error {
	if err := s.ready(); err != nil {
		return err
	}
	if a.Status == "" {
		a.Status = domain.AlertActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return s.db.SaveAlert(ctx, a)
}

// DeleteAlert removes an alert rule.
func (s *Service) DeleteAlert(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.DeleteAlert(ctx, id)
}
