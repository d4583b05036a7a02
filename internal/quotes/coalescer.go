package quotes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tickrelay/internal/domain"
	"tickrelay/internal/store"
	"tickrelay/internal/telemetry"
	"tickrelay/internal/upstream"
)

const service = "quotes"

// ErrNoData marks a key the upstream batch response did not cover.
var ErrNoData = errors.New("no data for key")

// ErrTimeout marks a batch that exceeded its upstream deadline.
var ErrTimeout = errors.New("quote fetch timed out")

// Compile-time probe check.
var _ telemetry.Probe = (*Fetcher)(nil)

// Options configures a Fetcher.
type Options struct {
	Window       time.Duration // coalescing window
	MaxBatchSize int           // flush early at this many queued keys
	FetchTimeout time.Duration // per upstream batch
	TTL          TTLPolicy
}

// result is the shared outcome delivered to every waiter of one key.
type result struct {
	quote domain.Quote
	err   error
}

// pendingRequest tracks the single in-flight (or queued) upstream interest
// in one key. At most one exists per key at any time; later callers attach
// as waiters instead of issuing a new upstream request.
type pendingRequest struct {
	key       string
	waiters   []chan result
	createdAt time.Time
	inFlight  bool // queued -> flushed; no longer cancellable once true
}

// Fetcher deduplicates, caches, and batches quote reads.
type Fetcher struct {
	provider upstream.QuoteProvider
	fast     *memCache
	persist  store.CacheStore
	reg      *telemetry.Registry
	opts     Options
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	queue   []string    // keys in the open batch window, in arrival order
	timer   *time.Timer // nil when no window is open
}

// NewFetcher creates a Fetcher. persist may be nil to run with only the
// fast tier (used by tests).
func NewFetcher(provider upstream.QuoteProvider, persist store.CacheStore, reg *telemetry.Registry, opts Options, log *slog.Logger) *Fetcher {
	if opts.TTL == nil {
		opts.TTL = func(time.Time) time.Duration { return 30 * time.Second }
	}
	return &Fetcher{
		provider: provider,
		fast:     newMemCache(),
		persist:  persist,
		reg:      reg,
		opts:     opts,
		log:      log.With("component", "quotes"),
		pending:  make(map[string]*pendingRequest),
	}
}

// Fetch returns the current quote for key, serving from the fast tier, the
// persistent tier, an already-pending request, or a freshly coalesced
// upstream batch, in that order.
func (f *Fetcher) Fetch(ctx context.Context, key string) (domain.Quote, error) {
	now := time.Now()

	// Fast path: in-process tier.
	if q, ok := f.fast.get(key, now); ok {
		f.reg.Add(service, "cache_hits", 1)
		f.reg.RecordAvoided(service, "batch_fetch", 1)
		return q, nil
	}

	// Slow path: persistent tier. A live hit also repopulates the fast tier.
	if q, ok := f.persistentGet(ctx, key, now); ok {
		f.reg.Add(service, "persistent_hits", 1)
		f.reg.RecordAvoided(service, "batch_fetch", 1)
		f.fast.put(key, q, f.opts.TTL(now), now)
		return q, nil
	}

	f.reg.Add(service, "cache_misses", 1)

	ch := f.enqueue(key, now)
	return f.await(ctx, key, ch)
}

// FetchMany fetches all keys, deduplicated, through one coalescing window.
// It returns the quotes that resolved and a per-key error map for those
// that did not; sibling keys are unaffected by individual failures.
func (f *Fetcher) FetchMany(ctx context.Context, keys []string) (map[string]domain.Quote, map[string]error) {
	seen := make(map[string]struct{}, len(keys))
	distinct := keys[:0:0]
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		distinct = append(distinct, k)
	}

	var (
		mu      sync.Mutex
		quotes  = make(map[string]domain.Quote, len(distinct))
		failed  = make(map[string]error)
		pending sync.WaitGroup
	)

	for _, key := range distinct {
		pending.Add(1)
		go func(key string) {
			defer pending.Done()
			q, err := f.Fetch(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[key] = err
				return
			}
			quotes[key] = q
		}(key)
	}
	pending.Wait()

	return quotes, failed
}

// persistentGet reads the slow tier. Errors are counted and treated as a
// miss: a broken persistent tier must not fail reads that upstream can serve.
func (f *Fetcher) persistentGet(ctx context.Context, key string, now time.Time) (domain.Quote, bool) {
	if f.persist == nil {
		return domain.Quote{}, false
	}

	row, ok, err := f.persist.GetCache(ctx, store.NSQuotes, key)
	if err != nil {
		f.reg.Add(service, "errors", 1)
		f.log.Warn("persistent cache read", "key", key, "error", err)
		return domain.Quote{}, false
	}
	if !ok || row.Expired(now) {
		return domain.Quote{}, false
	}

	var q domain.Quote
	if err := json.Unmarshal(row.Value, &q); err != nil {
		f.reg.Add(service, "errors", 1)
		return domain.Quote{}, false
	}
	return q, true
}

// enqueue attaches the caller to the key's pending request, creating one and
// scheduling it into the open batch window if none exists.
func (f *Fetcher) enqueue(key string, now time.Time) chan result {
	ch := make(chan result, 1)

	f.mu.Lock()

	if p, ok := f.pending[key]; ok {
		p.waiters = append(p.waiters, ch)
		f.mu.Unlock()
		f.reg.Add(service, "coalesced", 1)
		f.reg.RecordAvoided(service, "batch_fetch", 1)
		return ch
	}

	f.pending[key] = &pendingRequest{key: key, waiters: []chan result{ch}, createdAt: now}
	f.queue = append(f.queue, key)

	if len(f.queue) >= f.opts.MaxBatchSize {
		keys := f.takeQueueLocked()
		f.mu.Unlock()
		go f.runBatch(keys)
		return ch
	}

	if f.timer == nil {
		f.timer = time.AfterFunc(f.opts.Window, f.flushWindow)
	}
	f.mu.Unlock()
	return ch
}

// flushWindow fires when the coalescing window elapses.
func (f *Fetcher) flushWindow() {
	f.mu.Lock()
	keys := f.takeQueueLocked()
	f.mu.Unlock()

	if len(keys) > 0 {
		f.runBatch(keys)
	}
}

// takeQueueLocked drains the open window, marks its keys in flight, and
// resets the timer. Caller holds f.mu.
func (f *Fetcher) takeQueueLocked() []string {
	keys := f.queue
	f.queue = nil
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	for _, k := range keys {
		if p, ok := f.pending[k]; ok {
			p.inFlight = true
		}
	}
	return keys
}

// runBatch issues exactly one upstream call for all keys in the batch and
// settles every waiter: keys present in the response resolve, keys absent
// fail with ErrNoData, and a batch-level failure fails them all.
func (f *Fetcher) runBatch(keys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), f.opts.FetchTimeout)
	defer cancel()

	start := time.Now()
	fetched, err := f.provider.GetQuotes(ctx, keys)
	f.reg.ObserveLatency(service, time.Since(start))
	f.reg.Add(service, "upstream_calls", 1)
	f.reg.RecordCost(ctx, service, "batch_fetch", 1)

	if err != nil {
		f.reg.Add(service, "errors", 1)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("batch of %d keys: %w", len(keys), ErrTimeout)
		}
		f.log.Warn("upstream batch failed", "keys", len(keys), "error", err)
		for _, key := range keys {
			f.settle(key, result{err: err})
		}
		return
	}

	now := time.Now()
	ttl := f.opts.TTL(now)
	for _, key := range keys {
		q, ok := fetched[key]
		if !ok {
			f.reg.Add(service, "no_data", 1)
			f.settle(key, result{err: fmt.Errorf("%s: %w", key, ErrNoData)})
			continue
		}
		f.populate(ctx, key, q, ttl, now)
		f.settle(key, result{quote: q})
	}
}

// populate writes a fresh quote into both cache tiers.
func (f *Fetcher) populate(ctx context.Context, key string, q domain.Quote, ttl time.Duration, now time.Time) {
	f.fast.put(key, q, ttl, now)

	if f.persist == nil {
		return
	}
	value, err := json.Marshal(q)
	if err != nil {
		return
	}
	row := store.CacheRow{Key: key, Value: value, WrittenAt: now, TTLSeconds: int64(ttl / time.Second)}
	if err := f.persist.PutCache(ctx, store.NSQuotes, row); err != nil {
		f.reg.Add(service, "errors", 1)
		f.log.Warn("persistent cache write", "key", key, "error", err)
	}
}

// settle removes the key's pending request and delivers the identical
// result to every attached waiter.
func (f *Fetcher) settle(key string, res result) {
	f.mu.Lock()
	p, ok := f.pending[key]
	if ok {
		delete(f.pending, key)
	}
	f.mu.Unlock()
	if !ok {
		return
	}

	for _, ch := range p.waiters {
		ch <- res
	}
}

// await blocks the caller until its waiter resolves or the caller's context
// ends. A departing caller only cancels the upstream interest when it was
// the last waiter on a not-yet-flushed key.
func (f *Fetcher) await(ctx context.Context, key string, ch chan result) (domain.Quote, error) {
	select {
	case res := <-ch:
		return res.quote, res.err
	case <-ctx.Done():
		f.detach(key, ch)
		return domain.Quote{}, ctx.Err()
	}
}

// detach removes one waiter from a pending key. If that waiter was the last
// and the key has not been flushed yet, the key is withdrawn from the open
// window entirely.
func (f *Fetcher) detach(key string, ch chan result) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.pending[key]
	if !ok {
		return
	}
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	if len(p.waiters) > 0 || p.inFlight {
		return
	}

	delete(f.pending, key)
	for i, k := range f.queue {
		if k == key {
			f.queue = append(f.queue[:i], f.queue[i+1:]...)
			break
		}
	}
}

// PurgeExpired drops expired entries from both tiers. Run periodically by
// the orchestrator.
func (f *Fetcher) PurgeExpired(ctx context.Context) {
	now := time.Now()
	dropped := f.fast.purge(now)
	f.reg.Add(service, "purged_entries", int64(dropped))

	if f.persist != nil {
		if _, err := f.persist.PurgeExpiredCache(ctx, now); err != nil {
			f.log.Warn("purging persistent cache", "error", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Health probe
// ---------------------------------------------------------------------------

// ProbeName identifies this component in health reports.
func (f *Fetcher) ProbeName() string { return service }

// Signals reports cache hit rate, latency, backlog, and error count.
func (f *Fetcher) Signals() telemetry.Signals {
	hits := f.reg.Get(service, "cache_hits") + f.reg.Get(service, "persistent_hits")
	misses := f.reg.Get(service, "cache_misses")

	hitRate := -1.0
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	f.mu.Lock()
	backlog := len(f.pending)
	f.mu.Unlock()

	return telemetry.Signals{
		Online:     true,
		HitRate:    hitRate,
		AvgLatency: f.reg.AvgLatency(service),
		Backlog:    backlog,
		Errors:     f.reg.Get(service, "errors"),
	}
}
