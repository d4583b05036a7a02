// Package summarize implements the batched summarization queue: a content
// cache in front of a bounded queue that flushes to the LLM backend in
// single batched requests, with the same coalescing discipline as the quote
// fetcher.
package summarize

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

const service = "summarize"

// ErrTimeout marks a batch that exceeded its backend deadline.
var ErrTimeout = errors.New("summarization timed out")

// CapacityError is returned immediately when the queue is full. Requests
// are never silently dropped.
type CapacityError struct {
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("summarization queue at capacity (%d)", e.Capacity)
}

// Options configures a Batcher.
type Options struct {
	Window        time.Duration // flush after this delay
	MaxBatchSize  int           // flush early at this many queued items
	QueueCapacity int           // hard bound on queued items
	FlushTimeout  time.Duration // per backend batch
	TTLs          map[domain.ContentType]time.Duration
}

// DefaultTTLs reflect content volatility: news goes stale in hours,
// structured reports keep for months.
func DefaultTTLs() map[domain.ContentType]time.Duration {
	return map[domain.ContentType]time.Duration{
		domain.ContentNews:   6 * time.Hour,
		domain.ContentReport: 30 * 24 * time.Hour,
	}
}

type result struct {
	summary domain.Summary
	err     error
}

// pendingJob is the single in-flight interest in one content id.
type pendingJob struct {
	item     domain.ContentItem
	waiters  []chan result
	inFlight bool
}

// Batcher queues, batches, and caches summarization requests.
type Batcher struct {
	backend upstream.SummaryBackend
	persist store.CacheStore
	reg     *telemetry.Registry
	opts    Options
	log     *slog.Logger

	fastMu sync.RWMutex
	fast   map[string]fastEntry

	mu      sync.Mutex
	pending map[string]*pendingJob
	queue   []string // content ids awaiting flush, in arrival order
	timer   *time.Timer
}

type fastEntry struct {
	summary   domain.Summary
	writtenAt time.Time
	ttl       time.Duration
}

// NewBatcher creates a Batcher. persist may be nil (tests).
func NewBatcher(backend upstream.SummaryBackend, persist store.CacheStore, reg *telemetry.Registry, opts Options, log *slog.Logger) *Batcher {
	if opts.TTLs == nil {
		opts.TTLs = DefaultTTLs()
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 10
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 100
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 90 * time.Second
	}
	return &Batcher{
		backend: backend,
		persist: persist,
		reg:     reg,
		opts:    opts,
		log:     log.With("component", "summarize"),
		fast:    make(map[string]fastEntry),
		pending: make(map[string]*pendingJob),
	}
}

func (b *Batcher) ttlFor(t domain.ContentType) time.Duration {
	if ttl, ok := b.opts.TTLs[t]; ok {
		return ttl
	}
	return 6 * time.Hour
}

// Summarize returns the summary for one content item, serving from cache or
// a coalesced backend batch. A second request for the same content id
// within the TTL never reaches the backend.
func (b *Batcher) Summarize(ctx context.Context, item domain.ContentItem) (domain.Summary, error) {
	now := time.Now()

	if s, ok := b.cacheGet(ctx, item.ID, now); ok {
		b.reg.Add(service, "cache_hits", 1)
		b.reg.RecordAvoided(service, "item_call", 1)
		return s, nil
	}
	b.reg.Add(service, "cache_misses", 1)

	ch, err := b.enqueue(item)
	if err != nil {
		return domain.Summary{}, err
	}

	select {
	case res := <-ch:
		return res.summary, res.err
	case <-ctx.Done():
		return domain.Summary{}, ctx.Err()
	}
}

// SummarizeMany summarizes all items through one coalescing window and
// returns results in input order. Per-item failures surface as degraded
// summaries, never as a whole-call failure.
func (b *Batcher) SummarizeMany(ctx context.Context, items []domain.ContentItem) ([]domain.Summary, error) {
	out := make([]domain.Summary, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item domain.ContentItem) {
			defer wg.Done()
			s, err := b.Summarize(ctx, item)
			if err != nil {
				s = degraded(item, err)
			}
			out[i] = s
		}(i, item)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// degraded builds the fallback result for an item that could not be
// summarized cleanly.
func degraded(item domain.ContentItem, err error) domain.Summary {
	return domain.Summary{
		ContentID: item.ID,
		Text:      item.Title,
		Degraded:  true,
		CreatedAt: time.Now().UTC(),
	}
}

// ---------------------------------------------------------------------------
// Cache tiers
// ---------------------------------------------------------------------------

func (b *Batcher) cacheGet(ctx context.Context, id string, now time.Time) (domain.Summary, bool) {
	b.fastMu.RLock()
	e, ok := b.fast[id]
	b.fastMu.RUnlock()
	if ok && now.Before(e.writtenAt.Add(e.ttl)) {
		return e.summary, true
	}

	if b.persist == nil {
		return domain.Summary{}, false
	}
	row, ok, err := b.persist.GetCache(ctx, store.NSSummaries, id)
	if err != nil {
		b.reg.Add(service, "errors", 1)
		return domain.Summary{}, false
	}
	if !ok || row.Expired(now) {
		return domain.Summary{}, false
	}

	var s domain.Summary
	if err := json.Unmarshal(row.Value, &s); err != nil {
		return domain.Summary{}, false
	}

	b.fastMu.Lock()
	b.fast[id] = fastEntry{summary: s, writtenAt: row.WrittenAt, ttl: time.Duration(row.TTLSeconds) * time.Second}
	b.fastMu.Unlock()
	return s, true
}

func (b *Batcher) cachePut(ctx context.Context, item domain.ContentItem, s domain.Summary, now time.Time) {
	ttl := b.ttlFor(item.Type)

	b.fastMu.Lock()
	b.fast[item.ID] = fastEntry{summary: s, writtenAt: now, ttl: ttl}
	b.fastMu.Unlock()

	if b.persist == nil {
		return
	}
	value, err := json.Marshal(s)
	if err != nil {
		return
	}
	row := store.CacheRow{Key: item.ID, Value: value, WrittenAt: now, TTLSeconds: int64(ttl / time.Second)}
	if err := b.persist.PutCache(ctx, store.NSSummaries, row); err != nil {
		b.reg.Add(service, "errors", 1)
		b.log.Warn("persisting summary", "content", item.ID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Queue and flush
// ---------------------------------------------------------------------------

// enqueue attaches to an existing pending job or queues a new one. A full
// queue rejects immediately with a CapacityError.
func (b *Batcher) enqueue(item domain.ContentItem) (chan result, error) {
	ch := make(chan result, 1)

	b.mu.Lock()

	if p, ok := b.pending[item.ID]; ok {
		p.waiters = append(p.waiters, ch)
		b.mu.Unlock()
		b.reg.Add(service, "coalesced", 1)
		b.reg.RecordAvoided(service, "item_call", 1)
		return ch, nil
	}

	if len(b.queue) >= b.opts.QueueCapacity {
		b.mu.Unlock()
		b.reg.Add(service, "capacity_rejections", 1)
		return nil, &CapacityError{Capacity: b.opts.QueueCapacity}
	}

	b.pending[item.ID] = &pendingJob{item: item, waiters: []chan result{ch}}
	b.queue = append(b.queue, item.ID)

	if len(b.queue) >= b.opts.MaxBatchSize {
		batch := b.takeQueueLocked()
		b.mu.Unlock()
		go b.runBatch(batch)
		return ch, nil
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(b.opts.Window, b.flushWindow)
	}
	b.mu.Unlock()
	return ch, nil
}

func (b *Batcher) flushWindow() {
	b.mu.Lock()
	batch := b.takeQueueLocked()
	b.mu.Unlock()

	if len(batch) > 0 {
		b.runBatch(batch)
	}
}

// takeQueueLocked drains up to MaxBatchSize queued items. Caller holds b.mu.
func (b *Batcher) takeQueueLocked() []domain.ContentItem {
	n := min(len(b.queue), b.opts.MaxBatchSize)
	ids := b.queue[:n]
	b.queue = b.queue[n:]
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.queue) > 0 {
		// More items remain: reopen the window for them.
		b.timer = time.AfterFunc(b.opts.Window, b.flushWindow)
	}

	batch := make([]domain.ContentItem, 0, len(ids))
	for _, id := range ids {
		if p, ok := b.pending[id]; ok {
			p.inFlight = true
			batch = append(batch, p.item)
		}
	}
	return batch
}

// runBatch sends one batched request to the backend. The response must be
// ordered and the same length as the batch; a mismatch degrades to per-item
// calls instead of failing the whole batch.
func (b *Batcher) runBatch(batch []domain.ContentItem) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.FlushTimeout)
	defer cancel()

	start := time.Now()
	summaries, err := b.backend.SummarizeBatch(ctx, batch)
	b.reg.ObserveLatency(service, time.Since(start))
	b.reg.Add(service, "upstream_calls", 1)
	b.reg.RecordCost(ctx, service, "batch", 1)
	// Every multi-item batch saves the per-item calls it replaced.
	if len(batch) > 1 {
		b.reg.RecordAvoided(service, "item_call", len(batch)-1)
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("batch of %d items: %w", len(batch), ErrTimeout)
		}
		b.reg.Add(service, "errors", 1)
		b.log.Warn("summarization batch failed", "items", len(batch), "error", err)
		for _, item := range batch {
			b.settle(item, result{err: err})
		}
		return
	}

	if len(summaries) != len(batch) {
		b.reg.Add(service, "shape_mismatches", 1)
		b.log.Warn("response length mismatch, falling back to per-item calls",
			"want", len(batch), "got", len(summaries))
		b.fallbackPerItem(ctx, batch)
		return
	}

	now := time.Now()
	for i, item := range batch {
		s := summaries[i]
		s.ContentID = item.ID // response order is authoritative, ids are not
		b.cachePut(ctx, item, s, now)
		b.settle(item, result{summary: s})
	}
}

// fallbackPerItem issues single-item calls for a batch whose shared
// response was unusable. Items that still fail settle with a degraded
// summary, which is not cached.
func (b *Batcher) fallbackPerItem(ctx context.Context, batch []domain.ContentItem) {
	now := time.Now()
	for _, item := range batch {
		single, err := b.backend.SummarizeBatch(ctx, []domain.ContentItem{item})
		b.reg.Add(service, "upstream_calls", 1)
		b.reg.RecordCost(ctx, service, "item_call", 1)

		if err != nil || len(single) != 1 {
			b.reg.Add(service, "errors", 1)
			b.settle(item, result{summary: degraded(item, err)})
			continue
		}
		s := single[0]
		s.ContentID = item.ID
		b.cachePut(ctx, item, s, now)
		b.settle(item, result{summary: s})
	}
}

// settle removes the pending job and delivers the identical result to every
// waiter.
func (b *Batcher) settle(item domain.ContentItem, res result) {
	b.mu.Lock()
	p, ok := b.pending[item.ID]
	if ok {
		delete(b.pending, item.ID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	for _, ch := range p.waiters {
		ch <- res
	}
}

// ---------------------------------------------------------------------------
// Health probe
// ---------------------------------------------------------------------------

// Compile-time probe check.
var _ telemetry.Probe = (*Batcher)(nil)

// ProbeName identifies this component in health reports.
func (b *Batcher) ProbeName() string { return service }

// Signals reports cache hit rate, latency, queue depth, and error count.
func (b *Batcher) Signals() telemetry.Signals {
	hits := b.reg.Get(service, "cache_hits")
	misses := b.reg.Get(service, "cache_misses")
	hitRate := -1.0
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	b.mu.Lock()
	backlog := len(b.queue)
	b.mu.Unlock()

	return telemetry.Signals{
		Online:     true,
		HitRate:    hitRate,
		AvgLatency: b.reg.AvgLatency(service),
		Backlog:    backlog,
		Errors:     b.reg.Get(service, "errors"),
	}
}
