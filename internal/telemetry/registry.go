// Package telemetry aggregates counters, cost entries, and health signals
// from the other components. It owns no business logic of its own.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tickrelay/internal/domain"
	"tickrelay/internal/store"
)

// CostModel prices upstream usage as a function of service, operation, and
// call volume. Pricing is data supplied by the caller, never hardcoded.
type CostModel func(service, operation string, volume int) float64

// RateTableModel returns a CostModel that multiplies volume by a per-call
// rate looked up under "service/operation". Unknown operations cost zero.
func RateTableModel(rates map[string]float64) CostModel {
	return func(service, operation string, volume int) float64 {
		return rates[service+"/"+operation] * float64(volume)
	}
}

// Registry collects atomic counters and latency sums per component, and
// forwards priced cost entries to the cost store. All methods are safe for
// concurrent use; counter updates never take a lock.
type Registry struct {
	counters sync.Map // "service/counter" -> *atomic.Int64

	model CostModel
	costs store.CostStore
	log   *slog.Logger
}

// NewRegistry creates a Registry pricing usage with the given model and
// appending entries to costs. costs may be nil in tests; entries are then
// counted but not persisted.
func NewRegistry(model CostModel, costs store.CostStore, log *slog.Logger) *Registry {
	if model == nil {
		model = func(string, string, int) float64 { return 0 }
	}
	return &Registry{
		model: model,
		costs: costs,
		log:   log.With("component", "telemetry"),
	}
}

func (r *Registry) counter(service, name string) *atomic.Int64 {
	key := service + "/" + name
	if c, ok := r.counters.Load(key); ok {
		return c.(*atomic.Int64)
	}
	c, _ := r.counters.LoadOrStore(key, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// Add increments the named counter for a service.
func (r *Registry) Add(service, name string, delta int64) {
	r.counter(service, name).Add(delta)
}

// Get returns the current value of a counter.
func (r *Registry) Get(service, name string) int64 {
	return r.counter(service, name).Load()
}

// ObserveLatency records one operation latency for a service. Average
// latency is derived from the sum and count counters.
func (r *Registry) ObserveLatency(service string, d time.Duration) {
	r.counter(service, "latency_sum_micros").Add(d.Microseconds())
	r.counter(service, "latency_count").Add(1)
}

// AvgLatency returns the average recorded latency for a service, or zero if
// nothing has been observed.
func (r *Registry) AvgLatency(service string) time.Duration {
	count := r.Get(service, "latency_count")
	if count == 0 {
		return 0
	}
	return time.Duration(r.Get(service, "latency_sum_micros")/count) * time.Microsecond
}

// RecordCost prices volume calls of service/operation, bumps the running
// cost counters, and appends an entry to the cost store. Store failures are
// counted and logged, never propagated: cost accounting must not fail the
// request path.
func (r *Registry) RecordCost(ctx context.Context, service, operation string, volume int) {
	cost := r.model(service, operation, volume)
	r.Add(service, "cost_requests", int64(volume))
	r.Add(service, "cost_microdollars", int64(cost*1e6))

	if r.costs == nil {
		return
	}
	entry := domain.CostEntry{
		Service:   service,
		Operation: operation,
		Requests:  volume,
		Cost:      cost,
		Timestamp: time.Now().UTC(),
	}
	if err := r.costs.AppendCost(ctx, entry); err != nil {
		r.Add("telemetry", "cost_write_errors", 1)
		r.log.Warn("appending cost entry", "service", service, "operation", operation, "error", err)
	}
}

// RecordAvoided credits calls that were served without touching upstream
// (cache hits, coalesced waiters). The avoided cost uses the same model as
// real spend.
func (r *Registry) RecordAvoided(service, operation string, volume int) {
	saved := r.model(service, operation, volume)
	r.Add(service, "avoided_requests", int64(volume))
	r.Add(service, "avoided_microdollars", int64(saved*1e6))
}

// CostAvoided returns the estimated dollars saved for a service so far.
func (r *Registry) CostAvoided(service string) float64 {
	return float64(r.Get(service, "avoided_microdollars")) / 1e6
}

// Snapshot returns a copy of every counter keyed by "service/counter".
func (r *Registry) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	r.counters.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}
