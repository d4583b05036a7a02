package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tickrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memCosts is an in-memory CostStore.
type memCosts struct {
	mu      sync.Mutex
	entries []domain.CostEntry
}

func (m *memCosts) AppendCost(ctx context.Context, e domain.CostEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memCosts) DailySummaries(ctx context.Context, day string) ([]domain.DailyCostSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg := make(map[string]*domain.DailyCostSummary)
	for _, e := range m.entries {
		if e.Timestamp.UTC().Format("2006-01-02") != day {
			continue
		}
		key := e.Service + "/" + e.Operation
		sum, ok := agg[key]
		if !ok {
			sum = &domain.DailyCostSummary{Day: day, Service: e.Service, Operation: e.Operation}
			agg[key] = sum
		}
		sum.Requests += e.Requests
		sum.Cost += e.Cost
	}

	var out []domain.DailyCostSummary
	for _, sum := range agg {
		out = append(out, *sum)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestRegistryCounters(t *testing.T) {
	r := NewRegistry(nil, nil, testLogger())

	r.Add("quotes", "cache_hits", 3)
	r.Add("quotes", "cache_hits", 2)
	if got := r.Get("quotes", "cache_hits"); got != 5 {
		t.Errorf("Get = %d, want 5", got)
	}
	if got := r.Get("quotes", "never_touched"); got != 0 {
		t.Errorf("Get untouched = %d, want 0", got)
	}

	snap := r.Snapshot()
	if snap["quotes/cache_hits"] != 5 {
		t.Errorf("Snapshot[quotes/cache_hits] = %d, want 5", snap["quotes/cache_hits"])
	}
}

func TestRegistryAvgLatency(t *testing.T) {
	r := NewRegistry(nil, nil, testLogger())

	if got := r.AvgLatency("quotes"); got != 0 {
		t.Errorf("AvgLatency with no observations = %v, want 0", got)
	}

	r.ObserveLatency("quotes", 100*time.Millisecond)
	r.ObserveLatency("quotes", 300*time.Millisecond)
	if got := r.AvgLatency("quotes"); got != 200*time.Millisecond {
		t.Errorf("AvgLatency = %v, want 200ms", got)
	}
}

func TestRateTableModel(t *testing.T) {
	model := RateTableModel(map[string]float64{"quotes/batch_fetch": 0.002})

	if got := model("quotes", "batch_fetch", 5); got != 0.01 {
		t.Errorf("model = %v, want 0.01", got)
	}
	if got := model("quotes", "unknown_op", 5); got != 0 {
		t.Errorf("unknown operation cost = %v, want 0", got)
	}
}

func TestRecordCostAppendsEntry(t *testing.T) {
	costs := &memCosts{}
	r := NewRegistry(RateTableModel(map[string]float64{"quotes/batch_fetch": 0.002}), costs, testLogger())

	r.RecordCost(context.Background(), "quotes", "batch_fetch", 2)

	costs.mu.Lock()
	defer costs.mu.Unlock()
	if len(costs.entries) != 1 {
		t.Fatalf("appended entries = %d, want 1", len(costs.entries))
	}
	e := costs.entries[0]
	if e.Service != "quotes" || e.Operation != "batch_fetch" || e.Requests != 2 {
		t.Errorf("entry = %+v, want quotes/batch_fetch x2", e)
	}
	if e.Cost != 0.004 {
		t.Errorf("entry cost = %v, want 0.004", e.Cost)
	}
}

func TestCostAvoided(t *testing.T) {
	r := NewRegistry(RateTableModel(map[string]float64{"quotes/batch_fetch": 0.01}), nil, testLogger())

	r.RecordAvoided("quotes", "batch_fetch", 3)
	if got := r.CostAvoided("quotes"); got != 0.03 {
		t.Errorf("CostAvoided = %v, want 0.03", got)
	}
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		sig  Signals
		want Status
	}{
		{"offline", Signals{Online: false}, StatusOffline},
		{"healthy", Signals{Online: true, HitRate: 0.9}, StatusHealthy},
		{"no cache is not a hit-rate problem", Signals{Online: true, HitRate: -1}, StatusHealthy},
		{"low hit rate warns", Signals{Online: true, HitRate: 0.4}, StatusWarning},
		{"very low hit rate is critical", Signals{Online: true, HitRate: 0.1}, StatusCritical},
		{"slow warns", Signals{Online: true, HitRate: -1, AvgLatency: 3 * time.Second}, StatusWarning},
		{"very slow is critical", Signals{Online: true, HitRate: -1, AvgLatency: 15 * time.Second}, StatusCritical},
		{"backlog warns", Signals{Online: true, HitRate: -1, Backlog: 150}, StatusWarning},
		{"deep backlog is critical", Signals{Online: true, HitRate: -1, Backlog: 600}, StatusCritical},
		{"errors warn", Signals{Online: true, HitRate: -1, Errors: 20}, StatusWarning},
		{"many errors are critical", Signals{Online: true, HitRate: -1, Errors: 150}, StatusCritical},
		{"worst signal wins", Signals{Online: true, HitRate: 0.4, Errors: 150}, StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.sig); got != tt.want {
				t.Errorf("classify = %v, want %v", got, tt.want)
			}
		})
	}
}

// staticProbe returns fixed signals.
type staticProbe struct {
	name string
	sig  Signals
}

func (p staticProbe) ProbeName() string { return p.name }
func (p staticProbe) Signals() Signals  { return p.sig }

func TestCheckOverallWorstComponent(t *testing.T) {
	h := NewHealthChecker([]Probe{
		staticProbe{"a", Signals{Online: true, HitRate: -1}},
		staticProbe{"b", Signals{Online: true, HitRate: 0.1}},
	}, time.Minute, testLogger())

	sh := h.Check()
	if sh.Overall != "critical" {
		t.Errorf("Overall = %q, want critical", sh.Overall)
	}
	if len(sh.Components) != 2 {
		t.Fatalf("components = %d, want 2", len(sh.Components))
	}

	if got := h.Latest(); got.Overall != sh.Overall {
		t.Errorf("Latest().Overall = %q, want %q", got.Overall, sh.Overall)
	}
}

func TestCheckEscalatesMultipleWarnings(t *testing.T) {
	h := NewHealthChecker([]Probe{
		staticProbe{"a", Signals{Online: true, HitRate: 0.4}},
		staticProbe{"b", Signals{Online: true, HitRate: -1, Backlog: 150}},
	}, time.Minute, testLogger())

	sh := h.Check()
	if sh.Overall != "critical" {
		t.Errorf("Overall = %q, want critical with two simultaneous warnings", sh.Overall)
	}
}

func TestCheckSingleWarningStaysWarning(t *testing.T) {
	h := NewHealthChecker([]Probe{
		staticProbe{"a", Signals{Online: true, HitRate: 0.4}},
		staticProbe{"b", Signals{Online: true, HitRate: -1}},
	}, time.Minute, testLogger())

	if sh := h.Check(); sh.Overall != "warning" {
		t.Errorf("Overall = %q, want warning", sh.Overall)
	}
}

// ---------------------------------------------------------------------------
// Costs
// ---------------------------------------------------------------------------

func TestCostReportCeilingBreach(t *testing.T) {
	costs := &memCosts{}
	day := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	costs.AppendCost(context.Background(), domain.CostEntry{Service: "quotes", Operation: "batch_fetch", Requests: 10, Cost: 30, Timestamp: day})
	costs.AppendCost(context.Background(), domain.CostEntry{Service: "summarize", Operation: "batch", Requests: 5, Cost: 25, Timestamp: day})

	tracker := NewCostTracker(costs, 50, "", testLogger())
	report, err := tracker.Report(context.Background(), "2026-08-24")
	if err != nil {
		t.Fatalf("Report returned error: %v", err)
	}

	if report.Total != 55 {
		t.Errorf("Total = %v, want 55", report.Total)
	}
	if !report.CeilingBreach {
		t.Error("CeilingBreach = false, want true over a 50 ceiling")
	}
	if len(report.Summaries) != 2 {
		t.Errorf("summaries = %d, want 2", len(report.Summaries))
	}
}

func TestArchiveWritesParquet(t *testing.T) {
	costs := &memCosts{}
	day := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	costs.AppendCost(context.Background(), domain.CostEntry{Service: "quotes", Operation: "batch_fetch", Requests: 10, Cost: 0.02, Timestamp: day})

	dir := t.TempDir()
	tracker := NewCostTracker(costs, 0, dir, testLogger())
	if err := tracker.Archive(context.Background(), "2026-08-24"); err != nil {
		t.Fatalf("Archive returned error: %v", err)
	}

	path := filepath.Join(dir, "costs", "2026-08-24.parquet")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("archive file missing: %v", err)
	}
}

func TestArchiveSkipsEmptyDay(t *testing.T) {
	dir := t.TempDir()
	tracker := NewCostTracker(&memCosts{}, 0, dir, testLogger())
	if err := tracker.Archive(context.Background(), "2026-08-24"); err != nil {
		t.Fatalf("Archive returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "costs")); !os.IsNotExist(err) {
		t.Error("empty day produced an archive directory")
	}
}

// ---------------------------------------------------------------------------
// Recommendations
// ---------------------------------------------------------------------------

func rulesOf(recs []Recommendation) map[string]bool {
	out := make(map[string]bool, len(recs))
	for _, r := range recs {
		out[r.Rule] = true
	}
	return out
}

func TestRecommendLowHitRate(t *testing.T) {
	r := NewRegistry(nil, nil, testLogger())
	r.Add("quotes", "cache_hits", 20)
	r.Add("quotes", "cache_misses", 80)

	rules := rulesOf(Recommend(r, SystemHealth{}))
	if !rules["low_cache_hit_rate"] {
		t.Error("missing low_cache_hit_rate recommendation")
	}
}

func TestRecommendIgnoresSmallSamples(t *testing.T) {
	r := NewRegistry(nil, nil, testLogger())
	r.Add("quotes", "cache_hits", 1)
	r.Add("quotes", "cache_misses", 9)

	rules := rulesOf(Recommend(r, SystemHealth{}))
	if rules["low_cache_hit_rate"] {
		t.Error("low_cache_hit_rate fired on a sample under 100 reads")
	}
}

func TestRecommendStreamAndQueueRules(t *testing.T) {
	r := NewRegistry(nil, nil, testLogger())
	r.Add("stream", "dropped_updates", 12)
	r.Add("stream", "reconnects", 6)
	r.Add("summarize", "capacity_rejections", 3)

	rules := rulesOf(Recommend(r, SystemHealth{}))
	for _, want := range []string{"dropped_updates", "reconnect_churn", "queue_capacity"} {
		if !rules[want] {
			t.Errorf("missing %s recommendation", want)
		}
	}
}

func TestRecommendDegradedComponent(t *testing.T) {
	r := NewRegistry(nil, nil, testLogger())
	health := SystemHealth{Components: []ComponentHealth{
		{Name: "stream", Status: "critical"},
		{Name: "quotes", Status: "healthy"},
	}}

	recs := Recommend(r, health)
	found := false
	for _, rec := range recs {
		if rec.Rule == "component_degraded" && rec.Component == "stream" {
			found = true
		}
	}
	if !found {
		t.Error("missing component_degraded recommendation for the critical component")
	}
}
