package summarize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"tickrelay/internal/domain"
	"tickrelay/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend serves canned summaries and records every batch.
type fakeBackend struct {
	mu      sync.Mutex
	batches [][]domain.ContentItem

	err          error
	shortOnMulti bool            // multi-item batches return one summary too few
	failIDs      map[string]bool // these ids always fail
}

func (b *fakeBackend) SummarizeBatch(ctx context.Context, items []domain.ContentItem) ([]domain.Summary, error) {
	b.mu.Lock()
	batch := make([]domain.ContentItem, len(items))
	copy(batch, items)
	b.batches = append(b.batches, batch)
	b.mu.Unlock()

	if b.err != nil {
		return nil, b.err
	}
	for _, item := range items {
		if b.failIDs[item.ID] {
			return nil, fmt.Errorf("backend rejected %s", item.ID)
		}
	}

	out := make([]domain.Summary, 0, len(items))
	for _, item := range items {
		out = append(out, domain.Summary{
			ContentID: item.ID,
			Text:      "summary of " + item.Title,
			Sentiment: "neutral",
			CreatedAt: time.Now().UTC(),
		})
	}
	if b.shortOnMulti && len(items) > 1 {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

func newTestBatcher(backend *fakeBackend, opts Options) *Batcher {
	if opts.Window == 0 {
		opts.Window = 20 * time.Millisecond
	}
	return NewBatcher(backend, nil, telemetry.NewRegistry(nil, nil, testLogger()), opts, testLogger())
}

func newsItem(id, title string) domain.ContentItem {
	return domain.ContentItem{ID: id, Type: domain.ContentNews, Title: title, Body: "body of " + title}
}

func TestSummarizeCachesByContentID(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBatcher(backend, Options{})
	ctx := context.Background()
	item := newsItem("news:1", "Rates hold steady")

	first, err := b.Summarize(ctx, item)
	if err != nil {
		t.Fatalf("first Summarize returned error: %v", err)
	}
	second, err := b.Summarize(ctx, item)
	if err != nil {
		t.Fatalf("second Summarize returned error: %v", err)
	}

	if backend.calls() != 1 {
		t.Errorf("backend calls = %d, want 1 (second read should hit cache)", backend.calls())
	}
	if first.Text != second.Text {
		t.Errorf("cached text = %q, want %q", second.Text, first.Text)
	}
	if first.Degraded {
		t.Error("clean batch result marked degraded")
	}
}

func TestSummarizeCoalescesConcurrentRequests(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBatcher(backend, Options{Window: 50 * time.Millisecond})
	item := newsItem("news:1", "Earnings beat")

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Summarize(context.Background(), item)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d got error: %v", i, err)
		}
	}
	if backend.calls() != 1 {
		t.Errorf("backend calls = %d, want 1 for %d concurrent requests", backend.calls(), callers)
	}
}

func TestSummarizeManyOrdersResults(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBatcher(backend, Options{Window: 100 * time.Millisecond, MaxBatchSize: 10})

	items := []domain.ContentItem{
		newsItem("news:1", "First"),
		newsItem("news:2", "Second"),
		newsItem("news:3", "Third"),
	}
	out, err := b.SummarizeMany(context.Background(), items)
	if err != nil {
		t.Fatalf("SummarizeMany returned error: %v", err)
	}

	if len(out) != len(items) {
		t.Fatalf("len(out) = %d, want %d", len(out), len(items))
	}
	for i, item := range items {
		if out[i].ContentID != item.ID {
			t.Errorf("out[%d].ContentID = %s, want %s", i, out[i].ContentID, item.ID)
		}
		if out[i].Text != "summary of "+item.Title {
			t.Errorf("out[%d].Text = %q, want summary of %s", i, out[i].Text, item.Title)
		}
	}
	if backend.calls() != 1 {
		t.Errorf("backend calls = %d, want 1 batched call", backend.calls())
	}
}

func TestMaxBatchSizeFlushesEarly(t *testing.T) {
	backend := &fakeBackend{}
	// A one-hour window only resolves if the size trigger flushes.
	b := newTestBatcher(backend, Options{Window: time.Hour, MaxBatchSize: 2})

	done := make(chan error, 2)
	for i := 1; i <= 2; i++ {
		go func(i int) {
			_, err := b.Summarize(context.Background(), newsItem(fmt.Sprintf("news:%d", i), "Item"))
			done <- err
		}(i)
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Summarize returned error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("size-triggered flush never fired")
		}
	}
}

func TestShapeMismatchFallsBackToPerItemCalls(t *testing.T) {
	backend := &fakeBackend{shortOnMulti: true}
	b := newTestBatcher(backend, Options{Window: 100 * time.Millisecond, MaxBatchSize: 10})

	items := []domain.ContentItem{
		newsItem("news:1", "First"),
		newsItem("news:2", "Second"),
		newsItem("news:3", "Third"),
	}
	out, err := b.SummarizeMany(context.Background(), items)
	if err != nil {
		t.Fatalf("SummarizeMany returned error: %v", err)
	}

	for i, s := range out {
		if s.Degraded {
			t.Errorf("out[%d] degraded, want clean per-item fallback result", i)
		}
		if s.ContentID != items[i].ID {
			t.Errorf("out[%d].ContentID = %s, want %s", i, s.ContentID, items[i].ID)
		}
	}
	// One mismatched batch call plus one fallback call per item.
	if backend.calls() != 1+len(items) {
		t.Errorf("backend calls = %d, want %d", backend.calls(), 1+len(items))
	}
}

func TestFallbackDegradesItemsThatStillFail(t *testing.T) {
	backend := &fakeBackend{shortOnMulti: true, failIDs: map[string]bool{"news:2": true}}
	b := newTestBatcher(backend, Options{Window: 100 * time.Millisecond, MaxBatchSize: 10})

	items := []domain.ContentItem{
		newsItem("news:1", "Good"),
		newsItem("news:2", "Bad"),
	}
	out, err := b.SummarizeMany(context.Background(), items)
	if err != nil {
		t.Fatalf("SummarizeMany returned error: %v", err)
	}

	if out[0].Degraded {
		t.Error("out[0] degraded, want clean fallback result")
	}
	if !out[1].Degraded {
		t.Fatal("out[1] not degraded, want degraded placeholder")
	}
	if out[1].Text != "Bad" {
		t.Errorf("degraded text = %q, want the item title", out[1].Text)
	}

	// Degraded results are never cached: the next request hits the backend.
	before := backend.calls()
	if _, err := b.Summarize(context.Background(), items[1]); err == nil {
		t.Error("Summarize of a failing item returned nil error on a single-item batch")
	}
	if backend.calls() == before {
		t.Error("degraded result was served from cache")
	}
}

func TestQueueCapacityRejectsImmediately(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBatcher(backend, Options{Window: time.Hour, MaxBatchSize: 100, QueueCapacity: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 1; i <= 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Summarize(ctx, newsItem(fmt.Sprintf("news:%d", i), "Queued"))
		}(i)
	}

	// Wait until both items occupy the queue.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && b.Signals().Backlog < 2 {
		time.Sleep(time.Millisecond)
	}
	if b.Signals().Backlog != 2 {
		t.Fatalf("backlog = %d, want 2", b.Signals().Backlog)
	}

	_, err := b.Summarize(context.Background(), newsItem("news:3", "Rejected"))
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Summarize error = %v, want CapacityError", err)
	}
	if capErr.Capacity != 2 {
		t.Errorf("CapacityError.Capacity = %d, want 2", capErr.Capacity)
	}

	cancel()
	wg.Wait()
}
