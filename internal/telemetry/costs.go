package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"tickrelay/internal/domain"
	"tickrelay/internal/store"
)

// CostReport is the aggregated spend for one day plus ceiling status.
type CostReport struct {
	Day           string                    `json:"day"`
	Summaries     []domain.DailyCostSummary `json:"summaries"`
	Total         float64                   `json:"total"`
	Ceiling       float64                   `json:"ceiling"`
	CeilingBreach bool                      `json:"ceilingBreach"`
}

// CostTracker aggregates persisted cost entries into daily reports and
// archives finalized days to parquet.
type CostTracker struct {
	costs      store.CostStore
	ceiling    float64
	archiveDir string
	log        *slog.Logger
}

// NewCostTracker creates a tracker reading from costs. archiveDir may be
// empty to disable parquet archival.
func NewCostTracker(costs store.CostStore, ceiling float64, archiveDir string, log *slog.Logger) *CostTracker {
	return &CostTracker{
		costs:      costs,
		ceiling:    ceiling,
		archiveDir: archiveDir,
		log:        log.With("component", "costs"),
	}
}

// Report aggregates the given UTC day (YYYY-MM-DD) and flags a ceiling
// breach. Breaches are surfaced and logged, never auto-throttled here.
func (c *CostTracker) Report(ctx context.Context, day string) (CostReport, error) {
	summaries, err := c.costs.DailySummaries(ctx, day)
	if err != nil {
		return CostReport{}, fmt.Errorf("building cost report for %s: %w", day, err)
	}

	report := CostReport{Day: day, Summaries: summaries, Ceiling: c.ceiling}
	for _, s := range summaries {
		report.Total += s.Cost
	}
	if c.ceiling > 0 && report.Total > c.ceiling {
		report.CeilingBreach = true
		c.log.Warn("daily cost ceiling breached", "day", day, "total", report.Total, "ceiling", c.ceiling)
	}
	return report, nil
}

// Today aggregates the current UTC day.
func (c *CostTracker) Today(ctx context.Context) (CostReport, error) {
	return c.Report(ctx, time.Now().UTC().Format("2006-01-02"))
}

// costRecord is the parquet schema for archived daily summaries.
type costRecord struct {
	Day       string  `parquet:"day"`
	Service   string  `parquet:"service"`
	Operation string  `parquet:"operation"`
	Requests  int64   `parquet:"requests"`
	Cost      float64 `parquet:"cost"`
}

// Archive writes the finalized summaries for a day to
// <archiveDir>/costs/<day>.parquet. Skips silently when archival is
// disabled or the day produced no entries.
func (c *CostTracker) Archive(ctx context.Context, day string) error {
	if c.archiveDir == "" {
		return nil
	}

	summaries, err := c.costs.DailySummaries(ctx, day)
	if err != nil {
		return fmt.Errorf("loading summaries for archive %s: %w", day, err)
	}
	if len(summaries) == 0 {
		return nil
	}

	records := make([]costRecord, 0, len(summaries))
	for _, s := range summaries {
		records = append(records, costRecord{
			Day:       s.Day,
			Service:   s.Service,
			Operation: s.Operation,
			Requests:  int64(s.Requests),
			Cost:      s.Cost,
		})
	}

	dir := filepath.Join(c.archiveDir, "costs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating archive dir: %w", err)
	}
	path := filepath.Join(dir, day+".parquet")
	if err := parquet.WriteFile(path, records); err != nil {
		return fmt.Errorf("writing cost archive %s: %w", path, err)
	}

	c.log.Info("archived daily costs", "day", day, "rows", len(records), "path", path)
	return nil
}
