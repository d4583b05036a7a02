package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"tickrelay/internal/config"
	"tickrelay/internal/domain"
	"tickrelay/internal/util"
)

// Compile-time interface check.
var _ QuoteProvider = (*AlpacaQuotes)(nil)

// AlpacaQuotes implements QuoteProvider over the Alpaca snapshot API. One
// GetQuotes call maps to one upstream multi-symbol snapshot request.
type AlpacaQuotes struct {
	client  *marketdata.Client
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewAlpacaQuotes creates an AlpacaQuotes provider with the given
// credentials and a token-bucket rate limit of ratePerMin calls per minute,
// allowing short bursts for back-to-back coalesced batches.
func NewAlpacaQuotes(cfg config.Alpaca, ratePerMin int, log *slog.Logger) *AlpacaQuotes {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}

	return &AlpacaQuotes{
		client:  marketdata.NewClient(opts),
		limiter: util.NewRateLimiter(ratePerMin, 5),
		log:     log.With("provider", "alpaca-quotes"),
	}
}

// GetQuotes fetches snapshots for all tickers in one upstream call and
// converts them to domain quotes. Tickers with no snapshot (unknown or
// never traded) are simply absent from the result. Transient failures are
// retried with bounded backoff before surfacing.
func (a *AlpacaQuotes) GetQuotes(ctx context.Context, tickers []string) (map[string]domain.Quote, error) {
	if len(tickers) == 0 {
		return map[string]domain.Quote{}, nil
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var snaps map[string]*marketdata.Snapshot
	err := util.Retry(ctx, 3, 500*time.Millisecond, func() error {
		var err error
		snaps, err = a.client.GetSnapshots(tickers, marketdata.GetSnapshotRequest{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching snapshots for %d tickers: %w", len(tickers), err)
	}

	now := time.Now().UTC()
	quotes := make(map[string]domain.Quote, len(snaps))
	for ticker, snap := range snaps {
		if snap == nil {
			continue
		}
		q, ok := snapshotToQuote(ticker, snap, now)
		if !ok {
			a.log.Debug("snapshot missing trade data", "ticker", ticker)
			continue
		}
		quotes[ticker] = q
	}

	return quotes, nil
}

// snapshotToQuote converts one Alpaca snapshot into a domain quote. Change
// percent is computed against the previous daily close when available.
func snapshotToQuote(ticker string, snap *marketdata.Snapshot, now time.Time) (domain.Quote, bool) {
	if snap.LatestTrade == nil {
		return domain.Quote{}, false
	}

	q := domain.Quote{
		Ticker:      ticker,
		Price:       snap.LatestTrade.Price,
		LastUpdated: now,
		Source:      "alpaca",
	}
	if snap.DailyBar != nil {
		q.Volume = snap.DailyBar.Volume
	}
	if snap.PrevDailyBar != nil && snap.PrevDailyBar.Close > 0 {
		q.ChangePercent = (q.Price - snap.PrevDailyBar.Close) / snap.PrevDailyBar.Close * 100
	}

	return q, true
}
