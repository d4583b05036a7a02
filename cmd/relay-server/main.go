package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"tickrelay/internal/config"
	"tickrelay/internal/httpapi"
	"tickrelay/internal/news"
	"tickrelay/internal/relay"
	"tickrelay/internal/upstream"
	"tickrelay/internal/util"
)

func main() {
	// Load config.
	cfgPath := "config/tickrelay.yaml"
	if p := os.Getenv("TICKRELAY_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	// Build upstream adapters.
	mdOpts := marketdata.ClientOpts{
		APIKey:    cfg.Alpaca.APIKey,
		APISecret: cfg.Alpaca.APISecret,
	}
	if cfg.Alpaca.DataURL != "" {
		mdOpts.BaseURL = cfg.Alpaca.DataURL
	}

	deps := relay.Deps{
		Quotes:     upstream.NewAlpacaQuotes(cfg.Alpaca, cfg.Quotes.RateLimitPerMin, logger),
		Stream:     upstream.NewAlpacaStream(cfg.Alpaca, logger),
		Summarizer: upstream.NewHTTPSummarizer(cfg.Summarizer),
		News:       news.NewFetcher(marketdata.NewClient(mdOpts), 10),
	}

	svc := relay.New(cfg, deps, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.Initialize(ctx); err != nil {
		log.Fatalf("initializing relay: %v", err)
	}

	api := httpapi.NewServer(svc, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}

	go func() {
		logger.Info("relay server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down relay server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "error", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("relay shutdown error", "error", err)
	}
}
