package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"tickrelay/internal/config"
	"tickrelay/internal/domain"
)

// Compile-time interface check.
var _ Conn = (*AlpacaStream)(nil)

// AlpacaStream implements Conn over the Alpaca stocks websocket feed. Each
// Connect builds a fresh underlying client; the SDK's own reconnect loop is
// disabled because reconnection is owned by the multiplexer's state machine.
type AlpacaStream struct {
	feed   string
	key    string
	secret string
	log    *slog.Logger

	mu       sync.Mutex
	client   *stream.StocksClient
	onUpdate UpdateHandler
	closed   chan error
}

// NewAlpacaStream creates an unconnected AlpacaStream.
func NewAlpacaStream(cfg config.Alpaca, log *slog.Logger) *AlpacaStream {
	return &AlpacaStream{
		feed:   cfg.Feed,
		key:    cfg.APIKey,
		secret: cfg.APISecret,
		log:    log.With("provider", "alpaca-stream"),
	}
}

// Connect dials the feed and authenticates. The SDK performs auth inside
// Connect; a nil return means the session is authenticated and streaming.
func (a *AlpacaStream) Connect(ctx context.Context, onUpdate UpdateHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	client := stream.NewStocksClient(a.feed,
		stream.WithCredentials(a.key, a.secret),
		stream.WithReconnectSettings(0, 0), // reconnect decisions belong to the mux
	)

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s feed: %w", a.feed, err)
	}

	a.client = client
	a.onUpdate = onUpdate
	a.closed = make(chan error, 1)

	// Forward the SDK's terminal error to our Closed channel.
	go func() {
		err := <-client.Terminated()
		select {
		case a.closed <- err:
		default:
		}
	}()

	return nil
}

// Subscribe issues trade and quote subscriptions for the given topics.
func (a *AlpacaStream) Subscribe(ctx context.Context, topics ...string) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("subscribe: not connected")
	}

	if err := client.SubscribeToTrades(a.handleTrade, topics...); err != nil {
		return fmt.Errorf("subscribing to trades %v: %w", topics, err)
	}
	if err := client.SubscribeToQuotes(a.handleQuote, topics...); err != nil {
		return fmt.Errorf("subscribing to quotes %v: %w", topics, err)
	}
	return nil
}

// Unsubscribe removes trade and quote subscriptions for the given topics.
func (a *AlpacaStream) Unsubscribe(ctx context.Context, topics ...string) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("unsubscribe: not connected")
	}

	if err := client.UnsubscribeFromTrades(topics...); err != nil {
		return fmt.Errorf("unsubscribing from trades %v: %w", topics, err)
	}
	if err := client.UnsubscribeFromQuotes(topics...); err != nil {
		return fmt.Errorf("unsubscribing from quotes %v: %w", topics, err)
	}
	return nil
}

// Ping is a no-op: the SDK manages websocket-level keepalive internally.
// The mux still drives its heartbeat interval through this method so fakes
// can assert on it.
func (a *AlpacaStream) Ping(ctx context.Context) error {
	return nil
}

// Closed yields the terminal error once the underlying session dies.
func (a *AlpacaStream) Closed() <-chan error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Close tears down the current session.
func (a *AlpacaStream) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil
	}

	err := a.client.UnsubscribeFromTrades()
	a.client = nil
	return err
}

func (a *AlpacaStream) handleTrade(t stream.Trade) {
	a.mu.Lock()
	handler := a.onUpdate
	a.mu.Unlock()
	if handler == nil {
		return
	}

	handler(domain.StreamUpdate{
		Kind:      domain.UpdateTrade,
		Topic:     t.Symbol,
		Price:     t.Price,
		Size:      uint64(t.Size),
		Timestamp: t.Timestamp,
	})
}

func (a *AlpacaStream) handleQuote(q stream.Quote) {
	a.mu.Lock()
	handler := a.onUpdate
	a.mu.Unlock()
	if handler == nil {
		return
	}

	handler(domain.StreamUpdate{
		Kind:      domain.UpdateQuote,
		Topic:     q.Symbol,
		BidPrice:  q.BidPrice,
		AskPrice:  q.AskPrice,
		Timestamp: q.Timestamp,
	})
}
