// Package upstream defines the interfaces tickrelay uses to talk to its
// expensive external providers (the batch quote API, the streaming feed,
// and the summarization backend), plus the Alpaca and HTTP implementations.
package upstream

import (
	"context"
	"fmt"

	"tickrelay/internal/domain"
)

// QuoteProvider is the batch REST-style quote source. Partial results are
// allowed: tickers missing from the returned map had no data upstream.
type QuoteProvider interface {
	// GetQuotes fetches current quotes for the given tickers in one call.
	GetQuotes(ctx context.Context, tickers []string) (map[string]domain.Quote, error)
}

// UpdateHandler receives every typed update parsed off the stream.
type UpdateHandler func(domain.StreamUpdate)

// Conn is one upstream streaming connection. The multiplexer owns exactly
// one Conn at a time and is the only writer to it.
type Conn interface {
	// Connect dials and authenticates. Updates parsed from the socket are
	// delivered to onUpdate until the connection terminates.
	Connect(ctx context.Context, onUpdate UpdateHandler) error

	// Subscribe issues upstream subscribe commands for the given topics.
	Subscribe(ctx context.Context, topics ...string) error

	// Unsubscribe issues upstream unsubscribe commands for the given topics.
	Unsubscribe(ctx context.Context, topics ...string) error

	// Ping sends a keepalive while streaming.
	Ping(ctx context.Context) error

	// Closed yields the terminal error when the connection dies.
	Closed() <-chan error

	// Close tears the connection down.
	Close() error
}

// SummaryBackend is the LLM summarization service. The response is expected
// to be ordered and the same length as the request batch; the batcher
// validates that contract.
type SummaryBackend interface {
	SummarizeBatch(ctx context.Context, items []domain.ContentItem) ([]domain.Summary, error)
}

// ValidationError reports a malformed or unexpected upstream response shape.
type ValidationError struct {
	Provider string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid response: %s", e.Provider, e.Reason)
}
