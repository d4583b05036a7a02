// Package httpapi serves the relay façade as a JSON REST API, plus a
// server-sent-events stream for live updates.
package httpapi

import (
	"tickrelay/internal/domain"
)

// QuoteJSON is the JSON representation of one quote.
type QuoteJSON struct {
	Ticker        string  `json:"ticker"`
	Price         float64 `json:"price"`
	ChangePercent float64 `json:"changePercent"`
	Volume        uint64  `json:"volume"`
	LastUpdated   string  `json:"lastUpdated"`
	Source        string  `json:"source"`
}

func quoteJSON(q domain.Quote) QuoteJSON {
	return QuoteJSON{
		Ticker:        q.Ticker,
		Price:         q.Price,
		ChangePercent: q.ChangePercent,
		Volume:        q.Volume,
		LastUpdated:   q.LastUpdated.Format("2006-01-02T15:04:05Z07:00"),
		Source:        q.Source,
	}
}

// QuotesResponse pairs resolved quotes with per-instrument failures.
type QuotesResponse struct {
	Quotes map[string]QuoteJSON `json:"quotes"`
	Errors map[string]string    `json:"errors,omitempty"`
}

// SubscribeRequest registers an owner on a set of instruments.
type SubscribeRequest struct {
	OwnerID     string   `json:"ownerId"`
	Instruments []string `json:"instruments"`
}

// SummarizeRequest submits content items for summarization.
type SummarizeRequest struct {
	Items []domain.ContentItem `json:"items"`
}

// SummarizeResponse returns summaries in request order.
type SummarizeResponse struct {
	Summaries []domain.Summary `json:"summaries"`
}

// AlertRequest creates or replaces an alert rule.
type AlertRequest struct {
	ID              string  `json:"id"`
	OwnerID         string  `json:"ownerId"`
	Instrument      string  `json:"instrument"`
	TargetPrice     float64 `json:"targetPrice"`
	Condition       string  `json:"condition"`
	Repeat          string  `json:"repeat"`
	Priority        int     `json:"priority"`
	CooldownSeconds int64   `json:"cooldownSeconds"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
