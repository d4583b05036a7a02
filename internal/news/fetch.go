// Package news turns the upstream news API into summarization content:
// recent articles for a symbol become ContentItems for the batcher.
package news

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"tickrelay/internal/domain"
)

// Fetcher retrieves recent news articles for instruments.
type Fetcher struct {
	client *marketdata.Client
	limit  int
}

// NewFetcher creates a news fetcher returning at most limit articles per
// symbol.
func NewFetcher(client *marketdata.Client, limit int) *Fetcher {
	if limit <= 0 {
		limit = 10
	}
	return &Fetcher{client: client, limit: limit}
}

// Recent fetches the latest articles for symbol within the lookback window
// and converts them to summarization content items.
func (f *Fetcher) Recent(symbol string, lookback time.Duration) ([]domain.ContentItem, error) {
	end := time.Now().UTC()
	start := end.Add(-lookback)

	articles, err := f.client.GetNews(marketdata.GetNewsRequest{
		Symbols:            []string{symbol},
		Start:              start,
		End:                end,
		TotalLimit:         f.limit,
		IncludeContent:     true,
		ExcludeContentless: true,
		Sort:               marketdata.SortDesc,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching news for %s: %w", symbol, err)
	}

	items := make([]domain.ContentItem, 0, len(articles))
	for _, a := range articles {
		body := a.Content
		if body == "" {
			body = a.Summary
		}
		items = append(items, domain.ContentItem{
			ID:      fmt.Sprintf("news:%d", a.ID),
			Type:    domain.ContentNews,
			Title:   a.Headline,
			Body:    StripMarkup(body),
			Symbols: a.Symbols,
		})
	}
	return items, nil
}

var tagPattern = regexp.MustCompile(`<[^>]+>`)

// StripMarkup removes HTML tags and entities, collapsing whitespace, so the
// summarization backend sees plain text.
func StripMarkup(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}
