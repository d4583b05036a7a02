package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tickrelay/internal/config"
	"tickrelay/internal/domain"
	"tickrelay/internal/util"
)

// Compile-time interface check.
var _ SummaryBackend = (*HTTPSummarizer)(nil)

// HTTPSummarizer implements SummaryBackend against a JSON-over-HTTP LLM
// summarization service: one POST per batch, ordered array response.
type HTTPSummarizer struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPSummarizer creates a summarizer client for the configured backend.
func NewHTTPSummarizer(cfg config.Summarizer) *HTTPSummarizer {
	return &HTTPSummarizer{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type summarizeRequest struct {
	Model string               `json:"model,omitempty"`
	Items []domain.ContentItem `json:"items"`
}

type summarizeResponse struct {
	Summaries []struct {
		ContentID string `json:"contentId"`
		Text      string `json:"text"`
		Sentiment string `json:"sentiment,omitempty"`
	} `json:"summaries"`
}

// SummarizeBatch sends the whole batch in one request and returns the
// backend's summaries in response order. Length validation against the
// batch is the caller's contract; this method only rejects undecodable
// responses. Transient HTTP failures are retried with bounded backoff.
func (h *HTTPSummarizer) SummarizeBatch(ctx context.Context, items []domain.ContentItem) ([]domain.Summary, error) {
	body, err := json.Marshal(summarizeRequest{Model: h.model, Items: items})
	if err != nil {
		return nil, fmt.Errorf("encoding summarize request: %w", err)
	}

	var raw []byte
	err = util.Retry(ctx, 3, time.Second, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/summarize", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if h.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+h.apiKey)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("summarize backend returned %s", resp.Status)
		}
		raw, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("calling summarize backend: %w", err)
	}

	var decoded summarizeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &ValidationError{Provider: "summarizer", Reason: "undecodable response body"}
	}

	now := time.Now().UTC()
	out := make([]domain.Summary, 0, len(decoded.Summaries))
	for i, s := range decoded.Summaries {
		id := s.ContentID
		if id == "" && i < len(items) {
			id = items[i].ID
		}
		out = append(out, domain.Summary{
			ContentID: id,
			Text:      s.Text,
			Sentiment: s.Sentiment,
			CreatedAt: now,
		})
	}
	return out, nil
}
