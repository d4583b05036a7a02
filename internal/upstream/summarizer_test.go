package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"tickrelay/internal/config"
	"tickrelay/internal/domain"
)

func newsItems() []domain.ContentItem {
	return []domain.ContentItem{
		{ID: "news:1", Type: domain.ContentNews, Title: "First", Body: "body"},
		{ID: "news:2", Type: domain.ContentNews, Title: "Second", Body: "body"},
	}
}

func TestSummarizeBatch(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/summarize" {
			t.Errorf("path = %s, want /v1/summarize", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		var req struct {
			Model string               `json:"model"`
			Items []domain.ContentItem `json:"items"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Model != "test-model" {
			t.Errorf("model = %q, want test-model", req.Model)
		}

		resp := map[string]any{"summaries": []map[string]string{
			{"contentId": "news:1", "text": "first summary", "sentiment": "positive"},
			{"contentId": "news:2", "text": "second summary", "sentiment": "negative"},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	s := NewHTTPSummarizer(config.Summarizer{BaseURL: srv.URL, APIKey: "secret", Model: "test-model"})
	out, err := s.SummarizeBatch(context.Background(), newsItems())
	if err != nil {
		t.Fatalf("SummarizeBatch returned error: %v", err)
	}

	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want Bearer secret", gotAuth)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0].ContentID != "news:1" || out[0].Text != "first summary" {
		t.Errorf("out[0] = %+v, want news:1 first summary", out[0])
	}
	if out[1].Sentiment != "negative" {
		t.Errorf("out[1].Sentiment = %q, want negative", out[1].Sentiment)
	}
}

func TestSummarizeBatchFillsMissingIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"summaries": []map[string]string{
			{"text": "first summary"},
			{"text": "second summary"},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	s := NewHTTPSummarizer(config.Summarizer{BaseURL: srv.URL})
	out, err := s.SummarizeBatch(context.Background(), newsItems())
	if err != nil {
		t.Fatalf("SummarizeBatch returned error: %v", err)
	}
	if out[0].ContentID != "news:1" || out[1].ContentID != "news:2" {
		t.Errorf("content ids = %s, %s; want filled from request order", out[0].ContentID, out[1].ContentID)
	}
}

func TestSummarizeBatchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"summaries": []map[string]string{
			{"contentId": "news:1", "text": "ok"},
			{"contentId": "news:2", "text": "ok"},
		}})
	}))
	defer srv.Close()

	s := NewHTTPSummarizer(config.Summarizer{BaseURL: srv.URL})
	if _, err := s.SummarizeBatch(context.Background(), newsItems()); err != nil {
		t.Fatalf("SummarizeBatch returned error after retries: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("backend calls = %d, want 2", got)
	}
}

func TestSummarizeBatchUndecodableResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	s := NewHTTPSummarizer(config.Summarizer{BaseURL: srv.URL})
	_, err := s.SummarizeBatch(context.Background(), newsItems())

	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if vErr.Provider != "summarizer" {
		t.Errorf("Provider = %q, want summarizer", vErr.Provider)
	}
}
