package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tickrelay/internal/domain"
	"tickrelay/internal/relay"
	"tickrelay/internal/summarize"
)

// Server serves the relay façade over HTTP.
type Server struct {
	svc *relay.Service
	log *slog.Logger
}

// NewServer creates an HTTP server over the given service.
func NewServer(svc *relay.Service, log *slog.Logger) *Server {
	return &Server{svc: svc, log: log.With("component", "httpapi")}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/quotes/{symbol}", s.handleQuote)
	mux.HandleFunc("GET /api/quotes", s.handleQuotes)
	mux.HandleFunc("POST /api/subscriptions", s.handleSubscribe)
	mux.HandleFunc("DELETE /api/subscriptions/{owner}", s.handleUnsubscribe)
	mux.HandleFunc("GET /api/stream/{owner}", s.handleStream)
	mux.HandleFunc("POST /api/summaries", s.handleSummarize)
	mux.HandleFunc("GET /api/news-summaries/{symbol}", s.handleNewsSummaries)
	mux.HandleFunc("POST /api/alerts", s.handleSaveAlert)
	mux.HandleFunc("DELETE /api/alerts/{id}", s.handleDeleteAlert)
	mux.HandleFunc("GET /api/system/summary", s.handleSystemSummary)
	mux.HandleFunc("GET /api/system/recommendations", s.handleRecommendations)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encoding response", "error", err)
	}
}

// writeError maps façade errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var capErr *summarize.CapacityError
	switch {
	case errors.Is(err, relay.ErrNotInitialized):
		status = http.StatusServiceUnavailable
	case errors.As(err, &capErr):
		status = http.StatusTooManyRequests
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// ---------------------------------------------------------------------------
// Quotes
// ---------------------------------------------------------------------------

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))

	q, err := s.svc.GetQuote(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, relay.ErrNotInitialized) {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, quoteJSON(q))
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("symbols")
	if raw == "" {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "symbols query parameter required"})
		return
	}
	symbols := strings.Split(strings.ToUpper(raw), ",")

	found, failed, err := s.svc.GetQuotes(r.Context(), symbols)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := QuotesResponse{Quotes: make(map[string]QuoteJSON, len(found))}
	for sym, q := range found {
		resp.Quotes[sym] = quoteJSON(q)
	}
	if len(failed) > 0 {
		resp.Errors = make(map[string]string, len(failed))
		for sym, ferr := range failed {
			resp.Errors[sym] = ferr.Error()
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Subscriptions and streaming
// ---------------------------------------------------------------------------

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.OwnerID == "" || len(req.Instruments) == 0 {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "ownerId and instruments required"})
		return
	}

	if _, err := s.svc.Subscribe(r.Context(), req.OwnerID, req.Instruments); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed"})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	if err := s.svc.Unsubscribe(r.Context(), owner); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

// handleStream subscribes the owner and relays updates as server-sent
// events until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	raw := r.URL.Query().Get("symbols")
	if raw == "" {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "symbols query parameter required"})
		return
	}
	symbols := strings.Split(strings.ToUpper(raw), ",")

	updates, err := s.svc.Subscribe(r.Context(), owner, symbols)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// The request context is already cancelled by the time the client
	// disconnects; the upstream unsubscribe needs a live one.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.svc.Unsubscribe(cleanupCtx, owner); err != nil {
			s.log.Warn("unsubscribing disconnected stream client", "owner", owner, "error", err)
		}
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(u)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", u.Kind, data)
			flusher.Flush()
		}
	}
}

// ---------------------------------------------------------------------------
// Summarization
// ---------------------------------------------------------------------------

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	var req SummarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if len(req.Items) == 0 {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "items required"})
		return
	}

	summaries, err := s.svc.SummarizeMany(r.Context(), req.Items)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SummarizeResponse{Summaries: summaries})
}

func (s *Server) handleNewsSummaries(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))

	lookback := 24 * time.Hour
	if v := r.URL.Query().Get("lookback_hours"); v != "" {
		if h, err := strconv.Atoi(v); err == nil && h > 0 {
			lookback = time.Duration(h) * time.Hour
		}
	}

	summaries, err := s.svc.SummarizeNews(r.Context(), symbol, lookback)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SummarizeResponse{Summaries: summaries})
}

// ---------------------------------------------------------------------------
// Alerts
// ---------------------------------------------------------------------------

func (s *Server) handleSaveAlert(w http.ResponseWriter, r *http.Request) {
	var req AlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.ID == "" || req.OwnerID == "" || req.Instrument == "" {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "id, ownerId, and instrument required"})
		return
	}

	alert := &domain.Alert{
		ID:              req.ID,
		OwnerID:         req.OwnerID,
		Instrument:      strings.ToUpper(req.Instrument),
		TargetPrice:     req.TargetPrice,
		Condition:       domain.Condition(req.Condition),
		Repeat:          domain.RepeatPolicy(req.Repeat),
		Priority:        domain.Priority(req.Priority),
		CooldownSeconds: req.CooldownSeconds,
	}
	if alert.Repeat == "" {
		alert.Repeat = domain.RepeatUnlimited
	}

	if err := s.svc.SaveAlert(r.Context(), alert); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "id": alert.ID})
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteAlert(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ---------------------------------------------------------------------------
// Telemetry
// ---------------------------------------------------------------------------

func (s *Server) handleSystemSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.GetSystemSummary(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	recs, err := s.svc.GetRecommendations()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.GetSystemSummary(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary.Health)
}
