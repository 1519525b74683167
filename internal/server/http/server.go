// Package httpserver exposes the HTTP status surface for the spread feed daemon.
package httpserver

import (
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/spreadfeed/config"
	"github.com/coachpo/spreadfeed/internal/feed"
	"github.com/coachpo/spreadfeed/internal/observability"
	"github.com/coachpo/spreadfeed/internal/schema"
	"github.com/coachpo/spreadfeed/internal/spread"
)

const (
	healthPath   = "/healthz"
	statusPath   = "/status"
	snapshotPath = "/snapshot"
	spreadsPath  = "/spreads"
	rejectsPath  = "/rejects"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// FeedSource exposes the feed state consumed by the HTTP surface.
type FeedSource interface {
	Status() feed.Status
	Snapshot() []schema.QuoteRow
	Counters() observability.FeedCountersSnapshot
	Rejects() []observability.RejectedFrame
}

type httpServer struct {
	environment config.Environment
	source      FeedSource
	started     time.Time
}

// NewHandler creates the HTTP handler serving health, status, and spread data.
func NewHandler(environment config.Environment, source FeedSource) http.Handler {
	server := &httpServer{environment: environment, source: source, started: time.Now()}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealth,
	}))
	mux.Handle(statusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStatus,
	}))
	mux.Handle(snapshotPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getSnapshot,
	}))
	mux.Handle(spreadsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getSpreads,
	}))
	mux.Handle(rejectsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getRejects,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) getStatus(w http.ResponseWriter, _ *http.Request) {
	rows := s.source.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"environment": string(s.environment),
		"connection":  string(s.source.Status()),
		"rows":        len(rows),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"counters":    s.source.Counters(),
	})
}

func (s *httpServer) getSnapshot(w http.ResponseWriter, r *http.Request) {
	rows := filterRows(s.source.Snapshot(), r.URL.Query().Get("token"))
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(rows),
		"rows":  rows,
	})
}

type spreadEntry struct {
	Token      string  `json:"token"`
	Network    string  `json:"network"`
	AExchange  string  `json:"aExchange"`
	BExchange  string  `json:"bExchange"`
	PriceA     string  `json:"priceA"`
	PriceB     string  `json:"priceB"`
	WireSpread string  `json:"wireSpread"`
	Computed   *string `json:"computed"`
}

func (s *httpServer) getSpreads(w http.ResponseWriter, r *http.Request) {
	rows := filterRows(s.source.Snapshot(), r.URL.Query().Get("token"))
	entries := make([]spreadEntry, 0, len(rows))
	for _, row := range rows {
		entry := spreadEntry{
			Token:      row.Token,
			Network:    string(row.Network),
			AExchange:  row.AExchange,
			BExchange:  row.BExchange,
			PriceA:     row.PriceA,
			PriceB:     row.PriceB,
			WireSpread: row.Spread,
			Computed:   nil,
		}
		if pct, err := spread.PercentStrings(row.PriceA, row.PriceB); err == nil && pct.Valid {
			rendered := pct.Decimal.Round(6).String()
			entry.Computed = &rendered
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"spreads": entries,
	})
}

func (s *httpServer) getRejects(w http.ResponseWriter, _ *http.Request) {
	rejects := s.source.Rejects()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(rejects),
		"rejects": rejects,
	})
}

func filterRows(rows []schema.QuoteRow, token string) []schema.QuoteRow {
	token = schema.NormalizeSymbol(token)
	if token == "" {
		return rows
	}
	out := make([]schema.QuoteRow, 0, len(rows))
	for _, row := range rows {
		if row.Token == token {
			out = append(out, row)
		}
	}
	return out
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
