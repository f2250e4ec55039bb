package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaykit/relay/internal/archive"
	"github.com/relaykit/relay/internal/health"
	"github.com/relaykit/relay/internal/observe"
)

// routes assembles the relay's HTTP surface: the two websocket endpoints,
// health and metrics, and the read-only archive endpoints when the archive is
// enabled. Everything is wrapped in the tracing middleware.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /call", a.manager.HandleCall)
	mux.HandleFunc("GET /logs", a.manager.HandleLogs)

	hc := health.NewHandler()
	if a.archive != nil {
		hc.Add("archive", a.archive.Ping)
	}
	hc.Mount(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	if a.archive != nil {
		mux.HandleFunc("GET /calls", a.handleCalls)
		mux.HandleFunc("GET /calls/{callSid}", a.handleCallRecord)
	}

	return observe.Middleware(a.metrics)(mux)
}

// handleCalls lists recent calls, or searches transcripts when ?q= is given.
// ?mode=semantic switches the search from full-text to the embedding index.
func (a *App) handleCalls(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryInt(r, "limit")

	q := r.URL.Query().Get("q")
	if q == "" {
		calls, err := a.archive.RecentCalls(ctx, limit)
		if err != nil {
			a.serveError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
		return
	}

	if r.URL.Query().Get("mode") == "semantic" {
		matches, err := a.archive.SearchSemantic(ctx, q, limit)
		if errors.Is(err, archive.ErrSemanticDisabled) {
			http.Error(w, "semantic search is not configured", http.StatusNotImplemented)
			return
		}
		if err != nil {
			a.serveError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
		return
	}

	lines, err := a.archive.SearchTranscripts(ctx, q, limit)
	if err != nil {
		a.serveError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

// handleCallRecord serves one call with its full transcript.
func (a *App) handleCallRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := a.archive.Call(r.Context(), r.PathValue("callSid"))
	if errors.Is(err, archive.ErrNotFound) {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.serveError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *App) serveError(w http.ResponseWriter, r *http.Request, err error) {
	observe.Logger(r.Context()).Error("archive request failed", "path", r.URL.Path, "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// queryInt reads an integer query parameter; absent or malformed values
// return 0, which the archive treats as its default.
func queryInt(r *http.Request, key string) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeJSON encodes v with the proper content type. Encoding failures have
// already committed the status line, so they are only logged by the caller's
// middleware.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
