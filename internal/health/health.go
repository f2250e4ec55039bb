// Package health serves the /healthz liveness and /readyz readiness probes.
//
// Liveness always answers 200: a process that can serve HTTP is alive.
// Readiness runs every registered probe concurrently and answers 503 when any
// of them fails. The JSON body reports each probe's outcome and timing:
//
//	{"status":"fail","checks":{"archive":{"status":"fail","error":"dial tcp: connection refused","elapsed":"5s"}}}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds a single readiness probe. A dependency that cannot
// answer within it counts as down.
const probeTimeout = 5 * time.Second

// ProbeFunc reports whether one dependency is usable. A nil return means
// healthy; the error text is surfaced verbatim in the /readyz body.
type ProbeFunc func(ctx context.Context) error

type probe struct {
	name string
	fn   ProbeFunc
}

// report is the body of both endpoints.
type report struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

type checkResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Elapsed string `json:"elapsed"`
}

// Handler answers liveness and readiness requests.
type Handler struct {
	mu     sync.Mutex
	probes []probe
}

// NewHandler returns a Handler with no probes registered. Such a handler
// reports ready unconditionally.
func NewHandler() *Handler {
	return &Handler{}
}

// Add registers a named readiness probe. The name becomes a key in the
// /readyz checks map.
func (h *Handler) Add(name string, fn ProbeFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, probe{name: name, fn: fn})
}

// Mount attaches both endpoints to mux.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz answers the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, report{Status: "ok"})
}

// Readyz answers the readiness probe. Probes run concurrently, each under its
// own [probeTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	probes := make([]probe, len(h.probes))
	copy(probes, h.probes)
	h.mu.Unlock()

	results := make([]checkResult, len(probes))
	g, ctx := errgroup.WithContext(r.Context())
	for i, p := range probes {
		g.Go(func() error {
			results[i] = runProbe(ctx, p.fn)
			return nil
		})
	}
	_ = g.Wait() // probe failures land in results, never in the group error

	body := report{Status: "ok", Checks: make(map[string]checkResult, len(probes))}
	status := http.StatusOK
	for i, p := range probes {
		body.Checks[p.name] = results[i]
		if results[i].Status != "ok" {
			body.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}

	respond(w, status, body)
}

func runProbe(ctx context.Context, fn ProbeFunc) checkResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start).Round(time.Microsecond)

	if err != nil {
		return checkResult{Status: "fail", Error: err.Error(), Elapsed: elapsed.String()}
	}
	return checkResult{Status: "ok", Elapsed: elapsed.String()}
}

// respond marshals the report before touching the ResponseWriter, so the
// status code and body are always consistent.
func respond(w http.ResponseWriter, status int, body report) {
	buf, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "health: encode report", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(buf, '\n'))
}
