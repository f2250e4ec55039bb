package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func healthyProbe(_ context.Context) error { return nil }

func serveReadyz(t *testing.T, h *Handler) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	return rec
}

func decodeReport(t *testing.T, rec *httptest.ResponseRecorder) report {
	t.Helper()
	var body report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestHealthzAlwaysOK(t *testing.T) {
	t.Parallel()

	h := NewHandler()
	h.Add("broken", func(_ context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("code = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if body := decodeReport(t, rec); body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyzAllProbesPass(t *testing.T) {
	t.Parallel()

	h := NewHandler()
	h.Add("archive", healthyProbe)
	h.Add("model", healthyProbe)

	rec := serveReadyz(t, h)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want %d", rec.Code, http.StatusOK)
	}

	body := decodeReport(t, rec)
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	for _, name := range []string{"archive", "model"} {
		check, present := body.Checks[name]
		if !present {
			t.Fatalf("check %q missing from body", name)
		}
		if check.Status != "ok" {
			t.Errorf("check %q status = %q, want %q", name, check.Status, "ok")
		}
		if check.Elapsed == "" {
			t.Errorf("check %q has no elapsed time", name)
		}
	}
}

func TestReadyzReportsFailure(t *testing.T) {
	t.Parallel()

	h := NewHandler()
	h.Add("archive", func(_ context.Context) error {
		return errors.New("dial tcp 10.0.0.7:5432: connection refused")
	})
	h.Add("model", healthyProbe)

	rec := serveReadyz(t, h)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	body := decodeReport(t, rec)
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if got := body.Checks["archive"]; got.Status != "fail" || !strings.Contains(got.Error, "connection refused") {
		t.Errorf("archive check = %+v, want fail with dial error", got)
	}
	if got := body.Checks["model"]; got.Status != "ok" || got.Error != "" {
		t.Errorf("model check = %+v, want clean ok", got)
	}
}

func TestReadyzWithoutProbes(t *testing.T) {
	t.Parallel()

	rec := serveReadyz(t, NewHandler())
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := decodeReport(t, rec); len(body.Checks) != 0 {
		t.Errorf("checks = %v, want none", body.Checks)
	}
}

func TestReadyzProbesRunTogether(t *testing.T) {
	t.Parallel()

	// Both probes block until each has started. Serial execution would park
	// the first probe until its 5s deadline and fail the request.
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	rendezvous := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h := NewHandler()
	h.Add("a", rendezvous)
	h.Add("b", rendezvous)

	go func() {
		for i := 0; i < 2; i++ {
			<-started
		}
		close(release)
	}()

	rec := serveReadyz(t, h)
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d, want %d (probes were serialised)", rec.Code, http.StatusOK)
	}
}

func TestReadyzCancelledRequest(t *testing.T) {
	t.Parallel()

	h := NewHandler()
	h.Add("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if got := decodeReport(t, rec).Checks["slow"]; !strings.Contains(got.Error, "canceled") {
		t.Errorf("slow check = %+v, want cancellation error", got)
	}
}

func TestMountServesBothEndpoints(t *testing.T) {
	t.Parallel()

	h := NewHandler()
	h.Add("archive", func(_ context.Context) error { return errors.New("down") })

	mux := http.NewServeMux()
	h.Mount(mux)

	// Liveness stays green while readiness reports the failing probe.
	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest("GET", tc.path, nil))
			if rec.Code != tc.want {
				t.Errorf("code = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}
