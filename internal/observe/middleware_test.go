package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRouteLabel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want string
	}{
		{"/call", "/call"},
		{"/logs", "/logs"},
		{"/metrics", "/metrics"},
		{"/calls", "/calls"},
		{"/calls/", "/calls/"},
		{"/calls/CA9e123", "/calls/{callSid}"},
		{"/calls/CA9e123/extra", "/calls/{callSid}"},
	}
	for _, tc := range cases {
		if got := routeLabel(tc.path); got != tc.want {
			t.Errorf("routeLabel(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

// serveThrough runs one request through the middleware and returns the
// recorder plus the context the inner handler saw.
func serveThrough(t *testing.T, m *Metrics, req *http.Request, status int) (*httptest.ResponseRecorder, context.Context) {
	t.Helper()
	seen := context.Background()
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Context()
		w.WriteHeader(status)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddlewareStampsCorrelationHeader(t *testing.T) {
	spanRecorder(t)
	m, _ := newTestMetrics(t)

	req := httptest.NewRequest("GET", "/calls", nil)
	rec, seen := serveThrough(t, m, req, http.StatusOK)

	header := rec.Header().Get("X-Correlation-ID")
	if len(header) != 32 {
		t.Fatalf("X-Correlation-ID = %q, want a 32 hex char trace id", header)
	}
	if got := CorrelationID(seen); got != header {
		t.Errorf("handler saw correlation id %q, header says %q", got, header)
	}
}

func TestMiddlewareInheritsTraceparent(t *testing.T) {
	spanRecorder(t)
	m, _ := newTestMetrics(t)

	req := httptest.NewRequest("GET", "/logs", nil)
	req.Header.Set("traceparent", "00-11f36d51eb770a1c93f1b6e2a8d40c11-2a5c9fa3b1d4e607-01")

	rec, _ := serveThrough(t, m, req, http.StatusOK)

	if got := rec.Header().Get("X-Correlation-ID"); got != "11f36d51eb770a1c93f1b6e2a8d40c11" {
		t.Errorf("correlation id = %q, want the upstream trace id", got)
	}
}

func TestMiddlewareCollapsesCallRoute(t *testing.T) {
	exporter := spanRecorder(t)
	m, reader := newTestMetrics(t)

	req := httptest.NewRequest("GET", "/calls/CA7fd38210", nil)
	serveThrough(t, m, req, http.StatusOK)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "GET /calls/{callSid}" {
		t.Errorf("span name = %q, want GET /calls/{callSid}", spans[0].Name)
	}

	rm := collect(t, reader)
	points := histogramPoints(t, rm, "relay.http.request.duration")
	if len(points) != 1 {
		t.Fatalf("histogram has %d data points, want 1", len(points))
	}
	route, ok := points[0].Attributes.Value("route")
	if !ok || route.AsString() != "/calls/{callSid}" {
		t.Errorf("route attribute = %v, want /calls/{callSid}", route)
	}
}

func TestMiddlewareRecordsResponseStatus(t *testing.T) {
	exporter := spanRecorder(t)
	m, _ := newTestMetrics(t)

	req := httptest.NewRequest("GET", "/calls", nil)
	rec, _ := serveThrough(t, m, req, http.StatusBadGateway)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	var status int64 = -1
	for _, attr := range spans[0].Attributes {
		if string(attr.Key) == "http.response.status_code" {
			status = attr.Value.AsInt64()
		}
	}
	if status != 502 {
		t.Errorf("span http.response.status_code = %d, want 502", status)
	}
}

func TestMiddlewareWriterUnwraps(t *testing.T) {
	spanRecorder(t)
	m, _ := newTestMetrics(t)

	rec := httptest.NewRecorder()
	var unwrapped http.ResponseWriter
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			t.Error("middleware writer does not expose Unwrap")
			return
		}
		unwrapped = u.Unwrap()
	}))
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/call", nil))

	if unwrapped != rec {
		t.Error("Unwrap should return the original writer for websocket hijacks")
	}
}

// histogramPoints extracts the float64 histogram data points of the named
// metric.
func histogramPoints(t *testing.T, rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q is not a float64 histogram", name)
	}
	return hist.DataPoints
}
