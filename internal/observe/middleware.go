package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// propagatorFor returns the wire format for cross-service trace propagation.
func propagatorFor() propagation.TextMapPropagator {
	return propagation.TraceContext{}
}

// routeLabel collapses request paths onto their mux patterns so metric
// cardinality stays bounded when call ids appear in the path.
func routeLabel(path string) string {
	if rest, ok := strings.CutPrefix(path, "/calls/"); ok && rest != "" {
		return "/calls/{callSid}"
	}
	return path
}

// quietRoutes are scrape and probe endpoints logged at debug so they do not
// drown the request log.
var quietRoutes = map[string]struct{}{
	"/metrics": {},
	"/healthz": {},
	"/readyz":  {},
}

// responseTap captures the status code on its way to the wrapped writer.
type responseTap struct {
	http.ResponseWriter
	status int
}

func (t *responseTap) WriteHeader(code int) {
	t.status = code
	t.ResponseWriter.WriteHeader(code)
}

// Unwrap lets [http.ResponseController] reach the underlying writer, which
// the websocket endpoints need to hijack the connection.
func (t *responseTap) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}

// Middleware traces every request, stamps the X-Correlation-ID response
// header from the trace id, records the request-duration histogram under the
// collapsed route label, and writes one completion log line per request.
// The websocket upgrades on /call and /logs pass through it too; their spans
// last for the whole call.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	propagator := propagatorFor()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routeLabel(r.URL.Path)
			start := time.Now()

			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRoute(route),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}

			tap := &responseTap{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(tap, r.WithContext(ctx))

			elapsed := time.Since(start)
			span.SetAttributes(semconv.HTTPResponseStatusCode(tap.status))
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
				),
			)

			level := slog.LevelInfo
			if _, quiet := quietRoutes[route]; quiet {
				level = slog.LevelDebug
			}
			Logger(ctx).Log(ctx, level, "http request",
				"method", r.Method,
				"route", route,
				"status", tap.status,
				"elapsed", elapsed,
			)
		})
	}
}
