package observe

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// Routes served by the peer. Anything else is labelled "other" so scanners
// cannot blow up metric cardinality.
var knownRoutes = map[string]bool{
	"/ws":      true,
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// quietRoutes are polled by orchestrators and scrapers and log at debug.
var quietRoutes = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

func routeOf(path string) string {
	if knownRoutes[path] {
		return path
	}
	return "other"
}

// recorder captures the response status. Hijacked connections (WebSocket
// upgrades) count as 101.
type recorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil {
		r.status, r.hijacked = http.StatusSwitchingProtocols, true
	}
	return conn, rw, err
}

func (r *recorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Middleware traces, times and logs every request. Incoming W3C trace
// context is continued and the trace id is returned as X-Correlation-ID.
// For /ws the recorded duration covers the whole voice session.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeOf(r.URL.Path)
			prop := otel.GetTextMapPropagator()
			if len(prop.Fields()) == 0 {
				// No propagator installed; still honour traceparent.
				prop = propagation.TraceContext{}
			}

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRoute(route),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", route),
				attribute.Int("status", rec.status),
			))
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))

			level, msg := slog.LevelInfo, "http: request"
			switch {
			case rec.hijacked:
				msg = "http: websocket closed"
			case quietRoutes[route] && rec.status < http.StatusInternalServerError:
				level = slog.LevelDebug
			}
			Logger(ctx).LogAttrs(ctx, level, msg,
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", elapsed),
				slog.String("remote", r.RemoteAddr),
			)
		})
	}
}
