package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// pollPaths are polled by health checks and scrapers; they log at debug.
var pollPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/status":  true,
	"/metrics": true,
}

// responseRecorder remembers the status code and body size of a response.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	session func() string
}

// WithSessionLookup tags every request with the ID fn returns, typically the
// current voice session, so admin traffic can be correlated with it.
func WithSessionLookup(fn func() string) MiddlewareOption {
	return func(c *middlewareConfig) { c.session = fn }
}

// Middleware instruments the admin HTTP server. Each request gets a server
// span continuing any W3C trace context, an X-Correlation-ID response
// header, a duration sample labelled by the matched route pattern and one
// log line.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	var cfg middlewareConfig
	for _, o := range opts {
		o(&cfg)
	}
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			if cfg.session != nil {
				if id := cfg.session(); id != "" {
					ctx = WithSessionID(ctx, id)
				}
			}
			ctx, span := StartSpan(ctx, "admin "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			// ServeMux fills in Pattern while routing.
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			span.SetName("admin " + route)
			span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}

			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("route", route),
				attribute.Int("status", rec.status),
			))

			level := slog.LevelInfo
			if pollPaths[r.URL.Path] && rec.status < http.StatusBadRequest {
				level = slog.LevelDebug
			}
			Logger(ctx).LogAttrs(ctx, level, "observe: admin request",
				slog.String("route", route),
				slog.Int("status", rec.status),
				slog.Int("bytes", rec.bytes),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
