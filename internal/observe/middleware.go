package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Routes of the observability server. Any other path is reported as
// RouteOther so the route attribute stays bounded.
const (
	RouteHealthz = "healthz"
	RouteReadyz  = "readyz"
	RouteMetrics = "metrics"
	RouteOther   = "other"
)

// AttrRoute is the route attribute of request spans and metrics.
const AttrRoute = attribute.Key("pushtalk.http.route")

// Route maps a request path to its route label.
func Route(path string) string {
	switch path {
	case "/healthz":
		return RouteHealthz
	case "/readyz":
		return RouteReadyz
	case "/metrics":
		return RouteMetrics
	default:
		return RouteOther
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments the observability server. Every request is counted
// in [Metrics.HTTPRequestDuration] by method, route and status. Health
// checks also get a server span that continues any W3C trace context and an
// X-Correlation-ID header with its trace ID; metric scrapes are not traced.
// A failing readiness check is logged at warn level, everything else at
// debug.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := Route(r.URL.Path)
			ctx := r.Context()

			var span trace.Span
			if route != RouteMetrics {
				ctx = prop.Extract(ctx, propagation.HeaderCarrier(r.Header))
				ctx, span = Tracer().Start(ctx, "HTTP "+r.Method+" "+route,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						semconv.HTTPRequestMethodKey.String(r.Method),
						semconv.URLPath(r.URL.Path),
						AttrRoute.String(route),
					),
				)
				defer span.End()
				if cid := CorrelationID(ctx); cid != "" {
					w.Header().Set("X-Correlation-ID", cid)
				}
				prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))
				r = r.WithContext(ctx)
			}

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.Int("status", rec.statusCode),
				),
			)

			level := slog.LevelDebug
			msg := "request completed"
			if route == RouteReadyz && rec.statusCode >= http.StatusInternalServerError {
				level, msg = slog.LevelWarn, "readiness check failed"
			}
			if span != nil {
				span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))
			}
			Logger(ctx).LogAttrs(ctx, level, msg,
				slog.String("route", route),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}
