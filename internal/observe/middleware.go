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

// Routes served by vistalk, as reported in span names and the route metric
// attribute. Anything else is [RouteOther] so scanners cannot blow up
// metric cardinality.
const (
	RouteUpload     = "upload"
	RouteStatus     = "status"
	RouteStatusFeed = "status_feed"
	RouteSignaling  = "signaling"
	RouteMetrics    = "metrics"
	RouteOther      = "other"
)

// Route classifies a request path.
func Route(path string) string {
	switch {
	case path == "/api/media-upload":
		return RouteUpload
	case path == "/api/status":
		return RouteStatus
	case path == "/ws/status":
		return RouteStatusFeed
	case path == "/metrics":
		return RouteMetrics
	case strings.HasPrefix(path, "/webrtc/"):
		return RouteSignaling
	}
	return RouteOther
}

// statusRecorder keeps the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets websocket upgrades hijack through [http.ResponseController].
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware traces and times every request.
//
// The span is named after the [Route], continues any W3C trace context sent
// by the caller and carries the capture ID from [CaptureIDHeader] when the
// client set one. The response echoes the trace ID in [CorrelationHeader]
// and the capture ID in [CaptureIDHeader]. Status feed upgrades are logged
// when the socket closes, not when it opens.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := Route(r.URL.Path)
			captureID := r.Header.Get(CaptureIDHeader)
			upgrade := strings.EqualFold(r.Header.Get("Upgrade"), "websocket")

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			attrs := []attribute.KeyValue{
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
				AttrRoute.String(route),
			}
			attrs = append(attrs, CaptureAttrs(captureID, -1, -1)...)
			if upgrade {
				attrs = append(attrs, attribute.Bool("vistalk.http.websocket", true))
			}
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()
			ctx = WithCapture(ctx, captureID)

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set(CorrelationHeader, cid)
			}
			if captureID != "" {
				w.Header().Set(CaptureIDHeader, captureID)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			if !upgrade || rec.statusCode != http.StatusSwitchingProtocols {
				m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
					metric.WithAttributes(
						attribute.String("method", r.Method),
						attribute.String("route", route),
					),
				)
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			level := slog.LevelInfo
			if route == RouteMetrics {
				level = slog.LevelDebug
			}
			Logger(ctx).LogAttrs(ctx, level, "request completed",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}
