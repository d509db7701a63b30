package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/vistalk"

// Headers carrying capture correlation between the client, the inference
// endpoint and the local relay.
const (
	CaptureIDHeader   = "X-Capture-ID"
	CorrelationHeader = "X-Correlation-ID"
)

// Span attribute keys shared by the capture, exchange and relay spans.
const (
	AttrCaptureID  = attribute.Key("vistalk.capture.id")
	AttrStreamID   = attribute.Key("vistalk.stream.id")
	AttrAudioBytes = attribute.Key("vistalk.capture.audio_bytes")
	AttrImageBytes = attribute.Key("vistalk.capture.image_bytes")
	AttrRoute      = attribute.Key("vistalk.http.route")
)

type captureKey struct{}

// Tracer returns the vistalk tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCaptureSpan starts a span about one capture. The capture ID is stored
// in the returned context so [Logger] and outgoing requests pick it up.
func StartCaptureSpan(ctx context.Context, name, captureID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = WithCapture(ctx, captureID)
	return StartSpan(ctx, name, trace.WithAttributes(append(CaptureAttrs(captureID, -1, -1), attrs...)...))
}

// CaptureAttrs describes a capture. Negative sizes are omitted.
func CaptureAttrs(captureID string, audioBytes, imageBytes int) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if captureID != "" {
		attrs = append(attrs, AttrCaptureID.String(captureID))
	}
	if audioBytes >= 0 {
		attrs = append(attrs, AttrAudioBytes.Int(audioBytes))
	}
	if imageBytes >= 0 {
		attrs = append(attrs, AttrImageBytes.Int(imageBytes))
	}
	return attrs
}

// WithCapture tags ctx with a capture ID. An empty id leaves ctx unchanged.
func WithCapture(ctx context.Context, captureID string) context.Context {
	if captureID == "" {
		return ctx
	}
	return context.WithValue(ctx, captureKey{}, captureID)
}

// CaptureID returns the capture ID stored by [WithCapture], or "".
func CaptureID(ctx context.Context) string {
	id, _ := ctx.Value(captureKey{}).(string)
	return id
}

// CorrelationID returns the trace ID of the span in ctx, or "". The HTTP
// middleware echoes it in [CorrelationHeader].
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id, span_id and capture
// attributes taken from ctx when present.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := CaptureID(ctx); id != "" {
		l = l.With(slog.String("capture", id))
	}
	return l
}
