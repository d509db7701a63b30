package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Role says which vistalk command is reporting telemetry.
type Role string

const (
	RoleClient Role = "client"
	RoleRelay  Role = "relay"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// Role selects the default service name. Default: [RoleClient].
	Role Role

	// ServiceName overrides the name derived from Role.
	ServiceName string

	ServiceVersion string

	// SampleRatio is the fraction of new traces recorded. Traces continued
	// from a caller follow the caller's decision. Zero records every trace.
	SampleRatio float64

	// TraceExporter receives finished spans. Nil keeps spans in process
	// only, which is enough for correlation IDs in logs and headers.
	TraceExporter sdktrace.SpanExporter
}

func (c ProviderConfig) serviceName() string {
	if c.ServiceName != "" {
		return c.ServiceName
	}
	if c.Role == RoleRelay {
		return "vistalk-relay"
	}
	return "vistalk"
}

func (c ProviderConfig) sampler() sdktrace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

// newResource describes this process. Every run gets its own instance ID so
// a client and a relay on the same host stay apart. The attributes carry no
// schema URL so they merge with the SDK defaults whatever semconv version
// the SDK was built against.
func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	role := cfg.Role
	if role == "" {
		role = RoleClient
	}
	return resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.serviceName()),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.ServiceInstanceID(uuid.NewString()),
			semconv.ServiceNamespace("vistalk"),
			AttrRole.String(string(role)),
		),
	)
}

// AttrRole tags the resource with the reporting command.
const AttrRole = attribute.Key("vistalk.role")

// InitProvider installs global meter and tracer providers. Metrics are
// exposed through the Prometheus exporter served on /metrics; spans go to
// cfg.TraceExporter when set. The W3C trace context propagator is installed
// so exchanges with the inference endpoint carry a traceparent header.
//
// The returned function flushes and closes both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
