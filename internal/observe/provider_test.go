package observe

import (
	"testing"

	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestNewResource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		cfg         ProviderConfig
		wantService string
		wantRole    string
	}{
		{"defaults", ProviderConfig{}, "vistalk", "client"},
		{"client", ProviderConfig{Role: RoleClient, ServiceVersion: "0.1.0"}, "vistalk", "client"},
		{"relay", ProviderConfig{Role: RoleRelay}, "vistalk-relay", "relay"},
		{"explicit name", ProviderConfig{Role: RoleRelay, ServiceName: "edge-relay"}, "edge-relay", "relay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := newResource(tt.cfg)
			if err != nil {
				t.Fatalf("newResource: %v", err)
			}
			set := res.Set()
			if v, _ := set.Value(semconv.ServiceNameKey); v.AsString() != tt.wantService {
				t.Errorf("service.name = %q, want %q", v.AsString(), tt.wantService)
			}
			if v, _ := set.Value(AttrRole); v.AsString() != tt.wantRole {
				t.Errorf("%s = %q, want %q", AttrRole, v.AsString(), tt.wantRole)
			}
			if v, ok := set.Value(semconv.ServiceInstanceIDKey); !ok || v.AsString() == "" {
				t.Error("service.instance.id missing")
			}
		})
	}
}

func TestNewResource_InstancePerProcess(t *testing.T) {
	t.Parallel()
	a, err := newResource(ProviderConfig{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := newResource(ProviderConfig{Role: RoleRelay})
	if err != nil {
		t.Fatal(err)
	}
	ia, _ := a.Set().Value(semconv.ServiceInstanceIDKey)
	ib, _ := b.Set().Value(semconv.ServiceInstanceIDKey)
	if ia.AsString() == ib.AsString() {
		t.Errorf("client and relay share instance ID %q", ia.AsString())
	}
}

func TestSampler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "ParentBased{root:AlwaysOnSampler"},
		{1, "ParentBased{root:AlwaysOnSampler"},
		{0.25, "ParentBased{root:TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		got := ProviderConfig{SampleRatio: tt.ratio}.sampler().Description()
		if len(got) < len(tt.want) || got[:len(tt.want)] != tt.want {
			t.Errorf("ratio %v: sampler = %q, want prefix %q", tt.ratio, got, tt.want)
		}
	}
}
