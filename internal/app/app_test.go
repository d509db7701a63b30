package app_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/vistalk/internal/app"
	"github.com/MrWong99/vistalk/internal/capture"
	"github.com/MrWong99/vistalk/internal/config"
	"github.com/MrWong99/vistalk/internal/exchange"
	"github.com/MrWong99/vistalk/internal/session"
	mediamock "github.com/MrWong99/vistalk/pkg/media/mock"
	"github.com/MrWong99/vistalk/pkg/media/webrtc"
	vadmock "github.com/MrWong99/vistalk/pkg/provider/vad/mock"
)

type nopSender struct{}

func (nopSender) Send(context.Context, capture.Payload) (exchange.Response, error) {
	return exchange.Response{Status: http.StatusOK}, nil
}

// testConfig returns the defaults with a loopback listener and no speech
// output.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Playback.Output = config.OutputNone
	cfg.Providers.Source.Name = "mock"
	cfg.Capture.AutoAcquire = false
	return cfg
}

func testProviders() *app.Providers {
	return &app.Providers{
		VAD:    &vadmock.Engine{},
		Source: &mediamock.Source{},
	}
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(cfg, testProviders(), append([]app.Option{app.WithSender(nopSender{})}, opts...)...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	if _, err := app.New(testConfig(), &app.Providers{Source: &mediamock.Source{}}); err == nil {
		t.Error("expected error without a vad engine")
	}
	if _, err := app.New(testConfig(), nil); err == nil {
		t.Error("expected error without providers")
	}
}

func TestNew_WebRTCOutputNeedsPlayableSource(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Playback.Output = config.OutputWebRTC
	if _, err := app.New(cfg, testProviders(), app.WithSender(nopSender{})); err == nil {
		t.Error("expected error for a source that cannot play audio")
	}
}

func TestNew_WebRTCSourceMountsSignaling(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Playback.Output = config.OutputWebRTC
	src := webrtc.New()

	a, err := app.New(cfg, &app.Providers{VAD: &vadmock.Engine{}, Source: src}, app.WithSender(nopSender{}))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer a.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webrtc/offer", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("POST /webrtc/offer status = %d, want 400", rec.Code)
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		relay      bool
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"liveness", false, http.MethodGet, "/healthz", "", http.StatusOK},
		{"not ready before acquire", false, http.MethodGet, "/readyz", "", http.StatusServiceUnavailable},
		{"status", false, http.MethodGet, "/api/status", "", http.StatusOK},
		{"metrics", false, http.MethodGet, "/metrics", "", http.StatusOK},
		{"relay disabled", false, http.MethodPost, "/api/media-upload", "{}", http.StatusNotFound},
		{"relay enabled", true, http.MethodPost, "/api/media-upload", "{}", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.Relay.Enabled = tt.relay
			a := newApp(t, cfg)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			a.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()
	lv := new(slog.LevelVar)
	a := newApp(t, testConfig(), app.WithLogLevel(lv))

	a.ApplyConfig(config.ConfigDiff{
		LogLevelChanged:  true,
		NewLogLevel:      config.LogDebug,
		ThresholdChanged: true,
		NewThreshold:     42,
		VoiceChanged:     true,
		NewLanguage:      "en-US",
	})

	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}
	if got := a.Session().Snapshot().Threshold; got != 42 {
		t.Errorf("threshold = %v, want 42", got)
	}
}

func TestApp_RunAcquiresAndServes(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Capture.AutoAcquire = true
	a := newApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	addrCtx, addrCancel := context.WithTimeout(ctx, 5*time.Second)
	defer addrCancel()
	addr := a.Addr(addrCtx)
	if addr == nil {
		t.Fatal("server did not start")
	}
	base := "http://" + addr.String()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("never became ready")
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err := http.Get(base + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	var snap session.Snapshot
	err = json.NewDecoder(resp.Body).Decode(&snap)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Phase != session.PhaseListening || snap.Permission != session.PermissionGranted {
		t.Errorf("snapshot = %+v", snap)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
}

func TestApp_RunListenError(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig()
	cfg.Server.ListenAddr = ln.Addr().String()
	a := newApp(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); err == nil || !strings.Contains(err.Error(), "listen") {
		t.Errorf("Run() = %v, want listen error", err)
	}
}

func TestServeRelay(t *testing.T) {
	t.Parallel()
	cfg := testConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan net.Addr, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- app.ServeRelay(ctx, cfg, nil, ready) }()

	var addr net.Addr
	select {
	case addr = <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not start")
	}

	resp, err := http.Post("http://"+addr.String()+"/api/media-upload", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 for a non-multipart body", resp.StatusCode)
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("ServeRelay() = %v", err)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
