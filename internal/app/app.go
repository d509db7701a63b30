// Package app wires the vistalk subsystems into a running application.
//
// New builds the capture session and its collaborators from the config, Run
// serves the local HTTP surface next to the session loop, ApplyConfig applies
// hot-reloaded settings, and Shutdown releases what New opened.
//
// For testing, inject doubles via functional options (WithSender,
// WithOutput, ...). When an option is not provided, New builds the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vistalk/internal/capture"
	"github.com/MrWong99/vistalk/internal/config"
	"github.com/MrWong99/vistalk/internal/detect"
	"github.com/MrWong99/vistalk/internal/exchange"
	"github.com/MrWong99/vistalk/internal/health"
	"github.com/MrWong99/vistalk/internal/observe"
	"github.com/MrWong99/vistalk/internal/playback"
	"github.com/MrWong99/vistalk/internal/relay"
	"github.com/MrWong99/vistalk/internal/session"
	"github.com/MrWong99/vistalk/internal/statusfeed"
	"github.com/MrWong99/vistalk/pkg/audio/encode"
	"github.com/MrWong99/vistalk/pkg/media"
	"github.com/MrWong99/vistalk/pkg/provider/tts"
	"github.com/MrWong99/vistalk/pkg/provider/vad"
)

// shutdownGrace bounds the HTTP server drain on exit.
const shutdownGrace = 5 * time.Second

// Providers holds one value per pluggable slot. Nil TTS means speech output
// is unsupported. Populated by main via the config registry.
type Providers struct {
	TTS    tts.Provider
	VAD    vad.Engine
	Source media.Source
}

// signaler is implemented by sources that negotiate with a browser over HTTP.
type signaler interface {
	Handler() http.Handler
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	logLevel *slog.LevelVar
	metrics  *observe.Metrics
	sender   session.Sender
	output   playback.Output
	outSet   bool

	trigger *playback.Trigger
	session *session.Session
	handler http.Handler
	ready   chan net.Addr

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSender replaces the HTTP exchange client.
func WithSender(s session.Sender) Option {
	return func(a *App) { a.sender = s }
}

// WithOutput replaces the playback output selected by playback.output. A
// nil output disables speech.
func WithOutput(o playback.Output) Option {
	return func(a *App) {
		a.output = o
		a.outSet = true
	}
}

// WithMetrics sets the metrics instruments. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the level variable of the process logger to the app so
// hot reload can change it.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// New creates an App from cfg and providers. Providers.VAD and
// Providers.Source are required.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.VAD == nil || providers.Source == nil {
		return nil, errors.New("app: a vad engine and a media source are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		ready:     make(chan net.Addr, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.logLevel == nil {
		a.logLevel = new(slog.LevelVar)
		a.logLevel.Set(SlogLevel(cfg.Server.LogLevel))
	}

	if err := a.initSender(); err != nil {
		return nil, fmt.Errorf("app: init exchange: %w", err)
	}
	if err := a.initPlayback(); err != nil {
		return nil, fmt.Errorf("app: init playback: %w", err)
	}
	if err := a.initSession(); err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}
	a.handler = a.buildHandler()

	if c, ok := providers.Source.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	return a, nil
}

func (a *App) initSender() error {
	if a.sender != nil {
		return nil
	}
	c, err := exchange.New(a.cfg.Capture.Endpoint,
		exchange.WithEncoding(string(a.cfg.Capture.Encoding)),
		exchange.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.sender = c
	return nil
}

func (a *App) initPlayback() error {
	if !a.outSet {
		switch a.cfg.Playback.Output {
		case config.OutputWebRTC:
			out, ok := a.providers.Source.(playback.Output)
			if !ok {
				return fmt.Errorf("media source %T cannot play audio", a.providers.Source)
			}
			a.output = out
		case config.OutputWAVDir:
			out, err := playback.NewWAVDir(a.cfg.Playback.Dir)
			if err != nil {
				return err
			}
			a.output = out
		}
	}

	a.trigger = playback.New(a.providers.TTS, a.output,
		playback.WithLanguage(a.cfg.Playback.Language),
		playback.WithVoice(a.cfg.Playback.Voice),
		playback.WithMetrics(a.metrics),
	)
	if !a.trigger.Supported() {
		slog.Warn("speech output unsupported; replies will not be spoken",
			"tts", a.cfg.Providers.TTS.Name, "output", a.cfg.Playback.Output)
	}
	return nil
}

func (a *App) initSession() error {
	enc, err := encode.New(a.cfg.Capture.AudioFormat)
	if err != nil {
		return err
	}

	var speaker session.Speaker
	if a.trigger.Supported() {
		speaker = a.trigger
	}

	s, err := session.New(session.Config{
		Source:    a.providers.Source,
		VAD:       a.providers.VAD,
		VADConfig: a.cfg.VADConfig(),
		Detector: detect.New(
			detect.WithThreshold(a.cfg.Detector.Threshold),
			detect.WithInterval(a.cfg.Detector.Interval),
		),
		Recorder: capture.NewRecorder(
			capture.WithEncoder(enc),
			capture.WithJPEGQuality(a.cfg.Capture.JPEGQuality),
		),
		Sender:          a.sender,
		Speaker:         speaker,
		Facing:          a.cfg.Capture.Facing,
		NoVideo:         a.cfg.Capture.NoVideo,
		ResponseTimeout: a.cfg.Capture.ResponseTimeout,
		Metrics:         a.metrics,
	})
	if err != nil {
		return err
	}
	a.session = s
	return nil
}

func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()

	health.New(
		health.StreamChecker(a.session.Acquired),
		health.EndpointChecker(a.cfg.Capture.Endpoint),
	).Register(mux)
	statusfeed.New(a.session, statusfeed.WithOriginPatterns(a.cfg.Server.AllowedOrigins...)).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	if a.cfg.Relay.Enabled {
		relay.New(relay.WithMaxBody(a.cfg.Relay.MaxBodyBytes)).Register(mux)
	}
	if sig, ok := a.providers.Source.(signaler); ok {
		mux.Handle("/webrtc/", sig.Handler())
	}

	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the local HTTP surface.
func (a *App) Handler() http.Handler { return a.handler }

// Session returns the capture session.
func (a *App) Session() *session.Session { return a.session }

// Addr blocks until the HTTP server listens and returns its address, or
// returns nil when ctx ends first.
func (a *App) Addr(ctx context.Context) net.Addr {
	select {
	case addr := <-a.ready:
		a.ready <- addr
		return addr
	case <-ctx.Done():
		return nil
	}
}

// Run serves HTTP and drives the capture session until ctx is cancelled.
// With capture.auto_acquire the media stream is requested at start; a
// refusal is logged and leaves the session in its error phase.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.session.Run(gctx)
	})
	g.Go(func() error {
		return serve(gctx, a.cfg.Server, a.handler, a.ready)
	})

	a.trigger.Preload()
	if a.cfg.Capture.AutoAcquire {
		g.Go(func() error {
			if err := a.session.Acquire(gctx); err != nil && gctx.Err() == nil {
				slog.Warn("initial media acquisition failed", "err", err)
			}
			return nil
		})
	}

	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"endpoint", a.cfg.Capture.Endpoint,
		"source", a.cfg.Providers.Source.Name,
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ApplyConfig applies the hot-reloadable part of a config change.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.LogLevelChanged {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ThresholdChanged {
		a.session.SetThreshold(d.NewThreshold)
		slog.Info("speech threshold changed", "threshold", d.NewThreshold)
	}
	if d.VoiceChanged {
		a.trigger.SetVoice(d.NewLanguage, d.NewVoice)
		slog.Info("playback voice changed", "language", d.NewLanguage, "voice", d.NewVoice)
	}
}

// Shutdown releases what New opened; the media stream itself is released
// when Run returns. If ctx expires before all closers finish, the rest are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ServeRelay runs only the relay endpoint with health and metrics until ctx
// is cancelled.
func ServeRelay(ctx context.Context, cfg *config.Config, m *observe.Metrics, ready chan<- net.Addr) error {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	mux := http.NewServeMux()
	health.New().Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	relay.New(relay.WithMaxBody(cfg.Relay.MaxBodyBytes)).Register(mux)

	slog.Info("relay running", "listen_addr", cfg.Server.ListenAddr, "path", relay.Path)
	err := serve(ctx, cfg.Server, observe.Middleware(m)(mux), ready)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serve listens on sc.ListenAddr and serves h until ctx ends, then drains
// for up to shutdownGrace.
func serve(ctx context.Context, sc config.ServerConfig, h http.Handler, ready chan<- net.Addr) error {
	ln, err := net.Listen("tcp", sc.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", sc.ListenAddr, err)
	}
	if ready != nil {
		select {
		case ready <- ln.Addr():
		default:
		}
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if sc.TLS != nil {
			errCh <- srv.ServeTLS(ln, sc.TLS.CertFile, sc.TLS.KeyFile)
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown", "err", err)
	}
	return ctx.Err()
}

// SlogLevel maps a config log level to an slog level. Unknown levels map to
// info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
