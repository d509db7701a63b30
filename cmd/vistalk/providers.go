package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/vistalk/internal/app"
	"github.com/MrWong99/vistalk/internal/config"
	"github.com/MrWong99/vistalk/internal/resilience"
	"github.com/MrWong99/vistalk/pkg/media"
	"github.com/MrWong99/vistalk/pkg/media/file"
	"github.com/MrWong99/vistalk/pkg/media/webrtc"
	"github.com/MrWong99/vistalk/pkg/provider/tts"
	"github.com/MrWong99/vistalk/pkg/provider/tts/elevenlabs"
	oaitts "github.com/MrWong99/vistalk/pkg/provider/tts/openai"
	"github.com/MrWong99/vistalk/pkg/provider/vad"
	"github.com/MrWong99/vistalk/pkg/provider/vad/spectral"
)

// registerBuiltinProviders wires every built-in factory into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.Model != "" {
			opts = append(opts, oaitts.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaitts.WithTimeout(d))
		}
		return oaitts.New(entry.APIKey, opts...)
	})
	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if f := optString(entry.Options, "output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("spectral", func(config.ProviderEntry) (vad.Engine, error) {
		return spectral.New(), nil
	})

	// ── Media sources ─────────────────────────────────────────────────────────
	reg.RegisterSource("webrtc", func(entry config.ProviderEntry) (media.Source, error) {
		var opts []webrtc.Option
		if servers := optStrings(entry.Options, "ice_servers"); len(servers) > 0 {
			opts = append(opts, webrtc.WithSTUNServers(servers...))
		}
		if d := optDuration(entry.Options, "acquire_timeout"); d > 0 {
			opts = append(opts, webrtc.WithAcquireTimeout(d))
		}
		if d := optDuration(entry.Options, "gather_timeout"); d > 0 {
			opts = append(opts, webrtc.WithGatherTimeout(d))
		}
		return webrtc.New(opts...), nil
	})
	reg.RegisterSource("file", func(entry config.ProviderEntry) (media.Source, error) {
		audioPath := optString(entry.Options, "audio")
		if audioPath == "" {
			return nil, errors.New("file source requires options.audio")
		}
		var opts []file.Option
		if p := optString(entry.Options, "image_user"); p != "" {
			opts = append(opts, file.WithImage(media.FacingUser, p))
		}
		if p := optString(entry.Options, "image_environment"); p != "" {
			opts = append(opts, file.WithImage(media.FacingEnvironment, p))
		}
		if loop, ok := entry.Options["loop"].(bool); ok {
			opts = append(opts, file.WithLoop(loop))
		}
		return file.New(audioPath, opts...), nil
	})

	for _, kind := range []string{"tts", "vad", "source"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the providers named in cfg. An unregistered TTS
// name disables speech; the other kinds are required.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Warn("tts provider not available; speech disabled", "name", name)
		case err != nil:
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		default:
			ps.TTS = p
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}
	if ps.TTS != nil && len(cfg.Providers.TTSFallbacks) > 0 {
		ps.TTS = withFallbacks(cfg, reg, ps.TTS)
	}

	engine, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad provider %q: %w", cfg.Providers.VAD.Name, err)
	}
	ps.VAD = engine

	src, err := reg.CreateSource(cfg.Providers.Source)
	if err != nil {
		return nil, fmt.Errorf("create media source %q: %w", cfg.Providers.Source.Name, err)
	}
	ps.Source = src
	slog.Info("provider created", "kind", "source", "name", cfg.Providers.Source.Name)

	return ps, nil
}

// withFallbacks chains the configured fallback TTS backends behind primary.
// Fallbacks that cannot be created are skipped.
func withFallbacks(cfg *config.Config, reg *config.Registry, primary tts.Provider) tts.Provider {
	b := cfg.Providers.Breaker
	chain := resilience.NewTTSFallback(cfg.Providers.TTS.Name, primary, resilience.BreakerConfig{
		MaxFailures: b.MaxFailures,
		Cooldown:    b.Cooldown,
	})
	for i, entry := range cfg.Providers.TTSFallbacks {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			slog.Warn("skipping tts fallback", "index", i, "name", entry.Name, "err", err)
			continue
		}
		chain.Add(fmt.Sprintf("%s#%d", entry.Name, i+1), p)
	}
	slog.Info("tts failover enabled", "backends", chain.Backends())
	return chain
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optStrings extracts a list of strings; a single string is a one-element list.
func optStrings(opts map[string]any, key string) []string {
	switch v := opts[key].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// optDuration parses a duration string such as "30s". Invalid values are
// logged and ignored.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid duration option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
