package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/vistalk/pkg/audio/encode"
	"github.com/MrWong99/vistalk/pkg/provider/vad"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"tts":    {"openai", "elevenlabs"},
	"vad":    {"spectral"},
	"source": {"webrtc", "file"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Capture
	if err := validateEndpoint(cfg.Capture.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("capture.endpoint: %w", err))
	}
	if !cfg.Capture.Encoding.IsValid() {
		errs = append(errs, fmt.Errorf("capture.encoding %q is invalid; valid values: json, multipart", cfg.Capture.Encoding))
	}
	if cfg.Capture.ResponseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("capture.response_timeout %s must be positive", cfg.Capture.ResponseTimeout))
	}
	if f := cfg.Capture.AudioFormat; f != encode.FormatOggOpus && f != encode.FormatWAV {
		errs = append(errs, fmt.Errorf("capture.audio_format %q is invalid; valid values: %s, %s", f, encode.FormatOggOpus, encode.FormatWAV))
	}
	if q := cfg.Capture.JPEGQuality; q < 1 || q > 100 {
		errs = append(errs, fmt.Errorf("capture.jpeg_quality %d is out of range [1, 100]", q))
	}
	if !cfg.Capture.Facing.IsValid() {
		errs = append(errs, fmt.Errorf("capture.facing %q is invalid; valid values: user, environment", cfg.Capture.Facing))
	}

	// Detector
	if t := cfg.Detector.Threshold; t < 0 || t > 255 {
		errs = append(errs, fmt.Errorf("detector.threshold %.1f is out of range [0, 255]", t))
	}
	if cfg.Detector.Interval <= 0 {
		errs = append(errs, fmt.Errorf("detector.interval %s must be positive", cfg.Detector.Interval))
	}
	if err := cfg.VADConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("detector.analyser: %w", err))
	}

	// Playback
	if !cfg.Playback.Output.IsValid() {
		errs = append(errs, fmt.Errorf("playback.output %q is invalid; valid values: webrtc, wav-dir, none", cfg.Playback.Output))
	}
	if cfg.Playback.Output == OutputWAVDir && cfg.Playback.Dir == "" {
		errs = append(errs, errors.New("playback.dir is required when playback.output is wav-dir"))
	}
	if cfg.Playback.Output == OutputWebRTC && cfg.Providers.Source.Name != "webrtc" {
		errs = append(errs, fmt.Errorf("playback.output webrtc requires providers.source webrtc, got %q", cfg.Providers.Source.Name))
	}
	if cfg.Playback.Output != OutputNone && cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; replies will not be spoken")
	}

	// Providers
	if cfg.Providers.VAD.Name == "" {
		errs = append(errs, errors.New("providers.vad.name is required"))
	}
	if cfg.Providers.Source.Name == "" {
		errs = append(errs, errors.New("providers.source.name is required"))
	}
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("source", cfg.Providers.Source.Name)
	for i, fb := range cfg.Providers.TTSFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
			continue
		}
		if fb.Name == cfg.Providers.TTS.Name && fb.Model == cfg.Providers.TTS.Model && fb.BaseURL == cfg.Providers.TTS.BaseURL {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d] duplicates providers.tts", i))
		}
		validateProviderName("tts", fb.Name)
	}
	if len(cfg.Providers.TTSFallbacks) > 0 && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts_fallbacks requires providers.tts"))
	}
	if cfg.Providers.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("providers.breaker.max_failures %d must not be negative", cfg.Providers.Breaker.MaxFailures))
	}
	if cfg.Providers.Breaker.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("providers.breaker.cooldown %s must not be negative", cfg.Providers.Breaker.Cooldown))
	}

	// Relay
	if cfg.Relay.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("relay.max_body_bytes %d must not be negative", cfg.Relay.MaxBodyBytes))
	}

	return errors.Join(errs...)
}

// VADConfig converts the analyser section into a [vad.Config].
func (c *Config) VADConfig() vad.Config {
	a := c.Detector.Analyser
	return vad.Config{
		SampleRate:  a.SampleRate,
		WindowSize:  a.WindowSize,
		Smoothing:   a.Smoothing,
		MinDecibels: a.MinDecibels,
		MaxDecibels: a.MaxDecibels,
	}
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", endpoint)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// parse decodes data like [LoadFromReader]; used by the watcher.
func parse(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}
