// Package config provides the configuration schema, loader, watcher and
// provider registry for vistalk.
package config

import (
	"time"

	"github.com/MrWong99/vistalk/pkg/media"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Encoding selects how a capture is posted to the exchange endpoint.
type Encoding string

const (
	// EncodingJSON posts {image, audio, timestamp} as JSON.
	EncodingJSON Encoding = "json"

	// EncodingMultipart posts audio and image as multipart file fields.
	EncodingMultipart Encoding = "multipart"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	return e == EncodingJSON || e == EncodingMultipart
}

// OutputKind selects where synthesized replies are played.
type OutputKind string

const (
	// OutputWebRTC sends speech back over the browser peer connection.
	OutputWebRTC OutputKind = "webrtc"

	// OutputWAVDir writes each reply as a WAV file into a directory.
	OutputWAVDir OutputKind = "wav-dir"

	// OutputNone disables speech output.
	OutputNone OutputKind = "none"
)

// IsValid reports whether o is a recognised output kind.
func (o OutputKind) IsValid() bool {
	switch o {
	case OutputWebRTC, OutputWAVDir, OutputNone:
		return true
	}
	return false
}

// Config is the root configuration structure. Load it with [Load] or
// [LoadFromReader]; fields absent from the file keep the values of [Default].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Capture   CaptureConfig   `yaml:"capture"`
	Detector  DetectorConfig  `yaml:"detector"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Providers ProvidersConfig `yaml:"providers"`
	Relay     RelayConfig     `yaml:"relay"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the local HTTP server (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins are host patterns allowed to open the status websocket
	// cross-origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS. Browsers only
// grant camera and microphone access to secure origins.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// CaptureConfig controls how captures are packaged and sent.
type CaptureConfig struct {
	// Endpoint is the absolute http(s) URL captures are posted to.
	Endpoint string `yaml:"endpoint"`

	// Encoding selects the request body format.
	Encoding Encoding `yaml:"encoding"`

	// ResponseTimeout bounds the local wait for a reply.
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// AudioFormat names the capture audio encoder ("ogg-opus" or "wav").
	AudioFormat string `yaml:"audio_format"`

	// JPEGQuality is the still image quality in [1, 100].
	JPEGQuality int `yaml:"jpeg_quality"`

	// Facing is the initial camera direction ("user" or "environment").
	Facing media.Facing `yaml:"facing"`

	// NoVideo acquires audio only.
	NoVideo bool `yaml:"no_video"`

	// AutoAcquire requests the media stream at startup.
	AutoAcquire bool `yaml:"auto_acquire"`
}

// DetectorConfig tunes speech-activity detection.
type DetectorConfig struct {
	// Threshold is the activity level (0-255) that must be exceeded to count
	// as speech. Hot-reloadable.
	Threshold float64 `yaml:"threshold"`

	// Interval is the sampling period of the detector.
	Interval time.Duration `yaml:"interval"`

	// Analyser configures the spectral analyser.
	Analyser AnalyserConfig `yaml:"analyser"`
}

// AnalyserConfig mirrors [vad.Config].
type AnalyserConfig struct {
	SampleRate  int     `yaml:"sample_rate"`
	WindowSize  int     `yaml:"window_size"`
	Smoothing   float64 `yaml:"smoothing"`
	MinDecibels float64 `yaml:"min_decibels"`
	MaxDecibels float64 `yaml:"max_decibels"`
}

// PlaybackConfig controls spoken replies.
type PlaybackConfig struct {
	// Language is the BCP 47 tag voices are matched against. Hot-reloadable.
	Language string `yaml:"language"`

	// Voice pins a voice by ID or name. Empty picks the first voice speaking
	// Language. Hot-reloadable.
	Voice string `yaml:"voice"`

	// Output selects where replies are played.
	Output OutputKind `yaml:"output"`

	// Dir is the target directory when Output is "wav-dir".
	Dir string `yaml:"dir"`
}

// ProvidersConfig selects the implementation of each pluggable component by a
// name registered in the [Registry].
type ProvidersConfig struct {
	TTS    ProviderEntry `yaml:"tts"`
	VAD    ProviderEntry `yaml:"vad"`
	Source ProviderEntry `yaml:"source"`

	// TTSFallbacks are tried in order when TTS fails to start a stream.
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`

	// Breaker tunes the circuit breaker placed in front of each TTS backend
	// when fallbacks are configured.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the per-backend TTS circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that takes a backend
	// out of rotation.
	MaxFailures int `yaml:"max_failures"`

	// Cooldown is how long a failed backend stays out of rotation.
	Cooldown time.Duration `yaml:"cooldown"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds. Name selects the factory in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g. "openai", "webrtc").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider's API, if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// RelayConfig controls the local media-upload endpoint.
type RelayConfig struct {
	// Enabled mounts POST /api/media-upload on the local server.
	Enabled bool `yaml:"enabled"`

	// MaxBodyBytes caps the size of one upload.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// Default returns the configuration used for every field a file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Capture: CaptureConfig{
			Endpoint:        "http://localhost:8000/api/v1/llm/upload",
			Encoding:        EncodingJSON,
			ResponseTimeout: 10 * time.Second,
			AudioFormat:     "ogg-opus",
			JPEGQuality:     92,
			Facing:          media.FacingUser,
			AutoAcquire:     true,
		},
		Detector: DetectorConfig{
			Threshold: 20,
			Interval:  16 * time.Millisecond,
			Analyser: AnalyserConfig{
				SampleRate:  48000,
				WindowSize:  512,
				Smoothing:   0.4,
				MinDecibels: -100,
				MaxDecibels: -30,
			},
		},
		Playback: PlaybackConfig{
			Language: "zh-CN",
			Output:   OutputWebRTC,
		},
		Providers: ProvidersConfig{
			VAD:    ProviderEntry{Name: "spectral"},
			Source: ProviderEntry{Name: "webrtc"},
			Breaker: BreakerConfig{
				MaxFailures: 3,
				Cooldown:    30 * time.Second,
			},
		},
		Relay: RelayConfig{
			MaxBodyBytes: 64 << 20,
		},
	}
}
