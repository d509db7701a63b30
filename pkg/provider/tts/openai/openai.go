// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// Each text fragment becomes one /audio/speech request with the raw "pcm"
// response format (24 kHz, 16-bit, mono). The response body is streamed onto
// the audio channel as it arrives. OpenAI voices are multilingual, so every
// voice reports [tts.LanguageMultilingual].
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/vistalk/pkg/audio"
	"github.com/MrWong99/vistalk/pkg/provider/tts"
)

// DefaultModel is the default OpenAI speech model.
const DefaultModel = oai.SpeechModelGPT4oMiniTTS

// chunkBytes is the read size for streamed PCM (100ms at 24 kHz mono).
const chunkBytes = 4800

var outputFormat = audio.Format{SampleRate: 24000, Channels: 1}

// voices is the catalogue of built-in OpenAI voices.
var voices = []oai.AudioSpeechNewParamsVoice{
	oai.AudioSpeechNewParamsVoiceAlloy,
	oai.AudioSpeechNewParamsVoiceAsh,
	oai.AudioSpeechNewParamsVoiceBallad,
	oai.AudioSpeechNewParamsVoiceCoral,
	oai.AudioSpeechNewParamsVoiceEcho,
	"fable",
	"nova",
	"onyx",
	oai.AudioSpeechNewParamsVoiceSage,
	oai.AudioSpeechNewParamsVoiceShimmer,
	oai.AudioSpeechNewParamsVoiceVerse,
}

// Ensure Provider implements the tts.Provider interface.
var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL    string
	model      string
	timeout    time.Duration
	maxRetries int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel sets the speech model (e.g. "tts-1", "gpt-4o-mini-tts").
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the client retries failed requests.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// New constructs a new OpenAI TTS Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	cfg := &config{model: DefaultModel, maxRetries: 2}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: cfg.model}, nil
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() audio.Format { return outputFormat }

// ListVoices implements tts.Provider. The catalogue is static.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	out := make([]tts.VoiceProfile, 0, len(voices))
	for _, v := range voices {
		out = append(out, tts.VoiceProfile{
			ID:        string(v),
			Name:      string(v),
			Provider:  "openai",
			Languages: []string{tts.LanguageMultilingual},
		})
	}
	return out, nil
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("openai tts: voice.ID must not be empty")
	}

	audioCh := make(chan []byte, 64)
	go func() {
		defer close(audioCh)
		for {
			select {
			case frag, ok := <-text:
				if !ok {
					return
				}
				if frag == "" {
					continue
				}
				if err := p.synthesize(ctx, frag, voice, audioCh); err != nil {
					slog.Warn("openai tts: synthesis failed", "voice", voice.ID, "err", err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, nil
}

func (p *Provider) synthesize(ctx context.Context, input string, voice tts.VoiceProfile, out chan<- []byte) error {
	params := oai.AudioSpeechNewParams{
		Input:          input,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice.ID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1 {
		params.Speed = oai.Float(voice.SpeedFactor)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return fmt.Errorf("openai tts: speech: %w", err)
	}
	defer resp.Body.Close()

	var carry []byte
	buf := make([]byte, chunkBytes)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			even := len(chunk) &^ 1
			carry = append([]byte(nil), chunk[even:]...)
			if even > 0 {
				select {
				case out <- chunk[:even]:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("openai tts: read audio: %w", err)
		}
	}
}
