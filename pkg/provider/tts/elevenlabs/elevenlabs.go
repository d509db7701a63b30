// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/vistalk/pkg/audio"
	"github.com/MrWong99/vistalk/pkg/provider/tts"
)

const (
	defaultBaseURL   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// multilingualModels can speak any supported language with every voice.
var multilingualModels = map[string]bool{
	"eleven_flash_v2_5":      true,
	"eleven_turbo_v2_5":      true,
	"eleven_multilingual_v2": true,
	"eleven_v3":              true,
}

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
// Only raw PCM formats are accepted.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithBaseURL overrides the API origin (default https://api.elevenlabs.io).
// The streaming endpoint uses the same host with the ws/wss scheme.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets the client used for REST calls and the WebSocket dial.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	baseURL      string
	httpClient   *http.Client
	format       audio.Format
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	f, err := parseOutputFormat(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.format = f
	return p, nil
}

// parseOutputFormat maps "pcm_<rate>" to a mono PCM format.
func parseOutputFormat(s string) (audio.Format, error) {
	rate, ok := strings.CutPrefix(s, "pcm_")
	if !ok {
		return audio.Format{}, fmt.Errorf("elevenlabs: output format %q is not raw PCM", s)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return audio.Format{}, fmt.Errorf("elevenlabs: invalid sample rate in output format %q", s)
	}
	return audio.Format{SampleRate: n, Channels: 1}, nil
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() audio.Format { return p.format }

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

func (p *Provider) streamURL(voiceID string) string {
	ws := p.baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s",
		ws, voiceID, p.model, p.outputFormat)
}

// SynthesizeStream opens a WebSocket to ElevenLabs, pipes text fragments from
// the text channel, and returns a channel emitting raw PCM audio chunks.
//
// The returned audio channel is closed when synthesis is complete or ctx is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	conn, _, err := websocket.Dial(ctx, p.streamURL(voice.ID), &websocket.DialOptions{HTTPClient: p.httpClient})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1 {
		vs.Speed = voice.SpeedFactor
	}
	boi := boiMessage{
		Text:          " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: vs,
		XiAPIKey:      p.apiKey,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, msg, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var resp audioResponse
				if err := json.Unmarshal(msg, &resp); err != nil {
					continue
				}
				if resp.Message != "" {
					slog.Warn("elevenlabs: stream message", "voice", voice.ID, "message", resp.Message)
				}
				if resp.Audio != "" {
					pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
					if err == nil {
						select {
						case audioCh <- pcm:
						case <-ctx.Done():
							return
						}
					}
				}
				if resp.IsFinal {
					return
				}
			}
		}()

		for {
			select {
			case sentence, ok := <-text:
				if !ok {
					// Text channel closed: send the flush command and wait
					// for the reader to drain the remaining audio.
					flushBytes, _ := json.Marshal(textMessage{Text: ""})
					_ = conn.Write(ctx, websocket.MessageText, flushBytes)
					<-readDone
					return
				}
				if sentence == "" {
					continue
				}
				// ElevenLabs buffers until a chunk ends with a space.
				if !strings.HasSuffix(sentence, " ") {
					sentence += " "
				}
				msgBytes, _ := json.Marshal(textMessage{Text: sentence})
				if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
					return
				}
			case <-readDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID           string             `json:"voice_id"`
	Name              string             `json:"name"`
	Category          string             `json:"category"`
	Labels            map[string]string  `json:"labels"`
	VerifiedLanguages []verifiedLanguage `json:"verified_languages"`
}

// verifiedLanguage is one entry of a voice's verified_languages list.
type verifiedLanguage struct {
	Language string `json:"language"`
	Locale   string `json:"locale"`
	ModelID  string `json:"model_id"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return p.profiles(vr), nil
}

func (p *Provider) profiles(vr voicesResponse) []tts.VoiceProfile {
	out := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}

		var langs []string
		for _, l := range v.VerifiedLanguages {
			if l.Locale != "" {
				langs = append(langs, l.Locale)
			}
			if l.Language != "" {
				langs = append(langs, l.Language)
			}
		}
		if multilingualModels[p.model] {
			langs = append(langs, tts.LanguageMultilingual)
		}

		out = append(out, tts.VoiceProfile{
			ID:        v.VoiceID,
			Name:      v.Name,
			Provider:  "elevenlabs",
			Languages: langs,
			Metadata:  meta,
		})
	}
	return out
}
