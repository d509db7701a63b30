// Package playback speaks inference replies through a TTS provider and an
// audio output.
//
// A [Trigger] picks a voice for a fixed language, splits the reply into
// sentences, streams them through [tts.Provider.SynthesizeStream] and hands
// the synthesized PCM to an [Output]. Voice catalogues may load late, so the
// trigger enumerates voices lazily: at most one enumeration runs at a time
// and every caller waits on the same completion channel.
package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/vistalk/internal/observe"
	"github.com/MrWong99/vistalk/pkg/audio"
	"github.com/MrWong99/vistalk/pkg/provider/tts"
)

// DefaultLanguage is the language replies are spoken in.
const DefaultLanguage = "zh-CN"

// defaultEnumerateTimeout bounds one ListVoices call.
const defaultEnumerateTimeout = 15 * time.Second

var (
	// ErrUnsupported is returned when no TTS provider or output is available.
	ErrUnsupported = errors.New("playback: speech output unsupported")

	// ErrNoVoice is returned when no voice matches the configured language
	// or voice selector.
	ErrNoVoice = errors.New("playback: no matching voice")
)

// Output plays synthesized PCM.
type Output interface {
	Play(ctx context.Context, pcm []byte, f audio.Format) error
}

// OutputFunc adapts a function to [Output].
type OutputFunc func(ctx context.Context, pcm []byte, f audio.Format) error

// Play calls fn.
func (fn OutputFunc) Play(ctx context.Context, pcm []byte, f audio.Format) error {
	return fn(ctx, pcm, f)
}

// Option configures a [Trigger].
type Option func(*Trigger)

// WithLanguage sets the language voices are matched against.
func WithLanguage(lang string) Option {
	return func(t *Trigger) { t.lang = lang }
}

// WithVoice pins a voice by ID or name. It takes precedence over the
// language.
func WithVoice(voice string) Option {
	return func(t *Trigger) { t.voice = voice }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Trigger) { t.metrics = m }
}

// WithEnumerateTimeout bounds each voice enumeration.
func WithEnumerateTimeout(d time.Duration) Option {
	return func(t *Trigger) {
		if d > 0 {
			t.enumTimeout = d
		}
	}
}

// enumeration is one ListVoices round. done is closed once voices and err
// are set.
type enumeration struct {
	done   chan struct{}
	voices []tts.VoiceProfile
	err    error
}

// Trigger speaks text. It is safe for concurrent use; utterances are played
// one after another.
type Trigger struct {
	provider    tts.Provider
	out         Output
	metrics     *observe.Metrics
	enumTimeout time.Duration

	mu      sync.Mutex
	lang    string
	voice   string
	voices  []tts.VoiceProfile
	pending *enumeration

	playMu sync.Mutex
}

// New creates a Trigger. A nil provider or output makes every non-empty
// [Trigger.Speak] fail with [ErrUnsupported].
func New(provider tts.Provider, out Output, opts ...Option) *Trigger {
	t := &Trigger{
		provider:    provider,
		out:         out,
		lang:        DefaultLanguage,
		enumTimeout: defaultEnumerateTimeout,
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// Supported reports whether speech output is possible at all.
func (t *Trigger) Supported() bool {
	return t.provider != nil && t.out != nil
}

// SetVoice changes the language and pinned voice. Used on config reload.
func (t *Trigger) SetVoice(lang, voice string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lang = lang
	t.voice = voice
}

// Preload starts a voice enumeration without waiting for it.
func (t *Trigger) Preload() {
	if t.provider == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.voices) == 0 {
		t.enumerateLocked()
	}
}

// Voices returns the provider's voices, enumerating them if none are known
// yet.
func (t *Trigger) Voices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if t.provider == nil {
		return nil, ErrUnsupported
	}
	t.mu.Lock()
	if len(t.voices) > 0 {
		v := t.voices
		t.mu.Unlock()
		return v, nil
	}
	e := t.enumerateLocked()
	t.mu.Unlock()

	select {
	case <-e.done:
		return e.voices, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enumerateLocked returns the running enumeration or starts a new one. Must
// be called with t.mu held.
func (t *Trigger) enumerateLocked() *enumeration {
	if t.pending != nil {
		return t.pending
	}
	e := &enumeration{done: make(chan struct{})}
	t.pending = e
	go t.enumerate(e)
	return e
}

func (t *Trigger) enumerate(e *enumeration) {
	ctx, cancel := context.WithTimeout(context.Background(), t.enumTimeout)
	defer cancel()
	voices, err := t.provider.ListVoices(ctx)

	t.mu.Lock()
	e.voices, e.err = voices, err
	if err == nil && len(voices) > 0 {
		t.voices = voices
	}
	t.pending = nil
	t.mu.Unlock()
	close(e.done)
}

// Speak synthesizes text and plays it. Empty text is a no-op. Returns
// [ErrUnsupported] without a provider or output and [ErrNoVoice] when no
// voice matches.
func (t *Trigger) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	ctx, span := observe.StartSpan(ctx, "playback.speak")
	defer span.End()
	start := time.Now()

	if !t.Supported() {
		t.metrics.RecordPlayback(ctx, "unsupported", 0)
		return ErrUnsupported
	}

	voices, err := t.Voices(ctx)
	if err != nil {
		t.metrics.RecordPlayback(ctx, "error", 0)
		return fmt.Errorf("playback: list voices: %w", err)
	}
	t.mu.Lock()
	lang, pinned := t.lang, t.voice
	t.mu.Unlock()
	voice, ok := pick(voices, lang, pinned)
	if !ok {
		t.metrics.RecordPlayback(ctx, "no_voice", 0)
		if pinned != "" {
			return fmt.Errorf("%w: voice %q", ErrNoVoice, pinned)
		}
		return fmt.Errorf("%w: language %q", ErrNoVoice, lang)
	}

	t.playMu.Lock()
	defer t.playMu.Unlock()

	pcm, err := t.synthesize(ctx, text, voice)
	if err != nil {
		t.metrics.RecordProviderError(ctx, voice.Provider, "tts")
		t.metrics.RecordPlayback(ctx, "error", 0)
		return err
	}
	t.metrics.RecordProviderRequest(ctx, voice.Provider, "tts", "ok")
	if len(pcm) == 0 {
		t.metrics.RecordPlayback(ctx, "empty", 0)
		return fmt.Errorf("playback: %s produced no audio", voice.Provider)
	}
	if err := t.out.Play(ctx, pcm, t.provider.OutputFormat()); err != nil {
		t.metrics.RecordPlayback(ctx, "error", 0)
		return fmt.Errorf("playback: play: %w", err)
	}
	t.metrics.RecordPlayback(ctx, "ok", time.Since(start))
	observe.Logger(ctx).Debug("playback: spoke reply", "voice", voice.ID, "bytes", len(pcm))
	return nil
}

func (t *Trigger) synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	sentences := SplitSentences(text)
	textCh := make(chan string, len(sentences))
	for _, s := range sentences {
		textCh <- s
	}
	close(textCh)

	audioCh, err := t.provider.SynthesizeStream(ctx, textCh, voice)
	if err != nil {
		return nil, fmt.Errorf("playback: start synthesis: %w", err)
	}
	var buf bytes.Buffer
	for chunk := range audioCh {
		buf.Write(chunk)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// pick returns the pinned voice (matched by ID, then case-insensitively by
// name) or the first voice speaking lang.
func pick(voices []tts.VoiceProfile, lang, pinned string) (tts.VoiceProfile, bool) {
	if pinned != "" {
		for _, v := range voices {
			if v.ID == pinned {
				return v, true
			}
		}
		for _, v := range voices {
			if strings.EqualFold(v.Name, pinned) {
				return v, true
			}
		}
		return tts.VoiceProfile{}, false
	}
	for _, v := range voices {
		if v.Speaks(lang) {
			return v, true
		}
	}
	return tts.VoiceProfile{}, false
}
