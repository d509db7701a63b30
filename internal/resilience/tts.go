package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/vistalk/pkg/audio"
	"github.com/MrWong99/vistalk/pkg/provider/tts"
)

// ErrAllFailed is returned when no backend in a [TTSFallback] could serve a call.
var ErrAllFailed = errors.New("resilience: all tts backends failed")

type backend struct {
	name     string
	provider tts.Provider
	breaker  *Breaker

	mu     sync.Mutex
	voices []tts.VoiceProfile
}

func (b *backend) cachedVoices() []tts.VoiceProfile {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.voices
}

// TTSFallback implements [tts.Provider] over an ordered list of backends.
//
// ListVoices merges every reachable catalogue. SynthesizeStream prefers the
// backend that owns the requested voice and otherwise falls over to the next
// backend with a voice speaking the same language. Audio from a fallback is
// converted to the primary's [tts.Provider.OutputFormat].
type TTSFallback struct {
	cfg      BreakerConfig
	backends []*backend
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primaryName string, primary tts.Provider, cfg BreakerConfig) *TTSFallback {
	f := &TTSFallback{cfg: cfg}
	f.Add(primaryName, primary)
	return f
}

// Add appends a fallback backend. Backends are tried in the order added.
// Add must not be called concurrently with other methods.
func (f *TTSFallback) Add(name string, p tts.Provider) {
	f.backends = append(f.backends, &backend{
		name:     name,
		provider: p,
		breaker:  NewBreaker("tts/"+name, f.cfg),
	})
}

// Backends returns the backend names in failover order.
func (f *TTSFallback) Backends() []string {
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.name
	}
	return names
}

// State returns the breaker state of the named backend.
func (f *TTSFallback) State(name string) (State, bool) {
	for _, b := range f.backends {
		if b.name == name {
			return b.breaker.State(), true
		}
	}
	return Closed, false
}

// OutputFormat returns the primary backend's format.
func (f *TTSFallback) OutputFormat() audio.Format {
	return f.backends[0].provider.OutputFormat()
}

// ListVoices merges the catalogues of every backend that answers. Voices
// without a Provider are labelled with their backend name.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	var (
		all     []tts.VoiceProfile
		lastErr error
		ok      bool
	)
	for _, b := range f.backends {
		var voices []tts.VoiceProfile
		err := b.breaker.Do(func() error {
			var err error
			voices, err = b.provider.ListVoices(ctx)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			slog.Debug("resilience: list voices failed", "backend", b.name, "err", err)
			continue
		}
		for i := range voices {
			if voices[i].Provider == "" {
				voices[i].Provider = b.name
			}
		}
		b.mu.Lock()
		b.voices = voices
		b.mu.Unlock()
		all = append(all, voices...)
		ok = true
	}
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
	}
	return all, nil
}

// SynthesizeStream starts synthesis on the first healthy backend able to
// speak voice. Only stream setup fails over; an error after audio started
// ends the stream as the backend reports it.
//
// text is only handed to a backend whose setup succeeds, so it must not be
// read by a backend that then fails setup. Both built-in backends validate
// before reading.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	target := f.OutputFormat()
	var lastErr error
	tried := false
	for _, b := range f.order(voice) {
		v, ok := b.voiceFor(voice)
		if !ok {
			continue
		}
		tried = true
		var ch <-chan []byte
		err := b.breaker.Do(func() error {
			var err error
			ch, err = b.provider.SynthesizeStream(ctx, text, v)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if !errors.Is(err, ErrOpen) {
				slog.Warn("resilience: tts backend failed, trying next", "backend", b.name, "err", err)
			}
			continue
		}
		if v.ID != voice.ID {
			slog.Info("resilience: speaking with fallback voice", "backend", b.name, "voice", v.ID)
		}
		if src := b.provider.OutputFormat(); src != target {
			ch = convertStream(ctx, ch, src, target)
		}
		return ch, nil
	}
	if !tried {
		return nil, fmt.Errorf("%w: no backend offers voice %q", ErrAllFailed, voice.ID)
	}
	return nil, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// order puts the backend owning voice first.
func (f *TTSFallback) order(voice tts.VoiceProfile) []*backend {
	out := slices.Clone(f.backends)
	for i, b := range out {
		if b.owns(voice) {
			out = append(append([]*backend{b}, out[:i]...), out[i+1:]...)
			break
		}
	}
	return out
}

func (b *backend) owns(voice tts.VoiceProfile) bool {
	for _, v := range b.cachedVoices() {
		if v.ID == voice.ID && v.Provider == voice.Provider {
			return true
		}
	}
	return false
}

// voiceFor returns voice when b owns it, otherwise b's first voice that
// speaks one of voice's languages. A backend whose catalogue has not been
// listed yet only accepts voice as is.
func (b *backend) voiceFor(voice tts.VoiceProfile) (tts.VoiceProfile, bool) {
	voices := b.cachedVoices()
	if voices == nil || b.owns(voice) {
		return voice, true
	}
	for _, lang := range voice.Languages {
		for _, v := range voices {
			if v.Speaks(lang) {
				v.SpeedFactor = voice.SpeedFactor
				return v, true
			}
		}
	}
	return tts.VoiceProfile{}, false
}

// convertStream rewrites PCM chunks from src to dst, carrying partial
// sample frames across chunk boundaries.
func convertStream(ctx context.Context, in <-chan []byte, src, dst audio.Format) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		defer audio.Drain(in)
		conv := &audio.FormatConverter{Target: dst}
		align := 2 * src.Channels
		var carry []byte
		for chunk := range in {
			buf := append(carry, chunk...)
			n := len(buf) - len(buf)%align
			carry = slices.Clone(buf[n:])
			if n == 0 {
				continue
			}
			frame := conv.Convert(audio.AudioFrame{Data: buf[:n], SampleRate: src.SampleRate, Channels: src.Channels})
			select {
			case out <- frame.Data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
