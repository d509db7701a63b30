// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify that
// the correct VoiceProfile and text fragments are passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeChunks: [][]byte{[]byte("audio1"), []byte("audio2")},
//	    ListVoicesResults: [][]tts.VoiceProfile{{{ID: "v1", Languages: []string{"zh-CN"}}}},
//	}
//	ch, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/vistalk/pkg/audio"
	"github.com/MrWong99/vistalk/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice tts.VoiceProfile
	// Text is the concatenation of every fragment read from the text channel.
	// It is complete once the returned audio channel has been closed.
	Text string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeChunks is the sequence of audio byte slices emitted on the channel
	// returned by SynthesizeStream.
	SynthesizeChunks [][]byte

	// SynthesizeErr, if non-nil, is returned as the error from SynthesizeStream
	// instead of starting a channel.
	SynthesizeErr error

	// ListVoicesResults are returned by successive ListVoices calls. The last
	// entry is repeated once the list is exhausted; an empty list yields no
	// voices.
	ListVoicesResults [][]tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned by every ListVoices call.
	ListVoicesErr error

	// ListVoicesBlock, if non-nil, makes ListVoices wait until it is closed
	// or ctx is cancelled.
	ListVoicesBlock chan struct{}

	// Format is returned by OutputFormat. Defaults to 24 kHz mono.
	Format audio.Format

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	// ListVoicesCallCount is the number of times ListVoices was called.
	ListVoicesCallCount int
}

// SynthesizeStream records the call, reads all text fragments and emits
// SynthesizeChunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	if p.SynthesizeErr != nil {
		p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Voice: voice})
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	idx := len(p.SynthesizeStreamCalls)
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Voice: voice})
	chunks := make([][]byte, len(p.SynthesizeChunks))
	copy(chunks, p.SynthesizeChunks)
	p.mu.Unlock()

	out := make(chan []byte, len(chunks))
	go func() {
		defer close(out)
		var sb strings.Builder
		for frag := range text {
			sb.WriteString(frag)
		}
		p.mu.Lock()
		p.SynthesizeStreamCalls[idx].Text = sb.String()
		p.mu.Unlock()
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ListVoices records the call and returns the next configured result.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	n := p.ListVoicesCallCount
	p.ListVoicesCallCount++
	block := p.ListVoicesBlock
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	if len(p.ListVoicesResults) == 0 {
		return nil, nil
	}
	return p.ListVoicesResults[min(n, len(p.ListVoicesResults)-1)], nil
}

// OutputFormat returns Format, or 24 kHz mono when unset.
func (p *Provider) OutputFormat() audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Format.Valid() {
		return p.Format
	}
	return audio.Format{SampleRate: 24000, Channels: 1}
}

// Calls returns a copy of the recorded SynthesizeStream calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeStreamCall, len(p.SynthesizeStreamCalls))
	copy(out, p.SynthesizeStreamCalls)
	return out
}

// ListCalls returns ListVoicesCallCount. Thread-safe.
func (p *Provider) ListCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesCallCount
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
