// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., OpenAI speech or
// ElevenLabs) and presents a uniform streaming interface. The primary entry
// point is SynthesizeStream, which accepts a channel of text fragments and
// returns a channel of raw PCM audio bytes as they become available, so that
// playback can start before synthesis of a long reply has finished.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/vistalk/pkg/audio"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and returns a
	// channel that emits raw PCM audio byte slices as they are synthesised.
	//
	// The returned audio channel is closed by the implementation when all text has
	// been synthesised or when ctx is cancelled. The caller must drain the audio
	// channel to avoid blocking the provider's internal goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the audio channel early;
	// callers should check ctx.Err() to distinguish cancellation from provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns all voice profiles available from this provider. The list
	// reflects the provider's current catalogue and may be empty while the
	// catalogue is still loading.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)

	// OutputFormat is the PCM layout of the bytes emitted by SynthesizeStream.
	OutputFormat() audio.Format
}
