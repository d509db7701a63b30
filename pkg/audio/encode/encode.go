// Package encode turns buffered PCM frames into a self-contained audio file
// suitable for upload: Ogg/Opus (the default, matching what a browser
// MediaRecorder produces) or uncompressed WAV.
package encode

import (
	"fmt"
	"time"

	"github.com/MrWong99/vistalk/pkg/audio"
)

// Encoded is a finished audio file.
type Encoded struct {
	// Data is the complete file content.
	Data []byte

	// MIMEType is the content type to advertise (e.g. "audio/ogg").
	MIMEType string

	// Filename is a suggested file name for multipart uploads.
	Filename string

	// Duration is the amount of audio contained in the file.
	Duration time.Duration
}

// Encoder converts a sequence of PCM frames into one audio file.
// Implementations must be safe for sequential reuse; they are not required to
// be safe for concurrent use.
type Encoder interface {
	Encode(frames []audio.AudioFrame) (Encoded, error)
}

// Format names accepted by [New].
const (
	FormatOggOpus = "ogg-opus"
	FormatWAV     = "wav"
)

// New returns the encoder registered under name. An empty name selects
// [FormatOggOpus].
func New(name string) (Encoder, error) {
	switch name {
	case "", FormatOggOpus:
		return NewOggOpus(), nil
	case FormatWAV:
		return NewWAV(audio.Format{SampleRate: 16000, Channels: 1}), nil
	default:
		return nil, fmt.Errorf("encode: unknown audio format %q", name)
	}
}
