// Package audio defines the PCM frame type shared by media sources, the speech
// activity analyser, the capture recorder and the speech output path, plus
// small helpers for converting between sample layouts.
//
// All PCM in vistalk is signed 16-bit little-endian, interleaved when
// Channels > 1.
package audio

import (
	"fmt"
	"time"
)

// AudioFrame is a single chunk of PCM delivered by a media source. Frames are
// the unit appended to the capture buffer and fed to the speech analyser.
type AudioFrame struct {
	// Data holds the PCM samples.
	Data []byte

	// SampleRate in Hz (48000 for WebRTC Opus, typically 16000 or 44100 for files).
	SampleRate int

	// Channels is 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the sample layout of the frame.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration reports how much audio the frame carries. Returns 0 for frames
// with an unset format.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether both fields are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// BytesPerSecond is the PCM data rate for this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration converts a PCM byte count in this format into playback time.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
