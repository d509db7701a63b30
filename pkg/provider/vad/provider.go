// Package vad defines the Engine interface for speech-activity analysis
// backends.
//
// An engine turns a live PCM stream into a scalar activity level that the
// detector compares against a threshold on every tick. Each session keeps
// its own state (sample window, smoothing history) so that independent
// streams can be analysed side by side.
//
// Level is synchronous and cheap: it works on the samples already written
// and never waits for more audio, so the detector loop can call it at
// display-refresh cadence.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle must tolerate one writer goroutine and one reader
// goroutine at the same time.
package vad

import (
	"errors"
	"fmt"

	"github.com/MrWong99/vistalk/pkg/audio"
)

// ErrUnsupported is returned by [Engine.NewSession] when the configuration
// cannot be served by the engine.
var ErrUnsupported = errors.New("vad: unsupported configuration")

// Config holds the parameters for a VAD session. The defaults mirror a
// browser AnalyserNode with fftSize 512 and smoothingTimeConstant 0.4.
type Config struct {
	// SampleRate is the analysis rate in Hz. Frames at other rates are
	// resampled before analysis.
	SampleRate int

	// WindowSize is the number of samples per analysis window. Must be a
	// power of two between 32 and 32768. The level is averaged over
	// WindowSize/2 frequency bins.
	WindowSize int

	// Smoothing is the time constant blending each window's magnitudes with
	// the previous ones. Range: [0.0, 1.0]; 0 disables smoothing.
	Smoothing float64

	// MinDecibels maps to activity byte 0.
	MinDecibels float64

	// MaxDecibels maps to activity byte 255.
	MaxDecibels float64
}

// DefaultConfig returns the analyser configuration used when none is set.
func DefaultConfig() Config {
	return Config{
		SampleRate:  48000,
		WindowSize:  512,
		Smoothing:   0.4,
		MinDecibels: -100,
		MaxDecibels: -30,
	}
}

// Validate reports whether cfg can be analysed. Errors wrap [ErrUnsupported].
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", c.SampleRate))
	}
	if c.WindowSize < 32 || c.WindowSize > 32768 || c.WindowSize&(c.WindowSize-1) != 0 {
		errs = append(errs, fmt.Errorf("window size %d must be a power of two in [32, 32768]", c.WindowSize))
	}
	if c.Smoothing < 0 || c.Smoothing > 1 {
		errs = append(errs, fmt.Errorf("smoothing %g must be in [0, 1]", c.Smoothing))
	}
	if c.MinDecibels >= c.MaxDecibels {
		errs = append(errs, fmt.Errorf("min decibels %g must be below max decibels %g", c.MinDecibels, c.MaxDecibels))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrUnsupported, errors.Join(errs...))
	}
	return nil
}

// SessionHandle represents an active analysis session for a single audio
// stream. It is an interface so that test code can supply mock
// implementations without a live engine.
type SessionHandle interface {
	// Write appends PCM to the analysis window. It never blocks and returns
	// an error only after Close.
	Write(frame audio.AudioFrame) error

	// Level returns the current activity level on a 0..255 scale: the mean
	// of the per-bin byte magnitudes of the latest window.
	Level() float64

	// Reset clears the sample window and smoothing history without closing
	// the session.
	Reset()

	// Close releases all resources associated with the session. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession creates a session with the given configuration. Returns an
	// error wrapping [ErrUnsupported] if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
