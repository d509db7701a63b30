// Package spectral implements [vad.Engine] as a frequency-domain energy
// meter with the same arithmetic as a WebAudio AnalyserNode's
// getByteFrequencyData: Blackman window, real FFT (gonum's dsp/fourier),
// magnitude smoothing over time, then a linear decibel-to-byte mapping
// averaged across bins.
//
// It needs no model files and no cgo, so it is always available.
package spectral

import (
	"errors"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/MrWong99/vistalk/pkg/audio"
	"github.com/MrWong99/vistalk/pkg/provider/vad"
)

var errClosed = errors.New("spectral: session closed")

// Engine creates spectral analysis sessions. The zero value is ready to use.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New returns a spectral engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		cfg:      cfg,
		conv:     audio.FormatConverter{Target: audio.Format{SampleRate: cfg.SampleRate, Channels: 1}},
		ring:     make([]float64, cfg.WindowSize),
		window:   blackman(cfg.WindowSize),
		fft:      fourier.NewFFT(cfg.WindowSize),
		samples:  make([]float64, cfg.WindowSize),
		coeff:    make([]complex128, cfg.WindowSize/2+1),
		smoothed: make([]float64, cfg.WindowSize/2),
	}, nil
}

// Session is a single analysis stream.
type Session struct {
	cfg  vad.Config
	conv audio.FormatConverter

	mu       sync.Mutex
	ring     []float64 // latest WindowSize samples, oldest at pos
	pos      int
	window   []float64
	fft      *fourier.FFT
	samples  []float64    // windowed copy of ring, oldest first
	coeff    []complex128 // WindowSize/2+1 real-input coefficients
	smoothed []float64
	closed   bool
}

var _ vad.SessionHandle = (*Session)(nil)

// Write implements [vad.SessionHandle].
func (s *Session) Write(frame audio.AudioFrame) error {
	samples := audio.Int16s(s.conv.Convert(frame).Data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	// Only the newest WindowSize samples can influence the next window.
	if len(samples) > len(s.ring) {
		samples = samples[len(samples)-len(s.ring):]
	}
	for _, v := range samples {
		s.ring[s.pos] = float64(v) / 32768
		s.pos = (s.pos + 1) % len(s.ring)
	}
	return nil
}

// Level implements [vad.SessionHandle].
func (s *Session) Level() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}

	n := len(s.ring)
	s.transform()

	var (
		tau   = s.cfg.Smoothing
		scale = 255 / (s.cfg.MaxDecibels - s.cfg.MinDecibels)
		sum   float64
	)
	for k := range s.smoothed {
		mag := cmplx.Abs(s.coeff[k]) / float64(n)
		v := tau*s.smoothed[k] + (1-tau)*mag
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		s.smoothed[k] = v

		db := 20 * math.Log10(v)
		b := math.Floor(scale * (db - s.cfg.MinDecibels))
		sum += math.Max(0, math.Min(255, b))
	}
	return sum / float64(len(s.smoothed))
}

// transform windows the ring buffer and fills s.coeff with its spectrum.
// The caller holds s.mu.
func (s *Session) transform() {
	n := len(s.ring)
	for i := range n {
		s.samples[i] = s.ring[(s.pos+i)%n] * s.window[i]
	}
	s.coeff = s.fft.Coefficients(s.coeff, s.samples)
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.ring)
	clear(s.smoothed)
	s.pos = 0
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
