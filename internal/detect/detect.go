// Package detect turns a stream of activity levels into speaking/silent
// edges.
//
// A [Detector] samples a level source on a fixed cadence, compares the level
// against a threshold and reports only transitions. The comparison is strict:
// a level equal to the threshold counts as silence.
package detect

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultThreshold is the activity level above which audio counts as
	// speech, on the analyser's 0..255 byte scale.
	DefaultThreshold = 20

	// DefaultInterval approximates one display refresh.
	DefaultInterval = 16 * time.Millisecond
)

// Edge is a change between silence and speech.
type Edge struct {
	// Speaking is true for a speech-start edge, false for speech-end.
	Speaking bool

	// Level is the activity level that caused the edge.
	Level float64

	// At is when the edge was observed.
	At time.Time
}

// Sampler returns the current activity level.
type Sampler interface {
	Level() float64
}

// SamplerFunc adapts a function to [Sampler].
type SamplerFunc func() float64

// Level implements [Sampler].
func (f SamplerFunc) Level() float64 { return f() }

// Option configures a [Detector].
type Option func(*Detector)

// WithThreshold sets the initial threshold.
func WithThreshold(v float64) Option {
	return func(d *Detector) { d.SetThreshold(v) }
}

// WithInterval sets the sampling cadence for [Detector.Run].
func WithInterval(iv time.Duration) Option {
	return func(d *Detector) {
		if iv > 0 {
			d.interval = iv
		}
	}
}

// WithClock replaces time.Now for edge timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// Detector tracks the speaking state of one stream.
//
// Observe must be called from a single goroutine (Run does this). SetThreshold
// and Speaking are safe to call concurrently.
type Detector struct {
	threshold atomic.Uint64 // math.Float64bits
	interval  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	speaking bool
}

// New creates a detector with [DefaultThreshold] and [DefaultInterval].
func New(opts ...Option) *Detector {
	d := &Detector{interval: DefaultInterval, now: time.Now}
	d.threshold.Store(math.Float64bits(DefaultThreshold))
	for _, o := range opts {
		o(d)
	}
	return d
}

// Threshold returns the current threshold.
func (d *Detector) Threshold() float64 {
	return math.Float64frombits(d.threshold.Load())
}

// SetThreshold changes the threshold. It takes effect on the next sample.
func (d *Detector) SetThreshold(v float64) {
	d.threshold.Store(math.Float64bits(v))
}

// Interval returns the sampling cadence.
func (d *Detector) Interval() time.Duration { return d.interval }

// Speaking reports the last observed state.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Observe classifies level and reports an edge when the state changes.
func (d *Detector) Observe(level float64) (Edge, bool) {
	speaking := level > d.Threshold()

	d.mu.Lock()
	defer d.mu.Unlock()
	if speaking == d.speaking {
		return Edge{}, false
	}
	d.speaking = speaking
	return Edge{Speaking: speaking, Level: level, At: d.now()}, true
}

// Reset returns the detector to the silent state without reporting an edge.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speaking = false
}

// Run samples s every interval until ctx is cancelled and calls onEdge for
// every transition. onEdge runs on the sampling goroutine and must not block.
func (d *Detector) Run(ctx context.Context, s Sampler, onEdge func(Edge)) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e, ok := d.Observe(s.Level()); ok {
				onEdge(e)
			}
		}
	}
}
