package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/MrWong99/vistalk/pkg/audio"
)

const audioChannelBuffer = 64

// SnapshotFunc captures one still frame for a [BaseStream].
type SnapshotFunc func(ctx context.Context) (image.Image, error)

// LocalTrack is the [Track] implementation used by [BaseStream].
type LocalTrack struct {
	id      string
	kind    Kind
	stopped atomic.Bool
	once    sync.Once
	onStop  func()
}

var _ Track = (*LocalTrack)(nil)

func (t *LocalTrack) ID() string { return t.id }
func (t *LocalTrack) Kind() Kind { return t.kind }
func (t *LocalTrack) Live() bool { return !t.stopped.Load() }

// Stop implements [Track]. The stop hook runs exactly once.
func (t *LocalTrack) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		if t.onStop != nil {
			t.onStop()
		}
	})
}

// BaseStream implements the bookkeeping shared by every [Stream]: track
// lifecycle, the buffered audio channel and end-of-stream signalling.
// Sources create one with [NewBaseStream] and feed it with [BaseStream.Deliver].
type BaseStream struct {
	id       string
	tracks   []*LocalTrack
	audioCh  chan audio.AudioFrame
	snapshot SnapshotFunc

	done    chan struct{}
	endOnce sync.Once
	err     atomic.Pointer[error]
	live    atomic.Int32
	dropped atomic.Int64
}

var _ Stream = (*BaseStream)(nil)

// StreamOption configures a [BaseStream].
type StreamOption func(*BaseStream)

// WithSnapshot sets the function used by [BaseStream.Snapshot].
func WithSnapshot(fn SnapshotFunc) StreamOption {
	return func(s *BaseStream) { s.snapshot = fn }
}

// WithStopHook registers fn to run once when the track of the given kind is
// stopped. Used by sources to release the underlying device.
func WithStopHook(kind Kind, fn func()) StreamOption {
	return func(s *BaseStream) {
		for _, t := range s.tracks {
			if t.kind == kind {
				prev := t.onStop
				t.onStop = func() {
					if prev != nil {
						prev()
					}
					fn()
				}
			}
		}
	}
}

// NewBaseStream creates a live stream with one track per requested device.
func NewBaseStream(c Constraints, opts ...StreamOption) *BaseStream {
	s := &BaseStream{
		id:      uuid.NewString(),
		audioCh: make(chan audio.AudioFrame, audioChannelBuffer),
		done:    make(chan struct{}),
	}
	if c.Audio {
		s.addTrack(KindAudio)
	}
	if c.Video {
		s.addTrack(KindVideo)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *BaseStream) addTrack(kind Kind) {
	t := &LocalTrack{id: uuid.NewString(), kind: kind}
	t.onStop = func() {
		if s.live.Add(-1) == 0 {
			s.End(nil)
		}
	}
	s.live.Add(1)
	s.tracks = append(s.tracks, t)
}

func (s *BaseStream) ID() string { return s.id }

// Tracks implements [Stream].
func (s *BaseStream) Tracks() []Track {
	out := make([]Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

// Audio implements [Stream].
func (s *BaseStream) Audio() <-chan audio.AudioFrame { return s.audioCh }

// Done implements [Stream].
func (s *BaseStream) Done() <-chan struct{} { return s.done }

// Err implements [Stream].
func (s *BaseStream) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Snapshot implements [Stream].
func (s *BaseStream) Snapshot(ctx context.Context) (image.Image, error) {
	t := s.track(KindVideo)
	if t == nil || !t.Live() || s.snapshot == nil {
		return nil, ErrNoVideo
	}
	return s.snapshot(ctx)
}

// Deliver queues a frame on the audio channel. It never blocks: frames are
// dropped when the consumer lags or once the audio track has stopped.
// It reports whether the frame was queued.
func (s *BaseStream) Deliver(f audio.AudioFrame) bool {
	if t := s.track(KindAudio); t == nil || !t.Live() {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.audioCh <- f:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of frames discarded because the consumer lagged.
func (s *BaseStream) Dropped() int64 { return s.dropped.Load() }

// End terminates the stream. A non-nil cause is wrapped with [ErrSourceLost].
// Only the first call has any effect. Tracks are marked stopped without
// running their stop hooks.
func (s *BaseStream) End(cause error) {
	s.endOnce.Do(func() {
		if cause != nil {
			err := cause
			if !errors.Is(cause, ErrSourceLost) {
				err = fmt.Errorf("%w: %w", ErrSourceLost, cause)
			}
			s.err.Store(&err)
		}
		for _, t := range s.tracks {
			t.stopped.Store(true)
		}
		close(s.done)
	})
}

func (s *BaseStream) track(kind Kind) *LocalTrack {
	for _, t := range s.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}
