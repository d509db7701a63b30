// Package mock provides test doubles for the media package interfaces.
//
// Source hands out [media.BaseStream] values so tests can push audio frames
// with Deliver, end a stream with End, and count how often each track was
// released.
//
// Example:
//
//	src := &mock.Source{Image: img}
//	stream, _ := src.Acquire(ctx, media.Constraints{Audio: true, Video: true})
//	src.Last().Deliver(frame)
package mock

import (
	"context"
	"image"
	"sync"

	"github.com/MrWong99/vistalk/pkg/media"
)

// AcquireCall records a single invocation of Source.Acquire.
type AcquireCall struct {
	Constraints media.Constraints
}

// Source is a mock implementation of media.Source.
type Source struct {
	mu sync.Mutex

	// AcquireErr, if non-nil, is returned by every Acquire call.
	AcquireErr error

	// Image is returned by Snapshot on streams created by this source. When
	// nil, Snapshot returns SnapshotErr.
	Image image.Image

	// SnapshotErr is returned by Snapshot when Image is nil.
	SnapshotErr error

	// Block, if non-nil, makes Acquire wait until the channel is closed or
	// the context is cancelled.
	Block chan struct{}

	// AcquireCalls records every call to Acquire in order.
	AcquireCalls []AcquireCall

	streams []*media.BaseStream
	stops   map[string]int
}

var _ media.Source = (*Source)(nil)

// Acquire records the call and returns a new stream or AcquireErr.
func (s *Source) Acquire(ctx context.Context, c media.Constraints) (media.Stream, error) {
	s.mu.Lock()
	s.AcquireCalls = append(s.AcquireCalls, AcquireCall{Constraints: c})
	block := s.Block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AcquireErr != nil {
		return nil, s.AcquireErr
	}
	if s.stops == nil {
		s.stops = make(map[string]int)
	}

	img, snapErr := s.Image, s.SnapshotErr
	var st *media.BaseStream
	st = media.NewBaseStream(c,
		media.WithSnapshot(func(context.Context) (image.Image, error) {
			if img == nil {
				return nil, snapErr
			}
			return img, nil
		}),
		media.WithStopHook(media.KindAudio, func() { s.countStop(st, media.KindAudio) }),
		media.WithStopHook(media.KindVideo, func() { s.countStop(st, media.KindVideo) }),
	)
	s.streams = append(s.streams, st)
	return st, nil
}

func (s *Source) countStop(st *media.BaseStream, kind media.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops[st.ID()+"/"+string(kind)]++
}

// Streams returns every stream handed out so far.
func (s *Source) Streams() []*media.BaseStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*media.BaseStream, len(s.streams))
	copy(out, s.streams)
	return out
}

// Last returns the most recently acquired stream, or nil.
func (s *Source) Last() *media.BaseStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

// StopCount returns how many times the stop hook of the given track kind ran
// for stream st.
func (s *Source) StopCount(st media.Stream, kind media.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops[st.ID()+"/"+string(kind)]
}

// Calls returns a copy of the recorded Acquire calls.
func (s *Source) Calls() []AcquireCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AcquireCall, len(s.AcquireCalls))
	copy(out, s.AcquireCalls)
	return out
}
