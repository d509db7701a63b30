// Package media defines how vistalk obtains live camera and microphone input.
//
// The two primary abstractions are:
//
//   - [Source]: acquires a combined audio/video [Stream] under a set of
//     [Constraints] (which devices, which camera).
//   - [Stream]: an acquired handle that delivers PCM frames, yields still
//     frames on demand, and owns one [Track] per device. Stopping every track
//     releases the devices.
//
// Implementations live in sub-packages (media/webrtc for a browser peer,
// media/file for recorded input). [BaseStream] provides the shared stream
// bookkeeping so implementations only have to feed frames and snapshots.
package media

import (
	"context"
	"errors"
	"image"

	"github.com/MrWong99/vistalk/pkg/audio"
)

var (
	// ErrPermissionDenied is returned by [Source.Acquire] when the user or
	// environment refuses access to the requested devices.
	ErrPermissionDenied = errors.New("media: permission denied")

	// ErrSourceLost is reported by [Stream.Err] when the stream ended because
	// the underlying device or peer went away.
	ErrSourceLost = errors.New("media: source lost")

	// ErrNoVideo is returned by [Stream.Snapshot] when the stream has no live
	// video track.
	ErrNoVideo = errors.New("media: no live video track")
)

// Kind is the media type carried by a [Track].
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Facing selects the camera direction.
type Facing string

const (
	// FacingUser is the front (selfie) camera.
	FacingUser Facing = "user"

	// FacingEnvironment is the rear camera.
	FacingEnvironment Facing = "environment"
)

// IsValid reports whether f is one of the known facing values.
func (f Facing) IsValid() bool {
	return f == FacingUser || f == FacingEnvironment
}

// Opposite returns the other camera direction.
func (f Facing) Opposite() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// Constraints describe what a caller wants from [Source.Acquire].
type Constraints struct {
	Audio  bool
	Video  bool
	Facing Facing
}

// Track is a single device feed within a [Stream].
type Track interface {
	ID() string
	Kind() Kind

	// Stop releases the device. Calling Stop more than once is a no-op.
	Stop()

	// Live reports whether the track has not been stopped.
	Live() bool
}

// Stream is an acquired audio/video handle.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	ID() string

	// Tracks returns every track of the stream, live or not.
	Tracks() []Track

	// Audio delivers PCM frames while the audio track is live. The channel is
	// never closed; consumers should also select on [Stream.Done].
	Audio() <-chan audio.AudioFrame

	// Snapshot returns the current video frame.
	Snapshot(ctx context.Context) (image.Image, error)

	// Done is closed once the stream has ended, either because all tracks were
	// stopped or because the source went away.
	Done() <-chan struct{}

	// Err returns nil while the stream is live or after an orderly stop, and
	// an error wrapping [ErrSourceLost] if the source ended it.
	Err() error
}

// Source acquires streams.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Acquire obtains a stream satisfying c. Errors wrap [ErrPermissionDenied]
	// when access is refused.
	Acquire(ctx context.Context, c Constraints) (Stream, error)
}

// StopAll stops every track of s.
func StopAll(s Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
