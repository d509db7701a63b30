// Package capture buffers the audio of one utterance and packages it, with a
// single still frame, into the payload sent to the inference endpoint.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/vistalk/internal/observe"
	"github.com/MrWong99/vistalk/pkg/audio"
	"github.com/MrWong99/vistalk/pkg/audio/encode"
)

// DefaultJPEGQuality matches the browser's default canvas.toDataURL quality.
const DefaultJPEGQuality = 92

var (
	// ErrNotRecording is returned by [Recorder.Finish] when no recording is
	// active. Callers treat it as a no-op.
	ErrNotRecording = errors.New("capture: not recording")

	// ErrEmptyCapture is returned by [Recorder.Finish] when the recording
	// contains no audio. Nothing should be sent for it.
	ErrEmptyCapture = errors.New("capture: no audio recorded")
)

// Payload is one finished capture.
type Payload struct {
	// ID identifies the capture in logs and traces.
	ID uuid.UUID

	// Audio is the encoded utterance.
	Audio encode.Encoded

	// Image is the JPEG still, or nil when no frame could be taken.
	Image []byte

	// CapturedAt is when the recording was stopped.
	CapturedAt time.Time

	// Duration is how long the recording was active.
	Duration time.Duration
}

// ImageMIME is the content type of Image.
const ImageMIME = "image/jpeg"

// ImageDataURL renders the still as a data URL. An empty still becomes the
// empty data URL "data:,".
func (p Payload) ImageDataURL() string {
	if len(p.Image) == 0 {
		return "data:,"
	}
	return "data:" + ImageMIME + ";base64," + encodeBase64(p.Image)
}

// Snapshotter yields the current video frame.
type Snapshotter interface {
	Snapshot(ctx context.Context) (image.Image, error)
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithEncoder sets the audio encoder. Defaults to Ogg/Opus.
func WithEncoder(e encode.Encoder) Option {
	return func(r *Recorder) { r.enc = e }
}

// WithJPEGQuality sets the still quality (1-100).
func WithJPEGQuality(q int) Option {
	return func(r *Recorder) {
		if q >= 1 && q <= 100 {
			r.quality = q
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder accumulates audio frames between Start and Stop.
//
// Recorder is safe for concurrent use: frames are appended from the audio
// pump while the session goroutine starts and stops recordings.
type Recorder struct {
	enc     encode.Encoder
	quality int
	now     func() time.Time

	mu        sync.Mutex
	active    bool
	frames    []audio.AudioFrame
	startedAt time.Time
}

// NewRecorder creates an inactive recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		enc:     encode.NewOggOpus(),
		quality: DefaultJPEGQuality,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start clears the buffer and begins recording. It returns false, leaving
// the current recording untouched, if one is already active.
func (r *Recorder) Start() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return false
	}
	r.active = true
	r.frames = nil
	r.startedAt = r.now()
	return true
}

// Active reports whether a recording is in progress.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Append buffers f if a recording is active.
func (r *Recorder) Append(f audio.AudioFrame) {
	if len(f.Data) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		r.frames = append(r.frames, f)
	}
}

// Abort ends an active recording and discards its audio.
func (r *Recorder) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	r.frames = nil
}

// Take is a finished recording whose audio has not been encoded yet.
type Take struct {
	frames  []audio.AudioFrame
	started time.Time
	stopped time.Time
}

// Frames returns the number of buffered audio frames.
func (t Take) Frames() int { return len(t.frames) }

// Finish ends the recording and hands back its audio without encoding it,
// so the caller can stop recording synchronously and package later.
// Returns [ErrNotRecording] if nothing was being recorded and
// [ErrEmptyCapture] if no audio arrived.
func (r *Recorder) Finish() (Take, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return Take{}, ErrNotRecording
	}
	t := Take{frames: r.frames, started: r.startedAt, stopped: r.now()}
	r.active = false
	r.frames = nil
	if len(t.frames) == 0 {
		return Take{}, ErrEmptyCapture
	}
	return t, nil
}

// Package builds the payload for t. The still frame is taken from snap
// before the audio is encoded; a failed or missing snapshot leaves
// Payload.Image empty.
func (r *Recorder) Package(ctx context.Context, t Take, snap Snapshotter) (Payload, error) {
	if len(t.frames) == 0 {
		return Payload{}, ErrEmptyCapture
	}
	p := Payload{
		ID:         uuid.New(),
		CapturedAt: t.stopped,
		Duration:   t.stopped.Sub(t.started),
	}
	ctx, span := observe.StartCaptureSpan(ctx, "capture.package", p.ID.String(),
		attribute.Int("capture.frames", len(t.frames)),
	)
	defer span.End()

	p.Image = r.still(ctx, snap)

	enc, err := r.enc.Encode(t.frames)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Payload{}, fmt.Errorf("capture: encode audio: %w", err)
	}
	p.Audio = enc
	span.SetAttributes(observe.CaptureAttrs("", len(p.Audio.Data), len(p.Image))...)
	return p, nil
}

// Stop is [Recorder.Finish] followed by [Recorder.Package].
func (r *Recorder) Stop(ctx context.Context, snap Snapshotter) (Payload, error) {
	t, err := r.Finish()
	if err != nil {
		return Payload{}, err
	}
	return r.Package(ctx, t, snap)
}

func (r *Recorder) still(ctx context.Context, snap Snapshotter) []byte {
	if snap == nil {
		return nil
	}
	img, err := snap.Snapshot(ctx)
	if err != nil {
		observe.Logger(ctx).Debug("capture: no still frame", "err", err)
		return nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.quality}); err != nil {
		observe.Logger(ctx).Warn("capture: encode still frame", "err", err)
		return nil
	}
	return buf.Bytes()
}
