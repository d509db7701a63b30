// Package file provides a [media.Source] that replays recorded input: a
// 16-bit PCM WAV file for the microphone and still images for each camera
// direction. Audio is paced in real time so the speech detector sees the same
// cadence it would from a live device.
package file

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/MrWong99/vistalk/pkg/audio"
	"github.com/MrWong99/vistalk/pkg/audio/encode"
	"github.com/MrWong99/vistalk/pkg/media"
)

const defaultFrameDuration = 20 * time.Millisecond

// Option configures a [Source].
type Option func(*Source)

// WithImage sets the still image shown for the given camera direction.
func WithImage(f media.Facing, path string) Option {
	return func(s *Source) { s.images[f] = path }
}

// WithLoop makes the audio restart from the beginning instead of ending the
// stream when the file is exhausted.
func WithLoop(loop bool) Option {
	return func(s *Source) { s.loop = loop }
}

// WithFrameDuration sets the amount of audio delivered per frame. Defaults
// to 20ms.
func WithFrameDuration(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.frameDur = d
		}
	}
}

// Source replays files as a live stream.
//
// Source is safe for concurrent use; every Acquire reads the files afresh.
type Source struct {
	audioPath string
	images    map[media.Facing]string
	loop      bool
	frameDur  time.Duration
}

var _ media.Source = (*Source)(nil)

// New creates a file source reading audio from audioPath.
func New(audioPath string, opts ...Option) *Source {
	s := &Source{
		audioPath: audioPath,
		images:    make(map[media.Facing]string),
		frameDur:  defaultFrameDuration,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Acquire implements [media.Source]. Missing or unreadable files are reported
// as [media.ErrPermissionDenied], the same way a browser reports a device it
// cannot open.
func (s *Source) Acquire(ctx context.Context, c media.Constraints) (media.Stream, error) {
	var (
		format audio.Format
		pcm    []byte
		img    image.Image
	)
	if c.Audio {
		raw, err := os.ReadFile(s.audioPath)
		if err != nil {
			return nil, fmt.Errorf("%w: open audio: %w", media.ErrPermissionDenied, err)
		}
		format, pcm, err = encode.DecodeWAV(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", media.ErrPermissionDenied, s.audioPath, err)
		}
	}
	if c.Video {
		facing := c.Facing
		if !facing.IsValid() {
			facing = media.FacingUser
		}
		path, ok := s.images[facing]
		if !ok {
			return nil, fmt.Errorf("%w: no %s camera image configured", media.ErrPermissionDenied, facing)
		}
		var err error
		img, err = loadImage(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", media.ErrPermissionDenied, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream := media.NewBaseStream(c, media.WithSnapshot(func(context.Context) (image.Image, error) {
		return img, nil
	}))
	if c.Audio {
		go s.replay(stream, format, pcm)
	}
	slog.Debug("file source acquired", "stream", stream.ID(), "audio", s.audioPath, "format", format.String(), "facing", c.Facing)
	return stream, nil
}

// replay paces pcm onto stream until the stream ends or the data runs out.
func (s *Source) replay(stream *media.BaseStream, format audio.Format, pcm []byte) {
	chunk := int(int64(format.BytesPerSecond()) * int64(s.frameDur) / int64(time.Second))
	chunk -= chunk % (format.Channels * 2)
	if chunk <= 0 || len(pcm) == 0 {
		stream.End(io.ErrUnexpectedEOF)
		return
	}

	ticker := time.NewTicker(s.frameDur)
	defer ticker.Stop()

	var (
		off int
		ts  time.Duration
	)
	for {
		select {
		case <-stream.Done():
			return
		case <-ticker.C:
		}
		if off >= len(pcm) {
			if !s.loop {
				stream.End(io.EOF)
				return
			}
			off = 0
		}
		end := min(off+chunk, len(pcm))
		frame := audio.AudioFrame{
			Data:       pcm[off:end],
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
			Timestamp:  ts,
		}
		stream.Deliver(frame)
		ts += frame.Duration()
		off = end
	}
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", path, err)
	}
	return img, nil
}
