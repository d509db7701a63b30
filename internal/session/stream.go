package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/vistalk/internal/detect"
	"github.com/MrWong99/vistalk/pkg/media"
)

// beginAcquire releases the current stream and starts acquiring a new one.
// A pending acquisition is cancelled and its caller told it was superseded.
func (s *Session) beginAcquire(reply chan error) {
	s.cancelAcquire()
	s.releaseStream()

	s.acqGen++
	gen := s.acqGen
	ctx, cancel := context.WithCancel(s.ctx)
	s.acqCancel = cancel
	s.acqReply = reply
	s.permission = PermissionUnknown
	s.status = StatusRequesting

	c := media.Constraints{Audio: true, Video: s.video, Facing: s.facing}
	s.spawn(func(context.Context) {
		defer cancel()
		stream, err := s.source.Acquire(ctx, c)
		if err != nil {
			s.post(event{kind: evDenied, gen: gen, err: err})
			return
		}
		if !s.post(event{kind: evGranted, gen: gen, stream: stream}) {
			media.StopAll(stream)
		}
	})
}

// cancelAcquire abandons a pending acquisition.
func (s *Session) cancelAcquire() {
	if s.acqCancel != nil {
		s.acqCancel()
		s.acqCancel = nil
	}
	if s.acqReply != nil {
		s.acqReply <- ErrSuperseded
		s.acqReply = nil
	}
	// Results of the abandoned attempt are now stale.
	s.acqGen++
}

// attachStream takes ownership of stream and starts the audio pump and the
// detector. On failure the stream is released.
func (s *Session) attachStream(stream media.Stream) error {
	analyser, err := s.vadEngine.NewSession(s.vadCfg)
	if err != nil {
		media.StopAll(stream)
		return fmt.Errorf("session: speech analysis unavailable: %w", err)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.stream = stream
	s.analyser = analyser
	s.streamCancel = cancel
	s.streamDone = make(chan struct{})
	s.detector.Reset()
	s.metrics.ActiveStreams.Add(s.ctx, 1)

	id := stream.ID()
	done := s.streamDone
	pumpDone := make(chan struct{})
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer close(pumpDone)
		s.pump(ctx, stream)
	}()
	go func() {
		defer s.wg.Done()
		defer close(done)
		s.detector.Run(ctx, analyser, func(e detect.Edge) {
			s.metrics.RecordSpeechEdge(ctx, e.Speaking)
			kind := evSpeechEnd
			if e.Speaking {
				kind = evSpeechStart
			}
			s.postCtx(ctx, event{kind: kind, streamID: id, edge: e})
		})
		<-pumpDone
	}()
	slog.Info("session: stream attached", "stream", id, "facing", s.facing, "tracks", len(stream.Tracks()))
	return nil
}

// pump feeds audio to the analyser and the recorder until the stream ends
// or ctx is cancelled. A stream ending with an error is reported as lost.
func (s *Session) pump(ctx context.Context, stream media.Stream) {
	var writeErrLogged bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-stream.Done():
			if err := stream.Err(); err != nil {
				s.postCtx(ctx, event{kind: evSourceLost, streamID: stream.ID(), err: err})
			}
			return
		case f := <-stream.Audio():
			if err := s.analyser.Write(f); err != nil && !writeErrLogged {
				slog.Warn("session: analyser rejected audio", "err", err)
				writeErrLogged = true
			}
			s.recorder.Append(f)
		}
	}
}

// releaseStream stops the pump and the detector, stops every track and
// closes the analyser. It is a no-op without a stream.
func (s *Session) releaseStream() {
	if s.stream == nil {
		return
	}
	s.streamCancel()
	<-s.streamDone
	media.StopAll(s.stream)
	if err := s.analyser.Close(); err != nil {
		slog.Debug("session: close analyser", "err", err)
	}
	s.recorder.Abort()
	s.detector.Reset()
	s.metrics.ActiveStreams.Add(s.ctx, -1)
	slog.Info("session: stream released", "stream", s.stream.ID())

	s.stream = nil
	s.analyser = nil
	s.streamCancel = nil
	s.streamDone = nil
}
