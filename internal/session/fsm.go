package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/vistalk/internal/capture"
	"github.com/MrWong99/vistalk/internal/detect"
	"github.com/MrWong99/vistalk/internal/exchange"
	"github.com/MrWong99/vistalk/internal/observe"
	"github.com/MrWong99/vistalk/internal/playback"
	"github.com/MrWong99/vistalk/pkg/media"
)

type eventKind int

const (
	evAcquire eventKind = iota
	evSwitchFacing
	evRelease
	evGranted
	evDenied
	evSpeechStart
	evSpeechEnd
	evCaptureReady
	evCaptureFailed
	evResponseOK
	evResponseFailed
	evResponseTimeout
	evSourceLost
	evPlaybackFailed
)

var eventNames = [...]string{
	evAcquire:         "acquire",
	evSwitchFacing:    "switch_facing",
	evRelease:         "release",
	evGranted:         "permission_granted",
	evDenied:          "permission_denied",
	evSpeechStart:     "speech_start",
	evSpeechEnd:       "speech_end",
	evCaptureReady:    "capture_ready",
	evCaptureFailed:   "capture_failed",
	evResponseOK:      "response_ok",
	evResponseFailed:  "response_failed",
	evResponseTimeout: "response_timeout",
	evSourceLost:      "source_lost",
	evPlaybackFailed:  "playback_failed",
}

func (k eventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// event is the single message type consumed by the run loop. Only the
// fields relevant to kind are set.
type event struct {
	kind eventKind

	// gen tags acquisition results (acquire generation) and exchange
	// results (exchange generation).
	gen uint64

	// streamID tags edges and loss notifications with the stream that
	// produced them.
	streamID string

	stream  media.Stream
	facing  media.Facing
	edge    detect.Edge
	payload capture.Payload
	resp    exchange.Response
	sentAt  time.Time
	err     error
	reply   chan error
}

type handler func(*Session, event) Phase

type transitionKey struct {
	from Phase
	on   eventKind
}

// transitions is the dispatch table. Lookups try the exact phase first and
// fall back to phaseAny; events without an entry are ignored.
//
//	idle        permission granted  -> listening (processing while in flight)
//	idle        permission denied   -> error
//	listening   speech start        -> recording
//	recording   speech end          -> processing
//	recording   speech end, empty   -> listening
//	processing  response ok         -> listening
//	processing  response error      -> listening, error surfaced
//	processing  response timeout    -> listening, error surfaced
//	any         media source lost   -> error
//	any         acquire / facing    -> idle, then the acquire result
//	any         release             -> idle
var transitions = map[transitionKey]handler{
	{PhaseIdle, evGranted}:              (*Session).onGranted,
	{PhaseIdle, evDenied}:               (*Session).onDenied,
	{PhaseListening, evSpeechStart}:     (*Session).onSpeechStart,
	{PhaseRecording, evSpeechEnd}:       (*Session).onSpeechEnd,
	{PhaseProcessing, evCaptureFailed}:  (*Session).onCaptureFailed,
	{PhaseProcessing, evCaptureReady}:   (*Session).onCaptureReady,
	{phaseAny, evResponseOK}:            (*Session).onResponseOK,
	{phaseAny, evResponseFailed}:        (*Session).onResponseFailed,
	{phaseAny, evResponseTimeout}:       (*Session).onResponseTimeout,
	{phaseAny, evSourceLost}:            (*Session).onSourceLost,
	{phaseAny, evPlaybackFailed}:        (*Session).onPlaybackFailed,
	{phaseAny, evAcquire}:               (*Session).onAcquire,
	{phaseAny, evSwitchFacing}:          (*Session).onSwitchFacing,
	{phaseAny, evRelease}:               (*Session).onRelease,
}

func lookup(from Phase, on eventKind) (handler, bool) {
	if h, ok := transitions[transitionKey{from, on}]; ok {
		return h, true
	}
	h, ok := transitions[transitionKey{phaseAny, on}]
	return h, ok
}

// dispatch applies ev to the session. It runs on the run loop only.
func (s *Session) dispatch(ev event) {
	if s.stale(ev) {
		return
	}
	h, ok := lookup(s.phase, ev.kind)
	if !ok {
		slog.Debug("session: event ignored", "event", ev.kind, "phase", s.phase)
		respond(ev.reply, nil)
		return
	}
	from := s.phase
	to := h(s, ev)
	if !to.IsValid() {
		slog.Error("session: handler produced invalid phase", "event", ev.kind, "phase", to)
		to = PhaseError
	}
	s.phase = to
	if from != to {
		slog.Info("session: phase changed", "from", from, "to", to, "event", ev.kind)
	}
	s.publish()
}

// stale reports whether ev belongs to a superseded stream, acquisition or
// exchange. Stale events are dropped after releasing anything they carry.
func (s *Session) stale(ev event) bool {
	switch ev.kind {
	case evGranted, evDenied:
		if ev.gen == s.acqGen {
			return false
		}
		if ev.stream != nil {
			media.StopAll(ev.stream)
		}
		return true
	case evSpeechStart, evSpeechEnd, evSourceLost:
		return s.stream == nil || s.stream.ID() != ev.streamID
	case evCaptureReady, evCaptureFailed:
		if s.stream != nil && s.stream.ID() == ev.streamID {
			return false
		}
		slog.Debug("session: capture from released stream dropped", "capture", ev.payload.ID, "stream", ev.streamID)
		return true
	case evResponseOK, evResponseFailed:
		if s.inFlight && ev.gen == s.exchangeGen {
			return false
		}
		s.late++
		s.metrics.RecordExchange(s.ctx, observe.OutcomeLate, time.Since(ev.sentAt))
		slog.Info("session: late response dropped", "capture", ev.payload.ID, "status", ev.resp.Status)
		s.publish()
		return true
	case evResponseTimeout:
		return !s.inFlight || ev.gen != s.exchangeGen
	}
	return false
}

// ready is the phase to settle in after an exchange ends or a capture is
// dropped.
func (s *Session) ready() Phase {
	if s.phase == PhaseProcessing {
		return PhaseListening
	}
	return s.phase
}

// --- acquisition ---

func (s *Session) onAcquire(ev event) Phase {
	s.beginAcquire(ev.reply)
	return PhaseIdle
}

func (s *Session) onSwitchFacing(ev event) Phase {
	f := ev.facing
	if !f.IsValid() {
		f = s.facing.Opposite()
	}
	s.facing = f
	s.beginAcquire(ev.reply)
	return PhaseIdle
}

func (s *Session) onRelease(ev event) Phase {
	s.cancelAcquire()
	s.releaseStream()
	s.status = StatusReleased
	respond(ev.reply, nil)
	return PhaseIdle
}

func (s *Session) onGranted(ev event) Phase {
	reply := s.acqReply
	s.acqReply, s.acqCancel = nil, nil

	if err := s.attachStream(ev.stream); err != nil {
		s.permission = PermissionDenied
		s.setError(KindPermissionDenied, err)
		s.status = StatusPermissionDenied
		respond(reply, s.lastErr)
		return PhaseError
	}
	s.permission = PermissionGranted
	s.lastErr = nil
	s.status = StatusListening
	respond(reply, nil)
	if s.inFlight {
		return PhaseProcessing
	}
	return PhaseListening
}

func (s *Session) onDenied(ev event) Phase {
	reply := s.acqReply
	s.acqReply, s.acqCancel = nil, nil

	s.permission = PermissionDenied
	s.setError(KindPermissionDenied, ev.err)
	s.status = StatusPermissionDenied
	respond(reply, s.lastErr)
	return PhaseError
}

func (s *Session) onSourceLost(ev event) Phase {
	s.releaseStream()
	s.setError(KindStreamError, ev.err)
	s.status = StatusSourceLost
	return PhaseError
}

// --- recording ---

func (s *Session) onSpeechStart(event) Phase {
	if s.inFlight || !s.recorder.Start() {
		return s.phase
	}
	s.status = StatusRecording
	return PhaseRecording
}

func (s *Session) onSpeechEnd(event) Phase {
	take, err := s.recorder.Finish()
	switch {
	case errors.Is(err, capture.ErrNotRecording):
		s.status = StatusListening
		return PhaseListening
	case errors.Is(err, capture.ErrEmptyCapture):
		s.metrics.RecordCapture(s.ctx, "empty", 0)
		s.status = StatusListening
		return PhaseListening
	}

	stream := s.stream
	s.status = StatusProcessing
	s.spawn(func(ctx context.Context) {
		ctx, span := observe.StartSpan(ctx, "session.capture",
			trace.WithAttributes(observe.AttrStreamID.String(stream.ID())))
		defer span.End()
		p, err := s.recorder.Package(ctx, take, stream)
		if err != nil {
			s.post(event{kind: evCaptureFailed, streamID: stream.ID(), err: err})
			return
		}
		s.post(event{kind: evCaptureReady, streamID: stream.ID(), payload: p})
	})
	return PhaseProcessing
}

func (s *Session) onCaptureFailed(ev event) Phase {
	s.metrics.RecordCapture(s.ctx, "error", 0)
	s.setError(KindUploadError, ev.err)
	s.status = StatusUploadFailed
	return s.ready()
}

// --- exchange ---

func (s *Session) onCaptureReady(ev event) Phase {
	p := ev.payload
	s.metrics.RecordCapture(s.ctx, "sent", p.Duration)
	s.captures++
	s.inFlight = true
	s.exchangeGen++
	gen := s.exchangeGen
	sentAt := time.Now()

	s.timer = time.AfterFunc(s.timeout, func() {
		s.post(event{kind: evResponseTimeout, gen: gen})
	})
	s.spawn(func(ctx context.Context) {
		resp, err := s.sender.Send(ctx, p)
		kind := evResponseOK
		if err != nil {
			kind = evResponseFailed
		}
		s.post(event{kind: kind, gen: gen, payload: p, resp: resp, err: err, sentAt: sentAt})
	})
	slog.Info("session: capture sent", "capture", p.ID, "duration", p.Duration,
		"audio_bytes", len(p.Audio.Data), "image_bytes", len(p.Image))
	return s.phase
}

func (s *Session) endExchange() {
	s.inFlight = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) onResponseOK(ev event) Phase {
	s.endExchange()
	s.responses++
	s.lastErr = nil
	s.status = StatusProcessed
	s.lastReply = ev.resp.Text
	if ev.resp.Text != "" {
		s.speak(ev.resp.Text)
	}
	return s.ready()
}

func (s *Session) onResponseFailed(ev event) Phase {
	s.endExchange()
	s.setError(KindUploadError, ev.err)
	s.status = StatusUploadFailed
	return s.ready()
}

func (s *Session) onResponseTimeout(event) Phase {
	s.endExchange()
	s.timeouts++
	s.metrics.RecordExchange(s.ctx, observe.OutcomeTimeout, 0)
	s.setError(KindTimeout, ErrTimeout)
	s.status = StatusTimedOut
	return s.ready()
}

// --- playback ---

func (s *Session) speak(text string) {
	if s.speaker == nil {
		s.setError(KindPlaybackUnsupported, playback.ErrUnsupported)
		return
	}
	s.spawn(func(ctx context.Context) {
		if err := s.speaker.Speak(ctx, text); err != nil && ctx.Err() == nil {
			s.post(event{kind: evPlaybackFailed, err: err})
		}
	})
}

func (s *Session) onPlaybackFailed(ev event) Phase {
	s.setError(KindPlaybackUnsupported, ev.err)
	return s.phase
}

func (s *Session) setError(kind ErrorKind, err error) {
	s.lastErr = &Error{Kind: kind, Err: err}
	s.errCount++
	slog.Warn("session: error", "kind", kind, "err", err)
}

// respond answers a blocking API call. Reply channels are buffered.
func respond(reply chan error, err error) {
	if reply != nil {
		reply <- err
	}
}
