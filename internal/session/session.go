// Package session runs the capture session: it owns the media stream, drives
// the speech detector, records utterances, sends them to the inference
// endpoint and speaks the replies.
//
// Every state change is serialized through one event channel consumed by
// [Session.Run]. Blocking work (acquisition, snapshot and encoding, the HTTP
// exchange, speech output) runs in its own goroutine and posts its result
// back as an event, so the detector loop never waits on any of it. At most
// one capture is in flight; the response wait is abandoned locally after the
// configured timeout while the request itself keeps running, and a reply that
// arrives afterwards is dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/vistalk/internal/capture"
	"github.com/MrWong99/vistalk/internal/detect"
	"github.com/MrWong99/vistalk/internal/exchange"
	"github.com/MrWong99/vistalk/internal/observe"
	"github.com/MrWong99/vistalk/pkg/media"
	"github.com/MrWong99/vistalk/pkg/provider/vad"
)

// DefaultResponseTimeout is how long the session waits for a reply.
const DefaultResponseTimeout = 10 * time.Second

// eventBuffer is the capacity of the event channel.
const eventBuffer = 64

// Sender uploads a capture. Implemented by [exchange.Client].
type Sender interface {
	Send(ctx context.Context, p capture.Payload) (exchange.Response, error)
}

// Speaker speaks reply text. Implemented by [playback.Trigger].
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Config holds the collaborators of a [Session].
type Config struct {
	// Source acquires the media stream. Required.
	Source media.Source

	// VAD creates the activity analyser for each acquired stream. Required.
	VAD vad.Engine

	// VADConfig configures the analyser. Zero value means vad.DefaultConfig.
	VADConfig vad.Config

	// Detector turns activity levels into edges. Defaults to detect.New().
	Detector *detect.Detector

	// Recorder buffers utterances. Defaults to capture.NewRecorder().
	Recorder *capture.Recorder

	// Sender uploads finished captures. Required.
	Sender Sender

	// Speaker plays replies. Nil means speech output is unsupported.
	Speaker Speaker

	// Facing is the initial camera direction. Defaults to media.FacingUser.
	Facing media.Facing

	// NoVideo acquires audio only; captures then carry an empty image.
	NoVideo bool

	// ResponseTimeout bounds the local wait for a reply. Defaults to
	// DefaultResponseTimeout.
	ResponseTimeout time.Duration

	// Metrics records session metrics. Defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Snapshot is an immutable view of the session state.
type Snapshot struct {
	Phase      Phase        `json:"phase"`
	Permission Permission   `json:"permission"`
	Status     string       `json:"status"`
	Error      string       `json:"error,omitempty"`
	ErrorKind  ErrorKind    `json:"error_kind,omitempty"`
	InFlight   bool         `json:"in_flight"`
	Speaking   bool         `json:"speaking"`
	Facing     media.Facing `json:"facing"`
	StreamID   string       `json:"stream_id,omitempty"`
	LastReply  string       `json:"last_reply,omitempty"`
	Threshold  float64      `json:"threshold"`
	Captures   int          `json:"captures"`
	Responses  int          `json:"responses"`
	Timeouts   int          `json:"timeouts"`
	Late       int          `json:"late_responses"`
	Errors     int          `json:"errors"`
	UpdatedAt  time.Time    `json:"updated_at"`

	// Err is the last error, or nil.
	Err *Error `json:"-"`
}

// Session is one capture session. Create it with [New] and start it with
// [Session.Run]; the exported methods are safe for concurrent use.
type Session struct {
	source    media.Source
	vadEngine vad.Engine
	vadCfg    vad.Config
	detector  *detect.Detector
	recorder  *capture.Recorder
	sender    Sender
	speaker   Speaker
	video     bool
	timeout   time.Duration
	metrics   *observe.Metrics

	events  chan event
	stopped chan struct{}
	runOnce sync.Once
	wg      sync.WaitGroup

	// Owned by the run loop.
	ctx          context.Context
	phase        Phase
	permission   Permission
	status       string
	lastErr      *Error
	lastReply    string
	facing       media.Facing
	stream       media.Stream
	analyser     vad.SessionHandle
	streamCancel context.CancelFunc
	streamDone   chan struct{}
	acqGen       uint64
	acqCancel    context.CancelFunc
	acqReply     chan error
	inFlight     bool
	exchangeGen  uint64
	timer        *time.Timer
	captures     int
	responses    int
	timeouts     int
	late         int
	errCount     int

	mu     sync.RWMutex
	snap   Snapshot
	subs   map[int]chan Snapshot
	nextID int
}

// New validates cfg and creates an idle session.
func New(cfg Config) (*Session, error) {
	var errs []error
	if cfg.Source == nil {
		errs = append(errs, errors.New("media source is required"))
	}
	if cfg.VAD == nil {
		errs = append(errs, errors.New("vad engine is required"))
	}
	if cfg.Sender == nil {
		errs = append(errs, errors.New("sender is required"))
	}
	if cfg.Facing != "" && !cfg.Facing.IsValid() {
		errs = append(errs, fmt.Errorf("unknown camera facing %q", cfg.Facing))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("session: invalid config: %w", errors.Join(errs...))
	}

	s := &Session{
		source:     cfg.Source,
		vadEngine:  cfg.VAD,
		vadCfg:     cfg.VADConfig,
		detector:   cfg.Detector,
		recorder:   cfg.Recorder,
		sender:     cfg.Sender,
		speaker:    cfg.Speaker,
		video:      !cfg.NoVideo,
		timeout:    cfg.ResponseTimeout,
		metrics:    cfg.Metrics,
		facing:     cfg.Facing,
		events:     make(chan event, eventBuffer),
		stopped:    make(chan struct{}),
		ctx:        context.Background(),
		phase:      PhaseIdle,
		permission: PermissionUnknown,
		status:     StatusInitializing,
		subs:       make(map[int]chan Snapshot),
	}
	if s.vadCfg == (vad.Config{}) {
		s.vadCfg = vad.DefaultConfig()
	}
	if s.detector == nil {
		s.detector = detect.New()
	}
	if s.recorder == nil {
		s.recorder = capture.NewRecorder()
	}
	if s.timeout <= 0 {
		s.timeout = DefaultResponseTimeout
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.facing == "" {
		s.facing = media.FacingUser
	}
	s.snap = s.build()
	return s, nil
}

// Run processes events until ctx is cancelled, then releases the stream and
// waits for outstanding work. It must be called once.
func (s *Session) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("session: Run called twice")
	}
	s.ctx = ctx

	defer func() {
		s.cancelAcquire()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.releaseStream()
		close(s.stopped)
		s.wg.Wait()
		s.closeSubscribers()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
}

// post queues ev for the run loop. It reports false once the session has
// stopped.
func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stopped:
		return false
	}
}

// postCtx is post for stream goroutines, which the run loop waits for on
// release.
func (s *Session) postCtx(ctx context.Context, ev event) {
	select {
	case s.events <- ev:
	case <-s.stopped:
	case <-ctx.Done():
	}
}

// spawn runs fn on a tracked goroutine with the run context.
func (s *Session) spawn(fn func(ctx context.Context)) {
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

// call posts an event carrying a reply channel and waits for the answer.
func (s *Session) call(ctx context.Context, ev event) error {
	ev.reply = make(chan error, 1)
	select {
	case s.events <- ev:
	case <-s.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.reply:
		return err
	case <-s.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire requests the media stream, releasing any current one first, and
// waits for the result. A refusal returns an [*Error] of kind
// [KindPermissionDenied]; the session then sits in [PhaseError] until the
// next Acquire.
func (s *Session) Acquire(ctx context.Context) error {
	return s.call(ctx, event{kind: evAcquire})
}

// SwitchFacing releases the stream and re-acquires it with the camera facing
// f. An empty f selects the opposite of the current facing.
func (s *Session) SwitchFacing(ctx context.Context, f media.Facing) error {
	if f != "" && !f.IsValid() {
		return fmt.Errorf("session: unknown camera facing %q", f)
	}
	return s.call(ctx, event{kind: evSwitchFacing, facing: f})
}

// Release stops every track of the current stream. It is idempotent and
// returns nil after the session has stopped, since Run releases on exit.
func (s *Session) Release(ctx context.Context) error {
	err := s.call(ctx, event{kind: evRelease})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// SetThreshold changes the speech threshold of the running detector.
func (s *Session) SetThreshold(v float64) {
	s.detector.SetThreshold(v)
	s.mu.Lock()
	s.snap.Threshold = v
	s.mu.Unlock()
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Acquired reports whether a live stream is attached.
func (s *Session) Acquired() bool {
	snap := s.Snapshot()
	return snap.StreamID != "" && snap.Permission == PermissionGranted
}

// Subscribe returns a channel receiving the latest snapshot after every
// change, starting with the current one. Slow readers only see the newest
// snapshot. The channel is closed by cancel or when the session stops.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.subs == nil {
		close(ch)
		s.mu.Unlock()
		return ch, func() {}
	}
	s.subs[id] = ch
	ch <- s.snap
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *Session) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subs = nil
}

// build assembles a snapshot from run-loop state.
func (s *Session) build() Snapshot {
	snap := Snapshot{
		Phase:      s.phase,
		Permission: s.permission,
		Status:     s.status,
		InFlight:   s.inFlight,
		Speaking:   s.detector.Speaking(),
		Facing:     s.facing,
		LastReply:  s.lastReply,
		Threshold:  s.detector.Threshold(),
		Captures:   s.captures,
		Responses:  s.responses,
		Timeouts:   s.timeouts,
		Late:       s.late,
		Errors:     s.errCount,
		UpdatedAt:  time.Now(),
		Err:        s.lastErr,
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
		snap.ErrorKind = s.lastErr.Kind
	}
	if s.stream != nil {
		snap.StreamID = s.stream.ID()
	}
	return snap
}

// publish stores a fresh snapshot and hands it to every subscriber.
func (s *Session) publish() {
	snap := s.build()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
