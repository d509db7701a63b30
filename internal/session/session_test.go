package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/vistalk/internal/capture"
	"github.com/MrWong99/vistalk/internal/detect"
	"github.com/MrWong99/vistalk/internal/exchange"
	"github.com/MrWong99/vistalk/internal/observe"
	"github.com/MrWong99/vistalk/internal/playback"
	"github.com/MrWong99/vistalk/pkg/audio"
	"github.com/MrWong99/vistalk/pkg/audio/encode"
	"github.com/MrWong99/vistalk/pkg/media"
	mediamock "github.com/MrWong99/vistalk/pkg/media/mock"
	"github.com/MrWong99/vistalk/pkg/provider/vad"
	vadmock "github.com/MrWong99/vistalk/pkg/provider/vad/mock"
)

const (
	loud  = 40
	quiet = 0
)

// fakeSender records payloads and answers with fn, or with an empty 200.
type fakeSender struct {
	mu       sync.Mutex
	payloads []capture.Payload
	fn       func(ctx context.Context, p capture.Payload) (exchange.Response, error)
}

func (f *fakeSender) Send(ctx context.Context, p capture.Payload) (exchange.Response, error) {
	f.mu.Lock()
	f.payloads = append(f.payloads, p)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return exchange.Response{Status: 200}, nil
	}
	return fn(ctx, p)
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSender) first() capture.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads[0]
}

type fakeSpeaker struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeSpeaker) Speak(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return f.err
}

func (f *fakeSpeaker) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type harness struct {
	t       *testing.T
	s       *Session
	src     *mediamock.Source
	engine  *vadmock.Engine
	vad     *vadmock.Session
	sender  *fakeSender
	speaker *fakeSpeaker
}

func newHarness(t *testing.T, modify func(*Config)) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		t:       t,
		src:     &mediamock.Source{},
		vad:     &vadmock.Session{},
		sender:  &fakeSender{},
		speaker: &fakeSpeaker{},
	}
	h.engine = &vadmock.Engine{Session: h.vad}
	cfg := Config{
		Source:   h.src,
		VAD:      h.engine,
		Detector: detect.New(detect.WithInterval(time.Millisecond)),
		Recorder: capture.NewRecorder(capture.WithEncoder(encode.NewWAV(audio.Format{SampleRate: 16000, Channels: 1}))),
		Sender:   h.sender,
		Speaker:  h.speaker,
		Metrics:  metrics,
	}
	if modify != nil {
		modify(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.s = s

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return")
		}
	})
	return h
}

func (h *harness) acquire() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.s.Acquire(ctx); err != nil {
		h.t.Fatalf("Acquire: %v", err)
	}
}

func (h *harness) waitFor(desc string, cond func(Snapshot) bool) Snapshot {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := h.s.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s; last snapshot: %+v", desc, snap)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitPhase(p Phase) Snapshot {
	h.t.Helper()
	return h.waitFor("phase "+string(p), func(s Snapshot) bool { return s.Phase == p })
}

// speak drives one utterance: speech start, n audio frames, speech end.
func (h *harness) speak(frames int) {
	h.t.Helper()
	h.vad.SetLevel(loud)
	h.waitPhase(PhaseRecording)
	h.feed(frames)
	h.vad.SetLevel(quiet)
}

// feed delivers n frames and waits until the pump has handed all of them to
// the recorder.
func (h *harness) feed(n int) {
	h.t.Helper()
	if n == 0 {
		return
	}
	st := h.src.Last()
	base := h.vad.Writes()
	for i := 0; i <= n; i++ {
		if !st.Deliver(audio.AudioFrame{Data: make([]byte, 1920), SampleRate: 48000, Channels: 1}) {
			h.t.Fatal("Deliver failed")
		}
	}
	// The pump writes to the analyser before appending; one extra frame
	// guarantees the first n were appended.
	deadline := time.Now().Add(5 * time.Second)
	for h.vad.Writes() < base+n+1 {
		if time.Now().After(deadline) {
			h.t.Fatal("pump did not consume frames")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Facing: "sideways"})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"media source", "vad engine", "sender", "sideways"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestInitialSnapshot(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	snap := h.s.Snapshot()
	if snap.Phase != PhaseIdle || snap.Status != StatusInitializing || snap.Permission != PermissionUnknown {
		t.Errorf("initial snapshot = %+v", snap)
	}
	if snap.Threshold != detect.DefaultThreshold {
		t.Errorf("threshold = %v, want %v", snap.Threshold, detect.DefaultThreshold)
	}
}

func TestAcquire_Granted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.acquire()

	snap := h.s.Snapshot()
	if snap.Phase != PhaseListening {
		t.Errorf("phase = %s, want listening", snap.Phase)
	}
	if snap.Permission != PermissionGranted || snap.Status != StatusListening {
		t.Errorf("snapshot = %+v", snap)
	}
	if !h.s.Acquired() {
		t.Error("Acquired = false")
	}

	calls := h.src.Calls()
	if len(calls) != 1 {
		t.Fatalf("acquire calls = %d", len(calls))
	}
	want := media.Constraints{Audio: true, Video: true, Facing: media.FacingUser}
	if calls[0].Constraints != want {
		t.Errorf("constraints = %+v, want %+v", calls[0].Constraints, want)
	}
	if got := h.engine.Calls(); len(got) != 1 || got[0].Cfg != vad.DefaultConfig() {
		t.Errorf("vad sessions = %+v", got)
	}
}

func TestAcquire_Denied(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.src.AcquireErr = fmt.Errorf("%w: NotAllowedError", media.ErrPermissionDenied)

	err := h.s.Acquire(context.Background())
	var se *Error
	if !errors.As(err, &se) || se.Kind != KindPermissionDenied {
		t.Fatalf("err = %v, want permission-denied *Error", err)
	}
	if !errors.Is(err, media.ErrPermissionDenied) {
		t.Error("error does not wrap media.ErrPermissionDenied")
	}

	snap := h.s.Snapshot()
	if snap.Phase != PhaseError || snap.Status != StatusPermissionDenied || snap.Permission != PermissionDenied {
		t.Errorf("snapshot = %+v", snap)
	}
	if !strings.HasPrefix(snap.Error, "Permission error: ") {
		t.Errorf("error text = %q", snap.Error)
	}

	// An explicit acquire from the error phase retries.
	h.src.AcquireErr = nil
	h.acquire()
	if got := h.s.Snapshot().Phase; got != PhaseListening {
		t.Errorf("phase after retry = %s, want listening", got)
	}
}

func TestAcquire_AnalyserUnsupported(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.engine.NewSessionErr = fmt.Errorf("%w: no audio context", vad.ErrUnsupported)

	err := h.s.Acquire(context.Background())
	var se *Error
	if !errors.As(err, &se) || se.Kind != KindPermissionDenied {
		t.Fatalf("err = %v, want permission-denied", err)
	}
	if !errors.Is(err, vad.ErrUnsupported) {
		t.Error("error does not wrap vad.ErrUnsupported")
	}
	if got := h.s.Snapshot().Phase; got != PhaseError {
		t.Errorf("phase = %s, want error", got)
	}
	st := h.src.Last()
	if h.src.StopCount(st, media.KindAudio) != 1 || h.src.StopCount(st, media.KindVideo) != 1 {
		t.Error("stream was not released")
	}
}

func TestSpeechCycle_SpeaksReply(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.sender.fn = func(context.Context, capture.Payload) (exchange.Response, error) {
		return exchange.Response{Text: "你好", Status: 200}, nil
	}
	h.acquire()

	h.speak(5)
	snap := h.waitFor("response", func(s Snapshot) bool { return s.Responses == 1 })
	if snap.Phase != PhaseListening || snap.Status != StatusProcessed || snap.InFlight {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.LastReply != "你好" {
		t.Errorf("LastReply = %q", snap.LastReply)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(h.speaker.spoken()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := h.speaker.spoken(); len(got) != 1 || got[0] != "你好" {
		t.Errorf("spoken = %q, want [你好]", got)
	}

	p := h.sender.first()
	if p.Audio.MIMEType != "audio/wav" || len(p.Audio.Data) <= 44 {
		t.Errorf("payload audio = %s, %d bytes", p.Audio.MIMEType, len(p.Audio.Data))
	}
}

func TestSpeechCycle_NoTextNoPlayback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.acquire()
	h.speak(2)
	h.waitFor("response", func(s Snapshot) bool { return s.Responses == 1 })
	time.Sleep(10 * time.Millisecond)
	if got := h.speaker.spoken(); len(got) != 0 {
		t.Errorf("spoken = %q, want nothing", got)
	}
}

func TestEmptyCapture_NotSent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.acquire()

	h.speak(0)
	snap := h.waitPhase(PhaseListening)
	if snap.Captures != 0 || h.sender.count() != 0 {
		t.Errorf("captures = %d, sends = %d, want 0", snap.Captures, h.sender.count())
	}
}

func TestEdgeTriggered_OneRecordingPerUtterance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.acquire()

	h.vad.SetLevel(loud)
	h.waitPhase(PhaseRecording)
	h.feed(3)
	// Many more ticks above the threshold must not restart the recording.
	time.Sleep(30 * time.Millisecond)
	h.feed(3)
	h.vad.SetLevel(quiet)

	h.waitFor("response", func(s Snapshot) bool { return s.Responses == 1 })
	if got := h.sender.count(); got != 1 {
		t.Fatalf("sends = %d, want 1", got)
	}
	// Two feeds of 3+1 frames of 20 ms at 48 kHz mono, resampled to 16 kHz WAV.
	if got, want := len(h.sender.first().Audio.Data), 44+8*640; got != want {
		t.Errorf("audio bytes = %d, want %d", got, want)
	}
}

func TestThresholdIsStrict(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.acquire()

	h.vad.SetLevel(detect.DefaultThreshold)
	time.Sleep(30 * time.Millisecond)
	if got := h.s.Snapshot().Phase; got != PhaseListening {
		t.Errorf("phase = %s at level == threshold, want listening", got)
	}

	h.s.SetThreshold(10)
	h.waitPhase(PhaseRecording)
	if got := h.s.Snapshot().Threshold; got != 10 {
		t.Errorf("snapshot threshold = %v", got)
	}
}

func TestNoRecordingWhileInFlight(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	h := newHarness(t, nil)
	h.sender.fn = func(ctx context.Context, _ capture.Payload) (exchange.Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return exchange.Response{Status: 200}, nil
	}
	h.acquire()

	h.speak(2)
	h.waitFor("in flight", func(s Snapshot) bool { return s.InFlight })

	for range 5 {
		h.vad.SetLevel(loud)
		time.Sleep(5 * time.Millisecond)
		h.feed(1)
		h.vad.SetLevel(quiet)
		time.Sleep(5 * time.Millisecond)
	}
	snap := h.s.Snapshot()
	if snap.Phase != PhaseProcessing || snap.Captures != 1 {
		t.Errorf("snapshot = %+v, want processing with one capture", snap)
	}

	close(release)
	h.waitFor("response", func(s Snapshot) bool { return s.Responses == 1 })
	if got := h.sender.count(); got != 1 {
		t.Errorf("sends = %d, want 1", got)
	}
}

func TestTimeout_LateResponseIgnored(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	h := newHarness(t, func(c *Config) { c.ResponseTimeout = 30 * time.Millisecond })
	h.sender.fn = func(ctx context.Context, _ capture.Payload) (exchange.Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return exchange.Response{Text: "你好", Status: 200}, nil
	}
	h.acquire()

	h.speak(2)
	snap := h.waitFor("timeout", func(s Snapshot) bool { return s.Timeouts == 1 })
	if snap.Status != StatusTimedOut || snap.InFlight || snap.Phase != PhaseListening {
		t.Errorf("snapshot after timeout = %+v", snap)
	}
	if snap.ErrorKind != KindTimeout {
		t.Errorf("error kind = %q, want timeout", snap.ErrorKind)
	}

	close(release)
	late := h.waitFor("late response", func(s Snapshot) bool { return s.Late == 1 })
	if late.Status != StatusTimedOut || late.Responses != 0 || late.LastReply != "" {
		t.Errorf("late response changed state: %+v", late)
	}
	time.Sleep(10 * time.Millisecond)
	if got := h.speaker.spoken(); len(got) != 0 {
		t.Errorf("late response was spoken: %q", got)
	}

	// The session is ready for the next utterance.
	h.sender.mu.Lock()
	h.sender.fn = nil
	h.sender.mu.Unlock()
	h.speak(1)
	h.waitFor("second response", func(s Snapshot) bool { return s.Responses == 1 })
}

func TestUploadError_SurfacesStatusCode(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.sender.fn = func(context.Context, capture.Payload) (exchange.Response, error) {
		return exchange.Response{Status: 500}, &exchange.StatusError{Code: 500}
	}
	h.acquire()

	h.speak(2)
	snap := h.waitFor("upload error", func(s Snapshot) bool { return s.ErrorKind == KindUploadError })
	if snap.Error != "Upload error: Server responded with 500" {
		t.Errorf("error = %q", snap.Error)
	}
	if snap.Status != StatusUploadFailed || snap.Phase != PhaseListening || snap.InFlight {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSourceLost(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.acquire()
	st := h.src.Last()

	h.vad.SetLevel(loud)
	h.waitPhase(PhaseRecording)
	st.End(errors.New("peer connection closed"))

	snap := h.waitPhase(PhaseError)
	if snap.ErrorKind != KindStreamError || !strings.HasPrefix(snap.Error, "Stream error: ") {
		t.Errorf("error = %q (%s)", snap.Error, snap.ErrorKind)
	}
	if snap.Status != StatusSourceLost || snap.StreamID != "" {
		t.Errorf("snapshot = %+v", snap)
	}
	if h.src.StopCount(st, media.KindAudio) != 1 || h.src.StopCount(st, media.KindVideo) != 1 {
		t.Error("tracks not stopped exactly once")
	}
	if h.sender.count() != 0 {
		t.Error("aborted recording was sent")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.acquire()
	st := h.src.Last()

	ctx := context.Background()
	for range 3 {
		if err := h.s.Release(ctx); err != nil {
			t.Fatalf("Release: %v", err)
		}
	}
	if a, v := h.src.StopCount(st, media.KindAudio), h.src.StopCount(st, media.KindVideo); a != 1 || v != 1 {
		t.Errorf("stop counts = %d/%d, want 1/1", a, v)
	}
	snap := h.s.Snapshot()
	if snap.Phase != PhaseIdle || snap.Status != StatusReleased || snap.StreamID != "" {
		t.Errorf("snapshot = %+v", snap)
	}
	if h.vad.Closes() != 1 {
		t.Errorf("analyser closes = %d, want 1", h.vad.Closes())
	}
}

func TestRelease_AfterStop(t *testing.T) {
	t.Parallel()
	src := &mediamock.Source{}
	s, err := New(Config{Source: src, VAD: &vadmock.Engine{}, Sender: &fakeSender{}})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	cancel()
	<-done

	st := src.Last()
	if src.StopCount(st, media.KindAudio) != 1 {
		t.Error("Run did not release the stream on exit")
	}
	if err := s.Release(context.Background()); err != nil {
		t.Errorf("Release after stop = %v, want nil", err)
	}
	if src.StopCount(st, media.KindAudio) != 1 {
		t.Error("Release after stop stopped tracks again")
	}
}

func TestSwitchFacing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.acquire()
	first := h.src.Last()

	if err := h.s.SwitchFacing(context.Background(), ""); err != nil {
		t.Fatalf("SwitchFacing: %v", err)
	}
	if h.src.StopCount(first, media.KindVideo) != 1 {
		t.Error("old stream not released before re-acquire")
	}
	calls := h.src.Calls()
	if len(calls) != 2 || calls[1].Constraints.Facing != media.FacingEnvironment {
		t.Fatalf("acquire calls = %+v", calls)
	}
	snap := h.s.Snapshot()
	if snap.Facing != media.FacingEnvironment || snap.Phase != PhaseListening {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.StreamID != h.src.Last().ID() {
		t.Error("session does not own the new stream")
	}

	if err := h.s.SwitchFacing(context.Background(), "sideways"); err == nil {
		t.Error("expected error for unknown facing")
	}
}

func TestReacquireWhileInFlight(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	h := newHarness(t, nil)
	h.sender.fn = func(ctx context.Context, _ capture.Payload) (exchange.Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return exchange.Response{Status: 200}, nil
	}
	h.acquire()
	h.speak(1)
	h.waitFor("in flight", func(s Snapshot) bool { return s.InFlight })

	if err := h.s.SwitchFacing(context.Background(), media.FacingEnvironment); err != nil {
		t.Fatal(err)
	}
	if got := h.s.Snapshot().Phase; got != PhaseProcessing {
		t.Errorf("phase = %s, want processing while a capture is in flight", got)
	}
	close(release)
	h.waitPhase(PhaseListening)
}

func TestAcquire_Superseded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.src.Block = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- h.s.Acquire(context.Background()) }()
	h.waitFor("requesting", func(s Snapshot) bool { return s.Status == StatusRequesting })
	if err := h.s.Release(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; !errors.Is(err, ErrSuperseded) {
		t.Errorf("err = %v, want ErrSuperseded", err)
	}
	close(h.src.Block)
	time.Sleep(10 * time.Millisecond)
	if got := h.s.Snapshot(); got.StreamID != "" || got.Phase != PhaseIdle {
		t.Errorf("abandoned acquisition attached a stream: %+v", got)
	}
}

func TestPlaybackFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.speaker.err = fmt.Errorf("%w: language \"zh-CN\"", playback.ErrNoVoice)
	h.sender.fn = func(context.Context, capture.Payload) (exchange.Response, error) {
		return exchange.Response{Text: "你好", Status: 200}, nil
	}
	h.acquire()
	h.speak(1)

	snap := h.waitFor("playback error", func(s Snapshot) bool { return s.ErrorKind == KindPlaybackUnsupported })
	if snap.Phase != PhaseListening {
		t.Errorf("phase = %s, want listening", snap.Phase)
	}
	if !errors.Is(snap.Err, playback.ErrNoVoice) {
		t.Errorf("Err = %v, want ErrNoVoice", snap.Err)
	}
}

func TestNoSpeaker(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.Speaker = nil })
	h.sender.fn = func(context.Context, capture.Payload) (exchange.Response, error) {
		return exchange.Response{Text: "你好", Status: 200}, nil
	}
	h.acquire()
	h.speak(1)
	snap := h.waitFor("playback error", func(s Snapshot) bool { return s.ErrorKind == KindPlaybackUnsupported })
	if !errors.Is(snap.Err, playback.ErrUnsupported) {
		t.Errorf("Err = %v", snap.Err)
	}
}

func TestSubscribe(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ch, cancel := h.s.Subscribe()

	first := <-ch
	if first.Phase != PhaseIdle {
		t.Errorf("first snapshot phase = %s", first.Phase)
	}
	h.acquire()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap := <-ch:
			if snap.Phase == PhaseListening {
				cancel()
				cancel()
				if _, ok := <-ch; ok {
					// A snapshot may still be buffered; the channel closes after it.
					if _, ok := <-ch; ok {
						t.Error("channel not closed after cancel")
					}
				}
				return
			}
		case <-deadline:
			t.Fatal("no listening snapshot")
		}
	}
}

type blockingEncoder struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingEncoder) Encode(frames []audio.AudioFrame) (encode.Encoded, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return encode.NewWAV(audio.Format{SampleRate: 16000, Channels: 1}).Encode(frames)
}

func TestCaptureAfterSourceLost_NotSent(t *testing.T) {
	t.Parallel()
	enc := &blockingEncoder{entered: make(chan struct{}), release: make(chan struct{})}
	rec := capture.NewRecorder(capture.WithEncoder(enc))
	h := newHarness(t, func(c *Config) { c.Recorder = rec })
	h.acquire()
	st := h.src.Last()

	h.speak(3)
	select {
	case <-enc.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("encoder never started")
	}
	// The recording ends at the speech edge, not when encoding finishes.
	if rec.Active() {
		t.Error("recorder still active while its audio is being encoded")
	}

	st.End(errors.New("peer connection closed"))
	h.waitPhase(PhaseError)
	close(enc.release)

	// Let the finished capture reach the run loop, then queue an acquire
	// behind it.
	time.Sleep(50 * time.Millisecond)
	h.acquire()

	snap := h.s.Snapshot()
	if h.sender.count() != 0 || snap.Captures != 0 {
		t.Errorf("sends = %d, captures = %d, want 0", h.sender.count(), snap.Captures)
	}
	if snap.Status == StatusProcessed || snap.Phase != PhaseListening {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestNewRecordingWhilePreviousEncodes(t *testing.T) {
	t.Parallel()
	enc := &blockingEncoder{entered: make(chan struct{}), release: make(chan struct{})}
	rec := capture.NewRecorder(capture.WithEncoder(enc))
	h := newHarness(t, func(c *Config) { c.Recorder = rec })
	h.acquire()

	h.speak(2)
	<-enc.entered
	h.waitPhase(PhaseProcessing)

	// A stale speech-end cannot reach a recording started later: the first
	// take was already detached from the recorder.
	if !rec.Start() {
		t.Fatal("Start while previous take encodes returned false")
	}
	close(enc.release)

	snap := h.waitFor("capture sent", func(s Snapshot) bool { return s.Captures == 1 })
	if !rec.Active() {
		t.Errorf("encoding the old take ended the new recording; snapshot = %+v", snap)
	}
	rec.Abort()
}
