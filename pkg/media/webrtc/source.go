// Package webrtc provides a [media.Source] backed by a browser peer
// connected over pion/webrtc.
//
// The browser page posts an SDP offer to the signaling handler. Its
// microphone arrives as an Opus track and is decoded to 48 kHz mono PCM. The
// camera is not streamed as video: the page pushes JPEG stills on a
// "snapshot" data channel and vistalk keeps the latest one. A "control" data
// channel carries constraint changes (camera facing) and release requests
// back to the page, and an outbound Opus track plays synthesized speech.
//
// Only one peer is active at a time; a new offer replaces the previous peer,
// which ends any stream acquired from it with [media.ErrSourceLost].
package webrtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/vistalk/pkg/audio"
	"github.com/MrWong99/vistalk/pkg/media"
)

// ErrNoPeer is returned by [Source.Play] when no browser is connected.
var ErrNoPeer = errors.New("webrtc: no browser peer connected")

// Config holds the peer connection settings.
type Config struct {
	// ICEServers are STUN/TURN URLs. Defaults to Google's public STUN server.
	ICEServers []string

	// AcquireTimeout bounds how long Acquire waits for a browser to connect.
	AcquireTimeout time.Duration

	// GatherTimeout bounds ICE candidate gathering while answering an offer.
	GatherTimeout time.Duration
}

func (c Config) iceServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: c.ICEServers}}
}

// Option configures a [Source].
type Option func(*Source)

// WithSTUNServers sets the ICE server URLs used during negotiation.
func WithSTUNServers(servers ...string) Option {
	return func(s *Source) {
		if len(servers) > 0 {
			s.cfg.ICEServers = servers
		}
	}
}

// WithAcquireTimeout sets how long Acquire waits for a peer. Defaults to 60s.
func WithAcquireTimeout(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.cfg.AcquireTimeout = d
		}
	}
}

// WithGatherTimeout sets the ICE gathering deadline. Defaults to 5s.
func WithGatherTimeout(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.cfg.GatherTimeout = d
		}
	}
}

// withPeerFactory replaces pion negotiation; used by tests.
func withPeerFactory(fn peerFactory) Option {
	return func(s *Source) { s.newPeer = fn }
}

type peerFactory func(ctx context.Context, cfg Config, offer string) (PeerTransport, string, error)

// Source implements [media.Source] for a single browser peer.
//
// Source is safe for concurrent use.
type Source struct {
	cfg     Config
	newPeer peerFactory

	mu      sync.Mutex
	current PeerTransport
	arrived chan struct{} // closed and replaced whenever a peer is installed
}

var _ media.Source = (*Source)(nil)

// New creates a WebRTC source with the given options applied.
func New(opts ...Option) *Source {
	s := &Source{
		cfg: Config{
			ICEServers:     []string{"stun:stun.l.google.com:19302"},
			AcquireTimeout: 60 * time.Second,
			GatherTimeout:  5 * time.Second,
		},
		newPeer: func(ctx context.Context, cfg Config, offer string) (PeerTransport, string, error) {
			return newPionPeer(ctx, cfg, offer)
		},
		arrived: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Answer negotiates a new peer for offer, installs it as the active peer and
// returns the SDP answer.
func (s *Source) Answer(ctx context.Context, offer string) (string, error) {
	peer, answer, err := s.newPeer(ctx, s.cfg, offer)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	prev := s.current
	s.current = peer
	close(s.arrived)
	s.arrived = make(chan struct{})
	s.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	slog.Info("webrtc: browser peer connected")
	return answer, nil
}

// Connected reports whether a live peer is installed.
func (s *Source) Connected() bool {
	return s.livePeer() != nil
}

func (s *Source) livePeer() PeerTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	select {
	case <-s.current.Done():
		return nil
	default:
		return s.current
	}
}

// Acquire implements [media.Source]. It waits for a browser to connect if
// none is, then asks the page to apply c. Returns [media.ErrPermissionDenied]
// if no browser connects within the acquire timeout.
func (s *Source) Acquire(ctx context.Context, c media.Constraints) (media.Stream, error) {
	timer := time.NewTimer(s.cfg.AcquireTimeout)
	defer timer.Stop()

	var peer PeerTransport
	for peer == nil {
		s.mu.Lock()
		arrived := s.arrived
		s.mu.Unlock()
		if peer = s.livePeer(); peer != nil {
			break
		}
		select {
		case <-arrived:
		case <-timer.C:
			return nil, fmt.Errorf("%w: no browser connected within %s", media.ErrPermissionDenied, s.cfg.AcquireTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := peer.SendControl(controlMessage{
		Type:   controlConstraints,
		Audio:  c.Audio,
		Video:  c.Video,
		Facing: string(c.Facing),
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", media.ErrPermissionDenied, err)
	}

	stream := media.NewBaseStream(c, media.WithSnapshot(func(context.Context) (image.Image, error) {
		raw, ok := peer.Snapshot()
		if !ok {
			return nil, errors.New("webrtc: no camera frame received yet")
		}
		img, err := jpeg.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("webrtc: decode camera frame: %w", err)
		}
		return img, nil
	}))
	go forward(peer, stream)
	return stream, nil
}

// forward copies peer audio onto stream until either side ends.
func forward(peer PeerTransport, stream *media.BaseStream) {
	for {
		select {
		case f := <-peer.Audio():
			stream.Deliver(f)
		case <-peer.Done():
			stream.End(errPeerClosed)
			return
		case <-stream.Done():
			if stream.Err() == nil {
				if err := peer.SendControl(controlMessage{Type: controlRelease}); err != nil {
					slog.Debug("webrtc: send release", "err", err)
				}
			}
			return
		}
	}
}

// Play streams synthesized speech to the connected browser.
func (s *Source) Play(ctx context.Context, pcm []byte, f audio.Format) error {
	peer := s.livePeer()
	if peer == nil {
		return ErrNoPeer
	}
	return peer.Play(ctx, pcm, f)
}

// Close closes the active peer, if any.
func (s *Source) Close() error {
	s.mu.Lock()
	peer := s.current
	s.current = nil
	s.mu.Unlock()
	if peer != nil {
		return peer.Close()
	}
	return nil
}
