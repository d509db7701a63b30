package webrtc

import (
	"context"

	"github.com/MrWong99/vistalk/pkg/audio"
)

// PeerTransport abstracts one negotiated browser peer. It decouples the
// source and signaling logic from pion so both can be tested without a real
// ICE/DTLS handshake. [newPionPeer] provides the production implementation.
type PeerTransport interface {
	// Audio delivers decoded microphone PCM from the browser.
	Audio() <-chan audio.AudioFrame

	// Snapshot returns the most recent JPEG frame the browser pushed on the
	// snapshot data channel.
	Snapshot() ([]byte, bool)

	// SendControl sends v as JSON on the control data channel. If the
	// channel is not open yet the latest message is queued and sent on open.
	SendControl(v any) error

	// Play streams pcm to the browser on the outbound speech track and
	// returns once it has been paced out or ctx is cancelled.
	Play(ctx context.Context, pcm []byte, f audio.Format) error

	// Done is closed when the peer connection fails or is closed.
	Done() <-chan struct{}

	// Close tears down the peer connection. Safe to call more than once.
	Close() error
}

// controlMessage is sent from vistalk to the browser page on the "control"
// data channel.
type controlMessage struct {
	Type   string `json:"type"`
	Audio  bool   `json:"audio,omitempty"`
	Video  bool   `json:"video,omitempty"`
	Facing string `json:"facing,omitempty"`
}

const (
	controlConstraints = "constraints"
	controlRelease     = "release"
)
