package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"layeh.com/gopus"

	"github.com/MrWong99/vistalk/pkg/audio"
)

const (
	opusSampleRate   = 48000
	opusFrameSize    = 960 // 20ms at 48kHz
	opusMaxFrameSize = 5760
	opusMaxPacket    = 4000
	frameDuration    = 20 * time.Millisecond
	audioBuffer      = 64

	labelSnapshot = "snapshot"
	labelControl  = "control"
)

var errPeerClosed = errors.New("webrtc: peer connection closed")

// pionPeer is the pion/webrtc backed [PeerTransport].
type pionPeer struct {
	pc  *webrtc.PeerConnection
	out *webrtc.TrackLocalStaticSample

	audioCh chan audio.AudioFrame
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	control *webrtc.DataChannel
	pending []byte
	latest  []byte

	// playMu serialises Play calls; enc is only touched under it.
	playMu sync.Mutex
	enc    *gopus.Encoder
}

var _ PeerTransport = (*pionPeer)(nil)

// newPionPeer negotiates a peer connection for offer and returns the peer
// together with the complete SDP answer (ICE candidates included).
func newPionPeer(ctx context.Context, cfg Config, offer string) (_ *pionPeer, answer string, err error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, "", fmt.Errorf("webrtc: register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.iceServers()})
	if err != nil {
		return nil, "", fmt.Errorf("webrtc: create peer connection: %w", err)
	}

	enc, err := gopus.NewEncoder(opusSampleRate, 1, gopus.Voip)
	if err != nil {
		_ = pc.Close()
		return nil, "", fmt.Errorf("webrtc: create opus encoder: %w", err)
	}

	p := &pionPeer{
		pc:      pc,
		audioCh: make(chan audio.AudioFrame, audioBuffer),
		done:    make(chan struct{}),
		enc:     enc,
	}
	defer func() {
		if err != nil {
			_ = p.Close()
		}
	}()

	p.out, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate, Channels: 2},
		"audio",
		"vistalk-speech",
	)
	if err != nil {
		return nil, "", fmt.Errorf("webrtc: create speech track: %w", err)
	}
	sender, err := pc.AddTrack(p.out)
	if err != nil {
		return nil, "", fmt.Errorf("webrtc: add speech track: %w", err)
	}
	go p.readRTCP(sender)

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		slog.Debug("webrtc: remote audio track", "codec", track.Codec().MimeType, "ssrc", uint32(track.SSRC()))
		go p.readAudio(track)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		switch dc.Label() {
		case labelSnapshot:
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				if msg.IsString || len(msg.Data) == 0 {
					return
				}
				frame := make([]byte, len(msg.Data))
				copy(frame, msg.Data)
				p.mu.Lock()
				p.latest = frame
				p.mu.Unlock()
			})
		case labelControl:
			dc.OnOpen(func() {
				p.mu.Lock()
				p.control = dc
				pending := p.pending
				p.pending = nil
				p.mu.Unlock()
				if pending != nil {
					if err := dc.SendText(string(pending)); err != nil {
						slog.Warn("webrtc: send queued control message", "err", err)
					}
				}
			})
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		slog.Info("webrtc: connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			_ = p.Close()
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return nil, "", fmt.Errorf("webrtc: set remote description: %w", err)
	}
	ans, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, "", fmt.Errorf("webrtc: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(ans); err != nil {
		return nil, "", fmt.Errorf("webrtc: set local description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	timer := time.NewTimer(cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		return nil, "", fmt.Errorf("webrtc: ICE gathering timed out after %s", cfg.GatherTimeout)
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}

	ld := pc.LocalDescription()
	if ld == nil {
		return nil, "", errors.New("webrtc: local description not available")
	}
	return p, ld.SDP, nil
}

// readAudio decodes Opus RTP from the browser microphone into mono PCM.
func (p *pionPeer) readAudio(track *webrtc.TrackRemote) {
	dec, err := gopus.NewDecoder(opusSampleRate, 1)
	if err != nil {
		slog.Error("webrtc: create opus decoder", "err", err)
		return
	}
	var ts time.Duration
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.Decode(pkt.Payload, opusMaxFrameSize, false)
		if err != nil {
			slog.Debug("webrtc: opus decode", "err", err, "seq", pkt.SequenceNumber)
			continue
		}
		frame := audio.AudioFrame{
			Data:       audio.Bytes(pcm),
			SampleRate: opusSampleRate,
			Channels:   1,
			Timestamp:  ts,
		}
		ts += frame.Duration()
		select {
		case p.audioCh <- frame:
		case <-p.done:
			return
		default:
			// consumer lagging; drop
		}
	}
}

// readRTCP drains receiver reports for the speech track so the sender does
// not stall, logging reported loss.
func (p *pionPeer) readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, r := range rr.Reports {
				if r.FractionLost > 0 {
					slog.Debug("webrtc: speech track loss", "fraction_lost", float64(r.FractionLost)/256, "total_lost", r.TotalLost)
				}
			}
		}
	}
}

func (p *pionPeer) Audio() <-chan audio.AudioFrame { return p.audioCh }

func (p *pionPeer) Done() <-chan struct{} { return p.done }

func (p *pionPeer) Snapshot() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.latest != nil
}

func (p *pionPeer) SendControl(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("webrtc: encode control message: %w", err)
	}
	p.mu.Lock()
	dc := p.control
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		p.pending = b
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := dc.SendText(string(b)); err != nil {
		return fmt.Errorf("webrtc: send control message: %w", err)
	}
	return nil
}

// Play encodes pcm as 20ms Opus frames and paces them onto the speech track.
func (p *pionPeer) Play(ctx context.Context, pcm []byte, f audio.Format) error {
	p.playMu.Lock()
	defer p.playMu.Unlock()

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: opusSampleRate, Channels: 1}}
	samples := audio.Int16s(conv.Convert(audio.AudioFrame{Data: pcm, SampleRate: f.SampleRate, Channels: f.Channels}).Data)

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	frame := make([]int16, opusFrameSize)
	for off := 0; off < len(samples); off += opusFrameSize {
		n := copy(frame, samples[off:])
		clear(frame[n:])
		payload, err := p.enc.Encode(frame, opusFrameSize, opusMaxPacket)
		if err != nil {
			return fmt.Errorf("webrtc: encode speech frame: %w", err)
		}
		if err := p.out.WriteSample(pionmedia.Sample{Data: payload, Duration: frameDuration}); err != nil {
			return fmt.Errorf("webrtc: write speech sample: %w", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return errPeerClosed
		}
	}
	return nil
}

func (p *pionPeer) Close() error {
	first := false
	p.once.Do(func() {
		close(p.done)
		first = true
	})
	if !first {
		return nil
	}
	return p.pc.Close()
}
