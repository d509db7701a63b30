package encode

import (
	"bytes"
	"fmt"
	"math/rand/v2"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"layeh.com/gopus"

	"github.com/MrWong99/vistalk/pkg/audio"
)

// Opus parameters used for captured speech.
const (
	opusSampleRate = 48000
	opusChannels   = 1
	opusFrameMs    = 20
	opusFrameSize  = opusSampleRate * opusFrameMs / 1000 // 960 samples
	opusMaxPacket  = 4000
	opusBitrate    = 32000
	opusPayloadTyp = 111
)

// OggOpus encodes speech as mono 48 kHz Opus in an Ogg container. Each 20 ms
// Opus packet is wrapped in an RTP packet and handed to pion's oggwriter, which
// derives granule positions from the RTP timestamps.
type OggOpus struct{}

var _ Encoder = (*OggOpus)(nil)

// NewOggOpus returns an Ogg/Opus encoder.
func NewOggOpus() *OggOpus {
	return &OggOpus{}
}

// Encode implements [Encoder]. A trailing partial frame is zero-padded.
func (o *OggOpus) Encode(frames []audio.AudioFrame) (Encoded, error) {
	target := audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}
	samples := audio.Int16s(audio.Concat(frames, target))

	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return Encoded{}, fmt.Errorf("encode: create opus encoder: %w", err)
	}
	enc.SetBitrate(opusBitrate)

	var buf bytes.Buffer
	ogg, err := oggwriter.NewWith(&buf, opusSampleRate, opusChannels)
	if err != nil {
		return Encoded{}, fmt.Errorf("encode: create ogg writer: %w", err)
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadTyp,
			SequenceNumber: uint16(rand.Uint32()),
			SSRC:           rand.Uint32(),
		},
	}
	frame := make([]int16, opusFrameSize)
	for off := 0; off < len(samples); off += opusFrameSize {
		n := copy(frame, samples[off:])
		clear(frame[n:])

		payload, err := enc.Encode(frame, opusFrameSize, opusMaxPacket)
		if err != nil {
			return Encoded{}, fmt.Errorf("encode: opus frame at sample %d: %w", off, err)
		}
		pkt.Payload = payload
		if err := ogg.WriteRTP(pkt); err != nil {
			return Encoded{}, fmt.Errorf("encode: write ogg page: %w", err)
		}
		pkt.SequenceNumber++
		pkt.Timestamp += opusFrameSize
	}
	if err := ogg.Close(); err != nil {
		return Encoded{}, fmt.Errorf("encode: close ogg writer: %w", err)
	}

	return Encoded{
		Data:     buf.Bytes(),
		MIMEType: "audio/ogg; codecs=opus",
		Filename: "recording.ogg",
		Duration: target.Duration(len(samples) * 2),
	}, nil
}
