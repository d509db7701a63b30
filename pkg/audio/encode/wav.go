package encode

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/vistalk/pkg/audio"
)

// ErrNotWAV is returned by [DecodeWAV] for input that is not 16-bit PCM WAV.
var ErrNotWAV = errors.New("encode: not a 16-bit PCM WAV file")

// WAV writes 16-bit PCM WAV files in a fixed target format.
type WAV struct {
	target audio.Format
}

var _ Encoder = (*WAV)(nil)

// NewWAV returns a WAV encoder that converts all frames to target first.
func NewWAV(target audio.Format) *WAV {
	return &WAV{target: target}
}

// Encode implements [Encoder].
func (w *WAV) Encode(frames []audio.AudioFrame) (Encoded, error) {
	pcm := audio.Concat(frames, w.target)
	var buf bytes.Buffer
	if err := WriteWAV(&buf, w.target, pcm); err != nil {
		return Encoded{}, err
	}
	return Encoded{
		Data:     buf.Bytes(),
		MIMEType: "audio/wav",
		Filename: "recording.wav",
		Duration: w.target.Duration(len(pcm)),
	}, nil
}

// WriteWAV writes pcm with a RIFF/WAVE header describing f. The file is
// assembled in memory because the encoder patches chunk sizes on close.
func WriteWAV(out io.Writer, f audio.Format, pcm []byte) error {
	if !f.Valid() {
		return fmt.Errorf("encode: invalid wav format %s", f)
	}
	samples := audio.Int16s(pcm)
	data := make([]int, len(samples))
	for i, v := range samples {
		data[i] = int(v)
	}

	var ws seekBuffer
	enc := wav.NewEncoder(&ws, f.SampleRate, 16, f.Channels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode: write wav data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode: finish wav: %w", err)
	}
	if _, err := out.Write(ws.buf); err != nil {
		return fmt.Errorf("encode: write wav: %w", err)
	}
	return nil
}

// DecodeWAV reads a 16-bit PCM WAV stream and returns its format and sample
// data. Chunks other than "fmt " and "data" are skipped.
func DecodeWAV(r io.Reader) (audio.Format, []byte, error) {
	rs, ok := r.(io.ReadSeeker)
	if !ok {
		raw, err := io.ReadAll(r)
		if err != nil {
			return audio.Format{}, nil, fmt.Errorf("encode: read wav: %w", err)
		}
		rs = bytes.NewReader(raw)
	}

	d := wav.NewDecoder(rs)
	if !d.IsValidFile() {
		return audio.Format{}, nil, ErrNotWAV
	}
	if d.WavAudioFormat != wavFormatPCM || d.BitDepth != 16 {
		return audio.Format{}, nil, fmt.Errorf("%w: format %d, %d bits", ErrNotWAV, d.WavAudioFormat, d.BitDepth)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return audio.Format{}, nil, fmt.Errorf("%w: %w", ErrNotWAV, err)
	}

	f := audio.Format{SampleRate: int(d.SampleRate), Channels: int(d.NumChans)}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return f, audio.Bytes(samples), nil
}

// wavFormatPCM is the WAVE_FORMAT_PCM format tag.
const wavFormatPCM = 1

// seekBuffer is an in-memory [io.WriteSeeker] for the WAV encoder.
type seekBuffer struct {
	buf []byte
	pos int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	if end := b.pos + len(p); end > len(b.buf) {
		b.buf = append(b.buf, make([]byte, end-len(b.buf))...)
	}
	n := copy(b.buf[b.pos:], p)
	b.pos += n
	return n, nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(b.pos)
	case io.SeekEnd:
		base = int64(len(b.buf))
	default:
		return 0, errors.New("encode: invalid whence")
	}
	pos := base + offset
	if pos < 0 {
		return 0, errors.New("encode: negative seek position")
	}
	b.pos = int(pos)
	return pos, nil
}
