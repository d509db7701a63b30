package encode_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/vistalk/pkg/audio"
	"github.com/MrWong99/vistalk/pkg/audio/encode"
)

func tone(n int) []int16 {
	s := make([]int16, n)
	for i := range s {
		if (i/20)%2 == 0 {
			s[i] = 8000
		} else {
			s[i] = -8000
		}
	}
	return s
}

func TestWAV_EncodeDecode(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 16000, Channels: 1}
	frames := []audio.AudioFrame{
		{Data: audio.Bytes(tone(160)), SampleRate: 16000, Channels: 1},
		{Data: audio.Bytes(tone(160)), SampleRate: 16000, Channels: 1},
	}

	got, err := encode.NewWAV(f).Encode(frames)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got.MIMEType != "audio/wav" {
		t.Errorf("MIMEType = %q", got.MIMEType)
	}
	if got.Duration != 20*time.Millisecond {
		t.Errorf("Duration = %v, want 20ms", got.Duration)
	}

	df, pcm, err := encode.DecodeWAV(bytes.NewReader(got.Data))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if df != f {
		t.Errorf("format = %s, want %s", df, f)
	}
	if len(pcm) != 640 {
		t.Errorf("pcm bytes = %d, want 640", len(pcm))
	}
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := encode.WriteWAV(&buf, audio.Format{SampleRate: 8000, Channels: 2}, audio.Bytes([]int16{1, 2, 3, 4})); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	if len(raw) != 44+8 || string(raw[:4]) != "RIFF" || string(raw[36:40]) != "data" {
		t.Fatalf("unexpected wav layout: % x", raw[:min(len(raw), 44)])
	}
	// Splice a JUNK chunk between fmt and data.
	junk := []byte("JUNK\x04\x00\x00\x00abcd")
	spliced := append(append(append([]byte{}, raw[:36]...), junk...), raw[36:]...)
	binary.LittleEndian.PutUint32(spliced[4:], uint32(len(spliced)-8))

	// A plain reader without Seek must work too.
	f, pcm, err := encode.DecodeWAV(io.MultiReader(bytes.NewReader(spliced)))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if f.Channels != 2 || f.SampleRate != 8000 {
		t.Errorf("format = %s", f)
	}
	if got := audio.Int16s(pcm); len(got) != 4 || got[0] != 1 || got[3] != 4 {
		t.Errorf("samples = %v, want [1 2 3 4]", got)
	}
}

func TestDecodeWAV_RejectsGarbage(t *testing.T) {
	t.Parallel()
	_, _, err := encode.DecodeWAV(strings.NewReader("definitely not a wav file"))
	if !errors.Is(err, encode.ErrNotWAV) {
		t.Errorf("err = %v, want ErrNotWAV", err)
	}
}

func TestOggOpus_Encode(t *testing.T) {
	t.Parallel()
	frames := []audio.AudioFrame{
		{Data: audio.Bytes(tone(4800)), SampleRate: 48000, Channels: 1},
		{Data: audio.Bytes(tone(500)), SampleRate: 48000, Channels: 1},
	}
	got, err := encode.NewOggOpus().Encode(frames)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.HasPrefix(got.Data, []byte("OggS")) {
		t.Errorf("output does not start with an Ogg page")
	}
	if !bytes.Contains(got.Data, []byte("OpusHead")) {
		t.Errorf("output has no OpusHead header")
	}
	if got.Filename != "recording.ogg" {
		t.Errorf("Filename = %q", got.Filename)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"", false},
		{encode.FormatOggOpus, false},
		{encode.FormatWAV, false},
		{"mp3", true},
	}
	for _, tc := range tests {
		_, err := encode.New(tc.name)
		if (err != nil) != tc.wantErr {
			t.Errorf("New(%q) err = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}
