package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/vistalk/pkg/audio"
)

func TestMonoToStereo(t *testing.T) {
	got := audio.Int16s(audio.MonoToStereo(audio.Bytes([]int16{100, 200, 300})))
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	got := audio.Int16s(audio.StereoToMono(audio.Bytes([]int16{100, 200, -100, -200})))
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_NoOverflow(t *testing.T) {
	got := audio.Int16s(audio.StereoToMono(audio.Bytes([]int16{32767, 32767, -32768, -32768})))
	if got[0] != 32767 || got[1] != -32768 {
		t.Errorf("got %v, want [32767 -32768]", got)
	}
}

func TestResampleMono16(t *testing.T) {
	tests := []struct {
		name     string
		in       []int16
		src, dst int
		wantLen  int
	}{
		{"same rate", []int16{1, 2, 3}, 16000, 16000, 3},
		{"upsample x3", []int16{0, 300}, 16000, 48000, 6},
		{"downsample x3", []int16{0, 1, 2, 3, 4, 5}, 48000, 16000, 2},
		{"zero source rate", []int16{1, 2}, 0, 16000, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := audio.Int16s(audio.ResampleMono16(audio.Bytes(tc.in), tc.src, tc.dst))
			if len(got) != tc.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tc.wantLen)
			}
		})
	}
}

func TestResampleMono16_Interpolates(t *testing.T) {
	got := audio.Int16s(audio.ResampleMono16(audio.Bytes([]int16{0, 300}), 1, 3))
	want := []int16{0, 100, 200, 300, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if d := int(got[i]) - int(want[i]); d < -1 || d > 1 {
			t.Errorf("sample %d = %d, want %d±1", i, got[i], want[i])
		}
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 1}}
	in := audio.AudioFrame{Data: audio.Bytes([]int16{1, 2}), SampleRate: 48000, Channels: 1}
	out := conv.Convert(in)
	if &out.Data[0] != &in.Data[0] {
		t.Error("matching format should return the frame unchanged")
	}
}

func TestFormatConverter_StereoToMonoResample(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	// 6 stereo frames at 48 kHz → 2 mono samples at 16 kHz.
	in := audio.AudioFrame{
		Data:       audio.Bytes([]int16{10, 10, 20, 20, 30, 30, 40, 40, 50, 50, 60, 60}),
		SampleRate: 48000,
		Channels:   2,
		Timestamp:  5 * time.Millisecond,
	}
	out := conv.Convert(in)
	if out.SampleRate != 16000 || out.Channels != 1 {
		t.Fatalf("format = %s, want 16000Hz mono", out.Format())
	}
	if n := len(audio.Int16s(out.Data)); n != 2 {
		t.Fatalf("samples = %d, want 2", n)
	}
	if out.Timestamp != in.Timestamp {
		t.Errorf("timestamp = %v, want %v", out.Timestamp, in.Timestamp)
	}
}

func TestFormatConverter_MonoToStereo(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	out := conv.Convert(audio.AudioFrame{Data: audio.Bytes([]int16{7}), SampleRate: 48000, Channels: 1})
	got := audio.Int16s(out.Data)
	if len(got) != 2 || got[0] != 7 || got[1] != 7 {
		t.Errorf("got %v, want [7 7]", got)
	}
}

func TestFormatConverter_OddByteCount(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	out := conv.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})
	if len(out.Data) != 0 {
		t.Errorf("misaligned frame should be dropped, got %d bytes", len(out.Data))
	}
}

func TestConcat(t *testing.T) {
	frames := []audio.AudioFrame{
		{Data: audio.Bytes([]int16{1, 2}), SampleRate: 16000, Channels: 1},
		{Data: audio.Bytes([]int16{3, 3}), SampleRate: 16000, Channels: 2},
	}
	got := audio.Int16s(audio.Concat(frames, audio.Format{SampleRate: 16000, Channels: 1}))
	want := []int16{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFormatDuration(t *testing.T) {
	f := audio.Format{SampleRate: 16000, Channels: 1}
	if got := f.Duration(32000); got != time.Second {
		t.Errorf("Duration(32000) = %v, want 1s", got)
	}
	if got := (audio.Format{}).Duration(100); got != 0 {
		t.Errorf("zero format Duration = %v, want 0", got)
	}
}
