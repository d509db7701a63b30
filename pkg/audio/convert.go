package audio

import (
	"log/slog"
	"sync"
)

// FormatConverter converts AudioFrames to a target format. It logs a warning
// on the first format mismatch and drops frames whose PCM is misaligned.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns frame in the target format. A frame that already matches is
// returned unchanged. Channels are folded before resampling so a stereo source
// headed for mono analysis is only resampled once.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 || (frame.Channels == 2 && len(frame.Data)%4 != 0) {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: misaligned PCM data, dropping frame",
				"bytes", len(frame.Data),
				"format", frame.Format().String(),
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}

	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting stream format",
			"from", frame.Format().String(),
			"to", c.Target.String(),
		)
	})

	pcm := frame.Data
	channels := frame.Channels
	if channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		channels = 1
	}

	if frame.SampleRate != c.Target.SampleRate {
		if channels == 1 {
			pcm = ResampleMono16(pcm, frame.SampleRate, c.Target.SampleRate)
		} else {
			pcm = MonoToStereo(ResampleMono16(StereoToMono(pcm), frame.SampleRate, c.Target.SampleRate))
		}
	}

	if channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
		channels = 2
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. Invalid rates or equal rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	src := Int16s(pcm)
	n := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]int16, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := src[idx]
		s1 := s0
		if idx+1 < len(src) {
			s1 = src[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return Bytes(out)
}
