package audio

import "encoding/binary"

// Int16s decodes little-endian PCM into samples. A trailing odd byte is ignored.
func Int16s(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes encodes samples as little-endian PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Concat joins the data of consecutive frames after converting each of them to
// target. Frames that cannot be converted (odd byte count) are skipped.
func Concat(frames []AudioFrame, target Format) []byte {
	conv := FormatConverter{Target: target}
	var size int
	for _, f := range frames {
		size += len(f.Data)
	}
	out := make([]byte, 0, size)
	for _, f := range frames {
		c := conv.Convert(f)
		out = append(out, c.Data...)
	}
	return out
}
