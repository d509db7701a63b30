package playback

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vistalk/pkg/audio"
	"github.com/MrWong99/vistalk/pkg/audio/encode"
)

// WAVDir is an [Output] that writes every utterance to its own WAV file.
// It stands in for a speaker when the media source has no return path.
type WAVDir struct {
	Dir string

	now func() time.Time
}

// NewWAVDir creates dir if needed and returns an output writing into it.
func NewWAVDir(dir string) (*WAVDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("playback: create output dir: %w", err)
	}
	return &WAVDir{Dir: dir, now: time.Now}, nil
}

// Play writes pcm to "reply-<time>-<id>.wav".
func (w *WAVDir) Play(_ context.Context, pcm []byte, f audio.Format) error {
	now := time.Now
	if w.now != nil {
		now = w.now
	}
	name := fmt.Sprintf("reply-%s-%s.wav", now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
	path := filepath.Join(w.Dir, name)

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("playback: create %s: %w", name, err)
	}
	bw := bufio.NewWriter(file)
	if err := encode.WriteWAV(bw, f, pcm); err != nil {
		_ = file.Close()
		return fmt.Errorf("playback: write %s: %w", name, err)
	}
	if err := bw.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("playback: write %s: %w", name, err)
	}
	return file.Close()
}
