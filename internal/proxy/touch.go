package proxy

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sonatara/voicebridge/pkg/audio"
)

// Touch playback streams a local sound effect to the requesting frontend in
// small paced frames so the client can start playing before the file is
// fully delivered.
const (
	touchChunkBytes = 5120
	touchChunkDelay = 50 * time.Millisecond

	// touchSampleRate is the PCM rate frontends play at. Sound files in
	// other formats are normalised before streaming.
	touchSampleRate = 16000
)

// playTouchSound streams one randomly chosen touch sound to c. Playback is
// inline with the client's reader loop; only this client waits for it.
func (e *Interactive) playTouchSound(ctx context.Context, c *Conn) {
	pcm, name, err := loadTouchSound(e.cfg.TouchSoundDir)
	if err != nil {
		e.log.Warn("touch sound unavailable", "dir", e.cfg.TouchSoundDir, "err", err)
		_ = c.SendError(ctx, "touch sound unavailable")
		return
	}
	e.log.Debug("streaming touch sound", "file", name, "bytes", len(pcm))

	for off := 0; off < len(pcm); off += touchChunkBytes {
		end := min(off+touchChunkBytes, len(pcm))
		if err := c.WriteBinary(ctx, pcm[off:end]); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(touchChunkDelay):
		}
	}
}

// loadTouchSound picks a random WAV file from dir and returns its sample
// data normalised to mono 16-bit at [touchSampleRate].
func loadTouchSound(dir string) ([]byte, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", fmt.Errorf("proxy: read touch dir: %w", err)
	}

	var names []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(ent.Name()), ".wav") {
			names = append(names, ent.Name())
		}
	}
	if len(names) == 0 {
		return nil, "", fmt.Errorf("proxy: no wav files in %s", dir)
	}

	name := names[rand.Intn(len(names))]
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, "", fmt.Errorf("proxy: read touch sound: %w", err)
	}
	f, pcm, err := audio.ParseWAV(raw)
	if err != nil {
		return nil, "", fmt.Errorf("proxy: parse %s: %w", name, err)
	}
	return audio.NormalizeMono16(pcm, f, touchSampleRate), name, nil
}
