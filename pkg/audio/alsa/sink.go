package alsa

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/pushtalk/pkg/audio"
)

// waitDelay bounds how long Play waits for aplay's pipes after the process
// was killed.
const waitDelay = time.Second

// Sink plays clips through aplay, one process per clip. It implements
// [audio.Sink] and is safe for concurrent use, although the playback
// controller only ever plays one clip at a time.
type Sink struct {
	command CommandFunc
	device  string
}

var _ audio.Sink = (*Sink)(nil)

// Play pipes pcm into aplay and waits for it to finish. Cancelling ctx kills
// aplay and returns ctx.Err().
func (s *Sink) Play(ctx context.Context, pcm []byte, f audio.Format) error {
	if !f.Valid() {
		return fmt.Errorf("alsa: play: invalid format %s", f)
	}
	if len(pcm) == 0 {
		return nil
	}

	args := append(rawArgs(s.device, f), "-")
	cmd := s.command(ctx, "aplay", args...)
	cmd.Stdin = bytes.NewReader(pcm)
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		slog.Debug("alsa: playback cancelled", "elapsed", time.Since(start), "length", f.Duration(len(pcm)))
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("alsa: %w: aplay: %w", audio.ErrDevice, err)
	}
	return nil
}
