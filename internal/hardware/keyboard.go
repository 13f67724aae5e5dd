package hardware

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync/atomic"
)

// KeyToggle is a [TalkSignal] driven by lines of input: every line (an Enter
// key press on a terminal) toggles between pressed and released.
type KeyToggle struct {
	r       io.Reader
	pressed atomic.Bool
	toggles atomic.Uint64
}

// NewKeyToggle returns a KeyToggle reading from r.
func NewKeyToggle(r io.Reader) *KeyToggle {
	return &KeyToggle{r: r}
}

// Pressed implements [TalkSignal].
func (k *KeyToggle) Pressed() bool { return k.pressed.Load() }

// Toggles returns how many lines have been read.
func (k *KeyToggle) Toggles() uint64 { return k.toggles.Load() }

// Run reads lines until r is exhausted or ctx is cancelled. At end of input
// the signal is released. The read itself cannot be interrupted; Run
// returns on cancellation and the reader goroutine exits with the next line.
func (k *KeyToggle) Run(ctx context.Context) error {
	lines := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(k.r)
		for sc.Scan() {
			select {
			case lines <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	slog.Info("press Enter to start talking, Enter again to stop")
	for {
		select {
		case <-ctx.Done():
			k.pressed.Store(false)
			return nil
		case err := <-errc:
			k.pressed.Store(false)
			return err
		case <-lines:
			now := !k.pressed.Load()
			k.pressed.Store(now)
			k.toggles.Add(1)
			if now {
				slog.Info("recording... press Enter to send")
			}
		}
	}
}
