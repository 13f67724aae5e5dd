package alsa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/MrWong99/pushtalk/pkg/audio"
)

// Source captures mono PCM16 from an arecord process. It implements both
// [audio.PullSource] and [audio.StreamSource]; in stream mode a goroutine
// reads arecord's output and hands every frame to the callback.
type Source struct {
	command CommandFunc
	device  string
	format  audio.Format
	frame   int

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	buf    []byte
	done   chan struct{} // closed when the stream goroutine exits
}

var (
	_ audio.PullSource   = (*Source)(nil)
	_ audio.StreamSource = (*Source)(nil)
)

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// FrameSize implements [audio.Source].
func (s *Source) FrameSize() int { return s.frame }

// Open starts arecord. Opening an already open source is a no-op.
func (s *Source) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Source) startLocked() error {
	if s.cmd != nil {
		return nil
	}

	cmd := s.command(context.Background(), "arecord", rawArgs(s.device, s.format)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("alsa: arecord stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("alsa: %w: start arecord: %w", audio.ErrDevice, err)
	}

	s.cmd = cmd
	s.stdout = stdout
	s.buf = make([]byte, s.frame*2)
	slog.Debug("alsa: capture started", "device", s.device, "format", s.format.String())
	return nil
}

// Read blocks until one frame (or len(buf) samples, whichever is smaller) has
// been recorded. A short final read is returned together with io.EOF.
func (s *Source) Read(buf []int16) (int, error) {
	s.mu.Lock()
	stdout, raw := s.stdout, s.buf
	s.mu.Unlock()

	if stdout == nil {
		return 0, fmt.Errorf("alsa: read: %w: capture not open", audio.ErrDevice)
	}
	return readFrame(stdout, raw, buf)
}

// StartStream starts arecord and invokes fn from a dedicated goroutine for
// every recorded frame.
func (s *Source) StartStream(fn func(samples []int16)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return fmt.Errorf("alsa: %w: capture already running", audio.ErrDevice)
	}
	if err := s.startLocked(); err != nil {
		return err
	}

	done := make(chan struct{})
	s.done = done
	stdout := s.stdout
	raw := make([]byte, s.frame*2)
	go func() {
		defer close(done)
		samples := make([]int16, s.frame)
		for {
			n, err := readFrame(stdout, raw, samples)
			if n > 0 {
				fn(samples[:n])
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					slog.Debug("alsa: capture stream ended", "err", err)
				}
				return
			}
		}
	}()
	return nil
}

// StopStream kills arecord and returns once the callback goroutine has
// exited.
func (s *Source) StopStream() error {
	return s.Close()
}

// Close kills arecord and waits for it to exit. Closing a closed source is a
// no-op.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return nil
	}
	cmd, done := s.cmd, s.done
	s.cmd, s.stdout, s.buf, s.done = nil, nil, nil, nil

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Debug("alsa: kill arecord", "err", err)
	}
	// The pipe must be drained before Wait closes it.
	if done != nil {
		<-done
	}
	if err := cmd.Wait(); err != nil && !killed(err) {
		return fmt.Errorf("alsa: arecord: %w", err)
	}
	slog.Debug("alsa: capture stopped", "device", s.device)
	return nil
}

// readFrame fills buf from r using raw as scratch space.
func readFrame(r io.Reader, raw []byte, buf []int16) (int, error) {
	want := min(len(buf), len(raw)/2) * 2
	n, err := io.ReadFull(r, raw[:want])
	n -= n % 2
	for i := 0; i < n/2; i++ {
		buf[i] = int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
	}

	switch {
	case err == nil:
		return n / 2, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return n / 2, io.EOF
	default:
		return n / 2, fmt.Errorf("alsa: %w: read arecord: %w", audio.ErrDevice, err)
	}
}
