// Package alsa implements an [audio.Platform] on top of the ALSA command-line
// utilities. Capture reads raw PCM16 from an arecord process and playback
// pipes each clip into a fresh aplay process, so cancelling a clip is a
// matter of killing its process.
//
// The backend needs no cgo and works on any Linux board with alsa-utils
// installed, which makes it the default on single-board computers.
package alsa

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/MrWong99/pushtalk/pkg/audio"
)

const (
	// DefaultRate is the capture rate used when Config.Rate is zero.
	DefaultRate = 48000

	// DefaultFrameMillis is the capture frame length used when
	// Config.FrameMillis is zero.
	DefaultFrameMillis = 20
)

// CommandFunc builds the command for one of the ALSA utilities. It mirrors
// [exec.CommandContext] and can be replaced in tests.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Config selects devices and the capture format.
type Config struct {
	// CaptureDevice and PlaybackDevice are ALSA PCM names such as
	// "plughw:0,0". Empty selects the ALSA default device.
	CaptureDevice  string
	PlaybackDevice string

	// Rate is the capture sample rate in Hz.
	Rate int

	// FrameMillis is the length of one capture frame.
	FrameMillis int
}

// Option configures [Open].
type Option func(*Platform)

// WithCommand replaces the function used to start arecord and aplay. It also
// skips the PATH lookup performed by [Open].
func WithCommand(fn CommandFunc) Option {
	return func(p *Platform) {
		p.command = fn
		p.lookup = false
	}
}

// Platform is an ALSA [audio.Platform].
type Platform struct {
	command CommandFunc
	lookup  bool

	src  *Source
	sink *Sink
}

var _ audio.Platform = (*Platform)(nil)

// Open validates cfg and returns a platform. No process is started until the
// source is opened or a clip is played. When the utilities are missing from
// PATH the returned error wraps [audio.ErrDevice].
func Open(cfg Config, opts ...Option) (*Platform, error) {
	if cfg.Rate == 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.FrameMillis == 0 {
		cfg.FrameMillis = DefaultFrameMillis
	}
	if cfg.Rate < 0 || cfg.FrameMillis < 0 {
		return nil, fmt.Errorf("alsa: invalid capture format: rate %d, frame %dms", cfg.Rate, cfg.FrameMillis)
	}

	p := &Platform{command: exec.CommandContext, lookup: true}
	for _, o := range opts {
		o(p)
	}

	if p.lookup {
		for _, tool := range []string{"arecord", "aplay"} {
			if _, err := exec.LookPath(tool); err != nil {
				return nil, fmt.Errorf("alsa: %w: %s not found: %w", audio.ErrDevice, tool, err)
			}
		}
	}

	frame := cfg.Rate * cfg.FrameMillis / 1000
	if frame <= 0 {
		return nil, fmt.Errorf("alsa: frame of %dms at %dHz holds no samples", cfg.FrameMillis, cfg.Rate)
	}

	p.src = &Source{
		command: p.command,
		device:  cfg.CaptureDevice,
		format:  audio.Mono(cfg.Rate),
		frame:   frame,
	}
	p.sink = &Sink{command: p.command, device: cfg.PlaybackDevice}
	return p, nil
}

// Source returns the arecord-backed capture source.
func (p *Platform) Source() audio.Source { return p.src }

// Sink returns the aplay-backed playback sink.
func (p *Platform) Sink() audio.Sink { return p.sink }

// Close stops a running capture process. Clips that are still playing end
// when their context is cancelled.
func (p *Platform) Close() error {
	return p.src.Close()
}

// rawArgs returns the aplay/arecord arguments for headerless PCM16.
func rawArgs(device string, f audio.Format) []string {
	var args []string
	if device != "" {
		args = append(args, "-D", device)
	}
	return append(args,
		"-q",
		"-t", "raw",
		"-f", "S16_LE",
		"-c", strconv.Itoa(f.Channels),
		"-r", strconv.Itoa(f.SampleRate),
	)
}

// killed reports whether err is the exit status of a process we killed.
func killed(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	return !exitErr.Exited()
}
