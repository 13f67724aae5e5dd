//go:build portaudio

// Package portaudio implements an [audio.Platform] using PortAudio. It needs
// cgo and the PortAudio headers, so it is only compiled with the "portaudio"
// build tag.
//
// Capture uses a callback stream and therefore supports streaming capture.
// Playback opens a blocking output stream per clip and writes it in small
// buffers, checking for cancellation between buffers.
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/pushtalk/pkg/audio"
)

const (
	// DefaultRate is the capture rate used when Config.Rate is zero.
	DefaultRate = 48000

	// DefaultFrameMillis is the capture frame length used when
	// Config.FrameMillis is zero.
	DefaultFrameMillis = 20

	// outputBufferMillis is the length of one playback write.
	outputBufferMillis = 40
)

// Config selects devices and the capture format.
type Config struct {
	// CaptureDevice and PlaybackDevice are PortAudio device names. Empty
	// selects the host API default.
	CaptureDevice  string
	PlaybackDevice string

	// Rate is the capture sample rate in Hz.
	Rate int

	// FrameMillis is the length of one capture frame.
	FrameMillis int
}

// Platform is a PortAudio [audio.Platform].
type Platform struct {
	src  *Source
	sink *Sink

	closeOnce sync.Once
}

var _ audio.Platform = (*Platform)(nil)

// Open initialises PortAudio and resolves the configured devices. The
// returned error wraps [audio.ErrDevice] when a device cannot be found.
func Open(cfg Config) (*Platform, error) {
	if cfg.Rate == 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.FrameMillis == 0 {
		cfg.FrameMillis = DefaultFrameMillis
	}
	frame := cfg.Rate * cfg.FrameMillis / 1000
	if frame <= 0 {
		return nil, fmt.Errorf("portaudio: frame of %dms at %dHz holds no samples", cfg.FrameMillis, cfg.Rate)
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: %w: initialize: %w", audio.ErrDevice, err)
	}

	in, err := findDevice(cfg.CaptureDevice, portaudio.DefaultInputDevice, func(d *portaudio.DeviceInfo) bool {
		return d.MaxInputChannels > 0
	})
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	out, err := findDevice(cfg.PlaybackDevice, portaudio.DefaultOutputDevice, func(d *portaudio.DeviceInfo) bool {
		return d.MaxOutputChannels > 0
	})
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}

	slog.Info("portaudio: devices selected", "input", in.Name, "output", out.Name)

	return &Platform{
		src:  &Source{device: in, format: audio.Mono(cfg.Rate), frame: frame},
		sink: &Sink{device: out},
	}, nil
}

// Source returns the callback-driven capture source.
func (p *Platform) Source() audio.Source { return p.src }

// Sink returns the playback sink.
func (p *Platform) Sink() audio.Sink { return p.sink }

// Close stops capture and terminates PortAudio.
func (p *Platform) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if stopErr := p.src.StopStream(); stopErr != nil {
			slog.Warn("portaudio: stop capture on close", "err", stopErr)
		}
		err = portaudio.Terminate()
	})
	return err
}

// findDevice returns the device called name, or the default device when name
// is empty.
func findDevice(name string, fallback func() (*portaudio.DeviceInfo, error), usable func(*portaudio.DeviceInfo) bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		d, err := fallback()
		if err != nil {
			return nil, fmt.Errorf("portaudio: %w: default device: %w", audio.ErrDevice, err)
		}
		return d, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: %w: list devices: %w", audio.ErrDevice, err)
	}
	for _, d := range devices {
		if d.Name == name && usable(d) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("portaudio: %w: no device named %q", audio.ErrDevice, name)
}

// Source captures mono PCM16 through a PortAudio callback. It implements
// both [audio.StreamSource] and [audio.PullSource].
type Source struct {
	device *portaudio.DeviceInfo
	format audio.Format
	frame  int

	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
}

var (
	_ audio.StreamSource = (*Source)(nil)
	_ audio.PullSource   = (*Source)(nil)
)

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// FrameSize implements [audio.Source].
func (s *Source) FrameSize() int { return s.frame }

func (s *Source) params() portaudio.StreamParameters {
	p := portaudio.LowLatencyParameters(s.device, nil)
	p.Input.Channels = 1
	p.SampleRate = float64(s.format.SampleRate)
	p.FramesPerBuffer = s.frame
	return p
}

// StartStream opens the input device and invokes fn from the PortAudio
// callback for every frame.
func (s *Source) StartStream(fn func(samples []int16)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return fmt.Errorf("portaudio: %w: capture already running", audio.ErrDevice)
	}
	stream, err := portaudio.OpenStream(s.params(), func(in []int16) { fn(in) })
	if err != nil {
		return fmt.Errorf("portaudio: open input: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("portaudio: start input: %w", err)
	}
	s.stream = stream
	return nil
}

// StopStream stops the callback stream. The callback is not invoked after
// StopStream returns.
func (s *Source) StopStream() error {
	return s.closeStream()
}

// Open opens a blocking input stream for Read.
func (s *Source) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return nil
	}
	buf := make([]int16, s.frame)
	stream, err := portaudio.OpenStream(s.params(), buf)
	if err != nil {
		return fmt.Errorf("portaudio: open input: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("portaudio: start input: %w", err)
	}
	s.stream, s.buf = stream, buf
	return nil
}

// Read blocks for one frame and copies up to len(buf) samples of it.
func (s *Source) Read(buf []int16) (int, error) {
	s.mu.Lock()
	stream, frame := s.stream, s.buf
	s.mu.Unlock()

	if stream == nil || frame == nil {
		return 0, fmt.Errorf("portaudio: read: %w: capture not open", audio.ErrDevice)
	}
	if err := stream.Read(); err != nil {
		// Overflows lose samples but leave the stream usable.
		if err == portaudio.InputOverflowed {
			slog.Debug("portaudio: input overflowed")
		} else {
			return 0, fmt.Errorf("portaudio: %w: read: %w", audio.ErrDevice, err)
		}
	}
	return copy(buf, frame), nil
}

// Close closes a stream opened with Open.
func (s *Source) Close() error {
	return s.closeStream()
}

func (s *Source) closeStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return nil
	}
	stream := s.stream
	s.stream, s.buf = nil, nil

	stopErr := stream.Stop()
	closeErr := stream.Close()
	if stopErr != nil {
		return fmt.Errorf("portaudio: stop input: %w", stopErr)
	}
	if closeErr != nil {
		return fmt.Errorf("portaudio: close input: %w", closeErr)
	}
	return nil
}

// Sink plays clips on a PortAudio output device. It implements [audio.Sink].
type Sink struct {
	device *portaudio.DeviceInfo

	// mu serialises clips; PortAudio devices are not shared between
	// streams on every host API.
	mu sync.Mutex
}

var _ audio.Sink = (*Sink)(nil)

// Play writes pcm in buffers of 40ms. Cancelling ctx aborts the stream,
// discarding buffered output, and returns ctx.Err().
func (s *Sink) Play(ctx context.Context, pcm []byte, f audio.Format) error {
	if !f.Valid() {
		return fmt.Errorf("portaudio: play: invalid format %s", f)
	}
	samples := audio.BytesToSamples(pcm)
	if len(samples) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	frames := f.SampleRate * outputBufferMillis / 1000
	out := make([]int16, frames*f.Channels)

	p := portaudio.LowLatencyParameters(nil, s.device)
	p.Output.Channels = f.Channels
	p.SampleRate = float64(f.SampleRate)
	p.FramesPerBuffer = frames

	stream, err := portaudio.OpenStream(p, out)
	if err != nil {
		return fmt.Errorf("portaudio: %w: open output: %w", audio.ErrDevice, err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("portaudio: %w: start output: %w", audio.ErrDevice, err)
	}

	for off := 0; off < len(samples); off += len(out) {
		if ctx.Err() != nil {
			_ = stream.Abort()
			return ctx.Err()
		}
		n := copy(out, samples[off:])
		clear(out[n:])
		if err := stream.Write(); err != nil && err != portaudio.OutputUnderflowed {
			_ = stream.Abort()
			return fmt.Errorf("portaudio: %w: write: %w", audio.ErrDevice, err)
		}
	}

	// Stop drains what is already queued on the device.
	if err := stream.Stop(); err != nil {
		return fmt.Errorf("portaudio: stop output: %w", err)
	}
	return nil
}
