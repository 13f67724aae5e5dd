package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Mode selects how a [Capture] delivers audio.
type Mode int

const (
	// ModeStream forwards every frame as soon as the driver produces it.
	ModeStream Mode = iota

	// ModeBuffered records the whole episode and hands it over on stop.
	ModeBuffered
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeStream:
		return "stream"
	case ModeBuffered:
		return "buffered"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses a configuration name into a [Mode].
func ParseMode(s string) (Mode, error) {
	switch s {
	case "stream", "streaming", "":
		return ModeStream, nil
	case "buffered":
		return ModeBuffered, nil
	default:
		return 0, fmt.Errorf("audio: unknown capture mode %q", s)
	}
}

// DefaultQueueSize is the capacity of the channel between the driver callback
// and the frame consumer in [ModeStream].
const DefaultQueueSize = 64

// FrameFunc receives frames in [ModeStream]. It runs on the capture consumer
// goroutine, never in the driver callback.
type FrameFunc func(Frame)

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithFrameFunc sets the consumer of streamed frames.
func WithFrameFunc(fn FrameFunc) CaptureOption {
	return func(c *Capture) { c.onFrame = fn }
}

// WithQueueSize sets the capacity of the driver-to-consumer channel. Frames
// that arrive while the channel is full are dropped and counted.
func WithQueueSize(n int) CaptureOption {
	return func(c *Capture) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithTargetRate resamples captured frames to rate before they are delivered
// or accumulated. Zero keeps the device rate.
func WithTargetRate(rate int) CaptureOption {
	return func(c *Capture) { c.targetRate = rate }
}

// Capture drives one microphone [Source] through recording episodes.
//
// Each [Capture.Start] begins a new episode with an empty [Accumulator];
// [Capture.Stop] ends it. Start while running and Stop while stopped are
// no-ops.
//
// In [ModeStream] the driver callback only copies samples into a bounded
// channel; a consumer goroutine resamples them and calls the [FrameFunc].
// Stop returns only after every queued frame has been delivered.
//
// In [ModeBuffered] a reader goroutine performs blocking reads and appends
// each frame to the accumulator. Stop waits for the reader to observe the stop
// request, closes the device and returns the recorded audio.
type Capture struct {
	stream StreamSource
	pull   PullSource
	format Format
	frame  int
	mode   Mode

	onFrame    FrameFunc
	queueSize  int
	targetRate int

	acc      *Accumulator
	dropped  atomic.Uint64
	captured atomic.Int64

	mu      sync.Mutex
	running bool
	started time.Time
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewCapture returns a Capture for src in the given mode. It verifies once
// that src supports the mode: [ModeStream] needs a [StreamSource] and
// [ModeBuffered] needs a [PullSource]. Otherwise it returns an error wrapping
// [ErrUnsupportedMode].
func NewCapture(src Source, mode Mode, opts ...CaptureOption) (*Capture, error) {
	if src == nil {
		return nil, errors.New("audio: capture source must not be nil")
	}
	f := src.Format()
	if f.Channels != 1 || f.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: capture requires a mono source, got %s", f)
	}

	c := &Capture{
		format:    f,
		frame:     src.FrameSize(),
		mode:      mode,
		queueSize: DefaultQueueSize,
	}
	switch mode {
	case ModeStream:
		s, ok := src.(StreamSource)
		if !ok {
			return nil, fmt.Errorf("audio: %T in %s mode: %w", src, mode, ErrUnsupportedMode)
		}
		c.stream = s
	case ModeBuffered:
		p, ok := src.(PullSource)
		if !ok {
			return nil, fmt.Errorf("audio: %T in %s mode: %w", src, mode, ErrUnsupportedMode)
		}
		c.pull = p
	default:
		return nil, fmt.Errorf("audio: %s: %w", mode, ErrUnsupportedMode)
	}
	if c.frame <= 0 {
		return nil, fmt.Errorf("audio: capture frame size must be positive, got %d", c.frame)
	}

	for _, o := range opts {
		o(c)
	}
	c.acc = NewAccumulator(c.OutputFormat().BytesPerSecond() * 5)
	return c, nil
}

// Mode returns the delivery mode chosen at construction.
func (c *Capture) Mode() Mode { return c.mode }

// OutputFormat returns the format of delivered and accumulated audio.
func (c *Capture) OutputFormat() Format {
	if c.targetRate > 0 {
		return Mono(c.targetRate)
	}
	return c.format
}

// Running reports whether an episode is in progress.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Dropped returns the number of frames lost because the consumer fell behind.
func (c *Capture) Dropped() uint64 { return c.dropped.Load() }

// Captured returns the number of PCM bytes produced in the current or most
// recent episode, after resampling.
func (c *Capture) Captured() int { return int(c.captured.Load()) }

// Start opens the device and begins a new episode. The accumulator is reset
// before the device opens. If the device cannot be opened the returned error
// wraps [ErrDevice]. Calling Start while running is a no-op.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	c.acc.Reset()
	c.captured.Store(0)
	c.started = time.Now()
	stop := make(chan struct{})

	switch c.mode {
	case ModeStream:
		frames := make(chan Frame, c.queueSize)
		c.wg.Add(1)
		go c.forward(frames, stop)

		started := c.started
		err := c.stream.StartStream(func(samples []int16) {
			c.push(frames, samples, started)
		})
		if err != nil {
			close(stop)
			c.wg.Wait()
			return fmt.Errorf("audio: start capture: %w: %w", ErrDevice, err)
		}

	case ModeBuffered:
		if err := c.pull.Open(); err != nil {
			return fmt.Errorf("audio: start capture: %w: %w", ErrDevice, err)
		}
		c.wg.Add(1)
		go c.read(ctx, stop)
	}

	c.stop = stop
	c.running = true
	slog.Debug("audio capture started", "mode", c.mode.String(), "format", c.format.String())
	return nil
}

// Stop ends the episode and closes the device. In [ModeBuffered] it returns
// the recorded audio; in [ModeStream] it returns nil once every queued frame
// has been handed to the [FrameFunc]. Calling Stop while stopped returns
// nil, nil.
func (c *Capture) Stop() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil, nil
	}
	c.running = false

	var closeErr error
	switch c.mode {
	case ModeStream:
		// The driver stops invoking the callback before StopStream returns,
		// so closing stop afterwards lets the consumer flush a final batch.
		if err := c.stream.StopStream(); err != nil {
			closeErr = fmt.Errorf("audio: stop capture: %w", err)
		}
		close(c.stop)
		c.wg.Wait()

	case ModeBuffered:
		close(c.stop)
		c.wg.Wait()
		if err := c.pull.Close(); err != nil {
			closeErr = fmt.Errorf("audio: stop capture: %w", err)
		}
	}
	c.stop = nil

	slog.Debug("audio capture stopped",
		"mode", c.mode.String(),
		"elapsed", time.Since(c.started),
		"bytes", c.captured.Load(),
		"dropped", c.dropped.Load(),
	)

	if c.mode == ModeBuffered {
		return c.acc.Take(), closeErr
	}
	return nil, closeErr
}

// push runs in the driver callback. It copies samples and never blocks.
func (c *Capture) push(frames chan<- Frame, samples []int16, started time.Time) {
	cp := make([]int16, len(samples))
	copy(cp, samples)
	f := Frame{
		Samples:    cp,
		SampleRate: c.format.SampleRate,
		Timestamp:  time.Since(started),
	}
	select {
	case frames <- f:
	default:
		if c.dropped.Add(1) == 1 {
			slog.Warn("audio capture: consumer too slow, dropping frames", "queue", cap(frames))
		}
	}
}

// forward delivers queued frames until stop is closed, then flushes whatever
// is still buffered.
func (c *Capture) forward(frames <-chan Frame, stop <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case f := <-frames:
			c.deliver(f)
		case <-stop:
			for {
				select {
				case f := <-frames:
					c.deliver(f)
				default:
					return
				}
			}
		}
	}
}

func (c *Capture) deliver(f Frame) {
	f = ResampleFrame(f, c.targetRate)
	c.captured.Add(int64(len(f.Samples) * 2))
	if c.onFrame != nil {
		c.onFrame(f)
	}
}

// read performs blocking reads until stop is closed or the device fails.
func (c *Capture) read(ctx context.Context, stop <-chan struct{}) {
	defer c.wg.Done()

	buf := make([]int16, c.frame)
	started := c.started
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		n, err := c.pull.Read(buf)
		if n > 0 {
			samples := make([]int16, n)
			copy(samples, buf[:n])
			f := ResampleFrame(Frame{
				Samples:    samples,
				SampleRate: c.format.SampleRate,
				Timestamp:  time.Since(started),
			}, c.targetRate)
			c.acc.Append(f)
			c.captured.Add(int64(len(f.Samples) * 2))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("audio capture: read failed", "err", err)
			}
			return
		}
	}
}
