// Package mock provides in-memory implementations of the [audio.Source] and
// [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and ordering, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := mock.NewStreamSource(audio.Mono(48000), 1024)
//	c, _ := audio.NewCapture(src, audio.ModeStream, audio.WithFrameFunc(fn))
//	_ = c.Start(ctx)
//	src.Emit(make([]int16, 1024))
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/pushtalk/pkg/audio"
)

var (
	_ audio.StreamSource = (*StreamSource)(nil)
	_ audio.PullSource   = (*PullSource)(nil)
	_ audio.Sink         = (*Sink)(nil)
)

// ─── StreamSource ─────────────────────────────────────────────────────────────

// StreamSource is a mock [audio.StreamSource]. Frames are injected with
// [StreamSource.Emit], which invokes the registered callback synchronously
// the way a driver would.
type StreamSource struct {
	mu sync.Mutex

	format audio.Format
	frame  int
	fn     func([]int16)

	// StartErr is returned by StartStream when non-nil.
	StartErr error

	// StopErr is returned by StopStream.
	StopErr error

	// CallCountStart records how many times StartStream was called.
	CallCountStart int

	// CallCountStop records how many times StopStream was called.
	CallCountStop int
}

// NewStreamSource returns a StreamSource with the given native format.
func NewStreamSource(f audio.Format, frameSize int) *StreamSource {
	return &StreamSource{format: f, frame: frameSize}
}

// Format implements [audio.Source].
func (s *StreamSource) Format() audio.Format { return s.format }

// FrameSize implements [audio.Source].
func (s *StreamSource) FrameSize() int { return s.frame }

// StartStream implements [audio.StreamSource].
func (s *StreamSource) StartStream(fn func([]int16)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.fn = fn
	return nil
}

// StopStream implements [audio.StreamSource].
func (s *StreamSource) StopStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.fn = nil
	return s.StopErr
}

// Emit delivers samples to the registered callback. It reports false when
// the stream is not running.
func (s *StreamSource) Emit(samples []int16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fn == nil {
		return false
	}
	s.fn(samples)
	return true
}

// Streaming reports whether StartStream succeeded without a later StopStream.
func (s *StreamSource) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fn != nil
}

// ─── PullSource ───────────────────────────────────────────────────────────────

// PullSource is a mock [audio.PullSource]. Each Read returns the next frame
// queued with [PullSource.Queue]; when the queue is empty Read waits one
// Period and returns zero samples, like an idle device.
type PullSource struct {
	mu sync.Mutex

	format audio.Format
	frame  int
	queue  [][]int16
	open   bool

	// Period is how long an empty Read blocks. Defaults to 1ms.
	Period time.Duration

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// ReadErr is returned by Read once the queue is drained, when non-nil.
	ReadErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// CallCountRead records how many times Read was called.
	CallCountRead int
}

// NewPullSource returns a PullSource with the given native format.
func NewPullSource(f audio.Format, frameSize int) *PullSource {
	return &PullSource{format: f, frame: frameSize, Period: time.Millisecond}
}

// Format implements [audio.Source].
func (p *PullSource) Format() audio.Format { return p.format }

// FrameSize implements [audio.Source].
func (p *PullSource) FrameSize() int { return p.frame }

// Queue appends frames to be returned by subsequent reads.
func (p *PullSource) Queue(frames ...[]int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, frames...)
}

// Pending returns the number of queued frames not yet read.
func (p *PullSource) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Open implements [audio.PullSource].
func (p *PullSource) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountOpen++
	if p.OpenErr != nil {
		return p.OpenErr
	}
	if p.open {
		return errors.New("mock: pull source already open")
	}
	p.open = true
	return nil
}

// Read implements [audio.PullSource].
func (p *PullSource) Read(buf []int16) (int, error) {
	p.mu.Lock()
	p.CallCountRead++
	if !p.open {
		p.mu.Unlock()
		return 0, errors.New("mock: read on closed source")
	}
	if len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		return copy(buf, next), nil
	}
	readErr := p.ReadErr
	period := p.Period
	p.mu.Unlock()

	if readErr != nil {
		return 0, readErr
	}
	time.Sleep(period)
	return 0, nil
}

// Close implements [audio.PullSource].
func (p *PullSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountClose++
	p.open = false
	return nil
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Play records a single call to [Sink.Play].
type Play struct {
	PCM         []byte
	Format      audio.Format
	Interrupted bool
}

// Sink is a mock [audio.Sink]. Each Play blocks for Duration (or until the
// context is cancelled) and records the call.
type Sink struct {
	mu sync.Mutex

	// Duration is how long each Play blocks. Zero returns immediately.
	Duration time.Duration

	// PlayErr is returned by Play when non-nil.
	PlayErr error

	// Plays records completed Play calls in order.
	Plays []Play

	active    int
	maxActive int

	// Started receives a value each time Play begins, if non-nil. Sends
	// never block.
	Started chan struct{}
}

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, pcm []byte, f audio.Format) error {
	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	d := s.Duration
	playErr := s.PlayErr
	started := s.Started
	s.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}

	interrupted := false
	if playErr == nil && d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			interrupted = true
		case <-timer.C:
		}
		timer.Stop()
	}

	s.mu.Lock()
	s.active--
	s.Plays = append(s.Plays, Play{PCM: pcm, Format: f, Interrupted: interrupted})
	s.mu.Unlock()

	if playErr != nil {
		return playErr
	}
	if interrupted {
		return ctx.Err()
	}
	return nil
}

// Calls returns a copy of the recorded plays.
func (s *Sink) Calls() []Play {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Play, len(s.Plays))
	copy(out, s.Plays)
	return out
}

// Active returns the number of Play calls currently in flight.
func (s *Sink) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// MaxActive returns the highest number of concurrent Play calls observed.
// A correct single-device controller never exceeds 1.
func (s *Sink) MaxActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

// Platform is a mock [audio.Platform] bundling a source and a sink.
type Platform struct {
	Src audio.Source
	Out audio.Sink

	mu     sync.Mutex
	closed bool
}

// Source implements [audio.Platform].
func (p *Platform) Source() audio.Source { return p.Src }

// Sink implements [audio.Platform].
func (p *Platform) Sink() audio.Sink { return p.Out }

// Close implements [audio.Platform].
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether Close was called.
func (p *Platform) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
