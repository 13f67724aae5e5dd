// Package playback owns the output device. A single worker goroutine plays
// queued clips one at a time through an [audio.Sink]; [Controller.Stop]
// preempts the clip in flight and waits until the device is released, so a
// following [Controller.Play] never races the previous output.
//
// Clips are ordered by priority, then by arrival. A clip of higher priority
// than the one playing preempts it. An optional [Gate] (the amplifier
// shutdown pin on the speaker hat) is enabled immediately before each clip
// starts and disabled immediately after it ends or is interrupted.
package playback

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/pushtalk/pkg/audio"
)

const (
	// PriorityNormal is used for assistant responses and ordinary cues.
	PriorityNormal = 0

	// PriorityAlert preempts normal clips. Used for the error cue.
	PriorityAlert = 10

	// DefaultStopTimeout bounds how long Stop waits for the sink to release
	// the device.
	DefaultStopTimeout = 2 * time.Second

	defaultQueueCap = 8
)

// ErrClosed is returned by Play after Close.
var ErrClosed = errors.New("playback: controller closed")

// Gate switches the output amplifier.
type Gate interface {
	Enable() error
	Disable() error
}

// Option configures a [Controller].
type Option func(*Controller)

// WithGate sets the amplifier gate.
func WithGate(g Gate) Option {
	return func(c *Controller) { c.gate = g }
}

// WithStopTimeout overrides [DefaultStopTimeout].
func WithStopTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.stopTimeout = d
		}
	}
}

// WithOnInterrupt registers fn to be called whenever a clip is cut short.
// fn runs on the caller's goroutine and must not block.
func WithOnInterrupt(fn func(clip audio.Clip, reason audio.InterruptReason)) Option {
	return func(c *Controller) { c.onInterrupt = fn }
}

// WithOnFinish registers fn to be called from the worker after each clip
// finishes, with the sink's error (nil, context.Canceled when interrupted,
// or a device error).
func WithOnFinish(fn func(clip audio.Clip, err error)) Option {
	return func(c *Controller) { c.onFinish = fn }
}

// Controller serialises clips onto one [audio.Sink]. All exported methods are
// safe for concurrent use.
type Controller struct {
	sink        audio.Sink
	gate        Gate
	stopTimeout time.Duration
	onInterrupt func(audio.Clip, audio.InterruptReason)
	onFinish    func(audio.Clip, error)

	mu            sync.Mutex
	queue         clipHeap
	seq           uint64
	playing       *entry
	cancelPlaying context.CancelFunc
	released      chan struct{} // closed when the current sink call returns
	closed        bool

	notify chan struct{}
	done   chan struct{}
}

// New creates a Controller for sink. The worker starts when [Controller.Run]
// is called; clips queued before that are played once it runs.
func New(sink audio.Sink, opts ...Option) *Controller {
	c := &Controller{
		sink:        sink,
		stopTimeout: DefaultStopTimeout,
		queue:       make(clipHeap, 0, defaultQueueCap),
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	heap.Init(&c.queue)
	return c
}

// Play queues clip at [PriorityNormal]. It never blocks on output.
func (c *Controller) Play(clip audio.Clip) error {
	return c.PlayPriority(clip, PriorityNormal)
}

// PlayPriority queues clip at the given priority. If it outranks the clip
// currently playing, that clip is interrupted with [audio.Superseded].
func (c *Controller) PlayPriority(clip audio.Clip, priority int) error {
	if err := clip.Validate(); err != nil {
		return fmt.Errorf("playback: play %q: %w", clip.Name, err)
	}
	if clip.Empty() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.seq++
	heap.Push(&c.queue, entry{clip: clip, priority: priority, seq: c.seq})

	if c.playing != nil && priority > c.playing.priority {
		c.interruptLocked(audio.Superseded, false)
	}

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Active reports whether a clip is playing or waiting to play.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing != nil || c.queue.Len() > 0
}

// Stop interrupts the clip in flight with [audio.BargeIn], drops every queued
// clip, and waits until the sink has released the device. It reports whether
// anything was playing or queued. Stop is a no-op while idle.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	wasActive := c.playing != nil || c.queue.Len() > 0
	released := c.released
	c.interruptLocked(audio.BargeIn, true)
	c.mu.Unlock()

	if released == nil {
		return wasActive
	}
	select {
	case <-released:
	case <-time.After(c.stopTimeout):
		slog.Warn("playback: sink did not release the device in time", "timeout", c.stopTimeout)
	}
	return wasActive
}

// Run is the worker loop. It plays clips until ctx is cancelled or
// [Controller.Close] is called, and always returns nil on a clean stop.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-c.done:
			return nil
		case <-c.notify:
		}

		for {
			e, pctx, released, ok := c.dequeue(ctx)
			if !ok {
				break
			}
			c.play(pctx, e, released)
		}
	}
}

// Close interrupts playback, drops the queue and stops the worker. Close is
// idempotent.
func (c *Controller) Close() error {
	c.shutdown()
	return nil
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.interruptLocked(audio.Shutdown, true)
	close(c.done)
}

// dequeue pops the next clip and marks it as playing. ok is false when the
// queue is empty or the controller is closed.
func (c *Controller) dequeue(parent context.Context) (e entry, ctx context.Context, released chan struct{}, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.queue.Len() == 0 {
		return entry{}, nil, nil, false
	}

	e = heap.Pop(&c.queue).(entry)
	ctx, cancel := context.WithCancel(parent)
	released = make(chan struct{})
	c.playing = &e
	c.cancelPlaying = cancel
	c.released = released
	return e, ctx, released, true
}

// play runs one clip through the sink with the gate held open around it.
func (c *Controller) play(ctx context.Context, e entry, released chan struct{}) {
	if c.gate != nil {
		if err := c.gate.Enable(); err != nil {
			slog.Warn("playback: enable amplifier", "err", err)
		}
	}

	err := c.sink.Play(ctx, e.clip.PCM, e.clip.Format)

	if c.gate != nil {
		if gerr := c.gate.Disable(); gerr != nil {
			slog.Warn("playback: disable amplifier", "err", gerr)
		}
	}

	c.mu.Lock()
	if c.released == released {
		c.playing = nil
		if c.cancelPlaying != nil {
			c.cancelPlaying()
			c.cancelPlaying = nil
		}
		c.released = nil
	}
	c.mu.Unlock()
	close(released)

	switch {
	case err == nil:
		slog.Debug("playback: clip finished", "clip", e.clip.Name, "duration", e.clip.Duration())
	case errors.Is(err, context.Canceled):
		slog.Debug("playback: clip interrupted", "clip", e.clip.Name)
	default:
		slog.Error("playback: sink failed", "clip", e.clip.Name, "err", err)
	}
	if c.onFinish != nil {
		c.onFinish(e.clip, err)
	}
}

// interruptLocked cancels the clip in flight and optionally clears the queue.
// Must be called with c.mu held.
func (c *Controller) interruptLocked(reason audio.InterruptReason, clearQueue bool) {
	if c.playing != nil {
		slog.Debug("playback: interrupting clip", "clip", c.playing.clip.Name, "reason", reason.String())
		if c.onInterrupt != nil {
			c.onInterrupt(c.playing.clip, reason)
		}
	}
	if c.cancelPlaying != nil {
		c.cancelPlaying()
		c.cancelPlaying = nil
	}
	c.playing = nil

	if clearQueue {
		for c.queue.Len() > 0 {
			heap.Pop(&c.queue)
		}
	}
}
