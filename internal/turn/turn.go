// Package turn implements the push-to-talk state machine that delimits user
// utterances.
//
// One press of the talk button starts a turn; its release ends it. A turn
// held for at least the minimum hold time is committed: captured audio is
// finalised on the session and a response is requested. A shorter turn is
// discarded without contacting the far end. Every press clears the session's
// input buffer first, so a discarded turn never leaks into the next one, and
// every press interrupts assistant playback still in progress (barge-in).
//
//	Idle ──press──▶ Held ──release (held ≥ min)──▶ Committed ──▶ Idle
//	                  └────release (held < min)──▶ Discarded ──▶ Idle
//
// Failures at any step are reported through [Feedback.TurnFailed] and the
// controller always returns to Idle.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/realtime"
)

const (
	// DefaultMinHold is the shortest press that is committed as an utterance.
	DefaultMinHold = 500 * time.Millisecond

	// DefaultPollInterval is how often [Controller.Run] samples the talk
	// signal.
	DefaultPollInterval = 10 * time.Millisecond
)

// ErrResponseTimeout is reported through [Feedback.TurnFailed] when a
// response takes longer than the configured response timeout.
var ErrResponseTimeout = errors.New("turn: response timed out")

// Session is the remote conversation a turn is sent to. Both the Realtime
// session and the classic pipeline implement it.
type Session interface {
	ClearAudio(ctx context.Context) error
	AppendAudio(ctx context.Context, pcm []byte) error
	CommitAudio(ctx context.Context) error
	RequestResponse(ctx context.Context, modalities ...realtime.Modality) error
}

// AudioMessenger is implemented by sessions that accept a whole recording as
// one user message, bypassing the input buffer.
type AudioMessenger interface {
	SendAudioMessage(ctx context.Context, pcm []byte) error
}

// Recorder captures the user's voice between press and release.
// [*audio.Capture] implements it.
type Recorder interface {
	Start(ctx context.Context) error
	Stop() ([]byte, error)
	Mode() audio.Mode
}

// Player is the output the controller interrupts on barge-in.
type Player interface {
	Active() bool
	Stop() bool
}

// TalkSignal reports whether the talk button is held.
type TalkSignal interface {
	Pressed() bool
}

// Feedback receives user-facing notifications. Implementations must return
// promptly; they run on the control goroutine.
type Feedback interface {
	TurnStarted()
	TurnCommitted()
	TurnDiscarded()
	TurnFailed(err error)
}

// State is the controller's state.
type State int

const (
	StateIdle State = iota
	StateHeld
	StateCommitted
	StateDiscarded
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHeld:
		return "held"
	case StateCommitted:
		return "committed"
	case StateDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeFailed    Outcome = "failed"
)

// Turn records one press-release episode.
type Turn struct {
	ID          uint64
	Start       time.Time
	Held        time.Duration
	AudioBytes  int
	Interrupted bool
	Outcome     Outcome
	Err         error
}

// Option configures a [Controller].
type Option func(*Controller)

// WithMinHold sets the minimum hold time. Defaults to [DefaultMinHold].
func WithMinHold(d time.Duration) Option {
	return func(c *Controller) { c.minHold = d }
}

// WithPollInterval sets how often Run samples the talk signal.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithFeedback sets the feedback receiver.
func WithFeedback(f Feedback) Option {
	return func(c *Controller) { c.feedback = f }
}

// WithModalities sets the modalities passed to RequestResponse. Empty means
// the session default.
func WithModalities(m ...realtime.Modality) Option {
	return func(c *Controller) { c.modalities = m }
}

// WithResponseTimeout reports [ErrResponseTimeout] when
// [Controller.ResponseFinished] is not called within d of a commit. Zero
// disables the timeout.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Controller) { c.responseTimeout = d }
}

// WithAudioMessages sends buffered recordings as one audio message when the
// session implements [AudioMessenger], instead of appending and committing
// them. Streaming capture is unaffected.
func WithAudioMessages(on bool) Option {
	return func(c *Controller) { c.audioMessages = on }
}

// WithOnTurn registers fn to receive every finished turn record.
func WithOnTurn(fn func(Turn)) Option {
	return func(c *Controller) { c.onTurn = fn }
}

// Controller drives turns. Press and Release are serialised; [Controller.Forward]
// may be called concurrently from the capture goroutine.
type Controller struct {
	rec      Recorder
	player   Player
	feedback Feedback
	now      func() time.Time
	poll     time.Duration

	modalities      []realtime.Modality
	responseTimeout time.Duration
	audioMessages   bool
	onTurn          func(Turn)

	opMu sync.Mutex // serialises Press and Release

	mu         sync.Mutex
	session    Session
	minHold    time.Duration
	state      State
	cur        Turn
	turnCtx    context.Context
	forwardErr error
	nextID     uint64
	timer      *time.Timer
	timerGen   uint64
}

// New creates a Controller. player may be nil when there is no output to
// interrupt.
func New(sess Session, rec Recorder, player Player, opts ...Option) *Controller {
	c := &Controller{
		session:  sess,
		rec:      rec,
		player:   player,
		feedback: nopFeedback{},
		now:      time.Now,
		poll:     DefaultPollInterval,
		minHold:  DefaultMinHold,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetSession replaces the session used by subsequent turns, e.g. after a
// reconnect.
func (c *Controller) SetSession(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// SetMinHold changes the minimum hold time for subsequent releases.
func (c *Controller) SetMinHold(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minHold = d
}

// MinHold returns the current minimum hold time.
func (c *Controller) MinHold() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minHold
}

// Forward sends one captured frame to the session while a turn is held. It
// is installed as the capture's frame callback in streaming mode. The first
// failure of a turn is remembered and fails the turn on release.
func (c *Controller) Forward(f audio.Frame) {
	c.mu.Lock()
	if c.state != StateHeld {
		c.mu.Unlock()
		return
	}
	sess, ctx, failed := c.session, c.turnCtx, c.forwardErr != nil
	c.mu.Unlock()
	if failed {
		return
	}

	pcm := f.Bytes()
	err := sess.AppendAudio(ctx, pcm)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.forwardErr == nil {
			c.forwardErr = err
			slog.Warn("turn: streaming audio failed", "turn", c.cur.ID, "err", err)
		}
		return
	}
	c.cur.AudioBytes += len(pcm)
}

// Press starts a turn. Pressing while a turn is held is a no-op.
func (c *Controller) Press(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.nextID++
	c.cur = Turn{ID: c.nextID, Start: c.now()}
	c.turnCtx = ctx
	c.forwardErr = nil
	c.state = StateHeld
	c.stopTimerLocked()
	id, sess := c.nextID, c.session
	c.mu.Unlock()

	slog.Debug("turn: pressed", "turn", id)
	c.feedback.TurnStarted()

	if c.player != nil && c.player.Active() {
		if c.player.Stop() {
			c.mu.Lock()
			c.cur.Interrupted = true
			c.mu.Unlock()
			slog.Info("turn: interrupted playback", "turn", id)
		}
	}

	if err := sess.ClearAudio(ctx); err != nil {
		return c.fail(fmt.Errorf("turn: clear input: %w", err))
	}
	if err := c.rec.Start(ctx); err != nil {
		return c.fail(fmt.Errorf("turn: start capture: %w", err))
	}
	return nil
}

// Release ends the held turn. Releasing while idle is a no-op.
func (c *Controller) Release(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != StateHeld {
		c.mu.Unlock()
		return nil
	}
	id := c.cur.ID
	held := c.now().Sub(c.cur.Start)
	minHold := c.minHold
	sess := c.session
	c.mu.Unlock()

	// Stop returns only after every captured frame was forwarded.
	pcm, stopErr := c.rec.Stop()

	c.mu.Lock()
	c.cur.Held = held
	forwardErr := c.forwardErr
	c.mu.Unlock()

	if held < minHold {
		c.setState(StateDiscarded)
		slog.Info("turn: discarded short press", "turn", id, "held", held, "min_hold", minHold)
		c.feedback.TurnDiscarded()
		c.finish(OutcomeDiscarded, nil)
		return nil
	}

	if stopErr != nil {
		return c.fail(fmt.Errorf("turn: stop capture: %w", stopErr))
	}
	if forwardErr != nil {
		return c.fail(fmt.Errorf("turn: append audio: %w", forwardErr))
	}
	if err := c.deliver(ctx, sess, pcm); err != nil {
		return c.fail(err)
	}
	if err := sess.RequestResponse(ctx, c.modalities...); err != nil {
		return c.fail(fmt.Errorf("turn: request response: %w", err))
	}

	c.mu.Lock()
	c.state = StateCommitted
	bytes := c.cur.AudioBytes
	c.mu.Unlock()
	slog.Info("turn: committed", "turn", id, "held", held, "bytes", bytes)
	c.feedback.TurnCommitted()
	c.armTimer()
	c.finish(OutcomeCommitted, nil)
	return nil
}

// deliver hands the finished recording to sess. Streamed audio is already on
// the session and only needs committing.
func (c *Controller) deliver(ctx context.Context, sess Session, pcm []byte) error {
	if c.rec.Mode() != audio.ModeBuffered || len(pcm) == 0 {
		if err := sess.CommitAudio(ctx); err != nil {
			return fmt.Errorf("turn: commit: %w", err)
		}
		return nil
	}
	if m, ok := sess.(AudioMessenger); ok && c.audioMessages {
		if err := m.SendAudioMessage(ctx, pcm); err != nil {
			return fmt.Errorf("turn: send audio message: %w", err)
		}
	} else {
		if err := sess.AppendAudio(ctx, pcm); err != nil {
			return fmt.Errorf("turn: append audio: %w", err)
		}
		if err := sess.CommitAudio(ctx); err != nil {
			return fmt.Errorf("turn: commit: %w", err)
		}
	}
	c.mu.Lock()
	c.cur.AudioBytes += len(pcm)
	c.mu.Unlock()
	return nil
}

// ResponseFinished tells the controller the response to the last committed
// turn arrived, cancelling the response timeout.
func (c *Controller) ResponseFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
}

// Run samples sig every poll interval and turns edges into Press and Release
// calls until ctx is cancelled. A turn held at cancellation is released.
func (c *Controller) Run(ctx context.Context, sig TalkSignal) error {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	pressed := false
	for {
		select {
		case <-ctx.Done():
			if pressed {
				// The session context is gone; release without it.
				_ = c.Release(context.WithoutCancel(ctx))
			}
			c.ResponseFinished()
			return nil
		case <-ticker.C:
		}

		now := sig.Pressed()
		switch {
		case now && !pressed:
			_ = c.Press(ctx)
		case !now && pressed:
			_ = c.Release(ctx)
		}
		pressed = now
	}
}

// fail aborts the current turn. Capture is stopped if it is running, the
// failure is reported, and the controller returns to Idle.
func (c *Controller) fail(err error) error {
	if _, stopErr := c.rec.Stop(); stopErr != nil {
		slog.Debug("turn: stop capture after failure", "err", stopErr)
	}
	c.mu.Lock()
	id := c.cur.ID
	c.mu.Unlock()
	slog.Error("turn failed", "turn", id, "err", err)
	c.feedback.TurnFailed(err)
	c.finish(OutcomeFailed, err)
	return err
}

// finish publishes the turn record and returns to Idle.
func (c *Controller) finish(outcome Outcome, err error) {
	c.mu.Lock()
	c.cur.Outcome = outcome
	c.cur.Err = err
	t := c.cur
	c.state = StateIdle
	c.turnCtx = nil
	c.mu.Unlock()

	if c.onTurn != nil {
		c.onTurn(t)
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Controller) armTimer() {
	if c.responseTimeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
	id, gen := c.cur.ID, c.timerGen
	c.timer = time.AfterFunc(c.responseTimeout, func() {
		c.mu.Lock()
		expired := c.timerGen == gen && c.timer != nil
		if expired {
			c.timer = nil
		}
		c.mu.Unlock()
		if expired {
			slog.Warn("turn: no response", "turn", id, "timeout", c.responseTimeout)
			c.feedback.TurnFailed(ErrResponseTimeout)
		}
	})
}

func (c *Controller) stopTimerLocked() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

type nopFeedback struct{}

func (nopFeedback) TurnStarted()     {}
func (nopFeedback) TurnCommitted()   {}
func (nopFeedback) TurnDiscarded()   {}
func (nopFeedback) TurnFailed(error) {}
