// Package assembler turns the stream of Realtime server events for one
// response into a finished result: the assistant's text, surfaced through a
// callback, and the concatenated audio payload, handed to a [Player].
//
// The Assembler is a [realtime.Handler]. The session's receive goroutine calls
// [Assembler.HandleEvent] one event at a time; every callback the Assembler
// invokes must therefore return promptly. Playback is a non-blocking handoff.
package assembler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/realtime"
)

// State is the lifecycle state of the response being assembled.
type State int

const (
	// StateIdle means no response audio has been received yet.
	StateIdle State = iota

	// StateAccumulating means at least one audio delta was appended.
	StateAccumulating

	// StateSealed is held only while a finished payload is handed off.
	StateSealed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateSealed:
		return "sealed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Player receives sealed audio payloads. Play must not block on output; it
// schedules the clip and returns.
type Player interface {
	Play(clip audio.Clip) error
}

// Result summarises one finished response.
type Result struct {
	// ResponseID is the server-assigned response identifier, if any.
	ResponseID string

	// Text is the first text content of the assistant message. HasText is
	// false when the response carried none.
	Text    string
	HasText bool

	// AudioBytes is the size of the sealed payload handed to the player.
	AudioBytes int

	// Err is set when the response ended with a remote error or the payload
	// could not be handed to the player.
	Err error
}

// Option is a functional option for [New].
type Option func(*Assembler)

// WithOnText registers fn to receive the assistant's final text.
func WithOnText(fn func(string)) Option {
	return func(a *Assembler) { a.onText = fn }
}

// WithOnPartial registers fn to receive incremental text and transcript
// deltas.
func WithOnPartial(fn func(string)) Option {
	return func(a *Assembler) { a.onPartial = fn }
}

// WithOnError registers fn to receive remote errors and handoff failures.
func WithOnError(fn func(error)) Option {
	return func(a *Assembler) { a.onError = fn }
}

// WithOnDone registers fn to be called once per finished response, after
// text and audio have been delivered.
func WithOnDone(fn func(Result)) Option {
	return func(a *Assembler) { a.onDone = fn }
}

// WithSampleRate sets the sample rate of the audio deltas. Defaults to
// [realtime.DefaultSampleRate].
func WithSampleRate(rate int) Option {
	return func(a *Assembler) { a.rate = rate }
}

// Assembler accumulates one response at a time. All methods are safe for
// concurrent use.
type Assembler struct {
	player   Player
	audioOut bool
	rate     int

	onText    func(string)
	onPartial func(string)
	onError   func(error)
	onDone    func(Result)

	mu      sync.Mutex
	state   State
	payload []byte

	// inFlight is true between response.created and the response's end;
	// skipping marks that response as discarded.
	inFlight bool
	skipping bool

	// requested counts response requests not yet answered by
	// response.created; the first drop of them are discarded on arrival.
	requested int
	drop      int
}

// New returns an Assembler that hands audio to player when audioOut is true.
// With audioOut false, audio deltas are ignored and the player is never
// called.
func New(player Player, audioOut bool, opts ...Option) *Assembler {
	a := &Assembler{
		player:   player,
		audioOut: audioOut,
		rate:     realtime.DefaultSampleRate,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// State returns the current state.
func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Buffered returns the number of audio bytes accumulated so far.
func (a *Assembler) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.payload)
}

// Requested records that a response was requested. Call it before sending
// the request so a fast response.created cannot overtake it.
func (a *Assembler) Requested() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requested++
}

// RequestFailed withdraws a [Assembler.Requested] whose request was never
// sent.
func (a *Assembler) RequestFailed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.requested > 0 {
		a.requested--
	}
	a.drop = min(a.drop, a.requested)
}

// Discard drops any partial payload and ignores every response that is in
// flight or already requested. Responses requested after Discard are
// accepted. Used when the user starts a new turn before the previous
// response finished.
func (a *Assembler) Discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateAccumulating {
		slog.Debug("assembler: discarding partial response", "bytes", len(a.payload))
	}
	a.resetLocked()
	if a.inFlight {
		a.skipping = true
	}
	a.drop = a.requested
}

// Reset forgets in-flight and requested responses, e.g. after the session
// was replaced and their events can no longer arrive.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
	a.inFlight, a.skipping = false, false
	a.requested, a.drop = 0, 0
}

// HandleEvent implements [realtime.Handler].
func (a *Assembler) HandleEvent(evt realtime.ServerEvent) {
	switch evt.Type {
	case realtime.EventResponseCreated:
		a.created()

	case realtime.EventResponseAudioDelta:
		a.appendDelta(evt)

	case realtime.EventResponseTextDelta, realtime.EventResponseTranscriptDelta:
		if a.onPartial != nil && evt.Delta != "" && !a.isSkipping() {
			a.onPartial(evt.Delta)
		}

	case realtime.EventResponseDone:
		a.finish(evt)

	case realtime.EventError:
		a.fail(evt)
	}
}

func (a *Assembler) created() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
	a.inFlight = true
	if a.requested > 0 {
		a.requested--
	}
	a.skipping = a.drop > 0
	if a.skipping {
		a.drop--
		slog.Debug("assembler: ignoring response requested before barge-in")
	}
}

// endLocked closes the in-flight response and reports whether it was
// discarded.
func (a *Assembler) endLocked() bool {
	skipped := a.skipping
	a.inFlight, a.skipping = false, false
	a.resetLocked()
	return skipped
}

func (a *Assembler) isSkipping() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.skipping
}

func (a *Assembler) appendDelta(evt realtime.ServerEvent) {
	if !a.audioOut {
		return
	}
	pcm, err := evt.AudioDelta()
	if err != nil {
		slog.Warn("assembler: dropping undecodable audio delta", "err", err)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.skipping || len(pcm) == 0 {
		return
	}
	a.payload = append(a.payload, pcm...)
	a.state = StateAccumulating
}

// finish seals the payload exactly once, delivers text and audio, and returns
// to StateIdle.
func (a *Assembler) finish(evt realtime.ServerEvent) {
	a.mu.Lock()
	if a.skipping {
		a.endLocked()
		a.mu.Unlock()
		slog.Debug("assembler: dropped discarded response")
		return
	}
	var payload []byte
	if a.audioOut && len(a.payload) > 0 {
		a.state = StateSealed
		payload = a.payload
		a.payload = nil
	}
	a.endLocked()
	a.mu.Unlock()

	res := Result{}
	if evt.Response != nil {
		res.ResponseID = evt.Response.ID
	}
	if text, ok := evt.Response.Text(); ok {
		res.Text, res.HasText = text, true
		if a.onText != nil {
			a.onText(text)
		}
	}

	if payload != nil && a.player != nil {
		clip := audio.Clip{Name: "response", PCM: payload, Format: audio.Mono(a.rate)}
		if err := a.player.Play(clip); err != nil {
			res.Err = fmt.Errorf("assembler: hand off audio: %w", err)
			a.reportError(res.Err)
		} else {
			res.AudioBytes = len(payload)
		}
	}

	if a.onDone != nil {
		a.onDone(res)
	}
}

// fail discards the partial payload. An error naming a response ends that
// response; errors of a discarded response are not reported.
func (a *Assembler) fail(evt realtime.ServerEvent) {
	a.mu.Lock()
	skipped := false
	if evt.ResponseID != "" && a.inFlight {
		skipped = a.endLocked()
	} else {
		a.resetLocked()
	}
	a.mu.Unlock()

	re := evt.RemoteError()
	var err error = re
	if skipped {
		slog.Debug("assembler: discarded response failed", "err", err)
		return
	}
	if re == nil {
		err = errors.New("assembler: empty error event")
	}
	a.reportError(err)
	if a.onDone != nil {
		a.onDone(Result{Err: err})
	}
}

func (a *Assembler) reportError(err error) {
	if a.onError != nil {
		a.onError(err)
		return
	}
	slog.Warn("assembler: response failed", "err", err)
}

func (a *Assembler) resetLocked() {
	a.state = StateIdle
	a.payload = nil
}
