package feedback

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/pushtalk/internal/hardware"
	"github.com/MrWong99/pushtalk/internal/playback"
	"github.com/MrWong99/pushtalk/internal/turn"
	"github.com/MrWong99/pushtalk/pkg/audio"
)

var _ turn.Feedback = (*Notifier)(nil)

// CuePlayer queues cue clips. [*playback.Controller] implements it.
type CuePlayer interface {
	PlayPriority(clip audio.Clip, priority int) error
}

// Notifier implements [turn.Feedback] with sound cues and the LED.
type Notifier struct {
	player    CuePlayer
	indicator hardware.Indicator
	cues      Cues

	// OnStart, if set, runs at the start of every turn after the LED is lit.
	OnStart func()

	mu      sync.Mutex
	pattern hardware.Pattern
}

// NewNotifier returns a Notifier. player or indicator may be nil.
func NewNotifier(player CuePlayer, indicator hardware.Indicator, cues Cues, pattern hardware.Pattern) *Notifier {
	if indicator == nil {
		indicator = hardware.NopIndicator{}
	}
	if pattern == "" {
		pattern = hardware.PatternSolid
	}
	return &Notifier{player: player, indicator: indicator, cues: cues, pattern: pattern}
}

// SetPattern changes the LED pattern shown while recording.
func (n *Notifier) SetPattern(p hardware.Pattern) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pattern = p
}

// Ready plays the startup cue.
func (n *Notifier) Ready() {
	n.play(n.cues.Startup, playback.PriorityNormal)
}

// TurnStarted lights the LED.
func (n *Notifier) TurnStarted() {
	n.mu.Lock()
	p := n.pattern
	n.mu.Unlock()
	n.indicator.SetPattern(p)
	if n.OnStart != nil {
		n.OnStart()
	}
}

// TurnCommitted turns the LED off and plays the release cue.
func (n *Notifier) TurnCommitted() {
	n.indicator.SetPattern(hardware.PatternOff)
	n.play(n.cues.Release, playback.PriorityNormal)
}

// TurnDiscarded turns the LED off.
func (n *Notifier) TurnDiscarded() {
	n.indicator.SetPattern(hardware.PatternOff)
}

// TurnFailed turns the LED off and plays the error cue ahead of anything
// queued.
func (n *Notifier) TurnFailed(err error) {
	n.indicator.SetPattern(hardware.PatternOff)
	n.play(n.cues.Error, playback.PriorityAlert)
}

func (n *Notifier) play(c audio.Clip, priority int) {
	if n.player == nil || c.Empty() {
		return
	}
	if err := n.player.PlayPriority(c, priority); err != nil {
		slog.Warn("feedback: play cue", "cue", c.Name, "err", err)
	}
}
