// Package mock provides test doubles for the hardware package interfaces.
package mock

import (
	"sync"

	"github.com/MrWong99/pushtalk/internal/hardware"
)

var (
	_ hardware.TalkSignal = (*TalkSignal)(nil)
	_ hardware.Amplifier  = (*Amplifier)(nil)
	_ hardware.Indicator  = (*Indicator)(nil)
)

// TalkSignal is a settable [hardware.TalkSignal].
type TalkSignal struct {
	mu      sync.Mutex
	pressed bool
}

// Set changes the reported state.
func (s *TalkSignal) Set(pressed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pressed = pressed
}

// Pressed implements [hardware.TalkSignal].
func (s *TalkSignal) Pressed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pressed
}

// Amplifier records Enable and Disable calls.
type Amplifier struct {
	mu    sync.Mutex
	calls []string

	// EnableErr is returned by Enable when non-nil.
	EnableErr error
}

// Enable implements [hardware.Amplifier].
func (a *Amplifier) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "enable")
	return a.EnableErr
}

// Disable implements [hardware.Amplifier].
func (a *Amplifier) Disable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "disable")
	return nil
}

// Calls returns the recorded calls in order.
func (a *Amplifier) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// Indicator records every pattern set.
type Indicator struct {
	mu       sync.Mutex
	patterns []hardware.Pattern
}

// SetPattern implements [hardware.Indicator].
func (i *Indicator) SetPattern(p hardware.Pattern) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.patterns = append(i.patterns, p)
}

// Patterns returns the recorded patterns in order.
func (i *Indicator) Patterns() []hardware.Pattern {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]hardware.Pattern(nil), i.patterns...)
}

// Last returns the most recent pattern, or [hardware.PatternOff].
func (i *Indicator) Last() hardware.Pattern {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.patterns) == 0 {
		return hardware.PatternOff
	}
	return i.patterns[len(i.patterns)-1]
}
