// Package hardware connects the engine to the physical controls of the
// device: the push-to-talk button, the recording LED and the speaker
// amplifier's shutdown pin.
//
// The GPIO implementations use periph.io. When no GPIO is available the
// keyboard toggle and the no-op implementations stand in, so the engine runs
// unchanged on a workstation.
package hardware

import (
	"fmt"
	"strings"
)

// TalkSignal reports whether the user is holding the talk control.
type TalkSignal interface {
	Pressed() bool
}

// Amplifier switches the speaker amplifier on and off.
type Amplifier interface {
	Enable() error
	Disable() error
}

// Indicator shows the recording state to the user.
type Indicator interface {
	SetPattern(p Pattern)
}

// Pattern is an LED animation.
type Pattern string

const (
	PatternOff   Pattern = "off"
	PatternSolid Pattern = "solid"
	PatternBlink Pattern = "blink"
	PatternPulse Pattern = "pulse"
)

// IsValid reports whether p is a known pattern.
func (p Pattern) IsValid() bool {
	switch p {
	case PatternOff, PatternSolid, PatternBlink, PatternPulse:
		return true
	}
	return false
}

// ParsePattern parses a configuration value. The empty string is
// [PatternSolid].
func ParsePattern(s string) (Pattern, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PatternSolid, nil
	}
	p := Pattern(s)
	if !p.IsValid() {
		return "", fmt.Errorf("hardware: unknown LED pattern %q (want solid, blink, pulse or off)", s)
	}
	return p, nil
}

// NopAmplifier is an [Amplifier] for outputs without a shutdown pin.
type NopAmplifier struct{}

func (NopAmplifier) Enable() error  { return nil }
func (NopAmplifier) Disable() error { return nil }

// NopIndicator is an [Indicator] for devices without an LED.
type NopIndicator struct{}

func (NopIndicator) SetPattern(Pattern) {}
