package config

import (
	"reflect"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; changes to any
// other section are listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	LEDPatternChanged bool
	NewLEDPattern     string

	MinHoldChanged bool
	NewMinHold     time.Duration

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.LEDPatternChanged && !d.MinHoldChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}
	if old.Hardware.LEDPattern != new.Hardware.LEDPattern {
		d.LEDPatternChanged = true
		d.NewLEDPattern = new.Hardware.LEDPattern
	}
	if old.Turn.MinHold != new.Turn.MinHold {
		d.MinHoldChanged = true
		d.NewMinHold = new.Turn.MinHold
	}

	// Compare the remaining fields with the hot-reloadable ones masked out.
	o, n := *old, *new
	o.Log.Level, n.Log.Level = "", ""
	o.Hardware.LEDPattern, n.Hardware.LEDPattern = "", ""
	o.Turn.MinHold, n.Turn.MinHold = 0, 0

	sections := []struct {
		name     string
		old, new any
	}{
		{"mode", o.Mode, n.Mode},
		{"server", o.Server, n.Server},
		{"log", o.Log, n.Log},
		{"openai", o.OpenAI, n.OpenAI},
		{"realtime", o.Realtime, n.Realtime},
		{"conversation", o.Conversation, n.Conversation},
		{"audio", o.Audio, n.Audio},
		{"turn", o.Turn, n.Turn},
		{"hardware", o.Hardware, n.Hardware},
		{"cues", o.Cues, n.Cues},
		{"capabilities", o.Capabilities, n.Capabilities},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
