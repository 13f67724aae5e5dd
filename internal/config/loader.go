package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/pushtalk/internal/capability"
	"github.com/MrWong99/pushtalk/internal/hardware"
	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/realtime"
)

// EnvAPIKey names the environment variable holding the OpenAI API key.
const EnvAPIKey = "OPENAI_API_KEY"

// Defaults applied by [ApplyDefaults].
const (
	DefaultDeviceRate      = 48000
	DefaultFrameMillis     = 20
	DefaultQueueSize       = 64
	DefaultMinHold         = 500 * time.Millisecond
	DefaultPollInterval    = 10 * time.Millisecond
	DefaultDialTimeout     = 15 * time.Second
	DefaultRequestTimeout  = 60 * time.Second
	DefaultPlaybackDevice  = "plughw:0,0"
	DefaultButtonPin       = "GPIO17"
	DefaultLEDPin          = "GPIO27"
	DefaultAmplifierPin    = "GPIO22"
	DefaultCheckInterval   = capability.DefaultInterval
	DefaultCheckTimeout    = capability.DefaultCheckTimeout
	DefaultLogMaxSizeMB    = 10
	DefaultLogMaxBackups   = 3
	minPollInterval        = time.Millisecond
	maxReasonableHoldLimit = 10 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies the environment and
// defaults, and validates the result. An empty document yields the default
// configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseBytes is [LoadFromReader] over an in-memory document.
func parseBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// ApplyEnv overrides settings from the environment.
func ApplyEnv(cfg *Config) {
	if key := os.Getenv(EnvAPIKey); key != "" {
		cfg.OpenAI.APIKey = key
	}
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModeRealtime
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = LogInfo
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = DefaultLogMaxBackups
	}

	rt := &cfg.Realtime
	if rt.URL == "" {
		rt.URL = realtime.DefaultURL
	}
	if rt.Model == "" {
		rt.Model = realtime.DefaultModel
	}
	if rt.InputModality == "" {
		rt.InputModality = string(realtime.ModalityAudio)
	}
	if rt.OutputModality == "" {
		rt.OutputModality = string(realtime.ModalityAudio)
	}
	if rt.DialTimeout <= 0 {
		rt.DialTimeout = DefaultDialTimeout
	}
	if rt.WriteTimeout <= 0 {
		rt.WriteTimeout = realtime.DefaultWriteTimeout
	}

	if cfg.Conversation.Timeout <= 0 {
		cfg.Conversation.Timeout = DefaultRequestTimeout
	}

	a := &cfg.Audio
	if a.CaptureMode == "" {
		a.CaptureMode = audio.ModeStream.String()
	}
	if a.DeviceRate <= 0 {
		a.DeviceRate = DefaultDeviceRate
	}
	if a.FrameMillis <= 0 {
		a.FrameMillis = DefaultFrameMillis
	}
	if a.QueueSize <= 0 {
		a.QueueSize = DefaultQueueSize
	}
	if a.PlaybackDevice == "" && a.Backend == "alsa" {
		a.PlaybackDevice = DefaultPlaybackDevice
	}

	if cfg.Turn.MinHold <= 0 {
		cfg.Turn.MinHold = DefaultMinHold
	}
	if cfg.Turn.PollInterval <= 0 {
		cfg.Turn.PollInterval = DefaultPollInterval
	}

	hw := &cfg.Hardware
	if hw.Talk == "" {
		hw.Talk = TalkKeyboard
	}
	if hw.Talk == TalkGPIO {
		if hw.ButtonPin == "" {
			hw.ButtonPin = DefaultButtonPin
		}
		if hw.LEDPin == "" {
			hw.LEDPin = DefaultLEDPin
		}
		if hw.AmplifierPin == "" {
			hw.AmplifierPin = DefaultAmplifierPin
		}
	}
	if hw.ActiveLow == nil {
		v := true
		hw.ActiveLow = &v
	}
	if hw.LEDPattern == "" {
		hw.LEDPattern = string(hardware.PatternSolid)
	}

	if cfg.Capabilities.CheckInterval <= 0 {
		cfg.Capabilities.CheckInterval = DefaultCheckInterval
	}
	if cfg.Capabilities.CheckTimeout <= 0 {
		cfg.Capabilities.CheckTimeout = DefaultCheckTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found; soft
// problems are logged as warnings.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("mode %q is invalid; valid values: realtime, classic", cfg.Mode))
	}
	if !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	for name, v := range map[string]int{
		"log.max_size_mb":  cfg.Log.MaxSizeMB,
		"log.max_backups":  cfg.Log.MaxBackups,
		"log.max_age_days": cfg.Log.MaxAgeDays,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", name, v))
		}
	}
	if cfg.OpenAI.APIKey == "" {
		errs = append(errs, fmt.Errorf("openai.api_key is required (or set %s)", EnvAPIKey))
	}

	in, err := realtime.ParseModality(cfg.Realtime.InputModality)
	if err != nil {
		errs = append(errs, fmt.Errorf("realtime.input_modality: %w", err))
	}
	if _, err := realtime.ParseModality(cfg.Realtime.OutputModality); err != nil {
		errs = append(errs, fmt.Errorf("realtime.output_modality: %w", err))
	}

	if _, err := audio.ParseMode(cfg.Audio.CaptureMode); err != nil {
		errs = append(errs, fmt.Errorf("audio.capture_mode: %w", err))
	}
	if cfg.Audio.DeviceRate < 8000 || cfg.Audio.DeviceRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.device_rate %d is out of range [8000, 192000]", cfg.Audio.DeviceRate))
	}
	if cfg.Audio.FrameMillis > 200 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is too long; at most 200", cfg.Audio.FrameMillis))
	}
	if cfg.Audio.Backend == "" && in == realtime.ModalityAudio {
		slog.Warn("audio.backend is empty; the build default will be used")
	}

	if cfg.Turn.MinHold > maxReasonableHoldLimit {
		errs = append(errs, fmt.Errorf("turn.min_hold %v exceeds %v", cfg.Turn.MinHold, maxReasonableHoldLimit))
	}
	if cfg.Turn.PollInterval < minPollInterval {
		errs = append(errs, fmt.Errorf("turn.poll_interval %v is below %v", cfg.Turn.PollInterval, minPollInterval))
	}
	if cfg.Turn.ResponseTimeout < 0 {
		errs = append(errs, errors.New("turn.response_timeout must not be negative"))
	}

	if !cfg.Hardware.Talk.IsValid() {
		errs = append(errs, fmt.Errorf("hardware.talk %q is invalid; valid values: gpio, keyboard", cfg.Hardware.Talk))
	}
	if cfg.Hardware.Talk == TalkGPIO && cfg.Hardware.ButtonPin == "" {
		errs = append(errs, errors.New("hardware.button_pin is required when hardware.talk is gpio"))
	}
	if _, err := hardware.ParsePattern(cfg.Hardware.LEDPattern); err != nil {
		errs = append(errs, fmt.Errorf("hardware.led_pattern: %w", err))
	}

	if err := capability.ValidateServers(cfg.Capabilities.Servers); err != nil {
		errs = append(errs, fmt.Errorf("capabilities.servers: %w", err))
	}
	if len(cfg.Capabilities.Servers) > 0 && cfg.Mode == ModeRealtime {
		slog.Warn("capabilities.servers are only offered to the assistant in classic mode")
	}
	if cfg.Conversation.MaxHistory < 0 {
		errs = append(errs, errors.New("conversation.max_history must not be negative"))
	}

	return errors.Join(errs...)
}
