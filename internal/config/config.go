// Package config provides the configuration schema, loader, watcher and audio
// backend registry for pushtalk.
package config

import (
	"time"

	"github.com/MrWong99/pushtalk/internal/capability"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode selects the conversation backend.
type Mode string

const (
	// ModeRealtime streams turns over a Realtime WebSocket session.
	ModeRealtime Mode = "realtime"

	// ModeClassic transcribes, answers and synthesises each turn with
	// separate HTTP calls.
	ModeClassic Mode = "classic"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeRealtime || m == ModeClassic
}

// TalkInput selects what drives the push-to-talk signal.
type TalkInput string

const (
	// TalkGPIO reads a hardware button.
	TalkGPIO TalkInput = "gpio"

	// TalkKeyboard toggles on every Enter key press.
	TalkKeyboard TalkInput = "keyboard"
)

// IsValid reports whether t is a recognised talk input.
func (t TalkInput) IsValid() bool {
	return t == TalkGPIO || t == TalkKeyboard
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// Mode selects the backend. Default: realtime.
	Mode Mode `yaml:"mode"`

	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	OpenAI       OpenAIConfig       `yaml:"openai"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	Conversation ConversationConfig `yaml:"conversation"`
	Audio        AudioConfig        `yaml:"audio"`
	Turn         TurnConfig         `yaml:"turn"`
	Hardware     HardwareConfig     `yaml:"hardware"`
	Cues         CuesConfig         `yaml:"cues"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
}

// ServerConfig configures the observability HTTP server.
type ServerConfig struct {
	// ListenAddr is the address serving /metrics, /healthz and /readyz
	// (e.g. ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig controls logging and the turn journal.
type LogConfig struct {
	// Level controls verbosity. Default: info.
	Level LogLevel `yaml:"level"`

	// File, if set, receives a copy of every log line. It is rotated once it
	// reaches MaxSizeMB.
	File string `yaml:"file"`

	// MaxSizeMB is the size at which the log file is rotated. Default: 10.
	MaxSizeMB int `yaml:"max_size_mb"`

	// MaxBackups is how many rotated files are kept. Default: 3.
	MaxBackups int `yaml:"max_backups"`

	// MaxAgeDays removes rotated files older than this. Zero keeps them
	// regardless of age.
	MaxAgeDays int `yaml:"max_age_days"`

	// Compress gzips rotated files.
	Compress bool `yaml:"compress"`

	// Journal, if set, is a JSON lines file recording every turn and reply.
	Journal string `yaml:"journal"`
}

// OpenAIConfig holds credentials shared by both backends.
type OpenAIConfig struct {
	// APIKey authenticates every request. The OPENAI_API_KEY environment
	// variable takes precedence.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the HTTP API endpoint of the classic backend.
	BaseURL string `yaml:"base_url"`

	// Organization is sent with HTTP API requests when set.
	Organization string `yaml:"organization"`
}

// RealtimeConfig configures the Realtime session.
type RealtimeConfig struct {
	// URL is the WebSocket endpoint. Default: the OpenAI Realtime endpoint.
	URL string `yaml:"url"`

	// Model selects the Realtime model.
	Model string `yaml:"model"`

	// Voice selects the synthesis voice.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt of the session.
	Instructions string `yaml:"instructions"`

	// InputModality is "audio" (push-to-talk) or "text" (typed lines).
	InputModality string `yaml:"input_modality"`

	// OutputModality is "audio" or "text".
	OutputModality string `yaml:"output_modality"`

	// DialTimeout bounds the WebSocket handshake. Default: 15s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// WriteTimeout bounds each outbound message; a stalled write drops the
	// session. Default: 5s.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ConversationConfig configures the classic backend.
type ConversationConfig struct {
	TranscribeModel string `yaml:"transcribe_model"`
	ResponseModel   string `yaml:"response_model"`

	// FallbackModels are tried in order when the response model fails.
	FallbackModels []string `yaml:"fallback_models"`

	SpeechModel     string `yaml:"speech_model"`
	Voice           string `yaml:"voice"`

	// Language is an optional ISO-639-1 hint for transcription.
	Language string `yaml:"language"`

	// SystemPrompt replaces the default assistant instructions.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxHistory bounds the messages sent with each request. Default: 40.
	MaxHistory int `yaml:"max_history"`

	// Timeout bounds each HTTP request. Default: 60s.
	Timeout time.Duration `yaml:"timeout"`
}

// AudioConfig selects and tunes the audio devices.
type AudioConfig struct {
	// Backend names a registered audio backend, e.g. "alsa" or "portaudio".
	Backend string `yaml:"backend"`

	// CaptureMode is "stream" (forward frames live) or "buffered" (send the
	// recording on release).
	CaptureMode string `yaml:"capture_mode"`

	// CaptureDevice and PlaybackDevice are backend-specific device names,
	// e.g. "plughw:0,0" for ALSA. Empty selects the default device.
	CaptureDevice  string `yaml:"capture_device"`
	PlaybackDevice string `yaml:"playback_device"`

	// DeviceRate is the capture rate of the microphone. Default: 48000.
	DeviceRate int `yaml:"device_rate"`

	// FrameMillis is the capture frame length. Default: 20.
	FrameMillis int `yaml:"frame_ms"`

	// QueueSize bounds the frames buffered between the device and the
	// consumer. Default: 64.
	QueueSize int `yaml:"queue_size"`
}

// TurnConfig tunes the push-to-talk controller.
type TurnConfig struct {
	// MinHold is the shortest press that is sent. Default: 500ms.
	MinHold time.Duration `yaml:"min_hold"`

	// PollInterval is how often the talk signal is sampled. Default: 10ms.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ResponseTimeout fails a committed turn whose response has not
	// finished in time. Zero disables the timeout.
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// AudioMessage sends a buffered recording as one audio message instead
	// of appending it to the input buffer and committing it.
	AudioMessage bool `yaml:"audio_message"`
}

// HardwareConfig configures the talk signal, LED and amplifier.
type HardwareConfig struct {
	// Talk selects the talk signal: "gpio" or "keyboard". Default: keyboard.
	Talk TalkInput `yaml:"talk"`

	// ButtonPin, LEDPin and AmplifierPin are GPIO names understood by
	// periph (e.g. "GPIO17"). Empty pins are not used.
	ButtonPin    string `yaml:"button_pin"`
	LEDPin       string `yaml:"led_pin"`
	AmplifierPin string `yaml:"amplifier_pin"`

	// ActiveLow marks a button that pulls the line low when pressed.
	ActiveLow *bool `yaml:"active_low"`

	// LEDPattern is shown while recording: solid, blink or pulse.
	LEDPattern string `yaml:"led_pattern"`
}

// CuesConfig names the WAV files of the feedback sounds. Empty paths use
// built-in tones.
type CuesConfig struct {
	Disabled bool   `yaml:"disabled"`
	Startup  string `yaml:"startup"`
	Release  string `yaml:"release"`
	Error    string `yaml:"error"`
}

// CapabilitiesConfig lists the MCP tool servers offered to the assistant.
type CapabilitiesConfig struct {
	Servers []capability.Server `yaml:"servers"`

	// CheckInterval is the health check period. Default: 1m.
	CheckInterval time.Duration `yaml:"check_interval"`

	// CheckTimeout bounds one probe. Default: 10s.
	CheckTimeout time.Duration `yaml:"check_timeout"`
}
