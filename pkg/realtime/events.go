package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Modality is an input or output channel of a conversation turn.
type Modality string

const (
	// ModalityText is plain text.
	ModalityText Modality = "text"

	// ModalityAudio is PCM16 audio.
	ModalityAudio Modality = "audio"
)

// IsValid reports whether m is a known modality.
func (m Modality) IsValid() bool {
	return m == ModalityText || m == ModalityAudio
}

// ParseModality parses a configuration value into a [Modality].
func ParseModality(s string) (Modality, error) {
	m := Modality(strings.ToLower(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", fmt.Errorf("realtime: unknown modality %q (want text or audio)", s)
	}
	return m, nil
}

// normalizeModalities returns the modality list for response.create. Text is
// always requested so the assistant's transcript can be shown locally.
func normalizeModalities(in []Modality) []Modality {
	out := []Modality{ModalityText}
	for _, m := range in {
		if m == ModalityAudio && len(out) == 1 {
			out = append(out, ModalityAudio)
		}
	}
	return out
}

// Client event types.
const (
	EventSessionUpdate          = "session.update"
	EventInputAudioBufferAppend = "input_audio_buffer.append"
	EventInputAudioBufferCommit = "input_audio_buffer.commit"
	EventInputAudioBufferClear  = "input_audio_buffer.clear"
	EventConversationItemCreate = "conversation.item.create"
	EventResponseCreate         = "response.create"
)

// Server event types.
const (
	EventError                     = "error"
	EventSessionCreated            = "session.created"
	EventSessionUpdated            = "session.updated"
	EventInputAudioBufferCommitted = "input_audio_buffer.committed"
	EventInputAudioBufferCleared   = "input_audio_buffer.cleared"
	EventResponseCreated           = "response.created"
	EventResponseAudioDelta        = "response.audio.delta"
	EventResponseAudioDone         = "response.audio.done"
	EventResponseTextDelta         = "response.text.delta"
	EventResponseTranscriptDelta   = "response.audio_transcript.delta"
	EventResponseDone              = "response.done"
)

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []Modality `json:"modalities,omitempty"`
	Instructions      string     `json:"instructions,omitempty"`
	Voice             string     `json:"voice,omitempty"`
	InputAudioFormat  string     `json:"input_audio_format"`
	OutputAudioFormat string     `json:"output_audio_format"`

	// TurnDetection is always sent as null: turns are delimited locally by
	// the push-to-talk controller, not by server-side voice detection.
	TurnDetection *struct{} `json:"turn_detection"`
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []conversationPart `json:"content"`
}

type conversationPart struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Audio string `json:"audio,omitempty"`
}

type responseCreateMessage struct {
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Modalities []Modality `json:"modalities"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// ErrorDetail is the nested error object of an "error" event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"`
}

// ContentPart is one content element of a response output item.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// OutputItem is one element of response.output.
type OutputItem struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// Response is the response object carried by response.created and
// response.done.
type Response struct {
	ID     string       `json:"id,omitempty"`
	Status string       `json:"status,omitempty"`
	Output []OutputItem `json:"output,omitempty"`
}

// Text returns the first text content of the assistant's messages. Content
// parts of type "output_text" and "text" are preferred; when there are none,
// the transcript of the first "audio" part is used. ok is false when neither
// exists.
func (r *Response) Text() (text string, ok bool) {
	if r == nil {
		return "", false
	}
	var transcript string
	for _, item := range r.Output {
		if item.Role != "assistant" || (item.Type != "" && item.Type != "message") {
			continue
		}
		for _, part := range item.Content {
			switch {
			case (part.Type == "output_text" || part.Type == "text") && part.Text != "":
				return part.Text, true
			case part.Type == "audio" && transcript == "":
				transcript = part.Transcript
			}
		}
	}
	return transcript, transcript != ""
}

// ServerEvent is one decoded message from the far end. Only the fields used
// by this package are decoded; the raw message is kept for logging.
type ServerEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	// response.audio.delta / response.text.delta /
	// response.audio_transcript.delta
	ResponseID string `json:"response_id,omitempty"`
	Delta      string `json:"delta,omitempty"`

	// response.created / response.done
	Response *Response `json:"response,omitempty"`

	// error
	Error *ErrorDetail `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseServerEvent decodes one server message. Messages that are not JSON
// objects or lack a type are reported with an error wrapping [ErrDecode].
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var evt ServerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return ServerEvent{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if evt.Type == "" {
		return ServerEvent{}, fmt.Errorf("%w: missing type", ErrDecode)
	}
	evt.Raw = json.RawMessage(data)
	return evt, nil
}

// AudioDelta decodes the base64 audio payload of a response.audio.delta
// event.
func (e ServerEvent) AudioDelta() ([]byte, error) {
	if e.Delta == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(e.Delta)
	if err != nil {
		return nil, fmt.Errorf("%w: audio delta: %w", ErrDecode, err)
	}
	return b, nil
}

// RemoteError converts an "error" event into a [*RemoteError]. It returns
// nil for other event types.
func (e ServerEvent) RemoteError() *RemoteError {
	if e.Type != EventError {
		return nil
	}
	re := &RemoteError{EventID: e.EventID}
	if e.Error != nil {
		re.Type = e.Error.Type
		re.Code = e.Error.Code
		re.Message = e.Error.Message
	}
	return re
}
