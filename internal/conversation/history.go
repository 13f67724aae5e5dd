package conversation

import (
	"slices"
	"sync"
)

// DefaultSystemPrompt is used when no instructions are configured.
const DefaultSystemPrompt = "You are a helpful assistant engaging in a voice conversation. Keep your responses clear and concise."

// DefaultMaxMessages bounds the history sent with each request.
const DefaultMaxMessages = 40

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation history.
type Message struct {
	Role Role
	Text string
}

// History is the bounded, thread-safe list of exchanged messages. The system
// prompt is kept separately and never trimmed.
type History struct {
	mu       sync.Mutex
	system   string
	messages []Message
	max      int
}

// NewHistory returns an empty History. An empty system prompt uses
// [DefaultSystemPrompt]; max <= 0 uses [DefaultMaxMessages].
func NewHistory(system string, max int) *History {
	if system == "" {
		system = DefaultSystemPrompt
	}
	if max <= 0 {
		max = DefaultMaxMessages
	}
	return &History{system: system, max: max}
}

// System returns the system prompt.
func (h *History) System() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.system
}

// Add appends a message, dropping the oldest ones beyond the limit.
func (h *History) Add(role Role, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, Message{Role: role, Text: text})
	if over := len(h.messages) - h.max; over > 0 {
		h.messages = slices.Delete(h.messages, 0, over)
	}
}

// Messages returns a copy of the history.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.messages)
}

// Len returns the number of stored messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Reset forgets every message.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
}
