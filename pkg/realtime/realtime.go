// Package realtime implements the client side of the OpenAI Realtime event
// protocol over a persistent WebSocket.
//
// A [Client] dials one [Session] at a time. The session exposes request-style
// operations (append, commit and clear the input audio buffer, send text,
// request a response) and runs a single receive goroutine that decodes every
// inbound message and hands it to a [Handler] in arrival order.
//
// Sessions are never reconnected automatically. When the socket fails the
// session moves to [StateDisconnected], every pending and future operation
// returns [ErrNotConnected], and the caller decides whether to call
// [Client.Connect] again.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// DefaultModel is the Realtime model requested when none is configured.
	DefaultModel = "gpt-4o-realtime-preview-2024-12-17"

	// DefaultURL is the Realtime WebSocket endpoint.
	DefaultURL = "wss://api.openai.com/v1/realtime"

	// DefaultSampleRate is the sample rate of pcm16 audio on the wire.
	DefaultSampleRate = 24000

	// DefaultWriteTimeout bounds each outbound message. A write that does
	// not finish in time fails the session.
	DefaultWriteTimeout = 5 * time.Second
)

// Handler receives decoded server events. HandleEvent is called from the
// session's receive goroutine, one event at a time and in arrival order, so it
// must not block; heavy work belongs on another goroutine.
type Handler interface {
	HandleEvent(ServerEvent)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ServerEvent)

// HandleEvent calls f(evt).
func (f HandlerFunc) HandleEvent(evt ServerEvent) { f(evt) }

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the Realtime model used for sessions.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithInstructions sets the system instructions sent in session.update.
func WithInstructions(s string) Option {
	return func(c *Client) { c.instructions = s }
}

// WithVoice sets the synthesis voice (e.g. "alloy").
func WithVoice(v string) Option {
	return func(c *Client) { c.voice = v }
}

// WithInputModality sets how the user speaks to the session. With
// [ModalityAudio], [Session.SendText] is rejected locally.
func WithInputModality(m Modality) Option {
	return func(c *Client) { c.input = m }
}

// WithOutputModality sets whether responses carry audio. Text is always
// requested in addition.
func WithOutputModality(m Modality) Option {
	return func(c *Client) { c.output = m }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithWriteTimeout bounds each outbound message. Zero or negative disables
// the bound, leaving only the caller's context. Defaults to
// [DefaultWriteTimeout].
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.writeTimeout = d }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client dials Realtime sessions. Only one session is live at a time:
// connecting again closes the previous session first.
type Client struct {
	apiKey       string
	model        string
	baseURL      string
	instructions string
	voice        string
	input        Modality
	output       Modality
	httpClient   *http.Client
	writeTimeout time.Duration

	mu      sync.Mutex
	current *Session
}

// New creates a Client with the given API key and options.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: DefaultURL,
		input:   ModalityAudio,
		output:  ModalityAudio,

		writeTimeout: DefaultWriteTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// InputModality returns the configured input modality.
func (c *Client) InputModality() Modality { return c.input }

// OutputModality returns the configured output modality.
func (c *Client) OutputModality() Modality { return c.output }

// State returns the state of the current session, or [StateDisconnected]
// when no session was ever dialled.
func (c *Client) State() State {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return StateDisconnected
	}
	return s.State()
}

// Session returns the most recently connected session, or nil.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Connect dials a new session, sends session.update and starts the receive
// goroutine, which delivers every decoded event to h. Any previous session
// is closed first.
func (c *Client) Connect(ctx context.Context, h Handler) (*Session, error) {
	if h == nil {
		h = HandlerFunc(func(ServerEvent) {})
	}

	c.mu.Lock()
	prev := c.current
	c.current = nil
	c.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	wsURL, err := c.endpoint()
	if err != nil {
		return nil, err
	}

	sess := newSession(h, c.input, c.output, c.writeTimeout)
	c.mu.Lock()
	c.current = sess
	c.mu.Unlock()

	sess.setState(StateConnecting)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		sess.setState(StateDisconnected)
		return nil, fmt.Errorf("realtime: dial: %w: %w", ErrTransport, err)
	}
	// Server events such as response.done with long transcripts exceed the
	// default 32 KiB read limit.
	conn.SetReadLimit(16 << 20)
	sess.attach(conn)

	modalities := []Modality{ModalityText}
	if c.output == ModalityAudio {
		modalities = append(modalities, ModalityAudio)
	}
	update := sessionUpdateMessage{
		Type: EventSessionUpdate,
		Session: sessionParams{
			Modalities:        modalities,
			Instructions:      c.instructions,
			Voice:             c.voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
		},
	}
	if err := sess.writeJSON(ctx, update); err != nil {
		sess.fail(err)
		_ = conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("realtime: session update: %w", err)
	}

	sess.setState(StateConnected)
	go sess.receiveLoop()

	slog.Info("realtime session connected", "model", c.model, "input", string(c.input), "output", string(c.output))
	return sess, nil
}

// Close closes the current session, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("realtime: invalid base URL %q: %w", c.baseURL, err)
	}
	q := u.Query()
	q.Set("model", c.model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
