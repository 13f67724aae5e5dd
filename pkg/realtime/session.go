package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// State is the lifecycle state of a [Session].
type State int

const (
	// StateDisconnected means no live connection. A session enters it before
	// dialling and after a transport failure.
	StateDisconnected State = iota

	// StateConnecting means the WebSocket handshake is in progress.
	StateConnecting

	// StateConnected means operations are accepted.
	StateConnected

	// StateClosed means the session was closed by the caller. It is final.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is one live Realtime connection. All methods are safe for
// concurrent use; outbound messages are written in call order.
type Session struct {
	handler Handler
	input   Modality
	output  Modality

	conn         *websocket.Conn
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu     sync.Mutex
	state  State
	errVal error

	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
}

func newSession(h Handler, input, output Modality, writeTimeout time.Duration) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		handler:      h,
		input:        input,
		output:       output,
		writeTimeout: writeTimeout,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateDisconnected,
		done:    make(chan struct{}),
	}
}

func (s *Session) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = st
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session leaves [StateConnected] for good, either
// by [Session.Close] or by a transport failure.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the transport error that disconnected the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// InputModality returns the modality the session was configured with.
func (s *Session) InputModality() Modality { return s.input }

// OutputModality returns whether responses carry audio.
func (s *Session) OutputModality() Modality { return s.output }

// ── Operations ─────────────────────────────────────────────────────────────────

// AppendAudio sends input_audio_buffer.append with pcm (PCM16, 24 kHz mono)
// base64-encoded. Empty input is ignored.
func (s *Session) AppendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return s.checkConnected()
	}
	return s.send(ctx, appendAudioMessage{
		Type:  EventInputAudioBufferAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio sends input_audio_buffer.commit, finalising the spoken
// utterance. The far end reports an error if the buffer holds too little
// audio.
func (s *Session) CommitAudio(ctx context.Context) error {
	return s.send(ctx, typeOnlyMessage{Type: EventInputAudioBufferCommit})
}

// ClearAudio sends input_audio_buffer.clear, discarding uncommitted audio.
func (s *Session) ClearAudio(ctx context.Context) error {
	return s.send(ctx, typeOnlyMessage{Type: EventInputAudioBufferClear})
}

// SendText adds a user text message to the conversation. It fails with
// [ErrModality] without sending anything when the input modality is audio.
func (s *Session) SendText(ctx context.Context, text string) error {
	if s.input == ModalityAudio {
		return fmt.Errorf("realtime: send text: %w: input is %s", ErrModality, s.input)
	}
	return s.send(ctx, createConversationItemMessage{
		Type: EventConversationItemCreate,
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	})
}

// SendAudioMessage adds a complete user audio message to the conversation as
// a conversation item, bypassing the input buffer.
func (s *Session) SendAudioMessage(ctx context.Context, pcm []byte) error {
	return s.send(ctx, createConversationItemMessage{
		Type: EventConversationItemCreate,
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_audio", Audio: base64.StdEncoding.EncodeToString(pcm)}},
		},
	})
}

// RequestResponse sends response.create. Text is always requested; audio is
// added when listed in modalities. With no modalities the session's output
// modality decides.
func (s *Session) RequestResponse(ctx context.Context, modalities ...Modality) error {
	if len(modalities) == 0 {
		modalities = []Modality{s.output}
	}
	return s.send(ctx, responseCreateMessage{
		Type:     EventResponseCreate,
		Response: responseParams{Modalities: normalizeModalities(modalities)},
	})
}

// Close closes the connection and moves the session to [StateClosed].
// Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		conn := s.conn
		s.mu.Unlock()

		s.cancel()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "session closed")
		}
		s.markDone()
	})
	return nil
}

// ── internals ──────────────────────────────────────────────────────────────────

func (s *Session) checkConnected() error {
	if st := s.State(); st != StateConnected {
		return fmt.Errorf("%w (state %s)", ErrNotConnected, st)
	}
	return nil
}

// send writes v if the session is connected. A write failure is a transport
// failure and disconnects the session.
func (s *Session) send(ctx context.Context, v any) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := s.writeJSON(ctx, v); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("realtime: write: %w", ctx.Err())
		}
		s.fail(err)
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *Session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	// Writes are bounded by the caller's context, the session's and the
	// write timeout.
	wctx, cancel := context.WithCancel(ctx)
	if s.writeTimeout > 0 {
		wctx, cancel = context.WithTimeout(ctx, s.writeTimeout)
	}
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		if ctx.Err() == nil && errors.Is(wctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: write timed out after %v: %w", ErrTransport, s.writeTimeout, err)
		}
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}
	return nil
}

// receiveLoop reads events until the socket fails or the session is closed.
// Malformed messages are dropped; only read errors end the loop.
func (s *Session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.fail(fmt.Errorf("%w: read: %w", ErrTransport, err))
			return
		}

		evt, err := ParseServerEvent(data)
		if err != nil {
			slog.Warn("realtime: dropping malformed event", "err", err, "bytes", len(data))
			continue
		}
		s.dispatch(evt)
	}
}

// dispatch hands evt to the handler. A panicking handler is logged and the
// loop continues.
func (s *Session) dispatch(evt ServerEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("realtime: event handler panicked", "type", evt.Type, "panic", r)
		}
	}()

	switch evt.Type {
	case EventError:
		slog.Warn("realtime: remote error", "err", evt.RemoteError())
	case EventResponseAudioDelta, EventResponseTextDelta, EventResponseTranscriptDelta:
		// Too frequent to log.
	case EventSessionCreated, EventSessionUpdated, EventInputAudioBufferCommitted,
		EventInputAudioBufferCleared, EventResponseCreated, EventResponseDone, EventResponseAudioDone:
		slog.Debug("realtime: event", "type", evt.Type)
	default:
		slog.Debug("realtime: unhandled event", "type", evt.Type)
	}
	s.handler.HandleEvent(evt)
}

// fail records a transport failure and moves the session to
// StateDisconnected. The first failure wins.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.errVal == nil {
		s.errVal = err
	}
	s.state = StateDisconnected
	conn := s.conn
	s.mu.Unlock()

	slog.Error("realtime session disconnected", "err", err)
	s.cancel()
	if conn != nil {
		_ = conn.CloseNow()
	}
	s.markDone()
}

func (s *Session) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}
