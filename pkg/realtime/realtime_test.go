package realtime_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/pushtalk/pkg/realtime"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeRaw sends data as a text frame.
func writeRaw(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeRaw: %v (may be expected on close)", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	writeRaw(t, conn, data)
}

// eventRecorder is a Handler that records every event it receives.
type eventRecorder struct {
	mu     sync.Mutex
	events []realtime.ServerEvent
	notify chan realtime.ServerEvent
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{notify: make(chan realtime.ServerEvent, 256)}
}

func (r *eventRecorder) HandleEvent(evt realtime.ServerEvent) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	select {
	case r.notify <- evt:
	default:
	}
}

func (r *eventRecorder) waitType(t *testing.T, typ string) realtime.ServerEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-r.notify:
			if evt.Type == typ {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %q", typ)
			return realtime.ServerEvent{}
		}
	}
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_HeadersAndQuery(t *testing.T) {
	t.Parallel()

	type seen struct {
		model, auth, beta string
	}
	got := make(chan seen, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- seen{
			model: r.URL.Query().Get("model"),
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
		}
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := realtime.New("sk-test", realtime.WithModel("gpt-4o-mini-realtime"), realtime.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case s := <-got:
		if s.model != "gpt-4o-mini-realtime" {
			t.Errorf("model = %q; want gpt-4o-mini-realtime", s.model)
		}
		if s.auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q; want Bearer sk-test", s.auth)
		}
		if s.beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q; want realtime=v1", s.beta)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
	if st := sess.State(); st != realtime.StateConnected {
		t.Errorf("state = %v; want connected", st)
	}
}

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		received <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	c := realtime.New("key",
		realtime.WithBaseURL(wsURL(srv)),
		realtime.WithInstructions("be brief"),
		realtime.WithVoice("alloy"),
	)
	sess, err := c.Connect(context.Background(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	var msg map[string]any
	select {
	case msg = <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}

	if msg["type"] != "session.update" {
		t.Fatalf("type = %v; want session.update", msg["type"])
	}
	session, _ := msg["session"].(map[string]any)
	if session == nil {
		t.Fatal("session object missing")
	}
	if session["instructions"] != "be brief" {
		t.Errorf("instructions = %v", session["instructions"])
	}
	if session["voice"] != "alloy" {
		t.Errorf("voice = %v", session["voice"])
	}
	if session["input_audio_format"] != "pcm16" || session["output_audio_format"] != "pcm16" {
		t.Errorf("audio formats = %v / %v; want pcm16", session["input_audio_format"], session["output_audio_format"])
	}
	td, present := session["turn_detection"]
	if !present || td != nil {
		t.Errorf("turn_detection = %v (present %v); want explicit null", td, present)
	}
	mods, _ := session["modalities"].([]any)
	if len(mods) != 2 || mods[0] != "text" || mods[1] != "audio" {
		t.Errorf("modalities = %v; want [text audio]", mods)
	}
}

func TestConnect_TextOutputModality(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		received <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	c := realtime.New("key", realtime.WithBaseURL(wsURL(srv)), realtime.WithOutputModality(realtime.ModalityText))
	sess, err := c.Connect(context.Background(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case msg := <-received:
		session, _ := msg["session"].(map[string]any)
		mods, _ := session["modalities"].([]any)
		if len(mods) != 1 || mods[0] != "text" {
			t.Errorf("modalities = %v; want [text]", mods)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	c := realtime.New("key", realtime.WithBaseURL(wsURL(srv)))
	_, err := c.Connect(context.Background(), nil)
	if !errors.Is(err, realtime.ErrTransport) {
		t.Fatalf("err = %v; want ErrTransport", err)
	}
	if st := c.State(); st != realtime.StateDisconnected {
		t.Errorf("state = %v; want disconnected", st)
	}
}

func TestConnect_ReplacesPreviousSession(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := realtime.New("key", realtime.WithBaseURL(wsURL(srv)))
	first, err := c.Connect(context.Background(), nil)
	if err != nil {
		t.Fatalf("Connect 1: %v", err)
	}
	second, err := c.Connect(context.Background(), nil)
	if err != nil {
		t.Fatalf("Connect 2: %v", err)
	}
	defer second.Close()

	if st := first.State(); st != realtime.StateClosed {
		t.Errorf("first state = %v; want closed", st)
	}
	if c.Session() != second {
		t.Error("Session() should return the latest session")
	}
}

// ── Outbound operations ───────────────────────────────────────────────────────

func TestSession_OutboundMessageShapes(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 16)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				return
			}
			var raw map[string]any
			if json.Unmarshal(data, &raw) == nil {
				msgs <- raw
			}
		}
	})

	c := realtime.New("key", realtime.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ctx := context.Background()
	pcm := []byte{1, 2, 3, 4}
	if err := sess.ClearAudio(ctx); err != nil {
		t.Fatalf("ClearAudio: %v", err)
	}
	if err := sess.AppendAudio(ctx, pcm); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if err := sess.CommitAudio(ctx); err != nil {
		t.Fatalf("CommitAudio: %v", err)
	}
	if err := sess.RequestResponse(ctx); err != nil {
		t.Fatalf("RequestResponse: %v", err)
	}
	if err := sess.RequestResponse(ctx, realtime.ModalityText); err != nil {
		t.Fatalf("RequestResponse(text): %v", err)
	}

	next := func() map[string]any {
		t.Helper()
		select {
		case m := <-msgs:
			return m
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for message")
			return nil
		}
	}

	if m := next(); m["type"] != "session.update" {
		t.Fatalf("first message = %v; want session.update", m["type"])
	}
	if m := next(); m["type"] != "input_audio_buffer.clear" {
		t.Errorf("type = %v; want input_audio_buffer.clear", m["type"])
	}
	m := next()
	if m["type"] != "input_audio_buffer.append" {
		t.Errorf("type = %v; want input_audio_buffer.append", m["type"])
	}
	if m["audio"] != base64.StdEncoding.EncodeToString(pcm) {
		t.Errorf("audio = %v; want base64 of pcm", m["audio"])
	}
	if m := next(); m["type"] != "input_audio_buffer.commit" {
		t.Errorf("type = %v; want input_audio_buffer.commit", m["type"])
	}

	m = next()
	resp, _ := m["response"].(map[string]any)
	mods, _ := resp["modalities"].([]any)
	if m["type"] != "response.create" || len(mods) != 2 || mods[0] != "text" || mods[1] != "audio" {
		t.Errorf("response.create = %v; want modalities [text audio]", m)
	}

	m = next()
	resp, _ = m["response"].(map[string]any)
	mods, _ = resp["modalities"].([]any)
	if len(mods) != 1 || mods[0] != "text" {
		t.Errorf("modalities = %v; want [text]", mods)
	}
}

func TestSession_SendText(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 4)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for range 2 {
			var raw map[string]any
			readJSON(t, conn, &raw)
			msgs <- raw
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	c := realtime.New("key", realtime.WithBaseURL(wsURL(srv)), realtime.WithInputModality(realtime.ModalityText))
	sess, err := c.Connect(context.Background(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.SendText(context.Background(), "what time is it?"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	<-msgs // session.update
	select {
	case m := <-msgs:
		if m["type"] != "conversation.item.create" {
			t.Fatalf("type = %v; want conversation.item.create", m["type"])
		}
		item, _ := m["item"].(map[string]any)
		if item["role"] != "user" || item["type"] != "message" {
			t.Errorf("item = %v", item)
		}
		content, _ := item["content"].([]any)
		if len(content) != 1 {
			t.Fatalf("content = %v; want one part", content)
		}
		part, _ := content[0].(map[string]any)
		if part["type"] != "input_text" || part["text"] != "what time is it?" {
			t.Errorf("part = %v", part)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestSession_SendAudioMessage(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 4)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for range 2 {
			var raw map[string]any
			readJSON(t, conn, &raw)
			msgs <- raw
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	c := realtime.New("key", realtime.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	pcm := []byte{0x10, 0x00, 0xf0, 0xff}
	if err := sess.SendAudioMessage(context.Background(), pcm); err != nil {
		t.Fatalf("SendAudioMessage: %v", err)
	}

	<-msgs // session.update
	select {
	case m := <-msgs:
		if m["type"] != "conversation.item.create" {
			t.Fatalf("type = %v; want conversation.item.create", m["type"])
		}
		item, _ := m["item"].(map[string]any)
		if item["role"] != "user" || item["type"] != "message" {
			t.Errorf("item = %v", item)
		}
		content, _ := item["content"].([]any)
		if len(content) != 1 {
			t.Fatalf("content = %v; want one part", content)
		}
		part, _ := content[0].(map[string]any)
		if part["type"] != "input_audio" {
			t.Errorf("part type = %v; want input_audio", part["type"])
		}
		if part["audio"] != base64.StdEncoding.EncodeToString(pcm) {
			t.Errorf("audio = %v; want base64 of pcm", part["audio"])
		}
		if _, ok := part["text"]; ok {
			t.Errorf("part = %v; want no text field", part)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestSession_SendTextRejectedForAudioInput(t *testing.T) {
	t.Parallel()

	extra := make(chan struct{}, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// A timed Read would close the socket on expiry, so block until the
		// client goes away and report anything that arrives first.
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
			select {
			case extra <- struct{}{}:
			default:
			}
		}
	})

	c := realtime.New("key", realtime.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	err = sess.SendText(context.Background(), "hello")
	if !errors.Is(err, realtime.ErrModality) {
		t.Fatalf("err = %v; want ErrModality", err)
	}

	time.Sleep(300 * time.Millisecond)
	select {
	case <-extra:
		t.Error("SendText with audio input must not send anything")
	default:
	}
	if st := sess.State(); st != realtime.StateConnected {
		t.Errorf("state = %v; want still connected", st)
	}
}

// ── Disconnect ───────────────────────────────────────────────────────────────

func TestSession_ServerCloseDisconnects(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Returning closes the socket.
	})

	c := realtime.New("key", realtime.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not notice the server closing")
	}

	if st := sess.State(); st != realtime.StateDisconnected {
		t.Errorf("state = %v; want disconnected", st)
	}
	if !errors.Is(sess.Err(), realtime.ErrTransport) {
		t.Errorf("Err() = %v; want ErrTransport", sess.Err())
	}

	ctx := context.Background()
	ops := map[string]func() error{
		"AppendAudio":     func() error { return sess.AppendAudio(ctx, []byte{1, 2}) },
		"CommitAudio":     func() error { return sess.CommitAudio(ctx) },
		"ClearAudio":      func() error { return sess.ClearAudio(ctx) },
		"RequestResponse": func() error { return sess.RequestResponse(ctx) },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, realtime.ErrNotConnected) {
			t.Errorf("%s: err = %v; want ErrNotConnected", name, err)
		}
	}
}

func TestSession_StalledWriteTimesOut(t *testing.T) {
	t.Parallel()

	// The server never reads, so the socket buffers fill and writes stall.
	release := make(chan struct{})
	srv := startServer(t, func(*websocket.Conn, *http.Request) { <-release })
	t.Cleanup(func() { close(release) })

	c := realtime.New("key", realtime.WithBaseURL(wsURL(srv)), realtime.WithWriteTimeout(200*time.Millisecond))
	sess, err := c.Connect(context.Background(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	pcm := make([]byte, 4<<20)
	start := time.Now()
	for range 64 {
		if err = sess.AppendAudio(context.Background(), pcm); err != nil {
			break
		}
		if time.Since(start) > 10*time.Second {
			break
		}
	}
	if !errors.Is(err, realtime.ErrNotConnected) || !errors.Is(err, realtime.ErrTransport) {
		t.Fatalf("err = %v; want a transport failure", err)
	}
	if st := sess.State(); st != realtime.StateDisconnected {
		t.Errorf("state = %v; want disconnected", st)
	}
	if err := sess.CommitAudio(context.Background()); !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("CommitAudio after timeout = %v; want ErrNotConnected", err)
	}
}

func TestSession_CallerCancelIsNotATransportFailure(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startServer(t, func(*websocket.Conn, *http.Request) { <-release })
	t.Cleanup(func() { close(release) })

	c := realtime.New("key", realtime.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sess.AppendAudio(ctx, []byte{1, 2}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v; want context.Canceled", err)
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := realtime.New("key", realtime.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if st := sess.State(); st != realtime.StateClosed {
		t.Errorf("state = %v; want closed", st)
	}
	if err := sess.CommitAudio(context.Background()); !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("CommitAudio after Close: err = %v; want ErrNotConnected", err)
	}
	if sess.Err() != nil {
		t.Errorf("Err() after Close = %v; want nil", sess.Err())
	}
}

// ── Inbound events ────────────────────────────────────────────────────────────

func TestSession_DeliversEventsInOrder(t *testing.T) {
	t.Parallel()

	pcm := []byte{10, 20, 30, 40}
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "response.created", "response": map[string]any{"id": "r1"}})
		writeJSON(t, conn, map[string]any{
			"type":        "response.audio.delta",
			"response_id": "r1",
			"delta":       base64.StdEncoding.EncodeToString(pcm),
		})
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{
			"type": "invalid_request_error", "code": "input_audio_buffer_commit_empty", "message": "buffer too small",
		}})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newEventRecorder()
	c := realtime.New("key", realtime.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), rec)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	rec.waitType(t, realtime.EventResponseCreated)
	delta := rec.waitType(t, realtime.EventResponseAudioDelta)
	got, err := delta.AudioDelta()
	if err != nil {
		t.Fatalf("AudioDelta: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("delta = %v; want %v", got, pcm)
	}

	evtErr := rec.waitType(t, realtime.EventError)
	re := evtErr.RemoteError()
	if !errors.Is(re, realtime.ErrRemote) {
		t.Errorf("RemoteError() = %v; want ErrRemote", re)
	}
	if re.Code != "input_audio_buffer_commit_empty" {
		t.Errorf("code = %q", re.Code)
	}

	// A remote error does not close the session.
	if st := sess.State(); st != realtime.StateConnected {
		t.Errorf("state = %v; want connected", st)
	}
}

func TestSession_SurvivesMalformedEvents(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		for i := range 100 {
			switch i % 4 {
			case 0:
				writeRaw(t, conn, []byte("not json {"))
			case 1:
				writeRaw(t, conn, []byte(`{"no_type":true}`))
			case 2:
				writeJSON(t, conn, map[string]any{"type": fmt.Sprintf("future.event.%d", i)})
			case 3:
				writeRaw(t, conn, []byte(`[1,2,3]`))
			}
		}
		writeJSON(t, conn, map[string]any{
			"type": "response.done",
			"response": map[string]any{
				"id": "r1",
				"output": []any{map[string]any{
					"type": "message",
					"role": "assistant",
					"content": []any{
						map[string]any{"type": "output_text", "text": "It is noon."},
					},
				}},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newEventRecorder()
	c := realtime.New("key", realtime.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), rec)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	done := rec.waitType(t, realtime.EventResponseDone)
	text, ok := done.Response.Text()
	if !ok || text != "It is noon." {
		t.Errorf("Text() = %q, %v; want It is noon.", text, ok)
	}
	if st := sess.State(); st != realtime.StateConnected {
		t.Errorf("state = %v; want connected", st)
	}
	// Only the 25 well-formed unknown events and response.done reach the handler.
	if n := rec.count(); n != 26 {
		t.Errorf("handler saw %d events; want 26", n)
	}
}

func TestSession_HandlerPanicDoesNotKillLoop(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		<-conn.CloseRead(context.Background()).Done()
	})

	got := make(chan string, 2)
	h := realtime.HandlerFunc(func(evt realtime.ServerEvent) {
		got <- evt.Type
		if evt.Type == realtime.EventSessionCreated {
			panic("boom")
		}
	})

	c := realtime.New("key", realtime.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), h)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	for _, want := range []string{realtime.EventSessionCreated, realtime.EventSessionUpdated} {
		select {
		case typ := <-got:
			if typ != want {
				t.Errorf("event = %q; want %q", typ, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
}
