package conversation_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/pushtalk/internal/capability"
	"github.com/MrWong99/pushtalk/internal/conversation"
	"github.com/MrWong99/pushtalk/internal/resilience"
	"github.com/MrWong99/pushtalk/pkg/audio"
)

// fakeAPI serves the three endpoints used by the classic backend.
type fakeAPI struct {
	mu       sync.Mutex
	auth     []string
	form     map[string]string
	respBody map[string]any
	speech   map[string]any
	status   int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	if f.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		_, _ = io.WriteString(w, `{"error":{"message":"bad request","type":"invalid_request_error"}}`)
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/audio/transcriptions"):
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.form = map[string]string{"model": r.FormValue("model")}
		if _, hdr, err := r.FormFile("file"); err == nil {
			f.form["filename"] = hdr.Filename
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":"What time is it?"}`)

	case strings.HasSuffix(r.URL.Path, "/responses"):
		_ = json.NewDecoder(r.Body).Decode(&f.respBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "resp_1",
			"object": "response",
			"created_at": 0,
			"model": "gpt-4.1-mini",
			"status": "completed",
			"output": [{
				"type": "message",
				"id": "msg_1",
				"role": "assistant",
				"status": "completed",
				"content": [{"type": "output_text", "text": "It is noon.", "annotations": []}]
			}]
		}`)

	case strings.HasSuffix(r.URL.Path, "/audio/speech"):
		_ = json.NewDecoder(r.Body).Decode(&f.speech)
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(make([]byte, 4801))

	default:
		http.NotFound(w, r)
	}
}

func newBackend(t *testing.T, api *fakeAPI, opts ...conversation.OpenAIOption) *conversation.OpenAI {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	opts = append([]conversation.OpenAIOption{conversation.WithBaseURL(srv.URL + "/v1/")}, opts...)
	b, err := conversation.NewOpenAI("sk-test", opts...)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	t.Parallel()
	if _, err := conversation.NewOpenAI(""); err == nil {
		t.Error("expected error for empty api key")
	}
}

func TestOpenAITranscribe(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	b := newBackend(t, api)
	wav, _ := audio.EncodeWAV(make([]byte, 480), audio.Mono(24000))

	text, err := b.Transcribe(context.Background(), wav)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if text != "What time is it?" {
		t.Errorf("text = %q", text)
	}
	if api.form["model"] != conversation.DefaultTranscribeModel {
		t.Errorf("model = %q; want %q", api.form["model"], conversation.DefaultTranscribeModel)
	}
	if api.form["filename"] != "recording.wav" {
		t.Errorf("filename = %q", api.form["filename"])
	}
	if api.auth[0] != "Bearer sk-test" {
		t.Errorf("Authorization = %q", api.auth[0])
	}
}

func TestOpenAIRespond(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	b := newBackend(t, api)
	tools := capability.NewSet(
		capability.Server{Label: "google_calendar", URL: "http://127.0.0.1:3000"},
		capability.Server{Label: "notes", URL: "http://127.0.0.1:3001", AllowedTools: []string{"search"}, Headers: map[string]string{"Authorization": "Bearer x"}},
	)
	history := []conversation.Message{
		{Role: conversation.RoleUser, Text: "Hi"},
		{Role: conversation.RoleAssistant, Text: "Hello!"},
		{Role: conversation.RoleUser, Text: "What time is it?"},
	}

	text, err := b.Respond(context.Background(), conversation.DefaultSystemPrompt, history, tools)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if text != "It is noon." {
		t.Errorf("text = %q", text)
	}

	body := api.respBody
	if body["model"] != conversation.DefaultResponseModel {
		t.Errorf("model = %v", body["model"])
	}
	if body["instructions"] != conversation.DefaultSystemPrompt {
		t.Errorf("instructions = %v", body["instructions"])
	}
	input, _ := body["input"].([]any)
	if len(input) != 3 {
		t.Fatalf("input = %v; want 3 messages", body["input"])
	}
	if m, _ := input[1].(map[string]any); m["role"] != "assistant" || m["content"] != "Hello!" {
		t.Errorf("input[1] = %v", input[1])
	}
	toolList, _ := body["tools"].([]any)
	if len(toolList) != 2 {
		t.Fatalf("tools = %v; want 2", body["tools"])
	}
	first, _ := toolList[0].(map[string]any)
	if first["type"] != "mcp" || first["server_label"] != "google_calendar" || first["server_url"] != "http://127.0.0.1:3000" || first["require_approval"] != "never" {
		t.Errorf("tools[0] = %v", first)
	}
	if _, ok := first["allowed_tools"]; ok {
		t.Error("allowed_tools sent for a server without restrictions")
	}
	second, _ := toolList[1].(map[string]any)
	if allowed, _ := second["allowed_tools"].([]any); len(allowed) != 1 || allowed[0] != "search" {
		t.Errorf("tools[1].allowed_tools = %v", second["allowed_tools"])
	}
}

func TestOpenAIRespondWithoutTools(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	b := newBackend(t, api)
	if _, err := b.Respond(context.Background(), "", []conversation.Message{{Role: conversation.RoleUser, Text: "hi"}}, capability.Set{}); err != nil {
		t.Fatal(err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if _, ok := api.respBody["tools"]; ok {
		t.Errorf("tools sent with an empty set: %v", api.respBody["tools"])
	}
}

func TestOpenAISynthesize(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	b := newBackend(t, api, conversation.WithVoice("verse"))
	clip, err := b.Synthesize(context.Background(), "It is noon.")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(clip.PCM) != 4800 || clip.Format != audio.Mono(conversation.SpeechSampleRate) {
		t.Errorf("clip = %d bytes @ %v; want 4800 @ 24kHz", len(clip.PCM), clip.Format)
	}
	if api.speech["voice"] != "verse" || api.speech["response_format"] != "pcm" || api.speech["model"] != conversation.DefaultSpeechModel {
		t.Errorf("speech request = %v", api.speech)
	}
}

func TestOpenAIBreakerOpens(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{status: http.StatusBadRequest}
	b := newBackend(t, api, conversation.WithBreaker(resilience.CircuitBreakerConfig{MaxFailures: 1}))

	if _, err := b.Transcribe(context.Background(), []byte("RIFF")); err == nil {
		t.Fatal("expected API error")
	}
	_, err := b.Transcribe(context.Background(), []byte("RIFF"))
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("second call = %v; want ErrCircuitOpen", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if n := len(api.auth); n != 1 {
		t.Errorf("server saw %d requests; want 1", n)
	}
}
