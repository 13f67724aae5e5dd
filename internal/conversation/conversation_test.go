package conversation_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/pushtalk/internal/assembler"
	"github.com/MrWong99/pushtalk/internal/capability"
	"github.com/MrWong99/pushtalk/internal/conversation"
	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/realtime"
)

type fakeTranscriber struct {
	text string
	err  error

	mu   sync.Mutex
	wavs [][]byte
}

func (f *fakeTranscriber) Transcribe(_ context.Context, wav []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wavs = append(f.wavs, wav)
	return f.text, f.err
}

type fakeResponder struct {
	reply string
	err   error

	mu      sync.Mutex
	system  string
	history []conversation.Message
	tools   capability.Set
}

func (f *fakeResponder) Respond(_ context.Context, system string, history []conversation.Message, tools capability.Set) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.system, f.history, f.tools = system, history, tools
	return f.reply, f.err
}

type fakeSynth struct {
	pcm   []byte
	err   error
	calls int
}

func (f *fakeSynth) Synthesize(context.Context, string) (audio.Clip, error) {
	f.calls++
	return audio.Clip{Name: "speech", PCM: f.pcm, Format: audio.Mono(24000)}, f.err
}

// recorder collects events and signals when a response finishes.
type recorder struct {
	mu     sync.Mutex
	events []realtime.ServerEvent
	done   chan struct{}
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{}, 8)} }

func (r *recorder) HandleEvent(evt realtime.ServerEvent) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	if evt.Type == realtime.EventResponseDone || evt.Type == realtime.EventError {
		r.done <- struct{}{}
	}
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if len(out) > 0 && out[len(out)-1] == e.Type {
			continue
		}
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) last() realtime.ServerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the response to finish")
	}
}

func startPipeline(t *testing.T, p *conversation.Pipeline) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestPipelineAudioTurn(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{text: "What time is it?"}
	resp := &fakeResponder{reply: "It is noon."}
	synth := &fakeSynth{pcm: make([]byte, 24000*2)}
	rec := newRecorder()
	tools := capability.NewSet(capability.Server{Label: "cal", URL: "http://127.0.0.1:3000"})

	p, err := conversation.NewPipeline(tr, resp, synth, rec,
		conversation.WithTools(func() capability.Set { return tools }))
	if err != nil {
		t.Fatal(err)
	}
	startPipeline(t, p)

	ctx := context.Background()
	if err := p.ClearAudio(ctx); err != nil {
		t.Fatal(err)
	}
	_ = p.AppendAudio(ctx, make([]byte, 960))
	_ = p.AppendAudio(ctx, make([]byte, 960))
	if err := p.CommitAudio(ctx); err != nil {
		t.Fatalf("CommitAudio: %v", err)
	}
	if err := p.RequestResponse(ctx, realtime.ModalityText, realtime.ModalityAudio); err != nil {
		t.Fatalf("RequestResponse: %v", err)
	}
	rec.wait(t)

	want := []string{
		realtime.EventResponseCreated,
		realtime.EventResponseTextDelta,
		realtime.EventResponseAudioDelta,
		realtime.EventResponseDone,
	}
	if got := rec.types(); !slices.Equal(got, want) {
		t.Errorf("events = %v; want %v", got, want)
	}
	if text, ok := rec.last().Response.Text(); !ok || text != "It is noon." {
		t.Errorf("done text = %q, %v", text, ok)
	}

	if len(tr.wavs) != 1 {
		t.Fatalf("transcriptions = %d; want 1", len(tr.wavs))
	}
	pcm, f, err := audio.DecodeWAV(tr.wavs[0])
	if err != nil || len(pcm) != 1920 || f != audio.Mono(24000) {
		t.Errorf("wav = %d bytes @ %v, %v; want 1920 bytes @ 24kHz mono", len(pcm), f, err)
	}
	if resp.system != conversation.DefaultSystemPrompt {
		t.Errorf("system = %q", resp.system)
	}
	if !slices.Equal(resp.tools.Labels(), []string{"cal"}) {
		t.Errorf("tools = %v", resp.tools.Labels())
	}
	wantHist := []conversation.Message{
		{Role: conversation.RoleUser, Text: "What time is it?"},
		{Role: conversation.RoleAssistant, Text: "It is noon."},
	}
	if got := p.History().Messages(); !slices.Equal(got, wantHist) {
		t.Errorf("history = %v; want %v", got, wantHist)
	}
}

func TestPipelineAudioMessage(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{text: "Lights on."}
	rec := newRecorder()
	p, err := conversation.NewPipeline(tr, &fakeResponder{reply: "Done."}, &fakeSynth{}, rec)
	if err != nil {
		t.Fatal(err)
	}
	startPipeline(t, p)

	ctx := context.Background()
	if err := p.SendAudioMessage(ctx, nil); !errors.Is(err, conversation.ErrEmptyBuffer) {
		t.Errorf("empty message err = %v; want ErrEmptyBuffer", err)
	}
	_ = p.AppendAudio(ctx, make([]byte, 480))
	if err := p.SendAudioMessage(ctx, make([]byte, 1920)); err != nil {
		t.Fatalf("SendAudioMessage: %v", err)
	}
	if err := p.RequestResponse(ctx, realtime.ModalityText); err != nil {
		t.Fatalf("RequestResponse: %v", err)
	}
	rec.wait(t)

	if len(tr.wavs) != 1 {
		t.Fatalf("transcriptions = %d; want 1", len(tr.wavs))
	}
	if pcm, _, err := audio.DecodeWAV(tr.wavs[0]); err != nil || len(pcm) != 1920 {
		t.Errorf("wav = %d bytes, %v; want the message only", len(pcm), err)
	}
	// The input buffer is still there to commit.
	if err := p.CommitAudio(ctx); err != nil {
		t.Errorf("CommitAudio after message: %v", err)
	}
}

func TestPipelineFeedsAssembler(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		played []audio.Clip
		result = make(chan assembler.Result, 1)
	)
	player := playerFunc(func(c audio.Clip) error {
		mu.Lock()
		defer mu.Unlock()
		played = append(played, c)
		return nil
	})
	asm := assembler.New(player, true, assembler.WithOnDone(func(r assembler.Result) { result <- r }))

	speech := make([]byte, 24000*2*3/10+2)
	p, err := conversation.NewPipeline(
		&fakeTranscriber{text: "hi"},
		&fakeResponder{reply: "Hello!"},
		&fakeSynth{pcm: speech},
		asm,
	)
	if err != nil {
		t.Fatal(err)
	}
	startPipeline(t, p)

	ctx := context.Background()
	_ = p.AppendAudio(ctx, make([]byte, 480))
	_ = p.CommitAudio(ctx)
	if err := p.RequestResponse(ctx, realtime.ModalityAudio); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-result:
		if r.Err != nil || r.Text != "Hello!" || r.AudioBytes != len(speech) {
			t.Errorf("result = %+v; want text and %d audio bytes", r, len(speech))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(played) != 1 {
		t.Fatalf("played %d clips; want 1", len(played))
	}
}

type playerFunc func(audio.Clip) error

func (f playerFunc) Play(c audio.Clip) error { return f(c) }

func TestPipelineTextOnly(t *testing.T) {
	t.Parallel()

	synth := &fakeSynth{pcm: make([]byte, 100)}
	rec := newRecorder()
	tr := &fakeTranscriber{}
	p, _ := conversation.NewPipeline(tr, &fakeResponder{reply: "ok"}, synth, rec)
	startPipeline(t, p)

	ctx := context.Background()
	if err := p.SendText(ctx, "say ok"); err != nil {
		t.Fatal(err)
	}
	if err := p.RequestResponse(ctx, realtime.ModalityText); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	if synth.calls != 0 {
		t.Errorf("synthesizer called %d times for a text-only response", synth.calls)
	}
	if len(tr.wavs) != 0 {
		t.Error("typed text should not be transcribed")
	}
	if slices.Contains(rec.types(), realtime.EventResponseAudioDelta) {
		t.Error("audio delta emitted for a text-only response")
	}
}

func TestPipelineErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		tr       *fakeTranscriber
		resp     *fakeResponder
		wantCode string
	}{
		{"transcribe fails", &fakeTranscriber{err: errors.New("boom")}, &fakeResponder{reply: "x"}, conversation.CodeBackend},
		{"silence", &fakeTranscriber{text: "  "}, &fakeResponder{reply: "x"}, conversation.CodeEmptyTranscript},
		{"respond fails", &fakeTranscriber{text: "hi"}, &fakeResponder{err: errors.New("boom")}, conversation.CodeBackend},
		{"empty reply", &fakeTranscriber{text: "hi"}, &fakeResponder{}, conversation.CodeEmptyReply},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rec := newRecorder()
			p, _ := conversation.NewPipeline(tc.tr, tc.resp, nil, rec)
			startPipeline(t, p)

			ctx := context.Background()
			_ = p.AppendAudio(ctx, make([]byte, 480))
			_ = p.CommitAudio(ctx)
			if err := p.RequestResponse(ctx, realtime.ModalityAudio); err != nil {
				t.Fatal(err)
			}
			rec.wait(t)

			re := rec.last().RemoteError()
			if re == nil {
				t.Fatalf("last event = %q; want error", rec.last().Type)
			}
			if re.Code != tc.wantCode {
				t.Errorf("code = %q; want %q", re.Code, tc.wantCode)
			}
			if !errors.Is(re, realtime.ErrRemote) {
				t.Error("remote error does not match ErrRemote")
			}
		})
	}
}

func TestPipelineSessionErrors(t *testing.T) {
	t.Parallel()

	p, _ := conversation.NewPipeline(&fakeTranscriber{}, &fakeResponder{}, nil, nil, conversation.WithQueueSize(1))
	ctx := context.Background()

	if err := p.CommitAudio(ctx); !errors.Is(err, conversation.ErrEmptyBuffer) {
		t.Errorf("CommitAudio(empty) = %v; want ErrEmptyBuffer", err)
	}
	if err := p.RequestResponse(ctx); !errors.Is(err, conversation.ErrNothingToAnswer) {
		t.Errorf("RequestResponse(nothing) = %v; want ErrNothingToAnswer", err)
	}

	_ = p.AppendAudio(ctx, []byte{1, 2})
	_ = p.ClearAudio(ctx)
	if err := p.CommitAudio(ctx); !errors.Is(err, conversation.ErrEmptyBuffer) {
		t.Errorf("CommitAudio after clear = %v; want ErrEmptyBuffer", err)
	}

	// Run is not started: the second request overflows the queue.
	_ = p.SendText(ctx, "one")
	if err := p.RequestResponse(ctx); err != nil {
		t.Fatalf("first RequestResponse: %v", err)
	}
	_ = p.SendText(ctx, "two")
	if err := p.RequestResponse(ctx); !errors.Is(err, conversation.ErrBusy) {
		t.Errorf("second RequestResponse = %v; want ErrBusy", err)
	}

	_ = p.Close()
	if err := p.AppendAudio(ctx, []byte{1, 2}); !errors.Is(err, conversation.ErrClosed) {
		t.Errorf("AppendAudio after Close = %v; want ErrClosed", err)
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()

	h := conversation.NewHistory("be brief", 3)
	for _, s := range []string{"a", "b", "c", "d"} {
		h.Add(conversation.RoleUser, s)
	}
	got := h.Messages()
	if len(got) != 3 || got[0].Text != "b" || got[2].Text != "d" {
		t.Errorf("messages = %v; want the three most recent", got)
	}
	if h.System() != "be brief" {
		t.Errorf("system = %q", h.System())
	}
	h.Reset()
	if h.Len() != 0 {
		t.Error("Reset left messages")
	}
}
