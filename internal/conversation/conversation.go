// Package conversation is the non-realtime backend: each committed turn is
// transcribed, answered by a text model with the conversation history and
// the available tool servers, and optionally spoken back.
//
// [Pipeline] exposes the same session surface as a realtime session and
// reports progress as realtime server events, so the response assembler and
// playback path are shared by both backends.
package conversation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/pushtalk/internal/capability"
	"github.com/MrWong99/pushtalk/internal/turn"
	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/realtime"
)

// Transcriber turns a WAV recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// Responder produces the assistant's reply to the conversation so far.
type Responder interface {
	Respond(ctx context.Context, system string, history []Message, tools capability.Set) (string, error)
}

// Synthesizer speaks text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (audio.Clip, error)
}

var (
	// ErrClosed is returned by operations on a closed [Pipeline].
	ErrClosed = errors.New("conversation: pipeline closed")

	// ErrEmptyBuffer is returned when committing an empty input buffer.
	ErrEmptyBuffer = errors.New("conversation: input audio buffer is empty")

	// ErrNothingToAnswer is returned when a response is requested without
	// any committed input.
	ErrNothingToAnswer = errors.New("conversation: no input to respond to")

	// ErrBusy is returned when too many responses are queued.
	ErrBusy = errors.New("conversation: too many pending responses")
)

// Error codes reported in error events.
const (
	CodeEmptyTranscript = "empty_transcript"
	CodeEmptyReply      = "empty_reply"
	CodeBackend         = "backend_error"
)

// deltaBytes is the audio chunk size of emitted audio deltas (100 ms).
const deltaBytes = SpeechSampleRate * 2 / 10

// item is one committed user input.
type item struct {
	pcm  []byte
	text string
}

type job struct {
	id         string
	items      []item
	modalities []realtime.Modality
}

// Pipeline buffers turn input and answers it on a worker goroutine.
type Pipeline struct {
	transcriber Transcriber
	responder   Responder
	synthesizer Synthesizer
	handler     realtime.Handler
	history     *History
	tools       func() capability.Set
	format      audio.Format
	onLatency   func(stage string, d time.Duration, err error)

	jobs   chan job
	seq    atomic.Uint64
	closed atomic.Bool

	mu      sync.Mutex
	buf     []byte
	pending []item
}

var _ turn.Session = (*Pipeline)(nil)

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithHistory sets the conversation history.
func WithHistory(h *History) Option {
	return func(p *Pipeline) { p.history = h }
}

// WithTools sets the source of the tool servers offered per request.
func WithTools(fn func() capability.Set) Option {
	return func(p *Pipeline) { p.tools = fn }
}

// WithInputFormat sets the format of appended audio. Default 24 kHz mono.
func WithInputFormat(f audio.Format) Option {
	return func(p *Pipeline) { p.format = f }
}

// WithQueueSize bounds the number of pending responses. Default 4.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.jobs = make(chan job, n)
		}
	}
}

// WithOnLatency registers fn to observe each backend stage ("transcribe",
// "respond", "synthesize").
func WithOnLatency(fn func(stage string, d time.Duration, err error)) Option {
	return func(p *Pipeline) { p.onLatency = fn }
}

// NewPipeline returns a Pipeline reporting events to h. synth may be nil, in
// which case replies are text only.
func NewPipeline(tr Transcriber, resp Responder, synth Synthesizer, h realtime.Handler, opts ...Option) (*Pipeline, error) {
	if tr == nil || resp == nil {
		return nil, errors.New("conversation: transcriber and responder are required")
	}
	if h == nil {
		h = realtime.HandlerFunc(func(realtime.ServerEvent) {})
	}
	p := &Pipeline{
		transcriber: tr,
		responder:   resp,
		synthesizer: synth,
		handler:     h,
		format:      audio.Mono(SpeechSampleRate),
		jobs:        make(chan job, 4),
	}
	for _, o := range opts {
		o(p)
	}
	if p.history == nil {
		p.history = NewHistory("", 0)
	}
	if p.tools == nil {
		p.tools = func() capability.Set { return capability.Set{} }
	}
	if !p.format.Valid() {
		return nil, fmt.Errorf("conversation: invalid input format %v", p.format)
	}
	return p, nil
}

// History returns the conversation history.
func (p *Pipeline) History() *History { return p.history }

// ClearAudio discards uncommitted input audio.
func (p *Pipeline) ClearAudio(context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = nil
	return nil
}

// AppendAudio adds PCM to the input buffer.
func (p *Pipeline) AppendAudio(_ context.Context, pcm []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, pcm...)
	return nil
}

// CommitAudio turns the input buffer into a user message.
func (p *Pipeline) CommitAudio(context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		return ErrEmptyBuffer
	}
	p.pending = append(p.pending, item{pcm: p.buf})
	p.buf = nil
	return nil
}

// SendAudioMessage adds a whole recording as a user message, leaving the
// input buffer untouched.
func (p *Pipeline) SendAudioMessage(_ context.Context, pcm []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if len(pcm) == 0 {
		return ErrEmptyBuffer
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, item{pcm: append([]byte(nil), pcm...)})
	return nil
}

// SendText adds a typed user message.
func (p *Pipeline) SendText(_ context.Context, text string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("conversation: empty text message")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, item{text: text})
	return nil
}

// RequestResponse queues a reply to every message committed since the last
// request. Audio is synthesised only when modalities include audio. It
// returns without waiting for the reply.
func (p *Pipeline) RequestResponse(_ context.Context, modalities ...realtime.Modality) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return ErrNothingToAnswer
	}
	j := job{
		id:         fmt.Sprintf("resp_%d", p.seq.Add(1)),
		items:      p.pending,
		modalities: modalities,
	}
	select {
	case p.jobs <- j:
		p.pending = nil
		return nil
	default:
		return ErrBusy
	}
}

// Close stops accepting input. Queued responses are abandoned once Run
// returns.
func (p *Pipeline) Close() error {
	p.closed.Store(true)
	return nil
}

// Run answers queued requests until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-p.jobs:
			p.answer(ctx, j)
		}
	}
}

func (p *Pipeline) answer(ctx context.Context, j job) {
	log := slog.With("response_id", j.id)
	p.emit(realtime.ServerEvent{
		Type:     realtime.EventResponseCreated,
		Response: &realtime.Response{ID: j.id, Status: "in_progress"},
	})

	for _, it := range j.items {
		text := it.text
		if it.pcm != nil {
			var err error
			text, err = p.transcribe(ctx, it.pcm)
			if err != nil {
				p.emitError(j.id, CodeBackend, err.Error())
				return
			}
		}
		if strings.TrimSpace(text) == "" {
			p.emitError(j.id, CodeEmptyTranscript, "no speech was recognised")
			return
		}
		log.Info("conversation: user said", "text", text)
		p.history.Add(RoleUser, text)
	}

	start := time.Now()
	reply, err := p.responder.Respond(ctx, p.history.System(), p.history.Messages(), p.tools())
	p.observe("respond", start, err)
	if err != nil {
		p.emitError(j.id, CodeBackend, err.Error())
		return
	}
	if strings.TrimSpace(reply) == "" {
		p.emitError(j.id, CodeEmptyReply, "the assistant returned no text")
		return
	}
	p.history.Add(RoleAssistant, reply)
	p.emit(realtime.ServerEvent{
		Type:       realtime.EventResponseTextDelta,
		ResponseID: j.id,
		Delta:      reply,
	})

	if p.synthesizer != nil && slices.Contains(j.modalities, realtime.ModalityAudio) {
		start = time.Now()
		clip, err := p.synthesizer.Synthesize(ctx, reply)
		p.observe("synthesize", start, err)
		if err != nil {
			// The text reply stands; only the voice is missing.
			log.Warn("conversation: speech failed", "err", err)
		} else {
			p.emitAudio(j.id, clip.PCM)
		}
	}

	p.emit(realtime.ServerEvent{
		Type: realtime.EventResponseDone,
		Response: &realtime.Response{
			ID:     j.id,
			Status: "completed",
			Output: []realtime.OutputItem{{
				Type:    "message",
				Role:    "assistant",
				Content: []realtime.ContentPart{{Type: "text", Text: reply}},
			}},
		},
	})
}

func (p *Pipeline) transcribe(ctx context.Context, pcm []byte) (string, error) {
	wav, err := audio.EncodeWAV(pcm, p.format)
	if err != nil {
		return "", fmt.Errorf("conversation: encode recording: %w", err)
	}
	start := time.Now()
	text, err := p.transcriber.Transcribe(ctx, wav)
	p.observe("transcribe", start, err)
	return text, err
}

func (p *Pipeline) emitAudio(id string, pcm []byte) {
	for len(pcm) > 0 {
		n := min(deltaBytes, len(pcm))
		p.emit(realtime.ServerEvent{
			Type:       realtime.EventResponseAudioDelta,
			ResponseID: id,
			Delta:      base64.StdEncoding.EncodeToString(pcm[:n]),
		})
		pcm = pcm[n:]
	}
}

func (p *Pipeline) emitError(id, code, msg string) {
	slog.Warn("conversation: response failed", "response_id", id, "code", code, "err", msg)
	p.emit(realtime.ServerEvent{
		Type:       realtime.EventError,
		EventID:    id,
		ResponseID: id,
		Error:      &realtime.ErrorDetail{Type: "server_error", Code: code, Message: msg},
	})
}

func (p *Pipeline) emit(evt realtime.ServerEvent) {
	p.handler.HandleEvent(evt)
}

func (p *Pipeline) observe(stage string, start time.Time, err error) {
	if p.onLatency != nil {
		p.onLatency(stage, time.Since(start), err)
	}
}
