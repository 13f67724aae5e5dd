package conversation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/MrWong99/pushtalk/internal/capability"
	"github.com/MrWong99/pushtalk/internal/resilience"
	"github.com/MrWong99/pushtalk/pkg/audio"
)

// Default models and voice of the classic backend.
const (
	DefaultTranscribeModel = "gpt-4o-transcribe"
	DefaultResponseModel   = "gpt-4.1-mini"
	DefaultSpeechModel     = "gpt-4o-mini-tts"
	DefaultVoice           = "alloy"

	// SpeechSampleRate is the rate of raw PCM returned by the speech endpoint.
	SpeechSampleRate = 24000
)

// maxSpeechBytes caps a synthesised reply (about ten minutes of audio).
const maxSpeechBytes = 10 * 60 * SpeechSampleRate * 2

// OpenAI implements [Transcriber], [Responder] and [Synthesizer] with the
// OpenAI HTTP API. Each operation runs through its own circuit breaker.
type OpenAI struct {
	client oai.Client
	cfg    openAIConfig

	transcribeCB *resilience.CircuitBreaker
	respondCB    *resilience.CircuitBreaker
	speechCB     *resilience.CircuitBreaker
}

var (
	_ Transcriber = (*OpenAI)(nil)
	_ Responder   = (*OpenAI)(nil)
	_ Synthesizer = (*OpenAI)(nil)
)

type openAIConfig struct {
	baseURL         string
	organization    string
	timeout         time.Duration
	transcribeModel string
	responseModel   string
	speechModel     string
	voice           string
	language        string
	breaker         resilience.CircuitBreakerConfig
}

// OpenAIOption configures [NewOpenAI].
type OpenAIOption func(*openAIConfig)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

// WithOrganization sets the organization ID on all requests.
func WithOrganization(org string) OpenAIOption {
	return func(c *openAIConfig) { c.organization = org }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(c *openAIConfig) { c.timeout = d }
}

// WithModels overrides the transcription, response and speech models. Empty
// values keep the defaults.
func WithModels(transcribe, respond, speech string) OpenAIOption {
	return func(c *openAIConfig) {
		if transcribe != "" {
			c.transcribeModel = transcribe
		}
		if respond != "" {
			c.responseModel = respond
		}
		if speech != "" {
			c.speechModel = speech
		}
	}
}

// WithVoice sets the speech voice.
func WithVoice(voice string) OpenAIOption {
	return func(c *openAIConfig) {
		if voice != "" {
			c.voice = voice
		}
	}
}

// WithLanguage hints the spoken language (ISO-639-1) to the transcriber.
func WithLanguage(lang string) OpenAIOption {
	return func(c *openAIConfig) { c.language = lang }
}

// WithBreaker overrides the circuit breaker settings of every operation.
func WithBreaker(cfg resilience.CircuitBreakerConfig) OpenAIOption {
	return func(c *openAIConfig) { c.breaker = cfg }
}

// NewOpenAI returns the OpenAI backend.
func NewOpenAI(apiKey string, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("conversation: openai api key must not be empty")
	}
	cfg := openAIConfig{
		transcribeModel: DefaultTranscribeModel,
		responseModel:   DefaultResponseModel,
		speechModel:     DefaultSpeechModel,
		voice:           DefaultVoice,
	}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	breaker := func(name string) *resilience.CircuitBreaker {
		b := cfg.breaker
		b.Name = "openai:" + name
		return resilience.NewCircuitBreaker(b)
	}
	return &OpenAI{
		client:       oai.NewClient(reqOpts...),
		cfg:          cfg,
		transcribeCB: breaker("transcribe"),
		respondCB:    breaker("respond"),
		speechCB:     breaker("speech"),
	}, nil
}

// ResponseModel returns the model used by [OpenAI.Respond].
func (o *OpenAI) ResponseModel() string { return o.cfg.responseModel }

// WithResponseModel returns a copy of o that answers with model. The copy
// shares the HTTP client and has its own response circuit breaker.
func (o *OpenAI) WithResponseModel(model string) *OpenAI {
	cp := *o
	cp.cfg.responseModel = model
	b := o.cfg.breaker
	b.Name = "openai:respond:" + model
	cp.respondCB = resilience.NewCircuitBreaker(b)
	return &cp
}

// Transcribe implements [Transcriber].
func (o *OpenAI) Transcribe(ctx context.Context, wav []byte) (string, error) {
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "recording.wav", "audio/wav"),
		Model: oai.AudioModel(o.cfg.transcribeModel),
	}
	if o.cfg.language != "" {
		params.Language = oai.String(o.cfg.language)
	}

	var text string
	err := o.transcribeCB.Execute(func() error {
		tr, err := o.client.Audio.Transcriptions.New(ctx, params)
		if err != nil {
			return err
		}
		text = tr.Text
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("conversation: transcribe: %w", err)
	}
	return text, nil
}

// Respond implements [Responder]. Every server in tools is offered to the
// model as a remote MCP tool.
func (o *OpenAI) Respond(ctx context.Context, system string, history []Message, tools capability.Set) (string, error) {
	input := make(responses.ResponseInputParam, 0, len(history))
	for _, m := range history {
		role := responses.EasyInputMessageRoleUser
		if m.Role == RoleAssistant {
			role = responses.EasyInputMessageRoleAssistant
		}
		input = append(input, responses.ResponseInputItemParamOfMessage(m.Text, role))
	}

	params := responses.ResponseNewParams{
		Model: o.cfg.responseModel,
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: input},
		Tools: mcpTools(tools),
	}
	if system != "" {
		params.Instructions = oai.String(system)
	}

	var text string
	err := o.respondCB.Execute(func() error {
		resp, err := o.client.Responses.New(ctx, params)
		if err != nil {
			return err
		}
		text = resp.OutputText()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("conversation: respond: %w", err)
	}
	return text, nil
}

func mcpTools(set capability.Set) []responses.ToolUnionParam {
	if set.Len() == 0 {
		return nil
	}
	tools := make([]responses.ToolUnionParam, 0, set.Len())
	for _, s := range set.Servers() {
		t := &responses.ToolMcpParam{
			ServerLabel: s.Label,
			ServerURL:   s.URL,
			Headers:     s.Headers,
			RequireApproval: responses.ToolMcpRequireApprovalUnionParam{
				OfMcpToolApprovalSetting: oai.String(string(s.Approval())),
			},
		}
		if len(s.AllowedTools) > 0 {
			t.AllowedTools = responses.ToolMcpAllowedToolsUnionParam{OfMcpAllowedTools: s.AllowedTools}
		}
		tools = append(tools, responses.ToolUnionParam{OfMcp: t})
	}
	return tools
}

// Synthesize implements [Synthesizer]. The reply is raw 24 kHz mono PCM16.
func (o *OpenAI) Synthesize(ctx context.Context, text string) (audio.Clip, error) {
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(o.cfg.speechModel),
		Voice:          oai.AudioSpeechNewParamsVoice(o.cfg.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}

	var pcm []byte
	err := o.speechCB.Execute(func() error {
		resp, err := o.client.Audio.Speech.New(ctx, params)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		pcm, err = io.ReadAll(io.LimitReader(resp.Body, maxSpeechBytes))
		return err
	})
	if err != nil {
		return audio.Clip{}, fmt.Errorf("conversation: synthesize: %w", err)
	}
	// An odd trailing byte cannot form a sample.
	pcm = pcm[:len(pcm)&^1]
	return audio.Clip{Name: "speech", PCM: pcm, Format: audio.Mono(SpeechSampleRate)}, nil
}
