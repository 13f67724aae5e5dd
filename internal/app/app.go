// Package app wires the pushtalk subsystems into a running assistant.
//
// New builds every component from the config: audio capture and playback,
// the talk signal with LED and amplifier, the conversation backend (a
// Realtime session or the classic pipeline), feedback cues, the journal,
// capability tracking and the observability server. Run supervises the
// workers until the context is cancelled or one of them fails; Shutdown
// releases what New acquired.
//
// Tests inject doubles through functional options ([WithPlatform],
// [WithTalkSignal], [WithClassicBackend], ...). Anything not injected is
// created from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pushtalk/internal/assembler"
	"github.com/MrWong99/pushtalk/internal/capability"
	"github.com/MrWong99/pushtalk/internal/config"
	"github.com/MrWong99/pushtalk/internal/conversation"
	"github.com/MrWong99/pushtalk/internal/feedback"
	"github.com/MrWong99/pushtalk/internal/hardware"
	"github.com/MrWong99/pushtalk/internal/health"
	"github.com/MrWong99/pushtalk/internal/observe"
	"github.com/MrWong99/pushtalk/internal/playback"
	"github.com/MrWong99/pushtalk/internal/resilience"
	"github.com/MrWong99/pushtalk/internal/turn"
	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/realtime"
)

// session is the conversation surface both backends offer.
type session interface {
	turn.Session
	turn.AudioMessenger
	SendText(ctx context.Context, text string) error
}

var (
	_ session = (*realtime.Session)(nil)
	_ session = (*conversation.Pipeline)(nil)
)

// Backend bundles the collaborators of the classic pipeline.
type Backend struct {
	Transcriber conversation.Transcriber
	Responder   conversation.Responder
	Synthesizer conversation.Synthesizer
}

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	metrics  *observe.Metrics
	logLevel *slog.LevelVar
	watcher  *config.Watcher

	platform audio.Platform
	talk     hardware.TalkSignal
	input    io.Reader
	out      io.Writer
	textMode bool
	backend  *Backend
	checker  capability.Checker

	board      *hardware.Board
	keys       *hardware.KeyToggle
	player     *playback.Controller
	notifier   *feedback.Notifier
	journal    *feedback.Journal
	asm        *assembler.Assembler
	capture    *audio.Capture
	turns      *turn.Controller
	client     *realtime.Client
	pipeline   *conversation.Pipeline
	tracker    *capability.Tracker
	modalities []realtime.Modality

	mu      sync.Mutex
	sess    session
	exch    *observe.Exchange // the pending request/response exchange
	dropped atomic.Uint64

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for [New].
type Option func(*App)

// WithPlatform sets the opened audio backend. Required unless the config
// needs neither a microphone nor a speaker.
func WithPlatform(p audio.Platform) Option {
	return func(a *App) { a.platform = p }
}

// WithTalkSignal replaces the talk signal chosen by hardware.talk.
func WithTalkSignal(s hardware.TalkSignal) Option {
	return func(a *App) { a.talk = s }
}

// WithInput sets the reader used by the keyboard talk signal and text mode.
// Default: os.Stdin.
func WithInput(r io.Reader) Option {
	return func(a *App) { a.input = r }
}

// WithOutput sets where assistant replies are printed. Default: os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithTextMode reads typed lines instead of recording push-to-talk turns.
func WithTextMode(on bool) Option {
	return func(a *App) { a.textMode = on }
}

// WithClassicBackend replaces the OpenAI collaborators of classic mode.
func WithClassicBackend(b Backend) Option {
	return func(a *App) { a.backend = &b }
}

// WithCapabilityChecker replaces the MCP probe of the capability tracker.
func WithCapabilityChecker(c capability.Checker) Option {
	return func(a *App) { a.checker = c }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets configuration reloads change the level of the default
// logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithWatcher runs w alongside the other workers. w should call
// [App.Reload] on change.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds the application and connects the conversation backend. On
// error everything acquired so far is released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:   cfg,
		input: os.Stdin,
		out:   os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if cfg.Realtime.InputModality == string(realtime.ModalityText) {
		a.textMode = true
	}
	a.modalities = []realtime.Modality{realtime.ModalityText}
	if cfg.Realtime.OutputModality == string(realtime.ModalityAudio) {
		a.modalities = append(a.modalities, realtime.ModalityAudio)
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"hardware", a.initHardware},
		{"playback", a.initPlayback},
		{"feedback", a.initFeedback},
		{"backend", a.initBackend},
		{"capture", a.initCapture},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			_ = a.Shutdown(context.Background())
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}
	return a, nil
}

func (a *App) audioOut() bool {
	return a.cfg.Realtime.OutputModality == string(realtime.ModalityAudio)
}

func (a *App) needsPlayback() bool {
	return a.audioOut() || !a.cfg.Cues.Disabled
}

// initHardware opens the talk signal, LED and amplifier.
func (a *App) initHardware(context.Context) error {
	hw := a.cfg.Hardware
	if hw.Talk == config.TalkGPIO {
		activeLow := hw.ActiveLow == nil || *hw.ActiveLow
		gpioCfg := hardware.GPIOConfig{
			LED:       hw.LEDPin,
			Amplifier: hw.AmplifierPin,
			ActiveLow: activeLow,
		}
		if a.talk == nil && !a.textMode {
			gpioCfg.Button = hw.ButtonPin
		}
		board, err := hardware.Open(gpioCfg)
		if err != nil {
			return err
		}
		a.board = board
		a.closers = append(a.closers, board.Close)
		if board.Button != nil {
			a.talk = board.Button
		}
	}
	if a.talk == nil && !a.textMode {
		a.keys = hardware.NewKeyToggle(a.input)
		a.talk = a.keys
	}
	return nil
}

// initPlayback creates the playback controller on the platform's sink.
func (a *App) initPlayback(context.Context) error {
	if !a.needsPlayback() {
		return nil
	}
	if a.platform == nil {
		return errors.New("no audio platform for playback")
	}
	opts := []playback.Option{
		playback.WithOnInterrupt(func(clip audio.Clip, reason audio.InterruptReason) {
			slog.Debug("playback interrupted", "clip", clip.Name, "reason", reason.String())
			a.metrics.RecordInterruption(context.Background(), reason.String())
		}),
		playback.WithOnFinish(func(clip audio.Clip, err error) {
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("playback failed", "clip", clip.Name, "err", err)
			}
		}),
	}
	if a.board != nil && a.board.Amplifier != nil {
		opts = append(opts, playback.WithGate(a.board.Amplifier))
	}
	a.player = playback.New(a.platform.Sink(), opts...)
	a.closers = append(a.closers, a.player.Close)
	return nil
}

// initFeedback loads the cues and creates the notifier, journal and
// response assembler.
func (a *App) initFeedback(context.Context) error {
	var cues feedback.Cues
	if !a.cfg.Cues.Disabled && a.player != nil {
		var err error
		cues, err = feedback.LoadCues(feedback.CuePaths{
			Startup: a.cfg.Cues.Startup,
			Release: a.cfg.Cues.Release,
			Error:   a.cfg.Cues.Error,
		}, audio.Mono(realtime.DefaultSampleRate))
		if err != nil {
			slog.Warn("some cues could not be loaded; using built-in tones", "err", err)
		}
	}

	var cuePlayer feedback.CuePlayer
	if a.player != nil {
		cuePlayer = a.player
	}
	var indicator hardware.Indicator
	if a.board != nil && a.board.LED != nil {
		indicator = a.board.LED
	}
	pattern, _ := hardware.ParsePattern(a.cfg.Hardware.LEDPattern)
	a.notifier = feedback.NewNotifier(cuePlayer, indicator, cues, pattern)

	if a.cfg.Log.Journal != "" {
		a.journal = feedback.NewJournal(a.cfg.Log.Journal)
	}

	var asmPlayer assembler.Player
	if a.player != nil {
		asmPlayer = a.player
	}
	a.asm = assembler.New(asmPlayer, a.audioOut() && a.player != nil,
		assembler.WithOnText(a.onReply),
		assembler.WithOnPartial(func(delta string) {
			slog.Debug("assistant partial", "delta", delta)
		}),
		assembler.WithOnError(func(err error) {
			slog.Warn("response failed", "err", err)
			a.notifier.TurnFailed(err)
		}),
		assembler.WithOnDone(a.onResponseDone),
	)
	a.notifier.OnStart = a.bargeIn
	return nil
}

// initBackend connects the Realtime session or builds the classic pipeline.
func (a *App) initBackend(ctx context.Context) error {
	switch a.cfg.Mode {
	case config.ModeClassic:
		return a.initClassic()
	default:
		return a.initRealtime(ctx)
	}
}

func (a *App) initRealtime(ctx context.Context) error {
	rt := a.cfg.Realtime
	in := realtime.ModalityAudio
	if a.textMode {
		in = realtime.ModalityText
	}
	out, _ := realtime.ParseModality(rt.OutputModality)
	a.client = realtime.New(a.cfg.OpenAI.APIKey,
		realtime.WithBaseURL(rt.URL),
		realtime.WithModel(rt.Model),
		realtime.WithInstructions(rt.Instructions),
		realtime.WithVoice(rt.Voice),
		realtime.WithInputModality(in),
		realtime.WithOutputModality(out),
		realtime.WithWriteTimeout(rt.WriteTimeout),
	)
	a.closers = append(a.closers, a.client.Close)
	return a.connect(ctx)
}

// connect dials a new Realtime session and makes it current.
func (a *App) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.Realtime.DialTimeout)
	defer cancel()

	sess, err := a.client.Connect(dialCtx, a.handler())
	if err != nil {
		a.metrics.RecordProtocolError(ctx, "transport")
		return err
	}
	a.metrics.SessionConnected.Add(ctx, 1)
	a.setSession(sess)
	return nil
}

func (a *App) initClassic() error {
	b := a.backend
	if b == nil {
		conv := a.cfg.Conversation
		oaiOpts := []conversation.OpenAIOption{
			conversation.WithModels(conv.TranscribeModel, conv.ResponseModel, conv.SpeechModel),
			conversation.WithVoice(conv.Voice),
			conversation.WithLanguage(conv.Language),
			conversation.WithTimeout(conv.Timeout),
		}
		if a.cfg.OpenAI.BaseURL != "" {
			oaiOpts = append(oaiOpts, conversation.WithBaseURL(a.cfg.OpenAI.BaseURL))
		}
		if a.cfg.OpenAI.Organization != "" {
			oaiOpts = append(oaiOpts, conversation.WithOrganization(a.cfg.OpenAI.Organization))
		}
		oa, err := conversation.NewOpenAI(a.cfg.OpenAI.APIKey, oaiOpts...)
		if err != nil {
			return err
		}
		b = &Backend{Transcriber: oa, Responder: oa, Synthesizer: oa}
		if len(conv.FallbackModels) > 0 {
			fr := conversation.NewFallbackResponder(oa.ResponseModel(), oa, resilience.CircuitBreakerConfig{})
			for _, model := range conv.FallbackModels {
				fr.Add(model, oa.WithResponseModel(model))
			}
			slog.Info("response model fallbacks configured", "order", fr.Names())
			b.Responder = fr
		}
	}

	caps := a.cfg.Capabilities
	if len(caps.Servers) > 0 {
		checker := a.checker
		if checker == nil {
			checker = capability.NewMCPChecker(nil, caps.CheckTimeout)
		}
		a.tracker = capability.NewTracker(caps.Servers, checker,
			capability.WithInterval(caps.CheckInterval),
			capability.WithOnCheck(func(st capability.Status) {
				a.metrics.RecordCapabilityCheck(context.Background(), st.Label, st.Healthy)
			}),
			capability.WithOnChange(func(set capability.Set) {
				slog.Info("capabilities changed", "servers", set.Labels())
				a.metrics.SetCapabilitiesAvailable(context.Background(), set.Len())
			}),
		)
	}

	prompt := a.cfg.Conversation.SystemPrompt
	if prompt == "" {
		prompt = conversation.DefaultSystemPrompt
	}
	opts := []conversation.Option{
		conversation.WithHistory(conversation.NewHistory(prompt, a.cfg.Conversation.MaxHistory)),
		conversation.WithInputFormat(audio.Mono(realtime.DefaultSampleRate)),
		conversation.WithOnLatency(func(stage string, d time.Duration, err error) {
			a.metrics.RecordBackend(context.Background(), stage, d, err)
		}),
	}
	if a.tracker != nil {
		opts = append(opts, conversation.WithTools(a.tracker.Current))
	}

	var synth conversation.Synthesizer
	if a.audioOut() {
		synth = b.Synthesizer
	}
	p, err := conversation.NewPipeline(b.Transcriber, b.Responder, synth, a.handler(), opts...)
	if err != nil {
		return err
	}
	a.pipeline = p
	a.closers = append(a.closers, p.Close)
	a.setSession(p)
	a.metrics.SessionConnected.Add(context.Background(), 1)
	return nil
}

// initCapture creates the microphone capture and the turn controller.
func (a *App) initCapture(context.Context) error {
	if a.textMode {
		return nil
	}
	if a.platform == nil {
		return errors.New("no audio platform for capture")
	}
	mode, err := audio.ParseMode(a.cfg.Audio.CaptureMode)
	if err != nil {
		return err
	}
	a.capture, err = audio.NewCapture(a.platform.Source(), mode,
		audio.WithQueueSize(a.cfg.Audio.QueueSize),
		audio.WithTargetRate(realtime.DefaultSampleRate),
		audio.WithFrameFunc(func(f audio.Frame) { a.turns.Forward(f) }),
	)
	if err != nil {
		return err
	}

	var player turn.Player
	if a.player != nil {
		player = a.player
	}
	a.turns = turn.New(a.currentSession(), a.capture, player,
		turn.WithMinHold(a.cfg.Turn.MinHold),
		turn.WithPollInterval(a.cfg.Turn.PollInterval),
		turn.WithResponseTimeout(a.cfg.Turn.ResponseTimeout),
		turn.WithModalities(a.modalities...),
		turn.WithAudioMessages(a.cfg.Turn.AudioMessage),
		turn.WithFeedback(a.notifier),
		turn.WithOnTurn(a.onTurn),
	)
	a.closers = append(a.closers, func() error {
		_, err := a.capture.Stop()
		return err
	})
	return nil
}

// ─── Event plumbing ──────────────────────────────────────────────────────────

// handler counts every server event before the assembler sees it.
func (a *App) handler() realtime.Handler {
	return realtime.HandlerFunc(func(evt realtime.ServerEvent) {
		ctx := context.Background()
		a.metrics.RecordEvent(ctx, evt.Type)
		if evt.Type == realtime.EventError {
			kind := "remote"
			if re := evt.RemoteError(); re != nil && re.Code != "" {
				kind = re.Code
			}
			a.metrics.RecordProtocolError(ctx, kind)
		}
		a.asm.HandleEvent(evt)
	})
}

// trackedSession tells the assembler about every response request, so a
// barge-in can discard responses whose response.created is still on the way.
type trackedSession struct {
	session
	asm *assembler.Assembler
}

func (s trackedSession) RequestResponse(ctx context.Context, modalities ...realtime.Modality) error {
	s.asm.Requested()
	if err := s.session.RequestResponse(ctx, modalities...); err != nil {
		s.asm.RequestFailed()
		return err
	}
	return nil
}

func (a *App) setSession(s session) {
	if s != nil && a.asm != nil {
		a.asm.Reset()
		s = trackedSession{session: s, asm: a.asm}
	}
	a.mu.Lock()
	a.sess = s
	a.mu.Unlock()
	if a.turns != nil {
		a.turns.SetSession(s)
	}
}

func (a *App) currentSession() session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

func (a *App) onTurn(t turn.Turn) {
	ctx := context.Background()
	a.metrics.RecordTurn(ctx, string(t.Outcome), t.Held)
	if a.capture != nil {
		total := a.capture.Dropped()
		prev := a.dropped.Swap(total)
		a.metrics.RecordDropped(ctx, total-prev)
	}
	if t.Outcome == turn.OutcomeCommitted {
		ctx = a.beginResponse(observe.StartTurn(ctx, t.ID, t.AudioBytes, t.Interrupted))
	}
	if a.journal != nil {
		if err := a.journal.SaveTurn(ctx, t); err != nil {
			slog.Warn("journal: save turn", "err", err)
		}
	}
}

// beginResponse makes e the pending exchange. An exchange still pending is
// superseded.
func (a *App) beginResponse(e *observe.Exchange) context.Context {
	a.mu.Lock()
	prev := a.exch
	a.exch = e
	a.mu.Unlock()
	prev.Supersede()
	return e.Context()
}

// bargeIn abandons the pending reply when the user starts a new request.
func (a *App) bargeIn() {
	a.asm.Discard()
	a.mu.Lock()
	prev := a.exch
	a.exch = nil
	a.mu.Unlock()
	prev.Supersede()
}

// responseContext returns the context of the pending exchange.
func (a *App) responseContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exch.Context()
}

// endResponse finishes the pending exchange and returns how long it took, or
// false when none was pending.
func (a *App) endResponse(res assembler.Result) (time.Duration, bool) {
	a.mu.Lock()
	e := a.exch
	a.exch = nil
	a.mu.Unlock()
	if e == nil {
		return 0, false
	}
	return e.Finish(res.ResponseID, res.AudioBytes, res.Err), true
}

func (a *App) onReply(text string) {
	ctx := a.responseContext()
	observe.Logger(ctx).Info("assistant replied", "text", text)
	fmt.Fprintf(a.out, "assistant: %s\n", text)
	if a.journal != nil {
		if err := a.journal.SaveReply(ctx, text); err != nil {
			slog.Warn("journal: save reply", "err", err)
		}
	}
}

func (a *App) onResponseDone(res assembler.Result) {
	if d, ok := a.endResponse(res); ok {
		a.metrics.RecordResponseLatency(context.Background(), d)
	}
	if a.turns != nil {
		a.turns.ResponseFinished()
	}
	slog.Debug("response finished", "response_id", res.ResponseID, "audio_bytes", res.AudioBytes, "err", res.Err)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run supervises the workers until ctx is cancelled, the text input ends, or
// a worker fails. It returns the first worker error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if a.player != nil {
		g.Go(func() error { return a.player.Run(gctx) })
	}
	if a.board != nil && a.board.LED != nil {
		g.Go(func() error { return a.board.LED.Run(gctx) })
	}
	if a.pipeline != nil {
		g.Go(func() error { return a.pipeline.Run(gctx) })
	}
	if a.tracker != nil {
		g.Go(func() error { return a.tracker.Run(gctx) })
	}
	if a.client != nil {
		g.Go(func() error { return a.superviseSession(gctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		g.Go(func() error { return a.serve(gctx, addr) })
	}

	if a.textMode {
		g.Go(func() error {
			defer cancel()
			return a.runText(gctx)
		})
	} else {
		if a.keys != nil {
			g.Go(func() error {
				err := a.keys.Run(gctx)
				if err == nil && gctx.Err() == nil {
					slog.Info("input closed; stopping")
					cancel()
				}
				return err
			})
		}
		g.Go(func() error { return a.turns.Run(gctx, a.talk) })
	}

	a.notifier.Ready()
	slog.Info("pushtalk ready", "mode", string(a.cfg.Mode), "text", a.textMode)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runText sends every non-empty input line as a user message and requests a
// response.
func (a *App) runText(ctx context.Context) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		errc <- scanLines(ctx, a.input, lines)
	}()

	fmt.Fprintln(a.out, "type a message and press Enter")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			a.sendText(ctx, line)
		}
	}
}

func (a *App) sendText(ctx context.Context, text string) {
	if a.player != nil {
		a.player.Stop()
	}
	a.bargeIn()

	sess := a.currentSession()
	if sess == nil {
		a.notifier.TurnFailed(realtime.ErrNotConnected)
		return
	}
	a.beginResponse(observe.StartText(context.Background(), len(text)))
	err := sess.SendText(ctx, text)
	if err == nil {
		err = sess.RequestResponse(ctx, a.modalities...)
	}
	if err != nil {
		a.endResponse(assembler.Result{Err: err})
		slog.Error("send text failed", "err", err)
		a.notifier.TurnFailed(err)
	}
}

// superviseSession reconnects the Realtime session with exponential backoff
// whenever the transport fails.
func (a *App) superviseSession(ctx context.Context) error {
	const (
		minBackoff = time.Second
		maxBackoff = 30 * time.Second
	)
	for {
		sess := a.client.Session()
		if sess == nil {
			return realtime.ErrNotConnected
		}
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
		}
		a.metrics.SessionConnected.Add(ctx, -1)
		if ctx.Err() != nil {
			return nil
		}
		a.metrics.RecordProtocolError(ctx, "transport")
		slog.Warn("realtime session lost; reconnecting", "err", sess.Err())

		backoff := minBackoff
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			err := a.connect(ctx)
			if err == nil {
				slog.Info("realtime session restored")
				break
			}
			slog.Warn("realtime reconnect failed", "err", err, "retry_in", backoff)
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

// serve runs the observability HTTP server until ctx is cancelled.
func (a *App) serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	a.healthHandler().Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("observability server listening", "addr", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// healthHandler builds the readiness checks for the configured backend.
func (a *App) healthHandler() *health.Handler {
	var checks []health.Checker
	if a.client != nil {
		checks = append(checks, health.Func("session", func() error {
			if st := a.client.State(); st != realtime.StateConnected {
				return fmt.Errorf("%w: %s", realtime.ErrNotConnected, st)
			}
			return nil
		}))
	}
	if a.tracker != nil {
		checks = append(checks, health.Checker{Name: "capabilities", Check: a.tracker.Check})
	}
	return health.New(checks...)
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable settings of next. Changes that need a
// restart are logged.
func (a *App) Reload(prev, next *config.Config) {
	d := config.Diff(prev, next)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.LEDPatternChanged {
		if p, err := hardware.ParsePattern(d.NewLEDPattern); err == nil {
			a.notifier.SetPattern(p)
			slog.Info("led pattern changed", "pattern", string(p))
		}
	}
	if d.MinHoldChanged && a.turns != nil {
		a.turns.SetMinHold(d.NewMinHold)
		slog.Info("minimum hold changed", "min_hold", d.NewMinHold)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes need a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config level to its slog level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown runs the closers in reverse acquisition order. It stops early
// when ctx expires and returns the context error.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.endResponse(assembler.Result{})
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
