// Command pushtalk is a push-to-talk voice assistant for small Linux boards
// and desktops.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/pushtalk/internal/app"
	"github.com/MrWong99/pushtalk/internal/config"
	"github.com/MrWong99/pushtalk/internal/observe"
	"github.com/MrWong99/pushtalk/pkg/audio"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "pushtalk.yaml", "path to the YAML configuration file")
	textMode := flag.Bool("text", false, "type messages instead of speaking them")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(prev, next *config.Config) {
		if application != nil {
			application.Reload(prev, next)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "pushtalk: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "pushtalk: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Log.Level))
	logger, closeLog := newLogger(cfg.Log, os.Stderr, level)
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("pushtalk starting",
		"version", version,
		"config", *configPath,
		"mode", cfg.Mode,
		"log_level", cfg.Log.Level,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "pushtalk",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Audio backend ─────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerAudioBackends(reg)

	var platform audio.Platform
	if needsAudio(cfg, *textMode) {
		platform, err = reg.OpenAudio(cfg.Audio)
		if err != nil {
			slog.Error("failed to open audio backend", "backend", cfg.Audio.Backend, "err", err)
			return 1
		}
		defer func() {
			if err := platform.Close(); err != nil {
				slog.Warn("audio backend close error", "err", err)
			}
		}()
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg, reg, *textMode)

	opts := []app.Option{
		app.WithTextMode(*textMode),
		app.WithLogLevel(level),
		app.WithWatcher(watcher),
	}
	if platform != nil {
		opts = append(opts, app.WithPlatform(platform))
	}
	application, err = app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *textMode || cfg.Realtime.InputModality == "text" {
		slog.Info("ready, type a message and press Enter (Ctrl+D to quit)")
	} else if cfg.Hardware.Talk == config.TalkGPIO {
		slog.Info("ready, hold the button to talk (Ctrl+C to quit)")
	} else {
		slog.Info("ready, press Enter to start and stop talking (Ctrl+C to quit)")
	}

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// needsAudio reports whether any component will touch the audio devices.
func needsAudio(cfg *config.Config, textMode bool) bool {
	typed := textMode || cfg.Realtime.InputModality == "text"
	return !typed || cfg.Realtime.OutputModality == "audio" || !cfg.Cues.Disabled
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, reg *config.Registry, textMode bool) {
	backend := cfg.Audio.Backend
	if backend == "" {
		backend = "default"
	}
	input := string(cfg.Hardware.Talk)
	if textMode || cfg.Realtime.InputModality == "text" {
		input = "text"
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        pushtalk startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Mode", string(cfg.Mode))
	if cfg.Mode == config.ModeRealtime {
		printRow("Model", cfg.Realtime.Model)
	} else {
		printRow("Model", cfg.Conversation.ResponseModel)
	}
	printRow("Output", cfg.Realtime.OutputModality)
	printRow("Talk input", input)
	printRow("Capture", cfg.Audio.CaptureMode)
	printRow("Audio", fmt.Sprintf("%s %v", backend, reg.AudioBackends()))
	printRow("Min hold", cfg.Turn.MinHold.String())
	printRow("Tool servers", fmt.Sprint(len(cfg.Capabilities.Servers)))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

const rowWidth = 21

func printRow(key, value string) {
	fmt.Println(formatRow(key, value))
}

// formatRow renders one banner row. Values wider than the column are cut
// and marked with an ellipsis; widths are counted in runes.
func formatRow(key, value string) string {
	if value == "" {
		value = "(not configured)"
	}
	if utf8.RuneCountInString(value) > rowWidth {
		value = string([]rune(value)[:rowWidth-1]) + "…"
	}
	pad := strings.Repeat(" ", rowWidth-utf8.RuneCountInString(value))
	return fmt.Sprintf("║  %-12s : %s%s ║", key, value, pad)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger writes text logs to stderr and, when cfg.File is set, a copy to
// that file, rotated by size.
func newLogger(cfg config.LogConfig, stderr io.Writer, level slog.Leveler) (*slog.Logger, func()) {
	w := stderr
	closeFn := func() {}
	if cfg.File != "" {
		rot := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = io.MultiWriter(stderr, rot)
		closeFn = func() { _ = rot.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn
}
