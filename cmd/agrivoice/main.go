// Command agrivoice is a voice-first farming assistant for the terminal. It
// streams the microphone to the Gemini Live API and plays the spoken answers
// back without gaps.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/x/term"

	"github.com/MrWong99/agrivoice/internal/app"
	"github.com/MrWong99/agrivoice/internal/config"
	"github.com/MrWong99/agrivoice/internal/console"
	"github.com/MrWong99/agrivoice/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "agrivoice.yaml", "path to the YAML configuration file")
	headless := flag.Bool("headless", false, "connect immediately and run without the interactive console")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// ── Load configuration ────────────────────────────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(prev, next *config.Config) {
		if application != nil {
			application.ApplyConfig(prev, next)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "agrivoice: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "agrivoice: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	logLevel.Set(cfg.Server.LogLevel.Level())

	slog.Info("agrivoice starting",
		"version", version,
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"fallbacks", len(cfg.Provider.Fallbacks),
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Backends ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []app.Option{
		app.WithTelemetry(tel),
		app.WithLogLevel(logLevel),
		app.WithWatcher(watcher),
		app.WithHeadless(*headless),
	}
	if !*headless {
		redraw := term.IsTerminal(os.Stdout.Fd())
		opts = append(opts, app.WithConsoleIO(os.Stdin, os.Stdout, console.WithRedraw(redraw)))
	}

	application, err = app.New(cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

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
