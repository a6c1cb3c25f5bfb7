// Package app wires the agrivoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the session manager,
// the console and the admin HTTP server, Run drives them until the context
// ends or the user quits, and Shutdown tears everything down in order.
//
// For testing, inject mock providers via [Providers] and test doubles via
// functional options ([WithListener], [WithConsoleIO], etc.).
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/agrivoice/internal/config"
	"github.com/MrWong99/agrivoice/internal/console"
	"github.com/MrWong99/agrivoice/internal/health"
	"github.com/MrWong99/agrivoice/internal/observe"
	"github.com/MrWong99/agrivoice/internal/resilience"
	"github.com/MrWong99/agrivoice/internal/session"
	"github.com/MrWong99/agrivoice/pkg/audio"
	"github.com/MrWong99/agrivoice/pkg/audio/capture"
	"github.com/MrWong99/agrivoice/pkg/provider/s2s"
)

const (
	readHeaderTimeout = 5 * time.Second
	serverStopTimeout = 5 * time.Second
)

// Providers holds the backends the session runs on. All three are required.
// Populated by main.go via the config registry.
type Providers struct {
	S2S        s2s.Provider
	Microphone audio.Microphone
	Speaker    audio.Speaker
}

// breakerReporter is implemented by providers that sit behind circuit
// breakers, such as [resilience.S2SFallback].
type breakerReporter interface {
	States() map[string]resilience.State
}

// ConfigWatcher polls the config file until ctx is done.
type ConfigWatcher interface {
	Run(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics   *observe.Metrics
	telemetry *observe.Telemetry
	logLevel  *slog.LevelVar
	watcher   ConfigWatcher

	in          io.Reader
	out         io.Writer
	consoleOpts []console.Option
	headless    bool
	listener    net.Listener

	// Subsystems, initialised in New and torn down in Shutdown.
	manager *session.Manager
	console *console.Console
	handler http.Handler
	server  *http.Server

	mu sync.Mutex // guards cfg after startup

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry mounts the Prometheus handler of t at /metrics and flushes
// t on Shutdown.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithLogLevel lets config reloads change the level of the running logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithWatcher runs w alongside the application.
func WithWatcher(w ConfigWatcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithConsoleIO sets the console's input and output streams.
func WithConsoleIO(in io.Reader, out io.Writer, opts ...console.Option) Option {
	return func(a *App) {
		a.in, a.out = in, out
		a.consoleOpts = append(a.consoleOpts, opts...)
	}
}

// WithHeadless replaces the console: Run connects once and keeps the session
// open until the context ends.
func WithHeadless(on bool) Option {
	return func(a *App) { a.headless = on }
}

// WithListener serves the admin endpoints on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. No device or network
// connection is opened until Run.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if providers == nil || providers.S2S == nil || providers.Microphone == nil || providers.Speaker == nil {
		return nil, errors.New("app: s2s provider, microphone and speaker are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if !a.headless && (a.in == nil || a.out == nil) {
		return nil, errors.New("app: console needs input and output; use WithConsoleIO or WithHeadless")
	}

	// ── 1. Session manager ───────────────────────────────────────────────
	vol := cfg.Audio.Volume
	a.manager = session.New(providers.Microphone, providers.Speaker, providers.S2S,
		session.WithSessionConfig(sessionConfig(cfg)),
		session.WithCaptureOptions(
			capture.WithFrameSize(cfg.Audio.Capture.FrameSize),
			capture.WithQueueSize(cfg.Audio.Capture.QueueSize),
			capture.WithAnalyser(vol.FFTSize, vol.Smoothing),
		),
		session.WithVolumeInterval(vol.Interval),
		session.WithPlayoutLead(cfg.Audio.Playback.Lead),
		session.WithMetrics(a.metrics),
		session.WithProviderName(cfg.Provider.Name),
	)
	a.closers = append(a.closers, func() error {
		a.manager.Close()
		return nil
	})

	// ── 2. Console ───────────────────────────────────────────────────────
	if !a.headless {
		a.console = console.New(a.manager, a.in, a.out, a.consoleOpts...)
	}

	// ── 3. Admin endpoints ───────────────────────────────────────────────
	a.handler = a.buildHandler()
	if cfg.Server.ListenerEnabled() || a.listener != nil {
		a.server = &http.Server{
			Handler:           a.handler,
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}

	if a.telemetry != nil {
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
			defer cancel()
			return a.telemetry.Shutdown(ctx)
		})
	}

	return a, nil
}

// buildHandler assembles the admin mux: probes and, with telemetry, metrics.
func (a *App) buildHandler() http.Handler {
	checkers := []health.Checker{health.Session(a.manager.Closed)}
	if br, ok := a.providers.S2S.(breakerReporter); ok {
		checkers = append(checkers, health.Breakers(func() map[string]string {
			states := br.States()
			out := make(map[string]string, len(states))
			for name, st := range states {
				out[name] = st.String()
			}
			return out
		}))
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry.Handler())
	}
	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the admin HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Manager returns the session manager.
func (a *App) Manager() *session.Manager { return a.manager }

// Config returns the most recently applied config.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// sessionConfig derives the network session settings from cfg.
func sessionConfig(cfg *config.Config) s2s.SessionConfig {
	return s2s.SessionConfig{
		Model:         cfg.Provider.Model,
		Voice:         cfg.Assistant.Voice,
		Instructions:  cfg.Assistant.Instructions,
		Transcription: cfg.Assistant.TranscriptsEnabled(),
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next. Assistant settings
// take effect on the next session; sections that are only read at startup
// are logged.
func (a *App) ApplyConfig(prev, next *config.Config) {
	d := config.Diff(prev, next)
	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AssistantChanged {
		a.manager.SetSessionConfig(sessionConfig(next))
		slog.Info("assistant settings updated; applied from the next session",
			"voice", d.VoiceChanged,
			"instructions", d.InstructionsChanged,
			"transcripts", d.TranscriptsChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the admin endpoints, runs the config watcher and drives the
// console (or the headless session) until ctx is cancelled or the console
// quits. It returns the first error of any part.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if a.server != nil && ln == nil {
		var err error
		if ln, err = net.Listen("tcp", a.Config().Server.ListenAddr); err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if a.server != nil {
		slog.Info("admin endpoints listening", "addr", ln.Addr().String())
		g.Go(func() error {
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), serverStopTimeout)
			defer scancel()
			return a.server.Shutdown(sctx)
		})
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}

	g.Go(func() error {
		defer cancel()
		if a.console != nil {
			return a.console.Run(ctx)
		}
		return a.runHeadless(ctx)
	})

	return g.Wait()
}

// runHeadless connects once and holds the session until ctx is done or the
// session ends on its own.
func (a *App) runHeadless(ctx context.Context) error {
	var (
		live  atomic.Bool
		ended = make(chan error, 1)
	)
	endOnIdle := func(s session.Snapshot) {
		if live.Load() && s.Status == session.StatusIdle {
			select {
			case ended <- s.Err:
			default:
			}
		}
	}
	a.manager.OnChange(endOnIdle)
	a.manager.OnTranscript(func(tr s2s.Transcript) {
		slog.Info("transcript", "role", string(tr.Role), "text", tr.Text)
	})
	defer func() {
		a.manager.OnChange(nil)
		a.manager.OnTranscript(nil)
	}()

	if err := a.manager.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("app: connect: %w", err)
	}
	defer a.manager.Disconnect()
	slog.Info("session connected", "session_id", a.manager.SessionID())

	live.Store(true)
	// The session may have dropped before live was set.
	endOnIdle(a.manager.Snapshot())

	select {
	case <-ctx.Done():
		return nil
	case err := <-ended:
		if err != nil {
			return fmt.Errorf("app: session ended: %w", err)
		}
		slog.Info("session ended by remote side")
		return nil
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
