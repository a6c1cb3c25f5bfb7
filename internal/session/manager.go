// Package session owns the lifecycle of a live duplex voice session.
//
// A [Manager] opens the output device, the capture pipeline and the network
// session in that order, forwards microphone frames to the remote model and
// schedules the synthesised speech it sends back for gapless playback. It is
// the only component that decides when devices and sessions are opened or
// released; everything below it receives commands only.
//
// The caller-facing contract is small: [Manager.Connect],
// [Manager.Disconnect], [Manager.Status], [Manager.Volume] and
// [Manager.Err], plus [Manager.OnChange] for push-style observers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/agrivoice/internal/observe"
	"github.com/MrWong99/agrivoice/pkg/audio"
	"github.com/MrWong99/agrivoice/pkg/audio/capture"
	"github.com/MrWong99/agrivoice/pkg/audio/playout"
	"github.com/MrWong99/agrivoice/pkg/provider/s2s"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Manager.
type Option func(*Manager)

// WithSessionConfig sets the network session configuration used by Connect.
func WithSessionConfig(cfg s2s.SessionConfig) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithCaptureOptions passes options to every capture pipeline the manager
// starts.
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(m *Manager) { m.captureOpts = append(m.captureOpts, opts...) }
}

// WithVolumeInterval sets the volume sampling period.
func WithVolumeInterval(d time.Duration) Option {
	return func(m *Manager) { m.volumeInterval = d }
}

// WithPlayoutLead sets the safety margin added when playback has run dry.
func WithPlayoutLead(d time.Duration) Option {
	return func(m *Manager) { m.lead = d }
}

// WithMetrics records session metrics on mt instead of
// [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// WithProviderName sets the provider label used in logs and metrics.
func WithProviderName(name string) Option {
	return func(m *Manager) { m.providerName = name }
}

// ── Manager ────────────────────────────────────────────────────────────────────

// Manager runs at most one voice session at a time. All exported methods are
// safe for concurrent use.
type Manager struct {
	mic          audio.Microphone
	speaker      audio.Speaker
	provider     s2s.Provider
	providerName string

	captureOpts    []capture.Option
	volumeInterval time.Duration
	lead           time.Duration
	metrics        *observe.Metrics

	mu           sync.Mutex
	st           state
	cfg          s2s.SessionConfig
	volume       float64
	err          error
	closed       bool
	releasing    chan struct{}
	onChange     func(Snapshot)
	onTranscript func(s2s.Transcript)
	notifying    bool

	notify     chan struct{}
	quit       chan struct{}
	quitOnce   sync.Once
	notifyDone chan struct{}
}

// New creates an idle Manager. No device is touched until Connect.
func New(mic audio.Microphone, speaker audio.Speaker, provider s2s.Provider, opts ...Option) *Manager {
	m := &Manager{
		mic:            mic,
		speaker:        speaker,
		provider:       provider,
		providerName:   "s2s",
		volumeInterval: DefaultVolumeInterval,
		st:             idleState{},
		notify:         make(chan struct{}, 1),
		quit:           make(chan struct{}),
		notifyDone:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Connect opens a session: output device, capture pipeline, then the network
// session. It returns once the remote side acknowledged the setup and audio
// is flowing. On failure everything acquired so far is released and the
// manager is idle again.
//
// ctx bounds the opening phase only; the established session lives until
// Disconnect, Close or a remote failure. Connect returns
// [ErrAlreadyConnected] unless the manager is idle and
// [ErrConnectCancelled] if Disconnect interrupted it.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, idle := m.st.(idleState); !idle {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	cctx, cancel := context.WithCancel(ctx)
	cs := &connectingState{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}
	m.st = cs
	m.err = nil
	cfg := m.cfg
	m.mu.Unlock()
	m.changed()

	defer close(cs.done)
	defer cancel()

	start := time.Now()
	spanCtx, span := observe.StartSpan(cctx, "session.connect",
		trace.WithAttributes(
			attribute.String("session_id", cs.id),
			attribute.String("provider", m.providerName),
		),
	)
	log := observe.Logger(spanCtx).With("session_id", cs.id)

	err := m.open(spanCtx, cs, cfg, log)
	observe.EndSpan(span, err)

	status := "ok"
	if err != nil {
		status = errorKind(err)
	}
	m.metrics.RecordConnect(context.Background(), time.Since(start).Seconds(), status)
	if err != nil {
		return err
	}
	log.Info("session connected",
		"provider", m.providerName,
		"voice", cfg.Voice,
		"duration", time.Since(start),
	)
	return nil
}

// open acquires the session resources in order. On error every resource
// acquired so far is released before returning.
func (m *Manager) open(ctx context.Context, cs *connectingState, cfg s2s.SessionConfig, log *slog.Logger) (err error) {
	var closers []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		err = m.abort(cs, err, log)
	}()

	out, err := m.speaker.Open(ctx, audio.PlaybackSampleRate)
	if err != nil {
		return fmt.Errorf("session: open speaker: %w", err)
	}
	sched := playout.NewScheduler(out,
		playout.WithLead(m.lead),
		playout.WithOnDrained(func() {
			m.metrics.PlaybackDrained.Add(context.Background(), 1)
			log.Debug("session: playback drained")
		}),
	)
	closers = append(closers, func() {
		if cerr := sched.Teardown(); cerr != nil {
			log.Debug("session: release speaker", "err", cerr)
		}
	})

	handle, err := capture.New(m.mic, m.captureOpts...).Start(ctx)
	if err != nil {
		return fmt.Errorf("session: start capture: %w", err)
	}
	closers = append(closers, handle.Stop)

	remote, err := m.provider.Connect(ctx, cfg)
	if err != nil {
		m.metrics.RecordProviderRequest(context.Background(), m.providerName, "error")
		if ctx.Err() != nil {
			return fmt.Errorf("session: open network: %w", ctx.Err())
		}
		return fmt.Errorf("%w: %w", ErrNetworkOpenFailed, err)
	}
	m.metrics.RecordProviderRequest(context.Background(), m.providerName, "ok")
	closers = append(closers, func() {
		if cerr := remote.Close(); cerr != nil {
			log.Debug("session: release network session", "err", cerr)
		}
	})

	return m.commit(cs, sched, handle, remote, log)
}

// abort moves a failed attempt back to idle. If Disconnect already took the
// attempt over, the failure is reported as [ErrConnectCancelled].
func (m *Manager) abort(cs *connectingState, err error, log *slog.Logger) error {
	m.mu.Lock()
	if m.st != state(cs) {
		m.mu.Unlock()
		return ErrConnectCancelled
	}
	m.st = idleState{}
	kind := errorKind(err)
	if kind != "cancelled" {
		m.err = err
	}
	m.mu.Unlock()
	m.changed()

	if kind != "cancelled" {
		m.metrics.RecordSessionError(context.Background(), kind)
		log.Warn("session connect failed", "kind", kind, "err", err)
	}
	return err
}

// commit publishes the connected state and starts the per-session
// goroutines. The capture watermark is taken here: frames captured while
// connecting are never forwarded.
func (m *Manager) commit(cs *connectingState, sched *playout.Scheduler, handle *capture.Handle, remote s2s.SessionHandle, log *slog.Logger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st != state(cs) {
		return ErrConnectCancelled
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	c := &connectedState{
		id:        cs.id,
		sched:     sched,
		capture:   handle,
		net:       remote,
		watermark: handle.NextSeq(),
		cancel:    cancel,
		fwdDone:   make(chan struct{}),
		runDone:   make(chan struct{}),
		released:  make(chan struct{}),
	}
	c.volume = NewVolumeMonitor(handle, m.volumeInterval, func(v float64) { m.setVolume(c, v) })
	m.st = c
	m.metrics.ActiveSessions.Add(context.Background(), 1)

	go m.forward(sessCtx, c, log)
	go m.run(sessCtx, c, log)
	c.volume.Start()
	m.changed()
	return nil
}

// Disconnect ends the session from any state. It is idempotent and
// synchronous: when it returns, every device and the network session are
// released. Disconnect during Connect cancels the attempt.
//
// It must not be called from an OnTranscript hook.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	switch st := m.st.(type) {
	case *connectingState:
		m.st = idleState{}
		m.volume = 0
		m.releasing = st.done
		m.mu.Unlock()
		m.changed()

		st.cancel()
		<-st.done
		slog.Info("session connect cancelled", "session_id", st.id)

	case *connectedState:
		m.claimLocked(st, nil)
		m.mu.Unlock()
		m.changed()

		m.release(st, true)
		slog.Info("session disconnected", "session_id", st.id)

	default:
		wait := m.releasing
		m.mu.Unlock()
		if wait != nil {
			<-wait
		}
	}
}

// claimLocked takes ownership of c for teardown. Must be called with m.mu
// held and m.st == c.
func (m *Manager) claimLocked(c *connectedState, cause error) {
	m.st = idleState{}
	m.volume = 0
	if cause != nil {
		m.err = cause
	}
	m.releasing = c.released
	c.cancel()
}

// release tears a claimed session down: volume monitor, capture, playback,
// network. Errors are logged and swallowed. waitRun is false when called
// from the inbound event loop itself.
func (m *Manager) release(c *connectedState, waitRun bool) {
	defer close(c.released)

	c.volume.Stop()
	c.capture.Stop()
	if err := c.sched.Teardown(); err != nil {
		slog.Debug("session: teardown playout", "session_id", c.id, "err", err)
	}
	if err := c.net.Close(); err != nil {
		slog.Debug("session: close network session", "session_id", c.id, "err", err)
	}
	<-c.fwdDone
	if waitRun {
		<-c.runDone
	}
	// Unblock a provider still emitting on the event channel.
	for range c.net.Events() {
	}

	ctx := context.Background()
	m.metrics.ActiveSessions.Add(ctx, -1)
	m.metrics.RecordFramesDropped(ctx, "queue_full", int64(c.capture.Dropped()))
}

// fail ends c from the inbound event loop. A nil cause means the remote side
// closed the session normally.
func (m *Manager) fail(c *connectedState, cause error, log *slog.Logger) {
	m.mu.Lock()
	if m.st != state(c) {
		m.mu.Unlock()
		return
	}
	m.claimLocked(c, cause)
	m.mu.Unlock()
	m.changed()

	if cause != nil {
		m.metrics.RecordSessionError(context.Background(), errorKind(cause))
		log.Warn("session failed", "err", cause)
	} else {
		log.Info("session closed by remote")
	}
	m.release(c, false)
}

// ── Per-session goroutines ─────────────────────────────────────────────────────

// forward sends captured frames in capture order until the frame queue is
// closed by teardown.
func (m *Manager) forward(ctx context.Context, c *connectedState, log *slog.Logger) {
	defer close(c.fwdDone)

	var early int64
	for f := range c.capture.Frames() {
		if f.Seq < c.watermark {
			early++
			continue
		}
		if ctx.Err() != nil {
			continue
		}
		if err := c.net.SendAudio(audio.Encode(f.Samples)); err != nil {
			if ctx.Err() == nil {
				log.Debug("session: send audio", "seq", f.Seq, "err", err)
			}
			continue
		}
		m.metrics.FramesSent.Add(context.Background(), 1)
	}
	m.metrics.RecordFramesDropped(context.Background(), "not_connected", early)
}

// run consumes inbound events in arrival order.
func (m *Manager) run(ctx context.Context, c *connectedState, log *slog.Logger) {
	defer close(c.runDone)

	events := c.net.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				if err := c.net.Err(); err != nil {
					m.fail(c, fmt.Errorf("%w: %w", ErrNetworkRuntime, err), log)
				} else {
					m.fail(c, nil, log)
				}
				return
			}
			if !m.handle(ctx, c, ev, log) {
				return
			}
		}
	}
}

// handle applies one inbound event. It returns false once the session ended.
func (m *Manager) handle(ctx context.Context, c *connectedState, ev s2s.Event, log *slog.Logger) bool {
	switch ev.Kind {
	case s2s.EventAudio:
		m.play(ctx, c, ev.Audio, log)

	case s2s.EventInterrupted:
		c.sched.Flush()
		m.metrics.Interruptions.Add(context.Background(), 1)
		log.Debug("session: interrupted, playback flushed")

	case s2s.EventTurnComplete:
		log.Debug("session: turn complete")

	case s2s.EventTranscript:
		m.mu.Lock()
		fn := m.onTranscript
		m.mu.Unlock()
		if fn != nil {
			fn(ev.Transcript)
		}

	case s2s.EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("remote error")
		}
		m.fail(c, fmt.Errorf("%w: %w", ErrNetworkRuntime, err), log)
		return false

	case s2s.EventClosed:
		m.fail(c, nil, log)
		return false
	}
	return true
}

// play decodes one inbound chunk and places it on the playback timeline. A
// malformed chunk is dropped; the session continues.
func (m *Manager) play(ctx context.Context, c *connectedState, pcm []byte, log *slog.Logger) {
	buf, err := audio.Decode(pcm, audio.PlaybackSampleRate)
	if err != nil {
		m.metrics.ChunksDropped.Add(context.Background(), 1)
		log.Warn("session: dropping malformed audio chunk", "bytes", len(pcm), "err", err)
		return
	}
	if _, err := c.sched.Schedule(buf); err != nil {
		m.metrics.ChunksDropped.Add(context.Background(), 1)
		if ctx.Err() == nil {
			log.Warn("session: schedule audio chunk", "err", err)
		}
		return
	}
	m.metrics.ChunksScheduled.Add(context.Background(), 1)
}

// ── Observers ──────────────────────────────────────────────────────────────────

// Status returns the current lifecycle phase.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.status()
}

// Volume returns the latest microphone level in [0, 1].
func (m *Manager) Volume() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

// Err returns the last session failure, or nil.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Snapshot returns status, volume and error in one consistent read.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{Status: m.st.status(), Volume: m.volume, Err: m.err}
}

// SessionID returns the identifier of the current attempt or session, or ""
// when idle.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch st := m.st.(type) {
	case *connectingState:
		return st.id
	case *connectedState:
		return st.id
	}
	return ""
}

// SetSessionConfig replaces the configuration used by the next Connect. A
// running session is not affected.
func (m *Manager) SetSessionConfig(cfg s2s.SessionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// SessionConfig returns the configuration the next Connect will use.
func (m *Manager) SessionConfig() s2s.SessionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// OnTranscript registers fn to receive transcription fragments. fn runs on
// the inbound event loop and must return quickly.
func (m *Manager) OnTranscript(fn func(s2s.Transcript)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTranscript = fn
}

// OnChange registers fn to be called after state, volume or error changes.
// Notifications are coalesced and delivered on a dedicated goroutine, so fn
// always sees the latest snapshot but may skip intermediate ones.
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
	if m.notifying || m.closed {
		return
	}
	m.notifying = true
	go m.notifyLoop()
}

// Close disconnects and stops change notifications. Connect fails with
// [ErrClosed] afterwards. Close must not be called from the OnChange callback.
func (m *Manager) Close() {
	m.Disconnect()

	m.mu.Lock()
	m.closed = true
	notifying := m.notifying
	m.mu.Unlock()

	m.quitOnce.Do(func() { close(m.quit) })
	if notifying {
		<-m.notifyDone
	}
}

// Closed reports whether Close has been called.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) setVolume(c *connectedState, v float64) {
	m.mu.Lock()
	if m.st != state(c) || m.volume == v {
		m.mu.Unlock()
		return
	}
	m.volume = v
	m.mu.Unlock()
	m.changed()
}

// changed schedules a notification without blocking.
func (m *Manager) changed() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) notifyLoop() {
	defer close(m.notifyDone)
	for {
		select {
		case <-m.quit:
			return
		case <-m.notify:
			m.mu.Lock()
			fn := m.onChange
			snap := m.snapshotLocked()
			m.mu.Unlock()
			if fn != nil {
				fn(snap)
			}
		}
	}
}
