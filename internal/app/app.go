// Package app wires the call controller, audio devices, level meter,
// transcript archive and diagnostics server into a running client.
//
// The App struct owns the full lifecycle: New builds every subsystem, Run
// places the call and serves until it ends, and Shutdown tears everything
// down in order.
//
// For testing, inject mock implementations via functional options
// (WithDevices, WithStore, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livecall/internal/call"
	"github.com/MrWong99/livecall/internal/config"
	"github.com/MrWong99/livecall/internal/health"
	"github.com/MrWong99/livecall/internal/observe"
	"github.com/MrWong99/livecall/pkg/audio/capture"
	"github.com/MrWong99/livecall/pkg/audio/meter"
	"github.com/MrWong99/livecall/pkg/provider/s2s"
	"github.com/MrWong99/livecall/pkg/provider/tts"
	"github.com/MrWong99/livecall/pkg/transcript"
	"github.com/MrWong99/livecall/pkg/transcript/postgres"
)

// orbBaseRadius is the resting orb radius reported on /statusz, in the
// units of the rendering client.
const orbBaseRadius = 100

// errCallEnded stops the run group when the remote side hung up.
var errCallEnded = errors.New("app: call ended")

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	S2S s2s.Provider
	TTS tts.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics
	levelVar  *slog.LevelVar
	gatherer  prometheus.Gatherer
	console   io.Writer
	meterOut  io.Writer

	mic       capture.Microphone
	newOutput call.OutputFactory
	store     transcript.Store

	mu          sync.Mutex
	cfg         *config.Config
	personaName string
	persona     config.PersonaConfig

	ctrl     *call.Controller
	meter    *meter.Meter
	archiver *transcript.Archiver
	mux      *http.ServeMux
	events   chan string
	ended    chan call.StateChange

	// deviceCheck reports a failed output device; nil when unknown. Guarded
	// by mu.
	deviceCheck func() error

	// closers are called in order during Shutdown.
	closersMu sync.Mutex
	closers   []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevices injects the microphone and output factory instead of creating
// them from audio.backend.
func WithDevices(mic capture.Microphone, output call.OutputFactory) Option {
	return func(a *App) {
		a.mic = mic
		a.newOutput = output
	}
}

// WithStore injects a transcript store instead of connecting to
// archive.postgres_dsn.
func WithStore(s transcript.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPersona selects the persona by name. The first configured persona is
// used by default.
func WithPersona(name string) Option {
	return func(a *App) { a.personaName = name }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets [App.Reload] change the log level of the handler built
// on v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithGatherer serves g on the diagnostics /metrics endpoint.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithConsole prints call events (state changes, transcript lines, the
// user-visible error) to w.
func WithConsole(w io.Writer) Option {
	return func(a *App) { a.console = w }
}

// WithMeterOutput renders the live input and output level bars to w.
func WithMeterOutput(w io.Writer) Option {
	return func(a *App) { a.meterOut = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Nothing is opened
// on the audio devices until [App.Run] or [App.Say].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil {
		return nil, errors.New("app: no live session provider configured")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		events:    make(chan string, 64),
		ended:     make(chan call.StateChange, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Persona ───────────────────────────────────────────────────────
	persona, err := cfg.Persona(a.personaName)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.persona = persona

	// ── 2. Audio devices ─────────────────────────────────────────────────
	if err := a.initDevices(); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 3. Transcript archive ────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 4. Call controller ───────────────────────────────────────────────
	a.initController()

	// ── 5. Level meter ───────────────────────────────────────────────────
	a.meter = meter.New(a.ctrl,
		meter.WithInterval(cfg.Audio.MeterInterval),
		meter.WithObserver(a.renderLevels),
	)

	// ── 6. Diagnostics ───────────────────────────────────────────────────
	a.initDiagnostics()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initArchive connects the transcript store, if one is configured, and puts
// a non-blocking archiver in front of it.
func (a *App) initArchive(ctx context.Context) error {
	if a.store == nil && a.cfg.Archive.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, a.cfg.Archive.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = store
		a.addCloser(func() error { store.Close(); return nil })
	}
	if a.store == nil {
		return nil
	}

	a.archiver = transcript.NewArchiver(a.store,
		transcript.WithQueueSize(a.cfg.Archive.QueueSize),
		transcript.WithWriteTimeout(a.cfg.Archive.WriteTimeout),
		transcript.WithArchiverLogger(a.log),
	)
	// Stop drains pending entries, so it must run before the store closes.
	a.closersMu.Lock()
	a.closers = append([]func() error{func() error { a.archiver.Stop(); return nil }}, a.closers...)
	a.closersMu.Unlock()
	return nil
}

func (a *App) initController() {
	opts := []call.Option{
		call.WithSessionConfig(a.persona.SessionConfig()),
		call.WithLogger(a.log),
		call.WithMetrics(a.metrics),
		call.WithEncoderOptions(
			capture.WithFrameSize(a.cfg.Audio.FrameSize),
			capture.WithSampleRate(a.cfg.Audio.InputSampleRate),
		),
	}
	if a.providers.TTS != nil {
		opts = append(opts, call.WithSpeech(a.providers.TTS, ""))
	}
	a.ctrl = call.New(a.providers.S2S, a.mic, a.newOutput, opts...)

	a.ctrl.OnState(a.onState)
	a.ctrl.OnTranscript(a.onTranscript)
}

func (a *App) initDiagnostics() {
	hopts := []health.Option{
		health.WithStatus(func() any { return a.Status() }),
		health.WithChecker(health.Checker{Name: "call", Check: func(context.Context) error {
			if snap := a.ctrl.Snapshot(); snap.Status == call.StateError {
				return errors.New(snap.Error)
			}
			return nil
		}}),
	}
	hopts = append(hopts, health.WithChecker(health.Checker{Name: "audio", Check: a.checkAudio}))
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		hopts = append(hopts, health.WithChecker(health.Checker{Name: "archive", Check: p.Ping}))
	}
	if a.gatherer != nil {
		hopts = append(hopts, health.WithMetrics(a.gatherer))
	}

	a.mux = http.NewServeMux()
	health.New(hopts...).Register(a.mux)
}

// checkAudio reports a failed output stream. It passes before the output
// device was opened.
func (a *App) checkAudio(context.Context) error {
	a.mu.Lock()
	check := a.deviceCheck
	a.mu.Unlock()
	if check == nil {
		return nil
	}
	return check()
}

func (a *App) addCloser(fn func() error) {
	a.closersMu.Lock()
	defer a.closersMu.Unlock()
	a.closers = append(a.closers, fn)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run places the call and blocks until ctx is cancelled or the call ends.
// A remote hang-up or cancellation returns nil; a fatal media or transport
// error is returned wrapped.
func (a *App) Run(ctx context.Context) error {
	if a.archiver != nil {
		a.archiver.Start(context.WithoutCancel(ctx))
	}

	select {
	case <-a.ended:
	default:
	}
	if err := a.ctrl.Start(ctx); err != nil {
		a.flushEvents()
		return fmt.Errorf("app: start call: %w", err)
	}
	defer a.ctrl.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.meter.Run(gctx) })
	g.Go(func() error { return a.printEvents(gctx) })

	if addr := a.listenAddr(); addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           observe.Middleware(a.metrics)(a.mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("diagnostics listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: diagnostics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case ch := <-a.ended:
			if ch.To == call.StateError {
				return fmt.Errorf("app: call failed: %w", ch.Err)
			}
			return errCallEnded
		}
	})

	err := g.Wait()
	a.flushEvents()
	if errors.Is(err, errCallEnded) {
		return nil
	}
	return err
}

// Say synthesises text, plays it through the output device and waits until
// playback reached the end of it.
func (a *App) Say(ctx context.Context, text string) error {
	unit, err := a.ctrl.Speak(ctx, text)
	if err != nil {
		return fmt.Errorf("app: say: %w", err)
	}
	if unit == nil {
		return nil
	}
	out := a.ctrl.Output()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for out.Now() < unit.End() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Controller returns the call controller.
func (a *App) Controller() *call.Controller { return a.ctrl }

// Handler returns the diagnostics handler without the request middleware.
func (a *App) Handler() http.Handler { return a.mux }

func (a *App) listenAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Server.ListenAddr
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies a changed configuration. The log level changes immediately;
// a change to the active persona applies to the next call. Changes that need
// a restart are logged and otherwise ignored.
func (a *App) Reload(next *config.Config) {
	a.mu.Lock()
	d := config.Diff(a.cfg, next)
	name := a.persona.Name
	a.cfg = next
	a.mu.Unlock()

	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(slogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	for _, pc := range d.PersonaChanges {
		if pc.Name != name {
			continue
		}
		if pc.Removed {
			a.log.Warn("active persona removed from config; keeping current settings", "persona", name)
			continue
		}
		p, err := next.Persona(name)
		if err != nil {
			continue
		}
		a.mu.Lock()
		a.persona = p
		a.mu.Unlock()
		a.ctrl.SetSessionConfig(p.SessionConfig())
		a.log.Info("persona updated; applies to the next call", "persona", name,
			"voice_changed", pc.VoiceChanged,
			"instructions_changed", pc.InstructionsChanged,
		)
	}
	if d.RestartRequired {
		a.log.Warn("provider, audio, archive or listener settings changed; restart to apply")
	}
}

func slogLevel(l config.LogLevel) slog.Level {
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

// ─── Status ──────────────────────────────────────────────────────────────────

// Status is the diagnostics snapshot served on /statusz.
type Status struct {
	Persona string        `json:"persona"`
	Call    call.Session  `json:"call"`
	Levels  meter.Levels  `json:"levels"`
	Orb     meter.Orb     `json:"orb"`
	Archive *ArchiveStats `json:"archive,omitempty"`
}

// ArchiveStats reports the transcript archiver's progress.
type ArchiveStats struct {
	Written  int64 `json:"written"`
	Dropped  int64 `json:"dropped"`
	Degraded bool  `json:"degraded"`
}

// Status returns the current diagnostics snapshot. Levels are the meter's
// most recent reading.
func (a *App) Status() Status {
	a.mu.Lock()
	persona := a.persona.Name
	a.mu.Unlock()

	levels := a.meter.Last()
	s := Status{
		Persona: persona,
		Call:    a.ctrl.Snapshot(),
		Levels:  levels,
		Orb:     meter.OrbGeometry(levels, orbBaseRadius),
	}
	if a.archiver != nil {
		s.Archive = &ArchiveStats{
			Written:  a.archiver.Written(),
			Dropped:  a.archiver.Dropped(),
			Degraded: a.archiver.IsDegraded(),
		}
	}
	return s
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown hangs up and tears down all subsystems in order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if err := a.ctrl.Close(); err != nil {
			a.log.Warn("call close error", "err", err)
		}

		a.closersMu.Lock()
		closers := append([]func() error(nil), a.closers...)
		a.closersMu.Unlock()
		a.log.Info("shutting down", "closers", len(closers))

		for i, closer := range closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
