// Package call implements the duplex session controller: the state machine
// that owns one live voice call.
//
// A [Controller] acquires the microphone, opens the remote speech-to-speech
// session, pumps captured frames to it and dispatches every inbound message
// through [Controller.HandleMessage]: transcript fragments are accumulated
// per turn, inline audio is handed to the playback scheduler and interruption
// signals flush everything that is still queued. Every Start begins a new
// session generation; work that completes for an older generation is dropped.
//
// The output graph (playback scheduler, output device and both level meter
// analysers) is created on first use and reused by every later call.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/livecall/internal/observe"
	"github.com/MrWong99/livecall/pkg/audio"
	"github.com/MrWong99/livecall/pkg/audio/capture"
	"github.com/MrWong99/livecall/pkg/audio/meter"
	"github.com/MrWong99/livecall/pkg/audio/playback"
	"github.com/MrWong99/livecall/pkg/provider/s2s"
	"github.com/MrWong99/livecall/pkg/provider/tts"
	"github.com/MrWong99/livecall/pkg/transcript"
)

// Compile-time assertion that Controller feeds the level meter.
var _ meter.Source = (*Controller)(nil)

const (
	deviceMicrophone = "microphone"
	deviceSpeaker    = "speaker"
)

// OutputFactory creates the output device. tap must receive every rendered
// block so the output analyser can follow it. The factory is called at most
// once per successful creation.
type OutputFactory func(tap playback.Tap) (playback.Output, error)

// Option is a functional option for configuring a [Controller].
type Option func(*Controller)

// WithSessionConfig sets the configuration sent when the remote session opens.
func WithSessionConfig(cfg s2s.SessionConfig) Option {
	return func(c *Controller) { c.sessCfg = cfg }
}

// WithSpeech enables [Controller.Speak] using p. voice overrides the session
// voice for synthesised speech when non-empty.
func WithSpeech(p tts.Provider, voice string) Option {
	return func(c *Controller) {
		c.speech = p
		c.speechVoice = voice
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock overrides the wall clock used for transcript timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides how session IDs are generated.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithEncoderOptions passes opts to every capture encoder the controller
// creates.
func WithEncoderOptions(opts ...capture.Option) Option {
	return func(c *Controller) { c.encOpts = append(c.encOpts, opts...) }
}

// ── Controller ────────────────────────────────────────────────────────────────

// Controller owns the lifecycle of a duplex voice call. All methods are safe
// for concurrent use.
type Controller struct {
	provider  s2s.Provider
	mic       capture.Microphone
	newOutput OutputFactory

	speech      tts.Provider
	speechVoice string
	log         *slog.Logger
	metrics     *observe.Metrics
	now         func() time.Time
	newID       func() string
	encOpts     []capture.Option

	mu            sync.Mutex
	sessCfg       s2s.SessionConfig
	state         State
	gen           uint64
	errMsg        string
	sessionID     string
	startedAt     time.Time
	entries       []transcript.Entry
	acc           transcript.Accumulator
	res           resources
	cancelConnect context.CancelFunc

	// Output graph, created once.
	inAnalyser  *meter.Analyser
	outAnalyser *meter.Analyser
	output      playback.Output
	scheduler   *playback.Scheduler

	obsMu         sync.Mutex
	stateObs      []func(StateChange)
	transcriptObs []func(sessionID string, e transcript.Entry)
}

// resources are the per-session handles released on teardown.
type resources struct {
	session   s2s.SessionHandle
	stream    capture.Stream
	encoder   *capture.Encoder
	stopPump  context.CancelFunc
	pumpDone  chan struct{}
	scheduler *playback.Scheduler
	connected bool
}

// New creates a Controller in [StateDisconnected]. Nothing is opened until
// [Controller.Start].
func New(provider s2s.Provider, mic capture.Microphone, output OutputFactory, opts ...Option) *Controller {
	c := &Controller{
		provider:  provider,
		mic:       mic,
		newOutput: output,
		log:       slog.Default(),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		state:     StateDisconnected,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// OnState registers fn to receive every state transition. fn is called
// without internal locks held, after resources were released.
func (c *Controller) OnState(fn func(StateChange)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.stateObs = append(c.stateObs, fn)
}

// OnTranscript registers fn to receive every finished transcript entry.
func (c *Controller) OnTranscript(fn func(sessionID string, e transcript.Entry)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.transcriptObs = append(c.transcriptObs, fn)
}

// SetSessionConfig replaces the configuration used by the next Start. A call
// in progress keeps the configuration it was opened with.
func (c *Controller) SetSessionConfig(cfg s2s.SessionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessCfg = cfg
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Start opens a call. It is a no-op while the call is connecting or connected.
//
// The microphone is acquired before any connection is attempted; a
// [MediaAccessError] or [TransportError] moves the call to [StateError] and is
// returned. If [Controller.Close] runs while Start is still in progress, the
// partially acquired resources are released and Start returns nil. If ctx is
// cancelled during connection setup, the call returns to [StateDisconnected]
// and ctx.Err() is returned.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		state := c.state
		c.mu.Unlock()
		c.log.Debug("call: start ignored", "state", state)
		return nil
	}
	var changes []StateChange
	if c.state == StateError {
		c.errMsg = ""
		changes = append(changes, c.setStateLocked(StateDisconnected, nil))
	}
	c.gen++
	gen := c.gen
	c.sessionID = c.newID()
	c.startedAt = c.now()
	c.entries = nil
	c.acc.Reset()
	cfg := c.sessCfg
	connectCtx, cancelConnect := context.WithCancel(ctx)
	c.cancelConnect = cancelConnect
	changes = append(changes, c.setStateLocked(StateConnecting, nil))
	graphErr := c.ensureGraphLocked()
	c.mu.Unlock()
	defer cancelConnect()
	c.notifyStates(changes...)

	if graphErr != nil {
		return c.abort(gen, &MediaAccessError{Device: deviceSpeaker, Err: graphErr})
	}

	// The stream outlives Start, so it is not bound to ctx.
	lifeCtx, stopPump := context.WithCancel(context.Background())
	stream, err := c.mic.Open(lifeCtx)
	if err != nil {
		stopPump()
		return c.abort(gen, &MediaAccessError{Device: deviceMicrophone, Err: err})
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		stopPump()
		_ = stream.Close()
		c.stale("microphone open")
		return nil
	}
	c.res = resources{stream: stream, stopPump: stopPump, scheduler: c.scheduler}
	c.mu.Unlock()

	spanCtx, span := observe.StartSpan(connectCtx, "call.connect")
	began := time.Now()
	sess, err := c.provider.Connect(spanCtx, cfg)
	c.metrics.ConnectDuration.Record(context.Background(), time.Since(began).Seconds())
	observe.EndSpan(span, err)
	if err != nil {
		if ctx.Err() != nil {
			if c.teardown(gen, StateDisconnected, nil) {
				return ctx.Err()
			}
			return nil
		}
		return c.abort(gen, &TransportError{Op: "connect", Err: err})
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = sess.Close()
		go audio.Drain(sess.Messages())
		c.stale("session open")
		return nil
	}
	enc := capture.NewEncoder(c.encOpts...)
	enc.SetTap(c.inAnalyser)
	c.res.session = sess
	c.res.encoder = enc
	c.res.pumpDone = make(chan struct{})
	c.res.connected = true
	c.cancelConnect = nil
	res := c.res
	sessionID := c.sessionID
	change := c.setStateLocked(StateConnected, nil)
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(context.Background(), 1)
	go c.pump(lifeCtx, gen, res)
	go c.receive(gen, sess)

	c.log.Info("call: connected", "session_id", sessionID, "voice", cfg.Voice)
	c.notifyStates(change)
	return nil
}

// Close hangs up. It is idempotent and safe to call before Start; in
// [StateError] it only moves the call back to [StateDisconnected].
//
// Resources are released in this order: remote session, microphone stream,
// capture pump, input tap, pending playback.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	if c.cancelConnect != nil {
		c.cancelConnect()
		c.cancelConnect = nil
	}
	res := c.detachLocked()
	c.errMsg = ""
	change := c.setStateLocked(StateDisconnected, nil)
	sessionID := c.sessionID
	c.mu.Unlock()

	c.release(res)
	c.log.Info("call: closed", "session_id", sessionID)
	c.notifyStates(change)
	return nil
}

// abort tears down a failing Start and returns err, or nil if the attempt was
// already superseded.
func (c *Controller) abort(gen uint64, err error) error {
	if c.teardown(gen, StateError, err) {
		return err
	}
	return nil
}

// teardown ends generation gen, releasing its resources and moving to state
// to. err is the fatal error for [StateError]. It reports false, doing
// nothing, when gen is stale or the call is not live.
func (c *Controller) teardown(gen uint64, to State, err error) bool {
	c.mu.Lock()
	if gen != c.gen || (c.state != StateConnecting && c.state != StateConnected) {
		c.mu.Unlock()
		c.stale("teardown", "error", err)
		return false
	}
	c.gen++
	if c.cancelConnect != nil {
		c.cancelConnect()
		c.cancelConnect = nil
	}
	res := c.detachLocked()
	if err != nil {
		c.errMsg = userMessage(err)
	}
	change := c.setStateLocked(to, err)
	sessionID := c.sessionID
	c.mu.Unlock()

	if err != nil {
		c.log.Error("call: session failed", "session_id", sessionID, "error", err)
		c.metrics.RecordSessionError(context.Background(), errorKind(err))
	} else {
		c.log.Info("call: session ended", "session_id", sessionID)
	}
	c.release(res)
	c.notifyStates(change)
	return true
}

// detachLocked hands the live resources to the caller for release and drops
// any half-finished turn. Must be called with c.mu held.
func (c *Controller) detachLocked() resources {
	res := c.res
	c.res = resources{}
	c.acc.Reset()
	return res
}

// release frees res in teardown order. It must be called without c.mu held
// because the capture pump may be reporting a failure concurrently.
func (c *Controller) release(res resources) {
	if res.session != nil {
		if err := res.session.Close(); err != nil {
			c.log.Debug("call: close session", "error", err)
		}
	}
	if res.stream != nil {
		if err := res.stream.Close(); err != nil {
			c.log.Debug("call: close microphone", "error", err)
		}
	}
	if res.stopPump != nil {
		res.stopPump()
	}
	if res.pumpDone != nil {
		<-res.pumpDone
	}
	if res.encoder != nil {
		res.encoder.SetTap(nil)
	}
	if res.scheduler != nil {
		res.scheduler.Reset()
	}
	if res.connected {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

func (c *Controller) setStateLocked(to State, err error) StateChange {
	change := StateChange{From: c.state, To: to, Err: err}
	if to == StateError {
		change.Message = c.errMsg
	}
	c.state = to
	return change
}

// ensureGraphLocked creates the output graph on first use. Must be called with
// c.mu held.
func (c *Controller) ensureGraphLocked() error {
	if c.scheduler != nil {
		return nil
	}
	in := meter.NewAnalyser()
	out := meter.NewAnalyser()
	output, err := c.newOutput(out)
	if err != nil {
		return fmt.Errorf("call: open output: %w", err)
	}
	c.inAnalyser, c.outAnalyser, c.output = in, out, output
	// Chunks whose MIME type omits the rate are assumed to be at the
	// provider's native output rate.
	rate := c.provider.Capabilities().OutputSampleRate
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	c.scheduler = playback.NewScheduler(output,
		playback.WithLogger(c.log),
		playback.WithDecoder(playback.PCMDecoder(rate)),
	)
	return nil
}

func (c *Controller) stale(what string, args ...any) {
	c.log.Debug("call: dropping stale work", append([]any{"what", what, "reason", ErrStaleCallback}, args...)...)
}

// ── Session goroutines ────────────────────────────────────────────────────────

// pump encodes microphone frames and sends them until the stream ends or the
// session is torn down.
func (c *Controller) pump(ctx context.Context, gen uint64, res resources) {
	send := func(b audio.Blob) error {
		if err := res.session.SendAudio(ctx, b); err != nil {
			return err
		}
		c.metrics.RecordFrame(ctx, len(b.Data))
		return nil
	}
	err := res.encoder.Run(ctx, res.stream.Samples(), send)
	close(res.pumpDone)

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.teardown(gen, StateError, &TransportError{Op: "send", Err: err})
		return
	}
	c.teardown(gen, StateError, &MediaAccessError{Device: deviceMicrophone, Err: errors.New("microphone stream ended")})
}

// receive dispatches inbound messages until the session ends, then classifies
// the end as a transport error or a remote hang-up.
func (c *Controller) receive(gen uint64, sess s2s.SessionHandle) {
	for msg := range sess.Messages() {
		_ = c.HandleMessage(gen, msg)
	}
	if err := sess.Err(); err != nil {
		c.teardown(gen, StateError, &TransportError{Op: "receive", Err: err})
		return
	}
	c.teardown(gen, StateDisconnected, nil)
}

// HandleMessage applies one inbound message of session generation gen. The
// parts of a message are handled in this order: input transcript, output
// transcript, turn completion, inline audio, interruption.
//
// It returns [ErrStaleCallback] when gen is not the live connected session;
// the message is then ignored. Audio that fails to decode is dropped and
// logged without affecting the rest of the message.
func (c *Controller) HandleMessage(gen uint64, msg s2s.Message) error {
	ctx := context.Background()

	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		c.stale("message")
		return ErrStaleCallback
	}
	sessionID := c.sessionID
	sched := c.scheduler

	if msg.InputTranscript != "" {
		c.acc.AddInput(msg.InputTranscript)
	}
	if msg.OutputTranscript != "" {
		c.acc.AddOutput(msg.OutputTranscript)
	}
	var flushed []transcript.Entry
	if msg.TurnComplete {
		flushed = c.acc.Flush(c.now())
		c.entries = append(c.entries, flushed...)
	}

	for _, a := range msg.Audio {
		unit, err := sched.Schedule(playback.Chunk{MIMEType: a.MIMEType, Data: a.Data})
		switch {
		case err == nil:
			c.metrics.RecordChunk(ctx, observe.ChunkScheduled, unit.End()-c.output.Now())
		case errors.Is(err, playback.ErrSuperseded):
			c.metrics.RecordChunk(ctx, observe.ChunkSuperseded, 0)
		default:
			c.metrics.RecordChunk(ctx, observe.ChunkDropped, 0)
		}
	}

	if msg.Interrupted {
		n := sched.Interrupt()
		c.metrics.RecordInterruption(ctx, n)
		c.log.Debug("call: playback interrupted", "session_id", sessionID, "stopped", n)
	}
	c.mu.Unlock()

	for _, e := range flushed {
		c.metrics.RecordTranscriptEntry(ctx, e.Speaker.String())
	}
	c.notifyTranscript(sessionID, flushed)
	return nil
}

// ── Speak ─────────────────────────────────────────────────────────────────────

// Speak synthesises text and queues it on the playback scheduler behind any
// audio already scheduled. It works with or without a live call. The returned
// unit is nil when the call was torn down while synthesis was running.
func (c *Controller) Speak(ctx context.Context, text string) (*playback.Unit, error) {
	if c.speech == nil {
		return nil, ErrNoSpeech
	}

	c.mu.Lock()
	if err := c.ensureGraphLocked(); err != nil {
		c.mu.Unlock()
		return nil, &MediaAccessError{Device: deviceSpeaker, Err: err}
	}
	gen := c.gen
	voice := c.speechVoice
	if voice == "" {
		voice = c.sessCfg.Voice
	}
	c.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "call.speak")
	began := time.Now()
	speech, err := c.speech.Synthesize(ctx, text, voice)
	c.metrics.TTSDuration.Record(ctx, time.Since(began).Seconds())
	observe.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("call: speak: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		c.stale("speech")
		return nil, nil
	}
	unit := c.scheduler.ScheduleBuffer(playback.Buffer{
		Samples:    speech.Samples(),
		SampleRate: speech.SampleRate,
	})
	c.metrics.RecordChunk(ctx, observe.ChunkScheduled, unit.End()-c.output.Now())
	return unit, nil
}

// ── Observable state ──────────────────────────────────────────────────────────

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Generation returns the current session generation. Messages tagged with any
// other generation are ignored by [Controller.HandleMessage].
func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Transcript returns a copy of the finished entries of the current or most
// recent call.
func (c *Controller) Transcript() []transcript.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transcript.Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Snapshot returns the observable state of the call.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Session{
		ID:         c.sessionID,
		Status:     c.state,
		StartedAt:  c.startedAt,
		Transcript: make([]transcript.Entry, len(c.entries)),
	}
	copy(s.Transcript, c.entries)
	if c.state == StateError {
		s.Error = c.errMsg
	}
	if c.scheduler != nil {
		s.PendingPlayback = c.scheduler.Pending()
		s.PlaybackLead = c.scheduler.Lead()
	}
	return s
}

// Analysers implements [meter.Source]. Both are nil until the output graph
// has been created by the first Start or Speak.
func (c *Controller) Analysers() (input, output *meter.Analyser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inAnalyser, c.outAnalyser
}

// Levels reads both analysers once. Each read advances the analysers'
// smoothing, so periodic displays should use a [meter.Meter] instead.
func (c *Controller) Levels() meter.Levels {
	in, out := c.Analysers()
	return meter.Levels{Input: meter.Volume(in), Output: meter.Volume(out)}
}

// Output returns the output device, or nil before the graph exists.
func (c *Controller) Output() playback.Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output
}

// ── Observers ─────────────────────────────────────────────────────────────────

func (c *Controller) notifyStates(changes ...StateChange) {
	if len(changes) == 0 {
		return
	}
	c.obsMu.Lock()
	obs := append([]func(StateChange){}, c.stateObs...)
	c.obsMu.Unlock()
	for _, ch := range changes {
		for _, fn := range obs {
			fn(ch)
		}
	}
}

func (c *Controller) notifyTranscript(sessionID string, entries []transcript.Entry) {
	if len(entries) == 0 {
		return
	}
	c.obsMu.Lock()
	obs := append([]func(string, transcript.Entry){}, c.transcriptObs...)
	c.obsMu.Unlock()
	for _, e := range entries {
		for _, fn := range obs {
			fn(sessionID, e)
		}
	}
}
