package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livecall/internal/app"
	"github.com/MrWong99/livecall/internal/call"
	"github.com/MrWong99/livecall/internal/config"
	audiomock "github.com/MrWong99/livecall/pkg/audio/mock"
	"github.com/MrWong99/livecall/pkg/audio/playback"
	"github.com/MrWong99/livecall/pkg/provider/s2s"
	s2smock "github.com/MrWong99/livecall/pkg/provider/s2s/mock"
	"github.com/MrWong99/livecall/pkg/provider/tts"
	ttsmock "github.com/MrWong99/livecall/pkg/provider/tts/mock"
	transcriptmock "github.com/MrWong99/livecall/pkg/transcript/mock"
)

// testConfig returns a config with one persona and the headless backend.
func testConfig() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			S2S: config.ProviderEntry{Name: "gemini-live", APIKey: "test-key"},
		},
		Audio: config.AudioConfig{Backend: config.BackendNone},
		Personas: []config.PersonaConfig{
			{
				Name:         "vanessa",
				Voice:        "Aoede",
				Instructions: "You are a friendly presenter.",
			},
		},
	}
	config.ApplyDefaults(cfg, func(string) string { return "" })
	return cfg
}

// syncBuffer is a bytes.Buffer safe for the console goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	app      *app.App
	provider *s2smock.Provider
	speech   *ttsmock.Provider
	store    *transcriptmock.Store
	mic      *audiomock.Microphone
	out      *audiomock.Output
	console  *syncBuffer
}

func newFixture(t *testing.T, cfg *config.Config, opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{
		provider: &s2smock.Provider{},
		speech:   &ttsmock.Provider{},
		store:    &transcriptmock.Store{},
		mic:      audiomock.NewMicrophone(),
		out:      audiomock.NewOutput(),
		console:  &syncBuffer{},
	}
	base := []app.Option{
		app.WithDevices(f.mic, func(playback.Tap) (playback.Output, error) { return f.out, nil }),
		app.WithStore(f.store),
		app.WithLogger(slog.New(slog.DiscardHandler)),
		app.WithConsole(f.console),
	}
	a, err := app.New(context.Background(), cfg,
		&app.Providers{S2S: f.provider, TTS: f.speech},
		append(base, opts...)...,
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	f.app = a
	return f
}

// run starts Run in the background and waits until the call is connected.
func (f *fixture) run(t *testing.T) (cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.app.Run(ctx) }()
	waitFor(t, "call connected", func() bool {
		return f.app.Controller().State() == call.StateConnected
	})
	t.Cleanup(cancel)
	return cancel, errCh
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return within timeout")
		return nil
	}
}

func TestNew_NoS2SProvider(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(), &app.Providers{})
	if err == nil {
		t.Fatal("expected error without a live session provider")
	}
}

func TestNew_UnknownPersona(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(),
		&app.Providers{S2S: &s2smock.Provider{}},
		app.WithPersona("nobody"),
		app.WithDevices(audiomock.NewMicrophone(), func(playback.Tap) (playback.Output, error) {
			return audiomock.NewOutput(), nil
		}),
	)
	if err == nil || !strings.Contains(err.Error(), "nobody") {
		t.Fatalf("expected persona error, got %v", err)
	}
}

func TestRun_ConnectsWithPersona(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	cancel, done := f.run(t)

	if got := f.provider.ConnectCount(); got != 1 {
		t.Fatalf("Connect calls = %d, want 1", got)
	}
	cfg := f.provider.ConnectCalls[0].Cfg
	if cfg.Voice != "Aoede" {
		t.Errorf("voice = %q, want %q", cfg.Voice, "Aoede")
	}
	if !cfg.InputTranscription || !cfg.OutputTranscription {
		t.Errorf("transcription not requested: %+v", cfg)
	}

	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run() after cancel = %v, want nil", err)
	}
	if st := f.app.Controller().State(); st != call.StateDisconnected {
		t.Errorf("state after Run = %s, want %s", st, call.StateDisconnected)
	}
}

func TestRun_ArchivesTranscript(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	cancel, done := f.run(t)

	sess := f.provider.LastSession()
	sess.Emit(s2s.Message{InputTranscript: "What is a noun?"})
	sess.Emit(s2s.Message{OutputTranscript: "A noun names a thing.", TurnComplete: true})

	waitFor(t, "two archived entries", func() bool { return f.store.CallCount() == 2 })
	waitFor(t, "model line printed", func() bool {
		return strings.Contains(f.console.String(), "model: A noun names a thing.")
	})

	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	id := f.store.AppendCalls[0].SessionID
	if id == "" || f.store.AppendCalls[1].SessionID != id {
		t.Errorf("entries not archived under one session id: %+v", f.store.AppendCalls)
	}
	if got := f.store.AppendCalls[0].Entry.Text; got != "What is a noun?" {
		t.Errorf("first entry = %q", got)
	}

	out := f.console.String()
	for _, want := range []string{"call connected", "user: What is a noun?", "model: A noun names a thing."} {
		if !strings.Contains(out, want) {
			t.Errorf("console output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_TransportFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	_, done := f.run(t)

	f.provider.LastSession().Fail(errors.New("socket reset"))

	err := waitErr(t, done)
	var te *call.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Run() = %v, want a *call.TransportError", err)
	}

	rec := httptest.NewRecorder()
	f.app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(f.console.String(), "connection to the voice assistant was lost") {
		t.Errorf("console missing user-visible error:\n%s", f.console.String())
	}
}

func TestRun_RemoteHangUp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	_, done := f.run(t)

	f.provider.LastSession().EndRemote()

	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run() after remote hang-up = %v, want nil", err)
	}
}

func TestRun_ConnectFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.provider.ConnectErr = errors.New("401 unauthorized")

	err := f.app.Run(context.Background())
	var te *call.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Run() = %v, want a *call.TransportError", err)
	}
}

func TestReload_PersonaAppliesToNextCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	next := testConfig()
	next.Personas[0].Voice = "Puck"
	f.app.Reload(next)

	cancel, done := f.run(t)
	if got := f.provider.ConnectCalls[0].Cfg.Voice; got != "Puck" {
		t.Errorf("voice after reload = %q, want %q", got, "Puck")
	}
	cancel()
	_ = waitErr(t, done)
}

func TestReload_LogLevel(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	f := newFixture(t, testConfig(), app.WithLevelVar(&level))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	f.app.Reload(next)

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want %v", got, slog.LevelDebug)
	}
}

func TestStatusz(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	rec := httptest.NewRecorder()
	f.app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/statusz status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got struct {
		Persona string `json:"persona"`
		Call    struct {
			Status string `json:"status"`
		} `json:"call"`
		Archive *struct {
			Degraded bool `json:"degraded"`
		} `json:"archive"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode /statusz: %v", err)
	}
	if got.Persona != "vanessa" {
		t.Errorf("persona = %q, want %q", got.Persona, "vanessa")
	}
	if got.Call.Status != string(call.StateDisconnected) {
		t.Errorf("call status = %q, want %q", got.Call.Status, call.StateDisconnected)
	}
	if got.Archive == nil {
		t.Error("archive stats missing with a store configured")
	}
}

func TestSay_WaitsForPlayback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	// 100ms of 24 kHz PCM.
	f.speech.Speech = tts.Speech{PCM: make([]byte, 4800), SampleRate: 24000}

	done := make(chan error, 1)
	go func() { done <- f.app.Say(context.Background(), "Welcome back.") }()

	waitFor(t, "speech scheduled", func() bool { return len(f.out.Voices()) == 1 })
	select {
	case err := <-done:
		t.Fatalf("Say returned before playback ended: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	f.out.SetNow(time.Second)
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Say() = %v", err)
	}
	if got := f.speech.SynthesizeCalls[0].Voice; got != "Aoede" {
		t.Errorf("speech voice = %q, want persona voice %q", got, "Aoede")
	}
}

func TestSay_NoSpeechProvider(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(),
		&app.Providers{S2S: &s2smock.Provider{}},
		app.WithDevices(audiomock.NewMicrophone(), func(playback.Tap) (playback.Output, error) {
			return audiomock.NewOutput(), nil
		}),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if err := a.Say(context.Background(), "hi"); !errors.Is(err, call.ErrNoSpeech) {
		t.Errorf("Say() = %v, want %v", err, call.ErrNoSpeech)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	for range 3 {
		if err := f.app.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown() = %v", err)
		}
	}
}
