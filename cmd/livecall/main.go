// Command livecall places a live voice call with a speech-to-speech model,
// streaming the microphone up and playing the model's voice back.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/MrWong99/livecall/internal/app"
	"github.com/MrWong99/livecall/internal/config"
	"github.com/MrWong99/livecall/internal/observe"
	"github.com/MrWong99/livecall/pkg/audio/pulse"
	"github.com/MrWong99/livecall/pkg/provider/s2s"
	geminilive "github.com/MrWong99/livecall/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/livecall/pkg/provider/s2s/openai"
	"github.com/MrWong99/livecall/pkg/provider/tts"
	"github.com/MrWong99/livecall/pkg/provider/tts/elevenlabs"
	geminitts "github.com/MrWong99/livecall/pkg/provider/tts/gemini"
	"github.com/MrWong99/livecall/pkg/transcript/postgres"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	persona := flag.String("persona", "", "persona to talk to (default: first configured)")
	say := flag.String("say", "", "speak this text through the output device and exit")
	listDevices := flag.Bool("devices", false, "list capture devices and exit")
	search := flag.String("search", "", "search the transcript archive and exit")
	flag.Parse()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *listDevices {
		return printDevices(ctx)
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livecall: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livecall: %v\n", err)
		}
		return 1
	}

	if *search != "" {
		return searchArchive(ctx, cfg, *search)
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	logger := newLogger(cfg.Server.LogLevel, levelVar)
	slog.SetDefault(logger)

	slog.Info("livecall starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Registerer:     registry,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providers,
		app.WithPersona(*persona),
		app.WithLogger(logger),
		app.WithLevelVar(levelVar),
		app.WithGatherer(registry),
		app.WithConsole(os.Stdout),
		app.WithMeterOutput(os.Stdout),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	if *say != "" {
		if err := application.Say(ctx, *say); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("say failed", "err", err)
			return 1
		}
		return 0
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		application.Reload(next)
	}, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg, *persona)
	slog.Info("calling; press Ctrl+C to hang up")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("call ended with error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	// ── S2S ───────────────────────────────────────────────────────────────────

	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("gemini", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []geminitts.Option
		if entry.Model != "" {
			opts = append(opts, geminitts.WithModel(entry.Model))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, geminitts.WithDefaultVoice(voice))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminitts.WithBaseURL(entry.BaseURL))
		}
		return geminitts.New(ctx, entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(voice))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	for _, kind := range []string{"s2s", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the providers named in cfg using the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	p, err := reg.CreateS2S(cfg.Providers.S2S)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", cfg.Providers.S2S.Name, err)
	}
	ps.S2S = p
	slog.Info("provider created", "kind", "s2s", "name", cfg.Providers.S2S.Name)

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown tts provider, speech disabled", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else {
			ps.TTS = p
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}

	return ps, nil
}

// ── Devices ───────────────────────────────────────────────────────────────────

func printDevices(ctx context.Context) int {
	devices, err := pulse.ListSources(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livecall: list devices: %v\n", err)
		return 1
	}
	for _, d := range devices {
		marker := " "
		if d.Default {
			marker = "*"
		}
		status := d.State
		if !d.Available {
			status = "unavailable"
		} else if d.Muted {
			status += ", muted"
		}
		fmt.Printf("%s %-48s %s (%s)\n", marker, d.ID, d.Description, status)
	}
	return 0
}

// ── Archive search ────────────────────────────────────────────────────────────

func searchArchive(ctx context.Context, cfg *config.Config, query string) int {
	if cfg.Archive.PostgresDSN == "" {
		fmt.Fprintln(os.Stderr, "livecall: archive.postgres_dsn is not configured")
		return 1
	}
	store, err := postgres.NewStore(ctx, cfg.Archive.PostgresDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livecall: %v\n", err)
		return 1
	}
	defer store.Close()

	entries, err := store.Search(ctx, query, postgres.SearchOpts{Limit: 50})
	if err != nil {
		fmt.Fprintf(os.Stderr, "livecall: %v\n", err)
		return 1
	}
	for _, e := range entries {
		fmt.Printf("%s  %-6s %s\n", e.Timestamp.Format(time.DateTime), e.Speaker, e.Text)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, persona string) {
	p, _ := cfg.Persona(persona)
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        livecall: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("S2S", cfg.Providers.S2S.Name, cfg.Providers.S2S.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printRow("Persona", p.Name)
	printRow("Voice", p.Voice)
	printRow("Audio", string(cfg.Audio.Backend))
	if cfg.Archive.PostgresDSN != "" {
		printRow("Archive", "postgres")
	} else {
		printRow("Archive", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if value == "" {
		value = "(default)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel, lv *slog.LevelVar) *slog.Logger {
	switch level {
	case config.LogDebug:
		lv.Set(slog.LevelDebug)
	case config.LogWarn:
		lv.Set(slog.LevelWarn)
	case config.LogError:
		lv.Set(slog.LevelError)
	default:
		lv.Set(slog.LevelInfo)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
