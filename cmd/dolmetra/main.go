// Command dolmetra is the entry point for the dolmetra live translation server.
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

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"

	"github.com/MrWong99/dolmetra/internal/app"
	"github.com/MrWong99/dolmetra/internal/config"
	"github.com/MrWong99/dolmetra/internal/observe"
	"github.com/MrWong99/dolmetra/pkg/audio"
	"github.com/MrWong99/dolmetra/pkg/audio/device"
	"github.com/MrWong99/dolmetra/pkg/audio/socket"
	"github.com/MrWong99/dolmetra/pkg/provider/live"
	"github.com/MrWong99/dolmetra/pkg/provider/live/gemini"
	"github.com/MrWong99/dolmetra/pkg/provider/live/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// The watcher keeps polling the file so the log level can be adjusted on a
	// running server. Everything else needs a restart.
	logLevel := new(slog.LevelVar)
	watcher, err := config.NewWatcher(*configPath, func(old, next *config.Config) {
		d := config.Diff(old, next)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.ProviderChanged || d.SessionChanged || d.AudioChanged {
			slog.Warn("provider, session, or audio configuration changed on disk — restart to apply")
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "dolmetra: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "dolmetra: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cfg.Server.LogFormat, logLevel))

	slog.Info("dolmetra starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"provider", cfg.Provider.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelCfg := observe.ProviderConfig{ServiceName: "dolmetra"}
	if cfg.Observability.TraceExporter == config.TraceStdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("failed to create stdout trace exporter", "err", err)
			return 1
		}
		otelCfg.TraceExporter = exp
	}
	otelShutdown, err := observe.InitProvider(ctx, otelCfg)
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	// ── Instantiate backends ──────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the provider, capture, and playback factories
// that ship with dolmetra into reg. The factories build from the config
// blocks; a missing API key is deliberately not an error here, because the
// server is useful without one (the /readyz check reports it) and the key may
// arrive via the environment at session time.
func registerBuiltinBackends(reg *config.Registry) {
	// ── Live providers ────────────────────────────────────────────────────────

	reg.RegisterProvider("gemini", func(entry config.ProviderConfig) (live.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.ResolveAPIKey(), opts...), nil
	})

	reg.RegisterProvider("openai", func(entry config.ProviderConfig) (live.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.ResolveAPIKey(), opts...), nil
	})

	// ── Capture sources ───────────────────────────────────────────────────────

	reg.RegisterSource("device", func(c config.CaptureConfig) (audio.Source, error) {
		var opts []device.CaptureOption
		if c.Device != "" {
			opts = append(opts, device.WithCaptureDevice(c.Device))
		}
		if c.SampleRate > 0 {
			opts = append(opts, device.WithSampleRate(c.SampleRate))
		}
		if d := c.FrameDuration.Std(); d > 0 {
			opts = append(opts, device.WithFrameDuration(d))
		}
		return device.NewCapture(opts...), nil
	})

	reg.RegisterSource("socket", func(c config.CaptureConfig) (audio.Source, error) {
		var opts []socket.Option
		if c.SampleRate > 0 {
			opts = append(opts, socket.WithSampleRate(c.SampleRate))
		}
		return socket.NewCapture(opts...), nil
	})

	// ── Playback sinks ────────────────────────────────────────────────────────

	reg.RegisterSink("device", func(c config.PlaybackConfig) (audio.Sink, error) {
		var opts []device.PlayerOption
		if c.Device != "" {
			opts = append(opts, device.WithPlayerDevice(c.Device))
		}
		return device.NewPlayer(opts...), nil
	})

	reg.RegisterSink("discard", func(config.PlaybackConfig) (audio.Sink, error) {
		return audio.Discard, nil
	})
}

// buildProviders instantiates the backends named in cfg using the registry
// and returns them in an [app.Providers] struct. Capture and playback fall
// back to the local device backend when the config leaves them blank.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if cfg.Provider.Name == "" {
		return nil, errors.New("provider.name is required (gemini or openai)")
	}
	p, err := reg.CreateProvider(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("create provider %q: %w", cfg.Provider.Name, err)
	}
	ps.Live = p
	slog.Info("provider created", "name", cfg.Provider.Name)

	capture := cfg.Audio.Capture
	if capture.Backend == "" {
		capture.Backend = config.CaptureDevice
	}
	src, err := reg.CreateSource(capture)
	if err != nil {
		return nil, fmt.Errorf("create capture source %q: %w", capture.Backend, err)
	}
	ps.Source = src
	slog.Info("capture source created", "backend", capture.Backend)

	playback := cfg.Audio.Playback
	if playback.Backend == "" {
		playback.Backend = config.PlaybackDevice
	}
	snk, err := reg.CreateSink(playback)
	if err != nil {
		return nil, fmt.Errorf("create playback sink %q: %w", playback.Backend, err)
	}
	ps.Sink = snk
	slog.Info("playback sink created", "backend", playback.Backend)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        dolmetra — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	provider := cfg.Provider.Name
	if provider == "" {
		provider = "(not configured)"
	} else if cfg.Provider.Model != "" {
		provider = provider + " / " + cfg.Provider.Model
	}
	printRow("Provider", provider)
	printRow("Languages", cfg.Session.SourceLanguage+" → "+cfg.Session.TargetLanguage)
	printRow("Capture", backendRow(string(cfg.Audio.Capture.Backend), cfg.Audio.Capture.Device))
	printRow("Playback", backendRow(string(cfg.Audio.Playback.Backend), cfg.Audio.Playback.Device))
	printRow("Voice commands", onOff(cfg.Session.VoiceCommands))
	printRow("Auto-start", onOff(cfg.Session.AutoStart))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", label, value)
}

func backendRow(backend, dev string) string {
	if backend == "" {
		backend = "device"
	}
	if dev != "" {
		return backend + " (" + dev + ")"
	}
	return backend
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.FormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
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
