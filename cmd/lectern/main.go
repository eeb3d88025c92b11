// Command lectern is the main entry point for the Lectern live captioning
// server.
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

	"github.com/MrWong99/lectern/internal/app"
	"github.com/MrWong99/lectern/internal/config"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/pkg/audio/capture"
	"github.com/MrWong99/lectern/pkg/inference"
	"github.com/MrWong99/lectern/pkg/inference/onnx"
	"github.com/MrWong99/lectern/pkg/inference/whispercpp"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watchInterval := flag.Duration("watch", 2*time.Second, "config file poll interval (0 disables hot reload)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lectern: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lectern: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(logLevel))

	slog.Info("lectern starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "lectern",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogLevel(logLevel),
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watchInterval > 0 {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithInterval(*watchInterval))
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
			go reloadOnHangup(ctx, w)
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
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

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Inference ─────────────────────────────────────────────────────────────

	reg.RegisterBackend("onnx", func(c config.InferenceConfig) (inference.Backend, error) {
		return onnx.New(onnx.Config{
			LibraryPath:      c.LibraryPath,
			SpectrogramModel: c.SpectrogramModel,
			EncoderModel:     c.EncoderModel,
			DecoderModel:     c.DecoderModel,
		})
	})

	reg.RegisterBackend("whispercpp", func(c config.InferenceConfig) (inference.Backend, error) {
		var opts []whispercpp.Option
		if c.Threads > 0 {
			opts = append(opts, whispercpp.WithThreads(c.Threads))
		}
		return whispercpp.New(c.ModelPath, opts...)
	})

	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterDevice("portaudio", func(c config.AudioConfig) (capture.Device, error) {
		return capture.NewMicrophone(captureOptions(c))
	})

	reg.RegisterDevice("wav", func(c config.AudioConfig) (capture.Device, error) {
		return capture.NewFile(c.File, captureOptions(c), capture.WithLoop(c.LoopFile)), nil
	})

	for kind, names := range config.ValidBackendNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the backend and the capture device named in cfg.
// Both are required; a name without a registered factory is an error.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	backend, err := reg.CreateBackend(cfg.Inference)
	if err != nil {
		return nil, fmt.Errorf("create inference backend %q: %w", cfg.Inference.Backend, err)
	}
	slog.Info("provider created", "kind", "inference", "name", backend.Name())

	device, err := reg.CreateDevice(cfg.Audio)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("create capture device %q: %w", cfg.Audio.Device, err)
	}
	slog.Info("provider created", "kind", "device", "name", cfg.Audio.Device)

	return &app.Providers{Backend: backend, Device: device}, nil
}

func captureOptions(c config.AudioConfig) capture.Options {
	return capture.Options{
		LoopSeconds:     c.LoopSeconds,
		Channels:        c.Channels,
		FramesPerBuffer: c.FramesPerBuffer,
	}
}

// reloadOnHangup re-reads the config file on SIGHUP without waiting for the
// next poll.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := w.Reload()
			if err != nil {
				slog.Warn("config reload rejected", "err", err)
				continue
			}
			slog.Info("config reload requested", "changed", changed)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Lectern - startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Inference       : %-19s ║\n", cfg.Inference.Backend)
	fmt.Printf("║  Capture         : %-19s ║\n", cfg.Audio.Device)
	if cfg.VAD.Neural.ModelPath != "" {
		fmt.Printf("║  Voice gate      : %-19s ║\n", "silero")
	} else {
		fmt.Printf("║  Voice gate      : %-19s ║\n", "(peak only)")
	}
	fmt.Printf("║  Entities        : %-19d ║\n", len(cfg.Transcript.Entities))
	fmt.Printf("║  Auto-stop       : %-19t ║\n", cfg.Listener.AutoStop)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

// ── Logger ────────────────────────────────────────────────────────────────────

// newLogger returns a text logger on stderr whose level follows lv.
func newLogger(lv *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

// slogLevel converts a config.LogLevel to a slog.Level.
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
