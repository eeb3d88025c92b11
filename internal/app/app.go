// Package app wires all Lectern subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run drives the per-frame tick loop and serves the HTTP control
// surface, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations through [Providers] and the
// functional options (WithVocabulary, WithMetrics, etc.). When an option is
// not provided, New builds the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lectern/internal/asr"
	"github.com/MrWong99/lectern/internal/config"
	"github.com/MrWong99/lectern/internal/listen"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/resilience"
	"github.com/MrWong99/lectern/internal/segment"
	"github.com/MrWong99/lectern/internal/tokenizer"
	"github.com/MrWong99/lectern/internal/transcript"
	"github.com/MrWong99/lectern/internal/transcript/phonetic"
	"github.com/MrWong99/lectern/internal/vad"
	"github.com/MrWong99/lectern/internal/vad/silero"
	"github.com/MrWong99/lectern/pkg/audio"
	"github.com/MrWong99/lectern/pkg/audio/capture"
	"github.com/MrWong99/lectern/pkg/inference"
)

// shutdownGrace bounds how long the HTTP server drains on cancellation.
const shutdownGrace = 5 * time.Second

// Providers holds the hardware-facing collaborators. Populated by main.go via
// the config registry.
type Providers struct {
	Backend inference.Backend
	Device  capture.Device
}

// App owns all subsystem lifetimes and drives the transcription pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	scrape    http.Handler
	logLevel  *slog.LevelVar

	// Subsystems: initialised in New, torn down in Shutdown.
	vocab       asr.Vocabulary
	machine     *asr.Machine
	guard       *resilience.Backend
	ring        *audio.RingBuffer
	gate        vad.Gate
	segmenter   *vad.Segmenter
	processor   *segment.Processor
	listener    *listen.Listener
	board       *transcript.Board
	state       *transcript.State
	interpreter *transcript.Interpreter
	sessions    *Sessions

	// autoStarted is set once listening was switched on by start_listening.
	autoStarted atomic.Bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithVocabulary injects a vocabulary instead of loading inference.vocabulary.
func WithVocabulary(v asr.Vocabulary) Option {
	return func(a *App) { a.vocab = v }
}

// WithMetrics overrides the metrics instance. Defaults to
// observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served at GET /metrics. Defaults to
// promhttp.Handler on the default Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLogLevel sets the level variable adjusted by configuration reloads.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithGate injects a voice gate instead of loading vad.neural.model_path.
func WithGate(g vad.Gate) Option {
	return func(a *App) { a.gate = g }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New starts the capture device so audio accumulates in the ring buffer from
// the beginning; listening itself stays off until requested. Models are
// loaded by the first ticks of Run, not by New.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if providers == nil || providers.Backend == nil {
		return nil, errors.New("app: inference backend must not be nil")
	}
	if providers.Device == nil {
		return nil, errors.New("app: capture device must not be nil")
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
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}

	// ── 1. Transcript ────────────────────────────────────────────────────
	if err := a.initTranscript(); err != nil {
		return nil, fmt.Errorf("app: init transcript: %w", err)
	}

	// ── 2. Inference machine ─────────────────────────────────────────────
	if err := a.initMachine(); err != nil {
		return nil, fmt.Errorf("app: init machine: %w", err)
	}

	// ── 3. Capture ───────────────────────────────────────────────────────
	if err := a.initCapture(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init capture: %w", err)
	}

	// ── 4. Segmentation + listener ───────────────────────────────────────
	if err := a.initListener(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init listener: %w", err)
	}

	// ── 5. Sessions ──────────────────────────────────────────────────────
	a.sessions = NewSessions(a.state, a.listener, nil)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTranscript creates the board, the session state and the interpreter.
func (a *App) initTranscript() error {
	a.board = transcript.NewBoard()
	a.state = transcript.NewState(a.cfg.Transcript.DefaultUser)

	in, err := transcript.NewInterpreter(a.state, a.board,
		transcript.WithCleaner(newCleaner(a.cfg.Transcript)),
		transcript.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.interpreter = in
	return nil
}

// initMachine loads the vocabulary and builds the transcription machine.
// Model loads go through per-model circuit breakers.
func (a *App) initMachine() error {
	if a.vocab == nil {
		path := a.cfg.Inference.Vocabulary
		if path == "" {
			return errors.New("inference.vocabulary is required when no vocabulary is injected")
		}
		v, err := tokenizer.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load vocabulary %q: %w", path, err)
		}
		a.vocab = v
		slog.Info("app: vocabulary loaded", "path", path, "tokens", v.Size())
	}

	a.guard = resilience.GuardBackend(a.providers.Backend, resilience.BreakerConfig{
		Threshold: a.cfg.Inference.LoadMaxFailures,
		Cooldown:  a.cfg.Inference.LoadBackoff,
	})
	m, err := asr.New(a.guard, a.vocab,
		asr.WithResultHandler(a.handleResult),
		asr.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.machine = m
	a.closers = append(a.closers, m.Close)
	return nil
}

// initCapture starts the capture device. The device runs for the lifetime of
// the App; listening only moves the read cursor.
func (a *App) initCapture(ctx context.Context) error {
	ring, err := a.providers.Device.Start(ctx)
	if err != nil {
		return err
	}
	a.ring = ring
	a.closers = append([]func() error{a.providers.Device.Stop}, a.closers...)
	slog.Info("app: capture started",
		"device", a.cfg.Audio.Device,
		"format", audio.FormatString(ring.SampleRate(), ring.Channels()),
		"loop_seconds", float64(ring.Frames())/float64(ring.SampleRate()),
	)
	return nil
}

// initListener builds the segmenter, the optional voice gate, the
// post-processor and the listener.
func (a *App) initListener() error {
	if a.gate == nil && a.cfg.VAD.Neural.ModelPath != "" {
		g, err := silero.New(silero.Config{
			ModelPath: a.cfg.VAD.Neural.ModelPath,
			Threshold: a.cfg.VAD.Neural.Threshold,
		})
		if err != nil {
			return fmt.Errorf("load voice gate: %w", err)
		}
		a.gate = g
		a.closers = append(a.closers, g.Close)
		slog.Info("app: neural voice gate loaded", "model", a.cfg.VAD.Neural.ModelPath)
	}

	var segOpts []vad.Option
	if a.gate != nil {
		segOpts = append(segOpts, vad.WithGate(a.gate))
	}
	a.segmenter = vad.New(vadConfig(a.cfg.VAD, a.ring.SampleRate()), segOpts...)
	a.processor = segment.New(segmentConfig(a.cfg))

	l, err := listen.New(a.ring, a.segmenter, a.processor, a.machine,
		listen.WithAutoStop(a.cfg.Listener.AutoStop),
		listen.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.listener = l
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Machine returns the transcription machine.
func (a *App) Machine() *asr.Machine { return a.machine }

// Listener returns the capture listener.
func (a *App) Listener() *listen.Listener { return a.listener }

// Board returns the transcript board.
func (a *App) Board() *transcript.Board { return a.board }

// State returns the transcript session state.
func (a *App) State() *transcript.State { return a.state }

// Sessions returns the lesson session manager.
func (a *App) Sessions() *Sessions { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run drives the tick loop and, when server.listen_addr is set, the HTTP
// control surface. It blocks until ctx is cancelled or a component fails.
// Cancellation is not reported as an error.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.tickLoop(gctx)
	})

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("app: http server listening", "addr", addr, "tls", a.cfg.Server.TLS != nil)
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: http server: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	slog.Info("app: running", "tick", a.cfg.Listener.Tick, "backend", a.providers.Backend.Name())
	return g.Wait()
}

// tickLoop calls Tick at the configured interval until ctx is done.
func (a *App) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Listener.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick runs one frame of the pipeline: the listener polls the capture
// buffer, then the machine advances by one step.
func (a *App) Tick(ctx context.Context) {
	a.listener.Tick(ctx)

	if err := a.machine.Step(ctx); err != nil && !errors.Is(err, asr.ErrClosed) {
		// The machine logs the first failure itself.
		slog.Debug("app: machine step failed", "state", a.machine.State(), "err", err)
	}

	if a.cfg.Listener.StartListening && !a.autoStarted.Load() && a.machine.IsReady() {
		if err := a.listener.Start(ctx); err == nil {
			a.autoStarted.Store(true)
		}
	}
}

// handleResult routes a finished transcription to the interpreter.
func (a *App) handleResult(ctx context.Context, r asr.Result) {
	out := a.interpreter.Interpret(ctx, r.Text)
	observe.Logger(ctx).Info("app: transcription complete",
		"text", r.Text,
		"outcome", out.Kind,
		"truncated", r.Truncated,
		"elapsed", r.Duration,
	)
}

// ─── Configuration reload ────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a configuration change.
// It is the callback for [config.Watcher]. Sections that need a restart are
// logged and otherwise ignored.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.VADChanged {
		a.segmenter.SetConfig(vadConfig(new.VAD, a.ring.SampleRate()))
		slog.Info("app: segmenter thresholds updated")
	}
	if d.TrimChanged || d.VADChanged {
		a.processor.SetConfig(segmentConfig(new))
	}
	if d.TranscriptChanged {
		a.interpreter.SetCleaner(newCleaner(new.Transcript))
		slog.Info("app: transcript cleaning updated", "entities", len(new.Transcript.Entities))
	}
	if d.AutoStopChanged {
		a.listener.SetAutoStop(new.Listener.AutoStop)
		slog.Info("app: auto-stop changed", "auto_stop", new.Listener.AutoStop)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: configuration changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops listening and then runs the closers in registration order,
// capture device first. Closing the machine also closes the backend. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		if a.listener.Listening() {
			a.listener.Stop(ctx)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Debug("app: cleanup after failed init", "err", err)
		}
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// vadConfig converts the vad section into segmenter thresholds.
func vadConfig(c config.VADConfig, sampleRate int) vad.Config {
	return vad.Config{
		SampleRate:         sampleRate,
		SilenceThreshold:   c.SilenceThreshold,
		StartThreshold:     c.StartThreshold,
		SilenceHangSeconds: c.SilenceHangSeconds,
		MinSpeechSeconds:   c.MinSpeechSeconds,
		PreRollSeconds:     c.PreRollSeconds,
	}
}

// segmentConfig converts the trim section into the post-processor policy.
// The minimum duration is shared with the segmenter.
func segmentConfig(cfg *config.Config) segment.Config {
	return segment.Config{
		SilenceThreshold:  cfg.Trim.SilenceThreshold,
		MinSilenceSeconds: cfg.Trim.MinSilenceSeconds,
		MinSpeechSeconds:  cfg.VAD.MinSpeechSeconds,
	}
}

// newCleaner builds the transcript cleaner, with phonetic entity correction
// when entities are configured.
func newCleaner(c config.TranscriptConfig) *transcript.Cleaner {
	var entities transcript.EntityCorrector
	if len(c.Entities) > 0 {
		var opts []phonetic.Option
		if c.PhoneticThreshold > 0 {
			opts = append(opts, phonetic.WithPhoneticThreshold(c.PhoneticThreshold))
		}
		if c.FuzzyThreshold > 0 {
			opts = append(opts, phonetic.WithFuzzyThreshold(c.FuzzyThreshold))
		}
		entities = phonetic.New(c.Entities, opts...)
	}
	return transcript.NewCleaner(c.CanonicalName, entities)
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
