// Package asr drives speech recognition as a cooperative state machine.
//
// A [Machine] loads the three model graphs of an [inference.Backend] one per
// tick, then idles in [StateReady]. [Machine.Transcribe] queues a clip; each
// subsequent [Machine.Step] advances the request by one unit of work: input
// validation, the spectrogram, one encoder layer, or one decoder token. The
// caller owns the tick; the machine never starts goroutines.
//
// Exactly one transcription is in flight at a time. A new request releases
// every tensor of the previous one before it starts.
package asr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/tokenizer"
	"github.com/MrWong99/lectern/pkg/audio"
	"github.com/MrWong99/lectern/pkg/inference"
)

// MaxClipSeconds is the longest clip a single transcription accepts.
const MaxClipSeconds = 30

// MaxClipSamples is the fixed size of the spectrogram input buffer.
const MaxClipSamples = MaxClipSeconds * audio.SampleRate

var (
	// ErrSampleRate is recorded when a clip is not sampled at 16 kHz.
	ErrSampleRate = errors.New("asr: clip sample rate must be 16000 Hz")

	// ErrClipTooLong is recorded when a clip exceeds MaxClipSeconds.
	ErrClipTooLong = errors.New("asr: clip longer than 30 seconds")

	// ErrNotReady is returned by Transcribe before all models are loaded.
	ErrNotReady = errors.New("asr: models not loaded")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("asr: machine closed")
)

// Vocabulary resolves token IDs to raw text bytes.
type Vocabulary interface {
	Size() int
	DecodeBytes(id int) []byte
}

// Result is a finished transcription.
type Result struct {
	// ID identifies the request in logs and traces.
	ID string

	// Text is the decoded output including time markers.
	Text string

	// Tokens are the generated token IDs, end-of-text included.
	Tokens []int32

	// Truncated is true when the token budget ran out before end-of-text.
	Truncated bool

	// Duration is the time from Transcribe to completion.
	Duration time.Duration
}

// ResultHandler receives every finished transcription. It is called from
// Step after the machine lock is released.
type ResultHandler func(ctx context.Context, r Result)

// Option is a functional option for Machine.
type Option func(*Machine)

// WithResultHandler sets the function receiving finished transcriptions.
func WithResultHandler(fn ResultHandler) Option {
	return func(m *Machine) {
		m.onResult = fn
	}
}

// WithMetrics overrides the metrics instance. Defaults to
// observe.DefaultMetrics.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Machine) {
		m.metrics = met
	}
}

// request is the transcription currently in flight.
type request struct {
	id      string
	clip    audio.Clip
	started time.Time
	span    trace.Span

	stage      string
	stageStart time.Time
}

// Machine is the transcription state machine. All methods are safe for
// concurrent use; Step and Transcribe are serialised.
type Machine struct {
	backend  inference.Backend
	vocab    Vocabulary
	onResult ResultHandler
	metrics  *observe.Metrics

	mu      sync.Mutex
	state   State
	ready   bool
	closed  bool
	stalled bool
	lastErr error

	decoder     inference.Decoder
	encoder     inference.Encoder
	spectrogram inference.Spectrogram

	req      *request
	samples  []float32
	spectro  *inference.Slot
	encoded  *inference.Slot
	schedule inference.Schedule
	tokens   TokenSequence
	text     []byte
}

// New returns a Machine in StateLoadDecoder. Models are loaded by the first
// three calls to Step.
func New(backend inference.Backend, vocab Vocabulary, opts ...Option) (*Machine, error) {
	if backend == nil {
		return nil, errors.New("asr: backend must not be nil")
	}
	if vocab == nil || vocab.Size() == 0 {
		return nil, errors.New("asr: vocabulary must not be empty")
	}
	m := &Machine{
		backend: backend,
		vocab:   vocab,
		state:   StateLoadDecoder,
		spectro: inference.NewSlot("spectrogram"),
		encoded: inference.NewSlot("encoded_audio"),
		tokens:  NewTokenSequence(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m, nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsReady reports whether the machine is idle in StateReady with all models
// loaded and can accept a request.
func (m *Machine) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready && !m.closed
}

// Loaded reports whether all three models are loaded.
func (m *Machine) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded()
}

func (m *Machine) loaded() bool {
	return m.decoder != nil && m.encoder != nil && m.spectrogram != nil
}

// Stalled reports whether the current request was rejected by validation.
// The machine stays in StateStartTranscription until the next Transcribe.
func (m *Machine) Stalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stalled
}

// LastError returns the error that stalled or aborted the most recent
// request, or nil.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Transcribe starts a new transcription of clip, discarding any request in
// flight. Multi-channel clips are down-mixed. The clip is validated by the
// next Step; an invalid clip stalls the machine until the next Transcribe.
func (m *Machine) Transcribe(ctx context.Context, clip audio.Clip) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}
	if !m.loaded() {
		return "", ErrNotReady
	}
	if m.req != nil {
		observe.Logger(ctx).Debug("asr: request superseded", "id", m.req.id, "state", m.state)
		m.endRequest(errors.New("superseded"))
	}
	m.releaseTensors()

	id := uuid.NewString()
	_, span := observe.StartSpan(ctx, "asr.transcribe",
		trace.WithAttributes(
			attribute.String("request.id", id),
			attribute.Float64("clip.seconds", clip.Seconds()),
		),
	)
	m.req = &request{id: id, clip: clip, started: time.Now(), span: span}
	m.ready = false
	m.stalled = false
	m.lastErr = nil
	m.state = StateStartTranscription

	observe.Logger(ctx).Debug("asr: transcription requested", "id", id, "seconds", clip.Seconds(), "rate", clip.SampleRate)
	return id, nil
}

// Step advances the machine by one unit of work. Load failures are returned
// and leave the machine in the failing load state. Inference failures abort
// the request, return the machine to StateReady and are returned as well.
func (m *Machine) Step(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	res, handlerCtx, err := m.step(ctx)
	m.mu.Unlock()

	if res != nil && m.onResult != nil {
		m.onResult(handlerCtx, *res)
	}
	return err
}

func (m *Machine) step(ctx context.Context) (*Result, context.Context, error) {
	switch m.state {
	case StateLoadDecoder:
		return nil, nil, m.load(ctx, "decoder", func() error {
			dec, err := m.backend.LoadDecoder(ctx)
			m.decoder = dec
			return err
		}, StateLoadEncoder)

	case StateLoadEncoder:
		return nil, nil, m.load(ctx, "encoder", func() error {
			enc, err := m.backend.LoadEncoder(ctx)
			m.encoder = enc
			return err
		}, StateLoadSpectrogram)

	case StateLoadSpectrogram:
		return nil, nil, m.load(ctx, "spectrogram", func() error {
			sg, err := m.backend.LoadSpectrogram(ctx)
			m.spectrogram = sg
			return err
		}, StateReady)

	case StateReady:
		return nil, nil, nil

	case StateStartTranscription:
		m.startTranscription(ctx)
		return nil, nil, nil

	case StateRunSpectrogram:
		return nil, nil, m.runSpectrogram(ctx)

	case StateRunEncoder:
		return nil, nil, m.runEncoder(ctx)

	case StateRunDecoder:
		return m.runDecoder(ctx)
	}
	return nil, nil, fmt.Errorf("asr: unknown state %d", m.state)
}

func (m *Machine) load(ctx context.Context, graph string, fn func() error, next State) error {
	start := time.Now()
	if err := fn(); err != nil {
		if m.lastErr == nil {
			slog.Error("asr: failed to load model", "backend", m.backend.Name(), "graph", graph, "err", err)
		}
		m.lastErr = fmt.Errorf("asr: load %s: %w", graph, err)
		return m.lastErr
	}
	m.lastErr = nil
	elapsed := time.Since(start)
	m.metrics.RecordModelLoad(ctx, m.backend.Name(), graph, elapsed.Seconds())
	slog.Info("asr: model loaded", "backend", m.backend.Name(), "graph", graph, "elapsed", elapsed)

	m.state = next
	if next == StateReady {
		m.ready = true
		slog.Info("asr: ready for transcription")
	}
	return nil
}

func (m *Machine) startTranscription(ctx context.Context) {
	req := m.req
	clip := req.clip
	if clip.Channels > 1 {
		clip = clip.ToMono()
	}

	var err error
	switch {
	case clip.SampleRate != audio.SampleRate:
		err = fmt.Errorf("%w: got %d Hz", ErrSampleRate, clip.SampleRate)
	case len(clip.Samples) > MaxClipSamples:
		err = fmt.Errorf("%w: got %.2f s", ErrClipTooLong, clip.Seconds())
	}
	if err != nil {
		if !m.stalled {
			m.stalled = true
			m.lastErr = err
			reason := "sample_rate"
			if errors.Is(err, ErrClipTooLong) {
				reason = "too_long"
			}
			m.metrics.RecordStall(ctx, reason)
			req.span.RecordError(err)
			req.span.SetStatus(codes.Error, reason)
			slog.Error("asr: transcription stalled", "id", req.id, "err", err)
		}
		return
	}

	if m.samples == nil {
		m.samples = make([]float32, MaxClipSamples)
	}
	n := copy(m.samples, clip.Samples)
	clear(m.samples[n:])

	m.tokens.Reset()
	m.text = m.text[:0]
	m.enterStage("spectrogram")
	m.state = StateRunSpectrogram
}

func (m *Machine) runSpectrogram(ctx context.Context) error {
	out, err := m.spectrogram.Run(ctx, m.samples)
	if err != nil {
		return m.abort(ctx, "spectrogram", err)
	}
	m.spectro.Set(out)
	m.leaveStage(ctx)
	m.enterStage("encoder")
	m.state = StateRunEncoder
	return nil
}

func (m *Machine) runEncoder(ctx context.Context) error {
	if m.schedule == nil {
		sched, err := m.encoder.Schedule(ctx, m.spectro.Get())
		if err != nil {
			return m.abort(ctx, "encoder", err)
		}
		m.schedule = sched
	}

	done, err := m.schedule.Advance(ctx)
	m.metrics.EncoderSteps.Add(ctx, 1)
	if err != nil {
		return m.abort(ctx, "encoder", err)
	}
	if !done {
		return nil
	}

	out, err := m.schedule.Output()
	m.schedule = nil
	if err != nil {
		return m.abort(ctx, "encoder", err)
	}
	m.encoded.Set(out)
	m.spectro.Release()
	m.leaveStage(ctx)
	m.enterStage("decoder")
	m.state = StateRunDecoder
	return nil
}

func (m *Machine) runDecoder(ctx context.Context) (*Result, context.Context, error) {
	if m.tokens.Full() {
		res, hctx := m.finish(ctx, true)
		return res, hctx, nil
	}

	id, err := m.decoder.Next(ctx, m.tokens.Prefix(), m.encoded.Get())
	if err != nil {
		return nil, nil, m.abort(ctx, "decoder", err)
	}
	m.tokens.Append(id)

	switch {
	case id == TokenEndOfText:
		res, hctx := m.finish(ctx, false)
		return res, hctx, nil
	case int(id) >= m.vocab.Size():
		m.text = append(m.text, TimeMarker(id)...)
	default:
		m.text = append(m.text, m.vocab.DecodeBytes(int(id))...)
	}

	if m.tokens.Full() {
		res, hctx := m.finish(ctx, true)
		return res, hctx, nil
	}
	return nil, nil, nil
}

// finish completes the request and returns to StateReady.
func (m *Machine) finish(ctx context.Context, truncated bool) (*Result, context.Context) {
	req := m.req
	m.leaveStage(ctx)
	m.encoded.Release()

	res := &Result{
		ID:        req.id,
		Text:      tokenizer.ToText(m.text),
		Tokens:    m.tokens.Generated(),
		Truncated: truncated,
		Duration:  time.Since(req.started),
	}
	status := "complete"
	if truncated {
		status = "truncated"
	}
	m.metrics.RecordTranscription(ctx, status, res.Duration.Seconds(), m.tokens.Steps())
	req.span.SetAttributes(
		attribute.String("status", status),
		attribute.Int("decoder.steps", m.tokens.Steps()),
	)
	hctx := observe.WithRequestID(trace.ContextWithSpan(ctx, req.span), req.id)
	observe.Logger(hctx).Info("asr: transcription finished",
		"status", status,
		"steps", m.tokens.Steps(),
		"elapsed", res.Duration,
	)
	m.endRequest(nil)
	m.state = StateReady
	m.ready = true
	return res, hctx
}

// abort drops the request after an inference failure.
func (m *Machine) abort(ctx context.Context, stage string, err error) error {
	err = fmt.Errorf("asr: %s: %w", stage, err)
	m.metrics.RecordInferenceError(ctx, stage)
	slog.Error("asr: transcription failed", "id", m.req.id, "stage", stage, "err", err)
	m.lastErr = err
	m.endRequest(err)
	m.releaseTensors()
	m.state = StateReady
	m.ready = true
	return err
}

func (m *Machine) enterStage(stage string) {
	m.req.stage = stage
	m.req.stageStart = time.Now()
	m.req.span.AddEvent(stage)
}

func (m *Machine) leaveStage(ctx context.Context) {
	if m.req == nil || m.req.stage == "" {
		return
	}
	m.metrics.RecordStage(ctx, m.req.stage, time.Since(m.req.stageStart).Seconds())
	m.req.stage = ""
}

func (m *Machine) endRequest(err error) {
	if m.req == nil {
		return
	}
	if err != nil {
		m.req.span.RecordError(err)
		m.req.span.SetStatus(codes.Error, err.Error())
	}
	m.req.span.End()
	m.req = nil
}

// releaseTensors frees every intermediate result.
func (m *Machine) releaseTensors() {
	m.schedule = nil
	m.spectro.Release()
	m.encoded.Release()
}

// Close releases all tensors and closes every loaded worker and the backend.
// Errors are logged at debug level and not returned. Close is idempotent.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.ready = false
	m.endRequest(errors.New("closed"))
	m.releaseTensors()

	closers := []struct {
		name string
		fn   func() error
	}{
		{"decoder", closeFn(m.decoder)},
		{"encoder", closeFn(m.encoder)},
		{"spectrogram", closeFn(m.spectrogram)},
		{"backend", m.backend.Close},
	}
	for _, c := range closers {
		if c.fn == nil {
			continue
		}
		if err := c.fn(); err != nil {
			slog.Debug("asr: close failed", "component", c.name, "err", err)
		}
	}
	m.decoder, m.encoder, m.spectrogram = nil, nil, nil
	return nil
}

type closer interface{ Close() error }

func closeFn(c closer) func() error {
	if c == nil {
		return nil
	}
	return c.Close
}
