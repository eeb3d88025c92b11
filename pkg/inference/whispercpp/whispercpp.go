// Package whispercpp implements inference.Backend on top of the whisper.cpp
// CGO bindings. A single ggml model file provides all three graphs; the
// spectrogram and encoder outputs stay inside the whisper.cpp context and the
// tensors handed to the caller are handles that track their validity.
//
// The whisper.cpp static library (libwhisper.a) and headers must be available
// at link time via LIBRARY_PATH and C_INCLUDE_PATH.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go"

	"github.com/MrWong99/lectern/pkg/inference"
)

// Option is a functional option for Backend.
type Option func(*Backend)

// WithThreads sets the number of CPU threads whisper.cpp may use. Values
// below one fall back to runtime.NumCPU.
func WithThreads(n int) Option {
	return func(b *Backend) {
		b.threads = n
	}
}

// Backend shares one whisper.cpp context between its three workers.
// whisper.cpp contexts are not safe for concurrent use, so every call into
// the context is serialised by mu.
type Backend struct {
	modelPath string
	threads   int

	mu   sync.Mutex
	wctx *whisper.Context
	gen  uint64 // incremented whenever the context contents are replaced
}

// New returns a Backend for the ggml model at modelPath. The model is read
// lazily by the first Load call.
func New(modelPath string, opts ...Option) (*Backend, error) {
	if modelPath == "" {
		return nil, errors.New("whispercpp: model path must not be empty")
	}
	b := &Backend{modelPath: modelPath}
	for _, o := range opts {
		o(b)
	}
	if b.threads < 1 {
		b.threads = runtime.NumCPU()
	}
	return b, nil
}

// Name implements inference.Backend.
func (b *Backend) Name() string { return "whispercpp" }

func (b *Backend) whisperContext() (*whisper.Context, error) {
	if b.wctx != nil {
		return b.wctx, nil
	}
	wctx := whisper.Whisper_init(b.modelPath)
	if wctx == nil {
		return nil, fmt.Errorf("whispercpp: load model %q: init failed", b.modelPath)
	}
	slog.Info("whispercpp: model loaded", "path", b.modelPath, "vocab", wctx.Whisper_n_vocab(), "threads", b.threads)
	b.wctx = wctx
	return wctx, nil
}

func (b *Backend) load(graph string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.whisperContext(); err != nil {
		return fmt.Errorf("whispercpp: load %s: %w", graph, err)
	}
	return nil
}

// LoadDecoder implements inference.Backend.
func (b *Backend) LoadDecoder(context.Context) (inference.Decoder, error) {
	if err := b.load("decoder"); err != nil {
		return nil, err
	}
	return &decoder{b: b}, nil
}

// LoadEncoder implements inference.Backend.
func (b *Backend) LoadEncoder(context.Context) (inference.Encoder, error) {
	if err := b.load("encoder"); err != nil {
		return nil, err
	}
	return &encoder{b: b}, nil
}

// LoadSpectrogram implements inference.Backend.
func (b *Backend) LoadSpectrogram(context.Context) (inference.Spectrogram, error) {
	if err := b.load("spectrogram"); err != nil {
		return nil, err
	}
	return &spectrogram{b: b}, nil
}

// Close frees the whisper.cpp context. It is safe to call more than once.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wctx != nil {
		b.wctx.Whisper_free()
		b.wctx = nil
	}
	b.gen++
	return nil
}

// handle refers to data living inside the whisper.cpp context. It becomes
// stale as soon as the context contents it refers to are overwritten.
type handle struct {
	b     *Backend
	gen   uint64
	shape []int

	mu       sync.Mutex
	released bool
}

func (h *handle) Shape() []int { return append([]int(nil), h.shape...) }

func (h *handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
	return nil
}

// valid reports whether h was produced by b and still refers to the current
// context contents. b.mu must be held.
func (h *handle) valid(b *Backend, gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.b == b && !h.released && h.gen == gen
}

type spectrogram struct{ b *Backend }

func (s *spectrogram) Run(ctx context.Context, samples []float32) (inference.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.wctx == nil {
		return nil, inference.ErrNotLoaded
	}
	if err := s.b.wctx.Whisper_pcm_to_mel(samples, s.b.threads); err != nil {
		return nil, fmt.Errorf("whispercpp: pcm to mel: %w", err)
	}
	s.b.gen++
	return &handle{b: s.b, gen: s.b.gen, shape: []int{1, 80, 3000}}, nil
}

func (s *spectrogram) Close() error { return nil }

type encoder struct{ b *Backend }

func (e *encoder) Schedule(_ context.Context, spectrogram inference.Tensor) (inference.Schedule, error) {
	h, ok := spectrogram.(*handle)
	if !ok {
		return nil, inference.ErrWrongTensor
	}
	e.b.mu.Lock()
	defer e.b.mu.Unlock()
	if e.b.wctx == nil {
		return nil, inference.ErrNotLoaded
	}
	if !h.valid(e.b, e.b.gen) {
		return nil, errors.New("whispercpp: spectrogram is stale")
	}
	return &schedule{b: e.b, gen: h.gen}, nil
}

func (e *encoder) Close() error { return nil }

// schedule runs the whole encoder in one step; whisper.cpp does not expose
// per-layer execution.
type schedule struct {
	b    *Backend
	gen  uint64
	done bool
}

func (s *schedule) Advance(ctx context.Context) (bool, error) {
	if s.done {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.wctx == nil {
		return false, inference.ErrNotLoaded
	}
	if s.b.gen != s.gen {
		return false, errors.New("whispercpp: spectrogram replaced during encode")
	}
	if err := s.b.wctx.Whisper_encode(0, s.b.threads); err != nil {
		return false, fmt.Errorf("whispercpp: encode: %w", err)
	}
	s.done = true
	return true, nil
}

func (s *schedule) Output() (inference.Tensor, error) {
	if !s.done {
		return nil, errors.New("whispercpp: encoder still running")
	}
	return &handle{b: s.b, gen: s.gen, shape: []int{1, 1500, 384}}, nil
}

type decoder struct{ b *Backend }

// Next re-evaluates the full history on every call and reduces the scores
// of the last position in place.
func (d *decoder) Next(ctx context.Context, tokens []int32, encoded inference.Tensor) (int32, error) {
	if len(tokens) == 0 {
		return 0, errors.New("whispercpp: empty token history")
	}
	h, ok := encoded.(*handle)
	if !ok {
		return 0, inference.ErrWrongTensor
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	if d.b.wctx == nil {
		return 0, inference.ErrNotLoaded
	}
	if !h.valid(d.b, d.b.gen) {
		return 0, errors.New("whispercpp: encoded audio is stale")
	}

	ids := make([]whisper.Token, len(tokens))
	for i, t := range tokens {
		ids[i] = whisper.Token(t)
	}
	if err := d.b.wctx.Whisper_decode(ids, 0, d.b.threads); err != nil {
		return 0, fmt.Errorf("whispercpp: decode: %w", err)
	}
	rows := d.b.wctx.Whisper_get_logits()
	if len(rows) == 0 || len(rows[len(rows)-1]) == 0 {
		return 0, errors.New("whispercpp: decode produced no logits")
	}
	return int32(inference.ArgMax(rows[len(rows)-1])), nil
}

func (d *decoder) Close() error { return nil }

var _ inference.Backend = (*Backend)(nil)
