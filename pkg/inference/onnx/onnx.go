// Package onnx implements inference.Backend with three exported ONNX graphs
// executed by ONNX Runtime:
//
//   - the spectrogram graph maps float32 [1, 480000] samples to a log-mel
//     spectrogram,
//   - the encoder graph maps the spectrogram to encoded audio,
//   - the decoder graph maps a token history plus encoded audio either to
//     token IDs of shape [1, n] (an export with the arg-max node built in)
//     or to logits of shape [1, n, vocab].
//
// Input and output names are discovered from the model files, so any export
// that follows this layout works. The decoder's token input may be int32 or
// int64. Which decoder output is present is decided once at load time; for
// logits only the last position is reduced, in place.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/lectern/pkg/inference"
)

// Config locates the runtime library and the three model files.
type Config struct {
	// LibraryPath is the onnxruntime shared library. Empty uses the
	// platform default lookup.
	LibraryPath string

	SpectrogramModel string
	EncoderModel     string
	DecoderModel     string
}

// Validate reports missing model paths.
func (c Config) Validate() error {
	var errs []error
	if c.SpectrogramModel == "" {
		errs = append(errs, errors.New("onnx: spectrogram model path is required"))
	}
	if c.EncoderModel == "" {
		errs = append(errs, errors.New("onnx: encoder model path is required"))
	}
	if c.DecoderModel == "" {
		errs = append(errs, errors.New("onnx: decoder model path is required"))
	}
	return errors.Join(errs...)
}

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment initialises the process-wide ONNX Runtime environment.
// The environment is shared by every Backend and never torn down.
func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// Backend loads the three graphs as separate sessions.
type Backend struct {
	cfg Config

	mu       sync.Mutex
	sessions []*session
}

// New validates cfg and returns a Backend. Sessions are created lazily by
// the Load methods.
func New(cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Backend{cfg: cfg}, nil
}

// Name implements inference.Backend.
func (b *Backend) Name() string { return "onnx" }

// session wraps a DynamicAdvancedSession with its discovered signature.
type session struct {
	graph   string
	s       *ort.DynamicAdvancedSession
	inputs  []ort.InputOutputInfo
	outputs []ort.InputOutputInfo

	mu     sync.Mutex
	closed bool
}

func (b *Backend) open(graph, path string) (*session, error) {
	if err := initEnvironment(b.cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("onnx: init runtime: %w", err)
	}
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("onnx: inspect %s model %q: %w", graph, path, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("onnx: %s model %q has no inputs or outputs", graph, path)
	}
	s, err := ort.NewDynamicAdvancedSession(path, names(inputs), names(outputs[:1]), nil)
	if err != nil {
		return nil, fmt.Errorf("onnx: open %s model %q: %w", graph, path, err)
	}
	sess := &session{graph: graph, s: s, inputs: inputs, outputs: outputs[:1]}

	b.mu.Lock()
	b.sessions = append(b.sessions, sess)
	b.mu.Unlock()

	slog.Info("onnx: model loaded", "graph", graph, "path", path, "inputs", names(inputs), "output", outputs[0].Name)
	return sess, nil
}

func names(infos []ort.InputOutputInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Name
	}
	return out
}

// run executes the session and returns its single output. The caller owns
// the returned value.
func (s *session) run(inputs ...ort.Value) (ort.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, inference.ErrNotLoaded
	}
	outputs := []ort.Value{nil}
	if err := s.s.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx: run %s: %w", s.graph, err)
	}
	if outputs[0] == nil {
		return nil, fmt.Errorf("onnx: run %s: no output", s.graph)
	}
	return outputs[0], nil
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.s.Destroy()
}

// LoadSpectrogram implements inference.Backend.
func (b *Backend) LoadSpectrogram(context.Context) (inference.Spectrogram, error) {
	s, err := b.open("spectrogram", b.cfg.SpectrogramModel)
	if err != nil {
		return nil, err
	}
	return &spectrogram{s: s}, nil
}

// LoadEncoder implements inference.Backend.
func (b *Backend) LoadEncoder(context.Context) (inference.Encoder, error) {
	s, err := b.open("encoder", b.cfg.EncoderModel)
	if err != nil {
		return nil, err
	}
	return &encoder{s: s}, nil
}

// LoadDecoder implements inference.Backend.
func (b *Backend) LoadDecoder(context.Context) (inference.Decoder, error) {
	s, err := b.open("decoder", b.cfg.DecoderModel)
	if err != nil {
		return nil, err
	}
	if len(s.inputs) < 2 {
		_ = s.Close()
		return nil, fmt.Errorf("onnx: decoder model %q needs token and audio inputs, has %d", b.cfg.DecoderModel, len(s.inputs))
	}
	fused := false
	switch s.outputs[0].DataType {
	case ort.TensorElementDataTypeInt64, ort.TensorElementDataTypeInt32:
		fused = true
	case ort.TensorElementDataTypeFloat:
	default:
		_ = s.Close()
		return nil, fmt.Errorf("onnx: decoder model %q output %q has unsupported type %v", b.cfg.DecoderModel, s.outputs[0].Name, s.outputs[0].DataType)
	}
	slog.Debug("onnx: decoder output", "name", s.outputs[0].Name, "token_ids", fused)
	return &decoder{s: s, int64Tokens: s.inputs[0].DataType == ort.TensorElementDataTypeInt64}, nil
}

// Close destroys any session that is still open.
func (b *Backend) Close() error {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = nil
	b.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// value is an inference.Tensor backed by an ONNX Runtime value.
type value struct {
	mu sync.Mutex
	v  ort.Value
}

func (t *value) Shape() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.v == nil {
		return nil
	}
	dims := t.v.GetShape()
	out := make([]int, len(dims))
	for i, d := range dims {
		out[i] = int(d)
	}
	return out
}

func (t *value) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.v == nil {
		return nil
	}
	err := t.v.Destroy()
	t.v = nil
	return err
}

// ortValue returns the wrapped value or an error if tensor is foreign or
// already released.
func ortValue(tensor inference.Tensor) (ort.Value, error) {
	t, ok := tensor.(*value)
	if !ok {
		return nil, inference.ErrWrongTensor
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.v == nil {
		return nil, errors.New("onnx: tensor already released")
	}
	return t.v, nil
}

type spectrogram struct{ s *session }

func (p *spectrogram) Run(ctx context.Context, samples []float32) (inference.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in, err := ort.NewTensor(ort.NewShape(1, int64(len(samples))), samples)
	if err != nil {
		return nil, fmt.Errorf("onnx: spectrogram input: %w", err)
	}
	defer in.Destroy()

	out, err := p.s.run(in)
	if err != nil {
		return nil, err
	}
	return &value{v: out}, nil
}

func (p *spectrogram) Close() error { return p.s.Close() }

type encoder struct{ s *session }

func (e *encoder) Schedule(_ context.Context, spectrogram inference.Tensor) (inference.Schedule, error) {
	in, err := ortValue(spectrogram)
	if err != nil {
		return nil, err
	}
	return &schedule{s: e.s, in: in}, nil
}

func (e *encoder) Close() error { return e.s.Close() }

// schedule executes the encoder session in a single step; ONNX Runtime runs
// a graph to completion.
type schedule struct {
	s   *session
	in  ort.Value
	out ort.Value
}

func (s *schedule) Advance(ctx context.Context) (bool, error) {
	if s.out != nil {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	out, err := s.s.run(s.in)
	if err != nil {
		return false, err
	}
	s.out = out
	return true, nil
}

func (s *schedule) Output() (inference.Tensor, error) {
	if s.out == nil {
		return nil, errors.New("onnx: encoder still running")
	}
	out := s.out
	s.out = nil
	return &value{v: out}, nil
}

type decoder struct {
	s           *session
	int64Tokens bool
}

func (d *decoder) tokenTensor(tokens []int32) (ort.Value, error) {
	shape := ort.NewShape(1, int64(len(tokens)))
	if d.int64Tokens {
		wide := make([]int64, len(tokens))
		for i, t := range tokens {
			wide[i] = int64(t)
		}
		return ort.NewTensor(shape, wide)
	}
	return ort.NewTensor(shape, append([]int32(nil), tokens...))
}

func (d *decoder) Next(ctx context.Context, tokens []int32, encoded inference.Tensor) (int32, error) {
	if len(tokens) == 0 {
		return 0, errors.New("onnx: empty token history")
	}
	audio, err := ortValue(encoded)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	in, err := d.tokenTensor(tokens)
	if err != nil {
		return 0, fmt.Errorf("onnx: token input: %w", err)
	}
	defer in.Destroy()

	out, err := d.s.run(in, audio)
	if err != nil {
		return 0, err
	}
	defer out.Destroy()

	pos := len(tokens) - 1
	switch t := out.(type) {
	case *ort.Tensor[int64]:
		return idAt(t.GetData(), pos)
	case *ort.Tensor[int32]:
		return idAt(t.GetData(), pos)
	case *ort.Tensor[float32]:
		return scoredID(t.GetShape(), t.GetData(), pos)
	default:
		return 0, fmt.Errorf("onnx: decoder output is %T, want token IDs or float32 logits", out)
	}
}

func (d *decoder) Close() error { return d.s.Close() }

// idAt reads the token ID at pos from a [1, n] output.
func idAt[T int32 | int64](ids []T, pos int) (int32, error) {
	if pos < 0 || pos >= len(ids) {
		return 0, fmt.Errorf("onnx: decoder returned %d IDs, want position %d", len(ids), pos)
	}
	return int32(ids[pos]), nil
}

// scoredID reduces row pos of logits shaped [..., n, vocab] without copying.
func scoredID(shape ort.Shape, scores []float32, pos int) (int32, error) {
	if len(shape) == 0 {
		return 0, errors.New("onnx: scalar decoder output")
	}
	id, err := inference.ArgMaxAt(scores, int(shape[len(shape)-1]), pos)
	if err != nil {
		return 0, fmt.Errorf("onnx: decoder output shape %v: %w", shape, err)
	}
	return id, nil
}

var _ inference.Backend = (*Backend)(nil)
