// Package mock provides a scripted test double for inference.Backend.
//
// The decoder emits Tokens in order, one per Next call, and Fill once the
// script is exhausted. Every tensor the backend hands out is counted so tests
// can assert that the caller released all of them.
//
// Example:
//
//	b := &mock.Backend{Tokens: []int32{50364, 1, 2}, Fill: 50257}
//	dec, _ := b.LoadDecoder(ctx)
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/lectern/pkg/inference"
)

// DefaultLayers is the encoder step count used when Backend.EncoderLayers is
// zero.
const DefaultLayers = 4

// Tensor is a counted inference.Tensor.
type Tensor struct {
	mu       sync.Mutex
	shape    []int
	releases int
	owner    *Backend

	// ReleaseErr, if non-nil, is returned from the first Release call.
	ReleaseErr error
}

// NewTensor returns an unowned tensor with the given shape.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{shape: shape}
}

// Shape implements inference.Tensor.
func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// Release implements inference.Tensor.
func (t *Tensor) Release() error {
	t.mu.Lock()
	t.releases++
	first := t.releases == 1
	t.mu.Unlock()
	if !first {
		return nil
	}
	if t.owner != nil {
		t.owner.tensorReleased()
	}
	return t.ReleaseErr
}

// Releases returns how many times Release was called.
func (t *Tensor) Releases() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releases
}

// Backend is a mock implementation of inference.Backend.
type Backend struct {
	mu sync.Mutex

	// Tokens is the decoder script. Each Next call emits the next entry.
	Tokens []int32

	// Fill is emitted after Tokens is exhausted.
	Fill int32

	// EncoderLayers is the number of Advance calls a schedule takes.
	// Defaults to DefaultLayers.
	EncoderLayers int

	// Errors returned by the corresponding operation when non-nil.
	LoadDecoderErr     error
	LoadEncoderErr     error
	LoadSpectrogramErr error
	SpectrogramErr     error
	ScheduleErr        error
	AdvanceErr         error
	DecodeErr          error

	// LoadCalls records the order of Load* calls by graph name.
	LoadCalls []string

	// SpectrogramInputs records the length of every sample buffer passed to
	// Spectrogram.Run.
	SpectrogramInputs []int

	// DecodeCalls records a copy of every token history passed to the
	// decoder.
	DecodeCalls [][]int32

	// AdvanceCalls counts Schedule.Advance calls across all schedules.
	AdvanceCalls int

	// CloseCalls counts Close calls on the backend and its workers.
	CloseCalls int

	next    int
	created int
	freed   int
}

// Name implements inference.Backend.
func (b *Backend) Name() string { return "mock" }

// LoadDecoder implements inference.Backend.
func (b *Backend) LoadDecoder(context.Context) (inference.Decoder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.LoadCalls = append(b.LoadCalls, "decoder")
	if b.LoadDecoderErr != nil {
		return nil, b.LoadDecoderErr
	}
	return &decoder{b: b}, nil
}

// LoadEncoder implements inference.Backend.
func (b *Backend) LoadEncoder(context.Context) (inference.Encoder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.LoadCalls = append(b.LoadCalls, "encoder")
	if b.LoadEncoderErr != nil {
		return nil, b.LoadEncoderErr
	}
	return &encoder{b: b}, nil
}

// LoadSpectrogram implements inference.Backend.
func (b *Backend) LoadSpectrogram(context.Context) (inference.Spectrogram, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.LoadCalls = append(b.LoadCalls, "spectrogram")
	if b.LoadSpectrogramErr != nil {
		return nil, b.LoadSpectrogramErr
	}
	return &spectrogram{b: b}, nil
}

// Close implements inference.Backend.
func (b *Backend) Close() error {
	b.closed()
	return nil
}

// Live returns the number of tensors handed out and not yet released.
func (b *Backend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created - b.freed
}

// Created returns the number of tensors handed out so far.
func (b *Backend) Created() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

func (b *Backend) newTensor(shape ...int) *Tensor {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created++
	return &Tensor{shape: shape, owner: b}
}

func (b *Backend) tensorReleased() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.freed++
}

func (b *Backend) closed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CloseCalls++
}

type spectrogram struct{ b *Backend }

func (s *spectrogram) Run(_ context.Context, samples []float32) (inference.Tensor, error) {
	s.b.mu.Lock()
	s.b.SpectrogramInputs = append(s.b.SpectrogramInputs, len(samples))
	err := s.b.SpectrogramErr
	s.b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.b.newTensor(1, 80, 3000), nil
}

func (s *spectrogram) Close() error {
	s.b.closed()
	return nil
}

type encoder struct{ b *Backend }

func (e *encoder) Schedule(_ context.Context, spectrogram inference.Tensor) (inference.Schedule, error) {
	if spectrogram == nil {
		return nil, inference.ErrNotLoaded
	}
	e.b.mu.Lock()
	err := e.b.ScheduleErr
	layers := e.b.EncoderLayers
	e.b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if layers <= 0 {
		layers = DefaultLayers
	}
	return &schedule{b: e.b, layers: layers}, nil
}

func (e *encoder) Close() error {
	e.b.closed()
	return nil
}

type schedule struct {
	b      *Backend
	layers int
	step   int
}

func (s *schedule) Advance(context.Context) (bool, error) {
	s.b.mu.Lock()
	s.b.AdvanceCalls++
	err := s.b.AdvanceErr
	s.b.mu.Unlock()
	if err != nil {
		return false, err
	}
	if s.step < s.layers {
		s.step++
	}
	return s.step >= s.layers, nil
}

func (s *schedule) Output() (inference.Tensor, error) {
	if s.step < s.layers {
		return nil, inference.ErrNotLoaded
	}
	return s.b.newTensor(1, 1500, 384), nil
}

type decoder struct{ b *Backend }

func (d *decoder) Next(_ context.Context, tokens []int32, encoded inference.Tensor) (int32, error) {
	if encoded == nil {
		return 0, inference.ErrNotLoaded
	}
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.DecodeCalls = append(d.b.DecodeCalls, slices.Clone(tokens))
	if d.b.DecodeErr != nil {
		return 0, d.b.DecodeErr
	}
	if d.b.next < len(d.b.Tokens) {
		id := d.b.Tokens[d.b.next]
		d.b.next++
		return id, nil
	}
	return d.b.Fill, nil
}

func (d *decoder) Close() error {
	d.b.closed()
	return nil
}

var (
	_ inference.Backend = (*Backend)(nil)
	_ inference.Tensor  = (*Tensor)(nil)
)
