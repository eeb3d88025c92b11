// Package inference defines the worker interfaces used by the transcription
// state machine and the helpers shared by every backend.
//
// A speech model is split into three graphs that are loaded independently:
//
//   - [Spectrogram] turns 30 s of 16 kHz samples into a log-mel spectrogram.
//   - [Encoder] turns the spectrogram into encoded audio features. It runs as
//     an iterable [Schedule] so the caller can spread the work over several
//     ticks.
//   - [Decoder] predicts the next token ID from the token history and the
//     encoded audio. Each backend fixes its arg-max reduction when the
//     decoder is loaded, so a decode step reads back one ID rather than a
//     score distribution.
//
// Intermediate results are opaque [Tensor] handles owned by exactly one
// holder at a time (see [Slot]) and must be released exactly once.
//
// Backends live in sub-packages: onnx (three ONNX graphs through ONNX
// Runtime), whispercpp (a single ggml model through whisper.cpp) and mock
// (scripted, for tests).
package inference

import (
	"context"
	"errors"
)

// ErrNotLoaded is returned by a worker used before its model was loaded or
// after it was closed.
var ErrNotLoaded = errors.New("inference: model not loaded")

// ErrWrongTensor is returned when a worker receives a tensor produced by a
// different backend.
var ErrWrongTensor = errors.New("inference: tensor from a different backend")

// Tensor is a backend-owned result buffer.
type Tensor interface {
	// Shape returns the tensor dimensions.
	Shape() []int

	// Release frees the backing memory. Calling Release more than once is
	// safe and returns nil.
	Release() error
}

// Spectrogram computes the log-mel spectrogram of a fixed-size sample buffer.
type Spectrogram interface {
	Run(ctx context.Context, samples []float32) (Tensor, error)
	Close() error
}

// Schedule is an in-progress encoder run.
type Schedule interface {
	// Advance executes the next step. done is true once the run is complete
	// and Output may be called.
	Advance(ctx context.Context) (done bool, err error)

	// Output reads back the encoded audio. The caller owns the result.
	Output() (Tensor, error)
}

// Encoder encodes spectrograms.
type Encoder interface {
	// Schedule starts an encoder run over spectrogram. The spectrogram must
	// stay alive until the schedule is done.
	Schedule(ctx context.Context, spectrogram Tensor) (Schedule, error)
	Close() error
}

// Decoder returns the ID predicted to follow the last token of tokens.
type Decoder interface {
	Next(ctx context.Context, tokens []int32, encoded Tensor) (int32, error)
	Close() error
}

// Backend loads the three workers. Each Load method is called at most once
// per backend. Close releases state shared by the workers and must be called
// after every worker has been closed.
type Backend interface {
	Name() string
	LoadDecoder(ctx context.Context) (Decoder, error)
	LoadEncoder(ctx context.Context) (Encoder, error)
	LoadSpectrogram(ctx context.Context) (Spectrogram, error)
	Close() error
}
