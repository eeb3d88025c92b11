// Package silero implements vad.Gate with the Silero voice activity model
// through ONNX Runtime.
//
// The model needs at least one 512-sample window at 16 kHz, which is longer
// than a typical capture tick, so the gate keeps a rolling history of the most
// recent mono audio and runs detection over it.
package silero

import (
	"errors"
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/MrWong99/lectern/internal/vad"
	"github.com/MrWong99/lectern/pkg/audio"
)

// windowSamples is the minimum input the model accepts at 16 kHz.
const windowSamples = 512

var _ vad.Gate = (*Gate)(nil)

// ErrClosed is returned by a gate whose model has been released.
var ErrClosed = errors.New("silero: gate closed")

// Config configures the Silero gate.
type Config struct {
	// ModelPath is the path to silero_vad.onnx.
	ModelPath string

	// Threshold is the speech probability at which a window counts as voiced.
	// Default: 0.5.
	Threshold float64

	// HistorySamples is the rolling window run through the model on each
	// observation. Default: 1536 (96 ms).
	HistorySamples int
}

// Gate is a Silero-backed voice gate.
type Gate struct {
	mu       sync.Mutex
	detector *speech.Detector
	history  []float32
	size     int
}

// New loads the model.
func New(cfg Config) (*Gate, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("silero: model path must not be empty")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.5
	}
	if cfg.HistorySamples < windowSamples {
		cfg.HistorySamples = 3 * windowSamples
	}

	det, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           audio.SampleRate,
		Threshold:            float32(cfg.Threshold),
		MinSilenceDurationMs: 0,
		SpeechPadMs:          0,
	})
	if err != nil {
		return nil, fmt.Errorf("silero: create detector: %w", err)
	}
	return &Gate{detector: det, size: cfg.HistorySamples}, nil
}

// Observe appends mono to the history and reports whether the model finds
// speech in it. Until one full window has been seen it reports no voice.
func (g *Gate) Observe(mono []float32) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.detector == nil {
		return false, ErrClosed
	}

	g.history = append(g.history, mono...)
	if excess := len(g.history) - g.size; excess > 0 {
		n := copy(g.history, g.history[excess:])
		g.history = g.history[:n]
	}
	if len(g.history) < windowSamples {
		return false, nil
	}

	segments, err := g.detector.Detect(g.history)
	if err != nil {
		return false, fmt.Errorf("silero: detect: %w", err)
	}
	// Each call evaluates the whole history, so model state must not carry
	// over between calls.
	if err := g.detector.Reset(); err != nil {
		return false, fmt.Errorf("silero: reset: %w", err)
	}
	return len(segments) > 0, nil
}

// Reset clears the history and the model state.
func (g *Gate) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = g.history[:0]
	if g.detector == nil {
		return nil
	}
	if err := g.detector.Reset(); err != nil {
		return fmt.Errorf("silero: reset: %w", err)
	}
	return nil
}

// Close releases the ONNX session.
func (g *Gate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.detector == nil {
		return nil
	}
	err := g.detector.Destroy()
	g.detector = nil
	if err != nil {
		return fmt.Errorf("silero: destroy: %w", err)
	}
	return nil
}
