package resilience

import (
	"context"

	"github.com/MrWong99/lectern/pkg/inference"
)

// Backend wraps an [inference.Backend] with one [Breaker] per model.
// Load calls rejected by an open breaker never reach the wrapped backend.
type Backend struct {
	inner       inference.Backend
	decoder     *Breaker
	encoder     *Breaker
	spectrogram *Breaker
}

var _ inference.Backend = (*Backend)(nil)

// GuardBackend returns b with its three Load methods behind breakers built
// from cfg. cfg.Name is replaced by "<backend>/<model>".
func GuardBackend(b inference.Backend, cfg BreakerConfig) *Backend {
	breaker := func(model string) *Breaker {
		c := cfg
		c.Name = b.Name() + "/" + model
		return NewBreaker(c)
	}
	return &Backend{
		inner:       b,
		decoder:     breaker("decoder"),
		encoder:     breaker("encoder"),
		spectrogram: breaker("spectrogram"),
	}
}

// Name returns the wrapped backend's name.
func (g *Backend) Name() string { return g.inner.Name() }

func (g *Backend) LoadDecoder(ctx context.Context) (inference.Decoder, error) {
	var d inference.Decoder
	err := g.decoder.Do(func() error {
		var err error
		d, err = g.inner.LoadDecoder(ctx)
		return err
	})
	return d, err
}

func (g *Backend) LoadEncoder(ctx context.Context) (inference.Encoder, error) {
	var e inference.Encoder
	err := g.encoder.Do(func() error {
		var err error
		e, err = g.inner.LoadEncoder(ctx)
		return err
	})
	return e, err
}

func (g *Backend) LoadSpectrogram(ctx context.Context) (inference.Spectrogram, error) {
	var s inference.Spectrogram
	err := g.spectrogram.Do(func() error {
		var err error
		s, err = g.inner.LoadSpectrogram(ctx)
		return err
	})
	return s, err
}

// Close closes the wrapped backend.
func (g *Backend) Close() error { return g.inner.Close() }

// Breakers reports the state of each model's breaker, keyed by model name.
func (g *Backend) Breakers() map[string]State {
	return map[string]State{
		"decoder":     g.decoder.State(),
		"encoder":     g.encoder.State(),
		"spectrogram": g.spectrogram.State(),
	}
}
