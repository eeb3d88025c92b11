package silero

import (
	"errors"
	"testing"
)

func TestNew_RequiresModelPath(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty model path")
	}
}

func TestGate_ClosedGate(t *testing.T) {
	t.Parallel()

	g := &Gate{size: 3 * windowSamples}
	if _, err := g.Observe(make([]float32, 160)); !errors.Is(err, ErrClosed) {
		t.Errorf("Observe error = %v, want ErrClosed", err)
	}
	if err := g.Reset(); err != nil {
		t.Errorf("Reset on closed gate = %v, want nil", err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("Close on closed gate = %v, want nil", err)
	}
}
