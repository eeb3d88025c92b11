// Package mock provides a test double for the vad.Gate interface.
//
// Gate returns scripted decisions and records every chunk it observes:
//
//	g := &mock.Gate{Voiced: true}
//	seg := vad.New(vad.DefaultConfig(), vad.WithGate(g))
package mock

import (
	"sync"

	"github.com/MrWong99/lectern/internal/vad"
)

var _ vad.Gate = (*Gate)(nil)

// Gate is a mock implementation of vad.Gate.
type Gate struct {
	mu sync.Mutex

	// Voiced is returned by every Observe call.
	Voiced bool

	// ObserveErr, if non-nil, is returned as the error from Observe.
	ObserveErr error

	// ResetErr, if non-nil, is returned from Reset.
	ResetErr error

	// ObserveCalls records the chunk passed to each Observe call.
	ObserveCalls [][]float32

	// ResetCalls counts Reset invocations.
	ResetCalls int
}

// Observe records the chunk and returns Voiced, ObserveErr.
func (g *Gate) Observe(mono []float32) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make([]float32, len(mono))
	copy(cp, mono)
	g.ObserveCalls = append(g.ObserveCalls, cp)
	return g.Voiced, g.ObserveErr
}

// Reset records the call and returns ResetErr.
func (g *Gate) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ResetCalls++
	return g.ResetErr
}

// SetVoiced changes the scripted decision. Thread-safe.
func (g *Gate) SetVoiced(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Voiced = v
}
