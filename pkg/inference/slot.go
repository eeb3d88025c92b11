package inference

import (
	"log/slog"
	"sync"
)

// Slot holds at most one tensor. Assigning a new tensor releases the
// previous one first, so a slot can never leak the value it replaced.
// Release errors are logged at debug level and otherwise ignored.
type Slot struct {
	name string

	mu sync.Mutex
	t  Tensor
}

// NewSlot returns an empty slot. name appears in log messages.
func NewSlot(name string) *Slot {
	return &Slot{name: name}
}

// Set releases the current tensor, if any, and stores t.
func (s *Slot) Set(t Tensor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release()
	s.t = t
}

// Get returns the current tensor without transferring ownership.
func (s *Slot) Get() Tensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t
}

// Release frees the current tensor and empties the slot.
func (s *Slot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release()
}

func (s *Slot) release() {
	if s.t == nil {
		return
	}
	if err := s.t.Release(); err != nil {
		slog.Debug("inference: tensor release failed", "slot", s.name, "err", err)
	}
	s.t = nil
}
