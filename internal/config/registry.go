package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/lectern/pkg/audio/capture"
	"github.com/MrWong99/lectern/pkg/inference"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	inference map[string]func(InferenceConfig) (inference.Backend, error)
	device    map[string]func(AudioConfig) (capture.Device, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		inference: make(map[string]func(InferenceConfig) (inference.Backend, error)),
		device:    make(map[string]func(AudioConfig) (capture.Device, error)),
	}
}

// RegisterBackend registers an inference backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterBackend(name string, factory func(InferenceConfig) (inference.Backend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inference[name] = factory
}

// RegisterDevice registers a capture device factory under name.
func (r *Registry) RegisterDevice(name string, factory func(AudioConfig) (capture.Device, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.device[name] = factory
}

// CreateBackend instantiates the inference backend registered under
// cfg.Backend. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateBackend(cfg InferenceConfig) (inference.Backend, error) {
	r.mu.RLock()
	factory, ok := r.inference[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: inference/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreateDevice instantiates the capture device registered under cfg.Device.
func (r *Registry) CreateDevice(cfg AudioConfig) (capture.Device, error) {
	r.mu.RLock()
	factory, ok := r.device[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: device/%q", ErrProviderNotRegistered, cfg.Device)
	}
	return factory(cfg)
}
