package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/dolmetra/pkg/audio"
	"github.com/MrWong99/dolmetra/pkg/provider/live"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested backend name.
var ErrNotRegistered = errors.New("config: backend not registered")

// Registry maps backend names to constructor functions for each pluggable
// concern: the live translation provider, the capture source, and the
// playback sink. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]func(ProviderConfig) (live.Provider, error)
	sources   map[string]func(CaptureConfig) (audio.Source, error)
	sinks     map[string]func(PlaybackConfig) (audio.Sink, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]func(ProviderConfig) (live.Provider, error)),
		sources:   make(map[string]func(CaptureConfig) (audio.Source, error)),
		sinks:     make(map[string]func(PlaybackConfig) (audio.Sink, error)),
	}
}

// RegisterProvider registers a live provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterProvider(name string, factory func(ProviderConfig) (live.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = factory
}

// RegisterSource registers a capture source factory under name.
func (r *Registry) RegisterSource(name string, factory func(CaptureConfig) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// RegisterSink registers a playback sink factory under name.
func (r *Registry) RegisterSink(name string, factory func(PlaybackConfig) (audio.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = factory
}

// CreateProvider instantiates a live provider using the factory registered
// under entry.Name. Returns [ErrNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateProvider(entry ProviderConfig) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.providers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: provider/%q", ErrNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSource instantiates a capture source using the factory registered
// under cfg.Backend.
func (r *Registry) CreateSource(cfg CaptureConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[string(cfg.Backend)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreateSink instantiates a playback sink using the factory registered under
// cfg.Backend.
func (r *Registry) CreateSink(cfg PlaybackConfig) (audio.Sink, error) {
	r.mu.RLock()
	factory, ok := r.sinks[string(cfg.Backend)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink/%q", ErrNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}
