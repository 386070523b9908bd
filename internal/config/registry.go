package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voicememo/pkg/audio"
)

// ErrBackendNotRegistered is returned by [Registry.CreatePlatform] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: audio backend not registered")

// PlatformFactory constructs a hardware platform from the audio settings.
type PlatformFactory func(AudioConfig) (audio.Platform, error)

// Registry maps audio backend names to platform constructors. It is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]PlatformFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{platforms: make(map[string]PlatformFactory)}
}

// RegisterPlatform registers a platform factory under name. A later call
// with the same name overwrites the earlier registration.
func (r *Registry) RegisterPlatform(name string, factory PlatformFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms[name] = factory
}

// Backends returns the registered backend names in sorted order.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.platforms))
	for name := range r.platforms {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreatePlatform builds the platform named by cfg.Backend.
func (r *Registry) CreatePlatform(cfg AudioConfig) (audio.Platform, error) {
	r.mu.RLock()
	factory, ok := r.platforms[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrBackendNotRegistered, cfg.Backend, r.Backends())
	}
	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create audio backend %q: %w", cfg.Backend, err)
	}
	return p, nil
}
