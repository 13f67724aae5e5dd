package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/pushtalk/pkg/audio"
)

// ErrBackendNotRegistered is returned by [Registry.OpenAudio] when no factory
// has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: audio backend not registered")

// AudioFactory opens an audio backend from its configuration.
type AudioFactory func(AudioConfig) (audio.Platform, error)

// Registry maps audio backend names to their factories. Backends that need
// cgo or extra system libraries register themselves only in builds that
// include them. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	audio    map[string]AudioFactory
	fallback string
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{audio: make(map[string]AudioFactory)}
}

// RegisterAudio registers an audio backend factory under name. Subsequent
// calls with the same name overwrite the previous registration. The first
// registered backend is the default.
func (r *Registry) RegisterAudio(name string, factory AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
	if r.fallback == "" {
		r.fallback = name
	}
}

// SetDefaultAudio selects the backend used when the config names none.
func (r *Registry) SetDefaultAudio(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = name
}

// AudioBackends returns the registered backend names, sorted.
func (r *Registry) AudioBackends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.audio))
	for name := range r.audio {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// OpenAudio opens the backend named by cfg.Backend, or the default backend
// when the name is empty.
func (r *Registry) OpenAudio(cfg AudioConfig) (audio.Platform, error) {
	r.mu.RLock()
	name := cfg.Backend
	if name == "" {
		name = r.fallback
	}
	factory, ok := r.audio[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrBackendNotRegistered, name, r.AudioBackends())
	}
	return factory(cfg)
}
