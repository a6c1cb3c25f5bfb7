package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/agrivoice/pkg/audio"
	"github.com/MrWong99/agrivoice/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider and audio backend names to their constructor
// functions. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]func(ProviderEntry) (s2s.Provider, error)
	microphones map[string]func(CaptureConfig) (audio.Microphone, error)
	speakers    map[string]func(PlaybackConfig) (audio.Speaker, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		providers:   make(map[string]func(ProviderEntry) (s2s.Provider, error)),
		microphones: make(map[string]func(CaptureConfig) (audio.Microphone, error)),
		speakers:    make(map[string]func(PlaybackConfig) (audio.Speaker, error)),
	}
}

// RegisterProvider registers a speech provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterProvider(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = factory
}

// RegisterMicrophone registers a capture backend factory under name.
func (r *Registry) RegisterMicrophone(name string, factory func(CaptureConfig) (audio.Microphone, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.microphones[name] = factory
}

// RegisterSpeaker registers a playback backend factory under name.
func (r *Registry) RegisterSpeaker(name string, factory func(PlaybackConfig) (audio.Speaker, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speakers[name] = factory
}

// CreateProvider instantiates a speech provider using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateProvider(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.providers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: provider/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateMicrophone instantiates the capture backend named by cfg.Backend.
func (r *Registry) CreateMicrophone(cfg CaptureConfig) (audio.Microphone, error) {
	r.mu.RLock()
	factory, ok := r.microphones[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreateSpeaker instantiates the playback backend named by cfg.Backend.
func (r *Registry) CreateSpeaker(cfg PlaybackConfig) (audio.Speaker, error) {
	r.mu.RLock()
	factory, ok := r.speakers[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// ProviderNames returns the registered provider names in sorted order.
func (r *Registry) ProviderNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
