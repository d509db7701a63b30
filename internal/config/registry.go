package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/vistalk/pkg/media"
	"github.com/MrWong99/vistalk/pkg/provider/tts"
	"github.com/MrWong99/vistalk/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its configuration entry.
type Factory[T any] func(ProviderEntry) (T, error)

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tts    map[string]Factory[tts.Provider]
	vad    map[string]Factory[vad.Engine]
	source map[string]Factory[media.Source]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		tts:    make(map[string]Factory[tts.Provider]),
		vad:    make(map[string]Factory[vad.Engine]),
		source: make(map[string]Factory[media.Source]),
	}
}

// RegisterTTS registers a TTS provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTTS(name string, factory Factory[tts.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterVAD registers an activity analyser factory under name.
func (r *Registry) RegisterVAD(name string, factory Factory[vad.Engine]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterSource registers a media source factory under name.
func (r *Registry) RegisterSource(name string, factory Factory[media.Source]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source[name] = factory
}

// CreateTTS instantiates the TTS provider registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(r, r.tts, "tts", entry)
}

// CreateVAD instantiates the activity analyser registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	return create(r, r.vad, "vad", entry)
}

// CreateSource instantiates the media source registered under entry.Name.
func (r *Registry) CreateSource(entry ProviderEntry) (media.Source, error) {
	return create(r, r.source, "source", entry)
}

// Names returns the sorted provider names registered for kind ("tts",
// "vad" or "source").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "tts":
		names = keys(r.tts)
	case "vad":
		names = keys(r.vad)
	case "source":
		names = keys(r.source)
	}
	slices.Sort(names)
	return names
}

func create[T any](r *Registry, m map[string]Factory[T], kind string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := m[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}

func keys[T any](m map[string]Factory[T]) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
