package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/narrator/pkg/provider/llm"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TTSFactory builds a synthesis backend from its config entry.
type TTSFactory func(ProviderEntry) (tts.Provider, error)

// TextGenFactory builds a text-generation backend.
type TextGenFactory func(TextGenConfig) (llm.Provider, error)

// Registry maps synthesis kinds and text-generation backend names to their
// constructor functions. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tts     map[tts.Kind]TTSFactory
	textgen map[string]TextGenFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		tts:     make(map[tts.Kind]TTSFactory),
		textgen: make(map[string]TextGenFactory),
	}
}

// RegisterTTS registers a synthesis backend factory for kind.
// Subsequent calls with the same kind overwrite the previous registration.
func (r *Registry) RegisterTTS(kind tts.Kind, factory TTSFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[kind] = factory
}

// RegisterTextGen registers a text-generation factory under name.
func (r *Registry) RegisterTextGen(name string, factory TextGenFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.textgen[name] = factory
}

// CreateTTS instantiates the backend registered for kind.
// Returns [ErrProviderNotRegistered] if no factory has been registered for it.
func (r *Registry) CreateTTS(kind tts.Kind, entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%s", ErrProviderNotRegistered, kind)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create tts/%s: %w", kind, err)
	}
	return p, nil
}

// CreateTTSAll builds every registered, enabled backend configured in p.
func (r *Registry) CreateTTSAll(p ProvidersConfig) (map[tts.Kind]tts.Provider, error) {
	out := make(map[tts.Kind]tts.Provider)
	for _, kind := range tts.Kinds() {
		entry := p.Entry(kind)
		if entry.Disabled {
			continue
		}
		prov, err := r.CreateTTS(kind, entry)
		if errors.Is(err, ErrProviderNotRegistered) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[kind] = prov
	}
	return out, nil
}

// CreateTextGen instantiates the text-generation backend named by cfg.Name.
func (r *Registry) CreateTextGen(cfg TextGenConfig) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.textgen[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: textgen/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}
