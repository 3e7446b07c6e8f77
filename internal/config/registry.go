package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/captionist/pkg/provider/llm"
	"github.com/MrWong99/captionist/pkg/provider/recognition"
	"github.com/MrWong99/captionist/pkg/provider/translation"
)

// ErrProviderNotRegistered is returned when no factory is registered under
// the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory constructs an LLM provider from its config entry.
type LLMFactory func(ProviderEntry) (llm.Provider, error)

// TranslationFactory constructs a translation backend from its config entry.
type TranslationFactory func(ProviderEntry) (translation.Backend, error)

// RecognitionFactory opens a recognition source for one session. input
// locates the session's media: a file path for audio sources, a queue name
// for broker-fed sources.
type RecognitionFactory func(ctx context.Context, entry ProviderEntry, input string) (recognition.Source, error)

// Registry maps provider names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu          sync.RWMutex
	llm         map[string]LLMFactory
	translation map[string]TranslationFactory
	recognition map[string]RecognitionFactory
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:         make(map[string]LLMFactory),
		translation: make(map[string]TranslationFactory),
		recognition: make(map[string]RecognitionFactory),
	}
}

// RegisterLLM registers an LLM factory under name, replacing any previous
// registration.
func (r *Registry) RegisterLLM(name string, factory LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterTranslation registers a translation backend factory under name.
func (r *Registry) RegisterTranslation(name string, factory TranslationFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translation[name] = factory
}

// RegisterRecognition registers a recognition source factory under name.
func (r *Registry) RegisterRecognition(name string, factory RecognitionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognition[name] = factory
}

// CreateLLM instantiates the LLM provider registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTranslation instantiates the translation backend registered under
// entry.Name.
func (r *Registry) CreateTranslation(entry ProviderEntry) (translation.Backend, error) {
	r.mu.RLock()
	factory, ok := r.translation[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: translation/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// OpenRecognition opens a source through the factory registered under
// entry.Name.
func (r *Registry) OpenRecognition(ctx context.Context, entry ProviderEntry, input string) (recognition.Source, error) {
	r.mu.RLock()
	factory, ok := r.recognition[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognition/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(ctx, entry, input)
}

// Names returns the sorted names registered for kind ("llm", "translation"
// or "recognition").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "llm":
		for n := range r.llm {
			names = append(names, n)
		}
	case "translation":
		for n := range r.translation {
			names = append(names, n)
		}
	case "recognition":
		for n := range r.recognition {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}

// ---- option helpers ----

// OptString returns the string option key, or "" when absent or not a string.
func (e ProviderEntry) OptString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptInt returns the integer option key, or def when absent or not a number.
// YAML integers decode as int and floats as float64; both are accepted.
func (e ProviderEntry) OptInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// OptFloat returns the numeric option key, or def when absent or not a
// number.
func (e ProviderEntry) OptFloat(key string, def float64) float64 {
	switch v := e.Options[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	}
	return def
}
