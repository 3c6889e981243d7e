package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voicecoach/pkg/provider/llm"
	"github.com/MrWong99/voicecoach/pkg/provider/stt"
	"github.com/MrWong99/voicecoach/pkg/provider/tts"
)

// ErrProviderNotRegistered means a providers entry names an implementation
// nobody registered.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[P any] func(ProviderEntry) (P, error)

type factories[P any] struct {
	kind string
	byID map[string]Factory[P]
}

func newFactories[P any](kind string) factories[P] {
	return factories[P]{kind: kind, byID: make(map[string]Factory[P])}
}

func (f factories[P]) build(entry ProviderEntry) (P, error) {
	fn, ok := f.byID[entry.Name]
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s %q (known: %v)", ErrProviderNotRegistered, f.kind, entry.Name, f.names())
	}
	p, err := fn(entry)
	if err != nil {
		var zero P
		return zero, fmt.Errorf("config: %s %q: %w", f.kind, entry.Name, err)
	}
	return p, nil
}

func (f factories[P]) names() []string {
	return slices.Sorted(maps.Keys(f.byID))
}

// Registry maps provider names from the config file to constructors. The
// peer fills it once at startup and consults it on every config reload. It
// is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	stt factories[stt.Provider]
	llm factories[llm.Provider]
	tts factories[tts.Provider]
}

func NewRegistry() *Registry {
	return &Registry{
		stt: newFactories[stt.Provider]("stt"),
		llm: newFactories[llm.Provider]("llm"),
		tts: newFactories[tts.Provider]("tts"),
	}
}

// RegisterSTT adds or replaces the STT factory called name.
func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.byID[name] = f
}

// RegisterLLM adds or replaces the LLM factory called name.
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.byID[name] = f
}

// RegisterTTS adds or replaces the TTS factory called name.
func (r *Registry) RegisterTTS(name string, f Factory[tts.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.byID[name] = f
}

// CreateSTT builds the STT provider named by entry. An unknown name yields
// an error wrapping [ErrProviderNotRegistered].
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	f := r.stt
	r.mu.RUnlock()
	return f.build(entry)
}

func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	f := r.llm
	r.mu.RUnlock()
	return f.build(entry)
}

func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	f := r.tts
	r.mu.RUnlock()
	return f.build(entry)
}

// Names lists the registered names for kind ("stt", "llm" or "tts"),
// sorted. Any other kind yields nil.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case r.stt.kind:
		return r.stt.names()
	case r.llm.kind:
		return r.llm.names()
	case r.tts.kind:
		return r.tts.names()
	}
	return nil
}

// OptionString returns Options[key] if it is a string.
func (e ProviderEntry) OptionString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptionFloat returns Options[key] as a float64, or def when it is missing
// or not a number. YAML decodes integers as int.
func (e ProviderEntry) OptionFloat(key string, def float64) float64 {
	switch v := e.Options[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	}
	return def
}

// OptionDuration reads Options[key] as a Go duration string ("750ms") or as
// a plain number of milliseconds. A missing key returns def.
func (e ProviderEntry) OptionDuration(key string, def time.Duration) (time.Duration, error) {
	switch v := e.Options[key].(type) {
	case nil:
		return def, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("options.%s: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	}
	return 0, fmt.Errorf("options.%s: want a duration, got %T", key, e.Options[key])
}
