package destination

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Registry maps destination keys to adapters. Factories are registered up
// front; adapters are constructed lazily on first Get and cached. Keys with
// no registered factory fall back to the archive adapter when one is
// registered, so resolution never strands a section.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	configs   map[string]json.RawMessage
	adapters  map[string]Adapter
	logger    *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets a custom logger for the registry.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		configs:   make(map[string]json.RawMessage),
		adapters:  make(map[string]Adapter),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register registers a factory for a destination key. Must be called before
// the first Get for that key.
func (r *Registry) Register(key string, f Factory) {
	r.mu.Lock()
	r.factories[key] = f
	r.mu.Unlock()
}

// Configure sets the JSON config passed to the key's factory. A nil config
// is legal; factories apply their defaults.
func (r *Registry) Configure(key string, config json.RawMessage) {
	r.mu.Lock()
	r.configs[key] = config
	r.mu.Unlock()
}

// Get returns the adapter for a destination key, constructing it on first
// use. Unknown keys fall back to the archive adapter.
func (r *Registry) Get(key string) (Adapter, error) {
	r.mu.RLock()
	ad, ok := r.adapters[key]
	r.mu.RUnlock()
	if ok {
		return ad, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ad, ok := r.adapters[key]; ok {
		return ad, nil
	}

	f, ok := r.factories[key]
	if !ok {
		if fallback, ok := r.adapters["archive"]; ok {
			r.logger.Warn("destination: no factory, falling back to archive", "dest", key)
			return fallback, nil
		}
		if f, ok = r.factories["archive"]; !ok {
			return nil, &ErrNoFactory{Dest: key}
		}
		r.logger.Warn("destination: no factory, falling back to archive", "dest", key)
		key = "archive"
	}

	ad, err := f(r.configs[key])
	if err != nil {
		return nil, fmt.Errorf("destination: build %s adapter: %w", key, err)
	}
	r.adapters[key] = ad
	return ad, nil
}

// Keys returns the destination keys with a registered factory.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	return keys
}
