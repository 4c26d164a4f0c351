package model

import (
	"fmt"
	"sync"
)

// Registry resolves model names to providers. Cells name a model, cascades
// carry a default, the registry carries the process default.
type Registry struct {
	mu           sync.RWMutex
	providers    map[string]Provider
	defaultModel string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its model name. The first registration
// becomes the process default unless SetDefault overrides it.
func (r *Registry) Register(p Provider) error {
	if p == nil || p.Name() == "" {
		return fmt.Errorf("model: provider with a name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.providers[p.Name()]; dup {
		return fmt.Errorf("model: provider %q already registered", p.Name())
	}
	r.providers[p.Name()] = p
	if r.defaultModel == "" {
		r.defaultModel = p.Name()
	}
	return nil
}

// SetDefault names the provider used when neither cell nor cascade names one.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("model: unknown provider %q", name)
	}
	r.defaultModel = name
	return nil
}

// Resolve returns the provider for a model name; empty name resolves the
// default.
func (r *Registry) Resolve(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaultModel
	}
	if name == "" {
		return nil, fmt.Errorf("model: no providers registered")
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("model: unknown provider %q", name)
	}
	return p, nil
}

// Names lists the registered model names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}

// Close closes every registered provider, returning the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, p := range r.providers {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
