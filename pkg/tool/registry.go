// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry holds the process-wide tool catalog. Tools register at startup;
// cells resolve their catalog per turn.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a duplicate name is an error.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("cannot register nil tool")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("cannot register tool with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// MustRegister registers a tool and panics on error. Intended for startup
// wiring where a duplicate registration is a programming mistake.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every registered tool, sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Tools resolves an explicit trait list, preserving the declared order.
// An unknown name is an error.
func (r *Registry) Tools(names []string) ([]Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		tools = append(tools, t)
	}
	return tools, nil
}

// Manifest returns the catalog a manifest-mode cell sees: every registered
// tool filtered through the selector. A nil selector exposes the whole
// registry.
func (r *Registry) Manifest(ctx context.Context, sel Selector) []Tool {
	all := r.All()
	if sel == nil {
		return all
	}
	return sel.Select(ctx, all)
}

// Selector decides which tools a manifest-mode cell may see.
type Selector interface {
	Select(ctx context.Context, tools []Tool) []Tool
}

// SelectorFunc adapts a function to a Selector.
type SelectorFunc func(ctx context.Context, tools []Tool) []Tool

// Select calls f.
func (f SelectorFunc) Select(ctx context.Context, tools []Tool) []Tool {
	return f(ctx, tools)
}

// TagSelector keeps tools carrying at least one of the given tags.
func TagSelector(tags ...string) Selector {
	want := make(map[string]bool, len(tags))
	for _, tag := range tags {
		want[tag] = true
	}

	return SelectorFunc(func(_ context.Context, tools []Tool) []Tool {
		var kept []Tool
		for _, t := range tools {
			for _, tag := range t.Tags() {
				if want[tag] {
					kept = append(kept, t)
					break
				}
			}
		}
		return kept
	})
}
