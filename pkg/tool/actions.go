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
	"sync"
)

// Actions collects control-flow requests raised by tools during one turn.
// The cell loop places a fresh collector in the context before dispatching
// tool calls and inspects it after the turn completes. Tools may run
// concurrently, so the collector serializes writes.
type Actions struct {
	mu      sync.Mutex
	routeTo string
	state   map[string]any
}

// RequestRoute records a routing request to a declared handoff target.
// The last request within a turn wins.
func (a *Actions) RequestRoute(cell string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.routeTo = cell
}

// Route returns the requested next cell, or empty when none was requested.
func (a *Actions) Route() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.routeTo
}

// SetState stages a session state write. The cell loop applies staged
// writes to the session after the turn's tool calls complete, so a tool
// never touches session state directly.
func (a *Actions) SetState(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == nil {
		a.state = map[string]any{}
	}
	a.state[key] = value
}

// StateDelta returns the staged state writes, or nil when there are none.
func (a *Actions) StateDelta() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.state) == 0 {
		return nil
	}
	out := make(map[string]any, len(a.state))
	for k, v := range a.state {
		out[k] = v
	}
	return out
}

type actionsKey struct{}

// WithActions returns a context carrying the actions collector.
func WithActions(ctx context.Context, a *Actions) context.Context {
	return context.WithValue(ctx, actionsKey{}, a)
}

// ActionsFrom returns the actions collector from ctx, or nil when the
// context carries none.
func ActionsFrom(ctx context.Context) *Actions {
	a, _ := ctx.Value(actionsKey{}).(*Actions)
	return a
}
