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

package scheduler

import (
	"context"

	"github.com/google/uuid"

	"github.com/kadirpekel/cascade/pkg/cascade"
	"github.com/kadirpekel/cascade/pkg/echo"
	"github.com/kadirpekel/cascade/pkg/runlog"
	"github.com/kadirpekel/cascade/pkg/tool/controltool"
)

// Library resolves a sub-cascade path to a loaded cascade definition.
type Library interface {
	Resolve(path string) (*cascade.Cascade, error)
}

// LibraryFunc adapts a function to the Library interface.
type LibraryFunc func(path string) (*cascade.Cascade, error)

func (f LibraryFunc) Resolve(path string) (*cascade.Cascade, error) { return f(path) }

// depthKey counts sub-cascade nesting through the context.
type depthKey struct{}

func launchDepth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// Launch implements controltool.Launcher. It resolves the path, runs the
// child cascade on a fresh session parented to the calling one, and merges
// the child's outcome into the Echo the calling cell runs against (a fork
// when the cell is a candidate variant, so losing variants leave no trace).
//
// A failed child run comes back as an error for the calling model to react
// to; it does not abort the calling cell.
func (s *Scheduler) Launch(ctx context.Context, path string, inputs map[string]any) (map[string]any, error) {
	parentScope := runlog.ScopeFrom(ctx)

	parent, ok := echo.Current(ctx)
	if !ok {
		return nil, cascade.NewError(cascade.KindValidation, parentScope.CascadeID, parentScope.CellName,
			"launch_sub_cascade invoked outside a cascade run")
	}
	if s.cfg.Library == nil {
		return nil, cascade.NewError(cascade.KindValidation, parentScope.CascadeID, parentScope.CellName,
			"no cascade library is wired; launch_sub_cascade is unavailable")
	}

	depth := launchDepth(ctx)
	if depth >= s.cfg.MaxDepth {
		return nil, cascade.NewError(cascade.KindValidation, parentScope.CascadeID, parentScope.CellName,
			"sub-cascade depth limit (%d) reached", s.cfg.MaxDepth)
	}

	child, err := s.cfg.Library.Resolve(path)
	if err != nil {
		return nil, cascade.Rewrap(parentScope.CascadeID, parentScope.CellName, err)
	}

	childEcho := echo.New(echo.NewSessionID(), parent.CallerID(), parent.SessionID())

	// The child run must not inherit the caller's cell-level log scope.
	childCtx := context.WithValue(runlog.WithFreshScope(ctx, runlog.Scope{}), depthKey{}, depth+1)

	res, err := s.Run(childCtx, child, inputs, RunOptions{Echo: childEcho})
	if err != nil {
		return nil, cascade.Rewrap(parentScope.CascadeID, parentScope.CellName, err)
	}
	if res.Failed() {
		return nil, cascade.NewError(res.Error.Kind, parentScope.CascadeID, parentScope.CellName,
			"sub-cascade %s failed: %s", child.ID, res.Error.Message)
	}

	parent.Merge(child.ID, childEcho, uuid.NewString())
	return res.FinalState, nil
}

var _ controltool.Launcher = (*Scheduler)(nil)
