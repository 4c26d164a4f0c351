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

package cascade

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads cascade definitions when files in a directory change.
// Definitions that fail validation on reload are skipped with a warning;
// the previous good registry stays in effect for them.
type Watcher struct {
	dir string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	closed  bool
}

// NewWatcher creates a watcher over a cascade definitions directory.
func NewWatcher(dir string) (*Watcher, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	return &Watcher{dir: absDir}, nil
}

// Load reads the current definitions from the watched directory.
func (w *Watcher) Load() (map[string]*Cascade, error) {
	return LoadDir(w.dir)
}

// Watch starts watching the directory. Each received value is a freshly
// loaded registry reflecting the files on disk at that moment.
func (w *Watcher) Watch(ctx context.Context) (<-chan map[string]*Cascade, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, fmt.Errorf("watcher is closed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.watcher = watcher

	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", w.dir, err)
	}

	ch := make(chan map[string]*Cascade, 1) // Buffered to avoid blocking

	go w.watchLoop(ctx, watcher, ch)

	slog.Info("Watching cascade definitions", "dir", w.dir)
	return ch, nil
}

func (w *Watcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, ch chan map[string]*Cascade) {
	defer close(ch)
	defer watcher.Close()

	// Debounce timer to coalesce rapid changes (editors often write twice)
	var debounceTimer *time.Timer
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			ext := strings.ToLower(filepath.Ext(event.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					w.reload(ch)
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Cascade watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(ch chan map[string]*Cascade) {
	defs, err := LoadDir(w.dir)
	if err != nil {
		slog.Warn("Cascade reload failed, keeping previous definitions", "dir", w.dir, "error", err)
		return
	}

	// Replace any pending registry with the newest one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- defs:
		slog.Debug("Cascade definitions reloaded", "dir", w.dir, "count", len(defs))
	default:
	}
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	if w.watcher != nil {
		err := w.watcher.Close()
		w.watcher = nil
		return err
	}
	return nil
}
