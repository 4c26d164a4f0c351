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

// Package pool bounds engine parallelism with a process-wide slot pool.
// Candidate fan-out across every running cascade draws from one shared
// pool, so a burst in one session cannot starve the rest of the process.
package pool

import "context"

// DefaultSize is the slot count used when the embedder does not configure
// one.
const DefaultSize = 8

// Pool is a fixed-size slot pool. Acquire blocks until a slot frees or the
// context ends; Release returns the slot. The zero value is not usable,
// construct with New.
type Pool struct {
	slots chan struct{}
}

// New creates a pool with the given slot count. Non-positive sizes fall
// back to DefaultSize.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// Size returns the pool's slot count.
func (p *Pool) Size() int { return cap(p.slots) }

// InUse returns the number of currently held slots.
func (p *Pool) InUse() int { return len(p.slots) }

// Acquire blocks until a slot is available or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire grabs a slot without blocking, reporting whether it got one.
func (p *Pool) TryAcquire() bool {
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a held slot. Calling Release without a matching Acquire
// corrupts the pool's accounting; callers pair them with defer.
func (p *Pool) Release() {
	<-p.slots
}
