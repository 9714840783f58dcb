// Copyright 2025 Tom Barlow
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

package lock

import (
	"context"
	"sync"
)

// InProcessLocker implements the same WithLock(ctx, key, fn) shape as
// Locker using an in-memory per-key mutex map, for single-process
// deployments (the memory and sqlite backends) where a Postgres
// connection isn't available to take a session-level advisory lock on.
// It provides no cross-process guarantee and must never be used alongside
// more than one engine process sharing a backend.
type InProcessLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewInProcess() *InProcessLocker {
	return &InProcessLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *InProcessLocker) mutexFor(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// WithLock serializes fn against any other call holding the same key,
// releasing unconditionally on return. ctx cancellation is honored before
// acquiring, but not while held — fn itself is responsible for respecting
// context cancellation in whatever it does.
func (l *InProcessLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := l.mutexFor(key)
	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}
