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

// Package memory provides an in-memory backend implementation, used by
// unit tests that need the Backend interface without a real database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tombarlow/runengine/internal/backend"
)

var _ backend.Backend = (*Backend)(nil)

// Backend is an in-memory storage backend. Not safe for use across
// processes; intended for tests and narrow single-process scenarios.
type Backend struct {
	mu          sync.RWMutex
	runs        map[string]*backend.Run
	snapshots   map[string][]*backend.ExecutionSnapshot
	waitpoints  map[string]*backend.Waitpoint
	blockedBy   map[string]map[string]*backend.RunWaitpoint // runID -> waitpointID -> row
	taskQueues  map[string]*backend.TaskQueue
}

func New() *Backend {
	return &Backend{
		runs:       make(map[string]*backend.Run),
		snapshots:  make(map[string][]*backend.ExecutionSnapshot),
		waitpoints: make(map[string]*backend.Waitpoint),
		blockedBy:  make(map[string]map[string]*backend.RunWaitpoint),
		taskQueues: make(map[string]*backend.TaskQueue),
	}
}

func (b *Backend) Close() error { return nil }

func copyRun(r *backend.Run) *backend.Run {
	cp := *r
	if r.Tags != nil {
		cp.Tags = append([]string(nil), r.Tags...)
	}
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	return &cp
}

func (b *Backend) CreateRun(ctx context.Context, run *backend.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ID]; exists {
		return fmt.Errorf("run already exists: %s", run.ID)
	}
	now := time.Now()
	run.CreatedAt, run.UpdatedAt = now, now
	b.runs[run.ID] = copyRun(run)
	return nil
}

func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, ok := b.runs[id]
	if !ok {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	return copyRun(run), nil
}

func (b *Backend) GetRunByIdempotencyKey(ctx context.Context, environmentID, key string) (*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, run := range b.runs {
		if run.EnvironmentID == environmentID && run.IdempotencyKey == key {
			return copyRun(run), nil
		}
	}
	return nil, nil
}

func (b *Backend) UpdateRun(ctx context.Context, run *backend.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.runs[run.ID]; !ok {
		return fmt.Errorf("run not found: %s", run.ID)
	}
	run.UpdatedAt = time.Now()
	b.runs[run.ID] = copyRun(run)
	return nil
}

func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*backend.Run
	for _, run := range b.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.EnvironmentID != "" && run.EnvironmentID != filter.EnvironmentID {
			continue
		}
		if filter.TaskIdentifier != "" && run.TaskIdentifier != filter.TaskIdentifier {
			continue
		}
		out = append(out, copyRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		out = nil
	}
	limit := filter.Limit
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (b *Backend) AppendSnapshot(ctx context.Context, s *backend.ExecutionSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s.CreatedAt = time.Now()
	cp := *s
	b.snapshots[s.RunID] = append(b.snapshots[s.RunID], &cp)
	return nil
}

func (b *Backend) LatestSnapshot(ctx context.Context, runID string) (*backend.ExecutionSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	list := b.snapshots[runID]
	if len(list) == 0 {
		return nil, fmt.Errorf("no snapshot for run: %s", runID)
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (b *Backend) ListSnapshots(ctx context.Context, runID string) ([]*backend.ExecutionSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	list := b.snapshots[runID]
	out := make([]*backend.ExecutionSnapshot, len(list))
	for i, s := range list {
		cp := *s
		out[i] = &cp
	}
	return out, nil
}

func (b *Backend) CreateWaitpoint(ctx context.Context, w *backend.Waitpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	w.CreatedAt = time.Now()
	if w.Status == "" {
		w.Status = backend.WaitpointPending
	}
	cp := *w
	b.waitpoints[w.ID] = &cp
	return nil
}

func (b *Backend) GetWaitpoint(ctx context.Context, id string) (*backend.Waitpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	w, ok := b.waitpoints[id]
	if !ok {
		return nil, fmt.Errorf("waitpoint not found: %s", id)
	}
	cp := *w
	return &cp, nil
}

func (b *Backend) CompleteWaitpoint(ctx context.Context, waitpointID string, output []byte, outputErr *backend.RunError) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.waitpoints[waitpointID]
	if !ok {
		return nil, fmt.Errorf("waitpoint not found: %s", waitpointID)
	}
	if w.Status == backend.WaitpointCompleted {
		return nil, nil
	}

	var blocked []string
	for runID, byWaitpoint := range b.blockedBy {
		if _, blocked2 := byWaitpoint[waitpointID]; blocked2 {
			blocked = append(blocked, runID)
			delete(byWaitpoint, waitpointID)
		}
	}

	now := time.Now()
	w.Status = backend.WaitpointCompleted
	w.Output = output
	w.OutputError = outputErr
	w.CompletedAt = &now

	var unblocked []string
	for _, runID := range blocked {
		if len(b.blockedBy[runID]) == 0 {
			delete(b.blockedBy, runID)
			unblocked = append(unblocked, runID)
		}
	}
	return unblocked, nil
}

func (b *Backend) BlockRun(ctx context.Context, runID, waitpointID, projectID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.blockedBy[runID] == nil {
		b.blockedBy[runID] = make(map[string]*backend.RunWaitpoint)
	}
	b.blockedBy[runID][waitpointID] = &backend.RunWaitpoint{
		RunID: runID, WaitpointID: waitpointID, ProjectID: projectID, CreatedAt: time.Now(),
	}
	return nil
}

func (b *Backend) RunWaitpoints(ctx context.Context, runID string) ([]*backend.RunWaitpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*backend.RunWaitpoint
	for _, rw := range b.blockedBy[runID] {
		cp := *rw
		out = append(out, &cp)
	}
	return out, nil
}

func (b *Backend) UnblockedRunIDsOlderThan(ctx context.Context, status backend.RunStatus, age time.Duration) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cutoff := time.Now().Add(-age)
	var ids []string
	for id, run := range b.runs {
		if run.Status != status || run.UpdatedAt.After(cutoff) {
			continue
		}
		if len(b.blockedBy[id]) == 0 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (b *Backend) UpsertTaskQueue(ctx context.Context, q *backend.TaskQueue) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q.UpdatedAt = time.Now()
	cp := *q
	b.taskQueues[q.EnvironmentID+"/"+q.Name] = &cp
	return nil
}

func (b *Backend) GetTaskQueue(ctx context.Context, environmentID, name string) (*backend.TaskQueue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.taskQueues[environmentID+"/"+name]
	if !ok {
		return nil, nil
	}
	cp := *q
	return &cp, nil
}
