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

// Package snapshot maintains the append-only execution-snapshot log for a
// run and schedules the stall-check heartbeat that follows every
// transition. The latest snapshot id is the sole source of truth compared
// against by a fired stall-check to decide whether the run has moved on.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tombarlow/runengine/internal/backend"
)

// StallCheckScheduler schedules a deterministic, deduplicating delayed job
// that fires at now+interval and, when handled, calls back into the engine
// to verify the snapshot is still latest. Implemented by
// internal/delayedjob.Worker via a thin adapter so this package doesn't
// need to know about Redis.
type StallCheckScheduler interface {
	ScheduleStallCheck(ctx context.Context, runID, snapshotID string, at time.Time) error
}

// stallCheckInterval returns how long to wait before verifying a run hasn't
// stalled in the given executionStatus.
func stallCheckInterval(status backend.ExecutionStatus) time.Duration {
	switch status {
	case backend.SnapshotExecuting:
		return 15 * time.Minute
	default:
		return 60 * time.Second
	}
}

// Log appends execution snapshots and schedules their stall-check.
type Log struct {
	store     backend.SnapshotStore
	scheduler StallCheckScheduler
}

func New(store backend.SnapshotStore, scheduler StallCheckScheduler) *Log {
	return &Log{store: store, scheduler: scheduler}
}

// Create appends a new snapshot unconditionally and schedules its
// stall-check. Never mutates or deletes an existing snapshot.
func (l *Log) Create(ctx context.Context, runID string, executionStatus backend.ExecutionStatus, runStatus backend.RunStatus, description, workerID string) (*backend.ExecutionSnapshot, error) {
	s := &backend.ExecutionSnapshot{
		ID:              uuid.NewString(),
		RunID:           runID,
		ExecutionStatus: executionStatus,
		RunStatus:       runStatus,
		WorkerID:        workerID,
		Description:     description,
	}
	if err := l.store.AppendSnapshot(ctx, s); err != nil {
		return nil, fmt.Errorf("append snapshot: %w", err)
	}

	if l.scheduler != nil {
		at := time.Now().Add(stallCheckInterval(executionStatus))
		if err := l.scheduler.ScheduleStallCheck(ctx, runID, s.ID, at); err != nil {
			return nil, fmt.Errorf("schedule stall check: %w", err)
		}
	}
	return s, nil
}

// ExtendStallCheck reschedules the stall-check for a snapshot that is
// still latest, without appending a new one. This is the effect a
// runner heartbeat has on the timer: the deterministic per-snapshot job
// id makes the reschedule an idempotent overwrite of the existing timer
// rather than a second, competing one.
func (l *Log) ExtendStallCheck(ctx context.Context, runID, snapshotID string, executionStatus backend.ExecutionStatus) error {
	if l.scheduler == nil {
		return nil
	}
	at := time.Now().Add(stallCheckInterval(executionStatus))
	if err := l.scheduler.ScheduleStallCheck(ctx, runID, snapshotID, at); err != nil {
		return fmt.Errorf("extend stall check: %w", err)
	}
	return nil
}

// Latest returns the most recent snapshot for a run.
func (l *Log) Latest(ctx context.Context, runID string) (*backend.ExecutionSnapshot, error) {
	s, err := l.store.LatestSnapshot(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return s, nil
}

// List returns every snapshot for a run, oldest first.
func (l *Log) List(ctx context.Context, runID string) ([]*backend.ExecutionSnapshot, error) {
	list, err := l.store.ListSnapshots(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return list, nil
}

// IsStale reports whether snapshotID is no longer the run's latest
// snapshot, the signal a fired stall-check uses to silently drop itself.
func (l *Log) IsStale(ctx context.Context, runID, snapshotID string) (bool, error) {
	latest, err := l.Latest(ctx, runID)
	if err != nil {
		return false, err
	}
	return latest.ID != snapshotID, nil
}
