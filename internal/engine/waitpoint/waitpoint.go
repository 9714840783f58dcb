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

// Package waitpoint manages the three waitpoint kinds (RUN, DATETIME,
// MANUAL) that a run can block on, and the RunWaitpoint join rows that
// record which runs are currently blocked. All three kinds share the same
// status/completion plumbing; only how they become COMPLETED differs.
package waitpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tombarlow/runengine/internal/backend"
)

// DateTimeScheduler schedules the delayed job that calls CompleteWaitpoint
// at completedAfter, implemented by internal/delayedjob via a thin adapter.
type DateTimeScheduler interface {
	ScheduleWaitpointCompletion(ctx context.Context, waitpointID string, at time.Time) error
}

// Continuer re-acquires concurrency and re-enqueues a run that has just
// become unblocked. Implemented by internal/engine, which knows how to
// reconstruct the run's queue message and snapshot transition.
type Continuer interface {
	ContinueRun(ctx context.Context, runID string) error
}

// Manager implements the Waitpoint Manager component: creating the three
// waitpoint kinds, blocking runs on them, and transactionally completing
// them.
type Manager struct {
	store     backend.WaitpointStore
	scheduler DateTimeScheduler
	continuer Continuer
}

func New(store backend.WaitpointStore, scheduler DateTimeScheduler, continuer Continuer) *Manager {
	return &Manager{store: store, scheduler: scheduler, continuer: continuer}
}

// CreateRunAssociatedWaitpoint creates the waitpoint every new run carries
// alongside it, which parents attach to via ResumeParentOnCompletion.
func (m *Manager) CreateRunAssociatedWaitpoint(ctx context.Context, projectID, completedByRunID string) (*backend.Waitpoint, error) {
	w := &backend.Waitpoint{
		ID:               uuid.NewString(),
		ProjectID:        projectID,
		Type:             backend.WaitpointRun,
		Status:           backend.WaitpointPending,
		CompletedByRunID: completedByRunID,
	}
	if err := m.store.CreateWaitpoint(ctx, w); err != nil {
		return nil, fmt.Errorf("create run-associated waitpoint: %w", err)
	}
	return w, nil
}

// CreateDateTimeWaitpoint creates a waitpoint that completes itself via a
// scheduled delayed job at completedAfter.
func (m *Manager) CreateDateTimeWaitpoint(ctx context.Context, projectID string, completedAfter time.Time) (*backend.Waitpoint, error) {
	w := &backend.Waitpoint{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		Type:           backend.WaitpointDateTime,
		Status:         backend.WaitpointPending,
		CompletedAfter: &completedAfter,
	}
	if err := m.store.CreateWaitpoint(ctx, w); err != nil {
		return nil, fmt.Errorf("create datetime waitpoint: %w", err)
	}
	if m.scheduler != nil {
		if err := m.scheduler.ScheduleWaitpointCompletion(ctx, w.ID, completedAfter); err != nil {
			return nil, fmt.Errorf("schedule datetime waitpoint completion: %w", err)
		}
	}
	return w, nil
}

// CreateManualWaitpoint creates a waitpoint only completed by an explicit
// external CompleteWaitpoint call (used by runner-initiated waitForToken
// style flows outside this spec's scope, retained for API symmetry).
func (m *Manager) CreateManualWaitpoint(ctx context.Context, projectID, idempotencyKey string) (*backend.Waitpoint, error) {
	w := &backend.Waitpoint{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		Type:           backend.WaitpointManual,
		Status:         backend.WaitpointPending,
		IdempotencyKey: idempotencyKey,
	}
	if err := m.store.CreateWaitpoint(ctx, w); err != nil {
		return nil, fmt.Errorf("create manual waitpoint: %w", err)
	}
	return w, nil
}

// BlockRunWithWaitpoint inserts the RunWaitpoint row that marks runID as
// blocked on w. Callers are responsible for releasing the run's
// concurrency counters and transitioning its snapshot to
// BLOCKED_BY_WAITPOINTS — the Run Engine coordinates that alongside this
// call since it owns the run's lock and queue message.
func (m *Manager) BlockRunWithWaitpoint(ctx context.Context, runID string, w *backend.Waitpoint) error {
	if err := m.store.BlockRun(ctx, runID, w.ID, w.ProjectID); err != nil {
		return fmt.Errorf("block run with waitpoint: %w", err)
	}
	return nil
}

// RunWaitpoints lists the waitpoints currently blocking a run. A run is
// unblocked when this returns empty.
func (m *Manager) RunWaitpoints(ctx context.Context, runID string) ([]*backend.RunWaitpoint, error) {
	rows, err := m.store.RunWaitpoints(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list run waitpoints: %w", err)
	}
	return rows, nil
}

// Get returns a waitpoint by id.
func (m *Manager) Get(ctx context.Context, id string) (*backend.Waitpoint, error) {
	w, err := m.store.GetWaitpoint(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get waitpoint: %w", err)
	}
	return w, nil
}

// CompleteWaitpoint is the only mechanism that moves a run out of the
// blocked state. Run transactionally at READ COMMITTED:
//
//  1. If already COMPLETED, no-op.
//  2. Load all RunWaitpoint rows for this waitpoint.
//  3. Delete those rows.
//  4. Mark the waitpoint COMPLETED.
//  5. For each formerly-blocked run that now has no remaining
//     RunWaitpoint rows, call ContinueRun.
//
// Step 5 is what unblocks parents on a triggerAndWait completion and what
// resumes a run after a datetime wait.
func (m *Manager) CompleteWaitpoint(ctx context.Context, waitpointID string, output []byte, outputErr *backend.RunError) error {
	unblocked, err := m.store.CompleteWaitpoint(ctx, waitpointID, output, outputErr)
	if err != nil {
		return fmt.Errorf("complete waitpoint: %w", err)
	}
	for _, runID := range unblocked {
		if m.continuer == nil {
			continue
		}
		if err := m.continuer.ContinueRun(ctx, runID); err != nil {
			return fmt.Errorf("continue unblocked run %s: %w", runID, err)
		}
	}
	return nil
}
