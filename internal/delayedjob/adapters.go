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

package delayedjob

import (
	"context"
	"time"
)

// Job type names dispatched through the single Worker shared by the
// Snapshot Log, Waitpoint Manager, and Run Engine.
const (
	jobTypeStallCheck         = "stallCheck"
	jobTypeWaitpointCompleted = "waitpointCompletion"
	jobTypeExpireRun          = "expireRun"
)

// StallCheckAdapter implements snapshot.StallCheckScheduler over a Worker,
// scheduling a deterministic job per snapshot so rescheduling the same
// snapshot id (as snapshot.Log.ExtendStallCheck does on each heartbeat)
// overwrites its one timer rather than piling up duplicates.
type StallCheckAdapter struct {
	worker *Worker
}

func NewStallCheckAdapter(w *Worker) *StallCheckAdapter {
	return &StallCheckAdapter{worker: w}
}

func (a *StallCheckAdapter) ScheduleStallCheck(ctx context.Context, runID, snapshotID string, at time.Time) error {
	id := "stallCheck." + snapshotID
	payload := []byte(runID + "|" + snapshotID)
	return a.worker.Enqueue(ctx, id, jobTypeStallCheck, payload, at)
}

// RegisterStallCheckHandler binds the stall-check job type to a callback
// that re-verifies the snapshot is still latest before acting, supplied by
// whatever owns the Engine (cmd/runengined registers
// Engine.RecoverStalledAttempt).
func (a *StallCheckAdapter) RegisterStallCheckHandler(handler func(ctx context.Context, runID, snapshotID string) error) {
	a.worker.RegisterHandler(jobTypeStallCheck, func(ctx context.Context, payload []byte) error {
		runID, snapshotID, ok := splitPayload(payload)
		if !ok {
			return nil
		}
		return handler(ctx, runID, snapshotID)
	})
}

// WaitpointCompletionAdapter implements waitpoint.DateTimeScheduler over a
// Worker.
type WaitpointCompletionAdapter struct {
	worker *Worker
}

func NewWaitpointCompletionAdapter(w *Worker) *WaitpointCompletionAdapter {
	return &WaitpointCompletionAdapter{worker: w}
}

func (a *WaitpointCompletionAdapter) ScheduleWaitpointCompletion(ctx context.Context, waitpointID string, at time.Time) error {
	id := "waitpointCompletion." + waitpointID
	return a.worker.Enqueue(ctx, id, jobTypeWaitpointCompleted, []byte(waitpointID), at)
}

// RegisterWaitpointCompletionHandler binds the waitpoint-completion job
// type to a callback, supplied by whatever owns the Waitpoint Manager
// (normally waitpoint.Manager.CompleteWaitpoint with nil output/error).
func (a *WaitpointCompletionAdapter) RegisterWaitpointCompletionHandler(handler func(ctx context.Context, waitpointID string) error) {
	a.worker.RegisterHandler(jobTypeWaitpointCompleted, func(ctx context.Context, payload []byte) error {
		return handler(ctx, string(payload))
	})
}

// ExpireRunAdapter implements engine.ExpireScheduler over a Worker.
type ExpireRunAdapter struct {
	worker *Worker
}

func NewExpireRunAdapter(w *Worker) *ExpireRunAdapter {
	return &ExpireRunAdapter{worker: w}
}

func (a *ExpireRunAdapter) ScheduleExpire(ctx context.Context, runID string, at time.Time) error {
	id := "expireRun." + runID
	return a.worker.Enqueue(ctx, id, jobTypeExpireRun, []byte(runID), at)
}

// RegisterExpireHandler binds the expire job type to a callback, normally
// engine.Engine.Expire.
func (a *ExpireRunAdapter) RegisterExpireHandler(handler func(ctx context.Context, runID string) error) {
	a.worker.RegisterHandler(jobTypeExpireRun, func(ctx context.Context, payload []byte) error {
		return handler(ctx, string(payload))
	})
}

func splitPayload(payload []byte) (runID, snapshotID string, ok bool) {
	s := string(payload)
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
