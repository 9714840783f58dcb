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

package engine

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tombarlow/runengine/internal/backend"
	"github.com/tombarlow/runengine/internal/backend/memory"
	"github.com/tombarlow/runengine/internal/engine/snapshot"
	"github.com/tombarlow/runengine/internal/engine/waitpoint"
	"github.com/tombarlow/runengine/internal/runqueue"
	"github.com/tombarlow/runengine/internal/runqueue/keys"
)

// fakeLocker serializes callers per key with an in-process mutex, standing
// in for internal/lock's Postgres advisory lock in tests that don't want a
// real database.
type fakeLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{locks: make(map[string]*sync.Mutex)}
}

func (f *fakeLocker) lockFor(key string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[key]
	if !ok {
		l = &sync.Mutex{}
		f.locks[key] = l
	}
	return l
}

func (f *fakeLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l := f.lockFor(key)
	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

type noopSchedulers struct{}

func (noopSchedulers) ScheduleStallCheck(ctx context.Context, runID, snapshotID string, at time.Time) error {
	return nil
}
func (noopSchedulers) ScheduleWaitpointCompletion(ctx context.Context, waitpointID string, at time.Time) error {
	return nil
}
func (noopSchedulers) ScheduleExpire(ctx context.Context, runID string, at time.Time) error {
	return nil
}

func newTestEngine(t *testing.T) (*Engine, backend.Backend, *runqueue.Queue) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := runqueue.NewWithClient(client, runqueue.Config{Prefix: "test:", RandSource: rand.NewSource(1)})
	be := memory.New()
	locker := newFakeLocker()
	snapLog := snapshot.New(be, noopSchedulers{})
	kp := keys.New("test:")

	var eng *Engine
	wp := waitpoint.New(be, noopSchedulers{}, continuerFunc(func(ctx context.Context, runID string) error {
		return eng.ContinueRun(ctx, runID)
	}))
	eng = New(Config{
		Backend:  be,
		Queue:    q,
		Locker:   locker,
		Snapshot: snapLog,
		Keys:     kp,
	}, wp)

	return eng, be, q
}

type continuerFunc func(ctx context.Context, runID string) error

func (f continuerFunc) ContinueRun(ctx context.Context, runID string) error { return f(ctx, runID) }

func baseRequest(taskID string) TriggerRequest {
	return TriggerRequest{
		TaskIdentifier:  taskID,
		OrganizationID:  "org_1",
		ProjectID:       "proj_1",
		EnvironmentID:   "env_1",
		EnvironmentType: "PRODUCTION",
		QueueName:       "default",
		MaxAttempts:     3,
	}
}

// S1: a simple run triggers, dequeues, starts, and completes successfully.
func TestSimpleRunLifecycle(t *testing.T) {
	ctx := context.Background()
	eng, be, _ := newTestEngine(t)

	run, err := eng.Trigger(ctx, baseRequest("my-task"))
	require.NoError(t, err)
	require.Equal(t, backend.RunPending, run.Status)

	snap, err := be.LatestSnapshot(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, backend.SnapshotQueued, snap.ExecutionStatus)

	deq, err := eng.DequeueFromMasterQueue(ctx, "consumer_1", run.MasterQueue)
	require.NoError(t, err)
	require.Equal(t, run.ID, deq.Run.ID)

	started, err := eng.StartAttempt(ctx, run.ID, deq.SnapshotID, false)
	require.NoError(t, err)
	require.Equal(t, 1, started.Run.AttemptCount)
	require.Equal(t, backend.RunExecuting, started.Run.Status)

	result, err := eng.CompleteAttempt(ctx, run.ID, started.Snapshot.ID, Completion{OK: true, Output: []byte(`{"ok":true}`)})
	require.NoError(t, err)
	require.Equal(t, AttemptRunFinished, result.Status)
	require.Equal(t, backend.RunCompletedSuccessfully, result.Run.Status)

	final, err := be.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, final.Status.Terminal())
}

// S2: triggerAndWait — a parent blocked on a child's run-associated
// waitpoint unblocks only once the child reaches a terminal status.
func TestTriggerAndWaitUnblocksParentOnTerminalCompletion(t *testing.T) {
	ctx := context.Background()
	eng, be, _ := newTestEngine(t)

	parent, err := eng.Trigger(ctx, baseRequest("parent-task"))
	require.NoError(t, err)

	deqParent, err := eng.DequeueFromMasterQueue(ctx, "consumer_1", parent.MasterQueue)
	require.NoError(t, err)
	startedParent, err := eng.StartAttempt(ctx, parent.ID, deqParent.SnapshotID, false)
	require.NoError(t, err)

	childReq := baseRequest("child-task")
	childReq.ParentRunID = parent.ID
	childReq.ResumeParentOnCompletion = true
	child, err := eng.Trigger(ctx, childReq)
	require.NoError(t, err)

	parentAfterBlock, err := be.GetRun(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, backend.RunWaitingToResume, parentAfterBlock.Status)

	rows, err := be.RunWaitpoints(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	deqChild, err := eng.DequeueFromMasterQueue(ctx, "consumer_2", child.MasterQueue)
	require.NoError(t, err)
	startedChild, err := eng.StartAttempt(ctx, child.ID, deqChild.SnapshotID, false)
	require.NoError(t, err)

	_, err = eng.CompleteAttempt(ctx, child.ID, startedChild.Snapshot.ID, Completion{OK: true})
	require.NoError(t, err)

	rowsAfter, err := be.RunWaitpoints(ctx, parent.ID)
	require.NoError(t, err)
	require.Empty(t, rowsAfter)

	parentAfter, err := be.GetRun(ctx, parent.ID)
	require.NoError(t, err)
	require.NotEqual(t, backend.RunWaitingToResume, parentAfter.Status)

	_ = startedParent
}

// S3: a delayUntil run starts blocked on a datetime waitpoint and only
// enqueues once that waitpoint is completed.
func TestDelayedTriggerStartsBlocked(t *testing.T) {
	ctx := context.Background()
	eng, be, q := newTestEngine(t)

	delay := time.Now().Add(time.Hour)
	req := baseRequest("delayed-task")
	req.DelayUntil = &delay
	run, err := eng.Trigger(ctx, req)
	require.NoError(t, err)
	require.Equal(t, backend.RunDelayed, run.Status)

	snap, err := be.LatestSnapshot(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, backend.SnapshotBlockedByWaitpoints, snap.ExecutionStatus)

	_, err = eng.DequeueFromMasterQueue(ctx, "consumer_1", run.MasterQueue)
	require.ErrorIs(t, err, runqueue.ErrNoCandidate)

	rows, err := be.RunWaitpoints(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, eng.waitpoint.CompleteWaitpoint(ctx, rows[0].WaitpointID, nil, nil))

	deq, err := eng.DequeueFromMasterQueue(ctx, "consumer_1", run.MasterQueue)
	require.NoError(t, err)
	require.Equal(t, run.ID, deq.Run.ID)
	_ = q
}

// S6: a run with no remaining attempts after a failed completion finishes
// COMPLETED_WITH_ERRORS rather than retrying.
func TestFailedAttemptExhaustsRetriesAndFinishesWithErrors(t *testing.T) {
	ctx := context.Background()
	eng, be, _ := newTestEngine(t)

	req := baseRequest("flaky-task")
	req.MaxAttempts = 1
	run, err := eng.Trigger(ctx, req)
	require.NoError(t, err)

	deq, err := eng.DequeueFromMasterQueue(ctx, "consumer_1", run.MasterQueue)
	require.NoError(t, err)
	started, err := eng.StartAttempt(ctx, run.ID, deq.SnapshotID, false)
	require.NoError(t, err)

	result, err := eng.CompleteAttempt(ctx, run.ID, started.Snapshot.ID, Completion{
		OK:    false,
		Error: &backend.RunError{Type: "ERROR", Message: "boom"},
	})
	require.NoError(t, err)
	require.Equal(t, AttemptRunFinished, result.Status)
	require.Equal(t, backend.RunCompletedWithErrors, result.Run.Status)

	final, err := be.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, "boom", final.Error.Message)
}

// A failed completion with attempts remaining and a long retry delay is
// re-queued rather than retried inline.
func TestFailedAttemptWithRemainingAttemptsRetriesQueued(t *testing.T) {
	ctx := context.Background()
	eng, be, _ := newTestEngine(t)

	run, err := eng.Trigger(ctx, baseRequest("retryable-task"))
	require.NoError(t, err)

	deq, err := eng.DequeueFromMasterQueue(ctx, "consumer_1", run.MasterQueue)
	require.NoError(t, err)
	started, err := eng.StartAttempt(ctx, run.ID, deq.SnapshotID, false)
	require.NoError(t, err)

	result, err := eng.CompleteAttempt(ctx, run.ID, started.Snapshot.ID, Completion{
		OK:         false,
		Error:      &backend.RunError{Type: "ERROR", Message: "transient"},
		RetryDelay: time.Minute,
	})
	require.NoError(t, err)
	require.Equal(t, AttemptRetryQueued, result.Status)

	final, err := be.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, backend.RunPending, final.Status)
}

// StartAttempt rejects a stale snapshot id with a Conflict error so the
// caller knows to refetch state rather than silently double-starting.
func TestStartAttemptRejectsStaleSnapshot(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	run, err := eng.Trigger(ctx, baseRequest("my-task"))
	require.NoError(t, err)

	_, err = eng.DequeueFromMasterQueue(ctx, "consumer_1", run.MasterQueue)
	require.NoError(t, err)

	_, err = eng.StartAttempt(ctx, run.ID, "not-the-real-snapshot-id", false)
	require.Error(t, err)
}

// Cancel refuses to act on a run that has already reached a terminal
// status.
func TestCancelRejectsTerminalRun(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	run, err := eng.Trigger(ctx, baseRequest("my-task"))
	require.NoError(t, err)
	deq, err := eng.DequeueFromMasterQueue(ctx, "consumer_1", run.MasterQueue)
	require.NoError(t, err)
	started, err := eng.StartAttempt(ctx, run.ID, deq.SnapshotID, false)
	require.NoError(t, err)
	_, err = eng.CompleteAttempt(ctx, run.ID, started.Snapshot.ID, Completion{OK: true})
	require.NoError(t, err)

	_, err = eng.Cancel(ctx, run.ID)
	require.Error(t, err)
}
