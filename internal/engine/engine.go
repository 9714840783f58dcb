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

// Package engine implements the Run Engine state machine: the public
// trigger/dequeue/startAttempt/complete/expire/systemFailure API that
// orchestrates the Run Queue, Snapshot Log, and Waitpoint Manager under a
// per-run distributed lock so no two engine processes interleave state
// transitions for the same run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	runengineerrors "github.com/tombarlow/runengine/internal/errors"

	"github.com/tombarlow/runengine/internal/backend"
	"github.com/tombarlow/runengine/internal/engine/snapshot"
	"github.com/tombarlow/runengine/internal/engine/waitpoint"
	"github.com/tombarlow/runengine/internal/metrics"
	"github.com/tombarlow/runengine/internal/runqueue"
	"github.com/tombarlow/runengine/internal/runqueue/keys"
)

// RetryImmediatelyThreshold is the boundary below which a retry delay is
// handled by the caller sleeping and re-invoking StartAttempt rather than
// by re-enqueueing the run.
const RetryImmediatelyThreshold = 5 * time.Second

// AttemptStatus is returned from CompleteAttempt to tell the runner what
// happens next.
type AttemptStatus string

const (
	AttemptRunFinished      AttemptStatus = "RUN_FINISHED"
	AttemptRunPendingCancel AttemptStatus = "RUN_PENDING_CANCEL"
	AttemptRetryQueued      AttemptStatus = "RETRY_QUEUED"
	AttemptRetryImmediately AttemptStatus = "RETRY_IMMEDIATELY"
)

// Locker is the subset of internal/lock.Locker the engine depends on,
// narrowed so tests can inject a fake.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Clock allows tests to control "now".
type Clock func() time.Time

// Config wires the Run Engine's collaborators.
type Config struct {
	Backend  backend.Backend
	Queue    *runqueue.Queue
	Locker   Locker
	Snapshot *snapshot.Log
	Keys     *keys.Producer
	Logger   *slog.Logger
	Clock    Clock

	// ExpireScheduler schedules the delayed expireRun job for runs created
	// with a TTL.
	ExpireScheduler ExpireScheduler
}

// ExpireScheduler schedules the delayed job that calls Expire(runID) once
// a run's TTL elapses without being dequeued.
type ExpireScheduler interface {
	ScheduleExpire(ctx context.Context, runID string, at time.Time) error
}

// Engine implements the Run Engine component.
type Engine struct {
	backend   backend.Backend
	queue     *runqueue.Queue
	lock      Locker
	snapshots *snapshot.Log
	waitpoint *waitpoint.Manager
	keys      *keys.Producer
	logger    *slog.Logger
	now       Clock
	expirer   ExpireScheduler
}

// New constructs an Engine. The caller must have already wired the
// Waitpoint Manager with this Engine as its Continuer, which requires
// constructing the Engine first and the Manager second — see NewWithWaitpoint.
func New(cfg Config, wp *waitpoint.Manager) *Engine {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		backend:   cfg.Backend,
		queue:     cfg.Queue,
		lock:      cfg.Locker,
		snapshots: cfg.Snapshot,
		waitpoint: wp,
		keys:      cfg.Keys,
		logger:    logger.With(slog.String("component", "engine")),
		now:       now,
		expirer:   cfg.ExpireScheduler,
	}
}

func runLockKey(runID string) string { return "run:" + runID }

// deferredContinuer breaks the construction cycle between Engine and
// waitpoint.Manager: the Manager needs a Continuer at construction time,
// but the only Continuer implementation is the Engine, which needs the
// Manager to construct. NewWithWaitpoint wires one through this
// indirection instead of asking every caller to replicate it.
type deferredContinuer struct{ engine *Engine }

func (d *deferredContinuer) ContinueRun(ctx context.Context, runID string) error {
	return d.engine.ContinueRun(ctx, runID)
}

// NewWithWaitpoint constructs the Engine and its Waitpoint Manager
// together, resolving the circular dependency between them (the Manager
// calls back into the Engine's ContinueRun once a waitpoint it completed
// has no blocked runs left).
func NewWithWaitpoint(cfg Config, store backend.WaitpointStore, scheduler waitpoint.DateTimeScheduler) (*Engine, *waitpoint.Manager) {
	d := &deferredContinuer{}
	wp := waitpoint.New(store, scheduler, d)
	eng := New(cfg, wp)
	d.engine = eng
	return eng, wp
}

// Backend exposes the underlying storage backend, used by the supervisor
// API's heartbeat handler to read run state without duplicating Engine's
// constructor wiring.
func (e *Engine) Backend() backend.Backend { return e.backend }

// Snapshots exposes the snapshot log, used by handlers that only need to
// read the latest snapshot rather than drive a state transition.
func (e *Engine) Snapshots() *snapshot.Log { return e.snapshots }

// TriggerRequest carries the inputs to Trigger, mirroring the Run fields
// in spec.md §3 plus the parent-linkage options.
type TriggerRequest struct {
	TaskIdentifier  string
	Payload         []byte
	PayloadType     string
	OrganizationID  string
	ProjectID       string
	EnvironmentID   string
	EnvironmentType string
	QueueName       string
	ConcurrencyKey  string
	IdempotencyKey  string
	MaxAttempts     int
	TTL             time.Duration
	DelayUntil      *time.Time
	Tags            []string

	ParentRunID              string
	ParentAttemptID          string
	RootRunID                string
	BatchID                  string
	Depth                    int
	ResumeParentOnCompletion bool

	TraceContext string

	// QueueConcurrencyLimit, if non-nil, upserts the TaskQueue's
	// concurrency limit before enqueueing.
	QueueConcurrencyLimit *int
}

func (r *TriggerRequest) descriptor() keys.QueueDescriptor {
	return keys.QueueDescriptor{
		OrganizationID:  r.OrganizationID,
		ProjectID:       r.ProjectID,
		EnvironmentType: r.EnvironmentType,
		EnvironmentID:   r.EnvironmentID,
		QueueName:       r.QueueName,
		ConcurrencyKey:  r.ConcurrencyKey,
	}
}

func (e *Engine) masterQueue(d keys.QueueDescriptor) string {
	return e.keys.SharedQueueKey(d)
}

// Trigger creates a run and, unless it starts blocked, enqueues it.
// Idempotency: if idempotencyKey matches an existing non-terminal run in
// the same environment, that run is returned unchanged with no new run,
// snapshot, or waitpoint created.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (*backend.Run, error) {
	if req.TaskIdentifier == "" {
		return nil, runengineerrors.Validation("task_identifier", "is required")
	}
	if req.EnvironmentID == "" {
		return nil, runengineerrors.Validation("environment_id", "is required")
	}

	if req.IdempotencyKey != "" {
		existing, err := e.backend.GetRunByIdempotencyKey(ctx, req.EnvironmentID, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("check idempotency key: %w", err)
		}
		if existing != nil && !existing.Status.Terminal() {
			return existing, nil
		}
	}

	id := uuid.NewString()
	run := &backend.Run{
		ID:                       id,
		FriendlyID:               friendlyID(req.TaskIdentifier, id),
		TaskIdentifier:           req.TaskIdentifier,
		Payload:                  req.Payload,
		PayloadType:              req.PayloadType,
		OrganizationID:           req.OrganizationID,
		ProjectID:                req.ProjectID,
		EnvironmentID:            req.EnvironmentID,
		EnvironmentType:          req.EnvironmentType,
		QueueName:                req.QueueName,
		MasterQueue:              e.masterQueue(req.descriptor()),
		ConcurrencyKey:           req.ConcurrencyKey,
		IdempotencyKey:           req.IdempotencyKey,
		MaxAttempts:              req.MaxAttempts,
		DelayUntil:               req.DelayUntil,
		Tags:                     req.Tags,
		ParentRunID:              req.ParentRunID,
		ParentAttemptID:          req.ParentAttemptID,
		RootRunID:                req.RootRunID,
		BatchID:                  req.BatchID,
		Depth:                    req.Depth,
		ResumeParentOnCompletion: req.ResumeParentOnCompletion,
		TraceContext:             req.TraceContext,
	}
	if req.MaxAttempts <= 0 {
		run.MaxAttempts = 1
	}
	if req.TTL > 0 {
		run.TTL = req.TTL.String()
	}
	if req.DelayUntil != nil {
		run.Status = backend.RunDelayed
	} else {
		run.Status = backend.RunPending
	}

	var result *backend.Run
	err := e.lock.WithLock(ctx, runLockKey(id), func(ctx context.Context) error {
		if err := e.backend.CreateRun(ctx, run); err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		if _, err := e.snapshots.Create(ctx, run.ID, backend.SnapshotRunCreated, run.Status, "run created", ""); err != nil {
			return err
		}

		wR, err := e.waitpoint.CreateRunAssociatedWaitpoint(ctx, req.ProjectID, run.ID)
		if err != nil {
			return err
		}
		run.AssociatedWaitpointID = wR.ID
		if err := e.backend.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("record associated waitpoint: %w", err)
		}

		if req.ResumeParentOnCompletion && req.ParentRunID != "" {
			parentID := req.ParentRunID
			err := e.lock.WithLock(ctx, runLockKey(parentID), func(ctx context.Context) error {
				parent, err := e.backend.GetRun(ctx, parentID)
				if err != nil {
					return fmt.Errorf("load parent run: %w", err)
				}
				if err := e.queue.BlockMessage(ctx, parentID, e.messageFor(parent)); err != nil {
					return fmt.Errorf("release parent concurrency: %w", err)
				}
				parent.Status = backend.RunWaitingToResume
				if err := e.backend.UpdateRun(ctx, parent); err != nil {
					return fmt.Errorf("update parent to waiting-to-resume: %w", err)
				}
				return e.blockRun(ctx, parentID, wR, parent.Status)
			})
			if err != nil {
				return fmt.Errorf("block parent on child waitpoint: %w", err)
			}
		}

		if req.QueueConcurrencyLimit != nil {
			d := req.descriptor()
			if err := e.backend.UpsertTaskQueue(ctx, &backend.TaskQueue{
				EnvironmentID:    req.EnvironmentID,
				Name:             req.QueueName,
				Type:             backend.TaskQueueNamed,
				ConcurrencyLimit: req.QueueConcurrencyLimit,
			}); err != nil {
				return fmt.Errorf("upsert task queue: %w", err)
			}
			if err := e.queue.UpdateQueueConcurrencyLimits(ctx, d, *req.QueueConcurrencyLimit); err != nil {
				return fmt.Errorf("push queue concurrency limit: %w", err)
			}
		}

		blocked := false
		if req.DelayUntil != nil {
			dw, err := e.waitpoint.CreateDateTimeWaitpoint(ctx, req.ProjectID, *req.DelayUntil)
			if err != nil {
				return err
			}
			if err := e.blockRun(ctx, run.ID, dw, run.Status); err != nil {
				return err
			}
			blocked = true
		} else if req.TTL > 0 && e.expirer != nil {
			if err := e.expirer.ScheduleExpire(ctx, run.ID, e.now().Add(req.TTL)); err != nil {
				return fmt.Errorf("schedule expire: %w", err)
			}
		}

		if !blocked {
			if err := e.enqueueRun(ctx, run); err != nil {
				return err
			}
		}

		result = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordTrigger(result.TaskIdentifier)
	return result, nil
}

func friendlyID(taskIdentifier, id string) string {
	if len(id) < 8 {
		return "run_" + id
	}
	return "run_" + id[:8]
}

// blockRun records the RunWaitpoint row and transitions the blocked run's
// snapshot to BLOCKED_BY_WAITPOINTS, releasing its queue slot if it held
// one. Called under the caller's lock on runID.
func (e *Engine) blockRun(ctx context.Context, runID string, w *backend.Waitpoint, runStatus backend.RunStatus) error {
	if err := e.waitpoint.BlockRunWithWaitpoint(ctx, runID, w); err != nil {
		return err
	}
	if _, err := e.snapshots.Create(ctx, runID, backend.SnapshotBlockedByWaitpoints, runStatus, "blocked on waitpoint "+w.ID, ""); err != nil {
		return err
	}
	return nil
}

// messageFor rebuilds the runqueue.Message envelope for run. The queue
// derives every Redis key it touches from these descriptor fields, so
// callers must always populate the full set rather than a bare id.
func (e *Engine) messageFor(run *backend.Run) *runqueue.Message {
	return &runqueue.Message{
		ID:              run.ID,
		RunID:           run.ID,
		TaskIdentifier:  run.TaskIdentifier,
		OrganizationID:  run.OrganizationID,
		ProjectID:       run.ProjectID,
		EnvironmentID:   run.EnvironmentID,
		EnvironmentType: run.EnvironmentType,
		QueueName:       run.QueueName,
		ConcurrencyKey:  run.ConcurrencyKey,
		EnqueuedAt:      e.now(),
		AttemptCount:    run.AttemptCount,
	}
}

func (e *Engine) enqueueRun(ctx context.Context, run *backend.Run) error {
	msg := e.messageFor(run)
	if err := e.queue.EnqueueMessage(ctx, msg, 0); err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}
	if _, err := e.snapshots.Create(ctx, run.ID, backend.SnapshotQueued, run.Status, "enqueued", ""); err != nil {
		return err
	}
	return nil
}

// DequeuedMessage is returned to a supervisor's long-poll.
type DequeuedMessage struct {
	Run        *backend.Run
	SnapshotID string
}

// DequeueFromMasterQueue calls the Run Queue's dequeue and, on a hit,
// verifies the run's latest snapshot under its lock before handing the
// payload to the caller.
func (e *Engine) DequeueFromMasterQueue(ctx context.Context, consumerID, masterQueue string) (*DequeuedMessage, error) {
	msg, err := e.queue.DequeueMessageInSharedQueue(ctx, consumerID, masterQueue)
	if err != nil {
		return nil, err
	}

	var out *DequeuedMessage
	err = e.lock.WithLock(ctx, runLockKey(msg.RunID), func(ctx context.Context) error {
		latest, err := e.snapshots.Latest(ctx, msg.RunID)
		if err != nil {
			return err
		}
		if latest.ExecutionStatus != backend.SnapshotQueued && latest.ExecutionStatus != backend.SnapshotBlockedByWaitpoints {
			run, gerr := e.backend.GetRun(ctx, msg.RunID)
			if gerr != nil {
				return gerr
			}
			return e.systemFailureLocked(ctx, run, runengineerrors.Internal(runengineerrors.CodeNoExecutionSnapshot, nil,
				"dequeued run %s had unexpected snapshot status %s", msg.RunID, latest.ExecutionStatus))
		}

		run, err := e.backend.GetRun(ctx, msg.RunID)
		if err != nil {
			return fmt.Errorf("load dequeued run: %w", err)
		}
		s, err := e.snapshots.Create(ctx, run.ID, backend.SnapshotDequeuedForExecution, run.Status, "dequeued for execution", consumerID)
		if err != nil {
			return err
		}
		out = &DequeuedMessage{Run: run, SnapshotID: s.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordDequeue(out.Run.EnvironmentType)
	return out, nil
}

// Attempt is a single execution try of a run.
type Attempt struct {
	ID         string
	RunID      string
	Number     int
	SnapshotID string
	StartedAt  time.Time
}

// StartAttemptResult is returned from StartAttempt.
type StartAttemptResult struct {
	Run       *backend.Run
	Snapshot  *backend.ExecutionSnapshot
	Execution Attempt
}

// StartAttempt requires snapshotID to equal the run's latest snapshot id;
// a mismatch means a concurrent transition already happened and is
// surfaced as a 409 Conflict for the caller to retry against the new
// state.
func (e *Engine) StartAttempt(ctx context.Context, runID, snapshotID string, isWarmStart bool) (*StartAttemptResult, error) {
	var out *StartAttemptResult
	err := e.lock.WithLock(ctx, runLockKey(runID), func(ctx context.Context) error {
		latest, err := e.snapshots.Latest(ctx, runID)
		if err != nil {
			return err
		}
		if latest.ID != snapshotID {
			return runengineerrors.Conflict("snapshot", "stale snapshot id for run %s", runID)
		}

		run, err := e.backend.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		run.AttemptCount++
		run.Status = backend.RunExecuting
		run.StartedAt = ptrTime(e.now())
		if err := e.backend.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("update run for attempt start: %w", err)
		}

		desc := "attempt started"
		if isWarmStart {
			desc = "attempt started (warm start)"
		}
		s, err := e.snapshots.Create(ctx, runID, backend.SnapshotExecuting, run.Status, desc, latest.WorkerID)
		if err != nil {
			return err
		}

		out = &StartAttemptResult{
			Run:      run,
			Snapshot: s,
			Execution: Attempt{
				ID:         uuid.NewString(),
				RunID:      runID,
				Number:     run.AttemptCount,
				SnapshotID: s.ID,
				StartedAt:  e.now(),
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func ptrTime(t time.Time) *time.Time { return &t }

// Completion is the result a runner submits for an attempt.
type Completion struct {
	OK     bool
	Output []byte
	Error  *backend.RunError
	// RetryDelay is set when OK is false and the runner/engine decided a
	// retry is appropriate (see spec.md §4.6 completeAttempt).
	RetryDelay time.Duration
}

// CompleteAttemptResult reports what happens next for the caller.
type CompleteAttemptResult struct {
	Status   AttemptStatus
	Run      *backend.Run
	Snapshot *backend.ExecutionSnapshot
}

// CompleteAttempt resolves an attempt's outcome per spec.md §4.6: success
// finishes the run and completes its waitpoint; failure retries
// (immediately if the delay is under RetryImmediatelyThreshold and
// attempts remain, otherwise re-queued) or finishes the run with errors.
func (e *Engine) CompleteAttempt(ctx context.Context, runID, snapshotID string, c Completion) (*CompleteAttemptResult, error) {
	var out *CompleteAttemptResult
	err := e.lock.WithLock(ctx, runLockKey(runID), func(ctx context.Context) error {
		latest, err := e.snapshots.Latest(ctx, runID)
		if err != nil {
			return err
		}
		if latest.ID != snapshotID {
			return runengineerrors.Conflict("snapshot", "stale snapshot id for run %s", runID)
		}

		run, err := e.backend.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}

		if c.OK {
			return e.finishRun(ctx, run, backend.RunCompletedSuccessfully, nil, c.Output, &out)
		}

		if c.Error != nil && c.Error.Type == "ABORTED" {
			run.Status = backend.RunCanceled
			return e.finishRun(ctx, run, backend.RunCanceled, c.Error, nil, &out)
		}

		if c.RetryDelay > 0 && run.AttemptCount < run.MaxAttempts {
			if c.RetryDelay < RetryImmediatelyThreshold {
				s, serr := e.snapshots.Create(ctx, runID, backend.SnapshotExecuting, run.Status, "retrying immediately", "")
				if serr != nil {
					return serr
				}
				out = &CompleteAttemptResult{Status: AttemptRetryImmediately, Run: run, Snapshot: s}
				return nil
			}
			if err := e.queue.AcknowledgeMessage(ctx, "", e.messageFor(run)); err != nil {
				e.logger.Warn("ack before retry-queue failed", slog.String("run_id", run.ID), slog.Any("error", err))
			}
			run.Status = backend.RunPending
			if err := e.backend.UpdateRun(ctx, run); err != nil {
				return fmt.Errorf("update run for retry: %w", err)
			}
			if err := e.enqueueRunAt(ctx, run, e.now().Add(c.RetryDelay)); err != nil {
				return err
			}
			latestAfter, err := e.snapshots.Latest(ctx, runID)
			if err != nil {
				return err
			}
			out = &CompleteAttemptResult{Status: AttemptRetryQueued, Run: run, Snapshot: latestAfter}
			return nil
		}

		return e.finishRun(ctx, run, backend.RunCompletedWithErrors, c.Error, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) enqueueRunAt(ctx context.Context, run *backend.Run, availableAt time.Time) error {
	msg := e.messageFor(run)
	offset := availableAt.Sub(e.now()).Milliseconds()
	if err := e.queue.EnqueueMessage(ctx, msg, offset); err != nil {
		return fmt.Errorf("enqueue retry: %w", err)
	}
	if _, err := e.snapshots.Create(ctx, run.ID, backend.SnapshotQueued, run.Status, "retry queued", ""); err != nil {
		return err
	}
	return nil
}

// finishRun appends the FINISHED snapshot, updates the run to its
// terminal status, and completes its associated run-type waitpoint so any
// parent blocked via triggerAndWait unblocks. out must be a non-nil
// pointer receiving the result.
func (e *Engine) finishRun(ctx context.Context, run *backend.Run, status backend.RunStatus, runErr *backend.RunError, output []byte, out **CompleteAttemptResult) error {
	run.Status = status
	run.Error = runErr
	run.CompletedAt = ptrTime(e.now())
	if err := e.backend.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("update run to terminal status: %w", err)
	}

	if err := e.queue.AcknowledgeMessage(ctx, "", e.messageFor(run)); err != nil {
		e.logger.Warn("acknowledge on finish failed", slog.String("run_id", run.ID), slog.Any("error", err))
	}

	s, err := e.snapshots.Create(ctx, run.ID, backend.SnapshotFinished, run.Status, "run finished", "")
	if err != nil {
		return err
	}

	if w, err := e.findAssociatedWaitpoint(ctx, run); err == nil && w != nil {
		if err := e.waitpoint.CompleteWaitpoint(ctx, w.ID, output, runErr); err != nil {
			return fmt.Errorf("complete associated waitpoint: %w", err)
		}
	}

	metrics.RecordRunCompleted(string(status))
	if run.StartedAt != nil {
		metrics.ObserveAttemptDuration(run.TaskIdentifier, e.now().Sub(*run.StartedAt))
	}

	*out = &CompleteAttemptResult{Status: AttemptRunFinished, Run: run, Snapshot: s}
	return nil
}

// findAssociatedWaitpoint returns the RUN-type waitpoint run completes on
// terminal status, so a parent blocked via triggerAndWait can unblock.
func (e *Engine) findAssociatedWaitpoint(ctx context.Context, run *backend.Run) (*backend.Waitpoint, error) {
	if run.AssociatedWaitpointID == "" {
		return nil, nil
	}
	return e.waitpoint.Get(ctx, run.AssociatedWaitpointID)
}

// Expire transitions a run that never started executing to EXPIRED,
// removing it from the queue and completing its waitpoint with an
// "expired" error.
func (e *Engine) Expire(ctx context.Context, runID string) error {
	return e.lock.WithLock(ctx, runLockKey(runID), func(ctx context.Context) error {
		latest, err := e.snapshots.Latest(ctx, runID)
		if err != nil {
			return err
		}
		switch latest.ExecutionStatus {
		case backend.SnapshotRunCreated, backend.SnapshotQueued, backend.SnapshotBlockedByWaitpoints:
		default:
			return nil
		}

		run, err := e.backend.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		run.Status = backend.RunExpired
		run.Error = &backend.RunError{Type: "EXPIRED", Message: "run exceeded its ttl before being dequeued"}
		run.CompletedAt = ptrTime(e.now())
		if err := e.backend.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("update run to expired: %w", err)
		}

		if err := e.queue.AcknowledgeMessage(ctx, "", e.messageFor(run)); err != nil {
			e.logger.Warn("acknowledge on expire failed", slog.String("run_id", run.ID), slog.Any("error", err))
		}

		if _, err := e.snapshots.Create(ctx, run.ID, backend.SnapshotFinished, run.Status, "run expired", ""); err != nil {
			return err
		}

		if w, err := e.findAssociatedWaitpoint(ctx, run); err == nil && w != nil {
			if err := e.waitpoint.CompleteWaitpoint(ctx, w.ID, nil, run.Error); err != nil {
				return fmt.Errorf("complete associated waitpoint on expire: %w", err)
			}
		}
		return nil
	})
}

// SystemFailure is a terminal failure path for internal-error conditions
// raised anywhere in the engine, e.g. CodeNoExecutionSnapshot.
func (e *Engine) SystemFailure(ctx context.Context, runID string, cause error) error {
	return e.lock.WithLock(ctx, runLockKey(runID), func(ctx context.Context) error {
		run, err := e.backend.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		return e.systemFailureLocked(ctx, run, cause)
	})
}

// systemFailureLocked assumes the caller already holds the run's lock.
func (e *Engine) systemFailureLocked(ctx context.Context, run *backend.Run, cause error) error {
	runErr := &backend.RunError{Type: "SYSTEM_FAILURE", Message: cause.Error()}
	var ie *runengineerrors.InternalError
	if errors.As(cause, &ie) {
		runErr.Code = string(ie.Code)
	}

	run.Status = backend.RunSystemFailure
	run.Error = runErr
	run.CompletedAt = ptrTime(e.now())
	if err := e.backend.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("update run to system failure: %w", err)
	}

	if err := e.queue.AcknowledgeMessage(ctx, "", e.messageFor(run)); err != nil {
		e.logger.Warn("acknowledge on system failure failed", slog.String("run_id", run.ID), slog.Any("error", err))
	}

	if _, err := e.snapshots.Create(ctx, run.ID, backend.SnapshotFinished, run.Status, cause.Error(), ""); err != nil {
		return err
	}

	if w, werr := e.findAssociatedWaitpoint(ctx, run); werr == nil && w != nil {
		if err := e.waitpoint.CompleteWaitpoint(ctx, w.ID, nil, runErr); err != nil {
			return fmt.Errorf("complete associated waitpoint on system failure: %w", err)
		}
	}
	return nil
}

// WaitForDuration validates snapshotID, creates a datetime waitpoint for
// date, and blocks the run on it — the runner-initiated suspend path.
func (e *Engine) WaitForDuration(ctx context.Context, runID, snapshotID string, date time.Time) (*backend.Waitpoint, error) {
	var w *backend.Waitpoint
	err := e.lock.WithLock(ctx, runLockKey(runID), func(ctx context.Context) error {
		latest, err := e.snapshots.Latest(ctx, runID)
		if err != nil {
			return err
		}
		if latest.ID != snapshotID {
			return runengineerrors.Conflict("snapshot", "stale snapshot id for run %s", runID)
		}

		run, err := e.backend.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}

		dw, err := e.waitpoint.CreateDateTimeWaitpoint(ctx, run.ProjectID, date)
		if err != nil {
			return err
		}

		if err := e.queue.BlockMessage(ctx, runID, e.messageFor(run)); err != nil {
			return fmt.Errorf("block message for duration wait: %w", err)
		}

		run.Status = backend.RunWaitingToResume
		if err := e.backend.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("update run to waiting-to-resume: %w", err)
		}

		if err := e.blockRun(ctx, run.ID, dw, run.Status); err != nil {
			return err
		}
		w = dw
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Cancel appends a PENDING_CANCEL snapshot. The runner observes it via
// notify/poll, terminates the child process, and submits a completion
// with an ABORTED error that CompleteAttempt translates to CANCELED.
func (e *Engine) Cancel(ctx context.Context, runID string) (*backend.ExecutionSnapshot, error) {
	var s *backend.ExecutionSnapshot
	err := e.lock.WithLock(ctx, runLockKey(runID), func(ctx context.Context) error {
		run, err := e.backend.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		if run.Status.Terminal() {
			return runengineerrors.Conflict("run", "run %s is already terminal", runID)
		}
		var cerr error
		s, cerr = e.snapshots.Create(ctx, runID, backend.SnapshotPendingCancel, run.Status, "cancel requested", "")
		return cerr
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// crashRetryDelay is the fixed backoff applied when a stalled EXECUTING
// attempt is failed out with CRASHED and attempts remain. Unlike a
// runner-reported failure, a stall carries no signal about how soon a
// retry might succeed, so a flat delay stands in for one.
const crashRetryDelay = 30 * time.Second

// RecoverStalledAttempt is the stall-check recovery handler registered
// against the delayed-job worker (spec.md §4.5): it re-verifies snapshotID
// is still latest for runID before acting, since a live transition always
// wins over a stale timer. Recovery depends on the execution status the
// run stalled in: QUEUED re-enqueues (covering a message lost from Redis
// without a corresponding snapshot change), EXECUTING fails the attempt
// as CRASHED, and BLOCKED_BY_WAITPOINTS rechecks whether the run's
// waitpoints have all completed without ContinueRun having landed.
func (e *Engine) RecoverStalledAttempt(ctx context.Context, runID, snapshotID string) error {
	latest, err := e.snapshots.Latest(ctx, runID)
	if err != nil {
		return err
	}
	if latest.ID != snapshotID {
		return nil
	}
	metrics.RecordStallCheckFired(string(latest.ExecutionStatus))

	switch latest.ExecutionStatus {
	case backend.SnapshotQueued:
		return e.lock.WithLock(ctx, runLockKey(runID), func(ctx context.Context) error {
			run, err := e.backend.GetRun(ctx, runID)
			if err != nil {
				return fmt.Errorf("load run: %w", err)
			}
			if run.Status.Terminal() {
				return nil
			}
			return e.queue.EnqueueMessage(ctx, e.messageFor(run), 0)
		})

	case backend.SnapshotExecuting:
		_, err := e.CompleteAttempt(ctx, runID, snapshotID, Completion{
			OK:         false,
			Error:      &backend.RunError{Type: "CRASHED", Message: "no heartbeat received before stall-check deadline"},
			RetryDelay: crashRetryDelay,
		})
		return err

	case backend.SnapshotBlockedByWaitpoints:
		return e.ContinueRun(ctx, runID)

	default:
		return nil
	}
}

// ContinueRun implements waitpoint.Continuer: it is the only mechanism
// that moves a run out of the blocked state once its last RunWaitpoint
// row has been removed. It re-acquires concurrency and re-enqueues,
// degrading to re-queue-at-back on contention per spec.md's Open
// Questions resolution (see DESIGN.md).
func (e *Engine) ContinueRun(ctx context.Context, runID string) error {
	return e.lock.WithLock(ctx, runLockKey(runID), func(ctx context.Context) error {
		rows, err := e.waitpoint.RunWaitpoints(ctx, runID)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			// Still blocked on another waitpoint; nothing to do yet.
			return nil
		}

		run, err := e.backend.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		if run.Status.Terminal() {
			return nil
		}

		reacquired, err := e.queue.ReacquireConcurrency(ctx, e.messageFor(run))
		if err != nil {
			return fmt.Errorf("reacquire concurrency: %w", err)
		}

		latest, err := e.snapshots.Latest(ctx, runID)
		if err != nil {
			return err
		}

		if reacquired && latest.WorkerID != "" {
			run.Status = backend.RunExecuting
			if err := e.backend.UpdateRun(ctx, run); err != nil {
				return fmt.Errorf("update run to executing on resume: %w", err)
			}
			_, err := e.snapshots.Create(ctx, runID, backend.SnapshotExecuting, run.Status, "resumed with live worker", latest.WorkerID)
			return err
		}

		run.Status = backend.RunPending
		if err := e.backend.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("update run to pending on resume: %w", err)
		}
		return e.enqueueRun(ctx, run)
	})
}

