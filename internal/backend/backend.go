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

// Package backend provides the relational storage interfaces for the run
// engine.
//
// # Interface Hierarchy
//
// The package uses interface segregation to allow minimal implementations:
//
//   - RunStore (core, required): CreateRun, GetRun, GetRunByIdempotencyKey, UpdateRun
//   - SnapshotStore (core, required): AppendSnapshot, LatestSnapshot, ListSnapshots
//   - WaitpointStore (optional): waitpoint and RunWaitpoint management
//   - TaskQueueStore (optional): TaskQueue concurrency-limit persistence
//
// Backend composes all of these for full-featured implementations. A
// minimal backend used in narrow unit tests need only implement RunStore
// and SnapshotStore.
package backend

import (
	"context"
	"io"
	"time"
)

// RunStatus is the lifecycle status of a Run.
type RunStatus string

const (
	RunPending                 RunStatus = "PENDING"
	RunDelayed                 RunStatus = "DELAYED"
	RunExecuting                RunStatus = "EXECUTING"
	RunWaitingToResume         RunStatus = "WAITING_TO_RESUME"
	RunCompletedSuccessfully   RunStatus = "COMPLETED_SUCCESSFULLY"
	RunCompletedWithErrors     RunStatus = "COMPLETED_WITH_ERRORS"
	RunSystemFailure           RunStatus = "SYSTEM_FAILURE"
	RunCrashed                 RunStatus = "CRASHED"
	RunExpired                 RunStatus = "EXPIRED"
	RunCanceled                RunStatus = "CANCELED"
)

// Terminal reports whether a RunStatus is a terminal state: no queue entry
// and no RunWaitpoint rows may exist for a run in one of these statuses.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompletedSuccessfully, RunCompletedWithErrors, RunSystemFailure, RunCrashed, RunExpired, RunCanceled:
		return true
	default:
		return false
	}
}

// ExecutionStatus is the status carried by an ExecutionSnapshot.
type ExecutionStatus string

const (
	SnapshotRunCreated              ExecutionStatus = "RUN_CREATED"
	SnapshotQueued                  ExecutionStatus = "QUEUED"
	SnapshotDequeuedForExecution    ExecutionStatus = "DEQUEUED_FOR_EXECUTION"
	SnapshotExecuting               ExecutionStatus = "EXECUTING"
	SnapshotExecutingWithWaitpoints ExecutionStatus = "EXECUTING_WITH_WAITPOINTS"
	SnapshotBlockedByWaitpoints     ExecutionStatus = "BLOCKED_BY_WAITPOINTS"
	SnapshotPendingExecuting        ExecutionStatus = "PENDING_EXECUTING"
	SnapshotPendingCancel           ExecutionStatus = "PENDING_CANCEL"
	SnapshotSuspended               ExecutionStatus = "SUSPENDED"
	SnapshotFinished                ExecutionStatus = "FINISHED"
)

// WaitpointType distinguishes how a Waitpoint becomes COMPLETED.
type WaitpointType string

const (
	WaitpointRun      WaitpointType = "RUN"
	WaitpointDateTime WaitpointType = "DATETIME"
	WaitpointManual   WaitpointType = "MANUAL"
)

// WaitpointStatus is PENDING until completion; COMPLETED is terminal.
type WaitpointStatus string

const (
	WaitpointPending   WaitpointStatus = "PENDING"
	WaitpointCompleted WaitpointStatus = "COMPLETED"
)

// TaskQueueType distinguishes a concrete named queue from a concurrency-key
// sub-partition of one.
type TaskQueueType string

const (
	TaskQueueNamed   TaskQueueType = "NAMED"
	TaskQueueVirtual TaskQueueType = "VIRTUAL"
)

// RunError is the structured error object retained on a terminal Run and
// exposed to callers and webhook deliveries.
type RunError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Run represents a single invocation of a task with a given payload.
type Run struct {
	ID              string    `json:"id"`
	FriendlyID      string    `json:"friendly_id"`
	TaskIdentifier  string    `json:"task_identifier"`
	Payload         []byte    `json:"payload,omitempty"`
	PayloadType     string    `json:"payload_type,omitempty"`
	OrganizationID  string    `json:"organization_id"`
	ProjectID       string    `json:"project_id"`
	EnvironmentID   string    `json:"environment_id"`
	EnvironmentType string    `json:"environment_type"`
	QueueName       string    `json:"queue_name"`
	MasterQueue     string    `json:"master_queue"`
	ConcurrencyKey  string    `json:"concurrency_key,omitempty"`
	IdempotencyKey  string    `json:"idempotency_key,omitempty"`
	MaxAttempts     int       `json:"max_attempts"`
	AttemptCount    int       `json:"attempt_count"`
	TTL             string    `json:"ttl,omitempty"`
	DelayUntil      *time.Time `json:"delay_until,omitempty"`
	Tags            []string  `json:"tags,omitempty"`

	ParentRunID              string `json:"parent_run_id,omitempty"`
	ParentAttemptID          string `json:"parent_attempt_id,omitempty"`
	RootRunID                string `json:"root_run_id,omitempty"`
	BatchID                  string `json:"batch_id,omitempty"`
	Depth                    int    `json:"depth"`
	ResumeParentOnCompletion bool   `json:"resume_parent_on_completion"`

	// AssociatedWaitpointID is the RUN-type waitpoint this run completes on
	// terminal status, letting a parent blocked via triggerAndWait unblock.
	AssociatedWaitpointID string `json:"associated_waitpoint_id,omitempty"`

	TraceContext string `json:"trace_context,omitempty"`

	Status RunStatus `json:"status"`
	Error  *RunError `json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ExecutionSnapshot is an append-only record of a run's execution status at
// a point in time. Only the latest snapshot for a run is authoritative.
type ExecutionSnapshot struct {
	ID              string          `json:"id"`
	RunID           string          `json:"run_id"`
	ExecutionStatus ExecutionStatus `json:"execution_status"`
	RunStatus       RunStatus       `json:"run_status"`
	WorkerID        string          `json:"worker_id,omitempty"`
	Description     string          `json:"description,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Waitpoint is a completion token a run can block on.
type Waitpoint struct {
	ID               string          `json:"id"`
	ProjectID        string          `json:"project_id"`
	Type             WaitpointType   `json:"type"`
	Status           WaitpointStatus `json:"status"`
	CompletedAfter   *time.Time      `json:"completed_after,omitempty"`
	CompletedByRunID string          `json:"completed_by_run_id,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	Output           []byte          `json:"output,omitempty"`
	OutputError      *RunError       `json:"output_error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// RunWaitpoint is the join row recording that a run is blocked by a
// waitpoint. Presence means blocked; absence means unblocked.
type RunWaitpoint struct {
	RunID       string    `json:"run_id"`
	WaitpointID string    `json:"waitpoint_id"`
	ProjectID   string    `json:"project_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskQueue holds the concurrency/rate limits for a named queue.
type TaskQueue struct {
	EnvironmentID    string        `json:"environment_id"`
	Name             string        `json:"name"`
	Type             TaskQueueType `json:"type"`
	ConcurrencyLimit *int          `json:"concurrency_limit,omitempty"`
	RateLimit        *int          `json:"rate_limit,omitempty"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// RunFilter contains filtering options for listing runs.
type RunFilter struct {
	Status          RunStatus
	EnvironmentID   string
	TaskIdentifier  string
	Limit           int
	Offset          int
}

// RunStore is the core interface for run storage operations.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	GetRunByIdempotencyKey(ctx context.Context, environmentID, key string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
}

// SnapshotStore is the append-only execution-snapshot log.
type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, snapshot *ExecutionSnapshot) error
	LatestSnapshot(ctx context.Context, runID string) (*ExecutionSnapshot, error)
	ListSnapshots(ctx context.Context, runID string) ([]*ExecutionSnapshot, error)
}

// WaitpointStore manages waitpoints and the RunWaitpoint blocking set.
//
// CompleteWaitpoint must run transactionally at READ COMMITTED isolation
// and perform, in order: load blocking RunWaitpoint rows, delete them, mark
// the waitpoint COMPLETED, and report which runs were unblocked (had no
// remaining RunWaitpoint rows) so the caller can continue them.
type WaitpointStore interface {
	CreateWaitpoint(ctx context.Context, w *Waitpoint) error
	GetWaitpoint(ctx context.Context, id string) (*Waitpoint, error)
	CompleteWaitpoint(ctx context.Context, waitpointID string, output []byte, outputErr *RunError) (unblockedRunIDs []string, err error)
	BlockRun(ctx context.Context, runID, waitpointID, projectID string) error
	RunWaitpoints(ctx context.Context, runID string) ([]*RunWaitpoint, error)
	UnblockedRunIDsOlderThan(ctx context.Context, status RunStatus, age time.Duration) ([]string, error)
}

// TaskQueueStore persists per-queue concurrency/rate limits.
type TaskQueueStore interface {
	UpsertTaskQueue(ctx context.Context, q *TaskQueue) error
	GetTaskQueue(ctx context.Context, environmentID, name string) (*TaskQueue, error)
}

// Backend composes all segregated interfaces for full-featured
// implementations, plus io.Closer for lifecycle management.
type Backend interface {
	RunStore
	SnapshotStore
	WaitpointStore
	TaskQueueStore
	io.Closer
}
