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

// Package sqlite provides an embedded SQLite backend for single-node and
// test deployments of the run engine. It implements the same backend.Backend
// interface as the postgres package using modernc.org/sqlite, a pure-Go
// driver that requires no cgo toolchain.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombarlow/runengine/internal/backend"
)

var _ backend.Backend = (*Backend)(nil)

// Backend is a single-process SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path, or ":memory:" for an ephemeral
	// in-process database (used by tests).
	Path string
}

// New opens a SQLite backend and runs migrations.
func New(cfg Config) (*Backend, error) {
	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers at the file level; a single connection
	// avoids SQLITE_BUSY from concurrent writers within this process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	b := &Backend{db: db}
	if err := b.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) Close() error { return b.db.Close() }

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		friendly_id TEXT NOT NULL,
		task_identifier TEXT NOT NULL,
		payload BLOB,
		payload_type TEXT,
		organization_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		environment_id TEXT NOT NULL,
		environment_type TEXT NOT NULL,
		queue_name TEXT NOT NULL,
		master_queue TEXT NOT NULL,
		concurrency_key TEXT,
		idempotency_key TEXT,
		max_attempts INTEGER NOT NULL DEFAULT 1,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		ttl TEXT,
		delay_until DATETIME,
		tags TEXT,
		parent_run_id TEXT,
		parent_attempt_id TEXT,
		root_run_id TEXT,
		batch_id TEXT,
		depth INTEGER NOT NULL DEFAULT 0,
		resume_parent_on_completion INTEGER NOT NULL DEFAULT 0,
		associated_waitpoint_id TEXT,
		trace_context TEXT,
		status TEXT NOT NULL,
		error TEXT,
		started_at DATETIME,
		completed_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_environment ON runs(environment_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_idempotency ON runs(environment_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS execution_snapshots (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		execution_status TEXT NOT NULL,
		run_status TEXT NOT NULL,
		worker_id TEXT,
		description TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_run_created ON execution_snapshots(run_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS waitpoints (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		completed_after DATETIME,
		completed_by_run_id TEXT,
		idempotency_key TEXT,
		output BLOB,
		output_error TEXT,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_waitpoints_status ON waitpoints(status)`,
	`CREATE TABLE IF NOT EXISTS run_waitpoints (
		run_id TEXT NOT NULL,
		waitpoint_id TEXT NOT NULL REFERENCES waitpoints(id) ON DELETE CASCADE,
		project_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, waitpoint_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_waitpoints_run ON run_waitpoints(run_id)`,
	`CREATE TABLE IF NOT EXISTS task_queues (
		environment_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'NAMED',
		concurrency_limit INTEGER,
		rate_limit INTEGER,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (environment_id, name)
	)`,
}

func (b *Backend) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func marshalErr(e *backend.RunError) (any, error) {
	if e == nil {
		return nil, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalErr(data sql.NullString) (*backend.RunError, error) {
	if !data.Valid || data.String == "" {
		return nil, nil
	}
	var e backend.RunError
	if err := json.Unmarshal([]byte(data.String), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (b *Backend) CreateRun(ctx context.Context, run *backend.Run) error {
	tagsJSON, err := json.Marshal(run.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	errJSON, err := marshalErr(run.Error)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	now := time.Now()
	run.CreatedAt, run.UpdatedAt = now, now

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO runs (id, friendly_id, task_identifier, payload, payload_type,
			organization_id, project_id, environment_id, environment_type,
			queue_name, master_queue, concurrency_key, idempotency_key,
			max_attempts, attempt_count, ttl, delay_until, tags,
			parent_run_id, parent_attempt_id, root_run_id, batch_id, depth,
			resume_parent_on_completion, associated_waitpoint_id, trace_context, status, error,
			started_at, completed_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.FriendlyID, run.TaskIdentifier, run.Payload, run.PayloadType,
		run.OrganizationID, run.ProjectID, run.EnvironmentID, run.EnvironmentType,
		run.QueueName, run.MasterQueue, nullStr(run.ConcurrencyKey), nullStr(run.IdempotencyKey),
		run.MaxAttempts, run.AttemptCount, nullStr(run.TTL), run.DelayUntil, string(tagsJSON),
		nullStr(run.ParentRunID), nullStr(run.ParentAttemptID), nullStr(run.RootRunID), nullStr(run.BatchID), run.Depth,
		run.ResumeParentOnCompletion, nullStr(run.AssociatedWaitpointID), run.TraceContext, run.Status, errJSON,
		run.StartedAt, run.CompletedAt, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const runColumns = `id, friendly_id, task_identifier, payload, payload_type,
	organization_id, project_id, environment_id, environment_type,
	queue_name, master_queue, concurrency_key, idempotency_key,
	max_attempts, attempt_count, ttl, delay_until, tags,
	parent_run_id, parent_attempt_id, root_run_id, batch_id, depth,
	resume_parent_on_completion, associated_waitpoint_id, trace_context, status, error,
	started_at, completed_at, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*backend.Run, error) {
	var run backend.Run
	var tagsJSON sql.NullString
	var errJSON sql.NullString
	var concurrencyKey, idempotencyKey, ttl, parentRunID, parentAttemptID, rootRunID, batchID, associatedWaitpointID sql.NullString

	err := row.Scan(
		&run.ID, &run.FriendlyID, &run.TaskIdentifier, &run.Payload, &run.PayloadType,
		&run.OrganizationID, &run.ProjectID, &run.EnvironmentID, &run.EnvironmentType,
		&run.QueueName, &run.MasterQueue, &concurrencyKey, &idempotencyKey,
		&run.MaxAttempts, &run.AttemptCount, &ttl, &run.DelayUntil, &tagsJSON,
		&parentRunID, &parentAttemptID, &rootRunID, &batchID, &run.Depth,
		&run.ResumeParentOnCompletion, &associatedWaitpointID, &run.TraceContext, &run.Status, &errJSON,
		&run.StartedAt, &run.CompletedAt, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.ConcurrencyKey = concurrencyKey.String
	run.IdempotencyKey = idempotencyKey.String
	run.TTL = ttl.String
	run.ParentRunID = parentRunID.String
	run.ParentAttemptID = parentAttemptID.String
	run.RootRunID = rootRunID.String
	run.BatchID = batchID.String
	run.AssociatedWaitpointID = associatedWaitpointID.String
	if tagsJSON.Valid && tagsJSON.String != "" {
		json.Unmarshal([]byte(tagsJSON.String), &run.Tags)
	}
	run.Error, err = unmarshalErr(errJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal error field: %w", err)
	}
	return &run, nil
}

func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (b *Backend) GetRunByIdempotencyKey(ctx context.Context, environmentID, key string) (*backend.Run, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE environment_id = ? AND idempotency_key = ?`,
		environmentID, key)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run by idempotency key: %w", err)
	}
	return run, nil
}

func (b *Backend) UpdateRun(ctx context.Context, run *backend.Run) error {
	tagsJSON, err := json.Marshal(run.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	errJSON, err := marshalErr(run.Error)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	run.UpdatedAt = time.Now()

	res, err := b.db.ExecContext(ctx, `
		UPDATE runs SET status=?, attempt_count=?, error=?, tags=?,
			started_at=?, completed_at=?, updated_at=?, associated_waitpoint_id=?
		WHERE id=?`,
		run.Status, run.AttemptCount, errJSON, string(tagsJSON),
		run.StartedAt, run.CompletedAt, run.UpdatedAt, nullStr(run.AssociatedWaitpointID), run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run not found: %s", run.ID)
	}
	return nil
}

func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.EnvironmentID != "" {
		where = append(where, "environment_id = ?")
		args = append(args, filter.EnvironmentID)
	}
	if filter.TaskIdentifier != "" {
		where = append(where, "task_identifier = ?")
		args = append(args, filter.TaskIdentifier)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, filter.Offset)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*backend.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (b *Backend) AppendSnapshot(ctx context.Context, s *backend.ExecutionSnapshot) error {
	s.CreatedAt = time.Now()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO execution_snapshots (id, run_id, execution_status, run_status, worker_id, description, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.RunID, s.ExecutionStatus, s.RunStatus, nullStr(s.WorkerID), s.Description, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

func (b *Backend) LatestSnapshot(ctx context.Context, runID string) (*backend.ExecutionSnapshot, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, run_id, execution_status, run_status, worker_id, description, created_at
		FROM execution_snapshots WHERE run_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, runID)

	var s backend.ExecutionSnapshot
	var workerID sql.NullString
	err := row.Scan(&s.ID, &s.RunID, &s.ExecutionStatus, &s.RunStatus, &workerID, &s.Description, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no snapshot for run: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	s.WorkerID = workerID.String
	return &s, nil
}

func (b *Backend) ListSnapshots(ctx context.Context, runID string) ([]*backend.ExecutionSnapshot, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, run_id, execution_status, run_status, worker_id, description, created_at
		FROM execution_snapshots WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*backend.ExecutionSnapshot
	for rows.Next() {
		var s backend.ExecutionSnapshot
		var workerID sql.NullString
		if err := rows.Scan(&s.ID, &s.RunID, &s.ExecutionStatus, &s.RunStatus, &workerID, &s.Description, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		s.WorkerID = workerID.String
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (b *Backend) CreateWaitpoint(ctx context.Context, w *backend.Waitpoint) error {
	w.CreatedAt = time.Now()
	if w.Status == "" {
		w.Status = backend.WaitpointPending
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO waitpoints (id, project_id, type, status, completed_after, completed_by_run_id, idempotency_key, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		w.ID, w.ProjectID, w.Type, w.Status, w.CompletedAfter, nullStr(w.CompletedByRunID), nullStr(w.IdempotencyKey), w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create waitpoint: %w", err)
	}
	return nil
}

func (b *Backend) GetWaitpoint(ctx context.Context, id string) (*backend.Waitpoint, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, project_id, type, status, completed_after, completed_by_run_id,
			idempotency_key, output, output_error, created_at, completed_at
		FROM waitpoints WHERE id = ?`, id)

	var w backend.Waitpoint
	var completedByRunID, idempotencyKey, outputErrJSON sql.NullString
	err := row.Scan(&w.ID, &w.ProjectID, &w.Type, &w.Status, &w.CompletedAfter, &completedByRunID,
		&idempotencyKey, &w.Output, &outputErrJSON, &w.CreatedAt, &w.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("waitpoint not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get waitpoint: %w", err)
	}
	w.CompletedByRunID = completedByRunID.String
	w.IdempotencyKey = idempotencyKey.String
	w.OutputError, err = unmarshalErr(outputErrJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal output error: %w", err)
	}
	return &w, nil
}

// CompleteWaitpoint mirrors the postgres implementation. SQLite lacks
// SELECT ... FOR UPDATE; the single-writer-connection pool configured in
// New gives the same serialization for this backend's use (single-node).
func (b *Backend) CompleteWaitpoint(ctx context.Context, waitpointID string, output []byte, outputErr *backend.RunError) ([]string, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status backend.WaitpointStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM waitpoints WHERE id = ?`, waitpointID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("waitpoint not found: %s", waitpointID)
		}
		return nil, fmt.Errorf("lock waitpoint: %w", err)
	}
	if status == backend.WaitpointCompleted {
		return nil, tx.Commit()
	}

	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT run_id FROM run_waitpoints WHERE waitpoint_id = ?`, waitpointID)
	if err != nil {
		return nil, fmt.Errorf("load blocked runs: %w", err)
	}
	var blocked []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan blocked run: %w", err)
		}
		blocked = append(blocked, runID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_waitpoints WHERE waitpoint_id = ?`, waitpointID); err != nil {
		return nil, fmt.Errorf("delete run_waitpoints: %w", err)
	}

	errJSON, err := marshalErr(outputErr)
	if err != nil {
		return nil, fmt.Errorf("marshal output error: %w", err)
	}
	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE waitpoints SET status=?, output=?, output_error=?, completed_at=? WHERE id=?`,
		backend.WaitpointCompleted, output, errJSON, now, waitpointID,
	); err != nil {
		return nil, fmt.Errorf("mark waitpoint completed: %w", err)
	}

	var unblocked []string
	for _, runID := range blocked {
		var remaining int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_waitpoints WHERE run_id = ?`, runID).Scan(&remaining); err != nil {
			return nil, fmt.Errorf("count remaining waitpoints: %w", err)
		}
		if remaining == 0 {
			unblocked = append(unblocked, runID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return unblocked, nil
}

func (b *Backend) BlockRun(ctx context.Context, runID, waitpointID, projectID string) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO run_waitpoints (run_id, waitpoint_id, project_id, created_at)
		VALUES (?,?,?,?)
		ON CONFLICT (run_id, waitpoint_id) DO NOTHING`,
		runID, waitpointID, projectID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("block run: %w", err)
	}
	return nil
}

func (b *Backend) RunWaitpoints(ctx context.Context, runID string) ([]*backend.RunWaitpoint, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT run_id, waitpoint_id, project_id, created_at FROM run_waitpoints WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("run waitpoints: %w", err)
	}
	defer rows.Close()

	var out []*backend.RunWaitpoint
	for rows.Next() {
		var rw backend.RunWaitpoint
		if err := rows.Scan(&rw.RunID, &rw.WaitpointID, &rw.ProjectID, &rw.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run_waitpoint: %w", err)
		}
		out = append(out, &rw)
	}
	return out, rows.Err()
}

func (b *Backend) UnblockedRunIDsOlderThan(ctx context.Context, status backend.RunStatus, age time.Duration) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT r.id FROM runs r
		LEFT JOIN run_waitpoints rw ON rw.run_id = r.id
		WHERE r.status = ? AND r.updated_at < ? AND rw.run_id IS NULL`,
		status, time.Now().Add(-age),
	)
	if err != nil {
		return nil, fmt.Errorf("scan stuck runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stuck run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *Backend) UpsertTaskQueue(ctx context.Context, q *backend.TaskQueue) error {
	q.UpdatedAt = time.Now()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO task_queues (environment_id, name, type, concurrency_limit, rate_limit, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (environment_id, name) DO UPDATE SET
			type = excluded.type,
			concurrency_limit = excluded.concurrency_limit,
			rate_limit = excluded.rate_limit,
			updated_at = excluded.updated_at`,
		q.EnvironmentID, q.Name, q.Type, q.ConcurrencyLimit, q.RateLimit, q.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task queue: %w", err)
	}
	return nil
}

func (b *Backend) GetTaskQueue(ctx context.Context, environmentID, name string) (*backend.TaskQueue, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT environment_id, name, type, concurrency_limit, rate_limit, updated_at
		FROM task_queues WHERE environment_id = ? AND name = ?`, environmentID, name)

	var q backend.TaskQueue
	err := row.Scan(&q.EnvironmentID, &q.Name, &q.Type, &q.ConcurrencyLimit, &q.RateLimit, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task queue: %w", err)
	}
	return &q, nil
}
