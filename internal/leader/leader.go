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

// Package leader provides leader election so the WAITING_TO_RESUME
// consistency scanner (spec.md §4.4's lost-wakeup detector) runs on only
// one of a run engine deployment's parallel worker processes at a time.
package leader

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// AdvisoryLockID is the Postgres advisory lock ID backing leader
// election: the ASCII bytes of "runengin" read as a big-endian int64.
const AdvisoryLockID int64 = 0x72756E656E67696E // "runengin" in hex

// Elector reports and maintains whether this process is the leader.
type Elector interface {
	IsLeader() bool
	Start(ctx context.Context)
	Stop()
}

// PostgresElector manages leader election using a Postgres advisory lock,
// for deployments running multiple engine processes against one database.
type PostgresElector struct {
	db         *sql.DB
	instanceID string
	isLeader   bool
	mu         sync.RWMutex
	stopCh     chan struct{}
	doneCh     chan struct{}
	logger     *slog.Logger
}

// Config contains leader election configuration.
type Config struct {
	DB            *sql.DB
	InstanceID    string
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// NewElector creates a new Postgres-backed elector.
func NewElector(cfg Config) *PostgresElector {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresElector{
		db:         cfg.DB,
		instanceID: cfg.InstanceID,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     logger.With(slog.String("component", "leader"), slog.String("instance_id", cfg.InstanceID)),
	}
}

// Start begins the leader election loop in the background.
func (e *PostgresElector) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop halts the election loop, releasing leadership if held.
func (e *PostgresElector) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

// IsLeader reports whether this instance currently holds the lock.
func (e *PostgresElector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

func (e *PostgresElector) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	e.tryAcquire(ctx)

	for {
		select {
		case <-ctx.Done():
			e.release(ctx)
			return
		case <-e.stopCh:
			e.release(ctx)
			return
		case <-ticker.C:
			if !e.IsLeader() {
				e.tryAcquire(ctx)
			} else if !e.verify(ctx) {
				e.setLeader(false)
				e.logger.Warn("lost leadership, will retry")
			}
		}
	}
}

func (e *PostgresElector) tryAcquire(ctx context.Context) {
	var acquired bool
	if err := e.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", AdvisoryLockID).Scan(&acquired); err != nil {
		e.logger.Error("failed to acquire leadership", slog.Any("error", err))
		return
	}
	if acquired {
		e.setLeader(true)
		e.logger.Info("acquired leadership")
	}
}

func (e *PostgresElector) verify(ctx context.Context) bool {
	var holding bool
	err := e.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			AND classid = ($1 >> 32)::int
			AND objid = ($1 & 4294967295)::int
			AND pid = pg_backend_pid()
		)
	`, AdvisoryLockID).Scan(&holding)
	if err != nil {
		e.logger.Error("failed to verify leadership", slog.Any("error", err))
		return false
	}
	return holding
}

func (e *PostgresElector) release(ctx context.Context) {
	if !e.IsLeader() {
		return
	}
	if _, err := e.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", AdvisoryLockID); err != nil {
		e.logger.Error("failed to release leadership", slog.Any("error", err))
	}
	e.setLeader(false)
	e.logger.Info("released leadership")
}

func (e *PostgresElector) setLeader(isLeader bool) {
	e.mu.Lock()
	e.isLeader = isLeader
	e.mu.Unlock()
}

// AlwaysLeader is the trivial Elector for single-process deployments
// (memory/sqlite backends), where there is no other process to contend
// with for the scanner.
type AlwaysLeader struct{}

func (AlwaysLeader) IsLeader() bool       { return true }
func (AlwaysLeader) Start(context.Context) {}
func (AlwaysLeader) Stop()                 {}
