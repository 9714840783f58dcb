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

// Package lock provides a per-key distributed lock backed by Postgres
// session-level advisory locks, used to serialize state transitions on a
// single run across every engine process.
package lock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config configures the Locker.
type Config struct {
	// DB is the database connection pool locks are acquired against. A
	// dedicated *sql.Conn is checked out of it for the lifetime of each
	// held lock, since Postgres advisory locks are scoped to the session
	// that took them.
	DB *sql.DB

	// LeaseCheckInterval is how often a held lock pings its connection to
	// detect a dead session early instead of only on the next operation.
	// Defaults to 500ms.
	LeaseCheckInterval time.Duration

	// MaxAcquireRetries bounds how many times Lock retries after a failed
	// non-blocking acquisition attempt. Defaults to 10.
	MaxAcquireRetries int

	Logger *slog.Logger
}

// Locker acquires keyed advisory locks.
type Locker struct {
	db       *sql.DB
	interval time.Duration
	retries  int
	logger   *slog.Logger
}

func New(cfg Config) *Locker {
	interval := cfg.LeaseCheckInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	retries := cfg.MaxAcquireRetries
	if retries <= 0 {
		retries = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{db: cfg.DB, interval: interval, retries: retries, logger: logger.With(slog.String("component", "lock"))}
}

// Lease represents a held advisory lock. Call Release when done; it is
// safe to call exactly once.
type Lease struct {
	conn    *sql.Conn
	lockID  int64
	key     string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
	mu      sync.Mutex
	broken  bool
}

// Broken reports whether the lease's connection was observed to have
// failed its keepalive ping, meaning the advisory lock may already have
// been released by Postgres. Callers should treat the protected section as
// no longer exclusive and abort.
func (l *Lease) Broken() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broken
}

func lockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// Lock acquires the advisory lock for key, retrying with jittered backoff
// until acquired, the retry budget is exhausted, or ctx is cancelled.
func (loc *Locker) Lock(ctx context.Context, key string) (*Lease, error) {
	id := lockID(key)

	conn, err := loc.db.Conn(ctx)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond

	attempts := 0
	for {
		var acquired bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&acquired); err != nil {
			_ = conn.Close()
			return nil, err
		}
		if acquired {
			break
		}
		attempts++
		if attempts > loc.retries {
			_ = conn.Close()
			return nil, ErrAcquireTimeout
		}
		d := bo.NextBackOff()
		jitter := time.Duration(rand.Int63n(int64(40 * time.Millisecond)))
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, ctx.Err()
		case <-time.After(d + jitter):
		}
	}

	leaseCtx, cancel := context.WithCancel(context.Background())
	lease := &Lease{conn: conn, lockID: id, key: key, cancel: cancel, logger: loc.logger}
	lease.wg.Add(1)
	go lease.keepalive(leaseCtx, loc.interval)
	return lease, nil
}

func (l *Lease) keepalive(ctx context.Context, interval time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.conn.PingContext(ctx); err != nil {
				l.mu.Lock()
				l.broken = true
				l.mu.Unlock()
				l.logger.Warn("lock lease connection failed keepalive ping", slog.String("key", l.key), slog.Any("error", err))
				return
			}
		}
	}
}

// Release releases the advisory lock and returns the connection to the
// pool. Safe to call once; calling it twice is a no-op on the second call.
func (l *Lease) Release(ctx context.Context) error {
	l.cancel()
	l.wg.Wait()

	if l.conn == nil {
		return nil
	}
	defer func() {
		_ = l.conn.Close()
		l.conn = nil
	}()

	if l.Broken() {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}

// WithLock acquires the lock for key, runs fn, and releases the lock
// regardless of fn's outcome. If the lease breaks mid-flight fn's result
// is still returned, but callers should check the returned error in that
// case and treat any writes performed under fn as unsafe to trust.
func (loc *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lease, err := loc.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release(ctx) }()

	if err := fn(ctx); err != nil {
		return err
	}
	if lease.Broken() {
		return ErrLeaseBroken
	}
	return nil
}
