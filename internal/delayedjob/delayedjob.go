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

// Package delayedjob implements a durable timer queue backed by Redis: a
// sorted set of job ids keyed by availableAt, with a visibility timeout so
// a crashed worker's claimed jobs become eligible for another worker to
// pick up again. Deterministic job ids (e.g. "heartbeatSnapshot.{snapshotId}")
// make re-scheduling the same logical job idempotent.
package delayedjob

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler processes a single job's payload. Returning an error causes the
// job to be retried after the visibility timeout elapses; returning nil
// acknowledges and removes it.
type Handler func(ctx context.Context, payload []byte) error

// Job is a durable timer entry.
type Job struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Payload     []byte    `json:"payload"`
	AvailableAt time.Time `json:"available_at"`
	Attempts    int       `json:"attempts"`
}

// Config configures the Worker.
type Config struct {
	Prefix string
	// PollInterval is how often the worker looks for due jobs. Defaults to
	// 1s.
	PollInterval time.Duration
	// VisibilityTimeout bounds how long a claimed job is hidden from other
	// workers before it is presumed abandoned and becomes visible again.
	// Defaults to 5s, per spec.
	VisibilityTimeout time.Duration
	Logger            *slog.Logger
}

// Worker polls due jobs and dispatches them to registered handlers.
type Worker struct {
	client   redis.UniversalClient
	prefix   string
	interval time.Duration
	vt       time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(client redis.UniversalClient, cfg Config) *Worker {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	vt := cfg.VisibilityTimeout
	if vt <= 0 {
		vt = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "runengine:"
	}
	return &Worker{
		client:   client,
		prefix:   prefix,
		interval: interval,
		vt:       vt,
		logger:   logger.With(slog.String("component", "delayedjob")),
		handlers: make(map[string]Handler),
	}
}

func (w *Worker) pendingKey() string    { return w.prefix + "delayedjob:pending" }
func (w *Worker) processingKey() string { return w.prefix + "delayedjob:processing" }
func (w *Worker) bodyKey(id string) string {
	return w.prefix + "delayedjob:body:" + id
}

// RegisterHandler binds a job type to the function that processes it. Must
// be called before Start.
func (w *Worker) RegisterHandler(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// Enqueue schedules a job for availableAt. If a job with the same id is
// already pending, its schedule and payload are overwritten (re-scheduling
// collapses onto the deterministic id rather than creating a duplicate).
func (w *Worker) Enqueue(ctx context.Context, id, jobType string, payload []byte, availableAt time.Time) error {
	job := Job{ID: id, Type: jobType, Payload: payload, AvailableAt: availableAt}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := w.client.TxPipeline()
	pipe.Set(ctx, w.bodyKey(id), body, 0)
	pipe.ZAdd(ctx, w.pendingKey(), redis.Z{Score: float64(availableAt.UnixMilli()), Member: id})
	pipe.ZRem(ctx, w.processingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(ctx)
}

func (w *Worker) Stop() {
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick reclaims visibility-timed-out jobs back into pending, then claims
// and dispatches every job now due.
func (w *Worker) tick(ctx context.Context) {
	now := time.Now()

	expired, err := w.client.ZRangeByScore(ctx, w.processingKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.Add(-w.vt).UnixMilli()),
	}).Result()
	if err != nil {
		w.logger.Error("failed to scan expired processing jobs", slog.Any("error", err))
	}
	for _, id := range expired {
		w.requeue(ctx, id, now)
	}

	due, err := w.client.ZRangeByScore(ctx, w.pendingKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		w.logger.Error("failed to scan due jobs", slog.Any("error", err))
		return
	}

	for _, id := range due {
		w.claimAndRun(ctx, id)
	}
}

func (w *Worker) requeue(ctx context.Context, id string, now time.Time) {
	pipe := w.client.TxPipeline()
	pipe.ZRem(ctx, w.processingKey(), id)
	pipe.ZAdd(ctx, w.pendingKey(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Error("failed to requeue abandoned job", slog.String("job_id", id), slog.Any("error", err))
	}
}

func (w *Worker) claimAndRun(ctx context.Context, id string) {
	moved, err := w.client.ZRem(ctx, w.pendingKey(), id).Result()
	if err != nil {
		w.logger.Error("failed to claim job", slog.String("job_id", id), slog.Any("error", err))
		return
	}
	if moved == 0 {
		// Another worker already claimed it between scan and claim.
		return
	}
	if err := w.client.ZAdd(ctx, w.processingKey(), redis.Z{
		Score: float64(time.Now().UnixMilli()), Member: id,
	}).Err(); err != nil {
		w.logger.Error("failed to mark job processing", slog.String("job_id", id), slog.Any("error", err))
		return
	}

	body, err := w.client.Get(ctx, w.bodyKey(id)).Bytes()
	if err != nil {
		w.logger.Error("failed to load job body", slog.String("job_id", id), slog.Any("error", err))
		_ = w.client.ZRem(ctx, w.processingKey(), id).Err()
		return
	}
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		w.logger.Error("failed to unmarshal job", slog.String("job_id", id), slog.Any("error", err))
		_ = w.client.ZRem(ctx, w.processingKey(), id).Err()
		return
	}

	w.mu.RLock()
	handler, ok := w.handlers[job.Type]
	w.mu.RUnlock()
	if !ok {
		w.logger.Error("no handler registered for job type", slog.String("job_type", job.Type), slog.String("job_id", id))
		_ = w.client.ZRem(ctx, w.processingKey(), id).Err()
		return
	}

	go w.invoke(ctx, job, handler)
}

func (w *Worker) invoke(ctx context.Context, job Job, handler Handler) {
	if err := handler(ctx, job.Payload); err != nil {
		w.logger.Warn("delayed job handler failed, will retry", slog.String("job_id", job.ID), slog.String("job_type", job.Type), slog.Any("error", err))
		// Leave it in the processing set; tick's expiry scan will requeue
		// it once the visibility timeout elapses.
		return
	}
	w.Ack(ctx, job.ID)
}

// Ack removes a job permanently. Safe to call on an already-removed id.
func (w *Worker) Ack(ctx context.Context, id string) {
	pipe := w.client.TxPipeline()
	pipe.ZRem(ctx, w.processingKey(), id)
	pipe.ZRem(ctx, w.pendingKey(), id)
	pipe.Del(ctx, w.bodyKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Error("failed to ack job", slog.String("job_id", id), slog.Any("error", err))
	}
}

// Nack returns a job to pending, due at retryAt, without waiting for its
// visibility timeout, for callers that want to force an early retry.
func (w *Worker) Nack(ctx context.Context, id string, retryAt time.Time) error {
	pipe := w.client.TxPipeline()
	pipe.ZRem(ctx, w.processingKey(), id)
	pipe.ZAdd(ctx, w.pendingKey(), redis.Z{Score: float64(retryAt.UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}
