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

// Package runqueue implements the Redis-backed, fair, weighted,
// multi-tenant priority queue with per-environment, per-queue and
// per-task-identifier concurrency enforcement (there is no
// per-organisation limit).
package runqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tombarlow/runengine/internal/runqueue/keys"
	"github.com/tombarlow/runengine/internal/runqueue/priority"
)

// ErrNoCandidate is returned by DequeueMessageInSharedQueue when no message
// is currently available under any candidate's concurrency budget.
var ErrNoCandidate = errors.New("runqueue: no candidate")

// Message is a queue element. The payload itself is stored by reference
// under a message:{id} key; queue sorted sets hold only ids.
type Message struct {
	ID              string    `json:"id"`
	RunID           string    `json:"run_id"`
	TaskIdentifier  string    `json:"task_identifier"`
	OrganizationID  string    `json:"organization_id"`
	ProjectID       string    `json:"project_id"`
	EnvironmentID   string    `json:"environment_id"`
	EnvironmentType string    `json:"environment_type"`
	QueueName       string    `json:"queue_name"`
	ConcurrencyKey  string    `json:"concurrency_key,omitempty"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
	AttemptCount    int       `json:"attempt_count"`
}

func (m *Message) descriptor() keys.QueueDescriptor {
	return keys.QueueDescriptor{
		OrganizationID:  m.OrganizationID,
		ProjectID:       m.ProjectID,
		EnvironmentType: m.EnvironmentType,
		EnvironmentID:   m.EnvironmentID,
		QueueName:       m.QueueName,
		ConcurrencyKey:  m.ConcurrencyKey,
	}
}

// Config configures the Redis connection backing the run queue.
type Config struct {
	// RedisURL is a redis:// or rediss:// connection URL.
	RedisURL string
	// Prefix namespaces every key the queue writes.
	Prefix string
	// QueueCandidates / EnvironmentCandidates bound the Priority Strategy's
	// candidate-set size. Zero uses the package defaults.
	QueueCandidates       int
	EnvironmentCandidates int
	// RandSource, if set, makes candidate selection deterministic (tests).
	RandSource rand.Source
}

// Queue is the Redis-backed run queue.
type Queue struct {
	client   redis.UniversalClient
	keys     *keys.Producer
	envs     *priority.Strategy
	queues   *priority.Strategy
	queueN   int
	envN     int
}

// New connects to Redis and returns a Queue.
func New(cfg Config) (*Queue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an already-constructed client, used by tests against
// miniredis and by callers sharing a client with the delayed-job worker.
func NewWithClient(client redis.UniversalClient, cfg Config) *Queue {
	queueN := cfg.QueueCandidates
	if queueN <= 0 {
		queueN = priority.DefaultQueueCandidates
	}
	envN := cfg.EnvironmentCandidates
	if envN <= 0 {
		envN = priority.DefaultEnvironmentCandidates
	}
	return &Queue{
		client: client,
		keys:   keys.New(cfg.Prefix),
		envs:   priority.New(cfg.RandSource),
		queues: priority.New(cfg.RandSource),
		queueN: queueN,
		envN:   envN,
	}
}

func (q *Queue) Close() error {
	if c, ok := q.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// EnqueueMessage appends the message id to its queue's sorted set with
// score = enqueuedAt_ms + priorityOffset, writes the message body, and
// records the queue/env membership so dequeue candidate discovery can find
// it again.
func (q *Queue) EnqueueMessage(ctx context.Context, msg *Message, priorityOffsetMs int64) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	d := msg.descriptor()
	queueKey := q.keys.QueueKey(d)
	score := float64(msg.EnqueuedAt.UnixMilli() + priorityOffsetMs)

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.keys.MessageKey(msg.ID), body, 0)
	pipe.Set(ctx, q.keys.MessageTaskIdentifierKey(msg.ID), msg.TaskIdentifier, 0)
	pipe.ZAdd(ctx, queueKey, redis.Z{Score: score, Member: msg.ID})
	pipe.SAdd(ctx, q.envQueueIndexKey(d), queueKey)
	pipe.SAdd(ctx, q.masterEnvIndexKey(msg.MasterQueueKey(q.keys)), q.keys.EnvCurrentConcurrencyKey(d))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	return nil
}

// MasterQueueKey exposes the shared-queue key for this message's
// environment, used to group env candidates under one master queue.
func (m *Message) MasterQueueKey(p *keys.Producer) string {
	return p.SharedQueueKey(m.descriptor())
}

func (q *Queue) envQueueIndexKey(d keys.QueueDescriptor) string {
	return q.keys.EnvCurrentConcurrencyKey(d) + ":queues"
}

func (q *Queue) masterEnvIndexKey(masterQueueKey string) string {
	return masterQueueKey + ":envs"
}

// DequeueMessageInSharedQueue performs the two-level priority selection
// described in the run queue's design: choose an environment under
// masterQueue via the Priority Strategy subject to its concurrency budget,
// then within it choose a queue, then attempt a single atomic dequeue
// against that queue. On a failed attempt (limit exceeded or queue empty
// by the time the script runs) it retries against the next candidate, up
// to the candidate-set size, before reporting ErrNoCandidate.
func (q *Queue) DequeueMessageInSharedQueue(ctx context.Context, consumerID, masterQueue string) (*Message, error) {
	envKeys, err := q.client.SMembers(ctx, q.masterEnvIndexKey(masterQueue)).Result()
	if err != nil {
		return nil, fmt.Errorf("list env candidates: %w", err)
	}
	if len(envKeys) == 0 {
		return nil, ErrNoCandidate
	}

	envCandidates := make([]priority.Candidate, len(envKeys))
	for i, k := range envKeys {
		envCandidates[i] = priority.Candidate{Key: k, Weight: 1}
	}

	tried := map[string]bool{}
	for attempt := 0; attempt < q.envN && len(tried) < len(envCandidates); attempt++ {
		envConcKey, ok := q.envs.Choose(remaining(envCandidates, tried), q.envN)
		if !ok {
			break
		}
		tried[envConcKey] = true

		msg, err := q.dequeueFromEnv(ctx, consumerID, envConcKey)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, ErrNoCandidate) {
			return nil, err
		}
	}
	return nil, ErrNoCandidate
}

func remaining(candidates []priority.Candidate, tried map[string]bool) []priority.Candidate {
	out := make([]priority.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !tried[c.Key] {
			out = append(out, c)
		}
	}
	return out
}

func (q *Queue) dequeueFromEnv(ctx context.Context, consumerID, envConcKey string) (*Message, error) {
	queueKeys, err := q.client.SMembers(ctx, envConcKey+":queues").Result()
	if err != nil {
		return nil, fmt.Errorf("list queue candidates: %w", err)
	}
	if len(queueKeys) == 0 {
		return nil, ErrNoCandidate
	}
	candidates := make([]priority.Candidate, len(queueKeys))
	for i, k := range queueKeys {
		candidates[i] = priority.Candidate{Key: k, Weight: 1}
	}

	tried := map[string]bool{}
	envLimitKey := trimConcurrencySuffix(envConcKey) + ":concurrency"
	for attempt := 0; attempt < q.queueN && len(tried) < len(candidates); attempt++ {
		queueKey, ok := q.queues.Choose(remaining(candidates, tried), q.queueN)
		if !ok {
			break
		}
		tried[queueKey] = true

		id, err := q.tryDequeue(ctx, consumerID, queueKey, envConcKey, envLimitKey)
		if err != nil {
			return nil, err
		}
		if id == "" {
			continue
		}
		return q.loadMessage(ctx, id)
	}
	return nil, ErrNoCandidate
}

func trimConcurrencySuffix(key string) string {
	const suffix = ":currentConcurrency"
	if len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix {
		return key[:len(key)-len(suffix)]
	}
	return key
}

func (q *Queue) tryDequeue(ctx context.Context, consumerID, queueKey, envConcKey, envLimitKey string) (string, error) {
	queueConcKey := q.keys.QueueCurrentConcurrencyKey(queueKey)
	queueLimitKey := q.keys.QueueConcurrencyLimitKey(queueKey)

	// The task identifier of whichever message the script's ZRANGE picks
	// isn't known until it runs, so the script resolves it itself from the
	// per-message task-identifier side key and derives that task's
	// concurrency/limit keys inline; we only hand it the prefix/suffix to
	// build that side key's name for the id it selects.
	taskIDPrefix, taskIDSuffix := q.keys.MessageTaskIdentifierKeyParts()
	res, err := dequeueScript.Run(ctx, q.client, []string{
		queueKey, queueConcKey, queueLimitKey, envConcKey, envLimitKey, q.keys.InFlightKey(consumerID),
	}, consumerID, taskIDPrefix, taskIDSuffix).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue script: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return "", nil
	}
	return id, nil
}

func (q *Queue) loadMessage(ctx context.Context, id string) (*Message, error) {
	body, err := q.client.Get(ctx, q.keys.MessageKey(id)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("load message body: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}

// AcknowledgeMessage releases the concurrency counters held by a message,
// removes it from the in-flight set, and deletes its body. Idempotent.
func (q *Queue) AcknowledgeMessage(ctx context.Context, consumerID string, msg *Message) error {
	d := msg.descriptor()
	taskConcKey := q.keys.TaskConcurrencyKey(d, msg.TaskIdentifier)

	_, err := ackScript.Run(ctx, q.client, []string{
		q.keys.QueueCurrentConcurrencyKey(q.keys.QueueKey(d)),
		q.keys.EnvCurrentConcurrencyKey(d),
		taskConcKey,
		q.keys.InFlightKey(consumerID),
		q.keys.MessageKey(msg.ID),
		q.keys.MessageTaskIdentifierKey(msg.ID),
	}, msg.ID).Result()
	if err != nil {
		return fmt.Errorf("acknowledge message: %w", err)
	}
	return nil
}

// NackMessage releases concurrency counters and reinserts the message into
// its queue with score = retryAt (defaults to now). Idempotent.
func (q *Queue) NackMessage(ctx context.Context, consumerID string, msg *Message, retryAt time.Time) error {
	if retryAt.IsZero() {
		retryAt = time.Now()
	}
	d := msg.descriptor()
	taskConcKey := q.keys.TaskConcurrencyKey(d, msg.TaskIdentifier)

	_, err := nackScript.Run(ctx, q.client, []string{
		q.keys.QueueCurrentConcurrencyKey(q.keys.QueueKey(d)),
		q.keys.EnvCurrentConcurrencyKey(d),
		taskConcKey,
		q.keys.InFlightKey(consumerID),
		q.keys.QueueKey(d),
	}, msg.ID, strconv.FormatInt(retryAt.UnixMilli(), 10)).Result()
	if err != nil {
		return fmt.Errorf("nack message: %w", err)
	}
	return nil
}

// ReacquireConcurrency attempts to re-take the concurrency slots for a
// message without re-dequeueing it, used when resuming a run after
// suspension. Returns false if any limit would be exceeded, signalling the
// caller to re-queue instead.
func (q *Queue) ReacquireConcurrency(ctx context.Context, msg *Message) (bool, error) {
	d := msg.descriptor()
	queueKey := q.keys.QueueKey(d)
	taskConcKey := q.keys.TaskConcurrencyKey(d, msg.TaskIdentifier)
	taskLimitKey := q.keys.TaskConcurrencyLimitKey(d, msg.TaskIdentifier)

	res, err := reacquireScript.Run(ctx, q.client, []string{
		q.keys.QueueCurrentConcurrencyKey(queueKey), q.keys.QueueConcurrencyLimitKey(queueKey),
		q.keys.EnvCurrentConcurrencyKey(d), q.keys.EnvConcurrencyLimitKey(d),
		taskConcKey, taskLimitKey,
	}, msg.ID).Result()
	if err != nil {
		return false, fmt.Errorf("reacquire concurrency: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// UpdateQueueConcurrencyLimits writes the scalar limit key for a queue.
// Does not affect in-flight counts.
func (q *Queue) UpdateQueueConcurrencyLimits(ctx context.Context, d keys.QueueDescriptor, limit int) error {
	queueKey := q.keys.QueueKey(d)
	if err := q.client.Set(ctx, q.keys.QueueConcurrencyLimitKey(queueKey), limit, 0).Err(); err != nil {
		return fmt.Errorf("update queue concurrency limit: %w", err)
	}
	return nil
}

// RemoveQueueConcurrencyLimits deletes the limit key, making the queue
// inherit the environment's limit.
func (q *Queue) RemoveQueueConcurrencyLimits(ctx context.Context, d keys.QueueDescriptor) error {
	queueKey := q.keys.QueueKey(d)
	if err := q.client.Del(ctx, q.keys.QueueConcurrencyLimitKey(queueKey)).Err(); err != nil {
		return fmt.Errorf("remove queue concurrency limit: %w", err)
	}
	return nil
}

// UpdateTaskConcurrencyLimits writes the scalar concurrency limit for a
// task identifier, scoped to the environment in d. Does not affect
// in-flight counts.
func (q *Queue) UpdateTaskConcurrencyLimits(ctx context.Context, d keys.QueueDescriptor, taskIdentifier string, limit int) error {
	if err := q.client.Set(ctx, q.keys.TaskConcurrencyLimitKey(d, taskIdentifier), limit, 0).Err(); err != nil {
		return fmt.Errorf("update task concurrency limit: %w", err)
	}
	return nil
}

// RemoveTaskConcurrencyLimits deletes the limit key, leaving the task
// identifier's concurrency within its environment unconstrained.
func (q *Queue) RemoveTaskConcurrencyLimits(ctx context.Context, d keys.QueueDescriptor, taskIdentifier string) error {
	if err := q.client.Del(ctx, q.keys.TaskConcurrencyLimitKey(d, taskIdentifier)).Err(); err != nil {
		return fmt.Errorf("remove task concurrency limit: %w", err)
	}
	return nil
}

// releaseConcurrency removes msg.ID from the queue/env/task concurrency
// sets it holds a slot in, without touching any consumer's in-flight set
// or the message body — used when a run already past dequeue (attached to
// no particular consumer's bookkeeping from the caller's point of view,
// e.g. a parent blocking on a child via triggerAndWait) gives up its slot.
// Plain SREM rather than a script: unlike dequeue this never races another
// caller for the same slot, so atomicity across the three keys isn't
// required.
func (q *Queue) releaseConcurrency(ctx context.Context, msg *Message) error {
	d := msg.descriptor()
	taskConcKey := q.keys.TaskConcurrencyKey(d, msg.TaskIdentifier)

	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.keys.QueueCurrentConcurrencyKey(q.keys.QueueKey(d)), msg.ID)
	pipe.SRem(ctx, q.keys.EnvCurrentConcurrencyKey(d), msg.ID)
	pipe.SRem(ctx, taskConcKey, msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("release concurrency: %w", err)
	}
	return nil
}

// BlockMessage releases a run's concurrency counters when it is blocked on
// a waitpoint, keeping the message body stashed by runID so that
// UnblockMessage can reconstruct it later without loss.
func (q *Queue) BlockMessage(ctx context.Context, runID string, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := q.client.Set(ctx, q.keys.RunMessageKey(runID), body, 0).Err(); err != nil {
		return fmt.Errorf("stash blocked message: %w", err)
	}
	return q.releaseConcurrency(ctx, msg)
}

// UnblockMessage loads the stashed message for a run and re-enqueues it.
func (q *Queue) UnblockMessage(ctx context.Context, runID string) error {
	body, err := q.client.Get(ctx, q.keys.RunMessageKey(runID)).Bytes()
	if err != nil {
		return fmt.Errorf("load stashed message: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("unmarshal stashed message: %w", err)
	}
	if err := q.EnqueueMessage(ctx, &msg, 0); err != nil {
		return err
	}
	return q.client.Del(ctx, q.keys.RunMessageKey(runID)).Err()
}
