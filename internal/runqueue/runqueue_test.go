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

package runqueue

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, Config{
		Prefix:     "test:",
		RandSource: rand.NewSource(1),
	})
}

func testMessage(id string) *Message {
	return &Message{
		ID:              id,
		RunID:           "run_" + id,
		TaskIdentifier:  "my-task",
		OrganizationID:  "org_1",
		ProjectID:       "proj_1",
		EnvironmentID:   "env_1",
		EnvironmentType: "PRODUCTION",
		QueueName:       "default",
		EnqueuedAt:      time.Now(),
	}
}

func TestEnqueueDequeueAcknowledge(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	msg := testMessage("msg_1")
	require.NoError(t, q.EnqueueMessage(ctx, msg, 0))

	master := msg.MasterQueueKey(q.keys)
	got, err := q.DequeueMessageInSharedQueue(ctx, "consumer_1", master)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, msg.ID, got.ID)
	require.Equal(t, msg.RunID, got.RunID)

	require.NoError(t, q.AcknowledgeMessage(ctx, "consumer_1", got))

	exists, err := q.client.Exists(ctx, q.keys.MessageKey(msg.ID)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), exists)
}

func TestDequeueEmptyQueueReturnsNoCandidate(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.DequeueMessageInSharedQueue(ctx, "consumer_1", "test:sharedQueue")
	require.ErrorIs(t, err, ErrNoCandidate)
}

func TestQueueConcurrencyLimitBlocksDequeue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	msg1 := testMessage("msg_1")
	msg2 := testMessage("msg_2")
	require.NoError(t, q.EnqueueMessage(ctx, msg1, 0))
	require.NoError(t, q.EnqueueMessage(ctx, msg2, 1))

	d := msg1.descriptor()
	require.NoError(t, q.UpdateQueueConcurrencyLimits(ctx, d, 1))

	master := msg1.MasterQueueKey(q.keys)
	first, err := q.DequeueMessageInSharedQueue(ctx, "consumer_1", master)
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = q.DequeueMessageInSharedQueue(ctx, "consumer_1", master)
	require.ErrorIs(t, err, ErrNoCandidate)

	require.NoError(t, q.AcknowledgeMessage(ctx, "consumer_1", first))

	second, err := q.DequeueMessageInSharedQueue(ctx, "consumer_1", master)
	require.NoError(t, err)
	require.NotNil(t, second)
}

func TestTaskConcurrencyLimitBlocksDequeue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	msg1 := testMessage("msg_1")
	msg2 := testMessage("msg_2")
	msg2.QueueName = "other-queue"
	require.NoError(t, q.EnqueueMessage(ctx, msg1, 0))
	require.NoError(t, q.EnqueueMessage(ctx, msg2, 1))

	d := msg1.descriptor()
	require.NoError(t, q.UpdateTaskConcurrencyLimits(ctx, d, msg1.TaskIdentifier, 1))

	master := msg1.MasterQueueKey(q.keys)
	first, err := q.DequeueMessageInSharedQueue(ctx, "consumer_1", master)
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = q.DequeueMessageInSharedQueue(ctx, "consumer_1", master)
	require.ErrorIs(t, err, ErrNoCandidate)

	require.NoError(t, q.AcknowledgeMessage(ctx, "consumer_1", first))

	second, err := q.DequeueMessageInSharedQueue(ctx, "consumer_1", master)
	require.NoError(t, err)
	require.NotNil(t, second)
	// The two messages sit in different queues, and the queue is chosen
	// weighted-random, so either may have come out first.
	expected := msg2.ID
	if first.ID == msg2.ID {
		expected = msg1.ID
	}
	require.Equal(t, expected, second.ID)
}

func TestNackReturnsMessageToQueue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	msg := testMessage("msg_1")
	require.NoError(t, q.EnqueueMessage(ctx, msg, 0))

	master := msg.MasterQueueKey(q.keys)
	got, err := q.DequeueMessageInSharedQueue(ctx, "consumer_1", master)
	require.NoError(t, err)

	require.NoError(t, q.NackMessage(ctx, "consumer_1", got, time.Time{}))

	again, err := q.DequeueMessageInSharedQueue(ctx, "consumer_1", master)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, msg.ID, again.ID)
}

func TestReacquireConcurrencyRespectsLimit(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	msg := testMessage("msg_1")
	d := msg.descriptor()
	require.NoError(t, q.UpdateQueueConcurrencyLimits(ctx, d, 1))

	ok, err := q.ReacquireConcurrency(ctx, msg)
	require.NoError(t, err)
	require.True(t, ok)

	other := testMessage("msg_2")
	ok, err = q.ReacquireConcurrency(ctx, other)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBlockAndUnblockMessage(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	msg := testMessage("msg_1")
	require.NoError(t, q.EnqueueMessage(ctx, msg, 0))

	master := msg.MasterQueueKey(q.keys)
	got, err := q.DequeueMessageInSharedQueue(ctx, "consumer_1", master)
	require.NoError(t, err)

	require.NoError(t, q.BlockMessage(ctx, got.RunID, got))
	require.NoError(t, q.UnblockMessage(ctx, got.RunID))

	again, err := q.DequeueMessageInSharedQueue(ctx, "consumer_1", master)
	require.NoError(t, err)
	require.Equal(t, msg.ID, again.ID)
}

func TestRemoveQueueConcurrencyLimits(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	msg := testMessage("msg_1")
	d := msg.descriptor()
	require.NoError(t, q.UpdateQueueConcurrencyLimits(ctx, d, 5))
	require.NoError(t, q.RemoveQueueConcurrencyLimits(ctx, d))

	queueKey := q.keys.QueueKey(d)
	exists, err := q.client.Exists(ctx, q.keys.QueueConcurrencyLimitKey(queueKey)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), exists)
}
