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
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T) (*Worker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, Config{Prefix: "test:", PollInterval: 10 * time.Millisecond, VisibilityTimeout: 50 * time.Millisecond}), mr
}

func TestEnqueueAndDispatch(t *testing.T) {
	w, mr := newTestWorker(t)

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	w.RegisterHandler("heartbeatSnapshot", func(ctx context.Context, payload []byte) error {
		mu.Lock()
		got = payload
		mu.Unlock()
		close(done)
		return nil
	})

	require.NoError(t, w.Enqueue(context.Background(), "heartbeatSnapshot.snap_1", "heartbeatSnapshot", []byte("snap_1"), time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	mr.FastForward(20 * time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []byte("snap_1"), got)
}

func TestEnqueueSameIDCollapsesDuplicates(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()

	require.NoError(t, w.Enqueue(ctx, "expireRun.run_1", "expireRun", []byte("first"), time.Now().Add(time.Hour)))
	require.NoError(t, w.Enqueue(ctx, "expireRun.run_1", "expireRun", []byte("second"), time.Now().Add(time.Hour)))

	card, err := w.client.ZCard(ctx, w.pendingKey()).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), card)

	body, err := w.client.Get(ctx, w.bodyKey("expireRun.run_1")).Bytes()
	require.NoError(t, err)
	var job Job
	require.NoError(t, json.Unmarshal(body, &job))
	require.Equal(t, []byte("second"), job.Payload)
}

func TestAckRemovesJob(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()

	require.NoError(t, w.Enqueue(ctx, "job_1", "noop", nil, time.Now()))
	w.Ack(ctx, "job_1")

	exists, err := w.client.Exists(ctx, w.bodyKey("job_1")).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), exists)
}

func TestFailedHandlerIsRetriedAfterVisibilityTimeout(t *testing.T) {
	w, mr := newTestWorker(t)

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	w.RegisterHandler("flaky", func(ctx context.Context, payload []byte) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			return context.DeadlineExceeded
		}
		close(done)
		return nil
	})

	require.NoError(t, w.Enqueue(context.Background(), "flaky_1", "flaky", nil, time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	for i := 0; i < 20; i++ {
		mr.FastForward(20 * time.Millisecond)
		select {
		case <-done:
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("handler was not retried to success")
}
