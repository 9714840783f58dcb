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

package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tombarlow/runengine/internal/auth"
	"github.com/tombarlow/runengine/internal/backend"
	"github.com/tombarlow/runengine/internal/backend/memory"
	"github.com/tombarlow/runengine/internal/engine"
	"github.com/tombarlow/runengine/internal/engine/snapshot"
	"github.com/tombarlow/runengine/internal/engine/waitpoint"
	"github.com/tombarlow/runengine/internal/notify"
	"github.com/tombarlow/runengine/internal/runqueue"
	"github.com/tombarlow/runengine/internal/runqueue/keys"
)

type fakeLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (f *fakeLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	l, ok := f.locks[key]
	if !ok {
		l = &sync.Mutex{}
		f.locks[key] = l
	}
	f.mu.Unlock()
	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

type noopSchedulers struct{}

func (noopSchedulers) ScheduleStallCheck(context.Context, string, string, time.Time) error { return nil }
func (noopSchedulers) ScheduleWaitpointCompletion(context.Context, string, time.Time) error { return nil }
func (noopSchedulers) ScheduleExpire(context.Context, string, time.Time) error              { return nil }

type continuerFunc func(ctx context.Context, runID string) error

func (f continuerFunc) ContinueRun(ctx context.Context, runID string) error { return f(ctx, runID) }

const testRunnerSecret = "test-runner-secret"

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := runqueue.NewWithClient(client, runqueue.Config{Prefix: "test:"})
	be := memory.New()
	kp := keys.New("test:")

	var eng *engine.Engine
	wp := waitpoint.New(be, noopSchedulers{}, continuerFunc(func(ctx context.Context, runID string) error {
		return eng.ContinueRun(ctx, runID)
	}))
	eng = engine.New(engine.Config{
		Backend:  be,
		Queue:    q,
		Locker:   &fakeLocker{locks: make(map[string]*sync.Mutex)},
		Snapshot: snapshot.New(be, noopSchedulers{}),
		Keys:     kp,
	}, wp)

	validator := auth.NewRunnerValidator(auth.Config{RunnerSecret: []byte(testRunnerSecret)})
	hub := notify.New(nil, nil)
	h := New(eng, kp, validator, hub, nil)
	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, eng
}

func bearerToken(t *testing.T) string {
	t.Helper()
	tok, err := auth.Issue([]byte(testRunnerSecret), "", auth.AudienceRunner, "env_1", "proj_1", time.Hour)
	require.NoError(t, err)
	return tok
}

func authedRequest(t *testing.T, method, url string, body []byte) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// A warm-start long-poll against an empty queue returns 204 once its
// connection timeout elapses, rather than blocking forever.
func TestWarmStartTimesOutWithNoContent(t *testing.T) {
	srv, _ := newTestServer(t)

	q := url.Values{}
	q.Set("environmentId", "env_1")
	q.Set("environmentType", "PRODUCTION")
	q.Set("connectionTimeoutMs", "50")

	req := authedRequest(t, http.MethodGet, srv.URL+"/warm-start?"+q.Encode(), nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

// The full attempt lifecycle over HTTP: start an attempt against a
// dequeued run's snapshot, then complete it successfully.
func TestStartAndCompleteAttemptOverHTTP(t *testing.T) {
	srv, eng := newTestServer(t)
	ctx := context.Background()

	run, err := eng.Trigger(ctx, engine.TriggerRequest{
		TaskIdentifier:  "http-task",
		EnvironmentID:   "env_1",
		EnvironmentType: "PRODUCTION",
		MaxAttempts:     1,
	})
	require.NoError(t, err)

	deq, err := eng.DequeueFromMasterQueue(ctx, "consumer_1", run.MasterQueue)
	require.NoError(t, err)

	startReq := authedRequest(t, http.MethodPost,
		srv.URL+"/runs/"+run.ID+"/snapshots/"+deq.SnapshotID+"/attempts/start", []byte(`{}`))
	startResp, err := http.DefaultClient.Do(startReq)
	require.NoError(t, err)
	defer startResp.Body.Close()
	require.Equal(t, http.StatusOK, startResp.StatusCode)

	var started engine.StartAttemptResult
	require.NoError(t, json.NewDecoder(startResp.Body).Decode(&started))
	require.Equal(t, backend.RunExecuting, started.Run.Status)

	completeBody, _ := json.Marshal(map[string]any{"ok": true, "output": []byte(`{"done":true}`)})
	completeReq := authedRequest(t, http.MethodPost,
		srv.URL+"/runs/"+run.ID+"/snapshots/"+started.Snapshot.ID+"/complete", completeBody)
	completeResp, err := http.DefaultClient.Do(completeReq)
	require.NoError(t, err)
	defer completeResp.Body.Close()
	require.Equal(t, http.StatusOK, completeResp.StatusCode)

	var result engine.CompleteAttemptResult
	require.NoError(t, json.NewDecoder(completeResp.Body).Decode(&result))
	require.Equal(t, engine.AttemptRunFinished, result.Status)
	require.Equal(t, backend.RunCompletedSuccessfully, result.Run.Status)
}

// A heartbeat against a stale snapshot id is rejected as a conflict, the
// attempt-number invariant's HTTP-visible failure mode.
func TestHeartbeatRejectsStaleSnapshot(t *testing.T) {
	srv, eng := newTestServer(t)
	ctx := context.Background()

	run, err := eng.Trigger(ctx, engine.TriggerRequest{
		TaskIdentifier:  "http-task",
		EnvironmentID:   "env_1",
		EnvironmentType: "PRODUCTION",
		MaxAttempts:     1,
	})
	require.NoError(t, err)

	req := authedRequest(t, http.MethodPost,
		srv.URL+"/runs/"+run.ID+"/snapshots/not-the-real-snapshot/heartbeat", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}
