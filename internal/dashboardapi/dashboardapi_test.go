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

package dashboardapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"github.com/tombarlow/runengine/internal/middleware"
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

const testSecret = "test-dashboard-secret"

func newTestServer(t *testing.T) (*httptest.Server, backend.Backend) {
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

	validator := auth.NewDashboardValidator(auth.Config{DashboardSecret: []byte(testSecret)})
	h := New(Config{
		Engine:      eng,
		Backend:     be,
		Validator:   validator,
		RateLimiter: auth.NewRateLimiter(auth.RateLimitConfig{Enabled: false}),
		CORS:        middleware.DefaultCORSConfig(),
	})
	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, be
}

type continuerFunc func(ctx context.Context, runID string) error

func (f continuerFunc) ContinueRun(ctx context.Context, runID string) error { return f(ctx, runID) }

func bearerToken(t *testing.T) string {
	t.Helper()
	tok, err := auth.Issue([]byte(testSecret), "", auth.AudienceDashboard, "env_1", "proj_1", time.Hour)
	require.NoError(t, err)
	return tok
}

func TestHandleTriggerCreatesRun(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"task_identifier": "my-task",
		"environment_id":  "env_1",
		"environment_type": "PRODUCTION",
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/trigger", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+bearerToken(t))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		Run *backend.Run `json:"run"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "my-task", out.Run.TaskIdentifier)
	require.Equal(t, "env_1", out.Run.EnvironmentID)
}

func TestHandleTriggerRejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"task_identifier": "my-task", "environment_id": "env_1"})
	resp, err := http.Post(srv.URL+"/trigger", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleGetRunReturnsLatestSnapshot(t *testing.T) {
	srv, be := newTestServer(t)
	ctx := context.Background()

	run := &backend.Run{ID: "run_fixed", TaskIdentifier: "t", Status: backend.RunPending}
	require.NoError(t, be.CreateRun(ctx, run))
	require.NoError(t, be.AppendSnapshot(ctx, &backend.ExecutionSnapshot{
		ID: "snap_1", RunID: run.ID, ExecutionStatus: backend.SnapshotQueued, RunStatus: backend.RunPending,
	}))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/runs/run_fixed", nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out["run"])
	require.NotNil(t, out["latest_snapshot"])
}

func TestHandleCancelRejectsUnknownRun(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/runs/does-not-exist/cancel", nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotEqual(t, http.StatusOK, resp.StatusCode)
}
