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

package scanner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombarlow/runengine/internal/backend"
	"github.com/tombarlow/runengine/internal/backend/memory"
)

type recordingContinuer struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordingContinuer) ContinueRun(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, runID)
	return nil
}

type alwaysFollower struct{}

func (alwaysFollower) IsLeader() bool { return false }
func (alwaysFollower) Start(context.Context) {}
func (alwaysFollower) Stop() {}

// A run that is WAITING_TO_RESUME with no RunWaitpoint rows looks like a
// lost wakeup to the scanner and is re-driven through ContinueRun.
func TestScanOnceRecoversLostWakeup(t *testing.T) {
	ctx := context.Background()
	be := memory.New()

	run := &backend.Run{ID: "run_1", TaskIdentifier: "t", Status: backend.RunPending}
	require.NoError(t, be.CreateRun(ctx, run))
	run.Status = backend.RunWaitingToResume
	require.NoError(t, be.UpdateRun(ctx, run))

	time.Sleep(time.Millisecond)

	cont := &recordingContinuer{}
	s := New(Config{Store: be, Continuer: cont, StaleAfter: time.Nanosecond})
	s.scanOnce(ctx)

	require.Equal(t, []string{"run_1"}, cont.seen)
}

// A run that is still genuinely blocked (has a RunWaitpoint row) is not a
// lost wakeup and the scanner leaves it alone.
func TestScanOnceIgnoresStillBlockedRun(t *testing.T) {
	ctx := context.Background()
	be := memory.New()

	run := &backend.Run{ID: "run_2", TaskIdentifier: "t", Status: backend.RunPending}
	require.NoError(t, be.CreateRun(ctx, run))
	run.Status = backend.RunWaitingToResume
	require.NoError(t, be.UpdateRun(ctx, run))
	require.NoError(t, be.BlockRun(ctx, run.ID, "wp_1", "proj_1"))

	time.Sleep(time.Millisecond)

	cont := &recordingContinuer{}
	s := New(Config{Store: be, Continuer: cont, StaleAfter: time.Nanosecond})
	s.scanOnce(ctx)

	require.Empty(t, cont.seen)
}

// The scanner only acts on the elected leader; a follower's scan is a
// no-op even when stuck runs exist.
func TestScanOnceSkipsWhenNotLeader(t *testing.T) {
	ctx := context.Background()
	be := memory.New()

	run := &backend.Run{ID: "run_3", TaskIdentifier: "t", Status: backend.RunPending}
	require.NoError(t, be.CreateRun(ctx, run))
	run.Status = backend.RunWaitingToResume
	require.NoError(t, be.UpdateRun(ctx, run))

	time.Sleep(time.Millisecond)

	cont := &recordingContinuer{}
	s := New(Config{Store: be, Continuer: cont, StaleAfter: time.Nanosecond, Elector: alwaysFollower{}})
	s.scanOnce(ctx)

	require.Empty(t, cont.seen)
}
