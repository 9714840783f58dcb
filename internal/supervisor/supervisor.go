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

// Package supervisor implements the runner-facing HTTP surface of the
// Supervisor/Runner protocol (spec.md §4.7): long-poll dequeue, attempt
// start/heartbeat/complete, suspend, continue, and wait-for-duration.
// Every handler requires a runner-audience bearer token.
package supervisor

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tombarlow/runengine/internal/auth"
	"github.com/tombarlow/runengine/internal/backend"
	runengineerrors "github.com/tombarlow/runengine/internal/errors"
	"github.com/tombarlow/runengine/internal/engine"
	runenginelog "github.com/tombarlow/runengine/internal/log"
	"github.com/tombarlow/runengine/internal/notify"
	"github.com/tombarlow/runengine/internal/runqueue"
	"github.com/tombarlow/runengine/internal/runqueue/keys"
)

// pollInterval is how often a blocked long-poll retries the non-blocking
// dequeue script while waiting for a message to appear.
const pollInterval = 250 * time.Millisecond

// defaultConnectionTimeout bounds a single /warm-start call when the
// runner doesn't specify connectionTimeoutMs.
const defaultConnectionTimeout = 20 * time.Second

// Handlers implements the runner-scoped HTTP endpoints.
type Handlers struct {
	engine    *engine.Engine
	keys      *keys.Producer
	validator *auth.Validator
	hub       *notify.Hub
	logger    *slog.Logger
}

func New(eng *engine.Engine, keyProducer *keys.Producer, validator *auth.Validator, hub *notify.Hub, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{engine: eng, keys: keyProducer, validator: validator, hub: hub, logger: logger.With(slog.String("component", "supervisor"))}
}

// Register wires every runner-scoped route onto mux, each guarded by the
// runner-audience JWT validator.
func (h *Handlers) Register(mux *http.ServeMux) {
	logMiddleware := runenginelog.HTTPMiddleware(h.logger)
	wrap := func(handler http.Handler) http.Handler {
		return logMiddleware(h.validator.Middleware(handler))
	}
	mux.Handle("GET /warm-start", wrap(http.HandlerFunc(h.handleWarmStart)))
	mux.Handle("POST /runs/{runId}/snapshots/{snapshotId}/attempts/start", wrap(http.HandlerFunc(h.handleStartAttempt)))
	mux.Handle("POST /runs/{runId}/snapshots/{snapshotId}/heartbeat", wrap(http.HandlerFunc(h.handleHeartbeat)))
	mux.Handle("POST /runs/{runId}/snapshots/{snapshotId}/complete", wrap(http.HandlerFunc(h.handleComplete)))
	mux.Handle("POST /runs/{runId}/snapshots/{snapshotId}/suspend", wrap(http.HandlerFunc(h.handleSuspend)))
	mux.Handle("POST /runs/{runId}/snapshots/{snapshotId}/continue", wrap(http.HandlerFunc(h.handleContinue)))
	mux.Handle("POST /runs/{runId}/snapshots/{snapshotId}/wait/duration", wrap(http.HandlerFunc(h.handleWaitDuration)))
	mux.Handle("GET /workload", h.validator.Middleware(http.HandlerFunc(h.hub.ServeWorkload)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := runengineerrors.HTTPStatus(err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// warmStartRequest carries the dequeue descriptor a runner announces it is
// available for. The runner authenticates via its deployment-scoped JWT,
// but must still state which queue partition it can serve since one
// runner process only ever long-polls a single master queue at a time.
type warmStartRequest struct {
	ConsumerID           string `json:"consumerId"`
	OrganizationID       string `json:"organizationId"`
	ProjectID            string `json:"projectId"`
	EnvironmentID        string `json:"environmentId"`
	EnvironmentType      string `json:"environmentType"`
	ConnectionTimeoutMs  int64  `json:"connectionTimeoutMs"`
}

// handleWarmStart implements GET /warm-start: it blocks (by polling the
// non-blocking dequeue script) for up to connectionTimeoutMs, returning
// the dequeued payload as soon as one is available, or 204 on timeout so
// the runner can retry until its own totalDurationMs elapses.
func (h *Handlers) handleWarmStart(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	var req warmStartRequest
	if body := r.URL.Query(); body.Get("environmentId") != "" {
		req.EnvironmentID = body.Get("environmentId")
		req.EnvironmentType = body.Get("environmentType")
		req.OrganizationID = body.Get("organizationId")
		req.ProjectID = body.Get("projectId")
		req.ConsumerID = body.Get("consumerId")
		if ms, err := strconv.ParseInt(body.Get("connectionTimeoutMs"), 10, 64); err == nil {
			req.ConnectionTimeoutMs = ms
		}
	} else if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.EnvironmentID == "" && claims != nil {
		req.EnvironmentID = claims.EnvironmentID
	}
	if req.ProjectID == "" && claims != nil {
		req.ProjectID = claims.ProjectID
	}
	if req.EnvironmentID == "" {
		writeErr(w, runengineerrors.Validation("environmentId", "is required"))
		return
	}
	if req.ConsumerID == "" {
		req.ConsumerID = "runner-" + req.EnvironmentID
	}

	timeout := defaultConnectionTimeout
	if req.ConnectionTimeoutMs > 0 {
		timeout = time.Duration(req.ConnectionTimeoutMs) * time.Millisecond
	}

	desc := keys.QueueDescriptor{
		OrganizationID:  req.OrganizationID,
		ProjectID:       req.ProjectID,
		EnvironmentType: req.EnvironmentType,
		EnvironmentID:   req.EnvironmentID,
	}
	masterQueue := h.keys.SharedQueueKey(desc)

	ctx := r.Context()
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		msg, err := h.engine.DequeueFromMasterQueue(ctx, req.ConsumerID, masterQueue)
		if err == nil {
			writeJSON(w, http.StatusOK, msg)
			return
		}
		if !errors.Is(err, runqueue.ErrNoCandidate) {
			writeErr(w, err)
			return
		}
		if time.Now().After(deadline) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Handlers) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IsWarmStart bool `json:"isWarmStart"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	result, err := h.engine.StartAttempt(r.Context(), r.PathValue("runId"), r.PathValue("snapshotId"), body.IsWarmStart)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleHeartbeat confirms the runner is still alive and the snapshot it
// holds is still current, then extends that snapshot's stall-check
// timer. Without this, a long-running but healthy EXECUTING attempt
// would get its stall-check fire on the fixed 15-minute interval set
// when the snapshot was first created and get failed as CRASHED despite
// heartbeating the whole time. A snapshot id mismatch is the
// attempt-number invariant's failure mode and is fatal for the caller,
// not for the platform.
func (h *Handlers) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.Backend().GetRun(r.Context(), r.PathValue("runId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	latest, err := h.engine.Snapshots().Latest(r.Context(), r.PathValue("runId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if latest.ID != r.PathValue("snapshotId") {
		writeErr(w, runengineerrors.Conflict("snapshot", "stale snapshot id for run %s", r.PathValue("runId")))
		return
	}
	if err := h.engine.Snapshots().ExtendStallCheck(r.Context(), run.ID, latest.ID, latest.ExecutionStatus); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "snapshot": latest})
}

func (h *Handlers) handleComplete(w http.ResponseWriter, r *http.Request) {
	var c engine.Completion
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeErr(w, runengineerrors.Validation("body", "invalid JSON: %v", err))
		return
	}
	result, err := h.engine.CompleteAttempt(r.Context(), r.PathValue("runId"), r.PathValue("snapshotId"), c)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSuspend records the runner's request to suspend by transitioning
// through a wait-for-duration waitpoint resolving immediately in the
// past, letting the same ContinueRun path that resumes datetime waits
// also resume a suspended attempt once something unblocks it. The
// platform may decline suspension by leaving the run EXECUTING; here
// suspension is always honoured, matching a conservative default for a
// system with no inbound-waitpoint signal yet when this fires.
func (h *Handlers) handleSuspend(w http.ResponseWriter, r *http.Request) {
	waitpoint, err := h.engine.WaitForDuration(r.Context(), r.PathValue("runId"), r.PathValue("snapshotId"), time.Now())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"waitpoint": waitpoint})
}

func (h *Handlers) handleContinue(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ContinueRun(r.Context(), r.PathValue("runId")); err != nil {
		writeErr(w, err)
		return
	}
	latest, err := h.engine.Snapshots().Latest(r.Context(), r.PathValue("runId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*backend.ExecutionSnapshot{"snapshot": latest})
}

func (h *Handlers) handleWaitDuration(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Date time.Time `json:"date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, runengineerrors.Validation("body", "invalid JSON: %v", err))
		return
	}
	waitpoint, err := h.engine.WaitForDuration(r.Context(), r.PathValue("runId"), r.PathValue("snapshotId"), body.Date)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*backend.Waitpoint{"waitpoint": waitpoint})
}
