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

// Package dashboardapi implements the dashboard-facing Run Engine API
// (spec.md §6): trigger, cancel, and status lookup, each requiring a
// dashboard-audience bearer token.
package dashboardapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tombarlow/runengine/internal/auth"
	"github.com/tombarlow/runengine/internal/backend"
	runengineerrors "github.com/tombarlow/runengine/internal/errors"
	"github.com/tombarlow/runengine/internal/engine"
	"github.com/tombarlow/runengine/internal/httputil"
	runenginelog "github.com/tombarlow/runengine/internal/log"
	"github.com/tombarlow/runengine/internal/middleware"
)

// Handlers implements the dashboard-scoped HTTP endpoints.
type Handlers struct {
	engine      *engine.Engine
	backend     backend.Backend
	validator   *auth.Validator
	rateLimiter *auth.RateLimiter
	cors        func(http.Handler) http.Handler
	logger      *slog.Logger
}

// Config wires Handlers' collaborators.
type Config struct {
	Engine      *engine.Engine
	Backend     backend.Backend
	Validator   *auth.Validator
	RateLimiter *auth.RateLimiter
	CORS        middleware.CORSConfig
	Logger      *slog.Logger
}

func New(cfg Config) *Handlers {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rl := cfg.RateLimiter
	if rl == nil {
		rl = auth.NewRateLimiter(auth.RateLimitConfig{Enabled: false})
	}
	return &Handlers{
		engine:      cfg.Engine,
		backend:     cfg.Backend,
		validator:   cfg.Validator,
		rateLimiter: rl,
		cors:        middleware.CORS(cfg.CORS),
		logger:      logger.With(slog.String("component", "dashboardapi")),
	}
}

// Register wires every dashboard-scoped route onto mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	logMiddleware := runenginelog.HTTPMiddleware(h.logger)
	chain := func(handler http.HandlerFunc) http.Handler {
		return logMiddleware(h.cors(h.validator.Middleware(h.rateLimiter.Middleware(handler))))
	}
	mux.Handle("POST /trigger", chain(h.handleTrigger))
	mux.Handle("POST /runs/{id}/cancel", chain(h.handleCancel))
	mux.Handle("GET /runs/{id}", chain(h.handleGetRun))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	httputil.WriteJSON(w, status, v)
}

func writeErr(w http.ResponseWriter, err error) {
	httputil.WriteError(w, runengineerrors.HTTPStatus(err), err.Error())
}

// triggerRequest is the dashboard-submitted request body, mirroring the
// Run fields a caller may set (spec.md §6's "body = Run fields").
type triggerRequest struct {
	TaskIdentifier  string     `json:"task_identifier"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	PayloadType     string     `json:"payload_type,omitempty"`
	ProjectID       string     `json:"project_id"`
	EnvironmentID   string     `json:"environment_id"`
	EnvironmentType string     `json:"environment_type"`
	QueueName       string     `json:"queue_name,omitempty"`
	ConcurrencyKey  string     `json:"concurrency_key,omitempty"`
	IdempotencyKey  string     `json:"idempotency_key,omitempty"`
	MaxAttempts     int        `json:"max_attempts,omitempty"`
	TTLSeconds      int        `json:"ttl_seconds,omitempty"`
	DelayUntil      *time.Time `json:"delay_until,omitempty"`
	Tags            []string   `json:"tags,omitempty"`

	QueueConcurrencyLimit *int `json:"queue_concurrency_limit,omitempty"`
}

func (h *Handlers) handleTrigger(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	var body triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, runengineerrors.Validation("body", "invalid JSON: %v", err))
		return
	}

	environmentID := body.EnvironmentID
	projectID := body.ProjectID
	if claims != nil {
		if claims.EnvironmentID != "" {
			environmentID = claims.EnvironmentID
		}
		if claims.ProjectID != "" {
			projectID = claims.ProjectID
		}
	}

	req := engine.TriggerRequest{
		TaskIdentifier:  body.TaskIdentifier,
		Payload:         body.Payload,
		PayloadType:     body.PayloadType,
		ProjectID:       projectID,
		EnvironmentID:   environmentID,
		EnvironmentType: body.EnvironmentType,
		QueueName:       body.QueueName,
		ConcurrencyKey:  body.ConcurrencyKey,
		IdempotencyKey:  body.IdempotencyKey,
		MaxAttempts:     body.MaxAttempts,
		DelayUntil:      body.DelayUntil,
		Tags:            body.Tags,
		QueueConcurrencyLimit: body.QueueConcurrencyLimit,
	}
	if body.TTLSeconds > 0 {
		req.TTL = time.Duration(body.TTLSeconds) * time.Second
	}

	run, err := h.engine.Trigger(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]*backend.Run{"run": run})
}

func (h *Handlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.engine.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*backend.ExecutionSnapshot{"snapshot": snapshot})
}

func (h *Handlers) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.backend.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	latest, err := h.backend.LatestSnapshot(r.Context(), run.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "latest_snapshot": latest})
}
