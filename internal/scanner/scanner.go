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

// Package scanner implements the invariant-violation scanner described in
// spec.md §4.4: it periodically pages through WAITING_TO_RESUME runs
// older than a threshold to catch lost wakeups — a waitpoint that
// completed without its ContinueRun call landing, or a ContinueRun that
// raced a crash before it enqueued the run. It runs leader-only across a
// multi-process deployment.
package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombarlow/runengine/internal/backend"
	"github.com/tombarlow/runengine/internal/leader"
)

// Continuer re-drives a run that the scanner believes is stuck.
type Continuer interface {
	ContinueRun(ctx context.Context, runID string) error
}

// Config wires the Scanner's collaborators.
type Config struct {
	Store     backend.WaitpointStore
	Continuer Continuer
	Elector   leader.Elector
	Logger    *slog.Logger

	// Interval is how often a scan runs.
	Interval time.Duration

	// StaleAfter is how long a run may remain WAITING_TO_RESUME before the
	// scanner treats it as a lost wakeup.
	StaleAfter time.Duration
}

// Scanner periodically re-drives runs stuck in WAITING_TO_RESUME.
type Scanner struct {
	store      backend.WaitpointStore
	continuer  Continuer
	elector    leader.Elector
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(cfg Config) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	elector := cfg.Elector
	if elector == nil {
		elector = leader.AlwaysLeader{}
	}
	return &Scanner{
		store:      cfg.Store,
		continuer:  cfg.Continuer,
		elector:    elector,
		logger:     logger.With(slog.String("component", "scanner")),
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the scan loop in the background until Stop is called or ctx
// is canceled.
func (s *Scanner) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop halts the scan loop and waits for it to exit.
func (s *Scanner) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scanner) run(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

// scanOnce pages through stuck runs and re-drives each through
// ContinueRun, which is idempotent: a run that is genuinely still blocked
// is a no-op, and one that lost its wakeup gets re-enqueued or resumed.
func (s *Scanner) scanOnce(ctx context.Context) {
	if !s.elector.IsLeader() {
		return
	}

	runIDs, err := s.store.UnblockedRunIDsOlderThan(ctx, backend.RunWaitingToResume, s.staleAfter)
	if err != nil {
		s.logger.Error("scan for stuck runs failed", slog.Any("error", err))
		return
	}
	if len(runIDs) == 0 {
		return
	}

	s.logger.Warn("recovering runs stuck in WAITING_TO_RESUME", slog.Int("count", len(runIDs)))
	for _, runID := range runIDs {
		if err := s.continuer.ContinueRun(ctx, runID); err != nil {
			s.logger.Error("failed to continue stuck run", slog.String("run_id", runID), slog.Any("error", err))
		}
	}
}
