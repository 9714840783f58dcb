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

// Package httpserver manages the lifecycle of the run engine's two HTTP
// listeners (dashboard-facing and runner-facing supervisor API), sharing
// one listen/serve/shutdown implementation between them.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server manages one HTTP listener's lifecycle.
type Server struct {
	addr   string
	name   string
	logger *slog.Logger
	server *http.Server

	mu sync.RWMutex
	ln net.Listener
}

// New creates a Server bound to addr once Start is called. name is used
// only for log lines, to tell the dashboard and supervisor listeners
// apart.
func New(name, addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:   addr,
		name:   name,
		logger: logger.With(slog.String("server", name)),
		server: &http.Server{
			Handler:     handler,
			ReadTimeout: 30 * time.Second,
			// WriteTimeout intentionally unset: the supervisor API's
			// /warm-start handler holds the connection open for the
			// configured long-poll duration.
			IdleTimeout: 60 * time.Second,
		},
	}
}

// Start listens on addr and serves until ctx is canceled or a fatal
// server error occurs.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("http server starting", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	s.server.SetKeepAlivesEnabled(false)
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", slog.Any("error", err))
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

// Addr returns the listener's bound address, empty if not yet started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
