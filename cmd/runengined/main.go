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

// Command runengined is the run engine daemon: it wires together the Run
// Queue, Waitpoint Manager, Snapshot Log, Run Engine, delayed-job worker,
// consistency scanner, and the dashboard/supervisor HTTP surfaces into one
// long-running process, then serves until terminated.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tombarlow/runengine/internal/auth"
	"github.com/tombarlow/runengine/internal/backend"
	"github.com/tombarlow/runengine/internal/backend/memory"
	"github.com/tombarlow/runengine/internal/backend/postgres"
	"github.com/tombarlow/runengine/internal/backend/sqlite"
	"github.com/tombarlow/runengine/internal/config"
	"github.com/tombarlow/runengine/internal/dashboardapi"
	"github.com/tombarlow/runengine/internal/delayedjob"
	"github.com/tombarlow/runengine/internal/engine"
	"github.com/tombarlow/runengine/internal/engine/snapshot"
	"github.com/tombarlow/runengine/internal/httpserver"
	"github.com/tombarlow/runengine/internal/leader"
	"github.com/tombarlow/runengine/internal/lock"
	runenginelog "github.com/tombarlow/runengine/internal/log"
	"github.com/tombarlow/runengine/internal/middleware"
	"github.com/tombarlow/runengine/internal/notify"
	"github.com/tombarlow/runengine/internal/runqueue"
	"github.com/tombarlow/runengine/internal/runqueue/keys"
	"github.com/tombarlow/runengine/internal/scanner"
	"github.com/tombarlow/runengine/internal/supervisor"
	"github.com/tombarlow/runengine/internal/tracing"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "runengined",
		Short:         "Run engine daemon: queue, state machine, and supervisor protocol in one process",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	root.AddCommand(serveCmd(&configPath), migrateCmd(&configPath), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("runengined %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

// migrateCmd applies pending Postgres migrations and exits, for use in a
// deploy pipeline step ahead of rolling out new runengined instances that
// assume the new schema is already in place.
func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Backend.Type != "postgres" {
				return fmt.Errorf("migrate only applies to backend.type=postgres, got %q", cfg.Backend.Type)
			}
			db, err := sql.Open("pgx", cfg.Backend.Postgres.ConnectionString)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			if err := postgres.Migrate(db); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon's HTTP/supervisor/worker surfaces until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(*configPath)
		},
	}
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := runenginelog.New(&runenginelog.Config{
		Level:     cfg.Log.Level,
		Format:    runenginelog.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Observability.Enabled,
		ServiceName: cfg.Observability.ServiceName,
		Exporter:    tracing.ExporterKind(pick(cfg.Observability.OTLPEndpoint != "", "otlp-grpc", "stdout")),
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Insecure:    cfg.Observability.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())

	be, closeBackend, err := openBackend(cfg)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer closeBackend()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	queue := runqueue.NewWithClient(redisClient, runqueue.Config{
		Prefix:                cfg.Redis.Prefix,
		QueueCandidates:       cfg.Queue.QueueCandidates,
		EnvironmentCandidates: cfg.Queue.EnvironmentCandidates,
	})
	keyProducer := keys.New(cfg.Redis.Prefix)
	jobWorker := delayedjob.New(redisClient, delayedjob.Config{Prefix: cfg.Redis.Prefix, Logger: logger})

	locker := resolveLocker(cfg, be, logger)

	stallAdapter := delayedjob.NewStallCheckAdapter(jobWorker)
	waitAdapter := delayedjob.NewWaitpointCompletionAdapter(jobWorker)
	expireAdapter := delayedjob.NewExpireRunAdapter(jobWorker)

	snapLog := snapshot.New(be, stallAdapter)

	engCfg := engine.Config{
		Backend:         be,
		Queue:           queue,
		Locker:          locker,
		Snapshot:        snapLog,
		Keys:            keyProducer,
		Logger:          logger,
		ExpireScheduler: expireAdapter,
	}
	eng, wpManager := engine.NewWithWaitpoint(engCfg, be, waitAdapter)

	stallAdapter.RegisterStallCheckHandler(func(ctx context.Context, runID, snapshotID string) error {
		return eng.RecoverStalledAttempt(ctx, runID, snapshotID)
	})
	waitAdapter.RegisterWaitpointCompletionHandler(func(ctx context.Context, waitpointID string) error {
		return wpManager.CompleteWaitpoint(ctx, waitpointID, nil, nil)
	})
	expireAdapter.RegisterExpireHandler(eng.Expire)

	jobWorker.Start(ctx)
	defer jobWorker.Stop()

	var elector leader.Elector = leader.AlwaysLeader{}
	if cfg.Backend.Type == "postgres" {
		pgBackend, ok := be.(*postgres.Backend)
		if ok {
			elector = leader.NewElector(leader.Config{
				DB:         pgBackend.DB(),
				InstanceID: uuid.NewString(),
				Logger:     logger,
			})
		}
	}
	elector.Start(ctx)
	defer elector.Stop()

	consistencyScanner := scanner.New(scanner.Config{
		Store:     be,
		Continuer: eng,
		Elector:   elector,
		Logger:    logger,
	})
	consistencyScanner.Start(ctx)
	defer consistencyScanner.Stop()

	hub := notify.New(logger, nil)

	authCfg := auth.Config{
		DashboardSecret: []byte(cfg.Auth.DashboardSecret),
		RunnerSecret:    []byte(cfg.Auth.RunnerSecret),
		Issuer:          cfg.Auth.Issuer,
	}
	dashboardValidator := auth.NewDashboardValidator(authCfg)
	runnerValidator := auth.NewRunnerValidator(authCfg)
	rateLimiter := auth.NewRateLimiter(auth.RateLimitConfig{Enabled: false})

	dashboardMux := http.NewServeMux()
	dashboardapi.New(dashboardapi.Config{
		Engine:      eng,
		Backend:     be,
		Validator:   dashboardValidator,
		RateLimiter: rateLimiter,
		CORS:        middleware.DefaultCORSConfig(),
		Logger:      logger,
	}).Register(dashboardMux)
	dashboardMux.Handle("GET /metrics", promhttp.Handler())
	dashboardMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	supervisorMux := http.NewServeMux()
	supervisor.New(eng, keyProducer, runnerValidator, hub, logger).Register(supervisorMux)

	apiServer := httpserver.New("dashboard-api", cfg.Listen.APIAddr, dashboardMux, logger)
	supervisorServer := httpserver.New("supervisor-api", cfg.Listen.SupervisorAddr, supervisorMux, logger)

	errCh := make(chan error, 2)
	go func() { errCh <- apiServer.Start(ctx) }()
	go func() { errCh <- supervisorServer.Start(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", runenginelog.Error(err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = supervisorServer.Shutdown(shutdownCtx)
	return nil
}

func pick(cond bool, ifTrue, ifFalse string) string {
	if cond {
		return ifTrue
	}
	return ifFalse
}

// openBackend constructs the configured relational backend and returns a
// close function that is always safe to call.
func openBackend(cfg *config.Config) (backend.Backend, func(), error) {
	switch cfg.Backend.Type {
	case "postgres":
		be, err := postgres.New(postgres.Config{
			ConnectionString: cfg.Backend.Postgres.ConnectionString,
			MaxOpenConns:     cfg.Backend.Postgres.MaxOpenConns,
			MaxIdleConns:     cfg.Backend.Postgres.MaxIdleConns,
		})
		if err != nil {
			return nil, func() {}, err
		}
		return be, func() { _ = be.Close() }, nil
	case "sqlite":
		be, err := sqlite.New(sqlite.Config{Path: cfg.Backend.SQLite.Path})
		if err != nil {
			return nil, func() {}, err
		}
		return be, func() { _ = be.Close() }, nil
	default:
		return memory.New(), func() {}, nil
	}
}

// resolveLocker picks the run-lock implementation matching the backend: a
// Postgres session-advisory lock when multiple engine processes might
// share that database, or an in-process mutex map for the single-process
// memory/sqlite backends where no shared lock table exists to take one
// against.
func resolveLocker(cfg *config.Config, be backend.Backend, logger *slog.Logger) engine.Locker {
	if cfg.Backend.Type == "postgres" {
		if pgBackend, ok := be.(*postgres.Backend); ok {
			return lock.New(lock.Config{
				DB:                 pgBackend.DB(),
				LeaseCheckInterval: 500 * time.Millisecond,
				Logger:             logger,
			})
		}
	}
	return lock.NewInProcess()
}
