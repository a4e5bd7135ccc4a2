// Command pipeweave runs the orchestrator and its operational tooling.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pipeweave/pipeweave/internal/config"
	"github.com/pipeweave/pipeweave/internal/core"
	"github.com/pipeweave/pipeweave/internal/dispatch"
	"github.com/pipeweave/pipeweave/internal/dlq"
	"github.com/pipeweave/pipeweave/internal/heartbeat"
	"github.com/pipeweave/pipeweave/internal/httpapi"
	"github.com/pipeweave/pipeweave/internal/idempotency"
	"github.com/pipeweave/pipeweave/internal/maintenance"
	"github.com/pipeweave/pipeweave/internal/metrics"
	"github.com/pipeweave/pipeweave/internal/pipeline"
	"github.com/pipeweave/pipeweave/internal/queue"
	"github.com/pipeweave/pipeweave/internal/registry"
	"github.com/pipeweave/pipeweave/internal/retry"
	"github.com/pipeweave/pipeweave/internal/store"
	"github.com/pipeweave/pipeweave/internal/token"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "pipeweave",
		Short:         "Durable pipeline orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(migrateCmd(&configPath))
	root.AddCommand(cleanupCmd(&configPath))
	root.AddCommand(statusCmd(&configPath))
	return root
}

func loadConfig(path string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.ZapLevel())
	log, err := zcfg.Build()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("building logger: %w", err)
	}
	return cfg, log, nil
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (*store.Store, error) {
	opts := store.DefaultOptions()
	if cfg.DBMaxOpenConns > 0 {
		opts.MaxOpenConns = cfg.DBMaxOpenConns
	}
	return store.Open(ctx, cfg.DatabaseURL, opts, log)
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := store.Migrate(ctx, st.SQLDB()); err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			met := metrics.New(reg)

			cache := idempotency.New(st, log)
			qm := queue.New(st, cache, met, log)
			svcReg := registry.New(st, log)
			validator := pipeline.NewValidator(svcReg, log)
			exec := pipeline.NewExecutor(st, qm, validator, log)
			maint := maintenance.New(st, log)
			qm.AddStatusHook(maint.OnTaskStatusChange)

			rm := retry.New(st, cfg.MaxRetryDelayMs, log)
			dq := dlq.New(st, log)
			mon := heartbeat.New(st, met, log)
			router := dispatch.NewRouter(st, qm, rm, dq, exec, met, log)
			mon.SetTimeoutHandler(func(ctx context.Context, run core.TaskRun) {
				if err := router.Route(ctx, run); err != nil {
					log.Error("routing timed-out run failed",
						zap.String("run", run.ID), zap.Error(err))
				}
			})
			defer mon.Stop()

			iss := token.New(cfg.SecretKey, 15*time.Minute)
			transport := dispatch.NewHTTPTransport(30*time.Second, log)
			disp := dispatch.New(st, qm, svcReg, transport, iss, mon, router, maint, met,
				dispatch.Options{MaxConcurrency: cfg.MaxConcurrency}, log)

			if n, err := mon.SweepStale(ctx); err != nil {
				log.Error("stale run sweep failed", zap.Error(err))
			} else if n > 0 {
				log.Warn("stale runs recovered at startup", zap.Int("count", n))
			}

			if cfg.Mode == config.ModeContinuous {
				go disp.Run(ctx, cfg.PollInterval())
			} else {
				log.Info("tick-driven mode: dispatch via POST /api/tick")
			}

			api := httpapi.NewServer(httpapi.Deps{
				Queue:       qm,
				Registry:    svcReg,
				Executor:    exec,
				Maintenance: maint,
				Monitor:     mon,
				Dispatcher:  disp,
				Router:      router,
				DLQ:         dq,
				Gatherer:    reg,
			}, log)

			srv := &http.Server{
				Addr:        fmt.Sprintf(":%d", cfg.Port),
				Handler:     api.Handler(),
				ReadTimeout: cfg.HTTPReadTimeout(),
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info("http server listening", zap.Int("port", cfg.Port))
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			st, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := store.Migrate(cmd.Context(), st.SQLDB()); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
}

func cleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired idempotency entries and purge old DLQ rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			st, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			cache := idempotency.New(st, log)
			expired, err := cache.CleanupExpired(cmd.Context())
			if err != nil {
				return err
			}

			dq := dlq.New(st, log)
			purged, err := dq.Purge(cmd.Context(), cfg.DLQRetentionDays)
			if err != nil {
				return err
			}

			fmt.Printf("removed %d expired cache entries, purged %d dlq entries\n", expired, purged)
			return nil
		},
	}
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print queue and maintenance status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			st, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			qm := queue.New(st, idempotency.New(st, log), nil, log)
			status, err := qm.GetStatus(cmd.Context())
			if err != nil {
				return err
			}
			maint := maintenance.New(st, log)
			state, err := maint.State(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("mode:      %s (since %s)\n", state.Mode, state.ModeChangedAt.Format(time.RFC3339))
			fmt.Printf("pending:   %d\n", status.Pending)
			fmt.Printf("running:   %d\n", status.Running)
			fmt.Printf("completed: %d\n", status.Completed)
			fmt.Printf("failed:    %d\n", status.Failed)
			fmt.Printf("timeout:   %d\n", status.Timeout)
			fmt.Printf("cancelled: %d\n", status.Cancelled)
			fmt.Printf("dlq:       %d\n", status.DLQ)
			if status.OldestPending != nil {
				fmt.Printf("oldest pending: %s\n", status.OldestPending.Format(time.RFC3339))
			}
			return nil
		},
	}
}
