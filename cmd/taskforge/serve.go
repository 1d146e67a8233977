package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rogersf/taskforge/internal/archive"
	"github.com/rogersf/taskforge/internal/audit"
	"github.com/rogersf/taskforge/internal/config"
	"github.com/rogersf/taskforge/internal/dispatch"
	"github.com/rogersf/taskforge/internal/executor"
	"github.com/rogersf/taskforge/internal/github"
	"github.com/rogersf/taskforge/internal/ipc"
	"github.com/rogersf/taskforge/internal/observability"
	"github.com/rogersf/taskforge/internal/planagent"
	"github.com/rogersf/taskforge/internal/store"
	"github.com/rogersf/taskforge/internal/worker"
	"github.com/rogersf/taskforge/internal/workflow"
)

const (
	retentionInterval = time.Hour
	shutdownTimeout   = 10 * time.Second
)

func serveCmd(g *globalFlags) *cobra.Command {
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := g.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, path, !noWorker, g.logger())
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "Serve the API without the background worker")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, cfgPath string, runWorker bool, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var archiver audit.Archiver
	if cfg.Archive.Endpoint != "" {
		a, err := archive.NewS3Archiver(archive.Config{
			Endpoint:  cfg.Archive.Endpoint,
			Bucket:    cfg.Archive.Bucket,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			UseSSL:    cfg.Archive.UseSSL,
			Prefix:    cfg.Archive.Prefix,
		}, logger)
		if err != nil {
			return fmt.Errorf("configure archive: %w", err)
		}
		archiver = a
	}

	ledger, err := audit.NewLedger(audit.Options{
		Dir:           cfg.AuditDir,
		RetentionDays: cfg.AuditRetentionDays,
		Archiver:      archiver,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("open audit ledger: %w", err)
	}

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("taskforge"), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Drain()
	}

	local := &executor.Local{}
	allow := executor.NewAllowList(cfg.CommandAllowList)

	var planner planagent.Evaluator = planagent.Heuristic{}
	if cfg.PlanningAgent.Command != "" {
		planner = planagent.NewCLI(planagent.Config{
			Command: cfg.PlanningAgent.Command,
			Args:    cfg.PlanningAgent.Args,
			Timeout: cfg.PlanningAgentTimeout(),
		}, local, logger)
	}

	gates := workflow.NewGateRegistry(&workflow.MergeGate{
		Client:      github.NewClient(cfg.GitHub.APIURL),
		Token:       cfg.GitHub.Token,
		MergeMethod: cfg.GitHub.MergeMethod,
	})

	svc := workflow.NewService(workflow.Options{
		Persistence:    store.NewTaskStore(db),
		Auditor:        ledger,
		Gates:          gates,
		Executor:       local,
		AllowList:      allow,
		CommandTimeout: cfg.CommandTimeout(),
		PlanningAgent:  planner,
		Logger:         logger,
		Metrics:        metrics,
	})
	n, err := svc.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}
	logger.Info("tasks restored", "count", n)

	auditRepo := &store.AuditRepo{}
	handler := &ipc.Handler{
		Service:   svc,
		Ledger:    ledger,
		DB:        db,
		AuditRepo: auditRepo,
		Version:   version,
	}
	srv := ipc.NewServer(handler, cfg.ListenAddr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	grp, ctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		logger.Info("taskforge listening", "addr", cfg.ListenAddr, "version", version)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	mirror, cancelMirror := ledger.Subscribe(256)
	grp.Go(func() error {
		defer cancelMirror()
		auditRepo.Mirror(ctx, db, mirror, logger)
		return nil
	})

	if nc != nil {
		records, cancelSink := ledger.Subscribe(256)
		sink := &audit.NATSSink{Publisher: nc, Logger: logger}
		grp.Go(func() error {
			defer cancelSink()
			sink.Run(ctx, records)
			return nil
		})
	}

	grp.Go(func() error {
		ticker := time.NewTicker(retentionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				removed, err := ledger.Sweep(ctx)
				if err != nil {
					logger.Warn("audit retention sweep failed", "error", err)
					continue
				}
				if len(removed) > 0 {
					logger.Info("audit partitions removed", "partitions", removed)
				}
			}
		}
	})

	if cfgPath != "" {
		grp.Go(func() error {
			return config.Watch(ctx, cfgPath, logger, func(next *config.Config) {
				allow.Replace(next.CommandAllowList)
				logger.Info("command allow-list updated", "entries", len(allow.Entries()))
			})
		})
	}

	if runWorker {
		var fn dispatch.Func = worker.LogDispatcher(logger)
		if nc != nil {
			fn = worker.NATSDispatcher(nc, "")
		}
		sched := worker.New(svc, fn, worker.Config{
			Interval:              cfg.WorkerInterval(),
			MaxAttempts:           cfg.WorkerMaxAttempts,
			MaxCheckpointsPerTask: cfg.MaxCheckpointsPerTask,
			SessionID:             uuid.NewString(),
		}, worker.WithAuditor(ledger), worker.WithLogger(logger), worker.WithMetrics(metrics))
		grp.Go(func() error {
			sched.Start(ctx)
			<-ctx.Done()
			sched.Stop()
			return nil
		})
	}

	return grp.Wait()
}
