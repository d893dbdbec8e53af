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

	"github.com/animus-labs/hypershard/internal/certify"
	"github.com/animus-labs/hypershard/internal/config"
	"github.com/animus-labs/hypershard/internal/events"
	"github.com/animus-labs/hypershard/internal/orchestrator"
	"github.com/animus-labs/hypershard/internal/platform/httpserver"
	"github.com/animus-labs/hypershard/internal/platform/metrics"
	"github.com/animus-labs/hypershard/internal/platform/objectstore"
	"github.com/animus-labs/hypershard/internal/repo/location"
)

const service = "hxo"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("hxo failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	opened, err := location.Open(ctx, cfg.CheckpointStore)
	if err != nil {
		return fmt.Errorf("checkpoint store unavailable: %w", err)
	}
	defer func() { _ = opened.Store.Close() }()

	var checks []httpserver.ReadinessCheck
	if opened.DB != nil {
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "checkpoint_store",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return opened.DB.PingContext(checkCtx)
			},
		})
	}

	emitters := events.Multi{events.LogEmitter{Logger: logger, Level: slog.LevelDebug}}
	if cfg.EventLog && opened.DB != nil {
		sqlEvents := events.NewSQLEmitter(opened.DB, opened.Dialect)
		if err := sqlEvents.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate event log: %w", err)
		}
		emitters = append(emitters, sqlEvents)
	}

	var sink certify.Sink = certify.VerifyingSink{RejectPartial: cfg.RejectPartial}
	if cfg.CertifyBucket != "" {
		storeCfg, err := objectstore.ConfigFromEnv(cfg.CertifyBucket)
		if err != nil {
			return fmt.Errorf("invalid object store config: %w", err)
		}
		client, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			return fmt.Errorf("object store client: %w", err)
		}
		if err := objectstore.EnsureBucket(ctx, client, storeCfg); err != nil {
			return fmt.Errorf("certification bucket unavailable: %w", err)
		}
		bundles, err := objectstore.NewMinioStore(client)
		if err != nil {
			return err
		}
		sink = certify.ObjectStoreSink{
			Verifier: certify.VerifyingSink{RejectPartial: cfg.RejectPartial},
			Store:    bundles,
			Bucket:   storeCfg.Bucket,
		}
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "certification_bucket",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				return objectstore.CheckBucket(checkCtx, client, storeCfg.Bucket)
			},
		})
	}

	registry, m := metrics.NewRegistry()
	orch, err := orchestrator.New(orchestrator.Config{
		MaxConcurrency:  cfg.MaxConcurrency,
		Resume:          cfg.Resume,
		ProofSampleSize: cfg.ProofSampleSize,
	}, orchestrator.Options{
		Store:     opened.Store,
		Events:    emitters,
		Certifier: sink,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn("orchestrator shutdown incomplete, plans left resumable", "error", err)
		}
	}()

	if cfg.Resume {
		resumeUnfinalized(ctx, logger, opened, orch)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(service))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(service, checks...))
	mux.Handle("GET /metrics", metrics.Handler(registry))
	newPlanAPI(logger, orch).register(mux)

	serverCfg := httpserver.Config{
		Service:         service,
		Addr:            cfg.HTTPAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, serverCfg, httpserver.Wrap(logger, mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func resumeUnfinalized(ctx context.Context, logger *slog.Logger, opened location.Opened, orch *orchestrator.Orchestrator) {
	plans, err := opened.Store.ListUnfinalizedPlans(ctx)
	if err != nil {
		logger.Warn("list unfinalized plans failed", "error", err)
		return
	}
	for _, p := range plans {
		if err := orch.Resume(ctx, p.ID); err != nil {
			logger.Warn("resume plan failed", "plan_id", p.ID, "error", err)
		}
	}
}
