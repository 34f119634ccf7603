// Package main provides the entry point for the tsbridge worker. The worker
// runs one subscription against a time-series database and republishes every
// row it receives to the configured downstream emitter.
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

	"github.com/janovincze/tsbridge/internal/cdc/deadletter"
	"github.com/janovincze/tsbridge/internal/cdc/emitter"
	"github.com/janovincze/tsbridge/internal/cdc/health"
	"github.com/janovincze/tsbridge/internal/cdc/pipeline"
	"github.com/janovincze/tsbridge/internal/cdc/source"
	"github.com/janovincze/tsbridge/internal/cdc/source/naming"
	"github.com/janovincze/tsbridge/internal/cdc/source/pool"
	"github.com/janovincze/tsbridge/internal/cdc/subscription"
	"github.com/janovincze/tsbridge/internal/config"
	"github.com/janovincze/tsbridge/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting tsbridge worker",
		"version", cfg.Version,
		"environment", cfg.Environment,
	)

	if err := cfg.Validate(); err != nil {
		return err
	}
	sub, err := source.Parse(cfg.Subscription)
	if err != nil {
		return fmt.Errorf("parse subscription: %w", err)
	}

	metrics.Register()

	srcPool, err := pool.New(ctx, pool.Config{
		URL:             sub.Endpoint,
		User:            sub.User,
		Password:        sub.Password,
		Charset:         sub.Charset,
		Timezone:        sub.Timezone,
		MinConns:        int32(cfg.Pool.MinConns),
		MaxConns:        int32(cfg.Pool.MaxConns),
		AcquireTimeout:  cfg.Pool.AcquireTimeout,
		ConnectTimeout:  cfg.Pool.ConnectTimeout,
		ValidationQuery: cfg.Pool.ValidationQuery,
	}, logger)
	if err != nil {
		return fmt.Errorf("create source pool: %w", err)
	}
	defer srcPool.Close()

	ids, err := naming.NewSnowflake(cfg.Naming.DatacenterID, cfg.Naming.WorkerID)
	if err != nil {
		return fmt.Errorf("create id generator: %w", err)
	}

	em, err := emitter.New(cfg.Emitter)
	if err != nil {
		return fmt.Errorf("create %s emitter: %w", cfg.Emitter.Type, err)
	}
	defer func() {
		if err := em.Close(); err != nil {
			logger.Warn("failed to close emitter", "error", err)
		}
	}()

	dlq, err := openDeadLetter(ctx, cfg.DeadLetter, logger)
	if err != nil {
		return err
	}
	if dlq != nil {
		defer dlq.Close()
	}

	pipelineCfg := pipeline.Config{
		Name: cfg.Pipeline.Name,
		Retry: pipeline.RetryPolicy{
			MaxAttempts:     cfg.Pipeline.Retry.MaxAttempts,
			InitialInterval: cfg.Pipeline.Retry.InitialInterval,
			MaxInterval:     cfg.Pipeline.Retry.MaxInterval,
			Multiplier:      cfg.Pipeline.Retry.Multiplier,
			Jitter:          true,
		},
		EmitTimeout:         cfg.Pipeline.EmitTimeout,
		CloseTimeout:        cfg.Pipeline.CloseTimeout,
		DeadLetterRetention: cfg.DeadLetter.Retention,
	}
	deps := pipeline.Dependencies{
		Pool:    srcPool,
		Namer:   naming.NewNamer(cfg.Naming.Prefix, ids),
		Opener:  subscription.NewPgxOpener(logger),
		Emitter: em,
	}
	if dlq != nil {
		deps.DeadLetter = dlq
	}

	controller, err := pipeline.New(deps, pipelineCfg, logger)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	if cfg.Health.Enabled {
		mgr := health.NewManager(health.ManagerConfig{Timeout: cfg.Health.CheckTimeout}, logger)
		mgr.Register(health.NewControllerChecker("subscription", controller))
		mgr.Register(health.NewPoolChecker("source", srcPool))

		srvCfg := health.DefaultServerConfig()
		srvCfg.ListenAddr = cfg.Health.ListenAddr
		srv := health.NewServer(mgr, srvCfg, logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
		logger.Info("health checks configured", "addr", cfg.Health.ListenAddr, "checkers", mgr.Names())
	}

	if err := controller.Start(ctx, sub); err != nil {
		return fmt.Errorf("start subscription: %w", err)
	}

	logger.Info("subscription running",
		"subscription", controller.SubscriptionID(),
		"target", sub.Target().Path(),
		"emitter", cfg.Emitter.Type,
		"dead_letter", dlq != nil,
	)

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := controller.Stop(stopCtx); err != nil {
			return fmt.Errorf("stop subscription: %w", err)
		}
	case <-controller.Done():
	}

	if err := controller.Err(); err != nil {
		return fmt.Errorf("subscription ended: %w", err)
	}

	logger.Info("tsbridge worker stopped gracefully", "stats", controller.Stats())
	return nil
}

const deadletterStopTimeout = 10 * time.Second

// deadLetterStore is a dead-letter manager plus whatever runs alongside it.
type deadLetterStore struct {
	deadletter.Manager
	cleaner *deadletter.Cleaner
}

func (s *deadLetterStore) Close() error {
	if s.cleaner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), deadletterStopTimeout)
		defer cancel()
		_ = s.cleaner.Stop(ctx)
	}
	return s.Manager.Close()
}

func openDeadLetter(ctx context.Context, cfg config.DeadLetterConfig, logger *slog.Logger) (*deadLetterStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	var m deadletter.Manager
	if cfg.DSN == "" {
		logger.Info("dead-letter rows kept in memory")
		m = deadletter.NewMemoryManager()
	} else {
		pm, err := deadletter.OpenPostgresManager(ctx, deadletter.PostgresConfig{
			DSN:          cfg.DSN,
			CreateSchema: cfg.CreateSchema,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create dead-letter store: %w", err)
		}
		m = pm
	}

	cleaner, err := deadletter.NewCleaner(m, cfg.CleanupSchedule, 0, logger)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("schedule dead-letter cleanup: %w", err)
	}
	cleaner.Start()

	return &deadLetterStore{Manager: m, cleaner: cleaner}, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
