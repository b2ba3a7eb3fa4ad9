// Package main provides the entry point for the deploy worker.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/shipmate-io/shipmate/internal/cleanup"
	"github.com/shipmate-io/shipmate/internal/executor"
	pgqueue "github.com/shipmate-io/shipmate/internal/queue/postgres"
	"github.com/shipmate-io/shipmate/internal/secrets"
	"github.com/shipmate-io/shipmate/internal/shutdown"
	pgstore "github.com/shipmate-io/shipmate/internal/store/postgres"
	"github.com/shipmate-io/shipmate/internal/worker"
	"github.com/shipmate-io/shipmate/pkg/config"
	"github.com/shipmate-io/shipmate/pkg/logger"
)

func main() {
	log := logger.New(slog.LevelInfo, true)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	storeCfg := pgstore.DefaultConfig(cfg.DatabaseDSN)
	store, err := pgstore.NewPostgresStore(storeCfg, log.Logger)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	queue := pgqueue.NewPostgresQueue(store.DB(), log.Logger)

	var secretsService *secrets.Service
	if cfg.Secrets.AgePublicKey != "" || cfg.Secrets.AgePrivateKey != "" {
		secretsService, err = secrets.NewService(&secrets.Config{
			AgePublicKey:  cfg.Secrets.AgePublicKey,
			AgePrivateKey: cfg.Secrets.AgePrivateKey,
		}, log.Logger)
		if err != nil {
			log.Error("failed to initialize secrets service", "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("age keypair not configured, deploys cannot render env files")
	}

	dialer := executor.NewSSHDialer(cfg.Worker.KnownHostsFile, cfg.Worker.StepTimeout, log.Logger)
	execCfg := executor.DefaultConfig()
	execCfg.StepTimeout = cfg.Worker.StepTimeout
	exec := executor.New(store, dialer, secretsService, execCfg, log.Logger)

	pool := worker.New(&worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		RunTimeout:   cfg.Worker.RunTimeout,
	}, queue, exec, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coordinator.Register(shutdown.NewCloserComponent("database", store))
	coordinator.Register(shutdown.NewWorkerComponent("deploy-worker", pool))

	retention := cleanup.NewService(store, log.Logger)
	go retention.Run(ctx)

	log.Info("starting deploy worker", "concurrency", cfg.Worker.Concurrency)
	if err := pool.Start(ctx); err != nil {
		log.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	coordinator.WaitForSignal()
	coordinator.Wait()
	cancel()

	log.Info("deploy worker shutdown complete")
	os.Exit(coordinator.ExitCode())
}
