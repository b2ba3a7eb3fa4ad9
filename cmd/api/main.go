// Package main provides the entry point for the control-plane API server.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/shipmate-io/shipmate/internal/api"
	"github.com/shipmate-io/shipmate/internal/auth"
	pgqueue "github.com/shipmate-io/shipmate/internal/queue/postgres"
	"github.com/shipmate-io/shipmate/internal/secrets"
	"github.com/shipmate-io/shipmate/internal/shutdown"
	pgstore "github.com/shipmate-io/shipmate/internal/store/postgres"
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

	authService := auth.NewService(&auth.Config{
		JWTSecret:   []byte(cfg.JWTSecret),
		TokenExpiry: cfg.JWTExpiry,
	}, auth.NewSettingsKeyStore(store.Settings()), log.Logger)

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
		log.Warn("age keypair not configured, secret endpoints will be unavailable")
	}

	server := api.NewServer(cfg, store, queue, authService, secretsService, store, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coordinator.Register(shutdown.NewCloserComponent("database", store))
	coordinator.Register(shutdown.NewFuncComponent("api-server", server.Shutdown))

	go func() {
		coordinator.WaitForSignal()
		cancel()
	}()

	log.Info("starting API server", "host", cfg.APIHost, "port", cfg.APIPort)
	if err := server.Start(ctx); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	coordinator.Wait()
	os.Exit(coordinator.ExitCode())
}
