// Package main provides the entry point for the host agent.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/shipmate-io/shipmate/internal/agent"
	"github.com/shipmate-io/shipmate/internal/logs"
	"github.com/shipmate-io/shipmate/internal/shutdown"
	"github.com/shipmate-io/shipmate/pkg/config"
	"github.com/shipmate-io/shipmate/pkg/logger"
)

func main() {
	log := logger.New(slog.LevelInfo, true)

	cfg := config.LoadWithDefaults()

	broker := logs.NewBroker(log.Logger)
	manager := agent.NewManager(broker, cfg.Agent.LogBufferLines, log.Logger)

	if err := manager.LoadFile(cfg.Agent.UnitFile); err != nil {
		log.Error("failed to load unit file", "path", cfg.Agent.UnitFile, "error", err)
		os.Exit(1)
	}
	log.Info("units loaded", "units", manager.Names())

	console := agent.NewConsole("", log.Logger)
	server := agent.NewServer(manager, broker, console, cfg.Agent.SocketPath, log.Logger)

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coordinator.Register(shutdown.NewFuncComponent("units", func(context.Context) error {
		manager.StopAll()
		return nil
	}))
	coordinator.Register(shutdown.NewFuncComponent("control-socket", server.Shutdown))

	go func() {
		log.Info("agent listening", "socket", cfg.Agent.SocketPath)
		if err := server.Start(); err != nil {
			log.Error("agent server error", "error", err)
			coordinator.Shutdown()
		}
	}()

	coordinator.WaitForSignal()
	coordinator.Wait()

	log.Info("agent shutdown complete")
	os.Exit(coordinator.ExitCode())
}
