// Package main provides the entry point for the edge proxy.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"

	"github.com/shipmate-io/shipmate/internal/proxy"
	"github.com/shipmate-io/shipmate/internal/shutdown"
	"github.com/shipmate-io/shipmate/pkg/config"
	"github.com/shipmate-io/shipmate/pkg/logger"
)

func main() {
	renewalCheck := flag.Bool("renewal-dry-run", false, "check certificate renewal readiness and exit")
	flag.Parse()

	log := logger.New(slog.LevelInfo, true)

	cfg := config.LoadWithDefaults()

	p, err := proxy.New(&proxy.Config{
		Hostname:         cfg.Proxy.Hostname,
		Upstream:         cfg.Proxy.UpstreamAddr,
		HTTPAddr:         cfg.Proxy.HTTPAddr,
		HTTPSAddr:        cfg.Proxy.HTTPSAddr,
		CertCacheDir:     cfg.Proxy.CertCacheDir,
		ACMEDirectoryURL: cfg.Proxy.ACMEDirectoryURL,
	}, log.Logger)
	if err != nil {
		log.Error("invalid proxy configuration", "error", err)
		os.Exit(1)
	}

	if *renewalCheck {
		report, err := p.RenewalDryRun(context.Background())
		if err != nil {
			log.Error("renewal dry run failed", "error", err)
			os.Exit(1)
		}
		json.NewEncoder(os.Stdout).Encode(report)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coordinator.Register(shutdown.NewFuncComponent("proxy", p.Shutdown))

	go func() {
		coordinator.WaitForSignal()
		cancel()
	}()

	log.Info("starting edge proxy",
		"hostname", cfg.Proxy.Hostname,
		"upstream", cfg.Proxy.UpstreamAddr,
	)
	if err := p.Start(ctx); err != nil {
		log.Error("proxy error", "error", err)
		os.Exit(1)
	}

	coordinator.Wait()
	os.Exit(coordinator.ExitCode())
}
