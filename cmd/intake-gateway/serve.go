package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tjfontaine/intake-gateway/internal/config"
	"github.com/tjfontaine/intake-gateway/internal/frontdoor"
	"github.com/tjfontaine/intake-gateway/internal/server"
	"github.com/tjfontaine/intake-gateway/internal/telemetry"
)

const minShutdownGrace = 30 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the HTTP gateway",
		Flags:  []cli.Flag{configFlag},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	logger := newLogger(slog.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.LoadFile(c.String(configFlag.Name))
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to load config: %v", err), 1)
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(telemetry.Options{
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     version,
		}, logger)
		if err != nil {
			return cli.Exit(fmt.Sprintf("failed to initialize tracer: %v", err), 1)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer func() {
		if err := comps.Close(); err != nil {
			logger.Error("failed to close components", slog.String("error", err.Error()))
		}
	}()

	srv := server.New(cfg.Server.Port, logger, cfg.Telemetry.ServiceName)
	frontdoor.Mount(srv.Router, frontdoor.Routes(comps.frontdoorConfig(cfg, logger)))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return cli.Exit(fmt.Sprintf("server failed: %v", err), 1)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, draining requests")

	// In-flight scans may need their whole route budget to reach an outcome.
	grace := max(minShutdownGrace, cfg.Server.ScanTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return cli.Exit(fmt.Sprintf("shutdown error: %v", err), 1)
	}

	logger.Info("gateway shutdown complete")
	return nil
}
