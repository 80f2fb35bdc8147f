// File: cmd/gridplay/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// gridplay runs a grid of simulated playback pipelines under one coordinator
// and serves its control surface over HTTP.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/momentics/mediagrid/control"
	"github.com/momentics/mediagrid/coordinator"
	"github.com/momentics/mediagrid/fake"
	"github.com/momentics/mediagrid/internal/config"
	"github.com/momentics/mediagrid/internal/httpapi"
	"github.com/momentics/mediagrid/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gridplay:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", ".env", "path to a dotenv file")
	idle := flag.Bool("idle", false, "do not start playback until POST /start")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	grid, metrics, probes, err := buildGrid(cfg, log)
	if err != nil {
		return err
	}
	if !*idle {
		if err := grid.StartAll(context.Background()); err != nil {
			return fmt.Errorf("start grid: %w", err)
		}
	}

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: httpapi.NewHandler(grid, log, metrics, probes).Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	policy, n := grid.Policy()
	log.Info("gridplay started",
		zap.String("addr", cfg.HTTP.Addr),
		zap.Stringer("policy", policy),
		zap.Int("slots", n),
		zap.Bool("idle", *idle),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.Stringer("signal", sig))
	case err := <-errCh:
		log.Error("http server failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := grid.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop grid: %w", err))
	}
	log.Info("gridplay stopped", zap.Int64("total_bytes", grid.MetricsSnapshot().TotalBytes))
	return errors.Join(errs...)
}

func buildGrid(cfg *config.Config, log *zap.Logger) (*coordinator.Coordinator, *control.Metrics, *control.DebugProbes, error) {
	metrics := control.NewMetrics()
	probes := control.NewDebugProbes()
	control.RegisterPlatformProbes(probes)

	coordCfg, err := cfg.CoordinatorConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	policy, err := cfg.SharingPolicy()
	if err != nil {
		return nil, nil, nil, err
	}

	simCfg := cfg.FakeConfig()
	simCfg.Logger = log
	opts := []coordinator.Option{
		coordinator.WithLogger(log),
		coordinator.WithMetrics(metrics),
		coordinator.WithProbes(probes),
		coordinator.WithTracer(otel.Tracer("github.com/momentics/mediagrid")),
		coordinator.WithMeter(cfg.Meter()),
	}
	if alloc := cfg.MemoryAllocator(); alloc != nil {
		opts = append(opts, coordinator.WithMemoryAllocator(alloc))
	}

	grid, err := coordinator.New(coordCfg, fake.NewFactory(simCfg), opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := grid.Configure(policy, cfg.Slots); err != nil {
		return nil, nil, nil, err
	}
	return grid, metrics, probes, nil
}
