// cmd/syncd/main.go
// Package main implements the auto-sync daemon that runs on data-owning
// devices. It reads the dashboard-managed sync config and keeps the local
// store replicated to the configured storage provider.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/powerclubglobal/sovereign-storage-go/internal/autosync"
	"github.com/powerclubglobal/sovereign-storage-go/internal/metrics"
	"github.com/powerclubglobal/sovereign-storage-go/internal/server"
	"github.com/powerclubglobal/sovereign-storage-go/internal/telemetry"
)

// main wires the auto-sync supervisor and handles graceful shutdown.
func main() {
	configPath := flag.String("config", "", "path to the sync config file (defaults to the dashboard location)")
	metricsAddr := flag.String("metrics-addr", "", "listen address for the metrics endpoint; empty disables it")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if _, err := telemetry.InitTracer("sovereign-syncd"); err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	m := metrics.NewMetrics()

	sup, err := autosync.New(*configPath, m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "supervisor init failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *metricsAddr != "" {
		go func() {
			if err := server.Run(ctx, *metricsAddr, server.NewMux(nil)); err != nil {
				logger.Error("ops endpoint failed", "error", err)
			}
		}()
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("shutting down")
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		logger.Error("supervisor exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("auto-sync daemon exited")
}
