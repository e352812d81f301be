// cmd/storaged/main.go
// Package main implements the storage provider daemon. It runs the device
// registry listener, the storage provider service, and the operational
// HTTP endpoint, all over one channel connection.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/powerclubglobal/sovereign-storage-go/internal/blobstore"
	"github.com/powerclubglobal/sovereign-storage-go/internal/channel"
	"github.com/powerclubglobal/sovereign-storage-go/internal/config"
	"github.com/powerclubglobal/sovereign-storage-go/internal/metrics"
	"github.com/powerclubglobal/sovereign-storage-go/internal/provider"
	"github.com/powerclubglobal/sovereign-storage-go/internal/registry"
	"github.com/powerclubglobal/sovereign-storage-go/internal/server"
	"github.com/powerclubglobal/sovereign-storage-go/internal/storage"
	"github.com/powerclubglobal/sovereign-storage-go/internal/telemetry"
	"github.com/powerclubglobal/sovereign-storage-go/internal/transfer"
)

// main wires the provider daemon and handles graceful shutdown.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if _, err := telemetry.InitTracer("sovereign-storaged"); err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Storage backend: PostgreSQL in production, in-memory for development
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		store = storage.NewMemory()
	}

	// Replica blobs: S3-compatible object storage when configured, local
	// disk otherwise
	var blobs blobstore.Store
	if cfg.S3Endpoint != "" && cfg.S3Bucket != "" {
		blobs, err = blobstore.NewS3(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize S3 blob store", "error", err)
			os.Exit(1)
		}
	} else {
		blobs, err = blobstore.NewDisk(cfg.StorageDir)
		if err != nil {
			logger.Error("failed to initialize disk blob store", "error", err)
			os.Exit(1)
		}
	}

	ch, err := channel.Connect(cfg.NATSURL)
	if err != nil {
		logger.Error("channel connect failed", "url", cfg.NATSURL, "error", err)
		os.Exit(1)
	}
	defer ch.Close()

	m := metrics.NewMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var serveSecret []byte
	if cfg.ServeTokenSecret != "" {
		serveSecret = []byte(cfg.ServeTokenSecret)
	}
	svc, err := provider.New(ctx, cfg.DeviceID, ch, store, blobs, m, serveSecret)
	if err != nil {
		logger.Error("provider init failed", "error", err)
		os.Exit(1)
	}

	reg := registry.New(store, m, time.Duration(cfg.HeartbeatTimeoutMinutes)*time.Minute)

	go func() {
		if err := reg.RunListener(ctx, ch); err != nil {
			logger.Error("registry listener failed", "error", err)
			cancel()
		}
	}()

	go func() {
		if err := svc.Run(ctx); err != nil {
			logger.Error("provider service failed", "error", err)
			cancel()
		}
	}()

	// Chunked-variant receiver for stores too large for one envelope.
	receiver, err := transfer.NewReceiver(cfg.DeviceID, filepath.Join(cfg.StorageDir, "incoming"), ch, m, nil)
	if err != nil {
		logger.Error("transfer receiver init failed", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := receiver.Run(ctx); err != nil {
			logger.Error("transfer receiver failed", "error", err)
			cancel()
		}
	}()

	// The provider announces its own liveness like any other device.
	go registry.RunPublisher(ctx, ch, cfg.DeviceID, time.Minute)

	go func() {
		if err := server.Run(ctx, cfg.MetricsAddr, server.NewMux(svc.Stats)); err != nil {
			logger.Error("ops endpoint failed", "error", err)
			cancel()
		}
	}()

	logger.Info("storage provider daemon started", "device_id", cfg.DeviceID, "env", cfg.Env)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	cancel()

	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	logger.Info("storage provider daemon exited")
}
