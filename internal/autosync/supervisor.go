// internal/autosync/supervisor.go
// Package autosync runs the background replication supervisor on
// data-owning devices. It loads the dashboard-managed sync config, runs an
// immediate catch-up sync, then keeps the device heartbeating and syncing
// on its configured interval until shut down.
package autosync

import (
	"context"
	"log/slog"
	"time"

	"github.com/powerclubglobal/sovereign-storage-go/internal/channel"
	"github.com/powerclubglobal/sovereign-storage-go/internal/config"
	"github.com/powerclubglobal/sovereign-storage-go/internal/errors"
	"github.com/powerclubglobal/sovereign-storage-go/internal/metrics"
	"github.com/powerclubglobal/sovereign-storage-go/internal/registry"
	"github.com/powerclubglobal/sovereign-storage-go/internal/replication"
)

// heartbeatInterval is how often the supervisor announces liveness.
const heartbeatInterval = time.Minute

// DialFunc opens a channel connection; overridable in tests.
type DialFunc func(url string) (channel.Channel, error)

// Supervisor owns the auto-sync lifecycle for one device.
type Supervisor struct {
	cfg     config.SyncConfig
	metrics *metrics.Metrics
	dial    DialFunc
}

// New loads and validates the supervisor config. An empty path selects the
// default config location. Disabled config is not an error here; Run
// reports it and exits cleanly.
func New(configPath string, m *metrics.Metrics) (*Supervisor, error) {
	if configPath == "" {
		configPath = config.DefaultSyncConfigPath()
	}

	cfg, err := config.LoadSync(configPath)
	if err != nil {
		return nil, errors.Wrap(errors.STORAGE_CONFIG, "sync config unavailable", err)
	}

	if cfg.Enabled {
		if err := cfg.Validate(); err != nil {
			return nil, errors.Wrap(errors.STORAGE_CONFIG, "sync config invalid", err)
		}
	}

	return &Supervisor{cfg: cfg, metrics: m, dial: channel.Connect}, nil
}

// Config returns the loaded supervisor configuration.
func (s *Supervisor) Config() config.SyncConfig {
	return s.cfg
}

// Run executes the supervisor until ctx is cancelled. When sync is disabled
// it returns immediately without touching the network. Otherwise it
// connects the channel, performs one immediate sync so a long outage is
// repaired right away, starts the heartbeat publisher, and settles into the
// scheduled sync loop.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		slog.Info("sovereign sync disabled, exiting")
		return nil
	}

	ch, err := s.dial(s.cfg.NATSURL)
	if err != nil {
		return errors.Wrap(errors.STORAGE_TRANSPORT, "channel connect failed", err)
	}
	defer ch.Close()

	client, err := replication.NewClient(replication.Config{
		DatabasePath:       s.cfg.DatabasePath,
		DeviceID:           s.cfg.DeviceID,
		ProviderDeviceID:   s.cfg.ProviderDeviceID,
		EncryptionPassword: s.cfg.EncryptionPassword,
	}, ch, s.metrics)
	if err != nil {
		return err
	}

	interval := time.Duration(s.cfg.SyncIntervalMinutes) * time.Minute
	slog.Info("auto-sync supervisor starting",
		"device_id", s.cfg.DeviceID,
		"provider", s.cfg.ProviderDeviceID,
		"interval", interval)

	go registry.RunPublisher(ctx, ch, s.cfg.DeviceID, heartbeatInterval)

	// Catch-up sync before the first tick, so a device that was offline
	// past its interval repairs immediately on startup.
	if err := client.SyncToProvider(ctx); err != nil {
		slog.Warn("initial sync failed", "error", err)
	}

	client.AutoSyncLoop(ctx, interval)
	return nil
}
