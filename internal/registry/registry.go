// internal/registry/registry.go
// Package registry tracks devices in the sovereign network: registration,
// heartbeat ingestion, staleness sweeping, and capability queries. The
// registry holder runs the listener; every device runs a heartbeat
// publisher.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/powerclubglobal/sovereign-storage-go/internal/channel"
	"github.com/powerclubglobal/sovereign-storage-go/internal/errors"
	"github.com/powerclubglobal/sovereign-storage-go/internal/metrics"
	"github.com/powerclubglobal/sovereign-storage-go/internal/model"
	"github.com/powerclubglobal/sovereign-storage-go/internal/storage"
)

// DefaultHeartbeatTimeout is how stale a heartbeat may be before the sweep
// flips the device offline.
const DefaultHeartbeatTimeout = 5 * time.Minute

// sweepInterval is how often the registry holder scans for stale devices.
const sweepInterval = time.Minute

// Service manages device registration and liveness against a backing
// store. It owns no channel connection; callers pass one to the run loops.
type Service struct {
	store   storage.Store
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time // Injectable clock for tests
}

// New creates a registry service over the given store. A non-positive
// timeout selects the default.
func New(store storage.Store, m *metrics.Metrics, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &Service{store: store, metrics: m, timeout: timeout, now: time.Now}
}

// Register provisions a device with insert-or-update semantics: calling it
// again for the same device ID updates attributes instead of duplicating.
// An empty device ID is assigned one. Capability flags default from the
// device class when both are unset, and accepting storage contracts always
// implies serving data.
func (s *Service) Register(ctx context.Context, device model.Device) (model.Device, error) {
	if device.ID == "" {
		device.ID = uuid.New().String()
	}
	if !device.ServesData && !device.AcceptsStorageContracts {
		serves, accepts, capacity := model.DefaultCapabilities(device.Class)
		device.ServesData = serves
		device.AcceptsStorageContracts = accepts
		if device.StorageCapacityGB == 0 {
			device.StorageCapacityGB = capacity
		}
	}
	if device.AcceptsStorageContracts {
		device.ServesData = true
	}

	now := s.now().UTC()
	device.Online = true
	device.LastHeartbeat = now
	device.LastSeen = now

	if err := s.store.UpsertDevice(ctx, device); err != nil {
		return device, errors.Wrap(errors.STORAGE_INTERNAL, "device registration failed", err)
	}
	return device, nil
}

// Heartbeat refreshes a device's liveness. A heartbeat for an unknown
// device is a no-op, not an error; provisioning is a separate step.
func (s *Service) Heartbeat(ctx context.Context, deviceID string) error {
	known, err := s.store.TouchHeartbeat(ctx, deviceID, s.now().UTC())
	if err != nil {
		return errors.Wrap(errors.STORAGE_INTERNAL, "heartbeat update failed", err)
	}
	if !known {
		slog.Debug("heartbeat from unregistered device", "device_id", deviceID)
	}
	return nil
}

// SweepStale flips devices offline whose last heartbeat is older than the
// configured timeout, and returns the number affected.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.timeout)
	affected, err := s.store.SweepStale(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.STORAGE_INTERNAL, "stale sweep failed", err)
	}
	if affected > 0 && s.metrics != nil {
		s.metrics.DevicesSweptOffline.Add(float64(affected))
	}
	return affected, nil
}

// DevicesByOwner returns all devices for one owner, most recently seen
// first. An unknown owner yields an empty slice, not an error.
func (s *Service) DevicesByOwner(ctx context.Context, ownerID string) ([]model.Device, error) {
	return s.store.ListDevicesByOwner(ctx, ownerID)
}

// OnlineDevices returns every device currently marked online.
func (s *Service) OnlineDevices(ctx context.Context) ([]model.Device, error) {
	return s.store.ListOnlineDevices(ctx)
}

// StorageProviders returns online contract-accepting devices, largest
// declared capacity first.
func (s *Service) StorageProviders(ctx context.Context) ([]model.Device, error) {
	return s.store.ListStorageProviders(ctx)
}

// RunListener ingests heartbeats from the channel and sweeps stale devices
// every minute until ctx is cancelled. It unsubscribes before returning.
func (s *Service) RunListener(ctx context.Context, ch channel.Channel) error {
	sub, err := ch.Subscribe(channel.HeartbeatSubject, func(data []byte) {
		var hb model.Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			slog.Warn("malformed heartbeat", "error", err)
			return
		}
		if hb.DeviceID == "" {
			return
		}
		if err := s.Heartbeat(ctx, hb.DeviceID); err != nil {
			slog.Error("heartbeat ingestion failed", "device_id", hb.DeviceID, "error", err)
			return
		}
		if s.metrics != nil {
			s.metrics.HeartbeatsTotal.Inc()
		}
	})
	if err != nil {
		return errors.Wrap(errors.STORAGE_TRANSPORT, "heartbeat subscribe failed", err)
	}
	defer sub.Unsubscribe()

	slog.Info("listening for device heartbeats", "subject", channel.HeartbeatSubject)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stale, err := s.SweepStale(ctx)
			if err != nil {
				slog.Error("stale sweep failed", "error", err)
				continue
			}
			if stale > 0 {
				slog.Warn("marked devices offline", "count", stale)
			}
		}
	}
}

// PublishHeartbeat sends a single liveness beacon for a device.
func PublishHeartbeat(ctx context.Context, ch channel.Channel, deviceID string) error {
	hb := model.Heartbeat{DeviceID: deviceID, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	if err := ch.Publish(ctx, channel.HeartbeatSubject, data); err != nil {
		return errors.Wrap(errors.STORAGE_TRANSPORT, "heartbeat publish failed", err)
	}
	return nil
}

// RunPublisher publishes heartbeats for a device at the given interval
// until ctx is cancelled. Failed publishes are logged and the loop
// continues; the next beat is the retry.
func RunPublisher(ctx context.Context, ch channel.Channel, deviceID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := PublishHeartbeat(ctx, ch, deviceID); err != nil {
				slog.Warn("heartbeat publish failed", "device_id", deviceID, "error", err)
			}
		}
	}
}
