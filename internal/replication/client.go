// internal/replication/client.go
// Package replication implements the client side of the whole-envelope sync
// protocol. It runs on data-owning devices: computes a version fingerprint
// of the local store, encrypts the whole file as one envelope, pushes it to
// the configured provider, and waits for acknowledgment.
package replication

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/powerclubglobal/sovereign-storage-go/internal/channel"
	"github.com/powerclubglobal/sovereign-storage-go/internal/cryptobox"
	"github.com/powerclubglobal/sovereign-storage-go/internal/errors"
	"github.com/powerclubglobal/sovereign-storage-go/internal/metrics"
	"github.com/powerclubglobal/sovereign-storage-go/internal/model"
	"github.com/powerclubglobal/sovereign-storage-go/internal/telemetry"
)

// DefaultAckTimeout bounds the wait for a provider acknowledgment.
const DefaultAckTimeout = 30 * time.Second

// VersionFunc produces the store's monotonic version as epoch seconds.
// Embedding applications that track per-table modification timestamps can
// supply their own; the default uses the store file's modification time.
type VersionFunc func() (int64, error)

// Config wires a replication client.
type Config struct {
	DatabasePath       string        // Local store file to replicate
	DeviceID           string        // This device's ID
	ProviderDeviceID   string        // Target storage provider
	EncryptionPassword string        // Passphrase the envelope key derives from
	AckTimeout         time.Duration // Zero selects DefaultAckTimeout
	Version            VersionFunc   // Nil selects the file-mtime version
}

// Client syncs the local store to a storage provider over the channel.
// At most one sync runs per client instance; concurrent calls collapse
// into "already syncing".
type Client struct {
	cfg     Config
	ch      channel.Channel
	key     []byte
	metrics *metrics.Metrics
	syncing atomic.Bool
	state   State
}

// NewClient derives the envelope key and loads the replication-state
// sidecar. Key derivation is deliberately slow, so it happens once here
// rather than per sync.
func NewClient(cfg Config, ch channel.Channel, m *metrics.Metrics) (*Client, error) {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Version == nil {
		path := cfg.DatabasePath
		cfg.Version = func() (int64, error) { return fileMtimeVersion(path) }
	}

	st, err := loadState(cfg.DatabasePath)
	if err != nil {
		return nil, errors.Wrap(errors.STORAGE_CONFIG, "replication state unreadable", err)
	}

	return &Client{
		cfg:     cfg,
		ch:      ch,
		key:     cryptobox.DeriveKey(cfg.EncryptionPassword, cryptobox.FixedSalt),
		metrics: m,
		state:   st,
	}, nil
}

// fileMtimeVersion is the default version fingerprint: the store file's
// modification time in epoch seconds.
func fileMtimeVersion(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.ModTime().Unix(), nil
}

// ComputeVersion returns the store's current monotonic version.
func (c *Client) ComputeVersion() (int64, error) {
	return c.cfg.Version()
}

// ComputeChecksum returns the hex SHA-256 of the raw store file.
func (c *Client) ComputeChecksum() (string, error) {
	f, err := os.Open(c.cfg.DatabasePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// LastSyncedVersion returns the version the provider last confirmed.
func (c *Client) LastSyncedVersion() int64 {
	return c.state.LastSyncVersion
}

// SyncToProvider pushes the local store to the provider and waits for
// acknowledgment. It refuses to run concurrently with itself, short-
// circuits when the store version has not changed since the last confirmed
// sync, and commits no local bookkeeping unless the ack arrived. A timeout
// is reported as STORAGE_TIMEOUT: the provider may have stored the
// envelope without the ack reaching us, and the next cycle resolves it.
func (c *Client) SyncToProvider(ctx context.Context) error {
	if !c.syncing.CompareAndSwap(false, true) {
		return errors.New(errors.STORAGE_CONFLICT, "sync already in progress")
	}
	defer c.syncing.Store(false)

	start := time.Now()
	status := "error"
	defer func() {
		if c.metrics != nil {
			c.metrics.SyncTotal.WithLabelValues(status).Inc()
			c.metrics.SyncDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		}
	}()

	ctx, span := telemetry.Tracer("replication").Start(ctx, "sync_to_provider")
	defer span.End()

	version, err := c.ComputeVersion()
	if err != nil {
		return errors.Wrap(errors.STORAGE_INTERNAL, "version computation failed", err)
	}
	if version == c.state.LastSyncVersion {
		slog.Info("already in sync", "version", version)
		status = "noop"
		return nil
	}

	checksum, err := c.ComputeChecksum()
	if err != nil {
		return errors.Wrap(errors.STORAGE_INTERNAL, "checksum computation failed", err)
	}

	plaintext, err := os.ReadFile(c.cfg.DatabasePath)
	if err != nil {
		return errors.Wrap(errors.STORAGE_INTERNAL, "store read failed", err)
	}

	ciphertext, err := cryptobox.Encrypt(plaintext, c.key)
	if err != nil {
		return err
	}

	envelope := model.SyncEnvelope{
		Type:          model.EnvelopeType,
		From:          c.cfg.DeviceID,
		To:            c.cfg.ProviderDeviceID,
		Version:       version,
		Checksum:      checksum,
		Size:          int64(len(plaintext)),
		EncryptedSize: int64(len(ciphertext)),
		Data:          base64.StdEncoding.EncodeToString(ciphertext),
		CorrelationID: uuid.New().String(),
		Timestamp:     time.Now().UTC(),
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(errors.STORAGE_INTERNAL, "envelope encode failed", err)
	}

	// Subscribe before publishing so a fast ack cannot slip past us.
	ackCh := make(chan model.SyncAck, 1)
	sub, err := c.ch.Subscribe(channel.StorageAckSubject(c.cfg.DeviceID), func(data []byte) {
		var ack model.SyncAck
		if err := json.Unmarshal(data, &ack); err != nil {
			slog.Warn("malformed ack", "error", err)
			return
		}
		if !ack.Success {
			return
		}
		select {
		case ackCh <- ack:
		default:
		}
	})
	if err != nil {
		return errors.Wrap(errors.STORAGE_TRANSPORT, "ack subscribe failed", err)
	}
	defer sub.Unsubscribe()

	slog.Info("sending store to provider",
		"provider", c.cfg.ProviderDeviceID,
		"version", version,
		"size", envelope.Size,
		"encrypted_size", envelope.EncryptedSize)

	if err := c.ch.Publish(ctx, channel.StorageSyncSubject(c.cfg.ProviderDeviceID), payload); err != nil {
		return errors.Wrap(errors.STORAGE_TRANSPORT, "sync publish failed", err)
	}

	select {
	case ack := <-ackCh:
		c.state = State{
			SourceDeviceID:      c.cfg.DeviceID,
			DestinationDeviceID: c.cfg.ProviderDeviceID,
			DataType:            "full_db",
			LastSyncTimestamp:   time.Now().UTC(),
			LastSyncVersion:     version,
			SyncStatus:          "in_sync",
			SourceChecksum:      checksum,
		}
		if err := saveState(c.cfg.DatabasePath, c.state); err != nil {
			slog.Warn("replication state save failed", "error", err)
		}
		slog.Info("sync confirmed by provider", "provider_version", ack.Version)
		status = "ok"
		return nil
	case <-time.After(c.cfg.AckTimeout):
		status = "timeout"
		return errors.New(errors.STORAGE_TIMEOUT,
			fmt.Sprintf("no acknowledgment within %s", c.cfg.AckTimeout))
	case <-ctx.Done():
		status = "cancelled"
		return errors.Wrap(errors.STORAGE_TIMEOUT, "sync cancelled", ctx.Err())
	}
}

// AutoSyncLoop calls SyncToProvider on a fixed interval until ctx is
// cancelled. A failed cycle is logged and the loop continues; retry is the
// next scheduled interval.
func (c *Client) AutoSyncLoop(ctx context.Context, interval time.Duration) {
	slog.Info("auto-sync enabled", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.SyncToProvider(ctx); err != nil {
				slog.Warn("auto-sync cycle failed", "error", err)
			}
		}
	}
}
