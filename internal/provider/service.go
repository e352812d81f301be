// internal/provider/service.go
// Package provider implements the storage-provider service. It receives
// encrypted store envelopes from replication clients, persists them keyed
// by sender device, maintains the replica index and contract accounting,
// and serves stored envelopes back to authorized requesters while the
// owning device is offline.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/powerclubglobal/sovereign-storage-go/internal/auth"
	"github.com/powerclubglobal/sovereign-storage-go/internal/blobstore"
	"github.com/powerclubglobal/sovereign-storage-go/internal/channel"
	"github.com/powerclubglobal/sovereign-storage-go/internal/metrics"
	"github.com/powerclubglobal/sovereign-storage-go/internal/model"
	"github.com/powerclubglobal/sovereign-storage-go/internal/schema"
	"github.com/powerclubglobal/sovereign-storage-go/internal/storage"
	"github.com/powerclubglobal/sovereign-storage-go/internal/telemetry"
)

// statsInterval is how often the run loop logs a stats snapshot.
const statsInterval = time.Minute

// Service is a storage-provider node. It owns its channel handle, blob
// store, and replica index; handlers receive it by reference.
type Service struct {
	deviceID    string
	ch          channel.Channel
	store       storage.Store
	blobs       blobstore.Store
	validator   *schema.Validator
	metrics     *metrics.Metrics
	serveSecret []byte // Empty disables serve authorization

	mu       sync.Mutex                // Guards replicas and srcLocks
	replicas map[string]model.Replica  // In-memory mirror of the durable replica index
	srcLocks map[string]*sync.Mutex    // Exclusive write lock per source device
}

// New creates a provider service and warms the in-memory replica index
// from the durable store, so replicas survive a provider restart.
func New(ctx context.Context, deviceID string, ch channel.Channel, store storage.Store, blobs blobstore.Store, m *metrics.Metrics, serveSecret []byte) (*Service, error) {
	validator, err := schema.NewValidator()
	if err != nil {
		return nil, err
	}

	s := &Service{
		deviceID:    deviceID,
		ch:          ch,
		store:       store,
		blobs:       blobs,
		validator:   validator,
		metrics:     m,
		serveSecret: serveSecret,
		replicas:    make(map[string]model.Replica),
		srcLocks:    make(map[string]*sync.Mutex),
	}

	existing, err := store.ListReplicas(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range existing {
		s.replicas[r.SourceDeviceID] = r
	}
	if m != nil {
		m.ReplicaCount.Set(float64(len(existing)))
	}

	return s, nil
}

// sourceLock returns the exclusive write lock for one source device.
// Syncs for distinct sources proceed concurrently; two syncs for the same
// source serialize so file writes never interleave.
func (s *Service) sourceLock(sourceDeviceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, exists := s.srcLocks[sourceDeviceID]
	if !exists {
		lock = &sync.Mutex{}
		s.srcLocks[sourceDeviceID] = lock
	}
	return lock
}

// HandleSyncRequest processes one sync-request envelope. On any decode,
// I/O, or checksum failure it logs and publishes nothing; the client's
// bounded ack wait times out and the next scheduled cycle retries.
func (s *Service) HandleSyncRequest(ctx context.Context, raw []byte) {
	ctx, span := telemetry.Tracer("provider").Start(ctx, "handle_sync_request")
	defer span.End()

	fail := func(msg string, err error, args ...any) {
		args = append(args, "error", err)
		slog.Error(msg, args...)
		if s.metrics != nil {
			s.metrics.EnvelopesStoredTotal.WithLabelValues("error").Inc()
		}
	}

	if err := s.validator.ValidateSyncEnvelope(raw); err != nil {
		fail("rejected sync envelope", err)
		return
	}

	var envelope model.SyncEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		fail("sync envelope decode failed", err)
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Data)
	if err != nil {
		fail("sync envelope payload decode failed", err, "from", envelope.From)
		return
	}

	// Transport-integrity check, separate from the end-to-end plaintext
	// checksum only the owner can verify.
	encryptedSum := sha256.Sum256(ciphertext)
	encryptedChecksum := hex.EncodeToString(encryptedSum[:])
	if int64(len(ciphertext)) != envelope.EncryptedSize {
		fail("sync envelope size mismatch", nil,
			"from", envelope.From, "declared", envelope.EncryptedSize, "actual", len(ciphertext))
		return
	}

	slog.Info("sync request received",
		"from", envelope.From,
		"version", envelope.Version,
		"size", envelope.Size,
		"encrypted_size", envelope.EncryptedSize)

	lock := s.sourceLock(envelope.From)
	lock.Lock()
	defer lock.Unlock()

	path, err := s.blobs.Put(ctx, envelope.From, ciphertext)
	if err != nil {
		fail("replica write failed", err, "from", envelope.From)
		return
	}

	replica := model.Replica{
		SourceDeviceID:    envelope.From,
		Path:              path,
		Version:           envelope.Version,
		Checksum:          envelope.Checksum,
		EncryptedChecksum: encryptedChecksum,
		Size:              envelope.Size,
		EncryptedSize:     envelope.EncryptedSize,
		LastUpdated:       time.Now().UTC(),
	}
	if err := s.store.UpsertReplica(ctx, replica); err != nil {
		fail("replica index update failed", err, "from", envelope.From)
		return
	}

	// Only mirror into memory once the write and index are durable, so
	// no index entry ever points at a not-yet-written replica.
	s.mu.Lock()
	s.replicas[envelope.From] = replica
	replicaCount := len(s.replicas)
	var storedBytes int64
	for _, r := range s.replicas {
		storedBytes += r.EncryptedSize
	}
	s.mu.Unlock()

	s.recordStorageUsage(ctx, storedBytes)

	if s.metrics != nil {
		s.metrics.EnvelopesStoredTotal.WithLabelValues("ok").Inc()
		s.metrics.BytesStored.Add(float64(len(ciphertext)))
		s.metrics.ReplicaCount.Set(float64(replicaCount))
	}

	ack := model.SyncAck{
		Success:       true,
		Version:       envelope.Version,
		Checksum:      encryptedChecksum,
		CorrelationID: envelope.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}
	data, err := json.Marshal(ack)
	if err != nil {
		fail("ack encode failed", err, "from", envelope.From)
		return
	}
	if err := s.ch.Publish(ctx, channel.StorageAckSubject(envelope.From), data); err != nil {
		fail("ack publish failed", err, "from", envelope.From)
		return
	}

	slog.Info("replica stored", "from", envelope.From, "path", path, "version", envelope.Version)
}

// recordStorageUsage updates the active contract's storage counter from
// the total ciphertext bytes currently held. Providers without a
// provisioned contract still store; billing just has nothing to update.
func (s *Service) recordStorageUsage(ctx context.Context, storedBytes int64) {
	contract, err := s.store.GetActiveContract(ctx, s.deviceID)
	if err != nil {
		return
	}
	usedGB := float64(storedBytes) / (1024 * 1024 * 1024)
	if err := s.store.SetStorageUsedGB(ctx, contract.ID, usedGB); err != nil {
		slog.Warn("contract storage update failed", "contract", contract.ID, "error", err)
	}
}

// ServeDataRequest returns a stored replica to a requester, or an explicit
// "no replica available" error response. The payload stays encrypted; the
// requester decrypts locally with the owner's passphrase.
func (s *Service) ServeDataRequest(ctx context.Context, raw []byte) {
	ctx, span := telemetry.Tracer("provider").Start(ctx, "serve_data_request")
	defer span.End()

	if err := s.validator.ValidateServeRequest(raw); err != nil {
		slog.Error("rejected serve request", "error", err)
		return
	}

	var req model.ServeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		slog.Error("serve request decode failed", "error", err)
		return
	}

	slog.Info("data request", "requester", req.Requester, "device_id", req.DeviceID)

	if len(s.serveSecret) > 0 {
		if err := auth.VerifyServeToken(s.serveSecret, req.Token, req.Requester, req.DeviceID); err != nil {
			slog.Warn("serve request not authorized", "requester", req.Requester, "error", err)
			s.respond(ctx, req.Requester, model.ServeResponse{Success: false, Error: "not authorized"}, "unauthorized")
			return
		}
	}

	s.mu.Lock()
	replica, exists := s.replicas[req.DeviceID]
	s.mu.Unlock()

	if !exists {
		slog.Warn("no replica available", "device_id", req.DeviceID)
		s.respond(ctx, req.Requester, model.ServeResponse{Success: false, Error: "no replica available"}, "miss")
		return
	}

	ciphertext, err := s.blobs.Get(ctx, req.DeviceID)
	if err != nil {
		slog.Error("replica read failed", "device_id", req.DeviceID, "error", err)
		s.respond(ctx, req.Requester, model.ServeResponse{Success: false, Error: "replica unreadable"}, "error")
		return
	}

	resp := model.ServeResponse{
		Success:    true,
		DeviceID:   req.DeviceID,
		Version:    replica.Version,
		Data:       base64.StdEncoding.EncodeToString(ciphertext),
		Checksum:   replica.EncryptedChecksum,
		ProviderID: s.deviceID,
	}
	s.respond(ctx, req.Requester, resp, "ok")

	if s.metrics != nil {
		s.metrics.BytesServed.Add(float64(len(ciphertext)))
	}
	s.recordTransfer(ctx, int64(len(ciphertext)))

	slog.Info("replica served", "device_id", req.DeviceID, "requester", req.Requester, "bytes", len(ciphertext))
}

// respond publishes a serve response on the requester-scoped subject.
func (s *Service) respond(ctx context.Context, requester string, resp model.ServeResponse, status string) {
	if s.metrics != nil {
		s.metrics.ServeTotal.WithLabelValues(status).Inc()
	}
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("serve response encode failed", "error", err)
		return
	}
	if err := s.ch.Publish(ctx, channel.StorageResponseSubject(requester), data); err != nil {
		slog.Error("serve response publish failed", "requester", requester, "error", err)
	}
}

// recordTransfer accumulates served bytes against the active contract.
func (s *Service) recordTransfer(ctx context.Context, bytes int64) {
	contract, err := s.store.GetActiveContract(ctx, s.deviceID)
	if err != nil {
		return
	}
	gb := float64(bytes) / (1024 * 1024 * 1024)
	if err := s.store.AddTransferredGB(ctx, contract.ID, gb); err != nil {
		slog.Warn("contract transfer update failed", "contract", contract.ID, "error", err)
	}
}

// Stats returns a point-in-time snapshot of replica and contract state.
func (s *Service) Stats(ctx context.Context) model.ProviderStats {
	s.mu.Lock()
	stats := model.ProviderStats{ReplicaCount: len(s.replicas)}
	for _, r := range s.replicas {
		stats.TotalStorageBytes += r.EncryptedSize
	}
	s.mu.Unlock()

	if contract, err := s.store.GetActiveContract(ctx, s.deviceID); err == nil {
		stats.ActiveContracts = 1
		stats.ContractedGB = contract.ActualStorageUsedGB
		stats.TotalTransferredGB = contract.TotalDataTransferredGB
	}
	return stats
}

// Run subscribes to the provider's sync and serve subjects and blocks
// until ctx is cancelled, logging a stats snapshot every minute. Each
// message is handled on its own goroutine so a slow sync cannot stall
// serve traffic. Subscriptions are released before returning.
func (s *Service) Run(ctx context.Context) error {
	syncSubject := channel.StorageSyncSubject(s.deviceID)
	syncSub, err := s.ch.Subscribe(syncSubject, func(data []byte) {
		go s.HandleSyncRequest(ctx, data)
	})
	if err != nil {
		return err
	}
	defer syncSub.Unsubscribe()

	serveSubject := channel.StorageServeSubject(s.deviceID)
	serveSub, err := s.ch.Subscribe(serveSubject, func(data []byte) {
		go s.ServeDataRequest(ctx, data)
	})
	if err != nil {
		return err
	}
	defer serveSub.Unsubscribe()

	slog.Info("storage provider started",
		"device_id", s.deviceID,
		"sync_subject", syncSubject,
		"serve_subject", serveSubject)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := s.Stats(ctx)
			slog.Info("storage stats",
				"replicas", stats.ReplicaCount,
				"storage_bytes", stats.TotalStorageBytes,
				"active_contracts", stats.ActiveContracts,
				"transferred_gb", stats.TotalTransferredGB)
		}
	}
}
