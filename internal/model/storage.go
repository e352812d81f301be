// internal/model/storage.go
// Package model defines the data structures used throughout the sovereign
// storage subsystem. These structures represent the core domain objects for
// devices, replication envelopes, replicas, and storage contracts.
package model

import (
	"time"
)

// Device classes recognized by the registry.
const (
	DeviceAlwaysOn        = "always_on"        // Always-available server node
	DeviceMobile          = "mobile"           // Intermittently-connected device
	DeviceStorageProvider = "storage_provider" // Node accepting storage contracts
)

// Device represents a registered device in the sovereign network.
// Each device is identified by an opaque ID and belongs to an owner.
// This corresponds to the device_registry table in storage.
type Device struct {
	ID                      string    `json:"id" db:"id"`                                               // Globally unique device identifier
	OwnerID                 string    `json:"ownerId" db:"owner_id"`                                    // Owning user identifier
	Name                    string    `json:"name" db:"device_name"`                                    // Human-readable device name
	Class                   string    `json:"class" db:"device_type"`                                   // One of always_on, mobile, storage_provider
	PublicKey               string    `json:"publicKey" db:"public_key"`                                // Public key placeholder
	ServesData              bool      `json:"servesData" db:"serves_data"`                              // Whether the device serves stored data
	AcceptsStorageContracts bool      `json:"acceptsStorageContracts" db:"accepts_storage_contracts"`   // Whether the device accepts storage contracts
	StorageCapacityGB       int64     `json:"storageCapacityGb" db:"storage_capacity_gb"`               // Declared storage capacity in GB
	Online                  bool      `json:"online" db:"is_online"`                                    // Current online flag
	LastHeartbeat           time.Time `json:"lastHeartbeat" db:"last_heartbeat"`                        // Last heartbeat ingestion time
	LastSeen                time.Time `json:"lastSeen" db:"last_seen"`                                  // Last activity time
}

// DefaultCapabilities fills in capability flags for a device class at
// provisioning time. Storage providers serve data and accept contracts;
// always-on devices serve data only.
func DefaultCapabilities(class string) (servesData, acceptsContracts bool, capacityGB int64) {
	switch class {
	case DeviceStorageProvider:
		return true, true, 100
	case DeviceAlwaysOn:
		return true, false, 0
	default:
		return false, false, 0
	}
}

// SyncEnvelope is the wire message carrying one encrypted store snapshot
// from a replication client to a storage provider.
type SyncEnvelope struct {
	Type          string    `json:"type"`           // Always "STORAGE_SYNC"
	From          string    `json:"from"`           // Sender device ID
	To            string    `json:"to"`             // Target provider device ID
	Version       int64     `json:"version"`        // Monotonic store version (epoch seconds)
	Checksum      string    `json:"checksum"`       // SHA-256 of the plaintext store
	Size          int64     `json:"size"`           // Plaintext size in bytes
	EncryptedSize int64     `json:"encrypted_size"` // Ciphertext size in bytes
	Data          string    `json:"data"`           // Base64-encoded ciphertext
	CorrelationID string    `json:"correlationId"`  // Correlation ID for tracing
	Timestamp     time.Time `json:"timestamp"`      // Send time
}

// EnvelopeType is the type tag carried by sync envelopes.
const EnvelopeType = "STORAGE_SYNC"

// SyncAck acknowledges a persisted sync envelope. Published by the provider
// on the sender-scoped ack subject.
type SyncAck struct {
	Success       bool      `json:"success"`       // Whether the envelope was persisted
	Version       int64     `json:"version"`       // Version the provider recorded
	Checksum      string    `json:"checksum"`      // Ciphertext checksum recomputed on receipt
	CorrelationID string    `json:"correlationId"` // Correlation ID echoed from the envelope
	Timestamp     time.Time `json:"timestamp"`     // Ack time
}

// ServeRequest asks a provider to return the stored replica for a source
// device. The token authorizes the requester for that source device.
type ServeRequest struct {
	DeviceID  string `json:"device_id"` // Source device whose replica is requested
	Requester string `json:"requester"` // Requesting device ID (scopes the response subject)
	Token     string `json:"token"`     // Serve-authorization token, optional when auth is disabled
}

// ServeResponse returns a stored replica, or an explicit error when none is
// available. The payload stays encrypted; only the owner can decrypt it.
type ServeResponse struct {
	Success    bool   `json:"success"`              // Whether a replica was found
	Error      string `json:"error,omitempty"`      // Explicit error, e.g. "no replica available"
	DeviceID   string `json:"device_id,omitempty"`  // Source device ID
	Version    int64  `json:"version,omitempty"`    // Stored version
	Data       string `json:"data,omitempty"`       // Base64-encoded ciphertext
	Checksum   string `json:"checksum,omitempty"`   // Stored ciphertext checksum
	ProviderID string `json:"provider_id,omitempty"` // Serving provider device ID
}

// Replica records one provider-held copy of a source device's encrypted
// store. At most one live record exists per (provider, source) pair; new
// syncs overwrite in place. This corresponds to the replicas table.
type Replica struct {
	SourceDeviceID    string    `json:"sourceDeviceId" db:"source_device_id"`       // Source device the replica belongs to
	Path              string    `json:"path" db:"path"`                             // Blob store path or key
	Version           int64     `json:"version" db:"version"`                       // Last-known store version
	Checksum          string    `json:"checksum" db:"checksum"`                     // Plaintext checksum as declared by the sender
	EncryptedChecksum string    `json:"encryptedChecksum" db:"encrypted_checksum"`  // Ciphertext checksum recomputed on receipt
	Size              int64     `json:"size" db:"size"`                             // Plaintext size in bytes
	EncryptedSize     int64     `json:"encryptedSize" db:"encrypted_size"`          // Ciphertext size in bytes
	LastUpdated       time.Time `json:"lastUpdated" db:"last_updated"`              // Last successful sync time
}

// StorageContract associates a provider device with billing state. The
// replication subsystem only updates the usage counters; contracts are
// provisioned and terminated elsewhere.
type StorageContract struct {
	ID                     string  `json:"id" db:"id"`                                             // Contract identifier
	ProviderDeviceID       string  `json:"providerDeviceId" db:"provider_device_id"`               // Provider bound by the contract
	Status                 string  `json:"status" db:"status"`                                     // active or inactive
	ActualStorageUsedGB    float64 `json:"actualStorageUsedGb" db:"actual_storage_used_gb"`        // Storage in use, derived from ciphertext size
	TotalDataTransferredGB float64 `json:"totalDataTransferredGb" db:"total_data_transferred_gb"`  // Cumulative served bytes in GB
	MonthlyRateVibe        float64 `json:"monthlyRateVibe" db:"monthly_rate_vibe"`                 // Monthly rate in VIBE
}

// Heartbeat is the periodic liveness beacon every device publishes.
type Heartbeat struct {
	DeviceID  string    `json:"device_id"` // Device announcing liveness
	Timestamp time.Time `json:"timestamp"` // Beacon time
}

// TransferMeta announces a chunked transfer and carries everything the
// receiver needs to validate the reassembled blob.
type TransferMeta struct {
	TransferID  string    `json:"transfer_id"`    // ULID identifying the transfer
	SenderID    string    `json:"sender_node_id"` // Sending node identifier
	Name        string    `json:"db_name"`        // Destination file name
	TotalSize   int64     `json:"total_size"`     // Whole-blob size in bytes
	TotalChunks int       `json:"total_chunks"`   // Expected chunk count
	ChunkSize   int       `json:"chunk_size"`     // Chunk size used by the sender
	Checksum    string    `json:"checksum"`       // SHA-256 of the whole blob
	Timestamp   time.Time `json:"timestamp"`      // Request time
}

// ChunkMessage carries one chunk of a chunked transfer.
type ChunkMessage struct {
	TransferID string    `json:"transfer_id"` // Transfer the chunk belongs to
	ChunkNum   int       `json:"chunk_num"`   // Zero-based chunk index
	Data       string    `json:"data"`        // Base64-encoded chunk bytes
	ChunkHash  string    `json:"chunk_hash"`  // SHA-256 of the chunk bytes
	Timestamp  time.Time `json:"timestamp"`   // Send time
}

// CompleteMessage signals that the sender has published every chunk.
type CompleteMessage struct {
	Type       string    `json:"type"`           // Always "TRANSFER_COMPLETE"
	TransferID string    `json:"transfer_id"`    // Transfer being completed
	SenderID   string    `json:"sender_node_id"` // Sending node identifier
	Timestamp  time.Time `json:"timestamp"`      // Signal time
}

// Status message types exchanged on the chunked-variant status subject.
const (
	StatusSyncAck        = "SYNC_ACK"          // Receiver is ready for chunks
	StatusChunkAck       = "CHUNK_ACK"         // Receiver stored one chunk
	StatusImportComplete = "IMPORT_COMPLETE"   // Receiver verified and imported the blob
	TransferCompleteType = "TRANSFER_COMPLETE" // Sender finished publishing chunks
)

// StatusMessage is the receiver-to-sender side channel of the chunked
// variant: ready acks, per-chunk acks, and the final import status.
type StatusMessage struct {
	Type       string    `json:"type"`                 // One of the Status* constants
	TransferID string    `json:"transfer_id"`          // Transfer the status refers to
	Status     string    `json:"status,omitempty"`     // "ready", "received", "success"
	ChunkNum   int       `json:"chunk_num,omitempty"`  // Chunk index for CHUNK_ACK
	Timestamp  time.Time `json:"timestamp"`            // Status time
}

// ProviderStats is a point-in-time snapshot of a provider's replica and
// contract state, logged periodically and exported as metrics.
type ProviderStats struct {
	ReplicaCount       int     `json:"replicas_count"`       // Number of replicas held
	TotalStorageBytes  int64   `json:"total_storage_bytes"`  // Sum of ciphertext sizes
	ActiveContracts    int     `json:"active_contracts"`     // Active storage contracts
	ContractedGB       float64 `json:"contracted_storage_gb"` // Storage billed across contracts
	TotalTransferredGB float64 `json:"total_transferred_gb"` // Data served across contracts
}
