// internal/storage/storage.go
// Package storage provides implementations of the Store interface for both
// in-memory and PostgreSQL storage backends. The store holds the device
// registry, the durable replica index, and storage-contract accounting.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/powerclubglobal/sovereign-storage-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a record is not found
	ErrConflict = errors.New("conflict")  // Returned when a record already exists
)

// Store interface defines the storage operations required by the
// replication subsystem. It is implemented by both in-memory and PostgreSQL
// backends.
type Store interface {
	// Device registry operations
	UpsertDevice(ctx context.Context, device model.Device) error                  // Insert-or-update keyed by device ID
	GetDevice(ctx context.Context, deviceID string) (*model.Device, error)        // Fetch one device
	TouchHeartbeat(ctx context.Context, deviceID string, at time.Time) (bool, error) // Refresh liveness; false when device unknown
	SweepStale(ctx context.Context, cutoff time.Time) (int, error)                // Flip stale online devices offline
	ListDevicesByOwner(ctx context.Context, ownerID string) ([]model.Device, error) // Devices for one owner, most recently seen first
	ListOnlineDevices(ctx context.Context) ([]model.Device, error)                // All online devices
	ListStorageProviders(ctx context.Context) ([]model.Device, error)             // Online contract-accepting devices, capacity descending

	// Replica index operations
	UpsertReplica(ctx context.Context, replica model.Replica) error               // Overwrite-in-place by source device ID
	GetReplica(ctx context.Context, sourceDeviceID string) (*model.Replica, error) // Fetch one replica record
	ListReplicas(ctx context.Context) ([]model.Replica, error)                    // All replica records

	// Storage contract accounting
	CreateContract(ctx context.Context, contract model.StorageContract) error              // Provision a contract (used by tooling and tests)
	GetActiveContract(ctx context.Context, providerDeviceID string) (*model.StorageContract, error) // Active contract for a provider
	SetStorageUsedGB(ctx context.Context, contractID string, usedGB float64) error         // Record storage usage; never decreases the counter
	AddTransferredGB(ctx context.Context, contractID string, deltaGB float64) error        // Accumulate transfer usage
}
