// internal/storage/memory.go
// In-memory Store implementation, intended for development and testing.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/powerclubglobal/sovereign-storage-go/internal/model"
)

// memory implements the Store interface using in-memory maps. A single
// mutex serializes every mutation, which gives the per-record atomicity
// the registry requires: a heartbeat and a sweep touching the same device
// cannot interleave.
type memory struct {
	mu        sync.RWMutex
	devices   map[string]*model.Device          // Map of device ID to device
	replicas  map[string]*model.Replica         // Map of source device ID to replica record
	contracts map[string]*model.StorageContract // Map of contract ID to contract
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		devices:   make(map[string]*model.Device),
		replicas:  make(map[string]*model.Replica),
		contracts: make(map[string]*model.StorageContract),
	}
}

func (m *memory) UpsertDevice(ctx context.Context, device model.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	deviceCopy := device
	m.devices[device.ID] = &deviceCopy
	return nil
}

func (m *memory) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, exists := m.devices[deviceID]
	if !exists {
		return nil, ErrNotFound
	}
	deviceCopy := *device
	return &deviceCopy, nil
}

func (m *memory) TouchHeartbeat(ctx context.Context, deviceID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, exists := m.devices[deviceID]
	if !exists {
		return false, nil
	}
	device.Online = true
	device.LastHeartbeat = at
	device.LastSeen = at
	return true, nil
}

func (m *memory) SweepStale(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	affected := 0
	for _, device := range m.devices {
		if device.Online && device.LastHeartbeat.Before(cutoff) {
			device.Online = false
			affected++
		}
	}
	return affected, nil
}

func (m *memory) ListDevicesByOwner(ctx context.Context, ownerID string) ([]model.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]model.Device, 0)
	for _, device := range m.devices {
		if device.OwnerID == ownerID {
			devices = append(devices, *device)
		}
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].LastSeen.After(devices[j].LastSeen)
	})
	return devices, nil
}

func (m *memory) ListOnlineDevices(ctx context.Context) ([]model.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]model.Device, 0)
	for _, device := range m.devices {
		if device.Online {
			devices = append(devices, *device)
		}
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].LastHeartbeat.After(devices[j].LastHeartbeat)
	})
	return devices, nil
}

func (m *memory) ListStorageProviders(ctx context.Context) ([]model.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]model.Device, 0)
	for _, device := range m.devices {
		if device.Online && device.AcceptsStorageContracts {
			devices = append(devices, *device)
		}
	}
	// Larger providers preferred when multiple are eligible.
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].StorageCapacityGB > devices[j].StorageCapacityGB
	})
	return devices, nil
}

func (m *memory) UpsertReplica(ctx context.Context, replica model.Replica) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	replicaCopy := replica
	m.replicas[replica.SourceDeviceID] = &replicaCopy
	return nil
}

func (m *memory) GetReplica(ctx context.Context, sourceDeviceID string) (*model.Replica, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	replica, exists := m.replicas[sourceDeviceID]
	if !exists {
		return nil, ErrNotFound
	}
	replicaCopy := *replica
	return &replicaCopy, nil
}

func (m *memory) ListReplicas(ctx context.Context) ([]model.Replica, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	replicas := make([]model.Replica, 0, len(m.replicas))
	for _, replica := range m.replicas {
		replicas = append(replicas, *replica)
	}
	sort.Slice(replicas, func(i, j int) bool {
		return replicas[i].SourceDeviceID < replicas[j].SourceDeviceID
	})
	return replicas, nil
}

func (m *memory) CreateContract(ctx context.Context, contract model.StorageContract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.contracts[contract.ID]; exists {
		return ErrConflict
	}
	contractCopy := contract
	m.contracts[contract.ID] = &contractCopy
	return nil
}

func (m *memory) GetActiveContract(ctx context.Context, providerDeviceID string) (*model.StorageContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, contract := range m.contracts {
		if contract.ProviderDeviceID == providerDeviceID && contract.Status == "active" {
			contractCopy := *contract
			return &contractCopy, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memory) SetStorageUsedGB(ctx context.Context, contractID string, usedGB float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	contract, exists := m.contracts[contractID]
	if !exists {
		return ErrNotFound
	}
	// Usage counters never decrease within a contract's active lifetime.
	if usedGB > contract.ActualStorageUsedGB {
		contract.ActualStorageUsedGB = usedGB
	}
	return nil
}

func (m *memory) AddTransferredGB(ctx context.Context, contractID string, deltaGB float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	contract, exists := m.contracts[contractID]
	if !exists {
		return ErrNotFound
	}
	contract.TotalDataTransferredGB += deltaGB
	return nil
}
