// internal/replication/state.go
// Replication-state bookkeeping kept co-located with the source database.
// The client uses it for idempotent no-op detection across restarts.
package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// State records the last successful sync for one (source, destination)
// pair. It is only written after an acknowledgment was received.
type State struct {
	SourceDeviceID      string    `json:"source_device_id"`      // Syncing device
	DestinationDeviceID string    `json:"destination_device_id"` // Provider device
	DataType            string    `json:"data_type"`             // Always "full_db"
	LastSyncTimestamp   time.Time `json:"last_sync_timestamp"`   // When the ack arrived
	LastSyncVersion     int64     `json:"last_sync_version"`     // Version the provider confirmed
	SyncStatus          string    `json:"sync_status"`           // "in_sync" after a confirmed sync
	SourceChecksum      string    `json:"source_checksum"`       // Plaintext checksum at sync time
}

// statePath derives the sidecar file name from the store path.
func statePath(dbPath string) string {
	return dbPath + ".replication.json"
}

// loadState reads the sidecar state file. A missing file yields a zero
// state: the first sync after provisioning always runs.
func loadState(dbPath string) (State, error) {
	var st State

	data, err := os.ReadFile(statePath(dbPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return st, fmt.Errorf("read replication state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse replication state: %w", err)
	}
	return st, nil
}

// saveState writes the sidecar atomically so a crash mid-write cannot leave
// a corrupt state file pointing at a sync that never completed.
func saveState(dbPath string, st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal replication state: %w", err)
	}

	dest := statePath(dbPath)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write replication state: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename replication state: %w", err)
	}
	return nil
}
