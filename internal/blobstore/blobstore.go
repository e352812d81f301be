// internal/blobstore/blobstore.go
// Package blobstore persists encrypted replica blobs. The disk
// implementation writes temp-file-then-rename so a cancelled or crashed
// write never leaves a half-written replica at the destination; an
// S3-compatible implementation is available for providers backed by object
// storage.
package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists ciphertext blobs keyed by source device ID. Put returns
// the handle (path or object key) recorded in the replica index.
type Store interface {
	Put(ctx context.Context, sourceDeviceID string, data []byte) (string, error)
	Get(ctx context.Context, sourceDeviceID string) ([]byte, error)
}

// disk stores replica blobs as files under a single directory.
type disk struct {
	dir string
}

// NewDisk creates a disk-backed blob store rooted at dir, creating the
// directory if needed.
func NewDisk(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &disk{dir: dir}, nil
}

// replicaFileName keeps the on-disk naming of the original deployment.
func (d *disk) replicaPath(sourceDeviceID string) string {
	return filepath.Join(d.dir, sourceDeviceID+".db.encrypted")
}

// Put writes the blob to a temp file in the same directory and renames it
// over the destination, so readers never observe a partial write.
func (d *disk) Put(ctx context.Context, sourceDeviceID string, data []byte) (string, error) {
	dest := d.replicaPath(sourceDeviceID)

	tmp, err := os.CreateTemp(d.dir, sourceDeviceID+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write replica: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("sync replica: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close replica: %w", err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("rename replica: %w", err)
	}
	return dest, nil
}

func (d *disk) Get(ctx context.Context, sourceDeviceID string) ([]byte, error) {
	return os.ReadFile(d.replicaPath(sourceDeviceID))
}
