// internal/transfer/receiver.go
// Receiver side of the chunked variant: accumulates verified chunks per
// transfer, reassembles on completion, writes the blob to disk atomically,
// and runs the import hook before reporting success.
package transfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/powerclubglobal/sovereign-storage-go/internal/channel"
	"github.com/powerclubglobal/sovereign-storage-go/internal/chunk"
	"github.com/powerclubglobal/sovereign-storage-go/internal/errors"
	"github.com/powerclubglobal/sovereign-storage-go/internal/metrics"
	"github.com/powerclubglobal/sovereign-storage-go/internal/model"
	"github.com/powerclubglobal/sovereign-storage-go/internal/telemetry"
)

const (
	// transferTTL is how long an incomplete transfer may sit idle before
	// the janitor discards it.
	transferTTL = 10 * time.Minute

	// janitorInterval is how often idle transfers are swept.
	janitorInterval = time.Minute
)

// ImportFunc is invoked after a reassembled blob has been written to its
// destination path. A nil ImportFunc means the write itself is the import.
type ImportFunc func(ctx context.Context, path string) error

// inboundTransfer tracks one in-flight chunked transfer.
type inboundTransfer struct {
	meta     model.TransferMeta
	chunks   map[int]chunk.Chunk
	lastSeen time.Time
}

// Receiver accepts chunked transfers and writes imported blobs under dir.
type Receiver struct {
	nodeID   string
	dir      string
	ch       channel.Channel
	metrics  *metrics.Metrics
	importFn ImportFunc

	mu        sync.Mutex
	transfers map[string]*inboundTransfer
}

// NewReceiver creates a receiver that stores imported blobs under dir.
func NewReceiver(nodeID, dir string, ch channel.Channel, m *metrics.Metrics, importFn ImportFunc) (*Receiver, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(errors.STORAGE_CONFIG, "receive directory unavailable", err)
	}
	return &Receiver{
		nodeID:    nodeID,
		dir:       dir,
		ch:        ch,
		metrics:   m,
		importFn:  importFn,
		transfers: make(map[string]*inboundTransfer),
	}, nil
}

// publishStatus sends one status message on the shared status subject.
func (r *Receiver) publishStatus(ctx context.Context, status model.StatusMessage) {
	status.Timestamp = time.Now().UTC()
	data, err := json.Marshal(status)
	if err != nil {
		slog.Error("status encode failed", "error", err)
		return
	}
	if err := r.ch.Publish(ctx, channel.SyncStatusSubject, data); err != nil {
		slog.Error("status publish failed", "transfer_id", status.TransferID, "error", err)
	}
}

// HandleRequest registers an announced transfer and acks readiness. A
// re-announced transfer ID resets its chunk accumulator.
func (r *Receiver) HandleRequest(ctx context.Context, raw []byte) {
	var meta model.TransferMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		slog.Error("transfer request decode failed", "error", err)
		return
	}
	if meta.TransferID == "" || meta.TotalChunks < 0 {
		slog.Error("transfer request invalid", "transfer_id", meta.TransferID)
		return
	}

	r.mu.Lock()
	r.transfers[meta.TransferID] = &inboundTransfer{
		meta:     meta,
		chunks:   make(map[int]chunk.Chunk, meta.TotalChunks),
		lastSeen: time.Now(),
	}
	r.mu.Unlock()

	slog.Info("transfer announced by sender",
		"transfer_id", meta.TransferID,
		"sender", meta.SenderID,
		"name", meta.Name,
		"total_chunks", meta.TotalChunks)

	r.publishStatus(ctx, model.StatusMessage{
		Type:       model.StatusSyncAck,
		TransferID: meta.TransferID,
		Status:     "ready",
	})
}

// HandleChunk verifies and stores one chunk, acking it on success. A chunk
// with a bad hash or for an unknown transfer is dropped without an ack; the
// gap surfaces as a count mismatch at completion.
func (r *Receiver) HandleChunk(ctx context.Context, raw []byte) {
	var msg model.ChunkMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Error("chunk decode failed", "error", err)
		return
	}

	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		slog.Warn("chunk payload decode failed", "transfer_id", msg.TransferID, "chunk", msg.ChunkNum)
		return
	}

	c := chunk.Chunk{Index: msg.ChunkNum, Data: data, Hash: msg.ChunkHash}
	if !chunk.Verify(c) {
		slog.Warn("chunk hash mismatch, dropping",
			"transfer_id", msg.TransferID, "chunk", msg.ChunkNum)
		if r.metrics != nil {
			r.metrics.ChunksReceivedTotal.WithLabelValues("dropped").Inc()
		}
		return
	}

	r.mu.Lock()
	t, exists := r.transfers[msg.TransferID]
	if exists {
		t.chunks[msg.ChunkNum] = c
		t.lastSeen = time.Now()
	}
	r.mu.Unlock()

	if !exists {
		slog.Warn("chunk for unknown transfer", "transfer_id", msg.TransferID, "chunk", msg.ChunkNum)
		return
	}

	if r.metrics != nil {
		r.metrics.ChunksReceivedTotal.WithLabelValues("ok").Inc()
	}

	r.publishStatus(ctx, model.StatusMessage{
		Type:       model.StatusChunkAck,
		TransferID: msg.TransferID,
		Status:     "received",
		ChunkNum:   msg.ChunkNum,
	})
}

// HandleComplete reassembles and imports a completed transfer. Any missing
// or corrupt chunk fails the whole transfer; no partial blob is ever
// written. Failure publishes no success status, so the sender's import wait
// times out.
func (r *Receiver) HandleComplete(ctx context.Context, raw []byte) {
	ctx, span := telemetry.Tracer("transfer").Start(ctx, "handle_complete")
	defer span.End()

	var complete model.CompleteMessage
	if err := json.Unmarshal(raw, &complete); err != nil {
		slog.Error("completion decode failed", "error", err)
		return
	}

	r.mu.Lock()
	t, exists := r.transfers[complete.TransferID]
	if exists {
		delete(r.transfers, complete.TransferID)
	}
	r.mu.Unlock()

	if !exists {
		slog.Warn("completion for unknown transfer", "transfer_id", complete.TransferID)
		return
	}

	fail := func(msg string, err error) {
		slog.Error(msg, "transfer_id", complete.TransferID, "error", err)
		if r.metrics != nil {
			r.metrics.TransfersTotal.WithLabelValues("failed").Inc()
		}
	}

	chunks := make([]chunk.Chunk, 0, len(t.chunks))
	for _, c := range t.chunks {
		chunks = append(chunks, c)
	}

	blob, err := chunk.Join(chunks, t.meta.TotalChunks, t.meta.Checksum)
	if err != nil {
		fail("transfer reassembly failed", err)
		return
	}

	dest := filepath.Join(r.dir, filepath.Base(t.meta.Name))
	tmp := dest + ".receiving"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		fail("transfer write failed", err)
		return
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		fail("transfer rename failed", err)
		return
	}

	if r.importFn != nil {
		if err := r.importFn(ctx, dest); err != nil {
			fail("transfer import failed", err)
			return
		}
	}

	if r.metrics != nil {
		r.metrics.TransfersTotal.WithLabelValues("ok").Inc()
	}
	slog.Info("transfer imported",
		"transfer_id", complete.TransferID,
		"path", dest,
		"bytes", len(blob))

	r.publishStatus(ctx, model.StatusMessage{
		Type:       model.StatusImportComplete,
		TransferID: complete.TransferID,
		Status:     "success",
	})
}

// sweepIdle discards transfers that have not seen a chunk within the TTL.
func (r *Receiver) sweepIdle() {
	cutoff := time.Now().Add(-transferTTL)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.transfers {
		if t.lastSeen.Before(cutoff) {
			delete(r.transfers, id)
			slog.Warn("discarded idle transfer", "transfer_id", id, "sender", t.meta.SenderID)
		}
	}
}

// Run subscribes to the chunked-variant subjects and blocks until ctx is
// cancelled, sweeping idle transfers once a minute.
func (r *Receiver) Run(ctx context.Context) error {
	reqSub, err := r.ch.Subscribe(channel.SyncRequestSubject, func(data []byte) {
		go r.HandleRequest(ctx, data)
	})
	if err != nil {
		return err
	}
	defer reqSub.Unsubscribe()

	chunkSub, err := r.ch.Subscribe(channel.SyncChunkSubject, func(data []byte) {
		go r.HandleChunk(ctx, data)
	})
	if err != nil {
		return err
	}
	defer chunkSub.Unsubscribe()

	completeSub, err := r.ch.Subscribe(channel.SyncCompleteSubject, func(data []byte) {
		go r.HandleComplete(ctx, data)
	})
	if err != nil {
		return err
	}
	defer completeSub.Unsubscribe()

	slog.Info("chunked-transfer receiver started", "node_id", r.nodeID, "dir", r.dir)

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweepIdle()
		}
	}
}
