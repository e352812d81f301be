// internal/transfer/sender.go
// Package transfer implements the chunked variant of the sync protocol:
// large stores are announced, split into hashed chunks, streamed with
// pacing, and reassembled with per-chunk and whole-blob verification. The
// variant exists for transports with message-size limits that the
// whole-envelope path would exceed.
package transfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/powerclubglobal/sovereign-storage-go/internal/channel"
	"github.com/powerclubglobal/sovereign-storage-go/internal/chunk"
	"github.com/powerclubglobal/sovereign-storage-go/internal/errors"
	"github.com/powerclubglobal/sovereign-storage-go/internal/metrics"
	"github.com/powerclubglobal/sovereign-storage-go/internal/model"
	"github.com/powerclubglobal/sovereign-storage-go/internal/telemetry"
)

const (
	// DefaultReadyTimeout bounds the wait for the receiver's ready ack.
	DefaultReadyTimeout = 30 * time.Second

	// DefaultImportTimeout bounds the wait for the receiver's import result.
	DefaultImportTimeout = 60 * time.Second

	// DefaultChunkInterval paces chunk publishes so the transport is not
	// flooded with back-to-back large messages.
	DefaultChunkInterval = 100 * time.Millisecond
)

// SenderConfig wires a chunked-transfer sender.
type SenderConfig struct {
	NodeID        string        // This node's identifier, carried as sender_node_id
	ChunkSize     int           // Zero selects chunk.DefaultSize
	ReadyTimeout  time.Duration // Zero selects DefaultReadyTimeout
	ImportTimeout time.Duration // Zero selects DefaultImportTimeout
	ChunkInterval time.Duration // Zero selects DefaultChunkInterval
}

// Sender streams a blob to a receiver as a chunked transfer.
type Sender struct {
	cfg     SenderConfig
	ch      channel.Channel
	metrics *metrics.Metrics
}

// NewSender creates a chunked-transfer sender.
func NewSender(cfg SenderConfig, ch channel.Channel, m *metrics.Metrics) *Sender {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunk.DefaultSize
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.ImportTimeout <= 0 {
		cfg.ImportTimeout = DefaultImportTimeout
	}
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = DefaultChunkInterval
	}
	return &Sender{cfg: cfg, ch: ch, metrics: m}
}

// Send announces a transfer, waits for the receiver's ready ack, streams
// every chunk with pacing, signals completion, and waits for the import
// result. A missing ready ack aborts before any chunk is sent. A missing
// import result is reported as STORAGE_TIMEOUT with the final status
// unknown: the receiver may have imported the blob without the status
// reaching us.
func (s *Sender) Send(ctx context.Context, name string, blob []byte) error {
	ctx, span := telemetry.Tracer("transfer").Start(ctx, "send")
	defer span.End()

	transferID := ulid.Make().String()

	chunks, err := chunk.Split(blob, s.cfg.ChunkSize)
	if err != nil {
		return err
	}

	meta := model.TransferMeta{
		TransferID:  transferID,
		SenderID:    s.cfg.NodeID,
		Name:        name,
		TotalSize:   int64(len(blob)),
		TotalChunks: len(chunks),
		ChunkSize:   s.cfg.ChunkSize,
		Checksum:    chunk.Sum(blob),
		Timestamp:   time.Now().UTC(),
	}

	// Subscribe for status before announcing so the ready ack cannot race
	// the subscription.
	readyCh := make(chan struct{}, 1)
	importCh := make(chan model.StatusMessage, 1)
	sub, err := s.ch.Subscribe(channel.SyncStatusSubject, func(data []byte) {
		var status model.StatusMessage
		if err := json.Unmarshal(data, &status); err != nil {
			slog.Warn("malformed status message", "error", err)
			return
		}
		if status.TransferID != transferID {
			return
		}
		switch status.Type {
		case model.StatusSyncAck:
			select {
			case readyCh <- struct{}{}:
			default:
			}
		case model.StatusImportComplete:
			select {
			case importCh <- status:
			default:
			}
		}
	})
	if err != nil {
		return errors.Wrap(errors.STORAGE_TRANSPORT, "status subscribe failed", err)
	}
	defer sub.Unsubscribe()

	payload, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(errors.STORAGE_INTERNAL, "transfer meta encode failed", err)
	}
	if err := s.ch.Publish(ctx, channel.SyncRequestSubject, payload); err != nil {
		return errors.Wrap(errors.STORAGE_TRANSPORT, "transfer announce failed", err)
	}

	slog.Info("transfer announced",
		"transfer_id", transferID,
		"name", name,
		"total_size", meta.TotalSize,
		"total_chunks", meta.TotalChunks)

	select {
	case <-readyCh:
	case <-time.After(s.cfg.ReadyTimeout):
		return errors.New(errors.STORAGE_TIMEOUT,
			fmt.Sprintf("no ready ack within %s", s.cfg.ReadyTimeout))
	case <-ctx.Done():
		return errors.Wrap(errors.STORAGE_TIMEOUT, "transfer cancelled", ctx.Err())
	}

	for _, c := range chunks {
		msg := model.ChunkMessage{
			TransferID: transferID,
			ChunkNum:   c.Index,
			Data:       base64.StdEncoding.EncodeToString(c.Data),
			ChunkHash:  c.Hash,
			Timestamp:  time.Now().UTC(),
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return errors.Wrap(errors.STORAGE_INTERNAL, "chunk encode failed", err)
		}
		if err := s.ch.Publish(ctx, channel.SyncChunkSubject, data); err != nil {
			return errors.Wrap(errors.STORAGE_TRANSPORT,
				fmt.Sprintf("chunk %d publish failed", c.Index), err)
		}
		if s.metrics != nil {
			s.metrics.ChunksSentTotal.Inc()
		}

		select {
		case <-time.After(s.cfg.ChunkInterval):
		case <-ctx.Done():
			return errors.Wrap(errors.STORAGE_TIMEOUT, "transfer cancelled", ctx.Err())
		}
	}

	complete := model.CompleteMessage{
		Type:       model.TransferCompleteType,
		TransferID: transferID,
		SenderID:   s.cfg.NodeID,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(complete)
	if err != nil {
		return errors.Wrap(errors.STORAGE_INTERNAL, "completion encode failed", err)
	}
	if err := s.ch.Publish(ctx, channel.SyncCompleteSubject, data); err != nil {
		return errors.Wrap(errors.STORAGE_TRANSPORT, "completion publish failed", err)
	}

	slog.Info("all chunks sent, awaiting import", "transfer_id", transferID)

	select {
	case status := <-importCh:
		if status.Status != "success" {
			if s.metrics != nil {
				s.metrics.TransfersTotal.WithLabelValues("failed").Inc()
			}
			return errors.New(errors.STORAGE_INTEGRITY,
				fmt.Sprintf("receiver reported import status %q", status.Status))
		}
		if s.metrics != nil {
			s.metrics.TransfersTotal.WithLabelValues("ok").Inc()
		}
		slog.Info("transfer imported by receiver", "transfer_id", transferID)
		return nil
	case <-time.After(s.cfg.ImportTimeout):
		if s.metrics != nil {
			s.metrics.TransfersTotal.WithLabelValues("unknown").Inc()
		}
		return errors.New(errors.STORAGE_TIMEOUT,
			fmt.Sprintf("transfer %s final status unknown: no import result within %s", transferID, s.cfg.ImportTimeout))
	case <-ctx.Done():
		return errors.Wrap(errors.STORAGE_TIMEOUT, "transfer cancelled", ctx.Err())
	}
}
