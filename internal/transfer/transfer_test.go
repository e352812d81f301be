package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/powerclubglobal/sovereign-storage-go/internal/channel"
	"github.com/powerclubglobal/sovereign-storage-go/internal/chunk"
	"github.com/powerclubglobal/sovereign-storage-go/internal/errors"
	"github.com/powerclubglobal/sovereign-storage-go/internal/model"
)

func TestChunkedTransferEndToEnd(t *testing.T) {
	ch := channel.NewMemory()
	defer ch.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	imported := make(chan string, 1)
	receiver, err := NewReceiver("node-b", dir, ch, nil, func(_ context.Context, path string) error {
		imported <- path
		return nil
	})
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	go receiver.Run(ctx)
	time.Sleep(20 * time.Millisecond) // Let the receiver subscribe

	// Three chunks at a small chunk size, with fast pacing for the test.
	blob := make([]byte, 2500)
	if _, err := rand.Read(blob); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	sender := NewSender(SenderConfig{
		NodeID:        "node-a",
		ChunkSize:     1024,
		ReadyTimeout:  2 * time.Second,
		ImportTimeout: 2 * time.Second,
		ChunkInterval: time.Millisecond,
	}, ch, nil)

	if err := sender.Send(ctx, "app.db", blob); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case path := <-imported:
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read imported blob: %v", err)
		}
		if !bytes.Equal(got, blob) {
			t.Error("imported blob differs from original")
		}
		if filepath.Base(path) != "app.db" {
			t.Errorf("imported as %q, want app.db", filepath.Base(path))
		}
	default:
		t.Fatal("import hook never ran")
	}
}

func TestSenderTimesOutWithoutReceiver(t *testing.T) {
	ch := channel.NewMemory()
	defer ch.Close()

	sender := NewSender(SenderConfig{
		NodeID:       "node-a",
		ChunkSize:    1024,
		ReadyTimeout: 50 * time.Millisecond,
	}, ch, nil)

	err := sender.Send(context.Background(), "app.db", []byte("data"))
	if err == nil {
		t.Fatal("expected timeout with no receiver")
	}
	if !errors.IsTimeout(err) {
		t.Errorf("got %v, want STORAGE_TIMEOUT", err)
	}
}

func TestReceiverDropsCorruptChunk(t *testing.T) {
	ch := channel.NewMemory()
	defer ch.Close()
	ctx := context.Background()

	receiver, err := NewReceiver("node-b", t.TempDir(), ch, nil, nil)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}

	statuses := make(chan model.StatusMessage, 8)
	if _, err := ch.Subscribe(channel.SyncStatusSubject, func(data []byte) {
		var s model.StatusMessage
		if err := json.Unmarshal(data, &s); err != nil {
			return
		}
		statuses <- s
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	blob := []byte("two small chunks of data.")
	chunks, err := chunk.Split(blob, 16)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	meta, _ := json.Marshal(model.TransferMeta{
		TransferID:  "xfer-1",
		SenderID:    "node-a",
		Name:        "app.db",
		TotalSize:   int64(len(blob)),
		TotalChunks: len(chunks),
		ChunkSize:   16,
		Checksum:    chunk.Sum(blob),
	})
	receiver.HandleRequest(ctx, meta)

	// First chunk intact, second corrupted against its declared hash.
	good, _ := json.Marshal(model.ChunkMessage{
		TransferID: "xfer-1",
		ChunkNum:   0,
		Data:       base64.StdEncoding.EncodeToString(chunks[0].Data),
		ChunkHash:  chunks[0].Hash,
	})
	receiver.HandleChunk(ctx, good)

	bad, _ := json.Marshal(model.ChunkMessage{
		TransferID: "xfer-1",
		ChunkNum:   1,
		Data:       base64.StdEncoding.EncodeToString([]byte("tampered bytes!!")),
		ChunkHash:  chunks[1].Hash,
	})
	receiver.HandleChunk(ctx, bad)

	complete, _ := json.Marshal(model.CompleteMessage{
		Type:       model.TransferCompleteType,
		TransferID: "xfer-1",
		SenderID:   "node-a",
	})
	receiver.HandleComplete(ctx, complete)

	// Expect ready ack and exactly one chunk ack (the good chunk), and no
	// import-complete: the gap fails the transfer at completion.
	deadline := time.After(time.Second)
	var chunkAcks int
	for {
		select {
		case s := <-statuses:
			switch s.Type {
			case model.StatusChunkAck:
				chunkAcks++
				if s.ChunkNum != 0 {
					t.Errorf("chunk ack for %d, want only chunk 0", s.ChunkNum)
				}
			case model.StatusImportComplete:
				t.Fatal("incomplete transfer reported imported")
			}
		case <-deadline:
			if chunkAcks != 1 {
				t.Errorf("chunk acks = %d, want 1", chunkAcks)
			}
			return
		}
	}
}

func TestReceiverIgnoresUnknownTransfer(t *testing.T) {
	ch := channel.NewMemory()
	defer ch.Close()
	ctx := context.Background()

	receiver, err := NewReceiver("node-b", t.TempDir(), ch, nil, nil)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}

	statuses := make(chan model.StatusMessage, 1)
	if _, err := ch.Subscribe(channel.SyncStatusSubject, func(data []byte) {
		var s model.StatusMessage
		if json.Unmarshal(data, &s) == nil {
			statuses <- s
		}
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	payload := []byte("orphan")
	msg, _ := json.Marshal(model.ChunkMessage{
		TransferID: "never-announced",
		ChunkNum:   0,
		Data:       base64.StdEncoding.EncodeToString(payload),
		ChunkHash:  chunk.Sum(payload),
	})
	receiver.HandleChunk(ctx, msg)

	select {
	case s := <-statuses:
		t.Fatalf("unexpected status %+v for unknown transfer", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReceiverSweepsIdleTransfers(t *testing.T) {
	ch := channel.NewMemory()
	defer ch.Close()

	receiver, err := NewReceiver("node-b", t.TempDir(), ch, nil, nil)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}

	meta, _ := json.Marshal(model.TransferMeta{
		TransferID:  "xfer-stale",
		SenderID:    "node-a",
		Name:        "app.db",
		TotalChunks: 1,
		Checksum:    chunk.Sum([]byte("x")),
	})
	receiver.HandleRequest(context.Background(), meta)

	receiver.mu.Lock()
	receiver.transfers["xfer-stale"].lastSeen = time.Now().Add(-time.Hour)
	receiver.mu.Unlock()

	receiver.sweepIdle()

	receiver.mu.Lock()
	_, exists := receiver.transfers["xfer-stale"]
	receiver.mu.Unlock()
	if exists {
		t.Error("idle transfer survived the sweep")
	}
}
