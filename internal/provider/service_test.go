package provider

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/powerclubglobal/sovereign-storage-go/internal/auth"
	"github.com/powerclubglobal/sovereign-storage-go/internal/blobstore"
	"github.com/powerclubglobal/sovereign-storage-go/internal/channel"
	"github.com/powerclubglobal/sovereign-storage-go/internal/model"
	"github.com/powerclubglobal/sovereign-storage-go/internal/storage"
)

func newTestService(t *testing.T, serveSecret []byte) (*Service, channel.Channel, storage.Store) {
	t.Helper()
	ch := channel.NewMemory()
	t.Cleanup(func() { ch.Close() })

	store := storage.NewMemory()
	blobs, err := blobstore.NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}

	svc, err := New(context.Background(), "prov-1", ch, store, blobs, nil, serveSecret)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, ch, store
}

func hexSum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func testEnvelope(ciphertext []byte) model.SyncEnvelope {
	return model.SyncEnvelope{
		Type:          model.EnvelopeType,
		From:          "dev-1",
		To:            "prov-1",
		Version:       100,
		Checksum:      hexSum([]byte("plaintext")),
		Size:          int64(len("plaintext")),
		EncryptedSize: int64(len(ciphertext)),
		Data:          base64.StdEncoding.EncodeToString(ciphertext),
		CorrelationID: "corr-1",
		Timestamp:     time.Now().UTC(),
	}
}

func subscribeJSON[T any](t *testing.T, ch channel.Channel, subject string) <-chan T {
	t.Helper()
	out := make(chan T, 1)
	_, err := ch.Subscribe(subject, func(data []byte) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			t.Errorf("decode %s: %v", subject, err)
			return
		}
		out <- v
	})
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	return out
}

func TestHandleSyncRequestStoresAndAcks(t *testing.T) {
	svc, ch, store := newTestService(t, nil)
	ctx := context.Background()

	acks := subscribeJSON[model.SyncAck](t, ch, channel.StorageAckSubject("dev-1"))

	ciphertext := []byte("opaque ciphertext bytes")
	envelope := testEnvelope(ciphertext)
	raw, _ := json.Marshal(envelope)

	svc.HandleSyncRequest(ctx, raw)

	select {
	case ack := <-acks:
		if !ack.Success {
			t.Error("ack not successful")
		}
		if ack.Version != 100 {
			t.Errorf("ack version = %d, want 100", ack.Version)
		}
		if ack.CorrelationID != "corr-1" {
			t.Errorf("ack correlation = %q, want corr-1", ack.CorrelationID)
		}
		if ack.Checksum != hexSum(ciphertext) {
			t.Error("ack checksum is not the recomputed ciphertext checksum")
		}
	case <-time.After(time.Second):
		t.Fatal("no ack published")
	}

	replica, err := store.GetReplica(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetReplica: %v", err)
	}
	if replica.Version != 100 || replica.EncryptedSize != int64(len(ciphertext)) {
		t.Errorf("replica = %+v", replica)
	}

	stats := svc.Stats(ctx)
	if stats.ReplicaCount != 1 {
		t.Errorf("ReplicaCount = %d, want 1", stats.ReplicaCount)
	}
	if stats.TotalStorageBytes != int64(len(ciphertext)) {
		t.Errorf("TotalStorageBytes = %d, want %d", stats.TotalStorageBytes, len(ciphertext))
	}
}

func TestHandleSyncRequestSizeMismatchNoAck(t *testing.T) {
	svc, ch, store := newTestService(t, nil)
	ctx := context.Background()

	acks := subscribeJSON[model.SyncAck](t, ch, channel.StorageAckSubject("dev-1"))

	envelope := testEnvelope([]byte("ciphertext"))
	envelope.EncryptedSize = 9999 // Declared size disagrees with payload
	raw, _ := json.Marshal(envelope)

	svc.HandleSyncRequest(ctx, raw)

	select {
	case <-acks:
		t.Fatal("mismatched envelope was acked")
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := store.GetReplica(ctx, "dev-1"); err != storage.ErrNotFound {
		t.Errorf("replica stored despite mismatch: %v", err)
	}
}

func TestHandleSyncRequestRejectsInvalidEnvelope(t *testing.T) {
	svc, ch, _ := newTestService(t, nil)

	acks := subscribeJSON[model.SyncAck](t, ch, channel.StorageAckSubject("dev-1"))

	// Missing required checksum/size fields.
	svc.HandleSyncRequest(context.Background(), []byte(`{"from":"dev-1","to":"prov-1"}`))

	select {
	case <-acks:
		t.Fatal("schema-invalid envelope was acked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleSyncRequestOverwritesReplica(t *testing.T) {
	svc, _, store := newTestService(t, nil)
	ctx := context.Background()

	first := testEnvelope([]byte("version one"))
	raw, _ := json.Marshal(first)
	svc.HandleSyncRequest(ctx, raw)

	second := testEnvelope([]byte("version two, longer"))
	second.Version = 200
	raw, _ = json.Marshal(second)
	svc.HandleSyncRequest(ctx, raw)

	replica, err := store.GetReplica(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetReplica: %v", err)
	}
	if replica.Version != 200 {
		t.Errorf("replica version = %d, want 200 after overwrite", replica.Version)
	}
	if svc.Stats(ctx).ReplicaCount != 1 {
		t.Error("overwrite created a second replica")
	}
}

func TestServeDataRequestMiss(t *testing.T) {
	svc, ch, _ := newTestService(t, nil)

	responses := subscribeJSON[model.ServeResponse](t, ch, channel.StorageResponseSubject("req-1"))

	req, _ := json.Marshal(model.ServeRequest{DeviceID: "absent-dev", Requester: "req-1"})
	svc.ServeDataRequest(context.Background(), req)

	select {
	case resp := <-responses:
		if resp.Success {
			t.Error("miss reported success")
		}
		if resp.Error != "no replica available" {
			t.Errorf("error = %q, want %q", resp.Error, "no replica available")
		}
	case <-time.After(time.Second):
		t.Fatal("no response for replica miss")
	}
}

func TestServeDataRequestHit(t *testing.T) {
	svc, ch, _ := newTestService(t, nil)
	ctx := context.Background()

	ciphertext := []byte("stored ciphertext")
	raw, _ := json.Marshal(testEnvelope(ciphertext))
	svc.HandleSyncRequest(ctx, raw)

	responses := subscribeJSON[model.ServeResponse](t, ch, channel.StorageResponseSubject("req-1"))

	req, _ := json.Marshal(model.ServeRequest{DeviceID: "dev-1", Requester: "req-1"})
	svc.ServeDataRequest(ctx, req)

	select {
	case resp := <-responses:
		if !resp.Success {
			t.Fatalf("serve failed: %s", resp.Error)
		}
		data, err := base64.StdEncoding.DecodeString(resp.Data)
		if err != nil {
			t.Fatalf("decode response data: %v", err)
		}
		if string(data) != string(ciphertext) {
			t.Error("served payload differs from stored ciphertext")
		}
		if resp.ProviderID != "prov-1" {
			t.Errorf("ProviderID = %q", resp.ProviderID)
		}
		if resp.Version != 100 {
			t.Errorf("Version = %d, want 100", resp.Version)
		}
	case <-time.After(time.Second):
		t.Fatal("no serve response")
	}
}

func TestServeDataRequestAuthorization(t *testing.T) {
	secret := []byte("shared-serve-secret")
	svc, ch, _ := newTestService(t, secret)
	ctx := context.Background()

	raw, _ := json.Marshal(testEnvelope([]byte("protected ciphertext")))
	svc.HandleSyncRequest(ctx, raw)

	responses := subscribeJSON[model.ServeResponse](t, ch, channel.StorageResponseSubject("req-1"))

	// No token.
	req, _ := json.Marshal(model.ServeRequest{DeviceID: "dev-1", Requester: "req-1"})
	svc.ServeDataRequest(ctx, req)
	select {
	case resp := <-responses:
		if resp.Success || resp.Error != "not authorized" {
			t.Errorf("unauthenticated request got %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("no response for unauthorized request")
	}

	// Valid token for this requester/source pair.
	token, err := auth.MintServeToken(secret, "req-1", "dev-1", time.Minute)
	if err != nil {
		t.Fatalf("MintServeToken: %v", err)
	}
	req, _ = json.Marshal(model.ServeRequest{DeviceID: "dev-1", Requester: "req-1", Token: token})
	svc.ServeDataRequest(ctx, req)
	select {
	case resp := <-responses:
		if !resp.Success {
			t.Errorf("authorized request failed: %s", resp.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("no response for authorized request")
	}
}

func TestReplicaIndexSurvivesRestart(t *testing.T) {
	ch := channel.NewMemory()
	defer ch.Close()
	store := storage.NewMemory()
	dir := t.TempDir()
	blobs, err := blobstore.NewDisk(dir)
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	ctx := context.Background()

	svc, err := New(ctx, "prov-1", ch, store, blobs, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, _ := json.Marshal(testEnvelope([]byte("durable ciphertext")))
	svc.HandleSyncRequest(ctx, raw)

	// A new service over the same store and blob dir sees the replica.
	restarted, err := New(ctx, "prov-1", ch, store, blobs, nil, nil)
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	if restarted.Stats(ctx).ReplicaCount != 1 {
		t.Error("replica index not rebuilt from the durable store")
	}
}
