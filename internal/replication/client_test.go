package replication

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/powerclubglobal/sovereign-storage-go/internal/channel"
	"github.com/powerclubglobal/sovereign-storage-go/internal/cryptobox"
	"github.com/powerclubglobal/sovereign-storage-go/internal/errors"
	"github.com/powerclubglobal/sovereign-storage-go/internal/model"
)

func writeStoreFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write store file: %v", err)
	}
	return path
}

func newTestClient(t *testing.T, dbPath string, ch channel.Channel, version int64, ackTimeout time.Duration) *Client {
	t.Helper()
	client, err := NewClient(Config{
		DatabasePath:       dbPath,
		DeviceID:           "dev-1",
		ProviderDeviceID:   "prov-1",
		EncryptionPassword: "test-passphrase",
		AckTimeout:         ackTimeout,
		Version:            func() (int64, error) { return version, nil },
	}, ch, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

// fakeProvider subscribes on the provider's sync subject, decrypts the
// envelope, and acks. It returns a channel carrying the recovered
// plaintext.
func fakeProvider(t *testing.T, ch channel.Channel) <-chan []byte {
	t.Helper()
	plaintextCh := make(chan []byte, 1)
	key := cryptobox.DeriveKey("test-passphrase", cryptobox.FixedSalt)

	_, err := ch.Subscribe(channel.StorageSyncSubject("prov-1"), func(data []byte) {
		var envelope model.SyncEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			t.Errorf("provider: envelope decode: %v", err)
			return
		}
		ciphertext, err := base64.StdEncoding.DecodeString(envelope.Data)
		if err != nil {
			t.Errorf("provider: payload decode: %v", err)
			return
		}
		plaintext, err := cryptobox.Decrypt(ciphertext, key)
		if err != nil {
			t.Errorf("provider: decrypt: %v", err)
			return
		}
		plaintextCh <- plaintext

		ack := model.SyncAck{
			Success:       true,
			Version:       envelope.Version,
			CorrelationID: envelope.CorrelationID,
			Timestamp:     time.Now().UTC(),
		}
		ackData, _ := json.Marshal(ack)
		if err := ch.Publish(context.Background(), channel.StorageAckSubject(envelope.From), ackData); err != nil {
			t.Errorf("provider: ack publish: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("provider subscribe: %v", err)
	}
	return plaintextCh
}

func TestSyncToProviderAckFlow(t *testing.T) {
	content := []byte("store contents v100")
	dbPath := writeStoreFile(t, content)
	ch := channel.NewMemory()
	defer ch.Close()

	plaintextCh := fakeProvider(t, ch)
	client := newTestClient(t, dbPath, ch, 100, 2*time.Second)

	if err := client.SyncToProvider(context.Background()); err != nil {
		t.Fatalf("SyncToProvider: %v", err)
	}

	select {
	case plaintext := <-plaintextCh:
		if !bytes.Equal(plaintext, content) {
			t.Error("provider recovered different plaintext")
		}
	default:
		t.Fatal("provider never received the envelope")
	}

	if client.LastSyncedVersion() != 100 {
		t.Errorf("LastSyncedVersion = %d, want 100", client.LastSyncedVersion())
	}

	// State sidecar persists across client restarts.
	restarted := newTestClient(t, dbPath, ch, 100, 2*time.Second)
	if restarted.LastSyncedVersion() != 100 {
		t.Errorf("restarted LastSyncedVersion = %d, want 100", restarted.LastSyncedVersion())
	}
}

func TestSyncToProviderNoOpWhenUnchanged(t *testing.T) {
	dbPath := writeStoreFile(t, []byte("unchanged"))
	ch := channel.NewMemory()
	defer ch.Close()

	published := make(chan struct{}, 1)
	if _, err := ch.Subscribe(channel.StorageSyncSubject("prov-1"), func([]byte) {
		published <- struct{}{}
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := saveState(dbPath, State{LastSyncVersion: 42, SyncStatus: "in_sync"}); err != nil {
		t.Fatalf("saveState: %v", err)
	}

	client := newTestClient(t, dbPath, ch, 42, time.Second)
	if err := client.SyncToProvider(context.Background()); err != nil {
		t.Fatalf("SyncToProvider: %v", err)
	}

	select {
	case <-published:
		t.Fatal("no-op sync still published an envelope")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSyncToProviderTimeout(t *testing.T) {
	dbPath := writeStoreFile(t, []byte("nobody listening"))
	ch := channel.NewMemory()
	defer ch.Close()

	client := newTestClient(t, dbPath, ch, 7, 50*time.Millisecond)
	err := client.SyncToProvider(context.Background())
	if err == nil {
		t.Fatal("expected timeout with no provider on the channel")
	}
	if !errors.IsTimeout(err) {
		t.Errorf("got %v, want STORAGE_TIMEOUT", err)
	}

	// No ack means no local bookkeeping.
	if client.LastSyncedVersion() != 0 {
		t.Errorf("LastSyncedVersion = %d after timeout, want 0", client.LastSyncedVersion())
	}
}

func TestSyncToProviderSingleFlight(t *testing.T) {
	dbPath := writeStoreFile(t, []byte("busy"))
	ch := channel.NewMemory()
	defer ch.Close()

	client := newTestClient(t, dbPath, ch, 1, time.Second)
	client.syncing.Store(true)

	err := client.SyncToProvider(context.Background())
	if err == nil {
		t.Fatal("expected conflict while a sync is in flight")
	}
	if errors.CodeOf(err) != errors.STORAGE_CONFLICT {
		t.Errorf("got %v, want STORAGE_CONFLICT", err)
	}
}

func TestLoadStateMissingFileIsZero(t *testing.T) {
	st, err := loadState(filepath.Join(t.TempDir(), "absent.db"))
	if err != nil {
		t.Fatalf("loadState: %v", err)
	}
	if st.LastSyncVersion != 0 || st.SyncStatus != "" {
		t.Errorf("missing sidecar yielded non-zero state: %+v", st)
	}
}
