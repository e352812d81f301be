package registry

import (
	"context"
	"testing"
	"time"

	"github.com/powerclubglobal/sovereign-storage-go/internal/channel"
	"github.com/powerclubglobal/sovereign-storage-go/internal/model"
	"github.com/powerclubglobal/sovereign-storage-go/internal/storage"
)

func TestRegisterAssignsIDAndDefaults(t *testing.T) {
	svc := New(storage.NewMemory(), nil, 0)
	ctx := context.Background()

	device, err := svc.Register(ctx, model.Device{
		OwnerID: "owner-1",
		Name:    "nas",
		Class:   model.DeviceStorageProvider,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if device.ID == "" {
		t.Error("no device ID assigned")
	}
	if !device.ServesData || !device.AcceptsStorageContracts {
		t.Errorf("storage provider capabilities not defaulted: %+v", device)
	}
	if device.StorageCapacityGB != 100 {
		t.Errorf("StorageCapacityGB = %d, want default 100", device.StorageCapacityGB)
	}
	if !device.Online {
		t.Error("registered device not marked online")
	}
}

func TestRegisterAlwaysOnDefaults(t *testing.T) {
	svc := New(storage.NewMemory(), nil, 0)

	device, err := svc.Register(context.Background(), model.Device{
		ID:      "dev-1",
		OwnerID: "owner-1",
		Class:   model.DeviceAlwaysOn,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !device.ServesData {
		t.Error("always-on device should serve data")
	}
	if device.AcceptsStorageContracts {
		t.Error("always-on device should not accept contracts by default")
	}
}

func TestRegisterContractsImplyServing(t *testing.T) {
	svc := New(storage.NewMemory(), nil, 0)

	device, err := svc.Register(context.Background(), model.Device{
		ID:                      "dev-1",
		Class:                   model.DeviceMobile,
		AcceptsStorageContracts: true,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !device.ServesData {
		t.Error("accepting contracts must imply serving data")
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	store := storage.NewMemory()
	svc := New(store, nil, 0)
	ctx := context.Background()

	if _, err := svc.Register(ctx, model.Device{ID: "dev-1", OwnerID: "owner-1", Name: "first"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, model.Device{ID: "dev-1", OwnerID: "owner-1", Name: "second"}); err != nil {
		t.Fatalf("Register again: %v", err)
	}

	devices, err := svc.DevicesByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("DevicesByOwner: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(devices))
	}
	if devices[0].Name != "second" {
		t.Errorf("Name = %q, want second", devices[0].Name)
	}
}

func TestHeartbeatUnknownDeviceIsNoOp(t *testing.T) {
	svc := New(storage.NewMemory(), nil, 0)
	if err := svc.Heartbeat(context.Background(), "never-registered"); err != nil {
		t.Errorf("heartbeat for unknown device should be a no-op, got %v", err)
	}
}

func TestSweepStaleFlipsOnlyStaleDevices(t *testing.T) {
	store := storage.NewMemory()
	svc := New(store, nil, 5*time.Minute)
	ctx := context.Background()

	base := time.Now().UTC()
	svc.now = func() time.Time { return base }

	if _, err := svc.Register(ctx, model.Device{ID: "stale", OwnerID: "o"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, model.Device{ID: "fresh", OwnerID: "o"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Ten minutes later only "fresh" has heartbeated recently.
	svc.now = func() time.Time { return base.Add(10 * time.Minute) }
	if err := svc.Heartbeat(ctx, "fresh"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	affected, err := svc.SweepStale(ctx)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if affected != 1 {
		t.Errorf("affected = %d, want 1", affected)
	}

	online, err := svc.OnlineDevices(ctx)
	if err != nil {
		t.Fatalf("OnlineDevices: %v", err)
	}
	if len(online) != 1 || online[0].ID != "fresh" {
		t.Errorf("online devices = %+v, want only fresh", online)
	}
}

func TestHeartbeatOverChannel(t *testing.T) {
	store := storage.NewMemory()
	svc := New(store, nil, 5*time.Minute)
	ch := channel.NewMemory()
	defer ch.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := svc.Register(ctx, model.Device{ID: "dev-1", OwnerID: "o"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	go svc.RunListener(ctx, ch)
	time.Sleep(20 * time.Millisecond) // Let the listener subscribe

	before, err := store.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}

	if err := PublishHeartbeat(ctx, ch, "dev-1"); err != nil {
		t.Fatalf("PublishHeartbeat: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		after, err := store.GetDevice(ctx, "dev-1")
		if err != nil {
			t.Fatalf("GetDevice: %v", err)
		}
		if after.LastHeartbeat.After(before.LastHeartbeat) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("heartbeat never ingested")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
