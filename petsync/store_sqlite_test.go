package petsync

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "pawsync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("close store: %v", cerr)
		}
	})
	return store
}

func TestStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	pet := testPet()

	if err := store.Put(ctx, pet); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get(ctx, KindPet, pet.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.(*Pet).Name != pet.Name {
		t.Fatalf("round trip lost name: %+v", got)
	}

	if err := store.Delete(ctx, KindPet, pet.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, KindPet, pet.ID); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	// Deleting again is a no-op.
	if err := store.Delete(ctx, KindPet, pet.ID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestStoreRejectsEmptyID(t *testing.T) {
	store := testStore(t)
	err := store.Put(context.Background(), &Pet{Name: "no id"})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestStoreListByPet(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	petA, petB := NewEntityID(), NewEntityID()
	now := time.Now().UTC()

	for i, petID := range []string{petA, petA, petB} {
		entry := &CareLog{
			ID:        NewEntityID(),
			Type:      "walk",
			Timestamp: now,
			PetID:     petID,
			CreatedAt: now,
			UpdatedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := store.Put(ctx, entry); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	got, err := store.ListByPet(ctx, KindCareLog, petA)
	if err != nil {
		t.Fatalf("list by pet: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries for pet A, got %d", len(got))
	}
	all, err := store.List(ctx, KindCareLog)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries total, got %d", len(all))
	}
}

func TestStoreUploadQueue(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	pet := testPet()
	if err := store.Put(ctx, pet); err != nil {
		t.Fatalf("put: %v", err)
	}

	changeID, err := store.EnqueueUpload(ctx, KindPet, pet.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if changeID == "" {
		t.Fatal("expected change id")
	}
	// Re-queueing the same entity must not duplicate it.
	if _, err := store.EnqueueUpload(ctx, KindPet, pet.ID); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	items, err := store.DequeueUploads(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(items) != 1 || items[0].EntityID != pet.ID || items[0].Kind != KindPet {
		t.Fatalf("unexpected queue contents: %+v", items)
	}

	if err := store.AckUpload(ctx, items[0].ChangeID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	pending, err := store.PendingUploads(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending != 0 {
		t.Fatalf("queue should be empty, got %d", pending)
	}
}

func TestStoreSetRemoteIDPreservesUpdatedAt(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	pet := testPet()
	if err := store.Put(ctx, pet); err != nil {
		t.Fatalf("put: %v", err)
	}

	rid := RecordID{Zone: PetZone, Name: pet.ID}.String()
	if err := store.SetRemoteID(ctx, KindPet, pet.ID, rid); err != nil {
		t.Fatalf("set remote id: %v", err)
	}

	got, err := store.Get(ctx, KindPet, pet.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RemoteID() != rid {
		t.Fatalf("remote id not persisted: %q", got.RemoteID())
	}
	if !got.ModTime().Equal(pet.UpdatedAt) {
		t.Fatal("assigning remote id must not bump updatedAt")
	}
}

func TestStoreSyncState(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	v, err := store.GetState(ctx, "last_synced_at", "never")
	if err != nil || v != "never" {
		t.Fatalf("default fallback: %q %v", v, err)
	}
	if err := store.SetState(ctx, "last_synced_at", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("set state: %v", err)
	}
	status, err := store.SyncStatus(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.LastSyncedAt.IsZero() {
		t.Fatal("expected parsed last sync time")
	}
}
