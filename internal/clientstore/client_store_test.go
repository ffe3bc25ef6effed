package clientstore

import (
	"testing"
	"time"
)

func TestNextClientIdIsNeverZero(t *testing.T) {
	store := CreateStore(0)
	if id := store.NextClientId(); id == 0 {
		t.Fatal("client id zero is reserved for the server")
	}
}

func TestAddRemove(t *testing.T) {
	store := CreateStore(0)

	if err := store.Add(1, Record{ConnectedAt: time.Now()}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !store.Has(1) {
		t.Error("expected client 1 to be tracked")
	}

	if err := store.Add(1, Record{}); err == nil {
		t.Error("expected duplicate Add to fail")
	}

	if err := store.Remove(1); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if store.Has(1) {
		t.Error("client 1 should be gone")
	}
	if err := store.Remove(1); err == nil {
		t.Error("expected Remove of a missing client to fail")
	}
}

func TestMaxConnections(t *testing.T) {
	store := CreateStore(2)

	if err := store.Add(1, Record{}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := store.Add(2, Record{}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := store.Add(3, Record{}); err == nil {
		t.Error("expected the third Add to be rejected")
	}
}

func TestDrainReturnsAllIds(t *testing.T) {
	store := CreateStore(0)
	store.Add(1, Record{})
	store.Add(2, Record{})

	drained := store.Drain()
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained ids, got %d", len(drained))
	}
	if store.Len() != 0 {
		t.Errorf("expected an empty store after Drain, got %d records", store.Len())
	}
}
