// ABOUTME: Tests for batch hydration: partial failure tolerance and the
// ABOUTME: all-failed terminal case.
package petsync

import (
	"context"
	"errors"
	"testing"
)

func TestHydratePartialFailureKeepsGoodItems(t *testing.T) {
	codec := testCodec(t)

	good := testPet()
	rec, err := codec.Encode(good)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	bad := WireRecord{
		Kind:   KindPet,
		ID:     RecordID{Zone: PetZone, Name: "broken"},
		Fields: map[string]any{"id": "broken"}, // missing name
	}

	entities, itemErrs, err := HydrateRecords(context.Background(), codec, []WireRecord{bad, rec})
	if err != nil {
		t.Fatalf("partial failure must not be fatal: %v", err)
	}
	if len(entities) != 1 || entities[0].EntityID() != good.ID {
		t.Fatalf("expected the good pet to survive, got %d entities", len(entities))
	}
	if len(itemErrs) != 1 {
		t.Fatalf("expected 1 item error, got %d", len(itemErrs))
	}
	var convErr *ConversionError
	if !errors.As(itemErrs[0], &convErr) {
		t.Fatalf("item error should be a ConversionError: %v", itemErrs[0])
	}
}

func TestHydrateAllFailedIsTerminal(t *testing.T) {
	codec := testCodec(t)

	bad := WireRecord{
		Kind:   KindPet,
		ID:     RecordID{Zone: PetZone, Name: "broken"},
		Fields: map[string]any{},
	}

	entities, itemErrs, err := HydrateRecords(context.Background(), codec, []WireRecord{bad, bad})
	if err == nil {
		t.Fatal("expected an error when nothing hydrates")
	}
	if len(entities) != 0 {
		t.Fatalf("no entities expected, got %d", len(entities))
	}
	if len(itemErrs) != 2 {
		t.Fatalf("expected 2 item errors, got %d", len(itemErrs))
	}
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("terminal error should be a SyncError: %v", err)
	}
}

func TestHydrateEmptyBatch(t *testing.T) {
	entities, itemErrs, err := HydrateRecords(context.Background(), testCodec(t), nil)
	if err != nil || entities != nil || itemErrs != nil {
		t.Fatalf("empty batch: %v %v %v", entities, itemErrs, err)
	}
}
