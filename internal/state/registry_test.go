package state

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRegistryDuplicateKey(t *testing.T) {
	r := NewRegistry(nil)

	if _, err := Define(r, "rows", []string{}); err != nil {
		t.Fatalf("first Define failed: %v", err)
	}
	if _, err := Define(r, "rows", 0); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}

	// Empty keys never collide.
	if _, err := Define(r, "", 1); err != nil {
		t.Errorf("empty key Define failed: %v", err)
	}
	if _, err := Define(r, "", 2); err != nil {
		t.Errorf("second empty key Define failed: %v", err)
	}
}

func TestRegistrySnapshotRoundTrip(t *testing.T) {
	r := NewRegistry(nil)
	rows, err := Define(r, "rows", []string{})
	if err != nil {
		t.Fatalf("Define failed: %v", err)
	}
	count, err := Define(r, "count", 0)
	if err != nil {
		t.Fatalf("Define failed: %v", err)
	}

	rows.Set([]string{"a", "b"})
	count.Set(2)

	snap, err := r.Export()
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	// A fresh registry constructed with the snapshot yields atoms whose Get
	// equals the exported values.
	r2 := NewRegistry(snap)
	rows2, err := Define(r2, "rows", []string{})
	if err != nil {
		t.Fatalf("Define failed: %v", err)
	}
	count2, err := Define(r2, "count", 0)
	if err != nil {
		t.Fatalf("Define failed: %v", err)
	}
	r2.Seal()

	got := rows2.Get()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected [a b], got %v", got)
	}
	if count2.Get() != 2 {
		t.Errorf("expected count 2, got %d", count2.Get())
	}
}

func TestRegistryCorruptSnapshotFallsBack(t *testing.T) {
	snap := Snapshot{
		"count": json.RawMessage(`"not a number"`),
	}

	r := NewRegistry(snap)
	count, err := Define(r, "count", 42)
	if err != nil {
		t.Fatalf("Define failed: %v", err)
	}

	if count.Get() != 42 {
		t.Errorf("expected fallback to initial value 42, got %d", count.Get())
	}
}

func TestRegistrySealStopsImports(t *testing.T) {
	snap := Snapshot{
		"late": json.RawMessage(`99`),
	}

	r := NewRegistry(snap)
	r.Seal()

	late, err := Define(r, "late", 1)
	if err != nil {
		t.Fatalf("Define failed: %v", err)
	}
	if late.Get() != 1 {
		t.Errorf("expected initial value 1 after seal, got %d", late.Get())
	}
}

func TestRegistryExportOnlyPersisted(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := Define(r, "kept", "v"); err != nil {
		t.Fatalf("Define failed: %v", err)
	}
	if _, err := Define(r, "", "transient"); err != nil {
		t.Fatalf("Define failed: %v", err)
	}

	snap, err := r.Export()
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if len(snap) != 1 {
		t.Errorf("expected 1 entry, got %d", len(snap))
	}
	if string(snap["kept"]) != `"v"` {
		t.Errorf("unexpected exported value: %s", snap["kept"])
	}
}
