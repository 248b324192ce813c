package state

import (
	"testing"
)

func TestAtomGetSet(t *testing.T) {
	a := NewAtom(1)
	if got := a.Get(); got != 1 {
		t.Fatalf("expected initial value 1, got %d", got)
	}

	a.Set(2)
	if got := a.Get(); got != 2 {
		t.Errorf("expected 2 after Set, got %d", got)
	}
}

func TestAtomReplaySequence(t *testing.T) {
	a := NewAtom(0)
	a.Set(5)
	if err := a.Update(func(d *int) { *d += 10 }); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	a.Set(-1)
	if err := a.Update(func(d *int) { *d *= 3 }); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Applying the same mutations left-to-right by hand: 0 -> 5 -> 15 -> -1 -> -3
	if got := a.Get(); got != -3 {
		t.Errorf("expected -3 after sequence, got %d", got)
	}
}

func TestAtomSetSameValueNoNotification(t *testing.T) {
	a := NewAtom("hello")

	var calls int
	a.Subscribe(func(string) { calls++ })

	a.Set("hello")
	if calls != 0 {
		t.Errorf("expected 0 notifications for identical value, got %d", calls)
	}

	a.Set("world")
	if calls != 1 {
		t.Errorf("expected exactly 1 notification, got %d", calls)
	}
}

func TestAtomSliceIdentity(t *testing.T) {
	rows := []int{1, 2, 3}
	a := NewAtom(rows)

	var calls int
	a.Subscribe(func([]int) { calls++ })

	// Same backing array, same length: identical, no notification.
	a.Set(rows)
	if calls != 0 {
		t.Errorf("expected no notification for same slice, got %d", calls)
	}

	// A fresh slice with equal contents is a different value.
	a.Set([]int{1, 2, 3})
	if calls != 1 {
		t.Errorf("expected 1 notification for new slice, got %d", calls)
	}
}

func TestAtomNotifiesAllSubscribersInOrder(t *testing.T) {
	a := NewAtom(0)

	var order []string
	a.Subscribe(func(int) { order = append(order, "first") })
	a.Subscribe(func(int) { order = append(order, "second") })
	a.Subscribe(func(int) { order = append(order, "third") })

	a.Set(1)

	if len(order) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(order))
	}
	for i, want := range []string{"first", "second", "third"} {
		if order[i] != want {
			t.Errorf("notification %d: expected %s, got %s", i, want, order[i])
		}
	}
}

func TestAtomUnsubscribe(t *testing.T) {
	a := NewAtom(0)

	var calls int
	unsub := a.Subscribe(func(int) { calls++ })

	a.Set(1)
	unsub()
	a.Set(2)

	if calls != 1 {
		t.Errorf("expected 1 call after unsubscribe, got %d", calls)
	}

	// Double-unsubscribe is a no-op.
	unsub()
	a.Set(3)
	if calls != 1 {
		t.Errorf("expected no further calls, got %d", calls)
	}
}

func TestAtomUpdateDraftDoesNotAliasCommittedValue(t *testing.T) {
	a := NewAtom([]int{1, 2})

	var leaked *[]int
	if err := a.Update(func(d *[]int) {
		*d = append(*d, 3)
		leaked = d
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Mutating through the retained draft pointer must not change the
	// committed value's observable length.
	*leaked = nil

	got := a.Get()
	if len(got) != 3 || got[2] != 3 {
		t.Errorf("expected committed value [1 2 3], got %v", got)
	}
}
