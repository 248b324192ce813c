// Package state provides observable, optionally persisted state cells for
// plugin instances. An Atom holds a single value; setting a new value notifies
// subscribers synchronously in registration order. A Registry groups the
// persisted atoms of one instance and handles snapshot export/import.
package state

import (
	"encoding/json"
	"reflect"
	"sync"
)

// Atom is an observable value cell. The held value is treated as immutable
// between observations: mutation happens only by replacing the whole value.
type Atom[T any] struct {
	mu         sync.RWMutex
	value      T
	persistKey string
	subs       []subscriber[T]
	nextSubID  int
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// NewAtom creates a standalone atom that is not persisted. Atoms that should
// survive snapshot export/import are created through Define on a Registry.
func NewAtom[T any](initial T) *Atom[T] {
	return &Atom[T]{value: initial}
}

// Get returns the current value.
func (a *Atom[T]) Get() T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.value
}

// PersistKey returns the persist key, or "" for a non-persisted atom.
func (a *Atom[T]) PersistKey() string { return a.persistKey }

// Set replaces the current value. If v is not identical to the previous value
// all subscribers are notified synchronously, in registration order, before
// Set returns.
func (a *Atom[T]) Set(v T) {
	a.mu.Lock()
	if identical(a.value, v) {
		a.mu.Unlock()
		return
	}
	a.value = v
	subs := make([]subscriber[T], len(a.subs))
	copy(subs, a.subs)
	a.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Update produces a new value by applying mutate to a working copy of the
// current value and commits the result through the same path as Set. The copy
// is made by a JSON round trip, so committed values never alias the draft.
// The mutator must not retain the draft past its own execution.
func (a *Atom[T]) Update(mutate func(draft *T)) error {
	a.mu.RLock()
	cur := a.value
	a.mu.RUnlock()

	raw, err := json.Marshal(cur)
	if err != nil {
		return err
	}
	var draft T
	if err := json.Unmarshal(raw, &draft); err != nil {
		return err
	}
	mutate(&draft)
	a.Set(draft)
	return nil
}

// Subscribe registers fn for change notification and returns a function that
// deregisters it. Calling the returned function more than once is a no-op.
func (a *Atom[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	a.mu.Lock()
	a.nextSubID++
	id := a.nextSubID
	a.subs = append(a.subs, subscriber[T]{id: id, fn: fn})
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, s := range a.subs {
			if s.id == id {
				a.subs = append(a.subs[:i], a.subs[i+1:]...)
				return
			}
		}
	}
}

func (a *Atom[T]) export() (json.RawMessage, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return json.Marshal(a.value)
}

// identical reports whether two values are the same value in the reference
// sense: pointer identity for reference kinds, == for comparable values.
// Incomparable non-reference values are never considered identical, so
// replacing them always notifies.
func identical(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Slice:
		if va.Len() != vb.Len() {
			return false
		}
		if va.Len() == 0 {
			return va.IsNil() == vb.IsNil()
		}
		return va.UnsafePointer() == vb.UnsafePointer()
	case reflect.Map, reflect.Pointer, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return va.UnsafePointer() == vb.UnsafePointer()
	default:
		if va.Type().Comparable() {
			return a == b
		}
		return false
	}
}
