package state

import (
	"errors"
	"fmt"
)

// ErrDuplicateKey is returned when two atoms in one registry claim the same
// non-empty persist key. Fatal to plugin initialization.
var ErrDuplicateKey = errors.New("duplicate persist key")

// SnapshotLoadError reports a persisted value that could not be decoded into
// the atom's type. Recovered by falling back to the atom's initial value.
type SnapshotLoadError struct {
	Key string
	Err error
}

func (e *SnapshotLoadError) Error() string {
	return fmt.Sprintf("snapshot value for %q could not be loaded: %v", e.Key, e.Err)
}

func (e *SnapshotLoadError) Unwrap() error { return e.Err }
