package state

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/klemenkosir/flipper/internal/logging"
)

// Snapshot maps persist keys to serialized atom values. Produced by
// Registry.Export and consumed by NewRegistry at instance construction.
type Snapshot map[string]json.RawMessage

type exportable interface {
	export() (json.RawMessage, error)
}

// Registry holds the persisted atoms of one plugin instance, keyed by persist
// key. It enforces key uniqueness and provides consistent snapshot export.
type Registry struct {
	mu       sync.Mutex
	log      *slog.Logger
	atoms    map[string]exportable
	order    []string
	imported Snapshot
	sealed   bool
}

// NewRegistry creates a registry. If imported is non-nil it is used as the
// initial-value source for atoms defined before Seal is called.
func NewRegistry(imported Snapshot) *Registry {
	return &Registry{
		log:      logging.Component("state"),
		atoms:    make(map[string]exportable),
		imported: imported,
	}
}

// Seal marks instance construction as complete. Atoms defined afterwards no
// longer pick up values from the imported snapshot.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	r.imported = nil
}

// Define creates an atom in the registry. A non-empty persistKey registers the
// atom for snapshot export and must be unique within the registry; an empty
// key creates a plain observable atom. If the registry's imported snapshot
// contains persistKey, the stored value replaces initial; a value that fails
// to decode is logged and falls back to initial.
func Define[T any](r *Registry, persistKey string, initial T) (*Atom[T], error) {
	if persistKey == "" {
		return NewAtom(initial), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.atoms[persistKey]; exists {
		return nil, ErrDuplicateKey
	}

	value := initial
	if raw, ok := r.imported[persistKey]; ok {
		var decoded T
		if err := json.Unmarshal(raw, &decoded); err != nil {
			lerr := &SnapshotLoadError{Key: persistKey, Err: err}
			r.log.Warn("snapshot load failed, using initial value", "key", persistKey, "error", lerr)
		} else {
			value = decoded
		}
	}

	a := &Atom[T]{value: value, persistKey: persistKey}
	r.atoms[persistKey] = a
	r.order = append(r.order, persistKey)
	return a, nil
}

// Export returns a point-in-time snapshot of every persisted atom. Atom
// mutation and export share the instance's serialized timeline, so the view
// is consistent.
func (r *Registry) Export() (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := make(Snapshot, len(r.order))
	for _, key := range r.order {
		raw, err := r.atoms[key].export()
		if err != nil {
			return nil, err
		}
		snap[key] = raw
	}
	return snap, nil
}

// Keys returns the persist keys in definition order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.order...)
}
