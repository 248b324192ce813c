package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/klemenkosir/flipper/internal/state"
)

// memoryStore is an in-memory SnapshotStore for tests.
type memoryStore struct {
	mu    sync.Mutex
	snaps map[string]state.Snapshot
}

func newMemoryStore() *memoryStore {
	return &memoryStore{snaps: make(map[string]state.Snapshot)}
}

func (s *memoryStore) Load(_ context.Context, pluginID, clientID string) (state.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snaps[pluginID+"/"+clientID], nil
}

func (s *memoryStore) Save(_ context.Context, pluginID, clientID string, snap state.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[pluginID+"/"+clientID] = snap
	return nil
}

func TestManagerCreatesInstancesForSupportedPlugins(t *testing.T) {
	m := NewManager(&recordingTransport{})
	if err := m.RegisterPlugin(Plugin{ID: "network"}); err != nil {
		t.Fatalf("RegisterPlugin failed: %v", err)
	}
	if err := m.RegisterPlugin(Plugin{ID: "layout"}); err != nil {
		t.Fatalf("RegisterPlugin failed: %v", err)
	}

	// Client supports only one of the two registered plugins.
	m.ClientConnected(context.Background(), "phone", []string{"network", "unknown"})

	if _, ok := m.Get("network", "phone"); !ok {
		t.Error("expected instance for supported plugin")
	}
	if _, ok := m.Get("layout", "phone"); ok {
		t.Error("no instance expected for unsupported plugin")
	}
	if _, ok := m.Get("unknown", "phone"); ok {
		t.Error("no instance expected for unregistered plugin")
	}

	inst, _ := m.Get("network", "phone")
	if inst.State() != StateConnected {
		t.Errorf("expected Connected, got %s", inst.State())
	}
}

func TestManagerOneInstancePerPair(t *testing.T) {
	m := NewManager(&recordingTransport{})
	if err := m.RegisterPlugin(Plugin{ID: "p"}); err != nil {
		t.Fatal(err)
	}
	m.ClientConnected(context.Background(), "c", []string{"p"})

	first, _ := m.Get("p", "c")
	if _, err := m.createInstance(context.Background(), Plugin{ID: "p"}, "c"); !errors.Is(err, ErrInstanceExists) {
		t.Errorf("expected ErrInstanceExists, got %v", err)
	}
	second, _ := m.Get("p", "c")
	if first != second {
		t.Error("live instance was replaced")
	}
}

func TestManagerSetupErrorAbortsCreation(t *testing.T) {
	m := NewManager(&recordingTransport{})
	err := m.RegisterPlugin(Plugin{
		ID: "broken",
		Setup: func(i *Instance) error {
			if _, err := state.Define(i.Atoms(), "k", 0); err != nil {
				return err
			}
			_, err := state.Define(i.Atoms(), "k", 0)
			return err
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	m.ClientConnected(context.Background(), "c", []string{"broken"})
	if _, ok := m.Get("broken", "c"); ok {
		t.Error("instance with duplicate atom key must not be created")
	}
}

func TestManagerClientDisconnectedDestroysAndPersists(t *testing.T) {
	store := newMemoryStore()
	m := NewManager(&recordingTransport{}, WithSnapshotStore(store))

	var rows *state.Atom[[]int]
	err := m.RegisterPlugin(Plugin{
		ID: "rows",
		Setup: func(i *Instance) error {
			var err error
			rows, err = state.Define(i.Atoms(), "rows", []int{})
			return err
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	m.ClientConnected(context.Background(), "c", []string{"rows"})
	inst, _ := m.Get("rows", "c")
	rows.Set([]int{7, 8})

	m.ClientDisconnected(context.Background(), "c")

	if inst.State() != StateDestroyed {
		t.Errorf("expected Destroyed, got %s", inst.State())
	}
	if _, ok := m.Get("rows", "c"); ok {
		t.Error("instance should be removed after client disconnect")
	}

	snap, _ := store.Load(context.Background(), "rows", "c")
	if string(snap["rows"]) != "[7,8]" {
		t.Errorf("expected persisted [7,8], got %s", snap["rows"])
	}
}

func TestManagerSnapshotRestoredOnReconnect(t *testing.T) {
	store := newMemoryStore()
	m := NewManager(&recordingTransport{}, WithSnapshotStore(store))

	values := make(chan int, 2)
	err := m.RegisterPlugin(Plugin{
		ID: "counter",
		Setup: func(i *Instance) error {
			count, err := state.Define(i.Atoms(), "count", 0)
			if err != nil {
				return err
			}
			values <- count.Get()
			i.OnMessage("bump", func(json.RawMessage) {
				_ = count.Update(func(d *int) { *d++ })
			})
			return nil
		},
		Background: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	m.ClientConnected(context.Background(), "c", []string{"counter"})
	if got := <-values; got != 0 {
		t.Fatalf("expected initial 0, got %d", got)
	}
	m.DeliverEvent("c", "counter", "bump", nil)
	m.DeliverEvent("c", "counter", "bump", nil)
	m.ClientDisconnected(context.Background(), "c")

	// Reconnect: the new instance imports the persisted snapshot.
	m.ClientConnected(context.Background(), "c", []string{"counter"})
	if got := <-values; got != 2 {
		t.Errorf("expected restored count 2, got %d", got)
	}
}

func TestManagerRoutesEventsAndReplies(t *testing.T) {
	tr := &recordingTransport{}
	m := NewManager(tr)
	var got []string
	err := m.RegisterPlugin(Plugin{
		ID:         "p",
		Background: true,
		Setup: func(i *Instance) error {
			i.OnMessage("evt", func(payload json.RawMessage) {
				got = append(got, string(payload))
			})
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	m.ClientConnected(context.Background(), "c", []string{"p"})

	m.DeliverEvent("c", "p", "evt", json.RawMessage(`1`))
	// Unknown instances are logged, not fatal.
	m.DeliverEvent("ghost", "p", "evt", nil)
	m.DeliverReply("ghost", "p", "call-1", true, nil, "")

	if len(got) != 1 || got[0] != "1" {
		t.Errorf("expected [1], got %v", got)
	}
}

func TestManagerIsPluginAvailable(t *testing.T) {
	m := NewManager(&recordingTransport{})
	if err := m.RegisterPlugin(Plugin{ID: "p"}); err != nil {
		t.Fatal(err)
	}
	m.ClientConnected(context.Background(), "c", []string{"p", "other"})

	if !m.IsPluginAvailable("c", "p") {
		t.Error("expected p available")
	}
	if m.IsPluginAvailable("c", "other") {
		t.Error("unregistered plugin must not be available")
	}
	if m.IsPluginAvailable("ghost", "p") {
		t.Error("unknown client must not report availability")
	}

	m.ClientDisconnected(context.Background(), "c")
	if m.IsPluginAvailable("c", "p") {
		t.Error("availability must clear on disconnect")
	}
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManagerSelectPluginActivatesAndDeepLinks(t *testing.T) {
	m := NewManager(&recordingTransport{})
	var mu sync.Mutex
	var linked []string
	err := m.RegisterPlugin(Plugin{
		ID: "target",
		Setup: func(i *Instance) error {
			i.OnDeepLink(func(payload json.RawMessage) {
				mu.Lock()
				linked = append(linked, string(payload))
				mu.Unlock()
			})
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	m.ClientConnected(context.Background(), "c", []string{"target"})

	var uiCalls int
	m.OnSelectPlugin(func(clientID, pluginID string, payload json.RawMessage) { uiCalls++ })

	m.SelectPlugin("c", "target", json.RawMessage(`"row-9"`))

	inst, _ := m.Get("target", "c")
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inst.State() == StateActivated && len(linked) == 1
	}, "selection never activated the instance and delivered the deep link")

	mu.Lock()
	if linked[0] != `"row-9"` {
		t.Errorf("expected deep link payload, got %v", linked)
	}
	mu.Unlock()
	if uiCalls != 1 {
		t.Errorf("expected UI callback once, got %d", uiCalls)
	}
}

func TestHandlerMaySelectOwnPlugin(t *testing.T) {
	m := NewManager(&recordingTransport{})
	var mu sync.Mutex
	var linked []string
	err := m.RegisterPlugin(Plugin{
		ID:         "crashes",
		Background: true,
		Setup: func(i *Instance) error {
			i.OnDeepLink(func(payload json.RawMessage) {
				mu.Lock()
				linked = append(linked, string(payload))
				mu.Unlock()
			})
			i.OnMessage("crash", func(payload json.RawMessage) {
				i.SelectPlugin("crashes", payload)
			})
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	m.ClientConnected(context.Background(), "c", []string{"crashes"})

	done := make(chan struct{})
	go func() {
		m.DeliverEvent("c", "crashes", "crash", json.RawMessage(`{"reason":"oops"}`))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event delivery blocked on the handler selecting its own plugin")
	}

	inst, _ := m.Get("crashes", "c")
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inst.State() == StateActivated && len(linked) == 1
	}, "selection from inside the handler never took effect")
}

func TestManagerMenuEntries(t *testing.T) {
	m := NewManager(&recordingTransport{})
	var invoked int
	err := m.RegisterPlugin(Plugin{
		ID: "p",
		Setup: func(i *Instance) error {
			i.AddMenuEntry(MenuEntry{Label: "Clear rows", Action: func() { invoked++ }})
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	m.ClientConnected(context.Background(), "c", []string{"p"})

	entries := m.MenuEntries()
	if len(entries) != 1 || entries[0] != "Clear rows" {
		t.Fatalf("expected [Clear rows], got %v", entries)
	}
	if !m.InvokeMenuEntry("Clear rows") {
		t.Fatal("InvokeMenuEntry returned false")
	}
	if invoked != 1 {
		t.Errorf("expected action invoked once, got %d", invoked)
	}
	if m.InvokeMenuEntry("missing") {
		t.Error("expected false for unknown entry")
	}

	m.ClientDisconnected(context.Background(), "c")
	if len(m.MenuEntries()) != 0 {
		t.Error("menu entries must clear with their client")
	}
}
