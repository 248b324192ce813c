package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/klemenkosir/flipper/internal/logging"
	"github.com/klemenkosir/flipper/internal/state"
)

// NewInstance constructs a standalone plugin instance. Used by the manager
// and by the test harness; most callers go through Manager.
func NewInstance(p Plugin, clientID string, t Transport, h Host, imported state.Snapshot) (*Instance, error) {
	return newInstance(p, clientID, t, h, imported)
}

// Manager owns every live plugin instance, keyed by (plugin, client). It
// bridges the transport (inbound frames, connection state) to instance
// lifecycles and exposes host-level actions.
type Manager struct {
	log       *slog.Logger
	transport Transport
	store     SnapshotStore

	mu            sync.RWMutex
	plugins       map[string]Plugin
	pluginOrder   []string
	clients       map[string]map[string]bool // client ID -> supported plugin IDs
	menu          []menuRegistration
	selectHandler func(clientID, pluginID string, payload json.RawMessage)

	instances cmap.ConcurrentMap[string, *Instance]
}

type menuRegistration struct {
	clientID string
	pluginID string
	entry    MenuEntry
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSnapshotStore enables atom snapshot persistence. Instances import their
// stored snapshot at construction and export on deactivate, disconnect, and
// teardown.
func WithSnapshotStore(s SnapshotStore) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// NewManager creates a manager that sends outbound calls through t.
func NewManager(t Transport, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:       logging.Component("runtime"),
		transport: t,
		plugins:   make(map[string]Plugin),
		clients:   make(map[string]map[string]bool),
		instances: cmap.New[*Instance](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterPlugin adds a plugin to the catalog. Instances are created when a
// client that supports the plugin connects.
func (m *Manager) RegisterPlugin(p Plugin) error {
	if p.ID == "" {
		return fmt.Errorf("plugin ID must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plugins[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrPluginExists, p.ID)
	}
	m.plugins[p.ID] = p
	m.pluginOrder = append(m.pluginOrder, p.ID)
	return nil
}

// Plugins returns the registered plugin IDs in registration order.
func (m *Manager) Plugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.pluginOrder...)
}

func instanceKey(pluginID, clientID string) string {
	return pluginID + "/" + clientID
}

// ClientConnected records a client and its supported plugin IDs, creates an
// instance for every registered plugin the client supports, and moves each to
// Connected. At most one live instance exists per (plugin, client) pair.
func (m *Manager) ClientConnected(ctx context.Context, clientID string, supported []string) {
	m.mu.Lock()
	set := make(map[string]bool, len(supported))
	for _, id := range supported {
		set[id] = true
	}
	m.clients[clientID] = set
	catalog := make([]Plugin, 0, len(m.pluginOrder))
	for _, id := range m.pluginOrder {
		if set[id] {
			catalog = append(catalog, m.plugins[id])
		}
	}
	m.mu.Unlock()

	for _, p := range catalog {
		inst, err := m.createInstance(ctx, p, clientID)
		if err != nil {
			m.log.Error("instance creation failed", "plugin", p.ID, "client", clientID, "error", err)
			continue
		}
		inst.Connect()
	}
}

func (m *Manager) createInstance(ctx context.Context, p Plugin, clientID string) (*Instance, error) {
	var imported state.Snapshot
	if m.store != nil {
		snap, err := m.store.Load(ctx, p.ID, clientID)
		if err != nil {
			m.log.Warn("snapshot load failed", "plugin", p.ID, "client", clientID, "error", err)
		} else {
			imported = snap
		}
	}

	host := hostScope{m: m, clientID: clientID, pluginID: p.ID}
	inst, err := newInstance(p, clientID, m.transport, host, imported)
	if err != nil {
		return nil, err
	}
	if !m.instances.SetIfAbsent(instanceKey(p.ID, clientID), inst) {
		inst.Destroy()
		return nil, ErrInstanceExists
	}
	return inst, nil
}

// ClientDisconnected tears down every instance of the client: snapshots are
// persisted, pending calls rejected, and the instances destroyed and removed.
func (m *Manager) ClientDisconnected(ctx context.Context, clientID string) {
	m.mu.Lock()
	delete(m.clients, clientID)
	kept := m.menu[:0]
	for _, reg := range m.menu {
		if reg.clientID != clientID {
			kept = append(kept, reg)
		}
	}
	m.menu = kept
	m.mu.Unlock()

	for _, inst := range m.instancesOf(clientID) {
		// Disconnect first: it settles pending calls, so a handler blocked in
		// Send releases the dispatch the snapshot export has to wait on.
		inst.Disconnect()
		m.persistInstance(ctx, inst)
		inst.Destroy()
		m.instances.Remove(instanceKey(inst.PluginID(), clientID))
	}
}

// DestroyInstance tears down a single instance (plugin disabled) and persists
// its final snapshot. Destroy runs first so pending calls settle before the
// snapshot export waits for the dispatch to finish.
func (m *Manager) DestroyInstance(ctx context.Context, pluginID, clientID string) {
	key := instanceKey(pluginID, clientID)
	inst, ok := m.instances.Get(key)
	if !ok {
		return
	}
	inst.Destroy()
	m.persistInstance(ctx, inst)
	m.instances.Remove(key)
}

// DeliverEvent routes a named event from the transport to its instance.
func (m *Manager) DeliverEvent(clientID, pluginID, event string, payload json.RawMessage) {
	inst, ok := m.instances.Get(instanceKey(pluginID, clientID))
	if !ok {
		m.log.Warn("event for unknown instance", "plugin", pluginID, "client", clientID, "event", event)
		return
	}
	inst.DeliverEvent(event, payload)
}

// DeliverReply routes a call reply from the transport to its instance.
func (m *Manager) DeliverReply(clientID, pluginID, callID string, ok bool, payload json.RawMessage, errMsg string) {
	inst, found := m.instances.Get(instanceKey(pluginID, clientID))
	if !found {
		m.log.Warn("reply for unknown instance", "plugin", pluginID, "client", clientID, "call_id", callID)
		return
	}
	inst.DeliverReply(callID, ok, payload, errMsg)
}

// Get returns the live instance for the pair, if any.
func (m *Manager) Get(pluginID, clientID string) (*Instance, bool) {
	return m.instances.Get(instanceKey(pluginID, clientID))
}

// Activate moves the instance to Activated (user opened the plugin).
func (m *Manager) Activate(pluginID, clientID string) error {
	inst, ok := m.Get(pluginID, clientID)
	if !ok {
		return fmt.Errorf("no instance for plugin %s client %s", pluginID, clientID)
	}
	inst.Activate()
	return nil
}

// Deactivate moves the instance to Deactivated (user left the plugin) and
// persists its snapshot.
func (m *Manager) Deactivate(ctx context.Context, pluginID, clientID string) error {
	inst, ok := m.Get(pluginID, clientID)
	if !ok {
		return fmt.Errorf("no instance for plugin %s client %s", pluginID, clientID)
	}
	inst.Deactivate()
	m.persistInstance(ctx, inst)
	return nil
}

// Clients returns the connected client IDs, sorted.
func (m *Manager) Clients() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Instances returns every live instance.
func (m *Manager) Instances() []*Instance {
	out := make([]*Instance, 0, m.instances.Count())
	for tuple := range m.instances.IterBuffered() {
		out = append(out, tuple.Val)
	}
	return out
}

func (m *Manager) instancesOf(clientID string) []*Instance {
	var out []*Instance
	for tuple := range m.instances.IterBuffered() {
		if tuple.Val.ClientID() == clientID {
			out = append(out, tuple.Val)
		}
	}
	return out
}

// IsPluginAvailable reports whether the plugin is registered and the client
// declared support for it.
func (m *Manager) IsPluginAvailable(clientID, pluginID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, registered := m.plugins[pluginID]; !registered {
		return false
	}
	return m.clients[clientID][pluginID]
}

// OnSelectPlugin registers the host UI callback invoked when plugin logic
// requests navigation to another plugin.
func (m *Manager) OnSelectPlugin(fn func(clientID, pluginID string, payload json.RawMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selectHandler = fn
}

// SelectPlugin navigates to the named plugin for the client: the target
// instance is activated, a non-empty payload is delivered as a deep link, and
// the host UI callback fires. The instance transitions run on their own
// goroutine, so a message handler may select a plugin (its own included)
// while its dispatch is still in flight; the transitions apply once that
// dispatch completes.
func (m *Manager) SelectPlugin(clientID, pluginID string, payload json.RawMessage) {
	if inst, ok := m.Get(pluginID, clientID); ok {
		go func() {
			if s := inst.State(); s == StateConnected || s == StateDeactivated {
				inst.Activate()
			}
			if len(payload) > 0 {
				inst.TriggerDeepLink(payload)
			}
		}()
	}

	m.mu.RLock()
	fn := m.selectHandler
	m.mu.RUnlock()
	if fn != nil {
		fn(clientID, pluginID, payload)
	}
}

func (m *Manager) addMenuEntry(clientID, pluginID string, entry MenuEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.menu = append(m.menu, menuRegistration{clientID: clientID, pluginID: pluginID, entry: entry})
}

// MenuEntries returns the labels of registered menu entries, in registration
// order.
func (m *Manager) MenuEntries() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	labels := make([]string, len(m.menu))
	for i, reg := range m.menu {
		labels[i] = reg.entry.Label
	}
	return labels
}

// InvokeMenuEntry runs the action of the named menu entry. Host-driven and
// direct: it bypasses the message queue.
func (m *Manager) InvokeMenuEntry(label string) bool {
	m.mu.RLock()
	var action func()
	for _, reg := range m.menu {
		if reg.entry.Label == label {
			action = reg.entry.Action
			break
		}
	}
	m.mu.RUnlock()
	if action == nil {
		return false
	}
	action()
	return true
}

// PersistAll exports and saves the snapshot of every live instance. Used by
// the periodic autosave job.
func (m *Manager) PersistAll(ctx context.Context) {
	if m.store == nil {
		return
	}
	for _, inst := range m.Instances() {
		m.persistInstance(ctx, inst)
	}
}

func (m *Manager) persistInstance(ctx context.Context, inst *Instance) {
	if m.store == nil {
		return
	}
	snap, err := inst.ExportSnapshot()
	if err != nil {
		m.log.Warn("snapshot export failed", "plugin", inst.PluginID(), "client", inst.ClientID(), "error", err)
		return
	}
	if len(snap) == 0 {
		return
	}
	if err := m.store.Save(ctx, inst.PluginID(), inst.ClientID(), snap); err != nil {
		m.log.Warn("snapshot save failed", "plugin", inst.PluginID(), "client", inst.ClientID(), "error", err)
	}
}

// hostScope adapts the manager to the Host contract for one instance.
type hostScope struct {
	m        *Manager
	clientID string
	pluginID string
}

func (h hostScope) AddMenuEntry(entry MenuEntry) {
	h.m.addMenuEntry(h.clientID, h.pluginID, entry)
}

func (h hostScope) SelectPlugin(pluginID string, payload json.RawMessage) {
	h.m.SelectPlugin(h.clientID, pluginID, payload)
}

func (h hostScope) IsPluginAvailable(pluginID string) bool {
	return h.m.IsPluginAvailable(h.clientID, pluginID)
}
