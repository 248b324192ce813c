// Package runtime hosts plugin instances: it tracks each instance through its
// activation lifecycle, buffers inbound events while the instance cannot
// deliver them, correlates outbound method calls with asynchronous replies,
// and exposes the client contract plugin logic is written against.
package runtime

import (
	"context"
	"encoding/json"

	"github.com/klemenkosir/flipper/internal/state"
)

// Plugin describes an installable plugin: its identity and the setup function
// that registers handlers, lifecycle hooks, and state atoms on a new instance.
type Plugin struct {
	// ID is the plugin identifier, unique within the host.
	ID string
	// Background decouples the connect/disconnect lifecycle from UI
	// activation: events are delivered whenever the client is connected,
	// not only while the plugin is displayed.
	Background bool
	// Setup is called once per instance, at construction time. Errors abort
	// instance creation.
	Setup func(*Instance) error
}

// Transport moves frames to the connected client. Implementations deliver
// inbound traffic through Manager.DeliverEvent / DeliverReply /
// ClientConnected / ClientDisconnected.
type Transport interface {
	Send(clientID, pluginID, method string, params json.RawMessage, callID string) error
}

// Host exposes host-tool actions to plugin logic. Implemented by the Manager,
// scoped to the instance's client.
type Host interface {
	AddMenuEntry(entry MenuEntry)
	SelectPlugin(pluginID string, payload json.RawMessage)
	IsPluginAvailable(pluginID string) bool
}

// MenuEntry is a host menu registration. Invoking the entry calls Action
// directly on the owning instance, bypassing the message queue.
type MenuEntry struct {
	Label  string
	Action func()
}

// SnapshotStore persists exported atom snapshots per (plugin, client) pair.
type SnapshotStore interface {
	Load(ctx context.Context, pluginID, clientID string) (state.Snapshot, error)
	Save(ctx context.Context, pluginID, clientID string, snap state.Snapshot) error
}
