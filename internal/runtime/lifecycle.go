package runtime

// State is the lifecycle state of a plugin instance.
//
// Transitions are monotonic except Activated and Deactivated, which may
// cycle. Destroyed is terminal: no further transitions or message delivery
// happen afterwards.
type State int

const (
	// StateCreated is the initial state before the transport reports the
	// client connection.
	StateCreated State = iota
	// StateConnected means the client connection is up but the host UI is
	// not displaying the plugin.
	StateConnected
	// StateActivated means the host UI is displaying the plugin.
	StateActivated
	// StateDeactivated means the user left the plugin; the connection is
	// still up.
	StateDeactivated
	// StateDisconnected means the transport connection dropped.
	StateDisconnected
	// StateDestroyed is terminal.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateActivated:
		return "activated"
	case StateDeactivated:
		return "deactivated"
	case StateDisconnected:
		return "disconnected"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}
