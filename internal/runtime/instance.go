package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/klemenkosir/flipper/internal/logging"
	"github.com/klemenkosir/flipper/internal/state"
)

// Handler receives the payload of a named event.
type Handler func(payload json.RawMessage)

// UnhandledHandler is the sink for events with no registered handler.
type UnhandledHandler func(event string, payload json.RawMessage)

// Instance is one running association between a plugin and a client. It owns
// the lifecycle state machine, the pending-message queue, the call invoker,
// and the atom registry, and is the surface plugin logic talks to.
type Instance struct {
	pluginID   string
	clientID   string
	background bool

	transport Transport
	host      Host
	log       *slog.Logger

	mu        sync.Mutex
	lifecycle State
	handlers  map[string]Handler
	unhandled UnhandledHandler

	connectHooks    []func()
	disconnectHooks []func()
	activateHooks   []func()
	deactivateHooks []func()
	destroyHooks    []func()
	deepLinkHooks   []func(payload json.RawMessage)

	// dispatchMu serializes handler and hook invocation together with the
	// deliverable-state flips, the queued-or-direct decision, and snapshot
	// export, so deliveries for one instance never interleave, an event
	// arriving mid-activation cannot overtake the queue drain, and an export
	// never observes a handler halfway through its atom updates. Handlers run
	// with dispatchMu held; a transition requested from inside a handler must
	// go through the host, which applies it after the dispatch completes.
	dispatchMu sync.Mutex

	queue   *messageQueue
	invoker *invoker
	atoms   *state.Registry
}

func newInstance(p Plugin, clientID string, transport Transport, host Host, imported state.Snapshot) (*Instance, error) {
	i := &Instance{
		pluginID:   p.ID,
		clientID:   clientID,
		background: p.Background,
		transport:  transport,
		host:       host,
		log:        logging.Component("runtime").With("plugin", p.ID, "client", clientID),
		lifecycle:  StateCreated,
		handlers:   make(map[string]Handler),
		queue:      newMessageQueue(),
		invoker:    newInvoker(p.ID, clientID),
		atoms:      state.NewRegistry(imported),
	}

	if p.Setup != nil {
		if err := p.Setup(i); err != nil {
			return nil, err
		}
	}
	i.atoms.Seal()
	return i, nil
}

// PluginID returns the plugin identifier.
func (i *Instance) PluginID() string { return i.pluginID }

// ClientID returns the client identifier.
func (i *Instance) ClientID() string { return i.clientID }

// Background reports whether this is a background plugin.
func (i *Instance) Background() bool { return i.background }

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lifecycle
}

// Atoms returns the instance's atom registry. Plugin setup defines its atoms
// here via state.Define.
func (i *Instance) Atoms() *state.Registry { return i.atoms }

// --- Registration surface (called from plugin setup and handlers) ---

// OnMessage registers the handler for a named event. One active handler per
// event name; the last registration wins.
func (i *Instance) OnMessage(event string, h Handler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.handlers[event] = h
}

// OnUnhandledMessage registers the sink for events with no registered handler.
func (i *Instance) OnUnhandledMessage(h UnhandledHandler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.unhandled = h
}

// OnConnect registers a hook fired when the client connection comes up.
// Hooks run in registration order.
func (i *Instance) OnConnect(fn func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.connectHooks = append(i.connectHooks, fn)
}

// OnDisconnect registers a hook fired when the client connection drops.
func (i *Instance) OnDisconnect(fn func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.disconnectHooks = append(i.disconnectHooks, fn)
}

// OnActivate registers a hook fired when the host UI opens the plugin.
func (i *Instance) OnActivate(fn func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.activateHooks = append(i.activateHooks, fn)
}

// OnDeactivate registers a hook fired when the user leaves the plugin.
func (i *Instance) OnDeactivate(fn func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.deactivateHooks = append(i.deactivateHooks, fn)
}

// OnDestroy registers a hook fired at teardown.
func (i *Instance) OnDestroy(fn func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.destroyHooks = append(i.destroyHooks, fn)
}

// OnDeepLink registers a hook for deep-link navigation into this instance.
// Deep links are host-driven and bypass the message queue.
func (i *Instance) OnDeepLink(fn func(payload json.RawMessage)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.deepLinkHooks = append(i.deepLinkHooks, fn)
}

// AddMenuEntry registers a host menu entry for this instance.
func (i *Instance) AddMenuEntry(entry MenuEntry) {
	if i.host != nil {
		i.host.AddMenuEntry(entry)
	}
}

// SelectPlugin asks the host to navigate to another plugin, optionally with a
// deep-link payload.
func (i *Instance) SelectPlugin(pluginID string, payload json.RawMessage) {
	if i.host != nil {
		i.host.SelectPlugin(pluginID, payload)
	}
}

// IsPluginAvailable reports whether the client supports the named plugin.
func (i *Instance) IsPluginAvailable(pluginID string) bool {
	return i.host != nil && i.host.IsPluginAvailable(pluginID)
}

// --- RPC surface ---

// Send invokes a method on the remote side and blocks until the reply
// arrives. Connected gates call permission: a merely deactivated instance may
// still call; a disconnected or destroyed one fails with ErrConnectionLost.
func (i *Instance) Send(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	i.mu.Lock()
	s := i.lifecycle
	i.mu.Unlock()

	switch s {
	case StateCreated, StateDisconnected, StateDestroyed:
		return nil, ErrConnectionLost
	}
	return i.invoker.call(ctx, i.transport, method, params)
}

// SupportsMethod queries whether the remote side implements the named method.
// Never fails the caller: transport failure resolves to false.
func (i *Instance) SupportsMethod(ctx context.Context, method string) bool {
	params, err := json.Marshal(map[string]string{"method": method})
	if err != nil {
		return false
	}
	payload, err := i.Send(ctx, methodSupported, params)
	if err != nil {
		return false
	}
	var res struct {
		IsSupported bool `json:"isSupported"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return false
	}
	return res.IsSupported
}

// ExportSnapshot returns a point-in-time snapshot of the instance's persisted
// atoms. Serialized with event dispatch, so a handler updating several atoms
// is never captured halfway through. Host-driven; a message handler calling
// it on its own instance would block on the dispatch in progress.
func (i *Instance) ExportSnapshot() (state.Snapshot, error) {
	i.dispatchMu.Lock()
	defer i.dispatchMu.Unlock()
	return i.atoms.Export()
}

// --- Inbound delivery (called by the transport layer / manager) ---

// DeliverEvent routes a named event from the client. Delivered directly to the
// registered handler while the instance can currently display it (Activated
// for foreground plugins, connected-or-later for background plugins),
// otherwise queued. Events after destroy are logged and dropped. The
// queued-or-direct decision shares dispatchMu with the lifecycle transitions,
// so an event racing an activation lands behind the drained queue, never
// ahead of it.
func (i *Instance) DeliverEvent(event string, payload json.RawMessage) {
	i.dispatchMu.Lock()
	defer i.dispatchMu.Unlock()

	i.mu.Lock()
	switch {
	case i.lifecycle == StateDestroyed:
		i.mu.Unlock()
		i.log.Warn("event received after destroy, ignoring", "event", event)
	case i.deliverableLocked():
		i.mu.Unlock()
		i.dispatchEvent(event, payload)
	default:
		i.queue.enqueue(event, payload)
		i.mu.Unlock()
	}
}

// DeliverReply settles the pending call with the given ID. ok selects between
// result and a remote error message.
func (i *Instance) DeliverReply(callID string, ok bool, payload json.RawMessage, errMsg string) {
	i.mu.Lock()
	destroyed := i.lifecycle == StateDestroyed
	i.mu.Unlock()
	if destroyed {
		i.log.Warn("call reply received after destroy, ignoring", "call_id", callID)
		return
	}
	if ok {
		i.invoker.resolve(callID, payload)
	} else {
		i.invoker.reject(callID, errMsg)
	}
}

// TriggerDeepLink fires the instance's deep-link hooks directly, bypassing
// the message queue.
func (i *Instance) TriggerDeepLink(payload json.RawMessage) {
	i.dispatchMu.Lock()
	defer i.dispatchMu.Unlock()

	i.mu.Lock()
	if i.lifecycle == StateDestroyed {
		i.mu.Unlock()
		i.log.Warn("deep link after destroy, ignoring")
		return
	}
	hooks := append([]func(json.RawMessage){}, i.deepLinkHooks...)
	i.mu.Unlock()

	for _, fn := range hooks {
		fn(payload)
	}
}

// deliverableLocked reports whether an event can go straight to a handler.
// Callers hold mu.
func (i *Instance) deliverableLocked() bool {
	if i.background {
		switch i.lifecycle {
		case StateConnected, StateActivated, StateDeactivated:
			return true
		}
		return false
	}
	return i.lifecycle == StateActivated
}

// dispatchEvent looks up the handler for event and invokes it, or routes the
// event to the unhandled-message sink. Callers hold dispatchMu.
func (i *Instance) dispatchEvent(event string, payload json.RawMessage) {
	i.mu.Lock()
	h := i.handlers[event]
	u := i.unhandled
	i.mu.Unlock()

	switch {
	case h != nil:
		h(payload)
	case u != nil:
		u(event, payload)
	default:
		i.log.Warn("event has no handler and no unhandled sink", "event", event)
	}
}

// --- Lifecycle transitions (called by the transport layer / manager) ---

// Connect moves Created to Connected and fires connect hooks. For background
// plugins the queue drains immediately since connectivity alone makes the
// instance deliverable.
func (i *Instance) Connect() {
	i.dispatchMu.Lock()
	defer i.dispatchMu.Unlock()

	i.mu.Lock()
	if i.lifecycle != StateCreated {
		i.illegalTransitionLocked("connect")
		return
	}
	i.lifecycle = StateConnected
	hooks := append([]func(){}, i.connectHooks...)
	var activateHooks []func()
	if i.background {
		activateHooks = append([]func(){}, i.activateHooks...)
	}
	i.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	for _, fn := range activateHooks {
		fn()
	}
	if i.background {
		i.queue.drainInto(i.dispatchEvent)
	}
}

// Activate moves Connected or Deactivated to Activated, fires activate hooks,
// then drains the queue into the handlers in arrival order.
func (i *Instance) Activate() {
	i.dispatchMu.Lock()
	defer i.dispatchMu.Unlock()

	i.mu.Lock()
	if i.lifecycle != StateConnected && i.lifecycle != StateDeactivated {
		i.illegalTransitionLocked("activate")
		return
	}
	i.lifecycle = StateActivated
	hooks := append([]func(){}, i.activateHooks...)
	i.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	i.queue.drainInto(i.dispatchEvent)
}

// Deactivate moves Activated to Deactivated and fires deactivate hooks. For
// foreground plugins further inbound events are queued, not delivered; it is
// never interpreted as a disconnect, so in-flight calls keep running.
func (i *Instance) Deactivate() {
	i.dispatchMu.Lock()
	defer i.dispatchMu.Unlock()

	i.mu.Lock()
	if i.lifecycle != StateActivated {
		i.illegalTransitionLocked("deactivate")
		return
	}
	i.lifecycle = StateDeactivated
	hooks := append([]func(){}, i.deactivateHooks...)
	i.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// Disconnect records the transport connection loss, fires disconnect hooks,
// and rejects every pending call with ErrConnectionLost.
func (i *Instance) Disconnect() {
	i.mu.Lock()
	switch i.lifecycle {
	case StateConnected, StateActivated, StateDeactivated:
	default:
		i.illegalTransitionLocked("disconnect")
		return
	}
	i.lifecycle = StateDisconnected
	hooks := append([]func(){}, i.disconnectHooks...)
	i.mu.Unlock()

	// Pending calls settle before dispatchMu is taken: a handler blocked in
	// Send still holds the dispatch and needs its call rejected to finish.
	i.invoker.failAll(ErrConnectionLost)

	i.dispatchMu.Lock()
	defer i.dispatchMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Destroy tears the instance down from any non-destroyed state: deactivate
// hooks fire first if currently activated, then destroy hooks. Pending calls
// are rejected and the queue is released. Terminal.
func (i *Instance) Destroy() {
	i.mu.Lock()
	if i.lifecycle == StateDestroyed {
		i.illegalTransitionLocked("destroy")
		return
	}
	wasActivated := i.lifecycle == StateActivated
	i.lifecycle = StateDestroyed
	deactivate := append([]func(){}, i.deactivateHooks...)
	destroy := append([]func(){}, i.destroyHooks...)
	i.mu.Unlock()

	i.invoker.failAll(ErrConnectionLost)

	i.dispatchMu.Lock()
	if wasActivated {
		for _, fn := range deactivate {
			fn()
		}
	}
	for _, fn := range destroy {
		fn()
	}
	i.dispatchMu.Unlock()

	i.queue.discard()
}

// illegalTransitionLocked logs and ignores a transition the state machine
// does not accept. Callers hold mu; the lock is released here.
func (i *Instance) illegalTransitionLocked(event string) {
	s := i.lifecycle
	i.mu.Unlock()
	i.log.Warn("ignoring illegal lifecycle transition", "event", event, "state", s.String())
}
