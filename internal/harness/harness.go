// Package harness drives a plugin instance through scripted lifecycle and
// message sequences without a real transport. Tests use it to reproduce
// lifecycle and messaging scenarios deterministically.
package harness

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klemenkosir/flipper/internal/runtime"
	"github.com/klemenkosir/flipper/internal/state"
)

// SentCall is one outbound method call recorded by the harness.
type SentCall struct {
	Method string
	Params json.RawMessage
	CallID string
}

// Selection records a SelectPlugin request made by plugin logic.
type Selection struct {
	PluginID string
	Payload  json.RawMessage
}

// Responder produces the remote reply for a method call. Returning an error
// settles the call as a remote application error.
type Responder func(params json.RawMessage) (json.RawMessage, error)

// Harness hosts one plugin instance, acting as both its transport and its
// host.
type Harness struct {
	inst *runtime.Instance

	mu         sync.Mutex
	sent       []SentCall
	onSend     func(SentCall)
	responders map[string]Responder
	menu       []runtime.MenuEntry
	available  map[string]bool
	selections []Selection
}

// Option configures a Harness before the instance is constructed.
type Option func(*config)

type config struct {
	clientID string
	snapshot state.Snapshot
}

// WithClientID overrides the default client ID ("test-client").
func WithClientID(id string) Option {
	return func(c *config) { c.clientID = id }
}

// WithSnapshot makes the instance import snap at construction, as if it had
// been persisted by a previous instance.
func WithSnapshot(snap state.Snapshot) Option {
	return func(c *config) { c.snapshot = snap }
}

// New constructs a harness around a fresh instance of p. Setup errors are
// returned as they would abort instance creation in the real host.
func New(p runtime.Plugin, opts ...Option) (*Harness, error) {
	cfg := config{clientID: "test-client"}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &Harness{
		responders: make(map[string]Responder),
		available:  make(map[string]bool),
	}
	inst, err := runtime.NewInstance(p, cfg.clientID, h, h, cfg.snapshot)
	if err != nil {
		return nil, err
	}
	h.inst = inst
	return h, nil
}

// Instance returns the hosted instance.
func (h *Harness) Instance() *runtime.Instance { return h.inst }

// --- Transport (records outbound calls, auto-responds if configured) ---

// Send implements runtime.Transport.
func (h *Harness) Send(_, _, method string, params json.RawMessage, callID string) error {
	call := SentCall{Method: method, Params: params, CallID: callID}

	h.mu.Lock()
	h.sent = append(h.sent, call)
	notify := h.onSend
	responder := h.responders[method]
	h.mu.Unlock()

	if notify != nil {
		notify(call)
	}
	if responder != nil {
		payload, err := responder(params)
		if err != nil {
			h.inst.DeliverReply(callID, false, nil, err.Error())
		} else {
			h.inst.DeliverReply(callID, true, payload, "")
		}
	}
	return nil
}

// OnSend registers an observer for outbound calls.
func (h *Harness) OnSend(fn func(SentCall)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSend = fn
}

// RespondTo installs an automatic responder for a method.
func (h *Harness) RespondTo(method string, fn Responder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responders[method] = fn
}

// Calls returns all recorded outbound calls.
func (h *Harness) Calls() []SentCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SentCall{}, h.sent...)
}

// Reply settles a recorded call by ID with a successful payload.
func (h *Harness) Reply(callID string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	h.inst.DeliverReply(callID, true, raw, "")
	return nil
}

// Fail settles a recorded call by ID with a remote error.
func (h *Harness) Fail(callID, message string) {
	h.inst.DeliverReply(callID, false, nil, message)
}

// --- Host (records menu entries, selections, availability) ---

// AddMenuEntry implements runtime.Host.
func (h *Harness) AddMenuEntry(entry runtime.MenuEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.menu = append(h.menu, entry)
}

// SelectPlugin implements runtime.Host.
func (h *Harness) SelectPlugin(pluginID string, payload json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.selections = append(h.selections, Selection{PluginID: pluginID, Payload: payload})
}

// IsPluginAvailable implements runtime.Host. Availability is scripted with
// SetPluginAvailable.
func (h *Harness) IsPluginAvailable(pluginID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.available[pluginID]
}

// SetPluginAvailable scripts the availability answer for a plugin ID.
func (h *Harness) SetPluginAvailable(pluginID string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.available[pluginID] = ok
}

// Selections returns recorded SelectPlugin requests.
func (h *Harness) Selections() []Selection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Selection{}, h.selections...)
}

// MenuEntries returns the labels of registered menu entries.
func (h *Harness) MenuEntries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	labels := make([]string, len(h.menu))
	for i, e := range h.menu {
		labels[i] = e.Label
	}
	return labels
}

// InvokeMenuEntry runs the action of the named entry.
func (h *Harness) InvokeMenuEntry(label string) bool {
	h.mu.Lock()
	var action func()
	for _, e := range h.menu {
		if e.Label == label {
			action = e.Action
			break
		}
	}
	h.mu.Unlock()
	if action == nil {
		return false
	}
	action()
	return true
}

// --- Lifecycle drivers ---

// Connect reports the client connection as up.
func (h *Harness) Connect() { h.inst.Connect() }

// Activate opens the plugin in the host UI.
func (h *Harness) Activate() { h.inst.Activate() }

// Deactivate leaves the plugin in the host UI.
func (h *Harness) Deactivate() { h.inst.Deactivate() }

// Disconnect drops the client connection.
func (h *Harness) Disconnect() { h.inst.Disconnect() }

// Destroy tears the instance down.
func (h *Harness) Destroy() { h.inst.Destroy() }

// --- Message injection ---

// SendEvent delivers a named event from the simulated client. payload may be
// a json.RawMessage or any JSON-serializable value.
func (h *Harness) SendEvent(event string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	h.inst.DeliverEvent(event, raw)
	return nil
}

// SendEvents delivers several events of the same name in order.
func (h *Harness) SendEvents(event string, payloads ...any) error {
	for _, p := range payloads {
		if err := h.SendEvent(event, p); err != nil {
			return err
		}
	}
	return nil
}

// TriggerDeepLink fires a deep link into the instance.
func (h *Harness) TriggerDeepLink(payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	h.inst.TriggerDeepLink(raw)
	return nil
}

// ExportState returns the instance's current persisted-atom snapshot.
func (h *Harness) ExportState() (state.Snapshot, error) {
	return h.inst.ExportSnapshot()
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return raw, nil
	}
}
