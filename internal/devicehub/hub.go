// Package devicehub manages websocket connections from client applications
// and routes frames between them and the plugin runtime.
package devicehub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/klemenkosir/flipper/internal/logging"
	"github.com/klemenkosir/flipper/internal/runtime"
)

// Frame is the wire format exchanged with a client application.
type Frame struct {
	Type    string          `json:"type"`              // register, event, call, reply
	ID      string          `json:"id,omitempty"`      // Call/reply correlation ID
	Plugin  string          `json:"plugin,omitempty"`  // Target plugin ID
	Client  string          `json:"client,omitempty"`  // Client ID (register frames)
	Method  string          `json:"method,omitempty"`  // Call method or event name
	Params  json.RawMessage `json:"params,omitempty"`  // Call/event parameters
	OK      bool            `json:"ok,omitempty"`      // Reply success
	Payload json.RawMessage `json:"payload,omitempty"` // Reply data, register metadata
	Error   string          `json:"error,omitempty"`   // Reply error message
}

// registerPayload is the body of a register frame.
type registerPayload struct {
	Plugins []string `json:"plugins"`
}

// DeviceConnection represents a connected client application.
type DeviceConnection struct {
	ID        string // connection identity, unique per socket
	ClientID  string // stable client identity, from the register frame
	Conn      *websocket.Conn
	Send      chan []byte
	CreatedAt time.Time
	Plugins   []string // plugin IDs the client claims to support
}

// Hub accepts websocket connections, completes the register handshake, and
// bridges frames to the runtime manager. It is the manager's Transport.
type Hub struct {
	log *slog.Logger

	deviceMu sync.RWMutex
	devices  map[string]*DeviceConnection // client ID -> connection

	register   chan *DeviceConnection
	unregister chan *DeviceConnection

	manager   *runtime.Manager
	managerMu sync.RWMutex

	upgrader websocket.Upgrader
}

// NewHub creates a device hub. Attach the manager before serving connections.
func NewHub() *Hub {
	return &Hub{
		log:        logging.Component("devicehub"),
		devices:    make(map[string]*DeviceConnection),
		register:   make(chan *DeviceConnection, 1),
		unregister: make(chan *DeviceConnection, 1),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || isLocalhostOrigin(origin)
			},
		},
	}
}

// SetManager attaches the runtime manager the hub routes frames to.
func (h *Hub) SetManager(m *runtime.Manager) {
	h.managerMu.Lock()
	defer h.managerMu.Unlock()
	h.manager = m
}

func (h *Hub) getManager() *runtime.Manager {
	h.managerMu.RLock()
	defer h.managerMu.RUnlock()
	return h.manager
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case dev := <-h.register:
			h.addDevice(ctx, dev)
		case dev := <-h.unregister:
			h.removeDevice(ctx, dev)
		}
	}
}

// addDevice records a registered device. A second connection registering the
// same client ID replaces the first.
func (h *Hub) addDevice(ctx context.Context, dev *DeviceConnection) {
	h.deviceMu.Lock()
	if existing, ok := h.devices[dev.ClientID]; ok {
		h.log.Warn("replacing existing connection", "client", dev.ClientID, "old_conn", existing.ID)
		close(existing.Send)
		if existing.Conn != nil {
			existing.Conn.Close()
		}
		h.deviceMu.Unlock()
		// Tear down the old client's instances before the new ones spin up.
		if m := h.getManager(); m != nil {
			m.ClientDisconnected(ctx, dev.ClientID)
		}
		h.deviceMu.Lock()
	}
	h.devices[dev.ClientID] = dev
	h.deviceMu.Unlock()

	h.log.Info("client registered", "client", dev.ClientID, "plugins", len(dev.Plugins))
	if m := h.getManager(); m != nil {
		m.ClientConnected(ctx, dev.ClientID, dev.Plugins)
	}
}

// removeDevice removes a device from the hub. Only the connection currently
// registered for the client ID is removed, so a replacement done by addDevice
// is not torn down by the old connection's read pump exiting.
func (h *Hub) removeDevice(ctx context.Context, dev *DeviceConnection) {
	removed := h.dropDevice(dev)
	if !removed {
		return
	}

	h.log.Info("client disconnected", "client", dev.ClientID)
	if m := h.getManager(); m != nil {
		m.ClientDisconnected(ctx, dev.ClientID)
	}
}

func (h *Hub) dropDevice(dev *DeviceConnection) bool {
	h.deviceMu.Lock()
	defer h.deviceMu.Unlock()

	existing, ok := h.devices[dev.ClientID]
	if !ok || existing.ID != dev.ID {
		return false
	}

	// Channel may already be closed by addDevice replacing this connection.
	defer func() { _ = recover() }()
	close(dev.Send)
	if dev.Conn != nil {
		dev.Conn.Close()
	}
	delete(h.devices, dev.ClientID)
	return true
}

// GetDevice returns the connection for a client ID, or nil.
func (h *Hub) GetDevice(clientID string) *DeviceConnection {
	h.deviceMu.RLock()
	defer h.deviceMu.RUnlock()
	return h.devices[clientID]
}

// Devices returns all connected devices.
func (h *Hub) Devices() []*DeviceConnection {
	h.deviceMu.RLock()
	defer h.deviceMu.RUnlock()
	devices := make([]*DeviceConnection, 0, len(h.devices))
	for _, dev := range h.devices {
		devices = append(devices, dev)
	}
	return devices
}

// IsClientConnected returns true if the given client is registered.
func (h *Hub) IsClientConnected(clientID string) bool {
	h.deviceMu.RLock()
	defer h.deviceMu.RUnlock()
	_, ok := h.devices[clientID]
	return ok
}

// DeviceCount returns the number of registered devices.
func (h *Hub) DeviceCount() int {
	h.deviceMu.RLock()
	defer h.deviceMu.RUnlock()
	return len(h.devices)
}

// Send delivers a call frame to the named client. It satisfies the runtime
// Transport interface.
func (h *Hub) Send(clientID, pluginID, method string, params json.RawMessage, callID string) error {
	dev := h.GetDevice(clientID)
	if dev == nil {
		return fmt.Errorf("client %s not connected", clientID)
	}

	frame := &Frame{
		Type:   "call",
		ID:     callID,
		Plugin: pluginID,
		Method: method,
		Params: params,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	select {
	case dev.Send <- data:
		return nil
	default:
		return fmt.Errorf("client %s send buffer full", clientID)
	}
}

// Broadcast sends a frame to every connected device.
func (h *Hub) Broadcast(frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	for _, dev := range h.Devices() {
		select {
		case dev.Send <- data:
		default:
			// Skip devices with full buffers
		}
	}
}

// HandleWebSocket upgrades an HTTP request to a websocket connection. The
// first frame from the socket must be a register frame naming the client and
// its supported plugins; every frame before registration is dropped.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("upgrade failed", "error", err)
		return
	}

	dev := &DeviceConnection{
		ID:        uuid.NewString(),
		Conn:      conn,
		Send:      make(chan []byte, 256),
		CreatedAt: time.Now(),
	}

	go h.readPump(dev)
	go h.writePump(dev)
}

const readDeadline = 10 * time.Minute

// readPump reads frames from the device until the socket closes.
func (h *Hub) readPump(dev *DeviceConnection) {
	registered := false
	defer func() {
		if registered {
			h.unregister <- dev
		} else if dev.Conn != nil {
			dev.Conn.Close()
		}
	}()

	dev.Conn.SetReadLimit(10 * 1024 * 1024)
	dev.Conn.SetReadDeadline(time.Now().Add(readDeadline))
	dev.Conn.SetPongHandler(func(string) error {
		dev.Conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})
	dev.Conn.SetPingHandler(func(appData string) error {
		dev.Conn.SetReadDeadline(time.Now().Add(readDeadline))
		return dev.Conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	for {
		_, message, err := dev.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("unexpected close", "conn", dev.ID, "error", err)
			}
			return
		}
		dev.Conn.SetReadDeadline(time.Now().Add(readDeadline))

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			preview := string(message)
			if len(preview) > 200 {
				preview = preview[:200] + "..."
			}
			h.log.Warn("invalid frame", "conn", dev.ID, "error", err, "raw", preview)
			continue
		}

		if !registered {
			if frame.Type != "register" || frame.Client == "" {
				h.log.Warn("frame before registration dropped", "conn", dev.ID, "type", frame.Type)
				continue
			}
			var reg registerPayload
			if len(frame.Params) > 0 {
				if err := json.Unmarshal(frame.Params, &reg); err != nil {
					h.log.Warn("invalid register payload", "conn", dev.ID, "error", err)
					continue
				}
			}
			dev.ClientID = frame.Client
			dev.Plugins = reg.Plugins
			registered = true
			h.register <- dev
			continue
		}

		h.handleFrame(dev, &frame)
	}
}

// writePump writes frames to the device and keeps the connection alive.
func (h *Hub) writePump(dev *DeviceConnection) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		dev.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-dev.Send:
			dev.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				dev.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := dev.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			dev.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := dev.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame routes a post-registration frame into the runtime.
func (h *Hub) handleFrame(dev *DeviceConnection, frame *Frame) {
	m := h.getManager()
	if m == nil {
		h.log.Warn("frame dropped, no manager attached", "type", frame.Type)
		return
	}

	switch frame.Type {
	case "event":
		if frame.Plugin == "" || frame.Method == "" {
			h.log.Warn("event frame missing plugin or method", "client", dev.ClientID)
			return
		}
		m.DeliverEvent(dev.ClientID, frame.Plugin, frame.Method, frame.Params)

	case "reply":
		if frame.Plugin == "" || frame.ID == "" {
			h.log.Warn("reply frame missing plugin or id", "client", dev.ClientID)
			return
		}
		m.DeliverReply(dev.ClientID, frame.Plugin, frame.ID, frame.OK, frame.Payload, frame.Error)

	case "register":
		h.log.Warn("duplicate register frame ignored", "client", dev.ClientID)

	default:
		h.log.Warn("unknown frame type", "client", dev.ClientID, "type", frame.Type)
	}
}

// isLocalhostOrigin reports whether an Origin header points at this host.
func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
