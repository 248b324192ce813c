// Package device is the client-side SDK. A device process connects to the
// runtime's websocket endpoint, announces the plugins it supports, answers
// method calls, and emits events into plugin instances.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/klemenkosir/flipper/internal/devicehub"
)

// CallHandler answers a method call from a plugin instance.
type CallHandler func(params json.RawMessage) (json.RawMessage, error)

// EventHandler receives event frames pushed by the server, such as
// plugin selection requests.
type EventHandler func(method string, params json.RawMessage)

// reserved method the runtime uses to probe handler support.
const methodSupported = "isMethodSupported"

// Client maintains the websocket connection to the runtime. Reconnects with
// exponential backoff when the connection drops; re-registers on every
// (re)connect.
type Client struct {
	serverURL string
	clientID  string

	mu       sync.RWMutex
	handlers map[string]map[string]CallHandler // plugin -> method -> handler
	onEvent  EventHandler

	connMu sync.Mutex
	conn   *websocket.Conn
}

// New creates a client for the given websocket URL (ws://host:port/ws).
func New(serverURL, clientID string) *Client {
	return &Client{
		serverURL: serverURL,
		clientID:  clientID,
		handlers:  make(map[string]map[string]CallHandler),
	}
}

// RegisterPlugin announces plugin support. Must be called before Run.
func (c *Client) RegisterPlugin(pluginID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[pluginID]; !ok {
		c.handlers[pluginID] = make(map[string]CallHandler)
	}
}

// OnCall registers a handler for a method call on a plugin. Registering also
// announces the plugin.
func (c *Client) OnCall(pluginID, method string, fn CallHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[pluginID]; !ok {
		c.handlers[pluginID] = make(map[string]CallHandler)
	}
	c.handlers[pluginID][method] = fn
}

// OnEvent registers a handler for non-call frames pushed by the server.
func (c *Client) OnEvent(fn EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

// Plugins returns the announced plugin IDs.
func (c *Client) Plugins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	plugins := make([]string, 0, len(c.handlers))
	for id := range c.handlers {
		plugins = append(plugins, id)
	}
	return plugins
}

// Run connects and serves the connection until the context is cancelled.
// Dropped connections are re-dialed with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		c.serve(ctx, conn)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Emit sends an event into the plugin's instance on the server.
func (c *Client) Emit(pluginID, event string, payload any) error {
	var params json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		params = data
	}
	return c.writeFrame(&devicehub.Frame{
		Type:   "event",
		Plugin: pluginID,
		Method: event,
		Params: params,
	})
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, c.serverURL, nil)
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry until the context is cancelled
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.serverURL, err)
	}
	return conn, nil
}

// serve registers and then pumps frames until the connection drops.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()

	if err := c.register(); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		var frame devicehub.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		c.handleFrame(&frame)
	}
}

func (c *Client) register() error {
	params, err := json.Marshal(map[string]any{"plugins": c.Plugins()})
	if err != nil {
		return err
	}
	return c.writeFrame(&devicehub.Frame{
		Type:   "register",
		Client: c.clientID,
		Params: params,
	})
}

func (c *Client) handleFrame(frame *devicehub.Frame) {
	switch frame.Type {
	case "call":
		c.handleCall(frame)
	case "event":
		c.mu.RLock()
		fn := c.onEvent
		c.mu.RUnlock()
		if fn != nil {
			fn(frame.Method, frame.Params)
		}
	}
}

func (c *Client) handleCall(frame *devicehub.Frame) {
	reply := &devicehub.Frame{
		Type:   "reply",
		ID:     frame.ID,
		Plugin: frame.Plugin,
	}

	if frame.Method == methodSupported {
		var probe struct {
			Method string `json:"method"`
		}
		_ = json.Unmarshal(frame.Params, &probe)
		c.mu.RLock()
		_, supported := c.handlers[frame.Plugin][probe.Method]
		c.mu.RUnlock()
		reply.OK = true
		reply.Payload, _ = json.Marshal(map[string]bool{"isSupported": supported})
		c.writeFrame(reply)
		return
	}

	c.mu.RLock()
	fn := c.handlers[frame.Plugin][frame.Method]
	c.mu.RUnlock()
	if fn == nil {
		reply.Error = fmt.Sprintf("unknown method: %s", frame.Method)
		c.writeFrame(reply)
		return
	}

	payload, err := fn(frame.Params)
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.OK = true
		reply.Payload = payload
	}
	c.writeFrame(reply)
}

func (c *Client) writeFrame(frame *devicehub.Frame) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(frame)
}
