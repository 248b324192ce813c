// Package server exposes the HTTP surface: the websocket endpoint clients
// connect to and a small JSON API for inspecting and driving plugin instances.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/klemenkosir/flipper/internal/config"
	"github.com/klemenkosir/flipper/internal/devicehub"
	"github.com/klemenkosir/flipper/internal/httputil"
	"github.com/klemenkosir/flipper/internal/logging"
	"github.com/klemenkosir/flipper/internal/runtime"
)

// Options holds optional server dependencies.
type Options struct {
	Quiet bool // Suppress startup messages for clean CLI output
}

// Run starts the server with the given configuration. It blocks until the
// context is cancelled or an error occurs.
func Run(ctx context.Context, c config.Config, hub *devicehub.Hub, manager *runtime.Manager, opts ...Options) error {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	log := logging.Component("server")

	addr := c.ListenAddr()
	if err := checkPortAvailable(addr); err != nil {
		return fmt.Errorf("address %s is already in use: %w", addr, err)
	}

	go hub.Run(ctx)

	// Periodic snapshot persistence so client state survives a crash.
	var autosave *cron.Cron
	if c.Snapshots.Autosave != "" {
		autosave = cron.New()
		if _, err := autosave.AddFunc(c.Snapshots.Autosave, func() {
			manager.PersistAll(ctx)
		}); err != nil {
			return fmt.Errorf("invalid autosave schedule %q: %w", c.Snapshots.Autosave, err)
		}
		autosave.Start()
		defer autosave.Stop()
	}

	r := newRouter(hub, manager)

	// ReadTimeout/WriteTimeout are intentionally omitted — they set deadlines
	// on the underlying net.Conn which interfere with hijacked WebSocket
	// connections. Keepalive is handled via ping/pong in devicehub.
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     r,
		IdleTimeout: 120 * time.Second,
	}

	if !o.Quiet {
		fmt.Printf("Server ready at http://%s\n", addr)
	}
	log.Info("server listening", "addr", addr)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Persist everything before the instances go away with the process.
	manager.PersistAll(shutdownCtx)
	httpServer.Shutdown(shutdownCtx)
	return nil
}

// newRouter builds the chi router for the websocket endpoint and the JSON API.
func newRouter(hub *devicehub.Hub, manager *runtime.Manager) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", healthHandler(hub, manager))
	r.Get("/ws", hub.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/plugins", listPluginsHandler(manager))
		r.Get("/clients", listClientsHandler(hub, manager))
		r.Get("/clients/{clientID}/instances", listInstancesHandler(manager))
		r.Post("/clients/{clientID}/plugins/{pluginID}/activate", activateHandler(manager))
		r.Post("/clients/{clientID}/plugins/{pluginID}/deactivate", deactivateHandler(manager))
		r.Post("/clients/{clientID}/plugins/{pluginID}/select", selectHandler(manager))
		r.Get("/clients/{clientID}/plugins/{pluginID}/snapshot", snapshotHandler(manager))
		r.Post("/snapshots/save", persistAllHandler(manager))
	})

	return r
}

func healthHandler(hub *devicehub.Hub, manager *runtime.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.OkJSON(w, map[string]any{
			"status":  "ok",
			"clients": hub.DeviceCount(),
			"plugins": len(manager.Plugins()),
		})
	}
}

func listPluginsHandler(manager *runtime.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.OkJSON(w, map[string]any{"plugins": manager.Plugins()})
	}
}

type clientInfo struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
	Instances int    `json:"instances"`
}

func listClientsHandler(hub *devicehub.Hub, manager *runtime.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clients := make([]clientInfo, 0)
		for _, id := range manager.Clients() {
			n := 0
			for _, inst := range manager.Instances() {
				if inst.ClientID() == id {
					n++
				}
			}
			clients = append(clients, clientInfo{
				ID:        id,
				Connected: hub.IsClientConnected(id),
				Instances: n,
			})
		}
		httputil.OkJSON(w, map[string]any{"clients": clients})
	}
}

type instanceInfo struct {
	Plugin     string `json:"plugin"`
	State      string `json:"state"`
	Background bool   `json:"background"`
}

func listInstancesHandler(manager *runtime.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := httputil.PathVar(r, "clientID")
		instances := make([]instanceInfo, 0)
		for _, inst := range manager.Instances() {
			if inst.ClientID() != clientID {
				continue
			}
			instances = append(instances, instanceInfo{
				Plugin:     inst.PluginID(),
				State:      inst.State().String(),
				Background: inst.Background(),
			})
		}
		httputil.OkJSON(w, map[string]any{"instances": instances})
	}
}

func activateHandler(manager *runtime.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pluginID := httputil.PathVar(r, "pluginID")
		clientID := httputil.PathVar(r, "clientID")
		if err := manager.Activate(pluginID, clientID); err != nil {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.OkJSON(w, map[string]any{"ok": true})
	}
}

func deactivateHandler(manager *runtime.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pluginID := httputil.PathVar(r, "pluginID")
		clientID := httputil.PathVar(r, "clientID")
		if err := manager.Deactivate(r.Context(), pluginID, clientID); err != nil {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.OkJSON(w, map[string]any{"ok": true})
	}
}

type selectRequest struct {
	Payload map[string]any `json:"payload,omitempty"`
}

func selectHandler(manager *runtime.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pluginID := httputil.PathVar(r, "pluginID")
		clientID := httputil.PathVar(r, "clientID")

		var req selectRequest
		if r.ContentLength > 0 {
			if err := httputil.ParseJSON(r, &req); err != nil {
				httputil.Error(w, err)
				return
			}
		}
		var payload json.RawMessage
		if req.Payload != nil {
			payload, _ = json.Marshal(req.Payload)
		}
		manager.SelectPlugin(clientID, pluginID, payload)
		httputil.OkJSON(w, map[string]any{"ok": true})
	}
}

func snapshotHandler(manager *runtime.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pluginID := httputil.PathVar(r, "pluginID")
		clientID := httputil.PathVar(r, "clientID")
		inst, ok := manager.Get(pluginID, clientID)
		if !ok {
			httputil.NotFound(w, fmt.Sprintf("no instance for %s/%s", pluginID, clientID))
			return
		}
		snap, err := inst.ExportSnapshot()
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		httputil.OkJSON(w, snap)
	}
}

func persistAllHandler(manager *runtime.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		manager.PersistAll(r.Context())
		httputil.OkJSON(w, map[string]any{"ok": true})
	}
}

func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
