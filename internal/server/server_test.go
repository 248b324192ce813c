package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klemenkosir/flipper/internal/devicehub"
	"github.com/klemenkosir/flipper/internal/runtime"
	"github.com/klemenkosir/flipper/internal/state"
)

func newTestRouter(t *testing.T) (*devicehub.Hub, *runtime.Manager, *httptest.Server) {
	t.Helper()
	hub := devicehub.NewHub()
	manager := runtime.NewManager(hub)
	hub.SetManager(manager)

	if err := manager.RegisterPlugin(runtime.Plugin{
		ID: "tables",
		Setup: func(i *runtime.Instance) error {
			_, err := state.Define(i.Atoms(), "rows", []int{})
			return err
		},
	}); err != nil {
		t.Fatalf("RegisterPlugin: %v", err)
	}

	srv := httptest.NewServer(newRouter(hub, manager))
	t.Cleanup(srv.Close)
	return hub, manager, srv
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	_, _, srv := newTestRouter(t)

	var body map[string]any
	if code := getJSON(t, srv.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if body["plugins"] != float64(1) {
		t.Errorf("plugins = %v", body["plugins"])
	}
}

func TestListPlugins(t *testing.T) {
	_, _, srv := newTestRouter(t)

	var body struct {
		Plugins []string `json:"plugins"`
	}
	getJSON(t, srv.URL+"/api/v1/plugins", &body)
	if len(body.Plugins) != 1 || body.Plugins[0] != "tables" {
		t.Errorf("plugins = %v", body.Plugins)
	}
}

func TestInstanceLifecycleOverAPI(t *testing.T) {
	_, manager, srv := newTestRouter(t)
	manager.ClientConnected(context.Background(), "phone-1", []string{"tables"})

	var list struct {
		Instances []struct {
			Plugin string `json:"plugin"`
			State  string `json:"state"`
		} `json:"instances"`
	}
	getJSON(t, srv.URL+"/api/v1/clients/phone-1/instances", &list)
	if len(list.Instances) != 1 || list.Instances[0].State != "connected" {
		t.Fatalf("instances = %+v", list.Instances)
	}

	if code := postJSON(t, srv.URL+"/api/v1/clients/phone-1/plugins/tables/activate", ""); code != http.StatusOK {
		t.Fatalf("activate status = %d", code)
	}
	inst, _ := manager.Get("tables", "phone-1")
	if inst.State() != runtime.StateActivated {
		t.Errorf("state = %v", inst.State())
	}

	if code := postJSON(t, srv.URL+"/api/v1/clients/phone-1/plugins/tables/deactivate", ""); code != http.StatusOK {
		t.Fatalf("deactivate status = %d", code)
	}
	if inst.State() != runtime.StateDeactivated {
		t.Errorf("state = %v", inst.State())
	}
}

func TestActivateUnknownInstanceReturns404(t *testing.T) {
	_, _, srv := newTestRouter(t)
	if code := postJSON(t, srv.URL+"/api/v1/clients/nobody/plugins/tables/activate", ""); code != http.StatusNotFound {
		t.Errorf("status = %d", code)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	_, manager, srv := newTestRouter(t)
	manager.ClientConnected(context.Background(), "phone-1", []string{"tables"})

	var snap map[string]json.RawMessage
	if code := getJSON(t, srv.URL+"/api/v1/clients/phone-1/plugins/tables/snapshot", &snap); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if string(snap["rows"]) != "[]" {
		t.Errorf("rows = %s", snap["rows"])
	}
}
