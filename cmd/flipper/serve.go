package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/klemenkosir/flipper/internal/config"
	"github.com/klemenkosir/flipper/internal/db"
	"github.com/klemenkosir/flipper/internal/devicehub"
	"github.com/klemenkosir/flipper/internal/logging"
	"github.com/klemenkosir/flipper/internal/runtime"
	"github.com/klemenkosir/flipper/internal/server"
	"github.com/klemenkosir/flipper/internal/state"
)

// ServeCmd returns the serve command.
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the plugin runtime server",
		Run: func(cmd *cobra.Command, args []string) {
			RunServe()
		},
	}
}

// RunServe starts the server and blocks until interrupted.
func RunServe() {
	c := ServerConfig
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		c = &loaded
	}

	if verbose {
		logging.SetLevel("debug")
	} else {
		logging.SetLevel(c.Log.Level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("\nReceived signal: %v - shutting down...\n", sig)
		cancel()
	}()

	sqlDB, err := db.NewSQLite(c.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	hub := devicehub.NewHub()
	manager := runtime.NewManager(hub, runtime.WithSnapshotStore(db.NewSnapshotStore(sqlDB)))
	hub.SetManager(manager)

	registerBuiltinPlugins(manager)

	if err := server.Run(ctx, *c, hub, manager); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// registerBuiltinPlugins installs the plugins the server ships with. Embedding
// applications register their own through the runtime API.
func registerBuiltinPlugins(manager *runtime.Manager) {
	log := logging.Component("plugins")

	// devicelogs collects log lines pushed by the client and keeps the tail
	// across reconnects.
	if err := manager.RegisterPlugin(runtime.Plugin{
		ID:         "devicelogs",
		Background: true,
		Setup: func(i *runtime.Instance) error {
			lines, err := state.Define(i.Atoms(), "lines", []json.RawMessage{})
			if err != nil {
				return err
			}
			i.OnMessage("log", func(payload json.RawMessage) {
				_ = lines.Update(func(d *[]json.RawMessage) {
					*d = append(*d, payload)
					const keep = 10000
					if len(*d) > keep {
						*d = (*d)[len(*d)-keep:]
					}
				})
			})
			i.AddMenuEntry(runtime.MenuEntry{Label: "Clear logs", Action: func() {
				_ = lines.Update(func(d *[]json.RawMessage) { *d = (*d)[:0] })
			}})
			return nil
		},
	}); err != nil {
		log.Error("failed to register devicelogs", "error", err)
	}

	// crashreports surfaces client crashes and jumps to the plugin when one
	// arrives.
	if err := manager.RegisterPlugin(runtime.Plugin{
		ID:         "crashreports",
		Background: true,
		Setup: func(i *runtime.Instance) error {
			crashes, err := state.Define(i.Atoms(), "crashes", []json.RawMessage{})
			if err != nil {
				return err
			}
			i.OnMessage("crash", func(payload json.RawMessage) {
				_ = crashes.Update(func(d *[]json.RawMessage) { *d = append(*d, payload) })
				i.SelectPlugin("crashreports", payload)
			})
			return nil
		},
	}); err != nil {
		log.Error("failed to register crashreports", "error", err)
	}
}
