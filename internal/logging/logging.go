// Package logging provides the process-wide structured logger.
//
// All packages log through component-scoped slog loggers obtained from
// Component(). Output goes through a tint handler on stderr; Disable()
// silences everything for clean CLI output.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
)

var (
	mu       sync.RWMutex
	disabled = false
	level    = new(slog.LevelVar)
	root     = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
)

// Disable turns off all logging
func Disable() {
	mu.Lock()
	defer mu.Unlock()
	disabled = true
	root = slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Enable turns logging back on
func Enable() {
	mu.Lock()
	defer mu.Unlock()
	disabled = false
	root = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
}

// SetLevel changes the minimum level. Accepts "debug", "info", "warn", "error".
func SetLevel(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// Component returns a child logger scoped to the named component.
func Component(name string) *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With("component", name)
}

// Default returns the root logger.
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}
