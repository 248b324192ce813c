package runtime

import (
	"errors"
	"fmt"
)

// ErrConnectionLost rejects a pending call when the transport or the instance
// goes away before a reply arrives. Also returned for calls issued while the
// instance has no usable connection.
var ErrConnectionLost = errors.New("connection lost")

// ErrPluginExists is returned when a plugin ID is registered twice.
var ErrPluginExists = errors.New("plugin already registered")

// ErrInstanceExists guards the one-live-instance-per-(plugin, client) rule.
var ErrInstanceExists = errors.New("instance already exists for plugin/client pair")

// RemoteError carries a typed application error returned by the remote side
// of a method call. Surfaced verbatim to the caller.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote method %s failed: %s", e.Method, e.Message)
}
