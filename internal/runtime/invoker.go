package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// methodSupported is the reserved method used for capability queries.
const methodSupported = "isMethodSupported"

type callResult struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	method string
	ch     chan callResult
}

// invoker correlates outbound method calls with asynchronous replies from
// the remote side, keyed by call ID.
type invoker struct {
	pluginID string
	clientID string

	mu      sync.Mutex
	pending map[string]*pendingCall
	failed  error // set once the instance disconnects or is destroyed
}

func newInvoker(pluginID, clientID string) *invoker {
	return &invoker{
		pluginID: pluginID,
		clientID: clientID,
		pending:  make(map[string]*pendingCall),
	}
}

// call sends method over the transport and blocks until the matching reply
// arrives, the context is cancelled, or the instance loses its connection.
func (inv *invoker) call(ctx context.Context, t Transport, method string, params json.RawMessage) (json.RawMessage, error) {
	id := uuid.NewString()
	pc := &pendingCall{method: method, ch: make(chan callResult, 1)}

	inv.mu.Lock()
	if inv.failed != nil {
		err := inv.failed
		inv.mu.Unlock()
		return nil, err
	}
	inv.pending[id] = pc
	inv.mu.Unlock()

	if err := t.Send(inv.clientID, inv.pluginID, method, params, id); err != nil {
		inv.remove(id)
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	select {
	case res := <-pc.ch:
		return res.payload, res.err
	case <-ctx.Done():
		inv.remove(id)
		return nil, ctx.Err()
	}
}

// resolve settles the call with the given result. Unknown IDs are ignored;
// a call settles at most once.
func (inv *invoker) resolve(callID string, payload json.RawMessage) {
	if pc := inv.take(callID); pc != nil {
		pc.ch <- callResult{payload: payload}
	}
}

// reject settles the call with a remote application error.
func (inv *invoker) reject(callID, message string) {
	if pc := inv.take(callID); pc != nil {
		pc.ch <- callResult{err: &RemoteError{Method: pc.method, Message: message}}
	}
}

// failAll rejects every pending call with err and refuses new calls with the
// same error. Each call is settled exactly once.
func (inv *invoker) failAll(err error) {
	inv.mu.Lock()
	if inv.failed == nil {
		inv.failed = err
	}
	pending := inv.pending
	inv.pending = make(map[string]*pendingCall)
	inv.mu.Unlock()

	for _, pc := range pending {
		pc.ch <- callResult{err: err}
	}
}

func (inv *invoker) take(callID string) *pendingCall {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	pc, ok := inv.pending[callID]
	if !ok {
		return nil
	}
	delete(inv.pending, callID)
	return pc
}

func (inv *invoker) remove(callID string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	delete(inv.pending, callID)
}

func (inv *invoker) pendingCount() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return len(inv.pending)
}
