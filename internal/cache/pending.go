package cache

import (
	"context"
	"encoding/json"
)

// pendingRequest marks a fetch in flight for a key. Waiters block on done;
// value is written exactly once, before done is closed. owner is the client
// call id of the request doing the fetch.
type pendingRequest struct {
	key   string
	owner string
	done  chan struct{}
	value json.RawMessage
}

func newPendingRequest(key, owner string) *pendingRequest {
	return &pendingRequest{
		key:   key,
		owner: owner,
		done:  make(chan struct{}),
	}
}

// resolve publishes the outcome. value is nil when the fetch produced no data.
func (p *pendingRequest) resolve(value json.RawMessage) {
	p.value = value
	close(p.done)
}

// wait blocks until the pending request is resolved or ctx is done
func (p *pendingRequest) wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// registerLocked adds a pending entry for key owned by owner. Caller holds e.mu.
func (e *Engine) registerLocked(key, owner string) {
	e.pending[key] = newPendingRequest(key, owner)
}

// takePending removes and returns the pending entry for key, if any
func (e *Engine) takePending(key string) *pendingRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.claimLocked(key, "", true)
}

// claimLocked removes and returns the pending entry for key if caller may
// settle it: the owner always may, anyone else only with data in hand.
// Caller holds e.mu.
func (e *Engine) claimLocked(key, caller string, hasData bool) *pendingRequest {
	p, ok := e.pending[key]
	if !ok {
		return nil
	}
	if p.owner != caller && !hasData {
		return nil
	}
	delete(e.pending, key)
	return p
}

// PendingCount returns the number of fetches currently in flight
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
