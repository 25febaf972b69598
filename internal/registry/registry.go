// Package registry correlates requests the bridge sends to an agent with
// the replies that come back on the agent's stdout. Ids are allocated
// from a single counter so they never collide across the sessions and
// browser clients multiplexed onto one bridge.
package registry

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/deepfates/haven/internal/acp"
)

// ErrSessionTerminated resolves every call still in flight when the
// session's subprocess goes away.
var ErrSessionTerminated = errors.New("session terminated")

// Outcome is the terminal state of one forwarded call. Exactly one of
// Result, RPCErr, or Err is meaningful.
type Outcome struct {
	Result json.RawMessage
	RPCErr *acp.Error
	Err    error
}

type call struct {
	sessionID string
	ch        chan Outcome
}

type Registry struct {
	mu     sync.Mutex
	nextID int64
	calls  map[int64]*call
}

func New() *Registry {
	return &Registry{calls: map[int64]*call{}}
}

// Register allocates a fresh bridge-side id and a buffered channel the
// caller blocks on. The channel receives exactly one Outcome.
func (r *Registry) Register(sessionID string) (acp.RequestID, <-chan Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	c := &call{sessionID: sessionID, ch: make(chan Outcome, 1)}
	r.calls[r.nextID] = c
	return acp.IntID(r.nextID), c.ch
}

// Resolve routes an agent response frame to its waiter. Returns false for
// unknown or already-resolved ids, late replies after a timeout land here.
func (r *Registry) Resolve(id acp.RequestID, msg *acp.Message) bool {
	n, ok := id.Int64()
	if !ok {
		return false
	}
	r.mu.Lock()
	c, ok := r.calls[n]
	if ok {
		delete(r.calls, n)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if msg.Error != nil {
		c.ch <- Outcome{RPCErr: msg.Error}
	} else {
		c.ch <- Outcome{Result: msg.Result}
	}
	return true
}

// Drop abandons a call after a timeout so a late reply is ignored.
func (r *Registry) Drop(id acp.RequestID) {
	n, ok := id.Int64()
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.calls, n)
	r.mu.Unlock()
}

// FailSession resolves every in-flight call for the session with err.
func (r *Registry) FailSession(sessionID string, err error) {
	if err == nil {
		err = ErrSessionTerminated
	}
	r.mu.Lock()
	var failed []*call
	for id, c := range r.calls {
		if c.sessionID == sessionID {
			failed = append(failed, c)
			delete(r.calls, id)
		}
	}
	r.mu.Unlock()
	for _, c := range failed {
		c.ch <- Outcome{Err: err}
	}
}

// InFlight reports the number of unresolved calls, used by tests and the
// health endpoint.
func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
