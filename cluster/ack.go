package cluster

import (
	"sync"
	"time"

	"github.com/ringlabs/ringcoord/internal/workerpool"
)

// AckListener receives the terminal callback for one AckCountdown, exactly
// once, however it resolves.
type AckListener interface {
	OnAllNodesAcked(err error)
	OnAckTimeout()
}

// AckCountdown tracks the set of nodes required to ack one task's applied
// state. Exactly one of OnAllNodesAcked or OnAckTimeout ever fires for a
// given countdown, whichever condition is reached first; the other is
// suppressed by the fast-forward flag.
type AckCountdown struct {
	lock     sync.Mutex
	pending  map[string]struct{}
	firstErr error
	done     bool // fast-forward: true once a terminal callback has fired

	listener AckListener
	timer    *workerpool.ScheduledCall
}

// NewAckCountdown starts a countdown over the given required node IDs. If
// nodeIDs is empty the countdown resolves immediately with a nil error.
func NewAckCountdown(pool *workerpool.Pool, nodeIDs []string, timeout time.Duration, listener AckListener) *AckCountdown {
	pending := make(map[string]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		pending[id] = struct{}{}
	}
	c := &AckCountdown{pending: pending, listener: listener}

	if len(pending) == 0 {
		c.done = true
		listener.OnAllNodesAcked(nil)
		return c
	}

	if timeout > 0 {
		c.timer = pool.Schedule(timeout, c.onTimeout)
	}
	return c
}

// OnNodeAck records one node's ack, optionally carrying a failure the node
// reported while applying the state. Once every required node has acked (or
// the countdown has already resolved), further calls are no-ops.
func (c *AckCountdown) OnNodeAck(nodeID string, ackErr error) {
	c.lock.Lock()
	if c.done {
		c.lock.Unlock()
		return
	}
	delete(c.pending, nodeID)
	if ackErr != nil && c.firstErr == nil {
		c.firstErr = ackErr
	}
	remaining := len(c.pending)
	if remaining > 0 {
		c.lock.Unlock()
		return
	}
	c.done = true
	err := c.firstErr
	timer := c.timer
	c.lock.Unlock()

	if timer != nil {
		timer.Cancel()
	}
	c.listener.OnAllNodesAcked(err)
}

// onTimeout is the pool callback registered at construction time. It only
// takes effect if no OnNodeAck call has already resolved the countdown.
func (c *AckCountdown) onTimeout() {
	c.lock.Lock()
	if c.done {
		c.lock.Unlock()
		return
	}
	c.done = true
	c.lock.Unlock()

	c.listener.OnAckTimeout()
}

// OnNodeRemoved drops a node that left the cluster from the pending set,
// treating its absence the same as an ack with no error: a node that is
// gone can never ack, so waiting on it would hang the countdown forever.
func (c *AckCountdown) OnNodeRemoved(nodeID string) {
	c.OnNodeAck(nodeID, nil)
}

// Abort resolves the countdown early with the given error, used when the
// owning task itself is being torn down (service shutdown, superseding
// task) before every ack arrived.
func (c *AckCountdown) Abort(err error) {
	c.lock.Lock()
	if c.done {
		c.lock.Unlock()
		return
	}
	c.done = true
	timer := c.timer
	c.lock.Unlock()

	if timer != nil {
		timer.Cancel()
	}
	c.listener.OnAllNodesAcked(err)
}
