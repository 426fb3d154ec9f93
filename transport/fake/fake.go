// Package fake provides an in-memory cluster.Transport for tests.
package fake

import (
	"sync"

	"github.com/ringlabs/ringcoord/cluster"
)

// Transport tracks connected node IDs in memory with no actual networking.
// FailNodes lists IDs for which ConnectToNode should return an error, for
// exercising the executor's per-node-failure-is-non-fatal path.
type Transport struct {
	lock      sync.Mutex
	connected map[string]struct{}
	FailNodes map[string]struct{}
}

func New() *Transport {
	return &Transport{connected: make(map[string]struct{})}
}

func (t *Transport) ConnectToNode(node cluster.DiscoveryNode) error {
	if _, fail := t.FailNodes[node.ID]; fail {
		return errConnectFailed{node.ID}
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	t.connected[node.ID] = struct{}{}
	return nil
}

func (t *Transport) DisconnectFromNode(node cluster.DiscoveryNode) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.connected, node.ID)
	return nil
}

func (t *Transport) NodeConnected(nodeID string) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	_, ok := t.connected[nodeID]
	return ok
}

type errConnectFailed struct{ nodeID string }

func (e errConnectFailed) Error() string { return "fake transport configured to fail connecting to " + e.nodeID }
