// Package fake provides an in-memory cluster.Discovery for tests: no
// network, acks are delivered synchronously from whatever goroutine calls
// AckAllNodes/AckNode.
package fake

import (
	"sync"
	"time"

	"github.com/ringlabs/ringcoord/cluster"
)

// Discovery is a fully in-process cluster.Discovery. Tests drive it by
// calling AckNode/AckAllNodes to simulate a peer acking a published state.
type Discovery struct {
	lock sync.Mutex

	Published []cluster.ClusterState

	ackSinks       map[uint64]cluster.NodeAckSink
	versionWaits   map[uint64][]chan struct{}
	appliedVersion uint64
}

func New() *Discovery {
	return &Discovery{
		ackSinks:     make(map[uint64]cluster.NodeAckSink),
		versionWaits: make(map[uint64][]chan struct{}),
	}
}

func (d *Discovery) Publish(state cluster.ClusterState) error {
	d.lock.Lock()
	d.Published = append(d.Published, state)
	d.lock.Unlock()
	return nil
}

func (d *Discovery) RegisterAckSink(version uint64, sink cluster.NodeAckSink) func() {
	d.lock.Lock()
	d.ackSinks[version] = sink
	d.lock.Unlock()
	return func() {
		d.lock.Lock()
		delete(d.ackSinks, version)
		d.lock.Unlock()
	}
}

func (d *Discovery) AwaitMetaDataVersion(version uint64, timeout time.Duration) bool {
	d.lock.Lock()
	if d.appliedVersion >= version {
		d.lock.Unlock()
		return true
	}
	ch := make(chan struct{})
	d.versionWaits[version] = append(d.versionWaits[version], ch)
	d.lock.Unlock()

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// AckNode simulates nodeID acking version, optionally carrying an error.
func (d *Discovery) AckNode(version uint64, nodeID string, ackErr error) {
	d.lock.Lock()
	sink := d.ackSinks[version]
	if version > d.appliedVersion {
		d.appliedVersion = version
	}
	waiters := d.versionWaits[version]
	delete(d.versionWaits, version)
	d.lock.Unlock()

	if sink != nil {
		sink.OnNodeAck(nodeID, ackErr)
	}
	for _, w := range waiters {
		close(w)
	}
}

// AckAllNodes simulates every node in nodeIDs acking version successfully.
func (d *Discovery) AckAllNodes(version uint64, nodeIDs []string) {
	for _, id := range nodeIDs {
		d.AckNode(version, id, nil)
	}
}
