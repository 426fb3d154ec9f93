// Package cluster implements the cluster-state coordination core: an
// immutable, versioned ClusterState snapshot, a single-writer priority
// executor that applies UpdateTasks against it, and the listener, ack and
// reconnect machinery built around that snapshot.
package cluster

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ClusterStateStatus tracks where in the apply pipeline a ClusterState is.
type ClusterStateStatus int

const (
	StatusReceived ClusterStateStatus = iota
	StatusBeingApplied
	StatusApplied
)

func (s ClusterStateStatus) String() string {
	switch s {
	case StatusReceived:
		return "RECEIVED"
	case StatusBeingApplied:
		return "BEING_APPLIED"
	case StatusApplied:
		return "APPLIED"
	default:
		return "UNKNOWN"
	}
}

// Priority orders tasks in the Update Executor's queue. Lower numeric value
// dequeues first.
type Priority int

const (
	PriorityImmediate Priority = iota
	PriorityUrgent
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityLanguid
)

func (p Priority) String() string {
	switch p {
	case PriorityImmediate:
		return "IMMEDIATE"
	case PriorityUrgent:
		return "URGENT"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	case PriorityLanguid:
		return "LANGUID"
	default:
		return "UNKNOWN"
	}
}

// NoRingBlock gates metadata persistence until the ring storage layer signals
// readiness. It is present on every ClusterState from the moment the service
// starts until something removes it.
const NoRingBlock = "NO_RING_BLOCK"

// DiscoveryNode identifies one member of the cluster.
type DiscoveryNode struct {
	ID         string
	Name       string
	Address    string
	Attributes map[string]string
	// VersionTag distinguishes successive processes claiming the same ID -
	// a fresh one is minted per process start so peer fault detectors treat
	// a restart as a new node rather than a resurrection of the old one.
	VersionTag string
}

func (n DiscoveryNode) String() string {
	return fmt.Sprintf("%s{%s}@%s", n.Name, n.ID, n.Address)
}

// NodeSet is an ordered, immutable set of nodes with a designated local node
// and an optional master. MasterID and HasMaster are both exported (and
// HasMaster derived rather than tracked separately) so a NodeSet survives a
// JSON round-trip - e.g. gossip publishing a state to a peer - without
// silently losing which node is master.
type NodeSet struct {
	Nodes     []DiscoveryNode
	LocalNode DiscoveryNode
	MasterID  string
}

func NewNodeSet(local DiscoveryNode, nodes ...DiscoveryNode) NodeSet {
	return NodeSet{Nodes: nodes, LocalNode: local}
}

// WithMaster returns a copy of the set with the given node marked master, or
// with no master at all if nodeID is empty.
func (n NodeSet) WithMaster(nodeID string) NodeSet {
	cp := n
	cp.MasterID = nodeID
	return cp
}

func (n NodeSet) HasMaster() bool {
	return n.MasterID != ""
}

// LocalNodeIsMaster reports whether the set's local node is the master.
func (n NodeSet) LocalNodeIsMaster() bool {
	return n.MasterID != "" && n.MasterID == n.LocalNode.ID
}

func (n NodeSet) ByID(id string) (DiscoveryNode, bool) {
	for _, node := range n.Nodes {
		if node.ID == id {
			return node, true
		}
	}
	return DiscoveryNode{}, false
}

// NodesDelta is the result of comparing two NodeSets.
type NodesDelta struct {
	Added      []DiscoveryNode
	Removed    []DiscoveryNode
	HasChanges bool
}

// Delta computes which nodes were added and removed going from prev to next.
func Delta(prev, next NodeSet) NodesDelta {
	prevByID := make(map[string]DiscoveryNode, len(prev.Nodes))
	for _, n := range prev.Nodes {
		prevByID[n.ID] = n
	}
	nextByID := make(map[string]DiscoveryNode, len(next.Nodes))
	for _, n := range next.Nodes {
		nextByID[n.ID] = n
	}
	var d NodesDelta
	for _, n := range next.Nodes {
		if _, ok := prevByID[n.ID]; !ok {
			d.Added = append(d.Added, n)
		}
	}
	for _, n := range prev.Nodes {
		if _, ok := nextByID[n.ID]; !ok {
			d.Removed = append(d.Removed, n)
		}
	}
	d.HasChanges = len(d.Added) > 0 || len(d.Removed) > 0
	return d
}

// BlockSet is an immutable set of cluster-wide blocks.
type BlockSet struct {
	blocks map[string]struct{}
}

func NewBlockSet(names ...string) BlockSet {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return BlockSet{blocks: m}
}

func (b BlockSet) Has(name string) bool {
	_, ok := b.blocks[name]
	return ok
}

// With returns a copy of b with name added.
func (b BlockSet) With(name string) BlockSet {
	m := make(map[string]struct{}, len(b.blocks)+1)
	for k := range b.blocks {
		m[k] = struct{}{}
	}
	m[name] = struct{}{}
	return BlockSet{blocks: m}
}

// Without returns a copy of b with name removed.
func (b BlockSet) Without(name string) BlockSet {
	m := make(map[string]struct{}, len(b.blocks))
	for k := range b.blocks {
		if k != name {
			m[k] = struct{}{}
		}
	}
	return BlockSet{blocks: m}
}

// DisablesStatePersistence reports whether any block in the set gates
// metadata persistence. Currently only NoRingBlock does.
func (b BlockSet) DisablesStatePersistence() bool {
	return b.Has(NoRingBlock)
}

// MarshalJSON encodes the block set as a sorted list of names; blocks is
// unexported so without this a published ClusterState would silently lose
// every block crossing gossip's JSON encoding.
func (b BlockSet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, len(b.blocks))
	for name := range b.blocks {
		names = append(names, name)
	}
	sort.Strings(names)
	return json.Marshal(names)
}

func (b *BlockSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*b = NewBlockSet(names...)
	return nil
}

// IndexMetaData is a placeholder for the per-index metadata the index/mapping
// subsystem owns; the coordination core only ever copies it around.
type IndexMetaData struct {
	Name            string
	SettingsVersion uint64
	MappingVersion  uint64
}

// MetaData is the immutable, persisted portion of ClusterState.
type MetaData struct {
	Version     uint64
	ClusterUUID string
	Indices     map[string]IndexMetaData
}

func (m MetaData) WithVersion(v uint64) MetaData {
	m.Version = v
	return m
}

// ShardRouting names the current and (if relocating) target owner of a
// shard.
type ShardRouting struct {
	ShardID    string
	NodeID     string
	RelocatingToNodeID string
}

// RoutingTable maps shard IDs to their current routing.
type RoutingTable struct {
	Shards map[string]ShardRouting
}

func NewRoutingTable() RoutingTable {
	return RoutingTable{Shards: make(map[string]ShardRouting)}
}

// ClusterState is the immutable, versioned snapshot the whole package
// revolves around. A new instance is built by an UpdateTask's Execute
// function; the old one is simply dropped, never mutated.
type ClusterState struct {
	Version      uint64
	StateUUID    string
	ClusterName  string
	Nodes        NodeSet
	RoutingTable RoutingTable
	Blocks       BlockSet
	Metadata     MetaData
	Status       ClusterStateStatus
}

// MetaDataChanged reports whether next carries different metadata content
// than prev, per the fixed persisted-serialisation comparison the executor
// performs before persisting.
func MetaDataChanged(prev, next ClusterState) (bool, error) {
	prevBytes, err := encodeMetaDataForComparison(prev.Metadata)
	if err != nil {
		return false, err
	}
	nextBytes, err := encodeMetaDataForComparison(next.Metadata)
	if err != nil {
		return false, err
	}
	return string(prevBytes) != string(nextBytes), nil
}
