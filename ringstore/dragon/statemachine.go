package dragon

import (
	"encoding/json"
	"io"
	"io/ioutil"

	"github.com/cockroachdb/pebble"
	"github.com/lni/dragonboat/v3/statemachine"

	"github.com/ringlabs/ringcoord/cluster"
	"github.com/ringlabs/ringcoord/common"
)

const (
	casSucceeded uint64 = 1
	casRejected  uint64 = 2
)

var metaDataKey = []byte("ringcoord/metadata")

// proposal is the wire shape of a PersistMetaData raft proposal: the caller's
// expected prior value and the value it wants installed, JSON-encoded as one
// payload. The state machine compares only the prior value's Version and
// ClusterUUID against what it has stored.
type proposal struct {
	Prev cluster.MetaData
	Next cluster.MetaData
}

// metadataStateMachine keeps the last-persisted MetaData in a local pebble
// instance and rejects any propose whose expected prior value doesn't match
// what's actually stored, following the shard-allocation state machine's
// load-then-compare-then-set technique.
type metadataStateMachine struct {
	shardID uint64
	nodeID  uint64
	pebble  *pebble.DB
	loaded  bool
	current cluster.MetaData
}

func newMetadataStateMachine(shardID, nodeID uint64, db *pebble.DB) statemachine.IStateMachine {
	return &metadataStateMachine{shardID: shardID, nodeID: nodeID, pebble: db}
}

func (m *metadataStateMachine) maybeLoad() error {
	if m.loaded {
		return nil
	}
	val, closer, err := m.pebble.Get(metaDataKey)
	if err == pebble.ErrNotFound {
		m.loaded = true
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	var md cluster.MetaData
	if err := json.Unmarshal(val, &md); err != nil {
		return err
	}
	m.current = md
	m.loaded = true
	return nil
}

func (m *metadataStateMachine) Update(data []byte) (statemachine.Result, error) {
	if err := m.maybeLoad(); err != nil {
		return statemachine.Result{}, err
	}

	var p proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return statemachine.Result{}, err
	}

	if m.current.Version != p.Prev.Version || m.current.ClusterUUID != p.Prev.ClusterUUID {
		return statemachine.Result{Value: casRejected}, nil
	}

	encoded, err := json.Marshal(p.Next)
	if err != nil {
		return statemachine.Result{}, err
	}
	if err := m.pebble.Set(metaDataKey, encoded, pebble.Sync); err != nil {
		return statemachine.Result{}, err
	}
	m.current = p.Next
	return statemachine.Result{Value: casSucceeded}, nil
}

func (m *metadataStateMachine) Lookup(interface{}) (interface{}, error) {
	if err := m.maybeLoad(); err != nil {
		return nil, err
	}
	return json.Marshal(m.current)
}

func (m *metadataStateMachine) SaveSnapshot(w io.Writer, _ statemachine.ISnapshotFileCollection, _ <-chan struct{}) error {
	if err := m.maybeLoad(); err != nil {
		return err
	}
	encoded, err := json.Marshal(m.current)
	if err != nil {
		return err
	}
	var buff []byte
	buff = common.AppendUint32ToBufferLE(buff, uint32(len(encoded)))
	buff = append(buff, encoded...)
	_, err = w.Write(buff)
	return err
}

func (m *metadataStateMachine) RecoverFromSnapshot(r io.Reader, _ []statemachine.SnapshotFile, _ <-chan struct{}) error {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return err
	}
	if len(data) < 4 {
		return nil
	}
	length, _ := common.ReadUint32FromBufferLE(data, 0)
	encoded := data[4 : 4+length]
	var md cluster.MetaData
	if err := json.Unmarshal(encoded, &md); err != nil {
		return err
	}
	m.current = md
	m.loaded = true
	return nil
}

func (m *metadataStateMachine) Close() error { return nil }
