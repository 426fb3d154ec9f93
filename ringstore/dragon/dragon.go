// Package dragon implements ringstore.Store as a single raft group (via
// dragonboat) whose members each keep the last-persisted metadata in a
// local pebble instance, rejecting a propose whose expected prior value
// doesn't match what's actually stored - the concrete
// errors.ConcurrentMetaDataUpdate failure mode the coordination core's
// Update Executor reacts to.
package dragon

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/lni/dragonboat/v3"
	"github.com/lni/dragonboat/v3/config"
	"github.com/lni/dragonboat/v3/statemachine"
	log "github.com/sirupsen/logrus"

	"github.com/ringlabs/ringcoord/cluster"
	"github.com/ringlabs/ringcoord/errors"
)

const metadataShardID uint64 = 1

// Store is a ringstore.Store backed by a dragonboat raft group and a local
// pebble KV instance per node.
type Store struct {
	lock              sync.RWMutex
	nodeID            int
	nodeAddresses     []string
	dataDir           string
	replicationFactor int
	proposeTimeout    time.Duration

	pebble  *pebble.DB
	nh      *dragonboat.NodeHost
	started bool
}

// New builds a Store for the given node in a fixed-size cluster addressed
// by nodeAddresses (index == raft node ID). replicationFactor bounds how
// many of those addresses actually join the metadata raft group.
func New(nodeID int, nodeAddresses []string, dataDir string, replicationFactor int) (*Store, error) {
	if len(nodeAddresses) < 3 {
		return nil, errors.NewInvalidConfigurationError("dragon ring store needs at least 3 node addresses")
	}
	if replicationFactor < 3 || replicationFactor > len(nodeAddresses) {
		return nil, errors.NewInvalidConfigurationError("replication factor must be between 3 and the number of node addresses")
	}
	return &Store{
		nodeID:            nodeID,
		nodeAddresses:     nodeAddresses,
		dataDir:           dataDir,
		replicationFactor: replicationFactor,
		proposeTimeout:    5 * time.Second,
	}, nil
}

func (s *Store) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return nil
	}

	nodeDir := filepath.Join(s.dataDir, fmt.Sprintf("node-%d", s.nodeID))
	pebbleDir := filepath.Join(nodeDir, "pebble")

	db, err := pebble.Open(pebbleDir, &pebble.Options{})
	if err != nil {
		return err
	}
	s.pebble = db

	raftDir := filepath.Join(nodeDir, "raft")
	nhc := config.NodeHostConfig{
		WALDir:         raftDir,
		NodeHostDir:    raftDir,
		RTTMillisecond: 200,
		RaftAddress:    s.nodeAddresses[s.nodeID],
	}
	nh, err := dragonboat.NewNodeHost(nhc)
	if err != nil {
		return err
	}
	s.nh = nh

	initialMembers := make(map[uint64]string, s.replicationFactor)
	for i := 0; i < s.replicationFactor; i++ {
		initialMembers[uint64(i)] = s.nodeAddresses[i]
	}

	rc := config.Config{
		NodeID:             uint64(s.nodeID),
		ClusterID:          metadataShardID,
		ElectionRTT:        10,
		HeartbeatRTT:       1,
		CheckQuorum:        true,
		SnapshotEntries:    1000,
		CompactionOverhead: 500,
	}
	factory := func(clusterID, nID uint64) statemachine.IStateMachine {
		return newMetadataStateMachine(clusterID, nID, s.pebble)
	}
	if err := s.nh.StartCluster(initialMembers, false, factory, rc); err != nil {
		return err
	}

	log.Infof("ring store node %d joined metadata raft group", s.nodeID)
	s.started = true
	return nil
}

func (s *Store) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return nil
	}
	s.nh.Stop()
	err := s.pebble.Close()
	s.started = false
	return err
}

func (s *Store) PersistMetaData(prev, next cluster.MetaData, source string) error {
	s.lock.RLock()
	nh := s.nh
	timeout := s.proposeTimeout
	s.lock.RUnlock()
	if nh == nil {
		return errors.NewNotStartedError()
	}

	payload, err := json.Marshal(proposal{Prev: prev, Next: next})
	if err != nil {
		return err
	}

	cs := nh.GetNoOPSession(metadataShardID)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := nh.SyncPropose(ctx, cs, payload)
	if err != nil {
		return err
	}
	if res.Value == casRejected {
		return ringstoreConcurrentUpdateError(source)
	}
	return nil
}

func (s *Store) LoadMetaData() (cluster.MetaData, error) {
	s.lock.RLock()
	nh := s.nh
	timeout := s.proposeTimeout
	s.lock.RUnlock()
	if nh == nil {
		return cluster.MetaData{}, errors.NewNotStartedError()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := nh.SyncRead(ctx, metadataShardID, nil)
	if err != nil {
		return cluster.MetaData{}, err
	}
	encoded, ok := res.([]byte)
	if !ok || len(encoded) == 0 {
		return cluster.MetaData{}, nil
	}
	var md cluster.MetaData
	if err := json.Unmarshal(encoded, &md); err != nil {
		return cluster.MetaData{}, err
	}
	return md, nil
}

func ringstoreConcurrentUpdateError(source string) error {
	return errors.NewConcurrentUpdateError("metadata CAS rejected for task " + source + ": stored value does not match expected prior value")
}
