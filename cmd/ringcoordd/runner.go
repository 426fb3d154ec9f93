package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"strconv"
	"time"

	"github.com/google/uuid"
	"muzzammil.xyz/jsonc"

	"github.com/ringlabs/ringcoord/cluster"
	"github.com/ringlabs/ringcoord/conf"
	"github.com/ringlabs/ringcoord/gossip"
	fakegossip "github.com/ringlabs/ringcoord/gossip/fake"
	"github.com/ringlabs/ringcoord/lifecycle"
	"github.com/ringlabs/ringcoord/log"
	"github.com/ringlabs/ringcoord/metrics"
	"github.com/ringlabs/ringcoord/metrics/prometheus"
	"github.com/ringlabs/ringcoord/ringstore"
	"github.com/ringlabs/ringcoord/ringstore/dragon"
	fakestore "github.com/ringlabs/ringcoord/ringstore/fake"
	"github.com/ringlabs/ringcoord/transport"
	faketransport "github.com/ringlabs/ringcoord/transport/fake"
)

// runner owns the constructed Service and its supporting HTTP endpoints, so
// tests can drive one run() call and inspect what got built without going
// through main's os.Args/os.Exit path.
type runner struct {
	service   *cluster.Service
	lifecycle *lifecycle.Endpoints
	metrics   metrics.Factory
}

func (r *runner) run(args []string, start bool) error {
	if len(args) != 4 || args[0] != "-conf" || args[2] != "-node" {
		return errors.New("please run with -conf <config_file> -node <node_id>")
	}
	nodeID, err := strconv.ParseInt(args[3], 10, 32)
	if err != nil {
		return err
	}
	b, err := ioutil.ReadFile(args[1])
	if err != nil {
		return err
	}
	cfg := *conf.NewDefaultConfig()
	if err := json.Unmarshal(jsonc.ToJSON(b), &cfg); err != nil {
		return err
	}
	cfg.NodeID = int(nodeID)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg := log.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, File: cfg.LogFile}
	if err := logCfg.Configure(); err != nil {
		return err
	}

	return r.build(cfg, start)
}

func (r *runner) build(cfg conf.Config, start bool) error {
	local := cluster.DiscoveryNode{
		ID:         strconv.Itoa(cfg.NodeID),
		Name:       fmt.Sprintf("node-%d", cfg.NodeID),
		Address:    cfg.TransportListenAddress,
		VersionTag: uuid.New().String(),
	}

	var factory metrics.Factory
	if cfg.EnableMetrics {
		factory = prometheus.NewFactory(cfg)
		if err := factory.Start(); err != nil {
			return err
		}
	}
	r.metrics = factory

	var store ringstore.Store
	var trans cluster.Transport
	var disc cluster.Discovery
	var realGossip *gossip.Discovery

	if cfg.TestServer {
		store = fakestore.New()
		trans = faketransport.New()
		disc = fakegossip.New()
	} else {
		dragonStore, err := dragon.New(cfg.NodeID, cfg.PeerAddresses, cfg.RingStoreDataDir, cfg.RingStoreReplicationFactor)
		if err != nil {
			return err
		}
		store = dragonStore

		dialer, err := transport.NewDialerFromCerts(5*time.Second, cfg.ReconnectInterval, cfg.TLS)
		if err != nil {
			return err
		}
		trans = dialer

		gossipCfg := gossip.Config{
			NodeID:            local.ID,
			ListenAddress:     cfg.GossipListenAddress,
			PeerAddresses:     peerAddressesExcluding(cfg.PeerAddresses, cfg.NodeID),
			HeartbeatInterval: cfg.ReconnectInterval,
		}
		gossipDisc, err := gossip.NewFromTLSCerts(gossipCfg, cfg.TLS.Enabled, cfg.TLS.CertPath, cfg.TLS.KeyPath, cfg.TLS.ClientCertsPath)
		if err != nil {
			return err
		}
		realGossip = gossipDisc
		disc = gossipDisc
	}

	if err := store.Start(); err != nil {
		return err
	}

	initial := cluster.ClusterState{
		ClusterName:  cfg.ClusterName,
		Nodes:        cluster.NewNodeSet(local, local),
		Blocks:       cluster.NewBlockSet(cluster.NoRingBlock),
		RoutingTable: cluster.NewRoutingTable(),
	}

	service, err := cluster.NewService(cfg, local, initial, trans, disc, store, factory)
	if err != nil {
		return err
	}
	r.service = service

	if realGossip != nil {
		realGossip.SetStateHandler(func(state cluster.ClusterState) {
			service.Submit(&adoptPublishedStateTask{state: state})
		})
		if err := realGossip.Start(); err != nil {
			return err
		}
	}

	if cfg.EnableLifecycleEndpoint {
		r.lifecycle = lifecycle.NewLifecycleEndpoints(cfg)
		if err := r.lifecycle.Start(); err != nil {
			return err
		}
	}

	if start {
		if err := service.Start(); err != nil {
			return err
		}
		if r.lifecycle != nil {
			r.lifecycle.SetActive(true)
		}
	}
	return nil
}

// adoptPublishedStateTask installs a state a peer published, used on
// followers that never computed the state themselves. It only ever moves
// the local snapshot forward.
type adoptPublishedStateTask struct {
	cluster.BaseTask
	state cluster.ClusterState
}

func (t *adoptPublishedStateTask) Source() string             { return "adopt-published-state" }
func (t *adoptPublishedStateTask) Priority() cluster.Priority { return cluster.PriorityHigh }
func (t *adoptPublishedStateTask) DoPersistMetaData() bool    { return false }

func (t *adoptPublishedStateTask) Execute(prev cluster.ClusterState) (cluster.ClusterState, error) {
	if t.state.Version <= prev.Version {
		return prev, nil
	}
	return t.state, nil
}

func peerAddressesExcluding(addresses []string, nodeID int) []string {
	out := make([]string, 0, len(addresses))
	for i, addr := range addresses {
		if i != nodeID {
			out = append(out, addr)
		}
	}
	return out
}
