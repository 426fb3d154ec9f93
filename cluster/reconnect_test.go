package cluster_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ringlabs/ringcoord/cluster"
	fakegossip "github.com/ringlabs/ringcoord/gossip/fake"
	fakestore "github.com/ringlabs/ringcoord/ringstore/fake"
	"github.com/ringlabs/ringcoord/internal/workerpool"
	faketransport "github.com/ringlabs/ringcoord/transport/fake"
)

func TestReconnectLoopConnectsMissingNodesExceptLocal(t *testing.T) {
	local := localNode("0")
	peer := localNode("1")
	initial := cluster.ClusterState{
		Nodes:        cluster.NewNodeSet(local, local, peer),
		Blocks:       cluster.NewBlockSet(),
		RoutingTable: cluster.NewRoutingTable(),
	}
	pools := workerpool.NewRegistry()
	t.Cleanup(pools.Stop)
	registry := cluster.NewRegistry(pools.Generic())
	store := fakestore.New()
	discovery := fakegossip.New()
	trans := faketransport.New()

	exec, err := cluster.NewExecutor(initial, trans, discovery, store, registry, pools, cluster.ExecutorConfig{
		AckTimeout:               time.Second,
		SlowTaskLoggingThreshold: time.Hour,
		ShutdownGrace:            time.Second,
	}, nil)
	require.NoError(t, err)
	exec.Start()
	t.Cleanup(exec.Stop)

	policy := func(node cluster.DiscoveryNode) bool { return node.ID != local.ID }
	loop, err := cluster.NewReconnectLoop(exec, trans, policy, pools.Generic(), 10*time.Millisecond, nil)
	require.NoError(t, err)
	loop.Start()
	t.Cleanup(loop.Stop)

	require.Eventually(t, func() bool {
		return trans.NodeConnected(peer.ID)
	}, time.Second, 5*time.Millisecond)
	require.False(t, trans.NodeConnected(local.ID))
}

func TestReconnectLoopRecordsRepeatedFailures(t *testing.T) {
	local := localNode("0")
	peer := localNode("1")
	initial := cluster.ClusterState{
		Nodes:        cluster.NewNodeSet(local, local, peer),
		Blocks:       cluster.NewBlockSet(),
		RoutingTable: cluster.NewRoutingTable(),
	}
	pools := workerpool.NewRegistry()
	t.Cleanup(pools.Stop)
	registry := cluster.NewRegistry(pools.Generic())
	store := fakestore.New()
	discovery := fakegossip.New()
	trans := faketransport.New()
	trans.FailNodes = map[string]struct{}{peer.ID: {}}

	exec, err := cluster.NewExecutor(initial, trans, discovery, store, registry, pools, cluster.ExecutorConfig{
		AckTimeout:               time.Second,
		SlowTaskLoggingThreshold: time.Hour,
		ShutdownGrace:            time.Second,
	}, nil)
	require.NoError(t, err)
	exec.Start()
	t.Cleanup(exec.Stop)

	policy := func(node cluster.DiscoveryNode) bool { return node.ID != local.ID }
	loop, err := cluster.NewReconnectLoop(exec, trans, policy, pools.Generic(), 5*time.Millisecond, nil)
	require.NoError(t, err)
	loop.Start()
	t.Cleanup(loop.Stop)

	// The peer never connects; give it time for several failed ticks
	// without crashing or panicking (the every-sixth-failure reset path).
	time.Sleep(100 * time.Millisecond)
	require.False(t, trans.NodeConnected(peer.ID))
}
