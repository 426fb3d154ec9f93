package cluster_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ringlabs/ringcoord/cluster"
	"github.com/ringlabs/ringcoord/internal/workerpool"
)

type recordingRoleListener struct {
	mu       sync.Mutex
	onMaster int
	offMaster int
	name     string
}

func (l *recordingRoleListener) OnMaster() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onMaster++
}

func (l *recordingRoleListener) OffMaster() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offMaster++
}

func (l *recordingRoleListener) ExecutorName() string { return l.name }

func (l *recordingRoleListener) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.onMaster, l.offMaster
}

func stateWithMaster(masterID string, local cluster.DiscoveryNode) cluster.ClusterState {
	return cluster.ClusterState{
		Nodes: cluster.NewNodeSet(local, local).WithMaster(masterID),
	}
}

func TestMasterRoleWatcherOnlyFiresOnFlip(t *testing.T) {
	pools := workerpool.NewRegistry()
	t.Cleanup(pools.Stop)
	watcher := cluster.NewMasterRoleWatcher(pools)

	local := localNode("0")
	l := &recordingRoleListener{}
	watcher.AddListener(l)

	// Not master yet: AddListener should have delivered OffMaster once.
	require.Eventually(t, func() bool {
		_, off := l.counts()
		return off == 1
	}, time.Second, time.Millisecond)

	watcher.ClusterChanged(cluster.ClusterChangedEvent{State: stateWithMaster("0", local)})
	require.Eventually(t, func() bool {
		on, _ := l.counts()
		return on == 1
	}, time.Second, time.Millisecond)

	// Applying the same masterhood again must not re-fire.
	watcher.ClusterChanged(cluster.ClusterChangedEvent{State: stateWithMaster("0", local)})
	time.Sleep(20 * time.Millisecond)
	on, off := l.counts()
	require.Equal(t, 1, on)
	require.Equal(t, 1, off)

	watcher.ClusterChanged(cluster.ClusterChangedEvent{State: stateWithMaster("1", local)})
	require.Eventually(t, func() bool {
		_, off := l.counts()
		return off == 2
	}, time.Second, time.Millisecond)

	require.True(t, watcher.IsMaster() == false)
}

func TestMasterRoleWatcherDispatchesToNamedExecutor(t *testing.T) {
	pools := workerpool.NewRegistry()
	t.Cleanup(pools.Stop)
	watcher := cluster.NewMasterRoleWatcher(pools)

	local := localNode("0")
	l := &recordingRoleListener{name: "role-pool"}
	watcher.AddListener(l)
	watcher.ClusterChanged(cluster.ClusterChangedEvent{State: stateWithMaster("0", local)})

	require.Eventually(t, func() bool {
		on, _ := l.counts()
		return on == 1
	}, time.Second, time.Millisecond)
}
