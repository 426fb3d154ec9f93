package cluster

import (
	"sync"

	"github.com/ringlabs/ringcoord/internal/workerpool"
)

// RoleListener is dispatched exactly once per master-role flip observed on
// an applied ClusterState, on the named executor it requests.
type RoleListener interface {
	OnMaster()
	OffMaster()
	// ExecutorName selects which named pool dispatches this listener's
	// callbacks. An empty name uses the shared generic pool.
	ExecutorName() string
}

// MasterRoleWatcher tracks whether the local node currently believes itself
// master, and notifies registered listeners only on the transitions -
// XOR(previous, current) - never on every applied state.
type MasterRoleWatcher struct {
	lock      sync.Mutex
	isMaster  bool
	listeners []RoleListener

	pools *workerpool.Registry
}

func NewMasterRoleWatcher(pools *workerpool.Registry) *MasterRoleWatcher {
	return &MasterRoleWatcher{pools: pools}
}

// AddListener registers l and immediately delivers its current role state,
// so a listener added after the local node already became master doesn't
// have to wait for the next flip to learn that.
func (w *MasterRoleWatcher) AddListener(l RoleListener) {
	w.lock.Lock()
	w.listeners = append(w.listeners, l)
	isMaster := w.isMaster
	w.lock.Unlock()

	w.dispatch(l, isMaster)
}

func (w *MasterRoleWatcher) RemoveListener(l RoleListener) {
	w.lock.Lock()
	defer w.lock.Unlock()
	next := w.listeners[:0]
	for _, existing := range w.listeners {
		if existing != l {
			next = append(next, existing)
		}
	}
	w.listeners = next
}

// ClusterChanged implements ClusterStateListener. It only fires role
// callbacks when event.LocalNodeIsMaster() differs from the watcher's last
// known state - the XOR flip-detection called out in the design notes.
func (w *MasterRoleWatcher) ClusterChanged(event ClusterChangedEvent) {
	nowMaster := event.LocalNodeIsMaster()

	w.lock.Lock()
	flipped := w.isMaster != nowMaster
	w.isMaster = nowMaster
	listeners := make([]RoleListener, len(w.listeners))
	copy(listeners, w.listeners)
	w.lock.Unlock()

	if !flipped {
		return
	}
	for _, l := range listeners {
		w.dispatch(l, nowMaster)
	}
}

func (w *MasterRoleWatcher) dispatch(l RoleListener, isMaster bool) {
	pool := w.pools.Executor(l.ExecutorName())
	pool.Submit(func() {
		if isMaster {
			l.OnMaster()
		} else {
			l.OffMaster()
		}
	})
}

// IsMaster reports the watcher's last observed role, useful for callers that
// need a synchronous read outside the notification path.
func (w *MasterRoleWatcher) IsMaster() bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.isMaster
}
