package cluster

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ringlabs/ringcoord/common"
	"github.com/ringlabs/ringcoord/internal/workerpool"
	"github.com/ringlabs/ringcoord/metrics"
)

// ConnectPolicy decides whether the reconnect loop should be maintaining a
// connection to a given node at all - callers typically say yes to every
// node except the local one.
type ConnectPolicy func(node DiscoveryNode) bool

// ReconnectLoop periodically walks the executor's current snapshot and
// reconnects to any node the policy wants connected but transport reports
// as down, logging (and counting) every sixth consecutive per-node failure.
type ReconnectLoop struct {
	lock     sync.Mutex
	failures map[string]int

	executor  *Executor
	transport Transport
	policy    ConnectPolicy
	pool      *workerpool.Pool
	interval  time.Duration

	started common.AtomicBool
	current *workerpool.ScheduledCall

	failuresTotal metrics.Counter
}

func NewReconnectLoop(executor *Executor, transport Transport, policy ConnectPolicy, pool *workerpool.Pool, interval time.Duration, factory metrics.Factory) (*ReconnectLoop, error) {
	l := &ReconnectLoop{
		failures:  make(map[string]int),
		executor:  executor,
		transport: transport,
		policy:    policy,
		pool:      pool,
		interval:  interval,
	}
	if factory != nil {
		var err error
		if l.failuresTotal, err = factory.CreateCounter("cluster_service_reconnect_failures_total", "consecutive reconnect failure warnings emitted"); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Start arms the first tick. Reschedule happens from within tick itself as
// long as the loop is still started.
func (l *ReconnectLoop) Start() {
	l.started.Set(true)
	l.scheduleNext()
}

func (l *ReconnectLoop) Stop() {
	l.started.Set(false)
	l.lock.Lock()
	current := l.current
	l.lock.Unlock()
	if current != nil {
		current.Cancel()
	}
}

func (l *ReconnectLoop) scheduleNext() {
	call := l.pool.Schedule(l.interval, l.tick)
	l.lock.Lock()
	l.current = call
	l.lock.Unlock()
}

// ApplyInterval lets ApplySettings refresh the reconnect cadence without
// restarting the loop; it takes effect on the next reschedule.
func (l *ReconnectLoop) ApplyInterval(interval time.Duration) {
	l.lock.Lock()
	l.interval = interval
	l.lock.Unlock()
}

func (l *ReconnectLoop) tick() {
	if !l.started.Get() {
		return
	}

	state := l.executor.Snapshot()
	live := make(map[string]struct{}, len(state.Nodes.Nodes))

	for _, node := range state.Nodes.Nodes {
		live[node.ID] = struct{}{}
		if !l.policy(node) {
			continue
		}
		if l.transport.NodeConnected(node.ID) {
			l.lock.Lock()
			delete(l.failures, node.ID)
			l.lock.Unlock()
			continue
		}
		if err := l.transport.ConnectToNode(node); err != nil {
			l.recordFailure(node, err)
			continue
		}
		l.lock.Lock()
		delete(l.failures, node.ID)
		l.lock.Unlock()
	}

	l.purgeStale(live)

	if l.started.Get() {
		l.scheduleNext()
	}
}

// recordFailure increments the per-node counter and, every sixth
// consecutive failure, logs a warning and resets it to zero.
func (l *ReconnectLoop) recordFailure(node DiscoveryNode, err error) {
	l.lock.Lock()
	l.failures[node.ID]++
	count := l.failures[node.ID]
	if count%6 == 0 {
		l.failures[node.ID] = 0
	}
	l.lock.Unlock()

	if count%6 == 0 {
		log.Warnf("failed to reconnect to node %s after %d consecutive attempts: %v", node, count, err)
		if l.failuresTotal != nil {
			l.failuresTotal.Inc()
		}
	}
}

// purgeStale drops failure counters for nodes no longer present in the
// snapshot.
func (l *ReconnectLoop) purgeStale(live map[string]struct{}) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for id := range l.failures {
		if _, ok := live[id]; !ok {
			delete(l.failures, id)
		}
	}
}
