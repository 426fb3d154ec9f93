package cluster

import (
	"container/heap"
	"reflect"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ringlabs/ringcoord/common"
	"github.com/ringlabs/ringcoord/errors"
	"github.com/ringlabs/ringcoord/internal/workerpool"
	"github.com/ringlabs/ringcoord/metrics"
)

// Transport connects and disconnects point-to-point links to peers whose
// liveness the executor needs before/after installing a snapshot that adds
// or removes them.
type Transport interface {
	ConnectToNode(node DiscoveryNode) error
	DisconnectFromNode(node DiscoveryNode) error
	NodeConnected(nodeID string) bool
}

// Discovery publishes applied snapshots to the rest of the cluster and lets
// the executor cooperatively wait for a metadata version to be acked
// cluster-wide.
type Discovery interface {
	Publish(state ClusterState) error
	AwaitMetaDataVersion(version uint64, timeout time.Duration) bool
	// RegisterAckSink feeds every per-node ack gossip receives for the given
	// metadata version into sink, until the returned func is called.
	RegisterAckSink(version uint64, sink NodeAckSink) (unregister func())
}

// NodeAckSink receives one ack (or ack-carried failure) per node for a
// version an AckCountdown is waiting on. AckCountdown implements it
// directly.
type NodeAckSink interface {
	OnNodeAck(nodeID string, ackErr error)
}

// MetadataStore persists MetaData through compare-and-swap: PersistMetaData
// must fail with an errors.RingError carrying errors.ConcurrentMetaDataUpdate
// when the store's current value doesn't match prev.
type MetadataStore interface {
	PersistMetaData(prev, next MetaData, source string) error
	LoadMetaData() (MetaData, error)
}

// ExecutorConfig bundles the tunables the Update Executor reads at
// construction time; all of them are fixed for the executor's lifetime.
type ExecutorConfig struct {
	AckTimeout               time.Duration
	SlowTaskLoggingThreshold time.Duration
	ShutdownGrace            time.Duration
}

// Executor is the single-threaded cooperative scheduler described by the
// package: one goroutine dequeues (Priority, insertionOrder)-ordered work
// and runs each task's full pipeline to completion before starting the
// next.
type Executor struct {
	lock  sync.Mutex
	queue priorityQueue
	seq   int64
	cond  *sync.Cond

	snapshot atomicState

	transport Transport
	discovery Discovery
	store     MetadataStore
	listeners *Registry
	pools     *workerpool.Registry

	started common.AtomicBool
	stopCh  chan struct{}
	doneCh  chan struct{}

	ackTimeout      time.Duration
	slowThreshold   time.Duration
	shutdownGrace   time.Duration

	tasksTotal       metrics.Counter
	slowTasksTotal   metrics.Counter
	ackTimeoutsTotal metrics.Counter
}

// atomicState is a small mutex-guarded box around the current ClusterState,
// the Snapshot Store of §4.1: readers get a consistent snapshot without
// blocking the executor's writer.
type atomicState struct {
	lock  sync.RWMutex
	value ClusterState
}

func (s *atomicState) Load() ClusterState {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.value
}

func (s *atomicState) Store(v ClusterState) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.value = v
}

// NewExecutor builds an Executor over the given collaborators. initial is
// the state the snapshot store holds before the first task ever runs.
func NewExecutor(initial ClusterState, transport Transport, discovery Discovery, store MetadataStore, listeners *Registry, pools *workerpool.Registry, cfg ExecutorConfig, factory metrics.Factory) (*Executor, error) {
	e := &Executor{
		transport:     transport,
		discovery:     discovery,
		store:         store,
		listeners:     listeners,
		pools:         pools,
		ackTimeout:    cfg.AckTimeout,
		slowThreshold: cfg.SlowTaskLoggingThreshold,
		shutdownGrace: cfg.ShutdownGrace,
	}
	e.cond = sync.NewCond(&e.lock)
	e.snapshot.Store(initial)

	if factory != nil {
		var err error
		if e.tasksTotal, err = factory.CreateCounter("cluster_service_tasks_total", "total update tasks executed"); err != nil {
			return nil, err
		}
		if e.slowTasksTotal, err = factory.CreateCounter("cluster_service_slow_tasks_total", "update tasks that exceeded the slow-task threshold"); err != nil {
			return nil, err
		}
		if e.ackTimeoutsTotal, err = factory.CreateCounter("cluster_service_ack_timeouts_total", "acked tasks that timed out waiting for node acknowledgements"); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Start begins the executor's run loop. It is idempotent-unsafe by design:
// calling it twice is a programmer error the caller must guard against.
func (e *Executor) Start() {
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.started.Set(true)
	go e.run()
}

// Stop signals the run loop to drain and exit, waiting up to the
// configured grace period for the currently-running task (if any) and the
// queue to empty.
func (e *Executor) Stop() {
	e.started.Set(false)
	close(e.stopCh)
	e.lock.Lock()
	e.cond.Broadcast()
	e.lock.Unlock()
	select {
	case <-e.doneCh:
	case <-time.After(e.shutdownGrace):
		log.Warn("update executor did not stop within grace period")
	}
	e.listeners.Shutdown()
}

// Snapshot returns the executor's currently installed ClusterState.
func (e *Executor) Snapshot() ClusterState {
	return e.snapshot.Load()
}

// Submit enqueues an UpdateTask. Submissions after Stop are silently
// swallowed, matching the rejection semantics of §4.5.
func (e *Executor) Submit(task UpdateTask) {
	e.enqueue(&queueEntry{task: task})
}

// submitInternal enqueues an executor-internal function, used for the
// CAS-replay resubmission hook.
func (e *Executor) submitInternal(source string, priority Priority, fn func(prev ClusterState) (ClusterState, error)) {
	e.enqueue(&queueEntry{internalFn: &internalFunc{source: source, priority: priority, fn: fn}})
}

func (e *Executor) enqueue(entry *queueEntry) {
	if !e.started.Get() {
		return
	}
	entry.submittedAt = time.Now()

	e.lock.Lock()
	e.seq++
	entry.seq = e.seq
	if entry.task != nil && entry.task.Timeout() > 0 {
		to := entry.task.Timeout()
		entry.timeoutTimer = time.AfterFunc(to, func() {
			e.onEntryTimeout(entry)
		})
	}
	heap.Push(&e.queue, entry)
	e.cond.Signal()
	e.lock.Unlock()
}

// onEntryTimeout fires task.OnFailure on a generic worker if the entry
// hasn't started executing by the time its timeout elapses; once dequeued
// for execution the timer is stopped and this becomes a no-op.
func (e *Executor) onEntryTimeout(entry *queueEntry) {
	e.lock.Lock()
	if entry.timedOut {
		e.lock.Unlock()
		return
	}
	idx := e.queue.indexOf(entry)
	if idx < 0 {
		// already dequeued for execution
		e.lock.Unlock()
		return
	}
	heap.Remove(&e.queue, idx)
	entry.timedOut = true
	e.lock.Unlock()

	e.pools.Generic().Submit(func() {
		entry.task.OnFailure(entry.task.Source(), errors.NewTimeoutError(entry.task.Source()+" timed out waiting in queue"))
	})
}

func (e *Executor) run() {
	defer close(e.doneCh)
	for {
		entry, ok := e.dequeue()
		if !ok {
			return
		}
		e.process(entry)
	}
}

// dequeue blocks until either an entry is available or Stop has been
// called and the queue has drained.
func (e *Executor) dequeue() (*queueEntry, bool) {
	e.lock.Lock()
	defer e.lock.Unlock()
	for e.queue.Len() == 0 {
		select {
		case <-e.stopCh:
			return nil, false
		default:
		}
		if !e.started.Get() && e.queue.Len() == 0 {
			return nil, false
		}
		e.cond.Wait()
	}
	entry := heap.Pop(&e.queue).(*queueEntry)
	if entry.timeoutTimer != nil {
		entry.timeoutTimer.Stop()
	}
	return entry, true
}

// process runs the exact per-task pipeline: guard, execute, serialise and
// compare metadata, no-change fast path, apply, connect, install, ack,
// pre-applied notify, disconnect, post-applied notify, completion, slow-task
// log.
// onUpdateThread is true only while process is running the current entry's
// pipeline; AssertOnUpdateThread reads it.
var onUpdateThread common.AtomicBool

func (e *Executor) process(entry *queueEntry) {
	onUpdateThread.Set(true)
	defer onUpdateThread.Set(false)

	start := time.Now()
	source := entry.source()

	// 1. Guard.
	if !e.started.Get() {
		log.Debugf("update executor stopped, dropping task %s", source)
		return
	}

	prev := e.snapshot.Load()

	var next ClusterState
	var err error
	if entry.task != nil {
		next, err = entry.task.Execute(prev)
	} else {
		next, err = entry.internalFn.fn(prev)
	}

	if e.tasksTotal != nil {
		e.tasksTotal.Inc()
	}

	// 2. Execute error path.
	if err != nil {
		e.logSlowIfNeeded(source, start)
		if entry.task != nil {
			entry.task.OnFailure(source, err)
		} else {
			log.Warnf("internal task %s failed: %v", source, err)
		}
		return
	}

	// 3. Serialise and compare metadata; persist through CAS if changed.
	metaChanged, err := MetaDataChanged(prev, next)
	if err != nil {
		e.logSlowIfNeeded(source, start)
		if entry.task != nil {
			entry.task.OnFailure(source, err)
		}
		return
	}

	mustPersist := metaChanged && !next.Blocks.DisablesStatePersistence() && (entry.task == nil || entry.task.DoPersistMetaData())
	if mustPersist {
		next.Metadata = next.Metadata.WithVersion(next.Metadata.Version + 1)
		next.Version++

		persistErr := e.store.PersistMetaData(prev.Metadata, next.Metadata, source)
		if persistErr != nil {
			if errors.IsConcurrentUpdate(persistErr) {
				e.registerCasReplay(entry, source)
				return
			}
			e.logSlowIfNeeded(source, start)
			if entry.task != nil {
				entry.task.OnFailure(source, persistErr)
			}
			return
		}
	}

	// 4. No-change fast path.
	if sameState(prev, next) {
		e.completeNoChange(entry, source, prev, next)
		e.logSlowIfNeeded(source, start)
		return
	}

	// 5. Apply: mark being-applied, compute node delta.
	next.Status = StatusBeingApplied
	delta := Delta(prev.Nodes, next.Nodes)

	// 6. Connect added nodes.
	for _, node := range delta.Added {
		if e.transport == nil {
			continue
		}
		if err := e.transport.ConnectToNode(node); err != nil {
			log.Warnf("failed to connect to added node %s: %v", node, err)
		}
	}

	// 7. Install snapshot, publish through gossip.
	e.snapshot.Store(next)
	if e.discovery != nil {
		if err := e.discovery.Publish(next); err != nil {
			log.Warnf("failed to publish cluster state from task %s: %v", source, err)
		}
	}

	// 8. Ack setup.
	e.runAckPhase(entry, source, next)

	// 9. Pre-applied notifications.
	event := ClusterChangedEvent{Source: source, Previous: prev, State: next}
	e.listeners.NotifyPreApplied(event, e.onListenerPanic)

	// 10. Disconnect removed nodes.
	for _, node := range delta.Removed {
		if e.transport == nil {
			continue
		}
		if err := e.transport.DisconnectFromNode(node); err != nil {
			log.Warnf("failed to disconnect removed node %s: %v", node, err)
		}
	}

	// 11. Status applied; post-applied notifications.
	next.Status = StatusApplied
	e.snapshot.Store(next)
	postEvent := ClusterChangedEvent{Source: source, Previous: prev, State: next}
	e.listeners.NotifyPostApplied(postEvent, e.onListenerPanic)

	// 12. Completion callbacks.
	if entry.task != nil && entry.task.Processed() {
		entry.task.ClusterStateProcessed(source, prev, next)
	}

	// 13. Slow-task log.
	e.logSlowIfNeeded(source, start)
}

func sameState(prev, next ClusterState) bool {
	return reflect.DeepEqual(prev, next)
}

func (e *Executor) completeNoChange(entry *queueEntry, source string, prev, next ClusterState) {
	if entry.task == nil {
		return
	}
	if entry.task.Acked() {
		entry.task.OnAllNodesAcked(nil)
	}
	if entry.task.Processed() {
		entry.task.ClusterStateProcessed(source, prev, next)
	}
}

// runAckPhase implements step 8: cooperative in-line wait on the update
// thread when the task wants coordinator-driven or version-await
// acknowledgement over more than one node, otherwise an immediate ack.
func (e *Executor) runAckPhase(entry *queueEntry, source string, next ClusterState) {
	if entry.task == nil || !entry.task.Acked() {
		return
	}
	task := entry.task
	if !task.MustApplyMetaData() || len(next.Nodes.Nodes) <= 1 {
		task.OnAllNodesAcked(nil)
		return
	}

	timeout := task.AckTimeout()
	if timeout <= 0 {
		timeout = e.ackTimeout
	}

	switch task.AckMode() {
	case AckModeAwaitMetaDataVersion:
		if e.discovery == nil {
			task.OnAllNodesAcked(nil)
			return
		}
		if e.discovery.AwaitMetaDataVersion(next.Metadata.Version, timeout) {
			task.OnAllNodesAcked(nil)
		} else {
			log.Warnf("task %s timed out waiting for metadata version %d to be acked", source, next.Metadata.Version)
			e.incAckTimeout()
			task.OnAckTimeout()
		}
	default:
		e.runAckCountdown(task, next, timeout)
	}
}

func (e *Executor) incAckTimeout() {
	if e.ackTimeoutsTotal != nil {
		e.ackTimeoutsTotal.Inc()
	}
}

// runAckCountdown blocks the update goroutine on an AckCountdown fed by
// gossip node-ack callbacks, matching the "cooperatively on the update
// thread" wording of §4.5 step 8.
func (e *Executor) runAckCountdown(task UpdateTask, next ClusterState, timeout time.Duration) {
	done := make(chan struct{})
	listener := &inlineAckListener{task: task, done: done, executor: e}

	requiredSet := make(map[string]struct{})
	if next.Nodes.HasMaster() {
		// The master's ack is always awaited, even if the task's own
		// MustAck deselects it, since a state the master itself never
		// applied can't be relied on to keep coordinating correctly.
		requiredSet[next.Nodes.MasterID] = struct{}{}
	}
	for _, node := range next.Nodes.Nodes {
		if task.MustAck(node) {
			requiredSet[node.ID] = struct{}{}
		}
	}
	required := make([]string, 0, len(requiredSet))
	for id := range requiredSet {
		required = append(required, id)
	}

	countdown := NewAckCountdown(e.pools.Generic(), required, timeout, listener)
	if e.discovery != nil {
		unregister := e.discovery.RegisterAckSink(next.Metadata.Version, countdown)
		defer unregister()
	}

	<-done
}

type inlineAckListener struct {
	task     UpdateTask
	done     chan struct{}
	once     sync.Once
	executor *Executor
}

func (l *inlineAckListener) OnAllNodesAcked(err error) {
	l.once.Do(func() {
		l.task.OnAllNodesAcked(err)
		close(l.done)
	})
}

func (l *inlineAckListener) OnAckTimeout() {
	l.once.Do(func() {
		if l.executor != nil {
			l.executor.incAckTimeout()
		}
		l.task.OnAckTimeout()
		close(l.done)
	})
}

// registerCasReplay implements step 3c: a one-shot priority-band listener
// that resubmits the same entry with URGENT priority the next time metadata
// actually changes, then removes itself.
func (e *Executor) registerCasReplay(entry *queueEntry, source string) {
	var l *casReplayListener
	l = &casReplayListener{
		executor: e,
		remove:   func() { e.listeners.Remove(l) },
		resubmit: func() {
			if entry.task != nil {
				e.enqueue(&queueEntry{task: urgentWrapper{entry.task}})
			} else {
				e.submitInternal(entry.internalFn.source, PriorityUrgent, entry.internalFn.fn)
			}
		},
	}
	e.listeners.AddFirst(l)
}

type casReplayListener struct {
	executor *Executor
	remove   func()
	resubmit func()
	fired    sync.Once
}

func (l *casReplayListener) ClusterChanged(event ClusterChangedEvent) {
	if !event.MetaDataChanged() {
		return
	}
	l.fired.Do(func() {
		l.remove()
		l.resubmit()
	})
}

// urgentWrapper forces a task's priority to URGENT for the CAS-replay
// resubmission without disturbing the task's own reported priority for any
// other purpose.
type urgentWrapper struct {
	UpdateTask
}

func (urgentWrapper) Priority() Priority { return PriorityUrgent }

func (e *Executor) onListenerPanic(l ClusterStateListener, r interface{}) {
	log.Errorf("cluster state listener panicked: %v", r)
}

func (e *Executor) logSlowIfNeeded(source string, start time.Time) {
	elapsed := time.Since(start)
	if elapsed < e.slowThreshold {
		return
	}
	if e.slowTasksTotal != nil {
		e.slowTasksTotal.Inc()
	}
	log.Warnf("task %s took %s to execute, exceeding slow-task threshold %s", source, elapsed, e.slowThreshold)
}

// priorityQueue is a container/heap.Interface over queueEntry pointers,
// ordered by (Priority, insertionOrder) with FIFO tie-break as required by
// §4.5.
type priorityQueue []*queueEntry

func (q priorityQueue) Len() int { return len(q) }

func (q priorityQueue) Less(i, j int) bool {
	pi, pj := q[i].priority(), q[j].priority()
	if pi != pj {
		return pi < pj
	}
	return q[i].seq < q[j].seq
}

func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *priorityQueue) Push(x interface{}) {
	*q = append(*q, x.(*queueEntry))
}

func (q *priorityQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func (q priorityQueue) indexOf(entry *queueEntry) int {
	for i, e := range q {
		if e == entry {
			return i
		}
	}
	return -1
}

// PendingEntry describes one queued-but-not-yet-executing task for
// introspection.
type PendingEntry struct {
	Source      string
	Priority    Priority
	SubmittedAt time.Time
	Waited      time.Duration
}

// PendingTasks returns a snapshot of the queue's contents, source and
// priority annotated per entry, without disturbing queue order.
func (e *Executor) PendingTasks() []PendingEntry {
	e.lock.Lock()
	defer e.lock.Unlock()
	now := time.Now()
	out := make([]PendingEntry, 0, len(e.queue))
	for _, entry := range e.queue {
		out = append(out, PendingEntry{
			Source:      pendingSourceName(entry),
			Priority:    entry.priority(),
			SubmittedAt: entry.submittedAt,
			Waited:      now.Sub(entry.submittedAt),
		})
	}
	return out
}

// NumberOfPendingTasks reports the queue depth.
func (e *Executor) NumberOfPendingTasks() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.queue)
}

// MaxTaskWaitTime reports how long the longest-waiting queued task has been
// sitting in the queue, or zero if the queue is empty.
func (e *Executor) MaxTaskWaitTime() time.Duration {
	e.lock.Lock()
	defer e.lock.Unlock()
	if len(e.queue) == 0 {
		return 0
	}
	now := time.Now()
	var max time.Duration
	for _, entry := range e.queue {
		if w := now.Sub(entry.submittedAt); w > max {
			max = w
		}
	}
	return max
}

func pendingSourceName(entry *queueEntry) string {
	source := entry.source()
	if source != "" {
		return source
	}
	if entry.task != nil {
		return "unknown[" + typeName(entry.task) + "]"
	}
	return "unknown[internal]"
}

func typeName(v interface{}) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "nil"
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
