package cluster

import (
	"sync"
	"time"

	"github.com/ringlabs/ringcoord/common"
	"github.com/ringlabs/ringcoord/internal/workerpool"
)

// ClusterChangedEvent is delivered to every notified listener for one
// successful state transition.
type ClusterChangedEvent struct {
	Source   string
	Previous ClusterState
	State    ClusterState
}

func (e ClusterChangedEvent) LocalNodeIsMaster() bool {
	return e.State.Nodes.LocalNodeIsMaster()
}

func (e ClusterChangedEvent) MetaDataChanged() bool {
	changed, err := MetaDataChanged(e.Previous, e.State)
	if err != nil {
		// Encoding MetaData never legitimately fails for the shapes this
		// package produces; treat it as "changed" so callers relying on
		// this for CAS-replay triggers err on the side of retrying.
		return true
	}
	return changed
}

func (e ClusterChangedEvent) NodesDelta() NodesDelta {
	return Delta(e.Previous.Nodes, e.State.Nodes)
}

// ClusterStateListener is notified once per successful apply, in the band it
// was registered into.
type ClusterStateListener interface {
	ClusterChanged(event ClusterChangedEvent)
}

// TimeoutClusterStateListener additionally wants to know if it never got
// notified before its deadline, or that the service shut down before either
// happened.
type TimeoutClusterStateListener interface {
	ClusterStateListener
	OnTimeout(timeout time.Duration)
	OnClose()
}

type timeoutEntry struct {
	listener     TimeoutClusterStateListener
	timeout      time.Duration
	scheduled    *workerpool.ScheduledCall
	fired        atomicOnce
	// notified is set once the listener has received a ClusterChanged call;
	// it suppresses OnTimeout but leaves OnClose to be delivered at shutdown.
	notified common.AtomicBool
}

// atomicOnce guards a callback so it runs at most once even if notification
// and timeout race.
type atomicOnce struct {
	mu   sync.Mutex
	done bool
}

func (o *atomicOnce) do(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return
	}
	o.done = true
	fn()
}

// band is a copy-on-write ordered list of listeners: writers copy the whole
// slice under lock, readers take a stable snapshot without holding it,
// giving snapshot-on-iterate semantics during notification.
type band struct {
	lock      sync.Mutex
	listeners []ClusterStateListener
}

func (b *band) snapshot() []ClusterStateListener {
	b.lock.Lock()
	defer b.lock.Unlock()
	out := make([]ClusterStateListener, len(b.listeners))
	copy(out, b.listeners)
	return out
}

// addFirst adds l to the band. Despite the name (kept for symmetry with
// AddFirst/the priority band it backs), insertion order within a band is
// preserved, so this appends exactly like addLast - "first" refers to the
// band's place in notification order, not position within it.
func (b *band) addFirst(l ClusterStateListener) {
	b.addLast(l)
}

func (b *band) addLast(l ClusterStateListener) {
	b.lock.Lock()
	defer b.lock.Unlock()
	next := make([]ClusterStateListener, len(b.listeners), len(b.listeners)+1)
	copy(next, b.listeners)
	b.listeners = append(next, l)
}

func (b *band) remove(l ClusterStateListener) {
	b.lock.Lock()
	defer b.lock.Unlock()
	next := make([]ClusterStateListener, 0, len(b.listeners))
	for _, existing := range b.listeners {
		if existing != l {
			next = append(next, existing)
		}
	}
	b.listeners = next
}

// Registry holds the four notification bands and the set of outstanding
// timeout listeners. Reads (notification) never block writers and vice
// versa beyond the brief copy-on-write critical section.
type Registry struct {
	priority     band
	normal       band
	last         band
	postApplied  band

	timeoutLock sync.Mutex
	timeouts    map[TimeoutClusterStateListener]*timeoutEntry

	pool *workerpool.Pool
	// submit lets addWithTimeout post the HIGH-priority registration task
	// onto the update executor, set once by the owning Service.
	submit func(UpdateTask)
}

func NewRegistry(pool *workerpool.Pool) *Registry {
	return &Registry{
		timeouts: make(map[TimeoutClusterStateListener]*timeoutEntry),
		pool:     pool,
	}
}

// bindSubmit wires the registry to the executor's submission entry point;
// called once during Service construction.
func (r *Registry) bindSubmit(submit func(UpdateTask)) {
	r.submit = submit
}

func (r *Registry) AddFirst(l ClusterStateListener) { r.priority.addFirst(l) }
func (r *Registry) Add(l ClusterStateListener)       { r.normal.addLast(l) }
func (r *Registry) AddLast(l ClusterStateListener)   { r.last.addLast(l) }
func (r *Registry) AddPostApplied(l ClusterStateListener) { r.postApplied.addLast(l) }

func (r *Registry) Remove(l ClusterStateListener) {
	r.priority.remove(l)
	r.normal.remove(l)
	r.last.remove(l)
	r.postApplied.remove(l)
	if tl, ok := l.(TimeoutClusterStateListener); ok {
		r.timeoutLock.Lock()
		entry, ok := r.timeouts[tl]
		delete(r.timeouts, tl)
		r.timeoutLock.Unlock()
		if ok && entry.scheduled != nil {
			entry.scheduled.Cancel()
		}
	}
}

// addWithTimeoutTask is the HIGH-priority internal task addWithTimeout
// submits onto the update executor so registration happens on the
// coordination thread, matching §4.2's contract.
type addWithTimeoutTask struct {
	BaseTask
	registry *Registry
	listener TimeoutClusterStateListener
	timeout  time.Duration
}

func (t *addWithTimeoutTask) Source() string     { return "add-listener-with-timeout" }
func (t *addWithTimeoutTask) Priority() Priority { return PriorityHigh }

func (t *addWithTimeoutTask) Execute(prev ClusterState) (ClusterState, error) {
	t.registry.postApplied.addLast(t.listener)

	entry := &timeoutEntry{listener: t.listener, timeout: t.timeout}
	t.registry.timeoutLock.Lock()
	t.registry.timeouts[t.listener] = entry
	t.registry.timeoutLock.Unlock()

	if t.timeout > 0 {
		entry.scheduled = t.registry.pool.Schedule(t.timeout, func() {
			if entry.notified.Get() {
				return
			}
			entry.fired.do(func() {
				t.registry.timeoutLock.Lock()
				delete(t.registry.timeouts, t.listener)
				t.registry.timeoutLock.Unlock()
				t.listener.OnTimeout(t.timeout)
			})
		})
	}
	t.registry.postAdded(t.listener)
	return prev, nil
}

// postAdded is called once, on the update thread, right after a
// timeout-tracked listener is inserted.
func (r *Registry) postAdded(TimeoutClusterStateListener) {}

// AddWithTimeout submits a HIGH-priority registration task so the listener
// is inserted from the update executor's own goroutine, then arms a delayed
// timer that fires OnTimeout if no notification claims the listener first.
func (r *Registry) AddWithTimeout(timeout time.Duration, l TimeoutClusterStateListener) {
	r.submit(&addWithTimeoutTask{registry: r, listener: l, timeout: timeout})
}

// markNotified cancels a listener's pending timeout the moment it actually
// gets a ClusterChanged call, so a slow-to-fire timer never races a real
// notification.
func (r *Registry) markNotified(l ClusterStateListener) {
	tl, ok := l.(TimeoutClusterStateListener)
	if !ok {
		return
	}
	r.timeoutLock.Lock()
	entry, ok := r.timeouts[tl]
	r.timeoutLock.Unlock()
	if !ok {
		return
	}
	entry.notified.Set(true)
	if entry.scheduled != nil {
		entry.scheduled.Cancel()
	}
}

// notifyBand fires ClusterChanged for every listener in a snapshot taken at
// the start of this call, so a concurrent remove never skips an in-flight
// notification and a listener added mid-notification only sees the next
// event.
func notifyBand(b *band, event ClusterChangedEvent, onPanic func(listener ClusterStateListener, r interface{})) {
	for _, l := range b.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil && onPanic != nil {
					onPanic(l, r)
				}
			}()
			l.ClusterChanged(event)
		}()
	}
}

// NotifyPreApplied fires the priority, normal and last bands in order.
func (r *Registry) NotifyPreApplied(event ClusterChangedEvent, onPanic func(ClusterStateListener, interface{})) {
	notifyBand(&r.priority, event, onPanic)
	notifyBand(&r.normal, event, onPanic)
	notifyBand(&r.last, event, onPanic)
	for _, l := range r.priority.snapshot() {
		r.markNotified(l)
	}
	for _, l := range r.normal.snapshot() {
		r.markNotified(l)
	}
	for _, l := range r.last.snapshot() {
		r.markNotified(l)
	}
}

// NotifyPostApplied fires the post-applied band, after transport disconnects
// have been processed.
func (r *Registry) NotifyPostApplied(event ClusterChangedEvent, onPanic func(ClusterStateListener, interface{})) {
	notifyBand(&r.postApplied, event, onPanic)
	for _, l := range r.postApplied.snapshot() {
		r.markNotified(l)
	}
}

// Shutdown delivers OnClose exactly once to every timeout listener still
// tracked, cancelling any timer that hasn't fired yet.
func (r *Registry) Shutdown() {
	r.timeoutLock.Lock()
	entries := make([]*timeoutEntry, 0, len(r.timeouts))
	for _, e := range r.timeouts {
		entries = append(entries, e)
	}
	r.timeouts = make(map[TimeoutClusterStateListener]*timeoutEntry)
	r.timeoutLock.Unlock()

	for _, entry := range entries {
		entry.fired.do(func() {
			if entry.scheduled != nil {
				entry.scheduled.Cancel()
			}
			entry.listener.OnClose()
		})
	}
}
