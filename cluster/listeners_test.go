package cluster_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ringlabs/ringcoord/cluster"
	"github.com/ringlabs/ringcoord/internal/workerpool"
)

type recordingListener struct {
	mu     sync.Mutex
	events []cluster.ClusterChangedEvent
}

func (l *recordingListener) ClusterChanged(event cluster.ClusterChangedEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

type panickyListener struct{}

func (panickyListener) ClusterChanged(cluster.ClusterChangedEvent) {
	panic("boom")
}

func TestNotifyPreAppliedOrdersBandsAndIsolatesPanics(t *testing.T) {
	pool := workerpool.New(2)
	t.Cleanup(pool.Stop)
	registry := cluster.NewRegistry(pool)

	var mu sync.Mutex
	var order []string
	mark := func(name string) *markingListener {
		return &markingListener{name: name, mu: &mu, order: &order}
	}

	registry.Add(mark("normal"))
	registry.AddFirst(mark("priority"))
	registry.AddLast(mark("last"))
	registry.AddFirst(panickyListener{})

	panicked := 0
	registry.NotifyPreApplied(cluster.ClusterChangedEvent{Source: "t"}, func(l cluster.ClusterStateListener, r interface{}) {
		panicked++
	})

	require.Equal(t, 1, panicked)
	require.Equal(t, []string{"priority", "normal", "last"}, order)
}

type markingListener struct {
	name  string
	mu    *sync.Mutex
	order *[]string
}

func (m *markingListener) ClusterChanged(cluster.ClusterChangedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.order = append(*m.order, m.name)
}

type timeoutListener struct {
	mu          sync.Mutex
	notified    bool
	timedOut    bool
	closed      bool
	notifyCh    chan struct{}
	timeoutCh   chan struct{}
	closeCh     chan struct{}
}

func newTimeoutListener() *timeoutListener {
	return &timeoutListener{
		notifyCh:  make(chan struct{}, 1),
		timeoutCh: make(chan struct{}, 1),
		closeCh:   make(chan struct{}, 1),
	}
}

func (l *timeoutListener) ClusterChanged(cluster.ClusterChangedEvent) {
	l.mu.Lock()
	l.notified = true
	l.mu.Unlock()
	l.notifyCh <- struct{}{}
}

func (l *timeoutListener) OnTimeout(time.Duration) {
	l.mu.Lock()
	l.timedOut = true
	l.mu.Unlock()
	l.timeoutCh <- struct{}{}
}

func (l *timeoutListener) OnClose() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.closeCh <- struct{}{}
}

func TestAddWithTimeoutFiresOnTimeoutWhenNeverNotified(t *testing.T) {
	svc, _ := newTestService(t)
	l := newTimeoutListener()
	svc.AddListenerWithTimeout(30*time.Millisecond, l)

	select {
	case <-l.timeoutCh:
	case <-time.After(time.Second):
		t.Fatal("listener never timed out")
	}
	select {
	case <-l.notifyCh:
		t.Fatal("listener should not have been notified")
	default:
	}
}

func TestAddWithTimeoutSkipsTimeoutOnceNotified(t *testing.T) {
	svc, _ := newTestService(t)
	l := newTimeoutListener()
	svc.AddListenerWithTimeout(200*time.Millisecond, l)

	// Force a notification before the timeout fires.
	svc.Submit(&bumpTask{name: "bump-x", priority: cluster.PriorityNormal, indexName: "x"})

	select {
	case <-l.notifyCh:
	case <-time.After(time.Second):
		t.Fatal("listener was never notified")
	}

	select {
	case <-l.timeoutCh:
		t.Fatal("timeout should have been cancelled by notification")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestServiceStopDeliversOnCloseExactlyOnceToOutstandingTimeouts(t *testing.T) {
	svc, _ := newTestService(t)

	l := newTimeoutListener()
	svc.AddListenerWithTimeout(time.Hour, l)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, svc.Stop())
	// Second Stop is a documented no-op; must not deliver OnClose again.
	require.NoError(t, svc.Stop())

	select {
	case <-l.closeCh:
	default:
		t.Fatal("OnClose was never delivered")
	}
	select {
	case <-l.closeCh:
		t.Fatal("OnClose delivered more than once")
	default:
	}
}
