// Package workerpool provides small named goroutine pools used to run
// callbacks off the single update-executor thread: master-role dispatch,
// per-task timeout callbacks, and the reconnect loop all borrow a pool from
// here rather than spawning a bare goroutine per call.
package workerpool

import (
	"sync"
	"time"
)

// Pool runs submitted functions on a small number of long-lived goroutines.
// It is deliberately simple - callers never depend on ordering between
// submissions, only that each one eventually runs on some goroutine that
// isn't the caller's.
type Pool struct {
	workCh chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New starts a pool with the given number of worker goroutines.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		workCh: make(chan func(), 256),
		stopCh: make(chan struct{}),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case fn := <-p.workCh:
			fn()
		case <-p.stopCh:
			return
		}
	}
}

// Submit runs fn on one of the pool's goroutines. It never blocks the caller
// on fn's completion.
func (p *Pool) Submit(fn func()) {
	select {
	case p.workCh <- fn:
	case <-p.stopCh:
	}
}

// Schedule runs fn on the pool after delay has elapsed, unless the pool is
// stopped first. It returns a handle that can cancel the pending call.
func (p *Pool) Schedule(delay time.Duration, fn func()) *ScheduledCall {
	sc := &ScheduledCall{}
	sc.timer = time.AfterFunc(delay, func() {
		if sc.cancelled.Get() {
			return
		}
		p.Submit(fn)
	})
	return sc
}

// Stop signals all workers to exit and waits for them to drain. Work already
// handed to a worker completes; queued-but-unstarted work is dropped.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// ScheduledCall is a cancellable handle returned by Pool.Schedule.
type ScheduledCall struct {
	timer     *time.Timer
	cancelled atomicBool
}

// Cancel prevents the scheduled call from running if it hasn't already
// fired. It is safe to call more than once.
func (sc *ScheduledCall) Cancel() bool {
	sc.cancelled.Set(true)
	return sc.timer.Stop()
}

type atomicBool struct {
	mu  sync.Mutex
	val bool
}

func (a *atomicBool) Get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.val
}

func (a *atomicBool) Set(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.val = v
}

// Registry hands out the named pools the coordination service addresses by
// name, mirroring a thread pool that exposes generic(), scheduler() and
// executor(name) accessors.
type Registry struct {
	lock  sync.Mutex
	named map[string]*Pool
	generic *Pool
}

func NewRegistry() *Registry {
	return &Registry{
		named:   make(map[string]*Pool),
		generic: New(4),
	}
}

// Generic returns the shared pool used for reconnect ticks, per-task
// timeout callbacks and other work with no natural named home.
func (r *Registry) Generic() *Pool {
	return r.generic
}

// Executor returns (creating if necessary) the named pool a role listener
// requested via ExecutorName().
func (r *Registry) Executor(name string) *Pool {
	if name == "" {
		return r.generic
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	p, ok := r.named[name]
	if !ok {
		p = New(2)
		r.named[name] = p
	}
	return p
}

// Stop shuts down every pool handed out by this registry.
func (r *Registry) Stop() {
	r.lock.Lock()
	pools := make([]*Pool, 0, len(r.named))
	for _, p := range r.named {
		pools = append(pools, p)
	}
	r.lock.Unlock()
	for _, p := range pools {
		p.Stop()
	}
	r.generic.Stop()
}
