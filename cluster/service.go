package cluster

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ringlabs/ringcoord/common"
	"github.com/ringlabs/ringcoord/conf"
	"github.com/ringlabs/ringcoord/errors"
	"github.com/ringlabs/ringcoord/internal/workerpool"
	"github.com/ringlabs/ringcoord/metrics"
)

// Service is the single top-level object a process constructs: it owns the
// executor, listener registry, master-role watcher and reconnect loop, and
// is the only thing external packages (gossip handlers, transport,
// lifecycle probes) need a reference to.
type Service struct {
	lock sync.Mutex

	cfg   conf.Config
	local DiscoveryNode

	executor *Executor
	registry *Registry
	master   *MasterRoleWatcher
	reconnect *ReconnectLoop
	pools    *workerpool.Registry

	transport Transport
	discovery Discovery
	store     MetadataStore

	started common.AtomicBool
}

// NewService wires an Executor, Registry, MasterRoleWatcher and
// ReconnectLoop around the given collaborators. The returned Service is not
// started.
func NewService(cfg conf.Config, local DiscoveryNode, initial ClusterState, transport Transport, discovery Discovery, store MetadataStore, factory metrics.Factory) (*Service, error) {
	pools := workerpool.NewRegistry()
	registry := NewRegistry(pools.Generic())

	execCfg := ExecutorConfig{
		AckTimeout:               cfg.AckTimeout,
		SlowTaskLoggingThreshold: cfg.SlowTaskLoggingThreshold,
		ShutdownGrace:            10 * time.Second,
	}
	executor, err := NewExecutor(initial, transport, discovery, store, registry, pools, execCfg, factory)
	if err != nil {
		return nil, err
	}
	registry.bindSubmit(executor.Submit)

	master := NewMasterRoleWatcher(pools)
	registry.AddFirst(master)

	policy := func(node DiscoveryNode) bool { return node.ID != local.ID }
	reconnect, err := NewReconnectLoop(executor, transport, policy, pools.Generic(), cfg.ReconnectInterval, factory)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:       cfg,
		local:     local,
		executor:  executor,
		registry:  registry,
		master:    master,
		reconnect: reconnect,
		pools:     pools,
		transport: transport,
		discovery: discovery,
		store:     store,
	}, nil
}

// Start brings the executor, reconnect loop and master watcher online. It
// returns errors.AlreadyStarted if called twice.
func (s *Service) Start() error {
	if !s.started.CompareAndSet(false, true) {
		return errors.NewAlreadyStartedError()
	}
	s.executor.Start()
	s.reconnect.Start()
	log.Infof("cluster coordination service started for node %s in cluster %s", s.local, s.cfg.ClusterName)
	return nil
}

// Stop tears everything down in reverse order, tolerating being called
// before Start (a no-op) or twice (the second call is a no-op).
func (s *Service) Stop() error {
	if !s.started.CompareAndSet(true, false) {
		return nil
	}
	s.reconnect.Stop()
	s.executor.Stop()
	s.pools.Stop()
	log.Infof("cluster coordination service stopped for node %s", s.local)
	return nil
}

// ApplySettings copies the two hot-reloadable knobs (reconnect interval,
// slow-task logging threshold) into the service's config via
// conf.Config.ApplySettings and hands the new reconnect interval to the
// reconnect loop, without restarting anything. The executor keeps the
// slow-task threshold it was constructed with, so a refreshed threshold does
// not change which tasks are logged as slow.
func (s *Service) ApplySettings(next conf.Config) {
	s.lock.Lock()
	s.cfg.ApplySettings(next)
	interval := s.cfg.ReconnectInterval
	s.lock.Unlock()

	s.reconnect.ApplyInterval(interval)
}

// Submit hands an UpdateTask to the executor. Submissions before Start or
// after Stop are silently swallowed per §4.5's rejection semantics.
func (s *Service) Submit(task UpdateTask) {
	s.executor.Submit(task)
}

// Snapshot returns the currently applied ClusterState.
func (s *Service) Snapshot() ClusterState {
	return s.executor.Snapshot()
}

// AddListener registers l in the normal pre-applied band.
func (s *Service) AddListener(l ClusterStateListener) { s.registry.Add(l) }

// AddFirstListener registers l in the priority pre-applied band.
func (s *Service) AddFirstListener(l ClusterStateListener) { s.registry.AddFirst(l) }

// AddLastListener registers l in the last pre-applied band.
func (s *Service) AddLastListener(l ClusterStateListener) { s.registry.AddLast(l) }

// AddPostAppliedListener registers l in the post-applied band.
func (s *Service) AddPostAppliedListener(l ClusterStateListener) { s.registry.AddPostApplied(l) }

// AddListenerWithTimeout registers a timeout-tracked listener from the
// update executor's own goroutine.
func (s *Service) AddListenerWithTimeout(timeout time.Duration, l TimeoutClusterStateListener) {
	s.registry.AddWithTimeout(timeout, l)
}

// RemoveListener unregisters l from every band it may be in.
func (s *Service) RemoveListener(l ClusterStateListener) { s.registry.Remove(l) }

// AddRoleListener registers l with the master-role watcher, delivering its
// current role state immediately.
func (s *Service) AddRoleListener(l RoleListener) { s.master.AddListener(l) }

// RemoveRoleListener unregisters l from the master-role watcher.
func (s *Service) RemoveRoleListener(l RoleListener) { s.master.RemoveListener(l) }

// IsMaster reports whether the local node currently believes itself master.
func (s *Service) IsMaster() bool { return s.master.IsMaster() }

// LocalNode returns the identity this service registered as.
func (s *Service) LocalNode() DiscoveryNode { return s.local }

// PendingTasks, NumberOfPendingTasks and MaxTaskWaitTime expose the
// executor's queue-introspection surface, per §6.
func (s *Service) PendingTasks() []PendingEntry      { return s.executor.PendingTasks() }
func (s *Service) NumberOfPendingTasks() int         { return s.executor.NumberOfPendingTasks() }
func (s *Service) MaxTaskWaitTime() time.Duration    { return s.executor.MaxTaskWaitTime() }

// AssertOnUpdateThread panics unless an executor is currently running a
// task's process pipeline, letting a task's Execute implementation (or a
// synchronous listener) check it is called while a task is being applied.
// The check reads one package-level flag that process sets for the duration
// of each task; it does not compare goroutine identity, so a call from
// another goroutine made while a task is running also passes.
func AssertOnUpdateThread() {
	if !onUpdateThread.Get() {
		panic("called off the update executor goroutine")
	}
}
