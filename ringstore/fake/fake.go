// Package fake provides an in-memory ringstore.Store for tests, grounded on
// the teacher's in-memory fake cluster pattern: a mutex-guarded value standing
// in for the real replicated backend.
package fake

import (
	"sync"

	"github.com/ringlabs/ringcoord/cluster"
	"github.com/ringlabs/ringcoord/errors"
)

// Store is an in-memory compare-and-swap metadata store. The zero value is an
// empty store, which is what New returns.
type Store struct {
	lock    sync.Mutex
	current cluster.MetaData
	set     bool

	// FailNextN, when > 0, forces the next N PersistMetaData calls to fail
	// with a concurrent-update error regardless of whether prev matches,
	// letting tests exercise the executor's CAS-replay path deterministically.
	FailNextN int
}

func New() *Store {
	return &Store{}
}

func (s *Store) Start() error { return nil }
func (s *Store) Stop() error  { return nil }

func (s *Store) PersistMetaData(prev, next cluster.MetaData, source string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.FailNextN > 0 {
		s.FailNextN--
		return errors.NewConcurrentUpdateError("forced failure for test on task " + source)
	}

	if s.set && (s.current.Version != prev.Version || s.current.ClusterUUID != prev.ClusterUUID) {
		return errors.NewConcurrentUpdateError("metadata CAS rejected for task " + source)
	}
	s.current = next
	s.set = true
	return nil
}

func (s *Store) LoadMetaData() (cluster.MetaData, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.current, nil
}
