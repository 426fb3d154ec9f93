// Package ringstore defines the compare-and-swap metadata persistence
// contract the coordination core's Update Executor drives, and provides two
// implementations: an in-memory fake for tests and a real
// dragonboat/pebble-backed store.
package ringstore

import (
	"github.com/ringlabs/ringcoord/cluster"
	"github.com/ringlabs/ringcoord/errors"
)

// Store persists cluster.MetaData through optimistic concurrency: a caller
// always presents the value it last observed alongside the value it wants
// to install, and the store is the sole arbiter of whether that is still
// current.
type Store interface {
	// PersistMetaData installs next iff the store's current value matches
	// prev. It returns an errors.RingError carrying
	// errors.ConcurrentMetaDataUpdate when it does not.
	PersistMetaData(prev, next cluster.MetaData, source string) error
	// LoadMetaData returns the store's current value, or the zero value if
	// nothing has been persisted yet.
	LoadMetaData() (cluster.MetaData, error)
	Start() error
	Stop() error
}

// NewConcurrentUpdateError builds a CAS-failure error carrying
// errors.ConcurrentMetaDataUpdate. Both implementations build their own
// errors with that same code, so callers only need one
// errors.IsConcurrentUpdate check regardless of which Store backs them.
func NewConcurrentUpdateError(source string) error {
	return errors.NewConcurrentUpdateError("metadata CAS rejected for task " + source + ": stored value does not match expected prior value")
}
