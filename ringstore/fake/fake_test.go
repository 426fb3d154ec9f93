package fake_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ringlabs/ringcoord/cluster"
	"github.com/ringlabs/ringcoord/errors"
	"github.com/ringlabs/ringcoord/ringstore/fake"
)

func TestPersistMetaDataAcceptsFirstWriteUnconditionally(t *testing.T) {
	store := fake.New()
	next := cluster.MetaData{Version: 1, ClusterUUID: "u1"}

	require.NoError(t, store.PersistMetaData(cluster.MetaData{}, next, "test"))

	loaded, err := store.LoadMetaData()
	require.NoError(t, err)
	require.Equal(t, next, loaded)
}

func TestPersistMetaDataRejectsStalePrev(t *testing.T) {
	store := fake.New()
	v1 := cluster.MetaData{Version: 1, ClusterUUID: "u1"}
	require.NoError(t, store.PersistMetaData(cluster.MetaData{}, v1, "test"))

	v2 := cluster.MetaData{Version: 2, ClusterUUID: "u1"}
	stalePrev := cluster.MetaData{Version: 0, ClusterUUID: "u1"}
	err := store.PersistMetaData(stalePrev, v2, "test")
	require.Error(t, err)
	require.True(t, errors.IsConcurrentUpdate(err))

	loaded, loadErr := store.LoadMetaData()
	require.NoError(t, loadErr)
	require.Equal(t, v1, loaded)
}

func TestPersistMetaDataAcceptsMatchingPrev(t *testing.T) {
	store := fake.New()
	v1 := cluster.MetaData{Version: 1, ClusterUUID: "u1"}
	require.NoError(t, store.PersistMetaData(cluster.MetaData{}, v1, "test"))

	v2 := cluster.MetaData{Version: 2, ClusterUUID: "u1"}
	require.NoError(t, store.PersistMetaData(v1, v2, "test"))

	loaded, err := store.LoadMetaData()
	require.NoError(t, err)
	require.Equal(t, v2, loaded)
}

func TestFailNextNForcesConcurrentErrorRegardlessOfPrev(t *testing.T) {
	store := fake.New()
	store.FailNextN = 2

	v1 := cluster.MetaData{Version: 1, ClusterUUID: "u1"}
	err := store.PersistMetaData(cluster.MetaData{}, v1, "test")
	require.Error(t, err)
	require.True(t, errors.IsConcurrentUpdate(err))

	err = store.PersistMetaData(cluster.MetaData{}, v1, "test")
	require.Error(t, err)
	require.True(t, errors.IsConcurrentUpdate(err))

	// Third call succeeds now that FailNextN is exhausted.
	require.NoError(t, store.PersistMetaData(cluster.MetaData{}, v1, "test"))
}
