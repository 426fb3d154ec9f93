package conf

import (
	"testing"
	"time"

	"github.com/ringlabs/ringcoord/errors"
	"github.com/stretchr/testify/require"
)

type configPair struct {
	errMsg string
	conf   Config
}

func invalidNodeIDConf() Config {
	cnf := confAllFields
	cnf.NodeID = -1
	return cnf
}

func missingClusterNameConf() Config {
	cnf := confAllFields
	cnf.ClusterName = ""
	return cnf
}

func missingPeerAddressesConf() Config {
	cnf := confAllFields
	cnf.PeerAddresses = nil
	return cnf
}

func invalidDataDirConf() Config {
	cnf := confAllFields
	cnf.RingStoreDataDir = ""
	return cnf
}

func invalidReplicationFactorConf() Config {
	cnf := confAllFields
	cnf.RingStoreReplicationFactor = 2
	return cnf
}

func invalidPeerAddressesLenConf() Config {
	cnf := confAllFields
	cnf.PeerAddresses = cnf.PeerAddresses[1:]
	return cnf
}

func invalidReconnectIntervalConf() Config {
	cnf := confAllFields
	cnf.ReconnectInterval = time.Second - 1
	return cnf
}

func invalidLifecycleListenAddrConf() Config {
	cnf := confAllFields
	cnf.EnableLifecycleEndpoint = true
	cnf.LifeCycleListenAddress = ""
	return cnf
}

var invalidConfigs = []configPair{
	{"NodeID must be >= 0", invalidNodeIDConf()},
	{"ClusterName must be specified", missingClusterNameConf()},
	{"PeerAddresses must be specified", missingPeerAddressesConf()},
	{"RingStoreDataDir must be specified", invalidDataDirConf()},
	{"RingStoreReplicationFactor must be >= 3", invalidReplicationFactorConf()},
	{"Number of PeerAddresses must be >= RingStoreReplicationFactor", invalidPeerAddressesLenConf()},
	{"ReconnectInterval must be >= 1s", invalidReconnectIntervalConf()},
	{"LifeCycleListenAddress must be specified when lifecycle endpoint is enabled", invalidLifecycleListenAddrConf()},
}

func TestValidate(t *testing.T) {
	for _, cp := range invalidConfigs {
		err := cp.conf.Validate()
		require.Error(t, err)
		re, ok := err.(errors.RingError)
		require.True(t, ok)
		require.Equal(t, errors.Configuration, re.Code)
		require.Contains(t, re.Msg, cp.errMsg)
	}
}

func TestValidateAllFieldsOK(t *testing.T) {
	cnf := confAllFields
	require.NoError(t, cnf.Validate())
}

func TestApplySettings(t *testing.T) {
	cnf := confAllFields
	other := confAllFields
	other.ReconnectInterval = 99 * time.Second
	other.SlowTaskLoggingThreshold = 5 * time.Second
	cnf.ApplySettings(other)
	require.Equal(t, 99*time.Second, cnf.ReconnectInterval)
	require.Equal(t, 5*time.Second, cnf.SlowTaskLoggingThreshold)
}

var confAllFields = Config{
	NodeID:                     0,
	ClusterName:                "test-cluster",
	PeerAddresses:              []string{"addr1", "addr2", "addr3"},
	GossipListenAddress:        "localhost:9001",
	TransportListenAddress:     "localhost:9002",
	RingStoreDataDir:           "foo/bar/baz",
	RingStoreReplicationFactor: 3,
	ReconnectInterval:          10 * time.Second,
	SlowTaskLoggingThreshold:   30 * time.Second,
	AckTimeout:                 30 * time.Second,
}
