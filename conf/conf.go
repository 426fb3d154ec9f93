package conf

import (
	"time"

	"github.com/ringlabs/ringcoord/errors"
)

// Default values applied by NewDefaultConfig. Most of these mirror the constants the
// original coordination service hard-codes (reconnect interval, slow-task warning
// threshold) so behaviour out of the box matches what operators of that system expect.
const (
	DefaultReconnectInterval        = 10 * time.Second
	DefaultSlowTaskLoggingThreshold = 30 * time.Second
	DefaultAckTimeout               = 30 * time.Second
	DefaultMetricsHTTPListenAddr    = "localhost:2112"
	DefaultLifeCycleListenAddress   = "localhost:8901"
)

// Config is the process-wide configuration for the coordination service. It is
// decoded from a JSONC file and validated at startup; ApplySettings copies the
// refreshable subset into a running config without re-validating it.
type Config struct {
	NodeID        int      `json:"node_id"`
	ClusterName   string   `json:"cluster_name"`
	PeerAddresses []string `json:"peer_addresses"`

	GossipListenAddress    string `json:"gossip_listen_address"`
	TransportListenAddress string `json:"transport_listen_address"`

	RingStoreDataDir      string `json:"ring_store_data_dir"`
	RingStoreReplicationFactor int `json:"ring_store_replication_factor"`

	ReconnectInterval        time.Duration `json:"reconnect_interval"`
	SlowTaskLoggingThreshold time.Duration `json:"slow_task_logging_threshold"`
	AckTimeout               time.Duration `json:"ack_timeout"`

	EnableLifecycleEndpoint bool   `json:"enable_lifecycle_endpoint"`
	LifeCycleListenAddress  string `json:"lifecycle_listen_address"`
	StartupEndpointPath     string `json:"startup_endpoint_path"`
	ReadyEndpointPath       string `json:"ready_endpoint_path"`
	LiveEndpointPath        string `json:"live_endpoint_path"`

	EnableMetrics         bool   `json:"enable_metrics"`
	MetricsHTTPListenAddr string `json:"metrics_http_listen_address"`

	TLS TLSConfig `json:"tls"`

	LogFormat string `json:"log_format"`
	LogLevel  string `json:"log_level"`
	LogFile   string `json:"log_file"`

	TestServer bool `json:"test_server,omitempty"`
}

// TLSConfig describes the certificate material used to secure the gossip and
// transport listeners.
type TLSConfig struct {
	Enabled         bool   `json:"enabled"`
	CertPath        string `json:"cert_path"`
	KeyPath         string `json:"key_path"`
	ClientCertsPath string `json:"client_certs_path"`
	ClientAuth      string `json:"client_auth"`
}

const (
	ClientAuthModeUnspecified                = ""
	ClientAuthModeNoClientCert                = "NoClientCert"
	ClientAuthModeRequestClientCert           = "RequestClientCert"
	ClientAuthModeRequireAnyClientCert        = "RequireAnyClientCert"
	ClientAuthModeVerifyClientCertIfGiven     = "VerifyClientCertIfGiven"
	ClientAuthModeRequireAndVerifyClientCert  = "RequireAndVerifyClientCert"
)

// Validate checks the configuration is internally consistent. It is called once at
// startup, after the config file has been decoded.
func (c *Config) Validate() error { //nolint:gocyclo
	if c.NodeID < 0 {
		return errors.NewInvalidConfigurationError("NodeID must be >= 0")
	}
	if c.ClusterName == "" {
		return errors.NewInvalidConfigurationError("ClusterName must be specified")
	}
	if !c.TestServer {
		if len(c.PeerAddresses) == 0 {
			return errors.NewInvalidConfigurationError("PeerAddresses must be specified")
		}
		if c.NodeID >= len(c.PeerAddresses) {
			return errors.NewInvalidConfigurationError("NodeID must be in the range 0 (inclusive) to len(PeerAddresses) (exclusive)")
		}
		if c.RingStoreDataDir == "" {
			return errors.NewInvalidConfigurationError("RingStoreDataDir must be specified")
		}
		if c.RingStoreReplicationFactor < 3 {
			return errors.NewInvalidConfigurationError("RingStoreReplicationFactor must be >= 3")
		}
		if len(c.PeerAddresses) < c.RingStoreReplicationFactor {
			return errors.NewInvalidConfigurationError("Number of PeerAddresses must be >= RingStoreReplicationFactor")
		}
		if c.GossipListenAddress == "" {
			return errors.NewInvalidConfigurationError("GossipListenAddress must be specified")
		}
		if c.TransportListenAddress == "" {
			return errors.NewInvalidConfigurationError("TransportListenAddress must be specified")
		}
	}
	if c.ReconnectInterval < time.Second {
		return errors.NewInvalidConfigurationError("ReconnectInterval must be >= 1s")
	}
	if c.SlowTaskLoggingThreshold < time.Millisecond {
		return errors.NewInvalidConfigurationError("SlowTaskLoggingThreshold must be >= 1ms")
	}
	if c.AckTimeout < time.Millisecond {
		return errors.NewInvalidConfigurationError("AckTimeout must be >= 1ms")
	}
	if c.EnableLifecycleEndpoint && c.LifeCycleListenAddress == "" {
		return errors.NewInvalidConfigurationError("LifeCycleListenAddress must be specified when lifecycle endpoint is enabled")
	}
	return nil
}

// ApplySettings re-reads the subset of settings the coordination service allows to
// be refreshed without a restart: the reconnect interval and the slow-task logging
// threshold. Other fields are immutable once the service has started.
func (c *Config) ApplySettings(other Config) {
	c.ReconnectInterval = other.ReconnectInterval
	c.SlowTaskLoggingThreshold = other.SlowTaskLoggingThreshold
}

func NewDefaultConfig() *Config {
	return &Config{
		ReconnectInterval:        DefaultReconnectInterval,
		SlowTaskLoggingThreshold: DefaultSlowTaskLoggingThreshold,
		AckTimeout:               DefaultAckTimeout,
		MetricsHTTPListenAddr:    DefaultMetricsHTTPListenAddr,
		LifeCycleListenAddress:   DefaultLifeCycleListenAddress,
		StartupEndpointPath:      "/started",
		ReadyEndpointPath:        "/ready",
		LiveEndpointPath:         "/live",
		RingStoreReplicationFactor: 3,
	}
}

func NewTestConfig() *Config {
	return &Config{
		NodeID:                   0,
		ClusterName:              "test-cluster",
		TestServer:               true,
		ReconnectInterval:        DefaultReconnectInterval,
		SlowTaskLoggingThreshold: DefaultSlowTaskLoggingThreshold,
		AckTimeout:               DefaultAckTimeout,
	}
}
