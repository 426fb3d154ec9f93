// Package gossip implements the coordination core's cluster.Discovery
// contract as a length-prefixed TCP broadcast client/server pair: no
// protobuf, no generated code, manual little-endian framing throughout.
package gossip

import (
	stdtls "crypto/tls"
	"sync"
	"time"

	"github.com/ringlabs/ringcoord/cluster"
	conftls "github.com/ringlabs/ringcoord/conf/tls"
)

// Discovery is a cluster.Discovery implementation broadcasting published
// states to every configured peer and collecting per-node acks back into
// whichever cluster.NodeAckSink is currently registered for a version.
type Discovery struct {
	server *Server
	client *Client
	nodeID string

	lock         sync.Mutex
	ackSinks     map[uint64]cluster.NodeAckSink
	versionWaits map[uint64][]chan struct{}
	appliedVersion uint64
}

// Config bundles the wiring parameters for New.
type Config struct {
	NodeID            string
	ListenAddress     string
	PeerAddresses     []string
	HeartbeatInterval time.Duration
	TLS               *stdtls.Config
}

func New(cfg Config) *Discovery {
	d := &Discovery{
		nodeID:       cfg.NodeID,
		server:       NewServer(cfg.ListenAddress, cfg.TLS),
		client:       NewClient(cfg.PeerAddresses, cfg.TLS, cfg.HeartbeatInterval),
		ackSinks:     make(map[uint64]cluster.NodeAckSink),
		versionWaits: make(map[uint64][]chan struct{}),
	}
	d.server.SetAckHandler(d.handleIncomingAck)
	return d
}

// NewFromTLSCerts builds the TLS config from a conf.TLSConfig-shaped set of
// paths and constructs a Discovery, matching the certificate-configuration
// idiom used by transport.NewDialerFromCerts.
func NewFromTLSCerts(cfg Config, certsEnabled bool, cert, key, caCerts string) (*Discovery, error) {
	if !certsEnabled {
		return New(cfg), nil
	}
	tlsCfg, err := conftls.BuildServerTLSConfig(conftls.ServerTLSConfig{
		CertsConfig: conftls.CertsConfig{Cert: cert, Key: key, CACert: caCerts},
	})
	if err != nil {
		return nil, err
	}
	cfg.TLS = tlsCfg
	return New(cfg), nil
}

// SetStateHandler registers a callback fired with each state a peer
// publishes - the coordination Service wires this to submit an internal
// "adopt published state" task. The callback runs on the connection's own
// read-loop goroutine and must get back onto the update executor before
// touching anything the pipeline owns.
func (d *Discovery) SetStateHandler(fn func(cluster.ClusterState)) {
	d.server.SetStateHandler(fn)
}

func (d *Discovery) Start() error {
	if err := d.server.Start(); err != nil {
		return err
	}
	return d.client.Start()
}

func (d *Discovery) Stop() error {
	if err := d.client.Stop(); err != nil {
		return err
	}
	return d.server.Stop()
}

// Publish broadcasts state to every peer and immediately acks it locally,
// since the local node has, by construction, already applied it before
// calling Publish.
func (d *Discovery) Publish(state cluster.ClusterState) error {
	payload, err := encodeState(state)
	if err != nil {
		return err
	}
	d.client.BroadcastState(payload)

	ack := ackPayload{NodeID: d.nodeID, Version: state.Metadata.Version}
	d.client.BroadcastAck(encodeAck(ack))
	d.handleIncomingAck(ack)

	d.lock.Lock()
	d.appliedVersion = state.Metadata.Version
	d.lock.Unlock()
	return nil
}

func (d *Discovery) handleIncomingAck(a ackPayload) {
	d.lock.Lock()
	sink := d.ackSinks[a.Version]
	waiters := d.versionWaits[a.Version]
	if a.Version > d.appliedVersion {
		d.appliedVersion = a.Version
	}
	d.lock.Unlock()

	if sink != nil {
		var ackErr error
		if a.Failed {
			ackErr = errFromString(a.Err)
		}
		sink.OnNodeAck(a.NodeID, ackErr)
	}
	for _, w := range waiters {
		close(w)
	}
	if len(waiters) > 0 {
		d.lock.Lock()
		delete(d.versionWaits, a.Version)
		d.lock.Unlock()
	}
}

// RegisterAckSink implements cluster.Discovery.
func (d *Discovery) RegisterAckSink(version uint64, sink cluster.NodeAckSink) (unregister func()) {
	d.lock.Lock()
	d.ackSinks[version] = sink
	d.lock.Unlock()
	return func() {
		d.lock.Lock()
		delete(d.ackSinks, version)
		d.lock.Unlock()
	}
}

// AwaitMetaDataVersion implements cluster.Discovery: it blocks the calling
// goroutine (the update executor's) until an ack for version arrives or
// timeout elapses. Any single node's ack for version, or for a later one,
// satisfies the wait, including the local ack Publish records; it does not
// track which peers have acked and does not wait for every peer.
func (d *Discovery) AwaitMetaDataVersion(version uint64, timeout time.Duration) bool {
	d.lock.Lock()
	if d.appliedVersion >= version {
		d.lock.Unlock()
		return true
	}
	ch := make(chan struct{})
	d.versionWaits[version] = append(d.versionWaits[version], ch)
	d.lock.Unlock()

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

type gossipError struct{ msg string }

func (e gossipError) Error() string { return e.msg }

func errFromString(msg string) error {
	if msg == "" {
		return nil
	}
	return gossipError{msg: msg}
}
