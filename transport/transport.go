// Package transport provides point-to-point node liveness tracking for the
// coordination core, kept deliberately separate from gossip broadcast:
// gossip carries cluster-state and ack traffic, transport only answers
// "are we currently connected to this node".
package transport

import (
	stdtls "crypto/tls"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ringlabs/ringcoord/cluster"
	"github.com/ringlabs/ringcoord/conf"
	conftls "github.com/ringlabs/ringcoord/conf/tls"
	"github.com/ringlabs/ringcoord/errors"
)

// connState tracks one peer's dial and liveness state.
type connState struct {
	conn      net.Conn
	connected bool
}

// Dialer is a minimal point-to-point TCP transport implementing
// cluster.Transport: it dials a node's address, sends periodic heartbeats
// to detect a dead peer, and answers liveness queries without carrying any
// application payload.
type Dialer struct {
	lock  sync.Mutex
	conns map[string]*connState

	dialTimeout       time.Duration
	heartbeatInterval time.Duration
	tlsConfig         *stdtls.Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDialer builds a Dialer. tlsCfg may be nil for plaintext connections.
func NewDialer(dialTimeout, heartbeatInterval time.Duration, tlsCfg *stdtls.Config) *Dialer {
	return &Dialer{
		conns:             make(map[string]*connState),
		dialTimeout:       dialTimeout,
		heartbeatInterval: heartbeatInterval,
		tlsConfig:         tlsCfg,
		stopCh:            make(chan struct{}),
	}
}

// NewDialerFromCerts builds a Dialer whose TLS client config is derived from
// the process TLS configuration, mirroring the certificate-configuration
// style used elsewhere in this module.
func NewDialerFromCerts(dialTimeout, heartbeatInterval time.Duration, tlsCfg conf.TLSConfig) (*Dialer, error) {
	if !tlsCfg.Enabled {
		return NewDialer(dialTimeout, heartbeatInterval, nil), nil
	}
	certs := conftls.CertsConfig{CACert: tlsCfg.ClientCertsPath, Cert: tlsCfg.CertPath, Key: tlsCfg.KeyPath}
	cfg, err := conftls.BuildClientTLSConfig(certs)
	if err != nil {
		return nil, err
	}
	return NewDialer(dialTimeout, heartbeatInterval, cfg), nil
}

// ConnectToNode dials node's address if not already connected, and starts a
// heartbeat goroutine that marks the connection dead the first time a
// heartbeat write fails.
func (d *Dialer) ConnectToNode(node cluster.DiscoveryNode) error {
	d.lock.Lock()
	if state, ok := d.conns[node.ID]; ok && state.connected {
		d.lock.Unlock()
		return nil
	}
	d.lock.Unlock()

	var conn net.Conn
	var err error
	dialer := net.Dialer{Timeout: d.dialTimeout}
	if d.tlsConfig != nil {
		conn, err = stdtls.DialWithDialer(&dialer, "tcp", node.Address, d.tlsConfig)
	} else {
		conn, err = dialer.Dial("tcp", node.Address)
	}
	if err != nil {
		return errors.NewRequestExecutionError("failed to connect to " + node.String() + ": " + err.Error())
	}

	state := &connState{conn: conn, connected: true}
	d.lock.Lock()
	d.conns[node.ID] = state
	d.lock.Unlock()

	d.wg.Add(1)
	go d.heartbeatLoop(node.ID, state)
	return nil
}

func (d *Dialer) heartbeatLoop(nodeID string, state *connState) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if _, err := state.conn.Write([]byte{0}); err != nil {
				log.Warnf("transport heartbeat to node %s failed, marking disconnected: %v", nodeID, err)
				d.lock.Lock()
				state.connected = false
				d.lock.Unlock()
				return
			}
		}
	}
}

// DisconnectFromNode closes the connection to node, if any, and stops
// tracking it.
func (d *Dialer) DisconnectFromNode(node cluster.DiscoveryNode) error {
	d.lock.Lock()
	state, ok := d.conns[node.ID]
	delete(d.conns, node.ID)
	d.lock.Unlock()

	if !ok {
		return nil
	}
	return state.conn.Close()
}

// NodeConnected reports whether the dialer currently believes nodeID is
// reachable.
func (d *Dialer) NodeConnected(nodeID string) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	state, ok := d.conns[nodeID]
	return ok && state.connected
}

// Stop closes every tracked connection and waits for heartbeat goroutines
// to exit.
func (d *Dialer) Stop() {
	close(d.stopCh)
	d.lock.Lock()
	for _, state := range d.conns {
		_ = state.conn.Close()
	}
	d.conns = make(map[string]*connState)
	d.lock.Unlock()
	d.wg.Wait()
}
