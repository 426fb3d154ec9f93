package gossip

import (
	stdtls "crypto/tls"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Client maintains one outbound connection per configured peer address and
// broadcasts frames to all of them, grounded on the notifier package's
// client.go connection-per-server / heartbeat-per-connection shape, minus
// the request/response correlation notifier used for protobuf RPC replies -
// gossip here is fire-and-forget broadcast only, acks travel back as their
// own frames rather than RPC responses.
type Client struct {
	lock              sync.Mutex
	peerAddresses     []string
	tlsConfig         *stdtls.Config
	heartbeatInterval time.Duration

	conns map[string]*peerConn

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type peerConn struct {
	address   string
	conn      net.Conn
	available bool
}

func NewClient(peerAddresses []string, tlsConfig *stdtls.Config, heartbeatInterval time.Duration) *Client {
	return &Client{
		peerAddresses:     peerAddresses,
		tlsConfig:         tlsConfig,
		heartbeatInterval: heartbeatInterval,
		conns:             make(map[string]*peerConn),
		stopCh:            make(chan struct{}),
	}
}

func (c *Client) Start() error {
	for _, addr := range c.peerAddresses {
		c.connectAsync(addr)
	}
	c.wg.Add(1)
	go c.heartbeatLoop()
	return nil
}

func (c *Client) connectAsync(addr string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.connect(addr)
	}()
}

func (c *Client) connect(addr string) {
	var conn net.Conn
	var err error
	dialer := net.Dialer{Timeout: 5 * time.Second}
	if c.tlsConfig != nil {
		conn, err = stdtls.DialWithDialer(&dialer, "tcp", addr, c.tlsConfig)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		log.Debugf("gossip client failed to connect to %s: %v", addr, err)
		return
	}
	c.lock.Lock()
	c.conns[addr] = &peerConn{address: addr, conn: conn, available: true}
	c.lock.Unlock()
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.broadcastFrame(heartbeatMessageType, nil)
			c.reconnectUnavailable()
		}
	}
}

func (c *Client) reconnectUnavailable() {
	c.lock.Lock()
	var toRetry []string
	for _, addr := range c.peerAddresses {
		conn, ok := c.conns[addr]
		if !ok || !conn.available {
			toRetry = append(toRetry, addr)
		}
	}
	c.lock.Unlock()
	for _, addr := range toRetry {
		c.connectAsync(addr)
	}
}

// BroadcastState sends state to every currently-connected peer.
func (c *Client) BroadcastState(payload []byte) {
	c.broadcastFrame(stateMessageType, payload)
}

// BroadcastAck sends an ack frame to every currently-connected peer.
func (c *Client) BroadcastAck(payload []byte) {
	c.broadcastFrame(ackMessageType, payload)
}

func (c *Client) broadcastFrame(mt messageType, payload []byte) {
	c.lock.Lock()
	peers := make([]*peerConn, 0, len(c.conns))
	for _, p := range c.conns {
		if p.available {
			peers = append(peers, p)
		}
	}
	c.lock.Unlock()

	for _, p := range peers {
		if err := writeMessage(p.conn, mt, payload); err != nil {
			log.Warnf("gossip client failed writing to %s, marking unavailable: %v", p.address, err)
			c.lock.Lock()
			p.available = false
			c.lock.Unlock()
		}
	}
}

func (c *Client) Stop() error {
	close(c.stopCh)
	c.lock.Lock()
	for _, p := range c.conns {
		_ = p.conn.Close()
	}
	c.lock.Unlock()
	c.wg.Wait()
	return nil
}
