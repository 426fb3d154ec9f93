package gossip

import (
	"bufio"
	stdtls "crypto/tls"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ringlabs/ringcoord/cluster"
)

// Server accepts inbound gossip connections from peers and dispatches the
// frames it reads to the owning Discovery, grounded on the notifier
// package's accept-loop/per-connection-read-loop shape.
type Server struct {
	listenAddress string
	tlsConfig     *stdtls.Config
	listener      net.Listener

	lock  sync.Mutex
	conns map[*serverConn]struct{}

	onState func(cluster.ClusterState)
	onAck   func(ackPayload)

	wg sync.WaitGroup
}

type serverConn struct {
	conn net.Conn
}

func NewServer(listenAddress string, tlsConfig *stdtls.Config) *Server {
	return &Server{
		listenAddress: listenAddress,
		tlsConfig:     tlsConfig,
		conns:         make(map[*serverConn]struct{}),
	}
}

// SetStateHandler registers the callback invoked whenever a peer publishes
// a ClusterState.
func (s *Server) SetStateHandler(fn func(cluster.ClusterState)) { s.onState = fn }

// SetAckHandler registers the callback invoked whenever a peer acks a
// metadata version.
func (s *Server) SetAckHandler(fn func(ackPayload)) { s.onAck = fn }

func (s *Server) Start() error {
	var l net.Listener
	var err error
	if s.tlsConfig != nil {
		l, err = stdtls.Listen("tcp", s.listenAddress, s.tlsConfig)
	} else {
		l, err = net.Listen("tcp", s.listenAddress)
	}
	if err != nil {
		return err
	}
	s.listener = l
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			log.Debugf("gossip server accept loop exiting: %v", err)
			return
		}
		sc := &serverConn{conn: conn}
		s.lock.Lock()
		s.conns[sc] = struct{}{}
		s.lock.Unlock()

		s.wg.Add(1)
		go s.readLoop(sc)
	}
}

func (s *Server) readLoop(sc *serverConn) {
	defer s.wg.Done()
	defer func() {
		s.lock.Lock()
		delete(s.conns, sc)
		s.lock.Unlock()
		_ = sc.conn.Close()
	}()

	reader := bufio.NewReader(sc.conn)
	for {
		mt, payload, err := readMessage(reader)
		if err != nil {
			return
		}
		switch mt {
		case heartbeatMessageType:
			continue
		case stateMessageType:
			state, err := decodeState(payload)
			if err != nil {
				log.Warnf("gossip server received unparseable state: %v", err)
				continue
			}
			if s.onState != nil {
				s.onState(state)
			}
		case ackMessageType:
			if s.onAck != nil {
				s.onAck(decodeAck(payload))
			}
		}
	}
}

func (s *Server) ListenAddress() string {
	if s.listener == nil {
		return s.listenAddress
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop() error {
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			return err
		}
	}
	s.lock.Lock()
	for c := range s.conns {
		_ = c.conn.Close()
	}
	s.lock.Unlock()
	s.wg.Wait()
	return nil
}
