package tcp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/astroproject/astrocomm-core/internal/comm"
)

// ClientMessageCallback observes a message from a specific client.
type ClientMessageCallback func(clientID string, message string)

// ClientStatusCallback observes a client connecting or disconnecting.
type ClientStatusCallback func(clientID string, connected bool)

// Server is the C5 TcpServer: a listening socket plus a client_id->session
// registry under a single lock, per spec.md §4.5.
type Server struct {
	cfg *ConnectionConfig
	log *logrus.Entry

	onMessage ClientMessageCallback
	onStatus  ClientStatusCallback

	mu       sync.Mutex
	sessions map[string]*Session
	listener net.Listener
	running  bool

	wg sync.WaitGroup

	discovery *discoveryAdvertiser
}

// NewServer builds a TcpServer bound to cfg.ServerAddress:ServerPort.
func NewServer(cfg *ConnectionConfig, onMessage ClientMessageCallback, onStatus ClientStatusCallback) *Server {
	if cfg == nil {
		cfg = DefaultConnectionConfig()
	}
	return &Server{
		cfg:       cfg,
		log:       logrus.WithField("component", "tcp_server"),
		onMessage: onMessage,
		onStatus:  onStatus,
		sessions:  make(map[string]*Session),
	}
}

// Start binds the listening socket and spins up the accept-loop worker.
func (srv *Server) Start() error {
	if srv.cfg.EnableSSL {
		return comm.Internal("start", errSSLNotImplemented)
	}

	addr := net.JoinHostPort(srv.cfg.ServerAddress, strconv.Itoa(srv.cfg.ServerPort))
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv.mu.Lock()
	srv.listener = ln
	srv.running = true
	srv.mu.Unlock()

	srv.wg.Add(1)
	go srv.acceptLoop()

	if srv.cfg.EnableDiscovery {
		adv, err := startDiscovery(srv.cfg)
		if err != nil {
			srv.log.WithError(err).Warn("mDNS advertisement failed to start")
		} else {
			srv.discovery = adv
		}
	}

	return nil
}

func (srv *Server) acceptLoop() {
	defer srv.wg.Done()
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			srv.mu.Lock()
			running := srv.running
			srv.mu.Unlock()
			if !running {
				return
			}
			srv.log.WithError(err).Warn("accept failed")
			continue
		}

		srv.mu.Lock()
		if srv.cfg.MaxConnections > 0 && len(srv.sessions) >= srv.cfg.MaxConnections {
			srv.mu.Unlock()
			conn.Close()
			continue
		}
		srv.mu.Unlock()

		clientID := uuid.NewString()
		session := newAcceptedSession(clientID, conn, srv.cfg,
			func(message string) { srv.forwardMessage(clientID, message) },
			func(connected bool, _ error) { srv.handleStatus(clientID, connected) },
		)

		srv.mu.Lock()
		srv.sessions[clientID] = session
		srv.mu.Unlock()

		if srv.onStatus != nil {
			srv.onStatus(clientID, true)
		}
	}
}

func (srv *Server) forwardMessage(clientID, message string) {
	if srv.onMessage == nil {
		return
	}
	srv.onMessage(clientID, message)
}

// handleStatus removes a session from the registry once it reports
// disconnected, per spec.md §4.5 "Disconnected sessions are removed on the
// status callback."
func (srv *Server) handleStatus(clientID string, connected bool) {
	if !connected {
		srv.mu.Lock()
		delete(srv.sessions, clientID)
		srv.mu.Unlock()
	}
	if srv.onStatus != nil {
		srv.onStatus(clientID, connected)
	}
}

// SendToClient writes message synchronously to a single registered client.
func (srv *Server) SendToClient(clientID, message string) bool {
	srv.mu.Lock()
	session, ok := srv.sessions[clientID]
	srv.mu.Unlock()
	if !ok {
		return false
	}
	return session.SendMessageSync(message)
}

// SendToAllClients writes message synchronously to every registered client,
// returning the count of successful deliveries.
func (srv *Server) SendToAllClients(message string) int {
	srv.mu.Lock()
	sessions := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.mu.Unlock()

	sent := 0
	for _, s := range sessions {
		if s.SendMessageSync(message) {
			sent++
		}
	}
	return sent
}

// Addr returns the server's bound listen address (useful when ServerPort
// was configured as 0 to let the OS pick an ephemeral port).
func (srv *Server) Addr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

// ClientCount returns the number of currently registered sessions.
func (srv *Server) ClientCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sessions)
}

// Stop closes the listener, disconnects every session, and joins the
// accept-loop worker.
func (srv *Server) Stop() {
	srv.mu.Lock()
	if !srv.running {
		srv.mu.Unlock()
		return
	}
	srv.running = false
	ln := srv.listener
	sessions := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.sessions = make(map[string]*Session)
	srv.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	srv.wg.Wait()

	for _, s := range sessions {
		s.Disconnect()
	}

	if srv.discovery != nil {
		srv.discovery.shutdown()
	}
}
