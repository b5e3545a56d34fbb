package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/astroproject/astrocomm-core/internal/comm"
)

// errSSLNotImplemented is returned by Connect/Start when EnableSSL is set:
// TLS is a flagged-but-not-implemented follow-up (spec.md §1, §9), so
// connection setup fails rather than silently falling back to plaintext.
var errSSLNotImplemented = errors.New("tcp: enable_ssl is set but TLS is not implemented")

// State is a TcpSession's position in spec.md §4.5's state machine:
//
//	Disconnected --connect()--> Connecting --ok--> Connected
//	                    \--err--> Error --reset--> Disconnected
//	Connected --disconnect()--> Disconnecting --> Disconnected
//	Connected --peer close/err--> Error --> Disconnected
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MessageCallback is invoked once per received message (after framing has
// been stripped). Panics inside it are recovered and counted, never
// propagated, per spec.md §7 "Background worker panics must be contained."
type MessageCallback func(message string)

// StatusCallback observes connection transitions.
type StatusCallback func(connected bool, err error)

// Stats is a point-in-time snapshot of session activity.
type Stats struct {
	MessagesSent     int64
	MessagesReceived int64
	BytesSent        int64
	BytesReceived    int64
	ErrorCount       int64
	AverageLatencyMs float64
}

// SendFuture is the accept-gate future of spec.md §4.5's send_message: it
// resolves immediately to whether the message was accepted onto the send
// queue, not whether the socket write has completed. Grounded on the same
// one-shot completed-value shape as internal/serialize.Future, specialized
// to bool since every TcpSession call site needs exactly that.
type SendFuture struct {
	done  chan struct{}
	value bool
}

func completedSendFuture(v bool) *SendFuture {
	f := &SendFuture{done: make(chan struct{}), value: v}
	close(f.done)
	return f
}

// Await blocks until the future resolves (which, for SendFuture, is always
// immediate) or ctx is done.
func (f *SendFuture) Await(ctx context.Context) (bool, error) {
	select {
	case <-f.done:
		return f.value, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Session is the C5 TcpSession.
type Session struct {
	id  string
	cfg *ConnectionConfig
	log *logrus.Entry

	onMessage MessageCallback
	onStatus  StatusCallback

	mu        sync.Mutex
	cond      *sync.Cond
	state     State
	conn      net.Conn
	sendQueue [][]byte
	running   bool
	stats     Stats

	wg sync.WaitGroup
}

// NewSession builds a client-mode Session in the Disconnected state.
func NewSession(cfg *ConnectionConfig, onMessage MessageCallback, onStatus StatusCallback) *Session {
	if cfg == nil {
		cfg = DefaultConnectionConfig()
	}
	s := &Session{
		cfg:       cfg,
		log:       logrus.WithField("component", "tcp_session"),
		onMessage: onMessage,
		onStatus:  onStatus,
		state:     StateDisconnected,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// newAcceptedSession wraps an already-established net.Conn from the server
// accept loop; it starts directly in the Connected state and spins up its
// workers immediately.
func newAcceptedSession(id string, conn net.Conn, cfg *ConnectionConfig, onMessage MessageCallback, onStatus StatusCallback) *Session {
	s := &Session{
		id:        id,
		cfg:       cfg,
		log:       logrus.WithField("component", "tcp_session").WithField("client_id", id),
		onMessage: onMessage,
		onStatus:  onStatus,
		state:     StateConnected,
		conn:      conn,
		running:   true,
	}
	s.cond = sync.NewCond(&s.mu)
	applySocketOptions(conn, cfg)
	s.wg.Add(2)
	go s.receiveWorker()
	go s.sendWorker()
	return s
}

// ID returns the session's client identifier (server-accepted sessions only).
func (s *Session) ID() string { return s.id }

// State returns the current state machine position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the session is usable for sending.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// Connect dials the configured server address. A no-op if already
// Connected; an error if a connect attempt is already Connecting.
func (s *Session) Connect(ctx context.Context) error {
	if s.cfg.EnableSSL {
		// TLS is flagged but not implemented (spec.md §1, §9): fail loudly
		// rather than silently fall back to a plaintext socket.
		return comm.Internal("connect", errSSLNotImplemented)
	}

	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting:
		s.mu.Unlock()
		return comm.Internal("connect", nil)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	dialCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	addr := net.JoinHostPort(s.cfg.ServerAddress, strconv.Itoa(s.cfg.ServerPort))
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		s.mu.Lock()
		s.state = StateError
		s.mu.Unlock()
		s.notifyStatus(false, err)
		if dialCtx.Err() != nil {
			return comm.ConnectTimeout("connect", s.cfg.ConnectTimeout)
		}
		return comm.Internal("connect", err)
	}

	applySocketOptions(conn, s.cfg)

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.running = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.receiveWorker()
	go s.sendWorker()

	s.notifyStatus(true, nil)
	return nil
}

// Disconnect transitions Connected -> Disconnecting -> Disconnected,
// closing the socket and joining both workers.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state != StateConnected && s.state != StateError {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnecting
	s.running = false
	conn := s.conn
	s.mu.Unlock()
	s.cond.Broadcast()

	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
	s.notifyStatus(false, nil)
}

// SendMessage enqueues message for the send worker and immediately resolves
// the accept gate described in spec.md §4.5 — it does not await the socket
// write.
func (s *Session) SendMessage(message string) *SendFuture {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return completedSendFuture(false)
	}
	s.sendQueue = append(s.sendQueue, []byte(message))
	s.mu.Unlock()
	s.cond.Signal()
	return completedSendFuture(true)
}

// SendMessageSync writes message directly on the caller's goroutine.
func (s *Session) SendMessageSync(message string) bool {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return false
	}
	conn := s.conn
	s.mu.Unlock()

	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	start := time.Now()
	err := writeFrame(conn, []byte(message))
	s.recordSend(err, len(message), time.Since(start))
	return err == nil
}

// Stats returns a point-in-time snapshot.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) notifyStatus(connected bool, err error) {
	if s.onStatus == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("status callback panicked")
		}
	}()
	s.onStatus(connected, err)
}

func (s *Session) deliverMessage(message string) {
	if s.onMessage == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("message callback panicked")
			s.mu.Lock()
			s.stats.ErrorCount++
			s.mu.Unlock()
		}
	}()
	s.onMessage(message)
}

func (s *Session) recordSend(err error, size int, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.stats.ErrorCount++
		return
	}
	s.stats.MessagesSent++
	s.stats.BytesSent += int64(size)
	sample := float64(latency.Microseconds()) / 1000.0
	if s.stats.AverageLatencyMs == 0 {
		s.stats.AverageLatencyMs = sample
	} else {
		// Matches the TCP-send smoothing constant preserved from the
		// original source, distinct from the serialization optimizer's
		// 50/50 average.
		s.stats.AverageLatencyMs = s.stats.AverageLatencyMs*0.9 + sample*0.1
	}
}

// receiveWorker reads length-prefixed frames until EOF or a non-transient
// error, then transitions to Error and notifies the status callback.
func (s *Session) receiveWorker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		conn := s.conn
		running := s.running
		s.mu.Unlock()
		if !running {
			return
		}

		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		payload, err := readFrame(conn)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			s.handleReadError(err)
			return
		}

		s.mu.Lock()
		s.stats.MessagesReceived++
		s.stats.BytesReceived += int64(len(payload))
		s.mu.Unlock()

		s.deliverMessage(string(payload))
	}
}

func (s *Session) handleReadError(err error) {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		// A read timeout is transient; the loop retries rather than erroring
		// out, matching spec.md §4.5's "non-transient error" qualifier.
		return
	}

	s.mu.Lock()
	if s.state == StateDisconnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.running = false
	s.stats.ErrorCount++
	s.mu.Unlock()
	s.cond.Broadcast()

	if err != io.EOF {
		s.log.WithError(err).Debug("receive worker exiting on error")
	}
	s.notifyStatus(false, comm.ReadError("receive_worker", err))
}

// sendWorker waits on the FIFO send queue's condition variable and, on
// wake, drains it, writing each entry with a single send call.
func (s *Session) sendWorker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.sendQueue) == 0 && s.running {
			s.cond.Wait()
		}
		if !s.running {
			s.mu.Unlock()
			return
		}
		batch := s.sendQueue
		s.sendQueue = nil
		conn := s.conn
		s.mu.Unlock()

		for _, entry := range batch {
			if s.cfg.WriteTimeout > 0 {
				conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			}
			start := time.Now()
			err := writeFrame(conn, entry)
			s.recordSend(err, len(entry), time.Since(start))
			if err != nil {
				s.mu.Lock()
				if s.state != StateDisconnecting {
					s.state = StateError
				}
				s.running = false
				s.mu.Unlock()
				s.notifyStatus(false, comm.WriteError("send_worker", err))
				return
			}
		}
	}
}
