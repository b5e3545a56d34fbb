package communicator

import (
	"context"

	"github.com/google/uuid"

	"github.com/astroproject/astrocomm-core/internal/connpool"
	"github.com/astroproject/astrocomm-core/internal/tcp"
)

// sessionConnection adapts a client-mode *tcp.Session to connpool.Connection
// so C4 can front pooled TcpSessions as reusable Connections, per spec.md
// line "C4 is instantiated by C6 when pooling is enabled and fronts
// TcpSessions as reusable Connections."
type sessionConnection struct {
	id      string
	session *tcp.Session
}

func newSessionConnection(cfg *tcp.ConnectionConfig, onMessage tcp.MessageCallback) *sessionConnection {
	return &sessionConnection{
		id:      uuid.NewString(),
		session: tcp.NewSession(cfg, onMessage, nil),
	}
}

func (s *sessionConnection) Connect(ctx context.Context) error { return s.session.Connect(ctx) }
func (s *sessionConnection) Disconnect()                       { s.session.Disconnect() }
func (s *sessionConnection) IsConnected() bool                 { return s.session.IsConnected() }

// IsHealthy has no deeper probe available over a raw TCP session than
// connectedness itself.
func (s *sessionConnection) IsHealthy() bool { return s.session.IsConnected() }
func (s *sessionConnection) ID() string      { return s.id }

func (s *sessionConnection) Metadata() map[string]interface{} {
	st := s.session.Stats()
	return map[string]interface{}{
		"messages_sent":      st.MessagesSent,
		"messages_received":  st.MessagesReceived,
		"average_latency_ms": st.AverageLatencyMs,
	}
}

// sessionConnFactory is the connpool.Factory that produces sessionConnections
// all dialing the same configured server address.
type sessionConnFactory struct {
	cfg       *tcp.ConnectionConfig
	onMessage tcp.MessageCallback
}

func (f *sessionConnFactory) CreateConnection(ctx context.Context) (connpool.Connection, error) {
	return newSessionConnection(f.cfg, f.onMessage), nil
}

func (f *sessionConnFactory) ValidateConnection(c connpool.Connection) bool {
	return c.IsConnected() && c.IsHealthy()
}

func (f *sessionConnFactory) ConnectionType() string { return "tcp_session" }
