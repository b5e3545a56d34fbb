// Package tcp implements C5, TcpSession and TcpServer: raw socket sessions
// with a connect/disconnect state machine, receive/send worker goroutines,
// and a server-side accept loop with a client registry. Grounded on the
// teacher's internal/websocket package: client.go's dual readPump/writePump
// goroutines and ping/pong keepalive become TcpSession's receive/send
// workers and SO_KEEPALIVE socket options; hub.go's client registry and
// register/unregister channels become TcpServer's session map. The wire
// transport here is a raw net.Conn, not gorilla/websocket — the framing and
// socket-option machinery is rebuilt around net.TCPConn per spec.md §4.5.
package tcp

import "time"

// ConnectionConfig mirrors spec.md §6.3 TcpConnectionConfig.
type ConnectionConfig struct {
	ServerAddress      string        `json:"server_address"`
	ServerPort         int           `json:"server_port"`
	IsServer           bool          `json:"is_server"`
	ConnectTimeout     time.Duration `json:"connect_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	BufferSize         int           `json:"buffer_size"`
	EnableKeepAlive    bool          `json:"enable_keep_alive"`
	KeepAliveInterval  time.Duration `json:"keep_alive_interval"`
	KeepAliveProbes    int           `json:"keep_alive_probes"`
	KeepAliveTimeout   time.Duration `json:"keep_alive_timeout"`
	EnableNagle        bool          `json:"enable_nagle"`
	MaxConnections     int           `json:"max_connections"`
	ReuseAddress       bool          `json:"reuse_address"`
	BindInterface      string        `json:"bind_interface"`
	EnableSSL          bool          `json:"enable_ssl"`
	SSLCertPath        string        `json:"ssl_cert_path"`
	SSLKeyPath         string        `json:"ssl_key_path"`
	SSLCAPath          string        `json:"ssl_ca_path"`
	EnableCompression  bool          `json:"enable_compression"`
	EnableMessageBatching bool       `json:"enable_message_batching"`
	MaxBatchSize       int           `json:"max_batch_size"`
	BatchTimeout       time.Duration `json:"batch_timeout"`

	// EnableDiscovery is a supplemental option, off by default: when set on
	// a server-mode config, Server.Start advertises itself over mDNS so
	// ASCOM/INDI-style clients can find it on the LAN without a hardcoded
	// address.
	EnableDiscovery   bool   `json:"enable_discovery"`
	DiscoveryService  string `json:"discovery_service"`
	DiscoveryInstance string `json:"discovery_instance"`
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		ConnectTimeout:    10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
		BufferSize:        8192,
		EnableKeepAlive:   true,
		KeepAliveInterval: 30 * time.Second,
		KeepAliveProbes:   3,
		KeepAliveTimeout:  90 * time.Second,
		EnableNagle:       false,
		MaxConnections:    100,
		ReuseAddress:      true,
		EnableMessageBatching: false,
		MaxBatchSize:      50,
		BatchTimeout:      200 * time.Millisecond,
	}
}
