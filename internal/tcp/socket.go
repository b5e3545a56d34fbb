package tcp

import "net"

// applySocketOptions applies SO_KEEPALIVE and TCP_NODELAY per spec.md §4.5.
// Non-TCP connections (e.g. net.Pipe in tests) are left untouched.
func applySocketOptions(conn net.Conn, cfg *ConnectionConfig) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if cfg.EnableKeepAlive {
		tcpConn.SetKeepAlive(true)
		if cfg.KeepAliveInterval > 0 {
			tcpConn.SetKeepAlivePeriod(cfg.KeepAliveInterval)
		}
	} else {
		tcpConn.SetKeepAlive(false)
	}
	// TCP_NODELAY is the inverse of Nagle's algorithm.
	tcpConn.SetNoDelay(!cfg.EnableNagle)
}
