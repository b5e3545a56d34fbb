// Package communicator implements C6, the TcpCommunicator façade: the
// single DeviceCommunicator entry point wiring C1 (memory pool), C2
// (serialization optimizer), C3 (message batcher), C4 (connection pool),
// and C5 (TcpSession/TcpServer) behind the contract spec.md §6.1 describes.
// Grounded on the teacher's composition-root style in
// internal/adapters/*/client.go, where a typed client wraps a transport and
// exposes a small, stable method set rather than the transport's own API.
package communicator

import (
	"github.com/astroproject/astrocomm-core/internal/batch"
	"github.com/astroproject/astrocomm-core/internal/connpool"
	"github.com/astroproject/astrocomm-core/internal/metrics"
	"github.com/astroproject/astrocomm-core/internal/pool"
	"github.com/astroproject/astrocomm-core/internal/serialize"
	"github.com/astroproject/astrocomm-core/internal/tcp"
)

// Config composes the TcpConnectionConfig with the enable-gated performance
// components it wires per spec.md §4.6 "Construction."
type Config struct {
	TCP *tcp.ConnectionConfig

	EnableMemoryPool  bool
	EnableSerializer  bool
	EnableConnPool    bool

	Pool      *pool.Config
	Serialize *serialize.Config
	Batch     *batch.Config
	ConnPool  *connpool.Config

	// Metrics is optional; when nil no prometheus metrics are recorded.
	Metrics *metrics.Collector
}

// DefaultConfig mirrors the teacher's nil-config defaulting pattern, every
// sub-component getting its own package default.
func DefaultConfig() *Config {
	return &Config{
		TCP:              tcp.DefaultConnectionConfig(),
		EnableMemoryPool: true,
		EnableSerializer: true,
		EnableConnPool:   false,
		Pool:             pool.DefaultConfig(),
		Serialize:        serialize.DefaultConfig(),
		Batch:            batch.DefaultConfig(),
		ConnPool:         connpool.DefaultConfig(),
	}
}
