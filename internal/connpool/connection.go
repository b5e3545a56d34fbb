// Package connpool implements C4, the ConnectionPool: a pool of abstract
// Connections fronting a ConnectionFactory, with health checks and
// lifecycle-driven growth/shrink. Grounded on
// other_examples/09ea16f9_catherinevee-driftmgr__internal-utils-pool-connection_pool.go.go
// (Connection/Factory interfaces, idle-channel plus waiter-channel acquire
// protocol, maintenance ticker), generalized from that pool's fixed
// min/max-size model to spec.md §4.4's validate-on-acquire, health-check
// worker, and utilization-driven growth/shrink. The factory call itself is
// wrapped in a sony/gobreaker circuit breaker (a dependency none of the
// teacher's own packages use, adopted from the wider example pack) so a
// failing downstream dependency cannot be hammered by every acquire.
package connpool

import (
	"context"
	"time"
)

// Connection is spec.md §4.4's Connection trait (minimum).
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	IsHealthy() bool
	ID() string
	Metadata() map[string]interface{}
}

// Factory is spec.md §4.4's Factory trait.
type Factory interface {
	CreateConnection(ctx context.Context) (Connection, error)
	ValidateConnection(c Connection) bool
	ConnectionType() string
}

// pooledConnection wraps a Connection with the bookkeeping the acquire,
// release, health-check, and maintenance protocols all need.
type pooledConnection struct {
	conn       Connection
	createdAt  time.Time
	lastUsedAt time.Time
	usageCount int64
}

func (p *pooledConnection) expired(maxLifetime time.Duration) bool {
	return maxLifetime > 0 && time.Since(p.createdAt) > maxLifetime
}

func (p *pooledConnection) idleExpired(idleTimeout time.Duration) bool {
	return idleTimeout > 0 && time.Since(p.lastUsedAt) > idleTimeout
}
