package connpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	id        string
	connected bool
	healthy   bool
}

func (s *stubConn) Connect(context.Context) error  { s.connected = true; return nil }
func (s *stubConn) Disconnect()                    { s.connected = false }
func (s *stubConn) IsConnected() bool               { return s.connected }
func (s *stubConn) IsHealthy() bool                 { return s.healthy }
func (s *stubConn) ID() string                      { return s.id }
func (s *stubConn) Metadata() map[string]interface{} { return nil }

type stubFactory struct {
	mu      sync.Mutex
	counter int64
	fail    bool
}

func (f *stubFactory) CreateConnection(context.Context) (Connection, error) {
	if f.fail {
		return nil, fmt.Errorf("factory failure")
	}
	id := atomic.AddInt64(&f.counter, 1)
	return &stubConn{id: fmt.Sprintf("conn-%d", id), healthy: true}, nil
}

func (f *stubFactory) ValidateConnection(c Connection) bool {
	sc := c.(*stubConn)
	return sc.healthy
}

func (f *stubFactory) ConnectionType() string { return "stub" }

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.MinConnections = 1
	cfg.InitialConnections = 1
	cfg.MaxConnections = 3
	cfg.AcquireTimeout = 200 * time.Millisecond
	cfg.HealthCheckInterval = 0
	cfg.CleanupInterval = 0
	return cfg
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New(testConfig(), &stubFactory{})
	defer p.Shutdown()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(conn))

	stats := p.Stats()
	assert.Equal(t, 0, stats.ActiveConnections)
	assert.Equal(t, 1, stats.IdleConnections)
}

func TestAcquireBlocksPastMaxConnectionsThenTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	cfg.InitialConnections = 0
	cfg.AcquireTimeout = 50 * time.Millisecond
	p := New(cfg, &stubFactory{})
	defer p.Shutdown()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	assert.Error(t, err)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.AcquisitionTimeouts)

	require.NoError(t, p.Release(conn))
}

func TestAcquireUnblocksOnRelease(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	cfg.InitialConnections = 0
	cfg.AcquireTimeout = time.Second
	p := New(cfg, &stubFactory{})
	defer p.Shutdown()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan Connection, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		if err == nil {
			done <- c
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Release(conn))

	select {
	case c := <-done:
		assert.NotNil(t, c)
	case <-time.After(time.Second):
		t.Fatal("acquire never unblocked after release")
	}
}

func TestActivePlusIdleNeverExceedsTotal(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 4
	cfg.InitialConnections = 0
	p := New(cfg, &stubFactory{})
	defer p.Shutdown()

	var conns []Connection
	for i := 0; i < 4; i++ {
		c, err := p.Acquire(context.Background())
		require.NoError(t, err)
		conns = append(conns, c)
	}

	stats := p.Stats()
	assert.Equal(t, 4, stats.TotalConnections)
	assert.Equal(t, stats.TotalConnections, stats.ActiveConnections+stats.IdleConnections)
	assert.LessOrEqual(t, stats.TotalConnections, cfg.MaxConnections)

	for _, c := range conns {
		require.NoError(t, p.Release(c))
	}
	stats = p.Stats()
	assert.Equal(t, stats.TotalConnections, stats.ActiveConnections+stats.IdleConnections)
}

func TestUnhealthyConnectionDestroyedOnRelease(t *testing.T) {
	p := New(testConfig(), &stubFactory{})
	defer p.Shutdown()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	conn.(*stubConn).healthy = false
	require.NoError(t, p.Release(conn))

	stats := p.Stats()
	assert.Equal(t, 0, stats.TotalConnections)
	assert.Equal(t, int64(1), stats.DestroyedTotal)
}

func TestAcquireAfterShutdownFails(t *testing.T) {
	p := New(testConfig(), &stubFactory{})
	p.Shutdown()

	_, err := p.Acquire(context.Background())
	assert.Error(t, err)
}

// TestZeroAcquireTimeoutReturnsImmediatelyWhenExhausted covers spec.md §8.3's
// boundary behavior: "Acquire timeout of 0ms returns immediately with
// either a connection or AcquireTimeout." On an exhausted pool the only
// possible outcome is an immediate AcquireTimeout, not an indefinite block.
func TestZeroAcquireTimeoutReturnsImmediatelyWhenExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	cfg.InitialConnections = 0
	cfg.AcquireTimeout = 0
	p := New(cfg, &stubFactory{})
	defer p.Shutdown()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	elapsed := time.Since(start)

	assert.Error(t, err)
	assert.Less(t, elapsed, 100*time.Millisecond)

	require.NoError(t, p.Release(conn))
}
