package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferFactory() Factory[[]byte] {
	return func() ([]byte, error) { return make([]byte, 0, 64), nil }
}

func TestAcquireRecycledAfterRelease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialPoolSize = 1
	cfg.MaxPoolSize = 2
	p := New("test", cfg, newBufferFactory())
	defer p.Shutdown()

	h, ok := p.Acquire()
	require.True(t, ok)
	before := p.Stats()

	h.Release()
	h2, ok := p.Acquire()
	require.True(t, ok)
	defer h2.Release()

	after := p.Stats()
	assert.Greater(t, after.PoolHits, before.PoolHits, "release then acquire should reappear as a hit")
}

func TestAcquireAfterShutdownFails(t *testing.T) {
	p := New("test", DefaultConfig(), newBufferFactory())
	p.Shutdown()

	_, ok := p.Acquire()
	assert.False(t, ok)
}

func TestMaxPoolSizeNeverGrowsBeyondInitial(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialPoolSize = 3
	cfg.MaxPoolSize = 3
	cfg.CleanupInterval = 10 * time.Millisecond
	cfg.GrowthThreshold = 0.0 // would always want to grow if allowed
	p := New("test", cfg, newBufferFactory())
	defer p.Shutdown()

	handles := make([]*Handle[[]byte], 0, 3)
	for i := 0; i < 3; i++ {
		h, ok := p.Acquire()
		require.True(t, ok)
		handles = append(handles, h)
	}
	time.Sleep(30 * time.Millisecond) // let the sweeper run at least once

	stats := p.Stats()
	assert.LessOrEqual(t, stats.CurrentPoolSize, cfg.MaxPoolSize)

	for _, h := range handles {
		h.Release()
	}
}

func TestHandleReleaseIsIdempotent(t *testing.T) {
	p := New("test", DefaultConfig(), newBufferFactory())
	defer p.Shutdown()

	h, ok := p.Acquire()
	require.True(t, ok)
	h.Release()
	assert.NotPanics(t, func() { h.Release() })
}

func TestFactoryFailureIsAMissNotACrash(t *testing.T) {
	calls := 0
	factory := func() ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, assertErr{}
		}
		return make([]byte, 0, 8), nil
	}
	cfg := DefaultConfig()
	cfg.InitialPoolSize = 0
	p := New("test", cfg, factory)
	defer p.Shutdown()

	_, ok := p.Acquire()
	assert.False(t, ok, "first factory call fails, acquire should miss, not panic")

	h, ok := p.Acquire()
	assert.True(t, ok)
	h.Release()
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
