package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	batches []MessageBatch
}

func (c *collector) onReady(b MessageBatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
	return nil
}

func (c *collector) snapshot() []MessageBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MessageBatch, len(c.batches))
	copy(out, c.batches)
	return out
}

func waitForBatches(c *collector, n int, timeout time.Duration) []MessageBatch {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b := c.snapshot(); len(b) >= n {
			return b
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c.snapshot()
}

func msg(dest string, priority, size int) Message {
	return Message{ID: dest + "-msg", Destination: dest, Priority: priority, Size: size, CreatedAt: time.Now()}
}

func TestFlushAllOnEmptyBatcherProducesNoBatches(t *testing.T) {
	c := &collector{}
	cfg := DefaultConfig()
	b := New(cfg, c.onReady, nil)
	defer b.Shutdown()

	n := b.FlushAll()
	assert.Equal(t, 0, n)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.snapshot())
}

// S4 from spec.md §8.4: max_batch_size=5, destination_batching=true, 3+3
// messages to distinct destinations, flush_all yields exactly 2 batches of
// 3 with distinct destinations.
func TestFlushAllGroupsByDestination(t *testing.T) {
	c := &collector{}
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 5
	cfg.EnableDestinationBatching = true
	b := New(cfg, c.onReady, nil)
	defer b.Shutdown()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.AddMessage(msg("dest_a", 0, 10)))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, b.AddMessage(msg("dest_b", 0, 10)))
	}

	n := b.FlushAll()
	assert.Equal(t, 2, n)

	batches := waitForBatches(c, 2, time.Second)
	require.Len(t, batches, 2)

	dests := map[string]int{}
	for _, batch := range batches {
		assert.Len(t, batch.Messages, 3)
		dests[batch.Destination]++
		for _, m := range batch.Messages {
			assert.Equal(t, batch.Destination, m.Destination)
		}
	}
	assert.Len(t, dests, 2)
}

func TestMaxBatchSizeOneProducesOneBatchPerMessage(t *testing.T) {
	c := &collector{}
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 1
	cfg.FlushInterval = 5 * time.Millisecond
	cfg.BatchTimeout = time.Hour // force size to be the trigger
	b := New(cfg, c.onReady, nil)
	defer b.Shutdown()

	for i := 0; i < 4; i++ {
		require.NoError(t, b.AddMessage(msg("only", 0, 1)))
	}

	batches := waitForBatches(c, 4, time.Second)
	require.Len(t, batches, 4)
	for _, batch := range batches {
		assert.Len(t, batch.Messages, 1)
	}
}

func TestBatchReadyAfterTimeoutEvenBelowSize(t *testing.T) {
	c := &collector{}
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 100
	cfg.BatchTimeout = 20 * time.Millisecond
	cfg.FlushInterval = 5 * time.Millisecond
	b := New(cfg, c.onReady, nil)
	defer b.Shutdown()

	require.NoError(t, b.AddMessage(msg("dest_a", 0, 10)))

	batches := waitForBatches(c, 1, time.Second)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Messages, 1)
}

func TestAddMessageAfterShutdownFails(t *testing.T) {
	b := New(DefaultConfig(), nil, nil)
	b.Shutdown()

	err := b.AddMessage(msg("dest_a", 0, 1))
	assert.Error(t, err)
}

func TestBatchProcessedReportsCallbackFailure(t *testing.T) {
	var mu sync.Mutex
	var gotSuccess bool
	var called bool
	onReady := func(MessageBatch) error { return assertErr{} }
	onProcessed := func(_ MessageBatch, success bool, _ error) {
		mu.Lock()
		defer mu.Unlock()
		called = true
		gotSuccess = success
	}

	cfg := DefaultConfig()
	cfg.MaxBatchSize = 1
	b := New(cfg, onReady, onProcessed)
	defer b.Shutdown()

	require.NoError(t, b.AddMessage(msg("dest_a", 0, 1)))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := called
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, called)
	assert.False(t, gotSuccess)

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.BatchesFailed)
}

type assertErr struct{}

func (assertErr) Error() string { return "batch_ready failed" }
