package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestDispatchedBatchesRespectDestinationAndSizeInvariants implements
// spec.md §8.1's quantified MessageBatcher invariants: with
// enable_destination_batching=true, every dispatched batch's messages share
// one destination; and every dispatched batch obeys
// total_size <= max_batch_size_bytes and len(messages) <= max_batch_size.
func TestDispatchedBatchesRespectDestinationAndSizeInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("dispatched batches are single-destination and within size bounds", prop.ForAll(
		func(destIdx []int, sizes []int) bool {
			n := len(destIdx)
			if len(sizes) < n {
				n = len(sizes)
			}

			cfg := DefaultConfig()
			cfg.MaxBatchSize = 5
			cfg.MaxBatchSizeBytes = 200
			cfg.EnableDestinationBatching = true
			cfg.EnablePriorityBatching = false
			cfg.BatchTimeout = 10 * time.Millisecond
			cfg.FlushInterval = 5 * time.Millisecond

			var mu sync.Mutex
			var dispatched []MessageBatch

			b := New(cfg, func(batch MessageBatch) error {
				mu.Lock()
				dispatched = append(dispatched, batch)
				mu.Unlock()
				return nil
			}, nil)
			defer b.Shutdown()

			destinations := []string{"a", "b", "c"}
			for i := 0; i < n; i++ {
				dest := destinations[destIdx[i]%len(destinations)]
				size := sizes[i]%64 + 1
				_ = b.AddMessage(Message{
					ID:          "m",
					Destination: dest,
					Priority:    0,
					Size:        size,
					CreatedAt:   time.Now(),
				})
			}

			deadline := time.Now().Add(2 * time.Second)
			for {
				mu.Lock()
				got := 0
				for _, batch := range dispatched {
					got += len(batch.Messages)
				}
				mu.Unlock()
				if got >= n || !time.Now().Before(deadline) {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}

			mu.Lock()
			defer mu.Unlock()
			for _, batch := range dispatched {
				if len(batch.Messages) > cfg.MaxBatchSize {
					return false
				}
				if batch.TotalSize > cfg.MaxBatchSizeBytes {
					return false
				}
				for _, m := range batch.Messages {
					if m.Destination != batch.Destination {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(20, gen.IntRange(0, 2)),
		gen.SliceOfN(20, gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}
