package pool

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestReleasedObjectReappearsOnNextAcquire implements spec.md §8.1's
// quantified invariant: "for every handle returned by MemoryPool.acquire
// that is dropped while the pool is running and under max_pool_size, the
// underlying object reappears on a subsequent acquire" — i.e. hit ratio is
// strictly positive as soon as one release has happened, regardless of how
// many acquire/release cycles a random sequence performs first.
func TestReleasedObjectReappearsOnNextAcquire(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("a release is always followed by a hit on next acquire", prop.ForAll(
		func(ops []bool) bool {
			cfg := DefaultConfig()
			cfg.InitialPoolSize = 0
			cfg.MaxPoolSize = 5
			cfg.EnableAutoCleanup = false

			calls := 0
			p := New("prop-test", cfg, func() (int, error) {
				calls++
				return calls, nil
			})
			defer p.Shutdown()

			var held []*Handle[int]
			for _, wantAcquire := range ops {
				before := p.Stats()

				if wantAcquire || len(held) == 0 {
					h, ok := p.Acquire()
					if !ok {
						return false
					}
					after := p.Stats()
					// A release just prior means idle was non-empty, so this
					// acquire must have been a hit, not a miss.
					if before.CurrentPoolSize > before.CurrentActiveObjects && after.PoolHits <= before.PoolHits {
						return false
					}
					held = append(held, h)
				} else {
					h := held[len(held)-1]
					held = held[:len(held)-1]
					h.Release()
				}
			}
			return true
		},
		gen.SliceOfN(30, gen.Bool()),
	))

	properties.TestingRun(t)
}
