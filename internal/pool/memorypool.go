// Package pool implements C1, a generic pool of reusable objects with
// auto-sizing and RAII-style return-on-drop, grounded on the teacher's
// internal/core/performance/memory package (ObjectPoolManager's Pool
// interface and sweep loop) and generalized to a single type parameter
// instead of one concrete pool per object kind.
package pool

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config mirrors spec.md §6.3 MemoryPoolConfig.
type Config struct {
	InitialPoolSize    int           `json:"initial_pool_size"`
	MaxPoolSize        int           `json:"max_pool_size"`
	GrowthIncrement    int           `json:"growth_increment"`
	GrowthThreshold    float64       `json:"growth_threshold"`
	ShrinkThreshold    float64       `json:"shrink_threshold"`
	CleanupInterval    time.Duration `json:"cleanup_interval"`
	ObjectTimeout      time.Duration `json:"object_timeout"`
	EnableMetrics      bool          `json:"enable_metrics"`
	EnableAutoCleanup  bool          `json:"enable_auto_cleanup"`
	EnableThreadSafety bool          `json:"enable_thread_safety"`
}

// DefaultConfig mirrors the teacher's nil-config defaulting pattern
// (NewObjectPoolManager / NewSQLitePoolManager).
func DefaultConfig() *Config {
	return &Config{
		InitialPoolSize:    10,
		MaxPoolSize:        1000,
		GrowthIncrement:    10,
		GrowthThreshold:    0.8,
		ShrinkThreshold:    0.3,
		CleanupInterval:    time.Minute,
		ObjectTimeout:      5 * time.Minute,
		EnableMetrics:      true,
		EnableAutoCleanup:  true,
		EnableThreadSafety: true,
	}
}

// Stats is a point-in-time snapshot of pool metrics (spec.md §4.1), the Go
// rendition of the original's atomics-backed MemoryPoolMetrics copy/assign
// operators: a plain value struct instead of a struct of atomics.
type Stats struct {
	PoolHits              int64
	PoolMisses            int64
	TotalMemoryAllocated  int64
	CurrentPoolSize       int
	CurrentActiveObjects  int
	PeakPoolSize          int
	PeakActiveObjects     int
}

func (s Stats) HitRatio() float64 {
	total := s.PoolHits + s.PoolMisses
	if total == 0 {
		return 0
	}
	return float64(s.PoolHits) / float64(total)
}

// pooledObject wraps a live T with the bookkeeping spec.md §3.1 requires.
type pooledObject[T any] struct {
	inner      T
	createdAt  time.Time
	lastUsed   time.Time
	usageCount int64
	active     bool
}

// Handle is the caller-held reference returned by Acquire. Its Release
// returns the underlying object to the pool. No finalizer is installed, so
// a handle that is dropped without Release never returns its object.
type Handle[T any] struct {
	obj      *pooledObject[T]
	pool     *MemoryPool[T]
	released bool
}

// Value returns the wrapped object.
func (h *Handle[T]) Value() T { return h.obj.inner }

// Release returns the object to the pool. Only the first call has an
// effect; later calls are no-ops, so defer h.Release() composes with an
// earlier explicit call on an error path.
func (h *Handle[T]) Release() {
	if h.released {
		return
	}
	h.released = true
	h.pool.release(h.obj)
}

// Factory constructs a fresh T for the pool on a miss.
type Factory[T any] func() (T, error)

// MemoryPool is a generic pool of reusable T instances (spec.md §4.1).
type MemoryPool[T any] struct {
	cfg     *Config
	factory Factory[T]
	log     *logrus.Entry

	mu     sync.Mutex
	idle   []*pooledObject[T]
	active map[*pooledObject[T]]struct{}
	stats  Stats

	running  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a MemoryPool and pre-allocates InitialPoolSize idle objects.
func New[T any](name string, cfg *Config, factory Factory[T]) *MemoryPool[T] {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &MemoryPool[T]{
		cfg:     cfg,
		factory: factory,
		log:     logrus.WithField("component", "memorypool").WithField("pool", name),
		active:  make(map[*pooledObject[T]]struct{}),
		running: true,
		stopCh:  make(chan struct{}),
	}
	p.expandLocked(cfg.InitialPoolSize)
	if cfg.EnableAutoCleanup {
		p.wg.Add(1)
		go p.sweepLoop()
	}
	return p
}

// Acquire returns a handle to a recycled or freshly constructed T, or false
// if the pool has been shut down.
func (p *MemoryPool[T]) Acquire() (*Handle[T], bool) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil, false
	}

	var obj *pooledObject[T]
	if n := len(p.idle); n > 0 {
		obj = p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.stats.PoolHits++
	}
	p.mu.Unlock()

	if obj == nil {
		v, err := p.factory()
		if err != nil {
			p.log.WithError(err).Warn("factory failed on acquire miss")
			return nil, false
		}
		obj = &pooledObject[T]{inner: v, createdAt: time.Now(), lastUsed: time.Now()}
		p.mu.Lock()
		p.stats.PoolMisses++
		p.stats.TotalMemoryAllocated++
		p.mu.Unlock()
	}

	p.mu.Lock()
	obj.active = true
	obj.lastUsed = time.Now()
	obj.usageCount++
	p.active[obj] = struct{}{}
	if len(p.active) > p.stats.PeakActiveObjects {
		p.stats.PeakActiveObjects = len(p.active)
	}
	p.mu.Unlock()

	return &Handle[T]{obj: obj, pool: p}, true
}

// release is invoked by Handle.Release. If the pool is running and under
// capacity the object goes idle; otherwise it is discarded.
func (p *MemoryPool[T]) release(obj *pooledObject[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, obj)
	obj.active = false
	obj.lastUsed = time.Now()

	if !p.running || len(p.idle) >= p.cfg.MaxPoolSize {
		return
	}
	p.idle = append(p.idle, obj)
	if len(p.idle)+len(p.active) > p.stats.PeakPoolSize {
		p.stats.PeakPoolSize = len(p.idle) + len(p.active)
	}
}

// expandLocked pre-allocates up to min(current+n, maxPoolSize) idle objects.
// Caller must hold p.mu, except when called from New before any goroutine
// can observe p.
func (p *MemoryPool[T]) expandLocked(n int) {
	current := len(p.idle) + len(p.active)
	target := current + n
	if target > p.cfg.MaxPoolSize {
		target = p.cfg.MaxPoolSize
	}
	for current < target {
		v, err := p.factory()
		if err != nil {
			p.log.WithError(err).Warn("factory failed during expand")
			break
		}
		p.idle = append(p.idle, &pooledObject[T]{inner: v, createdAt: time.Now(), lastUsed: time.Now()})
		p.stats.TotalMemoryAllocated++
		current++
	}
}

// Expand pre-allocates up to n additional idle objects, capped at MaxPoolSize.
func (p *MemoryPool[T]) Expand(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expandLocked(n)
}

// Shrink pops up to n idle objects, never touching active ones.
func (p *MemoryPool[T]) Shrink(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n && len(p.idle) > 0; i++ {
		p.idle = p.idle[:len(p.idle)-1]
	}
}

// Clear destroys all idle objects; active handles survive until released.
func (p *MemoryPool[T]) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle = nil
}

// Stats returns a point-in-time snapshot.
func (p *MemoryPool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.CurrentPoolSize = len(p.idle) + len(p.active)
	s.CurrentActiveObjects = len(p.active)
	return s
}

// Shutdown stops the sweeper and blocks until it has exited. Acquire after
// Shutdown always returns false; Release of an already-issued handle still
// discards the object (running is false).
func (p *MemoryPool[T]) Shutdown() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(p.stopCh)
	})
	p.wg.Wait()
}

// sweepLoop is the background auto-sizer described in spec.md §4.1: evict
// timed-out idle objects, then grow or shrink toward the configured
// utilization thresholds.
func (p *MemoryPool[T]) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweepOnce()
		case <-p.stopCh:
			return
		}
	}
}

func (p *MemoryPool[T]) sweepOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	kept := p.idle[:0]
	for _, obj := range p.idle {
		if now.Sub(obj.lastUsed) > p.cfg.ObjectTimeout {
			continue
		}
		kept = append(kept, obj)
	}
	p.idle = kept

	total := len(p.idle) + len(p.active)
	if total == 0 {
		return
	}
	utilization := float64(len(p.active)) / float64(total)

	if utilization > p.cfg.GrowthThreshold && total < p.cfg.MaxPoolSize {
		p.expandLocked(p.cfg.GrowthIncrement)
	} else if utilization < p.cfg.ShrinkThreshold && total > p.cfg.InitialPoolSize {
		excess := total - p.cfg.InitialPoolSize
		for i := 0; i < excess && len(p.idle) > 0; i++ {
			p.idle = p.idle[:len(p.idle)-1]
		}
	}
}
