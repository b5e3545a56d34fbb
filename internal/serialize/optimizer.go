// Package serialize implements C2, the SerializationOptimizer: JSON<->string
// conversion with a content-addressed LRU cache and an async worker pool.
// Grounded on the teacher's internal/core/performance/database package
// (MemoryQueryCache's hashed-key, ticker-swept cache), generalized from SQL
// query results to arbitrary JSON values per spec.md §4.2.
package serialize

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/astroproject/astrocomm-core/internal/comm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config mirrors spec.md §6.3 SerializationOptimizerConfig.
type Config struct {
	EnableCaching            bool          `json:"enable_caching"`
	EnableCompression        bool          `json:"enable_compression"`
	EnableAsyncSerialization bool          `json:"enable_async_serialization"`
	CacheMaxSize             int           `json:"cache_max_size"`
	CompressionThreshold     int           `json:"compression_threshold"`
	CacheTimeout             time.Duration `json:"cache_timeout"`
	AsyncTimeout             time.Duration `json:"async_timeout"`
	WorkerThreads            int           `json:"worker_threads"`
	EnableMetrics            bool          `json:"enable_metrics"`
}

func DefaultConfig() *Config {
	return &Config{
		EnableCaching:            true,
		EnableCompression:        false,
		EnableAsyncSerialization: true,
		CacheMaxSize:             10000,
		CompressionThreshold:     1024,
		CacheTimeout:             10 * time.Minute,
		AsyncTimeout:             5 * time.Second,
		WorkerThreads:            4,
		EnableMetrics:            true,
	}
}

// Stats is a snapshot of optimizer metrics.
type Stats struct {
	CacheHits              int64
	CacheMisses            int64
	AverageSerializationMs float64
	CacheSize              int
}

type task func()

// Future is a one-shot result, completed exactly once, safe to Await from
// multiple goroutines. Grounded on spec.md §9's redesign note: "genuinely
// decouple acceptance from delivery using a channel or task" instead of a
// future that silently resolves synchronously.
type Future[T any] struct {
	done   chan struct{}
	result T
	err    error
	once   sync.Once
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func completed[T any](v T, err error) *Future[T] {
	f := newFuture[T]()
	f.complete(v, err)
	return f
}

func (f *Future[T]) complete(v T, err error) {
	f.once.Do(func() {
		f.result = v
		f.err = err
		close(f.done)
	})
}

// Await blocks until the future resolves or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Optimizer is the C2 SerializationOptimizer.
type Optimizer struct {
	cfg *Config
	log *logrus.Entry

	mu    sync.Mutex
	cache *cacheStore
	stats Stats

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	taskCh chan task

	running    bool
	runningMu  sync.Mutex
	stopCh     chan struct{}
	stopOnce   sync.Once
	workersWG  sync.WaitGroup
	cleanupWG  sync.WaitGroup
}

// New builds a SerializationOptimizer and, if async is enabled, its worker
// pool, plus a cache-expiry sweeper when caching is enabled.
func New(cfg *Config) *Optimizer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	enc, _ := zstd.NewWriter(nil)
	dec, _ := zstd.NewReader(nil)

	o := &Optimizer{
		cfg:     cfg,
		log:     logrus.WithField("component", "serialization_optimizer"),
		cache:   newCacheStore(cfg.CacheMaxSize),
		encoder: enc,
		decoder: dec,
		running: true,
		stopCh:  make(chan struct{}),
	}

	if cfg.EnableAsyncSerialization {
		queueSize := cfg.WorkerThreads * 16
		if queueSize < 16 {
			queueSize = 16
		}
		o.taskCh = make(chan task, queueSize)
		for i := 0; i < cfg.WorkerThreads; i++ {
			o.workersWG.Add(1)
			go o.worker()
		}
	}

	if cfg.EnableCaching && cfg.CacheTimeout > 0 {
		o.cleanupWG.Add(1)
		go o.cacheSweepLoop()
	}

	return o
}

func (o *Optimizer) worker() {
	defer o.workersWG.Done()
	for {
		select {
		case t := <-o.taskCh:
			t()
		case <-o.stopCh:
			// Drain whatever is already queued before exiting, per spec.md
			// §4.2 "Shutdown ... drains the queue, joins."
			for {
				select {
				case t := <-o.taskCh:
					t()
				default:
					return
				}
			}
		}
	}
}

func (o *Optimizer) cacheSweepLoop() {
	defer o.cleanupWG.Done()
	ticker := time.NewTicker(o.cfg.CacheTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.mu.Lock()
			o.cache.evictExpired(o.cfg.CacheTimeout)
			o.mu.Unlock()
		case <-o.stopCh:
			return
		}
	}
}

func cacheKey(dump []byte) string {
	return fmt.Sprintf("%x", xxhash.Sum64(dump))
}

func (o *Optimizer) recordTiming(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sample := float64(d.Microseconds()) / 1000.0
	if o.stats.AverageSerializationMs == 0 {
		o.stats.AverageSerializationMs = sample
	} else {
		o.stats.AverageSerializationMs = (o.stats.AverageSerializationMs + sample) / 2
	}
}

// Serialize dumps value to JSON text, consulting and populating the cache
// and compressing the stored (not returned) representation per spec.md §4.2.
func (o *Optimizer) Serialize(value interface{}) (string, error) {
	start := time.Now()
	defer func() { o.recordTiming(time.Since(start)) }()

	dump, err := json.Marshal(value)
	if err != nil {
		return "", comm.SerializationFailed("serialize", err)
	}

	if !o.cfg.EnableCaching {
		return string(dump), nil
	}

	key := cacheKey(dump)

	o.mu.Lock()
	if entry, ok := o.cache.get(key); ok {
		o.stats.CacheHits++
		o.mu.Unlock()
		if entry.IsCompressed {
			raw, derr := o.decoder.DecodeAll([]byte(entry.SerializedData), nil)
			if derr != nil {
				return "", comm.SerializationFailed("serialize:decompress-cached", derr)
			}
			return string(raw), nil
		}
		return entry.SerializedData, nil
	}
	o.stats.CacheMisses++
	o.mu.Unlock()

	stored := string(dump)
	compressed := false
	if o.cfg.EnableCompression && len(dump) >= o.cfg.CompressionThreshold {
		c := o.encoder.EncodeAll(dump, nil)
		if len(c) < len(dump) {
			stored = string(c)
			compressed = true
		}
	}

	now := time.Now()
	o.mu.Lock()
	o.cache.put(key, &CacheEntry{
		SerializedData: stored,
		CreatedAt:      now,
		LastAccessed:   now,
		AccessCount:    1,
		OriginalSize:   len(dump),
		IsCompressed:   compressed,
	})
	o.mu.Unlock()

	return string(dump), nil
}

// Deserialize parses str back into a generic JSON value. If compression is
// enabled, a decompression attempt is made first and its failure tolerated
// (the input is treated as already plain, per spec.md §4.2).
func (o *Optimizer) Deserialize(str string) (interface{}, error) {
	data := []byte(str)
	if o.cfg.EnableCompression {
		if raw, err := o.decoder.DecodeAll(data, nil); err == nil {
			data = raw
		}
	}

	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, comm.SerializationFailed("deserialize", err)
	}
	return value, nil
}

// SerializeAsync enqueues a serialize task. If async serialization is
// disabled, it runs synchronously and returns an already-completed future.
func (o *Optimizer) SerializeAsync(value interface{}) *Future[string] {
	if !o.cfg.EnableAsyncSerialization {
		s, err := o.Serialize(value)
		return completed(s, err)
	}

	o.runningMu.Lock()
	running := o.running
	o.runningMu.Unlock()
	if !running {
		return completed("", comm.PoolShutdown("serialize_async"))
	}

	f := newFuture[string]()
	t := func() {
		s, err := o.Serialize(value)
		f.complete(s, err)
	}
	select {
	case o.taskCh <- t:
	case <-time.After(o.cfg.AsyncTimeout):
		f.complete("", comm.AcquireTimeout("serialize_async", o.cfg.AsyncTimeout))
	}
	return f
}

// DeserializeAsync is the async counterpart of Deserialize.
func (o *Optimizer) DeserializeAsync(str string) *Future[interface{}] {
	if !o.cfg.EnableAsyncSerialization {
		v, err := o.Deserialize(str)
		return completed(v, err)
	}

	o.runningMu.Lock()
	running := o.running
	o.runningMu.Unlock()
	if !running {
		return completed[interface{}](nil, comm.PoolShutdown("deserialize_async"))
	}

	f := newFuture[interface{}]()
	t := func() {
		v, err := o.Deserialize(str)
		f.complete(v, err)
	}
	select {
	case o.taskCh <- t:
	case <-time.After(o.cfg.AsyncTimeout):
		f.complete(nil, comm.AcquireTimeout("deserialize_async", o.cfg.AsyncTimeout))
	}
	return f
}

// Stats returns a point-in-time metrics snapshot.
func (o *Optimizer) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.CacheSize = o.cache.len()
	return s
}

// Shutdown signals workers, drains the task queue, and joins every
// goroutine. Safe to call once; subsequent calls are a no-op.
func (o *Optimizer) Shutdown() {
	o.stopOnce.Do(func() {
		o.runningMu.Lock()
		o.running = false
		o.runningMu.Unlock()

		close(o.stopCh)
	})
	o.workersWG.Wait()
	o.cleanupWG.Wait()
}
