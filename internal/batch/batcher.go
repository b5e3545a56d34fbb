// Package batch implements C3, the MessageBatcher: per-(destination,priority)
// FIFO queues that coalesce individual Messages into size/time-bounded
// MessageBatches and hand them to a dispatch callback. Grounded on the
// teacher's ticker-driven worker pattern (internal/core/performance/database
// pool.go's startMonitoring) generalized from a single monitoring loop to a
// per-key batching sweep. The ready-batch hand-off between the batching
// worker and the dispatch worker runs over ThreeDotsLabs/watermill's
// in-memory gochannel pub/sub instead of a bare Go channel, so bounded
// dispatch concurrency falls out of having several consumers read the same
// subscription.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/astroproject/astrocomm-core/internal/comm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const readyTopic = "batches.ready"

// Config mirrors spec.md §6.3 MessageBatcherConfig.
type Config struct {
	MaxBatchSize              int           `json:"max_batch_size"`
	MaxBatchSizeBytes         int           `json:"max_batch_size_bytes"`
	BatchTimeout              time.Duration `json:"batch_timeout"`
	FlushInterval             time.Duration `json:"flush_interval"`
	EnablePriorityBatching    bool          `json:"enable_priority_batching"`
	EnableDestinationBatching bool          `json:"enable_destination_batching"`
	EnableCompression         bool          `json:"enable_compression"`
	MaxConcurrentBatches      int           `json:"max_concurrent_batches"`
	CompressionThreshold      int           `json:"compression_threshold"`
}

func DefaultConfig() *Config {
	return &Config{
		MaxBatchSize:              50,
		MaxBatchSizeBytes:         64 * 1024,
		BatchTimeout:              200 * time.Millisecond,
		FlushInterval:             50 * time.Millisecond,
		EnablePriorityBatching:    false,
		EnableDestinationBatching: true,
		EnableCompression:         false,
		MaxConcurrentBatches:      4,
		CompressionThreshold:      1024,
	}
}

// BatchReadyFunc is invoked once per dispatched batch. A non-nil error is
// reported back to BatchProcessedFunc as a caught failure; the batcher
// itself stays healthy either way (spec.md §4.3 "Failure semantics").
type BatchReadyFunc func(batch MessageBatch) error

// BatchProcessedFunc observes the outcome of a dispatched batch.
type BatchProcessedFunc func(batch MessageBatch, success bool, err error)

// Stats is a point-in-time snapshot of batcher activity.
type Stats struct {
	MessagesQueued   int64
	BatchesDispatched int64
	BatchesFailed    int64
	QueuedKeys       int
}

// Batcher is the C3 MessageBatcher.
type Batcher struct {
	cfg *Config
	log *logrus.Entry

	onReady     BatchReadyFunc
	onProcessed BatchProcessedFunc

	mu      sync.Mutex
	queues  map[batchKey]*keyQueue
	running bool
	stats   Stats

	pubsub *gochannel.GoChannel

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a MessageBatcher and starts its batching and dispatch
// workers. onReady/onProcessed may be nil; a nil onReady makes every batch a
// no-op delivery that always "succeeds" (useful for flush_all in tests that
// only care about queue draining).
func New(cfg *Config, onReady BatchReadyFunc, onProcessed BatchProcessedFunc) *Batcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	concurrency := cfg.MaxConcurrentBatches
	if concurrency < 1 {
		concurrency = 1
	}

	logger := watermill.NopLogger{}
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: int64(concurrency * 4)}, logger)

	b := &Batcher{
		cfg:         cfg,
		log:         logrus.WithField("component", "message_batcher"),
		onReady:     onReady,
		onProcessed: onProcessed,
		queues:      make(map[batchKey]*keyQueue),
		running:     true,
		pubsub:      pubsub,
		stopCh:      make(chan struct{}),
	}

	readyCh, err := pubsub.Subscribe(context.Background(), readyTopic)
	if err != nil {
		// gochannel.Subscribe only fails once the pub/sub is already closed,
		// which cannot happen this early in construction.
		b.log.WithError(err).Error("failed to subscribe to ready-batch topic")
	}

	for i := 0; i < concurrency; i++ {
		b.wg.Add(1)
		go b.dispatchWorker(readyCh)
	}

	b.wg.Add(1)
	go b.batchingWorker()

	return b
}

func buildKey(cfg *Config, m Message) batchKey {
	k := batchKey{}
	if cfg.EnableDestinationBatching {
		k.destination = m.Destination
	}
	if cfg.EnablePriorityBatching {
		k.priority = m.Priority
	}
	return k
}

// AddMessage enqueues m under its (destination, priority) key. Fails with
// comm.BatcherStopped once the batcher has been stopped.
func (b *Batcher) AddMessage(m Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return comm.BatcherStopped("add_message")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	key := buildKey(b.cfg, m)
	q, ok := b.queues[key]
	if !ok {
		q = &keyQueue{}
		b.queues[key] = q
	}
	q.push(m)
	b.stats.MessagesQueued++
	return nil
}

// batchingWorker wakes every FlushInterval and drains any queue whose
// ready predicate holds, per spec.md §4.3.
func (b *Batcher) batchingWorker() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweepReady()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Batcher) sweepReady() {
	b.mu.Lock()
	var ready []MessageBatch
	for key, q := range b.queues {
		if q.ready(b.cfg.MaxBatchSize, b.cfg.MaxBatchSizeBytes, b.cfg.BatchTimeout) {
			taken := q.drain(b.cfg.MaxBatchSize, b.cfg.MaxBatchSizeBytes)
			if len(taken) > 0 {
				ready = append(ready, newBatch(key, taken, uuid.NewString()))
			}
		}
	}
	b.mu.Unlock()

	for _, batch := range ready {
		b.publish(batch)
	}
}

func (b *Batcher) publish(batch MessageBatch) {
	payload, err := json.Marshal(batch)
	if err != nil {
		b.log.WithError(err).Error("failed to marshal batch for dispatch")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(readyTopic, msg); err != nil {
		b.log.WithError(err).Error("failed to publish ready batch")
	}
}

// dispatchWorker consumes ready batches and invokes the user callbacks.
// Several instances (bounded by MaxConcurrentBatches) read the same
// subscription channel, giving bounded-concurrency dispatch for free.
func (b *Batcher) dispatchWorker(readyCh <-chan *message.Message) {
	defer b.wg.Done()
	if readyCh == nil {
		return
	}
	for msg := range readyCh {
		b.handleReady(msg)
	}
}

func (b *Batcher) handleReady(msg *message.Message) {
	var batch MessageBatch
	if err := json.Unmarshal(msg.Payload, &batch); err != nil {
		b.log.WithError(err).Error("failed to unmarshal dispatched batch")
		msg.Nack()
		return
	}

	success, cbErr := b.invokeReady(batch)

	b.mu.Lock()
	if success {
		b.stats.BatchesDispatched++
	} else {
		b.stats.BatchesFailed++
	}
	b.mu.Unlock()

	if b.onProcessed != nil {
		b.onProcessed(batch, success, cbErr)
	}
	msg.Ack()
}

// invokeReady calls the user's batch_ready callback, catching panics the way
// spec.md §4.3 requires ("Callback exceptions are caught and reported via
// batch_processed(false, error)").
func (b *Batcher) invokeReady(batch MessageBatch) (success bool, err error) {
	if b.onReady == nil {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			success = false
			err = fmt.Errorf("batch_ready panicked: %v", r)
		}
	}()
	if cbErr := b.onReady(batch); cbErr != nil {
		return false, cbErr
	}
	return true, nil
}

// FlushAll drains every queue immediately, regardless of the ready
// predicate, creating one batch per non-empty key and dispatching each.
// Returns the number of batches dispatched.
func (b *Batcher) FlushAll() int {
	return b.flushMatching(func(batchKey) bool { return true })
}

// FlushDestination does the same as FlushAll but only for keys whose
// destination matches d.
func (b *Batcher) FlushDestination(d string) int {
	return b.flushMatching(func(k batchKey) bool { return k.destination == d })
}

func (b *Batcher) flushMatching(match func(batchKey) bool) int {
	b.mu.Lock()
	var ready []MessageBatch
	for key, q := range b.queues {
		if !match(key) || len(q.messages) == 0 {
			continue
		}
		taken := q.drain(len(q.messages), 0)
		if len(taken) > 0 {
			ready = append(ready, newBatch(key, taken, uuid.NewString()))
		}
	}
	b.mu.Unlock()

	for _, batch := range ready {
		b.publish(batch)
	}
	return len(ready)
}

// Stats returns a point-in-time metrics snapshot.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.QueuedKeys = len(b.queues)
	return s
}

// Shutdown stops accepting new messages, signals the batching worker, closes
// the pub/sub (which drains its dispatch workers), and joins everything.
func (b *Batcher) Shutdown() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
		close(b.stopCh)
		if err := b.pubsub.Close(); err != nil {
			b.log.WithError(err).Warn("error closing batch pub/sub")
		}
	})
	b.wg.Wait()
}
