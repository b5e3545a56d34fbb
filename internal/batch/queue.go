package batch

import "time"

// batchKey is the (destination, priority) tuple spec.md §3.1 groups
// Messages under. When destination or priority batching is disabled, the
// corresponding field is pinned to its zero value so all messages share one
// bucket along that axis.
type batchKey struct {
	destination string
	priority    int
}

// keyQueue is the per-key FIFO of spec.md §4.3: a running total_size and the
// timestamp of the oldest still-queued message, alongside the messages
// themselves. Not safe for concurrent use; callers hold the Batcher's lock.
type keyQueue struct {
	messages  []Message
	totalSize int
	oldest    time.Time
}

func (q *keyQueue) push(m Message) {
	if len(q.messages) == 0 {
		q.oldest = m.CreatedAt
	}
	q.messages = append(q.messages, m)
	q.totalSize += m.Size
}

// ready reports whether the batch-ready predicate of spec.md §4.3 holds.
func (q *keyQueue) ready(maxBatchSize int, maxBatchSizeBytes int, batchTimeout time.Duration) bool {
	if len(q.messages) == 0 {
		return false
	}
	if len(q.messages) >= maxBatchSize {
		return true
	}
	if maxBatchSizeBytes > 0 && q.totalSize >= maxBatchSizeBytes {
		return true
	}
	if batchTimeout > 0 && time.Since(q.oldest) >= batchTimeout {
		return true
	}
	return false
}

// drain removes up to maxBatchSize messages, stopping earlier if the next
// message would push the running size over maxBatchSizeBytes, per spec.md
// §4.3's batching-worker description. The first message is always taken,
// even when it alone exceeds maxBatchSizeBytes. The remainder, if any,
// stays queued with oldest reset to its new head.
func (q *keyQueue) drain(maxBatchSize int, maxBatchSizeBytes int) []Message {
	n := 0
	size := 0
	for n < len(q.messages) && n < maxBatchSize {
		next := q.messages[n]
		if n > 0 && maxBatchSizeBytes > 0 && size+next.Size > maxBatchSizeBytes {
			break
		}
		size += next.Size
		n++
	}
	if n == 0 {
		return nil
	}
	taken := q.messages[:n]
	remaining := q.messages[n:]
	q.messages = append([]Message(nil), remaining...)
	q.totalSize -= size
	if len(q.messages) > 0 {
		q.oldest = q.messages[0].CreatedAt
	} else {
		q.totalSize = 0
	}
	return taken
}
