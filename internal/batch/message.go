package batch

import (
	"time"
)

// Message is the batcher-internal message type of spec.md §3.1: it is
// deliberately distinct from comm.CommunicationMessage — the batcher only
// needs a destination key, a priority, and a precomputed byte size, not the
// full wire envelope.
type Message struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Destination string                `json:"destination"`
	Payload    map[string]interface{} `json:"payload"`
	Priority   int                    `json:"priority"`
	Size       int                    `json:"size"`
	CreatedAt  time.Time              `json:"created_at"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// MessageBatch is spec.md §3.1's MessageBatch: an ordered group of Messages
// sharing a destination (and, when priority batching is enabled, a priority
// bucket), delivered to the dispatch callback as a unit.
type MessageBatch struct {
	BatchID         string    `json:"batch_id"`
	Messages        []Message `json:"messages"`
	Destination     string    `json:"destination"`
	AveragePriority int       `json:"average_priority"`
	TotalSize       int       `json:"total_size"`
	CreatedAt       time.Time `json:"created_at"`
	ScheduledAt     time.Time `json:"scheduled_at"`
}

func newBatch(key batchKey, messages []Message, id string) MessageBatch {
	total := 0
	prioritySum := 0
	for _, m := range messages {
		total += m.Size
		prioritySum += m.Priority
	}
	avg := 0
	if len(messages) > 0 {
		avg = prioritySum / len(messages)
	}
	now := time.Now()
	return MessageBatch{
		BatchID:         id,
		Messages:        messages,
		Destination:     key.destination,
		AveragePriority: avg,
		TotalSize:       total,
		CreatedAt:       now,
		ScheduledAt:     now,
	}
}
