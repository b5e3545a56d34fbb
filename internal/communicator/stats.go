package communicator

import (
	"sync"
	"time"
)

// CommunicationStats is spec.md §4.6's aggregation: counters plus rolling
// response-time averages, updated under their own lock decoupled from
// transport locks per spec.md §5 "Shared resource policy."
type CommunicationStats struct {
	MessagesSent        int64
	MessagesReceived    int64
	Errors              int64
	MinResponseTimeMs   float64
	MaxResponseTimeMs   float64
	AverageResponseTime float64
	LastActivity        time.Time
}

type statsTracker struct {
	mu    sync.Mutex
	stats CommunicationStats
}

func (t *statsTracker) recordSend(success bool, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.LastActivity = time.Now()
	if !success {
		t.stats.Errors++
		return
	}
	t.stats.MessagesSent++

	ms := float64(elapsed.Microseconds()) / 1000.0
	if t.stats.MinResponseTimeMs == 0 || ms < t.stats.MinResponseTimeMs {
		t.stats.MinResponseTimeMs = ms
	}
	if ms > t.stats.MaxResponseTimeMs {
		t.stats.MaxResponseTimeMs = ms
	}
	if t.stats.AverageResponseTime == 0 {
		t.stats.AverageResponseTime = ms
	} else {
		t.stats.AverageResponseTime = (t.stats.AverageResponseTime + ms) / 2
	}
}

func (t *statsTracker) recordReceive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.MessagesReceived++
	t.stats.LastActivity = time.Now()
}

func (t *statsTracker) snapshot() CommunicationStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// reset zeroes every counter, satisfying spec.md §8.2 "reset_statistics()
// twice in succession yields the same zeroed stats."
func (t *statsTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = CommunicationStats{}
}
