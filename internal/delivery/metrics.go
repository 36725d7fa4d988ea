package delivery

import (
	"sync"
	"time"
)

// Metrics accumulates delivery counters.
type Metrics struct {
	mu                sync.Mutex
	messagesProcessed uint64
	immediate         uint64
	batchesFlushed    uint64
	batchedMessages   uint64
	cacheHits         uint64
	cacheMisses       uint64
	avgResponseMs     float64
	responses         uint64
	started           time.Time
}

func newMetrics() *Metrics {
	return &Metrics{started: time.Now()}
}

func (m *Metrics) incMessages(immediate bool) {
	m.mu.Lock()
	m.messagesProcessed++
	if immediate {
		m.immediate++
	}
	m.mu.Unlock()
}

func (m *Metrics) incBatch(size int) {
	m.mu.Lock()
	m.batchesFlushed++
	m.batchedMessages += uint64(size)
	m.mu.Unlock()
}

func (m *Metrics) incCache(hit bool) {
	m.mu.Lock()
	if hit {
		m.cacheHits++
	} else {
		m.cacheMisses++
	}
	m.mu.Unlock()
}

// RecordResponseTime folds d into the rolling average, weighting the
// latest sample at one half.
func (m *Metrics) RecordResponseTime(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	m.mu.Lock()
	if m.responses == 0 {
		m.avgResponseMs = ms
	} else {
		m.avgResponseMs = (m.avgResponseMs + ms) / 2
	}
	m.responses++
	m.mu.Unlock()
}

// Snapshot is a read-only view of delivery metrics.
type Snapshot struct {
	MessagesProcessed   uint64  `json:"messages_processed"`
	ImmediateDispatches uint64  `json:"immediate_dispatches"`
	BatchesFlushed      uint64  `json:"batches_flushed"`
	BatchedMessages     uint64  `json:"batched_messages"`
	CacheHits           uint64  `json:"cache_hits"`
	CacheMisses         uint64  `json:"cache_misses"`
	CacheHitRate        float64 `json:"cache_hit_rate"`
	AvgResponseTimeMs   float64 `json:"avg_response_time_ms"`
	ActiveConnections   int     `json:"active_connections"`
	CacheSize           int     `json:"cache_size"`
	ActiveBatches       int     `json:"active_batches"`
	UptimeSeconds       float64 `json:"uptime_seconds"`
}

func (m *Metrics) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		MessagesProcessed:   m.messagesProcessed,
		ImmediateDispatches: m.immediate,
		BatchesFlushed:      m.batchesFlushed,
		BatchedMessages:     m.batchedMessages,
		CacheHits:           m.cacheHits,
		CacheMisses:         m.cacheMisses,
		AvgResponseTimeMs:   m.avgResponseMs,
		UptimeSeconds:       time.Since(m.started).Seconds(),
	}
	if total := m.cacheHits + m.cacheMisses; total > 0 {
		s.CacheHitRate = float64(m.cacheHits) / float64(total)
	}
	return s
}
