package delivery

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink receives messages ready to be written to a client.
type Sink func(clientID string, msg any)

// BatchFrame is the aggregate message produced by a flush.
type BatchFrame struct {
	Type      string    `json:"type"`
	Messages  []any     `json:"messages"`
	BatchSize int       `json:"batchSize"`
	Priority  string    `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

type batchKey struct {
	client   string
	priority Priority
}

type batch struct {
	items   []any
	timer   *time.Timer
	started time.Time
}

// Batcher groups MEDIUM and LOW messages per client and priority.
// HIGH messages go straight to the sink.
type Batcher struct {
	mu      sync.Mutex
	batches map[batchKey]*batch
	maxSize int
	maxWait time.Duration
	sink    Sink
	metrics *Metrics
	logger  *zap.Logger
}

func newBatcher(cfg Config, sink Sink, metrics *Metrics, logger *zap.Logger) *Batcher {
	return &Batcher{
		batches: make(map[batchKey]*batch),
		maxSize: cfg.MaxBatchSize,
		maxWait: cfg.MaxBatchWait,
		sink:    sink,
		metrics: metrics,
		logger:  logger,
	}
}

// Enqueue queues msg for clientID. A batch flushes when it reaches the
// size limit or when maxWait has passed since its first message.
func (b *Batcher) Enqueue(clientID string, msg any, p Priority) {
	if p == High {
		b.metrics.incMessages(true)
		b.sink(clientID, msg)
		return
	}
	b.metrics.incMessages(false)

	key := batchKey{client: clientID, priority: p}
	b.mu.Lock()
	bt, ok := b.batches[key]
	if !ok {
		bt = &batch{started: time.Now()}
		b.batches[key] = bt
		bt.timer = time.AfterFunc(b.maxWait, func() { b.flushIf(key, bt) })
	}
	bt.items = append(bt.items, msg)
	if len(bt.items) < b.maxSize {
		b.mu.Unlock()
		return
	}
	b.detach(key, bt)
	b.mu.Unlock()
	b.emit(key, bt)
}

// flushIf flushes bt only if it is still the live batch for key, so a
// timer racing a size flush cannot emit twice.
func (b *Batcher) flushIf(key batchKey, bt *batch) {
	b.mu.Lock()
	if b.batches[key] != bt {
		b.mu.Unlock()
		return
	}
	b.detach(key, bt)
	b.mu.Unlock()
	b.emit(key, bt)
}

// detach removes bt from the live set. Caller holds mu.
func (b *Batcher) detach(key batchKey, bt *batch) {
	bt.timer.Stop()
	delete(b.batches, key)
}

func (b *Batcher) emit(key batchKey, bt *batch) {
	if len(bt.items) == 0 {
		return
	}
	b.metrics.incBatch(len(bt.items))
	b.sink(key.client, &BatchFrame{
		Type:      "batched_messages",
		Messages:  bt.items,
		BatchSize: len(bt.items),
		Priority:  key.priority.String(),
		Timestamp: time.Now(),
	})
}

// FlushAll emits every pending batch.
func (b *Batcher) FlushAll() int {
	return b.flushWhere(func(batchKey, *batch) bool { return true })
}

// FlushOlderThan emits batches whose first message is older than age.
func (b *Batcher) FlushOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	return b.flushWhere(func(_ batchKey, bt *batch) bool { return bt.started.Before(cutoff) })
}

func (b *Batcher) flushWhere(pred func(batchKey, *batch) bool) int {
	type pending struct {
		key batchKey
		bt  *batch
	}
	b.mu.Lock()
	var out []pending
	for k, bt := range b.batches {
		if pred(k, bt) {
			b.detach(k, bt)
			out = append(out, pending{k, bt})
		}
	}
	b.mu.Unlock()

	for _, p := range out {
		b.emit(p.key, p.bt)
	}
	return len(out)
}

// Drop discards a client's pending batches without emitting them.
func (b *Batcher) Drop(clientID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k, bt := range b.batches {
		if k.client == clientID {
			b.detach(k, bt)
			n++
		}
	}
	if n > 0 {
		b.logger.Debug("dropped pending batches", zap.String("client", clientID), zap.Int("count", n))
	}
	return n
}

// Pending returns the number of open batches.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}
