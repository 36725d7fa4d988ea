package memory

import (
	"sync"

	"go.uber.org/zap"
)

// AsyncObserver forwards callbacks to a wrapped Observer on a single
// background goroutine. When the queue is full the callback is dropped.
type AsyncObserver struct {
	next    Observer
	queue   chan func()
	done    chan struct{}
	once    sync.Once
	dropped uint64
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewAsyncObserver starts a worker delivering to next.
func NewAsyncObserver(next Observer, buffer int, logger *zap.Logger) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		next:   next,
		queue:  make(chan func(), buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go a.run(a.queue)
	return a
}

func (a *AsyncObserver) run(queue <-chan func()) {
	defer close(a.done)
	for fn := range queue {
		fn()
	}
}

func (a *AsyncObserver) enqueue(kind string, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.queue == nil {
		return
	}
	select {
	case a.queue <- fn:
	default:
		a.dropped++
		a.logger.Warn("memory observer queue full, dropping callback",
			zap.String("callback", kind),
			zap.Uint64("dropped", a.dropped))
	}
}

func (a *AsyncObserver) MemoryEvicted(items []Item, reason EvictReason) {
	a.enqueue("evicted", func() { a.next.MemoryEvicted(items, reason) })
}

func (a *AsyncObserver) MemoryConsolidated(report ConsolidationReport, clusters []Cluster) {
	a.enqueue("consolidated", func() { a.next.MemoryConsolidated(report, clusters) })
}

// Close drains pending callbacks and stops the worker.
func (a *AsyncObserver) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		close(a.queue)
		a.queue = nil
		a.mu.Unlock()
		<-a.done
	})
}
