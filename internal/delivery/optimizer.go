package delivery

import (
	"time"

	"go.uber.org/zap"
)

// Optimizer batches outbound traffic, tracks client connections and
// caches computed responses.
type Optimizer struct {
	cfg     Config
	batcher *Batcher
	pool    *Pool
	cache   *Cache
	metrics *Metrics
	logger  *zap.Logger
}

// New creates an optimizer that hands ready messages to sink.
func New(cfg Config, sink Sink, logger *zap.Logger) *Optimizer {
	cfg = cfg.withDefaults()
	m := newMetrics()
	return &Optimizer{
		cfg:     cfg,
		batcher: newBatcher(cfg, sink, m, logger),
		pool:    newPool(cfg, logger),
		cache:   newCache(cfg.MaxCacheSize, m),
		metrics: m,
		logger:  logger,
	}
}

// Config returns the effective limits.
func (o *Optimizer) Config() Config { return o.cfg }

// Enqueue schedules msg for clientID at priority p.
func (o *Optimizer) Enqueue(clientID string, msg any, p Priority) {
	o.batcher.Enqueue(clientID, msg, p)
}

// FlushAll emits every pending batch.
func (o *Optimizer) FlushAll() int { return o.batcher.FlushAll() }

// SweepBatches flushes batches older than StaleBatchAge.
func (o *Optimizer) SweepBatches() int {
	n := o.batcher.FlushOlderThan(o.cfg.StaleBatchAge)
	if n > 0 {
		o.logger.Debug("stale batches flushed", zap.Int("count", n))
	}
	return n
}

// DropClient discards a disconnected client's pending batches.
func (o *Optimizer) DropClient(clientID string) { o.batcher.Drop(clientID) }

// GetConnection returns a valid pooled record for (id, kind).
func (o *Optimizer) GetConnection(id, kind string) Connection { return o.pool.Get(id, kind) }

// ReleaseConnection touches the record's last-used time.
func (o *Optimizer) ReleaseConnection(id, kind string) { o.pool.Release(id, kind) }

// CloseConnection marks the record inactive and drops it.
func (o *Optimizer) CloseConnection(id, kind string) { o.pool.Close(id, kind) }

// SweepConnections removes idle records.
func (o *Optimizer) SweepConnections() int {
	n := o.pool.Sweep()
	if n > 0 {
		o.logger.Debug("idle connections swept", zap.Int("count", n))
	}
	return n
}

// CacheGet looks up a cached value.
func (o *Optimizer) CacheGet(key string) (any, bool) { return o.cache.Get(key) }

// CacheSet stores value under key for ttl.
func (o *Optimizer) CacheSet(key string, value any, ttl time.Duration) {
	o.cache.Set(key, value, ttl)
}

// CacheSetCategory stores value with the TTL configured for category.
func (o *Optimizer) CacheSetCategory(category, key string, value any) {
	o.cache.Set(key, value, o.cfg.TTLFor(category))
}

// SweepCache purges expired cache entries.
func (o *Optimizer) SweepCache() int {
	n := o.cache.Sweep()
	if n > 0 {
		o.logger.Debug("expired cache entries purged", zap.Int("count", n))
	}
	return n
}

// RecordResponseTime feeds the rolling response-time average.
func (o *Optimizer) RecordResponseTime(d time.Duration) { o.metrics.RecordResponseTime(d) }

// Snapshot returns current delivery metrics.
func (o *Optimizer) Snapshot() Snapshot {
	s := o.metrics.snapshot()
	s.ActiveConnections = o.pool.Len()
	s.CacheSize = o.cache.Len()
	s.ActiveBatches = o.batcher.Pending()
	return s
}

// Close flushes pending batches.
func (o *Optimizer) Close() {
	n := o.batcher.FlushAll()
	o.logger.Info("delivery optimizer closed", zap.Int("flushed_batches", n))
}
