package delivery

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Connection tracks one logical client channel.
type Connection struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	UseCount   int       `json:"use_count"`
	Active     bool      `json:"active"`
}

// Pool keeps connection records keyed by kind and id.
type Pool struct {
	mu          sync.Mutex
	conns       map[string]*Connection
	maxConns    int
	maxIdle     time.Duration
	maxLifetime time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

func newPool(cfg Config, logger *zap.Logger) *Pool {
	return &Pool{
		conns:       make(map[string]*Connection),
		maxConns:    cfg.MaxConnections,
		maxIdle:     cfg.MaxIdleTime,
		maxLifetime: cfg.ConnectionTimeout,
		now:         time.Now,
		logger:      logger,
	}
}

func poolKey(kind, id string) string { return kind + "_" + id }

// Get returns the record for (id, kind), replacing it when missing or
// invalid. At capacity the least recently used record is evicted.
func (p *Pool) Get(id, kind string) Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	key := poolKey(kind, id)

	if c, ok := p.conns[key]; ok && p.valid(c, now) {
		c.LastUsedAt = now
		c.UseCount++
		return *c
	}
	delete(p.conns, key)
	if len(p.conns) >= p.maxConns {
		p.evictLRU()
	}
	c := &Connection{
		ID:         id,
		Kind:       kind,
		CreatedAt:  now,
		LastUsedAt: now,
		UseCount:   1,
		Active:     true,
	}
	p.conns[key] = c
	return *c
}

func (p *Pool) valid(c *Connection, now time.Time) bool {
	return c.Active &&
		now.Sub(c.LastUsedAt) <= p.maxIdle &&
		now.Sub(c.CreatedAt) <= p.maxLifetime
}

// evictLRU removes the record used least recently. Caller holds mu.
func (p *Pool) evictLRU() {
	var oldestKey string
	var oldest time.Time
	for k, c := range p.conns {
		if oldestKey == "" || c.LastUsedAt.Before(oldest) {
			oldestKey, oldest = k, c.LastUsedAt
		}
	}
	if oldestKey != "" {
		delete(p.conns, oldestKey)
		p.logger.Debug("connection evicted at capacity", zap.String("key", oldestKey))
	}
}

// Release marks the record as just used.
func (p *Pool) Release(id, kind string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[poolKey(kind, id)]; ok {
		c.LastUsedAt = p.now()
	}
}

// Close marks the record inactive and removes it.
func (p *Pool) Close(id, kind string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := poolKey(kind, id)
	if c, ok := p.conns[key]; ok {
		c.Active = false
		delete(p.conns, key)
	}
}

// Sweep removes records idle longer than maxIdle or already inactive.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	removed := 0
	for k, c := range p.conns {
		if !c.Active || now.Sub(c.LastUsedAt) > p.maxIdle {
			delete(p.conns, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of pooled records.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Lookup returns a copy of the record without touching it.
func (p *Pool) Lookup(id, kind string) (Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[poolKey(kind, id)]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}
