package delivery

import "time"

// Config holds batching, pooling and caching limits.
type Config struct {
	MaxBatchSize      int
	MaxBatchWait      time.Duration
	StaleBatchAge     time.Duration // batches older than this are flushed by SweepBatches
	MaxConnections    int
	MaxIdleTime       time.Duration
	ConnectionTimeout time.Duration // hard lifetime cap measured from creation
	MaxCacheSize      int
	DefaultTTL        time.Duration
	StateTTL          time.Duration
	ModuleTTL         time.Duration
	UserMessageTTL    time.Duration
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:      10,
		MaxBatchWait:      100 * time.Millisecond,
		StaleBatchAge:     30 * time.Second,
		MaxConnections:    100,
		MaxIdleTime:       5 * time.Minute,
		ConnectionTimeout: 30 * time.Second,
		MaxCacheSize:      1000,
		DefaultTTL:        5 * time.Minute,
		StateTTL:          5 * time.Second,
		ModuleTTL:         60 * time.Second,
		UserMessageTTL:    5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = d.MaxBatchWait
	}
	if c.StaleBatchAge <= 0 {
		c.StaleBatchAge = d.StaleBatchAge
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = d.MaxIdleTime
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.MaxCacheSize <= 0 {
		c.MaxCacheSize = d.MaxCacheSize
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	if c.StateTTL <= 0 {
		c.StateTTL = d.StateTTL
	}
	if c.ModuleTTL <= 0 {
		c.ModuleTTL = d.ModuleTTL
	}
	if c.UserMessageTTL <= 0 {
		c.UserMessageTTL = d.UserMessageTTL
	}
	return c
}

// Cache categories with dedicated TTLs.
const (
	CategoryState       = "state"
	CategoryModule      = "module_response"
	CategoryUserMessage = "user_message"
)

// TTLFor returns the configured TTL for a cache category.
func (c Config) TTLFor(category string) time.Duration {
	switch category {
	case CategoryState:
		return c.StateTTL
	case CategoryModule:
		return c.ModuleTTL
	case CategoryUserMessage:
		return c.UserMessageTTL
	default:
		return c.DefaultTTL
	}
}
