// Package mirror copies bus events onto Redis Streams so other processes
// can follow them. Publishing never waits on Redis.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nidhogg/sentio/internal/eventbus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config controls the mirror.
type Config struct {
	URL              string `json:"url"`
	Prefix           string `json:"prefix"`
	MaxLen           int64  `json:"max_len"`
	Buffer           int    `json:"buffer"`
	IncludeHeartbeat bool   `json:"include_heartbeat"`

	// RetryBackoff is how long Tail waits after a failed read.
	RetryBackoff time.Duration `json:"retry_backoff"`
}

// DefaultConfig returns the default stream settings.
func DefaultConfig() Config {
	return Config{Prefix: "sentio:events:", MaxLen: 10000, Buffer: 1024, RetryBackoff: time.Second}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	if c.MaxLen <= 0 {
		c.MaxLen = d.MaxLen
	}
	if c.Buffer <= 0 {
		c.Buffer = d.Buffer
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	return c
}

// Record is a mirrored event read back from a stream.
type Record struct {
	StreamID  string          `json:"stream_id"`
	Name      eventbus.Name   `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Mirror writes events to one stream per event name.
type Mirror struct {
	cfg     Config
	rdb     *redis.Client
	queue   chan eventbus.Event
	dropped atomic.Uint64
	written atomic.Uint64
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// Connect dials Redis from cfg.URL and verifies it with a ping.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Mirror, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(rdb, cfg, logger), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, cfg Config, logger *zap.Logger) *Mirror {
	cfg = cfg.withDefaults()
	return &Mirror{
		cfg:    cfg,
		rdb:    rdb,
		queue:  make(chan eventbus.Event, cfg.Buffer),
		logger: logger,
	}
}

// Stream returns the stream key for name.
func (m *Mirror) Stream(name eventbus.Name) string {
	return m.cfg.Prefix + string(name)
}

// Attach subscribes the mirror to every event on bus.
func (m *Mirror) Attach(bus *eventbus.Bus) eventbus.SubscriptionID {
	return bus.SubscribeAll(m.enqueue)
}

func (m *Mirror) enqueue(ev eventbus.Event) error {
	if ev.Name == eventbus.Heartbeat && !m.cfg.IncludeHeartbeat {
		return nil
	}
	select {
	case m.queue <- ev:
	default:
		if m.dropped.Add(1)%100 == 1 {
			m.logger.Warn("event mirror queue full, dropping", zap.Uint64("dropped", m.dropped.Load()))
		}
	}
	return nil
}

// Start runs the writer until ctx is cancelled.
func (m *Mirror) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-m.queue:
				if err := m.write(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
					m.logger.Warn("mirror event failed", zap.String("event", string(ev.Name)), zap.Error(err))
				}
			}
		}
	}()
}

func (m *Mirror) write(ctx context.Context, ev eventbus.Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	stream := m.Stream(ev.Name)
	err = m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: m.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"name":      string(ev.Name),
			"payload":   string(data),
			"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	m.written.Add(1)
	return nil
}

// Tail follows the stream for name from new entries onward. Cancel ctx
// to stop; the channel is closed on return.
func (m *Mirror) Tail(ctx context.Context, name eventbus.Name) <-chan Record {
	ch := make(chan Record, 16)
	stream := m.Stream(name)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := m.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if errors.Is(err, redis.Nil) {
					continue
				}
				m.logger.Debug("tail read failed", zap.String("stream", stream), zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(m.cfg.RetryBackoff):
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					rec, ok := decode(msg)
					if !ok {
						continue
					}
					select {
					case ch <- rec:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch
}

func decode(msg redis.XMessage) (Record, bool) {
	name, _ := msg.Values["name"].(string)
	payload, _ := msg.Values["payload"].(string)
	if name == "" {
		return Record{}, false
	}
	rec := Record{StreamID: msg.ID, Name: eventbus.Name(name), Payload: json.RawMessage(payload)}
	if ts, ok := msg.Values["timestamp"].(string); ok {
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return rec, true
}

// Stats reports mirror throughput.
func (m *Mirror) Stats() (written, dropped uint64) {
	return m.written.Load(), m.dropped.Load()
}

// Close waits for the writer and closes the client.
func (m *Mirror) Close() error {
	m.wg.Wait()
	return m.rdb.Close()
}
