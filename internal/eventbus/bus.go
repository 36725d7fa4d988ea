package eventbus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownEvent is returned for names outside the closed event set.
var ErrUnknownEvent = errors.New("unknown event")

// Handler receives a published event. A returned error is logged and
// does not stop delivery to other subscribers.
type Handler func(ev Event) error

// SubscriptionID identifies a registration returned by Subscribe.
type SubscriptionID uint64

// Publisher is the narrow interface components use to emit events.
type Publisher interface {
	Publish(name Name, payload any) error
}

// Subscriber registers and removes named handlers.
type Subscriber interface {
	Subscribe(name Name, handler Handler) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) bool
}

type subscription struct {
	id      SubscriptionID
	name    Name // empty for wildcard subscriptions
	handler Handler
}

// Bus is an in-process synchronous publish/subscribe hub.
//
// Publish calls every subscriber of a name in subscription order on the
// caller's goroutine. A publish issued from inside a handler is delivered
// completely before the outer publish moves on to its next subscriber
// (depth-first). The subscriber list is captured when a publish starts, so
// subscriptions made during delivery only see later publishes.
type Bus struct {
	mu          sync.RWMutex
	subs        map[Name][]subscription
	wildcard    []subscription
	nextID      SubscriptionID
	history     []Event
	historySize int

	published atomic.Uint64
	failures  atomic.Uint64
	logger    *zap.Logger
}

// DefaultHistorySize bounds the in-memory event history.
const DefaultHistorySize = 100

// New creates a bus retaining the last historySize events.
func New(historySize int, logger *zap.Logger) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Bus{
		subs:        make(map[Name][]subscription),
		historySize: historySize,
		logger:      logger,
	}
}

// Subscribe registers handler for name.
func (b *Bus) Subscribe(name Name, handler Handler) (SubscriptionID, error) {
	if !Known(name) {
		return 0, fmt.Errorf("subscribe %q: %w", name, ErrUnknownEvent)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, name: name, handler: handler})
	return id, nil
}

// SubscribeAll registers handler for every event. Wildcard handlers run
// after the named subscribers of each event.
func (b *Bus) SubscribeAll(handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.wildcard = append(b.wildcard, subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes a registration. It reports whether id was found.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, list := range b.subs {
		for i, s := range list {
			if s.id == id {
				b.subs[name] = append(list[:i:i], list[i+1:]...)
				return true
			}
		}
	}
	for i, s := range b.wildcard {
		if s.id == id {
			b.wildcard = append(b.wildcard[:i:i], b.wildcard[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers an event synchronously to all current subscribers.
func (b *Bus) Publish(name Name, payload any) error {
	if !Known(name) {
		return fmt.Errorf("publish %q: %w", name, ErrUnknownEvent)
	}
	ev := Event{Name: name, Payload: payload, Timestamp: time.Now()}

	b.mu.Lock()
	targets := make([]subscription, 0, len(b.subs[name])+len(b.wildcard))
	targets = append(targets, b.subs[name]...)
	targets = append(targets, b.wildcard...)
	if name != Heartbeat {
		b.record(ev)
	}
	b.mu.Unlock()

	b.published.Add(1)
	for _, s := range targets {
		b.deliver(s, ev)
	}
	return nil
}

// record appends ev to the history ring. Caller holds mu.
func (b *Bus) record(ev Event) {
	if len(b.history) >= b.historySize {
		copy(b.history, b.history[1:])
		b.history = b.history[:len(b.history)-1]
	}
	b.history = append(b.history, ev)
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.failures.Add(1)
			b.logger.Error("event handler panicked",
				zap.String("event", string(ev.Name)),
				zap.Uint64("subscription", uint64(s.id)),
				zap.Any("panic", r))
		}
	}()
	if err := s.handler(ev); err != nil {
		b.failures.Add(1)
		b.logger.Warn("event handler failed",
			zap.String("event", string(ev.Name)),
			zap.Uint64("subscription", uint64(s.id)),
			zap.Error(err))
	}
}

// History returns up to limit recent events, oldest first. An empty name
// matches every event. Heartbeats are not retained.
func (b *Bus) History(name Name, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, ev := range b.history {
		if name == "" || ev.Name == name {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Stats is a diagnostic snapshot of the bus.
type Stats struct {
	Published   uint64         `json:"published"`
	Failures    uint64         `json:"failures"`
	Subscribers map[string]int `json:"subscribers"`
	Wildcard    int            `json:"wildcard"`
}

// Stats returns subscriber counts and delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	counts := make(map[string]int, len(b.subs))
	for name, list := range b.subs {
		if len(list) > 0 {
			counts[string(name)] = len(list)
		}
	}
	return Stats{
		Published:   b.published.Load(),
		Failures:    b.failures.Load(),
		Subscribers: counts,
		Wildcard:    len(b.wildcard),
	}
}
