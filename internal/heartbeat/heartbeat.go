package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nidhogg/sentio/internal/eventbus"
	"github.com/nidhogg/sentio/internal/state"
	"go.uber.org/zap"
)

// Listener runs on every slow tick.
type Listener interface {
	OnSlowTick(ctx context.Context, at time.Time)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, at time.Time)

func (f ListenerFunc) OnSlowTick(ctx context.Context, at time.Time) { f(ctx, at) }

// Snapshotter supplies the state carried by heartbeat events.
type Snapshotter interface {
	Snapshot() state.State
}

// Config sets tick periods.
type Config struct {
	Fast time.Duration
	Slow time.Duration
}

// DefaultConfig returns a 10ms fast tick and a 1s slow tick.
func DefaultConfig() Config {
	return Config{Fast: 10 * time.Millisecond, Slow: time.Second}
}

// TickPayload accompanies metrics_tick.
type TickPayload struct {
	At   time.Time `json:"at"`
	Tick uint64    `json:"tick"`
}

// Scheduler drives the fast and slow ticks. A tick that fires while the
// previous tick of the same kind is still running is skipped, not queued.
type Scheduler struct {
	cfg       Config
	bus       eventbus.Publisher
	state     Snapshotter
	listeners []Listener

	fastBusy  atomic.Bool
	slowBusy  atomic.Bool
	fastTicks atomic.Uint64
	slowTicks atomic.Uint64
	skipped   atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	running sync.WaitGroup
	logger  *zap.Logger
}

// New creates a scheduler. Zero periods take defaults.
func New(cfg Config, bus eventbus.Publisher, st Snapshotter, logger *zap.Logger) *Scheduler {
	d := DefaultConfig()
	if cfg.Fast <= 0 {
		cfg.Fast = d.Fast
	}
	if cfg.Slow <= 0 {
		cfg.Slow = d.Slow
	}
	return &Scheduler{cfg: cfg, bus: bus, state: st, logger: logger}
}

// AddListener registers a slow-tick listener. Call before Start.
func (s *Scheduler) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start launches both tick loops. They stop when ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.loops.Add(2)
	go s.loop(ctx, s.cfg.Fast, &s.fastBusy, s.fastTick)
	go s.loop(ctx, s.cfg.Slow, &s.slowBusy, s.slowTick)
	s.logger.Info("heartbeat started",
		zap.Duration("fast", s.cfg.Fast),
		zap.Duration("slow", s.cfg.Slow))
}

// Stop cancels the loops and waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.loops.Wait()
	s.running.Wait()
	s.logger.Info("heartbeat stopped",
		zap.Uint64("fast_ticks", s.fastTicks.Load()),
		zap.Uint64("slow_ticks", s.slowTicks.Load()),
		zap.Uint64("skipped", s.skipped.Load()))
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, busy *atomic.Bool, fn func(context.Context, time.Time)) {
	defer s.loops.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case at := <-ticker.C:
			if !busy.CompareAndSwap(false, true) {
				s.skipped.Add(1)
				continue
			}
			s.running.Add(1)
			go func() {
				defer s.running.Done()
				defer busy.Store(false)
				fn(ctx, at)
			}()
		}
	}
}

func (s *Scheduler) fastTick(_ context.Context, _ time.Time) {
	s.fastTicks.Add(1)
	if err := s.bus.Publish(eventbus.Heartbeat, s.state.Snapshot()); err != nil {
		s.logger.Warn("publish heartbeat failed", zap.Error(err))
	}
}

func (s *Scheduler) slowTick(ctx context.Context, at time.Time) {
	n := s.slowTicks.Add(1)
	if err := s.bus.Publish(eventbus.MetricsTick, TickPayload{At: at, Tick: n}); err != nil {
		s.logger.Warn("publish metrics tick failed", zap.Error(err))
	}

	s.mu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		s.runListener(ctx, l, at)
	}
}

func (s *Scheduler) runListener(ctx context.Context, l Listener, at time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("slow tick listener panicked", zap.Any("panic", r))
		}
	}()
	l.OnSlowTick(ctx, at)
}

// Stats reports tick counters.
type Stats struct {
	FastTicks uint64 `json:"fast_ticks"`
	SlowTicks uint64 `json:"slow_ticks"`
	Skipped   uint64 `json:"skipped"`
}

// Stats returns tick counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		FastTicks: s.fastTicks.Load(),
		SlowTicks: s.slowTicks.Load(),
		Skipped:   s.skipped.Load(),
	}
}
