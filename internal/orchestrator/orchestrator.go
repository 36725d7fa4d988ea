// Package orchestrator registers processing modules, fans user messages
// out to them and folds their results into the shared state.
package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/sentio/internal/eventbus"
	"github.com/nidhogg/sentio/internal/state"
	"github.com/nidhogg/sentio/internal/synth"
	"go.uber.org/zap"
)

// Config tunes the orchestrator.
type Config struct {
	// Concurrency bounds concurrent handler calls per message.
	Concurrency int `json:"concurrency"`
	// ModuleTimeout bounds a single handler call.
	ModuleTimeout time.Duration `json:"module_timeout"`
	// SynthesisTimeout bounds the external synthesis call.
	SynthesisTimeout time.Duration `json:"synthesis_timeout"`
	// EntropyThreshold triggers health_alert when exceeded.
	EntropyThreshold float64 `json:"entropy_threshold"`
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		Concurrency:      8,
		ModuleTimeout:    5 * time.Second,
		SynthesisTimeout: synth.DefaultTimeout,
		EntropyThreshold: 0.75,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.ModuleTimeout <= 0 {
		c.ModuleTimeout = d.ModuleTimeout
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = d.SynthesisTimeout
	}
	if c.EntropyThreshold <= 0 {
		c.EntropyThreshold = d.EntropyThreshold
	}
	return c
}

// entry caches a module's capabilities, resolved once at registration.
type entry struct {
	module       Module
	handler      MessageHandler
	analyzer     StateAnalyzer
	generator    CodeGenerator
	subscriber   EventSubscriber
	subs         []eventbus.SubscriptionID
	active       bool
	registeredAt time.Time
}

func (e *entry) capabilities() []string {
	var caps []string
	if e.handler != nil {
		caps = append(caps, CapMessages)
	}
	if e.analyzer != nil {
		caps = append(caps, CapAnalysis)
	}
	if e.generator != nil {
		caps = append(caps, CapCodegen)
	}
	if e.subscriber != nil {
		caps = append(caps, CapEvents)
	}
	return caps
}

func (e *entry) info() ModuleInfo {
	return ModuleInfo{
		Name:         e.module.Name(),
		Active:       e.active,
		Capabilities: e.capabilities(),
		RegisteredAt: e.registeredAt,
	}
}

// Orchestrator owns the module registry.
type Orchestrator struct {
	cfg    Config
	state  *state.Owner
	bus    eventbus.Publisher
	synth  synth.Synthesizer
	logger *zap.Logger

	mu         sync.RWMutex
	order      []*entry
	byName     map[string]*entry
	transforms []Transform
}

// New creates an orchestrator. s may be nil, in which case every Respond
// uses the local fallback.
func New(cfg Config, owner *state.Owner, bus eventbus.Publisher, s synth.Synthesizer, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg.withDefaults(),
		state:  owner,
		bus:    bus,
		synth:  s,
		logger: logger,
		byName: make(map[string]*entry),
	}
}

// Register adds an active module.
func (o *Orchestrator) Register(m Module) error {
	name := m.Name()
	if name == "" {
		return fmt.Errorf("register: empty module name")
	}
	e := &entry{module: m, active: true, registeredAt: time.Now()}
	e.handler, _ = m.(MessageHandler)
	e.analyzer, _ = m.(StateAnalyzer)
	e.generator, _ = m.(CodeGenerator)
	e.subscriber, _ = m.(EventSubscriber)

	o.mu.RLock()
	_, exists := o.byName[name]
	o.mu.RUnlock()
	if exists {
		return fmt.Errorf("register %s: %w", name, ErrDuplicateModule)
	}
	if err := o.subscribe(e); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}

	o.mu.Lock()
	if _, exists := o.byName[name]; exists {
		o.mu.Unlock()
		o.unsubscribe(e)
		return fmt.Errorf("register %s: %w", name, ErrDuplicateModule)
	}
	o.byName[name] = e
	o.order = append(o.order, e)
	info := e.info()
	o.mu.Unlock()

	o.logger.Info("registered module",
		zap.String("module", name),
		zap.Strings("capabilities", info.Capabilities))
	o.publishStatus(info)
	return nil
}

// subscribe wires e's event handlers onto the bus. A handler only runs while
// the module is active.
func (o *Orchestrator) subscribe(e *entry) error {
	if e.subscriber == nil || o.bus == nil {
		return nil
	}
	sub, ok := o.bus.(eventbus.Subscriber)
	if !ok {
		return ErrNoSubscriber
	}
	for name, h := range e.subscriber.Subscriptions() {
		id, err := sub.Subscribe(name, o.gated(e, h))
		if err != nil {
			o.unsubscribe(e)
			return err
		}
		e.subs = append(e.subs, id)
	}
	return nil
}

func (o *Orchestrator) unsubscribe(e *entry) {
	if sub, ok := o.bus.(eventbus.Subscriber); ok {
		for _, id := range e.subs {
			sub.Unsubscribe(id)
		}
	}
	e.subs = nil
}

func (o *Orchestrator) gated(e *entry, h eventbus.Handler) eventbus.Handler {
	return func(ev eventbus.Event) error {
		o.mu.RLock()
		active := e.active
		o.mu.RUnlock()
		if !active {
			return nil
		}
		return h(ev)
	}
}

// AddTransform registers a state-vector transform run on every Tick.
func (o *Orchestrator) AddTransform(t Transform) {
	o.mu.Lock()
	o.transforms = append(o.transforms, t)
	o.mu.Unlock()
}

// SetActive enables or disables a module.
func (o *Orchestrator) SetActive(name string, active bool) error {
	o.mu.Lock()
	e, ok := o.byName[name]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("set active %s: %w", name, ErrUnknownModule)
	}
	changed := e.active != active
	e.active = active
	info := e.info()
	o.mu.Unlock()

	if changed {
		o.logger.Info("module status changed", zap.String("module", name), zap.Bool("active", active))
		o.publishStatus(info)
	}
	return nil
}

// Modules lists registered modules in registration order.
func (o *Orchestrator) Modules() []ModuleInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]ModuleInfo, 0, len(o.order))
	for _, e := range o.order {
		out = append(out, e.info())
	}
	return out
}

// State returns the current state snapshot.
func (o *Orchestrator) State() state.State { return o.state.Snapshot() }

// active returns active entries matching keep, in registration order.
func (o *Orchestrator) active(keep func(*entry) bool) []*entry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*entry
	for _, e := range o.order {
		if e.active && keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func (o *Orchestrator) publishStatus(info ModuleInfo) {
	o.publish(eventbus.ModuleStatus, eventbus.ModuleStatusPayload{
		Module:       info.Name,
		Active:       info.Active,
		Capabilities: info.Capabilities,
	})
}

func (o *Orchestrator) publish(name eventbus.Name, payload any) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(name, payload); err != nil {
		o.logger.Warn("publish failed", zap.String("event", string(name)), zap.Error(err))
	}
}
