// Package alert forwards health alerts to operator chat channels.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/sentio/internal/eventbus"
	"go.uber.org/zap"
)

// ErrCoolingDown is returned when an alert with the same title was sent
// within the cooldown window.
var ErrCoolingDown = errors.New("alert cooling down")

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a notification for operators.
type Alert struct {
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
	At       time.Time `json:"at"`
}

// Text renders the alert as a single chat line.
func (a Alert) Text() string {
	return fmt.Sprintf("[%s] %s: %s", a.Severity, a.Title, a.Message)
}

// Notifier delivers alerts to one platform.
type Notifier interface {
	Platform() string
	Notify(ctx context.Context, a Alert) error
}

// Record tracks a sent alert.
type Record struct {
	Alert   Alert     `json:"alert"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
	Errors  []string  `json:"errors,omitempty"`
}

// Config tunes the dispatcher.
type Config struct {
	Cooldown    time.Duration `json:"cooldown"`
	Timeout     time.Duration `json:"timeout"`
	Buffer      int           `json:"buffer"`
	HistorySize int           `json:"history_size"`
}

// DefaultConfig returns a 5 minute cooldown and 10 second send timeout.
func DefaultConfig() Config {
	return Config{Cooldown: 5 * time.Minute, Timeout: 10 * time.Second, Buffer: 32, HistorySize: 50}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Buffer <= 0 {
		c.Buffer = d.Buffer
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}

// Dispatcher fans alerts out to every notifier, suppressing repeats of
// the same title inside the cooldown window.
type Dispatcher struct {
	cfg       Config
	notifiers []Notifier
	queue     chan Alert

	mu       sync.Mutex
	lastSent map[string]time.Time
	history  []Record
	now      func() time.Time

	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher over notifiers.
func NewDispatcher(cfg Config, logger *zap.Logger, notifiers ...Notifier) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:       cfg,
		notifiers: notifiers,
		queue:     make(chan Alert, cfg.Buffer),
		lastSent:  make(map[string]time.Time),
		now:       time.Now,
		logger:    logger,
	}
}

// Platforms lists the configured notifier platforms.
func (d *Dispatcher) Platforms() []string {
	out := make([]string, len(d.notifiers))
	for i, n := range d.notifiers {
		out[i] = n.Platform()
	}
	return out
}

// Attach subscribes to health_alert. Delivery happens on the Start
// goroutine so the bus never waits on a chat API.
func (d *Dispatcher) Attach(bus *eventbus.Bus) (eventbus.SubscriptionID, error) {
	return bus.Subscribe(eventbus.HealthAlert, func(ev eventbus.Event) error {
		p, ok := ev.Payload.(eventbus.HealthAlertPayload)
		if !ok {
			return fmt.Errorf("unexpected health_alert payload %T", ev.Payload)
		}
		d.Enqueue(Alert{
			Title:    "state entropy high",
			Message:  p.Message,
			Severity: SeverityCritical,
			At:       ev.Timestamp,
		})
		return nil
	})
}

// Enqueue schedules a for delivery, dropping it if the queue is full.
func (d *Dispatcher) Enqueue(a Alert) {
	select {
	case d.queue <- a:
	default:
		d.logger.Warn("alert queue full, dropping", zap.String("title", a.Title))
	}
}

// Start delivers queued alerts until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case a := <-d.queue:
				if err := d.Send(ctx, a); err != nil && !errors.Is(err, ErrCoolingDown) {
					d.logger.Warn("alert delivery failed", zap.String("title", a.Title), zap.Error(err))
				}
			}
		}
	}()
}

// Wait blocks until the Start goroutine exits.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Send delivers a to every notifier now. It returns ErrCoolingDown if the
// same title was sent within the cooldown, or the joined notifier errors.
func (d *Dispatcher) Send(ctx context.Context, a Alert) error {
	if a.Title == "" {
		return fmt.Errorf("alert title is required")
	}
	if a.Severity == "" {
		a.Severity = SeverityWarning
	}

	d.mu.Lock()
	now := d.now()
	if last, ok := d.lastSent[a.Title]; ok && now.Sub(last) < d.cfg.Cooldown {
		d.mu.Unlock()
		return ErrCoolingDown
	}
	d.lastSent[a.Title] = now
	d.mu.Unlock()

	if a.At.IsZero() {
		a.At = now
	}
	d.logger.Info("sending alert",
		zap.String("title", a.Title),
		zap.String("severity", string(a.Severity)),
		zap.Int("targets", len(d.notifiers)))

	rec := Record{Alert: a, SentAt: now}
	var errs []error
	for _, n := range d.notifiers {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		err := n.Notify(sendCtx, a)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Platform(), err))
			rec.Errors = append(rec.Errors, err.Error())
			continue
		}
		rec.Targets = append(rec.Targets, n.Platform())
	}

	d.mu.Lock()
	d.history = append(d.history, rec)
	if over := len(d.history) - d.cfg.HistorySize; over > 0 {
		d.history = append(d.history[:0:0], d.history[over:]...)
	}
	d.mu.Unlock()

	return errors.Join(errs...)
}

// History returns up to limit recent records, oldest first.
func (d *Dispatcher) History(limit int) []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	if limit <= 0 || limit > len(d.history) {
		limit = len(d.history)
	}
	return append([]Record(nil), d.history[len(d.history)-limit:]...)
}
