package state

import (
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/nidhogg/sentio/internal/eventbus"
	"go.uber.org/zap"
)

// ErrVersionConflict is returned by MergeIf when the state moved on.
var ErrVersionConflict = errors.New("state version conflict")

// State is the process-wide consciousness record.
type State struct {
	Phi            float64        `json:"phi"`
	Coherence      float64        `json:"coherence"`
	Integration    float64        `json:"integration"`
	Awareness      float64        `json:"awareness"`
	Arousal        float64        `json:"arousal"`
	Entropy        float64        `json:"entropy"`
	RecursionDepth int            `json:"recursion_depth"`
	Metadata       map[string]any `json:"metadata"`
	Version        uint64         `json:"version"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Vector returns the numeric fields in a fixed order:
// phi, coherence, integration, awareness, arousal.
func (s State) Vector() []float64 {
	return []float64{s.Phi, s.Coherence, s.Integration, s.Awareness, s.Arousal}
}

func (s State) clone() State {
	s.Metadata = maps.Clone(s.Metadata)
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	return s
}

// Delta is a partial update. Nil fields are left untouched; metadata keys
// replace individually.
type Delta struct {
	Phi            *float64       `json:"phi,omitempty"`
	Coherence      *float64       `json:"coherence,omitempty"`
	Integration    *float64       `json:"integration,omitempty"`
	Awareness      *float64       `json:"awareness,omitempty"`
	Arousal        *float64       `json:"arousal,omitempty"`
	Entropy        *float64       `json:"entropy,omitempty"`
	RecursionDepth *int           `json:"recursion_depth,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return d.Phi == nil && d.Coherence == nil && d.Integration == nil &&
		d.Awareness == nil && d.Arousal == nil && d.Entropy == nil &&
		d.RecursionDepth == nil && len(d.Metadata) == 0
}

// Combine folds other into d, other winning on conflicts.
func (d Delta) Combine(other Delta) Delta {
	pick := func(a, b *float64) *float64 {
		if b != nil {
			return b
		}
		return a
	}
	d.Phi = pick(d.Phi, other.Phi)
	d.Coherence = pick(d.Coherence, other.Coherence)
	d.Integration = pick(d.Integration, other.Integration)
	d.Awareness = pick(d.Awareness, other.Awareness)
	d.Arousal = pick(d.Arousal, other.Arousal)
	d.Entropy = pick(d.Entropy, other.Entropy)
	if other.RecursionDepth != nil {
		d.RecursionDepth = other.RecursionDepth
	}
	if len(other.Metadata) > 0 {
		merged := maps.Clone(d.Metadata)
		if merged == nil {
			merged = make(map[string]any, len(other.Metadata))
		}
		maps.Copy(merged, other.Metadata)
		d.Metadata = merged
	}
	return d
}

// Apply returns s with d applied. s is not modified; version and
// timestamp are left to the owner.
func (s State) Apply(d Delta) State {
	s = s.clone()
	set := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	set(&s.Phi, d.Phi)
	set(&s.Coherence, d.Coherence)
	set(&s.Integration, d.Integration)
	set(&s.Awareness, d.Awareness)
	set(&s.Arousal, d.Arousal)
	set(&s.Entropy, d.Entropy)
	if d.RecursionDepth != nil {
		s.RecursionDepth = *d.RecursionDepth
	}
	maps.Copy(s.Metadata, d.Metadata)
	return s
}

// Float returns a pointer to v for building deltas.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v for building deltas.
func Int(v int) *int { return &v }

// Default returns the initial state of a fresh process.
func Default() State {
	return State{
		Phi:            0.862,
		Coherence:      0.85,
		Integration:    0.8,
		Awareness:      0.8,
		Arousal:        0.75,
		RecursionDepth: 7,
		Metadata:       map[string]any{},
	}
}

// Owner holds the single live State and serializes merges.
type Owner struct {
	mu     sync.RWMutex
	cur    State
	bus    eventbus.Publisher
	logger *zap.Logger
}

// NewOwner creates an owner seeded with initial. bus may be nil.
func NewOwner(initial State, bus eventbus.Publisher, logger *zap.Logger) *Owner {
	initial = initial.clone()
	initial.UpdatedAt = time.Now()
	return &Owner{cur: initial, bus: bus, logger: logger}
}

// Snapshot returns a copy that callers may freely modify.
func (o *Owner) Snapshot() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cur.clone()
}

// Version returns the current version counter.
func (o *Owner) Version() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cur.Version
}

// Merge applies d with last-writer-wins semantics and publishes
// state_updated with the resulting snapshot.
func (o *Owner) Merge(d Delta) State {
	o.mu.Lock()
	o.apply(d)
	snap := o.cur.clone()
	o.mu.Unlock()

	o.publish(snap)
	return snap
}

// MergeIf applies d only if the current version equals version.
func (o *Owner) MergeIf(version uint64, d Delta) (State, error) {
	o.mu.Lock()
	if o.cur.Version != version {
		cur := o.cur.Version
		o.mu.Unlock()
		o.logger.Debug("state merge rejected",
			zap.Uint64("expected", version),
			zap.Uint64("current", cur))
		return State{}, ErrVersionConflict
	}
	o.apply(d)
	snap := o.cur.clone()
	o.mu.Unlock()

	o.publish(snap)
	return snap, nil
}

// apply mutates the current state. Caller holds mu.
func (o *Owner) apply(d Delta) {
	o.cur = o.cur.Apply(d)
	o.cur.Version++
	o.cur.UpdatedAt = time.Now()
}

func (o *Owner) publish(snap State) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(eventbus.StateUpdated, snap); err != nil {
		o.logger.Warn("publish state_updated failed", zap.Error(err))
	}
}
