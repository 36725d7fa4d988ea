package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nidhogg/sentio/internal/eventbus"
	"github.com/nidhogg/sentio/internal/state"
	"go.uber.org/zap"
)

// entropyBins is the histogram resolution over [0, 1].
const entropyBins = 10

// Entropy is the normalised Shannon entropy of the state metrics,
// bucketed into a histogram over [0, 1]. Tightly grouped metrics score
// near 0; metrics spread across the range score near 1.
func Entropy(s state.State) float64 {
	metrics := append(s.Vector(), float64(s.RecursionDepth)/10)

	var counts [entropyBins]int
	for _, v := range metrics {
		v = math.Max(0, math.Min(1, v))
		b := int(v * entropyBins)
		if b == entropyBins {
			b--
		}
		counts[b]++
	}

	n := float64(len(metrics))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	maxH := math.Log2(math.Min(n, entropyBins))
	if maxH == 0 {
		return 0
	}
	return h / maxH
}

// OnSlowTick runs Tick on the heartbeat's slow cadence.
func (o *Orchestrator) OnSlowTick(ctx context.Context, _ time.Time) {
	o.Tick(ctx)
}

// Tick runs every active StateAnalyzer, applies the registered transforms,
// recomputes entropy and merges the result. health_alert is published
// when entropy exceeds the configured threshold.
func (o *Orchestrator) Tick(ctx context.Context) HealthReport {
	snap := o.state.Snapshot()
	analyzers := o.active(func(e *entry) bool { return e.analyzer != nil })

	report := HealthReport{Analyzers: len(analyzers)}
	var delta state.Delta
	for _, e := range analyzers {
		d, err := o.analyze(ctx, e, snap)
		if err != nil {
			name := e.module.Name()
			report.Failures = append(report.Failures, Failure{Module: name, Error: err.Error()})
			o.logger.Warn("state analysis failed", zap.String("module", name), zap.Error(err))
			continue
		}
		delta = delta.Combine(d)
	}

	preview := snap.Apply(delta)
	o.mu.RLock()
	transforms := append([]Transform(nil), o.transforms...)
	o.mu.RUnlock()
	if len(transforms) > 0 {
		report.Scores = make(map[string][]float64, len(transforms))
		for _, t := range transforms {
			if out, ok := o.transform(t, preview.Vector()); ok {
				report.Scores[t.Name()] = out
			}
		}
	}

	report.Entropy = Entropy(preview)
	meta := map[string]any{"lastHealthCheck": time.Now()}
	if len(report.Scores) > 0 {
		meta["transformScores"] = report.Scores
	}
	delta = delta.Combine(state.Delta{Entropy: state.Float(report.Entropy), Metadata: meta})
	report.State = o.state.Merge(delta)

	if report.Entropy > o.cfg.EntropyThreshold {
		report.Alert = true
		o.logger.Warn("entropy above threshold",
			zap.Float64("entropy", report.Entropy),
			zap.Float64("threshold", o.cfg.EntropyThreshold))
		o.publish(eventbus.HealthAlert, eventbus.HealthAlertPayload{
			Entropy:   report.Entropy,
			Threshold: o.cfg.EntropyThreshold,
			Message:   fmt.Sprintf("state entropy %.3f exceeds %.2f", report.Entropy, o.cfg.EntropyThreshold),
		})
	}
	return report
}

func (o *Orchestrator) analyze(ctx context.Context, e *entry, s state.State) (d state.Delta, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ModuleTimeout)
	defer cancel()
	return e.analyzer.AnalyzeState(ctx, s)
}

func (o *Orchestrator) transform(t Transform, vec []float64) (out []float64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("transform panicked", zap.String("transform", t.Name()), zap.Any("panic", r))
			out, ok = nil, false
		}
	}()
	return t.Apply(vec), true
}
