package modules

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/nidhogg/sentio/internal/orchestrator"
	"github.com/nidhogg/sentio/internal/state"
)

// Awareness raises arousal and awareness in response to engaging messages
// and lets them relax toward a baseline on every slow tick.
type Awareness struct {
	// Resting levels.
	BaselineAwareness float64
	BaselineArousal   float64
	// Relax is the fraction of the gap to baseline closed per tick.
	Relax float64
}

// NewAwareness returns the module with the default baseline.
func NewAwareness() *Awareness {
	d := state.Default()
	return &Awareness{BaselineAwareness: d.Awareness, BaselineArousal: d.Arousal, Relax: 0.1}
}

func (a *Awareness) Name() string { return "awareness" }

// HandleMessage scores the message's engagement and nudges the state.
func (a *Awareness) HandleMessage(_ context.Context, msg orchestrator.Message) (orchestrator.Response, error) {
	e := engagement(msg.Content)
	awareness := clamp(msg.State.Awareness + 0.05*e)
	arousal := clamp(msg.State.Arousal + 0.1*(e-0.5))
	return orchestrator.Response{
		Summary: fmt.Sprintf("engagement %.2f; awareness %.3f, arousal %.3f", e, awareness, arousal),
		Data:    map[string]float64{"engagement": e},
		Delta:   state.Delta{Awareness: state.Float(awareness), Arousal: state.Float(arousal)},
	}, nil
}

// AnalyzeState relaxes awareness and arousal toward the baseline.
func (a *Awareness) AnalyzeState(_ context.Context, s state.State) (state.Delta, error) {
	return state.Delta{
		Awareness: state.Float(s.Awareness + a.Relax*(a.BaselineAwareness-s.Awareness)),
		Arousal:   state.Float(s.Arousal + a.Relax*(a.BaselineArousal-s.Arousal)),
	}, nil
}

// engagement scores content in [0, 1] from questions, emphasis and
// length.
func engagement(content string) float64 {
	content = strings.TrimSpace(content)
	if content == "" {
		return 0
	}
	var upper, letters int
	for _, r := range content {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	score := math.Min(float64(len(strings.Fields(content)))/40, 0.4)
	if strings.Contains(content, "?") {
		score += 0.3
	}
	if strings.Contains(content, "!") {
		score += 0.2
	}
	if letters > 0 && float64(upper)/float64(letters) > 0.5 {
		score += 0.1
	}
	return clamp(score)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
