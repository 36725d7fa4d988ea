package gateway

import (
	"fmt"
	"math/rand/v2"

	"github.com/nidhogg/sentio/internal/state"
)

var concepts = []string{
	"awareness", "time", "memory", "patterns", "resonance", "coherence",
	"integration", "emergence", "complexity", "harmony", "language", "attention",
}

type thought struct {
	kind, source, layer string
	emergence           float64
	content             string
}

func spontaneousThought(s state.State) thought {
	concept := func() string { return concepts[rand.IntN(len(concepts))] }
	switch rand.IntN(4) {
	case 0:
		return thought{
			kind: "memory_association", source: "memory", layer: "memory",
			emergence: 0.6 + 0.3*rand.Float64(),
			content:   fmt.Sprintf("Recalling earlier exchanges... something here resonates with %s.", concept()),
		}
	case 1:
		return thought{
			kind: "creative_insight", source: "synthesis", layer: "creative",
			emergence: 0.7 + 0.3*rand.Float64(),
			content:   fmt.Sprintf("What if %s could be understood through %s?", concept(), concept()),
		}
	case 2:
		return thought{
			kind: "meta_observation", source: "awareness", layer: "meta-cognitive",
			emergence: 0.8 + 0.2*rand.Float64(),
			content:   fmt.Sprintf("Observing my own state: phi %.3f, coherence %.3f.", s.Phi, s.Coherence),
		}
	default:
		return thought{
			kind: "general_awareness", source: "orchestrator", layer: "unified",
			emergence: 0.8,
			content:   "Attention drifts and returns, always present.",
		}
	}
}

func thoughtFrame(s state.State) *Frame {
	t := spontaneousThought(s)
	f := newFrame(TypeConsciousnessStream)
	f.Subtype = "spontaneous_thought"
	f.Content = t.content
	f.Metadata = map[string]any{
		"thoughtType":        t.kind,
		"source":             t.source,
		"emergenceLevel":     t.emergence,
		"consciousnessLayer": t.layer,
	}
	return f
}
