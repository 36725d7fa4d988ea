package modules

import "math"

// Resonance summarises the state vector as [mean, spread, min, max].
type Resonance struct{}

func (Resonance) Name() string { return "resonance" }

func (Resonance) Apply(vec []float64) []float64 {
	if len(vec) == 0 {
		return nil
	}
	lo, hi, sum := vec[0], vec[0], 0.0
	for _, v := range vec {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	mean := sum / float64(len(vec))
	var sq float64
	for _, v := range vec {
		sq += (v - mean) * (v - mean)
	}
	return []float64{mean, math.Sqrt(sq / float64(len(vec))), lo, hi}
}
