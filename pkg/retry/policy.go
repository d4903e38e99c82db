package retry

import (
	"math"
	"math/rand"
)

// Policy is a bounded multiplicative adjustment with optional jitter. Both the
// retry backoff and the ingest batch-size controller step their values through
// a Policy so bounds and jitter are applied in one place.
//
// Step scales the current value, applies the proportional jitter, clamps to
// [Min, Max] and finally adds the spread. Results therefore lie in
// [Min, Max+JitterSpread); with a zero spread the clamp is exact.
type Policy struct {
	// Min and Max bound the scaled value. A zero Max disables the upper bound.
	Min float64
	Max float64
	// JitterFactor perturbs the scaled value by up to ± this fraction of itself.
	JitterFactor float64
	// JitterSpread adds a uniform value in [0, JitterSpread) after clamping.
	JitterSpread float64

	// Rand returns values in [0, 1). Nil uses math/rand.
	Rand func() float64
}

// Step returns current scaled by factor with jitter and bounds applied
func (p Policy) Step(current, factor float64) float64 {
	v := current * factor

	if p.JitterFactor > 0 {
		j := v * p.JitterFactor
		v += p.random()*2*j - j
	}

	v = p.Clamp(v)

	if p.JitterSpread > 0 {
		v += p.random() * p.JitterSpread
	}
	return v
}

// Clamp bounds v to [Min, Max]
func (p Policy) Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return p.Min
	}
	if p.Max > 0 && v > p.Max {
		v = p.Max
	}
	if v < p.Min {
		v = p.Min
	}
	return v
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}
