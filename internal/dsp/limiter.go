package dsp

import "math"

// limitBound is the largest magnitude the limiter emits: one 16-bit step
// below full scale.
const limitBound = 1 - 1.0/32768

// Limiter is a tanh soft clipper. Its output magnitude is strictly below 1
// for every input, including infinities. NaN samples become 0.
type Limiter struct{}

// Process implements [Stage].
func (Limiter) Process(samples []float32, _ int) {
	for i, s := range samples {
		samples[i] = SoftLimit(s)
	}
}

// SoftLimit applies the limiter curve to a single sample.
func SoftLimit(s float32) float32 {
	if s != s {
		return 0
	}
	v := math.Tanh(float64(s))
	return float32(min(max(v, -limitBound), limitBound))
}
