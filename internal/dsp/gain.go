// Package dsp implements the per-buffer signal graph applied to streamed
// capture: adaptive gain, a ten-band voice equalizer and a soft limiter.
//
// Everything in this package runs on the hardware's real-time callback.
// Process paths do not allocate once warmed up, take no locks, and keep no
// gain state across buffers.
package dsp

import "math"

// Gain bounds and breakpoints of the adaptive gain curve.
const (
	MinGain  = 8.0
	BaseGain = 15.0
	MaxGain  = 25.0

	// SilenceThreshold is the absolute sample level below which a sample
	// does not count towards the activity ratio.
	SilenceThreshold = 0.001

	// quietRMS, normalRMS and loudRMS are the breakpoints of the base gain
	// curve.
	quietRMS  = 0.001
	normalRMS = 0.005
	loudRMS   = 0.02

	// TargetCeiling is the peak level gain is normalized against.
	TargetCeiling = 0.8

	epsilon = 1e-6

	sparseActivity = 0.1
	denseActivity  = 0.8
	sparseBoost    = 1.3
	denseCut       = 0.8
)

// GainDecision is the per-buffer outcome of the adaptive gain stage.
type GainDecision struct {
	RMS           float64
	Peak          float64
	ActivityRatio float64

	// Gain is the adaptive gain, clamped to [MinGain, MaxGain].
	Gain float64

	// EffectiveGain is Gain after peak normalization; this is what was
	// actually applied to the samples.
	EffectiveGain float64
}

// Stats computes rms, peak and the fraction of samples above
// [SilenceThreshold]. An empty slice yields all zeros.
func Stats(samples []float32) (rms, peak, activity float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	var sum float64
	active := 0
	for _, s := range samples {
		v := float64(s)
		sum += v * v
		a := math.Abs(v)
		if a > peak {
			peak = a
		}
		if a > SilenceThreshold {
			active++
		}
	}
	n := float64(len(samples))
	return math.Sqrt(sum / n), peak, float64(active) / n
}

// BaseGainFor maps rms to the base gain: MaxGain below 0.001, linear down to
// BaseGain at 0.005, linear down to MinGain at 0.02, MinGain above. The
// mapping is non-increasing in rms.
func BaseGainFor(rms float64) float64 {
	switch {
	case rms < quietRMS:
		return MaxGain
	case rms < normalRMS:
		t := (rms - quietRMS) / (normalRMS - quietRMS)
		return MaxGain + t*(BaseGain-MaxGain)
	case rms < loudRMS:
		t := (rms - normalRMS) / (loudRMS - normalRMS)
		return BaseGain + t*(MinGain-BaseGain)
	default:
		return MinGain
	}
}

// Decide derives the gain for a buffer with the given statistics.
func Decide(rms, peak, activity float64) GainDecision {
	g := BaseGainFor(rms)
	switch {
	case activity < sparseActivity:
		g *= sparseBoost
	case activity > denseActivity:
		g *= denseCut
	}
	g = min(max(g, MinGain), MaxGain)

	return GainDecision{
		RMS:           rms,
		Peak:          peak,
		ActivityRatio: activity,
		Gain:          g,
		EffectiveGain: min(g, TargetCeiling/max(peak, epsilon)),
	}
}

// AdaptiveGain analyses samples and scales them in place by the resulting
// effective gain.
func AdaptiveGain(samples []float32) GainDecision {
	d := Decide(Stats(samples))
	g := float32(d.EffectiveGain)
	for i := range samples {
		samples[i] *= g
	}
	return d
}
