package dsp

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// FilterType selects the biquad response of an [EQBand].
type FilterType int

const (
	HighPass FilterType = iota
	Parametric
	LowPass
)

// String returns the filter type name.
func (t FilterType) String() string {
	switch t {
	case HighPass:
		return "highpass"
	case Parametric:
		return "parametric"
	case LowPass:
		return "lowpass"
	default:
		return fmt.Sprintf("FilterType(%d)", int(t))
	}
}

// EQBand is the configuration of one equalizer band.
type EQBand struct {
	CenterFrequency float64 // Hz
	Gain            float64 // dB, parametric bands only
	Bandwidth       float64 // octaves
	FilterType      FilterType
	Bypassed        bool
}

// NumBands is the fixed number of equalizer bands.
const NumBands = 10

// Indices of the bands scaled by the noise reduction level, and their gain
// at full strength.
const (
	lowCutBand  = 1
	highCutBand = 8

	lowCutMaxDB  = -12.0
	highCutMaxDB = -9.0
)

// DefaultNoiseReduction is the noise reduction level baked into [DefaultBands].
const DefaultNoiseReduction = 0.5

// DefaultBands returns the voice isolation curve: rumble and hiss removed,
// low-mid mud cut, presence region (1–4 kHz) lifted.
func DefaultBands() [NumBands]EQBand {
	return [NumBands]EQBand{
		{CenterFrequency: 80, Bandwidth: 1, FilterType: HighPass},
		{CenterFrequency: 150, Gain: lowCutMaxDB * DefaultNoiseReduction, Bandwidth: 1, FilterType: Parametric},
		{CenterFrequency: 250, Gain: -3, Bandwidth: 1, FilterType: Parametric},
		{CenterFrequency: 500, Gain: 0, Bandwidth: 1, FilterType: Parametric},
		{CenterFrequency: 1000, Gain: 2, Bandwidth: 1, FilterType: Parametric},
		{CenterFrequency: 2000, Gain: 4, Bandwidth: 1, FilterType: Parametric},
		{CenterFrequency: 3000, Gain: 4, Bandwidth: 1, FilterType: Parametric},
		{CenterFrequency: 4000, Gain: 2, Bandwidth: 1, FilterType: Parametric},
		{CenterFrequency: 6000, Gain: highCutMaxDB * DefaultNoiseReduction, Bandwidth: 1, FilterType: Parametric},
		{CenterFrequency: 7500, Bandwidth: 1, FilterType: LowPass},
	}
}

type eqSettings struct {
	bands [NumBands]EQBand
	level float64
}

type biquad struct {
	b0, b1, b2, a1, a2 float64
	active             bool
}

// Equalizer is a ten-band biquad equalizer.
//
// Configuration changes are published as an immutable snapshot through an
// atomic pointer; the processing side picks the new snapshot up on its next
// buffer and recomputes coefficients there. Setters may be called from any
// goroutine; Process must only be called from one goroutine at a time.
type Equalizer struct {
	mu       sync.Mutex // serialises writers
	settings atomic.Pointer[eqSettings]
	reset    atomic.Bool

	// processing-side state
	seen   *eqSettings
	rate   int
	coeffs [NumBands]biquad
	z1, z2 [NumBands]float64
}

// NewEqualizer returns an equalizer with [DefaultBands]. When voiceIsolation
// is false all bands start bypassed.
func NewEqualizer(voiceIsolation bool) *Equalizer {
	s := &eqSettings{bands: DefaultBands(), level: DefaultNoiseReduction}
	for i := range s.bands {
		s.bands[i].Bypassed = !voiceIsolation
	}
	e := &Equalizer{}
	e.settings.Store(s)
	return e
}

// Bands returns a copy of the current band configuration.
func (e *Equalizer) Bands() [NumBands]EQBand {
	return e.settings.Load().bands
}

// NoiseReductionLevel returns the current level in [0, 1].
func (e *Equalizer) NoiseReductionLevel() float64 {
	return e.settings.Load().level
}

// VoiceIsolation reports whether the bands are active.
func (e *Equalizer) VoiceIsolation() bool {
	return !e.settings.Load().bands[0].Bypassed
}

// SetNoiseReductionLevel scales the 150 Hz and 6 kHz cut bands. level is
// clamped to [0, 1]; 0 leaves both bands flat.
func (e *Equalizer) SetNoiseReductionLevel(level float64) {
	if level != level {
		level = 0
	}
	level = min(max(level, 0), 1)
	e.update(func(s *eqSettings) {
		s.level = level
		s.bands[lowCutBand].Gain = lowCutMaxDB * level
		s.bands[highCutBand].Gain = highCutMaxDB * level
	})
}

// SetVoiceIsolation enables or bypasses every band uniformly.
func (e *Equalizer) SetVoiceIsolation(enabled bool) {
	e.update(func(s *eqSettings) {
		for i := range s.bands {
			s.bands[i].Bypassed = !enabled
		}
	})
}

func (e *Equalizer) update(fn func(*eqSettings)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := *e.settings.Load()
	fn(&next)
	e.settings.Store(&next)
}

// Reset clears the filter history before the next processed buffer, so a new
// recording does not start with the tail of the previous one. Safe to call
// from any goroutine.
func (e *Equalizer) Reset() {
	e.reset.Store(true)
}

// Process implements [Stage]. Bands at or above the Nyquist frequency of
// sampleRate are skipped.
func (e *Equalizer) Process(samples []float32, sampleRate int) {
	if e.reset.Swap(false) {
		e.z1, e.z2 = [NumBands]float64{}, [NumBands]float64{}
	}
	s := e.settings.Load()
	if s != e.seen || sampleRate != e.rate {
		if sampleRate != e.rate {
			e.z1, e.z2 = [NumBands]float64{}, [NumBands]float64{}
		}
		e.seen, e.rate = s, sampleRate
		for i, b := range s.bands {
			e.coeffs[i] = designBiquad(b, sampleRate)
		}
	}

	for i := range samples {
		x := float64(samples[i])
		for b := range e.coeffs {
			c := &e.coeffs[b]
			if !c.active {
				continue
			}
			// transposed direct form II
			y := c.b0*x + e.z1[b]
			e.z1[b] = c.b1*x - c.a1*y + e.z2[b]
			e.z2[b] = c.b2*x - c.a2*y
			x = y
		}
		samples[i] = float32(x)
	}
}

// designBiquad computes normalized RBJ cookbook coefficients for b.
func designBiquad(b EQBand, sampleRate int) biquad {
	if b.Bypassed || sampleRate <= 0 || b.CenterFrequency <= 0 || b.CenterFrequency >= float64(sampleRate)/2 {
		return biquad{}
	}
	if b.FilterType == Parametric && b.Gain == 0 {
		return biquad{}
	}
	bw := b.Bandwidth
	if bw <= 0 {
		bw = 1
	}

	w0 := 2 * math.Pi * b.CenterFrequency / float64(sampleRate)
	cosw, sinw := math.Cos(w0), math.Sin(w0)
	alpha := sinw * math.Sinh(math.Ln2/2*bw*w0/sinw)

	var b0, b1, b2, a0, a1, a2 float64
	switch b.FilterType {
	case HighPass:
		b0 = (1 + cosw) / 2
		b1 = -(1 + cosw)
		b2 = (1 + cosw) / 2
		a0, a1, a2 = 1+alpha, -2*cosw, 1-alpha
	case LowPass:
		b0 = (1 - cosw) / 2
		b1 = 1 - cosw
		b2 = (1 - cosw) / 2
		a0, a1, a2 = 1+alpha, -2*cosw, 1-alpha
	default:
		a := math.Pow(10, b.Gain/40)
		b0 = 1 + alpha*a
		b1 = -2 * cosw
		b2 = 1 - alpha*a
		a0, a1, a2 = 1+alpha/a, -2*cosw, 1-alpha/a
	}
	return biquad{
		b0: b0 / a0, b1: b1 / a0, b2: b2 / a0,
		a1: a1 / a0, a2: a2 / a0,
		active: true,
	}
}
