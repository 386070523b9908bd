// Package meter derives the normalized [0, 1] input level shown to the user.
//
// Two sources feed it: raw sample buffers on the streaming capture path, and
// hardware-reported average power on the direct-to-file path. The displayed
// value is smoothed; nothing else is carried between readings.
package meter

import (
	"math"
	"sync"
)

const (
	// floorDB is used for the level of an all-zero buffer.
	floorDB = -200.0

	bufferMinDB = -160.0
	bufferMaxDB = -80.0

	// presenceRMS is the energy above which a buffer shows at least
	// presenceLevel, so near-silent speech is still visible.
	presenceRMS   = 1e-5
	presenceLevel = 0.1

	// PowerSilenceDB is the average power below which the power path
	// reports 0.
	PowerSilenceDB = -55.0
	powerRangeDB   = 10.0

	// DefaultPublishFrames is the minimum number of frames between two
	// published levels on the buffer path.
	DefaultPublishFrames = 1024

	// DefaultRelease is the fraction of the previous displayed value kept
	// when the level falls.
	DefaultRelease = 0.6
)

// BufferLevel maps a sample buffer to [0, 1] using its peak: 20·log10(peak)
// linearly mapped from [−160, −80] dB, with a 0.1 floor whenever the buffer
// carries measurable energy.
func BufferLevel(samples []float32) float64 {
	var peak, sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	db := floorDB
	if peak > 0 {
		db = 20 * math.Log10(peak)
	}
	level := clamp01((db - bufferMinDB) / (bufferMaxDB - bufferMinDB))

	if len(samples) > 0 && math.Sqrt(sum/float64(len(samples))) > presenceRMS {
		level = max(level, presenceLevel)
	}
	return level
}

// PowerLevel maps a hardware average power reading in dBFS to [0, 1]:
// 0 below −55 dB, otherwise the square root of the position within
// [−55, −45] dB.
func PowerLevel(db float64) float64 {
	if db != db || db < PowerSilenceDB {
		return 0
	}
	return math.Sqrt(clamp01((db - PowerSilenceDB) / powerRangeDB))
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}

// Config holds the tunables for [New]. Zero values select the defaults.
type Config struct {
	// PublishFrames rate-limits the buffer path.
	PublishFrames int

	// Release is the smoothing factor applied when the level falls.
	Release float64
}

// Meter smooths levels and rate-limits publication to a sink.
//
// ObserveBuffer is called from the real-time callback; ObservePower from the
// polling goroutine. The sink is invoked synchronously and must not block.
type Meter struct {
	sink          func(float64)
	publishFrames int
	release       float64

	mu      sync.Mutex
	pending int
	display float64
}

// New returns a meter that publishes to sink.
func New(cfg Config, sink func(level float64)) *Meter {
	if cfg.PublishFrames <= 0 {
		cfg.PublishFrames = DefaultPublishFrames
	}
	if cfg.Release <= 0 || cfg.Release >= 1 {
		cfg.Release = DefaultRelease
	}
	if sink == nil {
		sink = func(float64) {}
	}
	return &Meter{sink: sink, publishFrames: cfg.PublishFrames, release: cfg.Release}
}

// ObserveBuffer accounts frames of samples and publishes a smoothed level
// once at least PublishFrames frames have accumulated since the last
// publication.
func (m *Meter) ObserveBuffer(samples []float32, frames int) {
	m.mu.Lock()
	m.pending += frames
	if m.pending < m.publishFrames {
		m.mu.Unlock()
		return
	}
	m.pending %= m.publishFrames
	v := m.smoothLocked(BufferLevel(samples))
	m.mu.Unlock()
	m.sink(v)
}

// ObservePower publishes the smoothed level for a power reading.
func (m *Meter) ObservePower(db float64) {
	m.mu.Lock()
	v := m.smoothLocked(PowerLevel(db))
	m.mu.Unlock()
	m.sink(v)
}

// Level returns the last displayed value.
func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.display
}

// Reset drops to zero and publishes it, e.g. on pause.
func (m *Meter) Reset() {
	m.mu.Lock()
	m.display = 0
	m.pending = 0
	m.mu.Unlock()
	m.sink(0)
}

// smoothLocked applies instant attack and exponential release.
func (m *Meter) smoothLocked(level float64) float64 {
	if level >= m.display {
		m.display = level
	} else {
		m.display = m.display*m.release + level*(1-m.release)
	}
	return m.display
}
