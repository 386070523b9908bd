package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Converter converts Buffers to a target format. It logs a warning on the
// first format mismatch and on the first malformed buffer.
//
// A Converter owns two scratch slices that are reused across calls, so the
// Buffer returned by [Converter.Convert] is only valid until the next call.
// Create one per stream; not designed for shared use across goroutines.
type Converter struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once

	mono      []float32
	resampled []float32
}

// Convert converts buf to the target format. If the source format already
// matches the target, buf is returned unchanged (zero allocation).
// Conversion order: downmix first, then resample.
func (c *Converter) Convert(buf Buffer) Buffer {
	if buf.Channels <= 0 || len(buf.Samples)%buf.Channels != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: sample count not a multiple of channels, dropping buffer",
				"samples", len(buf.Samples),
				"sampleRate", buf.SampleRate,
				"channels", buf.Channels,
			)
		})
		return Buffer{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: buf.Timestamp}
	}

	if buf.SampleRate == c.Target.SampleRate && buf.Channels == c.Target.Channels {
		return buf
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(buf.SampleRate, buf.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	samples := buf.Samples
	channels := buf.Channels

	// Downmix first so the resampler only sees one channel.
	if channels != 1 && c.Target.Channels == 1 {
		c.mono = DownmixInto(c.mono[:0], samples, channels)
		samples = c.mono
		channels = 1
	}

	rate := buf.SampleRate
	if rate != c.Target.SampleRate && channels == 1 {
		c.resampled = ResampleInto(c.resampled[:0], samples, rate, c.Target.SampleRate)
		samples = c.resampled
		rate = c.Target.SampleRate
	}

	return Buffer{
		Samples:    samples,
		SampleRate: rate,
		Channels:   channels,
		Timestamp:  buf.Timestamp,
	}
}

// DownmixInto averages each interleaved frame of samples across channels and
// appends the mono result to dst.
func DownmixInto(dst, samples []float32, channels int) []float32 {
	if channels <= 1 {
		return append(dst, samples...)
	}
	frames := len(samples) / channels
	inv := 1 / float32(channels)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		dst = append(dst, sum*inv)
	}
	return dst
}

// ResampleInto resamples mono samples from srcRate to dstRate using linear
// interpolation and appends the result to dst. If the rates match or either
// is invalid, samples are appended unchanged.
func ResampleInto(dst, samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return append(dst, samples...)
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		dst = append(dst, s0*(1-frac)+s1*frac)
	}
	return dst
}

// FloatToInt16 converts a float sample in [-1, 1] to signed 16-bit PCM,
// clamping out-of-range input. NaN maps to 0.
func FloatToInt16(s float32) int16 {
	if s != s {
		return 0
	}
	v := math.Round(float64(s) * 32767)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Int16ToFloat converts a signed 16-bit PCM sample to a float in [-1, 1].
func Int16ToFloat(s int16) float32 {
	if s == math.MinInt16 {
		return -1
	}
	return float32(s) / 32767
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
