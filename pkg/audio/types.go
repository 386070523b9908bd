package audio

import "time"

// Buffer is a single block of audio delivered by one capture callback.
//
// Samples are interleaved float32 values in [-1, 1]. A Buffer handed to a
// callback is owned by that callback for the duration of the invocation
// only; implementations must copy anything they want to keep.
type Buffer struct {
	// Samples holds interleaved PCM samples.
	Samples []float32

	// SampleRate in Hz (e.g., 48000 from hardware, 16000 for transcription).
	SampleRate int

	// Channels is the interleave width: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this buffer was captured, relative to stream start.
	Timestamp time.Duration
}

// Frames returns the number of sample frames in b.
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return len(b.Samples)
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of b.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Format returns the stream format of b.
func (b Buffer) Format() Format {
	return Format{SampleRate: b.SampleRate, Channels: b.Channels}
}

// TranscriptionFormat is the fixed output contract for transcription-oriented
// capture: mono at 16 kHz. Files are written as 16-bit linear PCM.
var TranscriptionFormat = Format{SampleRate: 16000, Channels: 1}
