// Package pcmfile writes and inspects mono or interleaved 16-bit linear PCM
// WAV files.
//
// A [Writer] owns its destination exclusively: [Create] removes whatever was
// at the path before, and the RIFF header sizes are only patched on
// [Writer.Close]. Writer is not safe for concurrent use; callers serialise
// access themselves.
package pcmfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/voicememo/pkg/audio"
)

const (
	bitDepth = 16

	// formatPCM is the WAVE_FORMAT_PCM tag.
	formatPCM = 1
)

// ErrClosed is returned by writes after [Writer.Close].
var ErrClosed = errors.New("pcmfile: writer closed")

// ErrInvalidFile is returned by [Probe] when the file is not a readable WAV.
var ErrInvalidFile = errors.New("pcmfile: not a valid wav file")

// Writer appends 16-bit PCM samples to a WAV file.
type Writer struct {
	path   string
	format audio.Format
	f      *os.File
	enc    *wav.Encoder
	buf    *goaudio.IntBuffer
	frames int64
	closed bool
}

// Create removes any existing file at path and opens a new WAV file for
// format. The header is written immediately so that a file closed without
// samples is still a valid, empty recording.
func Create(path string, format audio.Format) (*Writer, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("pcmfile: create %q: invalid format %dHz %dch", path, format.SampleRate, format.Channels)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("pcmfile: remove existing %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pcmfile: create %q: %w", path, err)
	}

	w := &Writer{
		path:   path,
		format: format,
		f:      f,
		enc:    wav.NewEncoder(f, format.SampleRate, bitDepth, format.Channels, formatPCM),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			Data:           make([]int, 0, 4096),
			SourceBitDepth: bitDepth,
		},
	}
	if err := w.enc.Write(w.buf); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("pcmfile: write header %q: %w", path, err)
	}
	return w, nil
}

// Path returns the destination path.
func (w *Writer) Path() string { return w.path }

// Format returns the format the file is written in.
func (w *Writer) Format() audio.Format { return w.format }

// Write converts float samples in [-1, 1] to 16-bit PCM and appends them.
// len(samples) must be a multiple of the channel count.
func (w *Writer) Write(samples []float32) error {
	if w.closed {
		return ErrClosed
	}
	w.buf.Data = w.buf.Data[:0]
	for _, s := range samples {
		w.buf.Data = append(w.buf.Data, int(audio.FloatToInt16(s)))
	}
	return w.flush(len(samples))
}

// WriteInt16 appends already-quantised samples.
func (w *Writer) WriteInt16(samples []int16) error {
	if w.closed {
		return ErrClosed
	}
	w.buf.Data = w.buf.Data[:0]
	for _, s := range samples {
		w.buf.Data = append(w.buf.Data, int(s))
	}
	return w.flush(len(samples))
}

func (w *Writer) flush(n int) error {
	if n == 0 {
		return nil
	}
	if err := w.enc.Write(w.buf); err != nil {
		return fmt.Errorf("pcmfile: write %q: %w", w.path, err)
	}
	w.frames += int64(n / w.format.Channels)
	return nil
}

// Frames returns the number of sample frames written so far.
func (w *Writer) Frames() int64 { return w.frames }

// Duration returns the playback length of the samples written so far.
func (w *Writer) Duration() time.Duration {
	return time.Duration(w.frames) * time.Second / time.Duration(w.format.SampleRate)
}

// Close patches the header sizes and closes the file. Safe to call more
// than once.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	encErr := w.enc.Close()
	closeErr := w.f.Close()
	if err := errors.Join(encErr, closeErr); err != nil {
		return fmt.Errorf("pcmfile: close %q: %w", w.path, err)
	}
	return nil
}

// Info describes a finalized WAV file.
type Info struct {
	Size       int64
	SampleRate int
	Channels   int
	BitDepth   int
	PCMBytes   int64
	Duration   time.Duration
}

// Probe reads the header of the WAV file at path. The returned error wraps
// [fs.ErrNotExist] when the file is missing and [ErrInvalidFile] when it
// cannot be decoded.
func Probe(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("pcmfile: probe %q: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Info{}, fmt.Errorf("pcmfile: probe %q: %w", path, err)
	}

	d := wav.NewDecoder(f)
	d.ReadInfo()
	if err := d.Err(); err != nil {
		return Info{}, fmt.Errorf("pcmfile: probe %q: %w: %w", path, ErrInvalidFile, err)
	}
	if !d.IsValidFile() {
		return Info{}, fmt.Errorf("pcmfile: probe %q: %w", path, ErrInvalidFile)
	}
	if err := d.FwdToPCM(); err != nil {
		return Info{}, fmt.Errorf("pcmfile: probe %q: %w: %w", path, ErrInvalidFile, err)
	}

	info := Info{
		Size:       st.Size(),
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
		PCMBytes:   int64(d.PCMSize),
	}
	bytesPerSecond := int64(info.SampleRate) * int64(info.Channels) * int64(info.BitDepth/8)
	if bytesPerSecond > 0 {
		info.Duration = time.Duration(info.PCMBytes) * time.Second / time.Duration(bytesPerSecond)
	}
	return info, nil
}
