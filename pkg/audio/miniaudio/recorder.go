package miniaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voicememo/pkg/audio"
	"github.com/MrWong99/voicememo/pkg/audio/pcmfile"
)

// silenceDB is reported by AveragePower when nothing was captured.
const silenceDB = -160.0

// Recorder captures 16-bit PCM straight into a WAV file.
type Recorder struct {
	p *Platform

	mu       sync.Mutex
	dev      *malgo.Device
	w        *pcmfile.Writer
	req      audio.SessionRequest
	stopping atomic.Bool
	lost     atomic.Bool
	scratch  []int16

	// power accumulators since the last AveragePower call
	sumSquares float64
	count      int64
	writeErr   error

	failed chan error
}

// Compile-time interface assertion.
var _ audio.Recorder = (*Recorder)(nil)

// Record implements [audio.Recorder].
func (r *Recorder) Record(path string, format audio.Format) error {
	req, active := r.p.request()
	if !active {
		return errors.New("miniaudio: record: session not active")
	}
	req.SampleRate = format.SampleRate
	req.Channels = format.Channels

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w != nil {
		return errors.New("miniaudio: record: already recording")
	}
	w, err := pcmfile.Create(path, format)
	if err != nil {
		return fmt.Errorf("miniaudio: record: %w", err)
	}
	r.w = w
	r.req = req
	if err := r.startLocked(); err != nil {
		_ = w.Close()
		r.w = nil
		return err
	}
	return nil
}

func (r *Recorder) startLocked() error {
	r.stopping.Store(false)
	r.lost.Store(false)
	dev, err := r.p.openDevice(r.req, malgo.FormatS16, r.onData, r.onDeviceStop)
	if err != nil {
		return err
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("miniaudio: record start: %w", err)
	}
	r.dev = dev
	return nil
}

// detachDevice takes the running device out of r. The caller stops it after
// releasing r.mu, since miniaudio waits for the data callback to return.
func (r *Recorder) detachDevice() *malgo.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev := r.dev
	r.dev = nil
	if dev != nil {
		r.stopping.Store(true)
	}
	return dev
}

// releaseDevice stops and frees the current device. Errors from a device that
// was lost are only logged, since it already stopped on its own.
func (r *Recorder) releaseDevice() error {
	lost := r.lost.Load()
	err := stopDevice(r.detachDevice())
	if err != nil && lost {
		slog.Debug("miniaudio: release lost capture device", "error", err)
		return nil
	}
	return err
}

func stopDevice(dev *malgo.Device) error {
	if dev == nil {
		return nil
	}
	err := dev.Stop()
	dev.Uninit()
	return err
}

// onDeviceStop marks a device that stopped on its own so that Resume
// replaces it.
func (r *Recorder) onDeviceStop() {
	if r.stopping.Load() {
		return
	}
	r.lost.Store(true)
	r.p.deviceLost()
}

func (r *Recorder) onData(in []byte, _ uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil || r.writeErr != nil {
		return
	}
	r.scratch = decodeS16(r.scratch[:0], in)
	for _, s := range r.scratch {
		f := float64(s) / 32768
		r.sumSquares += f * f
	}
	r.count += int64(len(r.scratch))
	if err := r.w.WriteInt16(r.scratch); err != nil {
		r.writeErr = err
		select {
		case r.failed <- err:
		default:
		}
	}
}

// Failed implements [audio.Recorder].
func (r *Recorder) Failed() <-chan error { return r.failed }

// Pause implements [audio.Recorder].
func (r *Recorder) Pause() error {
	r.mu.Lock()
	recording := r.w != nil
	r.mu.Unlock()
	if !recording {
		return errors.New("miniaudio: pause: not recording")
	}
	if err := r.releaseDevice(); err != nil {
		return fmt.Errorf("miniaudio: pause: %w", err)
	}
	return nil
}

// Resume implements [audio.Recorder]. A device that was lost is released and
// a new one is opened with the current session parameters.
func (r *Recorder) Resume() error {
	if r.lost.Load() {
		_ = r.releaseDevice()
		if req, active := r.p.request(); active {
			r.mu.Lock()
			r.req.PreferredInput = req.PreferredInput
			r.req.IOBufferDuration = req.IOBufferDuration
			r.mu.Unlock()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return errors.New("miniaudio: resume: not recording")
	}
	if r.dev != nil {
		return nil
	}
	return r.startLocked()
}

// Stop implements [audio.Recorder].
func (r *Recorder) Stop() error {
	stopErr := r.releaseDevice()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return stopErr
	}
	closeErr := r.w.Close()
	r.w = nil
	return errors.Join(stopErr, closeErr, r.writeErr)
}

// AveragePower implements [audio.Recorder].
func (r *Recorder) AveragePower() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	db := powerDB(r.sumSquares, r.count)
	r.sumSquares, r.count = 0, 0
	return db
}

// powerDB converts a sum of squared normalized samples to dBFS.
func powerDB(sumSquares float64, n int64) float64 {
	if n == 0 || sumSquares <= 0 {
		return silenceDB
	}
	db := 10 * math.Log10(sumSquares/float64(n))
	return math.Max(db, silenceDB)
}
