package miniaudio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voicememo/pkg/audio"
)

// Engine streams float32 capture buffers from a miniaudio device.
type Engine struct {
	p *Platform

	mu       sync.Mutex
	dev      *malgo.Device
	stopping atomic.Bool
	scratch  []float32
	elapsed  time.Duration
}

// Compile-time interface assertion.
var _ audio.Engine = (*Engine)(nil)

// InputFormat implements [audio.Engine].
func (e *Engine) InputFormat() (audio.Format, error) {
	req, _ := e.p.request()
	inputs, err := e.p.Inputs()
	if err != nil {
		return audio.Format{}, err
	}
	if len(inputs) == 0 {
		return audio.Format{}, audio.ErrNoInputNode
	}
	return audio.Format{SampleRate: req.SampleRate, Channels: req.Channels}, nil
}

// Start implements [audio.Engine].
func (e *Engine) Start(onBuffer func(audio.Buffer)) error {
	req, active := e.p.request()
	if !active {
		return errors.New("miniaudio: engine start: session not active")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dev != nil {
		return errors.New("miniaudio: engine already started")
	}
	e.stopping.Store(false)

	onData := func(in []byte, frames uint32) {
		e.scratch = decodeF32(e.scratch[:0], in)
		buf := audio.Buffer{
			Samples:    e.scratch,
			SampleRate: req.SampleRate,
			Channels:   req.Channels,
			Timestamp:  e.elapsed,
		}
		e.elapsed += buf.Duration()
		onBuffer(buf)
	}
	dev, err := e.p.openDevice(req, malgo.FormatF32, onData, e.onDeviceStop)
	if err != nil {
		return err
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("miniaudio: engine start: %w", err)
	}
	e.dev = dev
	return nil
}

func (e *Engine) onDeviceStop() {
	if !e.stopping.Load() {
		e.p.deviceLost()
	}
}

// Stop implements [audio.Engine].
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dev == nil {
		return nil
	}
	e.stopping.Store(true)
	err := e.dev.Stop()
	e.dev.Uninit()
	e.dev = nil
	if err != nil {
		return fmt.Errorf("miniaudio: engine stop: %w", err)
	}
	return nil
}
