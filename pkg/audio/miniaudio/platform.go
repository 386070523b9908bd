// Package miniaudio implements [audio.Platform] on top of miniaudio via
// github.com/gen2brain/malgo.
//
// Desktop systems have no capture permission prompt and no per-app session
// category, so permission is always granted and Configure only records the
// requested parameters for the next device that gets opened.
//
// A capture device that stops without being asked to (unplugged, default
// device switched) is reported as an [audio.EventRouteChanged] with
// [audio.RouteOldDeviceUnavailable] followed by an
// [audio.EventMediaServicesReset]. The reset makes the recorder reconfigure
// the session and restart capture on whatever device is the default now; the
// dead device is released on the next Stop or Resume.
package miniaudio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voicememo/pkg/audio"
)

// Config holds the construction parameters for [New].
type Config struct {
	// NativeSampleRate is reported by [Platform.NativeSampleRate] and used
	// when a session does not request a rate. Defaults to 48000.
	NativeSampleRate int

	// Backends restricts the miniaudio backends tried, in order. Empty lets
	// miniaudio pick.
	Backends []malgo.Backend

	// EventBuffer is the capacity of the event channel. Defaults to 16.
	EventBuffer int
}

// Platform is the miniaudio-backed hardware session.
type Platform struct {
	ctx    *malgo.AllocatedContext
	native int
	events chan audio.Event

	mu     sync.Mutex
	req    audio.SessionRequest
	active bool
}

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// New initialises a miniaudio context. Call [Platform.Close] to release it.
func New(cfg Config) (*Platform, error) {
	if cfg.NativeSampleRate <= 0 {
		cfg.NativeSampleRate = 48000
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 16
	}
	ctx, err := malgo.InitContext(cfg.Backends, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	return &Platform{
		ctx:    ctx,
		native: cfg.NativeSampleRate,
		events: make(chan audio.Event, cfg.EventBuffer),
		req: audio.SessionRequest{
			SampleRate: cfg.NativeSampleRate,
			Channels:   1,
		},
	}, nil
}

// Close releases the miniaudio context.
func (p *Platform) Close() error {
	if err := p.ctx.Uninit(); err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	p.ctx.Free()
	return nil
}

// RecordPermission implements [audio.Platform]. Always granted.
func (p *Platform) RecordPermission() audio.Permission { return audio.PermissionGranted }

// RequestRecordPermission implements [audio.Platform]. Always granted.
func (p *Platform) RequestRecordPermission(ctx context.Context) (audio.Permission, error) {
	if err := ctx.Err(); err != nil {
		return audio.PermissionUndetermined, err
	}
	return audio.PermissionGranted, nil
}

// Inputs implements [audio.Platform]. The system default capture device is
// reported as built-in.
func (p *Platform) Inputs() ([]audio.Input, error) {
	infos, err := p.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: enumerate capture devices: %w", err)
	}
	inputs := make([]audio.Input, 0, len(infos))
	for _, info := range infos {
		inputs = append(inputs, audio.Input{
			ID:      info.ID.String(),
			Name:    info.Name(),
			BuiltIn: info.IsDefault != 0,
		})
	}
	return inputs, nil
}

// NativeSampleRate implements [audio.Platform].
func (p *Platform) NativeSampleRate() int { return p.native }

// Configure implements [audio.Platform]. Parameters take effect for devices
// opened afterwards.
func (p *Platform) Configure(req audio.SessionRequest) error {
	if req.SampleRate <= 0 {
		req.SampleRate = p.native
	}
	if req.Channels <= 0 {
		req.Channels = 1
	}
	p.mu.Lock()
	p.req = req
	p.mu.Unlock()
	return nil
}

// SetActive implements [audio.Platform].
func (p *Platform) SetActive(active bool) error {
	p.mu.Lock()
	p.active = active
	p.mu.Unlock()
	return nil
}

// NewEngine implements [audio.Platform].
func (p *Platform) NewEngine() (audio.Engine, error) {
	return &Engine{p: p}, nil
}

// NewRecorder implements [audio.Platform].
func (p *Platform) NewRecorder() (audio.Recorder, error) {
	return &Recorder{p: p, failed: make(chan error, 1)}, nil
}

// Events implements [audio.Platform].
func (p *Platform) Events() <-chan audio.Event { return p.events }

func (p *Platform) request() (audio.SessionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.req, p.active
}

// emit publishes ev without blocking the miniaudio thread.
func (p *Platform) emit(ev audio.Event) {
	ev.Time = time.Now()
	select {
	case p.events <- ev:
	default:
		slog.Warn("miniaudio: event channel full, dropping event", "kind", ev.Kind)
	}
}

// deviceLost reports a capture device that stopped on its own.
func (p *Platform) deviceLost() {
	slog.Warn("miniaudio: capture device stopped unexpectedly")
	p.emit(audio.Event{Kind: audio.EventRouteChanged, Reason: audio.RouteOldDeviceUnavailable})
	p.emit(audio.Event{Kind: audio.EventMediaServicesReset})
}

// openDevice opens a capture device for req in format ft. onData receives the
// raw interleaved input bytes and onStop runs on the miniaudio thread whenever
// the device stops, requested or not.
func (p *Platform) openDevice(req audio.SessionRequest, ft malgo.FormatType, onData func(in []byte, frames uint32), onStop func()) (*malgo.Device, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = ft
	cfg.Capture.Channels = uint32(req.Channels)
	cfg.SampleRate = uint32(req.SampleRate)
	if req.IOBufferDuration > 0 {
		cfg.PeriodSizeInMilliseconds = uint32(req.IOBufferDuration / time.Millisecond)
	}
	if req.PreferredInput != "" {
		if id, ok := p.deviceID(req.PreferredInput); ok {
			cfg.Capture.DeviceID = id.Pointer()
		}
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, frames uint32) {
			onData(in, frames)
		},
		Stop: onStop,
	}
	dev, err := malgo.InitDevice(p.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init capture device: %w", err)
	}
	return dev, nil
}

func (p *Platform) deviceID(id string) (malgo.DeviceID, bool) {
	infos, err := p.ctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceID{}, false
	}
	for _, info := range infos {
		if info.ID.String() == id {
			return info.ID, true
		}
	}
	return malgo.DeviceID{}, false
}

// decodeF32 appends little-endian float32 samples from b to dst.
func decodeF32(dst []float32, b []byte) []float32 {
	for i := 0; i+3 < len(b); i += 4 {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(b[i:])))
	}
	return dst
}

// decodeS16 appends little-endian int16 samples from b to dst.
func decodeS16(dst []int16, b []byte) []int16 {
	for i := 0; i+1 < len(b); i += 2 {
		dst = append(dst, int16(binary.LittleEndian.Uint16(b[i:])))
	}
	return dst
}
