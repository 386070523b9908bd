// Package hwsession negotiates and owns the process-wide hardware audio
// session.
//
// A single [Configurator] is constructed at startup and shared by whoever
// needs the hardware session; only one recording holds it active at a time.
package hwsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicememo/pkg/audio"
)

// Sentinel errors returned by [Configurator.Configure].
var (
	// ErrPermissionDenied means microphone capture was refused.
	ErrPermissionDenied = errors.New("hwsession: record permission denied")

	// ErrInputUnavailable means no capture input exists.
	ErrInputUnavailable = errors.New("hwsession: no audio input available")

	// ErrConfigurationFailed wraps any platform failure while applying or
	// activating the session.
	ErrConfigurationFailed = errors.New("hwsession: configuration failed")
)

const (
	// CategoryPlayAndRecord is the only session category used for capture.
	CategoryPlayAndRecord = "playAndRecord"

	// DefaultIOBufferDuration is the preferred hardware buffer length.
	DefaultIOBufferDuration = 10 * time.Millisecond
)

// Parameters is the negotiated hardware configuration for a mode.
type Parameters struct {
	Mode             Mode
	SampleRate       int
	Channels         int
	IOBufferDuration time.Duration
	Category         string
	Options          audio.CategoryOptions
	InputGain        float64

	PreferredInput      string
	PreferredDataSource string

	// VoiceIsolation selects the streaming backend with the equalizer.
	VoiceIsolation bool
}

// Format returns the capture file format for p.
func (p Parameters) Format() audio.Format {
	return audio.Format{SampleRate: p.SampleRate, Channels: p.Channels}
}

func (p Parameters) request() audio.SessionRequest {
	return audio.SessionRequest{
		Category:            p.Category,
		Options:             p.Options,
		SampleRate:          p.SampleRate,
		Channels:            p.Channels,
		IOBufferDuration:    p.IOBufferDuration,
		InputGain:           p.InputGain,
		PreferredInput:      p.PreferredInput,
		PreferredDataSource: p.PreferredDataSource,
	}
}

// Config holds the construction parameters for [New].
type Config struct {
	Platform audio.Platform

	// TranscriptionFormat fixes capture at 16 kHz mono for downstream
	// speech-to-text. When false the hardware native rate is used.
	TranscriptionFormat bool

	// VoiceIsolation is the initial voice isolation setting.
	VoiceIsolation bool

	// IOBufferDuration defaults to [DefaultIOBufferDuration].
	IOBufferDuration time.Duration
}

// Configurator prepares and activates the hardware session. All methods are
// safe for concurrent use.
type Configurator struct {
	platform      audio.Platform
	transcription bool
	ioBuffer      time.Duration

	mu             sync.Mutex
	voiceIsolation bool
	active         bool
	applied        audio.SessionRequest
}

// New creates a Configurator for cfg.Platform.
func New(cfg Config) *Configurator {
	if cfg.IOBufferDuration <= 0 {
		cfg.IOBufferDuration = DefaultIOBufferDuration
	}
	return &Configurator{
		platform:       cfg.Platform,
		transcription:  cfg.TranscriptionFormat,
		ioBuffer:       cfg.IOBufferDuration,
		voiceIsolation: cfg.VoiceIsolation,
	}
}

// SetVoiceIsolation changes the voice isolation flag reported in future
// [Parameters].
func (c *Configurator) SetVoiceIsolation(enabled bool) {
	c.mu.Lock()
	c.voiceIsolation = enabled
	c.mu.Unlock()
}

// VoiceIsolation reports the current voice isolation flag.
func (c *Configurator) VoiceIsolation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voiceIsolation
}

// Active reports whether the hardware session is currently active.
func (c *Configurator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Configure checks permission and inputs, derives the parameters for mode
// and activates the hardware session with them. Activation is idempotent:
// an already active session with identical parameters causes no platform
// calls; different parameters deactivate, re-apply and reactivate.
func (c *Configurator) Configure(ctx context.Context, mode Mode) (Parameters, error) {
	if !mode.IsValid() {
		return Parameters{}, fmt.Errorf("%w: unknown mode %q", ErrConfigurationFailed, mode)
	}
	if err := c.checkPermission(ctx); err != nil {
		return Parameters{}, err
	}

	inputs, err := c.platform.Inputs()
	if err != nil {
		return Parameters{}, fmt.Errorf("%w: list inputs: %w", ErrConfigurationFailed, err)
	}
	if len(inputs) == 0 {
		return Parameters{}, ErrInputUnavailable
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	params := c.derive(mode, inputs)
	req := params.request()

	if c.active && c.applied == req {
		return params, nil
	}
	if c.active {
		if err := c.platform.SetActive(false); err != nil {
			return Parameters{}, fmt.Errorf("%w: deactivate: %w", ErrConfigurationFailed, err)
		}
		c.active = false
	}
	if err := c.platform.Configure(req); err != nil {
		return Parameters{}, fmt.Errorf("%w: apply: %w", ErrConfigurationFailed, err)
	}
	if err := c.platform.SetActive(true); err != nil {
		return Parameters{}, fmt.Errorf("%w: activate: %w", ErrConfigurationFailed, err)
	}
	c.active = true
	c.applied = req

	slog.Debug("hardware session configured",
		"mode", mode,
		"sample_rate", params.SampleRate,
		"input", params.PreferredInput,
		"data_source", params.PreferredDataSource,
		"input_gain", params.InputGain,
	)
	return params, nil
}

func (c *Configurator) checkPermission(ctx context.Context) error {
	switch c.platform.RecordPermission() {
	case audio.PermissionGranted:
		return nil
	case audio.PermissionDenied:
		return ErrPermissionDenied
	}
	p, err := c.platform.RequestRecordPermission(ctx)
	if err != nil {
		return fmt.Errorf("%w: request permission: %w", ErrConfigurationFailed, err)
	}
	if p != audio.PermissionGranted {
		return ErrPermissionDenied
	}
	return nil
}

// derive computes the parameters for mode. c.mu must be held.
func (c *Configurator) derive(mode Mode, inputs []audio.Input) Parameters {
	prof := profiles[mode]

	rate := audio.TranscriptionFormat.SampleRate
	if !c.transcription {
		rate = c.platform.NativeSampleRate()
	}

	params := Parameters{
		Mode:             mode,
		SampleRate:       rate,
		Channels:         1,
		IOBufferDuration: c.ioBuffer,
		Category:         CategoryPlayAndRecord,
		Options: audio.CategoryOptions{
			AllowBluetooth: prof.allowExternal,
			Duplex:         true,
			MixWithOthers:  true,
		},
		InputGain:      prof.inputGain,
		VoiceIsolation: c.voiceIsolation,
	}

	in := selectInput(inputs, prof.allowExternal)
	params.PreferredInput = in.ID
	if in.BuiltIn {
		params.PreferredDataSource = selectDataSource(in.DataSources, prof.orientation, prof.highSensitivity)
	}
	return params
}

// selectInput prefers an external input when allowed, otherwise the
// built-in microphone, otherwise whatever comes first.
func selectInput(inputs []audio.Input, allowExternal bool) audio.Input {
	if allowExternal {
		for _, in := range inputs {
			if !in.BuiltIn {
				return in
			}
		}
	}
	for _, in := range inputs {
		if in.BuiltIn {
			return in
		}
	}
	return inputs[0]
}

// selectDataSource returns the ID of the best matching data source, or ""
// to keep the system default.
func selectDataSource(sources []audio.DataSource, want audio.Orientation, highSensitivity bool) string {
	if want == audio.OrientationNone {
		return ""
	}
	fallback := ""
	for _, ds := range sources {
		if ds.Orientation != want {
			continue
		}
		if !highSensitivity || ds.HighSensitivity {
			return ds.ID
		}
		if fallback == "" {
			fallback = ds.ID
		}
	}
	return fallback
}

// Invalidate forces the next Configure to re-apply and reactivate, e.g.
// after a route change or a media services reset.
func (c *Configurator) Invalidate() {
	c.mu.Lock()
	c.applied = audio.SessionRequest{}
	c.mu.Unlock()
}

// Deactivate releases the hardware session. A no-op when inactive.
func (c *Configurator) Deactivate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return nil
	}
	c.active = false
	c.applied = audio.SessionRequest{}
	if err := c.platform.SetActive(false); err != nil {
		return fmt.Errorf("%w: deactivate: %w", ErrConfigurationFailed, err)
	}
	return nil
}
