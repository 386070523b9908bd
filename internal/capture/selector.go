package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicememo/internal/dsp"
	"github.com/MrWong99/voicememo/internal/hwsession"
	"github.com/MrWong99/voicememo/internal/meter"
	"github.com/MrWong99/voicememo/internal/observe"
	"github.com/MrWong99/voicememo/internal/resilience"
	"github.com/MrWong99/voicememo/pkg/audio"
)

// DiskSpaceFunc reports the free bytes on the volume holding dir.
type DiskSpaceFunc func(dir string) (uint64, error)

// Config holds the construction parameters for [New].
type Config struct {
	// Platform is the hardware the backends are created from. Required.
	Platform audio.Platform

	// MinFreeBytes is the preflight free-space floor. Default: [DefaultMinFreeBytes].
	MinFreeBytes uint64

	// DiskSpace measures free space. Default: [FreeSpace].
	DiskSpace DiskSpaceFunc

	// Equalizer is shared by every engine capture so that processing
	// changes apply to the running recording. Default: voice isolation on.
	Equalizer *dsp.Equalizer

	// PollInterval is the recorder metering period. Default: [DefaultPollInterval].
	PollInterval time.Duration

	// Meter tunes level smoothing and rate limiting.
	Meter meter.Config

	// EngineBreaker skips the engine after repeated start failures. When nil
	// a breaker with the resilience defaults is used.
	EngineBreaker *resilience.Breaker

	// Metrics records capture metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Request describes one capture to start.
type Request struct {
	// Path is the destination file. Anything already there is replaced.
	Path string

	// Params are the negotiated hardware parameters. The file format is
	// Params.Format(); Params.VoiceIsolation selects the engine.
	Params hwsession.Parameters

	// OnLevel receives smoothed meter levels in [0, 1]. It may be called
	// from the real-time context and must not block.
	OnLevel func(level float64)
}

// Selector preflights the destination and starts the best available backend.
type Selector struct {
	platform      audio.Platform
	minFree       uint64
	diskSpace     DiskSpaceFunc
	eq            *dsp.Equalizer
	poll          time.Duration
	meterCfg      meter.Config
	engineBreaker *resilience.Breaker
	metrics       *observe.Metrics
}

// startFunc is one capture strategy.
type startFunc func(ctx context.Context, req Request) (Capture, error)

// New creates a Selector.
func New(cfg Config) *Selector {
	if cfg.MinFreeBytes == 0 {
		cfg.MinFreeBytes = DefaultMinFreeBytes
	}
	if cfg.DiskSpace == nil {
		cfg.DiskSpace = FreeSpace
	}
	if cfg.Equalizer == nil {
		cfg.Equalizer = dsp.NewEqualizer(true)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.EngineBreaker == nil {
		cfg.EngineBreaker = resilience.NewBreaker(resilience.BreakerConfig{Name: string(BackendEngine)})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Selector{
		platform:      cfg.Platform,
		minFree:       cfg.MinFreeBytes,
		diskSpace:     cfg.DiskSpace,
		eq:            cfg.Equalizer,
		poll:          cfg.PollInterval,
		meterCfg:      cfg.Meter,
		engineBreaker: cfg.EngineBreaker,
		metrics:       cfg.Metrics,
	}
}

// Equalizer returns the equalizer used by engine captures.
func (s *Selector) Equalizer() *dsp.Equalizer { return s.eq }

// Preflight verifies that dir has at least the configured free space. It
// touches no hardware. Platforms without a free-space query pass.
func (s *Selector) Preflight(dir string) error {
	free, err := s.diskSpace(dir)
	if errors.Is(err, errors.ErrUnsupported) {
		slog.Debug("capture: free space unknown on this platform, skipping check", "dir", dir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("capture: preflight: %w", err)
	}
	if free < s.minFree {
		return fmt.Errorf("%w: %d bytes free in %q, need %d", ErrDiskSpaceInsufficient, free, dir, s.minFree)
	}
	return nil
}

// Start starts capturing into req.Path. With voice isolation the engine is
// tried first and the recorder serves as the single fallback, writing to the
// same destination with the same parameters. The fallback is refused once
// the engine already appended audio. Without voice isolation the recorder is
// used directly.
func (s *Selector) Start(ctx context.Context, req Request) (_ Capture, err error) {
	ctx, span := observe.StartSpan(ctx, "capture.Start",
		trace.WithAttributes(
			attribute.String("mode", string(req.Params.Mode)),
			attribute.Bool("voice_isolation", req.Params.VoiceIsolation),
		),
	)
	defer func() { observe.EndSpan(span, err) }()

	if !req.Params.VoiceIsolation {
		c, err := s.startTraditional(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBackendStartFailed, err)
		}
		return c, nil
	}

	fg := resilience.NewFallbackGroup[startFunc](string(BackendEngine), s.startEngine, s.engineBreaker)
	fg.AddFallback(string(BackendTraditional), s.startTraditional, nil)

	c, used, attempts, err := resilience.ExecuteWithResult(ctx, fg, func(ctx context.Context, start startFunc) (Capture, error) {
		return start(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendStartFailed, err)
	}
	if len(attempts) > 0 {
		reason := "error"
		if errors.Is(attempts[0].Err, resilience.ErrSkipped) {
			reason = "breaker_open"
		}
		s.metrics.BackendFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		slog.Warn("capture: engine unavailable, recording with fallback backend",
			"backend", used, "path", req.Path, "cause", attempts[0].Err)
	}
	span.SetAttributes(attribute.String("backend", used))
	return c, nil
}
