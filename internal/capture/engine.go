package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voicememo/internal/dsp"
	"github.com/MrWong99/voicememo/internal/meter"
	"github.com/MrWong99/voicememo/internal/observe"
	"github.com/MrWong99/voicememo/internal/resilience"
	"github.com/MrWong99/voicememo/pkg/audio"
	"github.com/MrWong99/voicememo/pkg/audio/pcmfile"
)

// engineCapture streams hardware buffers through the signal graph into the
// destination file.
//
// The buffer callback runs on the hardware's real-time context. It reads
// the paused/halted flags without locking and takes mu only around the
// processing and file append; the only other holder of mu is Finalize.
type engineCapture struct {
	platform audio.Platform
	path     string
	metrics  *observe.Metrics
	meter    *meter.Meter

	engine audio.Engine // control context only

	paused atomic.Bool
	halted atomic.Bool // suspended, finalized or failed
	frames atomic.Int64

	mu     sync.Mutex
	writer *pcmfile.Writer
	conv   audio.Converter
	graph  *dsp.Graph

	failed   chan error
	failOnce sync.Once

	malformedOpt metric.AddOption
	pausedOpt    metric.AddOption
	haltedOpt    metric.AddOption

	finalizeOnce sync.Once
	finalizeErr  error
}

var _ Capture = (*engineCapture)(nil)

// startEngine creates the writer, queries the hardware input format, builds
// the graph and starts streaming. On any failure the file is removed again.
// A failure after audio reached the file is marked permanent so that no
// fallback overwrites it.
func (s *Selector) startEngine(ctx context.Context, req Request) (Capture, error) {
	format := req.Params.Format()
	w, err := pcmfile.Create(req.Path, format)
	if err != nil {
		return nil, fmt.Errorf("capture: engine: %w", err)
	}
	s.eq.Reset()

	c := &engineCapture{
		platform:     s.platform,
		path:         req.Path,
		metrics:      s.metrics,
		meter:        meter.New(s.meterCfg, req.OnLevel),
		writer:       w,
		conv:         audio.Converter{Target: format},
		graph:        dsp.NewVoiceGraph(s.eq),
		failed:       make(chan error, 1),
		malformedOpt: metric.WithAttributes(observe.Attr("reason", "malformed")),
		pausedOpt:    metric.WithAttributes(observe.Attr("reason", "paused")),
		haltedOpt:    metric.WithAttributes(observe.Attr("reason", "halted")),
	}

	if err := c.startDevice(); err != nil {
		c.halted.Store(true)
		c.closeWriter()
		err = fmt.Errorf("capture: engine: %w", err)
		if c.frames.Load() > 0 {
			return nil, resilience.Permanent(err)
		}
		if rmErr := os.Remove(req.Path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			slog.Warn("capture: remove engine file", "path", req.Path, "error", rmErr)
		}
		return nil, err
	}

	slog.InfoContext(ctx, "capture: engine started", "path", req.Path,
		"rate", format.SampleRate, "channels", format.Channels)
	return c, nil
}

// startDevice creates a fresh engine from the platform and starts it.
func (c *engineCapture) startDevice() error {
	eng, err := c.platform.NewEngine()
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	in, err := eng.InputFormat()
	if err != nil {
		return fmt.Errorf("input format: %w", err)
	}
	if in.SampleRate <= 0 || in.Channels <= 0 {
		return fmt.Errorf("input format: %w", audio.ErrNoInputNode)
	}
	c.engine = eng
	c.halted.Store(false)
	if err := eng.Start(c.onBuffer); err != nil {
		c.halted.Store(true)
		c.engine = nil
		return fmt.Errorf("start engine: %w", err)
	}
	return nil
}

// onBuffer is the producer path.
func (c *engineCapture) onBuffer(buf audio.Buffer) {
	ctx := context.Background()
	if c.halted.Load() {
		c.metrics.BuffersDropped.Add(ctx, 1, c.haltedOpt)
		return
	}
	if c.paused.Load() {
		c.metrics.BuffersDropped.Add(ctx, 1, c.pausedOpt)
		return
	}
	start := time.Now()

	c.mu.Lock()
	if c.writer == nil || c.halted.Load() {
		c.mu.Unlock()
		return
	}
	converted := c.conv.Convert(buf)
	if len(converted.Samples) == 0 {
		c.mu.Unlock()
		c.metrics.BuffersDropped.Add(ctx, 1, c.malformedOpt)
		return
	}
	out, _ := c.graph.Process(converted)
	if err := c.writer.Write(out.Samples); err != nil {
		c.halted.Store(true)
		c.mu.Unlock()
		c.fail(err)
		return
	}
	c.meter.ObserveBuffer(out.Samples, out.Frames())
	c.mu.Unlock()

	c.frames.Add(int64(out.Frames()))
	c.metrics.BuffersProcessed.Add(ctx, 1)
	c.metrics.BufferProcessingDuration.Record(ctx, time.Since(start).Seconds())
}

// fail reports a write failure to the control context once without
// blocking the producer.
func (c *engineCapture) fail(cause error) {
	c.failOnce.Do(func() {
		err := fmt.Errorf("%w: %w", ErrWriteFailure, cause)
		slog.Error("capture: write failed, capture halted", "path", c.path, "error", cause)
		select {
		case c.failed <- err:
		default:
		}
	})
}

func (c *engineCapture) Backend() Backend     { return BackendEngine }
func (c *engineCapture) Path() string         { return c.path }
func (c *engineCapture) FramesWritten() int64 { return c.frames.Load() }
func (c *engineCapture) Failed() <-chan error { return c.failed }

func (c *engineCapture) Pause() error {
	c.paused.Store(true)
	c.meter.Reset()
	return nil
}

func (c *engineCapture) Resume() error {
	c.paused.Store(false)
	return nil
}

// Suspend stops the engine. The hardware invalidated it; Restart creates a
// new one.
func (c *engineCapture) Suspend() error {
	c.halted.Store(true)
	c.meter.Reset()
	return c.stopEngine()
}

// Restart starts a new engine that appends to the same file and clears a
// pause.
func (c *engineCapture) Restart() error {
	c.mu.Lock()
	closed := c.writer == nil
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("capture: restart: %w", pcmfile.ErrClosed)
	}
	if err := c.stopEngine(); err != nil {
		slog.Debug("capture: stop stale engine", "error", err)
	}
	if err := c.startDevice(); err != nil {
		return fmt.Errorf("capture: restart: %w", err)
	}
	c.paused.Store(false)
	return nil
}

func (c *engineCapture) stopEngine() error {
	if c.engine == nil {
		return nil
	}
	err := c.engine.Stop()
	c.engine = nil
	return err
}

// Finalize stops the engine and closes the file under the write lock, so no
// in-flight callback can append afterwards.
func (c *engineCapture) Finalize() error {
	c.finalizeOnce.Do(func() {
		c.halted.Store(true)
		stopErr := c.stopEngine()
		c.finalizeErr = errors.Join(stopErr, c.closeWriter())
		if c.finalizeErr != nil {
			c.finalizeErr = fmt.Errorf("capture: finalize engine: %w", c.finalizeErr)
		}
	})
	return c.finalizeErr
}

func (c *engineCapture) closeWriter() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer == nil {
		return nil
	}
	err := c.writer.Close()
	c.writer = nil
	return err
}

func (c *engineCapture) Discard() error {
	err := c.Finalize()
	if rmErr := os.Remove(c.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		err = errors.Join(err, fmt.Errorf("capture: discard: %w", rmErr))
	}
	return err
}
