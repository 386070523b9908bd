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

	"github.com/MrWong99/voicememo/internal/meter"
	"github.com/MrWong99/voicememo/pkg/audio"
)

// recorderCapture lets the hardware recorder write the file and polls its
// average power for metering.
type recorderCapture struct {
	rec   audio.Recorder
	path  string
	meter *meter.Meter

	paused atomic.Bool

	stopPoll context.CancelFunc
	pollDone chan struct{}

	failed   chan error
	failOnce sync.Once

	finalizeOnce sync.Once
	finalizeErr  error
}

var _ Capture = (*recorderCapture)(nil)

// startTraditional removes any existing destination and starts the
// recorder with the same format the engine would have produced.
func (s *Selector) startTraditional(ctx context.Context, req Request) (Capture, error) {
	if err := os.Remove(req.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("capture: recorder: remove existing %q: %w", req.Path, err)
	}
	rec, err := s.platform.NewRecorder()
	if err != nil {
		return nil, fmt.Errorf("capture: recorder: create: %w", err)
	}
	if err := rec.Record(req.Path, req.Params.Format()); err != nil {
		return nil, fmt.Errorf("capture: recorder: record: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &recorderCapture{
		rec:      rec,
		path:     req.Path,
		meter:    meter.New(s.meterCfg, req.OnLevel),
		stopPoll: cancel,
		pollDone: make(chan struct{}),
		failed:   make(chan error, 1),
	}
	go c.poll(pollCtx, s.poll)

	slog.InfoContext(ctx, "capture: recorder started", "path", req.Path,
		"rate", req.Params.SampleRate, "channels", req.Params.Channels)
	return c, nil
}

// poll samples the recorder power every interval and forwards a recorder
// write failure until ctx is cancelled.
func (c *recorderCapture) poll(ctx context.Context, interval time.Duration) {
	defer close(c.pollDone)
	t := time.NewTicker(interval)
	defer t.Stop()
	recFailed := c.rec.Failed()
	for {
		select {
		case <-ctx.Done():
			return
		case cause := <-recFailed:
			recFailed = nil
			c.paused.Store(true)
			c.meter.Reset()
			c.fail(cause)
		case <-t.C:
			if c.paused.Load() {
				continue
			}
			c.meter.ObservePower(c.rec.AveragePower())
		}
	}
}

// fail reports a write failure to the control context once.
func (c *recorderCapture) fail(cause error) {
	c.failOnce.Do(func() {
		err := fmt.Errorf("%w: %w", ErrWriteFailure, cause)
		slog.Error("capture: recorder write failed", "path", c.path, "error", cause)
		select {
		case c.failed <- err:
		default:
		}
	})
}

func (c *recorderCapture) Backend() Backend     { return BackendTraditional }
func (c *recorderCapture) Path() string         { return c.path }
func (c *recorderCapture) FramesWritten() int64 { return 0 }
func (c *recorderCapture) Failed() <-chan error { return c.failed }

func (c *recorderCapture) Pause() error {
	if err := c.rec.Pause(); err != nil {
		return fmt.Errorf("capture: recorder: pause: %w", err)
	}
	c.paused.Store(true)
	c.meter.Reset()
	return nil
}

func (c *recorderCapture) Resume() error {
	if err := c.rec.Resume(); err != nil {
		return fmt.Errorf("capture: recorder: resume: %w", err)
	}
	c.paused.Store(false)
	return nil
}

// Suspend only stops metering; the hardware already paused the recorder.
func (c *recorderCapture) Suspend() error {
	c.paused.Store(true)
	c.meter.Reset()
	return nil
}

// Restart resumes the recorder into the same file.
func (c *recorderCapture) Restart() error {
	return c.Resume()
}

func (c *recorderCapture) Finalize() error {
	c.finalizeOnce.Do(func() {
		c.stopPoll()
		<-c.pollDone
		if err := c.rec.Stop(); err != nil {
			c.finalizeErr = fmt.Errorf("capture: finalize recorder: %w", err)
		}
	})
	return c.finalizeErr
}

func (c *recorderCapture) Discard() error {
	err := c.Finalize()
	if rmErr := os.Remove(c.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		err = errors.Join(err, fmt.Errorf("capture: discard: %w", rmErr))
	}
	return err
}
