// Package capture selects and drives the capture backend for a recording.
//
// Two strategies write the same destination format (mono 16-bit linear PCM
// WAV): the streaming engine, which runs every hardware buffer through the
// voice signal graph before appending it, and the direct-to-file recorder,
// which leaves encoding to the hardware layer and only exposes metering.
// [Selector.Start] prefers the engine when voice isolation is enabled and
// falls back to the recorder once if the engine cannot be started.
package capture

import (
	"errors"
	"time"
)

// Backend identifies the capture strategy of a running [Capture].
type Backend string

const (
	// BackendEngine is the streaming backend with the signal graph.
	BackendEngine Backend = "engine"

	// BackendTraditional is the direct-to-file recorder backend.
	BackendTraditional Backend = "traditional"
)

// Sentinel errors.
var (
	// ErrDiskSpaceInsufficient is returned by [Selector.Preflight] when the
	// destination volume has less free space than the configured floor.
	ErrDiskSpaceInsufficient = errors.New("capture: insufficient disk space")

	// ErrBackendStartFailed is returned by [Selector.Start] when no backend
	// could be started. It wraps every underlying cause.
	ErrBackendStartFailed = errors.New("capture: backend start failed")

	// ErrWriteFailure is delivered on [Capture.Failed] when appending to the
	// destination file failed. No further buffers are written afterwards.
	ErrWriteFailure = errors.New("capture: write failure")
)

const (
	// DefaultMinFreeBytes is the free-space floor checked before recording.
	DefaultMinFreeBytes uint64 = 100 << 20

	// DefaultPollInterval is how often the recorder backend samples power.
	DefaultPollInterval = 100 * time.Millisecond
)

// Capture is a running capture strategy bound to one destination file.
//
// Control methods are called from the session's control context and are
// not safe for concurrent use with each other. Finalize and Discard are
// idempotent.
type Capture interface {
	// Backend reports which strategy is capturing.
	Backend() Backend

	// Path is the destination file.
	Path() string

	// Pause stops appending audio without closing the file.
	Pause() error

	// Resume continues appending after Pause.
	Resume() error

	// Suspend is called when the hardware was interrupted. The engine is
	// stopped explicitly; the recorder is paused by the hardware itself.
	Suspend() error

	// Restart continues capture into the same file after an interruption,
	// once the hardware session was reactivated.
	Restart() error

	// Finalize stops capture and closes the file. Once it returns no write
	// reaches the file any more.
	Finalize() error

	// Discard finalizes and removes the file.
	Discard() error

	// FramesWritten reports the frames appended by the engine backend. The
	// recorder backend does not count frames and reports 0.
	FramesWritten() int64

	// Failed delivers at most one asynchronous failure, wrapping
	// [ErrWriteFailure].
	Failed() <-chan error
}
