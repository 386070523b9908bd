// Package recording owns the lifecycle of voice memo recordings.
//
// A single [Service] is constructed per process. It allows at most one
// active recording at a time, drives it through its states, finalizes and
// validates the file on stop and publishes state and level events to
// subscribers.
package recording

import (
	"errors"
	"time"

	"github.com/MrWong99/voicememo/internal/capture"
	"github.com/MrWong99/voicememo/internal/hwsession"
	"github.com/MrWong99/voicememo/internal/recovery"
	"github.com/MrWong99/voicememo/pkg/audio"
)

// Sentinel errors.
var (
	// ErrSessionActive is returned by Start while another recording is
	// active. Nothing is changed.
	ErrSessionActive = errors.New("recording: a recording is already active")

	// ErrNoSession is returned by commands when no recording exists.
	ErrNoSession = errors.New("recording: no recording")

	// ErrInvalidState is returned by commands not allowed in the current
	// state.
	ErrInvalidState = errors.New("recording: invalid state for command")

	// ErrValidationFailed is returned by Stop when the finalized file is
	// missing or holds no audio.
	ErrValidationFailed = errors.New("recording: validation failed")
)

// State is the lifecycle position of a recording.
type State string

const (
	StateIdle        State = "idle"
	StatePreparing   State = "preparing"
	StateRecording   State = "recording"
	StatePaused      State = "paused"
	StateInterrupted State = "interrupted"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
	StateFailed      State = "failed"
)

// Active reports whether s holds the hardware and the destination file.
func (s State) Active() bool {
	switch s {
	case StatePreparing, StateRecording, StatePaused, StateInterrupted, StateStopping:
		return true
	}
	return false
}

// Snapshot is a consistent view of the current (or last) recording.
type Snapshot struct {
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Mode    hwsession.Mode  `json:"mode,omitempty"`
	Backend capture.Backend `json:"backend,omitempty"`
	State   State           `json:"state"`
	Path    string          `json:"path,omitempty"`

	StartedAt        time.Time     `json:"started_at,omitzero"`
	AccumulatedPause time.Duration `json:"accumulated_pause_ns"`
	Elapsed          time.Duration `json:"elapsed_ns"`

	// Level is the smoothed input level in [0, 1].
	Level float64 `json:"level"`

	// WasRecordingBeforeInterruption is the interruption marker.
	WasRecordingBeforeInterruption bool `json:"was_recording_before_interruption,omitempty"`

	LastError string `json:"last_error,omitempty"`
}

// FinalizedRecording describes a stopped recording.
type FinalizedRecording struct {
	ID      string          `json:"id"`
	Name    string          `json:"name,omitempty"`
	Path    string          `json:"path"`
	Mode    hwsession.Mode  `json:"mode"`
	Backend capture.Backend `json:"backend"`

	// Duration is measured from the file.
	Duration time.Duration `json:"duration_ns"`

	// Elapsed is wall-clock time minus pauses and interruptions.
	Elapsed time.Duration `json:"elapsed_ns"`

	Size       int64     `json:"size_bytes"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Incomplete is set when the file was kept after a failure.
	Incomplete bool `json:"incomplete,omitempty"`
}

// EventKind classifies [Event]s.
type EventKind string

const (
	EventState EventKind = "state"
	EventLevel EventKind = "level"
	EventRoute EventKind = "route"
)

// Event is delivered to subscribers.
type Event struct {
	Kind EventKind `json:"kind"`
	Time time.Time `json:"time"`

	// Session is set on state events.
	Session *Snapshot `json:"session,omitempty"`

	// Level is set on level events.
	Level float64 `json:"level,omitempty"`

	// Route is set on route events.
	Route audio.RouteChangeReason `json:"route,omitempty"`
}

// session is the mutable state of one recording. Guarded by Service.mu.
type session struct {
	id   string
	name string
	mode hwsession.Mode
	path string

	state      State
	backend    capture.Backend
	startedAt  time.Time
	finishedAt time.Time
	pausedAt   time.Time // zero unless paused or interrupted
	pause      time.Duration
	lastErr    error

	wasRecording bool
	// needsRestart is set when an interruption ended while paused, so the
	// capture must be restarted rather than resumed.
	needsRestart bool

	capture  capture.Capture
	recovery *recovery.Manager
	hwEvents chan audio.Event
	done     chan struct{}

	stopped  bool
	final    FinalizedRecording
	finalErr error
}

// elapsed returns recording time up to now (or the finish time) minus
// pauses.
func (s *session) elapsed(now time.Time) time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	if !s.finishedAt.IsZero() {
		now = s.finishedAt
	}
	pause := s.pause
	if !s.pausedAt.IsZero() {
		pause += now.Sub(s.pausedAt)
	}
	return max(now.Sub(s.startedAt)-pause, 0)
}

// beginPause starts pause accounting when not already paused.
func (s *session) beginPause(now time.Time) {
	if s.pausedAt.IsZero() {
		s.pausedAt = now
	}
}

// endPause folds the running pause into the accumulated total.
func (s *session) endPause(now time.Time) {
	if !s.pausedAt.IsZero() {
		s.pause += now.Sub(s.pausedAt)
		s.pausedAt = time.Time{}
	}
}

func (s *session) snapshot(now time.Time, level float64) Snapshot {
	snap := Snapshot{
		ID:                             s.id,
		Name:                           s.name,
		Mode:                           s.mode,
		Backend:                        s.backend,
		State:                          s.state,
		Path:                           s.path,
		StartedAt:                      s.startedAt,
		AccumulatedPause:               s.pause,
		Elapsed:                        s.elapsed(now),
		WasRecordingBeforeInterruption: s.wasRecording,
	}
	if s.state.Active() {
		snap.Level = level
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}
