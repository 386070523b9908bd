package recording

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voicememo/internal/recovery"
)

// sessionTarget adapts one recording to the recovery state machine. Calls
// for a recording that is no longer current are ignored.
type sessionTarget struct {
	svc  *Service
	sess *session
}

var _ recovery.Target = (*sessionTarget)(nil)

func (t *sessionTarget) IsRecording() bool {
	t.svc.mu.Lock()
	defer t.svc.mu.Unlock()
	return t.sess.state == StateRecording
}

// Suspend stops capture and enters Interrupted.
func (t *sessionTarget) Suspend(wasRecording bool) error {
	s := t.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := t.sess
	if !t.currentLocked() {
		return nil
	}
	switch sess.state {
	case StateRecording, StatePaused, StateInterrupted:
	default:
		return nil
	}

	err := sess.capture.Suspend()
	sess.beginPause(s.now())
	sess.wasRecording = wasRecording
	sess.state = StateInterrupted
	if cerr := s.catalog.SetInterrupted(context.Background(), sess.id, true); cerr != nil {
		slog.Warn("recording: mark interrupted", "id", sess.id, "error", cerr)
	}
	slog.Info("recording interrupted", "id", sess.id, "was_recording", wasRecording)
	s.publishStateLocked()
	if err != nil {
		return fmt.Errorf("recording: suspend: %w", err)
	}
	return nil
}

// Resume reconfigures the hardware session and, when the recording was
// capturing before the interruption, restarts capture into the same file.
// Otherwise the recording returns to Paused.
func (t *sessionTarget) Resume(ctx context.Context, resumeCapture bool) error {
	s := t.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := t.sess
	if !t.currentLocked() || sess.state != StateInterrupted {
		return nil
	}

	s.configurator.Invalidate()
	if _, err := s.configurator.Configure(ctx, sess.mode); err != nil {
		return fmt.Errorf("recording: resume: %w", err)
	}
	if resumeCapture {
		if err := sess.capture.Restart(); err != nil {
			return fmt.Errorf("recording: resume: %w", err)
		}
		sess.endPause(s.now())
		sess.state = StateRecording
	} else {
		sess.needsRestart = true
		sess.state = StatePaused
	}
	sess.wasRecording = false
	if err := s.catalog.SetInterrupted(ctx, sess.id, false); err != nil {
		slog.Warn("recording: clear interrupted", "id", sess.id, "error", err)
	}
	slog.Info("recording recovered from interruption", "id", sess.id, "state", sess.state)
	s.publishStateLocked()
	return nil
}

// Fail gives up on the recording and keeps the partial file.
func (t *sessionTarget) Fail(err error) {
	s := t.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.currentLocked() && t.sess.state.Active() {
		s.failLocked(t.sess, err, "recovery_exhausted")
	}
}

func (t *sessionTarget) currentLocked() bool {
	return t.svc.sess == t.sess
}
