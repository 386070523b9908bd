// Package recovery brings a recording back after the hardware was taken
// away by an interruption or an audio server reset.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicememo/internal/observe"
	"github.com/MrWong99/voicememo/internal/resilience"
	"github.com/MrWong99/voicememo/pkg/audio"
)

// Default recovery parameters.
const DefaultMaxRetries = 3

// DefaultBackoff is the fixed delay before each resume attempt.
var DefaultBackoff = []time.Duration{0, 500 * time.Millisecond, time.Second}

var (
	// ErrRecoveryExhausted is passed to [Target.Fail] after the last resume
	// attempt failed.
	ErrRecoveryExhausted = errors.New("recovery: interruption recovery exhausted")

	// ErrNotInterrupted is returned by [Manager.RequestResume] when there is
	// nothing to resume.
	ErrNotInterrupted = errors.New("recovery: not interrupted")
)

// State is the recovery state machine position.
type State int

const (
	// StateActive means the hardware is usable.
	StateActive State = iota

	// StateInterrupted means the hardware was taken away and capture is
	// suspended.
	StateInterrupted

	// StateResuming means resume attempts are running.
	StateResuming

	// StateFailed means every resume attempt failed. Terminal.
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateInterrupted:
		return "interrupted"
	case StateResuming:
		return "resuming"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Target is the recording the manager protects.
type Target interface {
	// IsRecording reports whether audio is being captured right now (not
	// paused).
	IsRecording() bool

	// Suspend is called when the interruption begins.
	Suspend(wasRecording bool) error

	// Resume reconfigures and reactivates the hardware session. When
	// resumeCapture is true capture continues into the same file.
	Resume(ctx context.Context, resumeCapture bool) error

	// Fail is called once when recovery gave up.
	Fail(err error)
}

// Config holds the construction parameters for [New].
type Config struct {
	// Target is the recording to suspend and resume. Required.
	Target Target

	// MaxRetries bounds the resume attempts per interruption. Default: 3.
	MaxRetries int

	// Backoff is the delay before each attempt. Default: [DefaultBackoff].
	Backoff []time.Duration

	// OnStateChange is called after every transition. May be nil.
	OnStateChange func(State)

	// OnRouteChange is called for route change events. May be nil.
	OnRouteChange func(audio.Event)

	// Metrics records resume attempts. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Manager runs the interruption recovery state machine for one recording.
//
// Events are consumed by [Manager.Run]. Resume attempts run on their own
// goroutine so that a new interruption can cancel them. After
// [Manager.Stop] no new call is made on the target.
type Manager struct {
	target        Target
	maxRetries    int
	backoff       []time.Duration
	onStateChange func(State)
	onRouteChange func(audio.Event)
	metrics       *observe.Metrics

	stopped atomic.Bool
	cancel  context.CancelFunc
	ctx     context.Context
	wg      sync.WaitGroup

	mu           sync.Mutex
	state        State
	wasRecording bool
	attempts     int
	generation   uint64
	cancelRetry  context.CancelFunc
}

// New creates a Manager in [StateActive].
func New(cfg Config) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		target:        cfg.Target,
		maxRetries:    cfg.MaxRetries,
		backoff:       cfg.Backoff,
		onStateChange: cfg.OnStateChange,
		onRouteChange: cfg.OnRouteChange,
		metrics:       cfg.Metrics,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Run consumes events until ctx is done, events is closed or [Manager.Stop]
// is called; the first two also stop the manager. It waits for a running resume cycle to end before returning.
func (m *Manager) Run(ctx context.Context, events <-chan audio.Event) {
	defer m.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-m.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.Stop()
				return
			}
			m.Handle(ev)
		}
	}
}

// Handle applies one hardware event. It is called by [Manager.Run] and may
// be called directly when events are dispatched elsewhere.
func (m *Manager) Handle(ev audio.Event) {
	if m.stopped.Load() {
		return
	}
	switch ev.Kind {
	case audio.EventInterruptionBegan:
		m.interrupt()
	case audio.EventInterruptionEnded:
		m.mu.Lock()
		interrupted := m.state == StateInterrupted
		m.mu.Unlock()
		if !interrupted {
			return
		}
		if !ev.ShouldResume {
			slog.Info("recovery: interruption ended without resume hint, waiting for user")
			return
		}
		m.startResume()
	case audio.EventMediaServicesReset:
		slog.Warn("recovery: media services reset, reconfiguring hardware session")
		m.interrupt()
		m.startResume()
	case audio.EventRouteChanged:
		slog.Info("recovery: audio route changed", "reason", ev.Reason)
		if m.onRouteChange != nil {
			m.onRouteChange(ev)
		}
	}
}

// interrupt moves to StateInterrupted and suspends the target. A running
// resume cycle is cancelled.
func (m *Manager) interrupt() {
	m.mu.Lock()
	switch m.state {
	case StateActive:
		m.wasRecording = m.target.IsRecording()
	case StateResuming:
		m.cancelRetryLocked()
	default:
		m.mu.Unlock()
		return
	}
	wasRecording := m.wasRecording
	m.state = StateInterrupted
	m.mu.Unlock()

	slog.Info("recovery: interruption began", "was_recording", wasRecording)
	m.notify(StateInterrupted)
	if m.stopped.Load() {
		return
	}
	if err := m.target.Suspend(wasRecording); err != nil {
		slog.Warn("recovery: suspend failed", "error", err)
	}
}

// RequestResume starts a resume cycle for an interruption that ended
// without a resume hint.
func (m *Manager) RequestResume() error {
	m.mu.Lock()
	interrupted := m.state == StateInterrupted
	m.mu.Unlock()
	if !interrupted || m.stopped.Load() {
		return ErrNotInterrupted
	}
	m.startResume()
	return nil
}

// startResume launches the retry cycle.
func (m *Manager) startResume() {
	m.mu.Lock()
	if m.state != StateInterrupted {
		m.mu.Unlock()
		return
	}
	m.state = StateResuming
	m.attempts = 0
	m.generation++
	gen := m.generation
	wasRecording := m.wasRecording
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelRetry = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	m.notify(StateResuming)

	go func() {
		defer m.wg.Done()
		defer cancel()

		err := resilience.Retry(ctx, resilience.RetryConfig{
			MaxAttempts: m.maxRetries,
			Backoff:     m.backoff,
			OnAttempt: func(attempt int, err error) {
				outcome := "success"
				if err != nil {
					outcome = "failure"
					slog.Warn("recovery: resume attempt failed", "attempt", attempt, "max", m.maxRetries, "error", err)
				}
				m.metrics.RecordRecoveryAttempt(context.Background(), outcome)
				m.mu.Lock()
				if m.generation == gen {
					m.attempts = attempt
				}
				m.mu.Unlock()
			},
		}, func(ctx context.Context, _ int) error {
			if m.stopped.Load() {
				return context.Canceled
			}
			return m.target.Resume(ctx, wasRecording)
		})

		m.mu.Lock()
		if m.generation != gen || (ctx.Err() != nil && err != nil) {
			m.mu.Unlock()
			return
		}
		m.cancelRetry = nil
		if err == nil {
			m.state = StateActive
			m.wasRecording = false
			m.mu.Unlock()
			slog.Info("recovery: resumed after interruption")
			m.notify(StateActive)
			return
		}
		m.state = StateFailed
		m.mu.Unlock()

		slog.Error("recovery: giving up", "attempts", m.maxRetries, "error", err)
		m.notify(StateFailed)
		if !m.stopped.Load() {
			m.target.Fail(fmt.Errorf("%w: %w", ErrRecoveryExhausted, err))
		}
	}()
}

func (m *Manager) cancelRetryLocked() {
	if m.cancelRetry != nil {
		m.cancelRetry()
		m.cancelRetry = nil
	}
	m.generation++
}

func (m *Manager) notify(s State) {
	if m.onStateChange != nil && !m.stopped.Load() {
		m.onStateChange(s)
	}
}

// Stop cancels any pending resume cycle. It does not wait; [Manager.Run]
// returns once the cycle has ended. Safe to call more than once and from
// target callbacks.
func (m *Manager) Stop() {
	m.stopped.Store(true)
	m.cancel()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WasRecording reports whether capture was running when the current
// interruption began.
func (m *Manager) WasRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wasRecording
}

// Attempts returns the number of resume attempts made in the current cycle.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}
