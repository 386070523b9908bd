package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicememo/internal/capture"
	"github.com/MrWong99/voicememo/internal/dsp"
	"github.com/MrWong99/voicememo/internal/hwsession"
	"github.com/MrWong99/voicememo/internal/observe"
	"github.com/MrWong99/voicememo/internal/recovery"
	"github.com/MrWong99/voicememo/pkg/audio"
	"github.com/MrWong99/voicememo/pkg/audio/pcmfile"
	"github.com/MrWong99/voicememo/pkg/catalog"
)

// Defaults for [Config].
const (
	DefaultLevelInterval    = 100 * time.Millisecond
	DefaultSubscriberBuffer = 16
	outboxSize              = 256
)

// Starter starts captures. [*capture.Selector] is the production
// implementation.
type Starter interface {
	Preflight(dir string) error
	Start(ctx context.Context, req capture.Request) (capture.Capture, error)
	Equalizer() *dsp.Equalizer
}

var _ Starter = (*capture.Selector)(nil)

// Config holds the construction parameters for [New].
type Config struct {
	// Platform supplies hardware events. Required.
	Platform audio.Platform

	// Configurator owns the hardware session. Required.
	Configurator *hwsession.Configurator

	// Selector starts captures. Required.
	Selector Starter

	// Catalog stores recording rows. Default: an in-memory store.
	Catalog catalog.Store

	// Directory receives the recordings. Created on demand.
	Directory string

	// DefaultMode is used when Start is called without a mode.
	// Default: [hwsession.ModeBalanced].
	DefaultMode hwsession.Mode

	// RecoveryRetries and RecoveryBackoff tune interruption recovery.
	// Zero values select the recovery package defaults.
	RecoveryRetries int
	RecoveryBackoff []time.Duration

	// LevelInterval bounds the level event rate. Default: 100 ms.
	LevelInterval time.Duration

	// SubscriberBuffer is the channel capacity per subscriber. Default: 16.
	SubscriberBuffer int

	// Metrics records session metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Service manages the single active recording of the process. All methods
// are safe for concurrent use. [Service.Run] must be running for hardware
// events and subscriber delivery.
type Service struct {
	platform      audio.Platform
	configurator  *hwsession.Configurator
	selector      Starter
	catalog       catalog.Store
	dir           string
	defaultMode   hwsession.Mode
	retries       int
	backoff       []time.Duration
	levelInterval time.Duration
	subBuffer     int
	metrics       *observe.Metrics
	now           func() time.Time

	mu   sync.Mutex
	sess *session

	level      atomic.Uint64 // math.Float64bits
	levelDirty atomic.Bool

	outbox chan Event

	subsMu     sync.Mutex
	subs       map[uint64]chan Event
	nextID     uint64
	subsClosed bool
}

// New creates the Service.
func New(cfg Config) *Service {
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.NewMemStore()
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = hwsession.ModeBalanced
	}
	if cfg.LevelInterval <= 0 {
		cfg.LevelInterval = DefaultLevelInterval
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		platform:      cfg.Platform,
		configurator:  cfg.Configurator,
		selector:      cfg.Selector,
		catalog:       cfg.Catalog,
		dir:           cfg.Directory,
		defaultMode:   cfg.DefaultMode,
		retries:       cfg.RecoveryRetries,
		backoff:       cfg.RecoveryBackoff,
		levelInterval: cfg.LevelInterval,
		subBuffer:     cfg.SubscriberBuffer,
		metrics:       cfg.Metrics,
		now:           cfg.Now,
		outbox:        make(chan Event, outboxSize),
		subs:          make(map[uint64]chan Event),
	}
}

// Start begins a new recording in mode (empty selects the default mode).
//
// The sequence is: reject if a recording is active, check free disk space,
// enter Preparing, configure the hardware session, start a capture backend,
// enter Recording. A concurrent Start during Preparing is rejected with
// [ErrSessionActive] and the service lock is not held while the hardware is
// prepared, so Snapshot stays readable. Errors after Preparing leave the
// recording Failed; all errors are returned synchronously.
func (s *Service) Start(ctx context.Context, mode hwsession.Mode, name string) (_ Snapshot, err error) {
	ctx, span := observe.StartSpan(ctx, "recording.Start",
		trace.WithAttributes(attribute.String("mode", string(mode))))
	defer func() { observe.EndSpan(span, err) }()

	if mode == "" {
		mode = s.defaultMode
	}
	if _, err := hwsession.ParseMode(string(mode)); err != nil {
		return Snapshot{}, fmt.Errorf("recording: start: %w", err)
	}

	sess, err := s.prepare(mode, name)
	if err != nil {
		return Snapshot{}, err
	}
	id := sess.id
	span.SetAttributes(attribute.String("session_id", id))

	params, err := s.configurator.Configure(ctx, mode)
	var c capture.Capture
	if err == nil {
		c, err = s.selector.Start(ctx, capture.Request{Path: sess.path, Params: params, OnLevel: s.setLevel})
		if err != nil {
			if derr := s.configurator.Deactivate(); derr != nil {
				slog.Warn("recording: deactivate after failed start", "error", derr)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		return Snapshot{}, s.startFailedLocked(sess, err)
	}
	if s.sess != sess {
		derr := errors.Join(c.Discard(), s.configurator.Deactivate())
		if derr != nil {
			slog.Warn("recording: discard orphaned capture", "id", id, "error", derr)
		}
		return Snapshot{}, fmt.Errorf("recording: start: %w", ErrInvalidState)
	}

	sess.capture = c
	sess.backend = c.Backend()
	sess.startedAt = s.now()
	sess.state = StateRecording

	if err := s.catalog.Put(ctx, s.rowLocked(sess)); err != nil {
		slog.Warn("recording: catalogue in-progress row", "id", id, "error", err)
	}

	sess.hwEvents = make(chan audio.Event, 16)
	sess.recovery = recovery.New(recovery.Config{
		Target:     &sessionTarget{svc: s, sess: sess},
		MaxRetries: s.retries,
		Backoff:    s.backoff,
		OnStateChange: func(st recovery.State) {
			slog.Debug("recording: recovery state", "id", id, "state", st)
		},
		Metrics: s.metrics,
	})
	go sess.recovery.Run(context.WithoutCancel(ctx), sess.hwEvents)
	go s.watchFailure(sess)

	s.metrics.RecordSessionStarted(ctx, string(mode), string(sess.backend))
	s.metrics.ActiveSessions.Add(ctx, 1)
	span.SetAttributes(attribute.String("backend", string(sess.backend)))
	slog.Info("recording started", "id", id, "mode", mode, "backend", sess.backend, "path", sess.path)

	s.publishStateLocked()
	return sess.snapshot(s.now(), s.Level()), nil
}

// prepare reserves the service for a new recording and publishes it in
// Preparing.
func (s *Service) prepare(mode hwsession.Mode, name string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess != nil && s.sess.state.Active() {
		return nil, ErrSessionActive
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("recording: start: create directory: %w", err)
	}
	if err := s.selector.Preflight(s.dir); err != nil {
		return nil, fmt.Errorf("recording: start: %w", err)
	}

	now := s.now()
	id := uuid.NewString()
	sess := &session{
		id:    id,
		name:  name,
		mode:  mode,
		path:  filepath.Join(s.dir, fileName(now, name, id)),
		state: StatePreparing,
		done:  make(chan struct{}),
	}
	s.sess = sess
	s.setLevel(0)
	s.publishStateLocked()
	return sess, nil
}

// startFailedLocked moves a preparing session to Failed.
func (s *Service) startFailedLocked(sess *session, err error) error {
	sess.state = StateFailed
	sess.lastErr = err
	sess.stopped = true
	sess.finalErr = fmt.Errorf("%w: start failed: %w", ErrInvalidState, err)
	close(sess.done)
	s.metrics.RecordSessionFailure(context.Background(), "start")
	slog.Warn("recording: start failed", "id", sess.id, "error", err)
	s.publishStateLocked()
	return fmt.Errorf("recording: start: %w", err)
}

// Pause stops appending audio without closing the file.
func (s *Service) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.currentLocked(StateRecording)
	if err != nil {
		return err
	}
	if err := sess.capture.Pause(); err != nil {
		return fmt.Errorf("recording: pause: %w", err)
	}
	sess.beginPause(s.now())
	sess.state = StatePaused
	slog.Info("recording paused", "id", sess.id)
	s.publishStateLocked()
	return nil
}

// Resume continues a paused recording. For a recording interrupted without
// a system resume hint it starts the recovery cycle; the state change is
// published when it completes.
func (s *Service) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return ErrNoSession
	}
	sess := s.sess
	switch sess.state {
	case StateInterrupted:
		if err := sess.recovery.RequestResume(); err != nil {
			return fmt.Errorf("recording: resume: %w: %w", ErrInvalidState, err)
		}
		return nil
	case StatePaused:
	default:
		return ErrInvalidState
	}

	var err error
	if sess.needsRestart {
		if _, err = s.configurator.Configure(ctx, sess.mode); err == nil {
			err = sess.capture.Restart()
		}
	} else {
		err = sess.capture.Resume()
	}
	if err != nil {
		return fmt.Errorf("recording: resume: %w", err)
	}
	sess.needsRestart = false
	sess.endPause(s.now())
	sess.state = StateRecording
	slog.Info("recording resumed", "id", sess.id)
	s.publishStateLocked()
	return nil
}

// Stop finalizes the recording and validates the file. It is idempotent:
// later calls return the cached result of the first.
func (s *Service) Stop(ctx context.Context) (_ FinalizedRecording, err error) {
	ctx, span := observe.StartSpan(ctx, "recording.Stop")
	defer func() { observe.EndSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return FinalizedRecording{}, ErrNoSession
	}
	sess := s.sess
	if sess.stopped {
		return sess.final, sess.finalErr
	}
	switch sess.state {
	case StateRecording, StatePaused, StateInterrupted:
	default:
		return FinalizedRecording{}, ErrInvalidState
	}

	sess.state = StateStopping
	s.publishStateLocked()

	now := s.now()
	sess.endPause(now)
	sess.finishedAt = now
	finalizeErr := sess.capture.Finalize()
	s.releaseLocked(sess)

	final, verr := s.validate(sess)
	sess.stopped = true

	if err := errors.Join(finalizeErr, verr); err != nil {
		final.Incomplete = true
		sess.state = StateFailed
		sess.lastErr = err
		sess.final = final
		sess.finalErr = fmt.Errorf("recording: stop: %w", err)
		s.metrics.RecordSessionFailure(ctx, "validation")
		if perr := s.catalog.Put(ctx, s.rowLocked(sess)); perr != nil {
			slog.Warn("recording: catalogue failed row", "id", sess.id, "error", perr)
		}
		slog.Error("recording stop failed", "id", sess.id, "error", err)
		s.publishStateLocked()
		return sess.final, sess.finalErr
	}

	sess.state = StateStopped
	sess.final = final
	if err := s.catalog.Put(ctx, s.rowLocked(sess)); err != nil {
		slog.Warn("recording: catalogue finalized row", "id", sess.id, "error", err)
	}
	s.metrics.RecordingDuration.Record(ctx, final.Duration.Seconds())
	slog.Info("recording stopped", "id", sess.id, "duration", final.Duration, "elapsed", final.Elapsed, "size", final.Size)
	s.publishStateLocked()
	return final, nil
}

// Discard stops the active recording and deletes its file. Nothing is
// catalogued.
func (s *Service) Discard(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return ErrNoSession
	}
	sess := s.sess
	switch sess.state {
	case StateRecording, StatePaused, StateInterrupted:
	default:
		return ErrInvalidState
	}

	now := s.now()
	sess.endPause(now)
	sess.finishedAt = now
	err := sess.capture.Discard()
	s.releaseLocked(sess)

	if derr := s.catalog.Delete(ctx, sess.id); derr != nil {
		slog.Warn("recording: remove catalogue row", "id", sess.id, "error", derr)
	}
	sess.state = StateStopped
	sess.stopped = true
	sess.finalErr = fmt.Errorf("%w: recording was discarded", ErrInvalidState)
	slog.Info("recording discarded", "id", sess.id)
	s.publishStateLocked()
	if err != nil {
		return fmt.Errorf("recording: discard: %w", err)
	}
	return nil
}

// releaseLocked stops recovery and failure watching and gives the hardware
// session back. The capture must already be finalized.
func (s *Service) releaseLocked(sess *session) {
	if sess.recovery != nil {
		sess.recovery.Stop()
	}
	select {
	case <-sess.done:
	default:
		close(sess.done)
	}
	if err := s.configurator.Deactivate(); err != nil {
		slog.Warn("recording: deactivate hardware session", "error", err)
	}
	s.metrics.ActiveSessions.Add(context.Background(), -1)
	s.setLevel(0)
}

// failLocked finalizes the capture to keep the partial file and moves the
// session to Failed.
func (s *Service) failLocked(sess *session, cause error, reason string) {
	now := s.now()
	sess.endPause(now)
	sess.finishedAt = now
	if err := sess.capture.Finalize(); err != nil {
		slog.Warn("recording: finalize after failure", "id", sess.id, "error", err)
	}
	s.releaseLocked(sess)

	final, _ := s.validate(sess)
	final.Incomplete = true

	sess.state = StateFailed
	sess.lastErr = cause
	sess.stopped = true
	sess.final = final
	sess.finalErr = fmt.Errorf("%w: recording failed: %w", ErrInvalidState, cause)

	ctx := context.Background()
	if err := s.catalog.Put(ctx, s.rowLocked(sess)); err != nil {
		slog.Warn("recording: catalogue failed row", "id", sess.id, "error", err)
	}
	s.metrics.RecordSessionFailure(ctx, reason)
	slog.Error("recording failed", "id", sess.id, "reason", reason, "error", cause)
	s.publishStateLocked()
}

// watchFailure waits for an asynchronous capture failure.
func (s *Service) watchFailure(sess *session) {
	select {
	case err := <-sess.capture.Failed():
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.sess == sess && sess.state.Active() {
			s.failLocked(sess, err, "write_failure")
		}
	case <-sess.done:
	}
}

// validate probes the finalized file.
func (s *Service) validate(sess *session) (FinalizedRecording, error) {
	final := FinalizedRecording{
		ID:         sess.id,
		Name:       sess.name,
		Path:       sess.path,
		Mode:       sess.mode,
		Backend:    sess.backend,
		Elapsed:    sess.elapsed(sess.finishedAt),
		StartedAt:  sess.startedAt,
		FinishedAt: sess.finishedAt,
	}
	info, err := pcmfile.Probe(sess.path)
	if err != nil {
		return final, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	final.Size = info.Size
	final.Duration = info.Duration
	if info.PCMBytes == 0 || info.Duration <= 0 {
		return final, fmt.Errorf("%w: %q holds no audio", ErrValidationFailed, sess.path)
	}
	return final, nil
}

// rowLocked builds the catalogue row for sess.
func (s *Service) rowLocked(sess *session) catalog.Recording {
	rec := catalog.Recording{
		ID:          sess.id,
		Name:        sess.name,
		Path:        sess.path,
		Mode:        string(sess.mode),
		Backend:     string(sess.backend),
		StartedAt:   sess.startedAt,
		FinishedAt:  sess.finishedAt,
		Incomplete:  sess.state != StateStopped,
		Interrupted: sess.state == StateInterrupted,
	}
	if sess.stopped {
		rec.Duration = sess.final.Duration
		rec.Elapsed = sess.final.Elapsed
		rec.Size = sess.final.Size
	}
	if sess.lastErr != nil {
		rec.Error = sess.lastErr.Error()
	}
	return rec
}

// currentLocked returns the session when it is in want.
func (s *Service) currentLocked(want State) (*session, error) {
	if s.sess == nil {
		return nil, ErrNoSession
	}
	if s.sess.state != want {
		return nil, ErrInvalidState
	}
	return s.sess, nil
}

// Snapshot returns the current (or last) recording. With no recording the
// state is [StateIdle].
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return Snapshot{State: StateIdle}
	}
	return s.sess.snapshot(s.now(), s.Level())
}

// List returns catalogued recordings.
func (s *Service) List(ctx context.Context, opts catalog.ListOptions) ([]catalog.Recording, error) {
	recs, err := s.catalog.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("recording: list: %w", err)
	}
	return recs, nil
}

// SetVoiceIsolation switches the equalizer for the running recording and
// the backend choice for the next one.
func (s *Service) SetVoiceIsolation(enabled bool) {
	s.configurator.SetVoiceIsolation(enabled)
	s.selector.Equalizer().SetVoiceIsolation(enabled)
	slog.Info("voice isolation changed", "enabled", enabled)
}

// SetNoiseReduction sets the noise reduction level in [0, 1].
func (s *Service) SetNoiseReduction(level float64) {
	s.selector.Equalizer().SetNoiseReductionLevel(level)
	slog.Info("noise reduction changed", "level", level)
}

// Processing reports the current voice isolation and noise reduction
// settings.
func (s *Service) Processing() (voiceIsolation bool, noiseReduction float64) {
	eq := s.selector.Equalizer()
	return s.configurator.VoiceIsolation(), eq.NoiseReductionLevel()
}

// Level returns the last published input level.
func (s *Service) Level() float64 {
	return math.Float64frombits(s.level.Load())
}

// setLevel is the meter sink. It runs on the real-time or polling context
// and only stores the value.
func (s *Service) setLevel(level float64) {
	s.level.Store(math.Float64bits(level))
	s.levelDirty.Store(true)
}

// fileName builds a sortable, filesystem-safe name for a recording.
func fileName(t time.Time, name, id string) string {
	var b strings.Builder
	b.WriteString(t.UTC().Format("20060102-150405"))
	if slug := slugify(name); slug != "" {
		b.WriteByte('_')
		b.WriteString(slug)
	}
	b.WriteByte('_')
	b.WriteString(id[:8])
	b.WriteString(".wav")
	return b.String()
}

func slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= 48 {
			break
		}
	}
	return strings.TrimRight(b.String(), "-")
}
