// Package mock provides in-memory mock implementations of the [audio.Platform],
// [audio.Engine], and [audio.Recorder] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	eng := &mock.Engine{FormatResult: audio.Format{SampleRate: 48000, Channels: 1}}
//	p := mock.NewPlatform()
//	p.EngineResult = eng
//	// ... start a capture, then drive the real-time callback:
//	eng.Push(audio.Buffer{Samples: make([]float32, 480), SampleRate: 48000, Channels: 1})
//	p.Emit(audio.Event{Kind: audio.EventInterruptionBegan})
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/voicememo/pkg/audio"
	"github.com/MrWong99/voicememo/pkg/audio/pcmfile"
)

// DefaultHardwareFormat is the input format reported by engines created by a
// [Platform] when no explicit engine is configured.
var DefaultHardwareFormat = audio.Format{SampleRate: 48000, Channels: 1}

// ─── Platform ─────────────────────────────────────────────────────────────────

// Platform is a mock implementation of [audio.Platform].
// Set the exported Result fields before use; inspect the Call* fields after.
type Platform struct {
	mu sync.Mutex

	// PermissionResult is returned by RecordPermission.
	PermissionResult audio.Permission

	// RequestPermissionResult is returned by RequestRecordPermission and
	// becomes the new PermissionResult.
	RequestPermissionResult audio.Permission

	// RequestPermissionError is returned by RequestRecordPermission.
	RequestPermissionError error

	// InputsResult is returned by Inputs.
	InputsResult []audio.Input

	// InputsError is returned by Inputs.
	InputsError error

	// NativeRate is returned by NativeSampleRate. Zero means 48000.
	NativeRate int

	// ConfigureError is returned by Configure.
	ConfigureError error

	// SetActiveError is returned by SetActive.
	SetActiveError error

	// EngineResult is returned by NewEngine. When nil a fresh [Engine] with
	// [DefaultHardwareFormat] is created per call.
	EngineResult *Engine

	// NewEngineError is returned by NewEngine.
	NewEngineError error

	// RecorderResult is returned by NewRecorder. When nil a fresh [Recorder]
	// is created per call.
	RecorderResult *Recorder

	// NewRecorderError is returned by NewRecorder.
	NewRecorderError error

	// CallCountRequestPermission records how many times RequestRecordPermission was called.
	CallCountRequestPermission int

	// ConfigureCalls records all Configure invocations.
	ConfigureCalls []audio.SessionRequest

	// SetActiveCalls records all SetActive invocations.
	SetActiveCalls []bool

	// Engines records every engine handed out by NewEngine.
	Engines []*Engine

	// Recorders records every recorder handed out by NewRecorder.
	Recorders []*Recorder

	events chan audio.Event
}

// NewPlatform returns a Platform with capture permission granted and a
// single built-in microphone.
func NewPlatform() *Platform {
	return &Platform{
		PermissionResult:        audio.PermissionGranted,
		RequestPermissionResult: audio.PermissionGranted,
		InputsResult: []audio.Input{{
			ID:      "builtin",
			Name:    "Built-in Microphone",
			BuiltIn: true,
			DataSources: []audio.DataSource{
				{ID: "front", Name: "Front", Orientation: audio.OrientationFront},
				{ID: "bottom", Name: "Bottom", Orientation: audio.OrientationBottom},
			},
		}},
		events: make(chan audio.Event, 16),
	}
}

// RecordPermission implements [audio.Platform].
func (p *Platform) RecordPermission() audio.Permission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PermissionResult
}

// RequestRecordPermission implements [audio.Platform].
func (p *Platform) RequestRecordPermission(ctx context.Context) (audio.Permission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountRequestPermission++
	if err := ctx.Err(); err != nil {
		return audio.PermissionUndetermined, err
	}
	if p.RequestPermissionError != nil {
		return audio.PermissionUndetermined, p.RequestPermissionError
	}
	p.PermissionResult = p.RequestPermissionResult
	return p.PermissionResult, nil
}

// Inputs implements [audio.Platform].
func (p *Platform) Inputs() ([]audio.Input, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.InputsResult, p.InputsError
}

// NativeSampleRate implements [audio.Platform].
func (p *Platform) NativeSampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NativeRate == 0 {
		return 48000
	}
	return p.NativeRate
}

// Configure implements [audio.Platform]. Records the call and returns ConfigureError.
func (p *Platform) Configure(req audio.SessionRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConfigureCalls = append(p.ConfigureCalls, req)
	return p.ConfigureError
}

// SetActive implements [audio.Platform]. Records the call and returns SetActiveError.
func (p *Platform) SetActive(active bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SetActiveCalls = append(p.SetActiveCalls, active)
	return p.SetActiveError
}

// NewEngine implements [audio.Platform].
func (p *Platform) NewEngine() (audio.Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NewEngineError != nil {
		return nil, p.NewEngineError
	}
	eng := p.EngineResult
	if eng == nil {
		eng = &Engine{FormatResult: DefaultHardwareFormat}
	}
	p.Engines = append(p.Engines, eng)
	return eng, nil
}

// NewRecorder implements [audio.Platform].
func (p *Platform) NewRecorder() (audio.Recorder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NewRecorderError != nil {
		return nil, p.NewRecorderError
	}
	rec := p.RecorderResult
	if rec == nil {
		rec = &Recorder{PowerResult: -160}
	}
	p.Recorders = append(p.Recorders, rec)
	return rec, nil
}

// Events implements [audio.Platform].
func (p *Platform) Events() <-chan audio.Event {
	return p.events
}

// Emit delivers ev on the Events channel. A zero Time is set to now.
// Use this in tests to simulate interruptions and route changes.
func (p *Platform) Emit(ev audio.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	p.events <- ev
}

// LastEngine returns the most recently created engine, or nil.
func (p *Platform) LastEngine() *Engine {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Engines) == 0 {
		return nil
	}
	return p.Engines[len(p.Engines)-1]
}

// LastRecorder returns the most recently created recorder, or nil.
func (p *Platform) LastRecorder() *Recorder {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Recorders) == 0 {
		return nil
	}
	return p.Recorders[len(p.Recorders)-1]
}

// ActivationCount returns how many SetActive(true) calls were recorded.
func (p *Platform) ActivationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.SetActiveCalls {
		if a {
			n++
		}
	}
	return n
}

// ─── Engine ───────────────────────────────────────────────────────────────────

// Engine is a mock implementation of [audio.Engine]. Buffers are delivered
// synchronously on the goroutine that calls [Engine.Push].
type Engine struct {
	mu sync.Mutex

	// FormatResult is returned by InputFormat.
	FormatResult audio.Format

	// FormatError is returned by InputFormat (e.g. [audio.ErrNoInputNode]).
	FormatError error

	// StartError is returned by Start.
	StartError error

	// StopError is returned by Stop.
	StopError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	onBuffer func(audio.Buffer)
	running  bool
}

// InputFormat implements [audio.Engine].
func (e *Engine) InputFormat() (audio.Format, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.FormatResult, e.FormatError
}

// Start implements [audio.Engine].
func (e *Engine) Start(onBuffer func(audio.Buffer)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountStart++
	if e.StartError != nil {
		return e.StartError
	}
	e.onBuffer = onBuffer
	e.running = true
	return nil
}

// Stop implements [audio.Engine].
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountStop++
	e.running = false
	return e.StopError
}

// Running reports whether the engine is started.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Push invokes the installed callback with buf. It returns false without
// calling anything when the engine is not running.
func (e *Engine) Push(buf audio.Buffer) bool {
	e.mu.Lock()
	cb, running := e.onBuffer, e.running
	e.mu.Unlock()
	if !running || cb == nil {
		return false
	}
	cb(buf)
	return true
}

// PushConstant delivers d worth of buffers in 10 ms blocks, every sample set
// to value, in the engine's input format. It returns the number of buffers
// delivered.
func (e *Engine) PushConstant(d time.Duration, value float32) int {
	f, _ := e.InputFormat()
	perBuffer := f.SampleRate / 100
	n := int(d / (10 * time.Millisecond))
	delivered := 0
	for i := range n {
		samples := make([]float32, perBuffer*f.Channels)
		for j := range samples {
			samples[j] = value
		}
		buf := audio.Buffer{
			Samples:    samples,
			SampleRate: f.SampleRate,
			Channels:   f.Channels,
			Timestamp:  time.Duration(i) * 10 * time.Millisecond,
		}
		if !e.Push(buf) {
			break
		}
		delivered++
	}
	return delivered
}

// ─── Recorder ─────────────────────────────────────────────────────────────────

// errNotRecording is returned by Recorder operations that need an open file.
var errNotRecording = errors.New("mock recorder: not recording")

// Recorder is a mock implementation of [audio.Recorder]. It writes a real WAV
// file so that finalisation and validation can be exercised; audio is only
// "captured" when the test calls [Recorder.Capture].
type Recorder struct {
	mu sync.Mutex

	// RecordError is returned by Record.
	RecordError error

	// PauseError is returned by Pause.
	PauseError error

	// ResumeError is returned by Resume.
	ResumeError error

	// PowerResult is returned by AveragePower.
	PowerResult float64

	// RecordCalls records the path of every Record invocation.
	RecordCalls []string

	// CallCountPause records how many times Pause was called.
	CallCountPause int

	// CallCountResume records how many times Resume was called.
	CallCountResume int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	w        *pcmfile.Writer
	paused   bool
	writeErr error
	failed   chan error
}

// Record implements [audio.Recorder].
func (r *Recorder) Record(path string, format audio.Format) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RecordCalls = append(r.RecordCalls, path)
	if r.RecordError != nil {
		return r.RecordError
	}
	w, err := pcmfile.Create(path, format)
	if err != nil {
		return err
	}
	r.w = w
	r.paused = false
	return nil
}

// Pause implements [audio.Recorder].
func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountPause++
	if r.PauseError != nil {
		return r.PauseError
	}
	r.paused = true
	return nil
}

// Resume implements [audio.Recorder].
func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountResume++
	if r.ResumeError != nil {
		return r.ResumeError
	}
	r.paused = false
	return nil
}

// Stop implements [audio.Recorder]. Finalizes the WAV file.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountStop++
	if r.w == nil {
		return nil
	}
	err := r.w.Close()
	r.w = nil
	return err
}

// AveragePower implements [audio.Recorder].
func (r *Recorder) AveragePower() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.PowerResult
}

// SetPower changes the value reported by AveragePower.
func (r *Recorder) SetPower(db float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PowerResult = db
}

// Failed implements [audio.Recorder].
func (r *Recorder) Failed() <-chan error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failedLocked()
}

func (r *Recorder) failedLocked() chan error {
	if r.failed == nil {
		r.failed = make(chan error, 1)
	}
	return r.failed
}

// FailWrites simulates a mid-recording write error such as a full disk: err
// is delivered on Failed once and later Capture calls return it.
func (r *Recorder) FailWrites(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return
	}
	r.writeErr = err
	select {
	case r.failedLocked() <- err:
	default:
	}
}

// Paused reports whether Pause was called without a matching Resume.
func (r *Recorder) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Capture appends d worth of silence to the open file, as if the hardware had
// been recording for that long. It is a no-op while paused.
func (r *Recorder) Capture(d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return errNotRecording
	}
	if r.writeErr != nil {
		return r.writeErr
	}
	if r.paused {
		return nil
	}
	f := r.w.Format()
	frames := int(int64(d) * int64(f.SampleRate) / int64(time.Second))
	return r.w.WriteInt16(make([]int16, frames*f.Channels))
}

// Compile-time interface assertions.
var (
	_ audio.Platform = (*Platform)(nil)
	_ audio.Engine   = (*Engine)(nil)
	_ audio.Recorder = (*Recorder)(nil)
)
