package capture

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voicememo/internal/dsp"
	"github.com/MrWong99/voicememo/internal/hwsession"
	"github.com/MrWong99/voicememo/internal/observe"
	"github.com/MrWong99/voicememo/internal/resilience"
	"github.com/MrWong99/voicememo/pkg/audio"
	"github.com/MrWong99/voicememo/pkg/audio/mock"
	"github.com/MrWong99/voicememo/pkg/audio/pcmfile"
)

const mib = 1 << 20

func freeSpace(n uint64) DiskSpaceFunc {
	return func(string) (uint64, error) { return n, nil }
}

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is %T, want Sum[int64]", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func newSelector(t *testing.T, p *mock.Platform) (*Selector, *sdkmetric.ManualReader) {
	t.Helper()
	m, reader := testMetrics(t)
	return New(Config{
		Platform:     p,
		DiskSpace:    freeSpace(10 << 30),
		PollInterval: 5 * time.Millisecond,
		Metrics:      m,
	}), reader
}

func params(voiceIsolation bool) hwsession.Parameters {
	return hwsession.Parameters{
		Mode:           hwsession.ModeBalanced,
		SampleRate:     16000,
		Channels:       1,
		VoiceIsolation: voiceIsolation,
	}
}

func TestPreflight(t *testing.T) {
	tests := []struct {
		name    string
		free    DiskSpaceFunc
		wantErr error
	}{
		{"plenty", freeSpace(200 * mib), nil},
		{"exactly floor", freeSpace(DefaultMinFreeBytes), nil},
		{"50 MB", freeSpace(50 * mib), ErrDiskSpaceInsufficient},
		{"unsupported", func(string) (uint64, error) { return 0, errors.ErrUnsupported }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mock.NewPlatform()
			s := New(Config{Platform: p, DiskSpace: tt.free})
			err := s.Preflight(t.TempDir())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Preflight = %v, want %v", err, tt.wantErr)
			}
			if len(p.ConfigureCalls) != 0 || len(p.SetActiveCalls) != 0 || len(p.Engines) != 0 {
				t.Error("preflight touched the hardware")
			}
		})
	}
}

func TestPreflight_StatError(t *testing.T) {
	cause := errors.New("no such volume")
	s := New(Config{Platform: mock.NewPlatform(), DiskSpace: func(string) (uint64, error) { return 0, cause }})
	err := s.Preflight("/nowhere")
	if !errors.Is(err, cause) {
		t.Fatalf("Preflight = %v, want wrapped cause", err)
	}
	if errors.Is(err, ErrDiskSpaceInsufficient) {
		t.Error("stat error must not be reported as insufficient space")
	}
}

func TestFreeSpace_TempDir(t *testing.T) {
	free, err := FreeSpace(t.TempDir())
	if errors.Is(err, errors.ErrUnsupported) {
		t.Skip("free space not supported on this platform")
	}
	if err != nil {
		t.Fatalf("FreeSpace: %v", err)
	}
	if free == 0 {
		t.Error("FreeSpace reported 0 bytes for the temp dir")
	}
}

func TestStart_TraditionalWithoutVoiceIsolation(t *testing.T) {
	p := mock.NewPlatform()
	s, _ := newSelector(t, p)
	path := filepath.Join(t.TempDir(), "memo.wav")

	c, err := s.Start(context.Background(), Request{Path: path, Params: params(false)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Finalize()

	if c.Backend() != BackendTraditional {
		t.Errorf("backend = %s, want traditional", c.Backend())
	}
	if len(p.Engines) != 0 {
		t.Error("engine must not be created without voice isolation")
	}
	rec := p.LastRecorder()
	if rec == nil || len(rec.RecordCalls) != 1 || rec.RecordCalls[0] != path {
		t.Fatalf("recorder not started on %q", path)
	}
}

func TestStart_EngineWritesOneSecond(t *testing.T) {
	p := mock.NewPlatform()
	s, reader := newSelector(t, p)
	path := filepath.Join(t.TempDir(), "memo.wav")

	c, err := s.Start(context.Background(), Request{Path: path, Params: params(true)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.Backend() != BackendEngine {
		t.Fatalf("backend = %s, want engine", c.Backend())
	}

	eng := p.LastEngine()
	if n := eng.PushConstant(time.Second, 0); n != 100 {
		t.Fatalf("delivered %d buffers, want 100", n)
	}
	if got := c.FramesWritten(); got != 16000 {
		t.Errorf("FramesWritten = %d, want 16000", got)
	}
	if err := c.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if eng.Running() {
		t.Error("engine still running after Finalize")
	}

	info, err := pcmfile.Probe(path)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.Duration != time.Second {
		t.Errorf("duration = %v, want 1s", info.Duration)
	}
	if info.SampleRate != 16000 || info.Channels != 1 || info.BitDepth != 16 {
		t.Errorf("format = %dHz %dch %dbit, want 16000Hz 1ch 16bit", info.SampleRate, info.Channels, info.BitDepth)
	}
	if got := counterTotal(t, reader, "voicememo.capture.buffers"); got != 100 {
		t.Errorf("buffers processed = %d, want 100", got)
	}
}

func TestStart_EngineFailureFallsBack(t *testing.T) {
	p := mock.NewPlatform()
	p.EngineResult = &mock.Engine{FormatError: audio.ErrNoInputNode}
	s, reader := newSelector(t, p)
	path := filepath.Join(t.TempDir(), "memo.wav")

	c, err := s.Start(context.Background(), Request{Path: path, Params: params(true)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Finalize()

	if c.Backend() != BackendTraditional {
		t.Fatalf("backend = %s, want traditional", c.Backend())
	}
	rec := p.LastRecorder()
	if rec == nil || rec.RecordCalls[0] != path {
		t.Fatal("fallback did not record to the same destination")
	}
	if got := counterTotal(t, reader, "voicememo.capture.fallbacks"); got != 1 {
		t.Errorf("fallbacks = %d, want 1", got)
	}
}

func TestStart_BothBackendsFail(t *testing.T) {
	engineErr := errors.New("engine boom")
	recorderErr := errors.New("recorder boom")

	p := mock.NewPlatform()
	p.EngineResult = &mock.Engine{FormatResult: mock.DefaultHardwareFormat, StartError: engineErr}
	p.RecorderResult = &mock.Recorder{RecordError: recorderErr}
	s, _ := newSelector(t, p)

	_, err := s.Start(context.Background(), Request{Path: filepath.Join(t.TempDir(), "memo.wav"), Params: params(true)})
	if !errors.Is(err, ErrBackendStartFailed) {
		t.Fatalf("err = %v, want ErrBackendStartFailed", err)
	}
	if !errors.Is(err, engineErr) || !errors.Is(err, recorderErr) {
		t.Errorf("err = %v, want both causes", err)
	}
}

func TestStart_BreakerSkipsEngine(t *testing.T) {
	p := mock.NewPlatform()
	p.EngineResult = &mock.Engine{FormatError: audio.ErrNoInputNode}
	m, _ := testMetrics(t)
	s := New(Config{
		Platform:      p,
		DiskSpace:     freeSpace(10 << 30),
		Metrics:       m,
		EngineBreaker: resilience.NewBreaker(resilience.BreakerConfig{Threshold: 1}),
	})
	dir := t.TempDir()

	for i := range 2 {
		c, err := s.Start(context.Background(), Request{Path: filepath.Join(dir, "memo.wav"), Params: params(true)})
		if err != nil {
			t.Fatalf("Start #%d: %v", i, err)
		}
		if c.Backend() != BackendTraditional {
			t.Fatalf("Start #%d backend = %s", i, c.Backend())
		}
		_ = c.Finalize()
	}
	if len(p.Engines) != 1 {
		t.Errorf("engines created = %d, want 1 (second start skipped by breaker)", len(p.Engines))
	}
}

func TestEngine_PauseDropsBuffers(t *testing.T) {
	p := mock.NewPlatform()
	s, reader := newSelector(t, p)

	c, err := s.Start(context.Background(), Request{Path: filepath.Join(t.TempDir(), "memo.wav"), Params: params(true)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Finalize()
	eng := p.LastEngine()

	eng.PushConstant(100*time.Millisecond, 0.1)
	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	eng.PushConstant(100*time.Millisecond, 0.1)
	if got := c.FramesWritten(); got != 1600 {
		t.Errorf("frames after pause = %d, want 1600", got)
	}
	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	eng.PushConstant(100*time.Millisecond, 0.1)
	if got := c.FramesWritten(); got != 3200 {
		t.Errorf("frames after resume = %d, want 3200", got)
	}
	if got := counterTotal(t, reader, "voicememo.capture.buffers_dropped"); got != 10 {
		t.Errorf("dropped = %d, want 10", got)
	}
}

func TestEngine_NoWriteAfterFinalize(t *testing.T) {
	p := mock.NewPlatform()
	s, _ := newSelector(t, p)
	path := filepath.Join(t.TempDir(), "memo.wav")

	c, err := s.Start(context.Background(), Request{Path: path, Params: params(true)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	eng := p.LastEngine()
	cb := captureCallback(t, c)

	eng.PushConstant(100*time.Millisecond, 0)
	if err := c.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	// A late in-flight callback after Finalize must not reach the file.
	cb(audio.Buffer{Samples: make([]float32, 480), SampleRate: 48000, Channels: 1})

	if err := c.Finalize(); err != nil {
		t.Errorf("second Finalize: %v", err)
	}
	info, err := pcmfile.Probe(path)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.Duration != 100*time.Millisecond {
		t.Errorf("duration = %v, want 100ms", info.Duration)
	}
}

// captureCallback returns the engine capture's producer callback.
func captureCallback(t *testing.T, c Capture) func(audio.Buffer) {
	t.Helper()
	ec, ok := c.(*engineCapture)
	if !ok {
		t.Fatalf("capture is %T, want engine", c)
	}
	return ec.onBuffer
}

func TestEngine_SuspendRestartAppends(t *testing.T) {
	p := mock.NewPlatform()
	s, _ := newSelector(t, p)
	path := filepath.Join(t.TempDir(), "memo.wav")

	c, err := s.Start(context.Background(), Request{Path: path, Params: params(true)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := p.LastEngine()
	first.PushConstant(200*time.Millisecond, 0)

	if err := c.Suspend(); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if first.Running() {
		t.Error("engine still running after Suspend")
	}

	if err := c.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	second := p.LastEngine()
	if len(p.Engines) != 2 {
		t.Fatalf("engines = %d, want a fresh engine after restart", len(p.Engines))
	}
	second.PushConstant(300*time.Millisecond, 0)

	if err := c.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	info, err := pcmfile.Probe(path)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.Duration != 500*time.Millisecond {
		t.Errorf("duration = %v, want 500ms across both segments", info.Duration)
	}
}

func TestEngine_WriteFailureNotifiesOnce(t *testing.T) {
	p := mock.NewPlatform()
	s, _ := newSelector(t, p)
	dir := t.TempDir()

	c, err := s.Start(context.Background(), Request{Path: filepath.Join(dir, "memo.wav"), Params: params(true)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Finalize()
	ec := c.(*engineCapture)

	// Swap in a writer that is already closed so the next append fails.
	broken, err := pcmfile.Create(filepath.Join(dir, "broken.wav"), audio.TranscriptionFormat)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = broken.Close()
	ec.mu.Lock()
	good := ec.writer
	ec.writer = broken
	ec.mu.Unlock()
	defer good.Close()

	p.LastEngine().PushConstant(50*time.Millisecond, 0)

	select {
	case err := <-c.Failed():
		if !errors.Is(err, ErrWriteFailure) || !errors.Is(err, pcmfile.ErrClosed) {
			t.Errorf("failure = %v, want ErrWriteFailure wrapping ErrClosed", err)
		}
	default:
		t.Fatal("no failure delivered")
	}
	select {
	case err := <-c.Failed():
		t.Errorf("second failure delivered: %v", err)
	default:
	}
	if c.FramesWritten() != 0 {
		t.Errorf("FramesWritten = %d, want 0", c.FramesWritten())
	}
}

func TestDiscard_RemovesFile(t *testing.T) {
	for _, vi := range []bool{true, false} {
		t.Run(map[bool]string{true: "engine", false: "traditional"}[vi], func(t *testing.T) {
			p := mock.NewPlatform()
			s, _ := newSelector(t, p)
			path := filepath.Join(t.TempDir(), "memo.wav")

			c, err := s.Start(context.Background(), Request{Path: path, Params: params(vi)})
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if err := c.Discard(); err != nil {
				t.Fatalf("Discard: %v", err)
			}
			if _, err := pcmfile.Probe(path); err == nil {
				t.Error("file still exists after Discard")
			}
		})
	}
}

func TestTraditional_PollsPower(t *testing.T) {
	p := mock.NewPlatform()
	p.RecorderResult = &mock.Recorder{PowerResult: -20}
	s, _ := newSelector(t, p)

	var (
		mu     sync.Mutex
		levels []float64
	)
	c, err := s.Start(context.Background(), Request{
		Path:   filepath.Join(t.TempDir(), "memo.wav"),
		Params: params(false),
		OnLevel: func(l float64) {
			mu.Lock()
			levels = append(levels, l)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(levels)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no level published by the power poll")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if levels[0] != 1 {
		t.Errorf("level for -20 dB = %f, want 1", levels[0])
	}
}

func TestTraditional_PauseResume(t *testing.T) {
	p := mock.NewPlatform()
	s, _ := newSelector(t, p)

	c, err := s.Start(context.Background(), Request{Path: filepath.Join(t.TempDir(), "memo.wav"), Params: params(false)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Finalize()
	rec := p.LastRecorder()

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !rec.Paused() {
		t.Error("recorder not paused")
	}
	// Suspend makes no hardware call; Restart resumes.
	if err := c.Suspend(); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if rec.CallCountPause != 1 {
		t.Errorf("pause calls = %d, want 1", rec.CallCountPause)
	}
	if err := c.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if rec.Paused() {
		t.Error("recorder still paused after Restart")
	}
}

func TestTraditional_WriteFailureNotifies(t *testing.T) {
	p := mock.NewPlatform()
	s, _ := newSelector(t, p)

	c, err := s.Start(context.Background(), Request{Path: filepath.Join(t.TempDir(), "memo.wav"), Params: params(false)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Finalize()
	rec := p.LastRecorder()
	if err := rec.Capture(time.Second); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	diskFull := errors.New("no space left on device")
	rec.FailWrites(diskFull)
	select {
	case err := <-c.Failed():
		if !errors.Is(err, ErrWriteFailure) || !errors.Is(err, diskFull) {
			t.Errorf("failure = %v, want ErrWriteFailure wrapping the cause", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recorder write failure was not reported")
	}
	if err := rec.Capture(time.Second); !errors.Is(err, diskFull) {
		t.Errorf("Capture after failure err = %v, want the write error", err)
	}
}

func TestStart_EngineResetsEqualizer(t *testing.T) {
	m, _ := testMetrics(t)
	eq := dsp.NewEqualizer(true)
	s := New(Config{
		Platform:  mock.NewPlatform(),
		DiskSpace: freeSpace(10 << 30),
		Equalizer: eq,
		Metrics:   m,
	})

	// Leave filter history behind, as a previous recording would.
	loud := make([]float32, 1600)
	for i := range loud {
		loud[i] = 0.9
		if i%20 < 10 {
			loud[i] = -0.9
		}
	}
	eq.Process(loud, 16000)

	c, err := s.Start(context.Background(), Request{Path: filepath.Join(t.TempDir(), "memo.wav"), Params: params(true)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Finalize()

	silence := make([]float32, 64)
	eq.Process(silence, 16000)
	for i, v := range silence {
		if v != 0 {
			t.Fatalf("sample %d = %v, want 0 for a fresh recording", i, v)
		}
	}
}
