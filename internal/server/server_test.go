package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voicememo/internal/capture"
	"github.com/MrWong99/voicememo/internal/health"
	"github.com/MrWong99/voicememo/internal/hwsession"
	"github.com/MrWong99/voicememo/internal/recording"
	"github.com/MrWong99/voicememo/internal/server"
	"github.com/MrWong99/voicememo/pkg/audio/mock"
	"github.com/MrWong99/voicememo/pkg/catalog"
)

// ─── Stub recorder ────────────────────────────────────────────────────────────

type stubRecorder struct {
	mu sync.Mutex

	StartResult recording.Snapshot
	StartError  error
	PauseError  error
	ResumeError error
	StopResult  recording.FinalizedRecording
	StopError   error
	DiscardErr  error
	ListResult  []catalog.Recording
	ListError   error

	voiceIsolation bool
	noiseReduction float64

	startMode hwsession.Mode
	startName string
	listOpts  catalog.ListOptions
	events    chan recording.Event
}

var _ server.Recorder = (*stubRecorder)(nil)

func newStub() *stubRecorder {
	return &stubRecorder{voiceIsolation: true, noiseReduction: 0.5, events: make(chan recording.Event, 8)}
}

func (s *stubRecorder) Start(_ context.Context, mode hwsession.Mode, name string) (recording.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startMode, s.startName = mode, name
	return s.StartResult, s.StartError
}

func (s *stubRecorder) Pause() error                  { return s.PauseError }
func (s *stubRecorder) Resume(context.Context) error  { return s.ResumeError }
func (s *stubRecorder) Discard(context.Context) error { return s.DiscardErr }

func (s *stubRecorder) Snapshot() recording.Snapshot {
	return recording.Snapshot{State: recording.StateIdle}
}

func (s *stubRecorder) Subscribe() (<-chan recording.Event, func()) {
	return s.events, func() {}
}

func (s *stubRecorder) SetVoiceIsolation(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voiceIsolation = enabled
}

func (s *stubRecorder) SetNoiseReduction(level float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noiseReduction = level
}

func (s *stubRecorder) Stop(context.Context) (recording.FinalizedRecording, error) {
	return s.StopResult, s.StopError
}

func (s *stubRecorder) List(_ context.Context, opts catalog.ListOptions) ([]catalog.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listOpts = opts
	return s.ListResult, s.ListError
}

func (s *stubRecorder) Processing() (bool, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiceIsolation, s.noiseReduction
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ─── Routing ──────────────────────────────────────────────────────────────────

func TestStart_PassesModeAndName(t *testing.T) {
	stub := newStub()
	stub.StartResult = recording.Snapshot{ID: "abc", State: recording.StateRecording}
	h := server.New(server.Config{Recorder: stub}).Handler()

	rec := do(t, h, "POST", "/v1/recordings", `{"mode":"meeting","name":"Weekly sync"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if stub.startMode != hwsession.ModeMeeting || stub.startName != "Weekly sync" {
		t.Errorf("Start(%q, %q)", stub.startMode, stub.startName)
	}
	var snap recording.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ID != "abc" || snap.State != recording.StateRecording {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestStart_EmptyBodyUsesDefaultMode(t *testing.T) {
	stub := newStub()
	h := server.New(server.Config{Recorder: stub}).Handler()

	rec := do(t, h, "POST", "/v1/recordings", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if stub.startMode != "" {
		t.Errorf("mode = %q, want empty", stub.startMode)
	}
}

func TestStart_InvalidBody(t *testing.T) {
	h := server.New(server.Config{Recorder: newStub()}).Handler()
	if rec := do(t, h, "POST", "/v1/recordings", "{"); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("recording: start: %w", hwsession.ErrUnknownMode), http.StatusBadRequest},
		{recording.ErrSessionActive, http.StatusConflict},
		{fmt.Errorf("recording: start: %w", hwsession.ErrPermissionDenied), http.StatusForbidden},
		{fmt.Errorf("recording: start: %w", capture.ErrDiskSpaceInsufficient), http.StatusInsufficientStorage},
		{fmt.Errorf("recording: start: %w", capture.ErrBackendStartFailed), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			stub := newStub()
			stub.StartError = tt.err
			h := server.New(server.Config{Recorder: stub}).Handler()

			rec := do(t, h, "POST", "/v1/recordings", `{"mode":"balanced"}`)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			var body struct{ Error string }
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body.Error == "" {
				t.Errorf("error body missing: %v", err)
			}
		})
	}
}

func TestActions(t *testing.T) {
	tests := []struct {
		action string
		setup  func(*stubRecorder)
		want   int
	}{
		{"pause", func(*stubRecorder) {}, http.StatusOK},
		{"pause", func(s *stubRecorder) { s.PauseError = recording.ErrInvalidState }, http.StatusConflict},
		{"resume", func(s *stubRecorder) { s.ResumeError = recording.ErrNoSession }, http.StatusNotFound},
		{"discard", func(*stubRecorder) {}, http.StatusOK},
		{"stop", func(s *stubRecorder) { s.StopResult = recording.FinalizedRecording{ID: "x"} }, http.StatusOK},
		{"stop", func(s *stubRecorder) { s.StopError = recording.ErrValidationFailed }, http.StatusUnprocessableEntity},
		{"rewind", func(*stubRecorder) {}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			stub := newStub()
			tt.setup(stub)
			h := server.New(server.Config{Recorder: stub}).Handler()
			if rec := do(t, h, "POST", "/v1/recordings/current/"+tt.action, ""); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestList_Query(t *testing.T) {
	stub := newStub()
	stub.ListResult = []catalog.Recording{{ID: "r1", Mode: "meeting", Incomplete: true, Duration: time.Second}}
	h := server.New(server.Config{Recorder: stub}).Handler()

	rec := do(t, h, "GET", "/v1/recordings?incomplete=true&mode=meeting&limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	want := catalog.ListOptions{IncompleteOnly: true, Mode: "meeting", Limit: 5}
	if stub.listOpts != want {
		t.Errorf("opts = %+v, want %+v", stub.listOpts, want)
	}
	var out []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0]["id"] != "r1" || out[0]["incomplete"] != true {
		t.Errorf("body = %v", out)
	}
}

func TestList_BadQuery(t *testing.T) {
	h := server.New(server.Config{Recorder: newStub()}).Handler()
	for _, q := range []string{"incomplete=maybe", "limit=-1", "limit=ten"} {
		if rec := do(t, h, "GET", "/v1/recordings?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestProcessing(t *testing.T) {
	stub := newStub()
	h := server.New(server.Config{Recorder: stub}).Handler()

	rec := do(t, h, "PUT", "/v1/processing", `{"voice_isolation":false,"noise_reduction":0.8}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	vi, nr := stub.Processing()
	if vi || nr != 0.8 {
		t.Errorf("processing = %v, %v", vi, nr)
	}

	if rec := do(t, h, "PUT", "/v1/processing", `{"noise_reduction":2}`); rec.Code != http.StatusBadRequest {
		t.Errorf("out of range: status = %d, want 400", rec.Code)
	}

	rec = do(t, h, "GET", "/v1/processing", "")
	var body struct {
		VoiceIsolation bool    `json:"voice_isolation"`
		NoiseReduction float64 `json:"noise_reduction"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.VoiceIsolation || body.NoiseReduction != 0.8 {
		t.Errorf("GET = %+v", body)
	}
}

func TestProbesAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("voicememo_sessions_started_total 0\n"))
	})
	h := server.New(server.Config{
		Recorder:       newStub(),
		Health:         health.New(),
		MetricsHandler: metrics,
	}).Handler()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := do(t, h, "GET", path, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, rec.Code)
		}
	}
}

func TestEvents_StubStream(t *testing.T) {
	stub := newStub()
	srv := httptest.NewServer(server.New(server.Config{Recorder: stub}).Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var first recording.Event
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.Kind != recording.EventState || first.Session == nil || first.Session.State != recording.StateIdle {
		t.Errorf("first event = %+v", first)
	}

	stub.events <- recording.Event{Kind: recording.EventLevel, Level: 0.42}
	var next recording.Event
	if err := wsjson.Read(ctx, conn, &next); err != nil {
		t.Fatalf("read: %v", err)
	}
	if next.Kind != recording.EventLevel || next.Level != 0.42 {
		t.Errorf("next event = %+v", next)
	}

	close(stub.events)
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want going away", websocket.CloseStatus(err))
	}
}

// ─── End to end ───────────────────────────────────────────────────────────────

func newService(t *testing.T) (*recording.Service, *mock.Platform) {
	t.Helper()
	p := mock.NewPlatform()
	svc := recording.New(recording.Config{
		Platform: p,
		Configurator: hwsession.New(hwsession.Config{
			Platform:            p,
			TranscriptionFormat: true,
			VoiceIsolation:      true,
		}),
		Selector: capture.New(capture.Config{
			Platform:  p,
			DiskSpace: func(string) (uint64, error) { return 10 << 30, nil },
		}),
		Directory:     t.TempDir(),
		LevelInterval: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc, p
}

func TestEndToEnd_RecordOverHTTP(t *testing.T) {
	svc, p := newService(t)
	srv := httptest.NewServer(server.New(server.Config{Recorder: svc}).Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	var ev recording.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read initial: %v", err)
	}

	resp, err := http.Post(srv.URL+"/v1/recordings", "application/json", strings.NewReader(`{"mode":"conversation","name":"Interview"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	// Second start while active conflicts.
	resp, err = http.Post(srv.URL+"/v1/recordings", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", resp.StatusCode)
	}

	for {
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("waiting for recording state: %v", err)
		}
		if ev.Kind == recording.EventState && ev.Session.State == recording.StateRecording {
			break
		}
	}

	p.LastEngine().PushConstant(time.Second, 0.1)

	resp, err = http.Post(srv.URL+"/v1/recordings/current/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST stop: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	var fin recording.FinalizedRecording
	if err := json.NewDecoder(resp.Body).Decode(&fin); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fin.Mode != hwsession.ModeConversation || fin.Duration < 990*time.Millisecond || fin.Duration > 1010*time.Millisecond {
		t.Errorf("finalized = %+v", fin)
	}

	resp2, err := http.Get(srv.URL + "/v1/recordings")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp2.Body.Close()
	var list []map[string]any
	if err := json.NewDecoder(resp2.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0]["id"] != fin.ID || list[0]["incomplete"] != false {
		t.Errorf("list = %v", list)
	}
}
