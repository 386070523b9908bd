// Package server exposes the recording service over HTTP.
//
// The control API is JSON over plain HTTP:
//
//	POST /v1/recordings                   start a recording {mode, name}
//	GET  /v1/recordings                   list catalogued recordings
//	GET  /v1/recordings/current           snapshot of the current recording
//	POST /v1/recordings/current/{action}  pause, resume, stop or discard
//	GET  /v1/processing                   voice isolation and noise reduction
//	PUT  /v1/processing                   change either setting
//	GET  /v1/events                       websocket stream of state and level events
//
// The probe and metrics routes are mounted next to it when configured.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voicememo/internal/capture"
	"github.com/MrWong99/voicememo/internal/health"
	"github.com/MrWong99/voicememo/internal/hwsession"
	"github.com/MrWong99/voicememo/internal/observe"
	"github.com/MrWong99/voicememo/internal/recording"
	"github.com/MrWong99/voicememo/internal/recovery"
	"github.com/MrWong99/voicememo/pkg/catalog"
)

// writeTimeout bounds a single websocket frame write. A subscriber that
// cannot keep up within it is disconnected.
const writeTimeout = 5 * time.Second

// Recorder is the recording service as seen by the HTTP layer.
type Recorder interface {
	Start(ctx context.Context, mode hwsession.Mode, name string) (recording.Snapshot, error)
	Pause() error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) (recording.FinalizedRecording, error)
	Discard(ctx context.Context) error
	Snapshot() recording.Snapshot
	List(ctx context.Context, opts catalog.ListOptions) ([]catalog.Recording, error)
	SetVoiceIsolation(enabled bool)
	SetNoiseReduction(level float64)
	Processing() (voiceIsolation bool, noiseReduction float64)
	Subscribe() (events <-chan recording.Event, cancel func())
}

var _ Recorder = (*recording.Service)(nil)

// Config holds the construction parameters for [New].
type Config struct {
	// Recorder serves the /v1 routes. Required.
	Recorder Recorder

	// Health mounts /healthz and /readyz when set.
	Health *health.Handler

	// MetricsHandler is mounted on /metrics when set.
	MetricsHandler http.Handler

	// Metrics feeds the request middleware. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// AllowedOrigins are the websocket origin patterns accepted besides the
	// same origin.
	AllowedOrigins []string
}

// Server routes HTTP requests to the recorder.
type Server struct {
	rec     Recorder
	origins []string
	handler http.Handler
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	s := &Server{rec: cfg.Recorder, origins: cfg.AllowedOrigins}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/recordings", s.handleStart)
	mux.HandleFunc("GET /v1/recordings", s.handleList)
	mux.HandleFunc("GET /v1/recordings/current", s.handleCurrent)
	mux.HandleFunc("POST /v1/recordings/current/{action}", s.handleAction)
	mux.HandleFunc("GET /v1/processing", s.handleGetProcessing)
	mux.HandleFunc("PUT /v1/processing", s.handlePutProcessing)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}
	s.handler = observe.Middleware(cfg.Metrics)(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

type startRequest struct {
	Mode string `json:"mode"`
	Name string `json:"name"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
			return
		}
	}
	snap, err := s.rec.Start(r.Context(), hwsession.Mode(req.Mode), req.Name)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleCurrent(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rec.Snapshot())
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	switch action := r.PathValue("action"); action {
	case "pause":
		err = s.rec.Pause()
	case "resume":
		err = s.rec.Resume(ctx)
	case "discard":
		err = s.rec.Discard(ctx)
	case "stop":
		fin, err := s.rec.Stop(ctx)
		if err != nil {
			writeServiceError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, fin)
		return
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action %q", action))
		return
	}
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.rec.Snapshot())
}

// recordingJSON is the wire form of a catalogue row.
type recordingJSON struct {
	ID          string        `json:"id"`
	Name        string        `json:"name,omitempty"`
	Path        string        `json:"path"`
	Mode        string        `json:"mode"`
	Backend     string        `json:"backend,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	Size        int64         `json:"size_bytes"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	FinishedAt  time.Time     `json:"finished_at,omitzero"`
	Incomplete  bool          `json:"incomplete"`
	Interrupted bool          `json:"interrupted,omitempty"`
	Error       string        `json:"error,omitempty"`
}

func toJSON(rec catalog.Recording) recordingJSON {
	return recordingJSON{
		ID:          rec.ID,
		Name:        rec.Name,
		Path:        rec.Path,
		Mode:        rec.Mode,
		Backend:     rec.Backend,
		Duration:    rec.Duration,
		Elapsed:     rec.Elapsed,
		Size:        rec.Size,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
		Incomplete:  rec.Incomplete,
		Interrupted: rec.Interrupted,
		Error:       rec.Error,
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := catalog.ListOptions{Mode: q.Get("mode")}
	if v := q.Get("incomplete"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid incomplete %q", v))
			return
		}
		opts.IncompleteOnly = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		opts.Limit = n
	}

	recs, err := s.rec.List(r.Context(), opts)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	out := make([]recordingJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toJSON(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

type processingJSON struct {
	VoiceIsolation *bool    `json:"voice_isolation,omitempty"`
	NoiseReduction *float64 `json:"noise_reduction,omitempty"`
}

func (s *Server) processing() processingJSON {
	vi, nr := s.rec.Processing()
	return processingJSON{VoiceIsolation: &vi, NoiseReduction: &nr}
}

func (s *Server) handleGetProcessing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.processing())
}

func (s *Server) handlePutProcessing(w http.ResponseWriter, r *http.Request) {
	var req processingJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if nr := req.NoiseReduction; nr != nil && (*nr < 0 || *nr > 1) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("noise_reduction %.2f is out of range [0, 1]", *nr))
		return
	}
	if req.VoiceIsolation != nil {
		s.rec.SetVoiceIsolation(*req.VoiceIsolation)
	}
	if req.NoiseReduction != nil {
		s.rec.SetNoiseReduction(*req.NoiseReduction)
	}
	writeJSON(w, http.StatusOK, s.processing())
}

// handleEvents streams recording events as JSON text frames. The first
// frame is a state event carrying the current snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Warn("server: websocket accept", "error", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.rec.Subscribe()
	defer cancel()

	// Client frames are ignored; CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	snap := s.rec.Snapshot()
	if err := writeEvent(ctx, conn, recording.Event{Kind: recording.EventState, Time: time.Now(), Session: &snap}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				observe.Logger(r.Context()).Debug("server: event stream closed", "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev recording.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

// statusOf maps service errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, hwsession.ErrUnknownMode):
		return http.StatusBadRequest
	case errors.Is(err, recording.ErrSessionActive), errors.Is(err, recording.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, recording.ErrNoSession), errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, hwsession.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, capture.ErrDiskSpaceInsufficient):
		return http.StatusInsufficientStorage
	case errors.Is(err, recording.ErrValidationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, hwsession.ErrInputUnavailable),
		errors.Is(err, hwsession.ErrConfigurationFailed),
		errors.Is(err, capture.ErrBackendStartFailed),
		errors.Is(err, recovery.ErrRecoveryExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(ctx).Error("server: request failed", "status", status, "error", err)
	}
	writeError(w, status, err)
}

type errorJSON struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorJSON{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
