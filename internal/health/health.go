// Package health serves the liveness and readiness probes of the recorder
// daemon.
//
// /healthz always answers 200 while the process can serve HTTP. /readyz runs
// every registered [Checker] concurrently and answers 503 if any of them
// fails, so an orchestrator can tell "running" apart from "able to record".
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voicememo/pkg/audio"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers in parallel, each under its own [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
		})
	}
	wg.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		if errs[i] != nil {
			res.Checks[c.Name] = "fail: " + errs[i].Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// DiskSpace fails when the volume holding dir has less than minFree bytes
// available. free reports the available bytes for a directory.
func DiskSpace(dir string, minFree uint64, free func(string) (uint64, error)) Checker {
	return Checker{
		Name: "disk",
		Check: func(context.Context) error {
			n, err := free(dir)
			if err != nil {
				return err
			}
			if n < minFree {
				return fmt.Errorf("%d bytes free, need %d", n, minFree)
			}
			return nil
		},
	}
}

// Permission fails unless microphone capture has been granted. An
// undetermined permission is reported as not ready; it is resolved by the
// first start request.
func Permission(p audio.Platform) Checker {
	return Checker{
		Name: "microphone",
		Check: func(context.Context) error {
			if perm := p.RecordPermission(); perm != audio.PermissionGranted {
				return fmt.Errorf("permission %s", perm)
			}
			return nil
		},
	}
}

// Inputs fails when the platform reports no capture device.
func Inputs(p audio.Platform) Checker {
	return Checker{
		Name: "inputs",
		Check: func(context.Context) error {
			in, err := p.Inputs()
			if err != nil {
				return err
			}
			if len(in) == 0 {
				return errors.New("no capture device")
			}
			return nil
		},
	}
}

// Pinger is implemented by backing stores that can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping wraps a [Pinger] as a named checker.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
