// Package health serves the liveness and readiness probes of the control
// surface.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz runs
// every registered [Checker] concurrently and answers 200 only when all of
// them pass, 503 otherwise. Both return a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 2 * time.Second

// Checker is one named readiness condition. Check returns nil when the
// condition holds.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// CheckResult is the outcome of one [Checker] in a [Report].
type CheckResult struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Report is the JSON body of both probes.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Transcriber is the view of the transcription machine that readiness needs.
type Transcriber interface {
	Loaded() bool
	Stalled() bool
	LastError() error
}

// ErrModelsLoading is reported until every model is loaded.
var ErrModelsLoading = errors.New("models loading")

// TranscriberCheck passes once all models are loaded and the machine is not
// stalled on a rejected clip. A machine busy with a transcription is ready.
func TranscriberCheck(t Transcriber) Checker {
	return Checker{
		Name: "transcriber",
		Check: func(context.Context) error {
			switch {
			case !t.Loaded():
				if err := t.LastError(); err != nil {
					return fmt.Errorf("%w: %w", ErrModelsLoading, err)
				}
				return ErrModelsLoading
			case t.Stalled():
				return fmt.Errorf("stalled: %w", t.LastError())
			}
			return nil
		},
	}
}

// Handler serves the two probes. Checkers may be added while serving.
type Handler struct {
	mu       sync.RWMutex
	checkers []Checker
}

// New returns a Handler with the given checkers.
func New(checkers ...Checker) *Handler {
	h := &Handler{}
	h.Add(checkers...)
	return h
}

// Add registers more checkers. A checker with an existing name replaces the
// old one.
func (h *Handler) Add(checkers ...Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
next:
	for _, c := range checkers {
		for i := range h.checkers {
			if h.checkers[i].Name == c.Name {
				h.checkers[i] = c
				continue next
			}
		}
		h.checkers = append(h.checkers, c)
	}
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, Report{Status: "ok"})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Run(r.Context())
	code := http.StatusOK
	if rep.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeReport(w, code, rep)
}

// Run evaluates every checker concurrently, each under its own timeout.
func (h *Handler) Run(ctx context.Context) Report {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			results[i] = CheckResult{OK: err == nil, DurationMS: time.Since(start).Milliseconds()}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: "ok", Checks: make(map[string]CheckResult, len(checkers))}
	for i, c := range checkers {
		rep.Checks[c.Name] = results[i]
		if !results[i].OK {
			rep.Status = "fail"
		}
	}
	return rep
}

func writeReport(w http.ResponseWriter, code int, rep Report) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		slog.Warn("health: write report", "err", err)
	}
}
