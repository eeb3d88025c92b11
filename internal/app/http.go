package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/MrWong99/lectern/internal/health"
	"github.com/MrWong99/lectern/internal/listen"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/resilience"
	"github.com/MrWong99/lectern/internal/transcript"
)

// maxBodyBytes caps JSON request bodies on the control surface.
const maxBodyBytes = 4 << 10

// Status is the JSON body returned by the control endpoints.
type Status struct {
	Board     transcript.BoardSnapshot `json:"board"`
	State     transcript.Snapshot      `json:"state"`
	Session   Session                  `json:"session"`
	Listening bool                     `json:"listening"`
	Ready     bool                     `json:"ready"`
	Loading   bool                     `json:"loading"`
	Busy      bool                     `json:"busy"`
	Machine   string                   `json:"machine"`
}

// loadCheck fails while any model load is throttled by its breaker.
func (a *App) loadCheck() health.Checker {
	return health.Checker{
		Name: "load",
		Check: func(context.Context) error {
			var open []string
			for model, st := range a.guard.Breakers() {
				if st != resilience.StateClosed {
					open = append(open, model+" "+st.String())
				}
			}
			if len(open) > 0 {
				slices.Sort(open)
				return fmt.Errorf("throttled: %s", strings.Join(open, ", "))
			}
			return nil
		},
	}
}

// Handler returns the HTTP control surface:
//
//	GET  /metrics                 Prometheus scrape endpoint
//	GET  /healthz, /readyz        liveness and readiness
//	GET  /transcript              board, state and listener status
//	POST /listen/{action}         start, stop, toggle or flush (?force=true)
//	POST /quiz                    {"enabled": bool}
//	POST /user                    {"name": string}
//	POST /scene/reset             reset quiz mode and the board-cleared flag
//	POST /session/start           {"name": string}
//	POST /session/stop
//
// Every route is wrapped in [observe.Middleware].
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.scrape)
	health.New(health.TranscriberCheck(a.machine), a.loadCheck()).Register(mux)

	mux.HandleFunc("GET /transcript", a.handleTranscript)
	mux.HandleFunc("POST /listen/{action}", a.handleListen)
	mux.HandleFunc("POST /quiz", a.handleQuiz)
	mux.HandleFunc("POST /user", a.handleUser)
	mux.HandleFunc("POST /scene/reset", a.handleSceneReset)
	mux.HandleFunc("POST /session/start", a.handleSessionStart)
	mux.HandleFunc("POST /session/stop", a.handleSessionStop)

	return observe.Middleware(a.metrics)(mux)
}

// Status returns a snapshot of the transcript and pipeline state.
func (a *App) Status() Status {
	st := a.machine.State()
	return Status{
		Board:     a.board.Snapshot(),
		State:     a.state.Snapshot(),
		Session:   a.sessions.Current(),
		Listening: a.listener.Listening(),
		Ready:     a.machine.IsReady(),
		Loading:   st.Loading(),
		Busy:      st.Busy(),
		Machine:   st.String(),
	}
}

func (a *App) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Status())
}

func (a *App) handleListen(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch action := r.PathValue("action"); action {
	case "start":
		if err := a.listener.Start(ctx); err != nil {
			writeError(w, listenStatus(err), err)
			return
		}
	case "stop":
		a.listener.Stop(ctx)
	case "toggle":
		if _, err := a.listener.Toggle(ctx); err != nil {
			writeError(w, listenStatus(err), err)
			return
		}
	case "flush":
		force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
		a.listener.Flush(ctx, force)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown listen action "+strconv.Quote(action)))
		return
	}
	writeJSON(w, http.StatusOK, a.Status())
}

func (a *App) handleQuiz(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, errors.New(`"enabled" is required`))
		return
	}
	a.state.SetQuizMode(*body.Enabled)
	slog.Info("app: quiz mode changed", "enabled", *body.Enabled)
	writeJSON(w, http.StatusOK, a.Status())
}

func (a *App) handleUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.state.SetUserName(body.Name) {
		slog.Debug("app: blank user name ignored")
	}
	writeJSON(w, http.StatusOK, a.Status())
}

func (a *App) handleSceneReset(w http.ResponseWriter, r *http.Request) {
	a.sessions.NextScene(r.Context())
	writeJSON(w, http.StatusOK, a.Status())
}

func (a *App) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := a.sessions.Start(r.Context(), body.Name); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Status())
}

func (a *App) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if _, err := a.sessions.Stop(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Status())
}

// listenStatus maps a listener error to an HTTP status.
func listenStatus(err error) int {
	if errors.Is(err, listen.ErrNotReady) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// unchanged.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("app: write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
