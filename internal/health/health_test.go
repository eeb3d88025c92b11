package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func probe(t *testing.T, h http.Handler, path string) (int, Report) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("%s Content-Type = %q", path, ct)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("%s: decode report: %v", path, err)
	}
	return rec.Code, rep
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New(Checker{Name: "models", Check: failWith("not loaded")}).Register(mux)

	// Liveness ignores failing readiness checks.
	code, rep := probe(t, mux, "/healthz")
	if code != http.StatusOK || rep.Status != "ok" || rep.Checks != nil {
		t.Errorf("/healthz = %d %+v", code, rep)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		checkers []Checker
		wantCode int
		want     map[string]CheckResult
	}{
		{
			name:     "no checkers",
			wantCode: http.StatusOK,
			want:     map[string]CheckResult{},
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "transcriber", Check: pass},
				{Name: "capture", Check: pass},
			},
			wantCode: http.StatusOK,
			want:     map[string]CheckResult{"transcriber": {OK: true}, "capture": {OK: true}},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "transcriber", Check: failWith("vocabulary missing")},
				{Name: "capture", Check: pass},
			},
			wantCode: http.StatusServiceUnavailable,
			want: map[string]CheckResult{
				"transcriber": {Error: "vocabulary missing"},
				"capture":     {OK: true},
			},
		},
		{
			name: "all fail",
			checkers: []Checker{
				{Name: "transcriber", Check: failWith("stalled")},
				{Name: "capture", Check: failWith("no input device")},
			},
			wantCode: http.StatusServiceUnavailable,
			want: map[string]CheckResult{
				"transcriber": {Error: "stalled"},
				"capture":     {Error: "no input device"},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mux := http.NewServeMux()
			New(tc.checkers...).Register(mux)

			code, rep := probe(t, mux, "/readyz")
			if code != tc.wantCode {
				t.Errorf("status = %d, want %d", code, tc.wantCode)
			}
			wantStatus := "ok"
			if tc.wantCode != http.StatusOK {
				wantStatus = "fail"
			}
			if rep.Status != wantStatus {
				t.Errorf("report status = %q, want %q", rep.Status, wantStatus)
			}
			if len(rep.Checks) != len(tc.want) {
				t.Fatalf("checks = %+v, want %d entries", rep.Checks, len(tc.want))
			}
			for name, want := range tc.want {
				got := rep.Checks[name]
				if got.OK != want.OK || got.Error != want.Error {
					t.Errorf("check %q = %+v, want %+v", name, got, want)
				}
			}
		})
	}
}

func TestRun_ChecksAreConcurrent(t *testing.T) {
	t.Parallel()

	// Each check waits for the other to start; sequential evaluation would
	// block until the timeout.
	var started sync.WaitGroup
	started.Add(2)
	rendezvous := func(ctx context.Context) error {
		started.Done()
		done := make(chan struct{})
		go func() { started.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{Name: "a", Check: rendezvous}, Checker{Name: "b", Check: rendezvous})

	start := time.Now()
	rep := h.Run(context.Background())
	if rep.Status != "ok" {
		t.Errorf("report = %+v, want ok", rep)
	}
	if elapsed := time.Since(start); elapsed >= checkTimeout {
		t.Errorf("Run took %v, checks ran sequentially", elapsed)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := h.Run(ctx)
	if rep.Status != "fail" || rep.Checks["slow"].Error != context.Canceled.Error() {
		t.Errorf("report = %+v, want the cancellation", rep)
	}
}

func TestAdd_ReplacesByName(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "transcriber", Check: failWith("loading")})
	h.Add(Checker{Name: "transcriber", Check: pass}, Checker{Name: "load", Check: pass})

	rep := h.Run(context.Background())
	if rep.Status != "ok" || len(rep.Checks) != 2 {
		t.Errorf("report = %+v, want two passing checks", rep)
	}
}

type fakeTranscriber struct {
	loaded  bool
	stalled bool
	err     error
}

func (f *fakeTranscriber) Loaded() bool     { return f.loaded }
func (f *fakeTranscriber) Stalled() bool    { return f.stalled }
func (f *fakeTranscriber) LastError() error { return f.err }

func TestTranscriberCheck(t *testing.T) {
	t.Parallel()
	loadErr := errors.New("open decoder.onnx: no such file")
	rateErr := errors.New("clip sample rate must be 16000 Hz")

	tests := []struct {
		name     string
		tr       fakeTranscriber
		wantErr  bool
		wantLoad bool
	}{
		{name: "loading", tr: fakeTranscriber{}, wantErr: true, wantLoad: true},
		{name: "load failed", tr: fakeTranscriber{err: loadErr}, wantErr: true, wantLoad: true},
		{name: "ready", tr: fakeTranscriber{loaded: true}},
		{name: "ready after inference error", tr: fakeTranscriber{loaded: true, err: loadErr}},
		{name: "stalled", tr: fakeTranscriber{loaded: true, stalled: true, err: rateErr}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := TranscriberCheck(&tc.tr)
			if c.Name != "transcriber" {
				t.Errorf("Name = %q", c.Name)
			}
			err := c.Check(context.Background())
			if (err != nil) != tc.wantErr {
				t.Fatalf("Check() = %v, wantErr %v", err, tc.wantErr)
			}
			if errors.Is(err, ErrModelsLoading) != tc.wantLoad {
				t.Errorf("errors.Is(ErrModelsLoading) = %v, want %v", !tc.wantLoad, tc.wantLoad)
			}
			if tc.tr.err != nil && tc.wantErr && !errors.Is(err, tc.tr.err) {
				t.Errorf("Check() = %v, want it to wrap %v", err, tc.tr.err)
			}
		})
	}
}

func TestReadyz_Transcriber(t *testing.T) {
	t.Parallel()
	tr := &fakeTranscriber{}
	mux := http.NewServeMux()
	New(TranscriberCheck(tr)).Register(mux)

	code, rep := probe(t, mux, "/readyz")
	if code != http.StatusServiceUnavailable || rep.Checks["transcriber"].Error != ErrModelsLoading.Error() {
		t.Errorf("loading: %d %+v", code, rep)
	}

	tr.loaded = true
	if code, _ := probe(t, mux, "/readyz"); code != http.StatusOK {
		t.Errorf("loaded: status = %d, want 200", code)
	}
}
