package app_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/lectern/internal/app"
)

func TestHandler_ListenActions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	// Models are not loaded yet.
	if code := f.do(t, http.MethodPost, "/listen/start", "", nil); code != http.StatusServiceUnavailable {
		t.Errorf("start before load = %d, want 503", code)
	}
	if code := f.do(t, http.MethodPost, "/listen/toggle", "", nil); code != http.StatusServiceUnavailable {
		t.Errorf("toggle before load = %d, want 503", code)
	}

	f.tick(3)

	tests := []struct {
		path      string
		wantCode  int
		listening bool
	}{
		{"/listen/start", http.StatusOK, true},
		{"/listen/start", http.StatusOK, true},
		{"/listen/flush?force=true", http.StatusOK, true},
		{"/listen/toggle", http.StatusOK, false},
		{"/listen/toggle", http.StatusOK, true},
		{"/listen/stop", http.StatusOK, false},
		{"/listen/stop", http.StatusOK, false},
	}
	for _, tc := range tests {
		var st app.Status
		if code := f.do(t, http.MethodPost, tc.path, "", &st); code != tc.wantCode {
			t.Errorf("POST %s = %d, want %d", tc.path, code, tc.wantCode)
			continue
		}
		if st.Listening != tc.listening {
			t.Errorf("POST %s listening = %v, want %v", tc.path, st.Listening, tc.listening)
		}
	}

	var body map[string]string
	if code := f.do(t, http.MethodPost, "/listen/rewind", "", &body); code != http.StatusNotFound {
		t.Errorf("unknown action = %d, want 404", code)
	}
	if !strings.Contains(body["error"], "rewind") {
		t.Errorf("error body = %v", body)
	}
}

func TestHandler_Quiz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantQuiz bool
	}{
		{name: "enable", body: `{"enabled": true}`, wantCode: http.StatusOK, wantQuiz: true},
		{name: "disable", body: `{"enabled": false}`, wantCode: http.StatusOK},
		{name: "missing field", body: `{}`, wantCode: http.StatusBadRequest},
		{name: "empty body", body: "", wantCode: http.StatusBadRequest},
		{name: "unknown field", body: `{"enabled": true, "mode": 2}`, wantCode: http.StatusBadRequest},
		{name: "malformed", body: `{"enabled":`, wantCode: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, testConfig())
			if code := f.do(t, http.MethodPost, "/quiz", tc.body, nil); code != tc.wantCode {
				t.Fatalf("POST /quiz = %d, want %d", code, tc.wantCode)
			}
			if got := f.app.State().QuizMode(); got != tc.wantQuiz {
				t.Errorf("quiz mode = %v, want %v", got, tc.wantQuiz)
			}
		})
	}
}

func TestHandler_User(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	var st app.Status
	if code := f.do(t, http.MethodPost, "/user", `{"name": "  Alice "}`, &st); code != http.StatusOK {
		t.Fatalf("POST /user = %d", code)
	}
	if st.State.UserName != "Alice" {
		t.Errorf("user name = %q, want Alice", st.State.UserName)
	}

	// A blank name is ignored, not an error.
	if code := f.do(t, http.MethodPost, "/user", `{"name": "   "}`, &st); code != http.StatusOK {
		t.Fatalf("POST /user blank = %d", code)
	}
	if st.State.UserName != "Alice" {
		t.Errorf("user name after blank = %q, want Alice", st.State.UserName)
	}
}

func TestHandler_Sessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.app.State().SetQuizMode(true)

	var st app.Status
	if code := f.do(t, http.MethodPost, "/session/start", `{"name": "Cell Biology"}`, &st); code != http.StatusOK {
		t.Fatalf("POST /session/start = %d", code)
	}
	if !strings.HasPrefix(st.Session.ID, "session-cell-biology-") || st.Session.Scene != 1 {
		t.Errorf("session = %+v", st.Session)
	}
	if st.State.QuizMode {
		t.Error("quiz mode survived session start")
	}
	if code := f.do(t, http.MethodPost, "/session/start", `{"name": "again"}`, nil); code != http.StatusConflict {
		t.Errorf("second start = %d, want 409", code)
	}

	if code := f.do(t, http.MethodPost, "/scene/reset", "", &st); code != http.StatusOK {
		t.Fatalf("POST /scene/reset = %d", code)
	}
	if st.Session.Scene != 2 {
		t.Errorf("scene = %d, want 2", st.Session.Scene)
	}

	if code := f.do(t, http.MethodPost, "/session/stop", "", &st); code != http.StatusOK {
		t.Fatalf("POST /session/stop = %d", code)
	}
	if st.Session.ID != "" {
		t.Errorf("session after stop = %+v", st.Session)
	}
	if code := f.do(t, http.MethodPost, "/session/stop", "", nil); code != http.StatusConflict {
		t.Errorf("second stop = %d, want 409", code)
	}
}

func TestHandler_Health(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	if code := f.do(t, http.MethodGet, "/healthz", "", nil); code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", code)
	}
	if code := f.do(t, http.MethodGet, "/readyz", "", nil); code != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz before load = %d, want 503", code)
	}
	f.tick(3)
	if code := f.do(t, http.MethodGet, "/readyz", "", nil); code != http.StatusOK {
		t.Errorf("GET /readyz after load = %d, want 200", code)
	}
}

func TestHandler_Metrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if len(body) == 0 {
		t.Error("empty metrics body")
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	if code := f.do(t, http.MethodGet, "/quiz", "", nil); code != http.StatusMethodNotAllowed {
		t.Errorf("GET /quiz = %d, want 405", code)
	}
}
