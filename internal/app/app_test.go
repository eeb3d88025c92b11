package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/lectern/internal/app"
	"github.com/MrWong99/lectern/internal/asr"
	"github.com/MrWong99/lectern/internal/config"
	"github.com/MrWong99/lectern/internal/health"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/tokenizer"
	"github.com/MrWong99/lectern/pkg/audio"
	"github.com/MrWong99/lectern/pkg/inference/mock"
)

// fakeDevice is a capture.Device backed by a ring buffer the test writes to.
type fakeDevice struct {
	mu       sync.Mutex
	ring     *audio.RingBuffer
	startErr error
	stops    int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{ring: audio.NewRingBuffer(5, audio.SampleRate, 1)}
}

func (d *fakeDevice) Start(context.Context) (*audio.RingBuffer, error) {
	if d.startErr != nil {
		return nil, d.startErr
	}
	return d.ring, nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

func (d *fakeDevice) stopCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

// speak writes seconds of constant-amplitude audio.
func (d *fakeDevice) speak(seconds float64, amp float32) {
	buf := make([]float32, int(seconds*audio.SampleRate))
	for i := range buf {
		buf[i] = amp
	}
	d.ring.Write(buf)
}

// testConfig returns the default config without an HTTP listener.
func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Server.ListenAddr = ""
	cfg.Listener.Tick = time.Millisecond
	return &cfg
}

type fixture struct {
	app     *app.App
	backend *mock.Backend
	device  *fakeDevice
	handler http.Handler
}

func newFixture(t *testing.T, cfg *config.Config, opts ...app.Option) *fixture {
	t.Helper()

	vocab, err := tokenizer.FromMap(map[string]int{
		"Ġhello": 0,
		"Ġworld": 1,
		"!":      2,
	})
	if err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		backend: &mock.Backend{Tokens: []int32{0, 1, 2, asr.TokenEndOfText}, EncoderLayers: 2},
		device:  newFakeDevice(),
	}
	opts = append([]app.Option{app.WithVocabulary(vocab), app.WithMetrics(met)}, opts...)
	f.app, err = app.New(context.Background(), cfg, &app.Providers{Backend: f.backend, Device: f.device}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.app.Shutdown(context.Background()) })
	f.handler = f.app.Handler()
	return f
}

func (f *fixture) tick(n int) {
	for range n {
		f.app.Tick(context.Background())
	}
}

// do sends a request to the control surface and decodes the JSON response
// into out when out is non-nil.
func (f *fixture) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if out != nil {
		if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return rec.Code
}

func TestApp_EndToEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	f.tick(3)
	if !f.app.Machine().IsReady() {
		t.Fatalf("machine not ready after three ticks, state %s", f.app.Machine().State())
	}

	var st app.Status
	if code := f.do(t, http.MethodPost, "/listen/start", "", &st); code != http.StatusOK {
		t.Fatalf("POST /listen/start = %d", code)
	}
	if !st.Listening {
		t.Fatal("not listening after start")
	}

	f.device.speak(0.5, 0.5)
	f.tick(1)
	f.device.speak(1.1, 0)

	for i := 0; i < 50 && f.app.Board().Snapshot().Text == ""; i++ {
		f.tick(1)
	}

	if code := f.do(t, http.MethodGet, "/transcript", "", &st); code != http.StatusOK {
		t.Fatalf("GET /transcript = %d", code)
	}
	if len(st.Board.Lines) != 1 || st.Board.Lines[0] != "[You]: hello world!" {
		t.Errorf("board lines = %q, want one caption", st.Board.Lines)
	}
	if st.Listening {
		t.Error("still listening after hand-off with auto-stop")
	}
	if !st.Ready || st.Machine != "ready" {
		t.Errorf("machine = %s ready=%v, want ready", st.Machine, st.Ready)
	}
	if got := f.backend.Live(); got != 0 {
		t.Errorf("live tensors = %d, want 0", got)
	}
}

func TestApp_QuizModeIgnoresCaptions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.tick(3)

	if code := f.do(t, http.MethodPost, "/quiz", `{"enabled": true}`, nil); code != http.StatusOK {
		t.Fatalf("POST /quiz = %d", code)
	}

	// The decoded line " hello world!" is neither a start command nor an
	// answer, so quiz mode ignores it and leaves the board alone.
	_ = f.app.Listener().Start(context.Background())
	f.device.speak(0.5, 0.5)
	f.tick(1)
	f.app.Listener().Flush(context.Background(), false)
	f.tick(20)

	if got := f.app.Board().Snapshot(); got.Text != "" || got.Version != 0 {
		t.Errorf("board = %+v, want untouched in quiz mode", got)
	}
}

func TestApp_AutoStartListening(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Listener.StartListening = true
	f := newFixture(t, cfg)

	f.tick(2)
	if f.app.Listener().Listening() {
		t.Fatal("listening before the models were loaded")
	}
	f.tick(1)
	if !f.app.Listener().Listening() {
		t.Fatal("not listening once the machine became ready")
	}

	// Auto-start happens once; a later stop is respected.
	f.app.Listener().Stop(context.Background())
	f.tick(3)
	if f.app.Listener().Listening() {
		t.Error("listening restarted after an explicit stop")
	}
}

func TestApp_StatusReportsMachinePhase(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	if st := f.app.Status(); !st.Loading || st.Busy {
		t.Fatalf("before ticks: loading=%v busy=%v, want loading only", st.Loading, st.Busy)
	}
	f.tick(3)
	if st := f.app.Status(); st.Loading || st.Busy || !st.Ready {
		t.Fatalf("after load: %+v, want ready and idle", st)
	}

	clip := audio.Clip{Samples: make([]float32, audio.SampleRate), SampleRate: audio.SampleRate, Channels: 1}
	if _, err := f.app.Machine().Transcribe(context.Background(), clip); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if st := f.app.Status(); !st.Busy || st.Ready {
		t.Errorf("during transcription: busy=%v ready=%v, want busy", st.Busy, st.Ready)
	}

	f.tick(20)
	if st := f.app.Status(); st.Busy || !st.Ready {
		t.Errorf("after transcription: busy=%v ready=%v, want idle and ready", st.Busy, st.Ready)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()

	if _, err := app.New(ctx, nil, &app.Providers{}); err == nil {
		t.Error("nil config accepted")
	}
	if _, err := app.New(ctx, cfg, nil); err == nil {
		t.Error("nil providers accepted")
	}
	if _, err := app.New(ctx, cfg, &app.Providers{Backend: &mock.Backend{}}); err == nil {
		t.Error("missing device accepted")
	}
	if _, err := app.New(ctx, cfg, &app.Providers{Backend: &mock.Backend{}, Device: newFakeDevice()}); err == nil {
		t.Error("missing vocabulary accepted")
	}
}

func TestNew_DeviceFailureClosesMachine(t *testing.T) {
	t.Parallel()
	vocab, _ := tokenizer.FromMap(map[string]int{"a": 0})
	backend := &mock.Backend{}
	device := newFakeDevice()
	device.startErr = errors.New("no input device")

	_, err := app.New(context.Background(), testConfig(),
		&app.Providers{Backend: backend, Device: device},
		app.WithVocabulary(vocab),
	)
	if err == nil || !strings.Contains(err.Error(), "no input device") {
		t.Fatalf("New = %v, want device error", err)
	}
	if backend.CloseCalls == 0 {
		t.Error("backend not closed after failed init")
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.tick(3)
	_ = f.app.Listener().Start(context.Background())

	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if got := f.device.stopCalls(); got != 1 {
		t.Errorf("device Stop calls = %d, want 1", got)
	}
	if f.app.Listener().Listening() {
		t.Error("still listening after Shutdown")
	}
	if f.app.Machine().IsReady() {
		t.Error("machine ready after Shutdown")
	}
}

func TestApp_ShutdownDeadline(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.app.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown = %v, want context.Canceled", err)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for !f.app.Machine().IsReady() {
		select {
		case <-deadline:
			cancel()
			t.Fatal("machine not ready while running")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_LoadFailureBacksOff(t *testing.T) {
	t.Parallel()
	vocab, _ := tokenizer.FromMap(map[string]int{"a": 0})
	backend := &mock.Backend{LoadDecoderErr: errors.New("decoder model missing")}
	cfg := testConfig()
	cfg.Inference.LoadMaxFailures = 2
	cfg.Inference.LoadBackoff = time.Hour

	a, err := app.New(context.Background(), cfg,
		&app.Providers{Backend: backend, Device: newFakeDevice()},
		app.WithVocabulary(vocab),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	for range 20 {
		a.Tick(context.Background())
	}
	if got := len(backend.LoadCalls); got != 2 {
		t.Errorf("decoder load attempts = %d, want 2 before the backoff", got)
	}
	if a.Machine().Loaded() {
		t.Error("machine loaded without a decoder")
	}
	if err := a.Machine().LastError(); err == nil {
		t.Error("LastError = nil, want the load failure")
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var rep health.Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode /readyz: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz = %d, want 503", rec.Code)
	}
	if got := rep.Checks["load"].Error; got != "throttled: decoder open" {
		t.Errorf("load check = %q, want the open decoder breaker", got)
	}
}
