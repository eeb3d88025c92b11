package asr_test

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/lectern/internal/asr"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/tokenizer"
	"github.com/MrWong99/lectern/pkg/audio"
	"github.com/MrWong99/lectern/pkg/inference/mock"
)

// harness bundles a machine with its mock backend and captured results.
type harness struct {
	m       *asr.Machine
	backend *mock.Backend
	results []asr.Result
	reader  *sdkmetric.ManualReader
}

func newHarness(t *testing.T, b *mock.Backend) *harness {
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

	h := &harness{backend: b, reader: reader}
	h.m, err = asr.New(b, vocab,
		asr.WithMetrics(met),
		asr.WithResultHandler(func(_ context.Context, r asr.Result) {
			h.results = append(h.results, r)
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = h.m.Close() })
	return h
}

func (h *harness) step(t *testing.T) error {
	t.Helper()
	return h.m.Step(context.Background())
}

func (h *harness) load(t *testing.T) {
	t.Helper()
	for range 3 {
		if err := h.step(t); err != nil {
			t.Fatalf("Step while loading: %v", err)
		}
	}
	if !h.m.IsReady() {
		t.Fatalf("machine not ready after loading, state %s", h.m.State())
	}
}

// runUntilResult steps until a result arrives and returns the step count.
func (h *harness) runUntilResult(t *testing.T, limit int) int {
	t.Helper()
	before := len(h.results)
	for i := 1; i <= limit; i++ {
		if err := h.step(t); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
		if len(h.results) > before {
			return i
		}
	}
	t.Fatalf("no result after %d steps, state %s", limit, h.m.State())
	return 0
}

func clip(seconds float64) audio.Clip {
	return audio.Clip{
		Samples:    make([]float32, int(seconds*audio.SampleRate)),
		SampleRate: audio.SampleRate,
		Channels:   1,
	}
}

func TestMachine_LoadsOneGraphPerStep(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{}
	h := newHarness(t, b)

	wantStates := []asr.State{asr.StateLoadEncoder, asr.StateLoadSpectrogram, asr.StateReady}
	for i, want := range wantStates {
		if h.m.IsReady() {
			t.Fatalf("ready before load step %d", i)
		}
		if err := h.step(t); err != nil {
			t.Fatalf("Step: %v", err)
		}
		if got := h.m.State(); got != want {
			t.Fatalf("after step %d state = %s, want %s", i, got, want)
		}
	}
	wantCalls := []string{"decoder", "encoder", "spectrogram"}
	for i, c := range wantCalls {
		if b.LoadCalls[i] != c {
			t.Errorf("LoadCalls[%d] = %q, want %q", i, b.LoadCalls[i], c)
		}
	}

	// Ready ignores further ticks and never reloads.
	for range 5 {
		if err := h.step(t); err != nil {
			t.Fatalf("Step in ready: %v", err)
		}
	}
	if len(b.LoadCalls) != 3 {
		t.Errorf("LoadCalls = %v, want each graph loaded once", b.LoadCalls)
	}
	if !h.m.IsReady() || !h.m.Loaded() {
		t.Error("machine should be ready")
	}
}

func TestMachine_Transcribe(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{
		Tokens:        []int32{0, asr.TokenTimestampBase + 50, 1, 2, asr.TokenEndOfText},
		EncoderLayers: 4,
	}
	h := newHarness(t, b)
	h.load(t)

	id, err := h.m.Transcribe(context.Background(), clip(1.5))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if id == "" {
		t.Error("empty request ID")
	}
	if h.m.IsReady() {
		t.Error("machine ready while a request is queued")
	}

	// start + spectrogram + 4 encoder layers + 5 decoder steps
	steps := h.runUntilResult(t, 50)
	if steps != 11 {
		t.Errorf("took %d steps, want 11", steps)
	}

	res := h.results[0]
	if res.ID != id {
		t.Errorf("result ID = %q, want %q", res.ID, id)
	}
	if want := " hello(time=1) world!"; res.Text != want {
		t.Errorf("Text = %q, want %q", res.Text, want)
	}
	if res.Truncated {
		t.Error("result marked truncated")
	}
	if len(res.Tokens) != 5 || res.Tokens[4] != asr.TokenEndOfText {
		t.Errorf("Tokens = %v", res.Tokens)
	}

	if !h.m.IsReady() || h.m.State() != asr.StateReady {
		t.Errorf("state after result = %s, want ready", h.m.State())
	}
	if len(b.SpectrogramInputs) != 1 || b.SpectrogramInputs[0] != asr.MaxClipSamples {
		t.Errorf("SpectrogramInputs = %v, want one padded buffer of %d", b.SpectrogramInputs, asr.MaxClipSamples)
	}
	if b.AdvanceCalls != 4 {
		t.Errorf("AdvanceCalls = %d, want 4", b.AdvanceCalls)
	}
	if got := b.Live(); got != 0 {
		t.Errorf("live tensors = %d, want 0", got)
	}
	if got := b.Created(); got != 2 {
		t.Errorf("created tensors = %d, want 2", got)
	}

	// Each decoder call sees the filled prefix only.
	for i, call := range b.DecodeCalls {
		if len(call) != 4+i {
			t.Errorf("decoder call %d got %d tokens, want %d", i, len(call), 4+i)
		}
	}
	if b.DecodeCalls[0][0] != asr.TokenStartOfTranscript || b.DecodeCalls[0][3] != asr.TokenNoTimestamps {
		t.Errorf("first decoder call = %v, want seeded prefix", b.DecodeCalls[0])
	}
	if b.DecodeCalls[2][5] != asr.TokenTimestampBase+50 {
		t.Errorf("third decoder call = %v, want previous predictions appended", b.DecodeCalls[2])
	}
}

func TestMachine_StereoClipIsDownmixed(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{Tokens: []int32{asr.TokenEndOfText}}
	h := newHarness(t, b)
	h.load(t)

	stereo := audio.Clip{
		Samples:    make([]float32, 2*asr.MaxClipSamples),
		SampleRate: audio.SampleRate,
		Channels:   2,
	}
	if _, err := h.m.Transcribe(context.Background(), stereo); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	h.runUntilResult(t, 20)
	if h.m.LastError() != nil {
		t.Errorf("LastError = %v, want nil", h.m.LastError())
	}
}

func TestMachine_DecodeLoopBounded(t *testing.T) {
	t.Parallel()

	// The model never emits end-of-text.
	b := &mock.Backend{Fill: 0, EncoderLayers: 1}
	h := newHarness(t, b)
	h.load(t)

	if _, err := h.m.Transcribe(context.Background(), clip(1)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	h.runUntilResult(t, 200)

	if got := len(b.DecodeCalls); got != asr.MaxDecodeSteps {
		t.Errorf("decoder steps = %d, want %d", got, asr.MaxDecodeSteps)
	}
	res := h.results[0]
	if !res.Truncated {
		t.Error("result not marked truncated")
	}
	if len(res.Tokens) != 96 {
		t.Errorf("generated %d tokens, want 96", len(res.Tokens))
	}
	if b.Live() != 0 {
		t.Errorf("live tensors = %d, want 0", b.Live())
	}
	if h.m.State() != asr.StateReady {
		t.Errorf("state = %s, want ready", h.m.State())
	}
}

func TestMachine_Stalls(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		clip    audio.Clip
		wantErr error
	}{
		{
			name:    "wrong sample rate",
			clip:    audio.Clip{Samples: make([]float32, 44100), SampleRate: 44100, Channels: 1},
			wantErr: asr.ErrSampleRate,
		},
		{
			name: "too long",
			clip: audio.Clip{
				Samples:    make([]float32, asr.MaxClipSamples+1),
				SampleRate: audio.SampleRate,
				Channels:   1,
			},
			wantErr: asr.ErrClipTooLong,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			b := &mock.Backend{Tokens: []int32{asr.TokenEndOfText}}
			h := newHarness(t, b)
			h.load(t)

			if _, err := h.m.Transcribe(context.Background(), tc.clip); err != nil {
				t.Fatalf("Transcribe: %v", err)
			}
			for range 10 {
				if err := h.step(t); err != nil {
					t.Fatalf("Step: %v", err)
				}
			}
			if got := h.m.State(); got != asr.StateStartTranscription {
				t.Fatalf("state = %s, want start_transcription", got)
			}
			if !h.m.Stalled() || h.m.IsReady() {
				t.Error("machine should be stalled and not ready")
			}
			if !errors.Is(h.m.LastError(), tc.wantErr) {
				t.Errorf("LastError = %v, want %v", h.m.LastError(), tc.wantErr)
			}
			if len(b.SpectrogramInputs) != 0 || len(h.results) != 0 {
				t.Error("stalled request must not run inference")
			}

			rm := metricdata.ResourceMetrics{}
			if err := h.reader.Collect(context.Background(), &rm); err != nil {
				t.Fatalf("Collect: %v", err)
			}
			if got := stallCount(rm); got != 1 {
				t.Errorf("stall counter = %d, want 1 (logged once)", got)
			}

			// A corrected request recovers.
			if _, err := h.m.Transcribe(context.Background(), clip(2)); err != nil {
				t.Fatalf("Transcribe: %v", err)
			}
			h.runUntilResult(t, 20)
			if h.m.Stalled() || h.m.LastError() != nil {
				t.Error("stall not cleared by the next request")
			}
		})
	}
}

func stallCount(rm metricdata.ResourceMetrics) int64 {
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "lectern.transcription.stalls" {
				continue
			}
			var total int64
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMachine_ExactlyMaxLengthAccepted(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{Tokens: []int32{asr.TokenEndOfText}}
	h := newHarness(t, b)
	h.load(t)

	if _, err := h.m.Transcribe(context.Background(), clip(asr.MaxClipSeconds)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	h.runUntilResult(t, 20)
	if h.results[0].Text != "" {
		t.Errorf("Text = %q, want empty", h.results[0].Text)
	}
}

func TestMachine_TranscribeBeforeLoaded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mock.Backend{})
	if _, err := h.m.Transcribe(context.Background(), clip(1)); !errors.Is(err, asr.ErrNotReady) {
		t.Errorf("error = %v, want ErrNotReady", err)
	}
	if h.m.State() != asr.StateLoadDecoder {
		t.Errorf("state = %s, want load_decoder", h.m.State())
	}
}

func TestMachine_NewRequestReleasesPrevious(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{Fill: 0, EncoderLayers: 2}
	h := newHarness(t, b)
	h.load(t)

	if _, err := h.m.Transcribe(context.Background(), clip(1)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	// start, spectrogram, first encoder layer: spectrogram is retained.
	for range 3 {
		if err := h.step(t); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if h.m.State() != asr.StateRunEncoder || b.Live() != 1 {
		t.Fatalf("state %s with %d live tensors, want run_encoder with 1", h.m.State(), b.Live())
	}
	// finish encoder and take one decoder step: only encoded audio is live.
	for range 2 {
		if err := h.step(t); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if h.m.State() != asr.StateRunDecoder || b.Live() != 1 {
		t.Fatalf("state %s with %d live tensors, want run_decoder with 1", h.m.State(), b.Live())
	}

	if _, err := h.m.Transcribe(context.Background(), clip(1)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if b.Live() != 0 {
		t.Errorf("live tensors after new request = %d, want 0", b.Live())
	}
	if h.m.State() != asr.StateStartTranscription {
		t.Errorf("state = %s, want start_transcription", h.m.State())
	}
}

func TestMachine_LoadFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("model missing")
	b := &mock.Backend{LoadEncoderErr: boom}
	h := newHarness(t, b)

	if err := h.step(t); err != nil {
		t.Fatalf("decoder load: %v", err)
	}
	for range 2 {
		if err := h.step(t); !errors.Is(err, boom) {
			t.Fatalf("Step error = %v, want %v", err, boom)
		}
	}
	if h.m.State() != asr.StateLoadEncoder || h.m.IsReady() {
		t.Errorf("state = %s, want load_encoder and not ready", h.m.State())
	}
	if !errors.Is(h.m.LastError(), boom) {
		t.Errorf("LastError = %v", h.m.LastError())
	}
}

func TestMachine_InferenceFailureAborts(t *testing.T) {
	t.Parallel()

	boom := errors.New("device lost")
	b := &mock.Backend{DecodeErr: boom, EncoderLayers: 1}
	h := newHarness(t, b)
	h.load(t)

	if _, err := h.m.Transcribe(context.Background(), clip(1)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	var err error
	for range 10 {
		if err = h.step(t); err != nil {
			break
		}
	}
	if !errors.Is(err, boom) {
		t.Fatalf("Step error = %v, want %v", err, boom)
	}
	if !h.m.IsReady() || h.m.State() != asr.StateReady {
		t.Errorf("state = %s, want ready after abort", h.m.State())
	}
	if b.Live() != 0 {
		t.Errorf("live tensors = %d, want 0", b.Live())
	}
	if len(h.results) != 0 {
		t.Error("aborted request produced a result")
	}
}

func TestMachine_Close(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{Fill: 0, EncoderLayers: 3}
	h := newHarness(t, b)
	h.load(t)

	if _, err := h.m.Transcribe(context.Background(), clip(1)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	for range 3 {
		if err := h.step(t); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if b.Live() == 0 {
		t.Fatal("expected a live tensor mid-transcription")
	}

	if err := h.m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if b.Live() != 0 {
		t.Errorf("live tensors after Close = %d, want 0", b.Live())
	}
	// three workers plus the backend, each closed once
	if b.CloseCalls != 4 {
		t.Errorf("CloseCalls = %d, want 4", b.CloseCalls)
	}
	if err := h.step(t); !errors.Is(err, asr.ErrClosed) {
		t.Errorf("Step after Close = %v, want ErrClosed", err)
	}
	if _, err := h.m.Transcribe(context.Background(), clip(1)); !errors.Is(err, asr.ErrClosed) {
		t.Errorf("Transcribe after Close = %v, want ErrClosed", err)
	}
	if h.m.IsReady() {
		t.Error("closed machine reports ready")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	vocab, _ := tokenizer.FromMap(map[string]int{"a": 0})
	if _, err := asr.New(nil, vocab); err == nil {
		t.Error("expected error for nil backend")
	}
	if _, err := asr.New(&mock.Backend{}, nil); err == nil {
		t.Error("expected error for nil vocabulary")
	}
}
