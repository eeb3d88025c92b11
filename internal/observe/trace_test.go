package observe

import (
	"bytes"
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider returns a TracerProvider with an in-memory exporter
// for inspecting recorded spans.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestTraceID(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID(background) = %q, want empty", got)
	}

	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "asr.transcribe")
	defer span.End()

	id := TraceID(ctx)
	if b, err := hex.DecodeString(id); err != nil || len(b) != 16 {
		t.Errorf("TraceID = %q, want 32 hex characters", id)
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := StartSpan(context.Background(), "asr.transcribe")
	if TraceID(ctx) == "" {
		t.Error("StartSpan did not create a span with a trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "asr.transcribe" {
		t.Fatalf("spans = %v, want one asr.transcribe span", spans)
	}
	if got := spans[0].InstrumentationScope.Name; got != tracerName {
		t.Errorf("scope = %q, want %q", got, tracerName)
	}
}

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	if got := RequestID(ctx); got != "" {
		t.Errorf("RequestID(background) = %q, want empty", got)
	}
	ctx = WithRequestID(ctx, "3f0c")
	if got := RequestID(ctx); got != "3f0c" {
		t.Errorf("RequestID = %q, want 3f0c", got)
	}
}

func TestLogger(t *testing.T) {
	tp, _ := newTestTracerProvider(t)
	spanCtx, span := tp.Tracer("test").Start(context.Background(), "asr.transcribe")
	defer span.End()

	tests := []struct {
		name    string
		ctx     context.Context
		want    []string
		notWant []string
	}{
		{
			name:    "plain",
			ctx:     context.Background(),
			notWant: []string{"request_id", "trace_id", "span_id"},
		},
		{
			name:    "request only",
			ctx:     WithRequestID(context.Background(), "req-1"),
			want:    []string{"request_id=req-1"},
			notWant: []string{"trace_id"},
		},
		{
			name: "request and span",
			ctx:  WithRequestID(spanCtx, "req-2"),
			want: []string{"request_id=req-2", "trace_id=" + TraceID(spanCtx), "span_id="},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := captureLogs(t)
			Logger(tc.ctx).Info("asr: transcription finished")

			out := buf.String()
			for _, w := range tc.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, nw := range tc.notWant {
				if strings.Contains(out, nw) {
					t.Errorf("log %q should not contain %q", out, nw)
				}
			}
		})
	}
}
