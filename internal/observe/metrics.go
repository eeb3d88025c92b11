// Package observe carries Lectern's telemetry: OpenTelemetry instruments,
// tracing helpers, request-scoped logging and the HTTP middleware that joins
// them.
//
// Instruments live in a [Metrics] value built from a [metric.MeterProvider].
// [InitProvider] wires the SDK to a Prometheus registry; tests build their
// own Metrics from a ManualReader. [DefaultMetrics] binds to the global
// provider for code that was not handed a Metrics.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/lectern"

// Metrics holds the application's instruments. Attribute keys are listed per
// field; the Record helpers below set them.
type Metrics struct {
	// Inference.
	TranscriptionDuration metric.Float64Histogram // status: complete|truncated
	StageDuration         metric.Float64Histogram // stage: spectrogram|encoder|decoder
	ModelLoadDuration     metric.Float64Histogram // backend, graph
	DecodeSteps           metric.Int64Histogram
	EncoderSteps          metric.Int64Counter
	TranscriptionStalls   metric.Int64Counter // reason: sample_rate|too_long
	InferenceErrors       metric.Int64Counter // stage

	// Capture and segmentation.
	SegmentDuration metric.Float64Histogram
	Segments        metric.Int64Counter // outcome: emitted|no_voice|silent|too_short|too_long|not_ready|rejected
	Listening       metric.Int64UpDownCounter

	// Transcript.
	Interpretations metric.Int64Counter // kind

	// Control surface.
	HTTPRequestDuration metric.Float64Histogram // method, path, status_class
}

var (
	// secondsBuckets spans a single tick up to a slow CPU transcription.
	secondsBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// stepBuckets spans the decoder token budget.
	stepBuckets = []float64{1, 5, 10, 20, 40, 60, 80, 96}
)

// builder creates instruments on one meter and collects the errors.
type builder struct {
	meter metric.Meter
	errs  []error
}

func (b *builder) seconds(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(secondsBuckets...),
	)
	b.errs = append(b.errs, err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

// NewMetrics creates every instrument on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &builder{meter: mp.Meter(meterName)}
	m := &Metrics{
		TranscriptionDuration: b.seconds("lectern.transcription.duration", "Time from transcription request to result."),
		StageDuration:         b.seconds("lectern.stage.duration", "Wall time spent in one inference stage."),
		ModelLoadDuration:     b.seconds("lectern.model_load.duration", "Time to load one model graph."),
		EncoderSteps:          b.counter("lectern.encoder.steps", "Encoder schedule advances."),
		TranscriptionStalls:   b.counter("lectern.transcription.stalls", "Transcription requests rejected by input validation."),
		InferenceErrors:       b.counter("lectern.inference.errors", "Inference backend errors by stage."),
		SegmentDuration:       b.seconds("lectern.segment.duration", "Length of clips handed to the transcriber."),
		Segments:              b.counter("lectern.segments", "Finalized speech segments by outcome."),
		Interpretations:       b.counter("lectern.transcript.interpretations", "Interpreted transcript lines by kind."),
	}

	var err error
	m.DecodeSteps, err = b.meter.Int64Histogram("lectern.decoder.steps",
		metric.WithDescription("Decoder steps per transcription."),
		metric.WithExplicitBucketBoundaries(stepBuckets...),
	)
	b.errs = append(b.errs, err)
	m.Listening, err = b.meter.Int64UpDownCounter("lectern.listening",
		metric.WithDescription("1 while the microphone listener is active."),
	)
	b.errs = append(b.errs, err)
	m.HTTPRequestDuration, err = b.meter.Float64Histogram("lectern.http.request.duration",
		metric.WithDescription("Control surface request latency."),
		metric.WithUnit("s"),
	)
	b.errs = append(b.errs, err)

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide Metrics bound to
// [otel.GetMeterProvider], created on first use. It panics if the global
// provider cannot create the instruments.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

func with(key, value string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(key, value))
}

func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds, with("stage", stage))
}

func (m *Metrics) RecordModelLoad(ctx context.Context, backend, graph string, seconds float64) {
	m.ModelLoadDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("graph", graph),
	))
}

// RecordTranscription records a finished transcription and its decoder step
// count.
func (m *Metrics) RecordTranscription(ctx context.Context, status string, seconds float64, steps int) {
	m.TranscriptionDuration.Record(ctx, seconds, with("status", status))
	m.DecodeSteps.Record(ctx, int64(steps))
}

func (m *Metrics) RecordStall(ctx context.Context, reason string) {
	m.TranscriptionStalls.Add(ctx, 1, with("reason", reason))
}

func (m *Metrics) RecordInferenceError(ctx context.Context, stage string) {
	m.InferenceErrors.Add(ctx, 1, with("stage", stage))
}

func (m *Metrics) RecordSegment(ctx context.Context, outcome string) {
	m.Segments.Add(ctx, 1, with("outcome", outcome))
}

func (m *Metrics) RecordInterpretation(ctx context.Context, kind string) {
	m.Interpretations.Add(ctx, 1, with("kind", kind))
}
