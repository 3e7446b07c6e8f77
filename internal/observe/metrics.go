// Package observe provides captionist's observability primitives:
// OpenTelemetry metrics and tracing, trace-aware slog loggers, and the HTTP
// middleware that ties them to API requests.
//
// Components receive a [*Metrics] and report through its Record methods. A
// nil *Metrics records nothing, so instrumentation stays optional. Metrics
// reach Prometheus through the exporter installed by [InitProvider]; tests
// build their own with [NewMetrics] over an SDK ManualReader.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/captionist/internal/cancellation"
)

// meterName is the instrumentation scope of every captionist instrument.
const meterName = "github.com/MrWong99/captionist"

// Outcome values of the "status" attribute.
const (
	StatusOK        = "ok"
	StatusCancelled = "cancelled"
	StatusError     = "error"
)

// Metrics holds the instruments of one meter provider. It is safe for
// concurrent use.
type Metrics struct {
	segmentPhrases  metric.Int64Counter
	segmentDuration metric.Float64Histogram

	timelineUnits      metric.Int64Counter
	timelineOutOfOrder metric.Int64Counter
	queryDuration      metric.Float64Histogram

	recognitionChunks metric.Int64Counter

	translationTexts    metric.Int64Counter
	translationDuration metric.Float64Histogram
	cacheHits           metric.Int64Counter

	activeSessions metric.Int64UpDownCounter
	httpDuration   metric.Float64Histogram
}

// Buckets in seconds. Backend round trips reach tens of seconds; segmenting
// and timeline queries stay in the microsecond range.
var (
	backendBuckets   = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	inProcessBuckets = []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05}
	httpRouteBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
)

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	var errs []error

	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	histogram := func(name, desc string, buckets []float64) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(buckets...),
		)
		errs = append(errs, err)
		return h
	}

	m := &Metrics{
		segmentPhrases:  counter("captionist.segment.phrases", "Phrases produced by the segment builder, by mode."),
		segmentDuration: histogram("captionist.segment.duration", "Time spent segmenting one chunk.", inProcessBuckets),

		timelineUnits:      counter("captionist.timeline.units", "Display units appended to timelines."),
		timelineOutOfOrder: counter("captionist.timeline.out_of_order", "Appends that arrived out of timestamp order."),
		queryDuration:      histogram("captionist.timeline.query.duration", "Latency of timeline point queries.", inProcessBuckets),

		recognitionChunks: counter("captionist.recognition.chunks", "Chunks read from recognition sources, by source and status."),

		translationTexts:    counter("captionist.translation.texts", "Distinct texts sent to translation backends, by backend and status."),
		translationDuration: histogram("captionist.translation.duration", "Latency of one batched backend call, by backend.", backendBuckets),
		cacheHits:           counter("captionist.translation.cache_hits", "Texts served from the translation cache."),

		httpDuration: histogram("captionist.http.request.duration", "API request latency by method, route and status.", httpRouteBuckets),
	}
	var err error
	m.activeSessions, err = meter.Int64UpDownCounter("captionist.active_sessions",
		metric.WithDescription("Sessions currently processing."))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide instance on [otel.GetMeterProvider],
// created on first use. Call it after [InitProvider] so the instruments bind
// to the installed provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// Status classifies err for the "status" attribute.
func Status(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case cancellation.Is(err):
		return StatusCancelled
	default:
		return StatusError
	}
}

// ── Pipeline ─────────────────────────────────────────────────────────────────

// RecordChunk counts one read from a recognition source.
func (m *Metrics) RecordChunk(ctx context.Context, source string, err error) {
	if m == nil {
		return
	}
	m.recognitionChunks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("status", Status(err)),
	))
}

// RecordSegment records one segmentation pass that produced phrases.
func (m *Metrics) RecordSegment(ctx context.Context, mode string, phrases int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	m.segmentPhrases.Add(ctx, int64(phrases), attrs)
	m.segmentDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// ── Timeline ─────────────────────────────────────────────────────────────────

// RecordAppend counts units appended to a timeline and how many of them took
// the sorted-insert path.
func (m *Metrics) RecordAppend(ctx context.Context, added, outOfOrder int) {
	if m == nil {
		return
	}
	m.timelineUnits.Add(ctx, int64(added))
	if outOfOrder > 0 {
		m.timelineOutOfOrder.Add(ctx, int64(outOfOrder))
	}
}

// RecordQuery records the latency of one timeline query.
func (m *Metrics) RecordQuery(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.queryDuration.Record(ctx, elapsed.Seconds())
}

// ── Translation ──────────────────────────────────────────────────────────────

// RecordTranslation records one batched backend call over texts distinct
// strings.
func (m *Metrics) RecordTranslation(ctx context.Context, backend string, texts int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	b := attribute.String("backend", backend)
	m.translationTexts.Add(ctx, int64(texts), metric.WithAttributes(b, attribute.String("status", Status(err))))
	m.translationDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(b))
}

// RecordCacheHits counts texts answered from the translation cache.
func (m *Metrics) RecordCacheHits(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheHits.Add(ctx, int64(n))
}

// ── Sessions and API ─────────────────────────────────────────────────────────

// AddActiveSessions moves the active session gauge by delta.
func (m *Metrics) AddActiveSessions(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, delta)
}

func (m *Metrics) recordRequest(ctx context.Context, method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}
