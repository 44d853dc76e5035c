package observability

import (
	"context"
	"time"

	"github.com/Harvey-AU/docpipe/internal/monitor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

func initWorkerInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter("docpipe/worker")

	var err error
	if stageDuration, err = meter.Float64Histogram(
		"docpipe.worker.stage.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to run one pipeline stage for a job"),
	); err != nil {
		return err
	}
	if stageTotal, err = meter.Int64Counter(
		"docpipe.worker.stage.total",
		metric.WithDescription("Counts stage outcomes processed by the worker"),
	); err != nil {
		return err
	}
	if embeddingTotal, err = meter.Int64Counter(
		"docpipe.worker.embeddings.total",
		metric.WithDescription("Embeddings written, by insert result"),
	); err != nil {
		return err
	}
	if breakerOpen, err = meter.Int64Gauge(
		"docpipe.worker.breaker.open",
		metric.WithDescription("1 while the worker circuit breaker is open"),
	); err != nil {
		return err
	}
	if rateLimitWaitMs, err = meter.Float64Histogram(
		"docpipe.ratelimit.wait_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time spent waiting for rate limiter capacity"),
	); err != nil {
		return err
	}
	if activeTasks, err = meter.Int64Gauge(
		"docpipe.monitor.active_tasks",
		metric.WithDescription("Goroutines observed by the resource monitor"),
	); err != nil {
		return err
	}
	if threadCount, err = meter.Int64Gauge(
		"docpipe.monitor.thread_count",
		metric.WithDescription("OS threads observed by the resource monitor"),
	); err != nil {
		return err
	}
	if semaphoreUsage, err = meter.Int64Gauge(
		"docpipe.monitor.semaphore_usage",
		metric.WithDescription("Held permits per registered semaphore"),
	); err != nil {
		return err
	}
	if poolSize, err = meter.Int64Gauge(
		"docpipe.monitor.pool_size",
		metric.WithDescription("Open connections per registered pool"),
	); err != nil {
		return err
	}
	resourceAlerts, err = meter.Int64Counter(
		"docpipe.monitor.alerts.total",
		metric.WithDescription("Resource threshold alerts raised by the monitor"),
	)
	return err
}

// StageSpanInfo describes the attributes used when starting a stage span.
type StageSpanInfo struct {
	JobID      string
	DocumentID string
	Stage      string
	RetryCount int
}

// StageMetrics describes a processed stage for metric recording.
type StageMetrics struct {
	Stage    string
	Outcome  string
	Duration time.Duration
}

// StartStageSpan starts a span for one stage of one job.
func StartStageSpan(ctx context.Context, info StageSpanInfo) (context.Context, trace.Span) {
	t := workerTracer
	if t == nil {
		t = otel.Tracer("docpipe/worker")
	}

	return t.Start(ctx, "worker.stage."+info.Stage, trace.WithAttributes(
		attribute.String("job.id", info.JobID),
		attribute.String("document.id", info.DocumentID),
		attribute.String("job.stage", info.Stage),
		attribute.Int("job.retry_count", info.RetryCount),
	))
}

// RecordStage emits stage metrics when instrumentation is initialised.
func RecordStage(ctx context.Context, m StageMetrics) {
	attrs := metric.WithAttributes(attribute.String("job.stage", m.Stage), attribute.String("stage.outcome", m.Outcome))
	if stageDuration != nil {
		stageDuration.Record(ctx, float64(m.Duration.Milliseconds()), attrs)
	}
	if stageTotal != nil {
		stageTotal.Add(ctx, 1, attrs)
	}
}

// RecordEmbeddings counts embeddings written with the given insert result.
func RecordEmbeddings(ctx context.Context, result string, n int) {
	if embeddingTotal != nil && n > 0 {
		embeddingTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("insert.result", result)))
	}
}

// RecordBreakerState records whether the worker breaker is open.
func RecordBreakerState(ctx context.Context, open bool) {
	if breakerOpen == nil {
		return
	}
	var v int64
	if open {
		v = 1
	}
	breakerOpen.Record(ctx, v)
}

// RecordRateLimitWait records time spent in a limiter's Acquire.
func RecordRateLimitWait(ctx context.Context, target string, wait time.Duration) {
	if rateLimitWaitMs != nil {
		rateLimitWaitMs.Record(ctx, float64(wait.Milliseconds()), metric.WithAttributes(attribute.String("ratelimit.target", target)))
	}
}

// MonitorRecorder exports resource monitor snapshots as gauges.
type MonitorRecorder struct{}

var _ monitor.Recorder = MonitorRecorder{}

// RecordResourceSnapshot implements monitor.Recorder.
func (MonitorRecorder) RecordResourceSnapshot(ctx context.Context, m monitor.ResourceMetrics) {
	if activeTasks != nil {
		activeTasks.Record(ctx, int64(m.ActiveTasks))
	}
	if threadCount != nil {
		threadCount.Record(ctx, int64(m.ThreadCount))
	}
	if semaphoreUsage != nil {
		for name, held := range m.SemaphoreUsage {
			semaphoreUsage.Record(ctx, int64(held), metric.WithAttributes(attribute.String("semaphore", name)))
		}
	}
	if poolSize != nil {
		for name, size := range m.ConnectionPoolUsage {
			poolSize.Record(ctx, int64(size), metric.WithAttributes(attribute.String("pool", name)))
		}
	}
}

// RecordResourceAlert implements monitor.Recorder.
func (MonitorRecorder) RecordResourceAlert(ctx context.Context, a monitor.Alert) {
	if resourceAlerts != nil {
		resourceAlerts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("resource", a.Resource),
			attribute.String("kind", a.Kind),
		))
	}
}
