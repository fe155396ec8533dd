package server

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"pact/internal/domain"
)

const defaultTraceCapacity = 200

// traceRecorder keeps the most recent root spans in memory and serves them
// as the agent telemetry endpoints.
type traceRecorder struct {
	mu       sync.Mutex
	capacity int
	traces   []domain.TraceSummary
	total    int64
	success  int64
	duration float64
	byName   map[string]int64
}

var _ sdktrace.SpanProcessor = (*traceRecorder)(nil)

func newTraceRecorder(capacity int) *traceRecorder {
	if capacity <= 0 {
		capacity = defaultTraceCapacity
	}
	return &traceRecorder{capacity: capacity, byName: make(map[string]int64)}
}

// newTracerProvider returns a provider whose root spans land in rec.
func newTracerProvider(rec *traceRecorder) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(rec),
	)
}

func (r *traceRecorder) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (r *traceRecorder) OnEnd(s sdktrace.ReadOnlySpan) {
	if s.Parent().IsValid() {
		return
	}
	status := "success"
	if s.Status().Code == codes.Error {
		status = "error"
	}
	d := s.EndTime().Sub(s.StartTime()).Seconds()
	summary := domain.TraceSummary{
		ID:        s.SpanContext().TraceID().String(),
		Name:      s.Name(),
		StartTime: s.StartTime().UTC().Format(time.RFC3339Nano),
		Duration:  d,
		Status:    status,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traces = append(r.traces, summary)
	if len(r.traces) > r.capacity {
		r.traces = r.traces[len(r.traces)-r.capacity:]
	}
	r.total++
	if status == "success" {
		r.success++
	}
	r.duration += d
	r.byName[s.Name()]++
}

func (r *traceRecorder) Shutdown(context.Context) error   { return nil }
func (r *traceRecorder) ForceFlush(context.Context) error { return nil }

// Recent returns up to limit traces, newest first.
func (r *traceRecorder) Recent(limit int) []domain.TraceSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TraceSummary, 0, len(r.traces))
	for i := len(r.traces) - 1; i >= 0; i-- {
		out = append(out, r.traces[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (r *traceRecorder) Stats() domain.TelemetryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := domain.TelemetryStats{TotalTraces: r.total, ByName: make(map[string]int64, len(r.byName))}
	if r.total > 0 {
		stats.SuccessRate = float64(r.success) / float64(r.total)
		stats.AvgDuration = r.duration / float64(r.total)
	}
	for name, n := range r.byName {
		stats.ByName[name] = n
	}
	return stats
}

func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
