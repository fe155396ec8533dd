package community

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"pact/internal/domain"
	"pact/internal/poll"
)

type TelemetrySource interface {
	TelemetryStats(ctx context.Context) (domain.TelemetryStats, error)
	Traces(ctx context.Context) ([]domain.TraceSummary, error)
}

type TelemetryView struct {
	Stats     *domain.TelemetryStats
	Traces    []domain.TraceSummary
	UpdatedAt time.Time
}

// Telemetry polls agent trace statistics and recent traces together.
type Telemetry struct {
	src      TelemetrySource
	interval time.Duration
	log      *zap.Logger
	update   func()

	ctlMu  sync.Mutex
	poller *poll.Poller

	mu   sync.Mutex
	view TelemetryView
}

func NewTelemetry(src TelemetrySource, opts ...Option) *Telemetry {
	o := buildOptions(DefaultTelemetryInterval, opts)
	return &Telemetry{src: src, interval: o.interval, log: o.log, update: o.update}
}

func (t *Telemetry) Start(ctx context.Context) {
	t.ctlMu.Lock()
	defer t.ctlMu.Unlock()
	t.poller.Stop()
	t.poller = poll.Start(ctx, t.interval, t.Refresh)
}

// Refresh fetches stats and traces once. Each half keeps its previous value
// when its request fails.
func (t *Telemetry) Refresh(ctx context.Context) {
	stats, statsErr := t.src.TelemetryStats(ctx)
	traces, tracesErr := t.src.Traces(ctx)
	if ctx.Err() != nil {
		return
	}
	if statsErr != nil {
		t.log.Warn("telemetry stats poll failed", zap.Error(statsErr))
	}
	if tracesErr != nil {
		t.log.Warn("telemetry traces poll failed", zap.Error(tracesErr))
	}
	if statsErr != nil && tracesErr != nil {
		return
	}
	t.mu.Lock()
	if statsErr == nil {
		t.view.Stats = &stats
	}
	if tracesErr == nil {
		t.view.Traces = traces
	}
	t.view.UpdatedAt = time.Now()
	t.mu.Unlock()
	if t.update != nil {
		t.update()
	}
}

func (t *Telemetry) View() TelemetryView {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.view
	if v.Stats != nil {
		s := *v.Stats
		v.Stats = &s
	}
	v.Traces = append([]domain.TraceSummary(nil), v.Traces...)
	return v
}

func (t *Telemetry) Close() {
	t.ctlMu.Lock()
	defer t.ctlMu.Unlock()
	t.poller.Stop()
	t.poller = nil
}
