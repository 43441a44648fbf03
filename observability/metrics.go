// Package observability exposes the scheduler's counters as OpenTelemetry
// metrics, scraped through a Prometheus endpoint.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/ZamarianPatrick/lazypig-plantcare"

// Metrics holds the instruments of one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider
	handler  http.Handler

	cycles    metric.Int64Counter
	waterings metric.Int64Counter
	skips     metric.Int64Counter
	failures  metric.Int64Counter
	dropped   metric.Int64Counter

	overdue   atomic.Int64
	lastCycle atomic.Int64
}

// NewMetrics builds a meter provider backed by its own Prometheus registry.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	m := &Metrics{
		registry: registry,
		provider: provider,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	if err := m.register(provider.Meter(meterName)); err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, err
	}
	return m, nil
}

func (m *Metrics) register(meter metric.Meter) error {
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.cycles, "plantcare_cycles", "Evaluation cycles by outcome"},
		{&m.waterings, "plantcare_waterings", "Waterings written, by source"},
		{&m.skips, "plantcare_skips", "Entities left out of a cycle, by reason"},
		{&m.failures, "plantcare_failures", "Entities whose watering failed, by reason"},
		{&m.dropped, "plantcare_notifications_dropped", "Notifications dropped, by sink"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return fmt.Errorf("registering %s: %w", c.name, err)
		}
	}

	_, err = meter.Int64ObservableGauge("plantcare_overdue_plants",
		metric.WithDescription("Plants found overdue by the last cycle"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.overdue.Load())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("registering plantcare_overdue_plants: %w", err)
	}

	_, err = meter.Int64ObservableGauge("plantcare_last_cycle_timestamp_seconds",
		metric.WithDescription("Unix time the last successful cycle finished"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			if at := m.lastCycle.Load(); at > 0 {
				o.Observe(at)
			}
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("registering plantcare_last_cycle_timestamp_seconds: %w", err)
	}
	return nil
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

func (m *Metrics) Provider() metric.MeterProvider {
	return m.provider
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// CycleDone records a finished cycle. overdue is only kept for cycles that
// succeeded.
func (m *Metrics) CycleDone(ctx context.Context, at time.Time, overdue int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	} else {
		m.overdue.Store(int64(overdue))
		m.lastCycle.Store(at.Unix())
	}
	m.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) Watered(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.waterings.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) Skipped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.skips.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) Failed(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) Dropped(ctx context.Context, sink string) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

// Value returns the current value of the series name with the given label
// pairs, summed over series that differ in other labels. Counters are found
// with or without their _total suffix.
func (m *Metrics) Value(name string, labels ...string) float64 {
	if m == nil {
		return 0
	}
	families, err := m.registry.Gather()
	if err != nil {
		return 0
	}
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name && mf.GetName() != name+"_total" {
			continue
		}
		for _, series := range mf.GetMetric() {
			if !hasLabels(series, labels) {
				continue
			}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				sum += series.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				sum += series.GetGauge().GetValue()
			}
		}
	}
	return sum
}

func hasLabels(series *dto.Metric, pairs []string) bool {
	for i := 0; i+1 < len(pairs); i += 2 {
		found := false
		for _, lp := range series.GetLabel() {
			if lp.GetName() == pairs[i] && lp.GetValue() == pairs[i+1] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
