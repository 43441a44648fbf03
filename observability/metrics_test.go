package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func TestMetricsHandlerServesCounters(t *testing.T) {
	m := newTestMetrics(t)
	ctx := context.Background()
	m.Watered(ctx, "schedule")
	m.Dropped(ctx, "hub")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "plantcare_waterings")
	assert.Contains(t, rr.Body.String(), `sink="hub"`)
}

func TestMetricsValueByLabel(t *testing.T) {
	m := newTestMetrics(t)
	ctx := context.Background()
	m.Watered(ctx, "schedule")
	m.Watered(ctx, "schedule")
	m.Watered(ctx, "manual")
	m.Skipped(ctx, "cooldown")

	assert.Equal(t, 2.0, m.Value("plantcare_waterings", "source", "schedule"))
	assert.Equal(t, 3.0, m.Value("plantcare_waterings"))
	assert.Equal(t, 1.0, m.Value("plantcare_skips", "reason", "cooldown"))
	assert.Equal(t, 0.0, m.Value("plantcare_skips", "reason", "conflict"))
}

func TestMetricsCycleGauges(t *testing.T) {
	m := newTestMetrics(t)
	ctx := context.Background()
	at := time.Date(2026, 10, 12, 8, 10, 0, 0, time.UTC)

	m.CycleDone(ctx, at, 3, nil)
	m.CycleDone(ctx, at.Add(time.Minute), 9, errors.New("store unreachable"))

	assert.Equal(t, 1.0, m.Value("plantcare_cycles", "outcome", "ok"))
	assert.Equal(t, 1.0, m.Value("plantcare_cycles", "outcome", "failed"))
	assert.Equal(t, 3.0, m.Value("plantcare_overdue_plants"), "a failed cycle keeps the last count")
	assert.Equal(t, float64(at.Unix()), m.Value("plantcare_last_cycle_timestamp_seconds"))
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.Watered(context.Background(), "manual")
	m.CycleDone(context.Background(), time.Now(), 1, nil)
	assert.Equal(t, 0.0, m.Value("plantcare_waterings"))
	assert.NoError(t, m.Shutdown(context.Background()))
}
