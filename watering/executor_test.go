package watering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
	"github.com/ZamarianPatrick/lazypig-plantcare/model"
	"github.com/ZamarianPatrick/lazypig-plantcare/notify"
	"github.com/ZamarianPatrick/lazypig-plantcare/store"
)

func newTestExecutor(t *testing.T, cfg ExecutorConfig) (*Executor, *store.Memory, *notify.Recorder) {
	t.Helper()
	mem := store.NewMemory()
	rec := &notify.Recorder{}
	e := NewExecutor(mem, rec, cfg, logx.Nop())
	e.now = func() time.Time { return monday0810 }
	return e, mem, rec
}

func addPlant(t *testing.T, st store.Store, moisture int, lastWatered time.Time) *model.Plant {
	t.Helper()
	p := &model.Plant{OwnerID: 7, Name: "Basil", Type: model.PlantBasil, Active: true, WateringInterval: 24, SoilMoisture: moisture, LastWatered: lastWatered}
	require.NoError(t, st.CreatePlant(context.Background(), p))
	return p
}

func intPtr(v int) *int { return &v }

// Scenario D
func TestStopWateringClampsMoisture(t *testing.T) {
	e, mem, rec := newTestExecutor(t, DefaultExecutorConfig)
	p := addPlant(t, mem, 90, monday0810.Add(-3*time.Hour))

	updated, err := e.StopWatering(context.Background(), 7, p.ID, intPtr(45))
	require.NoError(t, err)
	assert.Equal(t, 100, updated.SoilMoisture)
	assert.True(t, updated.LastWatered.Equal(monday0810))

	withHistory, err := mem.GetPlantWithHistory(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, withHistory.WateringHistory, 1)
	h := withHistory.WateringHistory[0]
	assert.Equal(t, 45, h.DurationSeconds)
	assert.Equal(t, 90, h.MoistureBefore)
	assert.Equal(t, 100, h.MoistureAfter)
	assert.Equal(t, model.SourceManual, h.Source)

	stopped := rec.Of(notify.EventWateringStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, uint64(7), stopped[0].UserID)
	assert.Equal(t, notify.WateringStopped{PlantID: p.ID, PlantName: "Basil", Duration: 45, MoistureAfter: 100}, stopped[0].Payload)
}

func TestStopWateringKeepsFutureLastWatered(t *testing.T) {
	e, mem, _ := newTestExecutor(t, DefaultExecutorConfig)
	ahead := monday0810.Add(3 * time.Hour)
	p := addPlant(t, mem, 40, ahead)

	updated, err := e.StopWatering(context.Background(), 7, p.ID, nil)
	require.NoError(t, err)
	assert.True(t, updated.LastWatered.Equal(ahead), "got %v", updated.LastWatered)
	assert.Equal(t, 60, updated.SoilMoisture)

	withHistory, err := mem.GetPlantWithHistory(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, withHistory.WateringHistory, 1)
	assert.True(t, withHistory.WateringHistory[0].Timestamp.Equal(monday0810))
}

func TestStopWateringDefaultsAndValidation(t *testing.T) {
	e, mem, _ := newTestExecutor(t, DefaultExecutorConfig)
	p := addPlant(t, mem, 40, monday0810.Add(-3*time.Hour))
	ctx := context.Background()

	updated, err := e.StopWatering(ctx, 7, p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 60, updated.SoilMoisture)
	withHistory, err := mem.GetPlantWithHistory(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, withHistory.WateringHistory[0].DurationSeconds)

	_, err = e.StopWatering(ctx, 7, p.ID, intPtr(-1))
	assert.True(t, errors.Is(err, ErrInvalidDuration))

	_, err = e.StopWatering(ctx, 8, p.ID, nil)
	assert.True(t, errors.Is(err, store.ErrNotFound), "other users' plants are invisible")

	_, err = e.StopWatering(ctx, 7, 404, nil)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.Equal(t, 1, mem.Writes())
}

func TestStartWateringOpensSession(t *testing.T) {
	e, mem, rec := newTestExecutor(t, DefaultExecutorConfig)
	p := addPlant(t, mem, 40, monday0810.Add(-3*time.Hour))
	ctx := context.Background()

	_, err := e.StartWatering(ctx, 8, p.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	got, err := e.StartWatering(ctx, 7, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.SoilMoisture)
	assert.Equal(t, 0, mem.Writes(), "start writes nothing")

	s, ok := e.ActiveSession(p.ID)
	require.True(t, ok)
	assert.Equal(t, monday0810, s.StartedAt)
	assert.Equal(t, []notify.Recorded{{UserID: 7, Event: notify.EventWateringStarted, Payload: notify.WateringStarted{PlantID: p.ID, PlantName: "Basil"}}}, rec.Events())

	_, err = e.StopWatering(ctx, 7, p.ID, intPtr(10))
	require.NoError(t, err)
	_, ok = e.ActiveSession(p.ID)
	assert.False(t, ok)
}

func TestWaterScheduledRechecksCooldownUnderLock(t *testing.T) {
	e, mem, rec := newTestExecutor(t, DefaultExecutorConfig)
	p := addPlant(t, mem, 50, monday0810.Add(-2*time.Hour))
	ctx := context.Background()
	w, err := ParseWindow(schedule(t, 3, p.ID, "08:00", "08:30", 1))
	require.NoError(t, err)
	c := Candidate{Schedule: schedule(t, 3, p.ID, "08:00", "08:30", 1), Plant: *p, Window: w}

	// a manual watering lands between the snapshot and the execution
	_, err = e.StopWatering(ctx, 7, p.ID, nil)
	require.NoError(t, err)

	_, err = e.WaterScheduled(ctx, c, monday0810)
	assert.True(t, errors.Is(err, ErrCooldown), "got %v", err)
	assert.Empty(t, rec.Of(notify.EventScheduleWateringCompleted))
	assert.Equal(t, 1, mem.Writes())
}

func TestConcurrentManualWateringsSerialize(t *testing.T) {
	cfg := DefaultExecutorConfig
	cfg.ManualDelta = 1
	e, mem, _ := newTestExecutor(t, cfg)
	p := addPlant(t, mem, 0, monday0810.Add(-3*time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.StopWatering(context.Background(), 7, p.ID, intPtr(5))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := mem.GetPlantWithHistory(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.SoilMoisture, "no update may be lost")
	assert.Len(t, got.WateringHistory, 20)
	for i, h := range got.WateringHistory {
		assert.Equal(t, i, h.MoistureBefore)
		assert.Equal(t, i+1, h.MoistureAfter)
	}
	assert.Equal(t, 0, e.locks.size())
}

func TestClampMoisture(t *testing.T) {
	assert.Equal(t, 100, clampMoisture(115))
	assert.Equal(t, 100, clampMoisture(100))
	assert.Equal(t, 65, clampMoisture(65))
	assert.Equal(t, 0, clampMoisture(-3))
}
