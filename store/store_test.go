package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
	"github.com/ZamarianPatrick/lazypig-plantcare/model"
)

func newGormTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "plantcare.db"), LogLevel: "silent"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newMemoryTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	return st
}

// forEachStore runs fn against every backend so both honour the same contract.
func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newGormTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, newMemoryTestStore(t)) })
}

func seedPlant(t *testing.T, st Store, mutate ...func(p *model.Plant)) *model.Plant {
	t.Helper()
	p := model.NewPlant(7, "Cherry Tomato", model.PlantTomato)
	p.LastWatered = time.Date(2026, 10, 12, 6, 0, 0, 0, time.UTC)
	for _, m := range mutate {
		m(p)
	}
	require.NoError(t, st.CreatePlant(context.Background(), p))
	return p
}

func wateringAt(at time.Time, before, after int) Watering {
	return Watering{Event: model.WateringEvent{
		Source:          model.SourceSchedule,
		Timestamp:       at,
		DurationSeconds: 1800,
		MoistureBefore:  before,
		MoistureAfter:   after,
	}}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
}

func TestListActivePlantsSkipsInactive(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		active := seedPlant(t, st)
		seedPlant(t, st, func(p *model.Plant) { p.Name = "Dormant"; p.Active = false })

		plants, err := st.ListActivePlants(context.Background())
		require.NoError(t, err)
		require.Len(t, plants, 1)
		assert.Equal(t, active.ID, plants[0].ID)
	})
}

func TestGetPlantNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		_, err := st.GetPlant(context.Background(), 404)
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestRecordWateringAppliesAllFieldsTogether(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		p := seedPlant(t, st)
		at := time.Date(2026, 10, 12, 8, 10, 0, 0, time.UTC)

		updated, err := st.RecordWatering(ctx, p.ID, p.Version, wateringAt(at, 50, 65))
		require.NoError(t, err)
		assert.Equal(t, 65, updated.SoilMoisture)
		assert.True(t, updated.LastWatered.Equal(at))
		assert.Equal(t, p.Version+1, updated.Version)

		withHistory, err := st.GetPlantWithHistory(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, withHistory.WateringHistory, 1)
		h := withHistory.WateringHistory[0]
		assert.Equal(t, 1800, h.DurationSeconds)
		assert.Equal(t, 50, h.MoistureBefore)
		assert.Equal(t, 65, h.MoistureAfter)
		assert.Equal(t, p.ID, h.PlantID)
	})
}

func TestRecordWateringNeverMovesLastWateredBackwards(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ahead := time.Date(2026, 10, 12, 11, 0, 0, 0, time.UTC)
		p := seedPlant(t, st, func(p *model.Plant) { p.LastWatered = ahead })
		at := time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)

		updated, err := st.RecordWatering(ctx, p.ID, p.Version, wateringAt(at, 50, 70))
		require.NoError(t, err)
		assert.True(t, updated.LastWatered.Equal(ahead), "got %v", updated.LastWatered)
		assert.Equal(t, 70, updated.SoilMoisture)

		withHistory, err := st.GetPlantWithHistory(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, withHistory.WateringHistory, 1)
		assert.True(t, withHistory.WateringHistory[0].Timestamp.Equal(at), "history keeps the real time")
	})
}

func TestCreatePlantKeepsRegistrationDefaults(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		p := model.NewPlant(1, "Fresh", model.PlantBasil)
		require.NoError(t, st.CreatePlant(ctx, p))

		got, err := st.GetPlant(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, got.Active)
		assert.Equal(t, model.DefaultSoilMoisture, got.SoilMoisture)
		assert.Equal(t, model.DefaultTemperature, got.Temperature)
		assert.Equal(t, model.DefaultHumidity, got.Humidity)
		assert.Equal(t, model.DefaultWateringInterval, got.WateringInterval)

		plants, err := st.ListActivePlants(ctx)
		require.NoError(t, err)
		assert.Len(t, plants, 1)
	})
}

func TestRecordWateringStaleVersionConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		p := seedPlant(t, st)
		at := time.Date(2026, 10, 12, 8, 10, 0, 0, time.UTC)

		_, err := st.RecordWatering(ctx, p.ID, p.Version, wateringAt(at, 50, 65))
		require.NoError(t, err)

		_, err = st.RecordWatering(ctx, p.ID, p.Version, wateringAt(at.Add(time.Minute), 65, 80))
		assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

		withHistory, err := st.GetPlantWithHistory(ctx, p.ID)
		require.NoError(t, err)
		assert.Len(t, withHistory.WateringHistory, 1, "a lost write must not leave a history entry")
		assert.Equal(t, 65, withHistory.SoilMoisture)
	})
}

func TestRecordWateringMissingPlant(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		_, err := st.RecordWatering(context.Background(), 99, 0, wateringAt(time.Now(), 10, 25))
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})
}

func TestRecordWateringMarkerClosesWindowOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		p := seedPlant(t, st)
		at := time.Date(2026, 10, 12, 8, 10, 0, 0, time.UTC)

		fired, err := st.WindowFired(ctx, 3, "2026-10-12")
		require.NoError(t, err)
		assert.False(t, fired)

		w := wateringAt(at, 50, 65)
		w.Marker = &model.WindowMarker{ScheduleID: 3, Day: "2026-10-12", FiredAt: at}
		updated, err := st.RecordWatering(ctx, p.ID, p.Version, w)
		require.NoError(t, err)

		fired, err = st.WindowFired(ctx, 3, "2026-10-12")
		require.NoError(t, err)
		assert.True(t, fired)

		w2 := wateringAt(at.Add(2*time.Hour), 65, 80)
		w2.Marker = &model.WindowMarker{ScheduleID: 3, Day: "2026-10-12", FiredAt: at}
		_, err = st.RecordWatering(ctx, p.ID, updated.Version, w2)
		assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

		current, err := st.GetPlant(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 65, current.SoilMoisture, "rolled back write must not touch the plant")
	})
}

func TestUpdateEnvironmentLeavesWateringFields(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		p := seedPlant(t, st)

		require.NoError(t, st.UpdateEnvironment(ctx, p.ID, 25, 70))
		got, err := st.GetPlant(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 25, got.Temperature)
		assert.Equal(t, 70, got.Humidity)
		assert.Equal(t, 50, got.SoilMoisture)
		assert.Equal(t, p.Version, got.Version)

		assert.True(t, errors.Is(st.UpdateEnvironment(ctx, 999, 1, 1), ErrNotFound))
	})
}

func TestListActiveSchedules(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		p := seedPlant(t, st)

		on := &model.WateringSchedule{OwnerID: 7, PlantID: p.ID, StartTime: "08:00", EndTime: "08:30", Active: true}
		require.NoError(t, on.SetDays([]int{1, 1, 3}))
		off := &model.WateringSchedule{OwnerID: 7, PlantID: p.ID, StartTime: "18:00", EndTime: "18:30"}
		require.NoError(t, st.CreateSchedule(ctx, on))
		require.NoError(t, st.CreateSchedule(ctx, off))

		schedules, err := st.ListActiveSchedules(ctx)
		require.NoError(t, err)
		require.Len(t, schedules, 1)
		assert.Equal(t, on.ID, schedules[0].ID)

		days, err := schedules[0].Days()
		require.NoError(t, err)
		assert.Equal(t, []int{1, 3}, days)
	})
}

func TestCreateScheduleDefaultsToEveryDay(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		p := seedPlant(t, st)
		s := &model.WateringSchedule{PlantID: p.ID, StartTime: "06:00", EndTime: "07:00", Active: true}
		require.NoError(t, st.CreateSchedule(ctx, s))

		schedules, err := st.ListActiveSchedules(ctx)
		require.NoError(t, err)
		require.Len(t, schedules, 1)
		days, err := schedules[0].Days()
		require.NoError(t, err)
		assert.Equal(t, model.AllDays, days)
	})
}

func TestCreateScheduleKeepsExplicitEmptyDays(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		p := seedPlant(t, st)
		s := &model.WateringSchedule{PlantID: p.ID, StartTime: "06:00", EndTime: "07:00", Active: true}
		require.NoError(t, s.SetDays([]int{}))
		require.NoError(t, st.CreateSchedule(ctx, s))

		schedules, err := st.ListActiveSchedules(ctx)
		require.NoError(t, err)
		require.Len(t, schedules, 1)
		days, err := schedules[0].Days()
		require.NoError(t, err)
		assert.Empty(t, days)
	})
}

// Concurrent writers holding the same version: exactly one wins.
func TestRecordWateringConcurrentSameVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		p := seedPlant(t, st)
		at := time.Date(2026, 10, 12, 8, 10, 0, 0, time.UTC)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			ok        int
			conflicts int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := st.RecordWatering(ctx, p.ID, p.Version, wateringAt(at.Add(time.Duration(i)*time.Second), 50, 70))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, ErrConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, ok)
		assert.Equal(t, 7, conflicts)

		withHistory, err := st.GetPlantWithHistory(ctx, p.ID)
		require.NoError(t, err)
		assert.Len(t, withHistory.WateringHistory, 1)
	})
}
