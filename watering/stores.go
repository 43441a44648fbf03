package watering

import (
	"context"

	"github.com/ZamarianPatrick/lazypig-plantcare/model"
	"github.com/ZamarianPatrick/lazypig-plantcare/store"
)

// PlantStore is the part of the plant store the scheduler reads and writes.
// GetPlant returns store.ErrNotFound for unknown ids, RecordWatering returns
// store.ErrConflict when the expected version is stale.
type PlantStore interface {
	ListActivePlants(ctx context.Context) ([]model.Plant, error)
	GetPlant(ctx context.Context, id uint64) (*model.Plant, error)
	RecordWatering(ctx context.Context, plantID, expectedVersion uint64, w store.Watering) (*model.Plant, error)
}

type ScheduleStore interface {
	ListActiveSchedules(ctx context.Context) ([]model.WateringSchedule, error)
}

type MarkerStore interface {
	WindowFired(ctx context.Context, scheduleID uint64, day string) (bool, error)
}

// Store is everything the scheduler needs, satisfied by store.Store.
type Store interface {
	PlantStore
	ScheduleStore
	MarkerStore
}
