// Package store persists plants, their watering history and watering
// schedules.
//
// Two backends exist: "sqlite" (gorm, the default) and "memory", which keeps
// everything in process and is used by tests and dry runs.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
	"github.com/ZamarianPatrick/lazypig-plantcare/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional watering write lost against a
	// concurrent one. The caller retries on its next pass.
	ErrConflict = errors.New("write conflict")
)

type Config struct {
	Driver   string
	Path     string
	LogLevel string
}

// Watering is the scheduler-owned part of a plant update: the new history
// entry (which also carries the new moisture and timestamp) and, in strict
// window mode, the marker that closes the window for the day.
type Watering struct {
	Event model.WateringEvent
	// LastWatered is the plant's new last-watered time. Zero means
	// Event.Timestamp. It is never moved backwards.
	LastWatered time.Time
	Marker      *model.WindowMarker
}

// lastWatered resolves the last-watered time a watering leaves behind on a
// plant that was last watered at current.
func (w Watering) lastWatered(current time.Time) time.Time {
	at := w.LastWatered
	if at.IsZero() {
		at = w.Event.Timestamp
	}
	if current.After(at) {
		return current
	}
	return at
}

type Store interface {
	CreatePlant(ctx context.Context, p *model.Plant) error
	CreateSchedule(ctx context.Context, s *model.WateringSchedule) error

	ListActivePlants(ctx context.Context) ([]model.Plant, error)
	GetPlant(ctx context.Context, id uint64) (*model.Plant, error)
	GetPlantWithHistory(ctx context.Context, id uint64) (*model.Plant, error)

	// RecordWatering atomically sets last_watered and soil_moisture from
	// w, never moving last_watered backwards, bumps the plant version, appends w.Event to the history and
	// stores w.Marker. It only applies when the stored version still equals
	// expectedVersion, otherwise ErrConflict. Either everything is written or
	// nothing is.
	RecordWatering(ctx context.Context, plantID, expectedVersion uint64, w Watering) (*model.Plant, error)

	// UpdateEnvironment writes the informational sensor readings only.
	UpdateEnvironment(ctx context.Context, plantID uint64, temperature, humidity int) error

	ListActiveSchedules(ctx context.Context) ([]model.WateringSchedule, error)
	WindowFired(ctx context.Context, scheduleID uint64, day string) (bool, error)

	Close() error
}

func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return OpenGorm(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
