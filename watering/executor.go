package watering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
	"github.com/ZamarianPatrick/lazypig-plantcare/model"
	"github.com/ZamarianPatrick/lazypig-plantcare/notify"
	"github.com/ZamarianPatrick/lazypig-plantcare/observability"
	"github.com/ZamarianPatrick/lazypig-plantcare/store"
)

const maxMoisture = 100

type ExecutorConfig struct {
	// ScheduleDelta and ManualDelta are the moisture points added by a
	// scheduled and a manual watering.
	ScheduleDelta int
	ManualDelta   int
	// DefaultManualDuration in seconds, used when a stop carries none.
	DefaultManualDuration int
	Cooldown              time.Duration
	// StrictWindow closes a window for the rest of the day once it watered.
	StrictWindow bool
}

var DefaultExecutorConfig = ExecutorConfig{
	ScheduleDelta:         15,
	ManualDelta:           20,
	DefaultManualDuration: 30,
	Cooldown:              time.Hour,
}

// Session is a manual watering that was started and not stopped yet.
type Session struct {
	PlantID   uint64    `json:"plantId"`
	UserID    uint64    `json:"userId"`
	StartedAt time.Time `json:"startedAt"`
}

// Executor applies waterings to plants. Every mutation of a plant happens
// under that plant's lock and goes through the store's conditional write.
type Executor struct {
	plants   PlantStore
	notifier notify.Sink
	metrics  *observability.Metrics
	locks    *lockTable
	log      logx.Logger
	now      func() time.Time

	mu  sync.RWMutex
	cfg ExecutorConfig

	smu      sync.Mutex
	sessions map[uint64]Session
}

func NewExecutor(plants PlantStore, notifier notify.Sink, cfg ExecutorConfig, log logx.Logger) *Executor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		plants:   plants,
		notifier: notifier,
		locks:    newLockTable(),
		log:      log,
		now:      time.Now,
		cfg:      cfg,
		sessions: make(map[uint64]Session),
	}
}

func (e *Executor) Config() ExecutorConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Apply swaps the configuration; in-flight waterings keep the old one.
func (e *Executor) Apply(cfg ExecutorConfig) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func clampMoisture(v int) int {
	if v > maxMoisture {
		return maxMoisture
	}
	if v < 0 {
		return 0
	}
	return v
}

// WaterScheduled completes the window of c at now. The plant is re-read under
// its lock and the cooldown checked again against the fresh row, so a
// watering that landed since the cycle's snapshot wins.
func (e *Executor) WaterScheduled(ctx context.Context, c Candidate, now time.Time) (*model.Plant, error) {
	cfg := e.Config()

	unlock := e.locks.Lock(c.Plant.ID)
	defer unlock()

	p, err := e.plants.GetPlant(ctx, c.Plant.ID)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, ErrMissingReference
	}
	if !cooledDown(now, p.LastWatered, cfg.Cooldown) {
		return nil, ErrCooldown
	}

	w := store.Watering{Event: model.WateringEvent{
		ScheduleID:      c.Schedule.ID,
		Source:          model.SourceSchedule,
		Timestamp:       now,
		DurationSeconds: c.Window.DurationSeconds(),
		MoistureBefore:  p.SoilMoisture,
		MoistureAfter:   clampMoisture(p.SoilMoisture + cfg.ScheduleDelta),
	}}
	if cfg.StrictWindow {
		w.Marker = &model.WindowMarker{ScheduleID: c.Schedule.ID, Day: Day(now), FiredAt: now}
	}

	updated, err := e.plants.RecordWatering(ctx, p.ID, p.Version, w)
	if err != nil {
		return nil, err
	}
	e.metrics.Watered(ctx, string(model.SourceSchedule))

	e.log.Info("scheduled watering completed",
		logx.Uint64("schedule", c.Schedule.ID), logx.Uint64("plant", p.ID),
		logx.Int("moisture_before", w.Event.MoistureBefore), logx.Int("moisture_after", updated.SoilMoisture))
	e.notifier.Publish(c.Schedule.OwnerID, notify.EventScheduleWateringCompleted, notify.ScheduleWateringCompleted{
		ScheduleID: c.Schedule.ID,
		PlantID:    p.ID,
		PlantName:  p.Name,
		Duration:   w.Event.DurationSeconds,
	})
	return updated, nil
}

// ownedPlant loads the plant and hides plants of other users behind
// store.ErrNotFound.
func (e *Executor) ownedPlant(ctx context.Context, userID, plantID uint64) (*model.Plant, error) {
	p, err := e.plants.GetPlant(ctx, plantID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != userID {
		return nil, fmt.Errorf("plant %d of user %d: %w", plantID, userID, store.ErrNotFound)
	}
	return p, nil
}

// StartWatering opens a manual watering session. Nothing is written until
// the watering is stopped.
func (e *Executor) StartWatering(ctx context.Context, userID, plantID uint64) (*model.Plant, error) {
	unlock := e.locks.Lock(plantID)
	defer unlock()

	p, err := e.ownedPlant(ctx, userID, plantID)
	if err != nil {
		return nil, err
	}

	e.smu.Lock()
	e.sessions[plantID] = Session{PlantID: plantID, UserID: userID, StartedAt: e.now()}
	e.smu.Unlock()

	e.log.Info("manual watering started", logx.Uint64("plant", plantID), logx.Uint64("user", userID))
	e.notifier.Publish(userID, notify.EventWateringStarted, notify.WateringStarted{PlantID: p.ID, PlantName: p.Name})
	return p, nil
}

// StopWatering records a manual watering of duration seconds, or the
// configured default when duration is nil. Stopping without a prior start is
// allowed.
func (e *Executor) StopWatering(ctx context.Context, userID, plantID uint64, duration *int) (*model.Plant, error) {
	cfg := e.Config()
	secs := cfg.DefaultManualDuration
	if duration != nil {
		secs = *duration
	}
	if secs < 0 {
		return nil, fmt.Errorf("%w: %d seconds", ErrInvalidDuration, secs)
	}

	unlock := e.locks.Lock(plantID)
	defer unlock()

	p, err := e.ownedPlant(ctx, userID, plantID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	w := store.Watering{Event: model.WateringEvent{
		Source:          model.SourceManual,
		Timestamp:       now,
		DurationSeconds: secs,
		MoistureBefore:  p.SoilMoisture,
		MoistureAfter:   clampMoisture(p.SoilMoisture + cfg.ManualDelta),
	}}
	updated, err := e.plants.RecordWatering(ctx, p.ID, p.Version, w)
	if err != nil {
		return nil, err
	}
	e.metrics.Watered(ctx, string(model.SourceManual))

	e.smu.Lock()
	delete(e.sessions, plantID)
	e.smu.Unlock()

	e.log.Info("manual watering stopped",
		logx.Uint64("plant", plantID), logx.Uint64("user", userID),
		logx.Int("duration", secs), logx.Int("moisture_after", updated.SoilMoisture))
	e.notifier.Publish(userID, notify.EventWateringStopped, notify.WateringStopped{
		PlantID:       p.ID,
		PlantName:     p.Name,
		Duration:      secs,
		MoistureAfter: updated.SoilMoisture,
	})
	return updated, nil
}

// ActiveSession returns the running manual session of a plant, if any.
func (e *Executor) ActiveSession(plantID uint64) (Session, bool) {
	e.smu.Lock()
	defer e.smu.Unlock()
	s, ok := e.sessions[plantID]
	return s, ok
}

// transient reports errors that are expected to clear up by the next cycle.
func transient(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, ErrCooldown)
}
