package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ZamarianPatrick/lazypig-plantcare/model"
)

// Memory is an in-process Store. Records are copied on the way in and out so
// callers never share state with the store.
type Memory struct {
	mu sync.RWMutex

	plantSeq    uint64
	scheduleSeq uint64
	eventSeq    uint64

	plants    map[uint64]*model.Plant
	schedules map[uint64]*model.WateringSchedule
	markers   map[string]model.WindowMarker

	// writes counts successful watering writes; tests use it to assert idempotence.
	writes int
}

func NewMemory() *Memory {
	return &Memory{
		plants:    map[uint64]*model.Plant{},
		schedules: map[uint64]*model.WateringSchedule{},
		markers:   map[string]model.WindowMarker{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func (m *Memory) CreatePlant(ctx context.Context, p *model.Plant) error {
	if err := p.BeforeCreate(nil); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		m.plantSeq++
		p.ID = m.plantSeq
	} else if p.ID > m.plantSeq {
		m.plantSeq = p.ID
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	cp := copyPlant(p, true)
	m.plants[p.ID] = &cp
	return nil
}

func (m *Memory) CreateSchedule(ctx context.Context, s *model.WateringSchedule) error {
	if err := s.BeforeCreate(nil); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		m.scheduleSeq++
		s.ID = m.scheduleSeq
	} else if s.ID > m.scheduleSeq {
		m.scheduleSeq = s.ID
	}
	cp := *s
	cp.DaysOfWeek = append(cp.DaysOfWeek[:0:0], s.DaysOfWeek...)
	m.schedules[s.ID] = &cp
	return nil
}

// DeletePlant removes a plant, the way an external CRUD caller would.
func (m *Memory) DeletePlant(id uint64) {
	m.mu.Lock()
	delete(m.plants, id)
	m.mu.Unlock()
}

// SetPlantActive flips the active flag, the way an external CRUD caller would.
func (m *Memory) SetPlantActive(id uint64, active bool) {
	m.mu.Lock()
	if p, ok := m.plants[id]; ok {
		p.Active = active
	}
	m.mu.Unlock()
}

func (m *Memory) ListActivePlants(ctx context.Context) ([]model.Plant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Plant, 0, len(m.plants))
	for _, p := range m.plants {
		if p.Active {
			out = append(out, copyPlant(p, false))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetPlant(ctx context.Context, id uint64) (*model.Plant, error) {
	return m.getPlant(id, false)
}

func (m *Memory) GetPlantWithHistory(ctx context.Context, id uint64) (*model.Plant, error) {
	return m.getPlant(id, true)
}

func (m *Memory) getPlant(id uint64, history bool) (*model.Plant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plants[id]
	if !ok {
		return nil, fmt.Errorf("getting plant %d: %w", id, ErrNotFound)
	}
	cp := copyPlant(p, history)
	return &cp, nil
}

func (m *Memory) RecordWatering(ctx context.Context, plantID, expectedVersion uint64, w Watering) (*model.Plant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plants[plantID]
	if !ok {
		return nil, fmt.Errorf("recording watering for plant %d: %w", plantID, ErrNotFound)
	}
	if p.Version != expectedVersion {
		return nil, fmt.Errorf("recording watering for plant %d: %w", plantID, ErrConflict)
	}
	if w.Marker != nil {
		if _, exists := m.markers[markerKey(w.Marker.ScheduleID, w.Marker.Day)]; exists {
			return nil, fmt.Errorf("recording watering for plant %d: %w", plantID, ErrConflict)
		}
		m.markers[markerKey(w.Marker.ScheduleID, w.Marker.Day)] = *w.Marker
	}

	m.eventSeq++
	ev := w.Event
	ev.ID = m.eventSeq
	ev.PlantID = plantID

	p.LastWatered = w.lastWatered(p.LastWatered)
	p.SoilMoisture = ev.MoistureAfter
	p.Version++
	p.WateringHistory = append(p.WateringHistory, ev)
	m.writes++

	cp := copyPlant(p, false)
	return &cp, nil
}

func (m *Memory) UpdateEnvironment(ctx context.Context, plantID uint64, temperature, humidity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plants[plantID]
	if !ok {
		return fmt.Errorf("updating environment of plant %d: %w", plantID, ErrNotFound)
	}
	p.Temperature = temperature
	p.Humidity = humidity
	return nil
}

func (m *Memory) ListActiveSchedules(ctx context.Context) ([]model.WateringSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.WateringSchedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		if s.Active {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) WindowFired(ctx context.Context, scheduleID uint64, day string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.markers[markerKey(scheduleID, day)]
	return ok, nil
}

func markerKey(scheduleID uint64, day string) string {
	return fmt.Sprintf("%d/%s", scheduleID, day)
}

func copyPlant(p *model.Plant, history bool) model.Plant {
	cp := *p
	cp.WateringHistory = nil
	if history && len(p.WateringHistory) > 0 {
		cp.WateringHistory = append([]model.WateringEvent(nil), p.WateringHistory...)
	}
	return cp
}
