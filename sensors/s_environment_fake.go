package sensors

import (
	"math/rand"
	"sync"
	"time"
)

// EnvironmentFake is a synthetic sensor whose value drifts by at most step
// per reading and stays within [min, max].
type EnvironmentFake struct {
	name    string
	plantID uint64
	min     float64
	max     float64
	step    float64

	mu     sync.Mutex
	value  float64
	random *rand.Rand
}

func NewTemperatureFake(plantID uint64, start float64) *EnvironmentFake {
	return newEnvironmentFake(NameTemperature, plantID, start, 5, 40, 0.5)
}

func NewHumidityFake(plantID uint64, start float64) *EnvironmentFake {
	return newEnvironmentFake(NameHumidity, plantID, start, 10, 95, 1)
}

func newEnvironmentFake(name string, plantID uint64, start, min, max, step float64) *EnvironmentFake {
	s := &EnvironmentFake{
		name:    name,
		plantID: plantID,
		min:     min,
		max:     max,
		step:    step,
		random:  rand.New(rand.NewSource(time.Now().UnixNano() + int64(plantID))),
	}
	s.SetValue(start)
	return s
}

func (s *EnvironmentFake) Name() string {
	return s.name
}

func (s *EnvironmentFake) PlantID() uint64 {
	return s.plantID
}

func (s *EnvironmentFake) SetValue(val float64) {
	s.mu.Lock()
	s.value = s.clamp(val)
	s.mu.Unlock()
}

// SetStep changes how far a reading may drift; 0 freezes the value.
func (s *EnvironmentFake) SetStep(step float64) {
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()
}

func (s *EnvironmentFake) ReadValue() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = s.clamp(s.value + (s.random.Float64()*2-1)*s.step)
	return s.value, nil
}

func (s *EnvironmentFake) clamp(v float64) float64 {
	if v < s.min {
		return s.min
	}
	if v > s.max {
		return s.max
	}
	return v
}
