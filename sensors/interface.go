// Package sensors produces synthetic environmental readings for plants.
//
// There is no hardware behind these sensors; every plant gets a temperature
// and a humidity fake that drift slowly around their last value.
package sensors

import (
	"context"
	"sync"
	"time"

	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
)

const (
	NameTemperature = "Temperature"
	NameHumidity    = "Humidity"
)

type Sensor interface {
	Name() string
	ReadValue() (float64, error)
}

// PlantSensor is a sensor attached to one plant.
type PlantSensor interface {
	Sensor
	PlantID() uint64
}

type Worker interface {
	Add(sensor PlantSensor) Worker
	// Remove drops every sensor of a plant.
	Remove(plantID uint64)
	Has(plantID uint64) bool
	Start(ctx context.Context)
	Stop()
	DataChannel() <-chan SensorData
}

type SensorData struct {
	SensorName string
	Value      float64
	PlantID    uint64
}

type sensorWorker struct {
	log      logx.Logger
	interval time.Duration

	mu      sync.Mutex
	sensors []PlantSensor
	cancel  context.CancelFunc

	valueChannel chan SensorData
}

func NewWorker(interval time.Duration, log logx.Logger) Worker {
	if interval <= 0 {
		interval = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sensorWorker{
		log:          log,
		interval:     interval,
		valueChannel: make(chan SensorData),
	}
}

func (sw *sensorWorker) Add(sensor PlantSensor) Worker {
	sw.mu.Lock()
	sw.sensors = append(sw.sensors, sensor)
	sw.mu.Unlock()
	return sw
}

func (sw *sensorWorker) Remove(plantID uint64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	kept := sw.sensors[:0]
	for _, s := range sw.sensors {
		if s.PlantID() != plantID {
			kept = append(kept, s)
		}
	}
	sw.sensors = kept
}

func (sw *sensorWorker) Has(plantID uint64) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	for _, s := range sw.sensors {
		if s.PlantID() == plantID {
			return true
		}
	}
	return false
}

func (sw *sensorWorker) snapshot() []PlantSensor {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return append([]PlantSensor(nil), sw.sensors...)
}

// Start polls every sensor once per interval until ctx is done or Stop is
// called. Readers must drain DataChannel.
func (sw *sensorWorker) Start(ctx context.Context) {
	sw.mu.Lock()
	if sw.cancel != nil {
		sw.mu.Unlock()
		return
	}
	ctx, sw.cancel = context.WithCancel(ctx)
	sw.mu.Unlock()

	go func() {
		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()
		for {
			for _, sensor := range sw.snapshot() {
				val, err := sensor.ReadValue()
				if err != nil {
					sw.log.Warn("sensor read failed",
						logx.String("sensor", sensor.Name()), logx.Uint64("plant", sensor.PlantID()), logx.Err(err))
					continue
				}
				select {
				case sw.valueChannel <- SensorData{SensorName: sensor.Name(), Value: val, PlantID: sensor.PlantID()}:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (sw *sensorWorker) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.cancel != nil {
		sw.cancel()
		sw.cancel = nil
	}
}

func (sw *sensorWorker) DataChannel() <-chan SensorData {
	return sw.valueChannel
}
