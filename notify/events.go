// Package notify delivers scheduler events to interested clients.
//
// Delivery is best-effort and fire-and-forget: a sink never blocks the caller
// and never replays events for clients that were offline.
package notify

import "strconv"

type Event string

const (
	EventPlantNeedsWater           Event = "plant-needs-water"
	EventScheduleWateringCompleted Event = "schedule-watering-completed"
	EventWateringStarted           Event = "watering-started"
	EventWateringStopped           Event = "watering-stopped"
)

type PlantNeedsWater struct {
	PlantID            uint64 `json:"plantId"`
	PlantName          string `json:"plantName"`
	PlantType          string `json:"plantType"`
	HoursSinceWatering int    `json:"hoursSinceWatering"`
}

type ScheduleWateringCompleted struct {
	ScheduleID uint64 `json:"scheduleId"`
	PlantID    uint64 `json:"plantId"`
	PlantName  string `json:"plantName"`
	// Duration in seconds.
	Duration int `json:"duration"`
}

type WateringStarted struct {
	PlantID   uint64 `json:"plantId"`
	PlantName string `json:"plantName"`
}

type WateringStopped struct {
	PlantID       uint64 `json:"plantId"`
	PlantName     string `json:"plantName"`
	Duration      int    `json:"duration"`
	MoistureAfter int    `json:"moistureAfter"`
}

// Keyed payloads name the entity they are about, used to suppress repeats.
type Keyed interface {
	EntityKey() string
}

func (p PlantNeedsWater) EntityKey() string { return "plant:" + strconv.FormatUint(p.PlantID, 10) }

func (p ScheduleWateringCompleted) EntityKey() string {
	return "schedule:" + strconv.FormatUint(p.ScheduleID, 10) + "/plant:" + strconv.FormatUint(p.PlantID, 10)
}

func (p WateringStarted) EntityKey() string { return "plant:" + strconv.FormatUint(p.PlantID, 10) }
func (p WateringStopped) EntityKey() string { return "plant:" + strconv.FormatUint(p.PlantID, 10) }

// Sink receives events addressed to a single user.
type Sink interface {
	Publish(userID uint64, event Event, payload any)
}

// Envelope is the wire shape pushed to websocket clients.
type Envelope struct {
	Event Event `json:"event"`
	Data  any   `json:"data"`
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(uint64, Event, any) {}
