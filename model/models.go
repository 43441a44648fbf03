package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PlantType string

const (
	PlantTomato     PlantType = "Tomato"
	PlantLettuce    PlantType = "Lettuce"
	PlantBasil      PlantType = "Basil"
	PlantPepper     PlantType = "Pepper"
	PlantCucumber   PlantType = "Cucumber"
	PlantStrawberry PlantType = "Strawberry"
	PlantHerbs      PlantType = "Herbs"
	PlantOther      PlantType = "Other"
)

func (t PlantType) Valid() bool {
	switch t {
	case PlantTomato, PlantLettuce, PlantBasil, PlantPepper, PlantCucumber, PlantStrawberry, PlantHerbs, PlantOther:
		return true
	}
	return false
}

const (
	MinWateringInterval = 1
	MaxWateringInterval = 168

	DefaultWateringInterval = 24
	DefaultSoilMoisture     = 50
	DefaultTemperature      = 22
	DefaultHumidity         = 60
)

type WateringSource string

const (
	SourceManual   WateringSource = "manual"
	SourceSchedule WateringSource = "schedule"
)

type Plant struct {
	ID               uint64          `json:"id" gorm:"primaryKey"`
	OwnerID          uint64          `json:"userId" gorm:"index"`
	Name             string          `json:"name"`
	Type             PlantType       `json:"type"`
	Active           bool            `json:"isActive" gorm:"index"`
	LastWatered      time.Time       `json:"lastWatered"`
	WateringInterval int             `json:"wateringInterval"`
	SoilMoisture     int             `json:"soilMoisture"`
	Temperature      int             `json:"temperature"`
	Humidity         int             `json:"humidity"`
	Version          uint64          `json:"-"`
	CreatedAt        time.Time       `json:"createdAt"`
	WateringHistory  []WateringEvent `json:"wateringHistory" gorm:"foreignKey:PlantID;constraint:OnDelete:CASCADE"`
}

// NewPlant returns a plant the way it is registered: active, watered now,
// with the default interval and the default starting readings.
func NewPlant(ownerID uint64, name string, t PlantType) *Plant {
	return PlantInput{Name: name, Type: t}.Plant(ownerID)
}

// BeforeCreate fills in the fields whose zero value is never valid. The
// starting readings are set by PlantInput.Plant, since zero is a valid value
// for each of them.
func (p *Plant) BeforeCreate(tx *gorm.DB) error {
	if p.WateringInterval == 0 {
		p.WateringInterval = DefaultWateringInterval
	}
	if p.LastWatered.IsZero() {
		p.LastWatered = time.Now()
	}
	if p.Type == "" {
		p.Type = PlantOther
	}
	return nil
}

type WateringEvent struct {
	ID              uint64         `json:"id" gorm:"primaryKey"`
	PlantID         uint64         `json:"plantId" gorm:"index"`
	ScheduleID      uint64         `json:"scheduleId,omitempty"`
	Source          WateringSource `json:"source"`
	Timestamp       time.Time      `json:"timestamp"`
	DurationSeconds int            `json:"duration"`
	MoistureBefore  int            `json:"soilMoistureBefore"`
	MoistureAfter   int            `json:"soilMoistureAfter"`
}

type WateringSchedule struct {
	ID         uint64         `json:"id" gorm:"primaryKey"`
	OwnerID    uint64         `json:"userId" gorm:"index"`
	PlantID    uint64         `json:"plantId" gorm:"index"`
	StartTime  string         `json:"startTime"`
	EndTime    string         `json:"endTime"`
	Active     bool           `json:"isActive" gorm:"index"`
	DaysOfWeek datatypes.JSON `json:"daysOfWeek"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// AllDays is what a schedule gets when it is created without a weekday list.
var AllDays = []int{0, 1, 2, 3, 4, 5, 6}

// BeforeCreate fills in AllDays when DaysOfWeek is absent or null. An explicit
// empty list is kept and the schedule never opens.
func (s *WateringSchedule) BeforeCreate(tx *gorm.DB) error {
	if _, err := s.Days(); err != nil {
		return err
	}
	if len(s.DaysOfWeek) == 0 || string(s.DaysOfWeek) == "null" {
		return s.SetDays(AllDays)
	}
	return nil
}

// Days decodes DaysOfWeek, sorted and without duplicates.
func (s *WateringSchedule) Days() ([]int, error) {
	if len(s.DaysOfWeek) == 0 {
		return nil, nil
	}
	var raw []int
	if err := json.Unmarshal(s.DaysOfWeek, &raw); err != nil {
		return nil, fmt.Errorf("decoding days of week: %w", err)
	}
	seen := make(map[int]struct{}, len(raw))
	days := make([]int, 0, len(raw))
	for _, d := range raw {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		days = append(days, d)
	}
	sort.Ints(days)
	return days, nil
}

func (s *WateringSchedule) SetDays(days []int) error {
	data, err := json.Marshal(days)
	if err != nil {
		return err
	}
	s.DaysOfWeek = datatypes.JSON(data)
	return nil
}

// WindowMarker records that a schedule already watered during the window of
// one local calendar day.
type WindowMarker struct {
	ScheduleID uint64    `json:"scheduleId" gorm:"primaryKey;autoIncrement:false"`
	Day        string    `json:"day" gorm:"primaryKey"`
	FiredAt    time.Time `json:"firedAt"`
}
