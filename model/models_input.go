package model

import "time"

// PlantInput describes a plant being registered. Omitted optional fields
// take the registration defaults.
type PlantInput struct {
	Name             string    `json:"name"`
	Type             PlantType `json:"type"`
	Active           *bool     `json:"isActive"`
	WateringInterval *int      `json:"wateringInterval"`
	SoilMoisture     *int      `json:"soilMoisture"`
	Temperature      *int      `json:"temperature"`
	Humidity         *int      `json:"humidity"`
}

func (in PlantInput) Plant(ownerID uint64) *Plant {
	p := &Plant{
		OwnerID:          ownerID,
		Name:             in.Name,
		Type:             in.Type,
		Active:           true,
		LastWatered:      time.Now(),
		WateringInterval: DefaultWateringInterval,
		SoilMoisture:     DefaultSoilMoisture,
		Temperature:      DefaultTemperature,
		Humidity:         DefaultHumidity,
	}
	if p.Type == "" {
		p.Type = PlantOther
	}
	if in.Active != nil {
		p.Active = *in.Active
	}
	if in.WateringInterval != nil {
		p.WateringInterval = *in.WateringInterval
	}
	if in.SoilMoisture != nil {
		p.SoilMoisture = *in.SoilMoisture
	}
	if in.Temperature != nil {
		p.Temperature = *in.Temperature
	}
	if in.Humidity != nil {
		p.Humidity = *in.Humidity
	}
	return p
}

type StopWateringInput struct {
	Duration *int `json:"duration"`
}

type PlantStats struct {
	TotalWaterings  int             `json:"totalWaterings"`
	AverageMoisture float64         `json:"averageMoisture"`
	LastWatered     time.Time       `json:"lastWatered"`
	WateringHistory []WateringEvent `json:"wateringHistory"`
}

// Stats summarizes the watering history of p. Only the last `recent` entries
// are included in the result; the stored history is left untouched.
func (p *Plant) Stats(recent int) PlantStats {
	stats := PlantStats{
		TotalWaterings:  len(p.WateringHistory),
		AverageMoisture: float64(p.SoilMoisture),
		LastWatered:     p.LastWatered,
	}

	if len(p.WateringHistory) > 0 {
		sum := 0
		for _, h := range p.WateringHistory {
			sum += h.MoistureAfter
		}
		stats.AverageMoisture = float64(sum) / float64(len(p.WateringHistory))
	}

	history := p.WateringHistory
	if recent > 0 && len(history) > recent {
		history = history[len(history)-recent:]
	}
	stats.WateringHistory = append([]WateringEvent(nil), history...)
	return stats
}
