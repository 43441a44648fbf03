package watering

import (
	"fmt"
	"time"

	"github.com/ZamarianPatrick/lazypig-plantcare/model"
)

type OverdueAlert struct {
	Plant              model.Plant
	HoursSinceWatering int
}

// Skip names an entity that was left out of a cycle and why.
type Skip struct {
	ScheduleID uint64 `json:"scheduleId,omitempty"`
	PlantID    uint64 `json:"plantId,omitempty"`
	Reason     string `json:"reason"`
	Err        error  `json:"-"`
}

func newSkip(scheduleID, plantID uint64, err error) Skip {
	return Skip{ScheduleID: scheduleID, PlantID: plantID, Reason: err.Error(), Err: err}
}

// DetectOverdue returns the active plants whose time since the last watering
// reached their interval. A last-watered time in the future counts as zero
// elapsed. Plants with an interval outside the allowed range are reported as
// skipped instead.
func DetectOverdue(now time.Time, plants []model.Plant) ([]OverdueAlert, []Skip) {
	var (
		alerts  []OverdueAlert
		skipped []Skip
	)
	for _, p := range plants {
		if !p.Active {
			continue
		}
		if p.WateringInterval < model.MinWateringInterval || p.WateringInterval > model.MaxWateringInterval {
			skipped = append(skipped, newSkip(0, p.ID, fmt.Errorf("%w: %d hours", ErrInvalidInterval, p.WateringInterval)))
			continue
		}
		elapsed := sinceClamped(now, p.LastWatered)
		if elapsed < time.Duration(p.WateringInterval)*time.Hour {
			continue
		}
		alerts = append(alerts, OverdueAlert{Plant: p, HoursSinceWatering: int(elapsed / time.Hour)})
	}
	return alerts, skipped
}

func sinceClamped(now, t time.Time) time.Duration {
	d := now.Sub(t)
	if d < 0 {
		return 0
	}
	return d
}
