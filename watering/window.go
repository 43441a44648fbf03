package watering

import (
	"fmt"
	"time"

	"github.com/ZamarianPatrick/lazypig-plantcare/model"
)

const dayLayout = "2006-01-02"

// Window is a parsed schedule: a half-open [Start, End) range of minutes
// after local midnight on a set of weekdays.
type Window struct {
	Start int
	End   int
	Days  [7]bool
}

// ParseClock parses a 24h "HH:MM" time into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: time %q", ErrInvalidSchedule, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func ParseWindow(s model.WateringSchedule) (Window, error) {
	var w Window
	start, err := ParseClock(s.StartTime)
	if err != nil {
		return w, err
	}
	end, err := ParseClock(s.EndTime)
	if err != nil {
		return w, err
	}
	if start >= end {
		return w, fmt.Errorf("%w: start %s is not before end %s", ErrInvalidSchedule, s.StartTime, s.EndTime)
	}
	days, err := s.Days()
	if err != nil {
		return w, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if len(days) == 0 {
		return w, fmt.Errorf("%w: no days of week", ErrInvalidSchedule)
	}
	for _, d := range days {
		if d < 0 || d > 6 {
			return w, fmt.Errorf("%w: day %d out of range", ErrInvalidSchedule, d)
		}
		w.Days[d] = true
	}
	w.Start, w.End = start, end
	return w, nil
}

// Contains reports whether now, already in the scheduler's zone, is inside
// the window. The end minute itself is outside.
func (w Window) Contains(now time.Time) bool {
	if !w.Days[int(now.Weekday())] {
		return false
	}
	m := now.Hour()*60 + now.Minute()
	return w.Start <= m && m < w.End
}

// DurationSeconds is the length of the window, recorded as the watering
// duration of a scheduled watering.
func (w Window) DurationSeconds() int {
	return (w.End - w.Start) * 60
}

// EndOn returns the end of the window on the calendar day of now.
func (w Window) EndOn(now time.Time) time.Time {
	y, mo, d := now.Date()
	return time.Date(y, mo, d, w.End/60, w.End%60, 0, 0, now.Location())
}

// Day is the key of the window instance now falls in.
func Day(now time.Time) string {
	return now.Format(dayLayout)
}

// Candidate is a schedule that may water its plant in this cycle.
type Candidate struct {
	Schedule model.WateringSchedule
	Plant    model.Plant
	Window   Window
}

// EvaluateWindows matches the active schedules against now. plants holds the
// active plants by id; a schedule whose plant is absent is skipped. Schedules
// outside their window are ignored silently, the rest are either returned as
// candidates or skipped with a reason.
func EvaluateWindows(now time.Time, cooldown time.Duration, schedules []model.WateringSchedule, plants map[uint64]model.Plant) ([]Candidate, []Skip) {
	var (
		candidates []Candidate
		skipped    []Skip
	)
	for _, s := range schedules {
		if !s.Active {
			continue
		}
		p, ok := plants[s.PlantID]
		if !ok || !p.Active {
			skipped = append(skipped, newSkip(s.ID, s.PlantID, ErrMissingReference))
			continue
		}
		w, err := ParseWindow(s)
		if err != nil {
			skipped = append(skipped, newSkip(s.ID, s.PlantID, err))
			continue
		}
		if !w.Contains(now) {
			continue
		}
		if !cooledDown(now, p.LastWatered, cooldown) {
			skipped = append(skipped, newSkip(s.ID, s.PlantID, ErrCooldown))
			continue
		}
		candidates = append(candidates, Candidate{Schedule: s, Plant: p, Window: w})
	}
	return candidates, skipped
}

func cooledDown(now, lastWatered time.Time, cooldown time.Duration) bool {
	return sinceClamped(now, lastWatered) >= cooldown
}
