package watering

import "errors"

// Reasons an entity is skipped for the current cycle. None of them abort the
// cycle; the entity is looked at again on the next one.
var (
	ErrMissingReference = errors.New("schedule references a missing or inactive plant")
	ErrInvalidSchedule  = errors.New("invalid schedule definition")
	ErrInvalidInterval  = errors.New("watering interval out of range")
	ErrInvalidDuration  = errors.New("invalid watering duration")
	ErrCooldown         = errors.New("cooldown has not elapsed")
	ErrWindowClosed     = errors.New("window already watered today")
)
