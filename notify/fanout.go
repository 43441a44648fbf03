package notify

import (
	"strconv"
	"sync"
	"time"
)

const dedupMaxEntries = 4096

// Fanout publishes to several sinks. With a positive dedup window it drops
// repeats of the same (user, event, entity) seen within that window.
type Fanout struct {
	sinks []Sink
	now   func() time.Time

	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func NewFanout(window time.Duration, sinks ...Sink) *Fanout {
	f := &Fanout{
		now:  time.Now,
		seen: map[string]time.Time{},
	}
	f.Apply(window)
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Apply swaps the dedup window at runtime.
func (f *Fanout) Apply(window time.Duration) {
	if window < 0 {
		window = 0
	}
	f.mu.Lock()
	f.window = window
	if window == 0 {
		f.seen = map[string]time.Time{}
	}
	f.mu.Unlock()
}

func (f *Fanout) Publish(userID uint64, event Event, payload any) {
	if f.suppressed(userID, event, payload) {
		return
	}
	for _, s := range f.sinks {
		s.Publish(userID, event, payload)
	}
}

func (f *Fanout) suppressed(userID uint64, event Event, payload any) bool {
	k, ok := payload.(Keyed)
	if !ok {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.window <= 0 {
		return false
	}

	now := f.now()
	key := strconv.FormatUint(userID, 10) + "|" + string(event) + "|" + k.EntityKey()
	if until, ok := f.seen[key]; ok && now.Before(until) {
		return true
	}
	if len(f.seen) >= dedupMaxEntries {
		for k, until := range f.seen {
			if !now.Before(until) {
				delete(f.seen, k)
			}
		}
	}
	f.seen[key] = now.Add(f.window)
	return false
}
