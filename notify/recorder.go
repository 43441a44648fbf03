package notify

import "sync"

type Recorded struct {
	UserID  uint64
	Event   Event
	Payload any
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

func (r *Recorder) Publish(userID uint64, event Event, payload any) {
	r.mu.Lock()
	r.events = append(r.events, Recorded{UserID: userID, Event: event, Payload: payload})
	r.mu.Unlock()
}

func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// Of returns the recorded events of one type, in publish order.
func (r *Recorder) Of(event Event) []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Recorded
	for _, e := range r.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
