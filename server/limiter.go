package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL    = 5 * time.Minute
	limiterMaxEntries = 4096
)

type cachedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userLimiters hands out one token bucket per user. Buckets idle for longer
// than the TTL are dropped; a refilled bucket is the same as a new one.
type userLimiters struct {
	perSec int
	ttl    time.Duration
	max    int
	now    func() time.Time

	mu        sync.Mutex
	limiters  map[uint64]*cachedLimiter
	lastSweep time.Time
}

func newUserLimiters(perSec int) *userLimiters {
	return &userLimiters{
		perSec:   perSec,
		ttl:      limiterIdleTTL,
		max:      limiterMaxEntries,
		now:      time.Now,
		limiters: make(map[uint64]*cachedLimiter),
	}
}

func (l *userLimiters) Allow(userID uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.ttl {
		l.sweep(now)
	}

	cached, ok := l.limiters[userID]
	if !ok {
		if len(l.limiters) >= l.max {
			l.evictOldest()
		}
		cached = &cachedLimiter{limiter: rate.NewLimiter(rate.Limit(l.perSec), l.perSec)}
		l.limiters[userID] = cached
	}
	cached.lastSeen = now
	return cached.limiter.AllowN(now, 1)
}

func (l *userLimiters) sweep(now time.Time) {
	for id, c := range l.limiters {
		if now.Sub(c.lastSeen) > l.ttl {
			delete(l.limiters, id)
		}
	}
	l.lastSweep = now
}

func (l *userLimiters) evictOldest() {
	var (
		oldestID uint64
		oldest   time.Time
		found    bool
	)
	for id, c := range l.limiters {
		if !found || c.lastSeen.Before(oldest) {
			oldestID, oldest, found = id, c.lastSeen, true
		}
	}
	if found {
		delete(l.limiters, oldestID)
	}
}

func (l *userLimiters) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
