package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUserLimitersEvictIdleUsers(t *testing.T) {
	now := time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)
	l := newUserLimiters(1)
	l.now = func() time.Time { return now }

	for id := uint64(1); id <= 100; id++ {
		assert.True(t, l.Allow(id))
	}
	assert.Equal(t, 100, l.size())
	assert.False(t, l.Allow(1), "bucket of user 1 is empty")

	now = now.Add(limiterIdleTTL + time.Second)
	assert.True(t, l.Allow(1))
	assert.Equal(t, 1, l.size(), "idle users are dropped")
}

func TestUserLimitersCapped(t *testing.T) {
	now := time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)
	l := newUserLimiters(1)
	l.now = func() time.Time { return now }
	l.max = 10

	for id := uint64(1); id <= 50; id++ {
		now = now.Add(time.Millisecond)
		l.Allow(id)
	}
	assert.Equal(t, 10, l.size())

	now = now.Add(time.Millisecond)
	assert.False(t, l.Allow(50), "recent users keep their bucket")
}
