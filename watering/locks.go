package watering

import "sync"

// lockTable hands out one mutex per plant id. Entries are reference counted
// and removed once nobody holds or waits for them.
type lockTable struct {
	mu    sync.Mutex
	locks map[uint64]*plantLock
}

type plantLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[uint64]*plantLock)}
}

// Lock blocks until the plant is free and returns the matching unlock.
func (t *lockTable) Lock(id uint64) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &plantLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
