package manta

import "sync"

// LockTable serializes turns per conversation. The HTTP surface acquires the
// conversation's lock for the whole turn; entries are reference-counted and
// evicted when the last holder releases, so the map does not grow with the
// number of conversations ever seen.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*convLock)}
}

// Acquire blocks until the conversation's lock is held and returns the
// release function. Release must be called exactly once.
func (t *LockTable) Acquire(convID string) (release func()) {
	t.mu.Lock()
	l, ok := t.locks[convID]
	if !ok {
		l = &convLock{}
		t.locks[convID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			t.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(t.locks, convID)
			}
			t.mu.Unlock()
		})
	}
}

// TryAcquire attempts the lock without blocking. Returns (release, true) on
// success, (nil, false) when another turn holds the conversation.
func (t *LockTable) TryAcquire(convID string) (release func(), ok bool) {
	t.mu.Lock()
	l, present := t.locks[convID]
	if !present {
		l = &convLock{}
		t.locks[convID] = l
	}
	l.refs++
	t.mu.Unlock()

	if !l.mu.TryLock() {
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, convID)
		}
		t.mu.Unlock()
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			t.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(t.locks, convID)
			}
			t.mu.Unlock()
		})
	}, true
}

// Len reports the number of live entries. Test hook for eviction behavior.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
