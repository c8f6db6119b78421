package queue

import "sync"

// ActiveSlots tracks which entries hold a consultation room (CALLED or IN_PROGRESS).
// It is owned by one clinic instance; capacity is the number of rooms.
type ActiveSlots struct {
	mu       sync.Mutex
	capacity int
	holders  map[string]struct{}
}

func NewActiveSlots(capacity int) *ActiveSlots {
	if capacity < 1 {
		capacity = 1
	}
	return &ActiveSlots{capacity: capacity, holders: make(map[string]struct{})}
}

// TryAcquire reserves a room for entryID. Re-acquiring a held slot succeeds.
func (s *ActiveSlots) TryAcquire(entryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.holders[entryID]; held {
		return true
	}
	if len(s.holders) >= s.capacity {
		return false
	}
	s.holders[entryID] = struct{}{}
	return true
}

func (s *ActiveSlots) Release(entryID string) {
	s.mu.Lock()
	delete(s.holders, entryID)
	s.mu.Unlock()
}

func (s *ActiveSlots) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.holders)
}

func (s *ActiveSlots) Capacity() int {
	return s.capacity
}

// entryLocks hands out one mutex per entry id and forgets it when nobody holds it.
type entryLocks struct {
	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func newEntryLocks() *entryLocks {
	return &entryLocks{locks: make(map[string]*entryLock)}
}

func (l *entryLocks) lock(entryID string) (unlock func()) {
	l.mu.Lock()
	el, ok := l.locks[entryID]
	if !ok {
		el = &entryLock{}
		l.locks[entryID] = el
	}
	el.refs++
	l.mu.Unlock()

	el.mu.Lock()
	return func() {
		el.mu.Unlock()

		l.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(l.locks, entryID)
		}
		l.mu.Unlock()
	}
}
