package ledger

import "sync"

// userLocks serializes ledger writes per user. Records for different users
// are independent, so there is no cross-user coordination; a lock entry is
// dropped as soon as the last holder releases it.
type userLocks struct {
	mu   sync.Mutex
	held map[uint]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{held: map[uint]*userLock{}}
}

func (l *userLocks) lock(userID uint) {
	l.mu.Lock()
	entry, ok := l.held[userID]
	if !ok {
		entry = &userLock{}
		l.held[userID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.Lock()
}

func (l *userLocks) unlock(userID uint) {
	l.mu.Lock()
	entry := l.held[userID]
	entry.refs--
	if entry.refs == 0 {
		delete(l.held, userID)
	}
	l.mu.Unlock()

	entry.Unlock()
}
