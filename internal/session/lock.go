package session

import "sync"

// Locker hands out one mutex per chat id so that a chat's events are
// handled one at a time. Entries are dropped once no goroutine holds or
// waits on them. The zero value is ready to use.
type Locker struct {
	mu    sync.Mutex
	locks map[int64]*chatLock
}

type chatLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until the lock for chatID is held and returns the function
// that releases it.
func (l *Locker) Lock(chatID int64) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[int64]*chatLock)
	}
	cl, ok := l.locks[chatID]
	if !ok {
		cl = &chatLock{}
		l.locks[chatID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cl.mu.Unlock()
			l.mu.Lock()
			cl.refs--
			if cl.refs == 0 {
				delete(l.locks, chatID)
			}
			l.mu.Unlock()
		})
	}
}

// held returns how many chat ids currently have a lock entry.
func (l *Locker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
