package budget

import "sync"

// actorLocks serializes gate operations per actor inside one process. Entries
// are reference counted and dropped when unused.
type actorLocks struct {
	mu    sync.Mutex
	locks map[string]*actorLock
}

type actorLock struct {
	mu   sync.Mutex
	refs int
}

func newActorLocks() *actorLocks {
	return &actorLocks{locks: make(map[string]*actorLock)}
}

// lock acquires the actor's lock and returns its release function.
func (a *actorLocks) lock(actorID string) func() {
	a.mu.Lock()
	l, ok := a.locks[actorID]
	if !ok {
		l = &actorLock{}
		a.locks[actorID] = l
	}
	l.refs++
	a.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, actorID)
		}
		a.mu.Unlock()
	}
}

func (a *actorLocks) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
