package pipeline

import (
	"sync"

	"github.com/google/uuid"
)

// lockArena hands out one mutex per pipeline id. Entries are reference counted and
// removed once no goroutine holds or waits for them.
type lockArena struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockArena() *lockArena {
	return &lockArena{locks: make(map[uuid.UUID]*lockEntry)}
}

// lock blocks until the pipeline's mutex is held and returns the matching unlock.
func (a *lockArena) lock(id uuid.UUID) func() {
	a.mu.Lock()
	entry, ok := a.locks[id]
	if !ok {
		entry = &lockEntry{}
		a.locks[id] = entry
	}
	entry.refs++
	a.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()

		a.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(a.locks, id)
		}
		a.mu.Unlock()
	}
}

func (a *lockArena) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
