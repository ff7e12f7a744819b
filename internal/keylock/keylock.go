// Package keylock provides an arena of mutexes keyed by string. Entries are
// reference counted and released when the last holder or waiter leaves, so
// the arena only holds locks that are in use.
package keylock

import "sync"

// Arena hands out one mutex per key.
type Arena struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New returns an empty arena.
func New() *Arena {
	return &Arena{locks: make(map[string]*entry)}
}

// Lock blocks until key is held and returns the function that releases it.
func (a *Arena) Lock(key string) (unlock func()) {
	a.mu.Lock()
	e, ok := a.locks[key]
	if !ok {
		e = &entry{}
		a.locks[key] = e
	}
	e.refs++
	a.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		a.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(a.locks, key)
		}
		a.mu.Unlock()
	}
}

// Len reports how many keys are currently held or awaited.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
