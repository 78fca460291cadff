package session

import "sync"

// KeyedMutex provides per-key mutual exclusion. Two callers holding different
// keys never block each other; two callers with the same key serialize.
// Mutexes are reference-counted and dropped once the last holder unlocks, so
// the map does not grow with the number of sessions ever seen.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key and returns the matching unlock function.
func (m *KeyedMutex) Lock(key string) func() {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &lockEntry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}
