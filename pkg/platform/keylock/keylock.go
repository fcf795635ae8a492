// Package keylock provides exclusive sections keyed by an arbitrary comparable key.
// Mutexes are reference counted and released when the last holder leaves, so the
// map only grows with the number of keys currently contended.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per key.
type Map[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

func New[K comparable]() *Map[K] {
	return &Map[K]{entries: make(map[K]*entry)}
}

// Lock blocks until the section for key is free and returns its release func.
func (m *Map[K]) Lock(key K) (unlock func()) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.entries, key)
			}
			m.mu.Unlock()
		})
	}
}

// WithLock runs fn inside the exclusive section for key.
func (m *Map[K]) WithLock(key K, fn func() error) error {
	unlock := m.Lock(key)
	defer unlock()
	return fn()
}

// Len reports the number of keys currently held or waited on.
func (m *Map[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
