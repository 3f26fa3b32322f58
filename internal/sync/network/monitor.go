// Package network tracks connectivity and notifies subscribers of
// online/offline transitions.
package network

import (
	"sort"
	"sync"
)

// Observer reports connectivity and emits transitions.
type Observer interface {
	IsOnline() bool
	// Subscribe registers fn for transitions. The returned func unsubscribes.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Monitor is an in-process Observer whose state is set by the application
// or by a Prober.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

var _ Observer = (*Monitor)(nil)

// NewMonitor creates a Monitor with an initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates the state and notifies subscribers, in subscription order,
// only when it changes. It reports whether a transition happened.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
	return true
}

// Subscribe registers fn for future transitions.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}
