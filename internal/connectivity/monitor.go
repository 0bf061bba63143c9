// Package connectivity tracks whether the remote service is reachable.
package connectivity

import (
	"sync"
)

// Monitor holds the current online flag and fans transitions out to
// subscribers. Subscribers run outside the lock, in registration order.
type Monitor struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   []subscriber
}

type subscriber struct {
	id int
	fn func(online bool)
}

// NewMonitor returns a monitor starting in the given state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.online
}

// Set records a new state. Subscribers are called only on a transition.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()

	if m.online == online {
		m.mu.Unlock()
		return
	}

	m.online = online
	subs := make([]subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, s := range subs {
		s.fn(online)
	}
}

// Subscribe registers fn for transitions and returns a func that removes it.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}
