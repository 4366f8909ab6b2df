// Package queue tracks users who are in the middle of a booking
// conversation. The check cycle consults it so availability pings never
// interrupt someone typing their name into the booking flow.
package queue

import (
	"sync"
	"time"
)

// DefaultTimeout is how long a queue entry suppresses notifications
// without being refreshed. Sessions that die without cleanup age out.
const DefaultTimeout = 10 * time.Minute

// Manager is the in-memory suppression set. Safe for concurrent use.
type Manager struct {
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[int64]time.Time // user id -> entered at
}

func New(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		timeout: timeout,
		now:     time.Now,
		entries: make(map[int64]time.Time),
	}
}

// Add puts a user into the set, re-stamping the entry time if already
// present. Idempotent.
func (m *Manager) Add(userID int64) {
	m.mu.Lock()
	m.entries[userID] = m.now()
	m.mu.Unlock()
}

// Remove takes a user out of the set. Removing an absent user is a no-op.
func (m *Manager) Remove(userID int64) {
	m.mu.Lock()
	delete(m.entries, userID)
	m.mu.Unlock()
}

// IsActive reports whether the user entered the set less than the
// timeout ago. Expired entries are evicted on the way out.
func (m *Manager) IsActive(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.entries[userID]
	if !ok {
		return false
	}
	if m.now().Sub(at) >= m.timeout {
		delete(m.entries, userID)
		return false
	}
	return true
}

// Len counts unexpired entries, evicting expired ones as it goes.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, at := range m.entries {
		if now.Sub(at) >= m.timeout {
			delete(m.entries, id)
		}
	}
	return len(m.entries)
}
