// Package room keeps a directory of the rooms that currently have
// connections, for reporting.
package room

import (
	"sort"
	"sync"
	"time"
)

// Room is a snapshot of one active room.
type Room struct {
	ID          string    `json:"id"`
	ActiveConns int       `json:"active_connections"`
	CreatedAt   time.Time `json:"created_at"`
	LastJoined  time.Time `json:"last_joined"`
}

// Manager tracks active rooms. Rooms appear on their first join and vanish
// when the last connection leaves.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	now   func() time.Time
}

// NewManager creates a new room Manager.
func NewManager() *Manager {
	return &Manager{
		rooms: make(map[string]*Room),
		now:   time.Now,
	}
}

// Touch adjusts the active connection count of roomID by delta. It matches
// the hub's join/leave callback signature.
func (m *Manager) Touch(roomID string, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		if delta <= 0 {
			return
		}
		now := m.now()
		r = &Room{ID: roomID, CreatedAt: now}
		m.rooms[roomID] = r
	}
	r.ActiveConns += delta
	if delta > 0 {
		r.LastJoined = m.now()
	}
	if r.ActiveConns <= 0 {
		delete(m.rooms, roomID)
	}
}

// Get returns a copy of the room, or nil if it has no connections.
func (m *Manager) Get(id string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// List returns all active rooms sorted by connection count (descending),
// then by ID.
func (m *Manager) List() []Room {
	m.mu.RLock()
	result := make([]Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		result = append(result, *r)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].ActiveConns != result[j].ActiveConns {
			return result[i].ActiveConns > result[j].ActiveConns
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Count returns the number of active rooms.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}
