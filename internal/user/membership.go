package user

import "sort"

// Membership maps a username to the set of connections currently using it.
// A user may hold several connections at once (tabs, devices).
type Membership struct {
	users map[string]map[string]struct{}
}

// NewMembership creates an empty Membership.
func NewMembership() *Membership {
	return &Membership{
		users: make(map[string]map[string]struct{}),
	}
}

// Ensure creates an empty set for username if none exists. An existing set
// is left untouched.
func (m *Membership) Ensure(username string) {
	if _, ok := m.users[username]; !ok {
		m.users[username] = make(map[string]struct{})
	}
}

// Add records connID under username.
func (m *Membership) Add(username, connID string) {
	m.Ensure(username)
	m.users[username][connID] = struct{}{}
}

// Discard removes connID from username's set. The username is dropped once
// its last connection is gone.
func (m *Membership) Discard(username, connID string) {
	conns, ok := m.users[username]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(m.users, username)
	}
}

// Has reports whether username has a set, even an empty one.
func (m *Membership) Has(username string) bool {
	_, ok := m.users[username]
	return ok
}

// Connections returns the connection ids for username in sorted order.
func (m *Membership) Connections(username string) []string {
	conns := m.users[username]
	if len(conns) == 0 {
		return nil
	}
	ids := make([]string, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of usernames tracked.
func (m *Membership) Len() int {
	return len(m.users)
}
