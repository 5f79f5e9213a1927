package user

// Registry maps connection ids to their joined identity.
type Registry struct {
	clients map[string]UserClient
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]UserClient),
	}
}

// Register inserts or replaces the entry for connID.
func (r *Registry) Register(connID, username, role, roomID string) UserClient {
	uc := UserClient{
		ConnID:   connID,
		Username: username,
		Role:     role,
		RoomID:   roomID,
	}
	r.clients[connID] = uc
	return uc
}

// Lookup returns the entry for connID, if any.
func (r *Registry) Lookup(connID string) (UserClient, bool) {
	uc, ok := r.clients[connID]
	return uc, ok
}

// Remove deletes the entry for connID and returns it. Removing an unknown
// connection is a no-op.
func (r *Registry) Remove(connID string) (UserClient, bool) {
	uc, ok := r.clients[connID]
	if ok {
		delete(r.clients, connID)
	}
	return uc, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return len(r.clients)
}
