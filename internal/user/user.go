// Package user tracks who is behind each relay connection.
//
// Registry maps a connection to the identity it joined with and Membership
// maps a username to all of its live connections. Neither type is safe for
// concurrent use: both are owned by the relay reactor goroutine.
package user

// UserClient is the identity a connection registered with on join-room.
type UserClient struct {
	ConnID   string `json:"conn_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	RoomID   string `json:"room_id"`
}
