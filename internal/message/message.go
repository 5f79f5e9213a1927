package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Event names exchanged with clients.
const (
	EventInitRoom                  = "init-room"
	EventJoinRoom                  = "join-room"
	EventUserFollowed              = "on-user-followed"
	EventBroadcastWhiteboard       = "broadcast-whiteboard"
	EventClientBroadcastWhiteboard = "client-broadcast-whiteboard"
)

var (
	ErrEmptyFrame  = errors.New("message: empty frame")
	ErrMissingName = errors.New("message: missing event name")
	ErrMissingArg  = errors.New("message: missing argument")
)

// null is the JSON encoding of an absent argument.
var null = json.RawMessage("null")

// Event is a single named frame. On the wire it is a JSON array whose first
// element is the event name and whose remaining elements are the arguments:
//
//	["broadcast-whiteboard", "room-1", {"elements": []}]
//
// Args hold the raw argument bytes so payloads pass through untouched.
type Event struct {
	Name string
	Args []json.RawMessage
}

// NewEvent builds an event, JSON-encoding each argument. Arguments that are
// already json.RawMessage are kept as-is; a nil RawMessage becomes null.
func NewEvent(name string, args ...any) (Event, error) {
	ev := Event{Name: name, Args: make([]json.RawMessage, 0, len(args))}
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			if raw == nil {
				raw = null
			}
			ev.Args = append(ev.Args, raw)
			continue
		}
		data, err := json.Marshal(a)
		if err != nil {
			return Event{}, fmt.Errorf("message: encode arg %d of %s: %w", i, name, err)
		}
		ev.Args = append(ev.Args, data)
	}
	return ev, nil
}

// Arg decodes argument i into v. It returns ErrMissingArg when the frame
// carries fewer than i+1 arguments.
func (e Event) Arg(i int, v any) error {
	if i < 0 || i >= len(e.Args) {
		return fmt.Errorf("%w: %s has no argument %d", ErrMissingArg, e.Name, i)
	}
	if err := json.Unmarshal(e.Args[i], v); err != nil {
		return fmt.Errorf("message: decode arg %d of %s: %w", i, e.Name, err)
	}
	return nil
}

// MarshalJSON writes the array form. Argument bytes are copied verbatim.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Name == "" {
		return nil, ErrMissingName
	}
	name, err := json.Marshal(e.Name)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.Write(name)
	for _, a := range e.Args {
		buf.WriteByte(',')
		if len(a) == 0 {
			buf.Write(null)
			continue
		}
		buf.Write(a)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses the array form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("message: invalid frame: %w", err)
	}
	if len(frame) == 0 {
		return ErrEmptyFrame
	}
	var name string
	if err := json.Unmarshal(frame[0], &name); err != nil || name == "" {
		return ErrMissingName
	}
	e.Name = name
	e.Args = frame[1:]
	return nil
}

// Decode parses a raw frame read from a connection.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Encode renders an event as a frame ready to write to a connection.
func Encode(ev Event) ([]byte, error) {
	return ev.MarshalJSON()
}

// Action is the kind of follow notice.
type Action string

const (
	ActionFollow   Action = "FOLLOW"
	ActionUnfollow Action = "UNFOLLOW"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionFollow || a == ActionUnfollow
}

// UserToFollow points at the peer a follow notice is addressed to.
type UserToFollow struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

// FollowPayload is the argument of on-user-followed. The relay reads it
// only to find the recipient and forwards the original bytes.
type FollowPayload struct {
	UserToFollow UserToFollow `json:"userToFollow"`
	Action       Action       `json:"action"`
}
