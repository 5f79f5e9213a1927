package relay

import (
	"encoding/json"
	"errors"

	"github.com/christopherjohns/collabrelay/internal/message"
)

func (s *Service) handleConnected(connID string) {
	ev, err := message.NewEvent(message.EventInitRoom)
	if err != nil {
		s.logger.Error().Err(err).Msg("build init-room")
		return
	}
	if !s.transport.Emit(connID, ev) {
		s.logger.Debug().Str("conn", connID).Msg("init-room not delivered")
	}
}

// handleJoin places the connection in the room and records who it is.
// Username and role are optional.
func (s *Service) handleJoin(connID string, ev message.Event) {
	var roomID, username, role string
	if err := ev.Arg(0, &roomID); err != nil {
		s.logger.Warn().Err(err).Str("conn", connID).Msg("malformed join-room")
		return
	}
	if err := optionalArg(ev, 1, &username); err != nil {
		s.logger.Warn().Err(err).Str("conn", connID).Msg("malformed join-room")
		return
	}
	if err := optionalArg(ev, 2, &role); err != nil {
		s.logger.Warn().Err(err).Str("conn", connID).Msg("malformed join-room")
		return
	}

	if err := s.transport.Join(connID, roomID); err != nil {
		s.logger.Warn().Err(err).Str("conn", connID).Str("room", roomID).Msg("join failed")
		return
	}

	if prev, ok := s.registry.Lookup(connID); ok && prev.Username != username {
		s.members.Discard(prev.Username, connID)
	}
	s.registry.Register(connID, username, role, roomID)
	s.members.Ensure(username)
	s.members.Add(username, connID)

	s.logger.Debug().Str("conn", connID).Str("room", roomID).Str("username", username).Msg("joined room")
}

// handleFollow forwards a follow notice, payload untouched, to the
// connection it names. With no socket id it goes to every connection of the
// named user instead.
func (s *Service) handleFollow(connID string, ev message.Event) {
	var payload message.FollowPayload
	if err := ev.Arg(0, &payload); err != nil {
		s.logger.Debug().Err(err).Str("conn", connID).Msg("malformed on-user-followed")
		return
	}
	if !payload.Action.Valid() {
		s.logger.Debug().Str("conn", connID).Str("action", string(payload.Action)).Msg("forwarding follow notice with unknown action")
	}
	out := message.Event{Name: message.EventUserFollowed, Args: ev.Args[:1]}

	target := payload.UserToFollow
	if target.SocketID == "" {
		if target.Username == "" {
			s.logger.Debug().Str("conn", connID).Msg("follow notice without target")
			return
		}
		if !s.members.Has(target.Username) {
			s.logger.Debug().Str("conn", connID).Str("username", target.Username).Msg("follow target username not joined")
			return
		}
		for _, id := range s.members.Connections(target.Username) {
			s.transport.Emit(id, out)
		}
		return
	}

	if s.transport.Emit(target.SocketID, out) {
		return
	}
	s.logger.Debug().Str("conn", connID).Str("target", target.SocketID).Msg("follow target not held locally")
	s.publish(message.Envelope{ConnID: target.SocketID, Event: out})
}

// handleBroadcast relays whiteboard data to the rest of the room, tagged
// with the sender's username or null if the sender never joined. A joined
// empty username is sent as "".
func (s *Service) handleBroadcast(connID string, ev message.Event) {
	var roomID string
	if err := ev.Arg(0, &roomID); err != nil || roomID == "" {
		s.logger.Debug().Err(err).Str("conn", connID).Msg("malformed broadcast-whiteboard")
		return
	}

	var data json.RawMessage
	if len(ev.Args) > 1 {
		data = ev.Args[1]
	}
	var username any = json.RawMessage(nil)
	if uc, ok := s.registry.Lookup(connID); ok {
		username = uc.Username
	}

	out, err := message.NewEvent(message.EventClientBroadcastWhiteboard, data, username)
	if err != nil {
		s.logger.Error().Err(err).Str("conn", connID).Msg("build client-broadcast-whiteboard")
		return
	}
	s.transport.EmitToRoom(roomID, connID, out)
	s.publish(message.Envelope{RoomID: roomID, Except: connID, Event: out})
}

func (s *Service) handleDisconnected(connID string) {
	uc, ok := s.registry.Remove(connID)
	if !ok {
		return
	}
	s.members.Discard(uc.Username, connID)
	s.logger.Debug().Str("conn", connID).Str("room", uc.RoomID).Msg("left room")
}

func optionalArg(ev message.Event, i int, v any) error {
	err := ev.Arg(i, v)
	if errors.Is(err, message.ErrMissingArg) {
		return nil
	}
	return err
}
