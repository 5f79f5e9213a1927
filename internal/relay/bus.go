package relay

import (
	"context"

	"github.com/christopherjohns/collabrelay/internal/message"
)

// publish hands env to the publisher goroutine. It never blocks the reactor:
// when the queue is full the envelope is dropped.
func (s *Service) publish(env message.Envelope) {
	if s.bus == nil {
		return
	}
	env.Origin = s.instanceID
	select {
	case s.outbound <- env:
	default:
		s.logger.Warn().Str("room", env.RoomID).Str("target", env.ConnID).Msg("publish queue full, dropping envelope")
	}
}

func (s *Service) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-s.outbound:
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := s.bus.Publish(pubCtx, env)
			cancel()
			if err != nil {
				s.logger.Warn().Err(err).Str("event", env.Event.Name).Msg("publish failed")
			}
		}
	}
}

func (s *Service) subscribe(ctx context.Context) {
	err := s.bus.Subscribe(ctx, func(env message.Envelope) {
		if env.Origin == s.instanceID {
			return
		}
		s.enqueue(item{kind: itemRemote, env: env})
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("bus subscription ended")
	}
}

// deliverRemote hands an envelope from another instance to local
// connections.
func (s *Service) deliverRemote(env message.Envelope) {
	switch {
	case env.RoomID != "":
		s.transport.EmitToRoom(env.RoomID, env.Except, env.Event)
	case env.ConnID != "":
		s.transport.Emit(env.ConnID, env.Event)
	default:
		s.logger.Debug().Str("origin", env.Origin).Msg("envelope without destination")
	}
}
