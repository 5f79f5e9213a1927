// Package relay is the whiteboard relay core. A single reactor goroutine owns
// the connection registry and username membership; the transport feeds it
// connection lifecycle and inbound events, and it answers by emitting to
// connections or rooms.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/christopherjohns/collabrelay/internal/message"
	"github.com/christopherjohns/collabrelay/internal/user"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	inboundBuffer  = 1024
	outboundBuffer = 256
	publishTimeout = 2 * time.Second
)

var (
	ErrStopped        = errors.New("relay: service stopped")
	ErrAlreadyRunning = errors.New("relay: service already running")
)

// Transport delivers events to connections. ws.Hub implements it.
type Transport interface {
	// Join puts connID in roomID, leaving any room it was in before.
	Join(connID, roomID string) error
	// Emit queues ev for connID and reports whether connID is held locally.
	Emit(connID string, ev message.Event) bool
	// EmitToRoom queues ev for every member of roomID except exceptConnID.
	EmitToRoom(roomID, exceptConnID string, ev message.Event) int
}

// HandlerFunc handles one inbound event on the reactor goroutine.
type HandlerFunc func(connID string, ev message.Event)

type itemKind int

const (
	itemConnected itemKind = iota
	itemEvent
	itemDisconnected
	itemRemote
	itemCall
)

type item struct {
	kind   itemKind
	connID string
	ev     message.Event
	env    message.Envelope
	fn     func()
}

// Service is the relay reactor.
type Service struct {
	transport  Transport
	bus        message.Bus
	instanceID string
	logger     zerolog.Logger

	registry *user.Registry
	members  *user.Membership
	handlers map[string]HandlerFunc

	inbound  chan item
	outbound chan message.Envelope
	done     chan struct{}
	running  atomic.Bool
}

// Option configures a Service.
type Option func(*Service)

// WithBus shares room broadcasts and undeliverable follow notices with other
// relay instances.
func WithBus(bus message.Bus) Option {
	return func(s *Service) {
		s.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithInstanceID overrides the random id used to recognise this instance's
// own envelopes on the bus.
func WithInstanceID(id string) Option {
	return func(s *Service) {
		s.instanceID = id
	}
}

// New creates a Service delivering through transport.
func New(transport Transport, opts ...Option) *Service {
	s := &Service{
		transport:  transport,
		instanceID: uuid.NewString(),
		logger:     zerolog.Nop(),
		registry:   user.NewRegistry(),
		members:    user.NewMembership(),
		handlers:   make(map[string]HandlerFunc),
		inbound:    make(chan item, inboundBuffer),
		outbound:   make(chan message.Envelope, outboundBuffer),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Handle(message.EventJoinRoom, s.handleJoin)
	s.Handle(message.EventUserFollowed, s.handleFollow)
	s.Handle(message.EventBroadcastWhiteboard, s.handleBroadcast)
	return s
}

// Handle registers fn for events named name, replacing any previous
// handler. It must be called before Run.
func (s *Service) Handle(name string, fn HandlerFunc) {
	s.handlers[name] = fn
}

// InstanceID returns the id this instance stamps on published envelopes.
func (s *Service) InstanceID() string {
	return s.instanceID
}

// Run processes events until ctx is cancelled. It may be called once.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	var wg sync.WaitGroup
	defer func() {
		close(s.done)
		wg.Wait()
	}()

	if s.bus != nil {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.subscribe(ctx)
		}()
		go func() {
			defer wg.Done()
			s.publishLoop(ctx)
		}()
	}

	s.logger.Info().Str("instance", s.instanceID).Bool("bus", s.bus != nil).Msg("relay started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("relay stopped")
			return nil
		case it := <-s.inbound:
			s.dispatch(it)
		}
	}
}

// Done is closed once Run has returned.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Connected notifies the relay that connID was accepted.
func (s *Service) Connected(connID string) {
	s.enqueue(item{kind: itemConnected, connID: connID})
}

// Event hands an inbound frame from connID to the relay.
func (s *Service) Event(connID string, ev message.Event) {
	s.enqueue(item{kind: itemEvent, connID: connID, ev: ev})
}

// Disconnected notifies the relay that connID is gone. No further events for
// connID may follow.
func (s *Service) Disconnected(connID string) {
	s.enqueue(item{kind: itemDisconnected, connID: connID})
}

// enqueue blocks while the inbound queue is full and gives up once the
// reactor has stopped.
func (s *Service) enqueue(it item) bool {
	select {
	case s.inbound <- it:
		return true
	case <-s.done:
		return false
	}
}

func (s *Service) dispatch(it item) {
	switch it.kind {
	case itemConnected:
		s.handleConnected(it.connID)
	case itemEvent:
		fn, ok := s.handlers[it.ev.Name]
		if !ok {
			s.logger.Debug().Str("conn", it.connID).Str("event", it.ev.Name).Msg("ignoring unknown event")
			return
		}
		fn(it.connID, it.ev)
	case itemDisconnected:
		s.handleDisconnected(it.connID)
	case itemRemote:
		s.deliverRemote(it.env)
	case itemCall:
		it.fn()
	}
}

// call runs fn on the reactor goroutine and waits for it to finish.
func (s *Service) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	it := item{kind: itemCall, fn: func() {
		fn()
		close(finished)
	}}
	select {
	case s.inbound <- it:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup returns the identity connID joined with.
func (s *Service) Lookup(ctx context.Context, connID string) (user.UserClient, bool, error) {
	var (
		uc user.UserClient
		ok bool
	)
	err := s.call(ctx, func() {
		uc, ok = s.registry.Lookup(connID)
	})
	if err != nil {
		return user.UserClient{}, false, err
	}
	return uc, ok, nil
}

// Connections returns the live connection ids registered under username.
func (s *Service) Connections(ctx context.Context, username string) ([]string, error) {
	var ids []string
	err := s.call(ctx, func() {
		ids = s.members.Connections(username)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Stats is a point-in-time view of the relay's stores.
type Stats struct {
	Joined    int `json:"joined"`
	Usernames int `json:"usernames"`
}

// Stats returns the number of joined connections and known usernames.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.call(ctx, func() {
		st = Stats{Joined: s.registry.Len(), Usernames: s.members.Len()}
	})
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}
