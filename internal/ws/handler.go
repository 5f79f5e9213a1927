package ws

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/christopherjohns/collabrelay/internal/message"
	"github.com/christopherjohns/collabrelay/internal/ratelimit"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ConnIDHeader carries the connection id on the upgrade response so clients
// can be addressed by on-user-followed.
const ConnIDHeader = "X-Connection-Id"

// Relay receives the lifecycle and inbound events of every connection.
// For one connection, Connected is called first and Disconnected last,
// exactly once each; Event calls in between arrive in frame order.
type Relay interface {
	Connected(connID string)
	Event(connID string, ev message.Event)
	Disconnected(connID string)
}

// Handler handles WebSocket upgrade requests and client read loops.
type Handler struct {
	hub       *Hub
	relay     Relay
	limiter   *ratelimit.IPLimiter
	origins   []string
	readLimit int64
	logger    zerolog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRateLimiter rejects upgrade attempts from IPs over the limit.
func WithRateLimiter(l *ratelimit.IPLimiter) HandlerOption {
	return func(h *Handler) {
		h.limiter = l
	}
}

// WithAllowedOrigin restricts the Origin header accepted on upgrade. "*" or
// an empty value accepts any origin. Several origins may be comma separated.
func WithAllowedOrigin(origin string) HandlerOption {
	return func(h *Handler) {
		h.origins = originPatterns(origin)
	}
}

// WithReadLimit sets the maximum size in bytes of one inbound frame.
func WithReadLimit(n int64) HandlerOption {
	return func(h *Handler) {
		h.readLimit = n
	}
}

// NewHandler creates a new WebSocket Handler.
func NewHandler(hub *Hub, relay Relay, opts ...HandlerOption) *Handler {
	h := &Handler{
		hub:    hub,
		relay:  relay,
		logger: hub.logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the HTTP connection to a WebSocket and runs the
// read loop for the client.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := ratelimit.ClientIP(r)
	if h.limiter.Enabled() && !h.limiter.Allow(ip) {
		h.logger.Warn().Str("ip", ip).Msg("connection rate limit exceeded")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	id := uuid.NewString()
	w.Header().Set(ConnIDHeader, id)

	opts := &websocket.AcceptOptions{}
	if len(h.origins) == 0 {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = h.origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Debug().Err(err).Str("ip", ip).Msg("accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	if h.readLimit > 0 {
		conn.SetReadLimit(h.readLimit)
	}

	client := &Client{
		id:   id,
		conn: conn,
		addr: ip,
	}

	connCtx, ok := h.hub.addClient(client)
	if !ok {
		return
	}
	h.logger.Debug().Str("conn", client.id).Str("ip", ip).Msg("client connected")

	h.relay.Connected(client.id)
	defer func() {
		roomID, _ := h.hub.RoomOf(client.id)
		h.hub.removeClient(client)
		h.relay.Disconnected(client.id)
		h.logger.Debug().Str("conn", client.id).Str("room", roomID).Msg("client disconnected")
	}()

	h.readLoop(r.Context(), connCtx, client)
}

// readLoop reads frames from the client until the connection closes or the
// connection manager cancels connCtx.
func (h *Handler) readLoop(ctx context.Context, connCtx context.Context, client *Client) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(connCtx, cancel)
	defer stop()

	for {
		typ, data, err := client.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancelled.
			return
		}

		// Mark activity so idle reaping doesn't close active connections.
		h.hub.ConnMgr().TouchActivity(client)

		if typ != websocket.MessageText {
			h.logger.Debug().Str("conn", client.id).Msg("ignoring binary frame")
			continue
		}
		ev, err := message.Decode(data)
		if err != nil {
			h.logger.Debug().Err(err).Str("conn", client.id).Msg("dropping malformed frame")
			continue
		}
		h.relay.Event(client.id, ev)
	}
}

// originPatterns turns a CORS origin setting into the host patterns
// websocket.Accept matches against.
func originPatterns(origin string) []string {
	var patterns []string
	for _, o := range strings.Split(origin, ",") {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			return nil
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}
