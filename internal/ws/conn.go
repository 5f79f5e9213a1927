package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	// sendBufferSize is the number of frames that can be queued per client.
	// Whiteboard sessions burst on every pointer move, so keep it generous.
	sendBufferSize = 256

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

// connEntry holds per-connection metadata alongside the cancel function.
type connEntry struct {
	cancel     context.CancelFunc
	lastActive time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int   `json:"active"`
	MaxConns        int   `json:"max_conns"`
	Rejected        int64 `json:"rejected"`
	DroppedMessages int64 `json:"dropped_messages"`
	IdleReaped      int64 `json:"idle_reaped"`
}

// ConnManager tracks live sockets and owns their buffered send channels and
// write pumps. It enforces the connection limit, reaps idle connections and
// closes everything on shutdown.
type ConnManager struct {
	mu       sync.Mutex
	clients  map[*Client]*connEntry
	closed   bool
	maxConns int
	idleTTL  time.Duration
	stopIdle context.CancelFunc
	logger   zerolog.Logger

	rejected        atomic.Int64
	droppedMessages atomic.Int64
	idleReaped      atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection may stay silent before it is
// closed. A value of 0 disables idle reaping (default).
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.logger = logger
	}
}

// NewConnManager creates a new connection manager with optional configuration.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients: make(map[*Client]*connEntry),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// Add registers a client and starts its write pump. The returned context is
// cancelled when the client is removed or the manager shuts down. A context
// that is already cancelled means the client was refused and its socket
// closed.
func (cm *ConnManager) Add(c *Client) context.Context {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		closeConn(c, websocket.StatusGoingAway, "server shutting down")
		return cancelledContext()
	}
	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.mu.Unlock()
		cm.rejected.Add(1)
		cm.logger.Warn().Str("conn", c.id).Int("max", cm.maxConns).Msg("connection refused, server at capacity")
		closeConn(c, websocket.StatusTryAgainLater, "server at capacity")
		return cancelledContext()
	}

	c.send = make(chan []byte, sendBufferSize)
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c] = &connEntry{
		cancel:     cancel,
		lastActive: time.Now(),
	}
	cm.mu.Unlock()

	go cm.writePump(ctx, c)
	return ctx
}

// Remove stops a client's write pump and cleans it up.
func (cm *ConnManager) Remove(c *Client) {
	cm.mu.Lock()
	entry, ok := cm.clients[c]
	if ok {
		delete(cm.clients, c)
	}
	cm.mu.Unlock()

	if ok {
		entry.cancel()
		close(c.send)
	}
}

// Send queues a frame for delivery. It returns false if the client has been
// removed or its buffer is full, in which case the frame is dropped.
func (cm *ConnManager) Send(c *Client, data []byte) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	// The channel is only closed after the client leaves the map, so the
	// membership check under mu keeps us from sending on a closed channel.
	if _, ok := cm.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		cm.droppedMessages.Add(1)
		cm.logger.Warn().Str("conn", c.id).Msg("send buffer full, dropping frame")
		return false
	}
}

// TouchActivity updates the last-active timestamp for a client.
func (cm *ConnManager) TouchActivity(c *Client) {
	cm.mu.Lock()
	if entry, ok := cm.clients[c]; ok {
		entry.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:          active,
		MaxConns:        maxConns,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.droppedMessages.Load(),
		IdleReaped:      cm.idleReaped.Load(),
	}
}

// Shutdown closes every connection with StatusGoingAway and refuses new
// ones.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	clients := cm.clients
	cm.clients = make(map[*Client]*connEntry)
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}

	// Close waits for each peer's close handshake, so close in parallel.
	// The socket is closed before its context is cancelled: cancelling a
	// pending read first would send a policy-violation close instead.
	var wg sync.WaitGroup
	for c, entry := range clients {
		close(c.send)
		wg.Add(1)
		go func() {
			defer wg.Done()
			closeConn(c, websocket.StatusGoingAway, "server shutting down")
			entry.cancel()
		}()
	}
	wg.Wait()
	cm.logger.Info().Int("closed", len(clients)).Msg("connections closed")
}

// idleReapLoop periodically checks for and closes idle connections.
func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle closes connections that have been idle longer than idleTTL.
func (cm *ConnManager) reapIdle() {
	cm.mu.Lock()
	now := time.Now()
	stale := make(map[*Client]*connEntry)
	for c, entry := range cm.clients {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			stale[c] = entry
			delete(cm.clients, c)
		}
	}
	cm.mu.Unlock()

	for c, entry := range stale {
		close(c.send)
		closeConn(c, websocket.StatusPolicyViolation, "idle timeout")
		entry.cancel()
		cm.idleReaped.Add(1)
		cm.logger.Info().Str("conn", c.id).Msg("reaped idle connection")
	}
}

// writePump drains the client's send channel, writing each frame to the
// socket. It exits when ctx is cancelled, the channel is closed, or a write
// fails; a failed write closes the socket so the read loop ends too.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					cm.logger.Debug().Err(err).Str("conn", c.id).Msg("write failed")
					closeConn(c, websocket.StatusInternalError, "write failed")
				}
				return
			}
		}
	}
}

func closeConn(c *Client, code websocket.StatusCode, reason string) {
	if c.conn != nil {
		c.conn.Close(code, reason)
	}
}

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
