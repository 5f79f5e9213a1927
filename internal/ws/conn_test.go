package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/christopherjohns/collabrelay/internal/message"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Clients without a socket are fine for ConnManager tests as long as
// nothing is sent to them: the write pump only touches conn on a write.

func TestConnManagerAddRemove(t *testing.T) {
	cm := NewConnManager()
	client := &Client{id: "test-1"}

	ctx := cm.Add(client)
	if cm.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", cm.Count())
	}
	if client.send == nil {
		t.Fatal("expected send channel to be initialized")
	}

	select {
	case <-ctx.Done():
		t.Fatal("context should not be cancelled yet")
	default:
	}

	cm.Remove(client)
	if cm.Count() != 0 {
		t.Fatalf("expected 0 connections after remove, got %d", cm.Count())
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context should be cancelled after remove")
	}
}

func TestConnManagerDoubleRemove(t *testing.T) {
	cm := NewConnManager()
	client := &Client{id: "test-1"}
	cm.Add(client)

	cm.Remove(client)
	// A second remove must not close the send channel again.
	cm.Remove(client)

	if cm.Count() != 0 {
		t.Fatalf("expected 0 connections, got %d", cm.Count())
	}
}

func TestConnManagerSendAfterRemove(t *testing.T) {
	cm := NewConnManager()
	client := &Client{id: "test-1"}
	cm.Add(client)
	cm.Remove(client)

	if cm.Send(client, []byte(`["init-room"]`)) {
		t.Fatal("expected send to a removed client to fail")
	}
}

func TestConnManagerSendBufferFull(t *testing.T) {
	cm := NewConnManager()
	// Register without a write pump so nothing drains the channel.
	client := &Client{id: "slow", send: make(chan []byte, 1)}
	cm.clients[client] = &connEntry{cancel: func() {}, lastActive: time.Now()}

	if !cm.Send(client, []byte("1")) {
		t.Fatal("first send should fit in the buffer")
	}
	if cm.Send(client, []byte("2")) {
		t.Fatal("second send should be dropped")
	}
	if got := cm.Stats().DroppedMessages; got != 1 {
		t.Fatalf("expected 1 dropped message, got %d", got)
	}
}

func TestConnManagerMaxConns(t *testing.T) {
	cm := NewConnManager(WithMaxConns(1))

	first := cm.Add(&Client{id: "a"})
	if first.Err() != nil {
		t.Fatal("first client should be accepted")
	}
	second := cm.Add(&Client{id: "b"})
	if second.Err() == nil {
		t.Fatal("second client should be refused")
	}

	stats := cm.Stats()
	if stats.Active != 1 || stats.MaxConns != 1 || stats.Rejected != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestConnManagerShutdown(t *testing.T) {
	cm := NewConnManager()
	ctxs := []context.Context{
		cm.Add(&Client{id: "a"}),
		cm.Add(&Client{id: "b"}),
	}

	cm.Shutdown()

	if cm.Count() != 0 {
		t.Fatalf("expected 0 connections after shutdown, got %d", cm.Count())
	}
	for i, ctx := range ctxs {
		if ctx.Err() == nil {
			t.Fatalf("context %d should be cancelled after shutdown", i)
		}
	}
}

func TestConnManagerShutdownRejectsNew(t *testing.T) {
	cm := NewConnManager()
	cm.Shutdown()

	ctx := cm.Add(&Client{id: "late"})
	if ctx.Err() == nil {
		t.Fatal("expected add after shutdown to be refused")
	}
	if cm.Count() != 0 {
		t.Fatalf("expected 0 connections, got %d", cm.Count())
	}
}

func TestConnManagerReapIdle(t *testing.T) {
	cm := NewConnManager(WithIdleTimeout(time.Minute))
	defer cm.Shutdown()

	idle := &Client{id: "idle"}
	active := &Client{id: "active"}
	idleCtx := cm.Add(idle)
	cm.Add(active)

	cm.mu.Lock()
	cm.clients[idle].lastActive = time.Now().Add(-2 * time.Minute)
	cm.mu.Unlock()
	cm.TouchActivity(active)

	cm.reapIdle()

	if cm.Count() != 1 {
		t.Fatalf("expected 1 connection after reaping, got %d", cm.Count())
	}
	if idleCtx.Err() == nil {
		t.Fatal("idle client's context should be cancelled")
	}
	if got := cm.Stats().IdleReaped; got != 1 {
		t.Fatalf("expected 1 reaped, got %d", got)
	}
}

func TestConnManagerConcurrentSend(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	ts := newTestServer(t, hub)
	defer ts.Close()

	conn := dialAs(t, hub, ts.URL, "a")
	defer conn.Close(websocket.StatusNormalClosure, "")

	const senders, perSender = 8, 10
	ev := mustEvent(t, message.EventInitRoom)

	var wg sync.WaitGroup
	for range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perSender {
				hub.Emit("a", ev)
			}
		}()
	}
	wg.Wait()

	for range senders * perSender {
		if got := readEvent(t, conn); got.Name != message.EventInitRoom {
			t.Fatalf("unexpected event %q", got.Name)
		}
	}
}

func TestConnManagerSendDuringRemove(t *testing.T) {
	cm := NewConnManager()
	// Registered without a write pump so the nil conn is never written to.
	client := &Client{id: "racy", send: make(chan []byte, sendBufferSize)}
	cm.clients[client] = &connEntry{cancel: func() {}, lastActive: time.Now()}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 1000 {
			// Send must never hit the closed channel.
			cm.Send(client, nil)
		}
	}()
	cm.Remove(client)
	<-done
}
