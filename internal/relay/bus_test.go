package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/christopherjohns/collabrelay/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoInstances starts two relay services sharing one in-process bus.
// Connections a1, a2 live on the first, b1 on the second.
func twoInstances(t *testing.T) (*Service, *fakeTransport, *Service, *fakeTransport) {
	t.Helper()
	bus := message.NewLocalBus()
	trA := newFakeTransport("a1", "a2")
	trB := newFakeTransport("b1")
	svcA := startService(t, trA, WithBus(bus), WithInstanceID("A"))
	svcB := startService(t, trB, WithBus(bus), WithInstanceID("B"))
	require.Eventually(t, func() bool { return bus.Subscribers() == 2 }, 2*time.Second, 10*time.Millisecond)
	return svcA, trA, svcB, trB
}

func TestBusBroadcastReachesOtherInstance(t *testing.T) {
	svcA, trA, svcB, trB := twoInstances(t)
	join(t, svcA, "a1", "R", "alice")
	join(t, svcA, "a2", "R", "amy")
	join(t, svcB, "b1", "R", "bob")

	data := json.RawMessage(`{"elements":[]}`)
	svcA.Event("a1", event(t, message.EventBroadcastWhiteboard, "R", data))

	require.Eventually(t, func() bool {
		return len(trB.received("b1", message.EventClientBroadcastWhiteboard)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := trB.received("b1", message.EventClientBroadcastWhiteboard)[0]
	assert.Equal(t, string(data), string(got.Args[0]))
	assert.Equal(t, `"alice"`, string(got.Args[1]))

	// Give a looped-back envelope time to arrive before checking for duplicates.
	time.Sleep(100 * time.Millisecond)
	flush(t, svcA)
	assert.Len(t, trA.received("a2", message.EventClientBroadcastWhiteboard), 1)
	assert.Empty(t, trA.received("a1", message.EventClientBroadcastWhiteboard))
}

func TestBusFollowReachesOtherInstance(t *testing.T) {
	svcA, trA, _, trB := twoInstances(t)

	payload := followPayload("b1", "bob")
	svcA.Event("a1", event(t, message.EventUserFollowed, payload))

	require.Eventually(t, func() bool {
		return len(trB.received("b1", message.EventUserFollowed)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, string(payload), string(trB.received("b1", message.EventUserFollowed)[0].Args[0]))
	assert.Empty(t, trA.received("a1", message.EventUserFollowed))
}

func TestBusLocalFollowIsNotPublished(t *testing.T) {
	bus := &recordingBus{}
	tr := newFakeTransport("a", "b")
	svc := startService(t, tr, WithBus(bus))

	svc.Event("a", event(t, message.EventUserFollowed, followPayload("b", "")))
	flush(t, svc)
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, bus.published())
}

func TestBusPublishStampsOrigin(t *testing.T) {
	bus := &recordingBus{}
	tr := newFakeTransport("a")
	svc := startService(t, tr, WithBus(bus), WithInstanceID("me"))

	svc.Event("a", event(t, message.EventBroadcastWhiteboard, "R", json.RawMessage(`1`)))

	require.Eventually(t, func() bool { return len(bus.published()) == 1 }, 2*time.Second, 10*time.Millisecond)
	env := bus.published()[0]
	assert.Equal(t, "me", env.Origin)
	assert.Equal(t, "R", env.RoomID)
	assert.Equal(t, "a", env.Except)
	assert.Equal(t, message.EventClientBroadcastWhiteboard, env.Event.Name)
}

func TestBusPublishErrorIsNotFatal(t *testing.T) {
	bus := &recordingBus{err: errors.New("broker down")}
	tr := newFakeTransport("a", "b")
	svc := startService(t, tr, WithBus(bus))
	join(t, svc, "a", "R", "alice")
	join(t, svc, "b", "R", "bob")

	svc.Event("a", event(t, message.EventBroadcastWhiteboard, "R", json.RawMessage(`1`)))
	flush(t, svc)

	assert.Len(t, tr.received("b", message.EventClientBroadcastWhiteboard), 1)
}

func TestDeliverRemoteWithoutDestination(t *testing.T) {
	tr := newFakeTransport("a")
	svc := New(tr)
	svc.deliverRemote(message.Envelope{Origin: "x", Event: event(t, message.EventInitRoom)})
	assert.Empty(t, tr.sent)
}

// recordingBus keeps published envelopes and never delivers anything.
type recordingBus struct {
	mu   sync.Mutex
	envs []message.Envelope
	err  error
}

func (b *recordingBus) Publish(_ context.Context, env message.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envs = append(b.envs, env)
	return b.err
}

func (b *recordingBus) Subscribe(ctx context.Context, _ func(message.Envelope)) error {
	<-ctx.Done()
	return nil
}

func (b *recordingBus) published() []message.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]message.Envelope(nil), b.envs...)
}
