package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestPublishRoom(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	roomID := "room-1"

	sub := svc.Client().Subscribe(ctx, roomChannel(roomID))
	defer func() { _ = sub.Close() }()
	time.Sleep(50 * time.Millisecond)

	raw := json.RawMessage(`{"kind":"offer"}`)
	err := svc.PublishRoom(ctx, roomID, "offer", raw, "sender-1", "")
	assert.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	assert.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, roomID, env.RoomID)
	assert.Equal(t, "offer", env.FrameType)
	assert.Equal(t, "sender-1", env.SenderID)
}

func TestSubscribe(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roomID := "room-sub"
	wg := &sync.WaitGroup{}

	received := make(chan Envelope, 1)
	svc.Subscribe(ctx, roomID, wg, func(e Envelope) { received <- e })

	time.Sleep(50 * time.Millisecond)

	env := Envelope{RoomID: roomID, FrameType: "hello", SenderID: "sender-2"}
	data, _ := json.Marshal(env)
	svc.Client().Publish(ctx, roomChannel(roomID), data)

	select {
	case e := <-received:
		assert.Equal(t, "hello", e.FrameType)
		assert.Equal(t, "sender-2", e.SenderID)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	cancel()
	wg.Wait()
}

func TestPing_RedisDown(t *testing.T) {
	svc, mr := newTestService(t)
	mr.Close()

	err := svc.Ping(context.Background())
	assert.Error(t, err)
}

func TestPublishRoom_CircuitBreakerOpen(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	mr.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = svc.PublishRoom(ctx, "room-1", "event", json.RawMessage(`{}`), "sender", "")
	}

	// Once the breaker trips, publishes degrade to nil (graceful drop) rather
	// than blocking or panicking.
	err := svc.PublishRoom(ctx, "room-1", "event", json.RawMessage(`{}`), "sender", "")
	assert.NoError(t, err)
}

func TestNilService_NoOps(t *testing.T) {
	var svc *Service

	assert.Nil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
	assert.NoError(t, svc.PublishRoom(context.Background(), "r", "t", json.RawMessage(`{}`), "s", ""))
	assert.NoError(t, svc.Close())
}
