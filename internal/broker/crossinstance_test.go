package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avery-oss/signalbroker/internal/bus"
)

// twoInstances wires two Broker values to the same in-memory Redis, standing
// in for two broker processes behind a load balancer.
func twoInstances(t *testing.T) (*Broker, *Broker) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	svc1, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc1.Close() })

	svc2, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc2.Close() })

	return New(0, 0, 4096, 1000, 1000, svc1), New(0, 0, 4096, 1000, 1000, svc2)
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, cond(), "condition never became true")
}

func TestDispatch_Fanout_CrossInstanceDeliversToRemoteRoomMember(t *testing.T) {
	broker1, broker2 := twoInstances(t)

	a, _ := admitClient(t, broker1)
	broker1.Dispatch(context.Background(), a.ID, []byte(`{"type":"join-room","room":"lobby"}`))

	bRec, bSender := admitClient(t, broker2)
	broker2.Dispatch(context.Background(), bRec.ID, []byte(`{"type":"join-room","room":"lobby"}`))

	broker1.Dispatch(context.Background(), a.ID, []byte(`{"type":"chat","text":"hi"}`))

	eventually(t, 2*time.Second, func() bool {
		for _, f := range bSender.received() {
			if f["type"] == "chat" {
				return true
			}
		}
		return false
	})

	frames := bSender.received()
	var chat map[string]any
	for _, f := range frames {
		if f["type"] == "chat" {
			chat = f
		}
	}
	require.NotNil(t, chat)
	assert.Equal(t, a.ID, chat["from"])
	assert.Equal(t, "hi", chat["text"])
}

func TestDispatch_Relay_CrossInstanceDeliversOnlyToTarget(t *testing.T) {
	broker1, broker2 := twoInstances(t)

	a, _ := admitClient(t, broker1)
	broker1.Dispatch(context.Background(), a.ID, []byte(`{"type":"join-room","room":"lobby"}`))

	bRec, bSender := admitClient(t, broker2)
	broker2.Dispatch(context.Background(), bRec.ID, []byte(`{"type":"join-room","room":"lobby"}`))

	cRec, cSender := admitClient(t, broker2)
	broker2.Dispatch(context.Background(), cRec.ID, []byte(`{"type":"join-room","room":"lobby"}`))

	msg := []byte(`{"type":"offer","to":"` + bRec.ID + `","sdp":"x"}`)
	broker1.Dispatch(context.Background(), a.ID, msg)

	eventually(t, 2*time.Second, func() bool {
		return len(bSender.received()) > 3 // room-joined, room-peers, peer-joined for c, then the relay
	})

	found := false
	for _, f := range bSender.received() {
		if f["type"] == "offer" {
			found = true
			assert.Equal(t, a.ID, f["from"])
		}
	}
	assert.True(t, found, "target should have received the cross-instance relay")

	for _, f := range cSender.received() {
		assert.NotEqual(t, "offer", f["type"], "only the addressed target should receive the relay")
	}
}

func TestBroker_UnsubscribesWhenLastLocalMemberLeaves(t *testing.T) {
	broker1, _ := twoInstances(t)

	a, _ := admitClient(t, broker1)
	broker1.Dispatch(context.Background(), a.ID, []byte(`{"type":"join-room","room":"lobby"}`))

	broker1.subsMu.Lock()
	_, subscribed := broker1.subs["lobby"]
	broker1.subsMu.Unlock()
	require.True(t, subscribed)

	broker1.Dispatch(context.Background(), a.ID, []byte(`{"type":"leave-room"}`))

	broker1.subsMu.Lock()
	_, stillSubscribed := broker1.subs["lobby"]
	broker1.subsMu.Unlock()
	assert.False(t, stillSubscribed)
}
