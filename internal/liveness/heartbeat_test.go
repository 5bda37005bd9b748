package liveness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/avery-oss/signalbroker/internal/ratelimit"
	"github.com/avery-oss/signalbroker/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSender struct {
	mu       sync.Mutex
	pingErr  error
	pings    int
	closed   bool
	closeMsg string
}

func (f *fakeSender) EnqueueFrame(data []byte) {}

func (f *fakeSender) SendPing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeSender) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeMsg = reason
}

func (f *fakeSender) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

type fakeEvictor struct {
	mu     sync.Mutex
	evicted []string
}

func (e *fakeEvictor) Evict(ctx context.Context, clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = append(e.evicted, clientID)
}

func (e *fakeEvictor) evictedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.evicted...)
}

func TestTick_PingsAliveClientAndClearsFlag(t *testing.T) {
	reg := registry.New(0)
	sender := &fakeSender{}
	rec, err := reg.Admit(sender, ratelimit.NewBucket(10, 20))
	require.NoError(t, err)

	ev := &fakeEvictor{}
	c := NewChecker(time.Second, reg, ev)
	c.tick(context.Background())

	assert.Equal(t, 1, sender.pingCount())
	assert.False(t, rec.Alive())
	assert.Empty(t, ev.evictedIDs())
}

func TestTick_EvictsClientThatMissedPreviousPong(t *testing.T) {
	reg := registry.New(0)
	sender := &fakeSender{}
	rec, err := reg.Admit(sender, ratelimit.NewBucket(10, 20))
	require.NoError(t, err)
	rec.SetAlive(false) // simulates a client that never answered the last ping

	ev := &fakeEvictor{}
	c := NewChecker(time.Second, reg, ev)
	c.tick(context.Background())

	assert.Equal(t, []string{rec.ID}, ev.evictedIDs())
	assert.Equal(t, 0, sender.pingCount(), "an already-missed client is evicted, not re-pinged")
}

func TestTick_EvictsOnFailedPing(t *testing.T) {
	reg := registry.New(0)
	sender := &fakeSender{pingErr: assertError{}}
	rec, err := reg.Admit(sender, ratelimit.NewBucket(10, 20))
	require.NoError(t, err)

	ev := &fakeEvictor{}
	c := NewChecker(time.Second, reg, ev)
	c.tick(context.Background())

	assert.Equal(t, []string{rec.ID}, ev.evictedIDs())
}

type assertError struct{}

func (assertError) Error() string { return "ping failed" }

func TestRun_StopsOnContextCancel(t *testing.T) {
	reg := registry.New(0)
	ev := &fakeEvictor{}
	c := NewChecker(5*time.Millisecond, reg, ev)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
