package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiehust/owork/internal/common/logger"
)

type collector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *collector) handle(_ context.Context, e *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestPublishSubscribeExact(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var c collector
	sub, err := b.Subscribe("sessions.abc.events", c.handle)
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "sessions.abc.events",
		NewEvent("assistant_message", "test", map[string]interface{}{"n": 1})))
	require.NoError(t, b.Publish(context.Background(), "sessions.other.events",
		NewEvent("assistant_message", "test", nil)))

	waitFor(t, func() bool { return c.count() == 1 })
	assert.Equal(t, "assistant_message", c.events[0].Type)
}

func TestWildcardMatching(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var star, rest collector
	_, err := b.Subscribe("sessions.*.events", star.handle)
	require.NoError(t, err)
	_, err = b.Subscribe("sessions.>", rest.handle)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "sessions.abc.events", NewEvent("e", "test", nil)))
	require.NoError(t, b.Publish(ctx, "sessions.abc.events.extra", NewEvent("e", "test", nil)))
	require.NoError(t, b.Publish(ctx, "permissions.requested", NewEvent("e", "test", nil)))

	// * spans exactly one token; > spans the remainder.
	waitFor(t, func() bool { return rest.count() == 2 })
	assert.Equal(t, 1, star.count())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var c collector
	sub, err := b.Subscribe(SubjectPermissionRequested, c.handle)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, SubjectPermissionRequested, NewEvent("e", "test", nil)))
	waitFor(t, func() bool { return c.count() == 1 })

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(ctx, SubjectPermissionRequested, NewEvent("e", "test", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.count())
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "x", NewEvent("e", "test", nil))
	require.Error(t, err)
	_, err = b.Subscribe("x", func(context.Context, *Event) error { return nil })
	require.Error(t, err)
}

func TestSessionSubject(t *testing.T) {
	assert.Equal(t, "sessions.abc.events", SessionSubject("abc"))
}
