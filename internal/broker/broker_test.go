package broker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/xiehust/owork/internal/common/errors"
	"github.com/xiehust/owork/internal/common/logger"
	"github.com/xiehust/owork/internal/events/bus"
	"github.com/xiehust/owork/internal/storage"
)

func newTestBroker(t *testing.T) (*PermissionBroker, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "owork.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	return NewPermissionBroker(store, eventBus, logger.Default()), store
}

func TestResolveWakesWaiter(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	req, err := b.OpenRequest(ctx, "sess-1", "agent-1", "Bash",
		map[string]interface{}{"command": "rm -rf /tmp/scratch"}, "dangerous command")
	require.NoError(t, err)

	done := make(chan Decision, 1)
	go func() {
		done <- b.Wait(ctx, req.ID, 5*time.Second)
	}()

	// Give the waiter a moment to block on the channel.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Resolve(ctx, req.ID, storage.PermissionApproved, "go ahead"))

	select {
	case d := <-done:
		assert.True(t, d.Approved())
		assert.Equal(t, "go ahead", d.Feedback)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestWaitTimeoutExpiresRequest(t *testing.T) {
	b, store := newTestBroker(t)
	ctx := context.Background()

	req, err := b.OpenRequest(ctx, "sess-1", "agent-1", "Bash",
		map[string]interface{}{"command": "sudo rm x"}, "dangerous command")
	require.NoError(t, err)

	d := b.Wait(ctx, req.ID, 30*time.Millisecond)
	assert.Equal(t, storage.PermissionExpired, d.Status)
	assert.False(t, d.Approved())

	persisted, err := store.GetPermissionRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.PermissionExpired, persisted.Status)

	// An expired request can no longer be resolved.
	err = b.Resolve(ctx, req.ID, storage.PermissionApproved, "")
	assert.True(t, apperrors.IsState(err))
}

func TestResolveTwiceFails(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	req, err := b.OpenRequest(ctx, "sess-1", "agent-1", "Bash",
		map[string]interface{}{"command": "x"}, "r")
	require.NoError(t, err)

	require.NoError(t, b.Resolve(ctx, req.ID, storage.PermissionDenied, "no"))

	err = b.Resolve(ctx, req.ID, storage.PermissionApproved, "changed my mind")
	assert.True(t, apperrors.IsState(err))

	// The waiter still collects the first decision.
	d := b.Wait(ctx, req.ID, time.Second)
	assert.Equal(t, storage.PermissionDenied, d.Status)
	assert.Equal(t, "no", d.Feedback)
}

func TestResolveRejectsInvalidStatus(t *testing.T) {
	b, _ := newTestBroker(t)
	err := b.Resolve(context.Background(), "whatever", "maybe", "")
	require.Error(t, err)
}

func TestWaitUnknownRequest(t *testing.T) {
	b, _ := newTestBroker(t)
	d := b.Wait(context.Background(), "never-opened", 10*time.Millisecond)
	assert.Equal(t, storage.PermissionExpired, d.Status)
}

func TestExpireSessionWakesAllWaiters(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	req1, err := b.OpenRequest(ctx, "sess-1", "agent-1", "Bash", map[string]interface{}{"command": "a"}, "r")
	require.NoError(t, err)
	req2, err := b.OpenRequest(ctx, "sess-1", "agent-1", "Bash", map[string]interface{}{"command": "b"}, "r")
	require.NoError(t, err)
	other, err := b.OpenRequest(ctx, "sess-2", "agent-2", "Bash", map[string]interface{}{"command": "c"}, "r")
	require.NoError(t, err)

	results := make(chan Decision, 2)
	go func() { results <- b.Wait(ctx, req1.ID, 5*time.Second) }()
	go func() { results <- b.Wait(ctx, req2.ID, 5*time.Second) }()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 2, b.ExpireSession(ctx, "sess-1"))

	for i := 0; i < 2; i++ {
		select {
		case d := <-results:
			assert.Equal(t, storage.PermissionExpired, d.Status)
			assert.Equal(t, "session interrupted", d.Feedback)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never woke")
		}
	}

	// The other session's request is untouched.
	require.NoError(t, b.Resolve(ctx, other.ID, storage.PermissionApproved, ""))
}

func TestQueueDequeueRequeue(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, ok := b.Dequeue()
	assert.False(t, ok)

	req1, err := b.OpenRequest(ctx, "sess-1", "agent-1", "Bash", map[string]interface{}{"command": "a"}, "r")
	require.NoError(t, err)
	req2, err := b.OpenRequest(ctx, "sess-2", "agent-2", "Bash", map[string]interface{}{"command": "b"}, "r")
	require.NoError(t, err)

	id, ok := b.Dequeue()
	require.True(t, ok)
	assert.Equal(t, req1.ID, id)

	// A foreign request goes back into rotation.
	b.Requeue(id)

	id, ok = b.Dequeue()
	require.True(t, ok)
	assert.Equal(t, req2.ID, id)
	id, ok = b.Dequeue()
	require.True(t, ok)
	assert.Equal(t, req1.ID, id)
}

func TestApprovalMemory(t *testing.T) {
	b, _ := newTestBroker(t)

	assert.False(t, b.IsApproved("agent-1", "rm -rf build"))

	b.RememberApproval("agent-1", "rm -rf build")
	assert.True(t, b.IsApproved("agent-1", "rm -rf build"))
	assert.False(t, b.IsApproved("agent-1", "rm -rf src"))
	assert.False(t, b.IsApproved("agent-2", "rm -rf build"))

	b.ForgetSession("agent-1")
	assert.False(t, b.IsApproved("agent-1", "rm -rf build"))
}
