package hooks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiehust/owork/internal/broker"
	"github.com/xiehust/owork/internal/common/logger"
	"github.com/xiehust/owork/internal/events/bus"
	"github.com/xiehust/owork/internal/policy"
	"github.com/xiehust/owork/internal/storage"
)

func bashCall(command string) *ToolCall {
	return &ToolCall{ToolName: "Bash", Input: map[string]interface{}{"command": command}}
}

func newApprovalFixture(t *testing.T) (*broker.PermissionBroker, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "owork.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	return broker.NewPermissionBroker(store, eventBus, logger.Default()), store
}

func TestAutoBlockHook(t *testing.T) {
	h := &AutoBlockHook{Logger: logger.Default()}

	assert.True(t, h.Matches("Bash"))
	assert.False(t, h.Matches("Read"))

	outcome := h.Evaluate(context.Background(), bashCall("rm -rf /"))
	assert.False(t, outcome.Allowed())
	assert.NotEmpty(t, outcome.Reason)

	outcome = h.Evaluate(context.Background(), bashCall("ls -la"))
	assert.True(t, outcome.Allowed())
}

func TestApprovalHookSafeCommandPasses(t *testing.T) {
	b, _ := newApprovalFixture(t)
	h := &ApprovalHook{
		Broker:  b,
		Session: NewSessionContext("agent-1", ""),
		Enabled: true,
		Timeout: time.Second,
		Logger:  logger.Default(),
	}

	outcome := h.Evaluate(context.Background(), bashCall("go test ./..."))
	assert.True(t, outcome.Allowed())
}

func TestApprovalHookDisabledDeniesDangerous(t *testing.T) {
	b, _ := newApprovalFixture(t)
	h := &ApprovalHook{
		Broker:  b,
		Session: NewSessionContext("agent-1", ""),
		Enabled: false,
		Timeout: time.Second,
		Logger:  logger.Default(),
	}

	outcome := h.Evaluate(context.Background(), bashCall("rm -rf build"))
	assert.False(t, outcome.Allowed())
	assert.Contains(t, outcome.Reason, "approvals are disabled")
}

func TestApprovalHookApproveFlow(t *testing.T) {
	b, store := newApprovalFixture(t)
	session := NewSessionContext("agent-1", "")
	session.SetSessionID("sess-1")
	h := &ApprovalHook{
		Broker:  b,
		Session: session,
		Enabled: true,
		Timeout: 5 * time.Second,
		Logger:  logger.Default(),
	}

	// Approve the request as soon as it shows up in storage.
	go func() {
		ctx := context.Background()
		for i := 0; i < 200; i++ {
			reqs, err := store.ListPendingPermissions(ctx, "sess-1")
			if err == nil && len(reqs) > 0 {
				_ = b.Resolve(ctx, reqs[0].ID, storage.PermissionApproved, "")
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	outcome := h.Evaluate(context.Background(), bashCall("rm -rf build"))
	assert.True(t, outcome.Allowed())

	// The approval is remembered: the same command passes without a prompt.
	outcome = h.Evaluate(context.Background(), bashCall("rm -rf build"))
	assert.True(t, outcome.Allowed())

	// A different dangerous command still needs its own approval.
	impatient := &ApprovalHook{Broker: b, Session: session, Enabled: true, Timeout: 30 * time.Millisecond, Logger: logger.Default()}
	outcome = impatient.Evaluate(context.Background(), bashCall("rm -rf dist"))
	assert.False(t, outcome.Allowed())
	assert.Contains(t, outcome.Reason, "timed out")
}

func TestApprovalHookDenialCarriesFeedback(t *testing.T) {
	b, store := newApprovalFixture(t)
	session := NewSessionContext("agent-1", "")
	session.SetSessionID("sess-1")
	h := &ApprovalHook{
		Broker:  b,
		Session: session,
		Enabled: true,
		Timeout: 5 * time.Second,
		Logger:  logger.Default(),
	}

	go func() {
		ctx := context.Background()
		for i := 0; i < 200; i++ {
			reqs, err := store.ListPendingPermissions(ctx, "sess-1")
			if err == nil && len(reqs) > 0 {
				_ = b.Resolve(ctx, reqs[0].ID, storage.PermissionDenied, "use the staging cluster")
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	outcome := h.Evaluate(context.Background(), bashCall("sudo rm /etc/hosts"))
	assert.False(t, outcome.Allowed())
	assert.Contains(t, outcome.Reason, "use the staging cluster")
}

func TestSkillGateHook(t *testing.T) {
	h := &SkillGateHook{
		Allowed: map[string]bool{"data-cleaner": true, "report-writer": true},
		Logger:  logger.Default(),
	}

	assert.True(t, h.Matches("Skill"))
	assert.False(t, h.Matches("Bash"))

	eval := func(input map[string]interface{}) Outcome {
		return h.Evaluate(context.Background(), &ToolCall{ToolName: "Skill", Input: input})
	}

	assert.True(t, eval(map[string]interface{}{"command": "data-cleaner"}).Allowed())

	// Plugin-namespaced references resolve to the last segment.
	assert.True(t, eval(map[string]interface{}{"command": "pdf-pack:report-writer"}).Allowed())

	denied := eval(map[string]interface{}{"command": "forbidden"})
	assert.False(t, denied.Allowed())
	assert.Contains(t, denied.Reason, "data-cleaner, report-writer")

	assert.False(t, eval(map[string]interface{}{}).Allowed())

	none := &SkillGateHook{Allowed: map[string]bool{}, Logger: logger.Default()}
	outcome := none.Evaluate(context.Background(), &ToolCall{
		ToolName: "Skill",
		Input:    map[string]interface{}{"command": "anything"},
	})
	assert.False(t, outcome.Allowed())
	assert.Contains(t, outcome.Reason, "no skills enabled")
}

func TestFileGateHook(t *testing.T) {
	h := &FileGateHook{
		Policy: policy.NewContentAccessPolicy([]string{"/workspaces/agent-1"}),
		Logger: logger.Default(),
	}

	assert.True(t, h.Matches("Bash"))
	assert.True(t, h.Matches("Read"))
	assert.True(t, h.Matches("Glob"))
	assert.False(t, h.Matches("WebSearch"))

	inside := h.Evaluate(context.Background(), &ToolCall{
		ToolName: "Read",
		Input:    map[string]interface{}{"file_path": "/workspaces/agent-1/notes.md"},
	})
	assert.True(t, inside.Allowed())

	outside := h.Evaluate(context.Background(), &ToolCall{
		ToolName: "Write",
		Input:    map[string]interface{}{"file_path": "/etc/cron.d/job"},
	})
	assert.False(t, outside.Allowed())
	assert.Contains(t, outside.Reason, "/etc/cron.d/job")

	assert.True(t, h.Evaluate(context.Background(), bashCall("cat /workspaces/agent-1/notes.md")).Allowed())
	assert.False(t, h.Evaluate(context.Background(), bashCall("cat /workspaces/agent-2/secrets.txt")).Allowed())
}
