package supervisor

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiehust/owork/internal/agent"
	"github.com/xiehust/owork/internal/broker"
	"github.com/xiehust/owork/internal/common/config"
	apperrors "github.com/xiehust/owork/internal/common/errors"
	"github.com/xiehust/owork/internal/common/logger"
	"github.com/xiehust/owork/internal/events/bus"
	"github.com/xiehust/owork/internal/storage"
	"github.com/xiehust/owork/internal/workspace"
)

type fixture struct {
	supervisor *Supervisor
	store      *storage.Store
	broker     *broker.PermissionBroker
	runtime    *agent.ScriptedRuntime
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	store, err := storage.New(filepath.Join(t.TempDir(), "owork.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	root := t.TempDir()
	cfg := &config.Config{
		Workspace: config.WorkspaceConfig{
			MainDir:      filepath.Join(root, "main"),
			IsolatedRoot: filepath.Join(root, "agents"),
		},
		Anthropic:   config.AnthropicConfig{DefaultModel: "claude-sonnet-4-5"},
		Permissions: config.PermissionsConfig{WaitTimeout: 5},
		Messages:    config.MessagesConfig{TTLDays: 7},
	}

	workspaces := workspace.NewManager(cfg.Workspace, store, logger.Default())
	permBroker := broker.NewPermissionBroker(store, eventBus, logger.Default())
	runtime := agent.NewScriptedRuntime()

	return &fixture{
		supervisor: NewSupervisor(cfg, store, eventBus, permBroker, workspaces, runtime, logger.Default()),
		store:      store,
		broker:     permBroker,
		runtime:    runtime,
	}
}

func (f *fixture) newAgent(t *testing.T, mutate func(*storage.Agent)) *storage.Agent {
	t.Helper()
	ag := &storage.Agent{Name: "test-agent"}
	if mutate != nil {
		mutate(ag)
	}
	require.NoError(t, f.store.PutAgent(context.Background(), ag))
	return ag
}

func initEvent(sessionID string) agent.ScriptStep {
	return agent.ScriptStep{Emit: &agent.Event{
		Type:      agent.EventSystem,
		Subtype:   agent.SubtypeInit,
		SessionID: sessionID,
	}}
}

func assistantText(text string) agent.ScriptStep {
	return agent.ScriptStep{Emit: &agent.Event{
		Type: agent.EventAssistant,
		Raw: map[string]interface{}{
			"message": map[string]interface{}{
				"content": []interface{}{
					map[string]interface{}{"type": "text", "text": text},
				},
			},
		},
	}}
}

func resultEvent() agent.ScriptStep {
	return agent.ScriptStep{Emit: &agent.Event{
		Type:    agent.EventResult,
		Subtype: "success",
		Raw:     map[string]interface{}{"duration_ms": float64(1200), "num_turns": float64(1)},
	}}
}

// drain collects every stream event until the channel closes.
func drain(t *testing.T, out <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-out:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream never closed; got %d events", len(events))
		}
	}
}

func eventTypes(events []StreamEvent) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func findEvent(events []StreamEvent, typ string) *StreamEvent {
	for i := range events {
		if events[i].Type == typ {
			return &events[i]
		}
	}
	return nil
}

func TestConverseNewSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ag := f.newAgent(t, nil)

	f.runtime.AddScript([]agent.ScriptStep{
		initEvent("sess-new"),
		assistantText("hello there"),
		resultEvent(),
	})

	out, err := f.supervisor.Converse(ctx, TurnRequest{AgentID: ag.ID, Prompt: "say hello"})
	require.NoError(t, err)
	events := drain(t, out)

	assert.Equal(t, []string{EventSessionStart, EventAssistant, EventResult}, eventTypes(events))

	start := findEvent(events, EventSessionStart)
	assert.Equal(t, "sess-new", start.Data["session_id"])
	assert.Equal(t, ag.ID, start.Data["agent_id"])

	result := findEvent(events, EventResult)
	assert.Equal(t, float64(1200), result.Data["duration_ms"])

	session, err := f.store.GetSession(ctx, "sess-new")
	require.NoError(t, err)
	assert.Equal(t, ag.ID, session.AgentID)
	assert.Equal(t, "say hello", session.Title)

	msgs, err := f.store.ListMessages(ctx, "sess-new")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, storage.RoleUser, msgs[0].Role)
	assert.Equal(t, "say hello", msgs[0].Content[0].Text)
	assert.Equal(t, storage.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hello there", msgs[1].Content[0].Text)

	assert.False(t, f.supervisor.IsActive("sess-new"))
}

func TestConverseValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.supervisor.Converse(ctx, TurnRequest{AgentID: "x"})
	require.Error(t, err)

	_, err = f.supervisor.Converse(ctx, TurnRequest{AgentID: "missing", Prompt: "hi"})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestConverseResumeChecksOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.newAgent(t, nil)
	other := f.newAgent(t, func(a *storage.Agent) { a.Name = "other" })

	require.NoError(t, f.store.PutSession(ctx, &storage.Session{ID: "sess-1", AgentID: owner.ID}))

	_, err := f.supervisor.Converse(ctx, TurnRequest{AgentID: other.ID, SessionID: "sess-1", Prompt: "hi"})
	require.Error(t, err)
}

func TestPermissionFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ag := f.newAgent(t, func(a *storage.Agent) {
		a.EnableBash = true
		a.EnableApproval = true
	})
	require.NoError(t, f.store.PutSession(ctx, &storage.Session{ID: "sess-1", AgentID: ag.ID}))

	f.runtime.AddScript([]agent.ScriptStep{
		initEvent("sess-1"),
		{ToolName: "Bash", ToolInput: map[string]interface{}{"command": "rm -rf build"}},
		assistantText("cleaned up"),
		resultEvent(),
	})

	out, err := f.supervisor.Converse(ctx, TurnRequest{AgentID: ag.ID, SessionID: "sess-1", Prompt: "clean the build dir"})
	require.NoError(t, err)

	// While the hook waits for approval, the session refuses a second turn.
	collected := make(chan []StreamEvent, 1)
	go func() { collected <- drain(t, out) }()

	var requestID string
	require.Eventually(t, func() bool {
		reqs, err := f.store.ListPendingPermissions(ctx, "sess-1")
		if err != nil || len(reqs) == 0 {
			return false
		}
		requestID = reqs[0].ID
		return true
	}, 5*time.Second, 10*time.Millisecond)

	_, err = f.supervisor.Converse(ctx, TurnRequest{AgentID: ag.ID, SessionID: "sess-1", Prompt: "again"})
	assert.True(t, apperrors.IsConflict(err))

	require.NoError(t, f.supervisor.ResolvePermission(ctx, requestID, true, ""))

	events := <-collected
	assert.NotNil(t, findEvent(events, EventPermissionAsk))
	assert.NotNil(t, findEvent(events, EventAssistant))
	assert.NotNil(t, findEvent(events, EventResult))

	// The approval is remembered under the session key.
	assert.True(t, f.broker.IsApproved("sess-1", "rm -rf build"))

	req, err := f.store.GetPermissionRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, storage.PermissionApproved, req.Status)
}

func TestAutoBlockedCommandSkipsToolOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ag := f.newAgent(t, func(a *storage.Agent) { a.EnableBash = true })

	f.runtime.AddScript([]agent.ScriptStep{
		initEvent("sess-blocked"),
		{ToolName: "Bash", ToolInput: map[string]interface{}{"command": "rm -rf /"}},
		assistantText("done wiping"),
		resultEvent(),
	})

	out, err := f.supervisor.Converse(ctx, TurnRequest{AgentID: ag.ID, Prompt: "wipe the disk"})
	require.NoError(t, err)
	events := drain(t, out)

	// The denied tool call suppresses the scripted follow-up output.
	assert.Nil(t, findEvent(events, EventAssistant))
	assert.NotNil(t, findEvent(events, EventResult))
}

func TestAskUserQuestionEndsTurnAndAnswerResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ag := f.newAgent(t, nil)

	questions := []interface{}{
		map[string]interface{}{"question": "Which environment?", "options": []interface{}{"staging", "prod"}},
	}
	f.runtime.AddScript([]agent.ScriptStep{
		initEvent("sess-q"),
		{ToolName: "AskUserQuestion", ToolInput: map[string]interface{}{"questions": questions}},
		assistantText("should not appear"),
		resultEvent(),
	})

	out, err := f.supervisor.Converse(ctx, TurnRequest{AgentID: ag.ID, Prompt: "deploy the service"})
	require.NoError(t, err)
	events := drain(t, out)

	ask := findEvent(events, EventAskUserQuestion)
	require.NotNil(t, ask)
	assert.Equal(t, "sess-q", ask.Data["session_id"])
	assert.NotNil(t, ask.Data["questions"])
	assert.Nil(t, findEvent(events, EventAssistant))

	// The question is part of the transcript.
	msgs, err := f.store.ListMessages(ctx, "sess-q")
	require.NoError(t, err)
	var sawQuestion bool
	for _, msg := range msgs {
		for _, block := range msg.Content {
			if block.Type == storage.BlockToolUse && block.ToolName == "AskUserQuestion" {
				sawQuestion = true
			}
		}
	}
	assert.True(t, sawQuestion)

	// Answering resumes the same session with the answers as the prompt.
	f.runtime.AddScript([]agent.ScriptStep{
		initEvent("sess-q"),
		assistantText("deploying to staging"),
		resultEvent(),
	})
	out, err = f.supervisor.Answer(ctx, "sess-q", map[string]string{"Which environment?": "staging"})
	require.NoError(t, err)
	events = drain(t, out)
	assert.NotNil(t, findEvent(events, EventAssistant))

	started := f.runtime.StartedOptions()
	require.Len(t, started, 2)
	assert.Equal(t, "sess-q", started[1].Resume)
	assert.Contains(t, started[1].Prompt, "staging")
}

func TestInterruptIdleSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ag := f.newAgent(t, nil)
	require.NoError(t, f.store.PutSession(ctx, &storage.Session{ID: "sess-idle", AgentID: ag.ID}))

	require.NoError(t, f.supervisor.Interrupt(ctx, "sess-idle"))

	err := f.supervisor.Interrupt(ctx, "sess-missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDeriveAllowedTools(t *testing.T) {
	base := deriveAllowedTools(&storage.Agent{})
	assert.Equal(t, []string{"Task", "TodoWrite", "Skill", "AskUserQuestion"}, base)

	full := deriveAllowedTools(&storage.Agent{EnableBash: true, EnableFileTools: true, EnableWebTools: true})
	assert.Contains(t, full, "Bash")
	assert.Contains(t, full, "Read")
	assert.Contains(t, full, "WebSearch")

	explicit := deriveAllowedTools(&storage.Agent{AllowedTools: []string{"Read"}, EnableBash: true})
	assert.Equal(t, []string{"Read"}, explicit)
}

func TestDangerousCommandRoutesThroughApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ag := f.newAgent(t, func(a *storage.Agent) {
		a.EnableBash = true
		a.EnableApproval = true
	})
	require.NoError(t, f.store.PutSession(ctx, &storage.Session{ID: "sess-danger", AgentID: ag.ID}))

	f.runtime.AddScript([]agent.ScriptStep{
		initEvent("sess-danger"),
		{ToolName: "Bash", ToolInput: map[string]interface{}{"command": "rm -rf /tmp/x"}},
		assistantText("removed it"),
		resultEvent(),
	})

	out, err := f.supervisor.Converse(ctx, TurnRequest{AgentID: ag.ID, SessionID: "sess-danger", Prompt: "remove the scratch dir"})
	require.NoError(t, err)

	collected := make(chan []StreamEvent, 1)
	go func() { collected <- drain(t, out) }()

	// An absolute path below the root is not a catastrophic wipe; it must
	// surface as a pending request instead of being auto-blocked.
	var requestID string
	require.Eventually(t, func() bool {
		reqs, err := f.store.ListPendingPermissions(ctx, "sess-danger")
		if err != nil || len(reqs) == 0 {
			return false
		}
		requestID = reqs[0].ID
		return true
	}, 5*time.Second, 10*time.Millisecond)

	req, err := f.store.GetPermissionRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, "Recursive file deletion", req.Reason)

	require.NoError(t, f.supervisor.ResolvePermission(ctx, requestID, false, "too risky"))

	events := <-collected
	ask := findEvent(events, EventPermissionAsk)
	require.NotNil(t, ask)
	assert.Equal(t, "Recursive file deletion", ask.Data["reason"])

	// Denied, so the scripted tool output never appears.
	assert.Nil(t, findEvent(events, EventAssistant))
	assert.NotNil(t, findEvent(events, EventResult))
}

func TestStreamDeliversEveryEventToSlowConsumer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ag := f.newAgent(t, nil)

	// More assistant events than the stream buffer holds.
	steps := []agent.ScriptStep{initEvent("sess-burst")}
	for i := 0; i < 200; i++ {
		steps = append(steps, assistantText("chunk"))
	}
	steps = append(steps, resultEvent())
	f.runtime.AddScript(steps)

	out, err := f.supervisor.Converse(ctx, TurnRequest{AgentID: ag.ID, Prompt: "stream a lot"})
	require.NoError(t, err)

	// Let the producer fill the buffer before anyone reads.
	time.Sleep(300 * time.Millisecond)
	events := drain(t, out)

	var assistants int
	for _, ev := range events {
		if ev.Type == EventAssistant {
			assistants++
		}
	}
	assert.Equal(t, 200, assistants)
	require.NotEmpty(t, events)
	assert.Equal(t, EventResult, events[len(events)-1].Type)
}

func TestResolveExpiredRequestDoesNotSeedApprovals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.broker.OpenRequest(ctx, "sess-exp", "sess-exp", "Bash",
		map[string]interface{}{"command": "rm -rf data"}, "Recursive file deletion")
	require.NoError(t, err)
	require.Equal(t, 1, f.broker.ExpireSession(ctx, "sess-exp"))

	err = f.supervisor.ResolvePermission(ctx, req.ID, true, "")
	assert.True(t, apperrors.IsState(err))

	// A failed resolution must leave no trace in the approval memory.
	assert.False(t, f.broker.IsApproved("sess-exp", "rm -rf data"))
}

func TestSessionTitle(t *testing.T) {
	assert.Equal(t, "given", sessionTitle(TurnRequest{Title: "given", Prompt: "ignored"}))
	assert.Equal(t, "short prompt", sessionTitle(TurnRequest{Prompt: "short prompt"}))

	long := strings.Repeat("长", 100)
	title := sessionTitle(TurnRequest{Prompt: long})
	assert.True(t, utf8.ValidString(title))
	assert.Equal(t, 80, utf8.RuneCountInString(title))
	assert.Equal(t, strings.Repeat("长", 80), title)
}

func TestSandboxDefaultsSplitExcludedCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ag := f.newAgent(t, nil)
	f.supervisor.cfg.Sandbox = config.SandboxConfig{
		EnabledDefault:   true,
		ExcludedCommands: "git push, docker build",
	}

	f.runtime.AddScript([]agent.ScriptStep{initEvent("sess-sbx"), resultEvent()})
	out, err := f.supervisor.Converse(ctx, TurnRequest{AgentID: ag.ID, Prompt: "hi"})
	require.NoError(t, err)
	drain(t, out)

	started := f.runtime.StartedOptions()
	require.Len(t, started, 1)
	require.NotNil(t, started[0].Sandbox)
	assert.True(t, started[0].Sandbox.Enabled)
	assert.Equal(t, []string{"git push", "docker build"}, started[0].Sandbox.ExcludedCommands)
}

func TestPrepareTurnUsesDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ag := f.newAgent(t, nil)

	f.runtime.AddScript([]agent.ScriptStep{initEvent("sess-opts"), resultEvent()})
	out, err := f.supervisor.Converse(ctx, TurnRequest{AgentID: ag.ID, Prompt: "hi"})
	require.NoError(t, err)
	drain(t, out)

	started := f.runtime.StartedOptions()
	require.Len(t, started, 1)
	assert.Equal(t, "claude-sonnet-4-5", started[0].Model)
	assert.NotEmpty(t, started[0].Cwd)
	assert.False(t, started[0].IncludeUserSettings)
	require.NotNil(t, started[0].Sandbox)
}
