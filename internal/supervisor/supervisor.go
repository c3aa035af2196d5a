// Package supervisor drives conversations: it prepares the agent
// workspace and options, launches the runtime, fuses the agent event
// stream with permission prompts, and persists the transcript.
package supervisor

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/xiehust/owork/internal/agent"
	"github.com/xiehust/owork/internal/broker"
	"github.com/xiehust/owork/internal/common/config"
	apperrors "github.com/xiehust/owork/internal/common/errors"
	"github.com/xiehust/owork/internal/common/logger"
	"github.com/xiehust/owork/internal/events/bus"
	"github.com/xiehust/owork/internal/hooks"
	"github.com/xiehust/owork/internal/policy"
	"github.com/xiehust/owork/internal/storage"
	"github.com/xiehust/owork/internal/workspace"
)

// StreamEvent is one item on a conversation's outbound stream. The same
// events are published on the session's bus subject.
type StreamEvent struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Stream event types.
const (
	EventSessionStart    = "session_start"
	EventAssistant       = "assistant_message"
	EventToolResult      = "tool_result"
	EventPermissionAsk   = "permission_request"
	EventPermissionAck   = "permission_acknowledged"
	EventAskUserQuestion = "ask_user_question"
	EventResult          = "result"
	EventInterrupted     = "interrupted"
	EventError           = "error"
)

// TurnRequest starts or resumes a conversation turn.
type TurnRequest struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id,omitempty"`
	Prompt    string `json:"prompt"`
	Title     string `json:"title,omitempty"`
}

// Supervisor owns the live turns.
type Supervisor struct {
	cfg        *config.Config
	store      *storage.Store
	bus        bus.EventBus
	broker     *broker.PermissionBroker
	workspaces *workspace.Manager
	runtime    agent.Runtime
	logger     *logger.Logger

	mu     sync.Mutex
	active map[string]*liveTurn
}

type liveTurn struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	handle agent.Handle
}

func (t *liveTurn) setHandle(h agent.Handle) {
	t.mu.Lock()
	t.handle = h
	t.mu.Unlock()
}

func (t *liveTurn) interrupt(ctx context.Context) {
	t.mu.Lock()
	h := t.handle
	t.mu.Unlock()
	if h != nil {
		_ = h.Interrupt(ctx)
	}
}

// NewSupervisor wires the conversation engine.
func NewSupervisor(cfg *config.Config, store *storage.Store, eventBus bus.EventBus, permBroker *broker.PermissionBroker, workspaces *workspace.Manager, runtime agent.Runtime, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		store:      store,
		bus:        eventBus,
		broker:     permBroker,
		workspaces: workspaces,
		runtime:    runtime,
		logger:     log,
		active:     make(map[string]*liveTurn),
	}
}

// Converse runs one turn. The returned channel closes when the turn ends.
// Events are never dropped; a caller that stops reading must keep
// draining (the gateway does this in the background on disconnect) or
// the turn backpressures until it is interrupted.
func (s *Supervisor) Converse(ctx context.Context, req TurnRequest) (<-chan StreamEvent, error) {
	if req.Prompt == "" {
		return nil, apperrors.BadRequest("prompt is required")
	}
	ag, err := s.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	if req.SessionID != "" {
		session, err := s.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if session.AgentID != ag.ID {
			return nil, apperrors.BadRequest("session %s does not belong to agent %s", req.SessionID, ag.ID)
		}
		if s.isActive(req.SessionID) {
			return nil, apperrors.Conflict("session %s already has a turn in flight", req.SessionID).
				WithAction("Interrupt the running turn or wait for it to finish")
		}
	}

	opts, sctx, err := s.prepareTurn(ctx, ag, req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent, 128)
	turnCtx, cancel := context.WithCancel(context.Background())
	turn := &liveTurn{cancel: cancel}
	if req.SessionID != "" {
		s.register(req.SessionID, turn)
	}

	go s.runTurn(turnCtx, turn, ag, req, opts, sctx, out)
	return out, nil
}

// Answer resumes a session with the user's answers to an
// AskUserQuestion prompt. Answers are forwarded as a JSON user message.
func (s *Supervisor) Answer(ctx context.Context, sessionID string, answers map[string]string) (<-chan StreamEvent, error) {
	if len(answers) == 0 {
		return nil, apperrors.BadRequest("answers are required")
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(map[string]interface{}{"answers": answers})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to encode answers")
	}
	return s.Converse(ctx, TurnRequest{
		AgentID:   session.AgentID,
		SessionID: sessionID,
		Prompt:    string(payload),
	})
}

// ResolvePermission applies a human decision to a pending request.
// Approvals of shell commands are remembered for the request's session
// key so identical repeats skip the prompt.
func (s *Supervisor) ResolvePermission(ctx context.Context, requestID string, approve bool, feedback string) error {
	req, err := s.store.GetPermissionRequest(ctx, requestID)
	if err != nil {
		return err
	}

	status := storage.PermissionDenied
	if approve {
		status = storage.PermissionApproved
	}

	if err := s.broker.Resolve(ctx, requestID, status, feedback); err != nil {
		return err
	}

	// Memoize only once the pending->approved transition is confirmed; an
	// expired or already-resolved request must not seed the approval set.
	if approve {
		if command, ok := req.ToolInput["command"].(string); ok && command != "" {
			s.broker.RememberApproval(req.SessionKey, command)
		}
	}

	if req.SessionID != "" {
		event := bus.NewEvent(EventPermissionAck, "supervisor", map[string]interface{}{
			"request_id": requestID,
			"status":     status,
		})
		if err := s.bus.Publish(ctx, bus.SessionSubject(req.SessionID), event); err != nil {
			s.logger.Warn("Failed to publish permission acknowledgement", zap.Error(err))
		}
	}
	return nil
}

// Interrupt stops the session's running turn, if any, and expires its
// pending permission requests so blocked hooks wake with a denial.
// Interrupting an idle session is a no-op.
func (s *Supervisor) Interrupt(ctx context.Context, sessionID string) error {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	turn := s.active[sessionID]
	s.mu.Unlock()

	if turn != nil {
		turn.interrupt(ctx)
	}
	s.broker.ExpireSession(ctx, sessionID)

	event := bus.NewEvent(EventInterrupted, "supervisor", map[string]interface{}{
		"session_id": sessionID,
	})
	if err := s.bus.Publish(ctx, bus.SessionSubject(sessionID), event); err != nil {
		s.logger.Warn("Failed to publish interrupt event", zap.Error(err))
	}
	return nil
}

// IsActive reports whether the session has a turn in flight.
func (s *Supervisor) IsActive(sessionID string) bool {
	return s.isActive(sessionID)
}

func (s *Supervisor) isActive(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[sessionID]
	return ok
}

func (s *Supervisor) register(sessionID string, turn *liveTurn) {
	s.mu.Lock()
	s.active[sessionID] = turn
	s.mu.Unlock()
}

func (s *Supervisor) unregister(sessionID string, turn *liveTurn) {
	s.mu.Lock()
	if s.active[sessionID] == turn {
		delete(s.active, sessionID)
	}
	s.mu.Unlock()
}

// prepareTurn rebuilds the workspace and assembles runtime options and
// the hook session context.
func (s *Supervisor) prepareTurn(ctx context.Context, ag *storage.Agent, req TurnRequest) (agent.Options, *hooks.SessionContext, error) {
	sctx := hooks.NewSessionContext(ag.ID, req.SessionID)

	cwd := s.workspaces.MainDir()
	if !ag.GlobalUserMode {
		rebuilt, err := s.workspaces.RebuildAgentWorkspace(ctx, ag.ID, ag.SkillIDs, ag.AllowAllSkills)
		if err != nil {
			return agent.Options{}, nil, err
		}
		cwd = rebuilt
	}

	model := ag.Model
	if model == "" {
		model = s.cfg.Anthropic.DefaultModel
	}

	opts := agent.Options{
		Prompt:              req.Prompt,
		Model:               policy.MapModelID(model, s.cfg.Bedrock.Enabled),
		SystemPrompt:        ag.Instructions,
		PermissionMode:      ag.PermissionMode,
		AllowedTools:        deriveAllowedTools(ag),
		Cwd:                 cwd,
		AddDirs:             ag.AddDirs,
		Resume:              req.SessionID,
		Env:                 policy.StageEnvironment(s.cfg.Anthropic, s.cfg.Bedrock),
		Sandbox:             s.sandboxFor(ag),
		IncludeUserSettings: ag.GlobalUserMode,
	}

	for _, pluginID := range ag.PluginIDs {
		p, err := s.store.GetPlugin(ctx, pluginID)
		if err != nil {
			s.logger.Warn("Skipping unknown plugin reference",
				zap.String("plugin_id", pluginID), zap.Error(err))
			continue
		}
		opts.PluginPaths = append(opts.PluginPaths, p.InstallPath)
	}
	for _, serverID := range ag.MCPServerIDs {
		m, err := s.store.GetMCPServer(ctx, serverID)
		if err != nil {
			s.logger.Warn("Skipping unknown MCP server reference",
				zap.String("server_id", serverID), zap.Error(err))
			continue
		}
		opts.MCPServers = append(opts.MCPServers, m)
	}

	return opts, sctx, nil
}

func (s *Supervisor) sandboxFor(ag *storage.Agent) *storage.SandboxSettings {
	if ag.Sandbox != nil {
		return ag.Sandbox
	}
	return &storage.SandboxSettings{
		Enabled:          s.cfg.Sandbox.EnabledDefault,
		AutoAllowBash:    s.cfg.Sandbox.AutoAllowBash,
		ExcludedCommands: s.cfg.Sandbox.ExcludedCommandList(),
		AllowUnsandboxed: s.cfg.Sandbox.AllowUnsandboxed,
	}
}

// buildChain assembles the hook pipeline for an agent. Order matters:
// hard blocks run before the approval gate, and the file gate runs last.
func (s *Supervisor) buildChain(ctx context.Context, ag *storage.Agent, sctx *hooks.SessionContext, cwd string) *hooks.Chain {
	chain := hooks.NewChain(&hooks.LoggingHook{Logger: s.logger})

	if ag.EnableBash {
		chain.Append(&hooks.AutoBlockHook{Logger: s.logger})
		chain.Append(&hooks.ApprovalHook{
			Broker:  s.broker,
			Session: sctx,
			Enabled: ag.EnableApproval,
			Timeout: s.cfg.Permissions.WaitTimeoutDuration(),
			Logger:  s.logger,
		})
	}

	allowed := map[string]bool{}
	for _, name := range s.workspaces.GetAllowedSkillNames(ctx, ag.SkillIDs, ag.AllowAllSkills) {
		allowed[name] = true
	}
	chain.Append(&hooks.SkillGateHook{Allowed: allowed, Logger: s.logger})

	if ag.EnableFileControl && !ag.GlobalUserMode {
		dirs := append([]string{cwd}, ag.AddDirs...)
		chain.Append(&hooks.FileGateHook{
			Policy: policy.NewContentAccessPolicy(dirs),
			Logger: s.logger,
		})
	}
	return chain
}

// deriveAllowedTools expands the agent's capability flags into tool
// names. An explicit allowed_tools list wins over the flags.
func deriveAllowedTools(ag *storage.Agent) []string {
	if len(ag.AllowedTools) > 0 {
		return ag.AllowedTools
	}
	tools := []string{"Task", "TodoWrite", "Skill", "AskUserQuestion"}
	if ag.EnableBash {
		tools = append(tools, "Bash")
	}
	if ag.EnableFileTools {
		tools = append(tools, "Read", "Write", "Edit", "Glob", "Grep")
	}
	if ag.EnableWebTools {
		tools = append(tools, "WebSearch", "WebFetch")
	}
	return tools
}
