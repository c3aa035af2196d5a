// Package hooks evaluates tool calls before the model agent executes
// them. A chain runs its hooks in registration order against each call;
// the first hook that does not pass decides the outcome.
package hooks

import (
	"context"
	"sync"
)

// Behaviors a hook can return.
const (
	BehaviorPass = "pass"
	BehaviorDeny = "deny"
)

// Outcome is a hook's verdict on a tool call.
type Outcome struct {
	Behavior string `json:"behavior"`
	Reason   string `json:"reason,omitempty"`
	// UpdatedInput, when non-nil, replaces the tool input on approval.
	UpdatedInput map[string]interface{} `json:"updated_input,omitempty"`
}

// Pass allows the call to proceed.
func Pass() Outcome {
	return Outcome{Behavior: BehaviorPass}
}

// Deny blocks the call with a reason surfaced to the model.
func Deny(reason string) Outcome {
	return Outcome{Behavior: BehaviorDeny, Reason: reason}
}

// Allowed reports whether the outcome lets the call through.
func (o Outcome) Allowed() bool {
	return o.Behavior == BehaviorPass
}

// ToolCall is a pending tool invocation under evaluation.
type ToolCall struct {
	ToolName string
	Input    map[string]interface{}
}

// Command extracts the shell command from a Bash tool call.
func (c *ToolCall) Command() string {
	if cmd, ok := c.Input["command"].(string); ok {
		return cmd
	}
	return ""
}

// Hook inspects one tool call. Matches filters which tools the hook sees.
type Hook interface {
	Name() string
	Matches(toolName string) bool
	Evaluate(ctx context.Context, call *ToolCall) Outcome
}

// Chain runs hooks in order. Construction happens once per conversation;
// evaluation is called from the runtime's permission callback.
type Chain struct {
	hooks []Hook
}

// NewChain builds a chain from hooks in evaluation order.
func NewChain(hooks ...Hook) *Chain {
	return &Chain{hooks: hooks}
}

// Append adds a hook to the end of the chain.
func (c *Chain) Append(h Hook) {
	c.hooks = append(c.hooks, h)
}

// Evaluate runs every matching hook until one denies. Hooks that pass may
// still contribute an updated input; the last non-nil update wins.
func (c *Chain) Evaluate(ctx context.Context, call *ToolCall) Outcome {
	var updated map[string]interface{}
	for _, h := range c.hooks {
		if !h.Matches(call.ToolName) {
			continue
		}
		outcome := h.Evaluate(ctx, call)
		if !outcome.Allowed() {
			return outcome
		}
		if outcome.UpdatedInput != nil {
			updated = outcome.UpdatedInput
		}
	}
	return Outcome{Behavior: BehaviorPass, UpdatedInput: updated}
}

// SessionContext carries per-conversation identity shared between the
// supervisor and hooks. The agent-side session ID arrives only with the
// first init event, after hooks are constructed, so it is a mutable cell.
type SessionContext struct {
	AgentID string

	mu        sync.Mutex
	sessionID string // assigned by the agent on init, or known up front on resume
	resumed   bool
}

// NewSessionContext creates the context cell. sessionID is "" for a new
// conversation and the existing session ID when resuming.
func NewSessionContext(agentID, sessionID string) *SessionContext {
	return &SessionContext{
		AgentID:   agentID,
		sessionID: sessionID,
		resumed:   sessionID != "",
	}
}

// SetSessionID records the agent-side session ID from the init event.
func (s *SessionContext) SetSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
}

// SessionID returns the session ID, or "" before the first init event of
// a new conversation.
func (s *SessionContext) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SessionKey identifies the approval scope of this conversation: the
// resumed session ID when known up front, otherwise the agent ID.
func (s *SessionContext) SessionKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resumed {
		return s.sessionID
	}
	return s.AgentID
}
