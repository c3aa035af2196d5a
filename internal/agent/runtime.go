// Package agent launches and talks to the model agent process. The
// orchestrator never interprets model output beyond the framed event
// stream: each NDJSON line becomes one Event.
package agent

import (
	"context"

	"github.com/xiehust/owork/internal/storage"
)

// Event stream types emitted by the agent process.
const (
	EventSystem    = "system"
	EventAssistant = "assistant"
	EventUser      = "user"
	EventResult    = "result"

	SubtypeInit = "init"
)

// Event is one framed line from the agent's output stream.
type Event struct {
	Type      string                 `json:"type"`
	Subtype   string                 `json:"subtype,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Raw       map[string]interface{} `json:"-"`

	// Err is set on a synthetic terminal event when the process failed.
	Err error `json:"-"`
}

// Message returns the nested message object of an assistant or user
// event, or nil.
func (e *Event) Message() map[string]interface{} {
	msg, _ := e.Raw["message"].(map[string]interface{})
	return msg
}

// ContentBlocks returns the content array of an assistant or user event.
func (e *Event) ContentBlocks() []interface{} {
	msg := e.Message()
	if msg == nil {
		return nil
	}
	blocks, _ := msg["content"].([]interface{})
	return blocks
}

// ToolDecision is the gate's answer to a tool permission check.
type ToolDecision struct {
	Allow        bool
	Reason       string
	UpdatedInput map[string]interface{}
}

// ToolGate is consulted before the agent executes a tool. Blocking is
// expected; approval flows hold the call until a human decides.
type ToolGate func(ctx context.Context, toolName string, input map[string]interface{}) ToolDecision

// Options configures one agent run (a single turn, possibly resuming an
// earlier session).
type Options struct {
	Prompt              string
	Model               string
	SystemPrompt        string
	PermissionMode      string
	AllowedTools        []string
	Cwd                 string
	AddDirs             []string
	Resume              string
	Env                 map[string]string
	PluginPaths         []string
	MCPServers          []*storage.MCPServer
	Sandbox             *storage.SandboxSettings
	IncludeUserSettings bool
	Gate                ToolGate
}

// Handle is a running agent turn.
type Handle interface {
	// Events yields the framed output stream. The channel closes after
	// the terminal result event (or a synthetic error event).
	Events() <-chan Event
	// Interrupt asks the agent to stop the current turn.
	Interrupt(ctx context.Context) error
	// Wait blocks until the process has exited and resources are released.
	Wait() error
}

// Runtime starts agent turns. The process-backed implementation shells
// out to the agent CLI; tests substitute a scripted runtime.
type Runtime interface {
	Start(ctx context.Context, opts Options) (Handle, error)
}
