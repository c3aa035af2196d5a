package hooks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xiehust/owork/internal/broker"
	"github.com/xiehust/owork/internal/common/logger"
	"github.com/xiehust/owork/internal/policy"
)

// LoggingHook records every tool call at debug level.
type LoggingHook struct {
	Logger *logger.Logger
}

func (h *LoggingHook) Name() string { return "logging" }

func (h *LoggingHook) Matches(string) bool { return true }

func (h *LoggingHook) Evaluate(_ context.Context, call *ToolCall) Outcome {
	h.Logger.Debug("Tool call",
		zap.String("tool", call.ToolName),
		zap.Any("input", call.Input))
	return Pass()
}

// AutoBlockHook denies commands on the hard block list regardless of any
// approval flow.
type AutoBlockHook struct {
	Logger *logger.Logger
}

func (h *AutoBlockHook) Name() string { return "auto_block" }

func (h *AutoBlockHook) Matches(toolName string) bool { return toolName == "Bash" }

func (h *AutoBlockHook) Evaluate(_ context.Context, call *ToolCall) Outcome {
	blocked, reason := policy.IsAutoBlocked(call.Command())
	if !blocked {
		return Pass()
	}
	h.Logger.Warn("Auto-blocked command",
		zap.String("command", call.Command()),
		zap.String("reason", reason))
	return Deny(fmt.Sprintf("Command blocked: %s", reason))
}

// ApprovalHook routes dangerous shell commands through the permission
// broker. When approvals are disabled, dangerous commands are denied
// outright. Approved commands are remembered for the session key so
// identical repeats skip the prompt.
type ApprovalHook struct {
	Broker  *broker.PermissionBroker
	Session *SessionContext
	Enabled bool
	Timeout time.Duration
	Logger  *logger.Logger
}

func (h *ApprovalHook) Name() string { return "approval" }

func (h *ApprovalHook) Matches(toolName string) bool { return toolName == "Bash" }

func (h *ApprovalHook) Evaluate(ctx context.Context, call *ToolCall) Outcome {
	command := call.Command()
	reason := policy.ClassifyDangerous(command)
	if reason == "" {
		return Pass()
	}

	if !h.Enabled {
		return Deny(fmt.Sprintf("Command requires approval but approvals are disabled: %s", reason))
	}

	sessionKey := h.Session.SessionKey()
	if h.Broker.IsApproved(sessionKey, command) {
		h.Logger.Debug("Command previously approved",
			zap.String("session_key", sessionKey))
		return Pass()
	}

	req, err := h.Broker.OpenRequest(ctx, h.Session.SessionID(), sessionKey, call.ToolName, call.Input, reason)
	if err != nil {
		h.Logger.Error("Failed to open permission request", zap.Error(err))
		return Deny("Permission system unavailable")
	}

	decision := h.Broker.Wait(ctx, req.ID, h.Timeout)
	if !decision.Approved() {
		msg := "Permission denied by user"
		if decision.Status != "denied" {
			msg = "Permission request timed out"
		}
		if decision.Feedback != "" {
			msg = msg + ": " + decision.Feedback
		}
		return Deny(msg)
	}

	h.Broker.RememberApproval(sessionKey, command)
	return Pass()
}

// SkillGateHook restricts which skills the agent may invoke. An empty
// allowed set denies every skill.
type SkillGateHook struct {
	Allowed map[string]bool
	Logger  *logger.Logger
}

func (h *SkillGateHook) Name() string { return "skill_gate" }

func (h *SkillGateHook) Matches(toolName string) bool { return toolName == "Skill" }

func (h *SkillGateHook) Evaluate(_ context.Context, call *ToolCall) Outcome {
	name := skillName(call.Input)
	if name == "" {
		return Deny("Skill call is missing a skill name")
	}
	if h.Allowed[name] {
		return Pass()
	}

	h.Logger.Info("Skill call denied",
		zap.String("skill", name),
		zap.Int("allowed_count", len(h.Allowed)))
	if len(h.Allowed) == 0 {
		return Deny("This agent has no skills enabled")
	}
	names := make([]string, 0, len(h.Allowed))
	for n := range h.Allowed {
		names = append(names, n)
	}
	sort.Strings(names)
	return Deny(fmt.Sprintf("Skill %q is not enabled for this agent. Available skills: %s",
		name, strings.Join(names, ", ")))
}

// skillName extracts the target skill from a Skill tool input. The skill
// reference may be namespaced as "plugin:skill"; the last segment is the
// folder name.
func skillName(input map[string]interface{}) string {
	for _, key := range []string{"command", "skill", "name"} {
		if v, ok := input[key].(string); ok && v != "" {
			if idx := strings.LastIndex(v, ":"); idx >= 0 {
				return v[idx+1:]
			}
			return v
		}
	}
	return ""
}

// FileGateHook confines file tools and shell commands to the allowed
// directory set. Not installed for agents running in global user mode.
type FileGateHook struct {
	Policy *policy.ContentAccessPolicy
	Logger *logger.Logger
}

func (h *FileGateHook) Name() string { return "file_gate" }

func (h *FileGateHook) Matches(toolName string) bool {
	if toolName == "Bash" {
		return true
	}
	_, ok := policy.PathParam(toolName)
	return ok
}

func (h *FileGateHook) Evaluate(_ context.Context, call *ToolCall) Outcome {
	if call.ToolName == "Bash" {
		ok, reason := h.Policy.CheckBashPaths(call.Command())
		if !ok {
			h.Logger.Info("Command touches path outside allowed directories",
				zap.String("reason", reason))
			return Deny(reason)
		}
		return Pass()
	}

	ok, reason := h.Policy.CheckToolPath(call.ToolName, call.Input)
	if !ok {
		h.Logger.Info("File tool denied",
			zap.String("tool", call.ToolName),
			zap.String("reason", reason))
		return Deny(reason)
	}
	return Pass()
}
