// Package storage provides the SQLite-backed repository for all persisted
// entities: agent profiles, skills and versions, sessions, messages,
// permission requests, plugins, marketplaces, MCP servers, and settings.
package storage

import "time"

// Permission modes accepted by the model agent.
const (
	PermissionModeDefault     = "default"
	PermissionModeAcceptEdits = "acceptEdits"
	PermissionModePlan        = "plan"
	PermissionModeBypass      = "bypassPermissions"
)

// Skill source types.
const (
	SkillSourceUser   = "user"
	SkillSourcePlugin = "plugin"
	SkillSourceLocal  = "local"
)

// Permission request states.
const (
	PermissionPending  = "pending"
	PermissionApproved = "approved"
	PermissionDenied   = "denied"
	PermissionExpired  = "expired"
)

// Plugin states.
const (
	PluginInstalled = "installed"
	PluginDisabled  = "disabled"
)

// Marketplace source types.
const (
	MarketplaceGit   = "git"
	MarketplaceHTTP  = "http"
	MarketplaceLocal = "local"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types within a message.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
	BlockDocument   = "document"
)

// SandboxSettings is the per-agent bash sandbox policy forwarded to the
// model agent as a single object.
type SandboxSettings struct {
	Enabled          bool     `json:"enabled"`
	AutoAllowBash    bool     `json:"auto_allow_bash"`
	ExcludedCommands []string `json:"excluded_commands,omitempty"`
	AllowUnsandboxed bool     `json:"allow_unsandboxed"`
}

// Agent is a saved profile binding a model, tool set, skill policy, and
// sandbox policy.
type Agent struct {
	ID                string           `json:"id" db:"id"`
	Name              string           `json:"name" db:"name"`
	Description       string           `json:"description" db:"description"`
	Instructions      string           `json:"instructions" db:"instructions"`
	Model             string           `json:"model" db:"model"`
	PermissionMode    string           `json:"permission_mode" db:"permission_mode"`
	AllowedTools      []string         `json:"allowed_tools"`
	EnableBash        bool             `json:"enable_bash" db:"enable_bash"`
	EnableFileTools   bool             `json:"enable_file_tools" db:"enable_file_tools"`
	EnableWebTools    bool             `json:"enable_web_tools" db:"enable_web_tools"`
	SkillIDs          []string         `json:"skill_ids"`
	AllowAllSkills    bool             `json:"allow_all_skills" db:"allow_all_skills"`
	PluginIDs         []string         `json:"plugin_ids"`
	MCPServerIDs      []string         `json:"mcp_server_ids"`
	GlobalUserMode    bool             `json:"global_user_mode" db:"global_user_mode"`
	EnableApproval    bool             `json:"enable_human_approval" db:"enable_human_approval"`
	EnableFileControl bool             `json:"enable_file_access_control" db:"enable_file_access_control"`
	AddDirs           []string         `json:"add_dirs"`
	Sandbox           *SandboxSettings `json:"sandbox,omitempty"`
	IsDefault         bool             `json:"is_default" db:"is_default"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
}

// Skill is a versioned content bundle containing at least a SKILL.md file.
type Skill struct {
	ID                string    `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	Description       string    `json:"description" db:"description"`
	Version           string    `json:"version" db:"version"`
	FolderName        string    `json:"folder_name" db:"folder_name"`
	SourceType        string    `json:"source_type" db:"source_type"`
	SourcePluginID    string    `json:"source_plugin_id,omitempty" db:"source_plugin_id"`
	SourceMarketplace string    `json:"source_marketplace_id,omitempty" db:"source_marketplace_id"`
	LocalPath         string    `json:"local_path,omitempty" db:"local_path"`
	CurrentVersion    int       `json:"current_version" db:"current_version"`
	HasDraft          bool      `json:"has_draft" db:"has_draft"`
	IsSystem          bool      `json:"is_system" db:"is_system"`
	Missing           bool      `json:"missing" db:"missing"`
	CreatedBy         string    `json:"created_by" db:"created_by"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// SkillVersion is an immutable published snapshot of a skill.
type SkillVersion struct {
	ID            string    `json:"id" db:"id"`
	SkillID       string    `json:"skill_id" db:"skill_id"`
	Version       int       `json:"version" db:"version"`
	Location      string    `json:"location" db:"location"`
	ChangeSummary string    `json:"change_summary,omitempty" db:"change_summary"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Session is a multi-turn conversation. The id is assigned by the model
// agent on first init and is never fabricated by the orchestrator.
type Session struct {
	ID           string    `json:"id" db:"id"`
	AgentID      string    `json:"agent_id" db:"agent_id"`
	Title        string    `json:"title" db:"title"`
	WorkDir      string    `json:"work_dir,omitempty" db:"work_dir"`
	LastAccessed time.Time `json:"last_accessed" db:"last_accessed"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// ContentBlock is one typed element of a message body.
type ContentBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ToolName  string                 `json:"tool_name,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Content   interface{}            `json:"content,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
	Source    map[string]interface{} `json:"source,omitempty"`
}

// Message is one transcript record. ExpiresAt is epoch seconds; expired
// rows are removed by the TTL sweep.
type Message struct {
	ID        string         `json:"id" db:"id"`
	SessionID string         `json:"session_id" db:"session_id"`
	Role      string         `json:"role" db:"role"`
	Content   []ContentBlock `json:"content"`
	Model     string         `json:"model,omitempty" db:"model"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	ExpiresAt int64          `json:"expires_at" db:"expires_at"`
}

// PermissionRequest is a suspended tool invocation awaiting a decision.
type PermissionRequest struct {
	ID           string                 `json:"id" db:"id"`
	SessionID    string                 `json:"session_id" db:"session_id"`
	SessionKey   string                 `json:"session_key" db:"session_key"`
	ToolName     string                 `json:"tool_name" db:"tool_name"`
	ToolInput    map[string]interface{} `json:"tool_input"`
	Reason       string                 `json:"reason" db:"reason"`
	Status       string                 `json:"status" db:"status"`
	UserFeedback string                 `json:"user_feedback,omitempty" db:"user_feedback"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
	DecidedAt    *time.Time             `json:"decided_at,omitempty" db:"decided_at"`
}

// Plugin is a bundle installed from a marketplace.
type Plugin struct {
	ID            string    `json:"id" db:"id"`
	MarketplaceID string    `json:"marketplace_id" db:"marketplace_id"`
	Name          string    `json:"name" db:"name"`
	Version       string    `json:"version" db:"version"`
	Description   string    `json:"description" db:"description"`
	Skills        []string  `json:"skills"`
	Commands      []string  `json:"commands"`
	Agents        []string  `json:"agents"`
	Hooks         []string  `json:"hooks"`
	MCPServers    []string  `json:"mcp_servers"`
	InstallPath   string    `json:"install_path" db:"install_path"`
	Status        string    `json:"status" db:"status"`
	InstalledAt   time.Time `json:"installed_at" db:"installed_at"`
}

// Marketplace is a Git repository (or local tree) that enumerates plugins.
type Marketplace struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	Type          string    `json:"type" db:"type"`
	URL           string    `json:"url" db:"url"`
	Branch        string    `json:"branch" db:"branch"`
	CachedPlugins []string  `json:"cached_plugins"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty" db:"last_synced_at"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// MCPServer is a launch descriptor for a Model Context Protocol server,
// passed through to the model agent verbatim.
type MCPServer struct {
	ID        string            `json:"id" db:"id"`
	Name      string            `json:"name" db:"name"`
	Transport string            `json:"transport" db:"transport"` // stdio, sse, http
	Command   string            `json:"command,omitempty" db:"command"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty" db:"url"`
	Enabled   bool              `json:"enabled" db:"enabled"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// AppSetting is a key/value configuration record.
type AppSetting struct {
	Key       string    `json:"key" db:"key"`
	Value     string    `json:"value" db:"value"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NormalizeAgent enforces profile invariants before persisting.
// global_user_mode implies allow_all_skills with an empty explicit set.
func NormalizeAgent(a *Agent) {
	if a.GlobalUserMode {
		a.AllowAllSkills = true
		a.SkillIDs = nil
	}
	if a.PermissionMode == "" {
		a.PermissionMode = PermissionModeDefault
	}
}
