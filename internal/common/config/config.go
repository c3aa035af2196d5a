// Package config provides configuration management for the orchestration
// service. It supports environment variables, a config file, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace"`
	Skills      SkillsConfig      `mapstructure:"skills"`
	Plugins     PluginsConfig     `mapstructure:"plugins"`
	Anthropic   AnthropicConfig   `mapstructure:"anthropic"`
	Bedrock     BedrockConfig     `mapstructure:"bedrock"`
	Sandbox     SandboxConfig     `mapstructure:"sandbox"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
	Messages    MessagesConfig    `mapstructure:"messages"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	ReadTimeout  int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int      `mapstructure:"writeTimeout"` // in seconds
	CORSOrigins  []string `mapstructure:"corsOrigins"`
}

// DatabaseConfig holds the embedded database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WorkspaceConfig holds the skill workspace roots.
type WorkspaceConfig struct {
	// MainDir is the shared workspace whose .claude/skills holds
	// user-created and published skills.
	MainDir string `mapstructure:"mainDir"`
	// IsolatedRoot holds per-agent workspaces. Kept outside the project
	// tree so skill discovery cannot walk into unauthorized siblings.
	IsolatedRoot string `mapstructure:"isolatedRoot"`
}

// SkillsConfig holds the skill staging store configuration.
type SkillsConfig struct {
	// StagingRoot holds draft/ and v{n}/ snapshots per skill.
	StagingRoot string `mapstructure:"stagingRoot"`
}

// PluginsConfig holds marketplace cache and shared content roots.
type PluginsConfig struct {
	CacheDir    string `mapstructure:"cacheDir"`
	ContentRoot string `mapstructure:"contentRoot"` // parent of skills/, commands/, agents/, hooks/
}

// AnthropicConfig holds direct-API credentials and defaults.
type AnthropicConfig struct {
	APIKey       string `mapstructure:"apiKey"`
	BaseURL      string `mapstructure:"baseUrl"`
	BearerToken  string `mapstructure:"bearerToken"`
	DefaultModel string `mapstructure:"defaultModel"`
}

// BedrockConfig selects the Bedrock backend for model calls.
type BedrockConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"accessKeyId"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
}

// SandboxConfig holds defaults for the agent-side bash sandbox.
type SandboxConfig struct {
	EnabledDefault   bool   `mapstructure:"enabledDefault"`
	AutoAllowBash    bool   `mapstructure:"autoAllowBash"`
	ExcludedCommands string `mapstructure:"excludedCommands"` // comma-separated
	AllowUnsandboxed bool   `mapstructure:"allowUnsandboxed"`
}

// PermissionsConfig holds human-approval settings.
type PermissionsConfig struct {
	WaitTimeout int `mapstructure:"waitTimeout"` // in seconds
}

// MessagesConfig holds transcript retention settings.
type MessagesConfig struct {
	TTLDays int `mapstructure:"ttlDays"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ExcludedCommandList splits the comma-separated excluded commands into a
// slice, trimming whitespace and dropping empty entries. An empty setting
// yields nil.
func (s *SandboxConfig) ExcludedCommandList() []string {
	var commands []string
	for _, part := range strings.Split(s.ExcludedCommands, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			commands = append(commands, trimmed)
		}
	}
	return commands
}

// WaitTimeoutDuration returns the permission wait timeout as a time.Duration.
func (p *PermissionsConfig) WaitTimeoutDuration() time.Duration {
	return time.Duration(p.WaitTimeout) * time.Second
}

// TTL returns the message retention period as a time.Duration.
func (m *MessagesConfig) TTL() time.Duration {
	return time.Duration(m.TTLDays) * 24 * time.Hour
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("OWORK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.corsOrigins", []string{"http://localhost:5173", "http://localhost:3000"})

	// Database defaults
	v.SetDefault("database.path", filepath.Join(home, ".owork", "owork.db"))

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "owork-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Workspace defaults
	v.SetDefault("workspace.mainDir", filepath.Join(home, ".owork", "workspace"))
	v.SetDefault("workspace.isolatedRoot", filepath.Join(os.TempDir(), "owork-agent-workspaces"))

	// Skills staging store
	v.SetDefault("skills.stagingRoot", filepath.Join(home, ".owork", "skill-store"))

	// Plugins
	v.SetDefault("plugins.cacheDir", filepath.Join(home, ".claude", "plugins", "cache"))
	v.SetDefault("plugins.contentRoot", filepath.Join(home, ".claude"))

	// Model backends
	v.SetDefault("anthropic.apiKey", "")
	v.SetDefault("anthropic.baseUrl", "")
	v.SetDefault("anthropic.bearerToken", "")
	v.SetDefault("anthropic.defaultModel", "claude-sonnet-4-5-20250929")
	v.SetDefault("bedrock.enabled", false)
	v.SetDefault("bedrock.region", "us-west-2")
	v.SetDefault("bedrock.accessKeyId", "")
	v.SetDefault("bedrock.secretAccessKey", "")

	// Sandbox defaults
	v.SetDefault("sandbox.enabledDefault", true)
	v.SetDefault("sandbox.autoAllowBash", true)
	v.SetDefault("sandbox.excludedCommands", "")
	v.SetDefault("sandbox.allowUnsandboxed", false)

	// Permissions
	v.SetDefault("permissions.waitTimeout", 300)

	// Messages
	v.SetDefault("messages.ttlDays", 7)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix OWORK_ with snake_case
// naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OWORK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	_ = v.BindEnv("anthropic.apiKey", "ANTHROPIC_API_KEY", "OWORK_ANTHROPIC_API_KEY")
	_ = v.BindEnv("anthropic.baseUrl", "ANTHROPIC_BASE_URL", "OWORK_ANTHROPIC_BASE_URL")
	_ = v.BindEnv("anthropic.bearerToken", "AWS_BEARER_TOKEN_BEDROCK", "OWORK_ANTHROPIC_BEARER_TOKEN")
	_ = v.BindEnv("bedrock.enabled", "CLAUDE_CODE_USE_BEDROCK", "OWORK_BEDROCK_ENABLED")
	_ = v.BindEnv("bedrock.region", "AWS_REGION", "OWORK_BEDROCK_REGION")
	_ = v.BindEnv("bedrock.accessKeyId", "AWS_ACCESS_KEY_ID", "OWORK_BEDROCK_ACCESS_KEY_ID")
	_ = v.BindEnv("bedrock.secretAccessKey", "AWS_SECRET_ACCESS_KEY", "OWORK_BEDROCK_SECRET_ACCESS_KEY")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/owork/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Permissions.WaitTimeout <= 0 {
		errs = append(errs, "permissions.waitTimeout must be positive")
	}

	if cfg.Messages.TTLDays <= 0 {
		errs = append(errs, "messages.ttlDays must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
