// Package workspace manages per-agent isolated workspaces with skill
// isolation via symlinks.
//
// Agent workspaces live outside the project tree so the model agent's
// skill discovery cannot walk into unauthorized siblings. Skill sources
// are resolved in priority order:
//
//  1. the skill record's local_path
//  2. ~/.claude/skills/{name}        (plugin-installed skills)
//  3. {main}/.claude/skills/{name}   (user-created skills)
package workspace

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xiehust/owork/internal/common/config"
	"github.com/xiehust/owork/internal/common/logger"
	"github.com/xiehust/owork/internal/storage"
)

// Manager builds and tears down per-agent workspaces.
type Manager struct {
	mainDir      string
	isolatedRoot string
	homeDir      string
	store        *storage.Store
	logger       *logger.Logger
}

var folderNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeFolderName lowercases a skill name and replaces every character
// outside [a-zA-Z0-9_-] with a dash.
func SanitizeFolderName(name string) string {
	return folderNameSanitizer.ReplaceAllString(strings.ToLower(name), "-")
}

// NewManager creates a workspace manager over the configured roots.
func NewManager(cfg config.WorkspaceConfig, store *storage.Store, log *logger.Logger) *Manager {
	home, _ := os.UserHomeDir()
	return &Manager{
		mainDir:      cfg.MainDir,
		isolatedRoot: cfg.IsolatedRoot,
		homeDir:      home,
		store:        store,
		logger:       log,
	}
}

// MainDir returns the shared main workspace directory.
func (m *Manager) MainDir() string {
	return m.mainDir
}

// MainSkillsDir returns the shared user-skill directory.
func (m *Manager) MainSkillsDir() string {
	return filepath.Join(m.mainDir, ".claude", "skills")
}

// HomeSkillsDir returns the plugin-installed skill directory.
func (m *Manager) HomeSkillsDir() string {
	return filepath.Join(m.homeDir, ".claude", "skills")
}

// AgentWorkspace returns the workspace path for an agent.
func (m *Manager) AgentWorkspace(agentID string) string {
	return filepath.Join(m.isolatedRoot, agentID)
}

// AgentSkillsDir returns the skills directory inside an agent workspace.
func (m *Manager) AgentSkillsDir(agentID string) string {
	return filepath.Join(m.AgentWorkspace(agentID), ".claude", "skills")
}

func (m *Manager) ensureDirs() error {
	if err := os.MkdirAll(m.MainSkillsDir(), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(m.isolatedRoot, 0o755)
}

// ResolveSkillSource finds the source directory for a skill, checking the
// record's local_path, the home skill area, then the main workspace.
// Returns "" when the skill is not present anywhere.
func (m *Manager) ResolveSkillSource(skillName string, record *storage.Skill) string {
	if record != nil && record.LocalPath != "" {
		if info, err := os.Stat(record.LocalPath); err == nil && info.IsDir() {
			return record.LocalPath
		}
	}

	homePath := filepath.Join(m.HomeSkillsDir(), skillName)
	if info, err := os.Stat(homePath); err == nil && info.IsDir() {
		return homePath
	}

	mainPath := filepath.Join(m.MainSkillsDir(), skillName)
	if info, err := os.Stat(mainPath); err == nil && info.IsDir() {
		return mainPath
	}

	return ""
}

// ListAvailableSkills returns the deduplicated folder names of every skill
// directory containing a SKILL.md, across the home and main skill areas.
func (m *Manager) ListAvailableSkills() []string {
	seen := map[string]bool{}
	for _, root := range []string{m.HomeSkillsDir(), m.MainSkillsDir()} {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			if _, err := os.Stat(filepath.Join(root, entry.Name(), "SKILL.md")); err == nil {
				seen[entry.Name()] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	return names
}

// skillFolderName resolves a skill id to its folder name via the record's
// folder_name, falling back to the sanitized display name.
func (m *Manager) skillFolderName(ctx context.Context, skillID string) string {
	skill, err := m.store.GetSkill(ctx, skillID)
	if err != nil {
		m.logger.Warn("Skill not found", zap.String("skill_id", skillID))
		return ""
	}
	if skill.FolderName != "" {
		return skill.FolderName
	}
	return SanitizeFolderName(skill.Name)
}

// GetAllowedSkillNames returns the folder names an agent may use, for the
// hook chain's runtime checks.
func (m *Manager) GetAllowedSkillNames(ctx context.Context, skillIDs []string, allowAll bool) []string {
	if allowAll {
		return m.ListAvailableSkills()
	}
	var names []string
	for _, id := range skillIDs {
		if name := m.skillFolderName(ctx, id); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// RebuildAgentWorkspace deletes and recreates the agent's skill directory,
// then creates one absolute symlink per authorized skill. Individual link
// failures are logged and skipped; the rebuild continues.
func (m *Manager) RebuildAgentWorkspace(ctx context.Context, agentID string, skillIDs []string, allowAll bool) (string, error) {
	if err := m.ensureDirs(); err != nil {
		return "", err
	}

	agentWorkspace := m.AgentWorkspace(agentID)
	skillsDir := m.AgentSkillsDir(agentID)

	if err := os.RemoveAll(skillsDir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(skillsDir, 0o755); err != nil {
		return "", err
	}

	var skillNames []string
	if allowAll {
		skillNames = m.ListAvailableSkills()
		m.logger.Info("Linking all skills",
			zap.String("agent_id", agentID),
			zap.Int("count", len(skillNames)))
	} else {
		for _, id := range skillIDs {
			if name := m.skillFolderName(ctx, id); name != "" {
				skillNames = append(skillNames, name)
			}
		}
		m.logger.Info("Linking selected skills",
			zap.String("agent_id", agentID),
			zap.Strings("skills", skillNames))
	}

	linked := 0
	for _, name := range skillNames {
		record, err := m.store.GetSkillByFolderName(ctx, name)
		if err != nil {
			m.logger.Warn("Skill lookup failed", zap.String("skill", name), zap.Error(err))
		}
		source := m.ResolveSkillSource(name, record)
		if source == "" {
			m.logger.Warn("Skill directory not found in any location", zap.String("skill", name))
			continue
		}
		// Absolute targets are required: the link lives outside the
		// project tree.
		absSource, err := filepath.Abs(source)
		if err != nil {
			m.logger.Error("Failed to resolve skill path", zap.String("skill", name), zap.Error(err))
			continue
		}
		target := filepath.Join(skillsDir, name)
		if err := os.Symlink(absSource, target); err != nil {
			m.logger.Error("Failed to create symlink",
				zap.String("skill", name),
				zap.Error(err))
			continue
		}
		linked++
	}

	m.logger.Info("Agent workspace rebuilt",
		zap.String("agent_id", agentID),
		zap.Int("linked", linked))
	return agentWorkspace, nil
}

// DeleteAgentWorkspace removes an agent's workspace directory.
func (m *Manager) DeleteAgentWorkspace(agentID string) error {
	agentWorkspace := m.AgentWorkspace(agentID)
	if _, err := os.Stat(agentWorkspace); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(agentWorkspace); err != nil {
		return err
	}
	m.logger.Info("Deleted agent workspace", zap.String("agent_id", agentID))
	return nil
}

// WorkspaceExists reports whether an agent workspace directory exists.
func (m *Manager) WorkspaceExists(agentID string) bool {
	_, err := os.Stat(m.AgentWorkspace(agentID))
	return err == nil
}
