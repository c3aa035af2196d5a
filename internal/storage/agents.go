package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/xiehust/owork/internal/common/errors"
)

// Agent operations

// PutAgent inserts or replaces an agent profile. Assigns id and timestamps
// when absent and normalizes profile invariants.
func (s *Store) PutAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	NormalizeAgent(agent)

	sandboxJSON := ""
	if agent.Sandbox != nil {
		b, err := json.Marshal(agent.Sandbox)
		if err != nil {
			return fmt.Errorf("failed to serialize sandbox settings: %w", err)
		}
		sandboxJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO agents (
			id, name, description, instructions, model, permission_mode,
			allowed_tools, enable_bash, enable_file_tools, enable_web_tools,
			skill_ids, allow_all_skills, plugin_ids, mcp_server_ids,
			global_user_mode, enable_human_approval, enable_file_access_control,
			add_dirs, sandbox, is_default, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Name, agent.Description, agent.Instructions, agent.Model,
		agent.PermissionMode, marshalList(agent.AllowedTools),
		boolToInt(agent.EnableBash), boolToInt(agent.EnableFileTools), boolToInt(agent.EnableWebTools),
		marshalList(agent.SkillIDs), boolToInt(agent.AllowAllSkills),
		marshalList(agent.PluginIDs), marshalList(agent.MCPServerIDs),
		boolToInt(agent.GlobalUserMode), boolToInt(agent.EnableApproval), boolToInt(agent.EnableFileControl),
		marshalList(agent.AddDirs), sandboxJSON, boolToInt(agent.IsDefault),
		agent.CreatedAt, agent.UpdatedAt)
	return err
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, instructions, model, permission_mode,
			allowed_tools, enable_bash, enable_file_tools, enable_web_tools,
			skill_ids, allow_all_skills, plugin_ids, mcp_server_ids,
			global_user_mode, enable_human_approval, enable_file_access_control,
			add_dirs, sandbox, is_default, created_at, updated_at
		FROM agents WHERE id = ?
	`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent not found: %s", id)
	}
	return agent, err
}

// ListAgents returns all agents, newest first.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, instructions, model, permission_mode,
			allowed_tools, enable_bash, enable_file_tools, enable_web_tools,
			skill_ids, allow_all_skills, plugin_ids, mcp_server_ids,
			global_user_mode, enable_human_approval, enable_file_access_control,
			add_dirs, sandbox, is_default, created_at, updated_at
		FROM agents ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, agent)
	}
	return result, rows.Err()
}

// UpdateAgent applies a partial update expressed as the full struct
// (last-writer-wins); the record must exist.
func (s *Store) UpdateAgent(ctx context.Context, agent *Agent) error {
	existing, err := s.GetAgent(ctx, agent.ID)
	if err != nil {
		return err
	}
	agent.CreatedAt = existing.CreatedAt
	return s.PutAgent(ctx, agent)
}

// DeleteAgent removes an agent by ID.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("agent not found: %s", id)
	}
	return nil
}

// RemoveSkillFromAgents drops a skill id from every agent referencing it.
// Returns the number of agents updated.
func (s *Store) RemoveSkillFromAgents(ctx context.Context, skillID string) (int, error) {
	return s.removeRefFromAgents(ctx, skillID, "skill")
}

// RemovePluginFromAgents drops a plugin id from every agent referencing it.
func (s *Store) RemovePluginFromAgents(ctx context.Context, pluginID string) (int, error) {
	return s.removeRefFromAgents(ctx, pluginID, "plugin")
}

func (s *Store) removeRefFromAgents(ctx context.Context, refID, kind string) (int, error) {
	agents, err := s.ListAgents(ctx)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, agent := range agents {
		var list *[]string
		switch kind {
		case "skill":
			list = &agent.SkillIDs
		case "plugin":
			list = &agent.PluginIDs
		}
		filtered := (*list)[:0]
		found := false
		for _, id := range *list {
			if id == refID {
				found = true
				continue
			}
			filtered = append(filtered, id)
		}
		if !found {
			continue
		}
		*list = filtered
		if err := s.PutAgent(ctx, agent); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	agent := &Agent{}
	var allowedTools, skillIDs, pluginIDs, mcpIDs, addDirs, sandboxJSON string
	var enableBash, enableFile, enableWeb, allowAll, globalUser, approval, fileCtl, isDefault int
	err := row.Scan(&agent.ID, &agent.Name, &agent.Description, &agent.Instructions,
		&agent.Model, &agent.PermissionMode, &allowedTools,
		&enableBash, &enableFile, &enableWeb,
		&skillIDs, &allowAll, &pluginIDs, &mcpIDs,
		&globalUser, &approval, &fileCtl,
		&addDirs, &sandboxJSON, &isDefault, &agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	agent.AllowedTools = unmarshalList(allowedTools)
	agent.SkillIDs = unmarshalList(skillIDs)
	agent.PluginIDs = unmarshalList(pluginIDs)
	agent.MCPServerIDs = unmarshalList(mcpIDs)
	agent.AddDirs = unmarshalList(addDirs)
	agent.EnableBash = enableBash == 1
	agent.EnableFileTools = enableFile == 1
	agent.EnableWebTools = enableWeb == 1
	agent.AllowAllSkills = allowAll == 1
	agent.GlobalUserMode = globalUser == 1
	agent.EnableApproval = approval == 1
	agent.EnableFileControl = fileCtl == 1
	agent.IsDefault = isDefault == 1
	if sandboxJSON != "" {
		var sandbox SandboxSettings
		if err := json.Unmarshal([]byte(sandboxJSON), &sandbox); err != nil {
			return nil, fmt.Errorf("failed to deserialize sandbox settings: %w", err)
		}
		agent.Sandbox = &sandbox
	}
	return agent, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
