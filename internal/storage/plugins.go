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

// Marketplace operations

// PutMarketplace inserts or replaces a marketplace.
func (s *Store) PutMarketplace(ctx context.Context, m *Marketplace) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Type == "" {
		m.Type = MarketplaceGit
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO marketplaces (id, name, type, url, branch, cached_plugins, last_synced_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Name, m.Type, m.URL, m.Branch, marshalList(m.CachedPlugins),
		m.LastSyncedAt, m.CreatedAt, m.UpdatedAt)
	return err
}

// GetMarketplace retrieves a marketplace by ID.
func (s *Store) GetMarketplace(ctx context.Context, id string) (*Marketplace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, url, branch, cached_plugins, last_synced_at, created_at, updated_at
		FROM marketplaces WHERE id = ?
	`, id)
	m, err := scanMarketplace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("marketplace not found: %s", id)
	}
	return m, err
}

// ListMarketplaces returns all marketplaces, newest first.
func (s *Store) ListMarketplaces(ctx context.Context) ([]*Marketplace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, url, branch, cached_plugins, last_synced_at, created_at, updated_at
		FROM marketplaces ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Marketplace
	for rows.Next() {
		m, err := scanMarketplace(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// DeleteMarketplace removes a marketplace by ID.
func (s *Store) DeleteMarketplace(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM marketplaces WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("marketplace not found: %s", id)
	}
	return nil
}

func scanMarketplace(row rowScanner) (*Marketplace, error) {
	m := &Marketplace{}
	var cached string
	err := row.Scan(&m.ID, &m.Name, &m.Type, &m.URL, &m.Branch, &cached,
		&m.LastSyncedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.CachedPlugins = unmarshalList(cached)
	return m, nil
}

// Plugin operations

// PutPlugin inserts or replaces a plugin record.
func (s *Store) PutPlugin(ctx context.Context, p *Plugin) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.InstalledAt.IsZero() {
		p.InstalledAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = PluginInstalled
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO plugins
			(id, marketplace_id, name, version, description, skills, commands, agents, hooks, mcp_servers, install_path, status, installed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.MarketplaceID, p.Name, p.Version, p.Description,
		marshalList(p.Skills), marshalList(p.Commands), marshalList(p.Agents),
		marshalList(p.Hooks), marshalList(p.MCPServers), p.InstallPath, p.Status, p.InstalledAt)
	return err
}

// GetPlugin retrieves a plugin by ID.
func (s *Store) GetPlugin(ctx context.Context, id string) (*Plugin, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, marketplace_id, name, version, description, skills, commands, agents, hooks, mcp_servers, install_path, status, installed_at
		FROM plugins WHERE id = ?
	`, id)
	p, err := scanPlugin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("plugin not found: %s", id)
	}
	return p, err
}

// GetPluginByName retrieves an installed plugin by marketplace and name.
// Returns nil without error when no record matches.
func (s *Store) GetPluginByName(ctx context.Context, marketplaceID, name string) (*Plugin, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, marketplace_id, name, version, description, skills, commands, agents, hooks, mcp_servers, install_path, status, installed_at
		FROM plugins WHERE marketplace_id = ? AND name = ?
	`, marketplaceID, name)
	p, err := scanPlugin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListPlugins returns all plugins, most recently installed first.
func (s *Store) ListPlugins(ctx context.Context) ([]*Plugin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, marketplace_id, name, version, description, skills, commands, agents, hooks, mcp_servers, install_path, status, installed_at
		FROM plugins ORDER BY installed_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Plugin
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// DeletePlugin removes a plugin by ID.
func (s *Store) DeletePlugin(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM plugins WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("plugin not found: %s", id)
	}
	return nil
}

func scanPlugin(row rowScanner) (*Plugin, error) {
	p := &Plugin{}
	var skills, commands, agents, hooks, mcpServers string
	err := row.Scan(&p.ID, &p.MarketplaceID, &p.Name, &p.Version, &p.Description,
		&skills, &commands, &agents, &hooks, &mcpServers,
		&p.InstallPath, &p.Status, &p.InstalledAt)
	if err != nil {
		return nil, err
	}
	p.Skills = unmarshalList(skills)
	p.Commands = unmarshalList(commands)
	p.Agents = unmarshalList(agents)
	p.Hooks = unmarshalList(hooks)
	p.MCPServers = unmarshalList(mcpServers)
	return p, nil
}

// MCP server operations

// PutMCPServer inserts or replaces an MCP server descriptor.
func (s *Store) PutMCPServer(ctx context.Context, m *MCPServer) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Transport == "" {
		m.Transport = "stdio"
	}

	envJSON := "{}"
	if m.Env != nil {
		b, err := json.Marshal(m.Env)
		if err != nil {
			return fmt.Errorf("failed to serialize env: %w", err)
		}
		envJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO mcp_servers (id, name, transport, command, args, env, url, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Name, m.Transport, m.Command, marshalList(m.Args), envJSON,
		m.URL, boolToInt(m.Enabled), m.CreatedAt, m.UpdatedAt)
	return err
}

// GetMCPServer retrieves an MCP server by ID.
func (s *Store) GetMCPServer(ctx context.Context, id string) (*MCPServer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, transport, command, args, env, url, enabled, created_at, updated_at
		FROM mcp_servers WHERE id = ?
	`, id)
	m, err := scanMCPServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("mcp server not found: %s", id)
	}
	return m, err
}

// ListMCPServers returns all MCP server descriptors, newest first.
func (s *Store) ListMCPServers(ctx context.Context) ([]*MCPServer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, transport, command, args, env, url, enabled, created_at, updated_at
		FROM mcp_servers ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*MCPServer
	for rows.Next() {
		m, err := scanMCPServer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// DeleteMCPServer removes an MCP server by ID.
func (s *Store) DeleteMCPServer(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("mcp server not found: %s", id)
	}
	return nil
}

func scanMCPServer(row rowScanner) (*MCPServer, error) {
	m := &MCPServer{}
	var args, envJSON string
	var enabled int
	err := row.Scan(&m.ID, &m.Name, &m.Transport, &m.Command, &args, &envJSON,
		&m.URL, &enabled, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Args = unmarshalList(args)
	m.Enabled = enabled == 1
	if envJSON != "" && envJSON != "{}" {
		_ = json.Unmarshal([]byte(envJSON), &m.Env)
	}
	return m, nil
}

// App settings

// SetSetting stores a key/value setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO app_settings (key, value, updated_at) VALUES (?, ?, ?)
	`, key, value, time.Now().UTC())
	return err
}

// GetSetting reads a setting; returns "" when unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
