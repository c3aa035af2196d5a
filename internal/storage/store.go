package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Store provides SQLite-backed persistence for all entities.
type Store struct {
	db     *sqlx.DB
	ownsDB bool
}

// New opens (or creates) the database at path and initializes the schema.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	return newStore(db, true)
}

// NewWithDB wraps an existing connection (shared ownership). Used by tests.
func NewWithDB(db *sqlx.DB) (*Store, error) {
	return newStore(db, false)
}

func newStore(db *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: db, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			_ = db.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection when owned.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB instance for shared access.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	if err := s.initAgentSchema(); err != nil {
		return err
	}
	if err := s.initSkillSchema(); err != nil {
		return err
	}
	if err := s.initSessionSchema(); err != nil {
		return err
	}
	if err := s.initPluginSchema(); err != nil {
		return err
	}
	if err := s.runMigrations(); err != nil {
		return err
	}
	return s.ensureIndexes()
}

func (s *Store) initAgentSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		instructions TEXT DEFAULT '',
		model TEXT DEFAULT '',
		permission_mode TEXT NOT NULL DEFAULT 'default',
		allowed_tools TEXT DEFAULT '[]',
		enable_bash INTEGER NOT NULL DEFAULT 0,
		enable_file_tools INTEGER NOT NULL DEFAULT 0,
		enable_web_tools INTEGER NOT NULL DEFAULT 0,
		skill_ids TEXT DEFAULT '[]',
		allow_all_skills INTEGER NOT NULL DEFAULT 0,
		plugin_ids TEXT DEFAULT '[]',
		mcp_server_ids TEXT DEFAULT '[]',
		global_user_mode INTEGER NOT NULL DEFAULT 0,
		enable_human_approval INTEGER NOT NULL DEFAULT 0,
		enable_file_access_control INTEGER NOT NULL DEFAULT 0,
		add_dirs TEXT DEFAULT '[]',
		sandbox TEXT DEFAULT '',
		is_default INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`)
	return err
}

func (s *Store) initSkillSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS skills (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		version TEXT DEFAULT '',
		folder_name TEXT DEFAULT '',
		source_type TEXT NOT NULL DEFAULT 'user',
		source_plugin_id TEXT DEFAULT '',
		source_marketplace_id TEXT DEFAULT '',
		local_path TEXT DEFAULT '',
		current_version INTEGER NOT NULL DEFAULT 0,
		has_draft INTEGER NOT NULL DEFAULT 0,
		is_system INTEGER NOT NULL DEFAULT 0,
		missing INTEGER NOT NULL DEFAULT 0,
		created_by TEXT DEFAULT 'user',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS skill_versions (
		id TEXT PRIMARY KEY,
		skill_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		location TEXT DEFAULT '',
		change_summary TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE(skill_id, version)
	);`)
	return err
}

func (s *Store) initSessionSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		title TEXT DEFAULT '',
		work_dir TEXT DEFAULT '',
		last_accessed TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '[]',
		model TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS permission_requests (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		session_key TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL,
		tool_input TEXT DEFAULT '{}',
		reason TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		user_feedback TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		decided_at TIMESTAMP
	);`)
	return err
}

func (s *Store) initPluginSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS marketplaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'git',
		url TEXT NOT NULL,
		branch TEXT DEFAULT '',
		cached_plugins TEXT DEFAULT '[]',
		last_synced_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plugins (
		id TEXT PRIMARY KEY,
		marketplace_id TEXT NOT NULL,
		name TEXT NOT NULL,
		version TEXT DEFAULT '',
		description TEXT DEFAULT '',
		skills TEXT DEFAULT '[]',
		commands TEXT DEFAULT '[]',
		agents TEXT DEFAULT '[]',
		hooks TEXT DEFAULT '[]',
		mcp_servers TEXT DEFAULT '[]',
		install_path TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'installed',
		installed_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS mcp_servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		transport TEXT NOT NULL DEFAULT 'stdio',
		command TEXT DEFAULT '',
		args TEXT DEFAULT '[]',
		env TEXT DEFAULT '{}',
		url TEXT DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS app_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);`)
	return err
}

// runMigrations applies idempotent ALTER TABLE migrations for schema
// evolution. Errors are ignored when the column already exists.
func (s *Store) runMigrations() error {
	_, _ = s.db.Exec(`ALTER TABLE skills ADD COLUMN missing INTEGER NOT NULL DEFAULT 0`)
	_, _ = s.db.Exec(`ALTER TABLE permission_requests ADD COLUMN session_key TEXT NOT NULL DEFAULT ''`)
	return nil
}

func (s *Store) ensureIndexes() error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_expires_at ON messages(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_skill_versions_skill_id ON skill_versions(skill_id)`,
		`CREATE INDEX IF NOT EXISTS idx_permission_requests_session_id ON permission_requests(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_agent_id ON sessions(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_plugins_marketplace_id ON plugins(marketplace_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// marshalList encodes a string slice as a JSON column value.
func marshalList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// unmarshalList decodes a JSON column value into a string slice.
func unmarshalList(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}
