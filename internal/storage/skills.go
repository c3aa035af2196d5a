package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/xiehust/owork/internal/common/errors"
)

// Skill operations

const skillColumns = `id, name, description, version, folder_name, source_type,
	source_plugin_id, source_marketplace_id, local_path, current_version,
	has_draft, is_system, missing, created_by, created_at, updated_at`

// PutSkill inserts or replaces a skill record.
func (s *Store) PutSkill(ctx context.Context, skill *Skill) error {
	if skill.ID == "" {
		skill.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if skill.CreatedAt.IsZero() {
		skill.CreatedAt = now
	}
	skill.UpdatedAt = now
	if skill.SourceType == "" {
		skill.SourceType = SkillSourceUser
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO skills (`+skillColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, skill.ID, skill.Name, skill.Description, skill.Version, skill.FolderName,
		skill.SourceType, skill.SourcePluginID, skill.SourceMarketplace,
		skill.LocalPath, skill.CurrentVersion, boolToInt(skill.HasDraft),
		boolToInt(skill.IsSystem), boolToInt(skill.Missing), skill.CreatedBy,
		skill.CreatedAt, skill.UpdatedAt)
	return err
}

// GetSkill retrieves a skill by ID.
func (s *Store) GetSkill(ctx context.Context, id string) (*Skill, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+skillColumns+` FROM skills WHERE id = ?`, id)
	skill, err := scanSkill(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("skill not found: %s", id)
	}
	return skill, err
}

// GetSkillByFolderName retrieves a skill by its folder name.
// Returns nil without error when no record matches.
func (s *Store) GetSkillByFolderName(ctx context.Context, folderName string) (*Skill, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+skillColumns+` FROM skills WHERE folder_name = ?`, folderName)
	skill, err := scanSkill(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return skill, err
}

// ListSkills returns all skills, newest first.
func (s *Store) ListSkills(ctx context.Context) ([]*Skill, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+skillColumns+` FROM skills ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Skill
	for rows.Next() {
		skill, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, skill)
	}
	return result, rows.Err()
}

// ListSkillsByPlugin returns skills installed by a plugin.
func (s *Store) ListSkillsByPlugin(ctx context.Context, pluginID string) ([]*Skill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+skillColumns+` FROM skills WHERE source_plugin_id = ? ORDER BY created_at DESC
	`, pluginID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Skill
	for rows.Next() {
		skill, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, skill)
	}
	return result, rows.Err()
}

// UpdateSkill replaces an existing skill record, preserving created_at.
func (s *Store) UpdateSkill(ctx context.Context, skill *Skill) error {
	existing, err := s.GetSkill(ctx, skill.ID)
	if err != nil {
		return err
	}
	skill.CreatedAt = existing.CreatedAt
	return s.PutSkill(ctx, skill)
}

// DeleteSkill removes a skill by ID.
func (s *Store) DeleteSkill(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM skills WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("skill not found: %s", id)
	}
	return nil
}

// Skill version operations

// PutSkillVersion records an immutable published snapshot.
func (s *Store) PutSkillVersion(ctx context.Context, v *SkillVersion) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skill_versions (id, skill_id, version, location, change_summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, v.ID, v.SkillID, v.Version, v.Location, v.ChangeSummary, v.CreatedAt)
	return err
}

// ListSkillVersions returns versions for a skill, newest version first.
func (s *Store) ListSkillVersions(ctx context.Context, skillID string) ([]*SkillVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, skill_id, version, location, change_summary, created_at
		FROM skill_versions WHERE skill_id = ? ORDER BY version DESC
	`, skillID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*SkillVersion
	for rows.Next() {
		v := &SkillVersion{}
		if err := rows.Scan(&v.ID, &v.SkillID, &v.Version, &v.Location, &v.ChangeSummary, &v.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

// GetSkillVersion retrieves one version record.
func (s *Store) GetSkillVersion(ctx context.Context, skillID string, version int) (*SkillVersion, error) {
	v := &SkillVersion{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, skill_id, version, location, change_summary, created_at
		FROM skill_versions WHERE skill_id = ? AND version = ?
	`, skillID, version).Scan(&v.ID, &v.SkillID, &v.Version, &v.Location, &v.ChangeSummary, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("version %d not found for skill %s", version, skillID)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// DeleteSkillVersions removes all version records for a skill.
// Returns the number of rows removed.
func (s *Store) DeleteSkillVersions(ctx context.Context, skillID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM skill_versions WHERE skill_id = ?`, skillID)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func scanSkill(row rowScanner) (*Skill, error) {
	skill := &Skill{}
	var hasDraft, isSystem, missing int
	err := row.Scan(&skill.ID, &skill.Name, &skill.Description, &skill.Version,
		&skill.FolderName, &skill.SourceType, &skill.SourcePluginID,
		&skill.SourceMarketplace, &skill.LocalPath, &skill.CurrentVersion,
		&hasDraft, &isSystem, &missing, &skill.CreatedBy,
		&skill.CreatedAt, &skill.UpdatedAt)
	if err != nil {
		return nil, err
	}
	skill.HasDraft = hasDraft == 1
	skill.IsSystem = isSystem == 1
	skill.Missing = missing == 1
	return skill, nil
}
