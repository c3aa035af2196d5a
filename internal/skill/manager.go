// Package skill implements the draft / numbered-versions content lifecycle
// for skills.
//
// Staging layout per skill: {staging}/{folder}/draft/ holds the sole
// unpublished working copy; {staging}/{folder}/v{n}/ are immutable
// published snapshots. The local workspace mirror always reflects the
// currently published version.
package skill

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/xiehust/owork/internal/common/errors"
	"github.com/xiehust/owork/internal/common/logger"
	"github.com/xiehust/owork/internal/storage"
	"github.com/xiehust/owork/internal/workspace"
)

// SyncResult reports what a refresh reconciliation changed.
type SyncResult struct {
	Added        []string            `json:"added"`
	Updated      []string            `json:"updated"`
	Removed      []string            `json:"removed"`
	Errors       []map[string]string `json:"errors"`
	TotalLocal   int                 `json:"total_local"`
	TotalPlugins int                 `json:"total_plugins"`
	TotalDB      int                 `json:"total_db"`
}

// Manager owns the skill staging store and the local mirror.
type Manager struct {
	stagingRoot string
	store       *storage.Store
	workspaces  *workspace.Manager
	logger      *logger.Logger

	// skillMus serializes version promotions per skill folder.
	skillMus sync.Map // map[string]*sync.Mutex
}

// NewManager creates a skill manager.
func NewManager(stagingRoot string, store *storage.Store, workspaces *workspace.Manager, log *logger.Logger) *Manager {
	return &Manager{
		stagingRoot: stagingRoot,
		store:       store,
		workspaces:  workspaces,
		logger:      log,
	}
}

func (m *Manager) lockSkill(folderName string) func() {
	muIface, _ := m.skillMus.LoadOrStore(folderName, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) draftDir(folderName string) string {
	return filepath.Join(m.stagingRoot, folderName, "draft")
}

func (m *Manager) versionDir(folderName string, version int) string {
	return filepath.Join(m.stagingRoot, folderName, fmt.Sprintf("v%d", version))
}

func (m *Manager) localMirror(folderName string) string {
	return filepath.Join(m.workspaces.MainSkillsDir(), folderName)
}

// UploadPackage stages a ZIP package as the skill's draft and creates or
// updates the skill record with has_draft=true.
func (m *Manager) UploadPackage(ctx context.Context, zipContent []byte, name string) (*storage.Skill, error) {
	folderName := workspace.SanitizeFolderName(name)
	if folderName == "" {
		return nil, apperrors.ValidationError("skill name is required")
	}
	if !ZipHasSkillMD(zipContent) {
		return nil, apperrors.ValidationError("skill package must contain a SKILL.md file").
			WithAction("Ensure your ZIP contains a valid SKILL.md file")
	}

	unlock := m.lockSkill(folderName)
	defer unlock()

	draft := m.draftDir(folderName)
	if err := os.RemoveAll(draft); err != nil {
		return nil, apperrors.Wrap(err, "failed to clear draft")
	}
	if err := os.MkdirAll(draft, 0o755); err != nil {
		return nil, apperrors.Wrap(err, "failed to create draft directory")
	}
	if err := ExtractZip(zipContent, draft); err != nil {
		return nil, apperrors.ValidationError("invalid skill package: %v", err)
	}

	meta, err := ExtractMetadata(draft)
	if err != nil {
		return nil, apperrors.ValidationError("skill package must contain a SKILL.md file")
	}

	skill, err := m.store.GetSkillByFolderName(ctx, folderName)
	if err != nil {
		return nil, err
	}
	if skill == nil {
		skill = &storage.Skill{
			Name:           firstNonEmpty(meta.Name, folderName),
			Description:    meta.Description,
			Version:        firstNonEmpty(meta.Version, "1.0.0"),
			FolderName:     folderName,
			SourceType:     storage.SkillSourceUser,
			CurrentVersion: 0,
			HasDraft:       true,
			CreatedBy:      "user",
		}
		if err := m.store.PutSkill(ctx, skill); err != nil {
			return nil, err
		}
		m.logger.Info("Created skill with draft", zap.String("skill", folderName))
	} else {
		skill.HasDraft = true
		skill.Description = firstNonEmpty(meta.Description, skill.Description)
		skill.Version = firstNonEmpty(meta.Version, skill.Version)
		if err := m.store.UpdateSkill(ctx, skill); err != nil {
			return nil, err
		}
		m.logger.Info("Replaced skill draft", zap.String("skill", folderName))
	}
	return skill, nil
}

// FinalizeFromLocal stages a draft from an existing local folder (created
// by a skill-generation conversation) and creates the record if new.
func (m *Manager) FinalizeFromLocal(ctx context.Context, folderName, displayName string) (*storage.Skill, error) {
	folderName = workspace.SanitizeFolderName(folderName)
	source := m.localMirror(folderName)
	if _, err := os.Stat(filepath.Join(source, "SKILL.md")); err != nil {
		return nil, apperrors.NotFound("skill folder %s has no SKILL.md", folderName).
			WithAction("Ensure the skill was created successfully before finalizing")
	}

	unlock := m.lockSkill(folderName)
	defer unlock()

	meta, err := ExtractMetadata(source)
	if err != nil {
		return nil, apperrors.ValidationError("failed to read SKILL.md: %v", err)
	}

	draft := m.draftDir(folderName)
	if err := os.RemoveAll(draft); err != nil {
		return nil, apperrors.Wrap(err, "failed to clear draft")
	}
	if err := copyTree(source, draft); err != nil {
		return nil, apperrors.Wrap(err, "failed to stage draft")
	}

	skill, err := m.store.GetSkillByFolderName(ctx, folderName)
	if err != nil {
		return nil, err
	}
	if skill == nil {
		skill = &storage.Skill{
			Name:        firstNonEmpty(displayName, meta.Name, folderName),
			Description: meta.Description,
			Version:     firstNonEmpty(meta.Version, "1.0.0"),
			FolderName:  folderName,
			SourceType:  storage.SkillSourceUser,
			LocalPath:   source,
			HasDraft:    true,
			CreatedBy:   "ai-agent",
		}
		if err := m.store.PutSkill(ctx, skill); err != nil {
			return nil, err
		}
	} else {
		skill.Name = firstNonEmpty(displayName, meta.Name, skill.Name)
		skill.Description = firstNonEmpty(meta.Description, skill.Description)
		skill.Version = firstNonEmpty(meta.Version, skill.Version)
		skill.LocalPath = source
		skill.HasDraft = true
		if err := m.store.UpdateSkill(ctx, skill); err != nil {
			return nil, err
		}
	}
	return skill, nil
}

// PublishDraft promotes the draft to version current_version+1, deletes
// the draft, refreshes the local mirror, and records the version.
func (m *Manager) PublishDraft(ctx context.Context, skillID, changeSummary string) (*storage.Skill, error) {
	skill, err := m.store.GetSkill(ctx, skillID)
	if err != nil {
		return nil, err
	}

	unlock := m.lockSkill(skill.FolderName)
	defer unlock()

	// Re-read under the lock; a concurrent publish may have consumed the
	// draft between the first fetch and the lock acquisition.
	skill, err = m.store.GetSkill(ctx, skillID)
	if err != nil {
		return nil, err
	}
	if !skill.HasDraft {
		return nil, apperrors.StateError("skill %s has no unpublished draft", skillID).
			WithAction("Upload or modify the skill first to create a draft")
	}

	draft := m.draftDir(skill.FolderName)
	if _, err := os.Stat(draft); err != nil {
		return nil, apperrors.StateError("draft content missing for skill %s", skillID)
	}

	newVersion := skill.CurrentVersion + 1
	target := m.versionDir(skill.FolderName, newVersion)
	if err := os.RemoveAll(target); err != nil {
		return nil, apperrors.Wrap(err, "failed to prepare version directory")
	}
	if err := copyTree(draft, target); err != nil {
		return nil, apperrors.Wrap(err, "failed to publish draft")
	}
	if err := os.RemoveAll(draft); err != nil {
		return nil, apperrors.Wrap(err, "failed to remove draft")
	}

	if err := m.mirrorVersion(skill.FolderName, newVersion); err != nil {
		return nil, err
	}

	if err := m.store.PutSkillVersion(ctx, &storage.SkillVersion{
		SkillID:       skillID,
		Version:       newVersion,
		Location:      target,
		ChangeSummary: changeSummary,
	}); err != nil {
		return nil, err
	}

	skill.CurrentVersion = newVersion
	skill.HasDraft = false
	skill.LocalPath = m.localMirror(skill.FolderName)
	if err := m.store.UpdateSkill(ctx, skill); err != nil {
		return nil, err
	}

	m.logger.Info("Published skill draft",
		zap.String("skill", skill.FolderName),
		zap.Int("version", newVersion))
	return skill, nil
}

// DiscardDraft deletes the draft and clears has_draft.
func (m *Manager) DiscardDraft(ctx context.Context, skillID string) (*storage.Skill, error) {
	skill, err := m.store.GetSkill(ctx, skillID)
	if err != nil {
		return nil, err
	}
	if !skill.HasDraft {
		return nil, apperrors.StateError("skill %s has no unpublished draft", skillID)
	}

	unlock := m.lockSkill(skill.FolderName)
	defer unlock()

	if err := os.RemoveAll(m.draftDir(skill.FolderName)); err != nil {
		return nil, apperrors.Wrap(err, "failed to remove draft")
	}
	skill.HasDraft = false
	if err := m.store.UpdateSkill(ctx, skill); err != nil {
		return nil, err
	}
	return skill, nil
}

// Rollback points the skill at an existing version: any draft is
// discarded, current_version moves, and the local mirror is replaced.
func (m *Manager) Rollback(ctx context.Context, skillID string, version int) (*storage.Skill, error) {
	skill, err := m.store.GetSkill(ctx, skillID)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.GetSkillVersion(ctx, skillID, version); err != nil {
		return nil, err
	}

	unlock := m.lockSkill(skill.FolderName)
	defer unlock()

	if skill.HasDraft {
		if err := os.RemoveAll(m.draftDir(skill.FolderName)); err != nil {
			return nil, apperrors.Wrap(err, "failed to discard draft")
		}
	}
	if err := m.mirrorVersion(skill.FolderName, version); err != nil {
		return nil, err
	}

	skill.CurrentVersion = version
	skill.HasDraft = false
	if err := m.store.UpdateSkill(ctx, skill); err != nil {
		return nil, err
	}

	m.logger.Info("Rolled back skill",
		zap.String("skill", skill.FolderName),
		zap.Int("version", version))
	return skill, nil
}

// Delete removes a skill: staging content, local mirror, version records,
// agent references, and finally the database row. Storage failures after
// validation do not prevent removal of the row.
func (m *Manager) Delete(ctx context.Context, skillID string) error {
	skill, err := m.store.GetSkill(ctx, skillID)
	if err != nil {
		return err
	}
	if skill.IsSystem {
		return apperrors.ValidationError("system skills are protected and cannot be deleted").
			WithAction("Only user-created skills can be deleted")
	}

	unlock := m.lockSkill(skill.FolderName)
	defer unlock()

	if err := os.RemoveAll(filepath.Join(m.stagingRoot, skill.FolderName)); err != nil {
		m.logger.Warn("Failed to remove staged skill content",
			zap.String("skill", skill.FolderName), zap.Error(err))
	}
	if skill.FolderName != "" {
		if err := os.RemoveAll(m.localMirror(skill.FolderName)); err != nil {
			m.logger.Warn("Failed to remove local skill folder",
				zap.String("skill", skill.FolderName), zap.Error(err))
		}
	}

	if removed, err := m.store.DeleteSkillVersions(ctx, skillID); err != nil {
		m.logger.Warn("Failed to delete version records", zap.String("skill_id", skillID), zap.Error(err))
	} else if removed > 0 {
		m.logger.Info("Deleted version records", zap.String("skill_id", skillID), zap.Int64("count", removed))
	}

	if updated, err := m.store.RemoveSkillFromAgents(ctx, skillID); err != nil {
		m.logger.Warn("Failed to clean agent references", zap.String("skill_id", skillID), zap.Error(err))
	} else if updated > 0 {
		m.logger.Info("Removed skill from agents", zap.String("skill_id", skillID), zap.Int("agents", updated))
	}

	return m.store.DeleteSkill(ctx, skillID)
}

// Refresh reconciles the local user-skill directory with database records.
// Orphan folders gain DB rows (user source only); rows whose folder is
// missing are flagged; plugin-sourced rows are never touched.
func (m *Manager) Refresh(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{
		Added:   []string{},
		Updated: []string{},
		Removed: []string{},
		Errors:  []map[string]string{},
	}

	dbSkills, err := m.store.ListSkills(ctx)
	if err != nil {
		return nil, err
	}
	result.TotalDB = len(dbSkills)

	byFolder := map[string]*storage.Skill{}
	for _, s := range dbSkills {
		if s.SourceType == storage.SkillSourcePlugin {
			result.TotalPlugins++
			continue
		}
		if s.FolderName != "" {
			byFolder[s.FolderName] = s
		}
	}

	localDir := m.workspaces.MainSkillsDir()
	entries, _ := os.ReadDir(localDir)
	localFolders := map[string]bool{}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		folder := filepath.Join(localDir, entry.Name())
		if _, err := os.Stat(filepath.Join(folder, "SKILL.md")); err != nil {
			continue
		}
		localFolders[entry.Name()] = true
		result.TotalLocal++

		if _, known := byFolder[entry.Name()]; known {
			continue
		}
		meta, err := ExtractMetadata(folder)
		if err != nil {
			result.Errors = append(result.Errors, map[string]string{
				"skill": entry.Name(), "error": err.Error(),
			})
			continue
		}
		newSkill := &storage.Skill{
			Name:        firstNonEmpty(meta.Name, entry.Name()),
			Description: meta.Description,
			Version:     firstNonEmpty(meta.Version, "1.0.0"),
			FolderName:  entry.Name(),
			SourceType:  storage.SkillSourceUser,
			LocalPath:   folder,
			CreatedBy:   "user",
		}
		if err := m.store.PutSkill(ctx, newSkill); err != nil {
			result.Errors = append(result.Errors, map[string]string{
				"skill": entry.Name(), "error": err.Error(),
			})
			continue
		}
		result.Added = append(result.Added, entry.Name())
	}

	// Flag user-skill rows whose folder disappeared.
	for folder, s := range byFolder {
		if localFolders[folder] {
			if s.Missing {
				s.Missing = false
				if err := m.store.UpdateSkill(ctx, s); err == nil {
					result.Updated = append(result.Updated, folder)
				}
			}
			continue
		}
		if !s.Missing {
			s.Missing = true
			if err := m.store.UpdateSkill(ctx, s); err == nil {
				result.Removed = append(result.Removed, folder)
			}
		}
	}

	m.logger.Info("Skill refresh complete",
		zap.Int("added", len(result.Added)),
		zap.Int("flagged", len(result.Removed)),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// mirrorVersion replaces the local mirror with a published version's
// content.
func (m *Manager) mirrorVersion(folderName string, version int) error {
	source := m.versionDir(folderName, version)
	if _, err := os.Stat(source); err != nil {
		return apperrors.StateError("version %d content missing for skill %s", version, folderName)
	}
	mirror := m.localMirror(folderName)
	if err := os.RemoveAll(mirror); err != nil {
		return apperrors.Wrap(err, "failed to clear local mirror")
	}
	if err := copyTree(source, mirror); err != nil {
		return apperrors.Wrap(err, "failed to mirror version locally")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// copyTree copies a directory recursively, following nothing: symlinks in
// skill content are copied as their targets' contents.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = in.Close() }()
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		_, err = io.Copy(out, in)
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		return err
	})
}
