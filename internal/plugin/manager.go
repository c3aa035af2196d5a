// Package plugin synchronizes Git-backed content marketplaces into local
// caches and installs plugins (skills, commands, agents, hooks) into the
// shared content roots.
package plugin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xiehust/owork/internal/common/config"
	apperrors "github.com/xiehust/owork/internal/common/errors"
	"github.com/xiehust/owork/internal/common/logger"
	"github.com/xiehust/owork/internal/skill"
	"github.com/xiehust/owork/internal/storage"
)

// SyncOutcome reports what a marketplace sync found.
type SyncOutcome struct {
	IsMarketplace bool             `json:"is_marketplace"`
	Name          string           `json:"name,omitempty"`
	Plugins       []ManifestPlugin `json:"plugins"`
}

// Manager owns the plugin cache and content roots.
type Manager struct {
	cacheDir    string
	contentRoot string
	cloner      *Cloner
	store       *storage.Store
	logger      *logger.Logger
}

// NewManager creates a plugin manager.
func NewManager(cfg config.PluginsConfig, store *storage.Store, log *logger.Logger) *Manager {
	return &Manager{
		cacheDir:    cfg.CacheDir,
		contentRoot: cfg.ContentRoot,
		cloner:      NewCloner(log),
		store:       store,
		logger:      log,
	}
}

// cachePath returns the checkout directory for a marketplace.
func (m *Manager) cachePath(mp *storage.Marketplace) string {
	if mp.Type == storage.MarketplaceLocal {
		return mp.URL
	}
	return filepath.Join(m.cacheDir, CacheKey(mp.URL))
}

func (m *Manager) contentDir(kind string) string {
	return filepath.Join(m.contentRoot, kind)
}

// Sync clones or fast-forwards the marketplace and parses its plugin
// declarations. A repo without a manifest is treated as a single plugin.
// Per-plugin parse problems are logged and skipped, not fatal.
func (m *Manager) Sync(ctx context.Context, mp *storage.Marketplace) (*SyncOutcome, error) {
	dest := m.cachePath(mp)

	if mp.Type != storage.MarketplaceLocal {
		if err := m.cloner.SyncRepo(ctx, mp.URL, mp.Branch, dest); err != nil {
			return nil, err
		}
	} else if _, err := os.Stat(dest); err != nil {
		return nil, apperrors.NotFound("local marketplace path does not exist: %s", dest)
	}

	outcome := &SyncOutcome{}

	manifest, err := ParseManifest(dest)
	if err != nil {
		m.logger.Warn("Failed to parse marketplace manifest",
			zap.String("marketplace", mp.Name), zap.Error(err))
	}
	if manifest != nil {
		outcome.IsMarketplace = true
		outcome.Name = manifest.Name
		outcome.Plugins = manifest.Plugins
	} else if p := DetectRepoAsPlugin(dest, fallbackPluginName(mp)); p != nil {
		outcome.Plugins = []ManifestPlugin{*p}
	}

	now := time.Now().UTC()
	mp.LastSyncedAt = &now
	mp.CachedPlugins = pluginNames(outcome.Plugins)
	if err := m.store.PutMarketplace(ctx, mp); err != nil {
		return nil, err
	}

	m.logger.Info("Marketplace synced",
		zap.String("marketplace", mp.Name),
		zap.Int("plugins", len(outcome.Plugins)))
	return outcome, nil
}

// ListCached inspects the cache without network I/O.
func (m *Manager) ListCached(mp *storage.Marketplace) (*SyncOutcome, error) {
	dest := m.cachePath(mp)
	if _, err := os.Stat(dest); err != nil {
		return &SyncOutcome{Plugins: []ManifestPlugin{}}, nil
	}

	outcome := &SyncOutcome{}
	manifest, err := ParseManifest(dest)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to parse cached manifest")
	}
	if manifest != nil {
		outcome.IsMarketplace = true
		outcome.Name = manifest.Name
		outcome.Plugins = manifest.Plugins
	} else if p := DetectRepoAsPlugin(dest, fallbackPluginName(mp)); p != nil {
		outcome.Plugins = []ManifestPlugin{*p}
	}
	return outcome, nil
}

// Install copies a plugin's declared artifacts into the content roots and
// records the plugin and its skills. Installing an already-present plugin
// fails with Conflict.
func (m *Manager) Install(ctx context.Context, pluginName string, mp *storage.Marketplace) (*storage.Plugin, error) {
	existing, err := m.store.GetPluginByName(ctx, mp.ID, pluginName)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.Conflict("plugin %s is already installed", pluginName)
	}

	dest := m.cachePath(mp)
	decl, err := m.locatePlugin(ctx, dest, pluginName, mp)
	if err != nil {
		return nil, err
	}

	pluginDir := dest
	if decl.SourceURL != "" {
		// Remote plugin source referenced from the manifest: clone into a
		// nested source cache and install from there.
		pluginDir = filepath.Join(dest, sourcesCacheDir, decl.Name)
		if err := m.cloner.SyncRepo(ctx, decl.SourceURL, "", pluginDir); err != nil {
			return nil, err
		}
	} else if decl.Source != "" && decl.Source != "." {
		pluginDir = filepath.Join(dest, decl.Source)
	}

	record := &storage.Plugin{
		MarketplaceID: mp.ID,
		Name:          decl.Name,
		Version:       decl.Version,
		Description:   decl.Description,
		InstallPath:   pluginDir,
		Status:        storage.PluginInstalled,
	}

	for _, skillName := range decl.Skills {
		source := skillSourceDir(pluginDir, skillName)
		if source == "" {
			m.logger.Warn("Declared skill not found in plugin source",
				zap.String("plugin", decl.Name), zap.String("skill", skillName))
			continue
		}
		installedName := skillName
		if installedName == "." {
			installedName = decl.Name
		}
		target := filepath.Join(m.contentDir("skills"), installedName)
		if err := installTree(source, target); err != nil {
			m.logger.Error("Failed to install skill",
				zap.String("skill", installedName), zap.Error(err))
			continue
		}
		record.Skills = append(record.Skills, installedName)
	}

	for kind, names := range map[string][]string{
		"commands": decl.Commands,
		"agents":   decl.Agents,
		"hooks":    decl.Hooks,
	} {
		for _, name := range names {
			source := filepath.Join(pluginDir, kind, name)
			if _, err := os.Stat(source); err != nil {
				source = filepath.Join(pluginDir, name)
			}
			if _, err := os.Stat(source); err != nil {
				m.logger.Warn("Declared artifact not found",
					zap.String("plugin", decl.Name),
					zap.String("kind", kind),
					zap.String("name", name))
				continue
			}
			target := filepath.Join(m.contentDir(kind), filepath.Base(name))
			if err := installArtifact(source, target); err != nil {
				m.logger.Error("Failed to install artifact",
					zap.String("kind", kind), zap.String("name", name), zap.Error(err))
				continue
			}
			switch kind {
			case "commands":
				record.Commands = append(record.Commands, filepath.Base(name))
			case "agents":
				record.Agents = append(record.Agents, filepath.Base(name))
			case "hooks":
				record.Hooks = append(record.Hooks, filepath.Base(name))
			}
		}
	}
	record.MCPServers = decl.MCPServers

	if err := m.store.PutPlugin(ctx, record); err != nil {
		return nil, err
	}

	// Project installed skills into skill records.
	for _, installedName := range record.Skills {
		skillDir := filepath.Join(m.contentDir("skills"), installedName)
		meta, err := skill.ExtractMetadata(skillDir)
		if err != nil {
			m.logger.Warn("Installed skill has no readable SKILL.md",
				zap.String("skill", installedName), zap.Error(err))
		}
		name := meta.Name
		if name == "" {
			name = installedName
		}
		rec := &storage.Skill{
			Name:              name,
			Description:       meta.Description,
			Version:           meta.Version,
			FolderName:        installedName,
			SourceType:        storage.SkillSourcePlugin,
			SourcePluginID:    record.ID,
			SourceMarketplace: mp.ID,
			LocalPath:         skillDir,
			CreatedBy:         "plugin",
		}
		if existingSkill, err := m.store.GetSkillByFolderName(ctx, installedName); err == nil && existingSkill != nil {
			rec.ID = existingSkill.ID
			rec.CreatedAt = existingSkill.CreatedAt
		}
		if err := m.store.PutSkill(ctx, rec); err != nil {
			m.logger.Error("Failed to record installed skill",
				zap.String("skill", installedName), zap.Error(err))
		}
	}

	m.logger.Info("Plugin installed",
		zap.String("plugin", record.Name),
		zap.Int("skills", len(record.Skills)))
	return record, nil
}

// Uninstall removes every artifact the plugin record lists from the
// content roots, deletes its skill records, and clears agent references.
func (m *Manager) Uninstall(ctx context.Context, pluginID string) error {
	record, err := m.store.GetPlugin(ctx, pluginID)
	if err != nil {
		return err
	}

	for _, skillName := range record.Skills {
		if err := os.RemoveAll(filepath.Join(m.contentDir("skills"), skillName)); err != nil {
			m.logger.Warn("Failed to remove installed skill",
				zap.String("skill", skillName), zap.Error(err))
		}
	}
	for kind, names := range map[string][]string{
		"commands": record.Commands,
		"agents":   record.Agents,
		"hooks":    record.Hooks,
	} {
		for _, name := range names {
			if err := os.RemoveAll(filepath.Join(m.contentDir(kind), name)); err != nil {
				m.logger.Warn("Failed to remove artifact",
					zap.String("kind", kind), zap.String("name", name), zap.Error(err))
			}
		}
	}

	skills, err := m.store.ListSkillsByPlugin(ctx, pluginID)
	if err == nil {
		for _, s := range skills {
			if err := m.store.DeleteSkill(ctx, s.ID); err != nil {
				m.logger.Warn("Failed to delete plugin skill record",
					zap.String("skill_id", s.ID), zap.Error(err))
			}
			if _, err := m.store.RemoveSkillFromAgents(ctx, s.ID); err != nil {
				m.logger.Warn("Failed to clean skill references",
					zap.String("skill_id", s.ID), zap.Error(err))
			}
		}
	}

	if _, err := m.store.RemovePluginFromAgents(ctx, pluginID); err != nil {
		m.logger.Warn("Failed to clean plugin references",
			zap.String("plugin_id", pluginID), zap.Error(err))
	}

	if err := m.store.DeletePlugin(ctx, pluginID); err != nil {
		return err
	}

	m.logger.Info("Plugin uninstalled", zap.String("plugin", record.Name))
	return nil
}

// locatePlugin finds a plugin declaration: the marketplace manifest first,
// then the filesystem heuristic.
func (m *Manager) locatePlugin(ctx context.Context, repoDir, pluginName string, mp *storage.Marketplace) (*ManifestPlugin, error) {
	manifest, err := ParseManifest(repoDir)
	if err != nil {
		m.logger.Warn("Manifest parse failed during install", zap.Error(err))
	}
	if manifest != nil {
		for i := range manifest.Plugins {
			if manifest.Plugins[i].Name == pluginName {
				return &manifest.Plugins[i], nil
			}
		}
	}

	// Directory search fallback: a sub-folder by that name holding skills.
	candidate := filepath.Join(repoDir, pluginName)
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		if skills := detectSkillFolders(candidate); len(skills) > 0 {
			return &ManifestPlugin{Name: pluginName, Source: pluginName, Skills: skills}, nil
		}
	}

	if p := DetectRepoAsPlugin(repoDir, fallbackPluginName(mp)); p != nil && p.Name == pluginName {
		return p, nil
	}

	return nil, apperrors.NotFound("plugin %s not found in marketplace %s", pluginName, mp.Name).
		WithAction("Sync the marketplace and check the plugin name")
}

func fallbackPluginName(mp *storage.Marketplace) string {
	key := CacheKey(mp.URL)
	if base := filepath.Base(key); base != "." && base != "" {
		return base
	}
	return mp.Name
}

func pluginNames(plugins []ManifestPlugin) []string {
	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		names = append(names, p.Name)
	}
	return names
}

// installTree replaces target with a copy of source.
func installTree(source, target string) error {
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return copyDir(source, target)
}

// installArtifact copies a file or directory to target.
func installArtifact(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return installTree(source, target)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return err
	}
	return os.WriteFile(target, data, info.Mode())
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		// Skip git metadata and nested source caches.
		if rel != "." {
			top := strings.SplitN(rel, string(filepath.Separator), 2)[0]
			if top == ".git" || top == sourcesCacheDir {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}
