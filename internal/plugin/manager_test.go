package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiehust/owork/internal/common/config"
	apperrors "github.com/xiehust/owork/internal/common/errors"
	"github.com/xiehust/owork/internal/common/logger"
	"github.com/xiehust/owork/internal/storage"
)

type managerFixture struct {
	manager     *Manager
	store       *storage.Store
	contentRoot string
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "owork.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	root := t.TempDir()
	cfg := config.PluginsConfig{
		CacheDir:    filepath.Join(root, "cache"),
		ContentRoot: filepath.Join(root, "content"),
	}
	return &managerFixture{
		manager:     NewManager(cfg, store, logger.Default()),
		store:       store,
		contentRoot: cfg.ContentRoot,
	}
}

// newLocalMarketplace lays out a marketplace tree on disk and registers it
// with type local, so sync and install read it without any git traffic.
func (f *managerFixture) newLocalMarketplace(t *testing.T) *storage.Marketplace {
	t.Helper()
	repo := t.TempDir()

	writeFile(t, filepath.Join(repo, manifestDir, marketplaceFile), `{
		"name": "local-pack",
		"plugins": [
			{"name": "pdf-tools", "version": "1.2.0", "source": "./pdf-tools",
			 "skills": ["pdf-extract"], "commands": ["summarize.md"]}
		]
	}`)
	writeFile(t, filepath.Join(repo, "pdf-tools", "pdf-extract", "SKILL.md"),
		"---\nname: PDF Extract\ndescription: Pulls text out of PDF files.\nversion: 1.2.0\n---\n\nUsage notes.\n")
	writeFile(t, filepath.Join(repo, "pdf-tools", "commands", "summarize.md"), "Summarize the document.\n")

	mp := &storage.Marketplace{Name: "local-pack", Type: storage.MarketplaceLocal, URL: repo}
	require.NoError(t, f.store.PutMarketplace(context.Background(), mp))
	return mp
}

func TestInstallFromLocalMarketplace(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	mp := f.newLocalMarketplace(t)

	outcome, err := f.manager.Sync(ctx, mp)
	require.NoError(t, err)
	assert.True(t, outcome.IsMarketplace)
	require.Len(t, outcome.Plugins, 1)
	assert.Equal(t, "pdf-tools", outcome.Plugins[0].Name)

	record, err := f.manager.Install(ctx, "pdf-tools", mp)
	require.NoError(t, err)
	assert.Equal(t, []string{"pdf-extract"}, record.Skills)
	assert.Equal(t, []string{"summarize.md"}, record.Commands)
	assert.Equal(t, storage.PluginInstalled, record.Status)

	// Artifacts land in the shared content roots.
	_, err = os.Stat(filepath.Join(f.contentRoot, "skills", "pdf-extract", "SKILL.md"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.contentRoot, "commands", "summarize.md"))
	require.NoError(t, err)

	// The installed skill is projected into a skill record.
	skillRec, err := f.store.GetSkillByFolderName(ctx, "pdf-extract")
	require.NoError(t, err)
	require.NotNil(t, skillRec)
	assert.Equal(t, "PDF Extract", skillRec.Name)
	assert.Equal(t, storage.SkillSourcePlugin, skillRec.SourceType)
	assert.Equal(t, record.ID, skillRec.SourcePluginID)

	// Installing the same plugin twice is a conflict.
	_, err = f.manager.Install(ctx, "pdf-tools", mp)
	assert.True(t, apperrors.IsConflict(err))
}

func TestUninstallRemovesArtifactsAndReferences(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	mp := f.newLocalMarketplace(t)

	_, err := f.manager.Sync(ctx, mp)
	require.NoError(t, err)
	record, err := f.manager.Install(ctx, "pdf-tools", mp)
	require.NoError(t, err)

	skillRec, err := f.store.GetSkillByFolderName(ctx, "pdf-extract")
	require.NoError(t, err)
	require.NotNil(t, skillRec)

	ag := &storage.Agent{
		Name:      "doc-writer",
		SkillIDs:  []string{skillRec.ID},
		PluginIDs: []string{record.ID},
	}
	require.NoError(t, f.store.PutAgent(ctx, ag))

	require.NoError(t, f.manager.Uninstall(ctx, record.ID))

	_, err = os.Stat(filepath.Join(f.contentRoot, "skills", "pdf-extract"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(f.contentRoot, "commands", "summarize.md"))
	assert.True(t, os.IsNotExist(err))

	gone, err := f.store.GetSkillByFolderName(ctx, "pdf-extract")
	require.NoError(t, err)
	assert.Nil(t, gone)

	_, err = f.manager.store.GetPlugin(ctx, record.ID)
	assert.True(t, apperrors.IsNotFound(err))

	// Agent references to the plugin and its skills are cleared.
	cleaned, err := f.store.GetAgent(ctx, ag.ID)
	require.NoError(t, err)
	assert.Empty(t, cleaned.SkillIDs)
	assert.Empty(t, cleaned.PluginIDs)
}

func TestInstallUnknownPlugin(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	mp := f.newLocalMarketplace(t)

	_, err := f.manager.Install(ctx, "missing", mp)
	assert.True(t, apperrors.IsNotFound(err))
}
