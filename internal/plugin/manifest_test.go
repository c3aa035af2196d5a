package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestParseManifestPathAndURLSources(t *testing.T) {
	repo := t.TempDir()
	writeFile(t, filepath.Join(repo, manifestDir, marketplaceFile), `{
		"name": "community",
		"plugins": [
			{"name": "pdf-tools", "version": "1.0.0", "source": "./pdf-tools", "skills": ["pdf-extract"]},
			{"name": "remote-pack", "source": {"source": "url", "url": "https://github.com/acme/remote-pack.git"}}
		]
	}`)

	m, err := ParseManifest(repo)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "community", m.Name)
	require.Len(t, m.Plugins, 2)

	assert.Equal(t, "pdf-tools", m.Plugins[0].Source)
	assert.Equal(t, []string{"pdf-extract"}, m.Plugins[0].Skills)

	assert.Empty(t, m.Plugins[1].Source)
	assert.Equal(t, "https://github.com/acme/remote-pack.git", m.Plugins[1].SourceURL)
}

func TestParseManifestAutoDetectsSkills(t *testing.T) {
	repo := t.TempDir()
	writeFile(t, filepath.Join(repo, manifestDir, marketplaceFile), `{
		"name": "m",
		"plugins": [{"name": "bundle", "source": "bundle"}]
	}`)
	writeFile(t, filepath.Join(repo, "bundle", "alpha", "SKILL.md"), "# Alpha\n")
	writeFile(t, filepath.Join(repo, "bundle", "skills", "beta", "SKILL.md"), "# Beta\n")
	writeFile(t, filepath.Join(repo, "bundle", "docs", "README.md"), "not a skill\n")

	m, err := ParseManifest(repo)
	require.NoError(t, err)
	require.Len(t, m.Plugins, 1)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, m.Plugins[0].Skills)
}

func TestParseManifestAbsent(t *testing.T) {
	m, err := ParseManifest(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestDetectRepoAsPlugin(t *testing.T) {
	t.Run("plugin.json", func(t *testing.T) {
		repo := t.TempDir()
		writeFile(t, filepath.Join(repo, manifestDir, pluginFile), `{"name": "toolbox", "version": "0.2.0"}`)
		writeFile(t, filepath.Join(repo, "skills", "x", "SKILL.md"), "# X\n")

		p := DetectRepoAsPlugin(repo, "fallback")
		require.NotNil(t, p)
		assert.Equal(t, "toolbox", p.Name)
		assert.Equal(t, "0.2.0", p.Version)
		assert.Equal(t, []string{"x"}, p.Skills)
	})

	t.Run("skills tree only", func(t *testing.T) {
		repo := t.TempDir()
		writeFile(t, filepath.Join(repo, "skills", "y", "SKILL.md"), "# Y\n")

		p := DetectRepoAsPlugin(repo, "acme-skills")
		require.NotNil(t, p)
		assert.Equal(t, "acme-skills", p.Name)
		assert.Equal(t, []string{"y"}, p.Skills)
	})

	t.Run("standalone skill repo", func(t *testing.T) {
		repo := t.TempDir()
		writeFile(t, filepath.Join(repo, "SKILL.md"), "# Standalone\n")

		p := DetectRepoAsPlugin(repo, "standalone")
		require.NotNil(t, p)
		assert.Equal(t, []string{"."}, p.Skills)
	})

	t.Run("nothing", func(t *testing.T) {
		assert.Nil(t, DetectRepoAsPlugin(t.TempDir(), "empty"))
	})
}

func TestSkillSourceDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "direct", "SKILL.md"), "# D\n")
	writeFile(t, filepath.Join(dir, "skills", "nested", "SKILL.md"), "# N\n")

	assert.Equal(t, filepath.Join(dir, "direct"), skillSourceDir(dir, "direct"))
	assert.Equal(t, filepath.Join(dir, "skills", "nested"), skillSourceDir(dir, "nested"))
	assert.Equal(t, dir, skillSourceDir(dir, "."))
	assert.Empty(t, skillSourceDir(dir, "missing"))
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, filepath.Join("acme", "skills"), CacheKey("https://github.com/acme/skills.git"))
	assert.Equal(t, filepath.Join("acme", "skills"), CacheKey("git@github.com:acme/skills.git"))
	assert.Equal(t, filepath.Join("group", "repo"), CacheKey("https://gitlab.example.com/group/repo"))
}
