package plugin

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// marketplace.json lives under .claude-plugin/ at the repository root.
const (
	manifestDir       = ".claude-plugin"
	marketplaceFile   = "marketplace.json"
	pluginFile        = "plugin.json"
	sourcesCacheDir   = "_sources"
	skillManifestName = "SKILL.md"
)

// ManifestPlugin is one plugin entry in a marketplace manifest.
type ManifestPlugin struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Source      string   `json:"source"`    // relative path within the repo, or "" for remote
	SourceURL   string   `json:"sourceUrl"` // set when source was {"source":"url","url":...}
	Skills      []string `json:"skills"`
	Commands    []string `json:"commands"`
	Agents      []string `json:"agents"`
	Hooks       []string `json:"hooks"`
	MCPServers  []string `json:"mcpServers"`
}

// Manifest is the parsed marketplace declaration.
type Manifest struct {
	Name    string           `json:"name"`
	Plugins []ManifestPlugin `json:"plugins"`
}

// rawManifest matches the on-disk JSON, where a plugin source is either a
// string path or an object {"source": "url", "url": "..."}.
type rawManifest struct {
	Name    string `json:"name"`
	Plugins []struct {
		Name        string          `json:"name"`
		Version     string          `json:"version"`
		Description string          `json:"description"`
		Source      json.RawMessage `json:"source"`
		Skills      []string        `json:"skills"`
		Commands    []string        `json:"commands"`
		Agents      []string        `json:"agents"`
		Hooks       []string        `json:"hooks"`
		MCPServers  []string        `json:"mcpServers"`
	} `json:"plugins"`
}

// ParseManifest reads {repo}/.claude-plugin/marketplace.json. Returns
// (nil, nil) when the repo declares no marketplace. Plugins whose skills
// array is absent get skill sub-folders auto-detected from their source
// directory.
func ParseManifest(repoDir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(repoDir, manifestDir, marketplaceFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rm rawManifest
	if err := json.Unmarshal(raw, &rm); err != nil {
		return nil, err
	}

	manifest := &Manifest{Name: rm.Name}
	for _, rp := range rm.Plugins {
		p := ManifestPlugin{
			Name:        rp.Name,
			Version:     rp.Version,
			Description: rp.Description,
			Skills:      rp.Skills,
			Commands:    rp.Commands,
			Agents:      rp.Agents,
			Hooks:       rp.Hooks,
			MCPServers:  rp.MCPServers,
		}
		if len(rp.Source) > 0 {
			var pathSource string
			if err := json.Unmarshal(rp.Source, &pathSource); err == nil {
				p.Source = strings.TrimPrefix(pathSource, "./")
			} else {
				var objSource struct {
					Source string `json:"source"`
					URL    string `json:"url"`
				}
				if err := json.Unmarshal(rp.Source, &objSource); err == nil && objSource.Source == "url" {
					p.SourceURL = objSource.URL
				}
			}
		}
		if p.Skills == nil && p.Source != "" {
			p.Skills = detectSkillFolders(filepath.Join(repoDir, p.Source))
		}
		manifest.Plugins = append(manifest.Plugins, p)
	}
	return manifest, nil
}

// detectSkillFolders lists sub-folders containing a SKILL.md, checking the
// plugin directory itself and its skills/ subtree.
func detectSkillFolders(pluginDir string) []string {
	var found []string
	roots := []string{pluginDir, filepath.Join(pluginDir, "skills")}
	seen := map[string]bool{}
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || seen[entry.Name()] {
				continue
			}
			if _, err := os.Stat(filepath.Join(root, entry.Name(), skillManifestName)); err == nil {
				seen[entry.Name()] = true
				found = append(found, entry.Name())
			}
		}
	}
	return found
}

// DetectRepoAsPlugin treats a manifest-less repository as a single plugin:
// a .claude-plugin/plugin.json, a skills/ tree, or a root SKILL.md
// (standalone skill). Returns nil when the repo holds no plugin content.
func DetectRepoAsPlugin(repoDir, fallbackName string) *ManifestPlugin {
	p := &ManifestPlugin{Name: fallbackName, Source: "."}

	if raw, err := os.ReadFile(filepath.Join(repoDir, manifestDir, pluginFile)); err == nil {
		var meta struct {
			Name        string `json:"name"`
			Version     string `json:"version"`
			Description string `json:"description"`
		}
		if json.Unmarshal(raw, &meta) == nil {
			if meta.Name != "" {
				p.Name = meta.Name
			}
			p.Version = meta.Version
			p.Description = meta.Description
		}
		p.Skills = detectSkillFolders(repoDir)
		return p
	}

	if skills := detectSkillFolders(repoDir); len(skills) > 0 {
		p.Skills = skills
		return p
	}

	// Standalone skill: SKILL.md at the repo root. The repo itself is the
	// skill folder.
	if _, err := os.Stat(filepath.Join(repoDir, skillManifestName)); err == nil {
		p.Skills = []string{"."}
		return p
	}

	return nil
}

// skillSourceDir resolves where a declared skill lives under a plugin
// source directory.
func skillSourceDir(pluginDir, skillName string) string {
	if skillName == "." {
		return pluginDir
	}
	direct := filepath.Join(pluginDir, skillName)
	if _, err := os.Stat(filepath.Join(direct, skillManifestName)); err == nil {
		return direct
	}
	nested := filepath.Join(pluginDir, "skills", skillName)
	if _, err := os.Stat(filepath.Join(nested, skillManifestName)); err == nil {
		return nested
	}
	return ""
}
