package skill

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Metadata is the best-effort description derived from a SKILL.md file.
type Metadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
}

var (
	h1Pattern      = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	versionPattern = regexp.MustCompile(`[Vv]ersion[:\s]+([0-9.]+)`)
)

// ExtractMetadata reads SKILL.md from a skill folder and derives name,
// description, and version. YAML front matter wins when present; otherwise
// the first H1 is the name, the first paragraph after it the description,
// and the first "version: X.Y.Z" line the version.
func ExtractMetadata(folder string) (Metadata, error) {
	raw, err := os.ReadFile(filepath.Join(folder, "SKILL.md"))
	if err != nil {
		return Metadata{}, err
	}
	return parseMetadata(string(raw)), nil
}

func parseMetadata(content string) Metadata {
	var meta Metadata

	if body, ok := frontMatter(content); ok {
		_ = yaml.Unmarshal([]byte(body), &meta)
	}

	if meta.Name == "" {
		if m := h1Pattern.FindStringSubmatch(content); m != nil {
			meta.Name = strings.TrimSpace(m[1])
		}
	}
	if meta.Description == "" {
		meta.Description = firstParagraphAfterH1(content)
	}
	if meta.Version == "" {
		if m := versionPattern.FindStringSubmatch(content); m != nil {
			meta.Version = m[1]
		}
	}
	return meta
}

// frontMatter extracts a leading --- delimited YAML block.
func frontMatter(content string) (string, bool) {
	if !strings.HasPrefix(content, "---\n") && !strings.HasPrefix(content, "---\r\n") {
		return "", false
	}
	rest := content[strings.Index(content, "\n")+1:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// firstParagraphAfterH1 returns the first non-empty, non-heading paragraph
// following the first H1.
func firstParagraphAfterH1(content string) string {
	loc := h1Pattern.FindStringIndex(content)
	if loc == nil {
		return ""
	}
	var lines []string
	started := false
	for _, line := range strings.Split(content[loc[1]:], "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if started {
				break
			}
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			if started {
				break
			}
			continue
		}
		started = true
		lines = append(lines, trimmed)
	}
	return strings.Join(lines, " ")
}

// ExtractZip unpacks a skill package into destDir. When the archive wraps
// everything in a single root folder, that folder is stripped so SKILL.md
// lands at the destination root. Rejects entries escaping the destination.
func ExtractZip(zipContent []byte, destDir string) error {
	reader, err := zip.NewReader(bytes.NewReader(zipContent), int64(len(zipContent)))
	if err != nil {
		return fmt.Errorf("invalid zip archive: %w", err)
	}

	root := singleRootFolder(reader)

	for _, file := range reader.File {
		name := file.Name
		if root != "" {
			name = strings.TrimPrefix(name, root)
			if name == "" {
				continue
			}
		}

		target := filepath.Join(destDir, name)
		if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(destDir)+string(filepath.Separator)) {
			return fmt.Errorf("zip entry escapes destination: %s", file.Name)
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := file.Open()
		if err != nil {
			return err
		}
		dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, file.Mode())
		if err != nil {
			_ = src.Close()
			return err
		}
		_, err = io.Copy(dst, src)
		_ = src.Close()
		if closeErr := dst.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// singleRootFolder returns "dir/" when every archive entry lives under one
// top-level folder, otherwise "".
func singleRootFolder(reader *zip.Reader) string {
	root := ""
	for _, file := range reader.File {
		parts := strings.SplitN(file.Name, "/", 2)
		if len(parts) < 2 {
			return ""
		}
		if root == "" {
			root = parts[0]
		} else if parts[0] != root {
			return ""
		}
	}
	if root == "" || root == "." || root == ".." {
		return ""
	}
	return root + "/"
}

// ZipHasSkillMD reports whether the archive contains a SKILL.md at any
// depth under its (possibly single-rooted) top level.
func ZipHasSkillMD(zipContent []byte) bool {
	reader, err := zip.NewReader(bytes.NewReader(zipContent), int64(len(zipContent)))
	if err != nil {
		return false
	}
	for _, file := range reader.File {
		if filepath.Base(file.Name) == "SKILL.md" {
			return true
		}
	}
	return false
}
