package policy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ContentAccessPolicy gates file tools and bash commands against a fixed
// allowed-directory list, bound at option-build time.
type ContentAccessPolicy struct {
	allowedDirs []string
}

// toolPathParams maps file tools to the input key carrying their path.
var toolPathParams = map[string]string{
	"Read":  "file_path",
	"Write": "file_path",
	"Edit":  "file_path",
	"Glob":  "path",
	"Grep":  "path",
}

// bashPathPatterns extract candidate absolute paths from a command string:
// file verbs with targets, redirection targets, and bare leading-slash
// arguments.
var bashPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:cat|head|tail|less|more|touch|rm|cp|mv|mkdir|rmdir|ln|chmod|chown|vim|nano|sed|awk|tee)\s+(?:-[^\s]+\s+)*(/[^\s;|&<>'"]+)`),
	regexp.MustCompile(`[<>]+\s*(/[^\s;|&<>'"]+)`),
	regexp.MustCompile(`\bcd\s+(/[^\s;|&<>'"]+)`),
	regexp.MustCompile(`(?:^|\s)(/[^\s;|&<>'"]+)`),
}

// NewContentAccessPolicy binds the policy to a concrete allowed-directory
// list. Directories are cleaned; empty entries are dropped.
func NewContentAccessPolicy(dirs []string) *ContentAccessPolicy {
	cleaned := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d == "" {
			continue
		}
		cleaned = append(cleaned, filepath.Clean(d))
	}
	return &ContentAccessPolicy{allowedDirs: cleaned}
}

// AllowedDirs returns the bound directory list.
func (p *ContentAccessPolicy) AllowedDirs() []string {
	return p.allowedDirs
}

// PathParam returns the input key carrying the path for a file tool, and
// whether the tool is path-gated at all.
func PathParam(toolName string) (string, bool) {
	key, ok := toolPathParams[toolName]
	return key, ok
}

// CheckToolPath gates a file-tool invocation. Relative paths are allowed:
// they resolve under the cwd, which is allowed by construction.
func (p *ContentAccessPolicy) CheckToolPath(toolName string, input map[string]interface{}) (bool, string) {
	key, gated := toolPathParams[toolName]
	if !gated {
		return true, ""
	}
	raw, _ := input[key].(string)
	if raw == "" || !filepath.IsAbs(raw) {
		return true, ""
	}
	if p.contains(raw) {
		return true, ""
	}
	return false, fmt.Sprintf("Access denied: %s is outside the allowed directories (%s)",
		raw, strings.Join(p.allowedDirs, ", "))
}

// CheckBashPaths scans a command string for absolute path candidates and
// denies when any escapes the allowed set.
func (p *ContentAccessPolicy) CheckBashPaths(command string) (bool, string) {
	seen := map[string]bool{}
	for _, re := range bashPathPatterns {
		for _, match := range re.FindAllStringSubmatch(command, -1) {
			candidate := match[1]
			if seen[candidate] {
				continue
			}
			seen[candidate] = true
			if isSharedSystemPath(candidate) {
				continue
			}
			if !p.contains(candidate) {
				return false, fmt.Sprintf("Access denied: command touches %s, outside the allowed directories (%s)",
					candidate, strings.Join(p.allowedDirs, ", "))
			}
		}
	}
	return true, ""
}

// contains reports whether path equals an allowed directory or lies
// beneath one (prefix match with separator).
func (p *ContentAccessPolicy) contains(path string) bool {
	cleaned := filepath.Clean(path)
	for _, dir := range p.allowedDirs {
		if cleaned == dir || strings.HasPrefix(cleaned, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// isSharedSystemPath exempts read-mostly system prefixes that commands
// legitimately reference (interpreters, shared binaries, devices).
func isSharedSystemPath(path string) bool {
	for _, prefix := range []string{"/usr/", "/bin/", "/sbin/", "/opt/", "/dev/null", "/etc/passwd", "/proc/", "/sys/"} {
		if path == strings.TrimSuffix(prefix, "/") || strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
