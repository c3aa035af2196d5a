package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathParam(t *testing.T) {
	for tool, want := range map[string]string{
		"Read":  "file_path",
		"Write": "file_path",
		"Edit":  "file_path",
		"Glob":  "path",
		"Grep":  "path",
	} {
		key, ok := PathParam(tool)
		assert.True(t, ok, tool)
		assert.Equal(t, want, key, tool)
	}

	_, ok := PathParam("Bash")
	assert.False(t, ok)
}

func TestCheckToolPath(t *testing.T) {
	p := NewContentAccessPolicy([]string{"/workspaces/agent-1", "/data/shared"})

	tests := []struct {
		name    string
		tool    string
		input   map[string]interface{}
		allowed bool
	}{
		{"inside workspace", "Read", map[string]interface{}{"file_path": "/workspaces/agent-1/notes.md"}, true},
		{"allowed dir itself", "Glob", map[string]interface{}{"path": "/data/shared"}, true},
		{"outside", "Write", map[string]interface{}{"file_path": "/home/user/.ssh/id_rsa"}, false},
		{"prefix but not child", "Read", map[string]interface{}{"file_path": "/workspaces/agent-10/x"}, false},
		{"relative path", "Edit", map[string]interface{}{"file_path": "src/main.go"}, true},
		{"missing path", "Read", map[string]interface{}{}, true},
		{"ungated tool", "WebSearch", map[string]interface{}{"query": "weather"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, _ := p.CheckToolPath(tt.tool, tt.input)
			assert.Equal(t, tt.allowed, ok)
		})
	}
}

func TestCheckBashPaths(t *testing.T) {
	p := NewContentAccessPolicy([]string{"/workspaces/agent-1"})

	tests := []struct {
		name    string
		command string
		allowed bool
	}{
		{"relative only", "cat notes.md && ls src/", true},
		{"inside workspace", "cat /workspaces/agent-1/notes.md", true},
		{"outside via verb", "cat /etc/shadow", false},
		{"outside via redirect", "echo pwned > /home/user/.bashrc", false},
		{"outside via cd", "cd /var/lib && ls", false},
		{"interpreter exempt", "/usr/bin/python3 script.py", true},
		{"dev null exempt", "grep -r foo . > /dev/null", true},
		{"etc passwd read exempt", "cat /etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, offending := p.CheckBashPaths(tt.command)
			assert.Equal(t, tt.allowed, ok)
			if !tt.allowed {
				assert.NotEmpty(t, offending)
			}
		})
	}
}
