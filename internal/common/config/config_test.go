package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExcludedCommandList(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "git push", []string{"git push"}},
		{"multiple with spaces", "git push, docker build", []string{"git push", "docker build"}},
		{"trailing comma", "npm publish,", []string{"npm publish"}},
		{"only separators", " , ,", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := SandboxConfig{ExcludedCommands: tt.value}
			assert.Equal(t, tt.want, cfg.ExcludedCommandList())
		})
	}
}
