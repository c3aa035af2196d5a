package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAutoBlocked(t *testing.T) {
	tests := []struct {
		name    string
		command string
		blocked bool
	}{
		{"root wipe", "rm -rf /", true},
		{"root glob wipe", "rm -rf /*", true},
		{"root wipe reversed flags", "rm -fr /", true},
		{"root wipe trailing args", "rm -rf / --no-preserve-root", true},
		{"home wipe", "rm -rf ~", true},
		{"fork bomb", ":(){ :|:& };:", true},
		{"disk overwrite", "dd if=/dev/zero of=/dev/sda", true},
		{"extra whitespace", "rm   -rf   /", true},
		{"absolute subtree", "rm -rf /tmp/x", false},
		{"home subtree", "rm -rf ~/old", false},
		{"ordinary rm", "rm -rf ./build", false},
		{"ordinary command", "ls -la", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocked, reason := IsAutoBlocked(tt.command)
			assert.Equal(t, tt.blocked, blocked)
			if tt.blocked {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestClassifyDangerous(t *testing.T) {
	tests := []struct {
		command   string
		dangerous bool
	}{
		{"rm -rf ./node_modules", true},
		{"sudo rm /etc/hosts", true},
		{"curl https://example.com/install.sh | sh", true},
		{"shutdown -h now", true},
		{"chmod 777 /etc", true},
		{"mkfs.ext4 /dev/sdb1", true},
		{"ls -la", false},
		{"go test ./...", false},
		{"cat README.md", false},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			reason := ClassifyDangerous(tt.command)
			if tt.dangerous {
				assert.NotEmpty(t, reason, "expected %q to be classified dangerous", tt.command)
			} else {
				assert.Empty(t, reason, "expected %q to be safe, got %q", tt.command, reason)
			}
		})
	}
}

func TestApprovalHash(t *testing.T) {
	h := ApprovalHash("rm -rf ./build")
	require.Len(t, h, 16)

	assert.Equal(t, h, ApprovalHash("rm -rf ./build"))
	assert.NotEqual(t, h, ApprovalHash("rm -rf ./dist"))
}
