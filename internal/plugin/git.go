package plugin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/xiehust/owork/internal/common/errors"
	"github.com/xiehust/owork/internal/common/logger"
)

// Cloner performs shallow clones and fast-forwards of marketplace
// repositories via the git binary.
type Cloner struct {
	logger *logger.Logger

	// repoMus serializes git operations per destination path.
	repoMus sync.Map // map[string]*sync.Mutex
}

// NewCloner creates a Cloner.
func NewCloner(log *logger.Logger) *Cloner {
	return &Cloner{logger: log}
}

func (c *Cloner) lock(dest string) func() {
	muIface, _ := c.repoMus.LoadOrStore(dest, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// SyncRepo ensures dest holds an up-to-date checkout of url at branch.
// Existing checkouts are fetched and hard-reset; missing ones are cloned
// shallowly. Git failures surface with stderr captured.
func (c *Cloner) SyncRepo(ctx context.Context, url, branch, dest string) error {
	unlock := c.lock(dest)
	defer unlock()

	if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
		return c.update(ctx, dest, branch)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return apperrors.Wrap(err, "failed to create cache directory")
	}

	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "-b", branch)
	}
	args = append(args, url, dest)

	if out, err := c.git(ctx, "", args...); err != nil {
		return apperrors.ServiceUnavailable("git clone failed: %s", strings.TrimSpace(out)).
			WithAction("Check the repository URL and network connectivity")
	}

	c.logger.Info("Cloned repository",
		zap.String("url", url),
		zap.String("dest", dest))
	return nil
}

func (c *Cloner) update(ctx context.Context, dest, branch string) error {
	if out, err := c.git(ctx, dest, "fetch", "--depth", "1", "origin"); err != nil {
		return apperrors.ServiceUnavailable("git fetch failed: %s", strings.TrimSpace(out))
	}

	ref := "origin/HEAD"
	if branch != "" {
		ref = "origin/" + branch
	}
	if out, err := c.git(ctx, dest, "reset", "--hard", ref); err != nil {
		return apperrors.ServiceUnavailable("git reset failed: %s", strings.TrimSpace(out))
	}

	c.logger.Debug("Updated repository", zap.String("dest", dest))
	return nil
}

// git runs a git command, returning combined output for error reporting.
func (c *Cloner) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	// Never prompt for credentials; fail instead.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// CacheKey derives the {owner}/{repo} cache path segment from a git URL.
func CacheKey(url string) string {
	trimmed := strings.TrimSuffix(url, ".git")
	trimmed = strings.TrimSuffix(trimmed, "/")

	// git@host:owner/repo
	if at := strings.Index(trimmed, "@"); at >= 0 && strings.Contains(trimmed[at:], ":") {
		trimmed = strings.Replace(trimmed[at+1:], ":", "/", 1)
	}
	trimmed = strings.TrimPrefix(trimmed, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")

	parts := strings.Split(trimmed, "/")
	if len(parts) >= 2 {
		return filepath.Join(parts[len(parts)-2], parts[len(parts)-1])
	}
	return strings.ReplaceAll(trimmed, "/", "-")
}
