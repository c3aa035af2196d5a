// Package policy implements pre-tool safety policy: dangerous-command
// classification, file and bash path access gates, model-id mapping, and
// per-turn environment staging. The checks are heuristic by design; they
// are a safety net behind the agent-side sandbox.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// DangerousPattern pairs a compiled regex with the human-readable reason
// reported on a match.
type DangerousPattern struct {
	Pattern *regexp.Regexp
	Reason  string
}

// autoBlockRules are catastrophic commands denied outright, with no
// approval path. The rm rules anchor on the target so only the root or
// home directory itself is caught; deeper paths like /tmp/x stay on the
// approval route.
var autoBlockRules = []struct {
	Pattern *regexp.Regexp
	Label   string
}{
	{regexp.MustCompile(`\brm\s+(-[a-zA-Z]+\s+)*-[a-zA-Z]*(r[a-zA-Z]*f|f[a-zA-Z]*r)[a-zA-Z]*\s+/\*?(\s|$)`), "rm -rf /"},
	{regexp.MustCompile(`\brm\s+(-[a-zA-Z]+\s+)*-[a-zA-Z]*(r[a-zA-Z]*f|f[a-zA-Z]*r)[a-zA-Z]*\s+~(\s|$)`), "rm -rf ~"},
	{regexp.MustCompile(`\bdd\s+if=/dev/zero\s+of=/dev/`), "dd if=/dev/zero of=/dev/"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;?\s*:`), ":(){ :|:& };:"},
	{regexp.MustCompile(`>\s*/dev/sda\b`), "> /dev/sda"},
}

// dangerousPatterns is the data-driven table of broadly dangerous commands
// that route through human approval when the gate is enabled.
var dangerousPatterns = []DangerousPattern{
	{regexp.MustCompile(`\brm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r)\b`), "Recursive file deletion"},
	{regexp.MustCompile(`\brm\s+-[a-zA-Z]*r\b`), "Recursive file deletion"},
	{regexp.MustCompile(`\bdd\s+if=`), "Low-level disk write"},
	{regexp.MustCompile(`\bmkfs(\.\w+)?\b`), "Filesystem format"},
	{regexp.MustCompile(`:\(\)\s*\{.*\|.*&\s*\}\s*;?\s*:`), "Fork bomb"},
	{regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]*R[a-zA-Z]*\s+)?777\b`), "Blanket permission change"},
	{regexp.MustCompile(`\bchown\s+-[a-zA-Z]*R\b`), "Recursive ownership change"},
	{regexp.MustCompile(`\bcurl\s+[^|]*\|\s*(sudo\s+)?(ba)?sh\b`), "Piping remote script to shell"},
	{regexp.MustCompile(`\bwget\s+[^|]*\|\s*(sudo\s+)?(ba)?sh\b`), "Piping remote script to shell"},
	{regexp.MustCompile(`\bmv\s+.*\s+/dev/null\b`), "Discarding files to /dev/null"},
	{regexp.MustCompile(`>\s*/etc/\S+`), "Writing to system configuration"},
	{regexp.MustCompile(`\bkillall\s+-9\b`), "Force-killing all processes"},
	{regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`), "System shutdown or reboot"},
	{regexp.MustCompile(`\bsudo\s+rm\b`), "Privileged file deletion"},
}

// IsAutoBlocked reports whether the command matches a catastrophic rule
// and must be denied with no approval path.
func IsAutoBlocked(command string) (bool, string) {
	normalized := strings.Join(strings.Fields(command), " ")
	for _, rule := range autoBlockRules {
		if rule.Pattern.MatchString(normalized) {
			return true, "Blocked dangerous command: " + rule.Label
		}
	}
	return false, ""
}

// ClassifyDangerous returns the reason name of the first dangerous pattern
// the command matches, or "" when none match.
func ClassifyDangerous(command string) string {
	for _, dp := range dangerousPatterns {
		if dp.Pattern.MatchString(command) {
			return dp.Reason
		}
	}
	return ""
}

// ApprovalHash derives the memoization key for a previously approved
// command: the first 16 hex chars of its SHA-256.
func ApprovalHash(command string) string {
	sum := sha256.Sum256([]byte(command))
	return hex.EncodeToString(sum[:])[:16]
}
