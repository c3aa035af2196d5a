package policy

import (
	"os"
	"strings"

	"github.com/xiehust/owork/internal/common/config"
)

// anthropicToBedrockModels maps Anthropic API model ids to their Bedrock
// counterparts, used when the Bedrock backend is selected.
var anthropicToBedrockModels = map[string]string{
	"claude-haiku-4-5-20251001":  "global.anthropic.claude-haiku-4-5-20251001-v1:0",
	"claude-sonnet-4-5-20250929": "global.anthropic.claude-sonnet-4-5-20250929-v1:0",
	"claude-opus-4-5-20251101":   "global.anthropic.claude-opus-4-5-20251101-v1:0",
}

// MapModelID converts an Anthropic model id to the backend-specific id.
// Unmapped ids pass through unchanged.
func MapModelID(modelID string, bedrockEnabled bool) string {
	if !bedrockEnabled {
		return modelID
	}
	if mapped, ok := anthropicToBedrockModels[modelID]; ok {
		return mapped
	}
	return modelID
}

// StageEnvironment returns the environment variables staged for one turn.
// The selected credential family clears the orthogonal one: a bearer token
// removes static AWS keys and vice versa.
func StageEnvironment(anthropic config.AnthropicConfig, bedrock config.BedrockConfig) map[string]string {
	env := map[string]string{
		"CLAUDE_CODE_DISABLE_EXPERIMENTAL_BETAS": "1",
	}

	if bedrock.Enabled {
		env["CLAUDE_CODE_USE_BEDROCK"] = "1"
		env["AWS_REGION"] = bedrock.Region
		if anthropic.BearerToken != "" {
			env["AWS_BEARER_TOKEN_BEDROCK"] = anthropic.BearerToken
			env["AWS_ACCESS_KEY_ID"] = ""
			env["AWS_SECRET_ACCESS_KEY"] = ""
		} else {
			env["AWS_ACCESS_KEY_ID"] = bedrock.AccessKeyID
			env["AWS_SECRET_ACCESS_KEY"] = bedrock.SecretAccessKey
			env["AWS_BEARER_TOKEN_BEDROCK"] = ""
		}
		env["ANTHROPIC_API_KEY"] = ""
	} else {
		env["CLAUDE_CODE_USE_BEDROCK"] = ""
		env["ANTHROPIC_API_KEY"] = anthropic.APIKey
		env["AWS_BEARER_TOKEN_BEDROCK"] = ""
	}

	if anthropic.BaseURL != "" {
		env["ANTHROPIC_BASE_URL"] = anthropic.BaseURL
	} else {
		env["ANTHROPIC_BASE_URL"] = ""
	}

	return env
}

// ApplyEnvironment merges staged variables into a process environment
// slice. Empty values unset the variable rather than exporting it blank.
func ApplyEnvironment(base []string, staged map[string]string) []string {
	out := make([]string, 0, len(base)+len(staged))
	for _, kv := range base {
		name := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			name = kv[:i]
		}
		if _, overridden := staged[name]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for name, value := range staged {
		if value == "" {
			continue
		}
		out = append(out, name+"="+value)
	}
	return out
}

// ProcessEnvironment stages on top of the current process environment.
func ProcessEnvironment(staged map[string]string) []string {
	return ApplyEnvironment(os.Environ(), staged)
}
