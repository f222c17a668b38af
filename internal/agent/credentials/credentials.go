// Package credentials collects pass-through provider credentials for
// agent subprocesses.
package credentials

import (
	"os"
	"sort"
)

// knownProviderKeys lists environment variables forwarded to agent
// subprocesses when present in the host environment.
var knownProviderKeys = []string{
	"ANTHROPIC_API_KEY",
	"CLAUDE_CODE_OAUTH_TOKEN",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"DASHSCOPE_API_KEY",
	"MISTRAL_API_KEY",
	"TOGETHER_API_KEY",
	"GITHUB_TOKEN",
}

// Provider assembles provider credential environment entries from the
// process environment and per-agent overrides.
type Provider struct {
	keys []string
}

// NewEnvProvider creates a provider that reads the known provider keys
// from the process environment.
func NewEnvProvider() *Provider {
	return &Provider{keys: knownProviderKeys}
}

// Env returns "KEY=value" entries for every known provider key found in
// the process environment, with overrides taking precedence. Overrides
// are included even for keys outside the known set, so agents can carry
// provider credentials of their own.
func (p *Provider) Env(overrides map[string]string) []string {
	merged := make(map[string]string)
	for _, key := range p.keys {
		if v := os.Getenv(key); v != "" {
			merged[key] = v
		}
	}
	for k, v := range overrides {
		if v != "" {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
