// Package cli resolves an agent's model selector to a concrete CLI
// integration: which binary to run, how to pass the prompt, the model and
// the system prompt, and how to skip interactive tool approval.
package cli

import "strings"

// Kind identifies a known CLI integration. The set is closed; selectors
// that match nothing run as KindGeneric with the selector as binary name.
type Kind int

const (
	KindClaude Kind = iota
	KindCodex
	KindQwen
	KindGeneric
)

// String returns the integration name for logging.
func (k Kind) String() string {
	switch k {
	case KindClaude:
		return "claude"
	case KindCodex:
		return "codex"
	case KindQwen:
		return "qwen"
	default:
		return "generic"
	}
}

// Integration is a resolved CLI integration.
type Integration struct {
	Kind   Kind
	Binary string
}

// CommandOptions carries everything needed to build an invocation.
type CommandOptions struct {
	Prompt       string
	SystemPrompt string
	Model        string
	// SkipPermissions applies the integration's own way of bypassing
	// interactive tool approval.
	SkipPermissions bool
}

// Classify matches a model selector against the known integrations.
// Matching is case-insensitive and substring-tolerant, so "Claude Opus"
// and "claude-sonnet-4-5" both resolve to the claude integration.
func Classify(model string) Integration {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"):
		return Integration{Kind: KindClaude, Binary: "claude"}
	case strings.Contains(m, "codex"):
		return Integration{Kind: KindCodex, Binary: "codex"}
	case strings.Contains(m, "qwen"):
		return Integration{Kind: KindQwen, Binary: "qwen"}
	default:
		return Integration{Kind: KindGeneric, Binary: model}
	}
}

// BuildArgs builds the argument list for this integration. Integrations
// without a dedicated system-prompt flag get it prepended to the prompt.
func (i Integration) BuildArgs(opts CommandOptions) []string {
	switch i.Kind {
	case KindClaude:
		args := []string{"-p", opts.Prompt}
		if opts.SystemPrompt != "" {
			args = append(args, "--append-system-prompt", opts.SystemPrompt)
		}
		if opts.Model != "" {
			args = append(args, "--model", opts.Model)
		}
		if opts.SkipPermissions {
			args = append(args, "--dangerously-skip-permissions")
		}
		return args

	case KindCodex:
		args := []string{"exec"}
		if opts.Model != "" {
			args = append(args, "-m", opts.Model)
		}
		if opts.SkipPermissions {
			args = append(args, "--dangerously-bypass-approvals-and-sandbox")
		}
		return append(args, combinePrompt(opts))

	case KindQwen:
		args := []string{"-p", combinePrompt(opts)}
		if opts.Model != "" {
			args = append(args, "-m", opts.Model)
		}
		if opts.SkipPermissions {
			args = append(args, "--yolo")
		}
		return args

	default:
		// Unknown integration: treat the model name as the binary with a
		// generic prompt-flag template. Skip-approval has no known flag.
		return []string{"-p", combinePrompt(opts)}
	}
}

func combinePrompt(opts CommandOptions) string {
	if opts.SystemPrompt == "" {
		return opts.Prompt
	}
	return opts.SystemPrompt + "\n\n" + opts.Prompt
}
