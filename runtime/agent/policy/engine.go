// Package policy provides a small allow/block-list engine backing
// agent.AppAllowlist, generalized from "which tools may run" to "which
// application names may be launched" (PolicyViolation's collaborator
// contract in spec §6).
package policy

import "strings"

// Options configures a new Engine.
type Options struct {
	// Allow maps a permitted application name (case-insensitive) to the
	// path LaunchApp should resolve to. A name present only in
	// AllowNames resolves to itself.
	Allow map[string]string
	// AllowNames additionally permits names with no explicit path
	// override; Resolve returns the name unchanged as the path.
	AllowNames []string
	// BlockNames takes precedence over Allow/AllowNames.
	BlockNames []string
	// Label annotates this engine instance for logging.
	Label string
}

// Engine implements agent.AppAllowlist with a static allow/block list.
// An empty allowlist permits nothing: the safe default is to reject
// every LaunchApp until the caller explicitly opts an application in.
type Engine struct {
	allow map[string]string
	block map[string]struct{}
	label string
}

// New builds an Engine from opts.
func New(opts Options) *Engine {
	label := strings.TrimSpace(opts.Label)
	if label == "" {
		label = "basic"
	}
	allow := make(map[string]string, len(opts.Allow)+len(opts.AllowNames))
	for name, path := range opts.Allow {
		allow[normalize(name)] = path
	}
	for _, name := range opts.AllowNames {
		n := normalize(name)
		if n == "" {
			continue
		}
		if _, exists := allow[n]; !exists {
			allow[n] = name
		}
	}
	block := toSet(opts.BlockNames)
	return &Engine{allow: allow, block: block, label: label}
}

// Resolve implements agent.AppAllowlist.
func (e *Engine) Resolve(name string) (string, bool) {
	n := normalize(name)
	if n == "" {
		return "", false
	}
	if _, blocked := e.block[n]; blocked {
		return "", false
	}
	path, ok := e.allow[n]
	return path, ok
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if n := normalize(v); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}
