// Package model defines the single-shot reasoning contract consumed by the
// step graph engine's Reason node, plus a ProviderError type shared by every
// backend adapter. Deliberately narrow: one prompt in, one string out. The
// multi-turn, tool-calling, streaming machinery this package was trimmed
// from belongs to a chat-oriented runtime, not to a per-step reasoning call.
package model

import "context"

// ModelClass selects a model family when Options.Model does not pin a
// specific provider model identifier. Adapters map classes to concrete
// model ids.
type ModelClass string

const (
	// ModelClassDefault selects the adapter's general-purpose model.
	ModelClassDefault ModelClass = "default"
	// ModelClassHighReasoning selects a higher-capability (and typically
	// slower, costlier) model for milestones flagged as hard.
	ModelClassHighReasoning ModelClass = "high-reasoning"
	// ModelClassSmall selects a small/cheap model, e.g. for the Verify node.
	ModelClassSmall ModelClass = "small"
)

// Options configures a single Generate call.
type Options struct {
	// Model pins an explicit provider model identifier, overriding Class.
	Model string
	// Class selects a model family when Model is empty.
	Class ModelClass
	// MaxTokens caps output length when supported by the provider.
	MaxTokens int
	// Temperature controls sampling when supported by the provider.
	Temperature float32
}

// Backend is the narrow, provider-agnostic reasoning contract the step
// graph engine calls from its Reason node. Implementations translate a
// single prompt into a single completion; callers are responsible for
// assembling the prompt from task, milestone, recent history, and active
// memory before calling Generate.
type Backend interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}
