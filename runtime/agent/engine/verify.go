package engine

import (
	"context"
	"fmt"
	"strings"

	"goa.design/deskagent/runtime/agent/model"
)

// Verifier implements the Verify node's decision procedure. The spec
// declares the node's position in the graph but leaves its content to
// the backend (see DESIGN.md's "open question" decision); this
// repository ships one concrete implementation that re-asks the model.
type Verifier interface {
	// Verify reports whether the post-action observation matches the
	// effect the reasoning text intended, given the pre-action
	// observation for contrast.
	Verify(ctx context.Context, pre, post, actionDesc string) (ok bool, err error)
}

// ModelVerifier re-invokes the model backend with a yes/no confirmation
// prompt comparing the pre-action observation, the action taken, and the
// post-action observation. A small/cheap model class is requested since
// the verification question is binary.
type ModelVerifier struct {
	Backend model.Backend
}

// Verify implements Verifier.
func (v *ModelVerifier) Verify(ctx context.Context, pre, post, actionDesc string) (bool, error) {
	prompt := fmt.Sprintf(
		"Before action: %s\nAction taken: %s\nAfter action: %s\nDid the action have its intended effect? Answer only yes or no.",
		pre, actionDesc, post,
	)
	text, err := v.Backend.Generate(ctx, prompt, model.Options{Class: model.ModelClassSmall, MaxTokens: 8})
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(text))
	return strings.HasPrefix(answer, "y"), nil
}
