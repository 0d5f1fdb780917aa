// Package errs provides the closed taxonomy of error kinds that drive the
// step graph engine's conditional edges. Collaborators return ordinary
// Go errors; the engine classifies them into a Record via the
// constructors below rather than re-parsing error messages, so routing
// decisions are made on a typed Kind and never on string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a closed set of failure categories. Every Kind has a fixed
// Retryable disposition (see Kind.Retryable) so the engine never has to
// guess whether a given failure may be retried.
type Kind string

const (
	// ToolFailure indicates a tool invocation returned failure.
	ToolFailure Kind = "tool_failure"
	// ActionFailure indicates an input action did not take effect.
	ActionFailure Kind = "action_failure"
	// PerceptionFailure indicates screen capture/analysis was unavailable
	// or unparsable.
	PerceptionFailure Kind = "perception_failure"
	// ModelFailure indicates an LLM call failed (network, 5xx, timeout).
	ModelFailure Kind = "model_failure"
	// PlanningFailure indicates the planner could not produce a usable
	// decomposition.
	PlanningFailure Kind = "planning_failure"
	// VerificationFailure indicates post-action verification rejected the
	// new state.
	VerificationFailure Kind = "verification_failure"
	// CancelRequested indicates cooperative cancellation was observed.
	CancelRequested Kind = "cancel_requested"
	// BudgetExhausted indicates a step limit, attempt limit, or time
	// budget was exceeded.
	BudgetExhausted Kind = "budget_exhausted"
	// PolicyViolation indicates an attempted action fell outside the
	// allowed set (e.g. an unknown application name).
	PolicyViolation Kind = "policy_violation"
)

// Retryable reports the fixed retry disposition for k. ModelFailure has no
// fixed disposition here: its retryability depends on the transient
// heuristic (see IsTransientModelFailure) applied by the caller at
// classification time, so Retryable reports the conservative default of
// true for ModelFailure and callers that have already classified a
// ModelFailure as non-transient should construct the Record with
// retryable=false explicitly via New.
func (k Kind) Retryable() bool {
	switch k {
	case ToolFailure, ActionFailure, PerceptionFailure, ModelFailure, VerificationFailure:
		return true
	case PlanningFailure, CancelRequested, BudgetExhausted, PolicyViolation:
		return false
	default:
		return false
	}
}

// Record is the structured failure value that flows through the step
// graph and the coordinator. It wraps an optional underlying collaborator
// error via Unwrap so callers can recover provider-specific detail with
// errors.As without the taxonomy itself depending on provider types.
type Record struct {
	kind      Kind
	message   string
	retryable bool
	context   map[string]any
	cause     error
}

// New constructs a Record. kind must be non-empty; message defaults to a
// generic description of kind when empty.
func New(kind Kind, message string, retryable bool, cause error) *Record {
	if kind == "" {
		panic("errs: kind is required")
	}
	if message == "" {
		message = string(kind)
	}
	return &Record{kind: kind, message: message, retryable: retryable, cause: cause}
}

// Newf is New with a formatted message.
func Newf(kind Kind, retryable bool, cause error, format string, args ...any) *Record {
	return New(kind, fmt.Sprintf(format, args...), retryable, cause)
}

// WithContext returns a copy of r with ctx merged into its context map.
// Used to attach structured diagnostic fields (milestone id, step index,
// attempt count) without changing r's identity for errors.Is comparisons.
func (r *Record) WithContext(ctx map[string]any) *Record {
	merged := make(map[string]any, len(r.context)+len(ctx))
	for k, v := range r.context {
		merged[k] = v
	}
	for k, v := range ctx {
		merged[k] = v
	}
	return &Record{kind: r.kind, message: r.message, retryable: r.retryable, context: merged, cause: r.cause}
}

// Kind returns the error's taxonomy kind.
func (r *Record) Kind() Kind { return r.kind }

// Retryable reports whether the engine may re-enter the failed node after
// backoff for this specific Record.
func (r *Record) Retryable() bool { return r.retryable }

// Context returns the structured diagnostic fields attached to r. The
// returned map must not be mutated by callers.
func (r *Record) Context() map[string]any { return r.context }

// Error implements the error interface.
func (r *Record) Error() string {
	if r.cause != nil {
		return fmt.Sprintf("%s: %s: %v", r.kind, r.message, r.cause)
	}
	return fmt.Sprintf("%s: %s", r.kind, r.message)
}

// Unwrap returns the underlying collaborator error, if any, so callers can
// use errors.As to recover provider-specific detail.
func (r *Record) Unwrap() error { return r.cause }

// As returns the first Record in err's chain, if any.
func As(err error) (*Record, bool) {
	var rec *Record
	if errors.As(err, &rec) {
		return rec, true
	}
	return nil, false
}

// IsKind reports whether err's chain contains a Record of the given kind.
func IsKind(err error, kind Kind) bool {
	rec, ok := As(err)
	return ok && rec.kind == kind
}
