// Package agent provides strong type identifiers shared across the
// execution core, plus small provider-agnostic contracts (Bounds) that
// do not belong to any single component.
package agent

// TaskID identifies a single run_task invocation. Generated once per
// invocation and carried through every StepRecord, checkpoint, and
// milestone produced during that run.
type TaskID string

// MilestoneID identifies a unit of planner-produced work. Use this type
// instead of a free-form string so milestone identity cannot be confused
// with a task or cache key.
type MilestoneID string

// WorkerID identifies a single step-graph engine invocation scoped to one
// milestone (or to the task itself, when the planner is disabled).
type WorkerID string
