// Package engine implements the step graph engine (C5): the
// Observe -> Reason -> Act -> Verify -> Decide state machine that drives
// a single worker invocation through bounded, cancellable, retryable
// steps. One Engine instance is shared by every worker; one State is
// owned by exactly one worker invocation and discarded when it closes.
package engine

import (
	"time"

	"goa.design/deskagent/runtime/agent"
	"goa.design/deskagent/runtime/agent/errs"
)

// State is the per-worker AgentState from spec §3: the task, the scoped
// context, the append-only history of steps taken so far, and the
// counters the engine uses to decide when to stop. A State is never
// shared across worker invocations.
type State struct {
	Task                agent.Task
	MilestoneID         agent.MilestoneID // empty when running without a planner
	Context             map[string]any
	History             []agent.StepRecord
	StepIndex           int
	MaxSteps            int
	CancelSignal        <-chan struct{}
	ConsecutiveFailures int
	Result              any
	TerminalError       *errs.Record
}

func (s *State) cancelled() bool {
	if s.CancelSignal == nil {
		return false
	}
	select {
	case <-s.CancelSignal:
		return true
	default:
		return false
	}
}

// recentActionKinds returns the kinds of the last n recorded actions,
// oldest first, used by the intent parser to detect an idle NoAction
// streak that must be broken with a forced AnalyzeScreen.
func (s *State) recentActionKinds(n int) []agent.ActionKind {
	if n <= 0 || len(s.History) == 0 {
		return nil
	}
	if n > len(s.History) {
		n = len(s.History)
	}
	out := make([]agent.ActionKind, 0, n)
	for _, rec := range s.History[len(s.History)-n:] {
		out = append(out, rec.Action.Kind)
	}
	return out
}

// Status is the closed set of terminal dispositions a worker invocation
// may reach.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Outcome is what Engine.Run returns: a terminal status plus whatever
// result or error produced it.
type Outcome struct {
	Status         Status
	Result         any
	Err            *errs.Record
	FinalStepIndex int
	History        []agent.StepRecord
}

// node identifies a position in the step graph for logging/tracing.
type node string

const (
	nodeObserve node = "observe"
	nodeReason  node = "reason"
	nodeAct     node = "act"
	nodeVerify  node = "verify"
	nodeDecide  node = "decide"
	nodeRecover node = "recover"
)

// stepClock exists so tests can stub out the passage of time for
// deterministic backoff assertions without sleeping for real.
type stepClock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time     { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
