package planner

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"goa.design/deskagent/runtime/agent"
	"goa.design/deskagent/runtime/agent/audit"
	"goa.design/deskagent/runtime/agent/engine"
	"goa.design/deskagent/runtime/agent/errs"
	"goa.design/deskagent/runtime/agent/telemetry"
)

// Options configures a Coordinator. Defaults match spec §6.
type Options struct {
	MaxMilestoneAttempts int
	MaxStepsPerMilestone int
	EnablePlanner        bool
}

// DefaultOptions returns the documented spec §6 defaults.
func DefaultOptions() Options {
	return Options{
		MaxMilestoneAttempts: 2,
		MaxStepsPerMilestone: 15,
		EnablePlanner:        true,
	}
}

// Coordinator implements C6: it decomposes a task via Planner, dispatches
// each milestone to Engine in dependency order, and re-plans remaining
// work when a milestone fails retryably with attempts remaining.
type Coordinator struct {
	Planner Planner
	Engine  *engine.Engine
	Audit   audit.Log
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Opts    Options
}

func (c *Coordinator) logger() telemetry.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return telemetry.NewNoopLogger()
}

// Run executes task to completion, failure, or cancellation.
func (c *Coordinator) Run(ctx context.Context, task agent.Task, cancel <-chan struct{}) (agent.TaskResult, error) {
	var pending []*agent.Milestone

	if !c.Opts.EnablePlanner {
		pending = []*agent.Milestone{{
			ID:              agent.MilestoneID(uuid.NewString()),
			Description:     task.Description,
			SuccessCriteria: "the task reports completion",
			Status:          agent.MilestonePending,
			MaxAttempts:     c.Opts.MaxMilestoneAttempts,
		}}
	} else {
		specs, err := c.Planner.Plan(ctx, task)
		if err != nil {
			return c.planningFailure(err), nil
		}
		pending = specsToMilestones(specs, c.Opts.MaxMilestoneAttempts)
	}

	completed := map[agent.MilestoneID]bool{}
	var outcomes []agent.MilestoneOutcome

	for {
		if isCancelled(cancel) {
			return agent.TaskResult{Status: agent.TaskCancelled, Milestones: outcomes}, nil
		}

		m := nextEligible(pending, completed)
		if m == nil {
			if len(pending) == 0 {
				return agent.TaskResult{Status: agent.TaskCompleted, Milestones: outcomes}, nil
			}
			return agent.TaskResult{
				Status:     agent.TaskFailed,
				Milestones: outcomes,
				TerminalError: &agent.StepError{
					Kind:    string(errs.PlanningFailure),
					Message: "no eligible milestone: dependency cycle or unresolved dependency",
				},
			}, nil
		}

		m.Status = agent.MilestoneInProgress
		runID := fmt.Sprintf("%s:%s", task.ID, m.ID)
		c.logger().Info(ctx, "coordinator: dispatching milestone", "task_id", string(task.ID), "milestone_id", string(m.ID))

		st := &engine.State{
			Task:         task,
			MilestoneID:  m.ID,
			Context:      task.Context,
			MaxSteps:     c.Opts.MaxStepsPerMilestone,
			CancelSignal: cancel,
		}
		outcome, err := c.Engine.Run(ctx, runID, st)
		if err != nil {
			return agent.TaskResult{}, err
		}

		switch outcome.Status {
		case engine.StatusCompleted:
			m.Status = agent.MilestoneCompleted
			m.Result = outcome.Result
			completed[m.ID] = true
			outcomes = append(outcomes, toOutcome(m))
			pending = removeMilestone(pending, m.ID)

		case engine.StatusCancelled:
			m.Status = agent.MilestoneSkipped
			outcomes = append(outcomes, toOutcome(m))
			return agent.TaskResult{Status: agent.TaskCancelled, Milestones: outcomes}, nil

		case engine.StatusFailed:
			stepErr := &agent.StepError{Kind: string(outcome.Err.Kind()), Message: outcome.Err.Error(), Retryable: outcome.Err.Retryable()}
			m.Err = stepErr

			if outcome.Err.Retryable() && m.Attempts < m.MaxAttempts {
				m.Attempts++
				c.logger().Warn(ctx, "coordinator: milestone failed, re-planning", "milestone_id", string(m.ID), "attempts", m.Attempts, "kind", stepErr.Kind)

				recent, _ := c.Audit.Recent(ctx, runID, audit.DefaultRecoveryWindow)
				newSpecs, rerr := c.Planner.Replan(ctx, task, *m, outcome.Err, recent)
				if rerr != nil || len(newSpecs) == 0 {
					m.Status = agent.MilestoneFailed
					outcomes = append(outcomes, toOutcome(m))
					return agent.TaskResult{Status: agent.TaskFailed, Milestones: outcomes, TerminalError: stepErr}, nil
				}

				m.Status = agent.MilestoneFailed
				outcomes = append(outcomes, toOutcome(m))
				pending = specsToMilestones(newSpecs, c.Opts.MaxMilestoneAttempts)
				continue
			}

			m.Status = agent.MilestoneFailed
			outcomes = append(outcomes, toOutcome(m))
			return agent.TaskResult{Status: agent.TaskFailed, Milestones: outcomes, TerminalError: stepErr}, nil
		}
	}
}

func (c *Coordinator) planningFailure(err error) agent.TaskResult {
	rec, ok := errs.As(err)
	var stepErr *agent.StepError
	if ok {
		stepErr = &agent.StepError{Kind: string(rec.Kind()), Message: rec.Error(), Retryable: rec.Retryable()}
	} else {
		stepErr = &agent.StepError{Kind: string(errs.PlanningFailure), Message: err.Error()}
	}
	return agent.TaskResult{Status: agent.TaskFailed, TerminalError: stepErr}
}

func specsToMilestones(specs []MilestoneSpec, maxAttempts int) []*agent.Milestone {
	out := make([]*agent.Milestone, 0, len(specs))
	for _, s := range specs {
		id := s.ID
		if id == "" {
			id = uuid.NewString()
		}
		deps := make([]agent.MilestoneID, 0, len(s.Dependencies))
		for _, d := range s.Dependencies {
			deps = append(deps, agent.MilestoneID(d))
		}
		out = append(out, &agent.Milestone{
			ID:              agent.MilestoneID(id),
			Description:     s.Description,
			SuccessCriteria: s.SuccessCriteria,
			Status:          agent.MilestonePending,
			Dependencies:    deps,
			MaxAttempts:     maxAttempts,
		})
	}
	return out
}

func nextEligible(pending []*agent.Milestone, completed map[agent.MilestoneID]bool) *agent.Milestone {
	for _, m := range pending {
		if m.Status != agent.MilestonePending {
			continue
		}
		ready := true
		for _, d := range m.Dependencies {
			if !completed[d] {
				ready = false
				break
			}
		}
		if ready {
			return m
		}
	}
	return nil
}

func removeMilestone(pending []*agent.Milestone, id agent.MilestoneID) []*agent.Milestone {
	out := pending[:0]
	for _, m := range pending {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

func toOutcome(m *agent.Milestone) agent.MilestoneOutcome {
	return agent.MilestoneOutcome{
		ID:       m.ID,
		Status:   m.Status,
		Attempts: m.Attempts,
		Result:   m.Result,
		Err:      m.Err,
	}
}

func isCancelled(cancel <-chan struct{}) bool {
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}
