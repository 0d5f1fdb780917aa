// Package planner implements the planner/worker coordinator (C6): the
// Planner contract that decomposes a task into milestones, and a
// Coordinator that dispatches each milestone to the step graph engine in
// dependency order, re-planning on retryable milestone failure.
package planner

import (
	"context"
	"encoding/json"
	"strings"

	"goa.design/deskagent/runtime/agent"
	"goa.design/deskagent/runtime/agent/errs"
	"goa.design/deskagent/runtime/agent/model"
)

// MilestoneSpec is what a Planner produces: the planner-owned fields of
// a Milestone, before the coordinator attaches status/attempts
// bookkeeping. ID is optional; when a planner leaves it empty, the
// coordinator mints one.
type MilestoneSpec struct {
	ID              string
	Description     string
	SuccessCriteria string
	Dependencies    []string
}

// Planner decomposes a task into an ordered milestone list and can
// re-plan the remaining work after a milestone fails. A non-parseable or
// empty plan is reported as a PlanningFailure by the caller.
type Planner interface {
	// Plan produces the initial milestone decomposition for task.
	Plan(ctx context.Context, task agent.Task) ([]MilestoneSpec, error)

	// Replan is invoked after a milestone fails retryably with attempts
	// remaining. It receives the failed milestone, its terminal error,
	// and a recent slice of the audit log for context, and returns the
	// milestone list that replaces every not-yet-completed milestone.
	Replan(ctx context.Context, task agent.Task, failed agent.Milestone, failure *errs.Record, recent []agent.StepRecord) ([]MilestoneSpec, error)
}

// planJSON is the wire shape a ModelPlanner expects the model to return:
// a bare JSON array of milestone objects.
type planJSON struct {
	ID              string   `json:"id"`
	Description     string   `json:"description"`
	SuccessCriteria string   `json:"success_criteria"`
	Dependencies    []string `json:"dependencies"`
}

// ModelPlanner implements Planner on top of a model.Backend, using a
// planning-specialized, low-temperature prompt (spec §4.6).
type ModelPlanner struct {
	Backend model.Backend
}

// Plan implements Planner.
func (p *ModelPlanner) Plan(ctx context.Context, task agent.Task) ([]MilestoneSpec, error) {
	prompt := "You are decomposing a desktop automation task into an ordered list of milestones.\n" +
		"Task: " + task.Description + "\n" +
		"Respond with a JSON array only. Each element: " +
		`{"id": "...", "description": "...", "success_criteria": "...", "dependencies": ["..."]}` + "\n" +
		"Dependencies reference earlier elements' id field. Return [] if the task cannot be decomposed."
	text, err := p.Backend.Generate(ctx, prompt, model.Options{Class: model.ModelClassDefault, Temperature: 0})
	if err != nil {
		return nil, errs.New(errs.PlanningFailure, err.Error(), false, err)
	}
	return parsePlan(text)
}

// Replan implements Planner.
func (p *ModelPlanner) Replan(ctx context.Context, task agent.Task, failed agent.Milestone, failure *errs.Record, recent []agent.StepRecord) ([]MilestoneSpec, error) {
	prompt := "A milestone in this desktop automation task failed and needs a new plan for the remaining work.\n" +
		"Task: " + task.Description + "\n" +
		"Failed milestone: " + failed.Description + "\n" +
		"Failure kind: " + string(failure.Kind()) + "\n" +
		"Failure message: " + failure.Error() + "\n" +
		"Recent steps: " + describeRecent(recent) + "\n" +
		"Respond with a JSON array only, in the same shape as before, covering all remaining work " +
		"(including a replacement for the failed milestone). Return [] if no plan is possible."
	text, err := p.Backend.Generate(ctx, prompt, model.Options{Class: model.ModelClassDefault, Temperature: 0})
	if err != nil {
		return nil, errs.New(errs.PlanningFailure, err.Error(), false, err)
	}
	return parsePlan(text)
}

func describeRecent(recent []agent.StepRecord) string {
	if len(recent) == 0 {
		return "(none)"
	}
	parts := make([]string, 0, len(recent))
	for _, r := range recent {
		parts = append(parts, string(r.Action.Kind))
	}
	return strings.Join(parts, ", ")
}

// parsePlan extracts the first top-level JSON array found in text and
// decodes it into MilestoneSpecs. Models frequently wrap JSON in prose or
// code fences; scanning for the outermost brackets tolerates that
// without requiring exact-format compliance.
func parsePlan(text string) ([]MilestoneSpec, error) {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end < start {
		return nil, errs.New(errs.PlanningFailure, "planner response contained no JSON array", false, nil)
	}
	var raw []planJSON
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, errs.New(errs.PlanningFailure, "planner response was not valid JSON: "+err.Error(), false, err)
	}
	if len(raw) == 0 {
		return nil, errs.New(errs.PlanningFailure, "planner returned an empty plan", false, nil)
	}
	specs := make([]MilestoneSpec, 0, len(raw))
	for _, r := range raw {
		specs = append(specs, MilestoneSpec{
			ID:              r.ID,
			Description:     r.Description,
			SuccessCriteria: r.SuccessCriteria,
			Dependencies:    r.Dependencies,
		})
	}
	return specs, nil
}
