package planner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/deskagent/runtime/agent"
	"goa.design/deskagent/runtime/agent/audit"
	"goa.design/deskagent/runtime/agent/cache"
	"goa.design/deskagent/runtime/agent/engine"
	"goa.design/deskagent/runtime/agent/errs"
	"goa.design/deskagent/runtime/agent/model"
	"goa.design/deskagent/runtime/agent/planner"
)

type scriptedPlanner struct {
	initial  []planner.MilestoneSpec
	replaned int
}

func (p *scriptedPlanner) Plan(context.Context, agent.Task) ([]planner.MilestoneSpec, error) {
	return p.initial, nil
}

func (p *scriptedPlanner) Replan(context.Context, agent.Task, agent.Milestone, *errs.Record, []agent.StepRecord) ([]planner.MilestoneSpec, error) {
	p.replaned++
	return nil, errs.New(errs.PlanningFailure, "no replan configured", false, nil)
}

type coordPerception struct{}

func (coordPerception) Capture(context.Context) ([]byte, error) { return []byte("img"), nil }
func (coordPerception) Analyze(context.Context, []byte, string) (string, error) {
	return "screen state", nil
}

type coordModel struct{ text string }

func (m coordModel) Generate(context.Context, string, model.Options) (string, error) {
	return m.text, nil
}

type coordAction struct{ fail bool }

func (a coordAction) Execute(context.Context, agent.ActionRecord) (agent.ActionResult, error) {
	return agent.ActionResult{Success: !a.fail}, nil
}

// directEngine builds an Engine whose Reason node always returns text,
// backed by in-memory audit/cache collaborators suitable for a single test.
func directEngine(text string) *engine.Engine {
	return directEngineWithAction(text, coordAction{})
}

func directEngineWithAction(text string, action agent.ActionBackend) *engine.Engine {
	e := engine.New(engine.Options{MaxSteps: 5})
	e.Perception = coordPerception{}
	e.Model = coordModel{text: text}
	e.Action = action
	e.Cache = cache.NewInMemory(32)
	e.Audit = audit.NewInMemory(nil)
	// New() floors MaxRetries to its default when <= 0; set it directly on
	// the field afterward to get true zero-retry behavior for these tests.
	e.Opts.MaxRetries = 0
	return e
}

func TestCoordinatorRunsSingleMilestoneWithoutPlanner(t *testing.T) {
	e := directEngine("task is done")
	coord := &planner.Coordinator{
		Engine: e,
		Audit:  e.Audit,
		Opts:   planner.Options{MaxMilestoneAttempts: 2, MaxStepsPerMilestone: 5, EnablePlanner: false},
	}

	result, err := coord.Run(context.Background(), agent.Task{ID: "t1", Description: "finish the task"}, nil)
	require.NoError(t, err)
	require.Equal(t, agent.TaskCompleted, result.Status)
	require.Len(t, result.Milestones, 1)
	require.Equal(t, agent.MilestoneCompleted, result.Milestones[0].Status)
}

func TestCoordinatorDispatchesInDependencyOrder(t *testing.T) {
	e := directEngine("task is done")
	p := &scriptedPlanner{initial: []planner.MilestoneSpec{
		{ID: "m1", Description: "first"},
		{ID: "m2", Description: "second", Dependencies: []string{"m1"}},
	}}
	coord := &planner.Coordinator{
		Planner: p,
		Engine:  e,
		Audit:   e.Audit,
		Opts:    planner.Options{MaxMilestoneAttempts: 2, MaxStepsPerMilestone: 5, EnablePlanner: true},
	}

	result, err := coord.Run(context.Background(), agent.Task{ID: "t2", Description: "do two things"}, nil)
	require.NoError(t, err)
	require.Equal(t, agent.TaskCompleted, result.Status)
	require.Len(t, result.Milestones, 2)
	require.Equal(t, agent.MilestoneID("m1"), result.Milestones[0].ID)
	require.Equal(t, agent.MilestoneID("m2"), result.Milestones[1].ID)
}

func TestCoordinatorCancelsPromptly(t *testing.T) {
	e := directEngine("still thinking")
	coord := &planner.Coordinator{
		Engine: e,
		Audit:  e.Audit,
		Opts:   planner.Options{MaxMilestoneAttempts: 1, MaxStepsPerMilestone: 5, EnablePlanner: false},
	}

	cancel := make(chan struct{})
	close(cancel)
	result, err := coord.Run(context.Background(), agent.Task{ID: "t3", Description: "anything"}, cancel)
	require.NoError(t, err)
	require.Equal(t, agent.TaskCancelled, result.Status)
}

func TestCoordinatorReplansOnRetryableFailure(t *testing.T) {
	e := directEngineWithAction("click something", coordAction{fail: true})
	p := &scriptedPlanner{initial: []planner.MilestoneSpec{{ID: "m1", Description: "ambiguous step"}}}
	coord := &planner.Coordinator{
		Planner: p,
		Engine:  e,
		Audit:   e.Audit,
		Opts:    planner.Options{MaxMilestoneAttempts: 2, MaxStepsPerMilestone: 1, EnablePlanner: true},
	}

	result, err := coord.Run(context.Background(), agent.Task{ID: "t4", Description: "do the ambiguous thing"}, nil)
	require.NoError(t, err)
	require.Equal(t, agent.TaskFailed, result.Status)
	require.Equal(t, 1, p.replaned)
}
