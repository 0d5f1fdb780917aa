package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/deskagent/runtime/agent"
	"goa.design/deskagent/runtime/agent/audit"
	"goa.design/deskagent/runtime/agent/cache"
	"goa.design/deskagent/runtime/agent/engine"
	"goa.design/deskagent/runtime/agent/model"
)

type fakePerception struct {
	analyses []string
	calls    int
}

func (f *fakePerception) Capture(context.Context) ([]byte, error) { return []byte("img"), nil }

func (f *fakePerception) Analyze(context.Context, []byte, string) (string, error) {
	i := f.calls
	if i >= len(f.analyses) {
		i = len(f.analyses) - 1
	}
	f.calls++
	return f.analyses[i], nil
}

type fakeModel struct {
	responses []string
	calls     int
	err       error
}

func (f *fakeModel) Generate(context.Context, string, model.Options) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	return f.responses[i], nil
}

type fakeAction struct {
	executed []agent.ActionRecord
}

func (f *fakeAction) Execute(_ context.Context, a agent.ActionRecord) (agent.ActionResult, error) {
	f.executed = append(f.executed, a)
	return agent.ActionResult{Success: true}, nil
}

type fakeAllowlist struct{ allowed map[string]string }

func (f *fakeAllowlist) Resolve(name string) (string, bool) {
	p, ok := f.allowed[name]
	return p, ok
}

func newTestEngine(perception agent.Perception, m model.Backend, action agent.ActionBackend, allow agent.AppAllowlist) *engine.Engine {
	e := engine.New(engine.Options{MaxSteps: 10, MaxRetries: 1})
	e.Perception = perception
	e.Model = m
	e.Action = action
	e.Allowlist = allow
	e.Cache = cache.NewInMemory(64)
	e.Audit = audit.NewInMemory(nil)
	return e
}

func TestRunCompletesOnTaskComplete(t *testing.T) {
	perception := &fakePerception{analyses: []string{"empty desktop"}}
	m := &fakeModel{responses: []string{"task is done"}}
	action := &fakeAction{}
	e := newTestEngine(perception, m, action, nil)

	st := &engine.State{Task: agent.Task{ID: "t1", Description: "finish up"}, MaxSteps: 5}
	outcome, err := e.Run(context.Background(), "run-1", st)
	require.NoError(t, err)
	require.Equal(t, engine.StatusCompleted, outcome.Status)
	require.Equal(t, 1, outcome.FinalStepIndex)
}

func TestRunStopsAtStepLimit(t *testing.T) {
	perception := &fakePerception{analyses: []string{"still working"}}
	m := &fakeModel{responses: []string{"click the button"}}
	action := &fakeAction{}
	e := newTestEngine(perception, m, action, nil)

	st := &engine.State{Task: agent.Task{ID: "t2", Description: "click forever"}, MaxSteps: 3}
	outcome, err := e.Run(context.Background(), "run-2", st)
	require.NoError(t, err)
	require.Equal(t, engine.StatusFailed, outcome.Status)
	require.NotNil(t, outcome.Err)
	require.Equal(t, 3, outcome.FinalStepIndex)
}

func TestRunRespectsCancellation(t *testing.T) {
	perception := &fakePerception{analyses: []string{"still working"}}
	m := &fakeModel{responses: []string{"click the button"}}
	action := &fakeAction{}
	e := newTestEngine(perception, m, action, nil)

	cancel := make(chan struct{})
	close(cancel)
	st := &engine.State{Task: agent.Task{ID: "t3", Description: "anything"}, MaxSteps: 5, CancelSignal: cancel}
	outcome, err := e.Run(context.Background(), "run-3", st)
	require.NoError(t, err)
	require.Equal(t, engine.StatusCancelled, outcome.Status)
}

func TestLaunchAppRespectsAllowlist(t *testing.T) {
	perception := &fakePerception{analyses: []string{"empty desktop"}}
	m := &fakeModel{responses: []string{`launch "notepad"`}}
	action := &fakeAction{}
	allow := &fakeAllowlist{allowed: map[string]string{}}
	e := newTestEngine(perception, m, action, allow)

	st := &engine.State{Task: agent.Task{ID: "t4", Description: "open notepad"}, MaxSteps: 1}
	outcome, err := e.Run(context.Background(), "run-4", st)
	require.NoError(t, err)
	require.Equal(t, engine.StatusFailed, outcome.Status)
	require.Equal(t, "policy_violation", string(outcome.Err.Kind()))
	require.Empty(t, action.executed)
}

func TestClickInvalidatesObserveCache(t *testing.T) {
	perception := &fakePerception{analyses: []string{"before click", "after click"}}
	m := &fakeModel{responses: []string{"click at (10, 20)", "task is done"}}
	action := &fakeAction{}
	e := newTestEngine(perception, m, action, nil)

	st := &engine.State{Task: agent.Task{ID: "t5", Description: "click something"}, MaxSteps: 5}
	outcome, err := e.Run(context.Background(), "run-5", st)
	require.NoError(t, err)
	require.Equal(t, engine.StatusCompleted, outcome.Status)
	require.Equal(t, 2, perception.calls)
	require.Len(t, action.executed, 1)
	require.Equal(t, agent.ActionClick, action.executed[0].Kind)
}

func TestTypingSecretLikeTextIsRedactedInAudit(t *testing.T) {
	perception := &fakePerception{analyses: []string{"login screen"}}
	m := &fakeModel{responses: []string{`type "hunter2" for the password field`, "task is done"}}
	action := &fakeAction{}
	e := newTestEngine(perception, m, action, nil)

	st := &engine.State{Task: agent.Task{ID: "t7", Description: "log in"}, MaxSteps: 5}
	outcome, err := e.Run(context.Background(), "run-7", st)
	require.NoError(t, err)
	require.Equal(t, engine.StatusCompleted, outcome.Status)
	require.Equal(t, agent.ActionTypeText, action.executed[0].Kind)
	require.Equal(t, "hunter2", action.executed[0].Text)

	recent, err := e.Audit.Recent(context.Background(), "run-7", 2)
	require.NoError(t, err)
	require.Equal(t, agent.ActionTypeText, recent[0].Action.Kind)
	require.Equal(t, "[redacted]", recent[0].Action.Text)
}

func TestReasonClassifiesModelFailure(t *testing.T) {
	perception := &fakePerception{analyses: []string{"empty desktop"}}
	m := &fakeModel{err: errors.New("boom")}
	action := &fakeAction{}
	e := newTestEngine(perception, m, action, nil)
	e.Opts.MaxRetries = 0
	e.Opts.ConsecutiveFailureThreshold = 1

	st := &engine.State{Task: agent.Task{ID: "t6", Description: "anything"}, MaxSteps: 5}
	outcome, err := e.Run(context.Background(), "run-6", st)
	require.NoError(t, err)
	require.Equal(t, engine.StatusFailed, outcome.Status)
	require.NotNil(t, outcome.Err)
}
