// Package app wires the step graph engine (C5) and the planner/worker
// coordinator (C6) together with their collaborators into the external
// interface described by spec §6: run_task and cancel. It lives outside
// the agent/engine/planner packages because those import agent for its
// data-model types, and agent cannot import them back without a cycle.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/deskagent/runtime/agent"
	"goa.design/deskagent/runtime/agent/audit"
	"goa.design/deskagent/runtime/agent/cache"
	"goa.design/deskagent/runtime/agent/config"
	"goa.design/deskagent/runtime/agent/engine"
	"goa.design/deskagent/runtime/agent/memory"
	"goa.design/deskagent/runtime/agent/model"
	"goa.design/deskagent/runtime/agent/planner"
	"goa.design/deskagent/runtime/agent/policy"
	"goa.design/deskagent/runtime/agent/telemetry"
)

// Collaborators bundles every external dependency run_task needs. Cache
// and Memory are optional: when nil, Runner constructs in-process
// defaults sized from Options.
type Collaborators struct {
	Perception agent.Perception
	Model      model.Backend
	Action     agent.ActionBackend
	Allowlist  agent.AppAllowlist
	Archival   memory.ArchivalStore
	Audit      audit.Log
	Planner    planner.Planner
	Verifier   engine.Verifier

	Cache  cache.Cache
	Memory *memory.Manager

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// taskContextSchema validates the well-known keys of Task.Context before a
// task is accepted, per spec's domain-stack schema-validation bullet.
// Unknown keys are permitted: Context also carries milestone-scoped,
// caller-specific data the execution core does not interpret.
const taskContextSchema = `{
	"type": "object",
	"properties": {
		"app_allowlist": {"type": "array", "items": {"type": "string"}},
		"max_steps": {"type": "integer", "minimum": 1},
		"deadline_seconds": {"type": "number", "minimum": 0}
	}
}`

// Runner ties Options, Collaborators, the step graph engine, and the
// planner/worker coordinator into a single entrypoint for run_task.
type Runner struct {
	opts   config.Options
	collab Collaborators
	schema *jsonschema.Schema
	engine *engine.Engine
	coord  *planner.Coordinator

	mu      sync.Mutex
	handles map[agent.TaskID]*CancelHandle
}

// CancelHandle lets a caller request cooperative cancellation of a
// previously started run_task invocation (spec §6's cancel operation).
type CancelHandle struct {
	taskID agent.TaskID
	ch     chan struct{}
	once   sync.Once
}

// Cancel closes the handle's signal channel, which the step graph engine
// polls at node boundaries. Safe to call more than once.
func (h *CancelHandle) Cancel() {
	h.once.Do(func() { close(h.ch) })
}

// Done returns the channel the engine selects on to detect cancellation.
func (h *CancelHandle) Done() <-chan struct{} { return h.ch }

// New builds a Runner from opts and collab, constructing default in-memory
// Cache/Memory instances when the caller did not supply them.
func New(opts config.Options, collab Collaborators) (*Runner, error) {
	if collab.Perception == nil {
		return nil, fmt.Errorf("app: Perception collaborator is required")
	}
	if collab.Model == nil {
		return nil, fmt.Errorf("app: Model collaborator is required")
	}
	if collab.Action == nil {
		return nil, fmt.Errorf("app: Action collaborator is required")
	}
	if collab.Audit == nil {
		return nil, fmt.Errorf("app: Audit collaborator is required")
	}

	var schemaDoc any
	if err := json.Unmarshal([]byte(taskContextSchema), &schemaDoc); err != nil {
		return nil, fmt.Errorf("app: parse task context schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("task-context.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("app: add task context schema resource: %w", err)
	}
	schema, err := compiler.Compile("task-context.json")
	if err != nil {
		return nil, fmt.Errorf("app: compile task context schema: %w", err)
	}

	c := collab
	if c.Allowlist == nil && len(opts.AppAllowlist) > 0 {
		c.Allowlist = policy.New(policy.Options{AllowNames: opts.AppAllowlist, Label: "config.app_allowlist"})
	}
	if c.Cache == nil {
		c.Cache = cache.NewInMemory(opts.CacheCapacity)
	}
	if c.Memory == nil {
		c.Memory = memory.New(memory.Options{
			Budget:   opts.ActiveContextBudget,
			Weights:  memory.Weights{LRU: opts.MemoryWeightLRU, Priority: opts.MemoryWeightPriority},
			Archival: c.Archival,
			Logger:   c.Logger,
			Metrics:  c.Metrics,
		})
	}

	eng := engine.New(engine.Options{
		MaxSteps:                    opts.MaxStepsPerMilestone,
		MaxRetries:                  opts.MaxRetries,
		CheckpointEvery:             opts.CheckpointEvery,
		ConsecutiveFailureThreshold: opts.ConsecutiveFailureThreshold,
		EnableVerification:          opts.EnableVerification,
		ObserveCacheTTL:             opts.CacheTTL,
		AnalyzeCacheTTL:             opts.CacheTTL,
	})
	eng.Perception = c.Perception
	eng.Model = c.Model
	eng.Action = c.Action
	eng.Cache = c.Cache
	eng.Memory = c.Memory
	eng.Audit = c.Audit
	eng.Allowlist = c.Allowlist
	eng.Verifier = c.Verifier
	eng.Logger = c.Logger
	eng.Metrics = c.Metrics
	eng.Tracer = c.Tracer

	p := c.Planner
	if p == nil {
		p = &planner.ModelPlanner{Backend: c.Model}
	}

	coord := &planner.Coordinator{
		Planner: p,
		Engine:  eng,
		Audit:   c.Audit,
		Logger:  c.Logger,
		Metrics: c.Metrics,
		Opts: planner.Options{
			MaxMilestoneAttempts: opts.MaxMilestoneAttempts,
			MaxStepsPerMilestone: opts.MaxStepsPerMilestone,
			EnablePlanner:        opts.EnablePlanner,
		},
	}

	return &Runner{
		opts:    opts,
		collab:  c,
		schema:  schema,
		engine:  eng,
		coord:   coord,
		handles: make(map[agent.TaskID]*CancelHandle),
	}, nil
}

// RunTask validates task.Context against the well-known schema, registers a
// CancelHandle under task.ID, and drives the task to completion, failure, or
// cancellation via the planner/worker coordinator. The handle is registered
// only for the duration of this call and is not returned; a concurrent
// Runner.Cancel(task.ID) requests cooperative cancellation. When task.ID is
// empty a fresh ID is minted internally and is not reported to the caller.
func (r *Runner) RunTask(ctx context.Context, task agent.Task) (agent.TaskResult, error) {
	if task.ID == "" {
		task.ID = agent.TaskID(uuid.NewString())
	}
	if err := r.validateContext(task.Context); err != nil {
		return agent.TaskResult{
			Status: agent.TaskFailed,
			TerminalError: &agent.StepError{
				Kind:    "policy_violation",
				Message: fmt.Sprintf("task context failed schema validation: %v", err),
			},
		}, nil
	}

	handle := r.registerHandle(task.ID)
	defer r.deregisterHandle(task.ID)

	return r.coord.Run(ctx, task, handle.Done())
}

// Cancel requests cooperative cancellation of the still-running task
// identified by taskID. It is a no-op if the task is not currently running
// under this Runner (already finished, or never started).
func (r *Runner) Cancel(taskID agent.TaskID) {
	r.mu.Lock()
	h := r.handles[taskID]
	r.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

func (r *Runner) registerHandle(taskID agent.TaskID) *CancelHandle {
	h := &CancelHandle{taskID: taskID, ch: make(chan struct{})}
	r.mu.Lock()
	r.handles[taskID] = h
	r.mu.Unlock()
	return h
}

func (r *Runner) deregisterHandle(taskID agent.TaskID) {
	r.mu.Lock()
	delete(r.handles, taskID)
	r.mu.Unlock()
}

func (r *Runner) validateContext(taskCtx map[string]any) error {
	if r.schema == nil || len(taskCtx) == 0 {
		return nil
	}
	return r.schema.Validate(taskCtx)
}
