package engine

import (
	"context"
	"fmt"
	"time"

	"goa.design/deskagent/runtime/agent"
	"goa.design/deskagent/runtime/agent/audit"
	"goa.design/deskagent/runtime/agent/cache"
	"goa.design/deskagent/runtime/agent/errs"
	"goa.design/deskagent/runtime/agent/memory"
	"goa.design/deskagent/runtime/agent/model"
	"goa.design/deskagent/runtime/agent/telemetry"
)

// Options configures a single Engine instance. Defaults match spec §6.
type Options struct {
	MaxRetries                  int
	MaxSteps                    int
	CheckpointEvery             int
	ConsecutiveFailureThreshold int
	EnableVerification          bool
	Backoff                     BackoffPolicy
	ObserveCacheTTL             time.Duration
	AnalyzeCacheTTL             time.Duration
}

// DefaultOptions returns the documented spec §6 defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:                  3,
		MaxSteps:                    15,
		CheckpointEvery:             5,
		ConsecutiveFailureThreshold: 5,
		EnableVerification:          true,
		Backoff:                     DefaultBackoff(),
		ObserveCacheTTL:             2 * time.Second,
		AnalyzeCacheTTL:             2 * time.Second,
	}
}

// Engine executes the Observe -> Reason -> Act -> Verify -> Decide state
// machine (C5). A single Engine is constructed once per process (or per
// worker pool) and shared by every worker invocation; each invocation
// operates on its own *State and must not mutate another worker's State.
type Engine struct {
	Perception agent.Perception
	Model      model.Backend
	Action     agent.ActionBackend
	Cache      cache.Cache
	Memory     *memory.Manager
	Audit      audit.Log
	Allowlist  agent.AppAllowlist
	Verifier   Verifier

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	Opts Options

	clock stepClock
}

// New constructs an Engine. Collaborators are passed explicitly (spec
// §9's "injected collaborators" design note); there is no process-wide
// mutable registry.
func New(opts Options) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultOptions().MaxSteps
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = DefaultOptions().CheckpointEvery
	}
	if opts.ConsecutiveFailureThreshold <= 0 {
		opts.ConsecutiveFailureThreshold = DefaultOptions().ConsecutiveFailureThreshold
	}
	if opts.Backoff.Rand == nil {
		opts.Backoff = DefaultBackoff()
	}
	return &Engine{Opts: opts, clock: realClock{}}
}

func (e *Engine) logger() telemetry.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return telemetry.NewNoopLogger()
}

func (e *Engine) metrics() telemetry.Metrics {
	if e.Metrics != nil {
		return e.Metrics
	}
	return telemetry.NewNoopMetrics()
}

// Run drives st through the step graph until a terminal transition,
// appending one StepRecord per completed step to Audit under runID and
// emitting periodic checkpoints. Run never panics on a collaborator or
// domain error; it reports the terminal disposition via Outcome.
func (e *Engine) Run(ctx context.Context, runID string, st *State) (Outcome, error) {
	if st.MaxSteps <= 0 {
		st.MaxSteps = e.Opts.MaxSteps
	}
	log := e.logger()

	for {
		if st.cancelled() {
			return e.terminalCancelled(ctx, runID, st)
		}
		if st.StepIndex >= st.MaxSteps {
			rec := errs.New(errs.BudgetExhausted, "step limit reached", false, nil).
				WithContext(map[string]any{"step_index": st.StepIndex, "max_steps": st.MaxSteps})
			return e.terminalError(ctx, runID, st, rec)
		}

		record, term, err := e.step(ctx, runID, st)
		if err != nil {
			return Outcome{}, err
		}
		if term != nil {
			if term.Kind() == errs.CancelRequested {
				return e.terminalCancelled(ctx, runID, st)
			}
			return e.terminalError(ctx, runID, st, term)
		}

		st.History = append(st.History, record)
		if err := e.Audit.Append(ctx, runID, record); err != nil {
			return Outcome{}, fmt.Errorf("engine: append step record: %w", err)
		}
		st.StepIndex++

		if st.StepIndex%e.Opts.CheckpointEvery == 0 {
			if err := e.checkpoint(ctx, st); err != nil {
				return Outcome{}, fmt.Errorf("engine: checkpoint: %w", err)
			}
		}

		if record.Action.Kind == agent.ActionTaskComplete {
			if err := e.checkpoint(ctx, st); err != nil {
				return Outcome{}, fmt.Errorf("engine: checkpoint: %w", err)
			}
			log.Info(ctx, "engine: task complete", "run_id", runID, "step_index", st.StepIndex)
			return Outcome{Status: StatusCompleted, Result: st.Result, FinalStepIndex: st.StepIndex, History: st.History}, nil
		}
	}
}

// step executes one full Observe->Reason->Act->Verify pass. On a retryable
// error it backs off and re-runs the whole pass from Observe; the failed
// node is not re-entered on its own. It returns
// either a completed StepRecord, or a non-nil terminal error Record (the
// CancelRequested kind signals cancellation rather than failure).
func (e *Engine) step(ctx context.Context, runID string, st *State) (agent.StepRecord, *errs.Record, error) {
	attempt := 0
	for {
		observation, reasoning, confidence, action, stepErr := e.attemptStep(ctx, st)
		if stepErr == nil {
			rec := agent.StepRecord{
				StepIndex:   st.StepIndex,
				Observation: observation,
				Reasoning:   reasoning,
				Action:      action,
				Confidence:  confidence,
				Timestamp:   time.Now(),
			}
			if action.Sensitive {
				rec.SecretTags = []agent.SecretTag{agent.SecretTagActionText}
			}
			st.ConsecutiveFailures = 0
			return rec, nil, nil
		}

		if st.cancelled() || stepErr.Kind() == errs.CancelRequested {
			return agent.StepRecord{}, errs.New(errs.CancelRequested, "cancellation observed", false, nil), nil
		}

		st.ConsecutiveFailures++
		e.logger().Warn(ctx, "engine: step failed", "run_id", runID, "kind", string(stepErr.Kind()), "attempt", attempt, "consecutive_failures", st.ConsecutiveFailures)
		e.metrics().IncCounter("engine.step_errors", 1, "kind", string(stepErr.Kind()))

		if !stepErr.Retryable() {
			return agent.StepRecord{}, stepErr, nil
		}
		if st.ConsecutiveFailures >= e.Opts.ConsecutiveFailureThreshold {
			return agent.StepRecord{}, errs.New(errs.BudgetExhausted, "consecutive failure threshold reached", false, stepErr).
				WithContext(map[string]any{"consecutive_failures": st.ConsecutiveFailures}), nil
		}
		if attempt >= e.Opts.MaxRetries {
			return agent.StepRecord{}, stepErr, nil
		}

		delay := e.Opts.Backoff.Delay(attempt)
		e.logger().Debug(ctx, "engine: recover backoff", "run_id", runID, "delay_ms", delay.Milliseconds())
		e.clockOrReal().Sleep(delay)
		attempt++

		if st.cancelled() {
			return agent.StepRecord{}, errs.New(errs.CancelRequested, "cancellation observed", false, nil), nil
		}
	}
}

func (e *Engine) clockOrReal() stepClock {
	if e.clock != nil {
		return e.clock
	}
	return realClock{}
}

// attemptStep runs one Observe->Reason->Act->(Verify) pass without retry
// logic; a non-nil *errs.Record signals the pass failed at some node.
func (e *Engine) attemptStep(ctx context.Context, st *State) (observation, reasoning string, confidence float64, action agent.ActionRecord, err *errs.Record) {
	if st.cancelled() {
		return "", "", 0, agent.ActionRecord{}, errs.New(errs.CancelRequested, "cancellation observed", false, nil)
	}
	observation, oerr := e.observe(ctx, st)
	if oerr != nil {
		return "", "", 0, agent.ActionRecord{}, oerr
	}
	if st.cancelled() {
		return "", "", 0, agent.ActionRecord{}, errs.New(errs.CancelRequested, "cancellation observed", false, nil)
	}

	reasoning, confidence, rerr := e.reason(ctx, st, observation)
	if rerr != nil {
		return "", "", 0, agent.ActionRecord{}, rerr
	}
	if st.cancelled() {
		return "", "", 0, agent.ActionRecord{}, errs.New(errs.CancelRequested, "cancellation observed", false, nil)
	}

	action, aerr := e.act(ctx, st, reasoning)
	if aerr != nil {
		return "", "", 0, agent.ActionRecord{}, aerr
	}

	if e.Opts.EnableVerification && e.Verifier != nil && action.Kind != agent.ActionTaskComplete && action.Kind != agent.ActionNoAction {
		if st.cancelled() {
			return "", "", 0, agent.ActionRecord{}, errs.New(errs.CancelRequested, "cancellation observed", false, nil)
		}
		post, perr := e.observeRaw(ctx)
		if perr != nil {
			return "", "", 0, agent.ActionRecord{}, errs.New(errs.PerceptionFailure, perr.Error(), true, perr)
		}
		ok, verr := e.Verifier.Verify(ctx, observation, post, describeAction(action))
		if verr != nil {
			return "", "", 0, agent.ActionRecord{}, errs.New(errs.VerificationFailure, verr.Error(), true, verr)
		}
		if !ok {
			return "", "", 0, agent.ActionRecord{}, errs.New(errs.VerificationFailure, "post-action state did not match intended effect", true, nil)
		}
	}

	return observation, reasoning, confidence, action, nil
}

func describeAction(a agent.ActionRecord) string {
	return fmt.Sprintf("%s", a.Kind)
}

func (e *Engine) terminalCancelled(ctx context.Context, runID string, st *State) (Outcome, error) {
	if err := e.checkpoint(ctx, st); err != nil {
		return Outcome{}, fmt.Errorf("engine: checkpoint on cancel: %w", err)
	}
	e.logger().Info(ctx, "engine: cancelled", "run_id", runID, "step_index", st.StepIndex)
	return Outcome{Status: StatusCancelled, FinalStepIndex: st.StepIndex, History: st.History}, nil
}

func (e *Engine) terminalError(ctx context.Context, runID string, st *State, rec *errs.Record) (Outcome, error) {
	if err := e.checkpoint(ctx, st); err != nil {
		return Outcome{}, fmt.Errorf("engine: checkpoint on terminal error: %w", err)
	}
	st.TerminalError = rec
	e.logger().Error(ctx, "engine: terminal error", "run_id", runID, "kind", string(rec.Kind()), "message", rec.Error())
	return Outcome{Status: StatusFailed, Err: rec, FinalStepIndex: st.StepIndex, History: st.History}, nil
}

func (e *Engine) checkpoint(ctx context.Context, st *State) error {
	var activeIDs []string
	if e.Memory != nil {
		for _, it := range e.Memory.ReadActive() {
			activeIDs = append(activeIDs, it.ID)
		}
	}
	return e.Audit.Checkpoint(ctx, agent.Checkpoint{
		TaskID:              st.Task.ID,
		MilestoneID:         st.MilestoneID,
		StepIndex:           st.StepIndex,
		ActiveMemoryIDs:     activeIDs,
		ConsecutiveFailures: st.ConsecutiveFailures,
		Timestamp:           time.Now(),
	})
}

// observe produces the next Observe-node reading, preferring a cached
// value when one has not been invalidated since the last mutating
// action (spec §4.5's "optionally served from C2").
func (e *Engine) observe(ctx context.Context, st *State) (string, *errs.Record) {
	key := cache.Fingerprint("observe", nil)
	if e.Cache != nil {
		if v, hit := e.Cache.Get(key); hit {
			if text, ok := v.(string); ok {
				return text, nil
			}
		}
	}
	text, err := e.observeRaw(ctx)
	if err != nil {
		return "", errs.New(errs.PerceptionFailure, err.Error(), true, err)
	}
	if e.Cache != nil {
		e.Cache.Put(key, text, e.Opts.ObserveCacheTTL, "screen")
	}
	return text, nil
}

func (e *Engine) observeRaw(ctx context.Context) (string, error) {
	img, err := e.Perception.Capture(ctx)
	if err != nil {
		return "", err
	}
	text, err := e.Perception.Analyze(ctx, img, "describe the current screen state")
	if err != nil {
		return "", err
	}
	return text, nil
}

// reason calls the model backend with the assembled prompt context.
func (e *Engine) reason(ctx context.Context, st *State, observation string) (string, float64, *errs.Record) {
	active := ""
	if e.Memory != nil {
		for _, it := range e.Memory.ReadActive() {
			active += string(it.Content)
		}
	}
	prompt := assemblePrompt(st.Task, st.MilestoneID, st.History, observation, active)
	text, err := e.Model.Generate(ctx, prompt, model.Options{Class: model.ModelClassDefault})
	if err != nil {
		return "", 0, errs.ModelFailureFromError(err)
	}
	return text, 1.0, nil
}

func assemblePrompt(task agent.Task, milestone agent.MilestoneID, history []agent.StepRecord, observation, activeMemory string) string {
	prompt := "Task: " + task.Description + "\n"
	if milestone != "" {
		prompt += "Milestone: " + string(milestone) + "\n"
	}
	prompt += "Observation: " + observation + "\n"
	if activeMemory != "" {
		prompt += "Context: " + activeMemory + "\n"
	}
	if n := len(history); n > 0 {
		prompt += fmt.Sprintf("Recent steps taken: %d\n", n)
	}
	return prompt
}

// act parses the reasoning text into an ActionRecord and executes it,
// invalidating the cache before any mutating action runs (spec §4.2/
// §4.5's core correctness property).
func (e *Engine) act(ctx context.Context, st *State, reasoning string) (agent.ActionRecord, *errs.Record) {
	action := ParseIntent(reasoning, st.Task, st.Context, e.Allowlist, st.recentActionKinds(2))

	switch action.Kind {
	case agent.ActionLaunchApp:
		if e.Allowlist == nil {
			return action, errs.New(errs.PolicyViolation, "no app allowlist configured", false, nil)
		}
		path, ok := e.Allowlist.Resolve(action.AppName)
		if !ok {
			return action, errs.New(errs.PolicyViolation, fmt.Sprintf("app %q is not in the allowlist", action.AppName), false, nil).
				WithContext(map[string]any{"app_name": action.AppName})
		}
		action.AppName = path
		return e.executeMutating(ctx, action)

	case agent.ActionClick, agent.ActionTypeText, agent.ActionPressKey, agent.ActionHotkey, agent.ActionScroll:
		return e.executeMutating(ctx, action)

	case agent.ActionAnalyzeScreen:
		return e.executeAnalyze(ctx, action)

	case agent.ActionWait:
		e.clockOrReal().Sleep(time.Duration(action.WaitSecs * float64(time.Second)))
		action.Success = true
		return action, nil

	case agent.ActionNoAction, agent.ActionTaskComplete:
		action.Success = true
		return action, nil

	default:
		return action, errs.New(errs.ActionFailure, fmt.Sprintf("unknown action kind %q", action.Kind), false, nil)
	}
}

func (e *Engine) executeMutating(ctx context.Context, action agent.ActionRecord) (agent.ActionRecord, *errs.Record) {
	if e.Cache != nil {
		if tags, ok := cache.DefaultInvalidationRules[string(action.Kind)]; ok {
			n := e.Cache.Invalidate(tags...)
			e.metrics().IncCounter("cache.invalidations", float64(n), "action", string(action.Kind))
		}
	}
	if e.Action == nil {
		return action, errs.New(errs.ActionFailure, "no action backend configured", true, nil)
	}
	res, err := e.Action.Execute(ctx, action)
	if err != nil {
		if rec, ok := errs.As(err); ok {
			return action, rec
		}
		return action, errs.New(errs.ActionFailure, err.Error(), true, err)
	}
	action.Success = res.Success
	action.Return = res.Payload
	if !res.Success {
		return action, errs.New(errs.ActionFailure, "action backend reported failure", true, nil)
	}
	return action, nil
}

func (e *Engine) executeAnalyze(ctx context.Context, action agent.ActionRecord) (agent.ActionRecord, *errs.Record) {
	key := cache.Fingerprint("screen_analyzer", map[string]any{"query": action.Query})
	if e.Cache != nil {
		if v, hit := e.Cache.Get(key); hit {
			if text, ok := v.(string); ok {
				action.Success = true
				action.Return = text
				return action, nil
			}
		}
	}
	img, err := e.Perception.Capture(ctx)
	if err != nil {
		return action, errs.New(errs.PerceptionFailure, err.Error(), true, err)
	}
	text, err := e.Perception.Analyze(ctx, img, action.Query)
	if err != nil {
		return action, errs.New(errs.PerceptionFailure, err.Error(), true, err)
	}
	if e.Cache != nil {
		e.Cache.Put(key, text, e.Opts.AnalyzeCacheTTL, "screen", "ocr", "screen_analyzer")
	}
	action.Success = true
	action.Return = text
	return action, nil
}
