package agent

import "context"

// Task is the immutable user input to a single run_task invocation: a
// natural-language description plus an opaque context map (file paths,
// user preferences). Created once per invocation and never mutated.
type Task struct {
	ID          TaskID
	Description string
	Context     map[string]any
}

// MilestoneStatus is the closed set of states a Milestone may occupy.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneCompleted  MilestoneStatus = "completed"
	MilestoneFailed     MilestoneStatus = "failed"
	MilestoneSkipped    MilestoneStatus = "skipped"
)

// Milestone is a unit of decomposed work produced by the planner and
// mutated only by the coordinator. It becomes InProgress only once every
// id in Dependencies has reached Completed; Attempts never exceeds
// MaxAttempts.
type Milestone struct {
	ID              MilestoneID
	Description     string
	SuccessCriteria string
	Status          MilestoneStatus
	Dependencies    []MilestoneID
	Attempts        int
	MaxAttempts     int
	Err             *StepError
	Result          any
}

// Perception is the screen-observation collaborator contract. Capture and
// Analyze are out-of-scope backends specified only at this interface; the
// core consumes whatever they return.
type Perception interface {
	Capture(ctx context.Context) (image []byte, err error)
	Analyze(ctx context.Context, image []byte, query string) (text string, err error)
}

// ActionResult is returned by ActionBackend.Execute for a single executed
// ActionRecord.
type ActionResult struct {
	Success bool
	Payload any
}

// ActionBackend is the bounded input-action collaborator contract
// (click/type/key/scroll/wait). Implementations are platform-specific and
// out of scope for this module; only the interface is consumed here.
type ActionBackend interface {
	Execute(ctx context.Context, action ActionRecord) (ActionResult, error)
}

// AppAllowlist resolves an application name to a launch path, or reports
// that the name is not permitted. Backing this with a concrete policy
// engine is a domain-stack concern (see runtime/agent/policy).
type AppAllowlist interface {
	Resolve(name string) (path string, ok bool)
}
