package agent

// TaskStatus is the closed set of terminal dispositions run_task may
// return.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// MilestoneOutcome summarizes one milestone's final disposition for
// inclusion in a TaskResult.
type MilestoneOutcome struct {
	ID       MilestoneID
	Status   MilestoneStatus
	Attempts int
	Result   any
	Err      *StepError
}

// TaskResult is what run_task returns once the task reaches a terminal
// state (spec §6).
type TaskResult struct {
	Status        TaskStatus
	Milestones    []MilestoneOutcome
	TerminalError *StepError
}
