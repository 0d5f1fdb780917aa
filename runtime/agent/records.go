package agent

import "time"

// ActionKind enumerates the closed set of action variants the intent
// parser may produce. Every ActionRecord carries exactly one kind plus
// the fields relevant to it.
type ActionKind string

const (
	ActionLaunchApp     ActionKind = "launch_app"
	ActionClick         ActionKind = "click"
	ActionTypeText      ActionKind = "type_text"
	ActionPressKey      ActionKind = "press_key"
	ActionHotkey        ActionKind = "hotkey"
	ActionScroll        ActionKind = "scroll"
	ActionWait          ActionKind = "wait"
	ActionAnalyzeScreen ActionKind = "analyze_screen"
	ActionNoAction      ActionKind = "no_action"
	ActionTaskComplete  ActionKind = "task_complete"
)

// ActionRecord is a tagged variant over the closed action set. Only the
// fields relevant to Kind are populated; Success and Return are filled in
// after execution.
type ActionRecord struct {
	Kind ActionKind

	AppName    string   // ActionLaunchApp
	X, Y       int      // ActionClick
	Button     string   // ActionClick
	Text       string   // ActionTypeText
	Key        string   // ActionPressKey
	Keys       []string // ActionHotkey
	ScrollDY   int      // ActionScroll
	WaitSecs   float64  // ActionWait
	Query      string   // ActionAnalyzeScreen
	NoneReason string   // ActionNoAction

	// Sensitive marks Text (or another free-form field of this action) as
	// carrying content the intent parser matched against a secret-like
	// hint (password, token, api key, ...). The step graph engine copies
	// this into the resulting StepRecord's SecretTags so a SensitiveFilter
	// knows which fields to redact without having to re-inspect content.
	Sensitive bool

	Success bool
	Return  any
}

// SecretTag names a StepRecord field that may carry sensitive content and
// must be redacted by a SensitiveFilter before crossing an archival or
// recovery-context boundary (spec's hard requirement that secret fields be
// filtered by tag, not by re-parsing the text at read time).
type SecretTag string

const (
	// SecretTagActionText marks ActionRecord.Text as sensitive.
	SecretTagActionText SecretTag = "action.text"
	// SecretTagReasoning marks StepRecord.Reasoning as sensitive.
	SecretTagReasoning SecretTag = "reasoning"
	// SecretTagObservation marks StepRecord.Observation as sensitive.
	SecretTagObservation SecretTag = "observation"
)

// StepRecord is a single immutable entry in a worker's audit trail.
// Appended by the step graph engine, read by the audit log's consumers
// (recovery context, the coordinator's re-planning path).
type StepRecord struct {
	StepIndex   int
	Observation string
	Reasoning   string
	Action      ActionRecord
	Confidence  float64
	Timestamp   time.Time
	Err         *StepError

	// SecretTags names the fields of this record that carry sensitive
	// content and must be redacted by a SensitiveFilter. Nil/empty means
	// the record has nothing known to redact.
	SecretTags []SecretTag
}

// StepError mirrors errs.Record's public shape without importing the errs
// package, so StepRecord stays free of a dependency cycle with engine
// packages that both use errs and append StepRecords.
type StepError struct {
	Kind      string
	Message   string
	Retryable bool
}

// Checkpoint is a periodic snapshot of a worker's progress, sufficient to
// resume the worker after a crash or cancellation.
type Checkpoint struct {
	TaskID              TaskID
	MilestoneID         MilestoneID
	StepIndex           int
	ActiveMemoryIDs     []string
	ConsecutiveFailures int
	Timestamp           time.Time
}
