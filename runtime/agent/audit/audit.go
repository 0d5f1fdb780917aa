// Package audit provides an append-only event log for step records and
// periodic checkpoints (C4). It is the canonical source of truth for
// worker introspection: the step graph engine appends one record per
// completed step and a checkpoint every N steps or milestone boundary;
// the coordinator and recovery path read back suffixes via an opaque,
// monotonically increasing cursor so a reader never skips or re-reads a
// record even across concurrent appends.
package audit

import (
	"context"
	"fmt"

	"goa.design/deskagent/runtime/agent"
)

type (
	// Page is a forward page of step records.
	Page struct {
		// Records are ordered oldest-first.
		Records []agent.StepRecord
		// NextCursor is the cursor to use to fetch the next page. Empty when
		// there are no further records.
		NextCursor string
	}

	// Log is an append-only store of step records and checkpoints for a
	// single worker run.
	//
	// Implementations must provide stable ordering within a run. Cursor
	// values are store-owned and opaque to callers.
	Log interface {
		// Append stores r under runID. Implementations assign no identity
		// to r itself; ordering is the store's responsibility.
		Append(ctx context.Context, runID string, r agent.StepRecord) error

		// List returns the next forward page of records for runID. Cursor
		// is an opaque value returned by a previous call to List, or empty
		// to start from the beginning. Limit must be greater than zero.
		List(ctx context.Context, runID string, cursor string, limit int) (Page, error)

		// Recent returns the last k records for runID, oldest-first. Used
		// to build recovery context for a retryable error.
		Recent(ctx context.Context, runID string, k int) ([]agent.StepRecord, error)

		// Checkpoint persists c as the latest checkpoint for its task.
		Checkpoint(ctx context.Context, c agent.Checkpoint) error

		// LatestCheckpoint returns the most recently persisted checkpoint
		// for taskID, or ok=false if none has been recorded.
		LatestCheckpoint(ctx context.Context, taskID agent.TaskID) (agent.Checkpoint, bool, error)
	}

	// SensitiveFilter redacts fields from a StepRecord before it is
	// returned from Recent or List. Both the archival path and the
	// recovery-context path must apply the same filter, matching the
	// requirement that secret filtering be a hard requirement for both.
	SensitiveFilter func(agent.StepRecord) agent.StepRecord
)

// NoopFilter returns r unchanged. Callers that genuinely need the raw
// record (e.g. a trusted internal debugging path) pass this explicitly;
// it is never the implicit default.
func NoopFilter(r agent.StepRecord) agent.StepRecord { return r }

// RedactingFilter is the default SensitiveFilter wired in by NewInMemory
// and NewMongo when the caller does not supply one. It blanks exactly the
// fields named by r.SecretTags, leaving records with no tags untouched, so
// archival and recovery-context reads redact secret-marked fields without
// needing to re-parse record content at read time.
func RedactingFilter(r agent.StepRecord) agent.StepRecord {
	if len(r.SecretTags) == 0 {
		return r
	}
	redacted := r
	for _, tag := range r.SecretTags {
		switch tag {
		case agent.SecretTagActionText:
			redacted.Action.Text = "[redacted]"
		case agent.SecretTagReasoning:
			redacted.Reasoning = "[redacted]"
		case agent.SecretTagObservation:
			redacted.Observation = "[redacted]"
		}
	}
	return redacted
}

// ErrInvalidLimit is returned when List or Recent is called with a
// non-positive limit.
var ErrInvalidLimit = fmt.Errorf("audit: limit must be > 0")

// ErrRunIDRequired is returned by Append, List, and Recent when runID is
// empty.
var ErrRunIDRequired = fmt.Errorf("audit: run id is required")

// DefaultRecoveryWindow is the default number of recent records supplied
// as recovery context on a retryable error.
const DefaultRecoveryWindow = 3

// RecoveryContext is a Record, Checkpoint pair handed to the model on a
// retry attempt after a retryable error.
type RecoveryContext struct {
	Recent     []agent.StepRecord
	Checkpoint agent.Checkpoint
	HasCheckpoint bool
}

// BuildRecoveryContext fetches the last k records for runID and the
// latest checkpoint for taskID, applying log's configured sensitive
// filter to both. k<=0 defaults to DefaultRecoveryWindow.
func BuildRecoveryContext(ctx context.Context, log Log, runID string, taskID agent.TaskID, k int) (RecoveryContext, error) {
	if k <= 0 {
		k = DefaultRecoveryWindow
	}
	recent, err := log.Recent(ctx, runID, k)
	if err != nil {
		return RecoveryContext{}, err
	}
	cp, ok, err := log.LatestCheckpoint(ctx, taskID)
	if err != nil {
		return RecoveryContext{}, err
	}
	return RecoveryContext{Recent: recent, Checkpoint: cp, HasCheckpoint: ok}, nil
}
