package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/deskagent/runtime/agent"
	"goa.design/deskagent/runtime/agent/audit"
)

func mkRecord(i int) agent.StepRecord {
	return agent.StepRecord{
		StepIndex:   i,
		Observation: "obs",
		Reasoning:   "reason",
		Action:      agent.ActionRecord{Kind: agent.ActionAnalyzeScreen, Query: "what is visible"},
		Confidence:  0.9,
		Timestamp:   time.Now(),
	}
}

func TestAppendAndList(t *testing.T) {
	ctx := context.Background()
	log := audit.NewInMemory(nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(ctx, "run-1", mkRecord(i)))
	}

	page, err := log.List(ctx, "run-1", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.NotEmpty(t, page.NextCursor)

	page2, err := log.List(ctx, "run-1", page.NextCursor, 10)
	require.NoError(t, err)
	require.Len(t, page2.Records, 3)
	require.Empty(t, page2.NextCursor)
}

func TestCursorNeverSkipsOrRereads(t *testing.T) {
	ctx := context.Background()
	log := audit.NewInMemory(nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, log.Append(ctx, "run-1", mkRecord(i)))
	}

	var seen []int
	cursor := ""
	for {
		page, err := log.List(ctx, "run-1", cursor, 3)
		require.NoError(t, err)
		for _, r := range page.Records {
			seen = append(seen, r.StepIndex)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
}

func TestRecentReturnsLastKOldestFirst(t *testing.T) {
	ctx := context.Background()
	log := audit.NewInMemory(nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(ctx, "run-1", mkRecord(i)))
	}

	recent, err := log.Recent(ctx, "run-1", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, []int{2, 3, 4}, []int{recent[0].StepIndex, recent[1].StepIndex, recent[2].StepIndex})
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	log := audit.NewInMemory(nil)

	_, ok, err := log.LatestCheckpoint(ctx, "task-1")
	require.NoError(t, err)
	require.False(t, ok)

	cp := agent.Checkpoint{TaskID: "task-1", MilestoneID: "m-1", StepIndex: 5, ConsecutiveFailures: 1, Timestamp: time.Now()}
	require.NoError(t, log.Checkpoint(ctx, cp))

	got, ok, err := log.LatestCheckpoint(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cp.StepIndex, got.StepIndex)

	cp2 := cp
	cp2.StepIndex = 10
	require.NoError(t, log.Checkpoint(ctx, cp2))
	got2, ok, err := log.LatestCheckpoint(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 10, got2.StepIndex)
}

func TestSensitiveFilterAppliedToReadsNotAppend(t *testing.T) {
	ctx := context.Background()
	redacted := 0
	filter := func(r agent.StepRecord) agent.StepRecord {
		redacted++
		r.Observation = "[redacted]"
		return r
	}
	log := audit.NewInMemory(filter)
	require.NoError(t, log.Append(ctx, "run-1", mkRecord(0)))

	page, err := log.List(ctx, "run-1", "", 10)
	require.NoError(t, err)
	require.Equal(t, "[redacted]", page.Records[0].Observation)
	require.Equal(t, 1, redacted)
}

func TestRedactingFilterIsTheDefault(t *testing.T) {
	ctx := context.Background()
	log := audit.NewInMemory(nil)

	rec := mkRecord(0)
	rec.Action = agent.ActionRecord{Kind: agent.ActionTypeText, Text: "hunter2"}
	rec.SecretTags = []agent.SecretTag{agent.SecretTagActionText}
	require.NoError(t, log.Append(ctx, "run-1", rec))

	recent, err := log.Recent(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Equal(t, "[redacted]", recent[0].Action.Text)
}

func TestRedactingFilterLeavesUntaggedRecordsAlone(t *testing.T) {
	ctx := context.Background()
	log := audit.NewInMemory(nil)
	require.NoError(t, log.Append(ctx, "run-1", mkRecord(0)))

	recent, err := log.Recent(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Equal(t, "obs", recent[0].Observation)
}

func TestNoopFilterCanBeOptedIntoExplicitly(t *testing.T) {
	ctx := context.Background()
	log := audit.NewInMemory(audit.NoopFilter)

	rec := mkRecord(0)
	rec.Action = agent.ActionRecord{Kind: agent.ActionTypeText, Text: "hunter2"}
	rec.SecretTags = []agent.SecretTag{agent.SecretTagActionText}
	require.NoError(t, log.Append(ctx, "run-1", rec))

	recent, err := log.Recent(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Equal(t, "hunter2", recent[0].Action.Text)
}

func TestBuildRecoveryContextDefaultsWindow(t *testing.T) {
	ctx := context.Background()
	log := audit.NewInMemory(nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, log.Append(ctx, "run-1", mkRecord(i)))
	}
	require.NoError(t, log.Checkpoint(ctx, agent.Checkpoint{TaskID: "task-1", StepIndex: 9}))

	rc, err := audit.BuildRecoveryContext(ctx, log, "run-1", "task-1", 0)
	require.NoError(t, err)
	require.Len(t, rc.Recent, audit.DefaultRecoveryWindow)
	require.True(t, rc.HasCheckpoint)
	require.Equal(t, 9, rc.Checkpoint.StepIndex)
}
