package audit

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"goa.design/deskagent/runtime/agent"
)

// InMemory implements Log in memory. Intended for tests and local runs;
// it is not durable and loses all state on process exit.
type InMemory struct {
	mu sync.Mutex

	records     map[string][]agent.StepRecord // runID -> records, oldest first
	checkpoints map[agent.TaskID]agent.Checkpoint

	filter SensitiveFilter
}

// NewInMemory returns an in-memory Log. filter, if non-nil, is applied to
// every record returned from List or Recent (never to Append, since the
// append path is the canonical write and must preserve full fidelity for
// later re-filtering under a different policy). A nil filter defaults to
// RedactingFilter; pass NoopFilter explicitly to see raw records.
func NewInMemory(filter SensitiveFilter) *InMemory {
	if filter == nil {
		filter = RedactingFilter
	}
	return &InMemory{
		records:     make(map[string][]agent.StepRecord),
		checkpoints: make(map[agent.TaskID]agent.Checkpoint),
		filter:      filter,
	}
}

// Append implements Log.
func (s *InMemory) Append(_ context.Context, runID string, r agent.StepRecord) error {
	if runID == "" {
		return ErrRunIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[runID] = append(s.records[runID], r)
	return nil
}

// List implements Log. Cursor is the decimal count of records the caller
// has already seen, i.e. the index of the next record to return (empty or
// 0 meaning "none seen").
func (s *InMemory) List(_ context.Context, runID string, cursor string, limit int) (Page, error) {
	if runID == "" {
		return Page{}, ErrRunIDRequired
	}
	if limit <= 0 {
		return Page{}, ErrInvalidLimit
	}

	var after int64
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("audit: invalid cursor %q: %w", cursor, err)
		}
		after = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.records[runID]
	if len(all) == 0 {
		return Page{}, nil
	}

	start := int(after)
	if start >= len(all) {
		return Page{}, nil
	}

	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	page := make([]agent.StepRecord, end-start)
	for i, r := range all[start:end] {
		page[i] = s.filter(r)
	}

	var next string
	if end < len(all) {
		next = strconv.FormatInt(int64(end), 10)
	}

	return Page{Records: page, NextCursor: next}, nil
}

// Recent implements Log.
func (s *InMemory) Recent(_ context.Context, runID string, k int) ([]agent.StepRecord, error) {
	if runID == "" {
		return nil, ErrRunIDRequired
	}
	if k <= 0 {
		return nil, ErrInvalidLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.records[runID]
	start := len(all) - k
	if start < 0 {
		start = 0
	}

	out := make([]agent.StepRecord, len(all)-start)
	for i, r := range all[start:] {
		out[i] = s.filter(r)
	}
	return out, nil
}

// Checkpoint implements Log.
func (s *InMemory) Checkpoint(_ context.Context, c agent.Checkpoint) error {
	if c.TaskID == "" {
		return fmt.Errorf("audit: checkpoint task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[c.TaskID] = c
	return nil
}

// LatestCheckpoint implements Log.
func (s *InMemory) LatestCheckpoint(_ context.Context, taskID agent.TaskID) (agent.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checkpoints[taskID]
	return c, ok, nil
}
