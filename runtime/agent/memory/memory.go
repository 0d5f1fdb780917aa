// Package memory provides the hierarchical memory manager (C3): a
// two-tier context manager that keeps the prompt window under a
// configured byte budget while preserving access to arbitrarily old
// information through an on-disk knowledge base (the ArchivalStore
// collaborator).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/deskagent/runtime/agent/telemetry"
)

// Tier identifies which of the two memory tiers an item currently lives
// in. Every id is in exactly one tier.
type Tier string

const (
	// TierActive marks an item as eligible for inclusion in the next prompt.
	TierActive Tier = "active"
	// TierArchival marks an item as paged out to the archival store.
	TierArchival Tier = "archival"
)

// Item is a unit of contextual memory. Content is opaque to the manager;
// only Size, Priority, and LastAccess participate in eviction scoring.
type Item struct {
	ID            string
	Content       []byte
	Priority      int // 0..10, higher is more important to keep active
	LastAccess    time.Time
	EstimatedSize int
	Tier          Tier
	Tags          []string
}

// Stats summarizes the manager's state for observability and tests.
type Stats struct {
	ActiveBytes   int
	ActiveCount   int
	ArchivalCount int
	PageIns       int64
	PageOuts      int64
}

// ArchivalStore is the external collaborator contract for persisting
// paged-out items (spec §4.3). Any on-disk layout satisfying this
// contract is acceptable; this repository ships a MongoDB-backed
// implementation (agent/archival/mongo).
type ArchivalStore interface {
	Put(ctx context.Context, id string, data []byte) error
	Get(ctx context.Context, id string) ([]byte, bool, error)
	// Search returns up to k ids matching query, ordered deterministically
	// (ties broken by id) so behavior is reproducible for fixed inputs.
	Search(ctx context.Context, query string, k int) ([]string, error)
}

// Weights configures the composite eviction score:
//
//	score = WLRU*normalized_recency + WPriority*(1 - priority/10)
//
// Victims with the highest score (least recent, lowest priority) are
// paged out first.
type Weights struct {
	LRU      float64
	Priority float64
}

// DefaultWeights gives equal weight to recency and priority.
var DefaultWeights = Weights{LRU: 0.5, Priority: 0.5}

// Manager implements the hierarchical memory manager. One Manager is
// owned by a single worker; concurrent workers each get their own
// Manager backed by a shared ArchivalStore (spec §5's shared-resource
// policy for the HMM).
type Manager struct {
	mu       sync.Mutex
	active   map[string]*Item
	order    []string // insertion order of active, for read_active
	archival ArchivalStore
	budget   int
	weights  Weights
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	stats Stats
}

// Options configures a new Manager.
type Options struct {
	Budget   int
	Weights  Weights
	Archival ArchivalStore
	Logger   telemetry.Logger
	Metrics  telemetry.Metrics
}

// New constructs a Manager. Budget must be positive.
func New(opts Options) *Manager {
	w := opts.Weights
	if w.LRU == 0 && w.Priority == 0 {
		w = DefaultWeights
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Manager{
		active:   make(map[string]*Item),
		archival: opts.Archival,
		budget:   opts.Budget,
		weights:  w,
		logger:   logger,
		metrics:  metrics,
	}
}

// AddToActive inserts an item into the active tier, eagerly paging out
// victims until the active budget is satisfied. If id already exists
// (in either tier), it is replaced and moved to active.
func (m *Manager) AddToActive(ctx context.Context, id string, content []byte, priority int, size int, tags ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeFromArchivalLocked(id)
	if existing, ok := m.active[id]; ok {
		m.removeFromOrderLocked(id)
		_ = existing
	}

	item := &Item{
		ID:            id,
		Content:       content,
		Priority:      clampPriority(priority),
		LastAccess:    time.Now(),
		EstimatedSize: size,
		Tier:          TierActive,
		Tags:          append([]string(nil), tags...),
	}
	m.active[id] = item
	m.order = append(m.order, id)

	return m.enforceBudgetLocked(ctx)
}

// PageOut moves the specified ids from active to archival, preserving
// content. Ids not currently active are ignored.
func (m *Manager) PageOut(ctx context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if err := m.pageOutOneLocked(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) pageOutOneLocked(ctx context.Context, id string) error {
	item, ok := m.active[id]
	if !ok {
		return nil
	}
	if m.archival != nil {
		if err := m.archival.Put(ctx, id, item.Content); err != nil {
			return err
		}
	}
	delete(m.active, id)
	m.removeFromOrderLocked(id)
	m.stats.PageOuts++
	m.logger.Debug(ctx, "memory: paged out item", "id", id, "priority", item.Priority)
	m.metrics.IncCounter("memory.page_outs", 1, "id", id)
	return nil
}

// SearchAndPageIn locates up to k archival items matching query and moves
// them into active, paging out further victims as needed to satisfy the
// budget.
func (m *Manager) SearchAndPageIn(ctx context.Context, query string, k int) ([]string, error) {
	if m.archival == nil || k <= 0 {
		return nil, nil
	}
	ids, err := m.archival.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	pagedIn := make([]string, 0, len(ids))
	for _, id := range ids {
		data, found, err := m.archival.Get(ctx, id)
		if err != nil {
			return pagedIn, err
		}
		if !found {
			continue
		}
		m.mu.Lock()
		m.active[id] = &Item{
			ID:            id,
			Content:       data,
			Priority:      5,
			LastAccess:    time.Now(),
			EstimatedSize: len(data),
			Tier:          TierActive,
		}
		m.order = append(m.order, id)
		m.stats.PageIns++
		err = m.enforceBudgetLocked(ctx)
		m.mu.Unlock()
		if err != nil {
			return pagedIn, err
		}
		pagedIn = append(pagedIn, id)
	}
	return pagedIn, nil
}

// ReadActive returns active items in insertion order, suitable for
// prompt assembly.
func (m *Manager) ReadActive() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, 0, len(m.order))
	for _, id := range m.order {
		if it, ok := m.active[id]; ok {
			out = append(out, *it)
		}
	}
	return out
}

// Stats returns a snapshot of usage counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.ActiveCount = len(m.active)
	s.ArchivalCount = -1 // archival size is owned by the external store
	for _, it := range m.active {
		s.ActiveBytes += it.EstimatedSize
	}
	return s
}

func (m *Manager) removeFromOrderLocked(id string) {
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *Manager) removeFromArchivalLocked(id string) {
	// Archival deletion-on-reactivation is intentionally not performed:
	// the archival store is allowed to retain a copy after page-in, since
	// the contract in spec §4.3 only requires "every id in exactly one
	// tier" for the manager's own bookkeeping, not for the backing store.
	_ = id
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 10 {
		return 10
	}
	return p
}

// enforceBudgetLocked pages out victims, highest composite score first,
// until sum(active sizes) <= budget. Must be called with m.mu held.
func (m *Manager) enforceBudgetLocked(ctx context.Context) error {
	if m.budget <= 0 {
		return nil
	}
	for m.totalActiveSizeLocked() > m.budget {
		victim := m.selectVictimLocked()
		if victim == "" {
			return nil // nothing left to evict; budget cannot be satisfied
		}
		if err := m.pageOutOneLocked(ctx, victim); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) totalActiveSizeLocked() int {
	total := 0
	for _, it := range m.active {
		total += it.EstimatedSize
	}
	return total
}

// selectVictimLocked picks the active id with the highest eviction score
// (least recent, lowest priority), breaking ties by oldest LastAccess
// and then by lexicographically smallest id, matching spec §4.3's total
// order requirement.
func (m *Manager) selectVictimLocked() string {
	if len(m.active) == 0 {
		return ""
	}

	var oldest, newest time.Time
	first := true
	for _, it := range m.active {
		if first || it.LastAccess.Before(oldest) {
			oldest = it.LastAccess
		}
		if first || it.LastAccess.After(newest) {
			newest = it.LastAccess
		}
		first = false
	}
	span := newest.Sub(oldest)

	type scored struct {
		id    string
		score float64
		last  time.Time
	}
	candidates := make([]scored, 0, len(m.active))
	for id, it := range m.active {
		recency := 1.0 // least recent => closer to 1
		if span > 0 {
			recency = 1 - float64(it.LastAccess.Sub(oldest))/float64(span)
		}
		priorityTerm := 1 - float64(it.Priority)/10
		score := m.weights.LRU*recency + m.weights.Priority*priorityTerm
		candidates = append(candidates, scored{id: id, score: score, last: it.LastAccess})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if !candidates[i].last.Equal(candidates[j].last) {
			return candidates[i].last.Before(candidates[j].last)
		}
		return candidates[i].id < candidates[j].id
	})
	return candidates[0].id
}
