package scaling

import (
	"sort"
	"sync"

	"github.com/Iron-Ham/forkpool/internal/state"
)

// GroupDecision is a Decision attributed to a group.
type GroupDecision struct {
	Decision
	GroupID int
	Group   string
	Metrics Metrics
}

type registration struct {
	name     string
	strategy Strategy
}

// Monitor evaluates the scaling strategy of every registered group against
// one snapshot of the shared state segment.
type Monitor struct {
	mu     sync.Mutex
	groups map[int]registration
}

// NewMonitor creates an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{groups: make(map[int]registration)}
}

// Register adds a group. A nil strategy is treated as Fixed.
func (m *Monitor) Register(groupID int, name string, strategy Strategy) {
	if strategy == nil {
		strategy = Fixed{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[groupID] = registration{name: name, strategy: strategy}
}

// Evaluate refreshes r and returns the non-none decisions, ordered by group
// id.
func (m *Monitor) Evaluate(r *state.Reader) []GroupDecision {
	m.mu.Lock()
	ids := make([]int, 0, len(m.groups))
	for id := range m.groups {
		ids = append(ids, id)
	}
	groups := make(map[int]registration, len(m.groups))
	for id, reg := range m.groups {
		groups[id] = reg
	}
	m.mu.Unlock()
	sort.Ints(ids)

	r.Update()

	var out []GroupDecision
	for _, id := range ids {
		gm, ok := r.GroupMetrics(id)
		if !ok {
			continue
		}
		metrics := MetricsFromState(gm)
		reg := groups[id]
		d := reg.strategy.Evaluate(metrics)
		if d.Action == ActionNone {
			continue
		}
		out = append(out, GroupDecision{Decision: d, GroupID: id, Group: reg.name, Metrics: metrics})
	}
	return out
}

// MetricsFromState converts a state snapshot into strategy input.
func MetricsFromState(gm state.GroupMetrics) Metrics {
	return Metrics{
		GroupID:       gm.ID,
		ActiveWorkers: gm.ActiveWorkers,
		ReadyWorkers:  gm.ReadyWorkers,
		QueueDepth:    gm.QueueDepth,
		PendingWeight: gm.PendingWeight,
		JobCount:      gm.JobCount,
		JobWeight:     gm.JobWeight,
		MinWorkers:    gm.MinWorkers,
		MaxWorkers:    gm.MaxWorkers,
	}
}
