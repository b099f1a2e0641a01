package scaling

import (
	"testing"

	"github.com/Iron-Ham/forkpool/internal/state"
)

func TestMonitor_Evaluate(t *testing.T) {
	s, err := state.Create("", state.Layout{WorkerSlots: 8, GroupSlots: 2})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer s.Close()

	// Group 1 is backed up, group 2 is idle above its minimum.
	s.SetWorkerGroupState(1, 1, 4)
	s.SetGroupBounds(1, 1, 4)
	s.SetGroupActive(1, 1)
	s.SetGroupQueue(1, 6, 60)

	s.SetWorkerGroupState(2, 5, 8)
	s.SetGroupBounds(2, 1, 4)
	s.SetGroupActive(2, 3)

	m := NewMonitor()
	m.Register(1, "jobs", NewPolicy(WithCooldownPeriod(0)))
	m.Register(2, "web", NewPolicy(WithCooldownPeriod(0)))

	decisions := m.Evaluate(s.Reader())
	if len(decisions) != 2 {
		t.Fatalf("expected 2 decisions, got %d: %+v", len(decisions), decisions)
	}

	up := decisions[0]
	if up.GroupID != 1 || up.Group != "jobs" || up.Action != ActionScaleUp || up.Delta != 3 {
		t.Errorf("unexpected group 1 decision: %+v", up)
	}
	if up.Metrics.PendingWeight != 60 {
		t.Errorf("metrics not carried: %+v", up.Metrics)
	}

	down := decisions[1]
	if down.GroupID != 2 || down.Action != ActionScaleDown || down.Delta != -1 {
		t.Errorf("unexpected group 2 decision: %+v", down)
	}
}

func TestMonitor_SkipsUnknownAndFixed(t *testing.T) {
	s, err := state.Create("", state.Layout{WorkerSlots: 2, GroupSlots: 2})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer s.Close()
	s.SetWorkerGroupState(1, 1, 2)
	s.SetGroupQueue(1, 50, 0)

	m := NewMonitor()
	m.Register(1, "jobs", nil)
	m.Register(2, "missing", NewPolicy(WithCooldownPeriod(0)))

	if got := m.Evaluate(s.Reader()); len(got) != 0 {
		t.Errorf("expected no decisions, got %+v", got)
	}
}
