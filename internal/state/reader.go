package state

import (
	"sort"
	"time"
)

// WorkerRecord is a snapshot of one worker record.
type WorkerRecord struct {
	ID        int
	GroupID   int
	JobCount  int64
	JobWeight int64
	Ready     bool
	UpdatedAt time.Time
	PID       int
}

// GroupRecord is a snapshot of one group record.
type GroupRecord struct {
	ID            int
	IDs           IDRange
	ActiveWorkers int
	QueueDepth    int
	PendingWeight int64
	MinWorkers    int
	MaxWorkers    int
}

// GroupMetrics aggregates a group record with the records of its workers.
type GroupMetrics struct {
	GroupRecord
	// ReadyWorkers counts live workers with the ready flag set.
	ReadyWorkers int
	// JobCount and JobWeight sum the in-flight jobs of the group's workers.
	JobCount  int64
	JobWeight int64
}

// Reader serves getters from a local snapshot of the segment. Call Update
// before trusting any getter. A Reader is not safe for concurrent use.
type Reader struct {
	s       *Storage
	workers map[int]WorkerRecord
	groups  map[int]GroupRecord
}

// Reader returns a reader with an empty snapshot.
func (s *Storage) Reader() *Reader {
	return &Reader{
		s:       s,
		workers: make(map[int]WorkerRecord),
		groups:  make(map[int]GroupRecord),
	}
}

// Update re-reads the segment into the local snapshot.
func (r *Reader) Update() {
	a := r.s.a
	clear(r.workers)
	clear(r.groups)

	for id := 1; id <= r.s.layout.WorkerSlots; id++ {
		base, _ := r.s.workerBase(id)
		if a.load(base+wID) != int64(id) {
			continue
		}
		r.workers[id] = WorkerRecord{
			ID:        id,
			GroupID:   int(a.load(base + wGroup)),
			JobCount:  a.load(base + wJobCount),
			JobWeight: a.load(base + wJobWeight),
			Ready:     a.load(base+wReady) == 1,
			UpdatedAt: time.Unix(0, a.load(base+wUpdatedAt)),
			PID:       int(a.load(base + wPID)),
		}
	}

	for id := 1; id <= r.s.layout.GroupSlots; id++ {
		base, _ := r.s.groupBase(id)
		if a.load(base+gID) != int64(id) {
			continue
		}
		r.groups[id] = GroupRecord{
			ID:            id,
			IDs:           IDRange{Low: int(a.load(base + gLow)), High: int(a.load(base + gHigh))},
			ActiveWorkers: int(a.load(base + gActive)),
			QueueDepth:    int(a.load(base + gQueueDepth)),
			PendingWeight: a.load(base + gPendingWeight),
			MinWorkers:    int(a.load(base + gMin)),
			MaxWorkers:    int(a.load(base + gMax)),
		}
	}
}

// Worker returns the snapshot of worker id.
func (r *Reader) Worker(id int) (WorkerRecord, bool) {
	rec, ok := r.workers[id]
	return rec, ok
}

// Workers returns every live worker record ordered by id.
func (r *Reader) Workers() []WorkerRecord {
	out := make([]WorkerRecord, 0, len(r.workers))
	for _, rec := range r.workers {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WorkersInGroup returns the live worker records of a group ordered by id.
func (r *Reader) WorkersInGroup(groupID int) []WorkerRecord {
	var out []WorkerRecord
	for _, rec := range r.Workers() {
		if rec.GroupID == groupID {
			out = append(out, rec)
		}
	}
	return out
}

// JobCount returns the in-flight job count of worker id.
func (r *Reader) JobCount(id int) int64 { return r.workers[id].JobCount }

// JobWeight returns the in-flight job weight of worker id.
func (r *Reader) JobWeight(id int) int64 { return r.workers[id].JobWeight }

// IsReady reports whether worker id accepts jobs.
func (r *Reader) IsReady(id int) bool { return r.workers[id].Ready }

// Group returns the snapshot of group id.
func (r *Reader) Group(id int) (GroupRecord, bool) {
	rec, ok := r.groups[id]
	return rec, ok
}

// GetGroupsState returns the worker id range of every recorded group.
func (r *Reader) GetGroupsState() map[int]IDRange {
	out := make(map[int]IDRange, len(r.groups))
	for id, g := range r.groups {
		out[id] = g.IDs
	}
	return out
}

// GroupMetrics aggregates group id with its workers' records.
func (r *Reader) GroupMetrics(id int) (GroupMetrics, bool) {
	g, ok := r.groups[id]
	if !ok {
		return GroupMetrics{}, false
	}
	m := GroupMetrics{GroupRecord: g}
	for _, w := range r.workers {
		if w.GroupID != id {
			continue
		}
		m.JobCount += w.JobCount
		m.JobWeight += w.JobWeight
		if w.Ready {
			m.ReadyWorkers++
		}
	}
	return m, true
}
