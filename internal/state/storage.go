package state

import (
	"os"
	"time"

	"github.com/Iron-Ham/forkpool/internal/errors"
)

const (
	wordSize    = 8
	headerWords = 8
	recordWords = 8

	segmentMagic   = 0x666b706f6f6c3031 // "fkpool01"
	segmentVersion = 1
)

// Header word offsets.
const (
	hMagic = iota
	hVersion
	hWorkerSlots
	hGroupSlots
)

// Worker record word offsets.
const (
	wID = iota
	wGroup
	wJobCount
	wJobWeight
	wReady
	wUpdatedAt
	wPID
)

// Group record word offsets.
const (
	gID = iota
	gLow
	gHigh
	gActive
	gQueueDepth
	gPendingWeight
	gMin
	gMax
)

// Layout fixes the number of worker and group slots in a segment.
type Layout struct {
	WorkerSlots int
	GroupSlots  int
}

// Size returns the segment size in bytes.
func (l Layout) Size() int {
	return (headerWords + (l.WorkerSlots+l.GroupSlots)*recordWords) * wordSize
}

func (l Layout) validate() error {
	if l.WorkerSlots <= 0 {
		return errors.NewValidationError("worker slots must be positive").WithField("worker_slots").WithValue(l.WorkerSlots)
	}
	if l.GroupSlots <= 0 {
		return errors.NewValidationError("group slots must be positive").WithField("group_slots").WithValue(l.GroupSlots)
	}
	return nil
}

// Storage is a handle on a shared state segment. Handles opened on the same
// path in different processes observe each other's writes.
type Storage struct {
	a      *arena
	layout Layout
	path   string
	owner  bool
	now    func() time.Time
}

// Create allocates a segment for layout. With a non-empty path the segment
// is a shared file mapping that other processes can Open; the creating
// handle removes the file on Close. An empty path yields a private heap
// segment, suitable for in-process workers.
func Create(path string, layout Layout) (*Storage, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}

	var (
		a   *arena
		err error
	)
	if path == "" {
		a = newHeapArena(layout.Size() / wordSize)
	} else {
		a, err = mapFile(path, layout.Size(), true)
		if err != nil {
			return nil, err
		}
	}

	a.zero(0, len(a.words))
	a.store(hVersion, segmentVersion)
	a.store(hWorkerSlots, int64(layout.WorkerSlots))
	a.store(hGroupSlots, int64(layout.GroupSlots))
	a.store(hMagic, segmentMagic)

	return &Storage{a: a, layout: layout, path: path, owner: path != "", now: time.Now}, nil
}

// Open attaches to a segment created by another process.
func Open(path string) (*Storage, error) {
	a, err := mapFile(path, 0, false)
	if err != nil {
		return nil, err
	}
	if a.load(hMagic) != segmentMagic || a.load(hVersion) != segmentVersion {
		a.close()
		return nil, errors.NewValidationError("not a state segment").WithField("path").WithValue(path)
	}
	layout := Layout{
		WorkerSlots: int(a.load(hWorkerSlots)),
		GroupSlots:  int(a.load(hGroupSlots)),
	}
	if layout.validate() != nil || layout.Size() != len(a.words)*wordSize {
		a.close()
		return nil, errors.NewValidationError("state segment layout does not match its size").WithField("path").WithValue(path)
	}
	return &Storage{a: a, layout: layout, path: path, now: time.Now}, nil
}

// Path returns the backing file, or "" for a heap segment.
func (s *Storage) Path() string { return s.path }

// Layout returns the slot counts of the segment.
func (s *Storage) Layout() Layout { return s.layout }

// Close unmaps the segment. The creating handle also removes the file.
func (s *Storage) Close() error {
	err := s.a.close()
	if s.owner {
		if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
		s.owner = false
	}
	return err
}

func (s *Storage) workerBase(id int) (int, error) {
	if id < 1 || id > s.layout.WorkerSlots {
		return 0, errors.NewValidationError("worker id out of range").WithField("worker_id").WithValue(id)
	}
	return headerWords + (id-1)*recordWords, nil
}

func (s *Storage) groupBase(id int) (int, error) {
	if id < 1 || id > s.layout.GroupSlots {
		return 0, errors.NewValidationError("group id out of range").WithField("group_id").WithValue(id)
	}
	return headerWords + (s.layout.WorkerSlots+id-1)*recordWords, nil
}

// -----------------------------------------------------------------------------
// Worker records
// -----------------------------------------------------------------------------

// WorkerWriter mutates one worker record. Only the owning worker holds one.
type WorkerWriter struct {
	s    *Storage
	id   int
	base int
}

// Worker returns the writer for worker id's record.
func (s *Storage) Worker(id int) (*WorkerWriter, error) {
	base, err := s.workerBase(id)
	if err != nil {
		return nil, err
	}
	return &WorkerWriter{s: s, id: id, base: base}, nil
}

// ID returns the worker id the writer owns.
func (w *WorkerWriter) ID() int { return w.id }

// Init claims the record for a fresh worker. Any state left by a previous
// holder of the id is cleared first; the id word is published last so
// readers never see a half-initialized record as live.
func (w *WorkerWriter) Init(groupID, pid int) {
	a := w.s.a
	a.store(w.base+wID, 0)
	a.zero(w.base+1, recordWords-1)
	a.store(w.base+wGroup, int64(groupID))
	a.store(w.base+wPID, int64(pid))
	w.touch()
	a.store(w.base+wID, int64(w.id))
}

// Clear releases the record.
func (w *WorkerWriter) Clear() {
	w.s.a.zero(w.base, recordWords)
}

// JobEnqueued records a job of the given weight as accepted.
func (w *WorkerWriter) JobEnqueued(weight int64, ready bool) {
	a := w.s.a
	a.add(w.base+wJobCount, 1)
	a.add(w.base+wJobWeight, weight)
	w.setReady(ready)
	w.touch()
}

// JobDequeued records a job of the given weight as finished. Counters never
// drop below zero.
func (w *WorkerWriter) JobDequeued(weight int64, ready bool) {
	a := w.s.a
	a.sub(w.base+wJobCount, 1)
	a.sub(w.base+wJobWeight, weight)
	w.setReady(ready)
	w.touch()
}

// WorkerReady marks the worker as accepting jobs.
func (w *WorkerWriter) WorkerReady() {
	w.SetReady(true)
}

// SetReady updates the ready flag.
func (w *WorkerWriter) SetReady(ready bool) {
	w.setReady(ready)
	w.touch()
}

func (w *WorkerWriter) setReady(ready bool) {
	var v int64
	if ready {
		v = 1
	}
	w.s.a.store(w.base+wReady, v)
}

func (w *WorkerWriter) touch() {
	w.s.a.store(w.base+wUpdatedAt, w.s.now().UnixNano())
}

// -----------------------------------------------------------------------------
// Group table
// -----------------------------------------------------------------------------

// IDRange is the inclusive worker id range reserved for a group.
type IDRange struct {
	Low  int
	High int
}

// Contains reports whether id falls inside the range.
func (r IDRange) Contains(id int) bool {
	return id >= r.Low && id <= r.High
}

// Len returns the number of ids in the range.
func (r IDRange) Len() int {
	if r.High < r.Low {
		return 0
	}
	return r.High - r.Low + 1
}

// SetWorkerGroupState records the worker id range of a group.
func (s *Storage) SetWorkerGroupState(groupID, low, high int) error {
	base, err := s.groupBase(groupID)
	if err != nil {
		return err
	}
	if low < 1 || high < low || high > s.layout.WorkerSlots {
		return errors.NewValidationError("invalid worker id range").WithField("range").WithValue(IDRange{low, high})
	}
	s.a.store(base+gLow, int64(low))
	s.a.store(base+gHigh, int64(high))
	s.a.store(base+gID, int64(groupID))
	return nil
}

// SetGroupsState records the id ranges of several groups.
func (s *Storage) SetGroupsState(groups map[int]IDRange) error {
	for id, r := range groups {
		if err := s.SetWorkerGroupState(id, r.Low, r.High); err != nil {
			return err
		}
	}
	return nil
}

// SetGroupBounds records the configured worker bounds of a group.
func (s *Storage) SetGroupBounds(groupID, minWorkers, maxWorkers int) error {
	base, err := s.groupBase(groupID)
	if err != nil {
		return err
	}
	s.a.store(base+gMin, int64(minWorkers))
	s.a.store(base+gMax, int64(maxWorkers))
	return nil
}

// SetGroupActive records the number of live workers in a group.
func (s *Storage) SetGroupActive(groupID, active int) error {
	base, err := s.groupBase(groupID)
	if err != nil {
		return err
	}
	s.a.store(base+gActive, int64(active))
	return nil
}

// SetGroupQueue records the router backlog destined for a group.
func (s *Storage) SetGroupQueue(groupID, depth int, pendingWeight int64) error {
	base, err := s.groupBase(groupID)
	if err != nil {
		return err
	}
	s.a.store(base+gQueueDepth, int64(depth))
	s.a.store(base+gPendingWeight, pendingWeight)
	return nil
}
