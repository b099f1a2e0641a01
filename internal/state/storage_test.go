package state

import (
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/forkpool/internal/errors"
)

func newShared(t *testing.T, layout Layout) *Storage {
	t.Helper()
	path := ""
	if SharedMemorySupported {
		path = filepath.Join(t.TempDir(), "state")
	}
	s, err := Create(path, layout)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueueDequeue(t *testing.T) {
	s := newShared(t, Layout{WorkerSlots: 4, GroupSlots: 1})
	w, err := s.Worker(1)
	require.NoError(t, err)
	w.Init(1, 100)

	r := s.Reader()

	w.JobEnqueued(100, true)
	r.Update()
	assert.Equal(t, int64(1), r.JobCount(1))
	assert.Equal(t, int64(100), r.JobWeight(1))
	assert.True(t, r.IsReady(1))

	w.JobDequeued(100, true)
	r.Update()
	assert.Equal(t, int64(0), r.JobCount(1))
	assert.Equal(t, int64(0), r.JobWeight(1))
}

func TestPairedSequencesReturnToZero(t *testing.T) {
	s := newShared(t, Layout{WorkerSlots: 1, GroupSlots: 1})
	w, err := s.Worker(1)
	require.NoError(t, err)
	w.Init(1, 0)
	r := s.Reader()

	rng := rand.New(rand.NewSource(7))
	var open []int64
	var wantCount, wantWeight int64

	for step := 0; step < 500; step++ {
		if len(open) == 0 || rng.Intn(2) == 0 {
			weight := int64(rng.Intn(50))
			w.JobEnqueued(weight, true)
			open = append(open, weight)
			wantCount++
			wantWeight += weight
		} else {
			i := rng.Intn(len(open))
			weight := open[i]
			open = append(open[:i], open[i+1:]...)
			w.JobDequeued(weight, true)
			wantCount--
			wantWeight -= weight
		}

		r.Update()
		require.Equal(t, wantCount, r.JobCount(1), "step %d", step)
		require.Equal(t, wantWeight, r.JobWeight(1), "step %d", step)
	}

	for _, weight := range open {
		w.JobDequeued(weight, true)
	}
	r.Update()
	assert.Zero(t, r.JobCount(1))
	assert.Zero(t, r.JobWeight(1))
}

func TestDequeueNeverNegative(t *testing.T) {
	s := newShared(t, Layout{WorkerSlots: 1, GroupSlots: 1})
	w, _ := s.Worker(1)
	w.Init(1, 0)

	w.JobDequeued(10, false)

	r := s.Reader()
	r.Update()
	assert.Zero(t, r.JobCount(1))
	assert.Zero(t, r.JobWeight(1))
	assert.False(t, r.IsReady(1))
}

func TestConcurrentDequeueSameRecord(t *testing.T) {
	s := newShared(t, Layout{WorkerSlots: 1, GroupSlots: 1})
	w, err := s.Worker(1)
	require.NoError(t, err)
	w.Init(1, 0)

	const (
		dequeuers = 8
		perWorker = 20000
		extra     = 20000
	)
	for i := 0; i < dequeuers*perWorker; i++ {
		w.JobEnqueued(3, true)
	}

	var wg sync.WaitGroup
	for g := 0; g < dequeuers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				w.JobDequeued(3, true)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < extra; i++ {
			w.JobEnqueued(5, true)
		}
	}()
	wg.Wait()

	r := s.Reader()
	r.Update()
	assert.Equal(t, int64(extra), r.JobCount(1))
	assert.Equal(t, int64(extra*5), r.JobWeight(1))

	for i := 0; i < extra; i++ {
		w.JobDequeued(5, true)
	}
	r.Update()
	assert.Zero(t, r.JobCount(1))
	assert.Zero(t, r.JobWeight(1))
}

func TestGroupsStateRoundTrip(t *testing.T) {
	if !SharedMemorySupported {
		t.Skip("shared segments are not supported on this platform")
	}
	s := newShared(t, Layout{WorkerSlots: 6, GroupSlots: 3})

	want := map[int]IDRange{
		1: {1, 2},
		2: {3, 3},
		3: {4, 6},
	}
	for id, r := range want {
		require.NoError(t, s.SetWorkerGroupState(id, r.Low, r.High))
	}

	other, err := Open(s.Path())
	require.NoError(t, err)
	defer other.Close()

	r := other.Reader()
	assert.Empty(t, r.GetGroupsState(), "getters serve the snapshot until Update")
	r.Update()
	assert.Equal(t, want, r.GetGroupsState())
	assert.Equal(t, s.Layout(), other.Layout())
}

func TestSetGroupsState(t *testing.T) {
	s := newShared(t, Layout{WorkerSlots: 6, GroupSlots: 3})
	want := map[int]IDRange{1: {1, 2}, 2: {3, 3}, 3: {4, 6}}
	require.NoError(t, s.SetGroupsState(want))

	r := s.Reader()
	r.Update()
	assert.Equal(t, want, r.GetGroupsState())
}

func TestCrossHandleVisibility(t *testing.T) {
	if !SharedMemorySupported {
		t.Skip("shared segments are not supported on this platform")
	}
	s := newShared(t, Layout{WorkerSlots: 3, GroupSlots: 1})

	child, err := Open(s.Path())
	require.NoError(t, err)
	defer child.Close()

	w, err := child.Worker(2)
	require.NoError(t, err)
	w.Init(1, 4242)
	w.WorkerReady()
	w.JobEnqueued(7, true)

	r := s.Reader()
	r.Update()
	rec, ok := r.Worker(2)
	require.True(t, ok)
	assert.Equal(t, 1, rec.GroupID)
	assert.Equal(t, 4242, rec.PID)
	assert.Equal(t, int64(7), rec.JobWeight)
	assert.False(t, rec.UpdatedAt.IsZero())

	_, ok = r.Worker(1)
	assert.False(t, ok, "unclaimed slot must not appear live")
}

func TestInitClearsPreviousHolder(t *testing.T) {
	s := newShared(t, Layout{WorkerSlots: 2, GroupSlots: 1})
	w, _ := s.Worker(1)
	w.Init(1, 10)
	w.JobEnqueued(50, true)

	w.Init(1, 11)

	r := s.Reader()
	r.Update()
	rec, ok := r.Worker(1)
	require.True(t, ok)
	assert.Zero(t, rec.JobCount)
	assert.Zero(t, rec.JobWeight)
	assert.False(t, rec.Ready)
	assert.Equal(t, 11, rec.PID)

	w.Clear()
	r.Update()
	_, ok = r.Worker(1)
	assert.False(t, ok)
}

func TestGroupMetrics(t *testing.T) {
	s := newShared(t, Layout{WorkerSlots: 4, GroupSlots: 2})
	require.NoError(t, s.SetWorkerGroupState(1, 1, 2))
	require.NoError(t, s.SetWorkerGroupState(2, 3, 4))
	require.NoError(t, s.SetGroupBounds(1, 1, 2))
	require.NoError(t, s.SetGroupActive(1, 2))
	require.NoError(t, s.SetGroupQueue(1, 3, 30))

	for id := 1; id <= 3; id++ {
		w, _ := s.Worker(id)
		group := 1
		if id == 3 {
			group = 2
		}
		w.Init(group, 0)
		w.JobEnqueued(int64(id*10), id != 2)
	}

	r := s.Reader()
	r.Update()
	m, ok := r.GroupMetrics(1)
	require.True(t, ok)
	assert.Equal(t, 2, m.ActiveWorkers)
	assert.Equal(t, 3, m.QueueDepth)
	assert.Equal(t, int64(30), m.PendingWeight)
	assert.Equal(t, 1, m.MinWorkers)
	assert.Equal(t, 2, m.MaxWorkers)
	assert.Equal(t, 1, m.ReadyWorkers)
	assert.Equal(t, int64(2), m.JobCount)
	assert.Equal(t, int64(30), m.JobWeight)

	assert.Len(t, r.WorkersInGroup(2), 1)
	_, ok = r.GroupMetrics(9)
	assert.False(t, ok)
}

func TestBounds(t *testing.T) {
	s := newShared(t, Layout{WorkerSlots: 2, GroupSlots: 1})

	tests := []struct {
		name string
		err  error
	}{
		{"worker zero", func() error { _, err := s.Worker(0); return err }()},
		{"worker past end", func() error { _, err := s.Worker(3); return err }()},
		{"group past end", s.SetWorkerGroupState(2, 1, 1)},
		{"range past end", s.SetWorkerGroupState(1, 1, 3)},
		{"inverted range", s.SetWorkerGroupState(1, 2, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, errors.ErrInvalidInput)
		})
	}

	_, err := Create("", Layout{})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	s := newShared(t, Layout{WorkerSlots: 8, GroupSlots: 1})

	var wg sync.WaitGroup
	for id := 1; id <= 8; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w, _ := s.Worker(id)
			w.Init(1, id)
			for i := 0; i < 1000; i++ {
				w.JobEnqueued(3, true)
				w.JobDequeued(3, true)
			}
		}(id)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r := s.Reader()
		for i := 0; i < 200; i++ {
			r.Update()
			for _, rec := range r.Workers() {
				if rec.JobCount < 0 || rec.JobCount > 1 || rec.JobWeight < 0 || rec.JobWeight > 3 {
					t.Errorf("torn record: %+v", rec)
					return
				}
			}
		}
	}()

	wg.Wait()
	<-done

	r := s.Reader()
	r.Update()
	for _, rec := range r.Workers() {
		assert.Zero(t, rec.JobCount)
		assert.Zero(t, rec.JobWeight)
	}
}
