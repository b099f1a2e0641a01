package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/ipc"
	"github.com/Iron-Ham/forkpool/internal/state"
)

type dispatch struct {
	workerID int
	env      ipc.JobEnvelope
}

type fakeDispatcher struct {
	mu        sync.Mutex
	sent      []dispatch
	delivered []dispatchResult
	failFor   map[int]bool
}

type dispatchResult struct {
	workerID int
	res      ipc.JobResult
}

func (d *fakeDispatcher) Dispatch(workerID int, env ipc.JobEnvelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failFor[workerID] {
		return errors.ErrChannelClosed
	}
	d.sent = append(d.sent, dispatch{workerID, env})
	return nil
}

func (d *fakeDispatcher) Deliver(workerID int, res ipc.JobResult) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, dispatchResult{workerID, res})
	return nil
}

func (d *fakeDispatcher) targets() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, len(d.sent))
	for i, s := range d.sent {
		out[i] = s.workerID
	}
	return out
}

func (d *fakeDispatcher) last() dispatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent[len(d.sent)-1]
}

type fixture struct {
	storage *state.Storage
	disp    *fakeDispatcher
	router  *Router
	writers map[int]*state.WorkerWriter
}

// newFixture declares a JOB group 1 with workers 1-3, a JOB group 2 with
// worker 4 and a REACTOR group 3 with workers 5-6. No worker is live yet.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	storage, err := state.Create("", state.Layout{WorkerSlots: 6, GroupSlots: 3})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	routes := []Route{
		{ID: 1, Name: "jobs", Kind: ipc.KindJob, IDs: state.IDRange{Low: 1, High: 3}},
		{ID: 2, Name: "batch", Kind: ipc.KindJob, IDs: state.IDRange{Low: 4, High: 4}},
		{ID: 3, Name: "web", Kind: ipc.KindReactor, IDs: state.IDRange{Low: 5, High: 6}},
	}
	groups := make(map[int]state.IDRange, len(routes))
	for _, rt := range routes {
		groups[rt.ID] = rt.IDs
	}
	require.NoError(t, storage.SetGroupsState(groups))

	disp := &fakeDispatcher{failFor: map[int]bool{}}
	r := New(storage, routes, disp, opts...)
	// Records written before a dispatch are always older than it.
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	return &fixture{storage: storage, disp: disp, router: r, writers: map[int]*state.WorkerWriter{}}
}

func (f *fixture) ready(t *testing.T, groupID int, ids ...int) {
	t.Helper()
	for _, id := range ids {
		w, err := f.storage.Worker(id)
		require.NoError(t, err)
		w.Init(groupID, 1000+id)
		w.WorkerReady()
		f.writers[id] = w
	}
}

func TestLeastLoadedPick(t *testing.T) {
	tests := []struct {
		name     string
		tieBreak TieBreak
		want     int
	}{
		{"weight first", LeastWeight, 2},
		{"count first", LeastCount, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, WithTieBreak(tt.tieBreak))
			f.ready(t, 1, 1, 2, 3)
			f.writers[1].JobEnqueued(100, true)
			f.writers[2].JobEnqueued(1, true)
			f.writers[2].JobEnqueued(1, true)
			f.writers[3].JobEnqueued(50, true)

			_, err := f.router.Submit(ipc.NewJob(nil))
			require.NoError(t, err)
			assert.Equal(t, []int{tt.want}, f.disp.targets())
		})
	}
}

func TestTieBreakOnWorkerID(t *testing.T) {
	f := newFixture(t)
	f.ready(t, 1, 3, 2, 1)
	_, err := f.router.Submit(ipc.NewJob(nil, ipc.ToGroups(1)))
	require.NoError(t, err)
	assert.Equal(t, []int{1}, f.disp.targets())
}

func TestReservationsSpreadBursts(t *testing.T) {
	f := newFixture(t)
	f.ready(t, 1, 1, 2, 3)

	for i := 0; i < 6; i++ {
		_, err := f.router.Submit(ipc.NewJob(nil, ipc.ToGroups(1), ipc.WithWeight(10)))
		require.NoError(t, err)
	}
	assert.Equal(t, []int{1, 2, 3, 1, 2, 3}, f.disp.targets())
}

func TestCandidates(t *testing.T) {
	f := newFixture(t)
	f.ready(t, 1, 1)
	f.ready(t, 2, 4)
	f.ready(t, 3, 5)

	tests := []struct {
		name string
		opts []ipc.JobOption
		want []int
	}{
		{"unrestricted means every JOB worker", nil, []int{1, 2, 3, 4}},
		{"allowed groups", []ipc.JobOption{ipc.ToGroups(2)}, []int{4}},
		{"allowed workers", []ipc.JobOption{ipc.ToWorkers(5)}, []int{5}},
		{"union", []ipc.JobOption{ipc.ToGroups(2), ipc.ToWorkers(1)}, []int{1, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.router.candidates(ipc.NewJob(nil, tt.opts...))
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := f.router.Submit(ipc.NewJob(nil, ipc.ToWorkers(5)))
	require.NoError(t, err)
	assert.Equal(t, 5, f.disp.last().workerID)
}

func TestQueueing(t *testing.T) {
	f := newFixture(t, WithQueueLimit(3))

	low := ipc.NewJob([]byte("low"), ipc.ToGroups(1), ipc.WithPriority(1))
	high := ipc.NewJob([]byte("high"), ipc.ToGroups(1), ipc.WithPriority(9))
	mid := ipc.NewJob([]byte("mid"), ipc.ToGroups(1), ipc.WithPriority(5))
	for _, env := range []ipc.JobEnvelope{low, high, mid} {
		_, err := f.router.Submit(env)
		require.NoError(t, err)
	}
	assert.Equal(t, Stats{Queued: 3}, f.router.Stats())

	_, err := f.router.Submit(ipc.NewJob(nil, ipc.ToGroups(1)))
	assert.True(t, errors.Is(err, errors.ErrQueueFull), "got %v", err)

	_, err = f.router.Submit(ipc.NewJob(nil, ipc.ToGroups(1), ipc.Immediately()))
	assert.True(t, errors.Is(err, errors.ErrNoReadyWorker), "got %v", err)

	r := f.storage.Reader()
	r.Update()
	gm, ok := r.GroupMetrics(1)
	require.True(t, ok)
	assert.Equal(t, 3, gm.QueueDepth)
	assert.Equal(t, int64(3), gm.PendingWeight)

	f.ready(t, 1, 1)
	assert.Equal(t, 3, f.router.Pump())
	assert.Equal(t, Stats{Pending: 3}, f.router.Stats())

	f.disp.mu.Lock()
	var order []string
	for _, s := range f.disp.sent {
		order = append(order, string(s.env.Data))
	}
	f.disp.mu.Unlock()
	assert.Equal(t, []string{"high", "mid", "low"}, order)

	r.Update()
	gm, _ = r.GroupMetrics(1)
	assert.Zero(t, gm.QueueDepth)
}

func TestEqualPriorityIsFIFO(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for i := 0; i < 5; i++ {
		env := ipc.NewJob(nil, ipc.ToGroups(2))
		ids = append(ids, env.ID)
		_, err := f.router.Submit(env)
		require.NoError(t, err)
	}
	f.ready(t, 2, 4)
	f.router.Pump()

	f.disp.mu.Lock()
	defer f.disp.mu.Unlock()
	for i, s := range f.disp.sent {
		assert.Equal(t, ids[i], s.env.ID)
	}
}

func TestCompleteResolvesFuture(t *testing.T) {
	f := newFixture(t)
	f.ready(t, 1, 1)

	env := ipc.NewJob([]byte("q"), ipc.AwaitResult())
	fut, err := f.router.Submit(env)
	require.NoError(t, err)
	require.NotNil(t, fut)

	f.router.Complete(ipc.JobResult{JobID: env.ID, WorkerID: 1, Result: []byte("a")})
	result, err := fut.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), result)
	assert.Equal(t, Stats{}, f.router.Stats())

	failing := ipc.NewJob(nil, ipc.AwaitResult())
	fut, err = f.router.Submit(failing)
	require.NoError(t, err)
	f.router.Complete(ipc.JobResult{JobID: failing.ID, WorkerID: 1, Error: "too slow", Kind: ipc.ResultTimeLimit})
	_, err = fut.Await(context.Background())
	assert.True(t, errors.Is(err, errors.ErrJobTimeLimit))

	// Unknown results are ignored.
	f.router.Complete(ipc.JobResult{JobID: "nope"})

	fut, err = f.router.Submit(ipc.NewJob(nil))
	require.NoError(t, err)
	assert.Nil(t, fut, "fire-and-forget jobs have no future")
}

func TestRejectedJobIsRerouted(t *testing.T) {
	f := newFixture(t)
	f.ready(t, 1, 1, 2)

	env := ipc.NewJob(nil, ipc.ToGroups(1), ipc.AwaitResult())
	fut, err := f.router.Submit(env)
	require.NoError(t, err)
	require.Equal(t, 1, f.disp.last().workerID)

	f.router.Complete(ipc.JobResult{JobID: env.ID, WorkerID: 1, Kind: ipc.ResultRejected, Error: "stopping"})
	assert.Equal(t, []int{1, 2}, f.disp.targets())

	// Rejected by every candidate: the job waits in the queue.
	f.router.Complete(ipc.JobResult{JobID: env.ID, WorkerID: 2, Kind: ipc.ResultRejected, Error: "stopping"})
	assert.Equal(t, Stats{Queued: 1}, f.router.Stats())
	select {
	case <-fut.Done():
		t.Fatal("future should still be pending")
	default:
	}
}

func TestDispatchFailureReroutes(t *testing.T) {
	f := newFixture(t)
	f.ready(t, 1, 1, 2)
	f.disp.failFor[1] = true

	_, err := f.router.Submit(ipc.NewJob(nil, ipc.ToGroups(1)))
	require.NoError(t, err)
	assert.Equal(t, []int{2}, f.disp.targets())

	f.disp.failFor[2] = true
	_, err = f.router.Submit(ipc.NewJob(nil, ipc.ToGroups(1), ipc.Immediately()))
	assert.True(t, errors.Is(err, errors.ErrNoReadyWorker))
}

func TestWorkerLostFailsPendingJobs(t *testing.T) {
	f := newFixture(t)
	f.ready(t, 2, 4)

	fut, err := f.router.Submit(ipc.NewJob(nil, ipc.ToGroups(2), ipc.AwaitResult()))
	require.NoError(t, err)
	_, err = f.router.Submit(ipc.NewJob(nil, ipc.ToGroups(2)))
	require.NoError(t, err)

	assert.Equal(t, 2, f.router.WorkerLost(4))
	_, err = fut.Await(context.Background())
	assert.True(t, errors.Is(err, errors.ErrWorkerLost), "got %v", err)
	assert.Equal(t, Stats{}, f.router.Stats())
	assert.Zero(t, f.router.WorkerLost(4))
}

func TestResultsDeliveredToOriginWorker(t *testing.T) {
	f := newFixture(t)
	f.ready(t, 2, 4)

	env := ipc.NewJob([]byte("from web"), ipc.ToGroups(2), ipc.AwaitResult())
	env.OriginWorker = 5
	fut, err := f.router.Submit(env)
	require.NoError(t, err)
	assert.Nil(t, fut)

	f.router.Complete(ipc.JobResult{JobID: env.ID, WorkerID: 4, Result: []byte("ok")})
	f.disp.mu.Lock()
	defer f.disp.mu.Unlock()
	require.Len(t, f.disp.delivered, 1)
	assert.Equal(t, 5, f.disp.delivered[0].workerID)
	assert.Equal(t, []byte("ok"), f.disp.delivered[0].res.Result)
}

func TestSuspend(t *testing.T) {
	f := newFixture(t)
	f.ready(t, 1, 1, 2)
	f.router.Suspend(1)

	_, err := f.router.Submit(ipc.NewJob(nil, ipc.ToGroups(1)))
	require.NoError(t, err)
	assert.Equal(t, []int{2}, f.disp.targets())

	f.router.WorkerLost(1)
	_, err = f.router.Submit(ipc.NewJob(nil, ipc.ToWorkers(1)))
	require.NoError(t, err)
	assert.Equal(t, 1, f.disp.last().workerID)
}

func TestValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.Submit(ipc.NewJob(nil, ipc.ToGroups(9)))
	assert.True(t, errors.Is(err, errors.ErrUnknownGroup))

	_, err = f.router.Submit(ipc.NewJob(nil, ipc.ToWorkers(42)))
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	_, err = f.router.Submit(ipc.NewJob(nil, ipc.WithWeight(-1)))
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	storage, err := state.Create("", state.Layout{WorkerSlots: 1, GroupSlots: 1})
	require.NoError(t, err)
	defer storage.Close()
	reactorsOnly := New(storage, []Route{{ID: 1, Kind: ipc.KindReactor, IDs: state.IDRange{Low: 1, High: 1}}}, &fakeDispatcher{})
	_, err = reactorsOnly.Submit(ipc.NewJob(nil))
	assert.True(t, errors.Is(err, errors.ErrNoJobGroups))
}

func TestDrain(t *testing.T) {
	f := newFixture(t)
	f.ready(t, 2, 4)

	inflight, err := f.router.Submit(ipc.NewJob(nil, ipc.ToGroups(2), ipc.AwaitResult()))
	require.NoError(t, err)
	queued, err := f.router.Submit(ipc.NewJob(nil, ipc.ToGroups(1), ipc.AwaitResult()))
	require.NoError(t, err)

	f.router.Drain(errors.ErrPoolStopped)
	for _, fut := range []*ipc.Future{inflight, queued} {
		_, err := fut.Await(context.Background())
		assert.True(t, errors.Is(err, errors.ErrPoolStopped))
	}

	_, err = f.router.Submit(ipc.NewJob(nil))
	assert.True(t, errors.Is(err, errors.ErrPoolStopped))
}

func TestConcurrentSubmit(t *testing.T) {
	f := newFixture(t)
	f.ready(t, 1, 1, 2, 3)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			env := ipc.NewJob([]byte(fmt.Sprint(n)), ipc.ToGroups(1), ipc.AwaitResult())
			_, err := f.router.Submit(env)
			assert.NoError(t, err)
			f.router.Complete(ipc.JobResult{JobID: env.ID, WorkerID: 1})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, Stats{}, f.router.Stats())
}

func TestTieBreakByName(t *testing.T) {
	for _, name := range []string{"", TieBreakWeight, TieBreakCount} {
		tb, err := TieBreakByName(name)
		require.NoError(t, err, name)
		assert.NotNil(t, tb)
	}
	_, err := TieBreakByName("random")
	assert.Error(t, err)
}

func TestCloseKeepsInflightJobs(t *testing.T) {
	f := newFixture(t)
	f.ready(t, 2, 4)

	env := ipc.NewJob(nil, ipc.ToGroups(2), ipc.AwaitResult())
	inflight, err := f.router.Submit(env)
	require.NoError(t, err)
	queued, err := f.router.Submit(ipc.NewJob(nil, ipc.ToGroups(1), ipc.AwaitResult()))
	require.NoError(t, err)

	f.router.Close(errors.ErrPoolStopped)
	_, err = queued.Await(context.Background())
	assert.True(t, errors.Is(err, errors.ErrPoolStopped))
	assert.Equal(t, Stats{Pending: 1}, f.router.Stats())

	f.router.Complete(ipc.JobResult{JobID: env.ID, WorkerID: 4, Result: []byte("done")})
	result, err := inflight.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), result)
}
