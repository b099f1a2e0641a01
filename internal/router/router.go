// Package router picks the worker that executes each job and tracks the
// job until its result arrives.
//
// Candidates are the workers of the job's allowed groups plus its allowed
// worker ids, or every JOB worker when the job is unrestricted. Among ready
// candidates the least loaded one wins; load is read from the shared state
// segment, which the workers themselves keep current. Jobs dispatched but
// not yet visible in a worker's record are added to that worker's load so a
// burst of submissions spreads out between snapshot refreshes.
//
// When no candidate is ready a job is queued by priority, or refused when it
// was submitted with ipc.Immediately. Queued jobs are dispatched by Pump.
package router

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/ipc"
	"github.com/Iron-Ham/forkpool/internal/logging"
	"github.com/Iron-Ham/forkpool/internal/state"
)

// Route describes one worker group to the router.
type Route struct {
	ID   int
	Name string
	Kind string
	IDs  state.IDRange
}

// Dispatcher carries messages to workers.
type Dispatcher interface {
	// Dispatch hands env to workerID. An error makes the router try another
	// worker.
	Dispatch(workerID int, env ipc.JobEnvelope) error
	// Deliver hands the result of an awaited job to the worker that
	// submitted it.
	Deliver(workerID int, res ipc.JobResult) error
}

// Load is a candidate's current load as seen by the router.
type Load struct {
	WorkerID int
	Weight   int64
	Count    int64
}

// TieBreak reports whether a is less loaded than b.
type TieBreak func(a, b Load) bool

// LeastWeight prefers the lowest job weight, then the lowest job count,
// then the lowest worker id.
func LeastWeight(a, b Load) bool {
	if a.Weight != b.Weight {
		return a.Weight < b.Weight
	}
	if a.Count != b.Count {
		return a.Count < b.Count
	}
	return a.WorkerID < b.WorkerID
}

// LeastCount prefers the lowest job count, then the lowest job weight,
// then the lowest worker id.
func LeastCount(a, b Load) bool {
	if a.Count != b.Count {
		return a.Count < b.Count
	}
	if a.Weight != b.Weight {
		return a.Weight < b.Weight
	}
	return a.WorkerID < b.WorkerID
}

// Tie-break policy names.
const (
	TieBreakWeight = "weight"
	TieBreakCount  = "count"
)

// TieBreakByName returns the policy called name. An empty name selects
// LeastWeight.
func TieBreakByName(name string) (TieBreak, error) {
	switch name {
	case "", TieBreakWeight:
		return LeastWeight, nil
	case TieBreakCount:
		return LeastCount, nil
	default:
		return nil, errors.NewValidationError("unknown tie-break policy").WithField("router.tie_break").WithValue(name)
	}
}

// Option configures a Router.
type Option func(*Router)

// WithQueueLimit bounds the number of queued jobs. Zero means unbounded.
func WithQueueLimit(n int) Option {
	return func(r *Router) {
		if n >= 0 {
			r.queueLimit = n
		}
	}
}

// WithTieBreak sets the load comparison.
func WithTieBreak(tb TieBreak) Option {
	return func(r *Router) {
		if tb != nil {
			r.tieBreak = tb
		}
	}
}

// WithLogger sets the router's logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// job is a job the router is responsible for until its result arrives.
type job struct {
	env          ipc.JobEnvelope
	future       *ipc.Future
	excluded     map[int]struct{}
	target       int
	dispatchedAt time.Time
}

func (j *job) exclude(workerID int) {
	if j.excluded == nil {
		j.excluded = make(map[int]struct{})
	}
	j.excluded[workerID] = struct{}{}
}

// Stats is a point-in-time view of the router.
type Stats struct {
	Queued  int
	Pending int
}

// Router routes jobs. It is safe for concurrent use.
type Router struct {
	storage    *state.Storage
	dispatcher Dispatcher
	routes     map[int]Route
	order      []int
	tieBreak   TieBreak
	queueLimit int
	logger     *logging.Logger
	now        func() time.Time

	mu        sync.Mutex
	reader    *state.Reader
	queue     queue
	pending   map[string]*job
	suspended map[int]struct{}
	closed    bool
}

// New creates a router over the groups in routes.
func New(storage *state.Storage, routes []Route, d Dispatcher, opts ...Option) *Router {
	r := &Router{
		storage:    storage,
		dispatcher: d,
		routes:     make(map[int]Route, len(routes)),
		tieBreak:   LeastWeight,
		logger:     logging.NopLogger(),
		now:        time.Now,
		reader:     storage.Reader(),
		pending:    make(map[string]*job),
		suspended:  make(map[int]struct{}),
	}
	for _, rt := range routes {
		r.routes[rt.ID] = rt
		r.order = append(r.order, rt.ID)
	}
	sort.Ints(r.order)
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("router")
	return r
}

// Submit routes env. The returned future is non-nil only for jobs the pool
// itself awaits (AwaitResult with no origin worker); results of jobs
// submitted by workers are delivered to them through the Dispatcher.
func (r *Router) Submit(env ipc.JobEnvelope) (*ipc.Future, error) {
	if env.Weight < 0 {
		return nil, errors.NewValidationError("job weight must not be negative").WithField("weight").WithValue(env.Weight)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.NewJobError("pool is stopping", errors.ErrPoolStopped).WithJobID(env.ID).WithRetryable(false)
	}
	if err := r.validate(env); err != nil {
		return nil, err
	}

	j := &job{env: env}
	if env.AwaitResult && env.OriginWorker == 0 {
		j.future = ipc.NewFuture(env.ID)
	}

	r.reader.Update()
	if r.tryDispatch(j) {
		return j.future, nil
	}
	if env.Immediate {
		return nil, errors.NewJobError("no candidate worker is ready", errors.ErrNoReadyWorker).WithJobID(env.ID)
	}
	if r.queueLimit > 0 && r.queue.len() >= r.queueLimit {
		return nil, errors.NewJobError(fmt.Sprintf("%d jobs already queued", r.queue.len()), errors.ErrQueueFull).WithJobID(env.ID)
	}
	r.queue.push(j)
	r.publishQueue()
	r.logger.Debug("job queued", "job_id", env.ID, "priority", env.Priority, "queued", r.queue.len())
	return j.future, nil
}

// Complete processes a result reported by a worker. A rejection re-routes
// the job to another worker.
func (r *Router) Complete(res ipc.JobResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.pending[res.JobID]
	if !ok {
		r.logger.Debug("result for unknown job", "job_id", res.JobID, "worker_id", res.WorkerID)
		return
	}
	delete(r.pending, res.JobID)

	if res.Kind == ipc.ResultRejected && !r.closed {
		j.exclude(res.WorkerID)
		r.reader.Update()
		if !r.tryDispatch(j) {
			if j.env.Immediate {
				r.fail(j, errors.NewJobError("no candidate worker is ready", errors.ErrNoReadyWorker).WithJobID(j.env.ID))
			} else {
				r.queue.push(j)
				r.publishQueue()
			}
		}
		return
	}

	r.finish(j, res)
	r.pumpLocked()
}

// Pump dispatches queued jobs that have a ready candidate and returns how
// many were dispatched.
func (r *Router) Pump() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pumpLocked()
}

// Suspend stops routing new jobs to workerID until WorkerLost is called
// for it. The pool suspends workers it is shutting down.
func (r *Router) Suspend(workerID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspended[workerID] = struct{}{}
}

// WorkerLost fails every job dispatched to workerID with ErrWorkerLost and
// returns how many were failed.
func (r *Router) WorkerLost(workerID int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.suspended, workerID)
	n := 0
	for id, j := range r.pending {
		if j.target != workerID {
			continue
		}
		delete(r.pending, id)
		r.fail(j, errors.NewJobError("worker lost before responding", errors.ErrWorkerLost).WithJobID(id).WithWorkerID(workerID))
		n++
	}
	return n
}

// Close refuses further submissions and fails queued jobs with cause.
// Jobs already dispatched still complete.
func (r *Router) Close(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for _, j := range r.queue.drain() {
		r.fail(j, errors.NewJobError("job not started", cause).WithJobID(j.env.ID))
	}
	r.publishQueue()
}

// Drain fails every queued and in-flight job with cause and refuses further
// submissions.
func (r *Router) Drain(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for _, j := range r.queue.drain() {
		r.fail(j, errors.NewJobError("job not started", cause).WithJobID(j.env.ID))
	}
	for id, j := range r.pending {
		delete(r.pending, id)
		r.fail(j, errors.NewJobError("job abandoned", cause).WithJobID(id).WithWorkerID(j.target))
	}
	r.publishQueue()
}

// Stats returns the number of queued and in-flight jobs.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Queued: r.queue.len(), Pending: len(r.pending)}
}

func (r *Router) pumpLocked() int {
	if r.queue.len() == 0 {
		return 0
	}
	r.reader.Update()

	var blocked []*queued
	n := 0
	for item := r.queue.pop(); item != nil; item = r.queue.pop() {
		if r.tryDispatch(item.job) {
			n++
			continue
		}
		if item.job.env.Immediate {
			r.fail(item.job, errors.NewJobError("no candidate worker is ready", errors.ErrNoReadyWorker).WithJobID(item.job.env.ID))
			continue
		}
		blocked = append(blocked, item)
	}
	for _, item := range blocked {
		r.queue.requeue(item)
	}
	r.publishQueue()
	return n
}

// tryDispatch sends j to the least loaded ready candidate. A worker whose
// dispatch fails is excluded and the next candidate is tried.
func (r *Router) tryDispatch(j *job) bool {
	for {
		target, ok := r.pick(j)
		if !ok {
			return false
		}
		if err := r.dispatcher.Dispatch(target, j.env); err != nil {
			r.logger.Warn("dispatch failed, rerouting", "job_id", j.env.ID, "worker_id", target, "error", err)
			j.exclude(target)
			continue
		}
		j.target = target
		j.dispatchedAt = r.now()
		r.pending[j.env.ID] = j
		return true
	}
}

func (r *Router) pick(j *job) (int, bool) {
	reserved := r.reservations()
	var best Load
	found := false
	for _, id := range r.candidates(j.env) {
		if _, skip := j.excluded[id]; skip {
			continue
		}
		if _, skip := r.suspended[id]; skip {
			continue
		}
		rec, ok := r.reader.Worker(id)
		if !ok || !rec.Ready {
			continue
		}
		load := Load{WorkerID: id, Weight: rec.JobWeight, Count: rec.JobCount}
		if extra, ok := reserved[id]; ok {
			load.Weight += extra.Weight
			load.Count += extra.Count
		}
		if !found || r.tieBreak(load, best) {
			best, found = load, true
		}
	}
	return best.WorkerID, found
}

// reservations sums, per worker, the jobs dispatched after the worker's
// record was last updated.
func (r *Router) reservations() map[int]Load {
	out := make(map[int]Load)
	for _, j := range r.pending {
		rec, ok := r.reader.Worker(j.target)
		if ok && !rec.UpdatedAt.Before(j.dispatchedAt) {
			continue
		}
		l := out[j.target]
		l.Weight += j.env.Weight
		l.Count++
		out[j.target] = l
	}
	return out
}

// candidates returns the worker ids env may run on in ascending order.
func (r *Router) candidates(env ipc.JobEnvelope) []int {
	set := make(map[int]struct{})
	add := func(rng state.IDRange) {
		for id := rng.Low; id <= rng.High; id++ {
			set[id] = struct{}{}
		}
	}
	if len(env.AllowedGroups) == 0 && len(env.AllowedWorkers) == 0 {
		for _, id := range r.order {
			if rt := r.routes[id]; rt.Kind == ipc.KindJob {
				add(rt.IDs)
			}
		}
	}
	for _, gid := range env.AllowedGroups {
		add(r.routes[gid].IDs)
	}
	for _, wid := range env.AllowedWorkers {
		set[wid] = struct{}{}
	}

	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// groupsOf returns the groups a queued job counts against.
func (r *Router) groupsOf(env ipc.JobEnvelope) []int {
	var out []int
	addGroup := func(id int) {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	if len(env.AllowedGroups) == 0 && len(env.AllowedWorkers) == 0 {
		for _, id := range r.order {
			if r.routes[id].Kind == ipc.KindJob {
				addGroup(id)
			}
		}
	}
	for _, gid := range env.AllowedGroups {
		addGroup(gid)
	}
	for _, wid := range env.AllowedWorkers {
		if gid, ok := r.groupOfWorker(wid); ok {
			addGroup(gid)
		}
	}
	return out
}

func (r *Router) groupOfWorker(workerID int) (int, bool) {
	for _, id := range r.order {
		if r.routes[id].IDs.Contains(workerID) {
			return id, true
		}
	}
	return 0, false
}

func (r *Router) validate(env ipc.JobEnvelope) error {
	for _, gid := range env.AllowedGroups {
		if _, ok := r.routes[gid]; !ok {
			return errors.NewConfigError(fmt.Sprintf("job targets undeclared group %d", gid), errors.ErrUnknownGroup).WithField("allowed_groups")
		}
	}
	for _, wid := range env.AllowedWorkers {
		if _, ok := r.groupOfWorker(wid); !ok {
			return errors.NewValidationError("job targets unknown worker").WithField("allowed_workers").WithValue(wid)
		}
	}
	if len(env.AllowedGroups) == 0 && len(env.AllowedWorkers) == 0 {
		for _, rt := range r.routes {
			if rt.Kind == ipc.KindJob {
				return nil
			}
		}
		return errors.NewConfigError("no JOB groups declared", errors.ErrNoJobGroups)
	}
	return nil
}

// publishQueue writes per-group queue depth and pending weight to the state
// segment for the scaling strategies.
func (r *Router) publishQueue() {
	depth := make(map[int]int, len(r.order))
	weight := make(map[int]int64, len(r.order))
	for _, env := range r.queue.envelopes() {
		for _, gid := range r.groupsOf(env) {
			depth[gid]++
			weight[gid] += env.Weight
		}
	}
	for _, gid := range r.order {
		if err := r.storage.SetGroupQueue(gid, depth[gid], weight[gid]); err != nil {
			r.logger.Warn("publish queue depth", "group_id", gid, "error", err)
		}
	}
}

func (r *Router) finish(j *job, res ipc.JobResult) {
	if !j.env.AwaitResult {
		if res.Error != "" {
			r.logger.Debug("unawaited job failed", "job_id", res.JobID, "worker_id", res.WorkerID, "error", res.Error)
		}
		return
	}
	if j.future != nil {
		j.future.Resolve(res.Result, ipc.ResultError(res))
		return
	}
	if err := r.dispatcher.Deliver(j.env.OriginWorker, res); err != nil {
		r.logger.Debug("result undeliverable", "job_id", res.JobID, "origin_worker", j.env.OriginWorker, "error", err)
	}
}

func (r *Router) fail(j *job, err error) {
	if j.future != nil {
		j.future.Resolve(nil, err)
		return
	}
	r.finish(j, ipc.JobResult{JobID: j.env.ID, WorkerID: j.target, Error: err.Error(), Kind: ipc.ResultKind(err)})
}
