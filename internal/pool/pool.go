// Package pool supervises groups of worker processes.
//
// A Pool is configured with DescribeGroup and then driven by Run, which
// spawns every group's minimum, supervises the workers until the pool stops
// and returns the reason it stopped. All supervision happens on the goroutine
// that called Run: channel pumps, exit watchers and timers hand their work to
// it as closures, so group and handle state needs no locking of its own.
//
// Messages to workers go through an ipc.Outbox per worker and never block the
// supervising loop.
package pool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/event"
	"github.com/Iron-Ham/forkpool/internal/ipc"
	"github.com/Iron-Ham/forkpool/internal/logging"
	"github.com/Iron-Ham/forkpool/internal/restart"
	"github.com/Iron-Ham/forkpool/internal/router"
	"github.com/Iron-Ham/forkpool/internal/runner"
	"github.com/Iron-Ham/forkpool/internal/scaling"
	"github.com/Iron-Ham/forkpool/internal/socket"
	"github.com/Iron-Ham/forkpool/internal/state"
)

// Process exit codes returned by ExitCode.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitConfig  = 2
)

// Pool is a supervised set of worker groups.
type Pool struct {
	opts   options
	base   *logging.Logger
	logger *logging.Logger
	bus    *event.Bus

	mu      sync.Mutex
	groups  []*group
	started bool
	handles map[int]*handle
	router  *router.Router

	events   chan func()
	loopDone chan struct{}
	loopOnce sync.Once
	runDone  chan struct{}
	pumps    conc.WaitGroup

	// Owned by the supervising loop.
	storage      *state.Storage
	reader       *state.Reader
	broker       *socket.Broker
	monitor      *scaling.Monitor
	catalogue    []ipc.GroupInfo
	tmpDir       string
	stopping     bool
	afterLastJob bool
	forced       bool
	stopWorkers  int
	failure      error
}

// New creates a pool with no groups.
func New(opts ...Option) *Pool {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	if o.runner == nil {
		o.runner, _ = runner.New("")
	}
	bus := o.bus
	if bus == nil {
		bus = event.NewBus(o.logger)
	}
	return &Pool{
		opts:     o,
		base:     o.logger,
		logger:   o.logger.WithComponent("pool"),
		bus:      bus,
		handles:  make(map[int]*handle),
		events:   make(chan func(), 64),
		loopDone: make(chan struct{}),
		runDone:  make(chan struct{}),
	}
}

// Events returns the bus pool events are published on.
func (p *Pool) Events() *event.Bus { return p.bus }

// DescribeGroup registers a group and returns its id. Ids are assigned in
// description order starting at 1. Groups cannot be described once Run has
// been called.
func (p *Pool) DescribeGroup(spec GroupSpec) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return 0, errors.NewConfigError("groups cannot change once the pool runs", errors.ErrPoolStarted).WithGroup(spec.Name)
	}
	if err := p.validateSpec(spec); err != nil {
		return 0, err
	}

	spec.JobGroups = slices.Clone(spec.JobGroups)
	spec.Listen = slices.Clone(spec.Listen)
	if spec.Restart == nil {
		spec.Restart = restart.Always{}
	}
	if spec.Scaling == nil {
		spec.Scaling = scaling.Fixed{}
	}
	if spec.Runner == nil {
		spec.Runner = p.opts.runner
	}

	g := &group{
		id:      len(p.groups) + 1,
		spec:    spec,
		handles: make(map[int]*handle),
		pending: make(map[int]struct{}),
	}
	p.groups = append(p.groups, g)
	p.logger.Debug("group described", "group", spec.Name, "group_id", g.id, "kind", spec.Kind,
		"min", spec.MinWorkers, "max", spec.MaxWorkers)
	return g.id, nil
}

// Run starts every group's minimum and supervises the workers until the pool
// stops. It returns nil after a requested shutdown, including one caused by
// ctx, and the fatal error otherwise. Run may be called once.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.NewConfigError("pool already ran", errors.ErrPoolStarted)
	}
	p.started = true
	p.mu.Unlock()
	defer close(p.runDone)
	defer p.closeLoop()

	if len(p.groups) == 0 {
		return errors.NewConfigError("no groups described", errors.ErrInvalidInput)
	}
	if err := p.setup(); err != nil {
		p.teardown()
		return err
	}
	defer p.teardown()

	p.logger.Info("pool starting", "groups", len(p.groups), "transport", p.broker.TransportName(),
		"state", p.storage.Path())
	for _, g := range p.groups {
		for i := 0; i < g.spec.MinWorkers; i++ {
			p.spawnNext(g)
		}
	}

	p.supervise(ctx)

	p.closeLoop()
	p.pumps.Wait()
	p.router.Drain(errors.ErrPoolStopped)
	p.bus.Publish(event.NewPoolStoppedEvent(!p.forced, p.stopWorkers))
	p.logger.Info("pool stopped", "graceful", !p.forced, "failed", p.failure != nil)
	return p.failure
}

// Stop asks the pool to shut down and waits for Run to return or ctx to
// end. With afterLastJob set, workers finish the jobs they hold first.
func (p *Pool) Stop(ctx context.Context, afterLastJob bool) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return errors.Wrap(errors.ErrPoolStopped, "pool is not running")
	}

	p.post(func() { p.beginStop(afterLastJob) })
	select {
	case <-p.runDone:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.Wrap(errors.ErrTimeout, "waiting for pool to stop")
		}
		return errors.Wrap(errors.ErrCanceled, "waiting for pool to stop")
	}
}

// Done is closed once Run has returned.
func (p *Pool) Done() <-chan struct{} { return p.runDone }

// SendJob submits a job on behalf of the pool itself. The returned future
// resolves with the job's result when ipc.AwaitResult is given and is
// already resolved otherwise. SendJob is safe for concurrent use.
func (p *Pool) SendJob(ctx context.Context, data []byte, opts ...ipc.JobOption) (*ipc.Future, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCanceled, "send job")
	}
	p.mu.Lock()
	r := p.router
	p.mu.Unlock()
	if r == nil {
		return nil, errors.NewPoolError("pool is not running", errors.ErrPoolStopped)
	}

	env := ipc.NewJob(data, opts...)
	fut, err := r.Submit(env)
	if err != nil {
		return nil, err
	}
	if fut == nil {
		fut = ipc.ResolvedFuture(env.ID, nil, nil)
	}
	return fut, nil
}

// SendJobImmediately is SendJob that fails with ErrNoReadyWorker instead of
// queueing.
func (p *Pool) SendJobImmediately(ctx context.Context, data []byte, opts ...ipc.JobOption) (*ipc.Future, error) {
	return p.SendJob(ctx, data, append(opts, ipc.Immediately())...)
}

// ExitCode maps the result of Run to a process exit code.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, errors.ErrCanceled) {
		return ExitOK
	}
	var cfgErr *errors.ConfigError
	if errors.As(err, &cfgErr) {
		return ExitConfig
	}
	return ExitFailure
}

// setup creates the state segment, the broker and the router.
func (p *Pool) setup() error {
	dir := p.opts.runDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "forkpool-")
		if err != nil {
			return errors.NewConfigError("create run directory", err)
		}
		dir, p.tmpDir = tmp, tmp
	}

	layout := state.Layout{GroupSlots: len(p.groups)}
	ranges := make(map[int]state.IDRange, len(p.groups))
	routes := make([]router.Route, 0, len(p.groups))
	p.monitor = scaling.NewMonitor()
	for _, g := range p.groups {
		g.ids = state.IDRange{Low: layout.WorkerSlots + 1, High: layout.WorkerSlots + g.spec.MaxWorkers}
		layout.WorkerSlots += g.spec.MaxWorkers
		ranges[g.id] = g.ids
		routes = append(routes, router.Route{ID: g.id, Name: g.spec.Name, Kind: g.spec.Kind, IDs: g.ids})
		p.catalogue = append(p.catalogue, g.info())
		p.monitor.Register(g.id, g.spec.Name, g.spec.Scaling)
	}

	path := ""
	if state.SharedMemorySupported {
		path = filepath.Join(dir, "state")
	}
	storage, err := state.Create(path, layout)
	if err != nil {
		return err
	}
	p.storage = storage
	p.reader = storage.Reader()
	if err := storage.SetGroupsState(ranges); err != nil {
		return err
	}
	for _, g := range p.groups {
		if err := storage.SetGroupBounds(g.id, g.spec.MinWorkers, g.spec.MaxWorkers); err != nil {
			return err
		}
	}

	broker, err := socket.NewBroker(p.opts.transport, dir, p.base)
	if err != nil {
		return err
	}
	p.broker = broker
	for _, g := range p.groups {
		for _, addr := range g.spec.Listen {
			bound, err := broker.Listen(addr)
			if err != nil {
				return errors.NewConfigError(fmt.Sprintf("bind %s", addr), err).WithGroup(g.spec.Name).WithField("listen")
			}
			p.logger.Info("listening", "group", g.spec.Name, "address", bound.String())
		}
	}

	r := router.New(storage, routes, dispatcher{p},
		router.WithQueueLimit(p.opts.queueLimit),
		router.WithTieBreak(p.opts.tieBreak),
		router.WithLogger(p.base),
	)
	p.mu.Lock()
	p.router = r
	p.mu.Unlock()
	return nil
}

func (p *Pool) teardown() {
	if p.broker != nil {
		if err := p.broker.Close(); err != nil {
			p.logger.Warn("close socket broker", "error", err)
		}
	}
	if p.storage != nil {
		if err := p.storage.Close(); err != nil {
			p.logger.Warn("close state segment", "error", err)
		}
	}
	if p.tmpDir != "" {
		if err := os.RemoveAll(p.tmpDir); err != nil {
			p.logger.Warn("remove run directory", "dir", p.tmpDir, "error", err)
		}
	}
}

// post hands fn to the supervising loop. It reports false once the loop has
// exited, in which case fn is dropped.
func (p *Pool) post(fn func()) bool {
	select {
	case p.events <- fn:
		return true
	case <-p.loopDone:
		return false
	}
}

func (p *Pool) closeLoop() {
	p.loopOnce.Do(func() { close(p.loopDone) })
}

func (p *Pool) lookup(workerID int) *handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[workerID]
}

func (p *Pool) groupByID(id int) *group {
	if id < 1 || id > len(p.groups) {
		return nil
	}
	return p.groups[id-1]
}

// dispatcher delivers router traffic to worker outboxes.
type dispatcher struct{ p *Pool }

func (d dispatcher) Dispatch(workerID int, env ipc.JobEnvelope) error {
	return d.p.send(workerID, ipc.Job{Envelope: env})
}

func (d dispatcher) Deliver(workerID int, res ipc.JobResult) error {
	return d.p.send(workerID, res)
}

func (p *Pool) send(workerID int, msg ipc.Message) error {
	h := p.lookup(workerID)
	if h == nil {
		return errors.NewWorkerError("worker is not running", errors.ErrWorkerLost).WithWorkerID(workerID)
	}
	return h.out.Post(msg)
}
