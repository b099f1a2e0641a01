package worker

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/ipc"
	"github.com/Iron-Ham/forkpool/internal/logging"
	"github.com/Iron-Ham/forkpool/internal/state"
)

// Process exit codes reported by Main.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitConfig  = 2
)

// entryStopTimeout bounds how long a stopping worker waits for its entry
// point's Run to return after cancellation.
const entryStopTimeout = 5 * time.Second

// Config configures a Worker.
type Config struct {
	Bootstrap ipc.Bootstrap
	Channel   *ipc.Channel

	// Storage is the shared state segment. A nil Storage disables record
	// updates.
	Storage *state.Storage

	// Logger receives the worker's own diagnostics. It defaults to the
	// forwarding logger returned by Worker.Logger.
	Logger *logging.Logger

	// Entry overrides the registry lookup of the group's entry point.
	Entry EntryPoint

	// PID is recorded in the worker's state record. It defaults to the
	// current process id.
	PID int
}

// Worker is the per-process runtime. The exported methods are safe for
// concurrent use.
type Worker struct {
	boot    ipc.Bootstrap
	group   ipc.GroupInfo
	ch      *ipc.Channel
	record  *state.WorkerWriter
	pid     int
	entry   EntryPoint
	handler JobHandler
	logger  *logging.Logger
	forward *logging.Logger

	state   atomic.Int32
	closing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	inflight  map[string]context.CancelFunc
	awaiting  map[string]*ipc.Future
	transfers map[string]chan ipc.SocketTransferInfo
	sockets   map[string]*ownedListener
	jobs      conc.WaitGroup

	stopOnce sync.Once
	stopCh   chan bool

	killOnce sync.Once
	killCh   chan struct{}
	killErr  error

	stopped chan struct{}
}

// New creates a worker for cfg.Bootstrap's worker id. The entry point is
// resolved from the registry unless cfg.Entry is set.
func New(cfg Config) (*Worker, error) {
	group, ok := cfg.Bootstrap.Group()
	if !ok {
		return nil, errors.NewConfigError("worker group missing from bootstrap", errors.ErrUnknownGroup)
	}
	if cfg.Channel == nil {
		return nil, errors.NewValidationError("worker requires a channel").WithField("channel")
	}

	entry := cfg.Entry
	if entry == nil {
		factory, ok := Lookup(group.Entry)
		if !ok {
			return nil, errors.NewConfigError("unknown entry point "+group.Entry, errors.ErrInvalidInput).
				WithGroup(group.Name).WithField("entry")
		}
		entry = factory()
	}

	w := &Worker{
		boot:      cfg.Bootstrap,
		group:     group,
		ch:        cfg.Channel,
		pid:       cfg.PID,
		entry:     entry,
		ctx:       context.Background(),
		inflight:  make(map[string]context.CancelFunc),
		awaiting:  make(map[string]*ipc.Future),
		transfers: make(map[string]chan ipc.SocketTransferInfo),
		sockets:   make(map[string]*ownedListener),
		stopCh:    make(chan bool, 1),
		killCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	w.handler, _ = entry.(JobHandler)
	if w.pid == 0 {
		w.pid = os.Getpid()
	}
	if cfg.Storage != nil {
		rec, err := cfg.Storage.Worker(cfg.Bootstrap.WorkerID)
		if err != nil {
			return nil, err
		}
		w.record = rec
	}

	w.forward = logging.NewForwarding(w.forwardLog, cfg.Bootstrap.LogLevel)
	w.logger = cfg.Logger
	if w.logger == nil {
		w.logger = w.forward
	}
	w.logger = w.logger.WithComponent("worker")
	return w, nil
}

// ID returns the worker id.
func (w *Worker) ID() int { return w.boot.WorkerID }

// Group returns the worker's group.
func (w *Worker) Group() ipc.GroupInfo { return w.group }

// Bootstrap returns the bootstrap the worker was started with.
func (w *Worker) Bootstrap() ipc.Bootstrap { return w.boot }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Context returns the worker's run context. It is canceled when the worker
// stops.
func (w *Worker) Context() context.Context { return w.ctx }

// Logger returns a logger whose records are forwarded to the pool.
func (w *Worker) Logger() *logging.Logger { return w.forward }

// Run runs the worker until it stops. It returns nil after a requested
// stop and an error when the worker failed to start, lost its channel or
// its entry point crashed.
func (w *Worker) Run(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	defer close(w.stopped)
	defer w.cancel()

	if w.record != nil {
		w.record.Init(w.group.ID, w.pid)
	}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		w.pump()
	}()
	go func() {
		select {
		case <-w.ctx.Done():
			w.kill(nil)
		case <-w.stopped:
		}
	}()

	if err := w.initialize(); err != nil {
		_ = w.ch.Send(ipc.WorkerStarted{WorkerID: w.ID(), Error: err.Error()})
		w.finish(nil)
		<-pumpDone
		return errors.NewWorkerError("initialize entry point", errors.Join(errors.ErrStartFailed, err)).
			WithWorkerID(w.ID()).WithGroup(w.group.Name).WithRetryable(false)
	}

	if w.state.CompareAndSwap(int32(StateInitializing), int32(StateRunning)) && w.record != nil {
		w.record.WorkerReady()
	}
	if err := w.ch.Send(ipc.WorkerStarted{WorkerID: w.ID(), IsOK: true}); err != nil {
		w.kill(err)
	}
	w.logger.Debug("worker started", "group", w.group.Name, "pid", w.pid)

	entryDone := make(chan error, 1)
	go func() { entryDone <- w.runEntry() }()

	var result error
	for running := true; running; {
		select {
		case err := <-entryDone:
			entryDone = nil
			if err != nil && w.ctx.Err() == nil {
				result = errors.NewWorkerError("entry point failed", err).WithWorkerID(w.ID()).WithGroup(w.group.Name)
				running = false
			}
		case afterLastJob := <-w.stopCh:
			w.drain(afterLastJob)
			running = false
		case <-w.killCh:
			result = w.killErr
			running = false
		}
	}

	w.finish(entryDone)
	<-pumpDone
	return result
}

// AwaitTermination blocks until the worker is stopped or ctx ends.
func (w *Worker) AwaitTermination(ctx context.Context) error {
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.Wrap(errors.ErrTimeout, "await worker termination")
		}
		return errors.Wrap(errors.ErrCanceled, "await worker termination")
	}
}

// Stop moves the worker to Stopping. With afterLastJob the worker finishes
// its in-flight jobs first; otherwise they are canceled. Calling Stop again
// without afterLastJob cancels jobs a previous graceful Stop is waiting for.
func (w *Worker) Stop(afterLastJob bool) {
	w.mu.Lock()
	switch w.State() {
	case StateStopped:
		w.mu.Unlock()
		return
	case StateStopping:
		w.mu.Unlock()
		if !afterLastJob {
			w.cancelInflight()
		}
		return
	}
	w.state.Store(int32(StateStopping))
	w.mu.Unlock()

	if w.record != nil {
		w.record.SetReady(false)
	}
	w.stopOnce.Do(func() { w.stopCh <- afterLastJob })
}

func (w *Worker) initialize() (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = w.entry.Initialize(w) })
	if r := pc.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}

func (w *Worker) runEntry() (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = w.entry.Run(w.ctx) })
	if r := pc.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}

// kill requests an immediate stop. err is reported by Run.
func (w *Worker) kill(err error) {
	w.killOnce.Do(func() {
		w.killErr = err
		close(w.killCh)
	})
}

func (w *Worker) killed() bool {
	select {
	case <-w.killCh:
		return true
	default:
		return false
	}
}

// drain waits for in-flight jobs unless the worker is killed meanwhile.
func (w *Worker) drain(afterLastJob bool) {
	if !afterLastJob {
		w.cancelInflight()
	}
	done := make(chan struct{})
	go func() {
		w.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-w.killCh:
	}
}

func (w *Worker) cancelInflight() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, cancel := range w.inflight {
		cancel()
	}
}

// finish tears the worker down. entryDone is the pending entry result, or
// nil when the entry point already returned or never ran.
func (w *Worker) finish(entryDone <-chan error) {
	w.mu.Lock()
	if w.State() != StateStopped {
		w.state.Store(int32(StateStopping))
	}
	w.mu.Unlock()

	w.cancel()
	if entryDone != nil {
		select {
		case <-entryDone:
		case <-time.After(entryStopTimeout):
			w.logger.Warn("entry point ignored cancellation", "timeout", entryStopTimeout)
		}
	}
	w.jobs.Wait()

	w.mu.Lock()
	sockets := make([]*ownedListener, 0, len(w.sockets))
	for _, l := range w.sockets {
		sockets = append(sockets, l)
	}
	awaiting := w.awaiting
	w.awaiting = make(map[string]*ipc.Future)
	w.mu.Unlock()

	for _, l := range sockets {
		l.Close()
	}
	for id, f := range awaiting {
		f.Resolve(nil, errors.NewJobError("worker stopped before the result arrived", errors.ErrWorkerStopping).WithJobID(id))
	}

	if w.record != nil {
		w.record.Clear()
	}
	w.state.Store(int32(StateStopped))
	w.closing.Store(true)
	w.ch.Close()
	w.logger.Debug("worker stopped", "killed", w.killed())
}

// pump reads the channel until it closes.
func (w *Worker) pump() {
	for {
		msg, err := w.ch.Receive()
		if err != nil {
			if w.closing.Load() {
				return
			}
			if errors.Is(err, errors.ErrChannelClosed) {
				w.kill(errors.NewWorkerError("channel to pool lost", err).WithWorkerID(w.ID()).WithGroup(w.group.Name))
				return
			}
			w.logger.Warn("dropping undecodable message", "error", err)
			continue
		}
		w.dispatch(msg)
	}
}

func (w *Worker) dispatch(msg ipc.Message) {
	switch m := msg.(type) {
	case ipc.IpcShutdown:
		w.kill(nil)
	case ipc.Shutdown:
		w.Stop(m.AfterLastJob)
	case ipc.SoftShutdown:
		w.Stop(true)
	case ipc.Job:
		w.startJob(m.Envelope)
	case ipc.JobResult:
		w.resolve(m)
	case ipc.SocketTransferInfo:
		w.deliverTransfer(m)
	default:
		w.logger.Warn("unexpected message", "type", string(msg.MessageType()))
	}
}

func (w *Worker) forwardLog(level, msg string, fields map[string]any) error {
	return w.ch.Send(ipc.Log{Message: msg, Level: level, Context: fields})
}

// Main runs a worker to completion and returns its process exit code.
func Main(ctx context.Context, cfg Config) int {
	w, err := New(cfg)
	if err != nil {
		if cfg.Channel != nil {
			_ = cfg.Channel.Send(ipc.WorkerStarted{WorkerID: cfg.Bootstrap.WorkerID, Error: err.Error()})
			cfg.Channel.Close()
		}
		return ExitConfig
	}
	if err := w.Run(ctx); err != nil {
		return ExitFailure
	}
	return ExitOK
}
