// Package runner starts worker processes and connects them to the pool.
//
// A [Runner] turns a bootstrap into a running worker and a channel to it.
// The worker reports WorkerStarted over that channel once initialized; the
// pool treats a missing or negative handshake, an abnormal exit and a lost
// channel alike, as a crash.
//
// Two runners exist:
//   - [ExecRunner] re-executes a binary (by default the current one) as a
//     separate OS process connected over a unix socketpair.
//   - [InProcessRunner] runs the worker runtime on goroutines inside the pool
//     process connected by an in-memory pipe. It exists for tests and for
//     platforms without socketpairs.
package runner

import (
	"context"

	"github.com/Iron-Ham/forkpool/internal/ipc"
	"github.com/Iron-Ham/forkpool/internal/logging"
	"github.com/Iron-Ham/forkpool/internal/state"
)

// Runner names.
const (
	NameExec      = "exec"
	NameInProcess = "inprocess"
)

// Process is a started worker.
//
// The typical lifecycle is:
//  1. Start returns the Process together with its channel
//  2. the pool reads WorkerStarted from the channel
//  3. Done is closed when the worker exits; Wait reports how
//  4. Kill terminates a worker that ignores graceful shutdown
type Process interface {
	// PID returns the operating system process id.
	PID() int

	// Wait blocks until the worker exits and returns its exit code. err is
	// set when the exit could not be observed normally, for example when the
	// process was killed by a signal. Wait may be called from several
	// goroutines.
	Wait() (code int, err error)

	// Done is closed once the worker has exited.
	Done() <-chan struct{}

	// Kill terminates the worker immediately. Killing an exited worker is
	// not an error.
	Kill() error
}

// Request describes the worker to start.
type Request struct {
	Bootstrap ipc.Bootstrap

	// Storage is the pool's state segment. Exec'd workers attach to
	// Bootstrap.StatePath instead.
	Storage *state.Storage

	Logger *logging.Logger
}

// Runner starts workers.
type Runner interface {
	// Name returns the runner kind.
	Name() string

	// Start launches a worker. ctx bounds the launch only, not the worker's
	// lifetime.
	Start(ctx context.Context, req Request) (Process, *ipc.Channel, error)
}

// exitState is the shared Done/Wait implementation.
type exitState struct {
	done chan struct{}
	code int
	err  error
}

func newExitState() *exitState {
	return &exitState{done: make(chan struct{})}
}

func (e *exitState) finish(code int, err error) {
	e.code, e.err = code, err
	close(e.done)
}

func (e *exitState) Done() <-chan struct{} { return e.done }

func (e *exitState) Wait() (int, error) {
	<-e.done
	return e.code, e.err
}
