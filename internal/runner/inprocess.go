package runner

import (
	"context"
	"os"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/ipc"
	"github.com/Iron-Ham/forkpool/internal/worker"
)

// InProcessRunner runs workers on goroutines of the calling process.
// Workers share the pool's state segment handle.
type InProcessRunner struct{}

// NewInProcessRunner returns an InProcessRunner.
func NewInProcessRunner() *InProcessRunner { return &InProcessRunner{} }

// Name implements Runner.
func (r *InProcessRunner) Name() string { return NameInProcess }

// Start implements Runner.
func (r *InProcessRunner) Start(ctx context.Context, req Request) (Process, *ipc.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, errors.Wrap(errors.ErrCanceled, "start worker")
	}
	parent, child := ipc.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())

	p := &inProcess{exitState: newExitState(), cancel: cancel, child: child}
	cfg := worker.Config{
		Bootstrap: req.Bootstrap,
		Channel:   child,
		Storage:   req.Storage,
		Logger:    req.Logger,
	}
	go func() {
		code := worker.ExitFailure
		var pc panics.Catcher
		pc.Try(func() { code = worker.Main(runCtx, cfg) })
		var err error
		if rec := pc.Recovered(); rec != nil {
			code, err = worker.ExitFailure, rec.AsError()
		}
		if p.killed.Load() {
			code, err = -1, errors.New("worker killed")
		}
		child.Close()
		cancel()
		p.finish(code, err)
	}()
	return p, parent, nil
}

type inProcess struct {
	*exitState
	cancel context.CancelFunc
	child  *ipc.Channel
	killed atomic.Bool
}

func (p *inProcess) PID() int { return os.Getpid() }

// Kill cancels the worker and drops its end of the channel, as the death of
// a real process would.
func (p *inProcess) Kill() error {
	p.killed.Store(true)
	p.cancel()
	p.child.Close()
	return nil
}
