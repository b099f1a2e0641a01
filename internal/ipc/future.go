package ipc

import (
	"context"
	"sync"

	"github.com/Iron-Ham/forkpool/internal/errors"
)

// Future is the pending result of an awaited job. It resolves exactly once.
type Future struct {
	id   string
	once sync.Once
	done chan struct{}

	result []byte
	err    error
}

// NewFuture returns an unresolved future for job id.
func NewFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ResolvedFuture returns a future already resolved with result and err.
func ResolvedFuture(id string, result []byte, err error) *Future {
	f := NewFuture(id)
	f.Resolve(result, err)
	return f
}

// ID returns the job id the future belongs to.
func (f *Future) ID() string { return f.id }

// Resolve settles the future. It reports false if the future was already
// settled, in which case the arguments are discarded.
func (f *Future) Resolve(result []byte, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await blocks until the future resolves or ctx ends.
func (f *Future) Await(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrap(errors.ErrTimeout, "awaiting job "+f.id)
		}
		return nil, errors.Wrap(errors.ErrCanceled, "awaiting job "+f.id)
	}
}

// ResultError converts the error fields of a JobResult into a typed error.
// It returns nil for a successful result.
func ResultError(r JobResult) error {
	if r.Error == "" && r.Kind == "" {
		return nil
	}
	var cause error
	switch r.Kind {
	case ResultTimeLimit:
		cause = errors.ErrJobTimeLimit
	case ResultLost:
		cause = errors.ErrWorkerLost
	case ResultRejected:
		cause = errors.ErrWorkerStopping
	case ResultNoWorker:
		cause = errors.ErrNoReadyWorker
	case ResultQueueFull:
		cause = errors.ErrQueueFull
	case ResultConfig:
		cause = errors.ErrNoJobGroups
	default:
		cause = errors.New(r.Error)
	}
	msg := r.Error
	if msg == "" {
		msg = "job failed"
	}
	return errors.NewJobError(msg, cause).WithJobID(r.JobID).WithWorkerID(r.WorkerID)
}

// ResultKind classifies err for the Kind field of a JobResult.
func ResultKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errors.ErrJobTimeLimit):
		return ResultTimeLimit
	case errors.Is(err, errors.ErrWorkerLost):
		return ResultLost
	case errors.Is(err, errors.ErrWorkerStopping):
		return ResultRejected
	case errors.Is(err, errors.ErrNoReadyWorker):
		return ResultNoWorker
	case errors.Is(err, errors.ErrQueueFull):
		return ResultQueueFull
	case errors.Is(err, errors.ErrNoJobGroups), errors.Is(err, errors.ErrUnknownGroup):
		return ResultConfig
	default:
		return ResultHandler
	}
}
