package worker

import (
	"context"

	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/ipc"
)

// startJob accepts a dispatched job, or rejects it when the worker no longer
// takes jobs so the pool can route it elsewhere.
func (w *Worker) startJob(env ipc.JobEnvelope) {
	w.mu.Lock()
	if !w.State().AcceptsJobs() {
		w.mu.Unlock()
		w.reply(ipc.JobResult{
			JobID:    env.ID,
			WorkerID: w.ID(),
			Error:    errors.ErrWorkerStopping.Error(),
			Kind:     ipc.ResultRejected,
		})
		return
	}

	ctx, cancel := w.jobContext(env)
	w.inflight[env.ID] = cancel
	if w.record != nil {
		w.record.JobEnqueued(env.Weight, true)
	}
	w.jobs.Go(func() { w.runJob(ctx, cancel, env) })
	w.mu.Unlock()
}

func (w *Worker) jobContext(env ipc.JobEnvelope) (context.Context, context.CancelFunc) {
	limit := env.TimeLimit
	if limit <= 0 {
		limit = w.group.JobTimeLimit
	}
	if limit > 0 {
		return context.WithTimeout(w.ctx, limit)
	}
	return context.WithCancel(w.ctx)
}

func (w *Worker) runJob(ctx context.Context, cancel context.CancelFunc, env ipc.JobEnvelope) {
	defer cancel()

	result, err := w.execute(ctx, env)

	w.mu.Lock()
	delete(w.inflight, env.ID)
	w.mu.Unlock()
	if w.record != nil {
		w.record.JobDequeued(env.Weight, w.State() == StateRunning)
	}

	res := ipc.JobResult{JobID: env.ID, WorkerID: w.ID(), Result: result}
	if err != nil {
		res.Error = err.Error()
		res.Kind = ipc.ResultKind(err)
		w.logger.Debug("job failed", "job_id", env.ID, "kind", res.Kind, "error", err)
	}
	w.reply(res)
}

type outcome struct {
	data []byte
	err  error
}

// execute runs the handler and gives up on it once ctx ends, so a handler
// that ignores cancellation cannot hold the worker past the job's limit.
func (w *Worker) execute(ctx context.Context, env ipc.JobEnvelope) ([]byte, error) {
	if w.handler == nil {
		return nil, errors.NewJobError("entry point does not handle jobs", errors.ErrInvalidInput).
			WithJobID(env.ID).WithWorkerID(w.ID()).WithRetryable(false)
	}

	done := make(chan outcome, 1)
	go func() {
		var out outcome
		var pc panics.Catcher
		pc.Try(func() { out.data, out.err = w.handler.HandleJob(ctx, env.Data) })
		if r := pc.Recovered(); r != nil {
			out.err = r.AsError()
		}
		done <- out
	}()

	select {
	case out := <-done:
		if out.err == nil {
			return out.data, nil
		}
		if ctx.Err() != nil {
			return nil, w.interrupted(ctx, env)
		}
		return nil, errors.NewJobError("job handler failed", out.err).WithJobID(env.ID).WithWorkerID(w.ID())
	case <-ctx.Done():
		return nil, w.interrupted(ctx, env)
	}
}

func (w *Worker) interrupted(ctx context.Context, env ipc.JobEnvelope) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.NewJobError("job exceeded its time limit", errors.ErrJobTimeLimit).
			WithJobID(env.ID).WithWorkerID(w.ID()).WithRetryable(false)
	}
	return errors.NewJobError("job canceled by worker shutdown", errors.ErrWorkerLost).
		WithJobID(env.ID).WithWorkerID(w.ID())
}

// resolve settles the future of a job this worker submitted.
func (w *Worker) resolve(res ipc.JobResult) {
	w.mu.Lock()
	f, ok := w.awaiting[res.JobID]
	delete(w.awaiting, res.JobID)
	w.mu.Unlock()
	if !ok {
		w.logger.Debug("result for unknown job", "job_id", res.JobID)
		return
	}
	f.Resolve(res.Result, ipc.ResultError(res))
}

func (w *Worker) reply(msg ipc.Message) {
	if err := w.ch.Send(msg); err != nil {
		w.logger.Debug("reply dropped", "type", string(msg.MessageType()), "error", err)
	}
}
