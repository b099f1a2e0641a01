package worker

import (
	"context"
	"net"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/ipc"
	"github.com/Iron-Ham/forkpool/internal/socket"
)

// SendJob submits a job through the pool. Without explicit targets the job
// may run in any of the group's job groups. The returned future resolves
// with the job's result when ipc.AwaitResult is given; otherwise it is
// already resolved once the job has been handed to the pool.
func (w *Worker) SendJob(ctx context.Context, data []byte, opts ...ipc.JobOption) (*ipc.Future, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCanceled, "send job")
	}
	env := ipc.NewJob(data, opts...)
	env.OriginWorker = w.ID()
	if err := w.checkTargets(&env); err != nil {
		return nil, err
	}

	var fut *ipc.Future
	if env.AwaitResult {
		fut = ipc.NewFuture(env.ID)
		w.mu.Lock()
		w.awaiting[env.ID] = fut
		w.mu.Unlock()
	}

	if err := w.ch.Send(ipc.Job{Envelope: env}); err != nil {
		w.mu.Lock()
		delete(w.awaiting, env.ID)
		w.mu.Unlock()
		return nil, errors.NewJobError("submit job", err).WithJobID(env.ID).WithWorkerID(w.ID())
	}
	if fut == nil {
		fut = ipc.ResolvedFuture(env.ID, nil, nil)
	}
	return fut, nil
}

// SendJobImmediately is SendJob that fails with ErrNoReadyWorker instead of
// queueing when no candidate worker is ready.
func (w *Worker) SendJobImmediately(ctx context.Context, data []byte, opts ...ipc.JobOption) (*ipc.Future, error) {
	return w.SendJob(ctx, data, append(opts, ipc.Immediately())...)
}

func (w *Worker) checkTargets(env *ipc.JobEnvelope) error {
	if len(w.group.JobGroups) == 0 {
		return errors.NewConfigError("group has no job groups", errors.ErrNoJobGroups).WithGroup(w.group.Name)
	}
	if len(env.AllowedGroups) == 0 && len(env.AllowedWorkers) == 0 {
		env.AllowedGroups = slices.Clone(w.group.JobGroups)
		return nil
	}
	for _, id := range env.AllowedGroups {
		if !slices.Contains(w.group.JobGroups, id) {
			return errors.NewConfigError("job group not permitted", errors.ErrUnknownGroup).
				WithGroup(w.group.Name).WithField("job_groups")
		}
	}
	return nil
}

// Listen obtains a listening socket bound to address from the pool's
// broker. Closing the listener releases it back to the broker.
func (w *Worker) Listen(ctx context.Context, address string) (net.Listener, error) {
	req := ipc.InitiateSocketTransfer{
		RequestID: uuid.NewString(),
		WorkerID:  w.ID(),
		GroupID:   w.group.ID,
		Address:   address,
	}
	reply := make(chan ipc.SocketTransferInfo, 1)
	w.mu.Lock()
	w.transfers[req.RequestID] = reply
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.transfers, req.RequestID)
		w.mu.Unlock()
	}()

	if err := w.ch.Send(req); err != nil {
		return nil, errors.NewTransferError("request socket transfer", errors.Join(errors.ErrBrokerUnavailable, err)).WithAddress(address)
	}

	var info ipc.SocketTransferInfo
	select {
	case info = <-reply:
	case <-ctx.Done():
		return nil, errors.NewTransferError("await socket transfer", ctx.Err()).WithAddress(address)
	case <-w.killCh:
		return nil, errors.NewTransferError("worker stopped", errors.ErrWorkerStopping).WithAddress(address).WithRetryable(false)
	}
	if info.Error != "" {
		return nil, errors.NewTransferError(info.Error, errors.ErrBrokerUnavailable).WithAddress(address)
	}

	ln, err := socket.Receive(ctx, info.URI, info.Key)
	if err != nil {
		_ = w.ch.Send(ipc.SocketFree{SocketID: info.Key})
		return nil, err
	}
	if err := w.ch.Send(ipc.SocketTransfer{SocketID: info.Key}); err != nil {
		ln.Close()
		return nil, errors.NewTransferError("acknowledge socket transfer", err).WithKey(info.Key).WithAddress(address)
	}

	owned := &ownedListener{Listener: ln, w: w, key: info.Key}
	w.mu.Lock()
	w.sockets[info.Key] = owned
	w.mu.Unlock()
	w.logger.Debug("socket received", "address", ln.Addr().String(), "socket_id", info.Key)
	return owned, nil
}

func (w *Worker) deliverTransfer(info ipc.SocketTransferInfo) {
	w.mu.Lock()
	reply, ok := w.transfers[info.RequestID]
	w.mu.Unlock()
	if !ok {
		w.logger.Debug("unsolicited transfer info", "request_id", info.RequestID)
		if info.Key != "" {
			w.reply(ipc.SocketFree{SocketID: info.Key})
		}
		return
	}
	select {
	case reply <- info:
	default:
	}
}

// ownedListener frees its socket id when closed.
type ownedListener struct {
	net.Listener
	w    *Worker
	key  string
	once sync.Once
}

func (l *ownedListener) Close() error {
	err := l.Listener.Close()
	l.once.Do(func() {
		l.w.mu.Lock()
		delete(l.w.sockets, l.key)
		l.w.mu.Unlock()
		l.w.reply(ipc.SocketFree{SocketID: l.key})
	})
	return err
}

// RequestScaling asks the pool to add a worker to group toGroupID.
func (w *Worker) RequestScaling(toGroupID int, exData []byte) error {
	return w.ch.Send(ipc.ScalingRequest{ToGroupID: toGroupID, ExData: exData})
}

// RequestPoolShutdown asks the pool to stop every worker.
func (w *Worker) RequestPoolShutdown(afterLastJob bool) error {
	return w.ch.Send(ipc.Shutdown{AfterLastJob: afterLastJob})
}
