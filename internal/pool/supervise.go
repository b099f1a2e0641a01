package pool

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	cpool "github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/event"
	"github.com/Iron-Ham/forkpool/internal/ipc"
	"github.com/Iron-Ham/forkpool/internal/scaling"
)

// supervise runs the loop until the pool is stopping and every worker has
// been reaped.
func (p *Pool) supervise(ctx context.Context) {
	ticker := time.NewTicker(p.opts.tick)
	defer ticker.Stop()

	done := ctx.Done()
	for !p.stopping || p.workerCount() > 0 {
		select {
		case fn := <-p.events:
			fn()
		case <-ticker.C:
			p.scale()
		case <-done:
			done = nil
			p.logger.Info("context done, stopping pool")
			p.beginStop(false)
		}
	}
}

func (p *Pool) workerCount() int {
	n := 0
	for _, g := range p.groups {
		n += len(g.handles)
	}
	return n
}

// handleMessage routes one message received from h.
func (p *Pool) handleMessage(h *handle, msg ipc.Message) {
	if h.group.handles[h.id] != h {
		return
	}
	switch m := msg.(type) {
	case ipc.WorkerStarted:
		p.workerStarted(h, m)

	case ipc.Log:
		h.logger.Emit(m.Level, m.Message, m.Context)

	case ipc.Job:
		p.submitFromWorker(h, m.Envelope)

	case ipc.JobResult:
		m.WorkerID = h.id
		p.router.Complete(m)

	case ipc.Shutdown:
		h.logger.Info("worker requested pool shutdown", "after_last_job", m.AfterLastJob)
		p.beginStop(m.AfterLastJob)

	case ipc.ScalingRequest:
		p.scalingRequest(h, m)

	case ipc.InitiateSocketTransfer:
		m.WorkerID, m.GroupID = h.id, h.group.id
		info := p.broker.Initiate(m)
		if info.Error != "" {
			h.logger.Warn("socket transfer refused", "address", m.Address, "error", info.Error)
		}
		if err := h.out.Post(info); err != nil {
			h.logger.Debug("transfer info not delivered", "error", err)
		}

	case ipc.SocketTransfer:
		if err := p.broker.Acknowledge(h.id, m.SocketID); err != nil {
			h.logger.Warn("socket acknowledgement rejected", "socket_id", m.SocketID, "error", err)
		}

	case ipc.SocketFree:
		if err := p.broker.Free(m.SocketID); err != nil {
			h.logger.Debug("socket free ignored", "socket_id", m.SocketID, "error", err)
		}

	case ipc.SocketListen:
		if _, err := p.broker.Listen(m.Address); err != nil {
			h.logger.Warn("listen request failed", "address", m.Address, "error", err)
		}

	default:
		h.logger.Warn("unexpected message from worker", "type", msg.MessageType())
	}
}

// submitFromWorker routes a job submitted by h. Refusals of awaited jobs are
// answered on h's channel.
func (p *Pool) submitFromWorker(h *handle, env ipc.JobEnvelope) {
	env.OriginWorker = h.id
	err := p.scopeJob(h.group, &env)
	if err == nil {
		_, err = p.router.Submit(env)
	}
	if err == nil {
		return
	}
	h.logger.Debug("job refused", "job_id", env.ID, "error", err)
	if !env.AwaitResult {
		return
	}
	res := ipc.JobResult{JobID: env.ID, Error: err.Error(), Kind: ipc.ResultKind(err)}
	if err := h.out.Post(res); err != nil {
		h.logger.Debug("job refusal not delivered", "job_id", env.ID, "error", err)
	}
}

// scopeJob restricts env to the job groups of g.
func (p *Pool) scopeJob(g *group, env *ipc.JobEnvelope) error {
	if len(g.spec.JobGroups) == 0 {
		return errors.NewConfigError("group has no job groups", errors.ErrNoJobGroups).WithGroup(g.spec.Name)
	}
	if len(env.AllowedGroups) == 0 && len(env.AllowedWorkers) == 0 {
		env.AllowedGroups = slices.Clone(g.spec.JobGroups)
		return nil
	}
	for _, id := range env.AllowedGroups {
		if !slices.Contains(g.spec.JobGroups, id) {
			return errors.NewConfigError(fmt.Sprintf("group %d is not a job group of %q", id, g.spec.Name), errors.ErrUnknownGroup).
				WithGroup(g.spec.Name).WithField("allowed_groups")
		}
	}
	for _, id := range env.AllowedWorkers {
		if target := p.groupOfWorker(id); target == nil || !slices.Contains(g.spec.JobGroups, target.id) {
			return errors.NewConfigError(fmt.Sprintf("worker %d is not in a job group of %q", id, g.spec.Name), errors.ErrUnknownGroup).
				WithGroup(g.spec.Name).WithField("allowed_workers")
		}
	}
	return nil
}

func (p *Pool) groupOfWorker(workerID int) *group {
	for _, g := range p.groups {
		if g.ids.Contains(workerID) {
			return g
		}
	}
	return nil
}

func (p *Pool) scalingRequest(h *handle, m ipc.ScalingRequest) {
	g := p.groupByID(m.ToGroupID)
	if g == nil {
		h.logger.Warn("scaling request for unknown group", "group_id", m.ToGroupID)
		return
	}
	if p.stopping {
		return
	}
	current := g.live()
	target := scaling.Clamp(current+1, g.spec.MinWorkers, g.spec.MaxWorkers)
	if target == current {
		h.logger.Debug("scaling request ignored, group at maximum", "group", g.spec.Name, "max", g.spec.MaxWorkers)
		return
	}
	p.resize(g, current, target, fmt.Sprintf("requested by worker %d (%d bytes of data)", h.id, len(m.ExData)))
}

// scale evaluates every group's scaling strategy and applies the decisions.
func (p *Pool) scale() {
	if p.stopping {
		return
	}
	for _, d := range p.monitor.Evaluate(p.reader) {
		g := p.groupByID(d.GroupID)
		if g == nil {
			continue
		}
		current := g.live()
		target := scaling.Clamp(current+d.Delta, g.spec.MinWorkers, g.spec.MaxWorkers)
		p.resize(g, current, target, d.Reason)
	}
}

func (p *Pool) resize(g *group, current, target int, reason string) {
	if target == current {
		return
	}
	p.logger.Info("scaling group", "group", g.spec.Name, "from", current, "to", target, "reason", reason)
	p.bus.Publish(event.NewGroupScaledEvent(g.spec.Name, current, target, reason))
	for n := current; n < target; n++ {
		p.spawnNext(g)
	}
	if target < current {
		p.retire(g, current-target)
	}
}

// retire soft-shuts down the n least loaded started workers of g. They stop
// receiving jobs at once and are not restarted when they exit.
func (p *Pool) retire(g *group, n int) {
	p.reader.Update()
	var candidates []*handle
	for _, h := range g.handles {
		if h.started && !h.retiring {
			candidates = append(candidates, h)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, _ := p.reader.Worker(candidates[i].id)
		b, _ := p.reader.Worker(candidates[j].id)
		if a.JobWeight != b.JobWeight {
			return a.JobWeight < b.JobWeight
		}
		if a.JobCount != b.JobCount {
			return a.JobCount < b.JobCount
		}
		return candidates[i].id > candidates[j].id
	})
	for _, h := range candidates[:min(n, len(candidates))] {
		h.retiring = true
		p.router.Suspend(h.id)
		if err := h.out.Post(ipc.SoftShutdown{}); err != nil {
			h.logger.Debug("soft shutdown not delivered", "error", err)
		}
		h.logger.Info("retiring worker")
	}
	p.setActive(g)
}

// beginStop starts a shutdown. A graceful stop can be escalated to a
// non-graceful one by a second call.
func (p *Pool) beginStop(afterLastJob bool) {
	if p.stopping {
		if p.afterLastJob && !afterLastJob {
			p.afterLastJob = false
			p.broadcast(ipc.Shutdown{AfterLastJob: false})
		}
		return
	}
	p.stopping = true
	p.afterLastJob = afterLastJob
	p.stopWorkers = p.workerCount()
	p.logger.Info("stopping pool", "after_last_job", afterLastJob, "workers", p.stopWorkers)

	for _, g := range p.groups {
		clear(g.pending)
	}
	p.router.Close(errors.ErrPoolStopped)
	p.broadcast(ipc.Shutdown{AfterLastJob: afterLastJob})
	time.AfterFunc(p.opts.shutdownTimeout, func() { p.post(p.forceStop) })
}

// broadcast posts msg to every worker.
func (p *Pool) broadcast(msg ipc.Message) {
	cp := cpool.New().WithErrors()
	for _, g := range p.groups {
		for _, h := range g.handles {
			if h.out == nil {
				continue
			}
			cp.Go(func() error {
				if err := h.out.Post(msg); err != nil {
					return fmt.Errorf("worker %d: %w", h.id, err)
				}
				return nil
			})
		}
	}
	if err := cp.Wait(); err != nil {
		p.logger.Debug("broadcast incomplete", "type", msg.MessageType(), "error", err)
	}
}

// forceStop kills workers still running after the shutdown timeout.
func (p *Pool) forceStop() {
	if p.workerCount() == 0 {
		return
	}
	p.forced = true
	for _, g := range p.groups {
		for _, h := range g.handles {
			if h.proc == nil {
				continue
			}
			h.logger.Warn("killing worker that did not stop in time", "timeout", p.opts.shutdownTimeout)
			if err := h.proc.Kill(); err != nil {
				h.logger.Warn("kill worker", "error", err)
			}
		}
	}
}

// fail records the pool's fatal error and stops the pool.
func (p *Pool) fail(err *errors.PoolError) {
	if p.failure == nil {
		p.failure = err
		p.logger.Error("pool failed", "error", err)
		p.bus.Publish(event.NewPoolFailedEvent(err.Group, err.Reason, err))
	}
	p.beginStop(false)
}
