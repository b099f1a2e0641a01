package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/event"
	"github.com/Iron-Ham/forkpool/internal/ipc"
	"github.com/Iron-Ham/forkpool/internal/logging"
	"github.com/Iron-Ham/forkpool/internal/restart"
	"github.com/Iron-Ham/forkpool/internal/runner"
)

// handle is the pool's record of one worker. It lives from spawn until the
// worker's exit has been processed.
type handle struct {
	id     int
	group  *group
	proc   runner.Process
	ch     *ipc.Channel
	out    *ipc.Outbox
	logger *logging.Logger

	started    bool
	retiring   bool
	startErr   error
	startTimer *time.Timer
}

// spawnNext starts a worker on the group's lowest free id.
func (p *Pool) spawnNext(g *group) {
	id, ok := g.freeID()
	if !ok {
		p.logger.Warn("no free worker id", "group", g.spec.Name)
		return
	}
	p.spawn(g, id)
}

// spawn starts worker id of g. A launch failure is processed as an exit of
// that worker on a later loop iteration.
func (p *Pool) spawn(g *group, id int) {
	logger := p.base.WithGroup(g.spec.Name).WithWorker(id)
	h := &handle{id: id, group: g, logger: logger}
	g.handles[id] = h

	boot := ipc.Bootstrap{
		WorkerID:        id,
		GroupID:         g.id,
		StatePath:       p.storage.Path(),
		SocketTransport: p.broker.TransportName(),
		LogLevel:        p.base.Level(),
		Groups:          p.catalogue,
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.startTimeout)
	defer cancel()

	proc, ch, err := g.spec.Runner.Start(ctx, runner.Request{Bootstrap: boot, Storage: p.storage, Logger: logger})
	if err != nil {
		logger.Error("worker launch failed", "runner", g.spec.Runner.Name(), "error", err)
		res := restart.ExitResult{WorkerID: id, GroupID: g.id, Code: -1, Err: err}
		go p.post(func() { p.reap(h, res) })
		return
	}

	h.proc, h.ch = proc, ch
	h.out = ipc.NewOutbox(ch, func(msg ipc.Message, err error) {
		logger.Debug("message not delivered", "type", msg.MessageType(), "error", err)
	})
	p.mu.Lock()
	p.handles[id] = h
	p.mu.Unlock()
	p.setActive(g)

	h.startTimer = time.AfterFunc(p.opts.startTimeout, func() {
		p.post(func() { p.startTimedOut(h) })
	})
	p.pumps.Go(func() { p.watch(h) })
	logger.Debug("worker launched", "pid", proc.PID(), "runner", g.spec.Runner.Name())
}

// watch pumps h's channel into the loop until it closes, then waits for the
// process to exit. A process that outlives its channel by more than
// exitGrace is killed and its exit reported as a lost channel.
func (p *Pool) watch(h *handle) {
	for {
		msg, err := h.ch.Receive()
		if err != nil {
			if errors.Is(err, errors.ErrChannelClosed) {
				break
			}
			h.logger.Warn("bad message from worker", "error", err)
			continue
		}
		if !p.post(func() { p.handleMessage(h, msg) }) {
			h.proc.Kill()
			return
		}
	}

	lost := false
	select {
	case <-h.proc.Done():
	case <-time.After(exitGrace):
		lost = true
		if err := h.proc.Kill(); err != nil {
			h.logger.Warn("kill worker", "error", err)
		}
		<-h.proc.Done()
	}
	code, err := h.proc.Wait()
	res := restart.ExitResult{WorkerID: h.id, GroupID: h.group.id, Code: code, Err: err, ChannelLost: lost}
	p.post(func() { p.reap(h, res) })
}

func (p *Pool) startTimedOut(h *handle) {
	if h.group.handles[h.id] != h || h.started || h.startErr != nil {
		return
	}
	h.startErr = errors.NewWorkerError(fmt.Sprintf("no start handshake within %s", p.opts.startTimeout), errors.ErrStartFailed).
		WithWorkerID(h.id).WithGroup(h.group.spec.Name)
	h.logger.Error("worker start timed out", "timeout", p.opts.startTimeout)
	if err := h.proc.Kill(); err != nil {
		h.logger.Warn("kill worker", "error", err)
	}
}

func (p *Pool) workerStarted(h *handle, m ipc.WorkerStarted) {
	if h.startTimer != nil {
		h.startTimer.Stop()
	}
	if !m.IsOK {
		h.startErr = errors.NewWorkerError(m.Error, errors.ErrStartFailed).WithWorkerID(h.id).WithGroup(h.group.spec.Name)
		h.logger.Error("worker failed to start", "error", m.Error)
		return
	}
	h.started = true
	h.logger.Info("worker started", "pid", h.proc.PID())
	p.bus.Publish(event.NewWorkerSpawnedEvent(h.id, h.group.spec.Name, h.proc.PID()))
	if !p.stopping {
		p.router.Pump()
	}
}

// reap processes the exit of h and applies the group's restart policy.
func (p *Pool) reap(h *handle, res restart.ExitResult) {
	g := h.group
	if g.handles[h.id] != h {
		return
	}
	delete(g.handles, h.id)
	p.mu.Lock()
	if p.handles[h.id] == h {
		delete(p.handles, h.id)
	}
	p.mu.Unlock()

	if h.startTimer != nil {
		h.startTimer.Stop()
	}
	if h.out != nil {
		h.out.Close()
		h.ch.Close()
	}
	if res.Err == nil && h.startErr != nil {
		res.Err = h.startErr
	}

	failed := p.router.WorkerLost(h.id)
	released := p.broker.ReleaseWorker(h.id)
	if w, err := p.storage.Worker(h.id); err == nil {
		w.Clear()
	}
	p.setActive(g)

	reason := ""
	if res.Err != nil {
		reason = res.Err.Error()
	}
	h.logger.Info("worker exited", "code", res.Code, "channel_lost", res.ChannelLost, "error", reason,
		"jobs_failed", failed, "sockets_released", released)
	p.bus.Publish(event.NewWorkerExitedEvent(h.id, g.spec.Name, res.Code, res.ChannelLost, reason))

	switch {
	case p.stopping:
	case h.retiring:
		resetAttempts(g, h.id)
	default:
		p.restart(g, h, res)
	}
}

func (p *Pool) restart(g *group, h *handle, res restart.ExitResult) {
	strategy := g.spec.Restart
	d := strategy.Decide(res)
	p.bus.Publish(event.NewWorkerRestartEvent(h.id, g.spec.Name, strategy.Name(), d.Action.String(), d.Delay, d.Reason))

	switch d.Action {
	case restart.ActionRestartNow:
		h.logger.Info("restarting worker", "policy", strategy.Name())
		p.spawn(g, h.id)

	case restart.ActionRestartAfter:
		h.logger.Info("restarting worker later", "policy", strategy.Name(), "delay", d.Delay)
		id := h.id
		g.pending[id] = struct{}{}
		time.AfterFunc(d.Delay, func() {
			p.post(func() {
				if _, ok := g.pending[id]; !ok {
					return
				}
				delete(g.pending, id)
				if !p.stopping {
					p.spawn(g, id)
				}
			})
		})

	case restart.ActionGiveUp:
		resetAttempts(g, h.id)
		if live := g.live(); live < g.spec.MinWorkers {
			err := errors.NewPoolError(fmt.Sprintf("group %q is down to %d of at least %d workers", g.spec.Name, live, g.spec.MinWorkers), errors.ErrMinWorkers).
				WithGroup(g.spec.Name).WithReason(d.Reason)
			p.fail(err)
			return
		}
		h.logger.Warn("worker not restarted", "policy", strategy.Name(), "reason", d.Reason)
	}
}

func resetAttempts(g *group, workerID int) {
	if r, ok := g.spec.Restart.(restart.Resetter); ok {
		r.Reset(workerID)
	}
}

func (p *Pool) setActive(g *group) {
	if err := p.storage.SetGroupActive(g.id, g.live()); err != nil {
		p.logger.Warn("publish active workers", "group", g.spec.Name, "error", err)
	}
}
