package pool

import (
	"fmt"
	"slices"
	"time"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/ipc"
	"github.com/Iron-Ham/forkpool/internal/restart"
	"github.com/Iron-Ham/forkpool/internal/runner"
	"github.com/Iron-Ham/forkpool/internal/scaling"
	"github.com/Iron-Ham/forkpool/internal/state"
)

// GroupSpec describes a group of identically configured workers. A spec is
// fixed once the pool runs.
type GroupSpec struct {
	Name string
	// Kind is ipc.KindJob or ipc.KindReactor.
	Kind string
	// Entry names a registered worker entry point.
	Entry string

	MinWorkers int
	MaxWorkers int

	// JobGroups lists the ids of the JOB groups this group's workers may
	// submit jobs to. Every id must already be described.
	JobGroups []int

	// JobTimeLimit bounds jobs that carry no limit of their own.
	JobTimeLimit time.Duration

	// Listen lists the addresses the broker binds for this group's workers.
	Listen []string

	// Restart defaults to restart.Always, Scaling to scaling.Fixed and
	// Runner to the pool's runner.
	Restart restart.Strategy
	Scaling scaling.Strategy
	Runner  runner.Runner
}

// group is the supervising loop's view of a described group.
type group struct {
	id   int
	spec GroupSpec
	ids  state.IDRange

	handles map[int]*handle
	// pending holds ids waiting on a delayed restart.
	pending map[int]struct{}
}

// live counts workers that count toward the group's size: running or
// starting workers not being retired, plus scheduled restarts.
func (g *group) live() int {
	n := len(g.pending)
	for _, h := range g.handles {
		if !h.retiring {
			n++
		}
	}
	return n
}

// freeID returns the lowest id of the group's range not held by a worker
// or a scheduled restart.
func (g *group) freeID() (int, bool) {
	for id := g.ids.Low; id <= g.ids.High; id++ {
		if _, ok := g.handles[id]; ok {
			continue
		}
		if _, ok := g.pending[id]; ok {
			continue
		}
		return id, true
	}
	return 0, false
}

func (g *group) info() ipc.GroupInfo {
	return ipc.GroupInfo{
		ID:           g.id,
		Name:         g.spec.Name,
		Kind:         g.spec.Kind,
		Entry:        g.spec.Entry,
		JobGroups:    slices.Clone(g.spec.JobGroups),
		JobTimeLimit: g.spec.JobTimeLimit,
		Listen:       slices.Clone(g.spec.Listen),
	}
}

func (p *Pool) validateSpec(spec GroupSpec) error {
	cfgErr := func(msg string, cause error) error {
		return errors.NewConfigError(msg, cause).WithGroup(spec.Name)
	}
	if spec.Name == "" {
		return cfgErr("group name is required", errors.ErrInvalidInput)
	}
	for _, g := range p.groups {
		if g.spec.Name == spec.Name {
			return cfgErr("group already described", errors.ErrDuplicateGroup)
		}
	}
	if spec.Kind != ipc.KindJob && spec.Kind != ipc.KindReactor {
		return cfgErr(fmt.Sprintf("unknown worker kind %q", spec.Kind), errors.ErrInvalidInput)
	}
	if spec.Entry == "" {
		return cfgErr("entry point is required", errors.ErrInvalidInput)
	}
	if spec.MinWorkers < 0 || spec.MaxWorkers < 1 || spec.MaxWorkers < spec.MinWorkers {
		return cfgErr(fmt.Sprintf("invalid worker bounds [%d, %d]", spec.MinWorkers, spec.MaxWorkers), errors.ErrInvalidInput)
	}
	for _, id := range spec.JobGroups {
		if id < 1 || id > len(p.groups) {
			return cfgErr(fmt.Sprintf("job group %d is not described", id), errors.ErrUnknownGroup)
		}
		if target := p.groups[id-1]; target.spec.Kind != ipc.KindJob {
			return cfgErr(fmt.Sprintf("job group %q is not a JOB group", target.spec.Name), errors.ErrInvalidInput)
		}
	}
	return nil
}
