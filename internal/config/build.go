package config

import (
	"fmt"
	"os"
	"slices"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/ipc"
	"github.com/Iron-Ham/forkpool/internal/logging"
	"github.com/Iron-Ham/forkpool/internal/pool"
	"github.com/Iron-Ham/forkpool/internal/restart"
	"github.com/Iron-Ham/forkpool/internal/router"
	"github.com/Iron-Ham/forkpool/internal/runner"
	"github.com/Iron-Ham/forkpool/internal/scaling"
)

// BuildGroups turns the configured groups into pool group specs in
// description order. Job group patterns are resolved against the names of
// the other job groups, and every group comes after the job groups it
// submits to, so the specs can be described one by one.
func BuildGroups(cfg *Config) ([]pool.GroupSpec, error) {
	targets, err := resolveJobGroups(cfg.Groups)
	if err != nil {
		return nil, err
	}
	order, err := describeOrder(cfg.Groups, targets)
	if err != nil {
		return nil, err
	}

	ids := make(map[int]int, len(order))
	for n, i := range order {
		ids[i] = n + 1
	}

	specs := make([]pool.GroupSpec, 0, len(order))
	for _, i := range order {
		g := cfg.Groups[i]
		rs, err := restart.New(restart.Config{
			Policy:       g.Restart.Policy,
			MaxAttempts:  g.Restart.MaxAttempts,
			InitialDelay: g.Restart.InitialDelay,
			MaxDelay:     g.Restart.MaxDelay,
		})
		if err != nil {
			return nil, errors.NewConfigError(err.Error(), errors.ErrInvalidInput).WithGroup(g.Name).WithField("restart.policy")
		}
		ss, err := scaling.New(scaling.Config{
			Policy:             g.Scaling.Policy,
			ScaleUpThreshold:   g.Scaling.ScaleUpThreshold,
			ScaleDownThreshold: g.Scaling.ScaleDownThreshold,
			Cooldown:           g.Scaling.Cooldown,
		})
		if err != nil {
			return nil, errors.NewConfigError(err.Error(), errors.ErrInvalidInput).WithGroup(g.Name).WithField("scaling.policy")
		}

		jobGroups := make([]int, 0, len(targets[i]))
		for _, t := range targets[i] {
			jobGroups = append(jobGroups, ids[t])
		}
		slices.Sort(jobGroups)

		specs = append(specs, pool.GroupSpec{
			Name:         g.Name,
			Kind:         g.Kind,
			Entry:        g.Entry,
			MinWorkers:   g.MinWorkers,
			MaxWorkers:   g.MaxWorkers,
			JobGroups:    jobGroups,
			JobTimeLimit: g.JobTimeLimit,
			Listen:       slices.Clone(g.Listen),
			Restart:      rs,
			Scaling:      ss,
		})
	}
	return specs, nil
}

// resolveJobGroups maps each group index to the indexes of the job groups
// its patterns match. A group never matches itself. A pattern that matches
// nothing is an error.
func resolveJobGroups(groups []GroupConfig) (map[int][]int, error) {
	targets := make(map[int][]int, len(groups))
	for i, g := range groups {
		for _, pattern := range g.JobGroups {
			m, err := glob.Compile(pattern)
			if err != nil {
				return nil, errors.NewConfigError(fmt.Sprintf("bad job group pattern %q", pattern), err).
					WithGroup(g.Name).WithField("job_groups")
			}
			matched := false
			for j, other := range groups {
				if j == i || other.Kind != ipc.KindJob || !m.Match(other.Name) {
					continue
				}
				matched = true
				if !slices.Contains(targets[i], j) {
					targets[i] = append(targets[i], j)
				}
			}
			if !matched {
				return nil, errors.NewConfigError(fmt.Sprintf("job group pattern %q matches no job group", pattern), errors.ErrUnknownGroup).
					WithGroup(g.Name).WithField("job_groups")
			}
		}
	}
	return targets, nil
}

// describeOrder sorts group indexes so that job groups precede the groups
// submitting to them, keeping declaration order otherwise.
func describeOrder(groups []GroupConfig, targets map[int][]int) ([]int, error) {
	placed := make([]bool, len(groups))
	order := make([]int, 0, len(groups))
	for len(order) < len(groups) {
		progress := false
		for i := range groups {
			if placed[i] {
				continue
			}
			ready := true
			for _, t := range targets[i] {
				if !placed[t] {
					ready = false
					break
				}
			}
			if ready {
				placed[i] = true
				order = append(order, i)
				progress = true
			}
		}
		if !progress {
			var stuck []string
			for i, g := range groups {
				if !placed[i] {
					stuck = append(stuck, g.Name)
				}
			}
			return nil, errors.NewConfigError(fmt.Sprintf("job groups form a cycle between %v", stuck), errors.ErrInvalidInput).
				WithField("job_groups")
		}
	}
	return order, nil
}

// PoolOptions converts the pool, socket and router settings into pool
// options.
func PoolOptions(cfg *Config, logger *logging.Logger) ([]pool.Option, error) {
	tb, err := router.TieBreakByName(cfg.Pool.TieBreak)
	if err != nil {
		return nil, err
	}
	r, err := runner.New(cfg.Pool.Runner)
	if err != nil {
		return nil, err
	}
	return []pool.Option{
		pool.WithLogger(logger),
		pool.WithRunner(r),
		pool.WithTickInterval(cfg.Pool.TickInterval),
		pool.WithStartTimeout(cfg.Pool.StartTimeout),
		pool.WithShutdownTimeout(cfg.Pool.ShutdownTimeout),
		pool.WithRunDir(cfg.Pool.RunDir),
		pool.WithQueueLimit(cfg.Pool.QueueLimit),
		pool.WithSocketTransport(cfg.Socket.Transport),
		pool.WithTieBreak(tb),
	}, nil
}

// NewLogger opens the pool logger described by the logging section. When
// no directory is set, records go to stderr, as text when text is true.
func NewLogger(cfg LoggingConfig, text bool) (*logging.Logger, error) {
	if cfg.Dir == "" {
		return logging.New(os.Stderr, cfg.Level, text), nil
	}
	return logging.NewLogger(cfg.Dir, cfg.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
}
