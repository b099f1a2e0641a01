package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/forkpool/internal/config"
	"github.com/Iron-Ham/forkpool/internal/event"
	"github.com/Iron-Ham/forkpool/internal/logging"
	"github.com/Iron-Ham/forkpool/internal/pool"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker pool described by the config file",
	Long: `Run starts every configured group at its minimum size and supervises
the workers until the pool stops.

The first SIGINT or SIGTERM stops the pool gracefully: workers finish the
jobs they hold before exiting. A second signal stops it immediately.
Workers still running after pool.shutdown_timeout are killed.

While running, changes to logging.level in the config file are applied
without a restart. With --events, every pool event (worker spawned, exited
or restarted, group scaled, pool failed or stopped) is appended to the
given file as one JSON object per line; "-" writes them to stdout.`,
	Args: cobra.NoArgs,
	RunE: runPool,
}

var (
	runNoWatch bool
	runEvents  string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runNoWatch, "no-watch", false, "Do not reload the log level when the config file changes")
	runCmd.Flags().StringVar(&runEvents, "events", "", "Append pool events as JSON lines to this file (- for stdout)")
}

func runPool(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg.Logging, stderrIsTerminal())
	if err != nil {
		return err
	}
	defer logger.Close()

	p, err := newPool(cfg, logger)
	if err != nil {
		return err
	}

	if path := viper.ConfigFileUsed(); path != "" && !runNoWatch {
		w, err := config.Watch(path, reloadLogLevel(logger))
		if err != nil {
			logger.Warn("config watch unavailable", "path", path, "error", err)
		} else {
			defer w.Close()
		}
	}

	journal, closeJournal, err := openJournal(p.Events(), runEvents, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer closeJournal()

	go stopOnSignal(p, logger)
	err = p.Run(cmd.Context())
	logSummary(logger, journal, err)
	return err
}

// openJournal records the pool's events, writing them to path when set.
func openJournal(bus *event.Bus, path string, stdout io.Writer) (*event.Journal, func(), error) {
	var (
		w       io.Writer
		closeFn = func() {}
	)
	switch path {
	case "":
	case "-":
		w = stdout
	default:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open events file: %w", err)
		}
		w = f
		closeFn = func() { f.Close() }
	}
	j := event.NewJournal(bus, w)
	return j, func() {
		j.Close()
		closeFn()
	}, nil
}

// logSummary reports how the pool ended together with its lifetime totals.
func logSummary(logger *logging.Logger, j *event.Journal, err error) {
	attrs := []any{
		"spawned", j.Count(event.TypeWorkerSpawned),
		"exited", j.Count(event.TypeWorkerExited),
		"restarts", j.Count(event.TypeWorkerRestart),
		"scaled", j.Count(event.TypeGroupScaled),
	}
	if jerr := j.Err(); jerr != nil {
		logger.Warn("events file not fully written", "error", jerr)
	}
	if err != nil {
		logger.Error("pool exited with error", append(attrs, "error", err)...)
		return
	}
	logger.Info("pool exited", attrs...)
}

// newPool creates a pool and describes every configured group.
func newPool(cfg *config.Config, logger *logging.Logger) (*pool.Pool, error) {
	specs, err := config.BuildGroups(cfg)
	if err != nil {
		return nil, err
	}
	opts, err := config.PoolOptions(cfg, logger)
	if err != nil {
		return nil, err
	}

	p := pool.New(opts...)
	for _, spec := range specs {
		if _, err := p.DescribeGroup(spec); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// reloadLogLevel returns a config watch callback that applies
// logging.level to logger. Workers spawned afterwards inherit the new level.
func reloadLogLevel(logger *logging.Logger) func(*config.Config, error) {
	return func(cfg *config.Config, err error) {
		if err != nil {
			logger.Warn("config reload failed, keeping current settings", "error", err)
			return
		}
		level := logging.ParseLevel(cfg.Logging.Level)
		if level == logger.Level() {
			return
		}
		logger.Info("log level changed", "from", logger.Level(), "to", level)
		logger.SetLevel(level)
	}
}

// stopOnSignal stops p gracefully on the first signal and immediately on
// the second.
func stopOnSignal(p *pool.Pool, logger *logging.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	graceful := true
	for {
		select {
		case <-p.Done():
			return
		case sig := <-sigCh:
			logger.Info("signal received, stopping pool", "signal", sig.String(), "after_last_job", graceful)
			go func(afterLastJob bool) {
				_ = p.Stop(context.Background(), afterLastJob)
			}(graceful)
			graceful = false
		}
	}
}
