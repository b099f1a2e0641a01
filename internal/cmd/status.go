package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/forkpool/internal/config"
	"github.com/Iron-Ham/forkpool/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the live state of a running pool",
	Long: `Display the per-group and per-worker counters of a running pool, read
from its shared state segment.

The segment lives in pool.run_dir, which must therefore be set in the
config of the pool being inspected. Use --state to point at a segment
directly.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var statusStatePath string

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusStatePath, "state", "", "Path of the state segment (default: <pool.run_dir>/state)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, cfgErr := config.Load()

	path := statusStatePath
	if path == "" {
		if cfgErr != nil {
			return cfgErr
		}
		if cfg.Pool.RunDir == "" {
			return fmt.Errorf("pool.run_dir is not set; pass --state")
		}
		path = filepath.Join(cfg.Pool.RunDir, "state")
	}

	storage, err := state.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open state segment: %w", err)
	}
	defer storage.Close()

	reader := storage.Reader()
	reader.Update()

	var names map[int]string
	if cfgErr == nil {
		names = groupNames(cfg)
	}
	printStatus(cmd.OutOrStdout(), reader, names, time.Now())
	return nil
}

// groupNames maps group ids to names the way the pool assigns them.
func groupNames(cfg *config.Config) map[int]string {
	specs, err := config.BuildGroups(cfg)
	if err != nil {
		return nil
	}
	names := make(map[int]string, len(specs))
	for i, s := range specs {
		names[i+1] = s.Name
	}
	return names
}

func printStatus(out io.Writer, r *state.Reader, names map[int]string, now time.Time) {
	ranges := r.GetGroupsState()
	ids := make([]int, 0, len(ranges))
	for id := range ranges {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	if len(ids) == 0 {
		fmt.Fprintln(out, "No groups recorded")
		return
	}

	for _, id := range ids {
		m, _ := r.GroupMetrics(id)
		name := names[id]
		if name == "" {
			name = fmt.Sprintf("group-%d", id)
		}
		fmt.Fprintf(out, "%s (id %d, workers %d-%d)\n", name, id, m.IDs.Low, m.IDs.High)
		fmt.Fprintf(out, "  active: %d  ready: %d  bounds: %d..%d\n", m.ActiveWorkers, m.ReadyWorkers, m.MinWorkers, m.MaxWorkers)
		fmt.Fprintf(out, "  in flight: %d jobs (weight %d)  queued: %d (weight %d)\n", m.JobCount, m.JobWeight, m.QueueDepth, m.PendingWeight)

		for _, w := range r.WorkersInGroup(id) {
			ready := "busy"
			if w.Ready {
				ready = "ready"
			}
			fmt.Fprintf(out, "    [%d] pid %d  %s  jobs %d  weight %d  updated %s ago\n",
				w.ID, w.PID, ready, w.JobCount, w.JobWeight, now.Sub(w.UpdatedAt).Truncate(time.Millisecond))
		}
		fmt.Fprintln(out)
	}
}
