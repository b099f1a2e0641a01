package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/ipc"
	"github.com/Iron-Ham/forkpool/internal/runner"
	"github.com/Iron-Ham/forkpool/internal/state"
	"github.com/Iron-Ham/forkpool/internal/worker"
)

// workerCmd is the entry point of processes started by the exec runner.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a single pool worker (started by the pool)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Only the pool decides when a worker stops.
	signal.Ignore(os.Interrupt)

	ch, err := runner.ChildChannel()
	if err != nil {
		return &exitError{code: worker.ExitConfig, err: err}
	}
	code := serveWorker(cmd.Context(), os.Stdin, ch)
	if code != worker.ExitOK {
		return &exitError{code: code}
	}
	return nil
}

// serveWorker reads the bootstrap from r and runs the worker over ch until
// it exits.
func serveWorker(ctx context.Context, r io.Reader, ch *ipc.Channel) int {
	boot, err := ipc.ReadBootstrap(r)
	if err != nil {
		refuseStart(ch, 0, err)
		return worker.ExitConfig
	}

	var storage *state.Storage
	if boot.StatePath != "" {
		storage, err = state.Open(boot.StatePath)
		if err != nil {
			refuseStart(ch, boot.WorkerID, errors.Wrapf(err, "attach state segment %s", boot.StatePath))
			return worker.ExitConfig
		}
		defer storage.Close()
	}

	return worker.Main(ctx, worker.Config{
		Bootstrap: boot,
		Channel:   ch,
		Storage:   storage,
	})
}

// refuseStart answers the start handshake with err so the pool counts the
// worker as failed instead of waiting for the start timeout.
func refuseStart(ch *ipc.Channel, workerID int, err error) {
	_ = ch.Send(ipc.WorkerStarted{WorkerID: workerID, Error: err.Error()})
	ch.Close()
}
