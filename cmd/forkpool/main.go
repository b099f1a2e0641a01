// Command forkpool supervises groups of worker processes.
//
// The same binary is both the supervisor ("forkpool run") and, re-executed
// by the supervisor, each worker ("forkpool worker"). Programs that bring
// their own entry points register them with worker.Register and call
// cmd.Execute from their own main.
package main

import (
	"os"

	"github.com/Iron-Ham/forkpool/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
