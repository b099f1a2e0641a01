//go:build !unix

package runner

import (
	"context"
	"io"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/ipc"
)

// ExecSupported reports whether ExecRunner works on this platform.
const ExecSupported = false

// ExecRunner is unavailable on this platform; use InProcessRunner.
type ExecRunner struct {
	Path   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Name implements Runner.
func (r *ExecRunner) Name() string { return NameExec }

// Start implements Runner.
func (r *ExecRunner) Start(context.Context, Request) (Process, *ipc.Channel, error) {
	return nil, nil, errors.NewConfigError("exec runner requires unix socketpairs", errors.ErrInvalidInput).WithField("runner")
}

// ChildChannel is unavailable on this platform.
func ChildChannel() (*ipc.Channel, error) {
	return nil, errors.NewConfigError("exec runner requires unix socketpairs", errors.ErrInvalidInput).WithField("runner")
}
