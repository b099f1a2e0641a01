//go:build unix

package runner

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/ipc"
)

// ExecSupported reports whether ExecRunner works on this platform.
const ExecSupported = true

// childChannelFD is the descriptor of the pool channel in the child; it is
// the first of exec.Cmd.ExtraFiles.
const childChannelFD = 3

// ExecRunner starts each worker as a separate process in its own process
// group. The child receives its bootstrap as YAML on stdin and the pool
// channel on descriptor 3.
type ExecRunner struct {
	// Path is the binary to run. It defaults to the current executable.
	Path string
	// Args are passed to the binary. They default to ["worker"].
	Args []string
	// Env is appended to the pool's environment.
	Env []string
	// Stdout and Stderr default to the pool's stderr.
	Stdout io.Writer
	Stderr io.Writer
}

// Name implements Runner.
func (r *ExecRunner) Name() string { return NameExec }

// Start implements Runner.
func (r *ExecRunner) Start(ctx context.Context, req Request) (Process, *ipc.Channel, error) {
	path := r.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, errors.NewWorkerError("locate worker binary", err).WithWorkerID(req.Bootstrap.WorkerID)
		}
		path = exe
	}
	args := r.Args
	if args == nil {
		args = []string{"worker"}
	}

	var boot bytes.Buffer
	if err := ipc.WriteBootstrap(&boot, req.Bootstrap); err != nil {
		return nil, nil, err
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, errors.NewWorkerError("create worker socketpair", err).WithWorkerID(req.Bootstrap.WorkerID)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	parentFile := os.NewFile(uintptr(fds[0]), "forkpool-pool")
	childFile := os.NewFile(uintptr(fds[1]), "forkpool-worker")
	defer childFile.Close()

	conn, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		return nil, nil, errors.NewWorkerError("wrap worker socket", err).WithWorkerID(req.Bootstrap.WorkerID)
	}

	cmd := exec.Command(path, args...)
	cmd.Stdin = &boot
	cmd.ExtraFiles = []*os.File{childFile}
	// Each worker leads its own process group so Kill reaches anything it
	// started.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Stdout = r.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stderr
	}
	cmd.Stderr = r.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, nil, errors.Wrap(errors.ErrCanceled, "start worker")
	}
	if err := cmd.Start(); err != nil {
		conn.Close()
		return nil, nil, errors.NewWorkerError("start worker process", err).WithWorkerID(req.Bootstrap.WorkerID)
	}

	p := &execProcess{exitState: newExitState(), cmd: cmd}
	go p.reap()
	return p, ipc.NewChannel(conn), nil
}

type execProcess struct {
	*exitState
	cmd *exec.Cmd
}

func (p *execProcess) reap() {
	err := p.cmd.Wait()
	code := p.cmd.ProcessState.ExitCode()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && code >= 0 {
		err = nil
	}
	p.finish(code, err)
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

// Kill sends SIGKILL to the worker's process group.
func (p *execProcess) Kill() error {
	select {
	case <-p.Done():
		return nil
	default:
	}
	err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// ChildChannel returns the pool channel inside a process started by
// ExecRunner.
func ChildChannel() (*ipc.Channel, error) {
	f := os.NewFile(childChannelFD, "forkpool-pool")
	if f == nil {
		return nil, errors.NewValidationError("pool channel descriptor missing").WithField("fd").WithValue(childChannelFD)
	}
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, errors.Wrap(err, "attach pool channel")
	}
	return ipc.NewChannel(conn), nil
}
