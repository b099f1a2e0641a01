package runner

import "github.com/Iron-Ham/forkpool/internal/errors"

// ValidRunners lists the accepted runner names.
func ValidRunners() []string {
	return []string{NameExec, NameInProcess}
}

// New returns the runner called name. An empty name selects ExecRunner
// where it is supported.
func New(name string) (Runner, error) {
	switch name {
	case "":
		if ExecSupported {
			return &ExecRunner{}, nil
		}
		return NewInProcessRunner(), nil
	case NameExec:
		return &ExecRunner{}, nil
	case NameInProcess:
		return NewInProcessRunner(), nil
	default:
		return nil, errors.NewConfigError("unknown runner "+name, errors.ErrInvalidInput).WithField("runner")
	}
}
