package worker

// State is a worker lifecycle state.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateStopping
	StateStopped
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// AcceptsJobs reports whether new jobs may start in this state.
func (s State) AcceptsJobs() bool {
	return s == StateRunning
}
