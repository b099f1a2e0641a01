package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "worker.spawned").
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeWorkerSpawned = "worker.spawned"
	TypeWorkerExited  = "worker.exited"
	TypeWorkerRestart = "worker.restart"
	TypeGroupScaled   = "group.scaled"
	TypePoolFailed    = "pool.failed"
	TypePoolStopped   = "pool.stopped"
)

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Worker Lifecycle Events
// -----------------------------------------------------------------------------

// WorkerSpawnedEvent is emitted when a worker reports a successful start.
type WorkerSpawnedEvent struct {
	baseEvent
	WorkerID int
	Group    string
	PID      int
}

// NewWorkerSpawnedEvent creates a WorkerSpawnedEvent.
func NewWorkerSpawnedEvent(workerID int, group string, pid int) WorkerSpawnedEvent {
	return WorkerSpawnedEvent{
		baseEvent: newBaseEvent(TypeWorkerSpawned),
		WorkerID:  workerID,
		Group:     group,
		PID:       pid,
	}
}

// WorkerExitedEvent is emitted when a worker is reaped.
type WorkerExitedEvent struct {
	baseEvent
	WorkerID    int
	Group       string
	Code        int
	ChannelLost bool
	Reason      string // Human-readable exit description
}

// NewWorkerExitedEvent creates a WorkerExitedEvent.
func NewWorkerExitedEvent(workerID int, group string, code int, channelLost bool, reason string) WorkerExitedEvent {
	return WorkerExitedEvent{
		baseEvent:   newBaseEvent(TypeWorkerExited),
		WorkerID:    workerID,
		Group:       group,
		Code:        code,
		ChannelLost: channelLost,
		Reason:      reason,
	}
}

// WorkerRestartEvent is emitted after the restart policy was consulted.
type WorkerRestartEvent struct {
	baseEvent
	WorkerID int
	Group    string
	Policy   string
	Decision string // "restart_now", "restart_after", or "give_up"
	Delay    time.Duration
	Reason   string
}

// NewWorkerRestartEvent creates a WorkerRestartEvent.
func NewWorkerRestartEvent(workerID int, group, policy, decision string, delay time.Duration, reason string) WorkerRestartEvent {
	return WorkerRestartEvent{
		baseEvent: newBaseEvent(TypeWorkerRestart),
		WorkerID:  workerID,
		Group:     group,
		Policy:    policy,
		Decision:  decision,
		Delay:     delay,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Group and Pool Events
// -----------------------------------------------------------------------------

// GroupScaledEvent is emitted when a group's size is changed by a scaling
// decision or a worker's scaling request.
type GroupScaledEvent struct {
	baseEvent
	Group    string
	Previous int
	Target   int
	Reason   string
}

// NewGroupScaledEvent creates a GroupScaledEvent.
func NewGroupScaledEvent(group string, previous, target int, reason string) GroupScaledEvent {
	return GroupScaledEvent{
		baseEvent: newBaseEvent(TypeGroupScaled),
		Group:     group,
		Previous:  previous,
		Target:    target,
		Reason:    reason,
	}
}

// Delta returns the signed change in worker count.
func (e GroupScaledEvent) Delta() int {
	return e.Target - e.Previous
}

// PoolFailedEvent is emitted when the pool terminates on a fatal error.
type PoolFailedEvent struct {
	baseEvent
	Group  string
	Reason string
	Err    error
}

// NewPoolFailedEvent creates a PoolFailedEvent.
func NewPoolFailedEvent(group, reason string, err error) PoolFailedEvent {
	return PoolFailedEvent{
		baseEvent: newBaseEvent(TypePoolFailed),
		Group:     group,
		Reason:    reason,
		Err:       err,
	}
}

// PoolStoppedEvent is emitted once every worker has exited.
type PoolStoppedEvent struct {
	baseEvent
	Graceful bool // False when stragglers had to be killed
	Workers  int  // Number of workers that were running when stop began
}

// NewPoolStoppedEvent creates a PoolStoppedEvent.
func NewPoolStoppedEvent(graceful bool, workers int) PoolStoppedEvent {
	return PoolStoppedEvent{
		baseEvent: newBaseEvent(TypePoolStopped),
		Graceful:  graceful,
		Workers:   workers,
	}
}
