package ipc

import (
	"time"

	"github.com/google/uuid"
)

// JobOption configures a job envelope before submission.
type JobOption func(*JobEnvelope)

// ToGroups restricts the job to workers of the given groups.
func ToGroups(ids ...int) JobOption {
	return func(e *JobEnvelope) { e.AllowedGroups = append(e.AllowedGroups, ids...) }
}

// ToWorkers restricts the job to the given worker ids.
func ToWorkers(ids ...int) JobOption {
	return func(e *JobEnvelope) { e.AllowedWorkers = append(e.AllowedWorkers, ids...) }
}

// WithPriority sets the priority; higher is served first.
func WithPriority(p int) JobOption {
	return func(e *JobEnvelope) { e.Priority = p }
}

// WithWeight sets the cost hint charged to the executing worker.
func WithWeight(w int64) JobOption {
	return func(e *JobEnvelope) { e.Weight = w }
}

// WithTimeLimit bounds the job's execution time.
func WithTimeLimit(d time.Duration) JobOption {
	return func(e *JobEnvelope) { e.TimeLimit = d }
}

// AwaitResult asks for the job's result to be delivered to a future.
func AwaitResult() JobOption {
	return func(e *JobEnvelope) { e.AwaitResult = true }
}

// Immediately fails the submission instead of queueing it when no worker
// is ready.
func Immediately() JobOption {
	return func(e *JobEnvelope) { e.Immediate = true }
}

// NewJob builds an envelope with a fresh id. A correlation id is assigned
// when, and only when, the result is awaited.
func NewJob(data []byte, opts ...JobOption) JobEnvelope {
	env := JobEnvelope{ID: uuid.NewString(), Data: data, Weight: 1}
	for _, opt := range opts {
		opt(&env)
	}
	if env.AwaitResult {
		if env.CorrelationID == "" {
			env.CorrelationID = uuid.NewString()
		}
	} else {
		env.CorrelationID = ""
	}
	return env
}
