// Package errors provides centralized error definitions and error handling utilities
// for forkpool. It defines domain-specific errors, semantic error types, error
// constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent failures of one subsystem:
//   - ConfigError: invalid pool or group configuration (fatal at Run start)
//   - WorkerError: a worker crashed, exited, or lost its channel
//   - JobError: a single job failed, timed out, or lost its worker
//   - TransferError: a socket handoff attempt failed
//   - PoolError: the pool itself cannot continue
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewJobError("handler failed", cause).WithJobID(id)
//	if errors.Is(err, errors.ErrJobTimeLimit) { ... }
//
//	var workerErr *errors.WorkerError
//	if errors.As(err, &workerErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions so callers need only this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Configuration sentinel errors
var (
	// ErrPoolStarted indicates a configuration call made after Run started.
	ErrPoolStarted = New("pool already started")
	// ErrUnknownGroup indicates a reference to an undeclared group.
	ErrUnknownGroup = New("unknown worker group")
	// ErrNoJobGroups indicates a job was submitted by a group with no job groups.
	ErrNoJobGroups = New("no job groups defined")
	// ErrDuplicateGroup indicates two groups share an id or name.
	ErrDuplicateGroup = New("duplicate worker group")
)

// Worker sentinel errors
var (
	// ErrWorkerLost indicates the worker died before responding.
	ErrWorkerLost = New("worker lost")
	// ErrWorkerStopping indicates the worker no longer accepts jobs.
	ErrWorkerStopping = New("worker is stopping")
	// ErrStartFailed indicates a worker did not complete its start handshake.
	ErrStartFailed = New("worker failed to start")
	// ErrChannelClosed indicates the worker channel is closed.
	ErrChannelClosed = New("channel closed")
)

// Job routing sentinel errors
var (
	// ErrNoReadyWorker indicates no candidate worker is ready for an immediate send.
	ErrNoReadyWorker = New("no ready worker")
	// ErrQueueFull indicates the router queue reached its limit.
	ErrQueueFull = New("job queue full")
	// ErrJobTimeLimit indicates a job exceeded its time limit.
	ErrJobTimeLimit = New("job time limit exceeded")
)

// Socket handoff sentinel errors
var (
	// ErrTransferKeyUsed indicates a transfer key was already consumed.
	ErrTransferKeyUsed = New("transfer key already used")
	// ErrTransferNotFound indicates an unknown transfer key.
	ErrTransferNotFound = New("transfer not found")
	// ErrSocketNotFound indicates an unknown or already freed socket id.
	ErrSocketNotFound = New("socket not found")
	// ErrBrokerUnavailable indicates the socket broker cannot be reached.
	ErrBrokerUnavailable = New("socket broker unavailable")
)

// Pool sentinel errors
var (
	// ErrMinWorkers indicates a group can no longer keep its minimum worker count.
	ErrMinWorkers = New("minimum workers unsustainable")
	// ErrPoolStopped indicates the pool is shutting down or stopped.
	ErrPoolStopped = New("pool stopped")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// PoolFailure is the base interface for all forkpool errors.
type PoolFailure interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the operation may succeed on retry.
	IsRetryable() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// ConfigError represents an invalid pool or group configuration. Configuration
// errors are fatal at Run start and never retried.
//
// Example:
//
//	err := errors.NewConfigError("job group not declared", errors.ErrUnknownGroup).WithGroup("web")
//	fmt.Println(err) // "config error [group=web]: job group not declared: unknown worker group"
type ConfigError struct {
	baseError
	Group string
	Field string
}

// NewConfigError creates a new ConfigError.
func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityCritical,
		},
	}
}

// WithGroup adds a group name to the error context.
func (e *ConfigError) WithGroup(name string) *ConfigError {
	e.Group = name
	return e
}

// WithField adds a configuration field to the error context.
func (e *ConfigError) WithField(field string) *ConfigError {
	e.Field = field
	return e
}

// Error returns the formatted error message.
func (e *ConfigError) Error() string {
	var parts []string
	if e.Group != "" {
		parts = append(parts, fmt.Sprintf("group=%s", e.Group))
	}
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	return e.format("config error", parts)
}

// Is checks if this error matches the target.
func (e *ConfigError) Is(target error) bool {
	if _, ok := target.(*ConfigError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// WorkerError represents a worker crash, exit, or channel loss.
//
// Example:
//
//	err := errors.NewWorkerError("channel lost", errors.ErrChannelClosed).WithWorkerID(3).WithGroup("jobs")
type WorkerError struct {
	baseError
	WorkerID int
	Group    string
}

// NewWorkerError creates a new WorkerError.
func NewWorkerError(message string, cause error) *WorkerError {
	return &WorkerError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithWorkerID adds a worker id to the error context.
func (e *WorkerError) WithWorkerID(id int) *WorkerError {
	e.WorkerID = id
	return e
}

// WithGroup adds a group name to the error context.
func (e *WorkerError) WithGroup(name string) *WorkerError {
	e.Group = name
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *WorkerError) WithRetryable(r bool) *WorkerError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *WorkerError) Error() string {
	var parts []string
	if e.WorkerID != 0 {
		parts = append(parts, fmt.Sprintf("worker=%d", e.WorkerID))
	}
	if e.Group != "" {
		parts = append(parts, fmt.Sprintf("group=%s", e.Group))
	}
	return e.format("worker error", parts)
}

// Is checks if this error matches the target.
func (e *WorkerError) Is(target error) bool {
	if _, ok := target.(*WorkerError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// JobError represents the failure of a single job. It never affects the
// lifecycle of the worker that ran it.
//
// Example:
//
//	err := errors.NewJobError("time limit", errors.ErrJobTimeLimit).WithJobID(id).WithWorkerID(2)
type JobError struct {
	baseError
	JobID    string
	WorkerID int
}

// NewJobError creates a new JobError.
func NewJobError(message string, cause error) *JobError {
	return &JobError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityWarning,
		},
	}
}

// WithJobID adds a job id to the error context.
func (e *JobError) WithJobID(id string) *JobError {
	e.JobID = id
	return e
}

// WithWorkerID adds the executing worker id to the error context.
func (e *JobError) WithWorkerID(id int) *JobError {
	e.WorkerID = id
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *JobError) WithRetryable(r bool) *JobError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *JobError) Error() string {
	var parts []string
	if e.JobID != "" {
		parts = append(parts, fmt.Sprintf("job=%s", e.JobID))
	}
	if e.WorkerID != 0 {
		parts = append(parts, fmt.Sprintf("worker=%d", e.WorkerID))
	}
	return e.format("job error", parts)
}

// Is checks if this error matches the target.
func (e *JobError) Is(target error) bool {
	if _, ok := target.(*JobError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TransferError represents a failed socket handoff. The requesting worker
// should retry or escalate; it is never process-fatal.
type TransferError struct {
	baseError
	Key     string
	Address string
}

// NewTransferError creates a new TransferError.
func NewTransferError(message string, cause error) *TransferError {
	return &TransferError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityWarning,
			retryable: true,
		},
	}
}

// WithKey adds the transfer key to the error context.
func (e *TransferError) WithKey(key string) *TransferError {
	e.Key = key
	return e
}

// WithAddress adds the socket address to the error context.
func (e *TransferError) WithAddress(addr string) *TransferError {
	e.Address = addr
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *TransferError) WithRetryable(r bool) *TransferError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *TransferError) Error() string {
	var parts []string
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("key=%s", e.Key))
	}
	if e.Address != "" {
		parts = append(parts, fmt.Sprintf("address=%s", e.Address))
	}
	return e.format("transfer error", parts)
}

// Is checks if this error matches the target.
func (e *TransferError) Is(target error) bool {
	if _, ok := target.(*TransferError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// PoolError represents a fatal pool failure. Reason is the recorded fail
// reason reported with the non-zero exit.
type PoolError struct {
	baseError
	Group  string
	Reason string
}

// NewPoolError creates a new PoolError.
func NewPoolError(message string, cause error) *PoolError {
	return &PoolError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityCritical,
		},
	}
}

// WithGroup adds a group name to the error context.
func (e *PoolError) WithGroup(name string) *PoolError {
	e.Group = name
	return e
}

// WithReason records the fail reason.
func (e *PoolError) WithReason(reason string) *PoolError {
	e.Reason = reason
	return e
}

// Error returns the formatted error message.
func (e *PoolError) Error() string {
	var parts []string
	if e.Group != "" {
		parts = append(parts, fmt.Sprintf("group=%s", e.Group))
	}
	if e.Reason != "" {
		parts = append(parts, fmt.Sprintf("reason=%s", e.Reason))
	}
	return e.format("pool error", parts)
}

// Is checks if this error matches the target.
func (e *PoolError) Is(target error) bool {
	if _, ok := target.(*PoolError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:  fmt.Sprintf("%s not found", resourceType),
			severity: SeverityWarning,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	base := fmt.Sprintf("%s %q not found", e.ResourceType, e.ResourceID)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			severity: SeverityWarning,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("validation error", parts)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("waiting for worker start", 5*time.Second)
//	fmt.Println(err) // "timeout error: waiting for worker start (timeout: 5s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   operation,
			severity:  SeverityWarning,
			retryable: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var failure PoolFailure
	if As(err, &failure) {
		return failure.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement PoolFailure.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var failure PoolFailure
	if As(err, &failure) {
		return failure.Severity()
	}

	return SeverityError
}

// IsFatal reports whether err must terminate the pool: configuration errors
// and pool errors are fatal, everything else is scoped to a worker or job.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var configErr *ConfigError
	var poolErr *PoolError
	return As(err, &configErr) || As(err, &poolErr)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
