package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/forkpool/internal/ipc"
	"github.com/Iron-Ham/forkpool/internal/restart"
	"github.com/Iron-Ham/forkpool/internal/runner"
	"github.com/Iron-Ham/forkpool/internal/scaling"
	"github.com/Iron-Ham/forkpool/internal/socket"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "groups[0].max_workers")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidTieBreaks returns the list of valid router tie-break policies
func ValidTieBreaks() []string {
	return []string{"weight", "count"}
}

// ValidKinds returns the list of valid group kinds
func ValidKinds() []string {
	return []string{ipc.KindJob, ipc.KindReactor}
}

// ValidRestartPolicies returns the list of valid restart policies
func ValidRestartPolicies() []string {
	return []string{restart.PolicyNever, restart.PolicyAlways, restart.PolicyLimited, restart.PolicyBackoff}
}

// ValidScalingPolicies returns the list of valid scaling policies
func ValidScalingPolicies() []string {
	return []string{scaling.PolicyFixed, scaling.PolicyThreshold}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validatePool()...)
	errors = append(errors, c.validateSocket()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateGroups()...)

	return errors
}

func oneOf(field string, value string, valid []string) []ValidationError {
	if slices.Contains(valid, value) {
		return nil
	}
	return []ValidationError{{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(valid, ", ")),
	}}
}

// validatePool validates the PoolConfig
func (c *Config) validatePool() []ValidationError {
	var errors []ValidationError

	if c.Pool.TickInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pool.tick_interval",
			Value:   c.Pool.TickInterval,
			Message: "must be positive",
		})
	}
	if c.Pool.StartTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pool.start_timeout",
			Value:   c.Pool.StartTimeout,
			Message: "must be positive",
		})
	}
	if c.Pool.ShutdownTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pool.shutdown_timeout",
			Value:   c.Pool.ShutdownTimeout,
			Message: "must be positive",
		})
	}
	if c.Pool.QueueLimit < 0 {
		errors = append(errors, ValidationError{
			Field:   "pool.queue_limit",
			Value:   c.Pool.QueueLimit,
			Message: "must be non-negative (0 = unbounded)",
		})
	}
	if c.Pool.TieBreak != "" {
		errors = append(errors, oneOf("pool.tie_break", c.Pool.TieBreak, ValidTieBreaks())...)
	}
	if c.Pool.Runner != "" {
		errors = append(errors, oneOf("pool.runner", c.Pool.Runner, runner.ValidRunners())...)
	}

	return errors
}

// validateSocket validates the SocketConfig
func (c *Config) validateSocket() []ValidationError {
	if c.Socket.Transport == "" {
		return nil
	}
	return oneOf("socket.transport", c.Socket.Transport, socket.ValidTransports())
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" {
		errors = append(errors, oneOf("logging.level", strings.ToLower(c.Logging.Level), ValidLogLevels())...)
	}

	// Max size must be non-negative; zero disables rotation
	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateGroups validates each GroupConfig. Job group patterns are checked
// by BuildGroups, which needs the whole group list.
func (c *Config) validateGroups() []ValidationError {
	var errors []ValidationError

	if len(c.Groups) == 0 {
		errors = append(errors, ValidationError{
			Field:   "groups",
			Value:   0,
			Message: "at least one group is required",
		})
	}

	seen := make(map[string]bool, len(c.Groups))
	for i, g := range c.Groups {
		prefix := fmt.Sprintf("groups[%d]", i)

		if g.Name == "" {
			errors = append(errors, ValidationError{Field: prefix + ".name", Value: g.Name, Message: "must not be empty"})
		} else if seen[g.Name] {
			errors = append(errors, ValidationError{Field: prefix + ".name", Value: g.Name, Message: "is declared more than once"})
		}
		seen[g.Name] = true

		errors = append(errors, oneOf(prefix+".kind", g.Kind, ValidKinds())...)

		if g.Entry == "" {
			errors = append(errors, ValidationError{Field: prefix + ".entry", Value: g.Entry, Message: "must not be empty"})
		}
		if g.MinWorkers < 0 {
			errors = append(errors, ValidationError{Field: prefix + ".min_workers", Value: g.MinWorkers, Message: "must be non-negative"})
		}
		if g.MaxWorkers < 1 {
			errors = append(errors, ValidationError{Field: prefix + ".max_workers", Value: g.MaxWorkers, Message: "must be at least 1"})
		} else if g.MaxWorkers < g.MinWorkers {
			errors = append(errors, ValidationError{
				Field:   prefix + ".max_workers",
				Value:   g.MaxWorkers,
				Message: fmt.Sprintf("must be at least min_workers (%d)", g.MinWorkers),
			})
		}
		if g.JobTimeLimit < 0 {
			errors = append(errors, ValidationError{Field: prefix + ".job_time_limit", Value: g.JobTimeLimit, Message: "must be non-negative"})
		}
		if len(g.Listen) > 0 && g.Kind != ipc.KindReactor {
			errors = append(errors, ValidationError{Field: prefix + ".listen", Value: g.Listen, Message: "only reactor groups may listen"})
		}

		errors = append(errors, oneOf(prefix+".restart.policy", g.Restart.Policy, ValidRestartPolicies())...)
		if g.Restart.MaxAttempts < 0 {
			errors = append(errors, ValidationError{Field: prefix + ".restart.max_attempts", Value: g.Restart.MaxAttempts, Message: "must be non-negative"})
		}
		if g.Restart.MaxDelay < g.Restart.InitialDelay {
			errors = append(errors, ValidationError{
				Field:   prefix + ".restart.max_delay",
				Value:   g.Restart.MaxDelay,
				Message: fmt.Sprintf("must be at least initial_delay (%s)", g.Restart.InitialDelay),
			})
		}

		errors = append(errors, oneOf(prefix+".scaling.policy", g.Scaling.Policy, ValidScalingPolicies())...)
		if g.Scaling.Policy == scaling.PolicyThreshold && g.Scaling.ScaleDownThreshold >= g.Scaling.ScaleUpThreshold {
			errors = append(errors, ValidationError{
				Field:   prefix + ".scaling.scale_down_threshold",
				Value:   g.Scaling.ScaleDownThreshold,
				Message: fmt.Sprintf("must be below scale_up_threshold (%d)", g.Scaling.ScaleUpThreshold),
			})
		}
	}

	return errors
}
