// Package logging provides structured logging for the pool and its workers.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// worker and group context propagation. The pool writes one log; worker
// processes do not write logs of their own but forward every record over
// their channel, and the pool re-emits it tagged with the worker's id and
// group.
//
// # Features
//
//   - JSON-formatted structured logging via slog (text when writing to a terminal)
//   - Configurable log levels (DEBUG, INFO, WARN, ERROR), changeable at runtime
//   - Context propagation (component, group, worker_id)
//   - Log rotation with configurable size limits
//   - Optional gzip compression for rotated logs
//   - Forwarding of worker records to the pool
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. The [RotatingWriter]
// type uses a mutex to protect file operations during rotation. Child
// loggers created via With* methods share the underlying writer and level.
//
// # Basic Usage
//
// Create a logger for a log directory:
//
//	logger, err := logging.NewLogger("/var/log/forkpool", "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.Info("pool starting", "groups", 3)
//
// # Context Propagation
//
// Create child loggers with persistent context attributes:
//
//	workerLogger := logger.WithGroup("web").WithWorker(4)
//	workerLogger.Warn("worker start timed out", "timeout", "30s")
//
// Output:
//
//	{"time":"...","level":"WARN","msg":"worker start timed out","group":"web","worker_id":4,"timeout":"30s"}
//
// # Forwarding
//
// Inside a worker process, [NewForwarding] returns a Logger whose records are
// handed to a [Sink] instead of being written. The pool side calls
// [Logger.Emit] with the received level, message and fields.
//
// # Log Rotation
//
// pool.log is rotated by size when [RotationConfig.MaxSizeMB] is positive.
// Rotated files are named pool.log.1, pool.log.2, etc., where .1 is the most
// recent backup. When compression is enabled, rotated files become
// pool.log.1.gz, etc.
//
// # Testing
//
// For testing, use [NopLogger] to discard all log output.
package logging
