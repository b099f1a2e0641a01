// Package worker is the runtime that runs inside every worker process.
//
// A [Worker] owns exactly one [ipc.Channel] to the pool. It claims its record
// in the shared state segment, runs the group's [EntryPoint], executes jobs
// the pool dispatches to it and reports every job back with a JobResult so
// the pool's router can release the job's capacity.
//
// # Lifecycle
//
//	Initializing -> Running -> Stopping -> Stopped
//
// Initialize runs before the start handshake; a failing Initialize is
// reported as WorkerStarted{IsOK: false}. IpcShutdown, channel loss or
// cancellation of the Run context stop the worker immediately. Shutdown and
// SoftShutdown move it to Stopping: new jobs are rejected and the worker
// finalizes once in-flight jobs complete (or, for Shutdown{AfterLastJob:
// false}, once they have been canceled).
//
// The entry point's Run returning nil does not stop the worker; it keeps
// serving jobs until the pool tells it to stop. Run returning an error is a
// crash.
//
// # Client API
//
// From inside a worker, entry points submit jobs to other groups with
// [Worker.SendJob], obtain listening sockets with [Worker.Listen], ask for
// more workers with [Worker.RequestScaling] and ask the pool to stop with
// [Worker.RequestPoolShutdown]. [Worker.Logger] forwards records to the
// pool's log.
package worker
