// Package event provides a pub-sub event bus through which the pool reports
// its lifecycle to telemetry collaborators and tests.
//
// # Main Types
//
//   - [Event]: Interface that all events must implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub event dispatcher with thread-safe operations
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Categories
//
// Worker lifecycle:
//   - [WorkerSpawnedEvent]: a worker completed its start handshake
//   - [WorkerExitedEvent]: a worker process exited or lost its channel
//   - [WorkerRestartEvent]: the restart policy decided what to do with an exited worker
//
// Group and pool:
//   - [GroupScaledEvent]: a scaling decision changed a group's target size
//   - [PoolFailedEvent]: the pool hit an unrecoverable failure
//   - [PoolStoppedEvent]: the pool finished shutting down
//
// # Thread Safety
//
// The [Bus] type is safe for concurrent use. Handlers are called
// synchronously on the publishing goroutine and protected from panics, so a
// misbehaving handler cannot take down the supervision loop.
//
// # Usage
//
//	bus := event.NewBus()
//	bus.Subscribe(event.TypeWorkerExited, func(e event.Event) {
//	    exited := e.(event.WorkerExitedEvent)
//	    log.Printf("worker %d exited: %s", exited.WorkerID, exited.Reason)
//	})
package event
