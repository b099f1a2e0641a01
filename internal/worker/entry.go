package worker

import (
	"context"
	"sort"
	"sync"
)

// EntryPoint is the user code a worker runs.
type EntryPoint interface {
	// Initialize runs once before the worker reports itself started. An
	// error fails the start handshake.
	Initialize(w *Worker) error

	// Run is the entry point's main loop. ctx is canceled when the worker
	// stops. Returning nil leaves the worker serving jobs; returning an
	// error crashes the worker.
	Run(ctx context.Context) error
}

// JobHandler is implemented by entry points of JOB workers.
type JobHandler interface {
	// HandleJob executes one job. ctx carries the job's time limit and is
	// canceled when the worker stops without waiting for its last job.
	HandleJob(ctx context.Context, data []byte) ([]byte, error)
}

// Factory creates a fresh entry point for one worker process.
type Factory func() EntryPoint

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes an entry point available under name. Registering a name
// twice replaces the earlier factory.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Entries returns the registered entry point names in sorted order.
func Entries() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
