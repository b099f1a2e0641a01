package pool

import (
	"time"

	"github.com/Iron-Ham/forkpool/internal/event"
	"github.com/Iron-Ham/forkpool/internal/logging"
	"github.com/Iron-Ham/forkpool/internal/router"
	"github.com/Iron-Ham/forkpool/internal/runner"
)

// Defaults for Options.
const (
	DefaultTickInterval    = time.Second
	DefaultStartTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	// exitGrace is how long a worker may outlive its closed channel before
	// the channel counts as lost and the process is killed.
	exitGrace = 3 * time.Second
)

// Option configures a Pool.
type Option func(*options)

type options struct {
	logger          *logging.Logger
	bus             *event.Bus
	runner          runner.Runner
	tick            time.Duration
	startTimeout    time.Duration
	shutdownTimeout time.Duration
	runDir          string
	queueLimit      int
	transport       string
	tieBreak        router.TieBreak
}

func defaultOptions() options {
	return options{
		tick:            DefaultTickInterval,
		startTimeout:    DefaultStartTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
		tieBreak:        router.LeastWeight,
	}
}

// WithLogger sets the pool logger. Worker log records are re-emitted
// through it.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEventBus publishes pool events on bus.
func WithEventBus(bus *event.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithRunner sets the runner used by groups that do not name their own.
func WithRunner(r runner.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithTickInterval sets how often scaling strategies are evaluated.
func WithTickInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.tick = d
		}
	}
}

// WithStartTimeout bounds the wait for a worker's start handshake.
func WithStartTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.startTimeout = d
		}
	}
}

// WithShutdownTimeout bounds a graceful stop. Workers still running when it
// expires are killed.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithRunDir places the state segment and broker socket in dir instead of a
// fresh temporary directory.
func WithRunDir(dir string) Option {
	return func(o *options) { o.runDir = dir }
}

// WithQueueLimit bounds the router queue. Zero means unbounded.
func WithQueueLimit(n int) Option {
	return func(o *options) { o.queueLimit = n }
}

// WithSocketTransport selects the socket handoff transport by name.
func WithSocketTransport(kind string) Option {
	return func(o *options) { o.transport = kind }
}

// WithTieBreak sets the router's load comparison.
func WithTieBreak(tb router.TieBreak) Option {
	return func(o *options) {
		if tb != nil {
			o.tieBreak = tb
		}
	}
}
