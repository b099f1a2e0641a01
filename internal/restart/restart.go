// Package restart provides the restart policies the pool consults each time
// a worker exits.
//
// A Strategy turns an ExitResult into a Decision: restart now, restart after
// a delay, or give up with a reason. Strategies may keep per-worker attempt
// counters; the pool reuses a worker's id when it restarts it, so counters
// follow the logical worker across restarts.
package restart

import (
	"fmt"
	"sync"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
)

// Action is the kind of a restart decision.
type Action int

const (
	// ActionRestartNow relaunches the worker immediately.
	ActionRestartNow Action = iota
	// ActionRestartAfter relaunches the worker after Decision.Delay.
	ActionRestartAfter
	// ActionGiveUp leaves the worker down; Decision.Reason says why.
	ActionGiveUp
)

// String returns the string representation of the action.
func (a Action) String() string {
	switch a {
	case ActionRestartNow:
		return "restart_now"
	case ActionRestartAfter:
		return "restart_after"
	case ActionGiveUp:
		return "give_up"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a restart policy.
type Decision struct {
	Action Action
	Delay  time.Duration
	Reason string
}

// RestartNow returns an immediate restart decision.
func RestartNow() Decision { return Decision{Action: ActionRestartNow} }

// RestartAfter returns a delayed restart decision.
func RestartAfter(d time.Duration) Decision {
	return Decision{Action: ActionRestartAfter, Delay: d}
}

// GiveUp returns a decision to leave the worker down.
func GiveUp(reason string) Decision {
	return Decision{Action: ActionGiveUp, Reason: reason}
}

func (d Decision) String() string {
	switch d.Action {
	case ActionRestartAfter:
		return fmt.Sprintf("%s(%s)", d.Action, d.Delay)
	case ActionGiveUp:
		return fmt.Sprintf("%s(%s)", d.Action, d.Reason)
	default:
		return d.Action.String()
	}
}

// ExitResult describes how a worker ended.
type ExitResult struct {
	WorkerID int
	GroupID  int
	// Code is the process exit code, or -1 if the process did not exit
	// normally.
	Code int
	// Err is the error the worker failed with, if any.
	Err error
	// ChannelLost is set when the channel to the worker broke before the
	// process exited.
	ChannelLost bool
}

// Clean reports whether the worker exited with code 0 and no error.
func (r ExitResult) Clean() bool {
	return r.Code == 0 && r.Err == nil && !r.ChannelLost
}

func (r ExitResult) String() string {
	switch {
	case r.ChannelLost:
		return fmt.Sprintf("worker %d: channel lost", r.WorkerID)
	case r.Err != nil:
		return fmt.Sprintf("worker %d: exit code %d: %v", r.WorkerID, r.Code, r.Err)
	default:
		return fmt.Sprintf("worker %d: exit code %d", r.WorkerID, r.Code)
	}
}

// Strategy decides what happens after a worker exits.
type Strategy interface {
	// Name identifies the policy in logs and failure reasons.
	Name() string
	// Decide is called once per worker exit.
	Decide(exit ExitResult) Decision
}

// Resetter is implemented by strategies that track attempts per worker.
// The pool calls Reset when a worker id is retired rather than restarted.
type Resetter interface {
	Reset(workerID int)
}

// -----------------------------------------------------------------------------
// Never / Always
// -----------------------------------------------------------------------------

// Never never restarts a worker.
type Never struct{}

// Name implements Strategy.
func (Never) Name() string { return "never" }

// Decide implements Strategy.
func (Never) Decide(exit ExitResult) Decision {
	return GiveUp(fmt.Sprintf("restart policy %q: %s", "never", exit))
}

// Always restarts every worker immediately, without limit.
type Always struct{}

// Name implements Strategy.
func (Always) Name() string { return "always" }

// Decide implements Strategy.
func (Always) Decide(ExitResult) Decision { return RestartNow() }

// -----------------------------------------------------------------------------
// Limited
// -----------------------------------------------------------------------------

// attempts counts restarts per worker id. It is safe for concurrent use.
type attempts struct {
	mu     sync.Mutex
	counts map[int]int
}

func (a *attempts) next(workerID int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.counts == nil {
		a.counts = make(map[int]int)
	}
	a.counts[workerID]++
	return a.counts[workerID]
}

func (a *attempts) reset(workerID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.counts, workerID)
}

// Limited restarts a worker immediately at most MaxAttempts times, then
// gives up with Reason.
type Limited struct {
	MaxAttempts int
	Reason      string

	attempts attempts
}

// NewLimited returns a Limited strategy. An empty reason gets a default.
func NewLimited(maxAttempts int, reason string) *Limited {
	if reason == "" {
		reason = fmt.Sprintf("restart policy %q: exceeded %d attempts", "limited", maxAttempts)
	}
	return &Limited{MaxAttempts: maxAttempts, Reason: reason}
}

// Name implements Strategy.
func (l *Limited) Name() string { return "limited" }

// Decide implements Strategy.
func (l *Limited) Decide(exit ExitResult) Decision {
	if l.attempts.next(exit.WorkerID) > l.MaxAttempts {
		return GiveUp(l.Reason)
	}
	return RestartNow()
}

// Reset implements Resetter.
func (l *Limited) Reset(workerID int) { l.attempts.reset(workerID) }

// -----------------------------------------------------------------------------
// Backoff
// -----------------------------------------------------------------------------

// Backoff restarts a worker after a jittered, exponentially growing delay,
// at most MaxAttempts times. A MaxAttempts of zero means unlimited.
type Backoff struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration

	attempts attempts

	mu    sync.Mutex
	delay map[int]func() time.Duration
}

// NewBackoff returns a Backoff strategy.
func NewBackoff(maxAttempts int, initial, max time.Duration) *Backoff {
	return &Backoff{
		MaxAttempts: maxAttempts,
		Initial:     initial,
		Max:         max,
		delay:       make(map[int]func() time.Duration),
	}
}

// Name implements Strategy.
func (b *Backoff) Name() string { return "backoff" }

// Decide implements Strategy.
func (b *Backoff) Decide(exit ExitResult) Decision {
	if n := b.attempts.next(exit.WorkerID); b.MaxAttempts > 0 && n > b.MaxAttempts {
		return GiveUp(fmt.Sprintf("restart policy %q: exceeded %d attempts", b.Name(), b.MaxAttempts))
	}
	return RestartAfter(b.nextDelay(exit.WorkerID))
}

func (b *Backoff) nextDelay(workerID int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	next, ok := b.delay[workerID]
	if !ok {
		bo := boff.New(b.Initial, b.Max, time.Now().UnixNano()+int64(workerID))
		next = bo.Next
		b.delay[workerID] = next
	}
	return next()
}

// Reset implements Resetter.
func (b *Backoff) Reset(workerID int) {
	b.attempts.reset(workerID)
	b.mu.Lock()
	delete(b.delay, workerID)
	b.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Construction by name
// -----------------------------------------------------------------------------

// Policy names accepted by New.
const (
	PolicyNever   = "never"
	PolicyAlways  = "always"
	PolicyLimited = "limited"
	PolicyBackoff = "backoff"
)

// Config describes a restart policy by name.
type Config struct {
	Policy       string
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Reason       string
}

// New builds a fresh Strategy from cfg. Each group gets its own instance so
// attempt counters are never shared between groups.
func New(cfg Config) (Strategy, error) {
	switch cfg.Policy {
	case PolicyNever:
		return Never{}, nil
	case PolicyAlways, "":
		return Always{}, nil
	case PolicyLimited:
		return NewLimited(cfg.MaxAttempts, cfg.Reason), nil
	case PolicyBackoff:
		return NewBackoff(cfg.MaxAttempts, cfg.InitialDelay, cfg.MaxDelay), nil
	default:
		return nil, fmt.Errorf("unknown restart policy %q", cfg.Policy)
	}
}
