package scaling

// Action represents a scaling decision action.
type Action string

const (
	// ActionScaleUp indicates more workers should be added.
	ActionScaleUp Action = "scale_up"

	// ActionScaleDown indicates workers should be removed.
	ActionScaleDown Action = "scale_down"

	// ActionNone indicates no scaling change is needed.
	ActionNone Action = "none"
)

// String returns the string representation of the action.
func (a Action) String() string {
	return string(a)
}

// Decision is the result of evaluating a scaling strategy against a group's
// current metrics.
type Decision struct {
	// Action is the recommended scaling action.
	Action Action

	// Delta is the number of workers to add (positive) or remove (negative).
	// Zero when Action is ActionNone.
	Delta int

	// Reason is a human-readable explanation of the decision.
	Reason string
}

// Metrics is the load of one group as seen in the shared state segment.
type Metrics struct {
	GroupID       int
	ActiveWorkers int
	ReadyWorkers  int
	// QueueDepth counts jobs held by the router because no worker of the
	// group was ready.
	QueueDepth    int
	PendingWeight int64
	// JobCount and JobWeight sum the in-flight jobs of the group's workers.
	JobCount   int64
	JobWeight  int64
	MinWorkers int
	MaxWorkers int
}

// Strategy decides how many workers a group should gain or lose.
type Strategy interface {
	Name() string
	Evaluate(m Metrics) Decision
}

// Fixed keeps a group at its current size. The pool still enforces the
// group's minimum.
type Fixed struct{}

// Name implements Strategy.
func (Fixed) Name() string { return "fixed" }

// Evaluate implements Strategy.
func (Fixed) Evaluate(Metrics) Decision {
	return Decision{Action: ActionNone, Reason: "fixed size"}
}

// Clamp limits target to [min, max]. A max of zero means unbounded.
func Clamp(target, minWorkers, maxWorkers int) int {
	if maxWorkers > 0 && target > maxWorkers {
		target = maxWorkers
	}
	if target < minWorkers {
		target = minWorkers
	}
	return target
}
