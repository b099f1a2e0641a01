package scaling

import (
	"fmt"
	"sync"
	"time"
)

// Default policy values.
const (
	defaultScaleUpThreshold   = 2
	defaultScaleDownThreshold = 0
	defaultCooldownPeriod     = 30 * time.Second
)

// Option configures a Policy.
type Option func(*Policy)

// WithScaleUpThreshold sets the queue depth above which to scale up.
func WithScaleUpThreshold(n int) Option {
	return func(p *Policy) { p.scaleUpThreshold = n }
}

// WithScaleDownThreshold sets the in-flight job count at or below which an
// idle group (empty queue) is scaled down.
func WithScaleDownThreshold(n int) Option {
	return func(p *Policy) { p.scaleDownThreshold = n }
}

// WithCooldownPeriod sets the minimum time between scaling decisions.
func WithCooldownPeriod(d time.Duration) Option {
	return func(p *Policy) { p.cooldownPeriod = d }
}

// Policy defines threshold rules for elastic scaling decisions. Bounds come
// from the group metrics, so one Policy serves exactly one group.
// It is safe for concurrent use.
type Policy struct {
	mu                 sync.Mutex
	scaleUpThreshold   int
	scaleDownThreshold int
	cooldownPeriod     time.Duration
	lastDecisionTime   time.Time
}

// NewPolicy creates a Policy with the given options.
// Unset options use defaults.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		scaleUpThreshold:   defaultScaleUpThreshold,
		scaleDownThreshold: defaultScaleDownThreshold,
		cooldownPeriod:     defaultCooldownPeriod,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements Strategy.
func (p *Policy) Name() string { return "threshold" }

// Evaluate inspects the group metrics, returning a scaling decision. The
// cooldown period prevents rapid scaling thrash.
func (p *Policy) Evaluate(m Metrics) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()

	if !p.lastDecisionTime.IsZero() && now.Sub(p.lastDecisionTime) < p.cooldownPeriod {
		return Decision{
			Action: ActionNone,
			Reason: "cooldown period active",
		}
	}

	current := m.ActiveWorkers

	// Scale up: the router is holding jobs because no worker was ready.
	if m.QueueDepth > p.scaleUpThreshold && (m.MaxWorkers == 0 || current < m.MaxWorkers) {
		delta := m.QueueDepth - m.ReadyWorkers
		if delta < 1 {
			delta = 1
		}
		if m.MaxWorkers > 0 && current+delta > m.MaxWorkers {
			delta = m.MaxWorkers - current
		}
		if delta > 0 {
			p.lastDecisionTime = now
			return Decision{
				Action: ActionScaleUp,
				Delta:  delta,
				Reason: fmt.Sprintf("%d queued jobs with %d ready workers (threshold: %d)", m.QueueDepth, m.ReadyWorkers, p.scaleUpThreshold),
			}
		}
	}

	// Scale down: nothing queued and few jobs in flight.
	if m.QueueDepth == 0 && m.JobCount <= int64(p.scaleDownThreshold) && current > m.MinWorkers {
		p.lastDecisionTime = now
		return Decision{
			Action: ActionScaleDown,
			Delta:  -1,
			Reason: fmt.Sprintf("no queued jobs with %d in flight (threshold: %d)", m.JobCount, p.scaleDownThreshold),
		}
	}

	return Decision{
		Action: ActionNone,
		Reason: "no scaling needed",
	}
}

// Strategy names accepted by New.
const (
	PolicyThreshold = "threshold"
	PolicyFixed     = "fixed"
)

// Config describes a scaling strategy by name.
type Config struct {
	Policy             string
	ScaleUpThreshold   int
	ScaleDownThreshold int
	Cooldown           time.Duration
}

// New builds a fresh Strategy from cfg.
func New(cfg Config) (Strategy, error) {
	switch cfg.Policy {
	case PolicyFixed, "":
		return Fixed{}, nil
	case PolicyThreshold:
		return NewPolicy(
			WithScaleUpThreshold(cfg.ScaleUpThreshold),
			WithScaleDownThreshold(cfg.ScaleDownThreshold),
			WithCooldownPeriod(cfg.Cooldown),
		), nil
	default:
		return nil, fmt.Errorf("unknown scaling policy %q", cfg.Policy)
	}
}
