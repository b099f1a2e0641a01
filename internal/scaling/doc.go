// Package scaling provides load-based elastic scaling decisions for worker
// groups.
//
// On every supervision tick the pool hands each group's [Metrics], read from
// the shared state segment, to that group's [Strategy]. The strategy returns
// a [Decision] with a signed worker delta; the pool clamps the result to the
// group's [minWorkers, maxWorkers] bounds before applying it.
//
// The core types are:
//
//   - [Policy]: threshold rules over queue depth and in-flight jobs, with cooldown
//   - [Fixed]: never changes the group size
//   - [Monitor]: evaluates every registered group from one state snapshot
//   - [Decision]: the output of evaluation, scale up, scale down, or hold
//
// # Usage
//
//	policy := scaling.NewPolicy(
//	    scaling.WithScaleUpThreshold(2),
//	    scaling.WithScaleDownThreshold(0),
//	    scaling.WithCooldownPeriod(30 * time.Second),
//	)
//
//	monitor := scaling.NewMonitor()
//	monitor.Register(groupID, "jobs", policy)
//	for _, gd := range monitor.Evaluate(reader) {
//	    log.Printf("%s: %s delta=%d reason=%s", gd.Group, gd.Action, gd.Delta, gd.Reason)
//	}
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package scaling
