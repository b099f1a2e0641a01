// Package state implements the shared state storage: a fixed-layout segment
// of atomic 64-bit words that the pool and every worker process map into
// their address space.
//
// The segment is sized once, at pool start, for the declared number of
// worker and group slots and never grows. Each worker owns exactly one
// worker record and is its only writer; the pool owns the group table.
// Readers never lock. A Reader copies the segment into a local snapshot on
// Update and serves getters from that snapshot, so values may be slightly
// stale but are never torn.
//
// Layout (all fields are int64 words):
//
//	header   [magic, version, workerSlots, groupSlots, 0, 0, 0, 0]
//	workers  workerSlots x [id, groupID, jobCount, jobWeight, ready, updatedAt, pid, 0]
//	groups   groupSlots  x [groupID, lowID, highID, active, queueDepth, pendingWeight, min, max]
//
// Worker id N lives in worker slot N-1; group id G lives in group slot G-1.
package state
