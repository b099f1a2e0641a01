package router

import (
	"container/heap"

	"github.com/Iron-Ham/forkpool/internal/ipc"
)

// queued is a job waiting for a ready worker.
type queued struct {
	job   *job
	seq   uint64
	index int
}

// jobHeap orders queued jobs by priority, highest first, then by arrival.
type jobHeap []*queued

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.env.Priority != h[j].job.env.Priority {
		return h[i].job.env.Priority > h[j].job.env.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	q := x.(*queued)
	q.index = len(*h)
	*h = append(*h, q)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	q := old[n-1]
	old[n-1] = nil
	q.index = -1
	*h = old[:n-1]
	return q
}

// queue is a priority queue of jobs.
type queue struct {
	h   jobHeap
	seq uint64
}

func (q *queue) push(j *job) {
	q.seq++
	heap.Push(&q.h, &queued{job: j, seq: q.seq})
}

// requeue puts back a job that was already queued, keeping its place
// among jobs of equal priority.
func (q *queue) requeue(item *queued) {
	heap.Push(&q.h, item)
}

func (q *queue) pop() *queued {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*queued)
}

func (q *queue) len() int { return q.h.Len() }

// drain empties the queue and returns its jobs in priority order.
func (q *queue) drain() []*job {
	out := make([]*job, 0, q.h.Len())
	for q.h.Len() > 0 {
		out = append(out, heap.Pop(&q.h).(*queued).job)
	}
	return out
}

// envelopes returns the queued envelopes in heap order.
func (q *queue) envelopes() []ipc.JobEnvelope {
	out := make([]ipc.JobEnvelope, 0, len(q.h))
	for _, item := range q.h {
		out = append(out, item.job.env)
	}
	return out
}
