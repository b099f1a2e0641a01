package state

import (
	"sync/atomic"
)

// arena is a slice of words accessed only through atomic operations. The
// backing memory is either a shared mapping or a private heap allocation.
type arena struct {
	words   []int64
	release func() error
}

func newHeapArena(n int) *arena {
	return &arena{words: make([]int64, n)}
}

func (a *arena) load(i int) int64 {
	return atomic.LoadInt64(&a.words[i])
}

func (a *arena) store(i int, v int64) {
	atomic.StoreInt64(&a.words[i], v)
}

func (a *arena) add(i int, delta int64) int64 {
	return atomic.AddInt64(&a.words[i], delta)
}

// sub lowers word i by delta without going below zero.
func (a *arena) sub(i int, delta int64) int64 {
	for {
		old := atomic.LoadInt64(&a.words[i])
		v := old - delta
		if v < 0 {
			v = 0
		}
		if atomic.CompareAndSwapInt64(&a.words[i], old, v) {
			return v
		}
	}
}

func (a *arena) zero(from, n int) {
	for i := from; i < from+n; i++ {
		atomic.StoreInt64(&a.words[i], 0)
	}
}

func (a *arena) close() error {
	if a.release == nil {
		return nil
	}
	err := a.release()
	a.release = nil
	return err
}
