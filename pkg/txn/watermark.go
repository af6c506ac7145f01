package txn

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/metrics"
)

// Watermark tracks the minimum unfinished commit version. A version v is
// done once Done(v) has been called after Begin(v); DoneUntil is the highest
// version with every version at or below it done, and it never regresses.
type Watermark struct {
	doneUntil atomic.Uint64
	lastIndex atomic.Uint64

	markCh chan mark
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type mark struct {
	version uint64
	done    bool
	// waiter, when set, is closed once doneUntil reaches version.
	waiter chan struct{}
}

// NewWatermark creates a watermark with its processing goroutine running.
// base seeds DoneUntil, for re-opened stores.
func NewWatermark(base uint64) *Watermark {
	w := &Watermark{
		markCh: make(chan mark, 128),
		stopCh: make(chan struct{}),
	}
	w.doneUntil.Store(base)
	w.lastIndex.Store(base)
	w.wg.Add(1)
	go w.process()
	return w
}

// Close stops the processing goroutine. Pending waiters are released.
func (w *Watermark) Close() {
	close(w.stopCh)
	w.wg.Wait()
}

// Begin registers a version as in flight. Callers must invoke Begin in
// assignment order, which the version lock in the manager guarantees.
func (w *Watermark) Begin(version uint64) {
	for {
		last := w.lastIndex.Load()
		if version <= last || w.lastIndex.CompareAndSwap(last, version) {
			break
		}
	}
	select {
	case w.markCh <- mark{version: version}:
	case <-w.stopCh:
	}
}

// Done marks a version as finished.
func (w *Watermark) Done(version uint64) {
	select {
	case w.markCh <- mark{version: version, done: true}:
	case <-w.stopCh:
	}
}

// DoneUntil returns the highest version v such that every version <= v is
// done.
func (w *Watermark) DoneUntil() uint64 {
	return w.doneUntil.Load()
}

// LastIndex returns the highest version ever begun.
func (w *Watermark) LastIndex() uint64 {
	return w.lastIndex.Load()
}

// WaitFor blocks until DoneUntil reaches version, the timeout elapses, or
// the context is cancelled.
func (w *Watermark) WaitFor(ctx context.Context, version uint64, timeout time.Duration) error {
	if w.doneUntil.Load() >= version {
		return nil
	}
	waiter := make(chan struct{})
	select {
	case w.markCh <- mark{version: version, waiter: waiter}:
	case <-w.stopCh:
		return diag.Cancelled("TXN_010", "watermark shut down")
	case <-ctx.Done():
		return diag.Cancelled("TXN_011", "wait for version %d cancelled", version)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-waiter:
		return nil
	case <-timer.C:
		return diag.Timeout("TXN_012", "version %d not visible within %s", version, timeout)
	case <-ctx.Done():
		return diag.Cancelled("TXN_011", "wait for version %d cancelled", version)
	case <-w.stopCh:
		return diag.Cancelled("TXN_010", "watermark shut down")
	}
}

type uint64Heap []uint64

func (h uint64Heap) Len() int            { return len(h) }
func (h uint64Heap) Less(i, j int) bool  { return h[i] < h[j] }
func (h uint64Heap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *uint64Heap) Push(x any)         { *h = append(*h, x.(uint64)) }
func (h *uint64Heap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// process serialises all bookkeeping in one goroutine. Pending counts and
// waiter lists are removed eagerly as DoneUntil advances (FIFO by version).
func (w *Watermark) process() {
	defer w.wg.Done()

	pending := make(map[uint64]int)
	waiters := make(map[uint64][]chan struct{})
	var indices uint64Heap
	heap.Init(&indices)

	release := func(until uint64) {
		for version, list := range waiters {
			if version <= until {
				for _, ch := range list {
					close(ch)
				}
				delete(waiters, version)
			}
		}
	}

	for {
		select {
		case <-w.stopCh:
			for _, list := range waiters {
				for _, ch := range list {
					close(ch)
				}
			}
			return
		case m := <-w.markCh:
			if m.waiter != nil {
				if w.doneUntil.Load() >= m.version {
					close(m.waiter)
				} else {
					waiters[m.version] = append(waiters[m.version], m.waiter)
				}
				continue
			}

			prev, tracked := pending[m.version]
			if !tracked {
				heap.Push(&indices, m.version)
			}
			delta := 1
			if m.done {
				delta = -1
			}
			pending[m.version] = prev + delta

			// advance doneUntil over fully finished versions
			until := w.doneUntil.Load()
			changed := false
			for len(indices) > 0 {
				min := indices[0]
				if count := pending[min]; count > 0 {
					break
				}
				heap.Pop(&indices)
				delete(pending, min)
				until = min
				changed = true
			}
			if changed {
				w.doneUntil.Store(until)
				metrics.Watermark.Set(float64(until))
				release(until)
			}
		}
	}
}
