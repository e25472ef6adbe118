package tgc

import (
	"context"
	"sync"
	"time"
)

// Closer is anything the ConnectionQueue can dispose of.
type Closer interface {
	Close() error
}

// ConnectionQueue is a LIFO queue of closable items with timed pops.
// The most recently returned item is handed out first so hot connections stay hot
// and cold ones age into idle eviction. Waiters are not served in FIFO order.
type ConnectionQueue[T Closer] struct {
	lock    sync.Mutex
	items   []T
	waiters []chan struct{}
	closed  bool
}

// NewConnectionQueue creates an open, empty queue.
func NewConnectionQueue[T Closer]() *ConnectionQueue[T] {
	return &ConnectionQueue[T]{}
}

// Put pushes item on top of the queue and wakes one waiter.
// On a closed queue the item is closed and dropped, unless openQueue is set,
// in which case the queue is reopened first.
func (cq *ConnectionQueue[T]) Put(item T, openQueue bool) {

	cq.lock.Lock()

	if cq.closed {
		if !openQueue {
			cq.lock.Unlock()
			_ = item.Close()
			return
		}
		cq.closed = false
	}

	cq.items = append(cq.items, item)
	cq.signalOne()

	cq.lock.Unlock()
}

// GetNoWait pops the top item if the queue is open and not empty.
func (cq *ConnectionQueue[T]) GetNoWait() (T, bool) {

	cq.lock.Lock()
	defer cq.lock.Unlock()

	return cq.pop()
}

// GetUntil pops the top item, waiting up to d for one to be put.
// Returns false on timeout or when the queue is closed.
func (cq *ConnectionQueue[T]) GetUntil(d time.Duration) (T, bool) {
	return cq.GetUntilContext(context.Background(), d)
}

// GetUntilContext is GetUntil that also gives up when ctx is done.
func (cq *ConnectionQueue[T]) GetUntilContext(ctx context.Context, d time.Duration) (T, bool) {

	var zero T
	deadline := time.Now().Add(d)

	cq.lock.Lock()
	for {
		if cq.closed {
			cq.lock.Unlock()
			return zero, false
		}

		if item, ok := cq.pop(); ok {
			cq.lock.Unlock()
			return item, true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			cq.lock.Unlock()
			return zero, false
		}

		wake := make(chan struct{}, 1)
		cq.waiters = append(cq.waiters, wake)
		cq.lock.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-wake:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()

		cq.lock.Lock()
		cq.removeWaiter(wake)

		if ctx.Err() != nil {
			// Hand a wakeup this waiter may have consumed to the next one.
			if len(cq.items) > 0 {
				cq.signalOne()
			}
			cq.lock.Unlock()
			return zero, false
		}
	}
}

// Close marks the queue closed, closes every queued item and wakes all waiters.
func (cq *ConnectionQueue[T]) Close() {

	cq.lock.Lock()

	cq.closed = true
	items := cq.items
	cq.items = nil

	for _, wake := range cq.waiters {
		notify(wake)
	}
	cq.waiters = nil

	cq.lock.Unlock()

	for _, item := range items {
		_ = item.Close()
	}
}

// Reset reopens a closed queue.
func (cq *ConnectionQueue[T]) Reset() {
	cq.lock.Lock()
	cq.closed = false
	cq.lock.Unlock()
}

// RemoveIf removes and returns every queued item matching pred. Items are not closed.
func (cq *ConnectionQueue[T]) RemoveIf(pred func(T) bool) []T {

	cq.lock.Lock()
	defer cq.lock.Unlock()

	var removed []T
	kept := cq.items[:0]
	for _, item := range cq.items {
		if pred(item) {
			removed = append(removed, item)
		} else {
			kept = append(kept, item)
		}
	}

	var zero T
	for i := len(kept); i < len(cq.items); i++ {
		cq.items[i] = zero
	}
	cq.items = kept

	return removed
}

// Size returns the number of queued items.
func (cq *ConnectionQueue[T]) Size() int {
	cq.lock.Lock()
	defer cq.lock.Unlock()
	return len(cq.items)
}

// Empty reports whether nothing is queued.
func (cq *ConnectionQueue[T]) Empty() bool {
	return cq.Size() == 0
}

// IsClosed reports whether Close was called since the last reopen.
func (cq *ConnectionQueue[T]) IsClosed() bool {
	cq.lock.Lock()
	defer cq.lock.Unlock()
	return cq.closed
}

// Waiters returns the number of goroutines blocked in GetUntil.
func (cq *ConnectionQueue[T]) Waiters() int {
	cq.lock.Lock()
	defer cq.lock.Unlock()
	return len(cq.waiters)
}

// pop requires cq.lock.
func (cq *ConnectionQueue[T]) pop() (T, bool) {

	var zero T
	if cq.closed || len(cq.items) == 0 {
		return zero, false
	}

	last := len(cq.items) - 1
	item := cq.items[last]
	cq.items[last] = zero
	cq.items = cq.items[:last]

	return item, true
}

// signalOne requires cq.lock.
func (cq *ConnectionQueue[T]) signalOne() {
	if len(cq.waiters) > 0 {
		wake := cq.waiters[0]
		cq.waiters = cq.waiters[1:]
		notify(wake)
	}
}

// removeWaiter requires cq.lock.
func (cq *ConnectionQueue[T]) removeWaiter(wake chan struct{}) {
	for i, w := range cq.waiters {
		if w == wake {
			cq.waiters = append(cq.waiters[:i], cq.waiters[i+1:]...)
			return
		}
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
