// Package dispatch holds pending orders until a threshold makes them
// eligible, then hands them to a processor in priority order.
package dispatch

import (
	"sync"

	"github.com/tidwall/btree"
)

// Filter decides whether an order may leave the queue under threshold.
type Filter[T, O any] func(threshold T, order O) bool

// Processor receives each dispatched order.
type Processor[O any] func(order O)

// Queue is an ordered set of orders gated by a threshold. After every
// Enqueue and SetThreshold either the queue is empty or its minimum element
// fails the filter.
//
// The set and threshold are guarded by one mutex. The processor is always
// invoked with that mutex released, so a processor may call back into any
// queue, including this one.
type Queue[T, O any] struct {
	mu        sync.Mutex
	orders    *btree.BTreeG[O]
	threshold T
	filter    Filter[T, O]
	processor Processor[O]
}

// New creates a queue ordered by less. less must be a total order: two
// distinct orders never compare equal, otherwise the second is dropped as a
// duplicate.
func New[T, O any](threshold T, filter Filter[T, O], less func(a, b O) bool) *Queue[T, O] {
	return &Queue[T, O]{
		// The queue mutex already serializes access.
		orders:    btree.NewBTreeGOptions(less, btree.Options{NoLocks: true}),
		threshold: threshold,
		filter:    filter,
	}
}

// Enqueue adds order and dispatches whatever became eligible. Adding an
// order that is already queued is a no-op.
func (q *Queue[T, O]) Enqueue(order O) {
	q.mu.Lock()
	_, replaced := q.orders.Set(order)
	q.mu.Unlock()

	if replaced {
		return
	}
	q.Dispatch()
}

// DequeueIfEligible removes and returns the minimum order if it passes the
// filter under the current threshold. Otherwise the queue is left untouched.
func (q *Queue[T, O]) DequeueIfEligible() (O, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	first, ok := q.orders.Min()
	if !ok || !q.filter(q.threshold, first) {
		var zero O
		return zero, false
	}
	q.orders.Delete(first)
	return first, true
}

// Dispatch drains every eligible order to the processor. Orders dispatched
// while no processor is registered are dropped.
func (q *Queue[T, O]) Dispatch() {
	for {
		order, ok := q.DequeueIfEligible()
		if !ok {
			return
		}

		q.mu.Lock()
		proc := q.processor
		q.mu.Unlock()

		if proc != nil {
			proc(order)
		}
	}
}

// SetThreshold replaces the threshold and dispatches whatever became eligible.
func (q *Queue[T, O]) SetThreshold(threshold T) {
	q.mu.Lock()
	q.threshold = threshold
	q.mu.Unlock()

	q.Dispatch()
}

func (q *Queue[T, O]) Threshold() T {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.threshold
}

func (q *Queue[T, O]) SetProcessor(proc Processor[O]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processor = proc
}

func (q *Queue[T, O]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.orders.Len()
}

// Items returns a snapshot of the queued orders in priority order.
func (q *Queue[T, O]) Items() []O {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.orders.Items()
}
