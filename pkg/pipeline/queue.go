package pipeline

import "sync"

// workQueue is an unbounded multi-producer, multi-consumer FIFO.
//
// After close, pop drains what is left and then reports false. push is still
// accepted after close so that a worker can requeue to its own stage while the
// stage is stopping; tryPush is refused instead.
type workQueue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

func newWorkQueue[T any]() *workQueue[T] {
	q := &workQueue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends item and wakes one waiting consumer.
func (q *workQueue[T]) push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.cond.Signal()
}

// tryPush appends item unless the queue is closed. It reports whether the
// item was queued; a queued item is always handed to some pop.
func (q *workQueue[T]) tryPush(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.cond.Signal()
	return true
}

// pop blocks until an item is available or the queue is closed and empty.
func (q *workQueue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// len returns the number of queued items.
func (q *workQueue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close wakes every consumer. Remaining items are still handed out.
func (q *workQueue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
