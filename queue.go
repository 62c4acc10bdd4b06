package duplex

import "sync"

// minQueueCap is the initial ring capacity of a Queue.
const minQueueCap = 16

// nextPow2Uint64 returns the smallest power of two >= v with a minimum of 1.
func nextPow2Uint64(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}

// Queue is a mutex-guarded double-ended queue. It is the only structure
// shared between the reactor goroutine and application goroutines.
// Use NewQueue; the zero value is not usable.
type Queue[T any] struct {
	buf      []T        // ring storage, length is a power of two.
	mask     uint64     // mask for index wrapping.
	head     uint64     // position of the front item.
	tail     uint64     // position one past the back item.
	lock     sync.Mutex // guards every field above.
	nonEmpty *sync.Cond // signalled on every push.
}

// NewQueue creates an empty queue with room for size items before growing.
func NewQueue[T any](size uint64) *Queue[T] {
	c := nextPow2Uint64(max(size, minQueueCap))
	q := &Queue[T]{
		buf:  make([]T, c),
		mask: c - 1,
	}
	q.nonEmpty = sync.NewCond(&q.lock)

	return q
}

// grow doubles the ring. Caller holds the lock.
func (q *Queue[T]) grow() {
	n := uint64(len(q.buf)) * 2
	buf := make([]T, n)
	for i := q.head; i != q.tail; i++ {
		buf[(i-q.head)&(n-1)] = q.buf[i&q.mask]
	}
	q.tail -= q.head
	q.head = 0
	q.buf = buf
	q.mask = n - 1
}

// PushBack appends an item and wakes the waiters.
func (q *Queue[T]) PushBack(item T) {
	q.lock.Lock()
	if q.tail-q.head == uint64(len(q.buf)) {
		q.grow()
	}
	q.buf[q.tail&q.mask] = item
	q.tail++
	q.lock.Unlock()

	q.nonEmpty.Broadcast()
}

// PushFront prepends an item and wakes the waiters.
func (q *Queue[T]) PushFront(item T) {
	q.lock.Lock()
	if q.tail-q.head == uint64(len(q.buf)) {
		q.grow()
	}
	q.head--
	q.buf[q.head&q.mask] = item
	q.lock.Unlock()

	q.nonEmpty.Broadcast()
}

// PopFront removes and returns the front item. It returns false if the queue is empty.
func (q *Queue[T]) PopFront() (T, bool) {
	var zero T
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.tail == q.head {
		return zero, false
	}
	i := q.head & q.mask
	item := q.buf[i]
	q.buf[i] = zero
	q.head++
	return item, true
}

// PopBack removes and returns the back item. It returns false if the queue is empty.
func (q *Queue[T]) PopBack() (T, bool) {
	var zero T
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.tail == q.head {
		return zero, false
	}
	q.tail--
	i := q.tail & q.mask
	item := q.buf[i]
	q.buf[i] = zero
	return item, true
}

// Front returns the front item without removing it.
func (q *Queue[T]) Front() (T, bool) {
	var zero T
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.tail == q.head {
		return zero, false
	}
	return q.buf[q.head&q.mask], true
}

// Back returns the back item without removing it.
func (q *Queue[T]) Back() (T, bool) {
	var zero T
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.tail == q.head {
		return zero, false
	}
	return q.buf[(q.tail-1)&q.mask], true
}

// Empty reports whether the queue holds no items.
func (q *Queue[T]) Empty() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.tail == q.head
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return int(q.tail - q.head)
}

// Clear drops every item.
func (q *Queue[T]) Clear() {
	q.lock.Lock()
	defer q.lock.Unlock()
	clear(q.buf)
	q.head, q.tail = 0, 0
}

// Wait blocks until the queue is non-empty. Emptiness is checked under the
// same lock the pushers hold, so a push cannot slip in between the check and
// the wait.
func (q *Queue[T]) Wait() {
	q.lock.Lock()
	for q.tail == q.head {
		q.nonEmpty.Wait()
	}
	q.lock.Unlock()
}
