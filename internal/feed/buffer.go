// Package feed moves dispatched events off the read loop and writes them out.
package feed

import (
	"sync"
)

// Buffer is a thread-safe FIFO that doubles its capacity when it reaches
// 70% full, up to a limit. At the limit the oldest item is dropped so a
// slow consumer never blocks the producer.
type Buffer[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	limit    int // 0 means unbounded
	closed   bool

	// Stats
	pushed  int64
	popped  int64
	dropped int64
	resizes int
}

// NewBuffer creates a buffer with the given initial capacity. limit caps
// growth; zero or less means unbounded.
func NewBuffer[T any](initialCapacity, limit int) *Buffer[T] {
	if initialCapacity < 2 {
		initialCapacity = 2
	}
	if limit > 0 && limit < initialCapacity {
		limit = initialCapacity
	}
	b := &Buffer[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		limit:    limit,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push appends an item. It returns false once the buffer is closed.
func (b *Buffer[T]) Push(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold && (b.limit == 0 || b.capacity < b.limit) {
		b.grow()
	}

	if b.count == b.capacity {
		b.popLocked()
		b.popped--
		b.dropped++
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.pushed++

	b.cond.Signal()
	return true
}

// Pop removes the oldest item, blocking until one is available or the
// buffer is closed. It returns false when closed and empty.
func (b *Buffer[T]) Pop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.popLocked(), true
}

// TryPop is Pop without blocking.
func (b *Buffer[T]) TryPop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.popLocked(), true
}

func (b *Buffer[T]) popLocked() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero // Clear reference for GC
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.popped++
	return item
}

// Close stops further pushes. Pending items can still be popped.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Len returns the number of queued items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count    int
	Capacity int
	Pushed   int64
	Popped   int64
	Dropped  int64
	Resizes  int
}

// Stats returns buffer statistics.
func (b *Buffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:    b.count,
		Capacity: b.capacity,
		Pushed:   b.pushed,
		Popped:   b.popped,
		Dropped:  b.dropped,
		Resizes:  b.resizes,
	}
}

// grow doubles the capacity, bounded by limit. Must be called with lock held.
func (b *Buffer[T]) grow() {
	newCapacity := b.capacity * 2
	if b.limit > 0 && newCapacity > b.limit {
		newCapacity = b.limit
	}
	newBuf := make([]T, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.capacity = newCapacity
	b.resizes++
}
