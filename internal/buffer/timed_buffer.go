package buffer

import (
	"sync"
)

// Stats TimedBuffer 统计信息
type Stats struct {
	Len       int    `json:"len"`
	Cap       int    `json:"cap"`
	Pushed    uint64 `json:"pushed"`
	Popped    uint64 `json:"popped"`
	Dropped   uint64 `json:"dropped"`
	HighWater int    `json:"high_water"`
}

// TimedBuffer is a bounded FIFO with a drop-oldest overflow policy.
// Push and Pop never block.
type TimedBuffer[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	size  int

	pushed    uint64
	popped    uint64
	dropped   uint64
	highWater int

	// space is signalled (non-blocking, capacity 1) whenever an item leaves the buffer
	space chan struct{}
}

// New 创建指定容量的缓冲区，容量小于 1 时按 1 处理
func New[T any](capacity int) *TimedBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &TimedBuffer[T]{
		items: make([]T, capacity),
		space: make(chan struct{}, 1),
	}
}

// Push inserts item at the tail. When full the oldest item is evicted and counted.
// It reports whether an item was evicted.
func (b *TimedBuffer[T]) Push(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := false
	if b.size == len(b.items) {
		var zero T
		b.items[b.head] = zero
		b.head = (b.head + 1) % len(b.items)
		b.size--
		b.dropped++
		evicted = true
	}

	b.items[(b.head+b.size)%len(b.items)] = item
	b.size++
	b.pushed++
	if b.size > b.highWater {
		b.highWater = b.size
	}
	return evicted
}

// Pop removes the head item. ok is false when the buffer is empty.
func (b *TimedBuffer[T]) Pop() (item T, ok bool) {
	b.mu.Lock()
	if b.size == 0 {
		b.mu.Unlock()
		return item, false
	}

	var zero T
	item = b.items[b.head]
	b.items[b.head] = zero
	b.head = (b.head + 1) % len(b.items)
	b.size--
	b.popped++
	b.mu.Unlock()

	b.signal()
	return item, true
}

// Peek returns the head item without removing it
func (b *TimedBuffer[T]) Peek() (item T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return item, false
	}
	return b.items[b.head], true
}

// Clear discards every item and returns how many were removed.
// Cleared items are not counted as drops.
func (b *TimedBuffer[T]) Clear() int {
	b.mu.Lock()
	n := b.size
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = 0
	b.size = 0
	b.mu.Unlock()

	if n > 0 {
		b.signal()
	}
	return n
}

// Len returns the number of buffered items
func (b *TimedBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the configured capacity
func (b *TimedBuffer[T]) Cap() int {
	return len(b.items)
}

// Full reports whether the next Push would evict
func (b *TimedBuffer[T]) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size == len(b.items)
}

// Dropped returns the number of evicted items
func (b *TimedBuffer[T]) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Space returns a channel that receives after items leave the buffer.
// Producers use it to wait for room instead of overflowing.
func (b *TimedBuffer[T]) Space() <-chan struct{} {
	return b.space
}

// Stats returns a snapshot of the counters
func (b *TimedBuffer[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Len:       b.size,
		Cap:       len(b.items),
		Pushed:    b.pushed,
		Popped:    b.popped,
		Dropped:   b.dropped,
		HighWater: b.highWater,
	}
}

func (b *TimedBuffer[T]) signal() {
	select {
	case b.space <- struct{}{}:
	default:
	}
}
