package hottier

// CircularBuffer is a fixed-capacity ring. Pushing into a full buffer
// overwrites the oldest item.
//
// CircularBuffer is not safe for concurrent use; callers hold their own lock.
type CircularBuffer[T any] struct {
	items []T
	head  int // index of the oldest item
	size  int
}

// NewCircularBuffer creates a buffer holding at most capacity items.
// It panics if capacity is not positive.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		panic("hottier: circular buffer capacity must be positive")
	}
	return &CircularBuffer[T]{items: make([]T, capacity)}
}

// Push appends item. When the buffer was full, the overwritten oldest item
// is returned with didEvict set.
func (b *CircularBuffer[T]) Push(item T) (evicted T, didEvict bool) {
	capacity := len(b.items)
	if b.size < capacity {
		b.items[(b.head+b.size)%capacity] = item
		b.size++
		return evicted, false
	}

	evicted = b.items[b.head]
	b.items[b.head] = item
	b.head = (b.head + 1) % capacity
	return evicted, true
}

// All returns the items from oldest to newest.
func (b *CircularBuffer[T]) All() []T {
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	return out
}

// Last returns up to n items, oldest to newest, ending with the newest.
func (b *CircularBuffer[T]) Last(n int) []T {
	if n <= 0 || n >= b.size {
		return b.All()
	}
	out := make([]T, n)
	start := b.head + b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.items[(start+i)%len(b.items)]
	}
	return out
}

// Len returns the number of items held.
func (b *CircularBuffer[T]) Len() int { return b.size }

// Cap returns the fixed capacity.
func (b *CircularBuffer[T]) Cap() int { return len(b.items) }

// Full reports whether the next Push will evict.
func (b *CircularBuffer[T]) Full() bool { return b.size == len(b.items) }

// Clear drops every item.
func (b *CircularBuffer[T]) Clear() {
	clear(b.items)
	b.head = 0
	b.size = 0
}
