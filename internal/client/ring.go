package client

// Ring is a fixed-capacity FIFO. Pushing onto a full ring overwrites the
// oldest element.
type Ring[T any] struct {
	buf   []T
	head  int
	count int
	drops uint64
}

// NewRing creates an empty ring holding at most capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, dropping the oldest element when the ring is full.
func (r *Ring[T]) Push(v T) {
	if r.count == len(r.buf) {
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		r.drops++
		return
	}
	r.buf[(r.head+r.count)%len(r.buf)] = v
	r.count++
}

// Pop removes and returns up to n elements from the head, oldest first.
func (r *Ring[T]) Pop(n int) []T {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	var zero T
	out := make([]T, n)
	for i := range out {
		out[i] = r.buf[r.head]
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
	}
	r.count -= n
	return out
}

// Len returns the number of queued elements.
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Dropped returns how many elements were overwritten since creation.
func (r *Ring[T]) Dropped() uint64 { return r.drops }

// Clear empties the ring.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.count = 0, 0
}
