// Package ring implements the single-producer single-consumer slot rings
// shared between a coordinator and an in-process completion engine.
package ring

import (
	"sync/atomic"
)

// Ring is a fixed-capacity SPSC ring (power-of-two size). One goroutine
// produces with Push, one goroutine consumes with Peek/Pop/Advance.
type Ring[T any] struct {
	data []T
	mask uint64
	_    [56]byte
	head atomic.Uint64 // consumer index
	_    [56]byte
	tail atomic.Uint64 // producer index
	_    [56]byte
}

// New allocates a ring with size slots. Size must be a power of two.
func New[T any](size uint32) *Ring[T] {
	if size == 0 || (size&(size-1)) != 0 {
		panic("ring size must be power of two")
	}
	return &Ring[T]{
		data: make([]T, size),
		mask: uint64(size) - 1,
	}
}

// Push copies v into the next free slot; returns false if full. The ring
// is untouched on failure.
func (r *Ring[T]) Push(v *T) bool {
	head := r.head.Load()
	tail := r.tail.Load()
	if tail-head == uint64(len(r.data)) {
		return false
	}
	r.data[tail&r.mask] = *v
	r.tail.Store(tail + 1)
	return true
}

// Peek returns the oldest element without consuming it.
func (r *Ring[T]) Peek() (*T, bool) {
	head := r.head.Load()
	if head == r.tail.Load() {
		return nil, false
	}
	return &r.data[head&r.mask], true
}

// Advance consumes n elements previously observed with Peek.
func (r *Ring[T]) Advance(n uint32) {
	if n == 0 {
		return
	}
	r.head.Add(uint64(n))
}

// Pop removes and returns the oldest element.
func (r *Ring[T]) Pop() (v T, ok bool) {
	head := r.head.Load()
	if head == r.tail.Load() {
		return v, false
	}
	idx := head & r.mask
	v = r.data[idx]
	var zero T
	r.data[idx] = zero
	r.head.Store(head + 1)
	return v, true
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Space returns the number of free slots.
func (r *Ring[T]) Space() int {
	return len(r.data) - r.Len()
}

// Cap returns the slot count.
func (r *Ring[T]) Cap() int {
	return len(r.data)
}

// RoundUp returns the smallest power of two >= n (minimum 1).
func RoundUp(n uint32) uint32 {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}
